package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store"
)

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var recordCols = []string{
	"id", "kind", "title", "department_id", "owner_id", "state", "current_version",
	"active_instance_id", "audit_seq", "created_at", "updated_at",
}

var instanceCols = []string{
	"id", "record_id", "record_version", "type", "state", "current_step", "initiator_id",
	"due_at", "completed_at", "withdrawn", "version", "created_at", "updated_at",
}

var stepCols = []string{
	"instance_id", "seq", "capability", "assignee_user_id", "assignee_role", "due_business_days",
	"due_at", "status", "activated_at", "completed_at", "completed_by", "outcome", "comment", "escalation_level",
}

var grantCols = []string{
	"id", "user_id", "department_id", "role", "valid_from", "valid_until", "is_active", "granted_by", "created_at",
}

var departmentCols = []string{"id", "parent_id", "name", "path", "head_user_id", "created_at"}

var auditCols = []string{
	"id", "record_id", "instance_id", "sequence", "actor_id", "action", "prior_state", "new_state",
	"client_ip", "client_agent", "request_id", "detail", "created_at",
}

var signatureCols = []string{
	"id", "record_id", "record_version", "instance_id", "step_seq", "signer_id", "meaning",
	"content_hash", "signed_at", "seal",
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var fixedTime = time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func checkExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func sampleRecordRow() *sqlmock.Rows {
	return sqlmock.NewRows(recordCols).AddRow(
		"rec-1", "document", "SOP-001", "dept-1", "owner-1", "DRAFT", 1,
		nil, int64(0), fixedTime, fixedTime,
	)
}

// ---------------------------------------------------------------------------
// Store.InTx
// ---------------------------------------------------------------------------

func TestStore_InTx_Commits(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE records SET audit_seq").
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"audit_seq"}).AddRow(int64(4)))
	mock.ExpectCommit()

	var seq int64
	err := s.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		seq, err = tx.NextAuditSequence(context.Background(), "rec-1")
		return err
	})
	if err != nil {
		t.Fatalf("InTx error: %v", err)
	}
	if seq != 4 {
		t.Errorf("seq = %d, want 4", seq)
	}
	checkExpectations(t, mock)
}

func TestStore_InTx_RollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(tx store.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want boom", err)
	}
	checkExpectations(t, mock)
}

func TestStore_InTx_BeginFails(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewStore(db)

	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

	called := false
	err := s.InTx(context.Background(), func(tx store.Tx) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if called {
		t.Error("callback ran without a transaction")
	}
	checkExpectations(t, mock)
}

// ---------------------------------------------------------------------------
// RecordRepository
// ---------------------------------------------------------------------------

func TestRecordRepository_GetRecord(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRecordRepository(db)

	mock.ExpectQuery("SELECT .* FROM records WHERE id = \\$1$").
		WithArgs("rec-1").
		WillReturnRows(sampleRecordRow())

	rec, err := repo.GetRecord(context.Background(), "rec-1")
	if err != nil {
		t.Fatalf("GetRecord error: %v", err)
	}
	if rec == nil || rec.Title != "SOP-001" || rec.State != models.StateDraft {
		t.Errorf("GetRecord = %+v", rec)
	}
	if rec.HasActiveWorkflow() {
		t.Error("record should not have an active workflow")
	}
	checkExpectations(t, mock)
}

func TestRecordRepository_GetRecord_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRecordRepository(db)

	mock.ExpectQuery("SELECT .* FROM records").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(recordCols))

	rec, err := repo.GetRecord(context.Background(), "missing")
	if err != nil || rec != nil {
		t.Errorf("GetRecord = %v, %v; want nil, nil", rec, err)
	}
	checkExpectations(t, mock)
}

func TestRecordRepository_LockRecord_UsesForUpdate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRecordRepository(db)

	mock.ExpectQuery("SELECT .* FROM records WHERE id = \\$1 FOR UPDATE").
		WithArgs("rec-1").
		WillReturnRows(sampleRecordRow())

	if _, err := repo.LockRecord(context.Background(), "rec-1"); err != nil {
		t.Fatalf("LockRecord error: %v", err)
	}
	checkExpectations(t, mock)
}

func TestRecordRepository_CreateRecord_WithVersion(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRecordRepository(db)

	mock.ExpectExec("INSERT INTO records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO record_versions").WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &models.Record{Kind: models.RecordKindDocument, Title: "SOP-002", State: models.StateDraft}
	v := &models.RecordVersion{Content: []byte("body")}
	if err := repo.CreateRecord(context.Background(), rec, v); err != nil {
		t.Fatalf("CreateRecord error: %v", err)
	}
	if rec.ID == "" || v.RecordID != rec.ID || v.Version != 1 {
		t.Errorf("ids not propagated: rec=%+v version=%+v", rec, v)
	}
	checkExpectations(t, mock)
}

func TestRecordRepository_CreateRecordVersion_Duplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRecordRepository(db)

	mock.ExpectExec("INSERT INTO record_versions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "record_versions_pkey"})

	err := repo.CreateRecordVersion(context.Background(), &models.RecordVersion{RecordID: "rec-1", Version: 1, Content: []byte("rewritten")})
	if !errors.Is(err, store.ErrVersionExists) {
		t.Errorf("CreateRecordVersion error = %v, want ErrVersionExists", err)
	}
	checkExpectations(t, mock)
}

func TestRecordRepository_UpdateRecord_KeepsCallerTimestamp(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRecordRepository(db)

	mock.ExpectExec("UPDATE records").
		WithArgs("rec-1", "SOP-001", models.StatePendingReview, 1, nil, fixedTime).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &models.Record{ID: "rec-1", Title: "SOP-001", State: models.StatePendingReview, CurrentVersion: 1, UpdatedAt: fixedTime}
	if err := repo.UpdateRecord(context.Background(), rec); err != nil {
		t.Fatalf("UpdateRecord error: %v", err)
	}
	if !rec.UpdatedAt.Equal(fixedTime) {
		t.Errorf("UpdatedAt = %v, want %v", rec.UpdatedAt, fixedTime)
	}
	checkExpectations(t, mock)
}

func TestRecordRepository_UpdateRecord_Missing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRecordRepository(db)

	mock.ExpectExec("UPDATE records").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateRecord(context.Background(), &models.Record{ID: "gone"})
	if !errors.Is(err, store.ErrRowMissing) {
		t.Errorf("UpdateRecord error = %v, want ErrRowMissing", err)
	}
	checkExpectations(t, mock)
}

func TestRecordRepository_NextAuditSequence_Missing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRecordRepository(db)

	mock.ExpectQuery("UPDATE records SET audit_seq").
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"audit_seq"}))

	_, err := repo.NextAuditSequence(context.Background(), "gone")
	if !errors.Is(err, store.ErrRowMissing) {
		t.Errorf("NextAuditSequence error = %v, want ErrRowMissing", err)
	}
	checkExpectations(t, mock)
}

// ---------------------------------------------------------------------------
// WorkflowRepository
// ---------------------------------------------------------------------------

func TestWorkflowRepository_GetInstance_LoadsSteps(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewWorkflowRepository(db)

	mock.ExpectQuery("SELECT .* FROM workflow_instances WHERE id = \\$1").
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows(instanceCols).AddRow(
			"wf-1", "rec-1", 1, "approval", "PENDING_APPROVAL", 2, "author-1",
			nil, nil, false, int64(3), fixedTime, fixedTime,
		))
	mock.ExpectQuery("SELECT .* FROM steps WHERE instance_id = \\$1 ORDER BY seq").
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows(stepCols).
			AddRow("wf-1", 1, "review", "rev-1", nil, 3, fixedTime, "completed", fixedTime, fixedTime, "rev-1", "APPROVE", nil, 0).
			AddRow("wf-1", 2, "approve", nil, "qa_approver", 2, fixedTime, "active", fixedTime, nil, nil, nil, nil, 0))

	inst, err := repo.GetInstance(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("GetInstance error: %v", err)
	}
	if inst.Version != 3 || inst.CurrentStep != 2 || len(inst.Steps) != 2 {
		t.Fatalf("GetInstance = %+v", inst)
	}
	if inst.Steps[0].Outcome == nil || *inst.Steps[0].Outcome != models.OutcomeApprove {
		t.Errorf("step 1 outcome = %v", inst.Steps[0].Outcome)
	}
	if inst.ActiveStep().AssigneeRole == nil || *inst.ActiveStep().AssigneeRole != "qa_approver" {
		t.Errorf("active step role = %v", inst.ActiveStep().AssigneeRole)
	}
	checkExpectations(t, mock)
}

func TestWorkflowRepository_CreateInstance_ActiveExists(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewWorkflowRepository(db)

	mock.ExpectExec("INSERT INTO workflow_instances").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_workflow_instances_active_record"})

	err := repo.CreateInstance(context.Background(), &models.WorkflowInstance{RecordID: "rec-1"})
	if !errors.Is(err, store.ErrActiveInstanceExists) {
		t.Errorf("CreateInstance error = %v, want ErrActiveInstanceExists", err)
	}
	checkExpectations(t, mock)
}

func TestWorkflowRepository_CreateInstance_InsertsSteps(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewWorkflowRepository(db)

	mock.ExpectExec("INSERT INTO workflow_instances").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO steps").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO steps").WillReturnResult(sqlmock.NewResult(0, 1))

	inst := &models.WorkflowInstance{
		RecordID: "rec-1",
		Steps:    []*models.Step{{Seq: 1}, {Seq: 2}},
	}
	if err := repo.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("CreateInstance error: %v", err)
	}
	if inst.Version != 1 || inst.Steps[1].InstanceID != inst.ID {
		t.Errorf("instance not initialised: %+v", inst)
	}
	checkExpectations(t, mock)
}

func TestWorkflowRepository_UpdateInstance_VersionConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewWorkflowRepository(db)

	mock.ExpectExec("UPDATE workflow_instances .* WHERE id = \\$1 AND version = \\$8").
		WillReturnResult(sqlmock.NewResult(0, 0))

	inst := &models.WorkflowInstance{ID: "wf-1", Version: 2, Steps: []*models.Step{{Seq: 1}}}
	err := repo.UpdateInstance(context.Background(), inst, 2)
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("UpdateInstance error = %v, want ErrVersionConflict", err)
	}
	if inst.Version != 2 {
		t.Errorf("version changed on conflict: %d", inst.Version)
	}
	checkExpectations(t, mock)
}

func TestWorkflowRepository_UpdateInstance_BumpsVersion(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewWorkflowRepository(db)

	mock.ExpectExec("UPDATE workflow_instances").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE steps").WillReturnResult(sqlmock.NewResult(0, 1))

	inst := &models.WorkflowInstance{ID: "wf-1", Steps: []*models.Step{{InstanceID: "wf-1", Seq: 1}}}
	if err := repo.UpdateInstance(context.Background(), inst, 5); err != nil {
		t.Fatalf("UpdateInstance error: %v", err)
	}
	if inst.Version != 6 {
		t.Errorf("Version = %d, want 6", inst.Version)
	}
	if inst.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
	checkExpectations(t, mock)
}

func TestWorkflowRepository_UpdateInstance_KeepsCallerTimestamp(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewWorkflowRepository(db)

	mock.ExpectExec("UPDATE workflow_instances").
		WithArgs("wf-1", models.StateApproved, 3, nil, nil, false, fixedTime, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inst := &models.WorkflowInstance{ID: "wf-1", State: models.StateApproved, CurrentStep: 3, UpdatedAt: fixedTime}
	if err := repo.UpdateInstance(context.Background(), inst, 2); err != nil {
		t.Fatalf("UpdateInstance error: %v", err)
	}
	if !inst.UpdatedAt.Equal(fixedTime) {
		t.Errorf("UpdatedAt = %v, want %v", inst.UpdatedAt, fixedTime)
	}
	checkExpectations(t, mock)
}

// ---------------------------------------------------------------------------
// DirectoryRepository
// ---------------------------------------------------------------------------

func TestDirectoryRepository_CreateDepartment_ExtendsParentPath(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDirectoryRepository(db)

	mock.ExpectQuery("SELECT .* FROM departments WHERE id = \\$1").
		WithArgs("parent").
		WillReturnRows(sqlmock.NewRows(departmentCols).
			AddRow("parent", "root", "QA", "{root,parent}", nil, fixedTime))
	mock.ExpectExec("INSERT INTO departments").WillReturnResult(sqlmock.NewResult(0, 1))

	parent := "parent"
	dept := &models.Department{ID: "child", Name: "QA Docs", ParentID: &parent}
	if err := repo.CreateDepartment(context.Background(), dept); err != nil {
		t.Fatalf("CreateDepartment error: %v", err)
	}
	want := []string{"root", "parent", "child"}
	if len(dept.Path) != len(want) {
		t.Fatalf("Path = %v, want %v", dept.Path, want)
	}
	for i := range want {
		if dept.Path[i] != want[i] {
			t.Errorf("Path[%d] = %q, want %q", i, dept.Path[i], want[i])
		}
	}
	checkExpectations(t, mock)
}

func TestDirectoryRepository_CreateDepartment_MissingParent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDirectoryRepository(db)

	mock.ExpectQuery("SELECT .* FROM departments").
		WillReturnRows(sqlmock.NewRows(departmentCols))

	parent := "ghost"
	err := repo.CreateDepartment(context.Background(), &models.Department{Name: "x", ParentID: &parent})
	if !errors.Is(err, store.ErrRowMissing) {
		t.Errorf("CreateDepartment error = %v, want ErrRowMissing", err)
	}
	checkExpectations(t, mock)
}

func TestDirectoryRepository_ListGrantsForUser_IncludesExpiredRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDirectoryRepository(db)

	yesterday := fixedTime.AddDate(0, 0, -1)
	mock.ExpectQuery("SELECT .* FROM permission_grants WHERE user_id = \\$1").
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows(grantCols).
			AddRow("g-1", "u-1", nil, "reviewer", fixedTime.AddDate(0, -1, 0), yesterday, true, "admin", fixedTime).
			AddRow("g-2", "u-1", "dept-1", "approver", fixedTime.AddDate(0, -1, 0), nil, true, "admin", fixedTime))

	grants, err := repo.ListGrantsForUser(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("ListGrantsForUser error: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("len = %d, want 2", len(grants))
	}
	if !grants[0].IsGlobal() || grants[1].IsGlobal() {
		t.Errorf("scope mismatch: %+v %+v", grants[0], grants[1])
	}
	if grants[0].EffectiveAt(fixedTime) {
		t.Error("expired grant reported effective")
	}
	checkExpectations(t, mock)
}

func TestDirectoryRepository_RevokeGrant(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDirectoryRepository(db)

	mock.ExpectExec("UPDATE permission_grants SET is_active = FALSE").
		WithArgs("g-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.RevokeGrant(context.Background(), "g-1"); err != nil {
		t.Fatalf("RevokeGrant error: %v", err)
	}
	checkExpectations(t, mock)
}

// ---------------------------------------------------------------------------
// AuditRepository
// ---------------------------------------------------------------------------

func TestAuditRepository_AppendAndList(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditRepository(db)

	mock.ExpectExec("INSERT INTO audit_entries").
		WithArgs("01HZX", "rec-1", nil, int64(1), "u-1", "DENIED", models.WorkflowState(""), models.WorkflowState(""),
			nil, nil, nil, sqlmock.AnyArg(), fixedTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .* FROM audit_entries WHERE record_id = \\$1 ORDER BY sequence").
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows(auditCols).
			AddRow("01HZX", "rec-1", nil, int64(1), "u-1", "DENIED", "", "", nil, nil, nil, []byte(`{"required":"approve"}`), fixedTime))

	entry := &models.AuditEntry{
		ID: "01HZX", RecordID: "rec-1", Sequence: 1, ActorID: "u-1", Action: models.AuditActionDenied,
		Detail: models.JSONMap{"required": "approve"}, CreatedAt: fixedTime,
	}
	if err := repo.AppendAuditEntry(context.Background(), entry); err != nil {
		t.Fatalf("AppendAuditEntry error: %v", err)
	}

	entries, err := repo.ListAuditEntries(context.Background(), "rec-1")
	if err != nil {
		t.Fatalf("ListAuditEntries error: %v", err)
	}
	if len(entries) != 1 || entries[0].Detail["required"] != "approve" {
		t.Errorf("ListAuditEntries = %+v", entries)
	}
	checkExpectations(t, mock)
}

// ---------------------------------------------------------------------------
// SignatureRepository
// ---------------------------------------------------------------------------

func TestSignatureRepository_ListByVersion(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSignatureRepository(db)

	mock.ExpectQuery("SELECT .* FROM signatures WHERE record_id = \\$1 AND record_version = \\$2").
		WithArgs("rec-1", 2).
		WillReturnRows(sqlmock.NewRows(signatureCols).
			AddRow("sig-1", "rec-1", 2, "wf-1", 2, "u-2", "approver", "abc123", fixedTime, nil))

	sigs, err := repo.ListSignatures(context.Background(), "rec-1", 2)
	if err != nil {
		t.Fatalf("ListSignatures error: %v", err)
	}
	if len(sigs) != 1 || sigs[0].Meaning != models.MeaningApprover || *sigs[0].StepSeq != 2 {
		t.Errorf("ListSignatures = %+v", sigs)
	}
	checkExpectations(t, mock)
}

func TestSignatureRepository_GetSignature_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSignatureRepository(db)

	mock.ExpectQuery("SELECT .* FROM signatures WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(signatureCols))

	sig, err := repo.GetSignature(context.Background(), "missing")
	if err != nil || sig != nil {
		t.Errorf("GetSignature = %v, %v; want nil, nil", sig, err)
	}
	checkExpectations(t, mock)
}
