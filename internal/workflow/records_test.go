package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
	"github.com/qms-lifecycle/qms-lifecycle/internal/permissions"
	"github.com/qms-lifecycle/qms-lifecycle/internal/signature"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store"
)

func TestReviseRecord_AfterRejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.start(t, docRecord, models.WorkflowTypeApproval, reviewApprovalSteps())
	_, err := h.submit(first, 1, "reviewer", models.OutcomeRequestChanges)
	require.NoError(t, err)

	rec, err := h.engine.ReviseRecord(ctx, ReviseRequest{
		RecordID: docRecord, ActorID: "author", ContentRef: "docs/sop-7", Content: []byte("v2 body"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.CurrentVersion)
	assert.Equal(t, models.StateDraft, rec.State)

	v1, err := h.store.GetRecordVersion(ctx, docRecord, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1 body"), v1.Content, "earlier versions are untouched")

	actions := h.auditActions(t, docRecord)
	assert.Equal(t, models.AuditActionRecordRevised, actions[len(actions)-1])

	second := h.start(t, docRecord, models.WorkflowTypeApproval, reviewApprovalSteps())
	assert.Equal(t, 2, second.RecordVersion)
}

func TestReviseRecord_BlockedByActiveWorkflow(t *testing.T) {
	h := newHarness(t)
	h.start(t, docRecord, models.WorkflowTypeApproval, reviewApprovalSteps())

	_, err := h.engine.ReviseRecord(context.Background(), ReviseRequest{
		RecordID: docRecord, ActorID: "author", ContentRef: "docs/sop-7",
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReviseRecord_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.ReviseRecord(ctx, ReviseRequest{RecordID: docRecord, ActorID: "author"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.engine.ReviseRecord(ctx, ReviseRequest{RecordID: docRecord, ActorID: "reviewer", ContentRef: "x"})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = h.engine.ReviseRecord(ctx, ReviseRequest{RecordID: "missing", ActorID: "author", ContentRef: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartWorkflow_RejectedRecordNeedsRevision(t *testing.T) {
	h := newHarness(t)
	inst := h.start(t, docRecord, models.WorkflowTypeApproval, reviewApprovalSteps())
	_, err := h.submit(inst, 1, "reviewer", models.OutcomeReject)
	require.NoError(t, err)

	_, err = h.engine.StartWorkflow(context.Background(), StartRequest{
		RecordID: docRecord, Type: models.WorkflowTypeApproval, Steps: reviewApprovalSteps(), ActorID: "author",
	})
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.StateRejected, invalid.State)
	assert.Equal(t, []string{"revise_record"}, invalid.Allowed)
}

func TestMakeEffective_RequiresApproved(t *testing.T) {
	h := newHarness(t)
	inst := h.start(t, docRecord, models.WorkflowTypeApproval, reviewApprovalSteps())

	_, err := h.engine.MakeEffective(context.Background(), inst.ID, "qa")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMakeEffective_RequiresRelease(t *testing.T) {
	h := newHarness(t)
	inst := h.start(t, docRecord, models.WorkflowTypeApproval, reviewApprovalSteps())
	inst, err := h.submit(inst, 1, "reviewer", models.OutcomeApprove)
	require.NoError(t, err)
	inst, err = h.submit(inst, 2, "approver", models.OutcomeApprove)
	require.NoError(t, err)

	_, err = h.engine.MakeEffective(context.Background(), inst.ID, "approver")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, models.StateApproved, h.record(t, docRecord).State)
}

// tamperedVersion overrides one stored record version on reads
type tamperedVersion struct {
	store.Reader
	version *models.RecordVersion
}

func (tv tamperedVersion) GetRecordVersion(ctx context.Context, recordID string, version int) (*models.RecordVersion, error) {
	if recordID == tv.version.RecordID && version == tv.version.Version {
		cp := *tv.version
		return &cp, nil
	}
	return tv.Reader.GetRecordVersion(ctx, recordID, version)
}

func TestVerifySignature_DetectsChangedContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.start(t, docRecord, models.WorkflowTypeApproval, reviewApprovalSteps())
	_, err := h.submit(inst, 1, "reviewer", models.OutcomeApprove)
	require.NoError(t, err)

	sigs, err := h.engine.Signatures(ctx, docRecord, 1, "author")
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	sig := sigs[0]
	assert.Equal(t, "reviewer", sig.SignerID)
	require.NotNil(t, sig.StepSeq)
	assert.Equal(t, 1, *sig.StepSeq)

	v, err := h.engine.VerifySignature(ctx, sig.ID, "author")
	require.NoError(t, err)
	assert.Equal(t, signature.StatusValid, v.Status)

	// A rewrite through the store is refused; versions are append-only.
	err = h.store.InTx(ctx, func(tx store.Tx) error {
		return tx.CreateRecordVersion(ctx, &models.RecordVersion{
			RecordID: docRecord, Version: 1, ContentRef: "docs/sop-7", Content: []byte("tampered"), CreatedBy: "author",
		})
	})
	require.ErrorIs(t, err, store.ErrVersionExists)
	v, err = h.engine.VerifySignature(ctx, sig.ID, "author")
	require.NoError(t, err)
	assert.Equal(t, signature.StatusValid, v.Status)

	// Content edited behind the engine's back no longer matches the signature.
	h.engine.signatures = signature.NewService(tamperedVersion{
		Reader:  h.store,
		version: &models.RecordVersion{RecordID: docRecord, Version: 1, ContentRef: "docs/sop-7", Content: []byte("tampered")},
	}, nil, false, h.clock)
	v, err = h.engine.VerifySignature(ctx, sig.ID, "author")
	require.NoError(t, err)
	assert.Equal(t, signature.StatusContentChanged, v.Status)
}

func TestVerifySignature_UnknownAndUnauthorized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.VerifySignature(ctx, "nope", "author")
	assert.ErrorIs(t, err, ErrNotFound)

	inst := h.start(t, docRecord, models.WorkflowTypeApproval, reviewApprovalSteps())
	_, err = h.submit(inst, 1, "reviewer", models.OutcomeApprove)
	require.NoError(t, err)
	sigs, err := h.store.ListSignatures(ctx, docRecord, 0)
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	_, err = h.engine.VerifySignature(ctx, sigs[0].ID, "outsider")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestReadOperations_RequireRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.start(t, docRecord, models.WorkflowTypeApproval, reviewApprovalSteps())

	_, err := h.engine.GetInstance(ctx, inst.ID, "outsider")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = h.engine.AuditTrail(ctx, docRecord, "outsider")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = h.engine.Signatures(ctx, docRecord, 0, "outsider")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	got, err := h.engine.GetInstance(ctx, inst.ID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)

	trail, err := h.engine.AuditTrail(ctx, docRecord, "author")
	require.NoError(t, err)
	for i := 1; i < len(trail); i++ {
		assert.Equal(t, trail[i-1].Sequence+1, trail[i].Sequence, "sequence has no gaps")
	}
}

func TestEffectivePermissions_IncludesAssignment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, docRecord, models.WorkflowTypeApproval, reviewApprovalSteps())

	caps, err := h.engine.EffectivePermissions(ctx, docRecord, "reviewer")
	require.NoError(t, err)
	assert.True(t, caps.Has(permissions.CapReview))
	assert.True(t, caps.Has(permissions.CapCompleteStep))

	caps, err = h.engine.EffectivePermissions(ctx, docRecord, "approver")
	require.NoError(t, err)
	assert.True(t, caps.Has(permissions.CapApprove))
	assert.False(t, caps.Has(permissions.CapCompleteStep), "approver's step is not active yet")

	caps, err = h.engine.EffectivePermissions(ctx, docRecord, "outsider")
	require.NoError(t, err)
	assert.Empty(t, caps.Strings())
}
