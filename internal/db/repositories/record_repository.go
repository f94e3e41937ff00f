// record_repository.go implements RecordRepository, providing queries for records, their
// content versions, and the per-record audit sequence counter.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store"
)

const recordColumns = `id, kind, title, department_id, owner_id, state, current_version,
	active_instance_id, audit_seq, created_at, updated_at`

const recordVersionColumns = `record_id, version, content_ref, content, created_by, created_at`

const recordVersionsKeyName = "record_versions_pkey"

// RecordRepository handles record and record version database operations.
// It runs against either the pool or an open transaction.
type RecordRepository struct {
	q sqlx.ExtContext
}

// NewRecordRepository creates a new RecordRepository
func NewRecordRepository(q sqlx.ExtContext) *RecordRepository {
	return &RecordRepository{q: q}
}

// GetRecord retrieves a record by ID
func (r *RecordRepository) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	return r.getRecord(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
}

// LockRecord retrieves a record and holds a row lock until the transaction ends
func (r *RecordRepository) LockRecord(ctx context.Context, id string) (*models.Record, error) {
	return r.getRecord(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1 FOR UPDATE`, id)
}

func (r *RecordRepository) getRecord(ctx context.Context, query, id string) (*models.Record, error) {
	var rec models.Record
	err := sqlx.GetContext(ctx, r.q, &rec, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateRecord inserts a record together with its first content version
func (r *RecordRepository) CreateRecord(ctx context.Context, rec *models.Record, version *models.RecordVersion) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = rec.CreatedAt
	if rec.CurrentVersion == 0 {
		rec.CurrentVersion = 1
	}

	query := `
		INSERT INTO records (id, kind, title, department_id, owner_id, state, current_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := r.q.ExecContext(ctx, query,
		rec.ID, rec.Kind, rec.Title, rec.DepartmentID, rec.OwnerID,
		rec.State, rec.CurrentVersion, rec.CreatedAt, rec.UpdatedAt,
	); err != nil {
		return err
	}

	if version == nil {
		return nil
	}
	version.RecordID = rec.ID
	version.Version = rec.CurrentVersion
	return r.CreateRecordVersion(ctx, version)
}

// CreateRecordVersion inserts a content version. Reusing a version number is
// reported as store.ErrVersionExists.
func (r *RecordRepository) CreateRecordVersion(ctx context.Context, version *models.RecordVersion) error {
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO record_versions (record_id, version, content_ref, content, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.q.ExecContext(ctx, query,
		version.RecordID, version.Version, version.ContentRef, version.Content, version.CreatedBy, version.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation && pqErr.Constraint == recordVersionsKeyName {
		return store.ErrVersionExists
	}
	return err
}

// GetRecordVersion retrieves one content version of a record
func (r *RecordRepository) GetRecordVersion(ctx context.Context, recordID string, version int) (*models.RecordVersion, error) {
	var v models.RecordVersion
	err := sqlx.GetContext(ctx, r.q, &v,
		`SELECT `+recordVersionColumns+` FROM record_versions WHERE record_id = $1 AND version = $2`,
		recordID, version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// UpdateRecord writes the mutable lifecycle columns of a record
func (r *RecordRepository) UpdateRecord(ctx context.Context, rec *models.Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	query := `
		UPDATE records
		SET title = $2, state = $3, current_version = $4, active_instance_id = $5, updated_at = $6
		WHERE id = $1
	`
	res, err := r.q.ExecContext(ctx, query,
		rec.ID, rec.Title, rec.State, rec.CurrentVersion, rec.ActiveInstanceID, rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// NextAuditSequence increments and returns the record's audit counter.
// The UPDATE takes the row lock, so concurrent transactions on one record
// receive strictly increasing numbers.
func (r *RecordRepository) NextAuditSequence(ctx context.Context, recordID string) (int64, error) {
	var seq int64
	err := r.q.QueryRowxContext(ctx,
		`UPDATE records SET audit_seq = audit_seq + 1 WHERE id = $1 RETURNING audit_seq`,
		recordID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, store.ErrRowMissing
	}
	return seq, err
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrRowMissing
	}
	return nil
}
