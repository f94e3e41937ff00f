// signature_repository.go implements SignatureRepository for the insert-only signatures table.
package repositories

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
)

const signatureColumns = `id, record_id, record_version, instance_id, step_seq, signer_id, meaning,
	content_hash, signed_at, seal`

// SignatureRepository handles signature database operations
type SignatureRepository struct {
	q sqlx.ExtContext
}

// NewSignatureRepository creates a new SignatureRepository
func NewSignatureRepository(q sqlx.ExtContext) *SignatureRepository {
	return &SignatureRepository{q: q}
}

// CreateSignature inserts a signature
func (r *SignatureRepository) CreateSignature(ctx context.Context, sig *models.Signature) error {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	query := `
		INSERT INTO signatures (id, record_id, record_version, instance_id, step_seq, signer_id, meaning,
			content_hash, signed_at, seal)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.q.ExecContext(ctx, query,
		sig.ID, sig.RecordID, sig.RecordVersion, sig.InstanceID, sig.StepSeq, sig.SignerID,
		sig.Meaning, sig.ContentHash, sig.SignedAt, sig.Seal,
	)
	return err
}

// GetSignature retrieves a signature by ID
func (r *SignatureRepository) GetSignature(ctx context.Context, id string) (*models.Signature, error) {
	var sig models.Signature
	err := sqlx.GetContext(ctx, r.q, &sig, `SELECT `+signatureColumns+` FROM signatures WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

// ListSignatures returns the signatures of a record, restricted to one version when version > 0
func (r *SignatureRepository) ListSignatures(ctx context.Context, recordID string, version int) ([]*models.Signature, error) {
	var sigs []*models.Signature
	var err error
	if version > 0 {
		err = sqlx.SelectContext(ctx, r.q, &sigs,
			`SELECT `+signatureColumns+` FROM signatures WHERE record_id = $1 AND record_version = $2 ORDER BY signed_at`,
			recordID, version)
	} else {
		err = sqlx.SelectContext(ctx, r.q, &sigs,
			`SELECT `+signatureColumns+` FROM signatures WHERE record_id = $1 ORDER BY signed_at`,
			recordID)
	}
	if err != nil {
		return nil, err
	}
	return sigs, nil
}
