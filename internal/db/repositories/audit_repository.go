// audit_repository.go implements AuditRepository, appending workflow audit entries and
// reading a record's trail back in sequence order. Entries are never updated or deleted.
package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
)

const auditEntryColumns = `id, record_id, instance_id, sequence, actor_id, action, prior_state, new_state,
	client_ip, client_agent, request_id, detail, created_at`

// AuditRepository handles audit entry database operations
type AuditRepository struct {
	q sqlx.ExtContext
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(q sqlx.ExtContext) *AuditRepository {
	return &AuditRepository{q: q}
}

// AppendAuditEntry inserts an entry whose ID and sequence were assigned by the caller
func (r *AuditRepository) AppendAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	query := `
		INSERT INTO audit_entries (id, record_id, instance_id, sequence, actor_id, action, prior_state, new_state,
			client_ip, client_agent, request_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.q.ExecContext(ctx, query,
		entry.ID, entry.RecordID, entry.InstanceID, entry.Sequence, entry.ActorID, entry.Action,
		entry.PriorState, entry.NewState, entry.ClientIP, entry.ClientAgent, entry.RequestID,
		entry.Detail, entry.CreatedAt,
	)
	return err
}

// ListAuditEntries returns a record's audit trail ordered by sequence
func (r *AuditRepository) ListAuditEntries(ctx context.Context, recordID string) ([]*models.AuditEntry, error) {
	var entries []*models.AuditEntry
	err := sqlx.SelectContext(ctx, r.q, &entries,
		`SELECT `+auditEntryColumns+` FROM audit_entries WHERE record_id = $1 ORDER BY sequence`, recordID)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
