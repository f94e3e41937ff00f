// workflow_repository.go implements WorkflowRepository, persisting workflow instances and
// their steps with an optimistic version check on every instance update.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store"
)

const (
	pqUniqueViolation       = "23505"
	activeInstanceIndexName = "uq_workflow_instances_active_record"
)

const workflowInstanceColumns = `id, record_id, record_version, type, state, current_step, initiator_id,
	due_at, completed_at, withdrawn, version, created_at, updated_at`

const stepColumns = `instance_id, seq, capability, assignee_user_id, assignee_role, due_business_days,
	due_at, status, activated_at, completed_at, completed_by, outcome, comment, escalation_level`

// WorkflowRepository handles workflow instance and step database operations
type WorkflowRepository struct {
	q sqlx.ExtContext
}

// NewWorkflowRepository creates a new WorkflowRepository
func NewWorkflowRepository(q sqlx.ExtContext) *WorkflowRepository {
	return &WorkflowRepository{q: q}
}

// GetInstance retrieves an instance with its steps ordered by sequence
func (r *WorkflowRepository) GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	err := sqlx.GetContext(ctx, r.q, &inst,
		`SELECT `+workflowInstanceColumns+` FROM workflow_instances WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var steps []*models.Step
	if err := sqlx.SelectContext(ctx, r.q, &steps,
		`SELECT `+stepColumns+` FROM steps WHERE instance_id = $1 ORDER BY seq`, id); err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}
	inst.Steps = steps
	return &inst, nil
}

// CreateInstance inserts an instance and all of its steps.
// A second non-terminal instance for the same record violates the partial unique
// index and is reported as store.ErrActiveInstanceExists.
func (r *WorkflowRepository) CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}
	inst.UpdatedAt = inst.CreatedAt

	query := `
		INSERT INTO workflow_instances (id, record_id, record_version, type, state, current_step, initiator_id,
			due_at, completed_at, withdrawn, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.q.ExecContext(ctx, query,
		inst.ID, inst.RecordID, inst.RecordVersion, inst.Type, inst.State, inst.CurrentStep, inst.InitiatorID,
		inst.DueAt, inst.CompletedAt, inst.Withdrawn, inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation && pqErr.Constraint == activeInstanceIndexName {
			return store.ErrActiveInstanceExists
		}
		return err
	}

	for _, s := range inst.Steps {
		s.InstanceID = inst.ID
		if err := r.insertStep(ctx, s); err != nil {
			return fmt.Errorf("failed to insert step %d: %w", s.Seq, err)
		}
	}
	return nil
}

func (r *WorkflowRepository) insertStep(ctx context.Context, s *models.Step) error {
	query := `
		INSERT INTO steps (instance_id, seq, capability, assignee_user_id, assignee_role, due_business_days,
			due_at, status, activated_at, completed_at, completed_by, outcome, comment, escalation_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.q.ExecContext(ctx, query,
		s.InstanceID, s.Seq, s.Capability, s.AssigneeUserID, s.AssigneeRole, s.DueBusinessDays,
		s.DueAt, s.Status, s.ActivatedAt, s.CompletedAt, s.CompletedBy, s.Outcome, s.Comment, s.EscalationLevel,
	)
	return err
}

// UpdateInstance writes the instance row only if its version still equals
// expectedVersion, then rewrites its steps. On success inst.Version holds the
// new version.
func (r *WorkflowRepository) UpdateInstance(ctx context.Context, inst *models.WorkflowInstance, expectedVersion int64) error {
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = time.Now()
	}
	query := `
		UPDATE workflow_instances
		SET state = $2, current_step = $3, due_at = $4, completed_at = $5, withdrawn = $6,
			version = version + 1, updated_at = $7
		WHERE id = $1 AND version = $8
	`
	res, err := r.q.ExecContext(ctx, query,
		inst.ID, inst.State, inst.CurrentStep, inst.DueAt, inst.CompletedAt, inst.Withdrawn,
		inst.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrVersionConflict
	}
	inst.Version = expectedVersion + 1

	for _, s := range inst.Steps {
		if err := r.updateStep(ctx, s); err != nil {
			return fmt.Errorf("failed to update step %d: %w", s.Seq, err)
		}
	}
	return nil
}

func (r *WorkflowRepository) updateStep(ctx context.Context, s *models.Step) error {
	query := `
		UPDATE steps
		SET assignee_user_id = $3, assignee_role = $4, due_at = $5, status = $6, activated_at = $7,
			completed_at = $8, completed_by = $9, outcome = $10, comment = $11, escalation_level = $12
		WHERE instance_id = $1 AND seq = $2
	`
	res, err := r.q.ExecContext(ctx, query,
		s.InstanceID, s.Seq, s.AssigneeUserID, s.AssigneeRole, s.DueAt, s.Status, s.ActivatedAt,
		s.CompletedAt, s.CompletedBy, s.Outcome, s.Comment, s.EscalationLevel,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// ListOpenSteps returns every active step with a due date
func (r *WorkflowRepository) ListOpenSteps(ctx context.Context) ([]*models.Step, error) {
	var steps []*models.Step
	err := sqlx.SelectContext(ctx, r.q, &steps,
		`SELECT `+stepColumns+` FROM steps WHERE status = 'active' AND due_at IS NOT NULL ORDER BY due_at`)
	if err != nil {
		return nil, err
	}
	return steps, nil
}
