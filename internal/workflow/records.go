package workflow

import (
	"context"
	"fmt"

	"github.com/qms-lifecycle/qms-lifecycle/internal/audit"
	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
	"github.com/qms-lifecycle/qms-lifecycle/internal/notify"
	"github.com/qms-lifecycle/qms-lifecycle/internal/permissions"
	"github.com/qms-lifecycle/qms-lifecycle/internal/signature"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store"
	"github.com/qms-lifecycle/qms-lifecycle/internal/telemetry"
)

// ReviseRequest creates a new version of a record
type ReviseRequest struct {
	RecordID   string
	ActorID    string
	ContentRef string
	Content    []byte
}

// ReviseRecord stores new content as the next record version and returns the
// record to its initial state. Signed versions are never touched.
func (e *Engine) ReviseRecord(ctx context.Context, req ReviseRequest) (*models.Record, error) {
	if req.ContentRef == "" {
		return nil, invalidInput("content_ref is required")
	}
	rec, err := e.loadRecord(ctx, req.RecordID)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorize(ctx, req.ActorID, rec, nil, "revise record", permissions.CapEdit); err != nil {
		return nil, err
	}
	if rec.HasActiveWorkflow() {
		return nil, &InvalidTransitionError{
			InstanceID: *rec.ActiveInstanceID,
			State:      rec.State,
			Reason:     "record has an active workflow",
		}
	}

	var updated *models.Record
	var entries []*models.AuditEntry
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return &NotFoundError{Kind: "record", ID: rec.ID}
		}
		if locked.HasActiveWorkflow() {
			return &ConflictError{RecordID: rec.ID, Reason: "a workflow was started concurrently"}
		}

		now := e.clock.Now().UTC()
		version := &models.RecordVersion{
			RecordID:   locked.ID,
			Version:    locked.CurrentVersion + 1,
			ContentRef: req.ContentRef,
			Content:    req.Content,
			CreatedBy:  req.ActorID,
			CreatedAt:  now,
		}
		if err := tx.CreateRecordVersion(ctx, version); err != nil {
			return err
		}

		prior := locked.State
		locked.CurrentVersion = version.Version
		locked.State = InitialRecordState(locked.Kind)
		locked.UpdatedAt = now
		if err := tx.UpdateRecord(ctx, locked); err != nil {
			return err
		}

		entry, err := e.audit.Record(ctx, tx, audit.Event{
			RecordID:   locked.ID,
			ActorID:    req.ActorID,
			Action:     models.AuditActionRecordRevised,
			PriorState: prior,
			NewState:   locked.State,
			Detail: map[string]interface{}{
				"version":     version.Version,
				"content_ref": version.ContentRef,
			},
		})
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		updated = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.audit.Publish(ctx, entries...)
	return updated, nil
}

// MakeEffective releases an approved document, closing its workflow
func (e *Engine) MakeEffective(ctx context.Context, instanceID, actorID string) (*models.WorkflowInstance, error) {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	var result *models.WorkflowInstance
	err := e.withRetry(ctx, "make_effective", instanceID, 0, func() error {
		inst, err := e.loadInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.State != models.StateApproved {
			return transitionError(inst, "only an approved workflow can be made effective")
		}
		rec, err := e.loadRecord(ctx, inst.RecordID)
		if err != nil {
			return err
		}
		if _, err := e.authorize(ctx, actorID, rec, inst, "release record", permissions.CapRelease); err != nil {
			return err
		}

		var work *models.WorkflowInstance
		var entries []*models.AuditEntry
		err = e.store.InTx(ctx, func(tx store.Tx) error {
			now := e.clock.Now().UTC()
			work = inst.Clone()
			work.State = models.StateEffective
			work.CompletedAt = &now
			work.UpdatedAt = now
			if err := tx.UpdateInstance(ctx, work, inst.Version); err != nil {
				return err
			}
			entry, err := e.audit.Record(ctx, tx, audit.Event{
				RecordID:   work.RecordID,
				InstanceID: work.ID,
				ActorID:    actorID,
				Action:     models.AuditActionStateChanged,
				PriorState: inst.State,
				NewState:   work.State,
			})
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			return e.syncRecord(ctx, tx, work, now)
		})
		if err != nil {
			return err
		}

		telemetry.WorkflowTransitionsTotal.WithLabelValues(string(work.Type), string(inst.State), string(work.State)).Inc()
		e.notify(ctx, work, notify.EventWorkflowCompleted, notify.SeverityInfo, []string{work.InitiatorID, rec.OwnerID}, 0, string(work.State))
		e.audit.Publish(ctx, entries...)
		result = work
		return nil
	})
	return result, err
}

// GetInstance returns a workflow instance the actor may read
func (e *Engine) GetInstance(ctx context.Context, instanceID, actorID string) (*models.WorkflowInstance, error) {
	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	rec, err := e.loadRecord(ctx, inst.RecordID)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorize(ctx, actorID, rec, inst, "read workflow", permissions.CapRead); err != nil {
		return nil, err
	}
	return inst, nil
}

// EffectivePermissions returns what userID may do on a record right now
func (e *Engine) EffectivePermissions(ctx context.Context, recordID, userID string) (permissions.CapabilitySet, error) {
	rec, err := e.loadRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	caps, err := e.perms.EffectivePermissions(ctx, userID, rec, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate permissions: %w", err)
	}
	return caps, nil
}

// AuditTrail returns a record's audit entries in sequence order
func (e *Engine) AuditTrail(ctx context.Context, recordID, actorID string) ([]*models.AuditEntry, error) {
	rec, err := e.loadRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorize(ctx, actorID, rec, nil, "read audit trail", permissions.CapRead); err != nil {
		return nil, err
	}
	entries, err := e.store.ListAuditEntries(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// Signatures lists a record's signatures; version zero lists all versions
func (e *Engine) Signatures(ctx context.Context, recordID string, version int, actorID string) ([]*models.Signature, error) {
	rec, err := e.loadRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorize(ctx, actorID, rec, nil, "read signatures", permissions.CapRead); err != nil {
		return nil, err
	}
	sigs, err := e.store.ListSignatures(ctx, recordID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}
	return sigs, nil
}

// VerifySignature recomputes a stored signature against current data
func (e *Engine) VerifySignature(ctx context.Context, signatureID, actorID string) (*signature.Verification, error) {
	sig, err := e.store.GetSignature(ctx, signatureID)
	if err != nil {
		return nil, fmt.Errorf("failed to load signature: %w", err)
	}
	if sig == nil {
		return nil, &NotFoundError{Kind: "signature", ID: signatureID}
	}
	rec, err := e.loadRecord(ctx, sig.RecordID)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorize(ctx, actorID, rec, nil, "verify signature", permissions.CapRead); err != nil {
		return nil, err
	}
	return e.signatures.Verify(ctx, sig)
}
