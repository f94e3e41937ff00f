package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qms-lifecycle/qms-lifecycle/internal/audit"
	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
	"github.com/qms-lifecycle/qms-lifecycle/internal/jobs"
	"github.com/qms-lifecycle/qms-lifecycle/internal/notify"
	"github.com/qms-lifecycle/qms-lifecycle/internal/permissions"
	"github.com/qms-lifecycle/qms-lifecycle/internal/safego"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store"
	"github.com/qms-lifecycle/qms-lifecycle/internal/telemetry"
)

// ReassignRequest redirects the active (or blocked) step to a new assignee
type ReassignRequest struct {
	InstanceID     string
	StepSeq        int
	ActorID        string
	AssigneeUserID string
	AssigneeRole   string
}

// Escalate moves the active step one level up the supervisor chain on behalf of actorID
func (e *Engine) Escalate(ctx context.Context, instanceID, actorID string) (*models.WorkflowInstance, error) {
	unlock := e.locks.Lock(instanceID)
	defer unlock()
	return e.escalate(ctx, instanceID, 0, time.Time{}, actorID)
}

// escalate handles both manual and timer escalation. stepSeq is zero for manual calls;
// a timer passes the step and due date it was armed for, and a fire for a step that is
// no longer active, or whose due date has since moved, does nothing.
func (e *Engine) escalate(ctx context.Context, instanceID string, stepSeq int, due time.Time, actorID string) (*models.WorkflowInstance, error) {
	fromTimer := stepSeq != 0

	var result *models.WorkflowInstance
	var blocked *BlockedEscalationError
	err := e.withRetry(ctx, "escalate", instanceID, 0, func() error {
		blocked = nil
		inst, err := e.loadInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if fromTimer {
			step := inst.ActiveStep()
			if inst.State.Terminal() || step == nil || step.Seq != stepSeq || step.Status != models.StepStatusActive ||
				step.DueAt == nil || !step.DueAt.Equal(due) {
				telemetry.EscalationsTotal.WithLabelValues("noop").Inc()
				slog.Debug("ignoring stale escalation timer", "instance_id", instanceID, "step_seq", stepSeq)
				result = inst
				return nil
			}
		} else if err := checkActiveStep(inst, inst.CurrentStep, "escalate"); err != nil {
			return err
		}

		rec, err := e.loadRecord(ctx, inst.RecordID)
		if err != nil {
			return err
		}
		if !fromTimer {
			if _, err := e.authorize(ctx, actorID, rec, inst, "escalate step", permissions.CapEscalate); err != nil {
				return err
			}
		}

		step := inst.ActiveStep()
		level := step.EscalationLevel + 1
		target := ""
		reason := ""
		if level > e.cfg.MaxEscalationDepth {
			reason = fmt.Sprintf("maximum escalation depth %d reached", e.cfg.MaxEscalationDepth)
		} else {
			if target, err = e.escalationTarget(ctx, rec, step); err != nil {
				return err
			}
			if target == "" {
				reason = "no active escalation target"
			}
		}

		var work *models.WorkflowInstance
		var entries []*models.AuditEntry
		err = e.store.InTx(ctx, func(tx store.Tx) error {
			now := e.clock.Now().UTC()
			work = inst.Clone()
			cur := work.ActiveStep()
			previous := stepRecipients(step)

			ev := audit.Event{
				RecordID:   work.RecordID,
				InstanceID: work.ID,
				ActorID:    actorID,
				PriorState: work.State,
				NewState:   work.State,
				Detail: map[string]interface{}{
					"step_seq": cur.Seq,
					"from":     previous,
				},
			}
			if reason != "" {
				cur.Status = models.StepStatusBlocked
				work.DueAt = nil
				ev.Action = models.AuditActionStepBlocked
				ev.Detail["reason"] = reason
				ev.Detail["level"] = step.EscalationLevel
			} else {
				due := e.cal.AddBusinessDays(now, e.cfg.EscalationDueBusinessDays).UTC()
				cur.AssigneeUserID = &target
				cur.AssigneeRole = nil
				cur.EscalationLevel = level
				cur.DueAt = &due
				work.DueAt = cloneTime(&due)
				ev.Action = models.AuditActionEscalated
				ev.Detail["to"] = target
				ev.Detail["level"] = level
			}
			work.UpdatedAt = now

			if err := tx.UpdateInstance(ctx, work, inst.Version); err != nil {
				return err
			}
			entry, err := e.audit.Record(ctx, tx, ev)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
		if err != nil {
			return err
		}

		cur := work.ActiveStep()
		key := jobs.TimerKey{InstanceID: work.ID, StepSeq: cur.Seq}
		if reason != "" {
			e.timers.Cancel(key)
			telemetry.EscalationsTotal.WithLabelValues("blocked").Inc()
			recipients := append(stepRecipients(step), work.InitiatorID)
			e.notify(ctx, work, notify.EventStepBlocked, notify.SeverityFatal, recipients, cur.Seq, reason)
			blocked = &BlockedEscalationError{InstanceID: work.ID, StepSeq: cur.Seq, Level: step.EscalationLevel, Reason: reason}
		} else {
			e.timers.Schedule(key, *cur.DueAt)
			telemetry.EscalationsTotal.WithLabelValues("escalated").Inc()
			e.notify(ctx, work, notify.EventStepEscalated, notify.SeverityInfo, append([]string{target}, stepRecipients(step)...), cur.Seq, "")
		}
		e.audit.Publish(ctx, entries...)
		result = work
		return nil
	})
	if err != nil {
		return nil, err
	}
	if blocked != nil {
		return result, blocked
	}
	return result, nil
}

// escalationTarget finds the next active user above the step's assignee: the
// assignee's nearest active supervisor for a user-assigned step, or the nearest
// active department head on the record's department path for a role-assigned one.
func (e *Engine) escalationTarget(ctx context.Context, rec *models.Record, step *models.Step) (string, error) {
	if step.AssigneeUserID != nil {
		assignee, err := e.store.GetUser(ctx, *step.AssigneeUserID)
		if err != nil {
			return "", fmt.Errorf("failed to load assignee: %w", err)
		}
		if assignee == nil {
			return "", nil
		}
		seen := map[string]bool{assignee.ID: true}
		next := assignee.SupervisorID
		for next != nil && !seen[*next] {
			seen[*next] = true
			u, err := e.store.GetUser(ctx, *next)
			if err != nil {
				return "", fmt.Errorf("failed to load supervisor: %w", err)
			}
			if u == nil {
				return "", nil
			}
			if u.IsActive {
				return u.ID, nil
			}
			next = u.SupervisorID
		}
		return "", nil
	}

	dept, err := e.store.GetDepartment(ctx, rec.DepartmentID)
	if err != nil {
		return "", fmt.Errorf("failed to load department: %w", err)
	}
	if dept == nil {
		return "", nil
	}
	for i := len(dept.Path) - 1; i >= 0; i-- {
		d := dept
		if dept.Path[i] != dept.ID {
			if d, err = e.store.GetDepartment(ctx, dept.Path[i]); err != nil {
				return "", fmt.Errorf("failed to load department: %w", err)
			}
			if d == nil {
				continue
			}
		}
		if d.HeadUserID == nil {
			continue
		}
		head, err := e.store.GetUser(ctx, *d.HeadUserID)
		if err != nil {
			return "", fmt.Errorf("failed to load department head: %w", err)
		}
		if head != nil && head.IsActive {
			return head.ID, nil
		}
	}
	return "", nil
}

// ReassignStep points the current step at a new assignee. It also unblocks a step
// whose escalation ran out of targets.
func (e *Engine) ReassignStep(ctx context.Context, req ReassignRequest) (*models.WorkflowInstance, error) {
	if (req.AssigneeUserID == "") == (req.AssigneeRole == "") {
		return nil, invalidInput("exactly one of assignee_user_id and assignee_role is required")
	}
	if req.AssigneeRole != "" && !permissions.ValidRole(req.AssigneeRole) {
		return nil, invalidInput("unknown role %q", req.AssigneeRole)
	}
	if req.AssigneeUserID != "" {
		u, err := e.store.GetUser(ctx, req.AssigneeUserID)
		if err != nil {
			return nil, fmt.Errorf("failed to load assignee: %w", err)
		}
		if u == nil || !u.IsActive {
			return nil, invalidInput("assignee %s is not an active user", req.AssigneeUserID)
		}
	}

	unlock := e.locks.Lock(req.InstanceID)
	defer unlock()

	var result *models.WorkflowInstance
	err := e.withRetry(ctx, "reassign_step", req.InstanceID, 0, func() error {
		inst, err := e.loadInstance(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		if inst.State.Terminal() || req.StepSeq != inst.CurrentStep || inst.ActiveStep() == nil {
			return transitionError(inst, fmt.Sprintf("step %d is not the current step", req.StepSeq))
		}
		step := inst.ActiveStep()
		if step.Status != models.StepStatusActive && step.Status != models.StepStatusBlocked {
			return transitionError(inst, fmt.Sprintf("step %d is %s", step.Seq, step.Status))
		}
		rec, err := e.loadRecord(ctx, inst.RecordID)
		if err != nil {
			return err
		}
		if _, err := e.authorize(ctx, req.ActorID, rec, inst, "reassign step", permissions.CapReassign); err != nil {
			return err
		}

		var work *models.WorkflowInstance
		var entries []*models.AuditEntry
		err = e.store.InTx(ctx, func(tx store.Tx) error {
			now := e.clock.Now().UTC()
			work = inst.Clone()
			cur := work.ActiveStep()
			from := stepRecipients(cur)
			wasBlocked := cur.Status == models.StepStatusBlocked

			cur.AssigneeUserID, cur.AssigneeRole = nil, nil
			if req.AssigneeUserID != "" {
				id := req.AssigneeUserID
				cur.AssigneeUserID = &id
			} else {
				role := req.AssigneeRole
				cur.AssigneeRole = &role
			}
			cur.EscalationLevel = 0
			e.activate(cur, now)
			work.DueAt = cloneTime(cur.DueAt)
			work.UpdatedAt = now

			if err := tx.UpdateInstance(ctx, work, inst.Version); err != nil {
				return err
			}
			entry, err := e.audit.Record(ctx, tx, audit.Event{
				RecordID:   work.RecordID,
				InstanceID: work.ID,
				ActorID:    req.ActorID,
				Action:     models.AuditActionStepReassigned,
				PriorState: work.State,
				NewState:   work.State,
				Detail: map[string]interface{}{
					"step_seq":    cur.Seq,
					"from":        from,
					"to":          stepRecipients(cur),
					"was_blocked": wasBlocked,
				},
			})
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
		if err != nil {
			return err
		}

		e.armActiveStep(ctx, work)
		e.audit.Publish(ctx, entries...)
		result = work
		return nil
	})
	return result, err
}

// HandleTimer processes one expired timer
func (e *Engine) HandleTimer(ctx context.Context, f jobs.Fire) error {
	if f.Kind == jobs.FireNearDue {
		return e.remind(ctx, f)
	}
	unlock := e.locks.Lock(f.Key.InstanceID)
	defer unlock()
	_, err := e.escalate(ctx, f.Key.InstanceID, f.Key.StepSeq, f.Due, SystemActor)
	return err
}

func (e *Engine) remind(ctx context.Context, f jobs.Fire) error {
	inst, err := e.store.GetInstance(ctx, f.Key.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}
	if inst == nil || inst.State.Terminal() {
		return nil
	}
	step := inst.ActiveStep()
	if step == nil || step.Seq != f.Key.StepSeq || step.Status != models.StepStatusActive {
		return nil
	}
	if step.DueAt == nil || !step.DueAt.Equal(f.Due) {
		return nil
	}
	e.notify(ctx, inst, notify.EventStepNearDue, notify.SeverityInfo, stepRecipients(step), step.Seq,
		fmt.Sprintf("due %s", step.DueAt.Format("2006-01-02")))
	return nil
}

// Run consumes timer fires until ctx is cancelled or fires is closed
func (e *Engine) Run(ctx context.Context, fires <-chan jobs.Fire) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-fires:
			if !ok {
				return
			}
			safego.Run("workflow-timer", func() {
				err := e.HandleTimer(ctx, f)
				switch {
				case err == nil:
				case errors.Is(err, ErrBlockedEscalation):
					slog.Warn("escalation blocked", "instance_id", f.Key.InstanceID, "step_seq", f.Key.StepSeq, "error", err)
				default:
					slog.Error("failed to handle timer", "instance_id", f.Key.InstanceID, "step_seq", f.Key.StepSeq,
						"kind", f.Kind.String(), "error", err)
				}
			})
		}
	}
}
