// Package workflow drives records through multi-step review, approval and CAPA
// processes.
//
// Every mutation runs in one store transaction together with its audit entries and
// signatures, and is guarded by a compare-and-swap on the instance version. Calls on
// the same instance are serialized in process; the version check covers writers in
// other processes. Timers, notifications and audit shipping happen after commit.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/qms-lifecycle/qms-lifecycle/internal/audit"
	"github.com/qms-lifecycle/qms-lifecycle/internal/calendar"
	"github.com/qms-lifecycle/qms-lifecycle/internal/config"
	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
	"github.com/qms-lifecycle/qms-lifecycle/internal/jobs"
	"github.com/qms-lifecycle/qms-lifecycle/internal/notify"
	"github.com/qms-lifecycle/qms-lifecycle/internal/permissions"
	"github.com/qms-lifecycle/qms-lifecycle/internal/signature"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store"
	"github.com/qms-lifecycle/qms-lifecycle/internal/telemetry"
)

// SystemActor is the actor recorded for timer-driven actions
const SystemActor = "system"

// StepSpec defines one step of a workflow to start
type StepSpec struct {
	Capability      string `json:"capability" binding:"required"`
	AssigneeUserID  string `json:"assignee_user_id,omitempty"`
	AssigneeRole    string `json:"assignee_role,omitempty"`
	DueBusinessDays int    `json:"due_business_days,omitempty"`
}

// StartRequest starts a workflow on a record
type StartRequest struct {
	RecordID string
	Type     models.WorkflowType
	Steps    []StepSpec
	ActorID  string
}

// SubmitRequest completes the active step.
// ExpectedVersion of zero means "latest"; such calls are retried on a lost race.
type SubmitRequest struct {
	InstanceID      string
	StepSeq         int
	ActorID         string
	Outcome         models.StepOutcome
	Comment         string
	ExpectedVersion int64
	// Password re-authenticates the signer when the step is signed.
	Password string
}

// Timers is the part of the escalation scheduler the engine drives
type Timers interface {
	Schedule(key jobs.TimerKey, due time.Time) time.Time
	Cancel(key jobs.TimerKey)
	CancelInstance(instanceID string)
}

// Deps are the collaborators an Engine needs
type Deps struct {
	Store       store.Store
	Permissions permissions.Evaluator
	Audit       *audit.Recorder
	Signatures  *signature.Service
	Calendar    *calendar.Calendar
	// Timers and Notifier are optional.
	Timers   Timers
	Notifier notify.Notifier
	Clock    clockwork.Clock
}

// Engine is the workflow engine
type Engine struct {
	cfg        config.WorkflowConfig
	store      store.Store
	perms      permissions.Evaluator
	audit      *audit.Recorder
	signatures *signature.Service
	cal        *calendar.Calendar
	timers     Timers
	notifier   notify.Notifier
	clock      clockwork.Clock
	locks      *keyedMutex
}

type nopTimers struct{}

func (nopTimers) Schedule(_ jobs.TimerKey, due time.Time) time.Time { return due }
func (nopTimers) Cancel(jobs.TimerKey)                              {}
func (nopTimers) CancelInstance(string)                             {}

// New creates an Engine
func New(cfg config.WorkflowConfig, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Permissions == nil || deps.Audit == nil || deps.Signatures == nil || deps.Calendar == nil {
		return nil, errors.New("workflow engine requires a store, permission evaluator, audit recorder, signature service and calendar")
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 3
	}
	if cfg.MaxEscalationDepth <= 0 {
		cfg.MaxEscalationDepth = 3
	}
	if cfg.DefaultDueBusinessDays <= 0 {
		cfg.DefaultDueBusinessDays = 5
	}
	if cfg.EscalationDueBusinessDays <= 0 {
		cfg.EscalationDueBusinessDays = 2
	}

	e := &Engine{
		cfg:        cfg,
		store:      deps.Store,
		perms:      deps.Permissions,
		audit:      deps.Audit,
		signatures: deps.Signatures,
		cal:        deps.Calendar,
		timers:     deps.Timers,
		notifier:   deps.Notifier,
		clock:      deps.Clock,
		locks:      newKeyedMutex(),
	}
	if e.timers == nil {
		e.timers = nopTimers{}
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	return e, nil
}

// StartWorkflow creates a workflow instance for a record and activates its first step
func (e *Engine) StartWorkflow(ctx context.Context, req StartRequest) (*models.WorkflowInstance, error) {
	rec, err := e.loadRecord(ctx, req.RecordID)
	if err != nil {
		return nil, err
	}
	if err := validateDefinition(rec.Kind, req.Type, req.Steps); err != nil {
		return nil, err
	}
	if _, err := e.authorize(ctx, req.ActorID, rec, nil, "start workflow", permissions.CapSubmit); err != nil {
		return nil, err
	}
	if rec.HasActiveWorkflow() {
		return nil, &ConflictError{RecordID: rec.ID, Reason: "record already has an active workflow"}
	}
	if !validStartState(req.Type, rec.State) {
		return nil, &InvalidTransitionError{
			State:   rec.State,
			Allowed: []string{"revise_record"},
			Reason:  fmt.Sprintf("a %s workflow cannot start on a record in %s", req.Type, rec.State),
		}
	}

	var inst *models.WorkflowInstance
	var entries []*models.AuditEntry
	var from models.WorkflowState
	var path []models.WorkflowState
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return &NotFoundError{Kind: "record", ID: rec.ID}
		}
		if locked.HasActiveWorkflow() {
			return &ConflictError{RecordID: rec.ID, Reason: "record already has an active workflow"}
		}

		now := e.clock.Now().UTC()
		inst = &models.WorkflowInstance{
			ID:            uuid.New().String(),
			RecordID:      locked.ID,
			RecordVersion: locked.CurrentVersion,
			Type:          req.Type,
			State:         InitialState(req.Type),
			CurrentStep:   1,
			InitiatorID:   req.ActorID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		for i, spec := range req.Steps {
			inst.Steps = append(inst.Steps, e.newStep(inst.ID, i+1, spec))
		}
		first := inst.Steps[0]
		e.activate(first, now)
		inst.DueAt = cloneTime(first.DueAt)
		from = locked.State
		path = statePath(from, inst, nil)
		inst.State = DeriveState(inst)

		if err := tx.CreateInstance(ctx, inst); err != nil {
			if errors.Is(err, store.ErrActiveInstanceExists) {
				return &ConflictError{RecordID: rec.ID, Reason: "record already has an active workflow"}
			}
			return err
		}

		entry, err := e.audit.Record(ctx, tx, audit.Event{
			RecordID:   locked.ID,
			InstanceID: inst.ID,
			ActorID:    req.ActorID,
			Action:     models.AuditActionWorkflowStarted,
			PriorState: from,
			NewState:   from,
			Detail: map[string]interface{}{
				"type":           string(req.Type),
				"steps":          len(inst.Steps),
				"record_version": inst.RecordVersion,
			},
		})
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		hops, err := e.recordStateChanges(ctx, tx, inst, req.ActorID, from, path)
		if err != nil {
			return err
		}
		entries = append(entries, hops...)

		locked.ActiveInstanceID = &inst.ID
		locked.State = inst.State
		locked.UpdatedAt = now
		return tx.UpdateRecord(ctx, locked)
	})
	if err != nil {
		return nil, err
	}

	countTransitions(inst.Type, from, path)
	e.armActiveStep(ctx, inst)
	e.audit.Publish(ctx, entries...)
	return inst, nil
}

// SubmitStep records an actor's outcome on the active step
func (e *Engine) SubmitStep(ctx context.Context, req SubmitRequest) (*models.WorkflowInstance, error) {
	if !req.Outcome.Valid() {
		return nil, invalidInput("unknown outcome %q", req.Outcome)
	}

	unlock := e.locks.Lock(req.InstanceID)
	defer unlock()

	var result *models.WorkflowInstance
	err := e.withRetry(ctx, "submit_step", req.InstanceID, req.ExpectedVersion, func() error {
		var err error
		result, err = e.submitOnce(ctx, req)
		return err
	})
	return result, err
}

func (e *Engine) submitOnce(ctx context.Context, req SubmitRequest) (*models.WorkflowInstance, error) {
	inst, err := e.loadInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != inst.Version {
		telemetry.WorkflowConflictsTotal.WithLabelValues("submit_step", "surfaced").Inc()
		return nil, &ConflictError{
			InstanceID:      inst.ID,
			RecordID:        inst.RecordID,
			ExpectedVersion: req.ExpectedVersion,
			CurrentVersion:  inst.Version,
			Reason:          "instance was modified",
		}
	}
	if err := checkActiveStep(inst, req.StepSeq, "submit"); err != nil {
		return nil, err
	}
	rec, err := e.loadRecord(ctx, inst.RecordID)
	if err != nil {
		return nil, err
	}

	step := inst.Step(req.StepSeq)
	stepCap := permissions.Capability(step.Capability)
	required := []permissions.Capability{stepCap}
	if step.AssigneeUserID != nil {
		required = append(required, permissions.CapCompleteStep)
	}
	if _, err := e.authorize(ctx, req.ActorID, rec, inst, "submit step", required...); err != nil {
		return nil, err
	}

	meaning, signed := signature.MeaningFor(stepCap)
	signed = signed && req.Outcome == models.OutcomeApprove
	var version *models.RecordVersion
	if signed {
		if err := e.signatures.Authenticate(ctx, req.ActorID, req.Password); err != nil {
			if errors.Is(err, signature.ErrReauthenticationFailed) {
				return nil, e.deny(ctx, req.ActorID, rec, inst, required, nil, "signature re-authentication failed")
			}
			return nil, err
		}
		if version, err = e.store.GetRecordVersion(ctx, rec.ID, inst.RecordVersion); err != nil {
			return nil, fmt.Errorf("failed to load record version: %w", err)
		}
		if version == nil {
			return nil, &NotFoundError{Kind: "record version", ID: fmt.Sprintf("%s@%d", rec.ID, inst.RecordVersion)}
		}
	}

	var work *models.WorkflowInstance
	var entries []*models.AuditEntry
	var path []models.WorkflowState
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		now := e.clock.Now().UTC()
		work = inst.Clone()
		entries = entries[:0]

		cur := work.Step(req.StepSeq)
		cur.Status = models.StepStatusCompleted
		cur.CompletedAt = &now
		cur.CompletedBy = &req.ActorID
		outcome := req.Outcome
		cur.Outcome = &outcome
		if req.Comment != "" {
			comment := req.Comment
			cur.Comment = &comment
		}

		next := work.Step(req.StepSeq + 1)
		switch {
		case req.Outcome.Negative():
			for _, s := range work.Steps[req.StepSeq:] {
				s.Status = models.StepStatusSkipped
			}
			work.CurrentStep = len(work.Steps) + 1
			work.DueAt = nil
		case next != nil:
			e.activate(next, now)
			work.CurrentStep = next.Seq
			work.DueAt = cloneTime(next.DueAt)
		default:
			work.CurrentStep = len(work.Steps) + 1
			work.DueAt = nil
		}
		path = statePath(inst.State, work, cur)
		work.State = DeriveState(work)
		if work.ActiveStep() == nil {
			work.CompletedAt = &now
		}
		work.UpdatedAt = now

		if err := tx.UpdateInstance(ctx, work, inst.Version); err != nil {
			return err
		}

		detail := map[string]interface{}{
			"step_seq":   req.StepSeq,
			"capability": step.Capability,
			"outcome":    string(req.Outcome),
		}
		if req.Comment != "" {
			detail["comment"] = req.Comment
		}
		entry, err := e.audit.Record(ctx, tx, audit.Event{
			RecordID:   work.RecordID,
			InstanceID: work.ID,
			ActorID:    req.ActorID,
			Action:     models.AuditActionStepSubmitted,
			PriorState: inst.State,
			NewState:   work.State,
			Detail:     detail,
		})
		if err != nil {
			return err
		}
		entries = append(entries, entry)

		hops, err := e.recordStateChanges(ctx, tx, work, req.ActorID, inst.State, path)
		if err != nil {
			return err
		}
		entries = append(entries, hops...)

		if signed {
			sig, err := e.signatures.Sign(ctx, tx, signature.Request{
				Version:    version,
				SignerID:   req.ActorID,
				Meaning:    meaning,
				InstanceID: work.ID,
				StepSeq:    req.StepSeq,
			})
			if err != nil {
				return err
			}
			entry, err := e.audit.Record(ctx, tx, audit.Event{
				RecordID:   work.RecordID,
				InstanceID: work.ID,
				ActorID:    req.ActorID,
				Action:     models.AuditActionSigned,
				PriorState: work.State,
				NewState:   work.State,
				Detail: map[string]interface{}{
					"signature_id":   sig.ID,
					"meaning":        string(sig.Meaning),
					"record_version": sig.RecordVersion,
				},
			})
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}

		return e.syncRecord(ctx, tx, work, now)
	})
	if err != nil {
		return nil, err
	}

	e.timers.Cancel(jobs.TimerKey{InstanceID: work.ID, StepSeq: req.StepSeq})
	countTransitions(work.Type, inst.State, path)
	switch {
	case work.State == models.StateRejected:
		e.timers.CancelInstance(work.ID)
		e.notify(ctx, work, notify.EventWorkflowRejected, notify.SeverityInfo, []string{work.InitiatorID}, 0, req.Comment)
	case work.ActiveStep() == nil:
		e.timers.CancelInstance(work.ID)
		e.notify(ctx, work, notify.EventWorkflowCompleted, notify.SeverityInfo, []string{work.InitiatorID}, 0, string(work.State))
	default:
		e.armActiveStep(ctx, work)
	}
	e.audit.Publish(ctx, entries...)
	return work, nil
}

// WithdrawWorkflow cancels an instance on which no step has been completed yet
func (e *Engine) WithdrawWorkflow(ctx context.Context, instanceID, actorID string) (*models.WorkflowInstance, error) {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	var result *models.WorkflowInstance
	err := e.withRetry(ctx, "withdraw", instanceID, 0, func() error {
		inst, err := e.loadInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.State.Terminal() || inst.State == models.StateApproved {
			return transitionError(inst, "instance is already finished")
		}
		if inst.CompletedSteps() > 0 {
			return transitionError(inst, "a step has already been completed")
		}
		rec, err := e.loadRecord(ctx, inst.RecordID)
		if err != nil {
			return err
		}
		if actorID != inst.InitiatorID {
			caps, err := e.perms.EffectivePermissions(ctx, actorID, rec, inst)
			if err != nil {
				return fmt.Errorf("failed to evaluate permissions: %w", err)
			}
			return e.deny(ctx, actorID, rec, inst, nil, caps, "only the initiator may withdraw")
		}

		var work *models.WorkflowInstance
		var entries []*models.AuditEntry
		err = e.store.InTx(ctx, func(tx store.Tx) error {
			now := e.clock.Now().UTC()
			work = inst.Clone()
			work.Withdrawn = true
			for _, s := range work.Steps {
				if s.Status != models.StepStatusCompleted {
					s.Status = models.StepStatusSkipped
				}
			}
			work.CurrentStep = len(work.Steps) + 1
			work.DueAt = nil
			work.State = DeriveState(work)
			work.CompletedAt = &now
			work.UpdatedAt = now

			if err := tx.UpdateInstance(ctx, work, inst.Version); err != nil {
				return err
			}
			entry, err := e.audit.Record(ctx, tx, audit.Event{
				RecordID:   work.RecordID,
				InstanceID: work.ID,
				ActorID:    actorID,
				Action:     models.AuditActionWorkflowWithdrawn,
				PriorState: inst.State,
				NewState:   work.State,
			})
			if err != nil {
				return err
			}
			entries = append(entries, entry)

			locked, err := tx.LockRecord(ctx, work.RecordID)
			if err != nil {
				return err
			}
			if locked == nil {
				return &NotFoundError{Kind: "record", ID: work.RecordID}
			}
			locked.ActiveInstanceID = nil
			locked.State = InitialRecordState(locked.Kind)
			locked.UpdatedAt = now
			return tx.UpdateRecord(ctx, locked)
		})
		if err != nil {
			return err
		}

		e.timers.CancelInstance(work.ID)
		telemetry.WorkflowTransitionsTotal.WithLabelValues(string(work.Type), string(inst.State), string(work.State)).Inc()
		if step := inst.ActiveStep(); step != nil {
			e.notify(ctx, work, notify.EventWorkflowWithdrawn, notify.SeverityInfo, stepRecipients(step), step.Seq, "")
		}
		e.audit.Publish(ctx, entries...)
		result = work
		return nil
	})
	return result, err
}

// recordStateChanges writes one STATE_CHANGED entry per hop of path, starting at from
func (e *Engine) recordStateChanges(ctx context.Context, tx store.Tx, inst *models.WorkflowInstance, actorID string, from models.WorkflowState, path []models.WorkflowState) ([]*models.AuditEntry, error) {
	entries := make([]*models.AuditEntry, 0, len(path))
	prior := from
	for _, next := range path {
		entry, err := e.audit.Record(ctx, tx, audit.Event{
			RecordID:   inst.RecordID,
			InstanceID: inst.ID,
			ActorID:    actorID,
			Action:     models.AuditActionStateChanged,
			PriorState: prior,
			NewState:   next,
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		prior = next
	}
	return entries, nil
}

func countTransitions(t models.WorkflowType, from models.WorkflowState, path []models.WorkflowState) {
	for _, next := range path {
		telemetry.WorkflowTransitionsTotal.WithLabelValues(string(t), string(from), string(next)).Inc()
		from = next
	}
}

// syncRecord mirrors the instance state onto its record inside tx
func (e *Engine) syncRecord(ctx context.Context, tx store.Tx, inst *models.WorkflowInstance, now time.Time) error {
	rec, err := tx.LockRecord(ctx, inst.RecordID)
	if err != nil {
		return err
	}
	if rec == nil {
		return &NotFoundError{Kind: "record", ID: inst.RecordID}
	}
	rec.State = inst.State
	if inst.State.Terminal() {
		rec.ActiveInstanceID = nil
	}
	rec.UpdatedAt = now
	return tx.UpdateRecord(ctx, rec)
}

// withRetry runs fn, retrying lost version races when the caller did not pin a version
func (e *Engine) withRetry(ctx context.Context, op, instanceID string, expected int64, fn func() error) error {
	attempts := e.cfg.MaxConflictRetries
	if expected != 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		if i+1 < attempts {
			telemetry.WorkflowConflictsTotal.WithLabelValues(op, "retried").Inc()
		}
	}
	telemetry.WorkflowConflictsTotal.WithLabelValues(op, "surfaced").Inc()
	conflict := &ConflictError{
		InstanceID:      instanceID,
		ExpectedVersion: expected,
		Reason:          "instance was modified concurrently",
	}
	if inst, err := e.store.GetInstance(ctx, instanceID); err == nil && inst != nil {
		conflict.RecordID = inst.RecordID
		conflict.CurrentVersion = inst.Version
	}
	return conflict
}

// authorize evaluates the actor's capabilities and denies (with an audit entry) when
// any required capability is missing
func (e *Engine) authorize(ctx context.Context, actorID string, rec *models.Record, inst *models.WorkflowInstance, action string, required ...permissions.Capability) (permissions.CapabilitySet, error) {
	caps, err := e.perms.EffectivePermissions(ctx, actorID, rec, inst)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate permissions: %w", err)
	}
	for _, c := range required {
		if !caps.Has(c) {
			return caps, e.deny(ctx, actorID, rec, inst, required, caps, "cannot "+action)
		}
	}
	return caps, nil
}

// deny audits a refused action and returns the error describing it
func (e *Engine) deny(ctx context.Context, actorID string, rec *models.Record, inst *models.WorkflowInstance, required []permissions.Capability, held permissions.CapabilitySet, reason string) error {
	req := make([]string, len(required))
	for i, c := range required {
		req[i] = string(c)
	}
	heldList := []string{}
	if held != nil {
		heldList = held.Strings()
	}
	label := "initiator"
	if len(required) > 0 {
		label = req[0]
	}
	telemetry.PermissionDenialsTotal.WithLabelValues(label).Inc()

	ev := audit.Event{
		RecordID:   rec.ID,
		ActorID:    actorID,
		PriorState: rec.State,
		NewState:   rec.State,
		Detail: map[string]interface{}{
			"required": req,
			"held":     heldList,
			"reason":   reason,
		},
	}
	state := rec.State
	if inst != nil {
		ev.InstanceID = inst.ID
		state = inst.State
	}
	e.audit.RecordDenied(ctx, ev)

	return &PermissionDeniedError{
		ActorID:  actorID,
		RecordID: rec.ID,
		State:    state,
		Required: req,
		Held:     heldList,
		Reason:   reason,
	}
}

func (e *Engine) loadRecord(ctx context.Context, id string) (*models.Record, error) {
	rec, err := e.store.GetRecord(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	if rec == nil {
		return nil, &NotFoundError{Kind: "record", ID: id}
	}
	return rec, nil
}

func (e *Engine) loadInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	if inst == nil {
		return nil, &NotFoundError{Kind: "workflow", ID: id}
	}
	return inst, nil
}

func (e *Engine) newStep(instanceID string, seq int, spec StepSpec) *models.Step {
	s := &models.Step{
		InstanceID:      instanceID,
		Seq:             seq,
		Capability:      spec.Capability,
		DueBusinessDays: spec.DueBusinessDays,
		Status:          models.StepStatusPending,
	}
	if s.DueBusinessDays == 0 {
		s.DueBusinessDays = e.cfg.DefaultDueBusinessDays
	}
	if spec.AssigneeUserID != "" {
		id := spec.AssigneeUserID
		s.AssigneeUserID = &id
	}
	if spec.AssigneeRole != "" {
		role := spec.AssigneeRole
		s.AssigneeRole = &role
	}
	return s
}

// activate makes s the active step and computes its due date in business days
func (e *Engine) activate(s *models.Step, now time.Time) {
	due := e.cal.AddBusinessDays(now, s.DueBusinessDays).UTC()
	s.Status = models.StepStatusActive
	s.ActivatedAt = &now
	s.DueAt = &due
}

// armActiveStep schedules the active step's timer and tells its assignee
func (e *Engine) armActiveStep(ctx context.Context, inst *models.WorkflowInstance) {
	step := inst.ActiveStep()
	if step == nil || step.Status != models.StepStatusActive {
		return
	}
	if step.DueAt != nil {
		e.timers.Schedule(jobs.TimerKey{InstanceID: inst.ID, StepSeq: step.Seq}, *step.DueAt)
	}
	e.notify(ctx, inst, notify.EventStepAssigned, notify.SeverityInfo, stepRecipients(step), step.Seq, "")
}

func (e *Engine) notify(ctx context.Context, inst *models.WorkflowInstance, eventType string, severity notify.Severity, recipients []string, stepSeq int, message string) {
	e.notifier.Notify(ctx, notify.Event{
		RecordID:   inst.RecordID,
		InstanceID: inst.ID,
		Type:       eventType,
		Severity:   severity,
		Recipients: recipients,
		StepSeq:    stepSeq,
		Message:    message,
		OccurredAt: e.clock.Now().UTC(),
	})
}

// stepRecipients names who should hear about a step: its user, or its role as "role:<name>"
func stepRecipients(s *models.Step) []string {
	switch {
	case s.AssigneeUserID != nil:
		return []string{*s.AssigneeUserID}
	case s.AssigneeRole != nil:
		return []string{"role:" + *s.AssigneeRole}
	}
	return nil
}

// checkActiveStep verifies that seq names the instance's active, actionable step
func checkActiveStep(inst *models.WorkflowInstance, seq int, action string) error {
	if inst.State.Terminal() {
		return transitionError(inst, "instance is in a terminal state")
	}
	step := inst.ActiveStep()
	if step == nil {
		return transitionError(inst, "no step is awaiting action")
	}
	if seq != inst.CurrentStep {
		return transitionError(inst, fmt.Sprintf("cannot %s step %d, step %d is active", action, seq, inst.CurrentStep))
	}
	if step.Status == models.StepStatusBlocked {
		return transitionError(inst, fmt.Sprintf("step %d is blocked awaiting reassignment", seq))
	}
	if step.Status != models.StepStatusActive {
		return transitionError(inst, fmt.Sprintf("step %d is %s", seq, step.Status))
	}
	return nil
}

func transitionError(inst *models.WorkflowInstance, reason string) *InvalidTransitionError {
	return &InvalidTransitionError{
		InstanceID: inst.ID,
		State:      inst.State,
		ActiveStep: inst.CurrentStep,
		Allowed:    allowedActions(inst),
		Reason:     reason,
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
