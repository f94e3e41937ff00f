// Package models - workflow.go defines workflow instances and their ordered steps,
// along with the lifecycle states, step statuses, and submission outcomes.
package models

import "time"

// WorkflowType is the kind of process a workflow instance runs
type WorkflowType string

const (
	WorkflowTypeReview            WorkflowType = "review"
	WorkflowTypeApproval          WorkflowType = "approval"
	WorkflowTypeCAPAInvestigation WorkflowType = "capa_investigation"
)

// WorkflowState is a lifecycle state shared by records and workflow instances
type WorkflowState string

// Document lifecycle
const (
	StateDraft           WorkflowState = "DRAFT"
	StatePendingReview   WorkflowState = "PENDING_REVIEW"
	StateReviewed        WorkflowState = "REVIEWED"
	StatePendingApproval WorkflowState = "PENDING_APPROVAL"
	StateApproved        WorkflowState = "APPROVED"
	StateEffective       WorkflowState = "EFFECTIVE"
)

// CAPA lifecycle
const (
	StateOpen               WorkflowState = "OPEN"
	StateUnderInvestigation WorkflowState = "UNDER_INVESTIGATION"
	StateActionPlanned      WorkflowState = "ACTION_PLANNED"
	StateInProgress         WorkflowState = "IN_PROGRESS"
	StateVerification       WorkflowState = "VERIFICATION"
	StateClosed             WorkflowState = "CLOSED"
)

// Terminal side branches
const (
	StateRejected WorkflowState = "REJECTED"
	StateObsolete WorkflowState = "OBSOLETE"
)

// Terminal reports whether no further transition can leave s.
// APPROVED is not terminal: an approved document still awaits release to EFFECTIVE.
func (s WorkflowState) Terminal() bool {
	switch s {
	case StateReviewed, StateEffective, StateClosed, StateRejected, StateObsolete:
		return true
	}
	return false
}

// StepStatus tracks a single step through its lifecycle
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusActive    StepStatus = "active"
	StepStatusCompleted StepStatus = "completed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusBlocked   StepStatus = "blocked"
)

// StepOutcome is the decision an actor records when completing a step
type StepOutcome string

const (
	OutcomeApprove        StepOutcome = "APPROVE"
	OutcomeReject         StepOutcome = "REJECT"
	OutcomeRequestChanges StepOutcome = "REQUEST_CHANGES"
)

// Valid reports whether o is a known outcome
func (o StepOutcome) Valid() bool {
	switch o {
	case OutcomeApprove, OutcomeReject, OutcomeRequestChanges:
		return true
	}
	return false
}

// Negative reports whether o terminates the workflow as REJECTED
func (o StepOutcome) Negative() bool {
	return o == OutcomeReject || o == OutcomeRequestChanges
}

// WorkflowInstance is one run of a multi-step process over a record version
type WorkflowInstance struct {
	ID            string        `db:"id" json:"id"`
	RecordID      string        `db:"record_id" json:"record_id"`
	RecordVersion int           `db:"record_version" json:"record_version"`
	Type          WorkflowType  `db:"type" json:"type"`
	State         WorkflowState `db:"state" json:"state"`
	// CurrentStep is the 1-based sequence of the active step. It only moves forward,
	// and points past the last step once no step remains to act on.
	CurrentStep int        `db:"current_step" json:"current_step"`
	InitiatorID string     `db:"initiator_id" json:"initiator_id"`
	DueAt       *time.Time `db:"due_at" json:"due_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Withdrawn   bool       `db:"withdrawn" json:"withdrawn"`
	// Version is the optimistic concurrency token, bumped on every update.
	Version   int64     `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	Steps []*Step `db:"-" json:"steps"`
}

// Step returns the step with the given sequence number, or nil
func (w *WorkflowInstance) Step(seq int) *Step {
	if seq < 1 || seq > len(w.Steps) {
		return nil
	}
	return w.Steps[seq-1]
}

// ActiveStep returns the step currently awaiting action, or nil
func (w *WorkflowInstance) ActiveStep() *Step {
	return w.Step(w.CurrentStep)
}

// CompletedSteps counts steps an actor has acted on
func (w *WorkflowInstance) CompletedSteps() int {
	n := 0
	for _, s := range w.Steps {
		if s.Status == StepStatusCompleted {
			n++
		}
	}
	return n
}

// Clone returns a deep copy so callers can mutate without touching shared state
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	cp := *w
	cp.DueAt = cloneTime(w.DueAt)
	cp.CompletedAt = cloneTime(w.CompletedAt)
	cp.Steps = make([]*Step, len(w.Steps))
	for i, s := range w.Steps {
		cp.Steps[i] = s.Clone()
	}
	return &cp
}

// Step is a single required action within a workflow instance
type Step struct {
	InstanceID string `db:"instance_id" json:"instance_id"`
	Seq        int    `db:"seq" json:"seq"`
	// Capability names the capability an actor must hold to complete the step.
	Capability     string  `db:"capability" json:"capability"`
	AssigneeUserID *string `db:"assignee_user_id" json:"assignee_user_id,omitempty"`
	AssigneeRole   *string `db:"assignee_role" json:"assignee_role,omitempty"`
	// DueBusinessDays is converted into DueAt when the step becomes active.
	DueBusinessDays int          `db:"due_business_days" json:"due_business_days"`
	DueAt           *time.Time   `db:"due_at" json:"due_at,omitempty"`
	Status          StepStatus   `db:"status" json:"status"`
	ActivatedAt     *time.Time   `db:"activated_at" json:"activated_at,omitempty"`
	CompletedAt     *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
	CompletedBy     *string      `db:"completed_by" json:"completed_by,omitempty"`
	Outcome         *StepOutcome `db:"outcome" json:"outcome,omitempty"`
	Comment         *string      `db:"comment" json:"comment,omitempty"`
	EscalationLevel int          `db:"escalation_level" json:"escalation_level"`
}

// Clone returns a deep copy of the step
func (s *Step) Clone() *Step {
	cp := *s
	cp.AssigneeUserID = cloneString(s.AssigneeUserID)
	cp.AssigneeRole = cloneString(s.AssigneeRole)
	cp.DueAt = cloneTime(s.DueAt)
	cp.ActivatedAt = cloneTime(s.ActivatedAt)
	cp.CompletedAt = cloneTime(s.CompletedAt)
	cp.CompletedBy = cloneString(s.CompletedBy)
	cp.Comment = cloneString(s.Comment)
	if s.Outcome != nil {
		o := *s.Outcome
		cp.Outcome = &o
	}
	return &cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
