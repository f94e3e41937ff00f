// errors.go defines the error taxonomy the engine reports. Each typed error unwraps
// to a sentinel so callers branch with errors.Is and read details with errors.As.
package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
)

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
	ErrBlockedEscalation = errors.New("escalation blocked")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
)

// PermissionDeniedError reports a missing capability
type PermissionDeniedError struct {
	ActorID  string
	RecordID string
	State    models.WorkflowState
	Required []string
	Held     []string
	Reason   string
}

func (e *PermissionDeniedError) Error() string {
	msg := fmt.Sprintf("permission denied: %s on record %s", e.ActorID, e.RecordID)
	if len(e.Required) > 0 {
		msg = fmt.Sprintf("permission denied: %s requires %s on record %s",
			e.ActorID, strings.Join(e.Required, "+"), e.RecordID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *PermissionDeniedError) Unwrap() error { return ErrPermissionDenied }

// InvalidTransitionError reports an action the instance's current state does not allow
type InvalidTransitionError struct {
	InstanceID string
	State      models.WorkflowState
	ActiveStep int
	Allowed    []string
	Reason     string
}

func (e *InvalidTransitionError) Error() string {
	if e.InstanceID == "" {
		return fmt.Sprintf("invalid transition in state %s: %s", e.State, e.Reason)
	}
	return fmt.Sprintf("invalid transition on %s in state %s (active step %d): %s",
		e.InstanceID, e.State, e.ActiveStep, e.Reason)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ConflictError reports a lost optimistic concurrency race or a duplicate active workflow
type ConflictError struct {
	InstanceID      string
	RecordID        string
	ExpectedVersion int64
	CurrentVersion  int64
	Reason          string
}

func (e *ConflictError) Error() string {
	if e.InstanceID == "" {
		return fmt.Sprintf("conflict on record %s: %s", e.RecordID, e.Reason)
	}
	return fmt.Sprintf("conflict on workflow %s (expected version %d, current %d): %s",
		e.InstanceID, e.ExpectedVersion, e.CurrentVersion, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// BlockedEscalationError reports a step that ran out of escalation targets
type BlockedEscalationError struct {
	InstanceID string
	StepSeq    int
	Level      int
	Reason     string
}

func (e *BlockedEscalationError) Error() string {
	return fmt.Sprintf("escalation of workflow %s step %d blocked at level %d: %s",
		e.InstanceID, e.StepSeq, e.Level, e.Reason)
}

func (e *BlockedEscalationError) Unwrap() error { return ErrBlockedEscalation }

// NotFoundError reports a missing entity
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
