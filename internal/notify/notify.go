// Package notify delivers fire-and-forget workflow notifications.
// The engine never retries a notification and never fails an operation because
// delivery failed; notifiers log and count their own errors.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Event types
const (
	EventStepAssigned      = "step.assigned"
	EventStepNearDue       = "step.near_due"
	EventStepEscalated     = "step.escalated"
	EventStepBlocked       = "step.blocked"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowRejected  = "workflow.rejected"
	EventWorkflowWithdrawn = "workflow.withdrawn"
)

// Severity marks how urgently recipients must act
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityFatal Severity = "fatal"
)

// Event is a single notification
type Event struct {
	RecordID   string    `json:"record_id"`
	InstanceID string    `json:"instance_id"`
	Type       string    `json:"event_type"`
	Severity   Severity  `json:"severity"`
	Recipients []string  `json:"recipients"`
	StepSeq    int       `json:"step_seq,omitempty"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier sends events somewhere
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Multi fans an event out to several notifiers
type Multi []Notifier

// Notify implements Notifier
func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}

// Log writes events to the structured log
type Log struct{}

// Notify implements Notifier
func (Log) Notify(_ context.Context, ev Event) {
	level := slog.LevelInfo
	if ev.Severity == SeverityFatal {
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "workflow notification",
		"event", ev.Type,
		"record_id", ev.RecordID,
		"instance_id", ev.InstanceID,
		"step_seq", ev.StepSeq,
		"recipients", ev.Recipients,
		"message", ev.Message,
	)
}

// Nop discards events
type Nop struct{}

// Notify implements Notifier
func (Nop) Notify(context.Context, Event) {}
