// Package audit writes the append-only audit trail of record lifecycles and ships
// committed entries to external sinks.
//
// Entries are written through the caller's store transaction, so an entry exists
// exactly when the mutation it describes committed. Denied attempts have no
// enclosing mutation and are written in their own transaction.
package audit

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
	"github.com/qms-lifecycle/qms-lifecycle/internal/safego"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store"
)

// Event describes one audited action before it is assigned an id and sequence
type Event struct {
	RecordID   string
	InstanceID string
	ActorID    string
	Action     string
	PriorState models.WorkflowState
	NewState   models.WorkflowState
	Detail     map[string]interface{}
}

// RequestInfo is the client context attached to every entry written during a request
type RequestInfo struct {
	ClientIP    string
	ClientAgent string
	RequestID   string
}

type requestInfoKey struct{}

// WithRequestInfo attaches client details to ctx
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFrom returns the client details attached to ctx, if any
func RequestInfoFrom(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}

// Recorder appends audit entries
type Recorder struct {
	store   store.Store
	shipper Shipper
	clock   clockwork.Clock

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewRecorder creates a Recorder. shipper may be nil.
func NewRecorder(s store.Store, shipper Shipper, clock clockwork.Clock) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{
		store:   s,
		shipper: shipper,
		clock:   clock,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (r *Recorder) newID() string {
	r.entropyMu.Lock()
	defer r.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(r.clock.Now()), r.entropy).String()
}

// Record appends an entry inside tx. The sequence number comes from the record's
// counter, which the transaction holds until it ends.
func (r *Recorder) Record(ctx context.Context, tx store.Tx, ev Event) (*models.AuditEntry, error) {
	seq, err := tx.NextAuditSequence(ctx, ev.RecordID)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve audit sequence: %w", err)
	}

	entry := &models.AuditEntry{
		ID:         r.newID(),
		RecordID:   ev.RecordID,
		Sequence:   seq,
		ActorID:    ev.ActorID,
		Action:     ev.Action,
		PriorState: ev.PriorState,
		NewState:   ev.NewState,
		Detail:     models.JSONMap(ev.Detail),
		CreatedAt:  r.clock.Now().UTC(),
	}
	if ev.InstanceID != "" {
		id := ev.InstanceID
		entry.InstanceID = &id
	}
	info := RequestInfoFrom(ctx)
	entry.ClientIP = optional(info.ClientIP)
	entry.ClientAgent = optional(info.ClientAgent)
	entry.RequestID = optional(info.RequestID)

	if err := tx.AppendAuditEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}
	return entry, nil
}

// RecordDenied writes a DENIED entry in its own transaction and ships it.
// Failures are logged; they never change the outcome reported to the caller.
func (r *Recorder) RecordDenied(ctx context.Context, ev Event) {
	ev.Action = models.AuditActionDenied
	var entry *models.AuditEntry
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = r.Record(ctx, tx, ev)
		return err
	})
	if err != nil {
		slog.Error("failed to record denied action",
			"record_id", ev.RecordID, "actor_id", ev.ActorID, "error", err)
		return
	}
	r.Publish(ctx, entry)
}

// Publish ships committed entries in the background
func (r *Recorder) Publish(ctx context.Context, entries ...*models.AuditEntry) {
	if r.shipper == nil || len(entries) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	safego.Go("audit-publish", func() {
		for _, e := range entries {
			if err := r.shipper.Ship(ctx, e); err != nil {
				slog.Warn("audit shipping failed", "entry_id", e.ID, "record_id", e.RecordID, "error", err)
			}
		}
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
