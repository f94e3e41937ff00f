// Package models - audit_entry.go defines the append-only AuditEntry model recording every
// workflow mutation and every denied attempt, ordered per record by a sequence counter.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Audit actions
const (
	AuditActionWorkflowStarted   = "WORKFLOW_STARTED"
	AuditActionStepSubmitted     = "STEP_SUBMITTED"
	AuditActionStateChanged      = "STATE_CHANGED"
	AuditActionEscalated         = "ESCALATED"
	AuditActionStepBlocked       = "STEP_BLOCKED"
	AuditActionStepReassigned    = "STEP_REASSIGNED"
	AuditActionWorkflowWithdrawn = "WORKFLOW_WITHDRAWN"
	AuditActionSigned            = "SIGNED"
	AuditActionRecordRevised     = "RECORD_REVISED"
	AuditActionDenied            = "DENIED"
)

// AuditEntry is an immutable audit trail row
type AuditEntry struct {
	ID          string        `db:"id" json:"id"`
	RecordID    string        `db:"record_id" json:"record_id"`
	InstanceID  *string       `db:"instance_id" json:"instance_id,omitempty"`
	Sequence    int64         `db:"sequence" json:"sequence"`
	ActorID     string        `db:"actor_id" json:"actor_id"`
	Action      string        `db:"action" json:"action"`
	PriorState  WorkflowState `db:"prior_state" json:"prior_state,omitempty"`
	NewState    WorkflowState `db:"new_state" json:"new_state,omitempty"`
	ClientIP    *string       `db:"client_ip" json:"client_ip,omitempty"`
	ClientAgent *string       `db:"client_agent" json:"client_agent,omitempty"`
	RequestID   *string       `db:"request_id" json:"request_id,omitempty"`
	Detail      JSONMap       `db:"detail" json:"detail,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
}

// JSONMap is a free-form JSONB column
type JSONMap map[string]interface{}

// Value implements driver.Valuer
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *JSONMap) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("JSONMap: unsupported source type %T", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}
