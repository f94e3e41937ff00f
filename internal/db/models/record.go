// Package models - record.go defines the Record and RecordVersion models: a controlled
// document, quality event, or CAPA whose lifecycle is driven by workflow instances.
package models

import "time"

// RecordKind distinguishes the record families that share the lifecycle engine
type RecordKind string

const (
	RecordKindDocument     RecordKind = "document"
	RecordKindQualityEvent RecordKind = "quality_event"
	RecordKindCAPA         RecordKind = "capa"
)

// Valid reports whether k is a known record kind
func (k RecordKind) Valid() bool {
	switch k {
	case RecordKindDocument, RecordKindQualityEvent, RecordKindCAPA:
		return true
	}
	return false
}

// Record is the versioned subject of a workflow
type Record struct {
	ID             string        `db:"id" json:"id"`
	Kind           RecordKind    `db:"kind" json:"kind"`
	Title          string        `db:"title" json:"title"`
	DepartmentID   string        `db:"department_id" json:"department_id"`
	OwnerID        string        `db:"owner_id" json:"owner_id"`
	State          WorkflowState `db:"state" json:"state"`
	CurrentVersion int           `db:"current_version" json:"current_version"`
	// ActiveInstanceID is set while a non-terminal workflow instance exists.
	ActiveInstanceID *string   `db:"active_instance_id" json:"active_instance_id,omitempty"`
	AuditSeq         int64     `db:"audit_seq" json:"-"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// HasActiveWorkflow reports whether a workflow instance currently owns the record
func (r *Record) HasActiveWorkflow() bool {
	return r.ActiveInstanceID != nil && *r.ActiveInstanceID != ""
}

// RecordVersion holds the content a signature is computed over
type RecordVersion struct {
	RecordID   string    `db:"record_id" json:"record_id"`
	Version    int       `db:"version" json:"version"`
	ContentRef string    `db:"content_ref" json:"content_ref"`
	Content    []byte    `db:"content" json:"-"`
	CreatedBy  string    `db:"created_by" json:"created_by"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
