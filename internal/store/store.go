// Package store defines the transactional record store the workflow engine runs against.
//
// Read methods follow the repository convention of returning (nil, nil) when a row
// does not exist. Write methods are only reachable inside InTx so that a state change,
// its audit entries and its signatures always commit or roll back together.
package store

import (
	"context"
	"errors"

	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
)

var (
	// ErrVersionConflict is returned by UpdateInstance when the stored version
	// no longer matches the caller's expected version.
	ErrVersionConflict = errors.New("workflow instance version conflict")
	// ErrActiveInstanceExists is returned when a second non-terminal workflow
	// would be created for the same record.
	ErrActiveInstanceExists = errors.New("record already has an active workflow")
	// ErrRowMissing is returned by writes that target a row that does not exist.
	ErrRowMissing = errors.New("row not found")
	// ErrVersionExists is returned when a record version number is already taken.
	// Versions are append-only; their content never changes once written.
	ErrVersionExists = errors.New("record version already exists")
)

// Reader exposes the read side of the store
type Reader interface {
	GetRecord(ctx context.Context, id string) (*models.Record, error)
	GetRecordVersion(ctx context.Context, recordID string, version int) (*models.RecordVersion, error)
	GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetDepartment(ctx context.Context, id string) (*models.Department, error)
	ListGrantsForUser(ctx context.Context, userID string) ([]*models.PermissionGrant, error)
	ListAuditEntries(ctx context.Context, recordID string) ([]*models.AuditEntry, error)
	GetSignature(ctx context.Context, id string) (*models.Signature, error)
	ListSignatures(ctx context.Context, recordID string, version int) ([]*models.Signature, error)
	// ListOpenSteps returns active steps with a due date, used to re-arm timers on start.
	ListOpenSteps(ctx context.Context) ([]*models.Step, error)
}

// Tx is a unit of work. Everything written through a Tx commits atomically.
type Tx interface {
	Reader

	// LockRecord reads a record and holds it against concurrent writers until the
	// transaction ends.
	LockRecord(ctx context.Context, id string) (*models.Record, error)
	CreateRecord(ctx context.Context, rec *models.Record, version *models.RecordVersion) error
	CreateRecordVersion(ctx context.Context, version *models.RecordVersion) error
	UpdateRecord(ctx context.Context, rec *models.Record) error

	CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error
	// UpdateInstance writes inst and its steps if the stored version equals
	// expectedVersion, then sets inst.Version to the new version.
	UpdateInstance(ctx context.Context, inst *models.WorkflowInstance, expectedVersion int64) error

	// NextAuditSequence reserves the next audit sequence number for a record.
	NextAuditSequence(ctx context.Context, recordID string) (int64, error)
	AppendAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	CreateSignature(ctx context.Context, sig *models.Signature) error

	CreateUser(ctx context.Context, user *models.User) error
	SetUserActive(ctx context.Context, userID string, active bool) error
	CreateDepartment(ctx context.Context, dept *models.Department) error
	CreateGrant(ctx context.Context, grant *models.PermissionGrant) error
	RevokeGrant(ctx context.Context, grantID string) error
}

// Store is the full record store
type Store interface {
	Reader
	// InTx runs fn in a transaction, committing if fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
