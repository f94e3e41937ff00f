// Package repositories implements the PostgreSQL data access layer for the workflow engine.
// Each repository type encapsulates the queries for one group of tables and runs against
// either the connection pool or an open transaction; Store composes them into store.Store.
package repositories

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/qms-lifecycle/qms-lifecycle/internal/store"
)

// queries bundles every repository over one executor
type queries struct {
	*RecordRepository
	*WorkflowRepository
	*DirectoryRepository
	*AuditRepository
	*SignatureRepository
}

func newQueries(q sqlx.ExtContext) queries {
	return queries{
		RecordRepository:    NewRecordRepository(q),
		WorkflowRepository:  NewWorkflowRepository(q),
		DirectoryRepository: NewDirectoryRepository(q),
		AuditRepository:     NewAuditRepository(q),
		SignatureRepository: NewSignatureRepository(q),
	}
}

// Store is the PostgreSQL store.Store
type Store struct {
	queries
	db *sqlx.DB
}

// NewStore creates a Store over a connection pool
func NewStore(db *sqlx.DB) *Store {
	return &Store{queries: newQueries(db), db: db}
}

// InTx runs fn inside a database transaction and commits when fn returns nil
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(newQueries(tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = queries{}
)
