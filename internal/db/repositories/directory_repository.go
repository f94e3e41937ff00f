// directory_repository.go implements DirectoryRepository, providing queries for users, the
// materialized-path department tree, and role grants.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store"
)

const userColumns = `id, email, name, password_hash, is_active, supervisor_id, department_id, created_at, updated_at`

const departmentColumns = `id, parent_id, name, path, head_user_id, created_at`

const grantColumns = `id, user_id, department_id, role, valid_from, valid_until, is_active, granted_by, created_at`

// DirectoryRepository handles user, department and grant database operations
type DirectoryRepository struct {
	q sqlx.ExtContext
}

// NewDirectoryRepository creates a new DirectoryRepository
func NewDirectoryRepository(q sqlx.ExtContext) *DirectoryRepository {
	return &DirectoryRepository{q: q}
}

// ============================================================================
// Users
// ============================================================================

// GetUser retrieves a user by ID
func (r *DirectoryRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := sqlx.GetContext(ctx, r.q, &u, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser creates a new user
func (r *DirectoryRepository) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	user.UpdatedAt = user.CreatedAt

	query := `
		INSERT INTO users (id, email, name, password_hash, is_active, supervisor_id, department_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.q.ExecContext(ctx, query,
		user.ID, user.Email, user.Name, user.PasswordHash, user.IsActive,
		user.SupervisorID, user.DepartmentID, user.CreatedAt, user.UpdatedAt,
	)
	return err
}

// SetUserActive activates or deactivates a user account
func (r *DirectoryRepository) SetUserActive(ctx context.Context, userID string, active bool) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE users SET is_active = $2, updated_at = $3 WHERE id = $1`,
		userID, active, time.Now())
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// ============================================================================
// Departments
// ============================================================================

// GetDepartment retrieves a department with its materialized path
func (r *DirectoryRepository) GetDepartment(ctx context.Context, id string) (*models.Department, error) {
	var d models.Department
	err := sqlx.GetContext(ctx, r.q, &d, `SELECT `+departmentColumns+` FROM departments WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDepartment inserts a department, deriving its path from the parent's path
func (r *DirectoryRepository) CreateDepartment(ctx context.Context, dept *models.Department) error {
	if dept.ID == "" {
		dept.ID = uuid.New().String()
	}
	if dept.CreatedAt.IsZero() {
		dept.CreatedAt = time.Now()
	}

	dept.Path = pq.StringArray{dept.ID}
	if dept.ParentID != nil {
		parent, err := r.GetDepartment(ctx, *dept.ParentID)
		if err != nil {
			return err
		}
		if parent == nil {
			return store.ErrRowMissing
		}
		dept.Path = append(append(pq.StringArray{}, parent.Path...), dept.ID)
	}

	query := `
		INSERT INTO departments (id, parent_id, name, path, head_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.q.ExecContext(ctx, query,
		dept.ID, dept.ParentID, dept.Name, dept.Path, dept.HeadUserID, dept.CreatedAt,
	)
	return err
}

// ============================================================================
// Grants
// ============================================================================

// ListGrantsForUser returns every grant row for a user, including expired and
// revoked ones. Filtering happens at evaluation time against the current clock.
func (r *DirectoryRepository) ListGrantsForUser(ctx context.Context, userID string) ([]*models.PermissionGrant, error) {
	var grants []*models.PermissionGrant
	err := sqlx.SelectContext(ctx, r.q, &grants,
		`SELECT `+grantColumns+` FROM permission_grants WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	return grants, nil
}

// CreateGrant records a new role grant
func (r *DirectoryRepository) CreateGrant(ctx context.Context, grant *models.PermissionGrant) error {
	if grant.ID == "" {
		grant.ID = uuid.New().String()
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now()
	}
	if grant.ValidFrom.IsZero() {
		grant.ValidFrom = grant.CreatedAt
	}

	query := `
		INSERT INTO permission_grants (id, user_id, department_id, role, valid_from, valid_until, is_active, granted_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.q.ExecContext(ctx, query,
		grant.ID, grant.UserID, grant.DepartmentID, grant.Role, grant.ValidFrom,
		grant.ValidUntil, grant.IsActive, grant.GrantedBy, grant.CreatedAt,
	)
	return err
}

// RevokeGrant marks a grant inactive; grant rows are never deleted
func (r *DirectoryRepository) RevokeGrant(ctx context.Context, grantID string) error {
	res, err := r.q.ExecContext(ctx, `UPDATE permission_grants SET is_active = FALSE WHERE id = $1`, grantID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}
