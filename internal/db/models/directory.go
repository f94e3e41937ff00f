// Package models - directory.go defines users, the department tree, and the
// role grants that feed permission evaluation.
package models

import (
	"time"

	"github.com/lib/pq"
)

// User is an actor known to the engine
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	Name         string    `db:"name" json:"name"`
	PasswordHash string    `db:"password_hash" json:"-"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	SupervisorID *string   `db:"supervisor_id" json:"supervisor_id,omitempty"`
	DepartmentID *string   `db:"department_id" json:"department_id,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Department is a node in the organisation tree.
// Path lists ancestor ids from the root down to and including the department itself.
type Department struct {
	ID         string         `db:"id" json:"id"`
	ParentID   *string        `db:"parent_id" json:"parent_id,omitempty"`
	Name       string         `db:"name" json:"name"`
	Path       pq.StringArray `db:"path" json:"path"`
	HeadUserID *string        `db:"head_user_id" json:"head_user_id,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// Contains reports whether deptID is this department or one of its ancestors
func (d *Department) Contains(deptID string) bool {
	for _, id := range d.Path {
		if id == deptID {
			return true
		}
	}
	return false
}

// PermissionGrant assigns a role to a user, globally or for a department subtree
type PermissionGrant struct {
	ID     string `db:"id" json:"id"`
	UserID string `db:"user_id" json:"user_id"`
	// DepartmentID is nil for global grants.
	DepartmentID *string    `db:"department_id" json:"department_id,omitempty"`
	Role         string     `db:"role" json:"role"`
	ValidFrom    time.Time  `db:"valid_from" json:"valid_from"`
	ValidUntil   *time.Time `db:"valid_until" json:"valid_until,omitempty"`
	IsActive     bool       `db:"is_active" json:"is_active"`
	GrantedBy    string     `db:"granted_by" json:"granted_by"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// IsGlobal reports whether the grant applies regardless of department
func (g *PermissionGrant) IsGlobal() bool {
	return g.DepartmentID == nil
}

// EffectiveAt reports whether the grant contributes at instant now
func (g *PermissionGrant) EffectiveAt(now time.Time) bool {
	if !g.IsActive {
		return false
	}
	if now.Before(g.ValidFrom) {
		return false
	}
	if g.ValidUntil != nil && now.After(*g.ValidUntil) {
		return false
	}
	return true
}
