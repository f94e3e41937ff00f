package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store"
)

// Evaluator computes effective capabilities.
// inst may be nil, in which case the record's active instance is loaded when needed.
type Evaluator interface {
	EffectivePermissions(ctx context.Context, userID string, rec *models.Record, inst *models.WorkflowInstance) (CapabilitySet, error)
}

// Service is the store-backed Evaluator
type Service struct {
	reader           store.Reader
	paths            PathCache
	clock            clockwork.Clock
	requestCacheSize int
	loads            singleflight.Group
}

// Option configures a Service
type Option func(*Service)

// WithPathCache replaces the default in-process path cache
func WithPathCache(c PathCache) Option {
	return func(s *Service) { s.paths = c }
}

// WithClock sets the clock used to evaluate grant validity windows
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithRequestCacheSize caps the number of users whose grants one request may cache
func WithRequestCacheSize(n int) Option {
	return func(s *Service) { s.requestCacheSize = n }
}

// NewService creates a permission evaluator over a store reader
func NewService(reader store.Reader, opts ...Option) *Service {
	s := &Service{
		reader:           reader,
		clock:            clockwork.NewRealClock(),
		requestCacheSize: 64,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.paths == nil {
		s.paths = NewMemoryPathCache(10*time.Minute, s.clock)
	}
	return s
}

// WithRequestCache returns a context that caches grant rows for the rest of one request
func (s *Service) WithRequestCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, requestCacheKey{}, newRequestCache(s.clock.Now(), s.requestCacheSize))
}

// EffectivePermissions returns the union of the user's effective grants and implicit
// capabilities for rec. An unknown or inactive user has no capabilities.
func (s *Service) EffectivePermissions(ctx context.Context, userID string, rec *models.Record, inst *models.WorkflowInstance) (CapabilitySet, error) {
	caps := NewCapabilitySet()

	user, err := s.reader.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil || !user.IsActive {
		return caps, nil
	}

	grants, err := s.grantsFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var path []string
	for _, g := range grants {
		if !g.EffectiveAt(now) {
			continue
		}
		if g.IsGlobal() {
			caps.Add(RoleCapabilities(g.Role)...)
			continue
		}
		if path == nil {
			if path, err = s.departmentPath(ctx, rec.DepartmentID); err != nil {
				return nil, err
			}
		}
		if containsID(path, *g.DepartmentID) {
			caps.Add(RoleCapabilities(g.Role)...)
		}
	}

	if rec.OwnerID == userID {
		caps.Add(CapRead, CapComment)
		if rec.State == models.StateDraft || rec.State == models.StateOpen {
			caps.Add(CapWithdraw)
		}
	}

	if inst == nil && rec.HasActiveWorkflow() {
		if inst, err = s.reader.GetInstance(ctx, *rec.ActiveInstanceID); err != nil {
			return nil, fmt.Errorf("failed to load active workflow: %w", err)
		}
	}
	if isActiveAssignee(inst, userID) {
		caps.Add(CapRead, CapComment, CapCompleteStep)
	}
	if canWithdraw(inst, userID) {
		caps.Add(CapRead, CapWithdraw)
	}

	return caps, nil
}

// canWithdraw reports whether userID started inst and no step has been acted on yet
func canWithdraw(inst *models.WorkflowInstance, userID string) bool {
	if inst == nil || inst.Withdrawn || inst.State.Terminal() || inst.State == models.StateApproved {
		return false
	}
	return inst.InitiatorID == userID && inst.CompletedSteps() == 0
}

func isActiveAssignee(inst *models.WorkflowInstance, userID string) bool {
	if inst == nil || inst.State.Terminal() {
		return false
	}
	step := inst.ActiveStep()
	if step == nil || step.Status != models.StepStatusActive || step.AssigneeUserID == nil {
		return false
	}
	return *step.AssigneeUserID == userID
}

func (s *Service) grantsFor(ctx context.Context, userID string) ([]*models.PermissionGrant, error) {
	rc := requestCacheFrom(ctx)
	if rc != nil {
		if g, ok := rc.get(userID, s.clock.Now()); ok {
			return g, nil
		}
	}
	grants, err := s.reader.ListGrantsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	if rc != nil {
		rc.put(userID, grants)
	}
	return grants, nil
}

// departmentPath resolves the materialized path of a department. Cache failures
// fall back to the store; concurrent misses for one department share a single load.
func (s *Service) departmentPath(ctx context.Context, departmentID string) ([]string, error) {
	if departmentID == "" {
		return []string{}, nil
	}

	path, ok, err := s.paths.Get(ctx, departmentID)
	if err != nil {
		slog.Warn("department path cache read failed", "department_id", departmentID, "error", err)
	} else if ok {
		return path, nil
	}

	v, err, _ := s.loads.Do(departmentID, func() (interface{}, error) {
		dept, err := s.reader.GetDepartment(ctx, departmentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load department: %w", err)
		}
		if dept == nil {
			return []string{}, nil
		}
		p := []string(dept.Path)
		if err := s.paths.Set(ctx, departmentID, p); err != nil {
			slog.Warn("department path cache write failed", "department_id", departmentID, "error", err)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func containsID(path []string, id string) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}

var _ Evaluator = (*Service)(nil)
