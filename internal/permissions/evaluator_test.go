package permissions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store/memory"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// fixture is a small organisation: root -> quality -> docs, plus a record in docs.
type fixture struct {
	store  *memory.Store
	clock  *clockwork.FakeClock
	svc    *Service
	depts  []string
	record *models.Record
}

func strPtr(s string) *string { return &s }

func newFixture(t *testing.T, depth int) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), clock: clockwork.NewFakeClockAt(testNow)}

	err := f.store.InTx(context.Background(), func(tx store.Tx) error {
		var parent *string
		for i := 0; i <= depth; i++ {
			d := &models.Department{ID: fmt.Sprintf("dept-%d", i), Name: fmt.Sprintf("level %d", i), ParentID: parent}
			if err := tx.CreateDepartment(context.Background(), d); err != nil {
				return err
			}
			f.depts = append(f.depts, d.ID)
			parent = strPtr(d.ID)
		}
		for _, id := range []string{"owner", "alice", "bob", "carol"} {
			if err := tx.CreateUser(context.Background(), &models.User{ID: id, Email: id + "@example.com", IsActive: true}); err != nil {
				return err
			}
		}
		f.record = &models.Record{
			ID:           "rec-1",
			Kind:         models.RecordKindDocument,
			Title:        "SOP-100",
			DepartmentID: f.depts[len(f.depts)-1],
			OwnerID:      "owner",
			State:        models.StateDraft,
		}
		return tx.CreateRecord(context.Background(), f.record, &models.RecordVersion{Content: []byte("v1")})
	})
	require.NoError(t, err)

	f.svc = NewService(f.store, WithClock(f.clock))
	return f
}

func (f *fixture) grant(t *testing.T, g *models.PermissionGrant) {
	t.Helper()
	if g.ValidFrom.IsZero() {
		g.ValidFrom = testNow.AddDate(0, -1, 0)
	}
	g.IsActive = true
	require.NoError(t, f.store.InTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateGrant(context.Background(), g)
	}))
}

// ---------------------------------------------------------------------------
// CapabilitySet
// ---------------------------------------------------------------------------

func TestCapabilitySet_AdminWildcard(t *testing.T) {
	s := NewCapabilitySet(CapAdmin)
	for _, c := range AllCapabilities() {
		if c == CapCompleteStep {
			assert.False(t, s.Has(c), "admin must not imply complete_step")
			continue
		}
		assert.True(t, s.Has(c), "admin should imply %s", c)
	}
}

func TestCapabilitySet_Strings(t *testing.T) {
	s := NewCapabilitySet(CapReview, CapRead, CapApprove)
	assert.Equal(t, []string{"approve", "read", "review"}, s.Strings())
}

func TestParseCapability(t *testing.T) {
	c, err := ParseCapability("verify")
	require.NoError(t, err)
	assert.Equal(t, CapVerify, c)

	_, err = ParseCapability("delete")
	assert.Error(t, err)
}

func TestRoleCapabilities_UnknownRoleGrantsNothing(t *testing.T) {
	assert.Empty(t, RoleCapabilities("janitor"))
	assert.False(t, ValidRole("janitor"))
	assert.True(t, ValidRole(RoleApprover))
}

// ---------------------------------------------------------------------------
// EffectivePermissions
// ---------------------------------------------------------------------------

func TestEffectivePermissions_GlobalGrant(t *testing.T) {
	f := newFixture(t, 1)
	f.grant(t, &models.PermissionGrant{UserID: "alice", Role: RoleReviewer})

	caps, err := f.svc.EffectivePermissions(context.Background(), "alice", f.record, nil)
	require.NoError(t, err)
	assert.True(t, caps.Has(CapReview))
	assert.False(t, caps.Has(CapApprove))
}

func TestEffectivePermissions_DepartmentGrantCoversDescendants(t *testing.T) {
	for depth := 0; depth <= 5; depth++ {
		t.Run(fmt.Sprintf("depth %d", depth), func(t *testing.T) {
			f := newFixture(t, depth)
			// Grant at the root; the record sits `depth` levels below it.
			f.grant(t, &models.PermissionGrant{UserID: "alice", Role: RoleApprover, DepartmentID: strPtr(f.depts[0])})

			caps, err := f.svc.EffectivePermissions(context.Background(), "alice", f.record, nil)
			require.NoError(t, err)
			assert.True(t, caps.Has(CapApprove))
		})
	}
}

func TestEffectivePermissions_SiblingDepartmentDoesNotApply(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.store.InTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateDepartment(context.Background(), &models.Department{ID: "sibling", Name: "other", ParentID: strPtr(f.depts[0])})
	}))
	f.grant(t, &models.PermissionGrant{UserID: "alice", Role: RoleApprover, DepartmentID: strPtr("sibling")})

	caps, err := f.svc.EffectivePermissions(context.Background(), "alice", f.record, nil)
	require.NoError(t, err)
	assert.False(t, caps.Has(CapApprove))
}

func TestEffectivePermissions_ExpiredGrantExcluded(t *testing.T) {
	f := newFixture(t, 0)
	yesterday := testNow.AddDate(0, 0, -1)
	f.grant(t, &models.PermissionGrant{UserID: "alice", Role: RoleApprover, ValidUntil: &yesterday})

	caps, err := f.svc.EffectivePermissions(context.Background(), "alice", f.record, nil)
	require.NoError(t, err)
	assert.False(t, caps.Has(CapApprove), "grant that expired yesterday must not be effective today")
}

func TestEffectivePermissions_FutureGrantExcluded(t *testing.T) {
	f := newFixture(t, 0)
	f.grant(t, &models.PermissionGrant{UserID: "alice", Role: RoleApprover, ValidFrom: testNow.Add(time.Hour)})

	caps, err := f.svc.EffectivePermissions(context.Background(), "alice", f.record, nil)
	require.NoError(t, err)
	assert.False(t, caps.Has(CapApprove))

	f.clock.Advance(2 * time.Hour)
	caps, err = f.svc.EffectivePermissions(context.Background(), "alice", f.record, nil)
	require.NoError(t, err)
	assert.True(t, caps.Has(CapApprove))
}

func TestEffectivePermissions_InactiveUserHasNothing(t *testing.T) {
	f := newFixture(t, 0)
	f.grant(t, &models.PermissionGrant{UserID: "alice", Role: RoleAdmin})
	require.NoError(t, f.store.InTx(context.Background(), func(tx store.Tx) error {
		return tx.SetUserActive(context.Background(), "alice", false)
	}))

	caps, err := f.svc.EffectivePermissions(context.Background(), "alice", f.record, nil)
	require.NoError(t, err)
	assert.Empty(t, caps)
}

func TestEffectivePermissions_UnknownUserHasNothing(t *testing.T) {
	f := newFixture(t, 0)
	caps, err := f.svc.EffectivePermissions(context.Background(), "nobody", f.record, nil)
	require.NoError(t, err)
	assert.Empty(t, caps)
}

func TestEffectivePermissions_OwnerImplicits(t *testing.T) {
	f := newFixture(t, 0)

	caps, err := f.svc.EffectivePermissions(context.Background(), "owner", f.record, nil)
	require.NoError(t, err)
	assert.True(t, caps.Has(CapRead))
	assert.True(t, caps.Has(CapComment))
	assert.True(t, caps.Has(CapWithdraw))

	approved := *f.record
	approved.State = models.StateApproved
	caps, err = f.svc.EffectivePermissions(context.Background(), "owner", &approved, nil)
	require.NoError(t, err)
	assert.True(t, caps.Has(CapRead))
	assert.False(t, caps.Has(CapWithdraw), "withdraw is only implicit while DRAFT/OPEN")
}

func TestEffectivePermissions_InitiatorMayWithdraw(t *testing.T) {
	f := newFixture(t, 0)
	inst := &models.WorkflowInstance{
		ID:          "wf-1",
		RecordID:    f.record.ID,
		State:       models.StatePendingReview,
		CurrentStep: 1,
		InitiatorID: "bob",
		Steps: []*models.Step{
			{Seq: 1, Capability: string(CapReview), AssigneeUserID: strPtr("carol"), Status: models.StepStatusActive},
			{Seq: 2, Capability: string(CapApprove), AssigneeUserID: strPtr("carol"), Status: models.StepStatusPending},
		},
	}

	caps, err := f.svc.EffectivePermissions(context.Background(), "bob", f.record, inst)
	require.NoError(t, err)
	assert.True(t, caps.Has(CapWithdraw))

	caps, err = f.svc.EffectivePermissions(context.Background(), "carol", f.record, inst)
	require.NoError(t, err)
	assert.False(t, caps.Has(CapWithdraw), "only the initiator")

	inst.Steps[0].Status = models.StepStatusCompleted
	inst.CurrentStep = 2
	inst.State = models.StatePendingApproval
	caps, err = f.svc.EffectivePermissions(context.Background(), "bob", f.record, inst)
	require.NoError(t, err)
	assert.False(t, caps.Has(CapWithdraw), "a completed step ends the withdraw window")
}

func TestEffectivePermissions_AssigneeImplicits(t *testing.T) {
	f := newFixture(t, 0)
	inst := &models.WorkflowInstance{
		ID:          "wf-1",
		RecordID:    f.record.ID,
		State:       models.StatePendingReview,
		CurrentStep: 1,
		Steps: []*models.Step{
			{Seq: 1, Capability: string(CapReview), AssigneeUserID: strPtr("bob"), Status: models.StepStatusActive},
			{Seq: 2, Capability: string(CapApprove), AssigneeUserID: strPtr("carol"), Status: models.StepStatusPending},
		},
	}

	caps, err := f.svc.EffectivePermissions(context.Background(), "bob", f.record, inst)
	require.NoError(t, err)
	assert.True(t, caps.Has(CapCompleteStep))
	assert.True(t, caps.Has(CapRead))
	assert.False(t, caps.Has(CapReview), "assignment does not grant the step capability itself")

	caps, err = f.svc.EffectivePermissions(context.Background(), "carol", f.record, inst)
	require.NoError(t, err)
	assert.False(t, caps.Has(CapCompleteStep), "pending step assignee has no implicits yet")

	inst.Steps[0].Status = models.StepStatusBlocked
	caps, err = f.svc.EffectivePermissions(context.Background(), "bob", f.record, inst)
	require.NoError(t, err)
	assert.False(t, caps.Has(CapCompleteStep), "blocked step cannot be completed")
}

func TestEffectivePermissions_LoadsActiveInstance(t *testing.T) {
	f := newFixture(t, 0)
	inst := &models.WorkflowInstance{
		RecordID:    f.record.ID,
		State:       models.StatePendingReview,
		CurrentStep: 1,
		Steps: []*models.Step{
			{Seq: 1, Capability: string(CapReview), AssigneeUserID: strPtr("bob"), Status: models.StepStatusActive},
		},
	}
	require.NoError(t, f.store.InTx(context.Background(), func(tx store.Tx) error {
		if err := tx.CreateInstance(context.Background(), inst); err != nil {
			return err
		}
		f.record.ActiveInstanceID = &inst.ID
		return tx.UpdateRecord(context.Background(), f.record)
	}))

	caps, err := f.svc.EffectivePermissions(context.Background(), "bob", f.record, nil)
	require.NoError(t, err)
	assert.True(t, caps.Has(CapCompleteStep))
}

// ---------------------------------------------------------------------------
// Caching
// ---------------------------------------------------------------------------

// countingReader wraps a store reader and counts grant and department loads
type countingReader struct {
	store.Reader
	grantLoads int
	deptLoads  int
}

func (r *countingReader) ListGrantsForUser(ctx context.Context, userID string) ([]*models.PermissionGrant, error) {
	r.grantLoads++
	return r.Reader.ListGrantsForUser(ctx, userID)
}

func (r *countingReader) GetDepartment(ctx context.Context, id string) (*models.Department, error) {
	r.deptLoads++
	return r.Reader.GetDepartment(ctx, id)
}

func TestRequestCache_ReusesGrantsWithinRequest(t *testing.T) {
	f := newFixture(t, 0)
	f.grant(t, &models.PermissionGrant{UserID: "alice", Role: RoleReviewer})
	cr := &countingReader{Reader: f.store}
	svc := NewService(cr, WithClock(f.clock))

	ctx := svc.WithRequestCache(context.Background())
	for i := 0; i < 3; i++ {
		_, err := svc.EffectivePermissions(ctx, "alice", f.record, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, cr.grantLoads)

	// A new request reads the grants again.
	_, err := svc.EffectivePermissions(svc.WithRequestCache(context.Background()), "alice", f.record, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cr.grantLoads)
}

func TestRequestCache_ExpiresAfterTTL(t *testing.T) {
	f := newFixture(t, 0)
	cr := &countingReader{Reader: f.store}
	svc := NewService(cr, WithClock(f.clock))

	ctx := svc.WithRequestCache(context.Background())
	_, err := svc.EffectivePermissions(ctx, "alice", f.record, nil)
	require.NoError(t, err)
	f.clock.Advance(requestCacheTTL + time.Second)
	_, err = svc.EffectivePermissions(ctx, "alice", f.record, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cr.grantLoads)
}

func TestRequestCache_SeesRevocationInNextRequest(t *testing.T) {
	f := newFixture(t, 0)
	g := &models.PermissionGrant{UserID: "alice", Role: RoleApprover}
	f.grant(t, g)

	caps, err := f.svc.EffectivePermissions(f.svc.WithRequestCache(context.Background()), "alice", f.record, nil)
	require.NoError(t, err)
	require.True(t, caps.Has(CapApprove))

	require.NoError(t, f.store.InTx(context.Background(), func(tx store.Tx) error {
		return tx.RevokeGrant(context.Background(), g.ID)
	}))

	caps, err = f.svc.EffectivePermissions(f.svc.WithRequestCache(context.Background()), "alice", f.record, nil)
	require.NoError(t, err)
	assert.False(t, caps.Has(CapApprove))
}

func TestPathCache_AvoidsRepeatedDepartmentLoads(t *testing.T) {
	f := newFixture(t, 2)
	f.grant(t, &models.PermissionGrant{UserID: "alice", Role: RoleReviewer, DepartmentID: strPtr(f.depts[0])})
	cr := &countingReader{Reader: f.store}
	svc := NewService(cr, WithClock(f.clock))

	for i := 0; i < 3; i++ {
		caps, err := svc.EffectivePermissions(context.Background(), "alice", f.record, nil)
		require.NoError(t, err)
		assert.True(t, caps.Has(CapReview))
	}
	assert.Equal(t, 1, cr.deptLoads)
}

type failingPathCache struct{}

func (failingPathCache) Get(context.Context, string) ([]string, bool, error) {
	return nil, false, errors.New("cache down")
}

func (failingPathCache) Set(context.Context, string, []string) error {
	return errors.New("cache down")
}

func TestPathCache_FailureFallsBackToStore(t *testing.T) {
	f := newFixture(t, 1)
	f.grant(t, &models.PermissionGrant{UserID: "alice", Role: RoleReviewer, DepartmentID: strPtr(f.depts[0])})
	svc := NewService(f.store, WithClock(f.clock), WithPathCache(failingPathCache{}))

	caps, err := svc.EffectivePermissions(context.Background(), "alice", f.record, nil)
	require.NoError(t, err)
	assert.True(t, caps.Has(CapReview))
}

func TestMemoryPathCache_Expiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	c := NewMemoryPathCache(time.Minute, clock)
	require.NoError(t, c.Set(context.Background(), "d", []string{"root", "d"}))

	p, ok, err := c.Get(context.Background(), "d")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"root", "d"}, p)

	clock.Advance(2 * time.Minute)
	_, ok, _ = c.Get(context.Background(), "d")
	assert.False(t, ok)
}

func TestRedisPathCache_UnreachableServerFallsBack(t *testing.T) {
	f := newFixture(t, 1)
	f.grant(t, &models.PermissionGrant{UserID: "alice", Role: RoleReviewer, DepartmentID: strPtr(f.depts[0])})

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	svc := NewService(f.store, WithClock(f.clock), WithPathCache(NewRedisPathCache(client, time.Minute)))

	caps, err := svc.EffectivePermissions(context.Background(), "alice", f.record, nil)
	require.NoError(t, err)
	assert.True(t, caps.Has(CapReview))
}

func TestRedisPathKey(t *testing.T) {
	assert.Equal(t, "qms:dept_path:abc", redisPathKey("abc"))
}
