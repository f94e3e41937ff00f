package permissions

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
)

// requestCacheTTL bounds how long grants read during one request may be reused,
// even if the request itself runs longer.
const requestCacheTTL = 5 * time.Second

type requestCacheKey struct{}

// requestCache holds grant rows loaded during a single request
type requestCache struct {
	mu      sync.Mutex
	created time.Time
	size    int
	grants  map[string][]*models.PermissionGrant
}

func newRequestCache(now time.Time, size int) *requestCache {
	return &requestCache{
		created: now,
		size:    size,
		grants:  make(map[string][]*models.PermissionGrant),
	}
}

func (c *requestCache) get(userID string, now time.Time) ([]*models.PermissionGrant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.created) > requestCacheTTL {
		return nil, false
	}
	g, ok := c.grants[userID]
	return g, ok
}

func (c *requestCache) put(userID string, grants []*models.PermissionGrant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.size > 0 && len(c.grants) >= c.size {
		return
	}
	c.grants[userID] = grants
}

func requestCacheFrom(ctx context.Context) *requestCache {
	c, _ := ctx.Value(requestCacheKey{}).(*requestCache)
	return c
}

// PathCache stores materialized department paths across requests.
// Paths are structural only, so caching them never widens a permission.
type PathCache interface {
	Get(ctx context.Context, departmentID string) ([]string, bool, error)
	Set(ctx context.Context, departmentID string, path []string) error
}

type pathEntry struct {
	path    []string
	expires time.Time
}

// MemoryPathCache is an in-process PathCache with a fixed TTL
type MemoryPathCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	clock   clockwork.Clock
	entries map[string]pathEntry
}

// NewMemoryPathCache creates an in-process path cache
func NewMemoryPathCache(ttl time.Duration, clock clockwork.Clock) *MemoryPathCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryPathCache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]pathEntry),
	}
}

// Get returns a cached path if present and not expired
func (c *MemoryPathCache) Get(_ context.Context, departmentID string) ([]string, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[departmentID]
	c.mu.RUnlock()
	if !ok || !c.clock.Now().Before(e.expires) {
		return nil, false, nil
	}
	return append([]string(nil), e.path...), true, nil
}

// Set stores a path
func (c *MemoryPathCache) Set(_ context.Context, departmentID string, path []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[departmentID] = pathEntry{
		path:    append([]string(nil), path...),
		expires: c.clock.Now().Add(c.ttl),
	}
	return nil
}
