package rooms

import (
	"context"
	"time"

	"github.com/a-essam23/go-relay/internal/cache"
	"github.com/a-essam23/go-relay/pkg/state"
)

// Checker is the external authorization collaborator consulted at join time.
type Checker interface {
	CanAccess(ctx context.Context, userID, roomID string) (bool, error)
}

// PermissionChecker authorizes against the permission bitmap carried by the
// authenticated identity. It is the default source when no external checker
// is wired in.
type PermissionChecker struct {
	registry state.Manager
}

func NewPermissionChecker(registry state.Manager) *PermissionChecker {
	return &PermissionChecker{registry: registry}
}

var _ Checker = (*PermissionChecker)(nil)

func (c *PermissionChecker) CanAccess(_ context.Context, userID, _ string) (bool, error) {
	user, ok := c.registry.FindUser(userID)
	if !ok {
		return false, nil
	}
	return user.Permissions.Has(state.PermCanJoin), nil
}

// CachedChecker decorates a Checker with short-TTL verdict caching so repeat
// joins and reconnect restores skip the source. Cache misses (including a
// degraded tier 2) fall through to the source; a source failure propagates,
// because authorization fails closed even though rate limiting fails open.
type CachedChecker struct {
	source Checker
	cache  *cache.TieredCache
	ttl    time.Duration
}

func NewCachedChecker(source Checker, tc *cache.TieredCache, ttl time.Duration) *CachedChecker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedChecker{source: source, cache: tc, ttl: ttl}
}

var _ Checker = (*CachedChecker)(nil)

func authzKey(userID, roomID string) string {
	return "authz:" + userID + ":" + roomID
}

func (c *CachedChecker) CanAccess(ctx context.Context, userID, roomID string) (bool, error) {
	key := authzKey(userID, roomID)
	if val, ok := c.cache.Get(ctx, key); ok {
		return len(val) == 1 && val[0] == '1', nil
	}

	allowed, err := c.source.CanAccess(ctx, userID, roomID)
	if err != nil {
		return false, err
	}

	verdict := []byte("0")
	if allowed {
		verdict = []byte("1")
	}
	// Tagged per user so a permission change can invalidate every cached
	// verdict for that user at once.
	c.cache.Set(ctx, key, verdict, c.ttl, "authz:user:"+userID)
	return allowed, nil
}

// Invalidate drops every cached verdict for one user.
func (c *CachedChecker) Invalidate(ctx context.Context, userID string) {
	c.cache.InvalidateByTag(ctx, "authz:user:"+userID)
}
