package entitlement

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ahrav/booking-armada/internal/domain/booking"
)

// CachedChecker remembers answers from the wrapped checker for a fixed TTL.
// Errors are never cached, so a flaky subscription service is asked again
// on the next call.
type CachedChecker struct {
	next  booking.EntitlementChecker
	cache *expirable.LRU[string, bool]
}

var _ booking.EntitlementChecker = (*CachedChecker)(nil)

// NewCachedChecker wraps next with a cache of at most size owners.
func NewCachedChecker(next booking.EntitlementChecker, size int, ttl time.Duration) *CachedChecker {
	return &CachedChecker{next: next, cache: expirable.NewLRU[string, bool](size, nil, ttl)}
}

// IsEntitled implements booking.EntitlementChecker.
func (c *CachedChecker) IsEntitled(ctx context.Context, owner string) (bool, error) {
	if ok, hit := c.cache.Get(owner); hit {
		return ok, nil
	}
	ok, err := c.next.IsEntitled(ctx, owner)
	if err != nil {
		return false, err
	}
	c.cache.Add(owner, ok)
	return ok, nil
}

// Invalidate drops the cached answer for owner.
func (c *CachedChecker) Invalidate(owner string) { c.cache.Remove(owner) }
