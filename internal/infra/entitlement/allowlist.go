// Package entitlement provides EntitlementChecker adapters. The real
// subscription service is an external collaborator reached through the
// same interface.
package entitlement

import (
	"context"
	"sync"

	"github.com/ahrav/booking-armada/internal/domain/booking"
)

// Allowlist entitles exactly the owners it holds.
type Allowlist struct {
	mu     sync.RWMutex
	owners map[string]struct{}
}

var _ booking.EntitlementChecker = (*Allowlist)(nil)

// NewAllowlist creates an allowlist seeded with owners.
func NewAllowlist(owners ...string) *Allowlist {
	a := &Allowlist{owners: make(map[string]struct{}, len(owners))}
	for _, o := range owners {
		a.owners[o] = struct{}{}
	}
	return a
}

// Grant entitles owner.
func (a *Allowlist) Grant(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.owners[owner] = struct{}{}
}

// Revoke removes owner's entitlement.
func (a *Allowlist) Revoke(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.owners, owner)
}

// IsEntitled implements booking.EntitlementChecker.
func (a *Allowlist) IsEntitled(_ context.Context, owner string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.owners[owner]
	return ok, nil
}
