// Package lock provides named distributed locks with fencing tokens.
// Every lock-protected write path carries the fence so a holder that lost
// its lease cannot clobber a newer holder's work.
package lock

import (
	"context"
	"time"
)

// Lease is an acquired lock. Token proves ownership; Fence increases
// monotonically across successive holders of the same name.
type Lease struct {
	Name       string
	Token      string
	Fence      int64
	AcquiredAt time.Time
}

// Locker acquires, renews, and releases named leases.
//
// Acquire fails with errcode.LockUnavailable when another holder owns the
// name. Renew and Release fail with errcode.LockStale when the lease has
// expired or the name has a different owner.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error)
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error
	Release(ctx context.Context, lease *Lease) error
	// Owner returns the current holder token, or "" when unheld.
	Owner(ctx context.Context, name string) (string, error)
}
