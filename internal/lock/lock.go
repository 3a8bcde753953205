// Package lock provides advisory, time-bounded mutual exclusion between
// worker processes sharing a store.
//
// A lock is held until it is released or its TTL elapses, whichever comes
// first. There is no queueing: a denied Acquire is simply reported as false.
package lock

import (
	"context"
	"time"
)

type Manager interface {
	// Acquire creates the lock at key if it is absent or expired.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Renew extends the lock at key if holder still owns it.
	Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Release removes the lock at key, whoever holds it.
	Release(ctx context.Context, key string) error
}
