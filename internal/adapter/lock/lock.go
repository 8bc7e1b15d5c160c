// Package lock provides the distributed lock guarding dedupe keys and user
// balances, with a process-local fallback for Redis outages.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// ErrNotAcquired is returned when the lock stays held for the whole wait
// budget.
var ErrNotAcquired = errors.New("lock not acquired")

// Handle releases an acquired lock. Release is idempotent; a missed release
// is reclaimed by the TTL.
type Handle interface {
	Release(ctx context.Context) error
}

// Locker acquires named locks. maxAttempts bounds the polls spread across
// the wait budget.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl, wait time.Duration, maxAttempts int) (Handle, error)
}

// ownerToken identifies the lock holder so only the owner can release.
func ownerToken() string {
	return fmt.Sprintf("%d-%s", os.Getpid(), uuid.NewString())
}

// pollPause spreads maxAttempts polls across the wait budget.
func pollPause(wait time.Duration, maxAttempts int) time.Duration {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	pause := wait / time.Duration(maxAttempts)
	if pause < 10*time.Millisecond {
		pause = 10 * time.Millisecond
	}
	return pause
}
