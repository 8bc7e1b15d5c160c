package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLocker is the in-process keyed lock. It mirrors the Redis semantics:
// a key is held until released or its TTL passes, and only the owner token
// can release it.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localOwner
}

type localOwner struct {
	token   string
	expires time.Time
}

// NewLocalLocker returns an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localOwner)}
}

func (l *LocalLocker) tryAcquire(key, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if owner, ok := l.held[key]; ok && now.Before(owner.expires) {
		return false
	}
	l.held[key] = localOwner{token: token, expires: now.Add(ttl)}
	return true
}

// Acquire polls for the key until acquired or the attempt budget runs out.
func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration, maxAttempts int) (Handle, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	token := ownerToken()
	pause := pollPause(wait, maxAttempts)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if l.tryAcquire(key, token, ttl) {
			return &localHandle{locker: l, key: key, token: token}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pause):
		}
	}
	return nil, ErrNotAcquired
}

type localHandle struct {
	locker *LocalLocker
	key    string
	token  string
	once   sync.Once
}

// Release frees the key if this handle still owns it.
func (h *localHandle) Release(_ context.Context) error {
	h.once.Do(func() {
		h.locker.mu.Lock()
		defer h.locker.mu.Unlock()
		if owner, ok := h.locker.held[h.key]; ok && owner.token == h.token {
			delete(h.locker.held, h.key)
		}
	})
	return nil
}
