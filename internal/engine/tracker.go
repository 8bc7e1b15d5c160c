// Package engine implements the generation job orchestration core:
// validate, submit, poll, resolve, return.
package engine

import (
	"fmt"
	"sync"
	"time"
)

// trackerTTL is how long a tracked request shields duplicate clicks. Short
// on purpose: the dedupe store takes over once its write has propagated.
const trackerTTL = 15 * time.Second

// TrackedRequest is one in-flight generation as seen by this process.
type TrackedRequest struct {
	JobID   string
	TaskID  string
	Created time.Time
}

// Tracker collapses rapid duplicate submissions inside one process before
// the dedupe store has caught up. Optimization only; the dedupe store under
// the distributed lock is the correctness layer.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]TrackedRequest
	ttl     time.Duration
	stop    chan struct{}
	now     func() time.Time
}

// NewTracker starts a tracker with the default TTL and its cleanup
// goroutine. Call Stop on shutdown.
func NewTracker() *Tracker {
	t := &Tracker{
		entries: make(map[string]TrackedRequest),
		ttl:     trackerTTL,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go t.cleanupRoutine()
	return t
}

func trackerKey(userID int64, modelID, fingerprint string) string {
	return fmt.Sprintf("%d:%s:%s", userID, modelID, fingerprint)
}

// Claim registers an in-flight request and reports whether this caller won.
// A second Claim for the same key within the TTL loses and receives the
// winner's entry instead.
func (t *Tracker) Claim(userID int64, modelID, fingerprint, jobID string) (TrackedRequest, bool) {
	key := trackerKey(userID, modelID, fingerprint)
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok && t.now().Sub(e.Created) < t.ttl {
		return e, false
	}
	e := TrackedRequest{JobID: jobID, Created: t.now()}
	t.entries[key] = e
	return e, true
}

// SetTaskID records the provider task id on the tracked entry, if still
// present.
func (t *Tracker) SetTaskID(userID int64, modelID, fingerprint, taskID string) {
	key := trackerKey(userID, modelID, fingerprint)
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		e.TaskID = taskID
		t.entries[key] = e
	}
}

// Lookup returns the live entry for the key, if any.
func (t *Tracker) Lookup(userID int64, modelID, fingerprint string) (TrackedRequest, bool) {
	key := trackerKey(userID, modelID, fingerprint)
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	if !ok || t.now().Sub(e.Created) >= t.ttl {
		return TrackedRequest{}, false
	}
	return e, true
}

// Forget drops the entry, reopening the key for the next submission.
func (t *Tracker) Forget(userID int64, modelID, fingerprint string) {
	key := trackerKey(userID, modelID, fingerprint)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// Stop terminates the cleanup goroutine.
func (t *Tracker) Stop() { close(t.stop) }

func (t *Tracker) cleanupRoutine() {
	ticker := time.NewTicker(t.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.cleanup()
		case <-t.stop:
			return
		}
	}
}

func (t *Tracker) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for key, e := range t.entries {
		if now.Sub(e.Created) >= t.ttl {
			delete(t.entries, key)
		}
	}
}
