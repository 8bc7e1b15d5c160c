// Package app wires the orchestrator together: the ops HTTP server
// (health, readiness, metrics, provider callbacks), the callback hub
// that shortcuts poll sleeps, and the runtime that owns startup order
// and graceful shutdown.
package app

import (
	"sync"
)

// CallbackHub fans provider callbacks out to the pollers waiting on a
// task. Registration hands back a buffered channel so a callback that
// arrives between polls is not lost; Notify never blocks.
type CallbackHub struct {
	mu      sync.Mutex
	waiters map[string]map[uint64]chan struct{}
	nextID  uint64
}

// NewCallbackHub returns an empty hub.
func NewCallbackHub() *CallbackHub {
	return &CallbackHub{waiters: make(map[string]map[uint64]chan struct{})}
}

// Register subscribes to wakeups for taskID. The returned cancel must be
// called when the poller stops waiting; it is idempotent.
func (h *CallbackHub) Register(taskID string) (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	ch := make(chan struct{}, 1)
	set, ok := h.waiters[taskID]
	if !ok {
		set = make(map[uint64]chan struct{})
		h.waiters[taskID] = set
	}
	set[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.waiters[taskID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(h.waiters, taskID)
				}
			}
		})
	}
	return ch, cancel
}

// Notify wakes every poller registered for taskID and reports how many
// were woken. A waiter whose buffer already holds a wakeup is counted
// once; the pending signal covers both callbacks.
func (h *CallbackHub) Notify(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	woken := 0
	for _, ch := range h.waiters[taskID] {
		select {
		case ch <- struct{}{}:
			woken++
		default:
		}
	}
	return woken
}

// Waiting reports how many pollers are currently registered for taskID.
func (h *CallbackHub) Waiting(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters[taskID])
}
