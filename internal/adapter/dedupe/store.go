// Package dedupe persists generation dedupe entries and their secondary
// indices behind one interface with Redis and in-memory backends.
package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ferixdi-png/TRT-sub000/internal/domain"
	"github.com/ferixdi-png/TRT-sub000/internal/observability"
)

// Store is the dedupe persistence contract. Update is read-modify-write by
// key; callers serialize concurrent writers with the distributed lock on the
// same key.
type Store interface {
	Get(ctx context.Context, key string) (domain.DedupeEntry, bool, error)
	Set(ctx context.Context, key string, e domain.DedupeEntry, ttl time.Duration) error
	Update(ctx context.Context, key string, ttl time.Duration, fn func(domain.DedupeEntry) domain.DedupeEntry) (domain.DedupeEntry, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, limit int) (map[string]domain.DedupeEntry, error)

	SetRequestIndex(ctx context.Context, requestID, dedupeKey string) error
	GetRequestIndex(ctx context.Context, requestID string) (string, bool, error)
	SetTaskIndex(ctx context.Context, jobID, taskID string) error
	GetTaskIndex(ctx context.Context, jobID string) (string, bool, error)
}

const entryPrefix = "gen_dedupe:"

// Key builds the logical dedupe key for one user/model/prompt combination.
func Key(userID int64, modelID, fingerprint string) string {
	return fmt.Sprintf("%s%d:%s:%s", entryPrefix, userID, modelID, fingerprint)
}

// ParseKey splits a logical dedupe key back into its parts.
func ParseKey(key string) (userID int64, modelID, fingerprint string, ok bool) {
	rest, found := strings.CutPrefix(key, entryPrefix)
	if !found {
		return 0, "", "", false
	}
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return 0, "", "", false
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", "", false
	}
	return id, parts[1], parts[2], true
}

// TenantPrefix namespaces backend keys per deployment.
func TenantPrefix(tenant string) string {
	if tenant == "" {
		tenant = "default"
	}
	return "tenant:" + tenant + ":"
}

// Failover wraps a primary store with an in-memory shadow. Writes land on
// both so a Redis outage degrades to recent process-local state instead of
// failing submissions.
type Failover struct {
	primary Store
	local   *MemoryStore
}

// NewFailover builds the degradable store. A nil primary serves everything
// from memory.
func NewFailover(primary Store, local *MemoryStore) *Failover {
	if local == nil {
		local = NewMemoryStore()
	}
	return &Failover{primary: primary, local: local}
}

func (f *Failover) degrade(ctx context.Context, op string, err error) {
	observability.DedupeFallbacksTotal.Inc()
	observability.LoggerFromContext(ctx).Warn("dedupe store degraded to memory",
		slog.String("operation", op),
		slog.Any("error", err))
}

// Get prefers the primary; a primary miss is authoritative, a primary error
// falls back to the shadow.
func (f *Failover) Get(ctx context.Context, key string) (domain.DedupeEntry, bool, error) {
	if f.primary == nil {
		return f.local.Get(ctx, key)
	}
	e, ok, err := f.primary.Get(ctx, key)
	if err != nil {
		f.degrade(ctx, "get", err)
		return f.local.Get(ctx, key)
	}
	return e, ok, nil
}

func (f *Failover) Set(ctx context.Context, key string, e domain.DedupeEntry, ttl time.Duration) error {
	_ = f.local.Set(ctx, key, e, ttl)
	if f.primary == nil {
		return nil
	}
	if err := f.primary.Set(ctx, key, e, ttl); err != nil {
		f.degrade(ctx, "set", err)
	}
	return nil
}

func (f *Failover) Update(ctx context.Context, key string, ttl time.Duration, fn func(domain.DedupeEntry) domain.DedupeEntry) (domain.DedupeEntry, error) {
	if f.primary == nil {
		return f.local.Update(ctx, key, ttl, fn)
	}
	e, err := f.primary.Update(ctx, key, ttl, fn)
	if err != nil {
		f.degrade(ctx, "update", err)
		return f.local.Update(ctx, key, ttl, fn)
	}
	_ = f.local.Set(ctx, key, e, ttl)
	return e, nil
}

func (f *Failover) Delete(ctx context.Context, key string) error {
	_ = f.local.Delete(ctx, key)
	if f.primary == nil {
		return nil
	}
	if err := f.primary.Delete(ctx, key); err != nil {
		f.degrade(ctx, "delete", err)
	}
	return nil
}

func (f *Failover) List(ctx context.Context, limit int) (map[string]domain.DedupeEntry, error) {
	if f.primary == nil {
		return f.local.List(ctx, limit)
	}
	entries, err := f.primary.List(ctx, limit)
	if err != nil {
		f.degrade(ctx, "list", err)
		return f.local.List(ctx, limit)
	}
	return entries, nil
}

func (f *Failover) SetRequestIndex(ctx context.Context, requestID, dedupeKey string) error {
	_ = f.local.SetRequestIndex(ctx, requestID, dedupeKey)
	if f.primary == nil {
		return nil
	}
	if err := f.primary.SetRequestIndex(ctx, requestID, dedupeKey); err != nil {
		f.degrade(ctx, "set_request_index", err)
	}
	return nil
}

func (f *Failover) GetRequestIndex(ctx context.Context, requestID string) (string, bool, error) {
	if f.primary == nil {
		return f.local.GetRequestIndex(ctx, requestID)
	}
	key, ok, err := f.primary.GetRequestIndex(ctx, requestID)
	if err != nil {
		f.degrade(ctx, "get_request_index", err)
		return f.local.GetRequestIndex(ctx, requestID)
	}
	return key, ok, nil
}

func (f *Failover) SetTaskIndex(ctx context.Context, jobID, taskID string) error {
	_ = f.local.SetTaskIndex(ctx, jobID, taskID)
	if f.primary == nil {
		return nil
	}
	if err := f.primary.SetTaskIndex(ctx, jobID, taskID); err != nil {
		f.degrade(ctx, "set_task_index", err)
	}
	return nil
}

func (f *Failover) GetTaskIndex(ctx context.Context, jobID string) (string, bool, error) {
	if f.primary == nil {
		return f.local.GetTaskIndex(ctx, jobID)
	}
	taskID, ok, err := f.primary.GetTaskIndex(ctx, jobID)
	if err != nil {
		f.degrade(ctx, "get_task_index", err)
		return f.local.GetTaskIndex(ctx, jobID)
	}
	return taskID, ok, nil
}
