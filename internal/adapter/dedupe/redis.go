package dedupe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ferixdi-png/TRT-sub000/internal/domain"
)

// RedisStore is the shared dedupe backend. Entries are flat JSON records with
// epoch-second timestamps; legacy status vocabulary is translated on read so
// records written by earlier deployments stay usable.
type RedisStore struct {
	rdb        *redis.Client
	prefix     string
	defaultTTL time.Duration
}

// NewRedisStore builds a Redis-backed store namespaced by tenant. defaultTTL
// bounds the secondary index hashes.
func NewRedisStore(rdb *redis.Client, tenant string, defaultTTL time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: TenantPrefix(tenant), defaultTTL: defaultTTL}
}

func (s *RedisStore) entryKey(key string) string { return s.prefix + key }
func (s *RedisStore) requestIdxKey() string      { return s.prefix + "gen_dedupe_idx:request" }
func (s *RedisStore) taskIdxKey() string         { return s.prefix + "gen_dedupe_idx:task" }

func decodeEntry(raw []byte) (domain.DedupeEntry, error) {
	var e domain.DedupeEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return domain.DedupeEntry{}, err
	}
	e.Status = domain.ParseJobStatus(string(e.Status))
	e.MediaType = domain.ParseMediaKind(string(e.MediaType))
	return e, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (domain.DedupeEntry, bool, error) {
	raw, err := s.rdb.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.DedupeEntry{}, false, nil
	}
	if err != nil {
		return domain.DedupeEntry{}, false, fmt.Errorf("op=dedupe.redis.Get: %w", err)
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return domain.DedupeEntry{}, false, fmt.Errorf("op=dedupe.redis.Get decode: %w", err)
	}
	return e, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, e domain.DedupeEntry, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("op=dedupe.redis.Set encode: %w", err)
	}
	if err := s.rdb.Set(ctx, s.entryKey(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("op=dedupe.redis.Set: %w", err)
	}
	return nil
}

// Update is plain read-modify-write; the distributed lock on the same key
// serializes concurrent writers.
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(domain.DedupeEntry) domain.DedupeEntry) (domain.DedupeEntry, error) {
	cur, _, err := s.Get(ctx, key)
	if err != nil {
		return domain.DedupeEntry{}, err
	}
	next := fn(cur)
	if err := s.Set(ctx, key, next, ttl); err != nil {
		return domain.DedupeEntry{}, err
	}
	return next, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.entryKey(key)).Err(); err != nil {
		return fmt.Errorf("op=dedupe.redis.Delete: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, limit int) (map[string]domain.DedupeEntry, error) {
	pattern := s.prefix + entryPrefix + "*"
	out := make(map[string]domain.DedupeEntry)
	iter := s.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		raw, err := s.rdb.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("op=dedupe.redis.List get: %w", err)
		}
		e, err := decodeEntry(raw)
		if err != nil {
			// Skip records this build cannot parse.
			continue
		}
		out[full[len(s.prefix):]] = e
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=dedupe.redis.List scan: %w", err)
	}
	return out, nil
}

func (s *RedisStore) SetRequestIndex(ctx context.Context, requestID, dedupeKey string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.requestIdxKey(), requestID, dedupeKey)
	if s.defaultTTL > 0 {
		pipe.Expire(ctx, s.requestIdxKey(), s.defaultTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=dedupe.redis.SetRequestIndex: %w", err)
	}
	return nil
}

func (s *RedisStore) GetRequestIndex(ctx context.Context, requestID string) (string, bool, error) {
	key, err := s.rdb.HGet(ctx, s.requestIdxKey(), requestID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=dedupe.redis.GetRequestIndex: %w", err)
	}
	return key, true, nil
}

func (s *RedisStore) SetTaskIndex(ctx context.Context, jobID, taskID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.taskIdxKey(), jobID, taskID)
	if s.defaultTTL > 0 {
		pipe.Expire(ctx, s.taskIdxKey(), s.defaultTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=dedupe.redis.SetTaskIndex: %w", err)
	}
	return nil
}

func (s *RedisStore) GetTaskIndex(ctx context.Context, jobID string) (string, bool, error) {
	taskID, err := s.rdb.HGet(ctx, s.taskIdxKey(), jobID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=dedupe.redis.GetTaskIndex: %w", err)
	}
	return taskID, true, nil
}
