package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferixdi-png/TRT-sub000/internal/domain"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return srv, rdb
}

func TestKeyRoundTrip(t *testing.T) {
	key := Key(42, "veo-3-fast", "abcdef0123")
	assert.Equal(t, "gen_dedupe:42:veo-3-fast:abcdef0123", key)

	user, model, fp, ok := ParseKey(key)
	require.True(t, ok)
	assert.Equal(t, int64(42), user)
	assert.Equal(t, "veo-3-fast", model)
	assert.Equal(t, "abcdef0123", fp)

	_, _, _, ok = ParseKey("other:42:x:y")
	assert.False(t, ok)
	_, _, _, ok = ParseKey("gen_dedupe:notanum:x:y")
	assert.False(t, ok)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := Key(1, "flux", "fp1")

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	entry := domain.DedupeEntry{JobID: "j1", Status: domain.JobQueued, UpdatedTS: time.Now().Unix()}
	require.NoError(t, s.Set(ctx, key, entry, time.Minute))

	got, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, domain.JobQueued, got.Status)

	require.NoError(t, s.Delete(ctx, key))
	_, ok, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := Key(1, "flux", "fp1")
	require.NoError(t, s.Set(ctx, key, domain.DedupeEntry{JobID: "j1"}, 10*time.Millisecond))

	time.Sleep(25 * time.Millisecond)
	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "expired entry must not be returned")
}

func TestMemoryStoreUpdate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := Key(1, "flux", "fp1")

	got, err := s.Update(ctx, key, time.Minute, func(e domain.DedupeEntry) domain.DedupeEntry {
		assert.Empty(t, e.JobID, "update on absent key starts from zero entry")
		e.JobID = "j1"
		e.Status = domain.JobQueued
		return e
	})
	require.NoError(t, err)
	assert.Equal(t, "j1", got.JobID)

	got, err = s.Update(ctx, key, time.Minute, func(e domain.DedupeEntry) domain.DedupeEntry {
		e.Status = domain.JobRunning
		return e
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, got.Status)
	assert.Equal(t, "j1", got.JobID)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	srv, rdb := newTestRedis(t)
	s := NewRedisStore(rdb, "bot-1", time.Hour)
	ctx := context.Background()
	key := Key(7, "veo-3", "fp9")

	entry := domain.DedupeEntry{
		JobID:          "job-1",
		ProviderTaskID: "task-1",
		Status:         domain.JobRunning,
		MediaType:      domain.MediaVideo,
		UpdatedTS:      time.Now().Unix(),
	}
	require.NoError(t, s.Set(ctx, key, entry, time.Hour))

	// Stored under the tenant prefix.
	assert.True(t, srv.Exists("tenant:bot-1:"+key))

	got, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry.JobID, got.JobID)
	assert.Equal(t, entry.ProviderTaskID, got.ProviderTaskID)
	assert.Equal(t, domain.JobRunning, got.Status)
}

func TestRedisStoreTranslatesLegacyStatus(t *testing.T) {
	srv, rdb := newTestRedis(t)
	s := NewRedisStore(rdb, "", time.Hour)
	ctx := context.Background()
	key := Key(7, "veo-3", "fp9")

	// Record written by an earlier deployment with legacy vocabulary.
	srv.Set("tenant:default:"+key, `{"job_id":"j1","status":"task_created","media_type":"photo","updated_ts":1736160000}`)

	got, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobQueued, got.Status)
	assert.Equal(t, domain.MediaImage, got.MediaType)
}

func TestRedisStoreTTLExpires(t *testing.T) {
	srv, rdb := newTestRedis(t)
	s := NewRedisStore(rdb, "", time.Hour)
	ctx := context.Background()
	key := Key(1, "flux", "fp")

	require.NoError(t, s.Set(ctx, key, domain.DedupeEntry{JobID: "j"}, time.Minute))
	srv.FastForward(2 * time.Minute)

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreListAndLimit(t *testing.T) {
	_, rdb := newTestRedis(t)
	s := NewRedisStore(rdb, "", time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := Key(int64(i), "flux", "fp")
		require.NoError(t, s.Set(ctx, key, domain.DedupeEntry{JobID: key}, time.Hour))
	}

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
	for key, e := range all {
		assert.Equal(t, key, e.JobID)
		_, _, _, ok := ParseKey(key)
		assert.True(t, ok, "listed keys must be logical keys, got %q", key)
	}

	limited, err := s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRedisStoreIndices(t *testing.T) {
	_, rdb := newTestRedis(t)
	s := NewRedisStore(rdb, "", time.Hour)
	ctx := context.Background()

	require.NoError(t, s.SetRequestIndex(ctx, "req-1", Key(1, "flux", "fp")))
	key, ok, err := s.GetRequestIndex(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Key(1, "flux", "fp"), key)

	_, ok, err = s.GetRequestIndex(ctx, "req-missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetTaskIndex(ctx, "job-1", "task-1"))
	taskID, ok, err := s.GetTaskIndex(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "task-1", taskID)
}

func TestFailoverDegradesToMemory(t *testing.T) {
	srv, rdb := newTestRedis(t)
	primary := NewRedisStore(rdb, "", time.Hour)
	f := NewFailover(primary, NewMemoryStore())
	ctx := context.Background()
	key := Key(3, "flux", "fp")

	require.NoError(t, f.Set(ctx, key, domain.DedupeEntry{JobID: "j3", Status: domain.JobQueued}, time.Hour))

	// Redis outage: reads keep working from the shadow copy.
	srv.Close()
	got, ok, err := f.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "j3", got.JobID)

	// Writes keep landing locally too.
	require.NoError(t, f.Set(ctx, Key(4, "flux", "fp"), domain.DedupeEntry{JobID: "j4"}, time.Hour))
	got, ok, err = f.Get(ctx, Key(4, "flux", "fp"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "j4", got.JobID)
}

func TestFailoverWithoutPrimary(t *testing.T) {
	f := NewFailover(nil, nil)
	ctx := context.Background()
	key := Key(1, "flux", "fp")

	require.NoError(t, f.Set(ctx, key, domain.DedupeEntry{JobID: "j"}, time.Minute))
	got, ok, err := f.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "j", got.JobID)

	entries, err := f.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
