package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ferixdi-png/TRT-sub000/internal/adapter/dedupe"
	"github.com/ferixdi-png/TRT-sub000/internal/config"
	"github.com/ferixdi-png/TRT-sub000/internal/domain"
	"github.com/ferixdi-png/TRT-sub000/internal/observability"
)

// orphanScanLimit bounds one sweep's read of the dedupe keyspace.
const orphanScanLimit = 1000

// NotifyFunc tells the affected user their generation vanished. The chat
// layer renders it with a retry action carrying model and fingerprint.
type NotifyFunc func(ctx context.Context, userID int64, modelID, fingerprint string) error

// Orphans hunts dedupe entries that claim a job is in flight but carry no
// provider task id, meaning the submit crashed between claiming the key
// and persisting the created task.
type Orphans struct {
	cfg      config.Config
	store    domain.Storage
	entries  dedupe.Store
	provider domain.ProviderClient
	notify   NotifyFunc

	lastCount int
	now       func() time.Time
}

// NewOrphans builds the orphaned-entries reconciler. notify may be nil.
func NewOrphans(cfg config.Config, store domain.Storage, entries dedupe.Store, provider domain.ProviderClient, notify NotifyFunc) *Orphans {
	return &Orphans{
		cfg:      cfg,
		store:    store,
		entries:  entries,
		provider: provider,
		notify:   notify,
		now:      time.Now,
	}
}

// Run sweeps on the configured interval until ctx is done.
func (o *Orphans) Run(ctx context.Context) {
	RunLoop(ctx, "orphans", o.cfg.OrphanInterval(), o.Sweep)
}

// Sweep walks live dedupe entries and recovers or retires the ones without
// a task id.
func (o *Orphans) Sweep(ctx context.Context) error {
	lg := observability.LoggerFromContext(ctx)

	all, err := o.entries.List(ctx, orphanScanLimit)
	if err != nil {
		return fmt.Errorf("list dedupe entries: %w", err)
	}

	count := 0
	for key, entry := range all {
		if entry.ProviderTaskID != "" || !entry.Status.Pending() {
			continue
		}
		count++
		if ctx.Err() != nil {
			return nil
		}
		o.reconcileEntry(ctx, key, entry)
	}

	observability.OrphanCount.Set(float64(count))
	if count > o.lastCount && o.lastCount > 0 {
		lg.Warn("orphaned entries growing between sweeps",
			slog.Int("count", count),
			slog.Int("previous", o.lastCount))
	}
	o.lastCount = count
	return nil
}

func (o *Orphans) reconcileEntry(ctx context.Context, key string, entry domain.DedupeEntry) {
	userID, modelID, fingerprint, ok := dedupe.ParseKey(key)
	if !ok {
		return
	}
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("job_id", entry.JobID),
		slog.String("model", modelID),
		slog.Int64("user_id", userID))

	taskID := o.recoverTaskID(ctx, lg, entry.JobID)
	if taskID != "" {
		o.restore(ctx, lg, key, userID, entry.JobID, taskID)
		return
	}

	age := o.now().Sub(time.Unix(entry.UpdatedTS, 0))
	if age <= o.cfg.OrphanMaxAge() {
		// Not stale yet; record the attempt without touching UpdatedTS so
		// the entry keeps aging toward retirement.
		if _, err := o.entries.Update(ctx, key, o.cfg.DedupeTTL(), func(e domain.DedupeEntry) domain.DedupeEntry {
			e.RecoveryAttempts++
			e.LastRecoveryTS = o.now().Unix()
			return e
		}); err != nil {
			lg.Warn("orphan attempt record failed", slog.Any("error", err))
		}
		return
	}

	o.retire(ctx, lg, key, userID, modelID, fingerprint, entry)
}

// recoverTaskID tries the local job index first, then the provider's own
// lookup when the client offers one.
func (o *Orphans) recoverTaskID(ctx context.Context, lg *slog.Logger, jobID string) string {
	taskID, ok, err := o.entries.GetTaskIndex(ctx, jobID)
	if err != nil {
		lg.Warn("task index read failed", slog.Any("error", err))
	} else if ok && taskID != "" {
		return taskID
	}

	resolver, ok := o.provider.(domain.TaskResolver)
	if !ok {
		return ""
	}
	taskID, err = resolver.ResolveTask(ctx, jobID)
	if err != nil {
		lg.Warn("provider task lookup failed", slog.Any("error", err))
		return ""
	}
	return taskID
}

// restore reattaches the recovered task id so the pending sweep can drive
// the job to a terminal state.
func (o *Orphans) restore(ctx context.Context, lg *slog.Logger, key string, userID int64, jobID, taskID string) {
	now := o.now().Unix()
	if _, err := o.entries.Update(ctx, key, o.cfg.DedupeTTL(), func(e domain.DedupeEntry) domain.DedupeEntry {
		e.ProviderTaskID = taskID
		e.Status = domain.JobRunning
		e.RecoveryAttempts++
		e.LastRecoveryTS = now
		e.UpdatedTS = now
		return e
	}); err != nil {
		lg.Warn("orphan entry restore failed", slog.Any("error", err))
		return
	}
	if _, err := o.store.UpdateJobStatus(ctx, userID, jobID, domain.JobUpdate{
		Status: domain.JobRunning,
		TaskID: taskID,
	}); err != nil {
		lg.Error("recovered job persist failed", slog.Any("error", err))
	}
	lg.Info("orphan recovered", slog.String("task_id", taskID))
}

// retire fails an entry that stayed orphaned past the age limit and tells
// the user, at most once per cooldown window.
func (o *Orphans) retire(ctx context.Context, lg *slog.Logger, key string, userID int64, modelID, fingerprint string, entry domain.DedupeEntry) {
	now := o.now()
	shouldNotify := o.notify != nil &&
		now.Sub(time.Unix(entry.OrphanNotifiedTS, 0)) > o.cfg.OrphanNotifyCooldown()

	if _, err := o.store.UpdateJobStatus(ctx, userID, entry.JobID, domain.JobUpdate{
		Status:       domain.JobFailed,
		ErrorCode:    domain.CodeKieTimeout,
		ErrorMessage: "the provider task never materialized",
	}); err != nil {
		lg.Error("orphan failure persist failed", slog.Any("error", err))
	}

	if _, err := o.entries.Update(ctx, key, o.cfg.DedupeTTL(), func(e domain.DedupeEntry) domain.DedupeEntry {
		e.Status = domain.JobFailed
		e.UpdatedTS = now.Unix()
		if shouldNotify {
			e.OrphanNotifiedTS = now.Unix()
		}
		return e
	}); err != nil {
		lg.Warn("orphan entry retire failed", slog.Any("error", err))
	}
	lg.Info("orphan retired",
		slog.Duration("age", now.Sub(time.Unix(entry.UpdatedTS, 0))),
		slog.Bool("notified", shouldNotify))

	if shouldNotify {
		if err := o.notify(ctx, userID, modelID, fingerprint); err != nil {
			lg.Warn("orphan notification failed", slog.Any("error", err))
		}
	}
}
