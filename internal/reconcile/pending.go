package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ferixdi-png/TRT-sub000/internal/adapter/dedupe"
	"github.com/ferixdi-png/TRT-sub000/internal/billing"
	"github.com/ferixdi-png/TRT-sub000/internal/config"
	"github.com/ferixdi-png/TRT-sub000/internal/domain"
	"github.com/ferixdi-png/TRT-sub000/internal/observability"
)

// Resolver turns a succeeded provider task into a deliverable result and
// persists the completed job. The engine exports this.
type Resolver interface {
	ResolveResult(ctx context.Context, job domain.Job, task domain.ProviderTask) (domain.JobResult, domain.Job, error)
}

// Deliverer ships one result to the chat at most once per task.
type Deliverer interface {
	DeliverTracked(ctx context.Context, userID, chatID int64, res domain.JobResult, caption string) (bool, error)
}

// Charger commits the post-delivery charge.
type Charger interface {
	CommitPostDeliveryCharge(ctx context.Context, ch billing.Charge) error
}

// Pending re-drives jobs whose run loop died: anything persisted in a
// non-terminal status gets its provider task re-polled, and a succeeded
// task is delivered and charged exactly as the live path would have.
type Pending struct {
	cfg      config.Config
	store    domain.Storage
	entries  dedupe.Store
	provider domain.ProviderClient
	catalog  domain.Catalog
	resolver Resolver
	delivery Deliverer
	charger  Charger

	// minAge keeps the sweep off jobs a live run loop is still driving.
	minAge time.Duration
	now    func() time.Time
}

// NewPending builds the pending-jobs reconciler.
func NewPending(cfg config.Config, store domain.Storage, entries dedupe.Store, provider domain.ProviderClient, catalog domain.Catalog, resolver Resolver, delivery Deliverer, charger Charger) *Pending {
	return &Pending{
		cfg:      cfg,
		store:    store,
		entries:  entries,
		provider: provider,
		catalog:  catalog,
		resolver: resolver,
		delivery: delivery,
		charger:  charger,
		minAge:   cfg.PendingInterval(),
		now:      time.Now,
	}
}

// Run sweeps on the configured interval until ctx is done.
func (p *Pending) Run(ctx context.Context) {
	RunLoop(ctx, "pending", p.cfg.PendingInterval(), p.Sweep)
}

// Sweep lists non-terminal jobs oldest first and reconciles up to the batch
// limit. Per-job failures are logged and skipped; only a failed listing is
// reported to the loop so it backs off.
func (p *Pending) Sweep(ctx context.Context) error {
	lg := observability.LoggerFromContext(ctx)

	jobs, err := p.store.ListJobsByStatus(ctx,
		domain.JobCreated, domain.JobQueued, domain.JobRunning,
		domain.JobSucceeded, domain.JobCompleted, domain.JobTimeout)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}

	now := p.now()
	observability.PendingQueueDepth.Set(float64(len(jobs)))
	var oldest time.Duration
	for _, j := range jobs {
		if age := now.Sub(j.CreatedAt); age > oldest {
			oldest = age
		}
	}
	observability.PendingOldestAge.Set(oldest.Seconds())
	if alert := p.cfg.PendingQueueAlertAge(); alert > 0 && oldest > alert {
		lg.Warn("pending queue age above threshold",
			slog.Duration("oldest", oldest),
			slog.Duration("threshold", alert),
			slog.Int("depth", len(jobs)))
	}
	if tail := p.cfg.QueueTailAlertThreshold; tail > 0 && len(jobs) > tail {
		lg.Warn("pending queue depth above threshold",
			slog.Int("depth", len(jobs)),
			slog.Int("threshold", tail))
	}

	slices.SortFunc(jobs, func(a, b domain.Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit := p.cfg.PendingBatchLimit; limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return nil
		}
		if now.Sub(job.UpdatedAt) < p.minAge {
			continue
		}
		p.reconcileJob(ctx, job)
	}
	return nil
}

// reconcileJob re-polls one job's provider task and finishes whatever the
// dead run loop left undone.
func (p *Pending) reconcileJob(ctx context.Context, job domain.Job) {
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("job_id", job.ID),
		slog.String("model", job.ModelID),
		slog.String("status", string(job.Status)),
		slog.Int64("user_id", job.UserID))

	if job.ProviderTaskID == "" {
		// Task creation never finished; the orphan sweep owns this one.
		return
	}

	task, err := p.provider.TaskStatus(ctx, job.ProviderTaskID)
	if err != nil {
		lg.Warn("reconcile poll failed",
			slog.String("task_id", job.ProviderTaskID),
			slog.Any("error", err))
		return
	}

	switch task.State {
	case domain.StateSucceeded:
		p.finish(ctx, lg, job, task)
	case domain.StateFailed:
		msg := task.FailMsg
		if msg == "" {
			msg = "generation failed on the provider side"
		}
		p.persistFailure(ctx, lg, job, domain.JobFailed, domain.CodeKieFailState, msg)
	case domain.StateCanceled:
		p.persistFailure(ctx, lg, job, domain.JobCanceled, domain.CodeCanceled, "generation canceled on the provider side")
	default:
		lg.Info("job still in flight at the provider",
			slog.String("task_id", task.TaskID),
			slog.String("state", string(task.State)))
	}
}

// finish delivers and charges one succeeded task. The delivery record CAS
// decides the winner when a live run loop races this sweep.
func (p *Pending) finish(ctx context.Context, lg *slog.Logger, job domain.Job, task domain.ProviderTask) {
	res, updated, err := p.resolver.ResolveResult(ctx, job, task)
	if err != nil {
		// ResolveResult already persisted the failure.
		lg.Warn("reconciled result unusable", slog.Any("error", err))
		return
	}

	delivered, err := p.delivery.DeliverTracked(ctx, updated.UserID, updated.ChatID, res, "")
	if err != nil {
		lg.Warn("reconciled delivery failed", slog.Any("error", err))
		return
	}
	if !delivered {
		// Another worker holds or held the reservation. When its record
		// proves the send happened, settle the job row it may have died
		// before writing; otherwise leave the job for the next sweep.
		rec, ok, rerr := p.store.GetDelivery(ctx, updated.UserID, res.TaskID)
		if rerr == nil && ok && rec.Status == domain.DeliveryDelivered {
			if _, err := p.store.UpdateJobStatus(ctx, updated.UserID, updated.ID, domain.JobUpdate{Status: domain.JobDelivered}); err != nil {
				lg.Error("delivered status persist failed", slog.Any("error", err))
			}
		}
		lg.Info("result already delivered elsewhere", slog.String("task_id", res.TaskID))
		return
	}

	if _, err := p.store.UpdateJobStatus(ctx, updated.UserID, updated.ID, domain.JobUpdate{Status: domain.JobDelivered}); err != nil {
		lg.Error("delivered status persist failed", slog.Any("error", err))
	}
	lg.Info("job recovered and delivered", slog.String("task_id", res.TaskID))

	p.charge(ctx, lg, updated, res)
}

// charge reprices the job from the catalog and commits. A model or SKU
// missing at reconcile time skips the debit: undercharging is the safe
// direction once the user has the result.
func (p *Pending) charge(ctx context.Context, lg *slog.Logger, job domain.Job, res domain.JobResult) {
	spec, err := p.catalog.Resolve(job.ModelID)
	if err != nil {
		lg.Warn("model left the catalog, charge skipped", slog.Any("error", err))
		return
	}
	sku, ok := spec.SKUFor(job.Params)
	if !ok {
		lg.Warn("no sku matches the job params, charge skipped")
		return
	}
	// Committing never undoes the delivery; the gate logs the invariant
	// breach if the books cannot be settled.
	_ = p.charger.CommitPostDeliveryCharge(ctx, billing.Charge{
		UserID:   job.UserID,
		TaskID:   res.TaskID,
		SKUID:    sku.ID,
		PriceRUB: sku.PriceRUB,
		IsFree:   sku.PriceRUB == 0,
		Reason:   fmt.Sprintf("reconcile:%s:%s", sku.ID, res.TaskID),
	})
}

// persistFailure writes the terminal status to the job row and releases the
// dedupe shield so the user can resubmit.
func (p *Pending) persistFailure(ctx context.Context, lg *slog.Logger, job domain.Job, status domain.JobStatus, code, msg string) {
	if _, err := p.store.UpdateJobStatus(ctx, job.UserID, job.ID, domain.JobUpdate{
		Status:       status,
		ErrorCode:    code,
		ErrorMessage: msg,
	}); err != nil {
		lg.Error("failure persist failed", slog.Any("error", err))
		return
	}

	key := dedupe.Key(job.UserID, job.ModelID, job.PromptFingerprint)
	if _, err := p.entries.Update(ctx, key, p.cfg.DedupeTTL(), func(e domain.DedupeEntry) domain.DedupeEntry {
		e.Status = status
		e.UpdatedTS = p.now().Unix()
		return e
	}); err != nil {
		lg.Warn("dedupe entry update failed", slog.Any("error", err))
	}
	lg.Info("job failure reconciled",
		slog.String("to", string(status)),
		slog.String("error_code", code))
}
