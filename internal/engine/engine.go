package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/ferixdi-png/TRT-sub000/internal/adapter/dedupe"
	"github.com/ferixdi-png/TRT-sub000/internal/adapter/lock"
	"github.com/ferixdi-png/TRT-sub000/internal/config"
	"github.com/ferixdi-png/TRT-sub000/internal/domain"
	"github.com/ferixdi-png/TRT-sub000/internal/observability"
)

const (
	defaultPollInterval = 2 * time.Second
	cancelGrace         = 5 * time.Second

	submitLockTTL      = 30 * time.Second
	submitLockWait     = 12 * time.Second
	submitLockAttempts = 24
)

// Wakeups shortcuts poll sleeps when a provider callback for the task
// arrives. Implemented by the ops server's callback hub.
type Wakeups interface {
	Register(taskID string) (wake <-chan struct{}, cancel func())
}

// GenerationRequest carries one user submission into RunGeneration.
type GenerationRequest struct {
	UserID            int64          `validate:"required,gt=0"`
	ChatID            int64          `validate:"required"`
	ModelID           string         `validate:"required,max=128"`
	Params            map[string]any `validate:"-"`
	RequestID         string         `validate:"max=128"`
	PromptFingerprint string         `validate:"required,max=256"`
	JobID             string
	CorrID            string

	// Timeout overrides the configured job timeout; zero keeps the default.
	Timeout      time.Duration
	PollInterval time.Duration

	// OnProgress, when set, is told about coarse phase changes.
	OnProgress func(stage string)
	// OnWaitingTimeout fires when the task sits in the provider queue beyond
	// the watchdog window. It may return a replacement task id to poll
	// instead.
	OnWaitingTimeout func(ctx context.Context, taskID string) (newTaskID string, ok bool)
}

// SubmitOutcome reports how a submission landed: a fresh provider task, or
// attachment to an identical generation already in flight.
type SubmitOutcome struct {
	Job     domain.Job
	Deduped bool
}

// Deps wires the engine's collaborators.
type Deps struct {
	Config   config.Config
	Storage  domain.Storage
	Dedupe   dedupe.Store
	Locks    lock.Locker
	Provider domain.ProviderClient
	Catalog  domain.Catalog
	Events   domain.Publisher
	Wakeups  Wakeups
}

// Engine runs generations end to end: validate, submit, poll, resolve,
// return. One goroutine per in-flight generation.
type Engine struct {
	cfg      config.Config
	store    domain.Storage
	dedupe   dedupe.Store
	locks    lock.Locker
	provider domain.ProviderClient
	catalog  domain.Catalog
	events   domain.Publisher
	wakeups  Wakeups
	tracker  *Tracker
	norm     *Normalizer
	check    *URLChecker

	attachWait time.Duration
	attachPoll time.Duration
	now        func() time.Time
}

// New builds an Engine. Call Close on shutdown to stop the tracker.
func New(d Deps) *Engine {
	return &Engine{
		cfg:        d.Config,
		store:      d.Storage,
		dedupe:     d.Dedupe,
		locks:      d.Locks,
		provider:   d.Provider,
		catalog:    d.Catalog,
		events:     d.Events,
		wakeups:    d.Wakeups,
		tracker:    NewTracker(),
		norm:       NewNormalizer(d.Config.KieResultCDNBaseURL),
		check:      NewURLChecker(d.Config.KieTimeout()),
		attachWait: 10 * time.Second,
		attachPoll: 500 * time.Millisecond,
		now:        time.Now,
	}
}

// Close stops background goroutines.
func (e *Engine) Close() { e.tracker.Stop() }

// RunGeneration executes one generation end to end and returns its result.
// Duplicate submissions of the same (user, model, fingerprint) attach to
// the generation already in flight instead of creating a second provider
// task.
func (e *Engine) RunGeneration(ctx context.Context, req GenerationRequest) (domain.JobResult, error) {
	if req.CorrID == "" {
		req.CorrID = uuid.NewString()
	}
	ctx = observability.ContextWithCorrID(ctx, req.CorrID)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.JobTimeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lg := observability.LoggerFromContext(ctx).With(
		slog.String("corr_id", req.CorrID),
		slog.String("model", req.ModelID),
		slog.Int64("user_id", req.UserID))

	if err := getValidator().Struct(req); err != nil {
		var ve validator.ValidationErrors
		fields := make([]string, 0, 4)
		if errors.As(err, &ve) {
			for _, fe := range ve {
				fields = append(fields, strings.ToLower(fe.Field()))
			}
		}
		return domain.JobResult{}, domain.Errorf(domain.CodeParamMissing,
			"request rejected, bad fields: %s", strings.Join(fields, ", ")).
			WithCorrID(req.CorrID)
	}

	spec, err := e.catalog.Resolve(req.ModelID)
	if err != nil {
		return domain.JobResult{}, err
	}
	if _, ok := spec.SKUFor(req.Params); !ok {
		return domain.JobResult{}, domain.Errorf(domain.CodePricingNotFound,
			"no price configured for model %s with these parameters", req.ModelID).
			WithHint("pick a different variant").WithCorrID(req.CorrID)
	}
	payload, err := BuildPayload(spec, req.Params)
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			de.WithCorrID(req.CorrID)
		}
		return domain.JobResult{}, err
	}

	outcome, err := e.submit(ctx, lg, spec, req, payload)
	if err != nil {
		return domain.JobResult{}, err
	}
	job := outcome.Job
	key := dedupe.Key(req.UserID, req.ModelID, req.PromptFingerprint)

	if outcome.Deduped {
		lg.Info("attached to existing generation",
			slog.String("job_id", job.ID),
			slog.String("task_id", job.ProviderTaskID),
			slog.String("status", string(job.Status)))
		switch job.Status {
		case domain.JobCompleted, domain.JobDelivered:
			return e.resultFromJob(job, spec), nil
		case domain.JobFailed, domain.JobCanceled:
			code := job.ErrorCode
			if code == "" {
				code = domain.CodeKieFailState
			}
			msg := job.ErrorMessage
			if msg == "" {
				msg = "generation failed"
			}
			return domain.JobResult{}, domain.NewError(code, msg).WithCorrID(req.CorrID)
		}
	} else {
		started := e.now()
		defer func() { observability.FinishGeneration(req.ModelID, string(job.Status), started) }()
	}

	if req.OnProgress != nil {
		req.OnProgress("queued")
	}

	task, job, err := e.watch(ctx, lg, req, spec, job, key)
	if err != nil {
		return domain.JobResult{}, err
	}

	res, job, err := e.resolve(ctx, lg, spec, job, task, key, req.CorrID)
	if err != nil {
		return domain.JobResult{}, err
	}
	return res, nil
}

// ResolveResult normalizes and validates a succeeded provider task and
// persists the completed status with its result URLs. Shared with the
// pending reconciler, which finds succeeded tasks outside a run loop.
func (e *Engine) ResolveResult(ctx context.Context, job domain.Job, task domain.ProviderTask) (domain.JobResult, domain.Job, error) {
	spec, err := e.catalog.Resolve(job.ModelID)
	if err != nil {
		// The model may have left the catalog since the job was submitted;
		// a document spec still delivers safely.
		spec = domain.ModelSpec{ID: job.ModelID, Media: domain.MediaDocument}
	}
	key := dedupe.Key(job.UserID, job.ModelID, job.PromptFingerprint)
	corrID := observability.CorrIDFromContext(ctx)
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("model", job.ModelID),
		slog.Int64("user_id", job.UserID))
	return e.resolve(ctx, lg, spec, job, task, key, corrID)
}

// submit records the dedupe claim and creates the provider task. The
// distributed lock on the dedupe key serializes racing submitters across
// processes; the tracker absorbs same-process double clicks first.
func (e *Engine) submit(ctx context.Context, lg *slog.Logger, spec domain.ModelSpec, req GenerationRequest, payload map[string]any) (SubmitOutcome, error) {
	key := dedupe.Key(req.UserID, req.ModelID, req.PromptFingerprint)

	if tracked, won := e.tracker.Claim(req.UserID, req.ModelID, req.PromptFingerprint, req.JobID); !won {
		observability.DedupeHitsTotal.WithLabelValues("tracker").Inc()
		lg.Info("duplicate submission absorbed by tracker", slog.String("job_id", tracked.JobID))
		job, err := e.attach(ctx, req, key)
		if err != nil {
			return SubmitOutcome{}, err
		}
		return SubmitOutcome{Job: job, Deduped: true}, nil
	}

	handle, err := e.locks.Acquire(ctx, "gen:"+key, submitLockTTL, submitLockWait, submitLockAttempts)
	if err != nil {
		e.tracker.Forget(req.UserID, req.ModelID, req.PromptFingerprint)
		return SubmitOutcome{}, domain.NewError(domain.CodeInternal, "could not serialize the submission").
			WithCorrID(req.CorrID).Wrap(err)
	}

	entry, found, err := e.dedupe.Get(ctx, key)
	if err == nil && found && entry.Live() {
		_ = handle.Release(ctx)
		e.tracker.Forget(req.UserID, req.ModelID, req.PromptFingerprint)
		observability.DedupeHitsTotal.WithLabelValues("store").Inc()
		lg.Info("duplicate submission absorbed by dedupe store", slog.String("job_id", entry.JobID))
		job, aerr := e.attach(ctx, req, key)
		if aerr != nil {
			return SubmitOutcome{}, aerr
		}
		return SubmitOutcome{Job: job, Deduped: true}, nil
	}

	now := e.now().UTC()
	job := domain.Job{
		ID:                req.JobID,
		RequestID:         req.RequestID,
		UserID:            req.UserID,
		ChatID:            req.ChatID,
		ModelID:           req.ModelID,
		PromptFingerprint: req.PromptFingerprint,
		Params:            req.Params,
		Status:            domain.JobCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if job.ID == "" {
		job.ID = newJobID()
	}

	if err := e.dedupe.Set(ctx, key, domain.DedupeEntry{
		JobID:     job.ID,
		Status:    domain.JobCreated,
		RequestID: req.RequestID,
		MediaType: spec.Media,
		UpdatedTS: now.Unix(),
	}, e.cfg.DedupeTTL()); err != nil {
		lg.Warn("dedupe entry write failed", slog.Any("error", err))
	}
	if err := e.store.AddGenerationJob(ctx, job); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Replayed request id: join the stored job.
			if existing, gerr := e.store.GetJob(ctx, req.UserID, job.ID); gerr == nil {
				_ = handle.Release(ctx)
				return SubmitOutcome{Job: existing, Deduped: true}, nil
			}
		}
		_ = handle.Release(ctx)
		e.tracker.Forget(req.UserID, req.ModelID, req.PromptFingerprint)
		return SubmitOutcome{}, err
	}
	if req.RequestID != "" {
		_ = e.dedupe.SetRequestIndex(ctx, req.RequestID, key)
	}
	_ = handle.Release(ctx)

	observability.StartGeneration(req.ModelID)

	createStart := e.now()
	taskID, err := e.provider.CreateTask(ctx, spec.ProviderModel, payload, e.callbackURL())
	if err != nil {
		lg.Error("provider task create failed",
			slog.String("action", "KIE_CREATE"),
			slog.Int64("duration_ms", time.Since(createStart).Milliseconds()),
			slog.Any("error", err))
		e.tracker.Forget(req.UserID, req.ModelID, req.PromptFingerprint)
		e.markEntry(ctx, key, domain.JobFailed)
		job = e.transition(ctx, job, domain.JobUpdate{
			Status:       domain.JobFailed,
			ErrorCode:    domain.CodeOf(err),
			ErrorMessage: err.Error(),
		}, req.CorrID)
		observability.FinishGeneration(req.ModelID, string(domain.JobFailed), createStart)
		var de *domain.Error
		if errors.As(err, &de) {
			de.WithCorrID(req.CorrID)
		}
		return SubmitOutcome{}, err
	}
	lg.Info("provider task created",
		slog.String("action", "KIE_CREATE"),
		slog.String("task_id", taskID),
		slog.String("job_id", job.ID),
		slog.Int64("duration_ms", time.Since(createStart).Milliseconds()))

	e.tracker.SetTaskID(req.UserID, req.ModelID, req.PromptFingerprint, taskID)
	job = e.transition(ctx, job, domain.JobUpdate{Status: domain.JobQueued, TaskID: taskID}, req.CorrID)
	if err := e.dedupe.SetTaskIndex(ctx, job.ID, taskID); err != nil {
		lg.Warn("task index write failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	e.updateEntry(ctx, key, func(en domain.DedupeEntry) domain.DedupeEntry {
		en.JobID = job.ID
		en.ProviderTaskID = taskID
		en.Status = domain.JobQueued
		en.UpdatedTS = e.now().Unix()
		return en
	})

	return SubmitOutcome{Job: job}, nil
}

// watch polls the provider until the task is terminal, the attempt budget
// runs out, or the context ends.
func (e *Engine) watch(ctx context.Context, lg *slog.Logger, req GenerationRequest, spec domain.ModelSpec, job domain.Job, key string) (domain.ProviderTask, domain.Job, error) {
	base := req.PollInterval
	if base <= 0 && spec.PollSeconds > 0 {
		base = time.Duration(spec.PollSeconds) * time.Second
	}
	if base <= 0 {
		base = defaultPollInterval
	}
	maxDelay := e.cfg.KieRetryMax()
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}

	var wake <-chan struct{}
	cancelWake := func() {}
	if e.wakeups != nil {
		wake, cancelWake = e.wakeups.Register(job.ProviderTaskID)
	}
	defer func() { cancelWake() }()

	watchdog := e.cfg.KieWaitingTimeout()
	var queuedSince time.Time
	watchdogArmed := watchdog > 0
	progressed := false

	for attempt := 1; ; attempt++ {
		if attempt > e.cfg.KiePollMaxAttempts {
			return e.timeoutJob(ctx, lg, job, key,
				fmt.Sprintf("not terminal after %d polls", attempt-1), req.CorrID)
		}

		pollStart := e.now()
		task, err := e.provider.TaskStatus(ctx, job.ProviderTaskID)
		if err != nil {
			if ctx.Err() != nil {
				return e.interrupt(ctx, lg, job, key, req.CorrID)
			}
			if domain.Retryable(err) {
				lg.Warn("provider poll failed, will retry",
					slog.String("action", "KIE_POLL"),
					slog.String("task_id", job.ProviderTaskID),
					slog.Int("attempt", attempt),
					slog.Any("error", err))
				if e.pause(ctx, base, maxDelay, attempt, wake) {
					return e.interrupt(ctx, lg, job, key, req.CorrID)
				}
				continue
			}
			job = e.transition(ctx, job, domain.JobUpdate{
				Status:       domain.JobFailed,
				ErrorCode:    domain.CodeOf(err),
				ErrorMessage: err.Error(),
			}, req.CorrID)
			e.markEntry(ctx, key, domain.JobFailed)
			e.tracker.Forget(job.UserID, job.ModelID, job.PromptFingerprint)
			return domain.ProviderTask{}, job, err
		}

		lg.Info("provider task polled",
			slog.String("action", "KIE_POLL"),
			slog.String("task_id", job.ProviderTaskID),
			slog.String("state", string(task.State)),
			slog.Int("attempt", attempt),
			slog.Int64("duration_ms", time.Since(pollStart).Milliseconds()))

		switch task.State {
		case domain.StateSucceeded:
			job = e.transition(ctx, job, domain.JobUpdate{Status: domain.JobSucceeded}, req.CorrID)
			return task, job, nil

		case domain.StateFailed:
			msg := task.FailMsg
			if msg == "" {
				msg = "generation failed on the provider side"
			}
			job = e.transition(ctx, job, domain.JobUpdate{
				Status:       domain.JobFailed,
				ErrorCode:    domain.CodeKieFailState,
				ErrorMessage: msg,
			}, req.CorrID)
			e.markEntry(ctx, key, domain.JobFailed)
			e.tracker.Forget(job.UserID, job.ModelID, job.PromptFingerprint)
			ferr := domain.Errorf(domain.CodeKieFailState, "%s", msg).
				WithHint("retry, or adjust the prompt").WithCorrID(req.CorrID)
			if task.FailCode != "" {
				ferr = ferr.Wrap(fmt.Errorf("provider fail code %s", task.FailCode))
			}
			return task, job, ferr

		case domain.StateCanceled:
			job = e.transition(ctx, job, domain.JobUpdate{Status: domain.JobCanceled, ErrorCode: domain.CodeCanceled}, req.CorrID)
			e.markEntry(ctx, key, domain.JobCanceled)
			e.tracker.Forget(job.UserID, job.ModelID, job.PromptFingerprint)
			return task, job, domain.NewError(domain.CodeCanceled, "generation canceled on the provider side").
				WithCorrID(req.CorrID)

		case domain.StateQueued:
			job = e.transition(ctx, job, domain.JobUpdate{Status: domain.JobQueued}, req.CorrID)
			if queuedSince.IsZero() {
				queuedSince = e.now()
			}
			if watchdogArmed && e.now().Sub(queuedSince) >= watchdog {
				switched := false
				if req.OnWaitingTimeout != nil {
					if newID, ok := req.OnWaitingTimeout(ctx, job.ProviderTaskID); ok && newID != "" && newID != job.ProviderTaskID {
						lg.Warn("switching to replacement task after waiting timeout",
							slog.String("task_id", job.ProviderTaskID),
							slog.String("new_task_id", newID))
						job = e.transition(ctx, job, domain.JobUpdate{TaskID: newID}, req.CorrID)
						if err := e.dedupe.SetTaskIndex(ctx, job.ID, newID); err != nil {
							lg.Warn("task index write failed", slog.String("job_id", job.ID), slog.Any("error", err))
						}
						e.updateEntry(ctx, key, func(en domain.DedupeEntry) domain.DedupeEntry {
							en.ProviderTaskID = newID
							en.UpdatedTS = e.now().Unix()
							return en
						})
						cancelWake()
						if e.wakeups != nil {
							wake, cancelWake = e.wakeups.Register(newID)
						}
						queuedSince = time.Time{}
						switched = true
					}
				}
				if !switched {
					return e.timeoutJob(ctx, lg, job, key, "stuck in the provider queue", req.CorrID)
				}
			}

		default: // running or unknown
			job = e.transition(ctx, job, domain.JobUpdate{Status: domain.JobRunning}, req.CorrID)
			queuedSince = time.Time{}
			if !progressed && req.OnProgress != nil {
				progressed = true
				req.OnProgress("running")
			}
		}

		if e.pause(ctx, base, maxDelay, attempt, wake) {
			return e.interrupt(ctx, lg, job, key, req.CorrID)
		}
	}
}

// resolve turns a succeeded provider task into a validated, persisted
// result.
func (e *Engine) resolve(ctx context.Context, lg *slog.Logger, spec domain.ModelSpec, job domain.Job, task domain.ProviderTask, key, corrID string) (domain.JobResult, domain.Job, error) {
	parseStart := e.now()
	res, err := e.norm.Normalize(task, spec)
	if err == nil {
		err = e.check.Check(ctx, res.URLs, res.MediaType)
	}
	if err != nil {
		lg.Warn("provider result rejected",
			slog.String("action", "KIE_PARSE"),
			slog.String("task_id", task.TaskID),
			slog.Int64("duration_ms", time.Since(parseStart).Milliseconds()),
			slog.Any("error", err))
		job = e.transition(ctx, job, domain.JobUpdate{
			Status:       domain.JobFailed,
			ErrorCode:    domain.CodeOf(err),
			ErrorMessage: err.Error(),
		}, corrID)
		e.markEntry(ctx, key, domain.JobFailed)
		e.tracker.Forget(job.UserID, job.ModelID, job.PromptFingerprint)
		var de *domain.Error
		if errors.As(err, &de) {
			de.WithCorrID(corrID)
		}
		return domain.JobResult{}, job, err
	}

	lg.Info("provider result parsed",
		slog.String("action", "KIE_PARSE"),
		slog.String("task_id", task.TaskID),
		slog.String("media", string(res.MediaType)),
		slog.Int("urls", len(res.URLs)),
		slog.Int64("duration_ms", time.Since(parseStart).Milliseconds()))

	job = e.transition(ctx, job, domain.JobUpdate{
		Status:     domain.JobCompleted,
		ResultURLs: res.URLs,
		ResultText: res.Text,
	}, corrID)
	e.updateEntry(ctx, key, func(en domain.DedupeEntry) domain.DedupeEntry {
		en.Status = domain.JobCompleted
		en.ResultURLs = res.URLs
		en.ResultText = res.Text
		en.MediaType = res.MediaType
		en.UpdatedTS = e.now().Unix()
		return en
	})
	e.tracker.Forget(job.UserID, job.ModelID, job.PromptFingerprint)
	return res, job, nil
}

// attach waits for the winning submission to expose its job so a duplicate
// caller can join the same generation.
func (e *Engine) attach(ctx context.Context, req GenerationRequest, key string) (domain.Job, error) {
	deadline := e.now().Add(e.attachWait)
	for {
		entry, ok, err := e.dedupe.Get(ctx, key)
		if err == nil && ok && entry.JobID != "" {
			settled := entry.ProviderTaskID != "" || entry.Status.Terminal() || entry.Status == domain.JobCompleted
			if settled {
				job, gerr := e.store.GetJob(ctx, req.UserID, entry.JobID)
				if gerr != nil {
					return domain.Job{}, gerr
				}
				return job, nil
			}
		}
		if !e.now().Before(deadline) {
			return domain.Job{}, domain.NewError(domain.CodeKieTimeout,
				"an identical generation is still being submitted").
				WithHint("retry in a moment").WithCorrID(req.CorrID)
		}
		select {
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		case <-time.After(e.attachPoll):
		}
	}
}

// interrupt handles a dead context inside the poll loop: cancellation runs
// a compensating provider cancel, the job timeout marks the job for the
// reconciler. Persistence runs on a detached context.
func (e *Engine) interrupt(ctx context.Context, lg *slog.Logger, job domain.Job, key, corrID string) (domain.ProviderTask, domain.Job, error) {
	cause := ctx.Err()
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelGrace)
	defer cancel()

	if errors.Is(cause, context.Canceled) {
		if tc, ok := e.provider.(domain.TaskCanceler); ok && job.ProviderTaskID != "" {
			if err := tc.CancelTask(bg, job.ProviderTaskID); err != nil {
				lg.Warn("provider cancel failed",
					slog.String("task_id", job.ProviderTaskID),
					slog.Any("error", err))
			}
		}
		lg.Info("generation canceled", slog.String("task_id", job.ProviderTaskID))
		job = e.transition(bg, job, domain.JobUpdate{Status: domain.JobCanceled, ErrorCode: domain.CodeCanceled}, corrID)
		e.markEntry(bg, key, domain.JobCanceled)
		e.tracker.Forget(job.UserID, job.ModelID, job.PromptFingerprint)
		return domain.ProviderTask{}, job, domain.NewError(domain.CodeCanceled, "generation canceled").
			WithCorrID(corrID)
	}

	lg.Warn("generation exceeded the job timeout", slog.String("task_id", job.ProviderTaskID))
	job = e.transition(bg, job, domain.JobUpdate{
		Status:       domain.JobTimeout,
		ErrorCode:    domain.CodeKieTimeout,
		ErrorMessage: "job timeout exceeded",
	}, corrID)
	e.markEntry(bg, key, domain.JobTimeout)
	e.tracker.Forget(job.UserID, job.ModelID, job.PromptFingerprint)
	return domain.ProviderTask{}, job, domain.Errorf(domain.CodeKieTimeout,
		"generation still running after %s", e.cfg.JobTimeout()).
		WithHint("the result will be delivered when ready, or retry later").WithCorrID(corrID)
}

func (e *Engine) timeoutJob(ctx context.Context, lg *slog.Logger, job domain.Job, key, why, corrID string) (domain.ProviderTask, domain.Job, error) {
	lg.Warn("generation timed out",
		slog.String("task_id", job.ProviderTaskID),
		slog.String("reason", why))
	job = e.transition(ctx, job, domain.JobUpdate{
		Status:       domain.JobTimeout,
		ErrorCode:    domain.CodeKieTimeout,
		ErrorMessage: why,
	}, corrID)
	e.markEntry(ctx, key, domain.JobTimeout)
	e.tracker.Forget(job.UserID, job.ModelID, job.PromptFingerprint)
	return domain.ProviderTask{}, job, domain.Errorf(domain.CodeKieTimeout, "generation timed out: %s", why).
		WithHint("the result will be delivered when ready, or retry later").WithCorrID(corrID)
}

// pause sleeps min(max, base*2^(attempt-1)) plus jitter, or less when the
// context ends or a provider callback wakes the loop. Reports whether the
// context is done.
func (e *Engine) pause(ctx context.Context, base, max time.Duration, attempt int, wake <-chan struct{}) bool {
	timer := time.NewTimer(pollDelay(base, max, attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
	case <-wake:
	}
	return false
}

func pollDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	d := base << shift
	if d <= 0 || d > max {
		d = max
	}
	return d + rand.N(base)
}

// transition persists a status change and publishes the transition event.
// A dropped (disallowed) transition is returned as the stored job without
// an event.
func (e *Engine) transition(ctx context.Context, job domain.Job, upd domain.JobUpdate, corrID string) domain.Job {
	prev := job.Status
	updated, err := e.store.UpdateJobStatus(ctx, job.UserID, job.ID, upd)
	if err != nil {
		observability.LoggerFromContext(ctx).Error("job status update failed",
			slog.String("job_id", job.ID),
			slog.String("status", string(upd.Status)),
			slog.Any("error", err))
		return job
	}
	if updated.Status != prev {
		e.publish(ctx, updated, prev, corrID)
	}
	return updated
}

func (e *Engine) publish(ctx context.Context, job domain.Job, from domain.JobStatus, corrID string) {
	if e.events == nil {
		return
	}
	ev := domain.JobTransitionEvent{
		JobID:         job.ID,
		UserID:        job.UserID,
		ModelID:       job.ModelID,
		From:          from,
		To:            job.Status,
		TaskID:        job.ProviderTaskID,
		CorrelationID: corrID,
		At:            e.now().UTC(),
	}
	if err := e.events.PublishTransition(ctx, ev); err != nil {
		observability.LoggerFromContext(ctx).Warn("transition event publish failed",
			slog.String("job_id", job.ID),
			slog.Any("error", err))
	}
}

// updateEntry applies a read-modify-write to the dedupe entry, logging
// instead of failing: the entry is advisory next to the job row.
func (e *Engine) updateEntry(ctx context.Context, key string, fn func(domain.DedupeEntry) domain.DedupeEntry) {
	if _, err := e.dedupe.Update(ctx, key, e.cfg.DedupeTTL(), fn); err != nil {
		observability.LoggerFromContext(ctx).Warn("dedupe entry update failed",
			slog.String("key", key),
			slog.Any("error", err))
	}
}

func (e *Engine) markEntry(ctx context.Context, key string, status domain.JobStatus) {
	e.updateEntry(ctx, key, func(en domain.DedupeEntry) domain.DedupeEntry {
		en.Status = status
		en.UpdatedTS = e.now().Unix()
		return en
	})
}

func (e *Engine) resultFromJob(job domain.Job, spec domain.ModelSpec) domain.JobResult {
	media := spec.Media
	if len(job.ResultURLs) > 0 {
		if m := mediaFromURL(job.ResultURLs[0]); m != "" {
			media = m
		}
	} else if job.ResultText != "" {
		media = domain.MediaText
	}
	return domain.JobResult{
		TaskID:    job.ProviderTaskID,
		State:     domain.StateSucceeded,
		MediaType: media,
		URLs:      job.ResultURLs,
		Text:      job.ResultText,
	}
}

func (e *Engine) callbackURL() string {
	if e.cfg.CallbackBaseURL == "" {
		return ""
	}
	return strings.TrimRight(e.cfg.CallbackBaseURL, "/") + "/callbacks/kie"
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// newJobID returns a lexicographically sortable job identifier.
func newJobID() string {
	return ulid.Make().String()
}
