package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ferixdi-png/TRT-sub000/internal/adapter/catalog"
	"github.com/ferixdi-png/TRT-sub000/internal/adapter/chat"
	"github.com/ferixdi-png/TRT-sub000/internal/adapter/dedupe"
	"github.com/ferixdi-png/TRT-sub000/internal/adapter/events"
	"github.com/ferixdi-png/TRT-sub000/internal/adapter/kie"
	"github.com/ferixdi-png/TRT-sub000/internal/adapter/lock"
	"github.com/ferixdi-png/TRT-sub000/internal/adapter/storage"
	"github.com/ferixdi-png/TRT-sub000/internal/billing"
	"github.com/ferixdi-png/TRT-sub000/internal/config"
	"github.com/ferixdi-png/TRT-sub000/internal/delivery"
	"github.com/ferixdi-png/TRT-sub000/internal/domain"
	"github.com/ferixdi-png/TRT-sub000/internal/engine"
	"github.com/ferixdi-png/TRT-sub000/internal/observability"
	"github.com/ferixdi-png/TRT-sub000/internal/reconcile"
)

// Options carries the collaborators an embedding process injects. Both
// are optional: standalone runs fall back to the logging transport and
// skip orphan notifications.
type Options struct {
	// Transport delivers results to the chat platform.
	Transport domain.ChatTransport
	// NotifyOrphan tells the user a stranded generation was retired.
	NotifyOrphan reconcile.NotifyFunc
}

// Runtime is the fully wired orchestrator. Construct with NewRuntime,
// start the loops with Run, release resources with Close.
type Runtime struct {
	Cfg      config.Config
	Store    domain.Storage
	Entries  dedupe.Store
	Locks    lock.Locker
	Provider domain.ProviderClient
	Catalog  domain.Catalog
	Events   domain.Publisher
	Engine   *engine.Engine
	Delivery *delivery.Pipeline
	Billing  *billing.Gate
	Hub      *CallbackHub

	pending *reconcile.Pending
	orphans *reconcile.Orphans
	ready   *Readiness
	closers []func()
}

// NewRuntime wires every component from configuration. Redis backs the
// dedupe store and locks when REDIS_URL is set; otherwise both degrade
// to in-process implementations, which is single-instance safe only.
func NewRuntime(ctx context.Context, cfg config.Config, opts Options) (*Runtime, error) {
	rt := &Runtime{Cfg: cfg, ready: NewReadiness()}

	store, closeStore, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=app.wire: %w", err)
	}
	rt.Store = store
	rt.closers = append(rt.closers, closeStore)
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		rt.ready.Add("storage", p.Ping)
	}

	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("op=app.wire: parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(ropts)
		rt.closers = append(rt.closers, func() { _ = rdb.Close() })
		rt.Entries = dedupe.NewFailover(
			dedupe.NewRedisStore(rdb, cfg.Tenant(), cfg.DedupeTTL()),
			dedupe.NewMemoryStore(),
		)
		rt.Locks = lock.NewRedisLocker(rdb, cfg.Tenant(), cfg.RedisConnectTimeout())
		rt.ready.Add("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	} else {
		rt.Entries = dedupe.NewMemoryStore()
		rt.Locks = lock.NewLocalLocker()
	}

	if cfg.KieStub {
		rt.Provider = kie.NewStub()
	} else {
		rt.Provider = kie.NewClient(cfg)
	}

	cat, err := catalog.Load(cfg.ModelCatalogPath)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("op=app.wire: %w", err)
	}
	rt.Catalog = cat

	pub, err := events.New(cfg)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("op=app.wire: %w", err)
	}
	rt.Events = pub
	rt.closers = append(rt.closers, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pub.Close(cctx)
	})

	rt.Hub = NewCallbackHub()
	rt.Engine = engine.New(engine.Deps{
		Config:   cfg,
		Storage:  rt.Store,
		Dedupe:   rt.Entries,
		Locks:    rt.Locks,
		Provider: rt.Provider,
		Catalog:  rt.Catalog,
		Events:   rt.Events,
		Wakeups:  rt.Hub,
	})
	rt.closers = append(rt.closers, rt.Engine.Close)

	transport := opts.Transport
	if transport == nil {
		transport = chat.NewLogging()
	}
	rt.Delivery = delivery.New(cfg, transport, rt.Store)
	rt.Billing = billing.New(cfg, rt.Store)

	rt.pending = reconcile.NewPending(cfg, rt.Store, rt.Entries, rt.Provider,
		rt.Catalog, rt.Engine, rt.Delivery, rt.Billing)
	rt.orphans = reconcile.NewOrphans(cfg, rt.Store, rt.Entries, rt.Provider, opts.NotifyOrphan)

	return rt, nil
}

// Run starts the reconcilers and the ops HTTP server and blocks until
// ctx is canceled, then drains everything within the shutdown timeout.
func (rt *Runtime) Run(ctx context.Context) error {
	lg := observability.LoggerFromContext(ctx)

	var wg sync.WaitGroup
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	wg.Add(2)
	go func() {
		defer wg.Done()
		rt.pending.Run(loopCtx)
	}()
	go func() {
		defer wg.Done()
		rt.orphans.Run(loopCtx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", rt.Cfg.OpsPort),
		Handler:           BuildRouter(rt.Cfg, rt.Hub, rt.ready),
		ReadTimeout:       rt.Cfg.HTTPReadTimeout,
		WriteTimeout:      rt.Cfg.HTTPWriteTimeout,
		IdleTimeout:       rt.Cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		lg.Info("ops server starting", slog.Int("port", rt.Cfg.OpsPort))
		errCh <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("op=app.run: ops server: %w", err)
			lg.Error("ops server failed", slog.Any("error", err))
		}
	}

	stopLoops()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.Cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	wg.Wait()
	lg.Info("runtime stopped")
	return runErr
}

// Close releases wired resources in reverse construction order. Safe to
// call after a failed construction and idempotent.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
