// Package reconcile sweeps persisted state the run loops lost track of:
// jobs stuck mid-flight after a crash and dedupe entries that never got a
// provider task id.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/ferixdi-png/TRT-sub000/internal/observability"
)

// maxBackoffShift caps the failure backoff at 16x the sweep interval.
const maxBackoffShift = 4

// RunLoop executes sweep every interval until ctx is done. The first sweep
// runs immediately so crash recovery is not postponed by a full interval.
// A failing sweep stretches the next wait exponentially and the loop keeps
// going; a sweep error never terminates reconciliation.
func RunLoop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context) error) {
	lg := observability.LoggerFromContext(ctx).With(slog.String("loop", name))
	if interval <= 0 {
		interval = time.Minute
	}

	failures := 0
	for {
		err := sweep(ctx)
		if ctx.Err() != nil {
			lg.Info("reconcile loop stopped")
			return
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			failures++
			lg.Error("reconcile sweep failed",
				slog.Int("consecutive_failures", failures),
				slog.Any("error", err))
		} else {
			failures = 0
		}
		observability.ReconcileRunsTotal.WithLabelValues(name, outcome).Inc()

		delay := interval
		if failures > 0 {
			delay = interval << min(failures, maxBackoffShift)
		}
		select {
		case <-ctx.Done():
			lg.Info("reconcile loop stopped")
			return
		case <-time.After(delay):
		}
	}
}
