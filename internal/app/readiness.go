package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ferixdi-png/TRT-sub000/internal/observability"
)

// readyCheckTimeout bounds each dependency probe so a hung backend
// cannot stall the readiness endpoint.
const readyCheckTimeout = 2 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) error

// Readiness aggregates named dependency checks behind /readyz. Checks
// are added for the backends the runtime actually wired; an instance on
// JSON storage without Redis has none and is always ready.
type Readiness struct {
	names  []string
	checks map[string]Check
}

// NewReadiness returns an empty check set.
func NewReadiness() *Readiness {
	return &Readiness{checks: make(map[string]Check)}
}

// Add registers a named check. Order of registration is the order of
// reporting.
func (rd *Readiness) Add(name string, check Check) {
	if _, dup := rd.checks[name]; !dup {
		rd.names = append(rd.names, name)
	}
	rd.checks[name] = check
}

// Run probes every dependency and returns the failures by name.
func (rd *Readiness) Run(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, name := range rd.names {
		cctx, cancel := context.WithTimeout(ctx, readyCheckTimeout)
		if err := rd.checks[name](cctx); err != nil {
			failures[name] = err
		}
		cancel()
	}
	return failures
}

// Handler serves /readyz: 200 with per-check status when every
// dependency answers, 503 naming the failed ones otherwise.
func (rd *Readiness) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		failures := rd.Run(r.Context())
		status := make(map[string]string, len(rd.names))
		for _, name := range rd.names {
			if err, bad := failures[name]; bad {
				status[name] = err.Error()
			} else {
				status[name] = "ok"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if len(failures) > 0 {
			observability.LoggerFromContext(r.Context()).Warn("readiness failed",
				"failed", len(failures), "checks", len(rd.names))
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ready":  len(failures) == 0,
			"checks": status,
		})
	}
}
