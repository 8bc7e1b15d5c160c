package app

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ferixdi-png/TRT-sub000/internal/config"
	"github.com/ferixdi-png/TRT-sub000/internal/observability"
)

// callbackBodyLimit bounds the provider callback payload. KIE posts the
// same record the poll endpoint returns, a few KiB at most.
const callbackBodyLimit = 1 << 20

// Notifier is the part of the callback hub the router needs.
type Notifier interface {
	Notify(taskID string) int
}

// BuildRouter constructs the ops HTTP handler: health, readiness,
// metrics, and the provider callback endpoint.
func BuildRouter(cfg config.Config, hub Notifier, ready *Readiness) http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(CorrID())
	r.Use(TimeoutMiddleware(15 * time.Second))
	r.Use(TraceMiddleware)
	r.Use(AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", ready.Handler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	r.Group(func(cb chi.Router) {
		cb.Use(httprate.LimitByIP(cfg.CallbackRateLimitPerMin, 1*time.Minute))
		cb.Post("/callbacks/kie", CallbackHandler(hub))
	})

	return SecurityHeaders(r)
}

// callbackPayload mirrors the provider's poll record envelope. Task id
// variants seen in the wild: data.taskId, top-level taskId.
type callbackPayload struct {
	Code int `json:"code"`
	Data struct {
		TaskID string `json:"taskId"`
		State  string `json:"state"`
	} `json:"data"`
	TaskID string `json:"taskId"`
}

// CallbackHandler accepts provider completion callbacks and wakes the
// pollers registered for the task. The callback is a latency shortcut
// only; the payload body is never trusted as a result source, the woken
// poller re-fetches task state through the authenticated client.
func CallbackHandler(hub Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lg := observability.LoggerFromContext(r.Context())

		body, err := io.ReadAll(io.LimitReader(r.Body, callbackBodyLimit))
		if err != nil {
			observability.CallbacksTotal.WithLabelValues("bad_request").Inc()
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}
		var payload callbackPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			observability.CallbacksTotal.WithLabelValues("bad_request").Inc()
			lg.Warn("callback payload malformed", "action", "KIE_CALLBACK", "error", err)
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}
		taskID := payload.Data.TaskID
		if taskID == "" {
			taskID = payload.TaskID
		}
		if taskID == "" {
			observability.CallbacksTotal.WithLabelValues("bad_request").Inc()
			lg.Warn("callback without task id", "action", "KIE_CALLBACK")
			http.Error(w, "missing taskId", http.StatusBadRequest)
			return
		}

		woken := hub.Notify(taskID)
		outcome := "accepted"
		if woken == 0 {
			// No poller waiting: job already settled or owned by another
			// instance. The pending reconciler covers the latter.
			outcome = "unmatched"
		}
		observability.CallbacksTotal.WithLabelValues(outcome).Inc()
		lg.Info("provider callback", "action", "KIE_CALLBACK",
			"task_id", taskID, "state", payload.Data.State, "woken", woken)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}
}
