package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferixdi-png/TRT-sub000/internal/config"
)

type fakeNotifier struct {
	notified []string
	woken    int
}

func (f *fakeNotifier) Notify(taskID string) int {
	f.notified = append(f.notified, taskID)
	return f.woken
}

func newTestRouter(hub Notifier, ready *Readiness) http.Handler {
	cfg := config.Config{CallbackRateLimitPerMin: 1000}
	if ready == nil {
		ready = NewReadiness()
	}
	return BuildRouter(cfg, hub, ready)
}

func TestRouterHealthz(t *testing.T) {
	h := newTestRouter(&fakeNotifier{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterSecurityHeadersAndCorrID(t *testing.T) {
	h := newTestRouter(&fakeNotifier{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "corr-from-caller")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "corr-from-caller", rec.Header().Get("X-Request-Id"))
}

func TestRouterMetricsServed(t *testing.T) {
	h := newTestRouter(&fakeNotifier{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}

func TestRouterReadyz(t *testing.T) {
	ready := NewReadiness()
	ready.Add("storage", func(ctx context.Context) error { return nil })

	h := newTestRouter(&fakeNotifier{}, ready)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Ready)
	assert.Equal(t, "ok", body.Checks["storage"])
}

func TestRouterReadyzDependencyDown(t *testing.T) {
	ready := NewReadiness()
	ready.Add("storage", func(ctx context.Context) error { return nil })
	ready.Add("redis", func(ctx context.Context) error { return fmt.Errorf("connection refused") })

	h := newTestRouter(&fakeNotifier{}, ready)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Ready)
	assert.Equal(t, "ok", body.Checks["storage"])
	assert.Contains(t, body.Checks["redis"], "connection refused")
}

func TestCallbackWakesPoller(t *testing.T) {
	hub := &fakeNotifier{woken: 1}
	h := newTestRouter(hub, nil)

	payload := `{"code":200,"data":{"taskId":"task-9","state":"success"}}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/callbacks/kie", strings.NewReader(payload)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, []string{"task-9"}, hub.notified)
}

func TestCallbackTopLevelTaskID(t *testing.T) {
	hub := &fakeNotifier{}
	h := newTestRouter(hub, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/callbacks/kie", strings.NewReader(`{"taskId":"task-flat"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"task-flat"}, hub.notified)
}

func TestCallbackUnmatchedStillAccepted(t *testing.T) {
	// woken == 0: job settled already or owned by another instance. The
	// provider must still get a 200 so it stops retrying.
	hub := &fakeNotifier{woken: 0}
	h := newTestRouter(hub, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/callbacks/kie", strings.NewReader(`{"data":{"taskId":"task-gone"}}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCallbackMalformedBody(t *testing.T) {
	hub := &fakeNotifier{}
	h := newTestRouter(hub, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/callbacks/kie", strings.NewReader(`{nope`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, hub.notified)
}

func TestCallbackMissingTaskID(t *testing.T) {
	hub := &fakeNotifier{}
	h := newTestRouter(hub, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/callbacks/kie", strings.NewReader(`{"code":200,"data":{"state":"success"}}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, hub.notified)
}

func TestCallbackRateLimited(t *testing.T) {
	cfg := config.Config{CallbackRateLimitPerMin: 2}
	h := BuildRouter(cfg, &fakeNotifier{}, NewReadiness())

	body := `{"data":{"taskId":"task-1"}}`
	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/callbacks/kie", strings.NewReader(body)))
		statuses = append(statuses, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)
}

func TestCallbackRateLimitSparesOpsEndpoints(t *testing.T) {
	cfg := config.Config{CallbackRateLimitPerMin: 1}
	h := BuildRouter(cfg, &fakeNotifier{}, NewReadiness())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}
