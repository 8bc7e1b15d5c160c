package kie

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferixdi-png/TRT-sub000/internal/config"
	"github.com/ferixdi-png/TRT-sub000/internal/domain"
	"github.com/ferixdi-png/TRT-sub000/internal/observability"
)

func testConfig(baseURL string) config.Config {
	return config.Config{
		AppEnv:              "test",
		KieAPIKey:           "test-key",
		KieAPIURL:           baseURL,
		KieTimeoutSeconds:   5,
		KieRetryMaxAttempts: 2,
		KiePollMaxAttempts:  10,
	}
}

func TestCreateTaskSuccess(t *testing.T) {
	var gotAuth, gotCorr string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, createTaskPath, r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotCorr = r.Header.Get("X-Request-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"code":200,"data":{"taskId":"task-123"}}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	ctx := observability.ContextWithCorrID(context.Background(), "corr-9")
	id, err := c.CreateTask(ctx, "veo-3", map[string]any{"prompt": "a fox"}, "https://cb.example.com/kie")
	require.NoError(t, err)
	assert.Equal(t, "task-123", id)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "corr-9", gotCorr)
	assert.Equal(t, "veo-3", gotBody["model"])
	assert.Equal(t, "https://cb.example.com/kie", gotBody["callBackUrl"])
	input, ok := gotBody["input"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a fox", input["prompt"])
}

func TestCreateTaskMissingTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"code":200,"data":{}}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.CreateTask(context.Background(), "veo-3", nil, "")
	require.Error(t, err)
	assert.Equal(t, domain.CodeKieValidation, domain.CodeOf(err))
}

func TestCreateTaskUnauthorizedDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.CreateTask(context.Background(), "veo-3", nil, "")
	require.Error(t, err)
	assert.Equal(t, domain.CodeKieAuth, domain.CodeOf(err))
	assert.Equal(t, "check KIE_API_KEY", domain.HintOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCreateTaskRetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"code":200,"data":{"taskId":"t2"}}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	id, err := c.CreateTask(context.Background(), "veo-3", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "t2", id)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCreateTaskServerErrorExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.CreateTask(context.Background(), "veo-3", nil, "")
	require.Error(t, err)
	assert.Equal(t, domain.CodeKieServerError, domain.CodeOf(err))
	// KIE_RETRY_MAX_ATTEMPTS retries plus the initial attempt.
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestEnvelopeErrorCodeIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"code":402,"msg":"insufficient credits"}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.CreateTask(context.Background(), "veo-3", nil, "")
	require.Error(t, err)
	assert.Equal(t, domain.CodeKiePaymentRequired, domain.CodeOf(err))
}

func TestTaskStatusParsesFlexibleFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, recordInfoPath, r.URL.Path)
		require.Equal(t, "task-7", r.URL.Query().Get("taskId"))
		// resultUrls JSON-encoded inside a string, failCode numeric.
		fmt.Fprint(w, `{"code":200,"data":{"taskId":"task-7","state":"SUCCESS","resultJson":"{\"resultUrls\":[\"https://cdn.example.com/a.png\"]}","resultUrls":"[\"https://cdn.example.com/a.png\"]","failCode":422,"completeTime":1736160000}}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	task, err := c.TaskStatus(context.Background(), "task-7")
	require.NoError(t, err)
	assert.Equal(t, "task-7", task.TaskID)
	assert.Equal(t, domain.StateSucceeded, task.State)
	assert.Equal(t, "SUCCESS", task.RawState)
	assert.Equal(t, []string{"https://cdn.example.com/a.png"}, task.ResultURLs)
	assert.Equal(t, "422", task.FailCode)
	assert.Equal(t, int64(1736160000), task.CompleteTime)
}

func TestTaskStatusSingleBareURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"code":200,"data":{"taskId":"t","state":"success","resultUrls":"https://cdn.example.com/only.mp4"}}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	task, err := c.TaskStatus(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example.com/only.mp4"}, task.ResultURLs)
}

func TestCancelTask(t *testing.T) {
	var gotTask string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, cancelTaskPath, r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotTask = body["taskId"]
		fmt.Fprint(w, `{"code":200}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	require.NoError(t, c.CancelTask(context.Background(), "task-9"))
	assert.Equal(t, "task-9", gotTask)
}

func TestResolveDownloadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, downloadURLPath, r.URL.Path)
		fmt.Fprint(w, `{"code":200,"data":{"url":"https://direct.example.com/a.png"}}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	u, err := c.ResolveDownloadURL(context.Background(), "https://cdn.example.com/a.png")
	require.NoError(t, err)
	assert.Equal(t, "https://direct.example.com/a.png", u)
}

func TestWaitForTaskReachesTerminal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			fmt.Fprint(w, `{"code":200,"data":{"taskId":"t","state":"generating"}}`)
			return
		}
		fmt.Fprint(w, `{"code":200,"data":{"taskId":"t","state":"success","resultUrls":["https://cdn.example.com/r.png"]}}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	task, err := c.WaitForTask(context.Background(), "t", 5*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, task.State)
}

func TestWaitForTaskTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"code":200,"data":{"taskId":"t","state":"waiting"}}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.WaitForTask(context.Background(), "t", 50*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, domain.CodeKieTimeout, domain.CodeOf(err))
}

func TestOpenBreakerFailsFast(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.KieCircuitBreakerEnabled = true
	cfg.KieCBFailureThreshold = 1
	cfg.KieCBSuccessThreshold = 1
	cfg.KieCBTimeout = 60
	c := NewClient(cfg)

	_, err := c.CreateTask(context.Background(), "veo-3", nil, "")
	require.Error(t, err)
	before := atomic.LoadInt32(&calls)

	_, err = c.CreateTask(context.Background(), "veo-3", nil, "")
	require.Error(t, err)
	assert.Equal(t, domain.CodeCircuitOpen, domain.CodeOf(err))
	assert.Equal(t, before, atomic.LoadInt32(&calls), "open breaker must not reach the provider")
}
