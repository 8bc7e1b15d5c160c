// Package kie implements the client for the KIE generation provider.
package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/ferixdi-png/TRT-sub000/internal/config"
	"github.com/ferixdi-png/TRT-sub000/internal/domain"
	"github.com/ferixdi-png/TRT-sub000/internal/observability"
)

const (
	createTaskPath  = "/api/v1/jobs/createTask"
	recordInfoPath  = "/api/v1/jobs/recordInfo"
	cancelTaskPath  = "/api/v1/jobs/cancelTask"
	downloadURLPath = "/api/v1/common/download-url"
)

// Client implements domain.ProviderClient against the KIE HTTP API.
type Client struct {
	cfg     config.Config
	baseURL string
	hc      *http.Client
	breaker *Breaker
	limiter *rate.Limiter
}

// NewClient constructs a live provider client. The breaker is shared across
// all operations; pacing applies only when KIE_MIN_INTERVAL is set.
func NewClient(cfg config.Config) *Client {
	var br *Breaker
	if cfg.KieCircuitBreakerEnabled {
		br = NewBreaker(cfg.KieCBFailureThreshold, cfg.KieCBSuccessThreshold, cfg.KieCBReset())
	}
	var lim *rate.Limiter
	if cfg.KieMinInterval > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.KieMinInterval), 1)
	}
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.KieAPIURL, "/"),
		hc: &http.Client{
			Timeout:   cfg.KieTimeout(),
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: br,
		limiter: lim,
	}
}

// retrySchedule implements the provider retry pacing: exponential doubling
// from base capped at max, uniform jitter in [0, base), and one extra
// doubling after a rate limit response.
type retrySchedule struct {
	base        time.Duration
	max         time.Duration
	attempt     int
	rateLimited bool
}

func (s *retrySchedule) NextBackOff() time.Duration {
	d := s.base << s.attempt
	if d <= 0 || d > s.max {
		d = s.max
	}
	if s.rateLimited {
		s.rateLimited = false
		d *= 2
	}
	if d > s.max {
		d = s.max
	}
	if s.base > 0 {
		d += rand.N(s.base)
	}
	s.attempt++
	return d
}

func (s *retrySchedule) Reset() { s.attempt = 0; s.rateLimited = false }

// CreateTask submits a generation task and returns the provider task id.
func (c *Client) CreateTask(ctx context.Context, model string, payload map[string]any, callbackURL string) (string, error) {
	body := map[string]any{"model": model, "input": payload}
	if callbackURL != "" {
		body["callBackUrl"] = callbackURL
	}
	var data struct {
		TaskID string `json:"taskId"`
	}
	if err := c.do(ctx, "create_task", http.MethodPost, createTaskPath, nil, body, &data); err != nil {
		return "", fmt.Errorf("op=kie.CreateTask: %w", err)
	}
	if data.TaskID == "" {
		// Accepted responses without a task id behave like a 422.
		return "", fmt.Errorf("op=kie.CreateTask: %w",
			domain.NewError(domain.CodeKieValidation, "provider accepted the request but returned no task id"))
	}
	return data.TaskID, nil
}

// TaskStatus fetches the current provider record for a task.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (domain.ProviderTask, error) {
	q := url.Values{"taskId": {taskID}}
	var data struct {
		TaskID       string          `json:"taskId"`
		State        string          `json:"state"`
		ResultJSON   string          `json:"resultJson"`
		ResultURLs   json.RawMessage `json:"resultUrls"`
		FailCode     json.RawMessage `json:"failCode"`
		FailMsg      string          `json:"failMsg"`
		CompleteTime int64           `json:"completeTime"`
	}
	if err := c.do(ctx, "record_info", http.MethodGet, recordInfoPath, q, nil, &data); err != nil {
		return domain.ProviderTask{}, fmt.Errorf("op=kie.TaskStatus: %w", err)
	}
	task := domain.ProviderTask{
		TaskID:       data.TaskID,
		State:        domain.ParseProviderState(data.State),
		RawState:     data.State,
		ResultJSON:   data.ResultJSON,
		ResultURLs:   flexStrings(data.ResultURLs),
		FailCode:     flexString(data.FailCode),
		FailMsg:      data.FailMsg,
		CompleteTime: data.CompleteTime,
	}
	if task.TaskID == "" {
		task.TaskID = taskID
	}
	return task, nil
}

// WaitForTask polls until the task reaches a terminal state or the timeout
// elapses. Transient provider errors keep the wait alive.
func (c *Client) WaitForTask(ctx context.Context, taskID string, timeout, interval time.Duration) (domain.ProviderTask, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		task, err := c.TaskStatus(ctx, taskID)
		if err != nil && !domain.Retryable(err) {
			return domain.ProviderTask{}, err
		}
		if err == nil && task.State.Terminal() {
			return task, nil
		}
		if time.Now().Add(interval).After(deadline) {
			return domain.ProviderTask{}, fmt.Errorf("op=kie.WaitForTask: %w",
				domain.Errorf(domain.CodeKieTimeout, "task %s not terminal after %s", taskID, timeout))
		}
		select {
		case <-ctx.Done():
			return domain.ProviderTask{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// CancelTask asks the provider to cancel an in-flight task.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	body := map[string]any{"taskId": taskID}
	if err := c.do(ctx, "cancel_task", http.MethodPost, cancelTaskPath, nil, body, nil); err != nil {
		return fmt.Errorf("op=kie.CancelTask: %w", err)
	}
	return nil
}

// ResolveDownloadURL swaps a result URL for a direct download URL.
func (c *Client) ResolveDownloadURL(ctx context.Context, rawURL string) (string, error) {
	body := map[string]any{"url": rawURL}
	var data struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, "download_url", http.MethodPost, downloadURLPath, nil, body, &data); err != nil {
		return "", fmt.Errorf("op=kie.ResolveDownloadURL: %w", err)
	}
	if data.URL == "" {
		return rawURL, nil
	}
	return data.URL, nil
}

type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, opName, method, path string, query url.Values, body, out any) error {
	if ok, probeAt := c.breaker.Allow(); !ok {
		return domain.Errorf(domain.CodeCircuitOpen, "provider temporarily unavailable, next probe at %s",
			probeAt.UTC().Format(time.RFC3339)).WithHint("retry after " + time.Until(probeAt).Round(time.Second).String())
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	base, max, attempts := c.cfg.GetKieBackoffConfig()
	sched := &retrySchedule{base: base, max: max}
	corrID := observability.CorrIDFromContext(ctx)

	op := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		start := time.Now()
		err := c.attempt(ctx, method, target, payload, corrID, sched, out)
		observability.ObserveProviderCall(opName, start, err)
		if err != nil {
			var perm *backoff.PermanentError
			if !errors.As(err, &perm) {
				c.breaker.RecordFailure()
				slog.Warn("kie call failed, will retry",
					slog.String("operation", opName),
					slog.String("corr_id", corrID),
					slog.Any("error", err))
			}
			return err
		}
		c.breaker.RecordSuccess()
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(sched, uint64(attempts)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return c.finalize(err)
	}
	return nil
}

// attempt performs a single HTTP exchange and classifies the outcome.
func (c *Client) attempt(ctx context.Context, method, target string, payload []byte, corrID string, sched *retrySchedule, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.KieAPIKey)
	req.Header.Set("Content-Type", "application/json")
	if corrID != "" {
		req.Header.Set("X-Request-ID", corrID)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		sched.rateLimited = true
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, raw)
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.NewError(domain.CodeKieServerError, "malformed provider response").Wrap(err)
	}
	if env.Code != 0 && env.Code != http.StatusOK {
		if env.Code == http.StatusTooManyRequests {
			sched.rateLimited = true
		}
		return classifyStatus(env.Code, []byte(env.Msg))
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return domain.NewError(domain.CodeKieServerError, "malformed provider payload").Wrap(err)
		}
	}
	return nil
}

// classifyStatus maps provider HTTP (or envelope) codes onto the error
// taxonomy. Permanent failures skip the retry loop.
func classifyStatus(status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return backoff.Permanent(domain.NewError(domain.CodeKieAuth, "provider rejected credentials").
			WithHint("check KIE_API_KEY"))
	case status == http.StatusPaymentRequired:
		return backoff.Permanent(domain.NewError(domain.CodeKiePaymentRequired, "provider account out of credits").
			WithHint("top up the provider balance"))
	case status == http.StatusTooManyRequests:
		return domain.NewError(domain.CodeKieRateLimit, "provider rate limited")
	case status >= 500:
		return domain.Errorf(domain.CodeKieServerError, "provider status %d: %s", status, snippet)
	case status >= 400:
		return backoff.Permanent(domain.Errorf(domain.CodeKieValidation, "provider rejected request: status %d: %s", status, snippet))
	default:
		return domain.Errorf(domain.CodeKieServerError, "unexpected provider status %d", status)
	}
}

// finalize maps exhausted retries onto the stable taxonomy.
func (c *Client) finalize(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.CodeKieTimeout, "provider call deadline exceeded").Wrap(err)
	}
	return domain.NewError(domain.CodeKieServerError, "provider unreachable").Wrap(err)
}

func flexString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// flexStrings tolerates the three shapes resultUrls arrives in: a JSON array,
// a JSON-encoded array inside a string, or a single bare URL string.
func flexStrings(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		one = strings.TrimSpace(one)
		if one == "" {
			return nil
		}
		if strings.HasPrefix(one, "[") {
			var inner []string
			if err := json.Unmarshal([]byte(one), &inner); err == nil {
				return inner
			}
		}
		return []string{one}
	}
	return nil
}
