package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferixdi-png/TRT-sub000/internal/adapter/dedupe"
	"github.com/ferixdi-png/TRT-sub000/internal/adapter/lock"
	"github.com/ferixdi-png/TRT-sub000/internal/config"
	"github.com/ferixdi-png/TRT-sub000/internal/domain"
)

type providerStep struct {
	task domain.ProviderTask
	err  error
}

type fakeProvider struct {
	mu          sync.Mutex
	taskID      string
	createErr   error
	created     int
	model       string
	payload     map[string]any
	callbackURL string
	script      map[string][]providerStep
	polled      map[string]int
	canceled    []string
}

func newFakeProvider(taskID string) *fakeProvider {
	return &fakeProvider{
		taskID: taskID,
		script: map[string][]providerStep{},
		polled: map[string]int{},
	}
}

func (p *fakeProvider) CreateTask(_ context.Context, model string, payload map[string]any, callbackURL string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", p.createErr
	}
	p.created++
	p.model = model
	p.payload = payload
	p.callbackURL = callbackURL
	return p.taskID, nil
}

// TaskStatus pops the next scripted step for the task; the last step
// repeats once the script runs dry. An unscripted task polls as running
// forever.
func (p *fakeProvider) TaskStatus(_ context.Context, taskID string) (domain.ProviderTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polled[taskID]++
	steps := p.script[taskID]
	if len(steps) == 0 {
		return domain.ProviderTask{TaskID: taskID, State: domain.StateRunning}, nil
	}
	step := steps[0]
	if len(steps) > 1 {
		p.script[taskID] = steps[1:]
	}
	return step.task, step.err
}

func (p *fakeProvider) CancelTask(_ context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, taskID)
	return nil
}

func (p *fakeProvider) createdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

type fakeStore struct {
	domain.Storage
	mu          sync.Mutex
	jobs        map[string]domain.Job
	transitions []domain.JobStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]domain.Job{}}
}

func (s *fakeStore) AddGenerationJob(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return domain.ErrConflict
	}
	s.jobs[job.ID] = job
	s.transitions = append(s.transitions, job.Status)
	return nil
}

func (s *fakeStore) GetJob(_ context.Context, userID int64, jobID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.UserID != userID {
		return domain.Job{}, domain.ErrNotFound
	}
	return job, nil
}

func (s *fakeStore) UpdateJobStatus(_ context.Context, userID int64, jobID string, upd domain.JobUpdate) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.UserID != userID {
		return domain.Job{}, domain.ErrNotFound
	}
	if upd.Status != "" && upd.Status != job.Status && domain.CanTransition(job.Status, upd.Status) {
		job.Status = upd.Status
		s.transitions = append(s.transitions, upd.Status)
	}
	if upd.TaskID != "" {
		job.ProviderTaskID = upd.TaskID
	}
	if len(upd.ResultURLs) > 0 {
		job.ResultURLs = upd.ResultURLs
	}
	if upd.ResultText != "" {
		job.ResultText = upd.ResultText
	}
	if upd.ErrorCode != "" {
		job.ErrorCode = upd.ErrorCode
	}
	if upd.ErrorMessage != "" {
		job.ErrorMessage = upd.ErrorMessage
	}
	job.UpdatedAt = time.Now()
	s.jobs[jobID] = job
	return job, nil
}

func (s *fakeStore) job(t *testing.T, id string) domain.Job {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	require.True(t, ok, "job %s not stored", id)
	return job
}

func (s *fakeStore) seed(job domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *fakeStore) statuses() []domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.JobStatus, len(s.transitions))
	copy(out, s.transitions)
	return out
}

type fakeCatalog map[string]domain.ModelSpec

func (c fakeCatalog) Resolve(modelID string) (domain.ModelSpec, error) {
	spec, ok := c[modelID]
	if !ok {
		return domain.ModelSpec{}, domain.Errorf(domain.CodeParamInvalidEnum, "unknown model %q", modelID)
	}
	return spec, nil
}

func (c fakeCatalog) Models() []domain.ModelSpec {
	out := make([]domain.ModelSpec, 0, len(c))
	for _, spec := range c {
		out = append(out, spec)
	}
	return out
}

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.JobTransitionEvent
}

func (p *capturePublisher) PublishTransition(_ context.Context, ev domain.JobTransitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) Close(context.Context) error { return nil }

func (p *capturePublisher) toStatuses() []domain.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.JobStatus, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.To)
	}
	return out
}

func genSpec() domain.ModelSpec {
	return domain.ModelSpec{
		ID:            "nano-banana",
		ProviderModel: "google/nano-banana",
		Media:         domain.MediaImage,
		Fields: []domain.FieldSpec{
			{Name: "prompt", Kind: domain.FieldString, Required: true},
		},
		SKUs: []domain.SKU{{ID: "nano-banana.base", PriceRUB: 10}},
	}
}

func testConfig() config.Config {
	return config.Config{
		KiePollMaxAttempts:       50,
		KieTimeoutSeconds:        2,
		KieRetryMaxDelay:         0.05,
		KieWaitingTimeoutSeconds: 300,
		JobTimeoutSeconds:        10,
		GenDedupeTTLSeconds:      3600,
	}
}

type fixture struct {
	engine   *Engine
	store    *fakeStore
	provider *fakeProvider
	dedupe   dedupe.Store
	events   *capturePublisher
}

func newFixture(t *testing.T, cfg config.Config, p *fakeProvider, specs ...domain.ModelSpec) *fixture {
	t.Helper()
	cat := fakeCatalog{}
	for _, spec := range specs {
		cat[spec.ID] = spec
	}
	store := newFakeStore()
	ds := dedupe.NewMemoryStore()
	pub := &capturePublisher{}
	e := New(Deps{
		Config:   cfg,
		Storage:  store,
		Dedupe:   ds,
		Locks:    lock.NewLocalLocker(),
		Provider: p,
		Catalog:  cat,
		Events:   pub,
	})
	t.Cleanup(e.Close)
	e.attachWait = 250 * time.Millisecond
	e.attachPoll = 5 * time.Millisecond
	return &fixture{engine: e, store: store, provider: p, dedupe: ds, events: pub}
}

func genRequest() GenerationRequest {
	return GenerationRequest{
		UserID:            7,
		ChatID:            7,
		ModelID:           "nano-banana",
		Params:            map[string]any{"prompt": "a banana"},
		RequestID:         "req-1",
		PromptFingerprint: "fp-1",
		JobID:             "job-1",
		PollInterval:      2 * time.Millisecond,
	}
}

func succeededTask(id, url string) domain.ProviderTask {
	return domain.ProviderTask{
		TaskID:     id,
		State:      domain.StateSucceeded,
		ResultJSON: fmt.Sprintf(`{"resultUrls":[%q]}`, url),
	}
}

func TestRunGenerationHappyPath(t *testing.T) {
	srv := serveBytes(t, "image/png", []byte("PNG!"))
	p := newFakeProvider("task-A")
	p.script["task-A"] = []providerStep{
		{task: domain.ProviderTask{TaskID: "task-A", State: domain.StateQueued}},
		{task: domain.ProviderTask{TaskID: "task-A", State: domain.StateRunning}},
		{task: succeededTask("task-A", srv.URL+"/a.png")},
	}
	fx := newFixture(t, testConfig(), p, genSpec())

	var stages []string
	req := genRequest()
	req.OnProgress = func(stage string) { stages = append(stages, stage) }

	res, err := fx.engine.RunGeneration(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "task-A", res.TaskID)
	assert.Equal(t, domain.MediaImage, res.MediaType)
	assert.Equal(t, []string{srv.URL + "/a.png"}, res.URLs)

	job := fx.store.job(t, "job-1")
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, "task-A", job.ProviderTaskID)
	assert.Equal(t, res.URLs, job.ResultURLs)

	assert.Equal(t, []domain.JobStatus{
		domain.JobCreated, domain.JobQueued, domain.JobRunning, domain.JobSucceeded, domain.JobCompleted,
	}, fx.store.statuses())
	assert.Equal(t, []domain.JobStatus{
		domain.JobQueued, domain.JobRunning, domain.JobSucceeded, domain.JobCompleted,
	}, fx.events.toStatuses())
	assert.Equal(t, []string{"queued", "running"}, stages)

	assert.Equal(t, 1, p.createdCount())
	assert.Equal(t, "google/nano-banana", p.model)
	assert.Equal(t, "a banana", p.payload["prompt"])

	entry, ok, err := fx.dedupe.Get(context.Background(), dedupe.Key(7, "nano-banana", "fp-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobCompleted, entry.Status)
	assert.Equal(t, res.URLs, entry.ResultURLs)
}

func TestRunGenerationRejectsIncompleteRequest(t *testing.T) {
	fx := newFixture(t, testConfig(), newFakeProvider("task-A"), genSpec())

	for _, tc := range []struct {
		name   string
		mutate func(*GenerationRequest)
	}{
		{"no user", func(r *GenerationRequest) { r.UserID = 0 }},
		{"no chat", func(r *GenerationRequest) { r.ChatID = 0 }},
		{"no model", func(r *GenerationRequest) { r.ModelID = "" }},
		{"no fingerprint", func(r *GenerationRequest) { r.PromptFingerprint = "" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := genRequest()
			tc.mutate(&req)

			_, err := fx.engine.RunGeneration(context.Background(), req)
			require.Error(t, err)
			assert.True(t, domain.IsCode(err, domain.CodeParamMissing))
		})
	}
	assert.Equal(t, 0, fx.provider.createdCount())
}

func TestRunGenerationUnknownModel(t *testing.T) {
	fx := newFixture(t, testConfig(), newFakeProvider("task-A"), genSpec())
	req := genRequest()
	req.ModelID = "no-such-model"

	_, err := fx.engine.RunGeneration(context.Background(), req)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeParamInvalidEnum))
	assert.Equal(t, 0, fx.provider.createdCount())
}

func TestRunGenerationPricingMissing(t *testing.T) {
	spec := genSpec()
	spec.SKUs = nil
	fx := newFixture(t, testConfig(), newFakeProvider("task-A"), spec)

	_, err := fx.engine.RunGeneration(context.Background(), genRequest())
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodePricingNotFound))
	assert.Equal(t, 0, fx.provider.createdCount())
}

func TestRunGenerationCreateFails(t *testing.T) {
	p := newFakeProvider("task-A")
	p.createErr = domain.NewError(domain.CodeKieValidation, "prompt rejected")
	fx := newFixture(t, testConfig(), p, genSpec())

	_, err := fx.engine.RunGeneration(context.Background(), genRequest())
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeKieValidation))

	job := fx.store.job(t, "job-1")
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, domain.CodeKieValidation, job.ErrorCode)

	entry, ok, gerr := fx.dedupe.Get(context.Background(), dedupe.Key(7, "nano-banana", "fp-1"))
	require.NoError(t, gerr)
	require.True(t, ok)
	assert.False(t, entry.Live(), "failed entry must stop shielding resubmits")
}

func TestRunGenerationProviderFailState(t *testing.T) {
	p := newFakeProvider("task-A")
	p.script["task-A"] = []providerStep{
		{task: domain.ProviderTask{TaskID: "task-A", State: domain.StateFailed, FailCode: "422", FailMsg: "content flagged"}},
	}
	fx := newFixture(t, testConfig(), p, genSpec())

	_, err := fx.engine.RunGeneration(context.Background(), genRequest())
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeKieFailState))
	assert.Contains(t, err.Error(), "content flagged")

	job := fx.store.job(t, "job-1")
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, "content flagged", job.ErrorMessage)
}

func TestRunGenerationPollBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.KiePollMaxAttempts = 3
	fx := newFixture(t, cfg, newFakeProvider("task-A"), genSpec())

	_, err := fx.engine.RunGeneration(context.Background(), genRequest())
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeKieTimeout))

	job := fx.store.job(t, "job-1")
	assert.Equal(t, domain.JobTimeout, job.Status)
	assert.Equal(t, 3, fx.provider.polled["task-A"])
}

func TestRunGenerationRetryablePollErrors(t *testing.T) {
	srv := serveBytes(t, "image/png", []byte("PNG!"))
	p := newFakeProvider("task-A")
	p.script["task-A"] = []providerStep{
		{err: domain.NewError(domain.CodeKieServerError, "502 from provider")},
		{err: domain.NewError(domain.CodeKieServerError, "502 from provider")},
		{task: succeededTask("task-A", srv.URL+"/a.png")},
	}
	fx := newFixture(t, testConfig(), p, genSpec())

	res, err := fx.engine.RunGeneration(context.Background(), genRequest())
	require.NoError(t, err)
	assert.Len(t, res.URLs, 1)
	assert.GreaterOrEqual(t, fx.provider.polled["task-A"], 3)
}

func TestRunGenerationPermanentPollError(t *testing.T) {
	p := newFakeProvider("task-A")
	p.script["task-A"] = []providerStep{
		{err: domain.NewError(domain.CodeKieAuth, "api key rejected")},
	}
	fx := newFixture(t, testConfig(), p, genSpec())

	_, err := fx.engine.RunGeneration(context.Background(), genRequest())
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeKieAuth))
	assert.Equal(t, domain.JobFailed, fx.store.job(t, "job-1").Status)
}

func TestRunGenerationRejectsHTMLResult(t *testing.T) {
	srv := serveBytes(t, "text/html", []byte("<html>login to view</html>"))
	p := newFakeProvider("task-A")
	p.script["task-A"] = []providerStep{
		{task: succeededTask("task-A", srv.URL+"/a.png")},
	}
	fx := newFixture(t, testConfig(), p, genSpec())

	_, err := fx.engine.RunGeneration(context.Background(), genRequest())
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeKieResultInvalidContent))
	assert.Equal(t, domain.JobFailed, fx.store.job(t, "job-1").Status)
}

func TestRunGenerationCanceled(t *testing.T) {
	fx := newFixture(t, testConfig(), newFakeProvider("task-A"), genSpec())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := fx.engine.RunGeneration(ctx, genRequest())
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeCanceled))

	job := fx.store.job(t, "job-1")
	assert.Equal(t, domain.JobCanceled, job.Status)
	assert.Contains(t, fx.provider.canceled, "task-A", "provider-side cancel is best effort but expected here")
}

func TestRunGenerationJobTimeout(t *testing.T) {
	fx := newFixture(t, testConfig(), newFakeProvider("task-A"), genSpec())

	req := genRequest()
	req.Timeout = 60 * time.Millisecond

	_, err := fx.engine.RunGeneration(context.Background(), req)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeKieTimeout))
	assert.Equal(t, domain.JobTimeout, fx.store.job(t, "job-1").Status)
}

func TestRunGenerationDedupeCompletedAttach(t *testing.T) {
	fx := newFixture(t, testConfig(), newFakeProvider("task-A"), genSpec())

	fx.store.seed(domain.Job{
		ID:             "job-0",
		UserID:         7,
		ModelID:        "nano-banana",
		ProviderTaskID: "task-0",
		Status:         domain.JobCompleted,
		ResultURLs:     []string{"https://files.example.com/done.png"},
	})
	key := dedupe.Key(7, "nano-banana", "fp-1")
	require.NoError(t, fx.dedupe.Set(context.Background(), key, domain.DedupeEntry{
		JobID:          "job-0",
		ProviderTaskID: "task-0",
		Status:         domain.JobCompleted,
		UpdatedTS:      time.Now().Unix(),
	}, time.Hour))

	res, err := fx.engine.RunGeneration(context.Background(), genRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://files.example.com/done.png"}, res.URLs)
	assert.Equal(t, domain.MediaImage, res.MediaType)
	assert.Equal(t, 0, fx.provider.createdCount(), "no second provider task for the same prompt")
}

func TestRunGenerationDedupeInFlightAttach(t *testing.T) {
	srv := serveBytes(t, "image/png", []byte("PNG!"))
	p := newFakeProvider("unused")
	p.script["task-9"] = []providerStep{
		{task: succeededTask("task-9", srv.URL+"/a.png")},
	}
	fx := newFixture(t, testConfig(), p, genSpec())

	fx.store.seed(domain.Job{
		ID:             "job-9",
		UserID:         7,
		ModelID:        "nano-banana",
		ProviderTaskID: "task-9",
		Status:         domain.JobRunning,
	})
	key := dedupe.Key(7, "nano-banana", "fp-1")
	require.NoError(t, fx.dedupe.Set(context.Background(), key, domain.DedupeEntry{
		JobID:          "job-9",
		ProviderTaskID: "task-9",
		Status:         domain.JobRunning,
		UpdatedTS:      time.Now().Unix(),
	}, time.Hour))

	res, err := fx.engine.RunGeneration(context.Background(), genRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/a.png"}, res.URLs)
	assert.Equal(t, 0, fx.provider.createdCount())
	assert.Equal(t, domain.JobCompleted, fx.store.job(t, "job-9").Status)
}

func TestRunGenerationReplayedJobID(t *testing.T) {
	fx := newFixture(t, testConfig(), newFakeProvider("task-A"), genSpec())

	fx.store.seed(domain.Job{
		ID:             "job-1",
		UserID:         7,
		ModelID:        "nano-banana",
		ProviderTaskID: "task-0",
		Status:         domain.JobCompleted,
		ResultURLs:     []string{"https://files.example.com/done.png"},
	})

	res, err := fx.engine.RunGeneration(context.Background(), genRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://files.example.com/done.png"}, res.URLs)
	assert.Equal(t, 0, fx.provider.createdCount())
}

func TestRunGenerationWatchdogSwitchesTask(t *testing.T) {
	srv := serveBytes(t, "image/png", []byte("PNG!"))
	p := newFakeProvider("task-A")
	p.script["task-A"] = []providerStep{
		{task: domain.ProviderTask{TaskID: "task-A", State: domain.StateQueued}},
	}
	p.script["task-B"] = []providerStep{
		{task: succeededTask("task-B", srv.URL+"/a.png")},
	}
	fx := newFixture(t, testConfig(), p, genSpec())

	// Every clock read jumps a minute forward so the five minute watchdog
	// window elapses within a few polls.
	base := time.Now()
	var ticks atomic.Int64
	fx.engine.now = func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * time.Minute)
	}

	var switchedFrom string
	req := genRequest()
	req.OnWaitingTimeout = func(_ context.Context, taskID string) (string, bool) {
		switchedFrom = taskID
		return "task-B", true
	}

	res, err := fx.engine.RunGeneration(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "task-B", res.TaskID)
	assert.Equal(t, "task-A", switchedFrom)

	job := fx.store.job(t, "job-1")
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, "task-B", job.ProviderTaskID, "task id switch must merge without a status transition")
}

func TestRunGenerationWatchdogTimesOut(t *testing.T) {
	p := newFakeProvider("task-A")
	p.script["task-A"] = []providerStep{
		{task: domain.ProviderTask{TaskID: "task-A", State: domain.StateQueued}},
	}
	fx := newFixture(t, testConfig(), p, genSpec())

	base := time.Now()
	var ticks atomic.Int64
	fx.engine.now = func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * time.Minute)
	}

	_, err := fx.engine.RunGeneration(context.Background(), genRequest())
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeKieTimeout))
	assert.Equal(t, domain.JobTimeout, fx.store.job(t, "job-1").Status)
}

func TestResolveResultForReconciler(t *testing.T) {
	srv := serveBytes(t, "image/png", []byte("PNG!"))
	fx := newFixture(t, testConfig(), newFakeProvider("task-A"), genSpec())

	job := domain.Job{
		ID:             "job-5",
		UserID:         7,
		ModelID:        "nano-banana",
		ProviderTaskID: "task-5",
		Status:         domain.JobRunning,
	}
	fx.store.seed(job)

	res, updated, err := fx.engine.ResolveResult(context.Background(), job, succeededTask("task-5", srv.URL+"/a.png"))
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/a.png"}, res.URLs)
	assert.Equal(t, domain.JobCompleted, updated.Status)
	assert.Equal(t, domain.JobCompleted, fx.store.job(t, "job-5").Status)
}
