package kie

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ferixdi-png/TRT-sub000/internal/domain"
)

// Stub is a deterministic in-memory provider used when KIE_STUB=1. Tasks
// finish after PollsUntilDone status calls; prompts containing STUB_FAIL
// end in a fail state, prompts containing STUB_TEXT produce a text-only
// result. No network is involved.
type Stub struct {
	mu    sync.Mutex
	seq   int
	tasks map[string]*stubTask

	PollsUntilDone int
	ResultBase     string
}

type stubTask struct {
	model    string
	prompt   string
	polls    int
	canceled bool
}

// NewStub returns a stub provider with one in-flight poll before completion.
func NewStub() *Stub {
	return &Stub{
		tasks:          make(map[string]*stubTask),
		PollsUntilDone: 1,
		ResultBase:     "https://cdn.kie.invalid",
	}
}

// CreateTask registers a task and returns its id.
func (s *Stub) CreateTask(_ context.Context, model string, payload map[string]any, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("stub-%06d", s.seq)
	prompt, _ := payload["prompt"].(string)
	s.tasks[id] = &stubTask{model: model, prompt: prompt}
	return id, nil
}

// TaskStatus advances the task through generating into a terminal state.
func (s *Stub) TaskStatus(_ context.Context, taskID string) (domain.ProviderTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return domain.ProviderTask{}, domain.Errorf(domain.CodeKieValidation, "unknown task %s", taskID)
	}
	if task.canceled {
		return domain.ProviderTask{
			TaskID:   taskID,
			State:    domain.StateCanceled,
			RawState: "cancelled",
		}, nil
	}
	task.polls++
	if task.polls <= s.PollsUntilDone {
		return domain.ProviderTask{TaskID: taskID, State: domain.StateRunning, RawState: "generating"}, nil
	}
	if strings.Contains(task.prompt, "STUB_FAIL") {
		return domain.ProviderTask{
			TaskID:       taskID,
			State:        domain.StateFailed,
			RawState:     "fail",
			FailCode:     "500",
			FailMsg:      "stub forced failure",
			CompleteTime: time.Now().Unix(),
		}, nil
	}
	if strings.Contains(task.prompt, "STUB_TEXT") {
		return domain.ProviderTask{
			TaskID:       taskID,
			State:        domain.StateSucceeded,
			RawState:     "success",
			ResultJSON:   `{"resultText":"stub text result"}`,
			CompleteTime: time.Now().Unix(),
		}, nil
	}
	u := fmt.Sprintf("%s/%s.png", strings.TrimRight(s.ResultBase, "/"), taskID)
	return domain.ProviderTask{
		TaskID:       taskID,
		State:        domain.StateSucceeded,
		RawState:     "success",
		ResultJSON:   fmt.Sprintf(`{"resultUrls":[%q]}`, u),
		ResultURLs:   []string{u},
		CompleteTime: time.Now().Unix(),
	}, nil
}

// CancelTask marks the task canceled; the next status call reports it.
func (s *Stub) CancelTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[taskID]; ok {
		task.canceled = true
	}
	return nil
}

// ResolveDownloadURL echoes the URL back.
func (s *Stub) ResolveDownloadURL(_ context.Context, rawURL string) (string, error) {
	return rawURL, nil
}
