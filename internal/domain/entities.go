// Package domain defines the entities, status machines, and ports of the
// generation job orchestrator.
package domain

import (
	"strings"
	"time"
)

// JobStatus is the canonical lifecycle status of a generation job.
//
// Legacy dedupe vocabulary (create_start, task_created, pending, waiting,
// queuing, generating, deduped) is translated into this set at the storage
// boundary by ParseJobStatus.
type JobStatus string

const (
	JobCreated   JobStatus = "created"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobCompleted JobStatus = "completed"
	JobDelivered JobStatus = "delivered"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
	JobTimeout   JobStatus = "timeout"
)

// ParseJobStatus canonicalizes a raw status string, including the legacy
// dedupe vocabulary written by earlier deployments.
func ParseJobStatus(raw string) JobStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "created", "create_start":
		return JobCreated
	case "queued", "task_created", "pending", "waiting", "queuing", "deduped":
		return JobQueued
	case "running", "generating", "processing":
		return JobRunning
	case "succeeded", "success":
		return JobSucceeded
	case "completed":
		return JobCompleted
	case "delivered":
		return JobDelivered
	case "failed", "fail", "error":
		return JobFailed
	case "canceled", "cancelled", "cancel":
		return JobCanceled
	case "timeout":
		return JobTimeout
	default:
		return JobCreated
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDelivered, JobFailed, JobCanceled:
		return true
	}
	return false
}

// Pending reports whether s is swept by the pending reconciler.
func (s JobStatus) Pending() bool {
	switch s {
	case JobCreated, JobQueued, JobRunning, JobTimeout:
		return true
	}
	return false
}

// rank orders statuses along the happy path; branch statuses share the top
// rank so any live status may fail or cancel.
func (s JobStatus) rank() int {
	switch s {
	case JobCreated:
		return 0
	case JobQueued, JobRunning:
		return 1
	case JobTimeout:
		return 2
	case JobSucceeded:
		return 3
	case JobCompleted:
		return 4
	case JobDelivered, JobFailed, JobCanceled:
		return 5
	}
	return 0
}

// CanTransition reports whether from→to respects status monotonicity:
// terminal states never transition, queued↔running may flap, everything
// else moves strictly forward.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	if (from == JobQueued && to == JobRunning) || (from == JobRunning && to == JobQueued) {
		return true
	}
	return to.rank() > from.rank()
}

// MediaKind classifies a deliverable artifact.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaText     MediaKind = "text"
	MediaDocument MediaKind = "document"
)

// ParseMediaKind returns the MediaKind for raw, or "" when unrecognized.
func ParseMediaKind(raw string) MediaKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "image", "photo", "img":
		return MediaImage
	case "video":
		return MediaVideo
	case "audio", "voice", "music":
		return MediaAudio
	case "text":
		return MediaText
	case "document", "doc", "file":
		return MediaDocument
	}
	return ""
}

// ProviderState is the normalized provider-side task state.
type ProviderState string

const (
	StateQueued    ProviderState = "queued"
	StateRunning   ProviderState = "running"
	StateSucceeded ProviderState = "succeeded"
	StateFailed    ProviderState = "failed"
	StateCanceled  ProviderState = "canceled"
	StateUnknown   ProviderState = "unknown"
)

// ParseProviderState normalizes the provider's case-insensitive state
// vocabulary (waiting/queuing/generating/success/fail/cancel variants).
func ParseProviderState(raw string) ProviderState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "waiting", "queuing", "queued", "pending":
		return StateQueued
	case "generating", "running", "processing":
		return StateRunning
	case "success", "completed", "succeeded":
		return StateSucceeded
	case "fail", "failed", "error":
		return StateFailed
	case "cancel", "cancelled", "canceled":
		return StateCanceled
	default:
		return StateUnknown
	}
}

// Terminal reports whether the provider will not change this state again.
func (s ProviderState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled:
		return true
	}
	return false
}

// JobStatus maps a provider state into the job lifecycle. Unknown states
// count as running so the poll loop keeps watching them.
func (s ProviderState) JobStatus() JobStatus {
	switch s {
	case StateQueued:
		return JobQueued
	case StateRunning, StateUnknown:
		return JobRunning
	case StateSucceeded:
		return JobSucceeded
	case StateFailed:
		return JobFailed
	case StateCanceled:
		return JobCanceled
	}
	return JobQueued
}

// Job is the orchestrator's unit of work wrapping a provider task plus
// user, pricing, and delivery metadata.
//
// Invariants: Status is monotonic except queued↔running; ProviderTaskID is
// never cleared once set; terminal states never transition.
type Job struct {
	ID                string
	RequestID         string
	UserID            int64
	ChatID            int64
	ModelID           string
	PromptFingerprint string
	Params            map[string]any
	ProviderTaskID    string
	Status            JobStatus
	ResultURLs        []string
	ResultText        string
	ErrorCode         string
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// JobUpdate carries the mutable fields of a job status transition. Zero
// fields are left untouched by the storage façade.
type JobUpdate struct {
	Status       JobStatus
	TaskID       string
	ResultURLs   []string
	ResultText   string
	ErrorCode    string
	ErrorMessage string
}

// DedupeEntry is the value stored per (user, model, fingerprint) key. It is
// shared between the engine and the reconcilers and always mutated through
// read-modify-write under the per-key lock.
type DedupeEntry struct {
	JobID            string    `json:"job_id"`
	ProviderTaskID   string    `json:"provider_task_id,omitempty"`
	Status           JobStatus `json:"status"`
	RequestID        string    `json:"request_id,omitempty"`
	MediaType        MediaKind `json:"media_type,omitempty"`
	ResultURLs       []string  `json:"result_urls,omitempty"`
	ResultText       string    `json:"result_text,omitempty"`
	UpdatedTS        int64     `json:"updated_ts"`
	RecoveryAttempts int       `json:"recovery_attempts,omitempty"`
	LastRecoveryTS   int64     `json:"last_recovery_ts,omitempty"`
	OrphanNotifiedTS int64     `json:"orphan_notified_ts,omitempty"`
}

// Live reports whether the entry still shields concurrent submits: a job in
// flight or already succeeded within the TTL collapses duplicates.
func (e DedupeEntry) Live() bool {
	switch e.Status {
	case JobFailed, JobCanceled, JobTimeout:
		return false
	}
	return true
}

// DeliveryStatus tracks the delivery record state machine
// absent → delivering → delivered|failed.
type DeliveryStatus string

const (
	DeliveryDelivering DeliveryStatus = "delivering"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
)

// DeliveryRecord is keyed by (user_id, provider_task_id).
// Invariant: at most one DeliveredAt is ever set per key.
type DeliveryRecord struct {
	UserID         int64          `json:"user_id"`
	ProviderTaskID string         `json:"provider_task_id"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	Error          string         `json:"error,omitempty"`
	ResultURLs     []string       `json:"result_urls,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
}

// HourlyFreeUsage tracks the sliding hourly window of free generations per
// user. When now−WindowStart ≥ 1h both fields reset on next read.
type HourlyFreeUsage struct {
	WindowStart int64 `json:"window_start"`
	UsedCount   int   `json:"used_count"`
}

// Expired reports whether the window has lapsed relative to now.
func (u HourlyFreeUsage) Expired(now time.Time) bool {
	return now.Unix()-u.WindowStart >= int64(time.Hour/time.Second)
}

// Payment records a top-up; ScreenshotUID provides idempotency for
// screenshot-confirmed payments.
type Payment struct {
	ID            string    `json:"id"`
	UserID        int64     `json:"user_id"`
	AmountRUB     float64   `json:"amount_rub"`
	ScreenshotUID string    `json:"screenshot_uid,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ProviderTask is the provider's view of a task as returned by the poll
// operation.
type ProviderTask struct {
	TaskID       string
	State        ProviderState
	RawState     string
	ResultJSON   string
	ResultURLs   []string
	FailCode     string
	FailMsg      string
	CompleteTime int64
}

// JobResult is the typed outcome of a successful generation, ready for the
// delivery pipeline.
type JobResult struct {
	TaskID    string
	State     ProviderState
	MediaType MediaKind
	URLs      []string
	Text      string
	Raw       map[string]any
}

// Empty reports whether the result carries nothing deliverable.
func (r JobResult) Empty() bool {
	return len(r.URLs) == 0 && strings.TrimSpace(r.Text) == ""
}

// Artifact is a fetched payload handed to the chat transport.
type Artifact struct {
	Name      string
	MIME      string
	Data      []byte
	SourceURL string
}

// JobTransitionEvent is published (best effort) on every job status change.
type JobTransitionEvent struct {
	JobID         string    `json:"job_id"`
	UserID        int64     `json:"user_id"`
	ModelID       string    `json:"model_id"`
	From          JobStatus `json:"from"`
	To            JobStatus `json:"to"`
	TaskID        string    `json:"task_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	At            time.Time `json:"at"`
}
