// Package jsonfile implements domain.Storage on plain JSON files under a
// per-tenant directory. It is the development backend; Postgres serves
// production.
//
// Every mutation is a read-modify-write of one file, serialized by a single
// mutex and flushed through a temp-file rename so a crash never leaves a
// half-written file. Legacy status vocabulary on disk is canonicalized on
// read; the rest of the system only ever sees domain.JobStatus values.
package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ferixdi-png/TRT-sub000/internal/domain"
)

// File names under the tenant directory.
const (
	usersFile       = "users.json"
	paymentsFile    = "payments.json"
	generationsFile = "generations_history.json"
	deliveriesFile  = "delivery_records.json"
	referralsFile   = "referral_events.json"
	hourlyFreeFile  = "hourly_free_usage.json"
	cacheDir        = ".cache"
)

// Store is the JSON-file backend. Safe for concurrent use.
type Store struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// New opens (creating if needed) the tenant directory and its .cache
// subdirectory for ephemera.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, cacheDir), 0o755); err != nil {
		return nil, fmt.Errorf("op=jsonfile.new: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the tenant directory the store persists under.
func (s *Store) Dir() string { return s.dir }

// userRecord is the on-disk shape of one user in users.json.
type userRecord struct {
	Balance         float64 `json:"balance"`
	ReferralCredits int     `json:"referral_credits"`
	UpdatedTS       int64   `json:"updated_ts"`
}

// jobRecord is the on-disk shape of one job in generations_history.json.
// Status is kept as a raw string so files written by earlier deployments
// (create_start, task_created, deduped, ...) stay readable.
type jobRecord struct {
	ID                string         `json:"id"`
	RequestID         string         `json:"request_id,omitempty"`
	UserID            int64          `json:"user_id"`
	ChatID            int64          `json:"chat_id,omitempty"`
	ModelID           string         `json:"model_id"`
	PromptFingerprint string         `json:"prompt_fingerprint,omitempty"`
	Params            map[string]any `json:"params,omitempty"`
	ProviderTaskID    string         `json:"provider_task_id,omitempty"`
	Status            string         `json:"status"`
	ResultURLs        []string       `json:"result_urls,omitempty"`
	ResultText        string         `json:"result_text,omitempty"`
	ErrorCode         string         `json:"error_code,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func toRecord(j domain.Job) jobRecord {
	return jobRecord{
		ID:                j.ID,
		RequestID:         j.RequestID,
		UserID:            j.UserID,
		ChatID:            j.ChatID,
		ModelID:           j.ModelID,
		PromptFingerprint: j.PromptFingerprint,
		Params:            j.Params,
		ProviderTaskID:    j.ProviderTaskID,
		Status:            string(j.Status),
		ResultURLs:        j.ResultURLs,
		ResultText:        j.ResultText,
		ErrorCode:         j.ErrorCode,
		ErrorMessage:      j.ErrorMessage,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}

func (r jobRecord) toJob() domain.Job {
	return domain.Job{
		ID:                r.ID,
		RequestID:         r.RequestID,
		UserID:            r.UserID,
		ChatID:            r.ChatID,
		ModelID:           r.ModelID,
		PromptFingerprint: r.PromptFingerprint,
		Params:            r.Params,
		ProviderTaskID:    r.ProviderTaskID,
		Status:            domain.ParseJobStatus(r.Status),
		ResultURLs:        r.ResultURLs,
		ResultText:        r.ResultText,
		ErrorCode:         r.ErrorCode,
		ErrorMessage:      r.ErrorMessage,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// referralEvent is one audit line in referral_events.json.
type referralEvent struct {
	UserID    int64  `json:"user_id"`
	Kind      string `json:"kind"`
	Remaining int    `json:"remaining"`
	TS        int64  `json:"ts"`
}

type paymentRecord struct {
	ID            string    `json:"id"`
	UserID        int64     `json:"user_id"`
	AmountRUB     float64   `json:"amount_rub"`
	ScreenshotUID string    `json:"screenshot_uid,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

var tracer = otel.Tracer("storage.jsonfile")

// withLock runs fn with the store mutex held, under one span per operation.
func (s *Store) withLock(ctx context.Context, op string, fn func() error) error {
	_, span := tracer.Start(ctx, op)
	defer span.End()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// load decodes the named file into out. A missing or empty file leaves out
// at its zero value.
func (s *Store) load(name string, out any) error {
	b, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return domain.Errorf(domain.CodeStorageReadFail, "read %s", name).Wrap(err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return domain.Errorf(domain.CodeStorageReadFail, "decode %s", name).Wrap(err)
	}
	return nil
}

// save writes v to the named file via temp-file rename.
func (s *Store) save(name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.Errorf(domain.CodeStorageWriteFail, "encode %s", name).Wrap(err)
	}
	tmp := filepath.Join(s.dir, name+".tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return domain.Errorf(domain.CodeStorageWriteFail, "write %s", name).Wrap(err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return domain.Errorf(domain.CodeStorageWriteFail, "rename %s", name).Wrap(err)
	}
	return nil
}

func userKey(id int64) string { return strconv.FormatInt(id, 10) }

func deliveryKey(userID int64, taskID string) string {
	return fmt.Sprintf("%d:%s", userID, taskID)
}

// round2 keeps balances at kopeck precision so float drift never accumulates
// on disk.
func round2(v float64) float64 { return math.Round(v*100) / 100 }

// AddGenerationJob appends the job to the history file.
func (s *Store) AddGenerationJob(ctx context.Context, job domain.Job) error {
	return s.withLock(ctx, "jsonfile.AddGenerationJob", func() error {
		var jobs []jobRecord
		if err := s.load(generationsFile, &jobs); err != nil {
			return err
		}
		for _, r := range jobs {
			if r.ID == job.ID {
				return fmt.Errorf("op=job.add: id %s: %w", job.ID, domain.ErrConflict)
			}
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = s.now().UTC()
		}
		if job.UpdatedAt.IsZero() {
			job.UpdatedAt = job.CreatedAt
		}
		if job.Status == "" {
			job.Status = domain.JobCreated
		}
		jobs = append(jobs, toRecord(job))
		return s.save(generationsFile, jobs)
	})
}

// GetJob loads one job. userID 0 skips the ownership check; otherwise a job
// belonging to another user reads as not found.
func (s *Store) GetJob(ctx context.Context, userID int64, jobID string) (domain.Job, error) {
	var out domain.Job
	err := s.withLock(ctx, "jsonfile.GetJob", func() error {
		var jobs []jobRecord
		if err := s.load(generationsFile, &jobs); err != nil {
			return err
		}
		for _, r := range jobs {
			if r.ID == jobID && (userID == 0 || r.UserID == userID) {
				out = r.toJob()
				return nil
			}
		}
		return fmt.Errorf("op=job.get: %s: %w", jobID, domain.ErrNotFound)
	})
	return out, err
}

// UpdateJobStatus applies upd to the stored job and returns the stored state
// afterwards. Status changes that violate monotonicity are dropped, not
// errored: late or replayed updates are expected and must not disturb a
// terminal job. A set TaskID is merged but an existing task id is never
// cleared.
func (s *Store) UpdateJobStatus(ctx context.Context, userID int64, jobID string, upd domain.JobUpdate) (domain.Job, error) {
	var out domain.Job
	err := s.withLock(ctx, "jsonfile.UpdateJobStatus", func() error {
		var jobs []jobRecord
		if err := s.load(generationsFile, &jobs); err != nil {
			return err
		}
		for i := range jobs {
			r := &jobs[i]
			if r.ID != jobID || (userID != 0 && r.UserID != userID) {
				continue
			}
			cur := domain.ParseJobStatus(r.Status)
			if upd.Status != "" && upd.Status != cur {
				if !domain.CanTransition(cur, upd.Status) {
					out = r.toJob()
					return nil
				}
				r.Status = string(upd.Status)
			}
			if upd.TaskID != "" {
				r.ProviderTaskID = upd.TaskID
			}
			if len(upd.ResultURLs) > 0 {
				r.ResultURLs = upd.ResultURLs
			}
			if upd.ResultText != "" {
				r.ResultText = upd.ResultText
			}
			if upd.ErrorCode != "" {
				r.ErrorCode = upd.ErrorCode
			}
			if upd.ErrorMessage != "" {
				r.ErrorMessage = upd.ErrorMessage
			}
			r.UpdatedAt = s.now().UTC()
			if err := s.save(generationsFile, jobs); err != nil {
				return err
			}
			out = r.toJob()
			return nil
		}
		return fmt.Errorf("op=job.update_status: %s: %w", jobID, domain.ErrNotFound)
	})
	return out, err
}

// ListJobsByStatus returns jobs whose canonical status is in statuses,
// oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	want := make(map[domain.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []domain.Job
	err := s.withLock(ctx, "jsonfile.ListJobsByStatus", func() error {
		var jobs []jobRecord
		if err := s.load(generationsFile, &jobs); err != nil {
			return err
		}
		for _, r := range jobs {
			if want[domain.ParseJobStatus(r.Status)] {
				out = append(out, r.toJob())
			}
		}
		return nil
	})
	return out, err
}

// GetDelivery loads the delivery record for (userID, taskID).
func (s *Store) GetDelivery(ctx context.Context, userID int64, taskID string) (domain.DeliveryRecord, bool, error) {
	var (
		rec domain.DeliveryRecord
		ok  bool
	)
	err := s.withLock(ctx, "jsonfile.GetDelivery", func() error {
		recs := map[string]domain.DeliveryRecord{}
		if err := s.load(deliveriesFile, &recs); err != nil {
			return err
		}
		rec, ok = recs[deliveryKey(userID, taskID)]
		return nil
	})
	return rec, ok, err
}

// BeginDelivery reserves the delivery slot for (userID, taskID). It returns
// true when the caller now owns the slot. The reserve is a compare-and-set:
// a record already delivering or delivered is another owner's, a failed one
// is re-reservable for a retry.
func (s *Store) BeginDelivery(ctx context.Context, userID int64, taskID string, urls []string) (bool, error) {
	var won bool
	err := s.withLock(ctx, "jsonfile.BeginDelivery", func() error {
		recs := map[string]domain.DeliveryRecord{}
		if err := s.load(deliveriesFile, &recs); err != nil {
			return err
		}
		key := deliveryKey(userID, taskID)
		now := s.now().UTC()
		cur, exists := recs[key]
		if exists && cur.Status != domain.DeliveryFailed {
			return nil
		}
		next := domain.DeliveryRecord{
			UserID:         userID,
			ProviderTaskID: taskID,
			Status:         domain.DeliveryDelivering,
			Attempts:       cur.Attempts,
			ResultURLs:     urls,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if exists {
			next.CreatedAt = cur.CreatedAt
		}
		recs[key] = next
		if err := s.save(deliveriesFile, recs); err != nil {
			return err
		}
		won = true
		return nil
	})
	return won, err
}

// FinishDelivery finalizes a reserved slot. DeliveredAt is set at most once
// per key; repeated delivered finishes keep the first timestamp.
func (s *Store) FinishDelivery(ctx context.Context, userID int64, taskID string, status domain.DeliveryStatus, attempts int, cause string) error {
	return s.withLock(ctx, "jsonfile.FinishDelivery", func() error {
		recs := map[string]domain.DeliveryRecord{}
		if err := s.load(deliveriesFile, &recs); err != nil {
			return err
		}
		key := deliveryKey(userID, taskID)
		cur, ok := recs[key]
		if !ok {
			return fmt.Errorf("op=delivery.finish: %s: %w", key, domain.ErrNotFound)
		}
		cur.Status = status
		cur.Attempts = attempts
		cur.Error = cause
		cur.UpdatedAt = s.now().UTC()
		if status == domain.DeliveryDelivered && cur.DeliveredAt == nil {
			at := cur.UpdatedAt
			cur.DeliveredAt = &at
		}
		recs[key] = cur
		return s.save(deliveriesFile, recs)
	})
}

// Balance returns the user's balance in RUB. Unknown users read as zero.
func (s *Store) Balance(ctx context.Context, userID int64) (float64, error) {
	var bal float64
	err := s.withLock(ctx, "jsonfile.Balance", func() error {
		users := map[string]userRecord{}
		if err := s.load(usersFile, &users); err != nil {
			return err
		}
		bal = users[userKey(userID)].Balance
		return nil
	})
	return bal, err
}

// AdjustBalance applies delta to the user's balance and returns the new
// value. A debit past zero is rejected with INSUFFICIENT_FUNDS and leaves
// the balance untouched.
func (s *Store) AdjustBalance(ctx context.Context, userID int64, delta float64, reason string) (float64, error) {
	var bal float64
	err := s.withLock(ctx, "jsonfile.AdjustBalance", func() error {
		users := map[string]userRecord{}
		if err := s.load(usersFile, &users); err != nil {
			return err
		}
		key := userKey(userID)
		u := users[key]
		next := round2(u.Balance + delta)
		if next < 0 {
			return domain.Errorf(domain.CodeInsufficient, "balance %.2f, need %.2f", u.Balance, -delta).
				WithHint("top up the balance and retry")
		}
		u.Balance = next
		u.UpdatedTS = s.now().Unix()
		users[key] = u
		if err := s.save(usersFile, users); err != nil {
			return err
		}
		bal = next
		return nil
	})
	return bal, err
}

// HourlyFreeUsage returns the user's free-generation window. A lapsed window
// reads as fresh; the reset is persisted on the next Set.
func (s *Store) HourlyFreeUsage(ctx context.Context, userID int64) (domain.HourlyFreeUsage, error) {
	var usage domain.HourlyFreeUsage
	err := s.withLock(ctx, "jsonfile.HourlyFreeUsage", func() error {
		all := map[string]domain.HourlyFreeUsage{}
		if err := s.load(hourlyFreeFile, &all); err != nil {
			return err
		}
		usage = all[userKey(userID)]
		if usage.Expired(s.now()) {
			usage = domain.HourlyFreeUsage{}
		}
		return nil
	})
	return usage, err
}

// SetHourlyFreeUsage persists the user's free-generation window.
func (s *Store) SetHourlyFreeUsage(ctx context.Context, userID int64, usage domain.HourlyFreeUsage) error {
	return s.withLock(ctx, "jsonfile.SetHourlyFreeUsage", func() error {
		all := map[string]domain.HourlyFreeUsage{}
		if err := s.load(hourlyFreeFile, &all); err != nil {
			return err
		}
		all[userKey(userID)] = usage
		return s.save(hourlyFreeFile, all)
	})
}

// ReferralCredits returns the user's referral bank.
func (s *Store) ReferralCredits(ctx context.Context, userID int64) (int, error) {
	var credits int
	err := s.withLock(ctx, "jsonfile.ReferralCredits", func() error {
		users := map[string]userRecord{}
		if err := s.load(usersFile, &users); err != nil {
			return err
		}
		credits = users[userKey(userID)].ReferralCredits
		return nil
	})
	return credits, err
}

// ConsumeReferralCredit takes one credit from the user's referral bank and
// appends an audit event. An empty bank reports consumed=false.
func (s *Store) ConsumeReferralCredit(ctx context.Context, userID int64) (bool, error) {
	var consumed bool
	err := s.withLock(ctx, "jsonfile.ConsumeReferralCredit", func() error {
		users := map[string]userRecord{}
		if err := s.load(usersFile, &users); err != nil {
			return err
		}
		key := userKey(userID)
		u := users[key]
		if u.ReferralCredits <= 0 {
			return nil
		}
		u.ReferralCredits--
		u.UpdatedTS = s.now().Unix()
		users[key] = u
		if err := s.save(usersFile, users); err != nil {
			return err
		}
		var events []referralEvent
		if err := s.load(referralsFile, &events); err != nil {
			return err
		}
		events = append(events, referralEvent{
			UserID:    userID,
			Kind:      "consume",
			Remaining: u.ReferralCredits,
			TS:        s.now().Unix(),
		})
		if err := s.save(referralsFile, events); err != nil {
			return err
		}
		consumed = true
		return nil
	})
	return consumed, err
}

// AddPayment records a top-up and credits the balance in one step. A payment
// with an already-seen screenshot uid is skipped without touching the
// balance.
func (s *Store) AddPayment(ctx context.Context, p domain.Payment) (bool, error) {
	var added bool
	err := s.withLock(ctx, "jsonfile.AddPayment", func() error {
		var payments []paymentRecord
		if err := s.load(paymentsFile, &payments); err != nil {
			return err
		}
		if p.ScreenshotUID != "" {
			for _, rec := range payments {
				if rec.ScreenshotUID == p.ScreenshotUID {
					return nil
				}
			}
		}
		now := s.now().UTC()
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		payments = append(payments, paymentRecord{
			ID:            p.ID,
			UserID:        p.UserID,
			AmountRUB:     p.AmountRUB,
			ScreenshotUID: p.ScreenshotUID,
			CreatedAt:     p.CreatedAt,
		})
		if err := s.save(paymentsFile, payments); err != nil {
			return err
		}
		users := map[string]userRecord{}
		if err := s.load(usersFile, &users); err != nil {
			return err
		}
		key := userKey(p.UserID)
		u := users[key]
		u.Balance = round2(u.Balance + p.AmountRUB)
		u.UpdatedTS = now.Unix()
		users[key] = u
		if err := s.save(usersFile, users); err != nil {
			return err
		}
		added = true
		return nil
	})
	return added, err
}
