// Package postgres implements domain.Storage on PostgreSQL. Jobs and
// payments live in structured tables; the remaining state (balances,
// delivery records, hourly free windows, referral events) is kept as
// per-tenant JSON documents in storage_json with the same shapes as the
// JSON-file backend, so a deployment can migrate between backends by
// importing the files.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ferixdi-png/TRT-sub000/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the store for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the PostgreSQL backend. Every row carries the tenant so several
// bot instances can share one database.
type Store struct {
	pool   PgxPool
	tenant string
	now    func() time.Time
}

// New constructs a Store over the given pool for one tenant.
func New(pool PgxPool, tenant string) *Store {
	return &Store{pool: pool, tenant: tenant, now: time.Now}
}

// Ping verifies the database answers. Used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("op=storage.ping: %w", err)
	}
	return nil
}

var tracer = otel.Tracer("storage.postgres")

// Document filenames inside storage_json. They mirror the JSON-file backend.
const (
	usersDoc      = "users.json"
	deliveriesDoc = "delivery_records.json"
	referralsDoc  = "referral_events.json"
	hourlyFreeDoc = "hourly_free_usage.json"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS generation_jobs (
		tenant text NOT NULL,
		id text NOT NULL,
		request_id text NOT NULL DEFAULT '',
		user_id bigint NOT NULL,
		chat_id bigint NOT NULL DEFAULT 0,
		model_id text NOT NULL,
		prompt_fingerprint text NOT NULL DEFAULT '',
		params jsonb,
		provider_task_id text NOT NULL DEFAULT '',
		status text NOT NULL,
		result_urls jsonb,
		result_text text NOT NULL DEFAULT '',
		error_code text NOT NULL DEFAULT '',
		error_message text NOT NULL DEFAULT '',
		created_at timestamptz NOT NULL,
		updated_at timestamptz NOT NULL,
		PRIMARY KEY (tenant, id)
	)`,
	`CREATE INDEX IF NOT EXISTS generation_jobs_status ON generation_jobs (tenant, status)`,
	`CREATE TABLE IF NOT EXISTS payments (
		tenant text NOT NULL,
		id text NOT NULL,
		user_id bigint NOT NULL,
		amount_rub numeric(12,2) NOT NULL,
		screenshot_uid text NOT NULL DEFAULT '',
		created_at timestamptz NOT NULL,
		PRIMARY KEY (tenant, id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payments_screenshot_key
		ON payments (tenant, screenshot_uid) WHERE screenshot_uid <> ''`,
	`CREATE TABLE IF NOT EXISTS storage_json (
		partner_id text NOT NULL,
		filename text NOT NULL,
		payload jsonb NOT NULL,
		updated_at timestamptz NOT NULL,
		PRIMARY KEY (partner_id, filename)
	)`,
}

// EnsureSchema creates the tables and indexes if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, q := range schema {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return domain.NewError(domain.CodeDBDegraded, "ensure schema").Wrap(err)
		}
	}
	return nil
}

// userRecord matches the JSON-file backend's users.json entry.
type userRecord struct {
	Balance         float64 `json:"balance"`
	ReferralCredits int     `json:"referral_credits"`
	UpdatedTS       int64   `json:"updated_ts"`
}

// referralEvent matches the JSON-file backend's referral_events.json entry.
type referralEvent struct {
	UserID    int64  `json:"user_id"`
	Kind      string `json:"kind"`
	Remaining int    `json:"remaining"`
	TS        int64  `json:"ts"`
}

func userKey(id int64) string { return fmt.Sprintf("%d", id) }

func deliveryKey(userID int64, taskID string) string {
	return fmt.Sprintf("%d:%s", userID, taskID)
}

// round2 keeps balances at kopeck precision.
func round2(v float64) float64 { return math.Round(v*100) / 100 }

// legacyTerms maps each canonical status to every raw string earlier
// deployments may have written, so status filters keep matching old rows.
var legacyTerms = map[domain.JobStatus][]string{
	domain.JobCreated:   {"created", "create_start"},
	domain.JobQueued:    {"queued", "task_created", "pending", "waiting", "queuing", "deduped"},
	domain.JobRunning:   {"running", "generating", "processing"},
	domain.JobSucceeded: {"succeeded", "success"},
	domain.JobCompleted: {"completed"},
	domain.JobDelivered: {"delivered"},
	domain.JobFailed:    {"failed", "fail", "error"},
	domain.JobCanceled:  {"canceled", "cancelled", "cancel"},
	domain.JobTimeout:   {"timeout"},
}

const jobColumns = `id, request_id, user_id, chat_id, model_id, prompt_fingerprint, params,
	provider_task_id, status, result_urls, result_text, error_code, error_message, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j          domain.Job
		rawStatus  string
		paramsJSON []byte
		urlsJSON   []byte
	)
	err := row.Scan(&j.ID, &j.RequestID, &j.UserID, &j.ChatID, &j.ModelID, &j.PromptFingerprint,
		&paramsJSON, &j.ProviderTaskID, &rawStatus, &urlsJSON, &j.ResultText,
		&j.ErrorCode, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.ParseJobStatus(rawStatus)
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &j.Params); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.scan: params: %w", err)
		}
	}
	if len(urlsJSON) > 0 {
		if err := json.Unmarshal(urlsJSON, &j.ResultURLs); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.scan: result_urls: %w", err)
		}
	}
	return j, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// AddGenerationJob inserts a new job row.
func (s *Store) AddGenerationJob(ctx context.Context, job domain.Job) error {
	ctx, span := tracer.Start(ctx, "storage.AddGenerationJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "generation_jobs"),
	)
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if job.Status == "" {
		job.Status = domain.JobCreated
	}
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("op=job.add: params: %w", err)
	}
	urlsJSON, err := json.Marshal(job.ResultURLs)
	if err != nil {
		return fmt.Errorf("op=job.add: result_urls: %w", err)
	}
	q := `INSERT INTO generation_jobs (tenant, ` + jobColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err = s.pool.Exec(ctx, q, s.tenant, job.ID, job.RequestID, job.UserID, job.ChatID,
		job.ModelID, job.PromptFingerprint, paramsJSON, job.ProviderTaskID, string(job.Status),
		urlsJSON, job.ResultText, job.ErrorCode, job.ErrorMessage, job.CreatedAt, job.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("op=job.add: id %s: %w", job.ID, domain.ErrConflict)
	}
	if err != nil {
		return domain.NewError(domain.CodeDBDegraded, "insert job").Wrap(err)
	}
	return nil
}

// GetJob loads one job. userID 0 skips the ownership check.
func (s *Store) GetJob(ctx context.Context, userID int64, jobID string) (domain.Job, error) {
	ctx, span := tracer.Start(ctx, "storage.GetJob")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM generation_jobs
		WHERE tenant=$1 AND id=$2 AND ($3::bigint = 0 OR user_id = $3)`
	j, err := scanJob(s.pool.QueryRow(ctx, q, s.tenant, jobID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=job.get: %s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, domain.NewError(domain.CodeDBDegraded, "get job").Wrap(err)
	}
	return j, nil
}

// UpdateJobStatus applies upd under a row lock and returns the stored state
// afterwards. Status changes violating monotonicity are dropped; an existing
// provider task id is never cleared.
func (s *Store) UpdateJobStatus(ctx context.Context, userID int64, jobID string, upd domain.JobUpdate) (domain.Job, error) {
	ctx, span := tracer.Start(ctx, "storage.UpdateJobStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "generation_jobs"),
	)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Job{}, domain.NewError(domain.CodeDBDegraded, "begin update").Wrap(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT ` + jobColumns + ` FROM generation_jobs
		WHERE tenant=$1 AND id=$2 AND ($3::bigint = 0 OR user_id = $3) FOR UPDATE`
	j, err := scanJob(tx.QueryRow(ctx, q, s.tenant, jobID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=job.update_status: %s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, domain.NewError(domain.CodeDBDegraded, "load job for update").Wrap(err)
	}

	if upd.Status != "" && upd.Status != j.Status {
		if !domain.CanTransition(j.Status, upd.Status) {
			return j, nil
		}
		j.Status = upd.Status
	}
	if upd.TaskID != "" {
		j.ProviderTaskID = upd.TaskID
	}
	if len(upd.ResultURLs) > 0 {
		j.ResultURLs = upd.ResultURLs
	}
	if upd.ResultText != "" {
		j.ResultText = upd.ResultText
	}
	if upd.ErrorCode != "" {
		j.ErrorCode = upd.ErrorCode
	}
	if upd.ErrorMessage != "" {
		j.ErrorMessage = upd.ErrorMessage
	}
	j.UpdatedAt = s.now().UTC()

	urlsJSON, err := json.Marshal(j.ResultURLs)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.update_status: result_urls: %w", err)
	}
	uq := `UPDATE generation_jobs SET provider_task_id=$3, status=$4, result_urls=$5,
		result_text=$6, error_code=$7, error_message=$8, updated_at=$9
		WHERE tenant=$1 AND id=$2`
	if _, err := tx.Exec(ctx, uq, s.tenant, jobID, j.ProviderTaskID, string(j.Status),
		urlsJSON, j.ResultText, j.ErrorCode, j.ErrorMessage, j.UpdatedAt); err != nil {
		return domain.Job{}, domain.NewError(domain.CodeDBDegraded, "update job").Wrap(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, domain.NewError(domain.CodeDBDegraded, "commit update").Wrap(err)
	}
	return j, nil
}

// ListJobsByStatus returns jobs in any of the given statuses, oldest first.
// The filter matches legacy raw strings so rows written by earlier
// deployments are still swept.
func (s *Store) ListJobsByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	ctx, span := tracer.Start(ctx, "storage.ListJobsByStatus")
	defer span.End()
	var terms []string
	for _, st := range statuses {
		terms = append(terms, legacyTerms[st]...)
	}
	q := `SELECT ` + jobColumns + ` FROM generation_jobs
		WHERE tenant=$1 AND status = ANY($2) ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, q, s.tenant, terms)
	if err != nil {
		return nil, domain.NewError(domain.CodeDBDegraded, "list jobs").Wrap(err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, domain.NewError(domain.CodeDBDegraded, "scan job").Wrap(err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewError(domain.CodeDBDegraded, "list jobs rows").Wrap(err)
	}
	return out, nil
}

// readDoc loads one storage_json document into out. A missing document
// leaves out at its zero value.
func (s *Store) readDoc(ctx context.Context, filename string, out any) error {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM storage_json WHERE partner_id=$1 AND filename=$2`,
		s.tenant, filename).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return domain.Errorf(domain.CodeDBDegraded, "read %s", filename).Wrap(err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return domain.Errorf(domain.CodeStorageReadFail, "decode %s", filename).Wrap(err)
	}
	return nil
}

// updateDocTx runs a read-modify-write of one document inside tx, locking
// the row for the duration. seed is the payload an absent document starts
// from ("{}" or "[]"). fn returning (nil, nil) leaves the document as is.
func (s *Store) updateDocTx(ctx context.Context, tx pgx.Tx, filename, seed string, fn func(payload []byte) (any, error)) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO storage_json (partner_id, filename, payload, updated_at)
		VALUES ($1,$2,$3::jsonb,$4) ON CONFLICT (partner_id, filename) DO NOTHING`,
		s.tenant, filename, seed, s.now().UTC()); err != nil {
		return domain.Errorf(domain.CodeDBDegraded, "seed %s", filename).Wrap(err)
	}
	var payload []byte
	if err := tx.QueryRow(ctx,
		`SELECT payload FROM storage_json WHERE partner_id=$1 AND filename=$2 FOR UPDATE`,
		s.tenant, filename).Scan(&payload); err != nil {
		return domain.Errorf(domain.CodeDBDegraded, "lock %s", filename).Wrap(err)
	}
	next, err := fn(payload)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	b, err := json.Marshal(next)
	if err != nil {
		return domain.Errorf(domain.CodeStorageWriteFail, "encode %s", filename).Wrap(err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE storage_json SET payload=$3, updated_at=$4 WHERE partner_id=$1 AND filename=$2`,
		s.tenant, filename, b, s.now().UTC()); err != nil {
		return domain.Errorf(domain.CodeDBDegraded, "write %s", filename).Wrap(err)
	}
	return nil
}

// updateDoc wraps updateDocTx in its own transaction.
func (s *Store) updateDoc(ctx context.Context, filename, seed string, fn func(payload []byte) (any, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Errorf(domain.CodeDBDegraded, "begin %s", filename).Wrap(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := s.updateDocTx(ctx, tx, filename, seed, fn); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Errorf(domain.CodeDBDegraded, "commit %s", filename).Wrap(err)
	}
	return nil
}

// GetDelivery loads the delivery record for (userID, taskID).
func (s *Store) GetDelivery(ctx context.Context, userID int64, taskID string) (domain.DeliveryRecord, bool, error) {
	ctx, span := tracer.Start(ctx, "storage.GetDelivery")
	defer span.End()
	recs := map[string]domain.DeliveryRecord{}
	if err := s.readDoc(ctx, deliveriesDoc, &recs); err != nil {
		return domain.DeliveryRecord{}, false, err
	}
	rec, ok := recs[deliveryKey(userID, taskID)]
	return rec, ok, nil
}

// BeginDelivery reserves the delivery slot for (userID, taskID) under a row
// lock. A record already delivering or delivered belongs to another owner; a
// failed one is re-reservable for a retry.
func (s *Store) BeginDelivery(ctx context.Context, userID int64, taskID string, urls []string) (bool, error) {
	ctx, span := tracer.Start(ctx, "storage.BeginDelivery")
	defer span.End()
	var won bool
	err := s.updateDoc(ctx, deliveriesDoc, "{}", func(payload []byte) (any, error) {
		recs := map[string]domain.DeliveryRecord{}
		if err := json.Unmarshal(payload, &recs); err != nil {
			return nil, domain.Errorf(domain.CodeStorageReadFail, "decode %s", deliveriesDoc).Wrap(err)
		}
		key := deliveryKey(userID, taskID)
		now := s.now().UTC()
		cur, exists := recs[key]
		if exists && cur.Status != domain.DeliveryFailed {
			return nil, nil
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
		won = true
		return recs, nil
	})
	return won, err
}

// FinishDelivery finalizes a reserved slot. DeliveredAt is set at most once
// per key.
func (s *Store) FinishDelivery(ctx context.Context, userID int64, taskID string, status domain.DeliveryStatus, attempts int, cause string) error {
	ctx, span := tracer.Start(ctx, "storage.FinishDelivery")
	defer span.End()
	return s.updateDoc(ctx, deliveriesDoc, "{}", func(payload []byte) (any, error) {
		recs := map[string]domain.DeliveryRecord{}
		if err := json.Unmarshal(payload, &recs); err != nil {
			return nil, domain.Errorf(domain.CodeStorageReadFail, "decode %s", deliveriesDoc).Wrap(err)
		}
		key := deliveryKey(userID, taskID)
		cur, ok := recs[key]
		if !ok {
			return nil, fmt.Errorf("op=delivery.finish: %s: %w", key, domain.ErrNotFound)
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
		return recs, nil
	})
}

// Balance returns the user's balance in RUB. Unknown users read as zero.
func (s *Store) Balance(ctx context.Context, userID int64) (float64, error) {
	ctx, span := tracer.Start(ctx, "storage.Balance")
	defer span.End()
	users := map[string]userRecord{}
	if err := s.readDoc(ctx, usersDoc, &users); err != nil {
		return 0, err
	}
	return users[userKey(userID)].Balance, nil
}

// AdjustBalance applies delta to the user's balance under a row lock and
// returns the new value. A debit past zero is rejected with
// INSUFFICIENT_FUNDS and leaves the balance untouched.
func (s *Store) AdjustBalance(ctx context.Context, userID int64, delta float64, reason string) (float64, error) {
	ctx, span := tracer.Start(ctx, "storage.AdjustBalance")
	defer span.End()
	span.SetAttributes(attribute.String("billing.reason", reason))
	var bal float64
	err := s.updateDoc(ctx, usersDoc, "{}", func(payload []byte) (any, error) {
		users := map[string]userRecord{}
		if err := json.Unmarshal(payload, &users); err != nil {
			return nil, domain.Errorf(domain.CodeStorageReadFail, "decode %s", usersDoc).Wrap(err)
		}
		key := userKey(userID)
		u := users[key]
		next := round2(u.Balance + delta)
		if next < 0 {
			return nil, domain.Errorf(domain.CodeInsufficient, "balance %.2f, need %.2f", u.Balance, -delta).
				WithHint("top up the balance and retry")
		}
		u.Balance = next
		u.UpdatedTS = s.now().Unix()
		users[key] = u
		bal = next
		return users, nil
	})
	return bal, err
}

// HourlyFreeUsage returns the user's free-generation window. A lapsed window
// reads as fresh.
func (s *Store) HourlyFreeUsage(ctx context.Context, userID int64) (domain.HourlyFreeUsage, error) {
	ctx, span := tracer.Start(ctx, "storage.HourlyFreeUsage")
	defer span.End()
	all := map[string]domain.HourlyFreeUsage{}
	if err := s.readDoc(ctx, hourlyFreeDoc, &all); err != nil {
		return domain.HourlyFreeUsage{}, err
	}
	usage := all[userKey(userID)]
	if usage.Expired(s.now()) {
		usage = domain.HourlyFreeUsage{}
	}
	return usage, nil
}

// SetHourlyFreeUsage persists the user's free-generation window.
func (s *Store) SetHourlyFreeUsage(ctx context.Context, userID int64, usage domain.HourlyFreeUsage) error {
	ctx, span := tracer.Start(ctx, "storage.SetHourlyFreeUsage")
	defer span.End()
	return s.updateDoc(ctx, hourlyFreeDoc, "{}", func(payload []byte) (any, error) {
		all := map[string]domain.HourlyFreeUsage{}
		if err := json.Unmarshal(payload, &all); err != nil {
			return nil, domain.Errorf(domain.CodeStorageReadFail, "decode %s", hourlyFreeDoc).Wrap(err)
		}
		all[userKey(userID)] = usage
		return all, nil
	})
}

// ReferralCredits returns the user's referral bank.
func (s *Store) ReferralCredits(ctx context.Context, userID int64) (int, error) {
	ctx, span := tracer.Start(ctx, "storage.ReferralCredits")
	defer span.End()
	users := map[string]userRecord{}
	if err := s.readDoc(ctx, usersDoc, &users); err != nil {
		return 0, err
	}
	return users[userKey(userID)].ReferralCredits, nil
}

// ConsumeReferralCredit takes one credit from the user's referral bank and
// appends an audit event inside the same transaction. An empty bank reports
// consumed=false.
func (s *Store) ConsumeReferralCredit(ctx context.Context, userID int64) (bool, error) {
	ctx, span := tracer.Start(ctx, "storage.ConsumeReferralCredit")
	defer span.End()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, domain.NewError(domain.CodeDBDegraded, "begin consume").Wrap(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		consumed  bool
		remaining int
	)
	err = s.updateDocTx(ctx, tx, usersDoc, "{}", func(payload []byte) (any, error) {
		users := map[string]userRecord{}
		if err := json.Unmarshal(payload, &users); err != nil {
			return nil, domain.Errorf(domain.CodeStorageReadFail, "decode %s", usersDoc).Wrap(err)
		}
		key := userKey(userID)
		u := users[key]
		if u.ReferralCredits <= 0 {
			return nil, nil
		}
		u.ReferralCredits--
		u.UpdatedTS = s.now().Unix()
		users[key] = u
		consumed = true
		remaining = u.ReferralCredits
		return users, nil
	})
	if err != nil {
		return false, err
	}
	if !consumed {
		return false, nil
	}
	err = s.updateDocTx(ctx, tx, referralsDoc, "[]", func(payload []byte) (any, error) {
		var events []referralEvent
		if err := json.Unmarshal(payload, &events); err != nil {
			return nil, domain.Errorf(domain.CodeStorageReadFail, "decode %s", referralsDoc).Wrap(err)
		}
		events = append(events, referralEvent{
			UserID:    userID,
			Kind:      "consume",
			Remaining: remaining,
			TS:        s.now().Unix(),
		})
		return events, nil
	})
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, domain.NewError(domain.CodeDBDegraded, "commit consume").Wrap(err)
	}
	return true, nil
}

// AddPayment records a top-up and credits the balance in one transaction.
// The partial unique index on screenshot_uid makes replayed confirmations a
// no-op reported as added=false.
func (s *Store) AddPayment(ctx context.Context, p domain.Payment) (bool, error) {
	ctx, span := tracer.Start(ctx, "storage.AddPayment")
	defer span.End()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, domain.NewError(domain.CodeDBDegraded, "begin payment").Wrap(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO payments (tenant, id, user_id, amount_rub, screenshot_uid, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant, screenshot_uid) WHERE screenshot_uid <> '' DO NOTHING`,
		s.tenant, p.ID, p.UserID, p.AmountRUB, p.ScreenshotUID, p.CreatedAt)
	if err != nil {
		return false, domain.NewError(domain.CodeDBDegraded, "insert payment").Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	err = s.updateDocTx(ctx, tx, usersDoc, "{}", func(payload []byte) (any, error) {
		users := map[string]userRecord{}
		if err := json.Unmarshal(payload, &users); err != nil {
			return nil, domain.Errorf(domain.CodeStorageReadFail, "decode %s", usersDoc).Wrap(err)
		}
		key := userKey(p.UserID)
		u := users[key]
		u.Balance = round2(u.Balance + p.AmountRUB)
		u.UpdatedTS = s.now().Unix()
		users[key] = u
		return users, nil
	})
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, domain.NewError(domain.CodeDBDegraded, "commit payment").Wrap(err)
	}
	return true, nil
}
