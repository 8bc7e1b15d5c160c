// Package billing commits the post-delivery charge for a generation:
// exactly once per delivered task, zero times for anything that never
// reached the user.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ferixdi-png/TRT-sub000/internal/config"
	"github.com/ferixdi-png/TRT-sub000/internal/domain"
	"github.com/ferixdi-png/TRT-sub000/internal/observability"
	"github.com/ferixdi-png/TRT-sub000/pkg/syncx"
)

const (
	// chargedTTL bounds the in-process idempotency marker set. The delivery
	// record CAS remains the durable guard long after markers expire.
	chargedTTL    = 24 * time.Hour
	pruneInterval = 10 * time.Minute
)

// Charge describes one pending debit. PriceRUB is the SKU price; IsFree
// marks the user's free-tier choice, which only takes effect when the SKU
// is in the free allowlist.
type Charge struct {
	UserID   int64
	TaskID   string
	SKUID    string
	PriceRUB float64
	IsFree   bool
	Reason   string
}

// Gate serializes per-user money movement and guarantees a delivered task
// is charged at most once per process lifetime on top of the persisted
// delivery row.
type Gate struct {
	cfg      config.Config
	store    domain.Storage
	keyed    *syncx.KeyedMutex
	admins   map[int64]struct{}
	freeSKUs map[string]struct{}

	mu        sync.Mutex
	charged   map[string]time.Time
	lastPrune time.Time

	now func() time.Time
}

// New builds a billing gate over the storage façade.
func New(cfg config.Config, store domain.Storage) *Gate {
	free := make(map[string]struct{}, len(cfg.HourlyFreeSKUs))
	for _, id := range cfg.HourlyFreeSKUs {
		free[id] = struct{}{}
	}
	return &Gate{
		cfg:      cfg,
		store:    store,
		keyed:    syncx.NewKeyedMutex(),
		admins:   cfg.AdminSet(),
		freeSKUs: free,
		charged:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// IsAdmin reports whether the user's generations bypass billing.
func (g *Gate) IsAdmin(userID int64) bool {
	_, ok := g.admins[userID]
	return ok
}

// PrecheckCharge verifies the user can afford the charge before any
// provider task is created. Funds problems must surface here, not after
// delivery.
func (g *Gate) PrecheckCharge(ctx context.Context, ch Charge) error {
	if g.IsAdmin(ch.UserID) {
		return nil
	}
	if g.freeEligible(ch) {
		usage, err := g.store.HourlyFreeUsage(ctx, ch.UserID)
		if err != nil {
			return fmt.Errorf("read free usage: %w", err)
		}
		if usage.Expired(g.now()) {
			usage = domain.HourlyFreeUsage{}
		}
		if usage.UsedCount < g.freeBase() {
			return nil
		}
		credits, err := g.store.ReferralCredits(ctx, ch.UserID)
		if err != nil {
			return fmt.Errorf("read referral bank: %w", err)
		}
		if credits > 0 {
			return nil
		}
		return domain.NewError(domain.CodeInsufficient, "hourly free limit reached").
			WithHint("wait for the hourly window to reset, or invite a friend for bonus generations")
	}
	price := round2(ch.PriceRUB)
	if price <= 0 {
		return nil
	}
	bal, err := g.store.Balance(ctx, ch.UserID)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	if bal < price {
		return domain.Errorf(domain.CodeInsufficient, "balance %.2f, need %.2f", bal, price).
			WithHint("top up the balance and retry")
	}
	return nil
}

// CommitPostDeliveryCharge debits the user for a delivered task. Callers
// invoke it only after the delivery succeeded; a failure here is an
// invariant violation that is logged and alerted but never undoes the
// delivery. Safe to call twice for the same task.
func (g *Gate) CommitPostDeliveryCharge(ctx context.Context, ch Charge) error {
	lg := observability.LoggerFromContext(ctx).With(
		slog.Int64("user_id", ch.UserID),
		slog.String("task_id", ch.TaskID),
		slog.String("sku", ch.SKUID))

	if !g.markCharged(ch.TaskID) {
		lg.Info("charge already committed for this task")
		return nil
	}

	source, err := g.commit(ctx, lg, ch)
	if err != nil {
		// The user already has the result; the books are now wrong.
		g.unmark(ch.TaskID)
		observability.BillingInvariantTotal.Inc()
		lg.Error("post-delivery charge failed",
			slog.String("error_code", domain.CodeBillingInvariant),
			slog.String("source", source),
			slog.Any("error", err))
		return domain.NewError(domain.CodeBillingInvariant, "charge failed after delivery").Wrap(err)
	}
	observability.ChargesTotal.WithLabelValues(source).Inc()
	lg.Info("charge committed", slog.String("source", source), slog.Float64("price_rub", round2(ch.PriceRUB)))
	return nil
}

// commit picks the funding source and performs the debit. Returns the
// source label even on failure so the invariant log names what was tried.
func (g *Gate) commit(ctx context.Context, lg *slog.Logger, ch Charge) (string, error) {
	if g.IsAdmin(ch.UserID) {
		return "admin", nil
	}
	if g.freeEligible(ch) {
		return g.consumeFree(ctx, lg, ch)
	}
	price := round2(ch.PriceRUB)
	if price <= 0 {
		return "noop", nil
	}
	release := g.keyed.Lock(fmt.Sprintf("balance:%d", ch.UserID))
	defer release()

	reason := ch.Reason
	if reason == "" {
		reason = fmt.Sprintf("charge:%s:%s", ch.SKUID, ch.TaskID)
	}
	bal, err := g.store.AdjustBalance(ctx, ch.UserID, -price, reason)
	if err != nil {
		return "balance", err
	}
	lg.Info("balance debited",
		slog.Float64("price_rub", price),
		slog.Float64("balance_rub", bal))
	return "balance", nil
}

// consumeFree takes one hourly slot, falling back to the referral bank
// when the window is spent.
func (g *Gate) consumeFree(ctx context.Context, lg *slog.Logger, ch Charge) (string, error) {
	release := g.keyed.Lock(fmt.Sprintf("free:%d", ch.UserID))
	defer release()

	usage, err := g.store.HourlyFreeUsage(ctx, ch.UserID)
	if err != nil {
		return "free", fmt.Errorf("read free usage: %w", err)
	}
	now := g.now()
	if usage.Expired(now) {
		usage = domain.HourlyFreeUsage{WindowStart: now.Unix()}
	}
	if usage.UsedCount < g.freeBase() {
		usage.UsedCount++
		if err := g.store.SetHourlyFreeUsage(ctx, ch.UserID, usage); err != nil {
			return "free", fmt.Errorf("consume free slot: %w", err)
		}
		lg.Info("hourly free slot consumed",
			slog.Int("used", usage.UsedCount),
			slog.Int("base", g.freeBase()))
		return "free", nil
	}

	ok, err := g.store.ConsumeReferralCredit(ctx, ch.UserID)
	if err != nil {
		return "referral", fmt.Errorf("consume referral credit: %w", err)
	}
	if !ok {
		return "referral", domain.NewError(domain.CodeInsufficient, "free window and referral bank both empty")
	}
	lg.Info("referral credit consumed")
	return "referral", nil
}

func (g *Gate) freeEligible(ch Charge) bool {
	if !ch.IsFree {
		return false
	}
	_, ok := g.freeSKUs[ch.SKUID]
	return ok
}

func (g *Gate) freeBase() int {
	if g.cfg.FreeBasePerHour > 0 {
		return g.cfg.FreeBasePerHour
	}
	return 5
}

// markCharged claims the task marker. Reports false when another commit in
// this process already holds it.
func (g *Gate) markCharged(taskID string) bool {
	key := "charged@" + taskID
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if now.Sub(g.lastPrune) > pruneInterval {
		for k, ts := range g.charged {
			if now.Sub(ts) > chargedTTL {
				delete(g.charged, k)
			}
		}
		g.lastPrune = now
	}
	if ts, ok := g.charged[key]; ok && now.Sub(ts) <= chargedTTL {
		return false
	}
	g.charged[key] = now
	return true
}

// unmark releases a marker claimed by a commit that failed, so a later
// reconciler retry can attempt the charge again.
func (g *Gate) unmark(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.charged, "charged@"+taskID)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
