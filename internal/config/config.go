// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
//
// Interval-style variables keep their historical numeric-seconds form
// (*_SECONDS ints, delay floats); the duration accessors below convert them.
type Config struct {
	AppEnv  string `env:"APP_ENV" envDefault:"dev"`
	OpsPort int    `env:"OPS_PORT" envDefault:"8081"`

	// Provider (KIE) client.
	KieAPIKey                string  `env:"KIE_API_KEY"`
	KieAPIURL                string  `env:"KIE_API_URL" envDefault:"https://api.kie.ai"`
	KieTimeoutSeconds        int     `env:"KIE_TIMEOUT_SECONDS" envDefault:"30"`
	KieRetryMaxAttempts      int     `env:"KIE_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	KieRetryBaseDelay        float64 `env:"KIE_RETRY_BASE_DELAY" envDefault:"1.0"`
	KieRetryMaxDelay         float64 `env:"KIE_RETRY_MAX_DELAY" envDefault:"60.0"`
	KieCircuitBreakerEnabled bool    `env:"KIE_CIRCUIT_BREAKER_ENABLED" envDefault:"true"`
	KieCBFailureThreshold    int     `env:"KIE_CB_FAILURE_THRESHOLD" envDefault:"5"`
	KieCBSuccessThreshold    int     `env:"KIE_CB_SUCCESS_THRESHOLD" envDefault:"2"`
	KieCBTimeout             float64 `env:"KIE_CB_TIMEOUT" envDefault:"60.0"`
	KiePollMaxAttempts       int     `env:"KIE_POLL_MAX_ATTEMPTS" envDefault:"80"`
	KieResultCDNBaseURL      string  `env:"KIE_RESULT_CDN_BASE_URL"`
	KieStub                  bool    `env:"KIE_STUB"`
	// KieMinInterval paces outbound provider calls across the whole process;
	// zero disables pacing.
	KieMinInterval           time.Duration `env:"KIE_MIN_INTERVAL" envDefault:"0s"`
	KieWaitingTimeoutSeconds int           `env:"KIE_WAITING_TIMEOUT_SECONDS" envDefault:"300"`
	CallbackBaseURL          string        `env:"CALLBACK_BASE_URL"`

	// Job engine.
	JobTimeoutSeconds int `env:"JOB_TIMEOUT_SECONDS" envDefault:"900"`

	// Dedupe store and distributed lock.
	GenDedupeTTLSeconds        int     `env:"GEN_DEDUPE_TTL_SECONDS" envDefault:"3600"`
	RedisURL                   string  `env:"REDIS_URL"`
	RedisConnectTimeoutSeconds float64 `env:"REDIS_CONNECT_TIMEOUT_SECONDS" envDefault:"0.5"`

	// Delivery.
	TelegramSafeUploadBytes int64  `env:"TELEGRAM_SAFE_UPLOAD_BYTES" envDefault:"47185920"`
	TelegramMaxFileBytes    int64  `env:"TELEGRAM_MAX_FILE_BYTES" envDefault:"52428800"`
	DeliveryFilenamePrefix  string `env:"DELIVERY_FILENAME_PREFIX" envDefault:"gen"`

	// Billing.
	FreeBasePerHour int      `env:"FREE_BASE_PER_HOUR" envDefault:"5"`
	HourlyFreeSKUs  []string `env:"HOURLY_FREE_SKUS" envSeparator:","`

	// Reconcilers.
	PendingReconcileIntervalSeconds int `env:"PENDING_RECONCILE_INTERVAL_SECONDS" envDefault:"60"`
	PendingBatchLimit               int `env:"PENDING_BATCH_LIMIT" envDefault:"25"`
	PendingQueueAlertAgeSeconds     int `env:"PENDING_QUEUE_ALERT_AGE_SECONDS" envDefault:"900"`
	QueueTailAlertThreshold         int `env:"QUEUE_TAIL_ALERT_THRESHOLD" envDefault:"50"`
	OrphanReconcileIntervalSeconds  int `env:"ORPHAN_RECONCILE_INTERVAL_SECONDS" envDefault:"120"`
	OrphanMaxAgeSeconds             int `env:"ORPHAN_MAX_AGE_SECONDS" envDefault:"1800"`
	OrphanNotifyCooldownSeconds     int `env:"ORPHAN_NOTIFY_COOLDOWN_SECONDS" envDefault:"3600"`

	// Storage.
	StorageMode   string `env:"STORAGE_MODE" envDefault:"json"`
	DataDir       string `env:"DATA_DIR" envDefault:"data"`
	DatabaseURL   string `env:"DATABASE_URL"`
	BotInstanceID string `env:"BOT_INSTANCE_ID"`
	PartnerID     string `env:"PARTNER_ID"`

	// AdminID and AdminIDs mark operators whose jobs bypass billing.
	// ADMIN_IDS accepts comma or space separated ids.
	AdminID  int64  `env:"ADMIN_ID"`
	AdminIDs string `env:"ADMIN_IDS"`

	// Model catalog.
	ModelCatalogPath string `env:"MODEL_CATALOG_PATH" envDefault:"configs/models.yaml"`

	// Event stream; empty broker list disables publishing.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	EventsTopic  string   `env:"EVENTS_TOPIC" envDefault:"gen.job.transitions"`

	// Observability.
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"kie-orchestrator"`

	// Ops HTTP server.
	CallbackRateLimitPerMin int           `env:"CALLBACK_RATE_LIMIT_PER_MIN" envDefault:"120"`
	ServerShutdownTimeout   time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout         time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout        time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout         time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if !cfg.KieStub && !cfg.IsTest() && cfg.KieAPIKey == "" {
		return Config{}, fmt.Errorf("op=config.Load: KIE_API_KEY is required unless KIE_STUB=1")
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// Tenant returns the storage namespace for this deployment. BOT_INSTANCE_ID
// wins over PARTNER_ID; both empty means the shared "default" tenant.
func (c Config) Tenant() string {
	if c.BotInstanceID != "" {
		return c.BotInstanceID
	}
	if c.PartnerID != "" {
		return c.PartnerID
	}
	return "default"
}

// AdminSet returns the ids with billing bypass, merging ADMIN_ID and the
// comma/space separated ADMIN_IDS list.
func (c Config) AdminSet() map[int64]struct{} {
	set := make(map[int64]struct{})
	if c.AdminID != 0 {
		set[c.AdminID] = struct{}{}
	}
	fields := strings.FieldsFunc(c.AdminIDs, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	for _, f := range fields {
		var id int64
		if _, err := fmt.Sscanf(f, "%d", &id); err == nil && id != 0 {
			set[id] = struct{}{}
		}
	}
	return set
}

// EventsEnabled reports whether the transition event stream is configured.
func (c Config) EventsEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaBrokers[0] != ""
}

// Duration accessors for the numeric-seconds variables.

// KieTimeout is the per-call provider HTTP timeout.
func (c Config) KieTimeout() time.Duration { return secs(float64(c.KieTimeoutSeconds)) }

// KieRetryBase is the initial provider retry delay.
func (c Config) KieRetryBase() time.Duration { return secs(c.KieRetryBaseDelay) }

// KieRetryMax caps the provider retry delay.
func (c Config) KieRetryMax() time.Duration { return secs(c.KieRetryMaxDelay) }

// KieCBReset is how long the provider breaker stays open before half-open.
func (c Config) KieCBReset() time.Duration { return secs(c.KieCBTimeout) }

// KieWaitingTimeout bounds how long a task may sit in a waiting state.
func (c Config) KieWaitingTimeout() time.Duration {
	return secs(float64(c.KieWaitingTimeoutSeconds))
}

// JobTimeout bounds one generation end to end.
func (c Config) JobTimeout() time.Duration { return secs(float64(c.JobTimeoutSeconds)) }

// DedupeTTL is the lifetime of a dedupe entry.
func (c Config) DedupeTTL() time.Duration { return secs(float64(c.GenDedupeTTLSeconds)) }

// RedisConnectTimeout bounds the Redis availability probe.
func (c Config) RedisConnectTimeout() time.Duration { return secs(c.RedisConnectTimeoutSeconds) }

// PendingInterval is the pending reconciler sweep period.
func (c Config) PendingInterval() time.Duration {
	return secs(float64(c.PendingReconcileIntervalSeconds))
}

// PendingQueueAlertAge is the queue age beyond which a sweep alerts.
func (c Config) PendingQueueAlertAge() time.Duration {
	return secs(float64(c.PendingQueueAlertAgeSeconds))
}

// OrphanInterval is the orphan reconciler sweep period.
func (c Config) OrphanInterval() time.Duration {
	return secs(float64(c.OrphanReconcileIntervalSeconds))
}

// OrphanMaxAge is how old an unrecovered orphan may grow before it fails.
func (c Config) OrphanMaxAge() time.Duration { return secs(float64(c.OrphanMaxAgeSeconds)) }

// OrphanNotifyCooldown rate-limits orphan failure notifications per user.
func (c Config) OrphanNotifyCooldown() time.Duration {
	return secs(float64(c.OrphanNotifyCooldownSeconds))
}

// GetKieBackoffConfig returns retry pacing appropriate for the current
// environment. Test mode shortens everything so suites stay fast.
func (c Config) GetKieBackoffConfig() (base, max time.Duration, attempts int) {
	if c.IsTest() {
		return 10 * time.Millisecond, 100 * time.Millisecond, c.KieRetryMaxAttempts
	}
	return c.KieRetryBase(), c.KieRetryMax(), c.KieRetryMaxAttempts
}

func secs(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }
