package domain

import (
	"context"
	"strconv"
)

// FieldKind enumerates the value kinds a model input field accepts.
type FieldKind string

const (
	FieldString FieldKind = "string"
	FieldInt    FieldKind = "int"
	FieldFloat  FieldKind = "float"
	FieldBool   FieldKind = "bool"
	FieldEnum   FieldKind = "enum"
	FieldURL    FieldKind = "url"
	FieldList   FieldKind = "list"
)

// FieldSpec describes one input field of a model: its kind, constraints, and
// the provider-side name it is sent under when that differs.
type FieldSpec struct {
	Name         string    `yaml:"name"`
	Kind         FieldKind `yaml:"kind"`
	Required     bool      `yaml:"required"`
	Enum         []string  `yaml:"enum,omitempty"`
	Min          *float64  `yaml:"min,omitempty"`
	Max          *float64  `yaml:"max,omitempty"`
	Default      any       `yaml:"default,omitempty"`
	ProviderName string    `yaml:"provider_name,omitempty"`
}

// WireName returns the field name used on the provider payload.
func (f FieldSpec) WireName() string {
	if f.ProviderName != "" {
		return f.ProviderName
	}
	return f.Name
}

// SKU is one priced variant of a model. Match holds the param values that
// select it; an empty Match marks the default variant.
type SKU struct {
	ID       string            `yaml:"id"`
	PriceRUB float64           `yaml:"price_rub"`
	Match    map[string]string `yaml:"match,omitempty"`
}

// ModelSpec is the catalog entry for one generation model.
type ModelSpec struct {
	ID            string            `yaml:"id"`
	Title         string            `yaml:"title"`
	ProviderModel string            `yaml:"provider_model"`
	Media         MediaKind         `yaml:"media"`
	TextOutput    bool              `yaml:"text_output,omitempty"`
	Fields        []FieldSpec       `yaml:"fields,omitempty"`
	SKUs          []SKU             `yaml:"skus"`
	MediaFieldMap map[string]string `yaml:"media_field_map,omitempty"`
	PollSeconds   int               `yaml:"poll_seconds,omitempty"`
}

// Field returns the field spec for name.
func (m ModelSpec) Field(name string) (FieldSpec, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// SKUFor selects the priced variant matching the given params. Variants with
// constraints are checked first; the default variant wins only when no
// constrained variant matches.
func (m ModelSpec) SKUFor(params map[string]any) (SKU, bool) {
	var fallback *SKU
	for i := range m.SKUs {
		sku := m.SKUs[i]
		if len(sku.Match) == 0 {
			if fallback == nil {
				fallback = &m.SKUs[i]
			}
			continue
		}
		matched := true
		for key, want := range sku.Match {
			if paramString(params[key]) != want {
				matched = false
				break
			}
		}
		if matched {
			return sku, true
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return SKU{}, false
}

func paramString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// Catalog resolves model ids to their specs.
type Catalog interface {
	Resolve(modelID string) (ModelSpec, error)
	Models() []ModelSpec
}

// Storage is the persistence façade behind the job lifecycle. Implementations
// must keep UpdateJobStatus monotonic per CanTransition and make BeginDelivery
// an atomic reserve so a result is handed to the chat transport at most once
// per task.
type Storage interface {
	AddGenerationJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, userID int64, jobID string) (Job, error)
	UpdateJobStatus(ctx context.Context, userID int64, jobID string, upd JobUpdate) (Job, error)
	ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]Job, error)

	GetDelivery(ctx context.Context, userID int64, taskID string) (DeliveryRecord, bool, error)
	BeginDelivery(ctx context.Context, userID int64, taskID string, urls []string) (bool, error)
	FinishDelivery(ctx context.Context, userID int64, taskID string, status DeliveryStatus, attempts int, cause string) error

	Balance(ctx context.Context, userID int64) (float64, error)
	AdjustBalance(ctx context.Context, userID int64, delta float64, reason string) (float64, error)
	HourlyFreeUsage(ctx context.Context, userID int64) (HourlyFreeUsage, error)
	SetHourlyFreeUsage(ctx context.Context, userID int64, usage HourlyFreeUsage) error
	ReferralCredits(ctx context.Context, userID int64) (int, error)
	ConsumeReferralCredit(ctx context.Context, userID int64) (bool, error)

	// AddPayment records a top-up and credits the balance in one atomic
	// step. A payment whose ScreenshotUID was already recorded is skipped
	// and reported as added=false, so confirmations can be replayed safely.
	AddPayment(ctx context.Context, p Payment) (added bool, err error)
}

// ChatTransport delivers text and media to a chat. Implementations map
// MediaKind to the platform method and surface platform rejections as typed
// errors so the pipeline can fall back to another method.
type ChatTransport interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendMediaURL(ctx context.Context, chatID int64, kind MediaKind, url, caption string) error
	SendMediaUpload(ctx context.Context, chatID int64, kind MediaKind, a Artifact, caption string) error
	SendAlbumURL(ctx context.Context, chatID int64, kind MediaKind, urls []string, caption string) error
}

// Publisher emits job transition events. Publishing is best effort: callers
// log failures and move on, the job lifecycle never blocks on the stream.
type Publisher interface {
	PublishTransition(ctx context.Context, ev JobTransitionEvent) error
	Close(ctx context.Context) error
}

// ProviderClient talks to the generation provider.
type ProviderClient interface {
	CreateTask(ctx context.Context, model string, payload map[string]any, callbackURL string) (string, error)
	TaskStatus(ctx context.Context, taskID string) (ProviderTask, error)
}

// TaskCanceler is implemented by provider clients that support cancelling an
// in-flight task.
type TaskCanceler interface {
	CancelTask(ctx context.Context, taskID string) error
}

// TaskResolver is implemented by provider clients that can look up the task
// created for a job when the local record of the task id was lost.
type TaskResolver interface {
	ResolveTask(ctx context.Context, jobID string) (taskID string, err error)
}
