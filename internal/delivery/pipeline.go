package delivery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ferixdi-png/TRT-sub000/internal/config"
	"github.com/ferixdi-png/TRT-sub000/internal/domain"
	"github.com/ferixdi-png/TRT-sub000/internal/observability"
	"github.com/ferixdi-png/TRT-sub000/pkg/textx"
)

const (
	fetchAttempts = 4
	fetchTimeout  = 30 * time.Second

	// maxTextRunes keeps chunks under the Telegram message limit of 4096.
	maxTextRunes = 4000
)

var fetchBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// Pipeline turns a normalized JobResult into chat messages: fetch, sniff,
// pick the send method, upload, and degrade to a link when the platform
// refuses the payload.
type Pipeline struct {
	cfg       config.Config
	transport domain.ChatTransport
	store     domain.Storage
	hc        *http.Client
	attempts  int
	backoff   []time.Duration
}

// New builds a delivery pipeline around the chat transport.
func New(cfg config.Config, transport domain.ChatTransport, store domain.Storage) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		transport: transport,
		store:     store,
		hc: &http.Client{
			Timeout:   fetchTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		attempts: fetchAttempts,
		backoff:  fetchBackoff,
	}
}

// DeliverTracked runs Deliver behind the delivery-record CAS so one task's
// result reaches the chat at most once, even when the run loop and the
// reconciler race. Reports whether this call performed the delivery.
func (p *Pipeline) DeliverTracked(ctx context.Context, userID, chatID int64, res domain.JobResult, caption string) (bool, error) {
	won, err := p.store.BeginDelivery(ctx, userID, res.TaskID, res.URLs)
	if err != nil {
		return false, fmt.Errorf("reserve delivery: %w", err)
	}
	if !won {
		observability.LoggerFromContext(ctx).Info("delivery already handled elsewhere",
			slog.String("task_id", res.TaskID),
			slog.Int64("user_id", userID))
		return false, nil
	}

	attempts := 1
	if rec, ok, rerr := p.store.GetDelivery(ctx, userID, res.TaskID); rerr == nil && ok {
		attempts = rec.Attempts + 1
	}

	if err := p.Deliver(ctx, chatID, res, caption); err != nil {
		if ferr := p.store.FinishDelivery(ctx, userID, res.TaskID, domain.DeliveryFailed, attempts, err.Error()); ferr != nil {
			observability.LoggerFromContext(ctx).Error("delivery record finish failed",
				slog.String("task_id", res.TaskID),
				slog.Any("error", ferr))
		}
		return false, err
	}
	if err := p.store.FinishDelivery(ctx, userID, res.TaskID, domain.DeliveryDelivered, attempts, ""); err != nil {
		observability.LoggerFromContext(ctx).Error("delivery record finish failed",
			slog.String("task_id", res.TaskID),
			slog.Any("error", err))
	}
	return true, nil
}

// Deliver sends one normalized result to the chat. Media failures degrade
// to a link message instead of losing the result; the returned error means
// nothing reached the user at all.
func (p *Pipeline) Deliver(ctx context.Context, chatID int64, res domain.JobResult, caption string) error {
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("task_id", res.TaskID),
		slog.Int64("chat_id", chatID))

	if len(res.URLs) == 0 {
		return p.deliverText(ctx, lg, chatID, res.Text)
	}

	if len(res.URLs) > 1 && (res.MediaType == domain.MediaImage || res.MediaType == domain.MediaVideo) {
		err := p.transport.SendAlbumURL(ctx, chatID, res.MediaType, res.URLs, caption)
		if err == nil {
			observability.DeliveriesTotal.WithLabelValues("album", "ok").Inc()
			lg.Info("album delivered", slog.Int("items", len(res.URLs)))
			return nil
		}
		observability.DeliveriesTotal.WithLabelValues("album", "error").Inc()
		lg.Warn("album send failed, delivering items one by one", slog.Any("error", err))
	}

	var firstErr error
	sent := 0
	for _, u := range res.URLs {
		if err := p.deliverOne(ctx, lg, chatID, u, res.MediaType, caption); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
		caption = ""
	}
	if sent == 0 && firstErr != nil {
		return firstErr
	}
	return nil
}

func (p *Pipeline) deliverOne(ctx context.Context, lg *slog.Logger, chatID int64, sourceURL string, declared domain.MediaKind, caption string) error {
	art, err := p.fetch(ctx, sourceURL)
	if err != nil {
		lg.Warn("result fetch failed, sending the link instead",
			slog.String("url", sourceURL),
			slog.Any("error", err))
		return p.sendURLFallback(ctx, lg, chatID, sourceURL, caption, err)
	}
	observability.DeliveryBytes.Observe(float64(len(art.Data)))

	sn := Sniff(art.Data, art.MIME, sourceURL)
	if sn.IsHTML {
		lg.Warn("result url served an html page, refusing to ship it as media",
			slog.String("url", sourceURL),
			slog.String("error_code", domain.CodeInvalidResultURL))
		return p.sendURLFallback(ctx, lg, chatID, sourceURL, caption,
			domain.NewError(domain.CodeInvalidResultURL, "html instead of media"))
	}

	kind := sn.Kind
	if sn.IsText && declared != domain.MediaText {
		// Text bytes behind a media URL are suspicious; ship them as a file
		// so nothing is lost.
		kind = domain.MediaDocument
	}
	if kind == "" || kind == domain.MediaText {
		kind = declared
	}

	if int64(len(art.Data)) > p.cfg.TelegramSafeUploadBytes {
		lg.Info("payload above the safe upload size, sending the link",
			slog.Int("bytes", len(art.Data)),
			slog.String("url", sourceURL))
		if err := p.transport.SendMediaURL(ctx, chatID, kind, sourceURL, caption); err != nil {
			observability.DeliveriesTotal.WithLabelValues("media_url", "error").Inc()
			return p.sendURLFallback(ctx, lg, chatID, sourceURL, caption, err)
		}
		observability.DeliveriesTotal.WithLabelValues("media_url", "ok").Inc()
		return nil
	}

	method := MethodFor(kind, sn.MIME, sn.Extension)
	art.Name = Filename(p.cfg.DeliveryFilenamePrefix, sourceURL, sn.Extension)
	art.MIME = sn.MIME
	if err := p.transport.SendMediaUpload(ctx, chatID, kind, art, caption); err != nil {
		observability.DeliveriesTotal.WithLabelValues(method, "error").Inc()
		lg.Warn("media upload failed, sending the link instead",
			slog.String("method", method),
			slog.Any("error", err))
		return p.sendURLFallback(ctx, lg, chatID, sourceURL, caption, err)
	}
	observability.DeliveriesTotal.WithLabelValues(method, "ok").Inc()
	lg.Info("result delivered",
		slog.String("method", method),
		slog.Int("bytes", len(art.Data)))
	return nil
}

func (p *Pipeline) deliverText(ctx context.Context, lg *slog.Logger, chatID int64, text string) error {
	text = textx.Sanitize(text)
	if text == "" {
		return domain.NewError(domain.CodeKieResultEmpty, "nothing to deliver")
	}
	for _, chunk := range textx.Split(text, maxTextRunes) {
		if err := p.transport.SendText(ctx, chatID, chunk); err != nil {
			observability.DeliveriesTotal.WithLabelValues("text", "error").Inc()
			return domain.NewError(domain.CodeDeliverFailed, "text delivery failed").Wrap(err)
		}
	}
	observability.DeliveriesTotal.WithLabelValues("text", "ok").Inc()
	lg.Info("text delivered", slog.Int("chars", utf8.RuneCountInString(text)))
	return nil
}

// sendURLFallback ships the raw link with a short error id the user can
// quote when they report the failed upload.
func (p *Pipeline) sendURLFallback(ctx context.Context, lg *slog.Logger, chatID int64, sourceURL, caption string, cause error) error {
	errID := uuid.NewString()[:8]
	lg.Warn("delivery degraded to a link",
		slog.String("error_id", errID),
		slog.String("url", sourceURL),
		slog.Any("error", cause))

	msg := sourceURL
	if caption != "" {
		msg = caption + "\n" + msg
	}
	msg += "\n\nref " + errID
	if err := p.transport.SendText(ctx, chatID, msg); err != nil {
		observability.DeliveriesTotal.WithLabelValues("text", "error").Inc()
		return domain.Errorf(domain.CodeDeliverFailed, "delivery failed for %s (ref %s)", sourceURL, errID).
			Wrap(err)
	}
	observability.DeliveriesTotal.WithLabelValues("text", "ok").Inc()
	return nil
}

// fetch GETs the artifact with bounded retries. The read is capped at the
// platform hard limit plus one byte so oversize detection never buffers an
// unbounded body.
func (p *Pipeline) fetch(ctx context.Context, sourceURL string) (domain.Artifact, error) {
	maxBytes := p.cfg.TelegramMaxFileBytes
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			d := p.backoff[min(attempt-1, len(p.backoff)-1)]
			select {
			case <-ctx.Done():
				return domain.Artifact{}, ctx.Err()
			case <-time.After(d):
			}
		}
		art, err := p.fetchOnce(ctx, sourceURL, maxBytes)
		if err == nil {
			return art, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return domain.Artifact{}, ctx.Err()
		}
		if domain.IsCode(err, domain.CodeMediaTooLarge) {
			break
		}
	}
	return domain.Artifact{}, fmt.Errorf("fetch %s: %w", sourceURL, lastErr)
}

func (p *Pipeline) fetchOnce(ctx context.Context, sourceURL string, maxBytes int64) (domain.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	resp, err := p.hc.Do(req)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Artifact{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return domain.Artifact{}, err
	}
	if int64(len(data)) > maxBytes {
		return domain.Artifact{}, domain.Errorf(domain.CodeMediaTooLarge,
			"payload exceeds the %d byte platform limit", maxBytes)
	}
	return domain.Artifact{
		Data:      data,
		MIME:      resp.Header.Get("Content-Type"),
		SourceURL: sourceURL,
	}, nil
}

