package engine

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ferixdi-png/TRT-sub000/internal/domain"
)

// probeBytes is how much of a result body the checker reads when a HEAD is
// not conclusive.
const probeBytes = 1024

// URLChecker verifies result URLs before delivery: each must be reachable,
// non-empty, and of a content type compatible with the declared media kind.
type URLChecker struct {
	hc *http.Client
}

// NewURLChecker builds a checker with its own bounded HTTP client.
func NewURLChecker(timeout time.Duration) *URLChecker {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &URLChecker{hc: &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}}
}

// Check validates all URLs against the media kind. At least one URL must
// yield non-empty bytes; a result where every URL fails is rejected.
func (c *URLChecker) Check(ctx context.Context, urls []string, kind domain.MediaKind) error {
	if len(urls) == 0 {
		return nil
	}
	var firstErr error
	usable := 0
	for _, u := range urls {
		if err := c.checkOne(ctx, u, kind); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		usable++
	}
	if usable == 0 {
		return firstErr
	}
	return nil
}

func (c *URLChecker) checkOne(ctx context.Context, rawURL string, kind domain.MediaKind) error {
	ct, size, err := c.head(ctx, rawURL)
	if err != nil || ct == "" || size == 0 {
		ct, size, err = c.probe(ctx, rawURL)
	}
	if err != nil {
		return domain.Errorf(domain.CodeInvalidResultURL, "result url unreachable: %s", rawURL).
			WithHint("retry the generation").Wrap(err)
	}
	if size == 0 {
		return domain.Errorf(domain.CodeInvalidResultURL, "result url is empty: %s", rawURL).
			WithHint("retry the generation")
	}
	if !contentTypeMatches(ct, kind) {
		return domain.Errorf(domain.CodeKieResultInvalidContent,
			"result url served %s instead of %s: %s", ct, kind, rawURL).
			WithHint("retry the generation")
	}
	return nil
}

func (c *URLChecker) head(ctx context.Context, rawURL string) (ct string, size int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, domain.Errorf(domain.CodeInvalidResultURL, "status %d", resp.StatusCode)
	}
	return mediaTypeOf(resp.Header.Get("Content-Type")), resp.ContentLength, nil
}

// probe fetches a small prefix when HEAD is refused or inconclusive.
func (c *URLChecker) probe(ctx context.Context, rawURL string) (ct string, size int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Range", "bytes=0-1023")
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, domain.Errorf(domain.CodeInvalidResultURL, "status %d", resp.StatusCode)
	}
	n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, probeBytes))
	return mediaTypeOf(resp.Header.Get("Content-Type")), n, nil
}

// contentTypeMatches accepts the declared kind's own type family plus
// opaque binary types; servers that skip Content-Type pass too. HTML never
// passes for media kinds.
func contentTypeMatches(ct string, kind domain.MediaKind) bool {
	if ct == "text/html" || ct == "application/xhtml+xml" {
		return false
	}
	if ct == "" || ct == "application/octet-stream" || ct == "binary/octet-stream" {
		return true
	}
	switch kind {
	case domain.MediaImage:
		return strings.HasPrefix(ct, "image/")
	case domain.MediaVideo:
		return strings.HasPrefix(ct, "video/")
	case domain.MediaAudio:
		return strings.HasPrefix(ct, "audio/") || ct == "video/webm"
	default:
		return true
	}
}

func mediaTypeOf(header string) string {
	ct := strings.TrimSpace(header)
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
