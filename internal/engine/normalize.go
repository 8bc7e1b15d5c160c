package engine

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/ferixdi-png/TRT-sub000/internal/domain"
)

// Normalizer turns raw provider records into deliverable JobResults. All
// repairs are idempotent: normalizing an already normalized record changes
// nothing.
type Normalizer struct {
	cdnBase      string
	fallbackHost string
}

// NewNormalizer builds a normalizer. cdnBase resolves relative result
// paths and donates the fallback host for spliced-protocol repairs.
func NewNormalizer(cdnBase string) *Normalizer {
	n := &Normalizer{cdnBase: strings.TrimRight(strings.TrimSpace(cdnBase), "/")}
	if u, err := url.Parse(n.cdnBase); err == nil {
		n.fallbackHost = u.Host
	}
	return n
}

// Normalize merges, repairs, and classifies the provider record into a
// JobResult for the given model.
func (n *Normalizer) Normalize(task domain.ProviderTask, spec domain.ModelSpec) (domain.JobResult, error) {
	record := decodeResultJSON(task.ResultJSON)

	merged := mergeURLs(task.ResultURLs, urlList(record["resultUrls"]), urlList(record["resultUrl"]))
	urls := make([]string, 0, len(merged))
	for _, raw := range merged {
		fixed, err := n.repairURL(raw)
		if err != nil {
			slog.Warn("dropping unrepairable result url",
				slog.String("error_code", domain.CodeKieResultURLInvalid),
				slog.String("task_id", task.TaskID),
				slog.String("url", raw))
			continue
		}
		urls = append(urls, fixed)
	}
	if len(merged) > 0 && len(urls) == 0 {
		return domain.JobResult{}, domain.Errorf(domain.CodeKieResultURLInvalid,
			"no usable url in provider result for task %s", task.TaskID).
			WithHint("retry the generation")
	}

	text := textFrom(record)

	media := domain.ParseMediaKind(stringFrom(record["mediaType"]))
	if media == "" && len(urls) > 0 {
		media = mediaFromURL(urls[0])
	}
	if media == "" {
		if len(urls) == 0 && text != "" {
			media = domain.MediaText
		} else {
			media = spec.Media
		}
	}

	if len(urls) == 0 {
		if spec.TextOutput || spec.Media == domain.MediaText {
			if strings.TrimSpace(text) == "" {
				return domain.JobResult{}, domain.Errorf(domain.CodeKieResultEmptyText,
					"provider returned no text for task %s", task.TaskID).
					WithHint("retry the generation")
			}
		} else if strings.TrimSpace(text) == "" {
			return domain.JobResult{}, domain.Errorf(domain.CodeKieResultEmpty,
				"provider returned an empty result for task %s", task.TaskID).
				WithHint("retry the generation")
		}
	}

	return domain.JobResult{
		TaskID:    task.TaskID,
		State:     task.State,
		MediaType: media,
		URLs:      urls,
		Text:      text,
		Raw:       record,
	}, nil
}

// repairURL fixes the known damage shapes of provider result URLs:
// scheme-less //host paths, relative paths, and a second protocol spliced
// into the middle of the string.
func (n *Normalizer) repairURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", domain.NewError(domain.CodeKieResultURLInvalid, "empty url")
	}

	if i := splicedSchemeIndex(s); i > 0 {
		prefix := s[:i]
		if u, err := url.Parse(s[i:]); err == nil {
			if u.Host == "" {
				u.Host = hostCandidate(prefix, n.fallbackHost)
			}
			s = u.String()
		}
	}

	if strings.HasPrefix(s, "//") {
		s = "https:" + s
	}
	if strings.HasPrefix(s, "/") {
		if n.cdnBase == "" {
			return "", domain.Errorf(domain.CodeKieResultURLInvalid,
				"relative result path %q without KIE_RESULT_CDN_BASE_URL", s)
		}
		s = n.cdnBase + s
	}

	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", domain.Errorf(domain.CodeKieResultURLInvalid, "unparseable url %q", raw)
	}
	return u.String(), nil
}

// splicedSchemeIndex returns the index of a protocol marker embedded past
// the start of the string, or -1.
func splicedSchemeIndex(s string) int {
	i := strings.LastIndex(s, "https://")
	if j := strings.LastIndex(s, "http://"); j > i {
		i = j
	}
	if i <= 0 {
		return -1
	}
	return i
}

// hostCandidate extracts a plausible host from the glitched prefix, else
// falls back.
func hostCandidate(prefix, fallback string) string {
	h := strings.TrimSpace(prefix)
	h = strings.TrimPrefix(h, "https://")
	h = strings.TrimPrefix(h, "http://")
	h = strings.Trim(h, "/")
	if h != "" && strings.Contains(h, ".") && !strings.ContainsAny(h, "/ ") {
		return h
	}
	return fallback
}

func mergeURLs(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, u := range list {
			u = strings.TrimSpace(u)
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

func mediaFromURL(raw string) domain.MediaKind {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".png", ".jpg", ".jpeg", ".webp", ".gif":
		return domain.MediaImage
	case ".mp4", ".mov", ".webm":
		return domain.MediaVideo
	case ".mp3", ".wav", ".ogg", ".m4a", ".flac":
		return domain.MediaAudio
	}
	return ""
}

// decodeResultJSON tolerates resultJson arriving as an object or as a
// JSON-encoded string containing one.
func decodeResultJSON(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err == nil {
		return m
	}
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err == nil {
		if err := json.Unmarshal([]byte(s), &m); err == nil {
			return m
		}
	}
	return nil
}

// textFrom extracts display text from the record, JSON-encoding non-string
// values.
func textFrom(record map[string]any) string {
	for _, key := range []string{"resultText", "resultObject", "text"} {
		v, ok := record[key]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if strings.TrimSpace(s) != "" {
				return s
			}
			continue
		}
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return ""
}

func stringFrom(v any) string {
	s, _ := v.(string)
	return s
}

// urlList tolerates the shapes a url field arrives in: a list, a single
// string, or a JSON-encoded list inside a string.
func urlList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		if strings.HasPrefix(s, "[") {
			var inner []string
			if err := json.Unmarshal([]byte(s), &inner); err == nil {
				return inner
			}
		}
		return []string{s}
	}
	return nil
}
