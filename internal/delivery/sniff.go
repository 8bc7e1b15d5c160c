// Package delivery fetches generation results and hands them to the chat
// transport, choosing the platform method from sniffed content rather than
// trusting provider metadata.
package delivery

import (
	"bytes"
	"encoding/json"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/ferixdi-png/TRT-sub000/internal/domain"
)

// htmlProbeBytes bounds the prefix scanned for HTML markers.
const htmlProbeBytes = 1024

// SniffResult classifies a fetched payload.
type SniffResult struct {
	MIME      string
	Extension string
	Kind      domain.MediaKind
	IsHTML    bool
	IsText    bool
}

// Sniff decides what the payload actually is: magic bytes first, then the
// declared Content-Type, then the URL extension. Error pages a CDN serves
// with a 200 are caught here, not in the user's chat.
func Sniff(data []byte, declaredCT, sourceURL string) SniffResult {
	det := mimetype.Detect(data)
	mime := cleanContentType(det.String())
	ext := det.Extension()

	if mime == "" || mime == "application/octet-stream" {
		if ct := cleanContentType(declaredCT); ct != "" {
			mime = ct
		}
	}
	if ext == "" || ext == ".bin" {
		if e := urlExt(sourceURL); e != "" {
			ext = e
		}
	}

	htmlish := isHTMLType(mime)
	if !htmlish && (mime == "" || mime == "application/octet-stream" || strings.HasPrefix(mime, "text/")) {
		htmlish = looksLikeHTML(data)
	}

	res := SniffResult{MIME: mime, Extension: ext}
	switch {
	case htmlish:
		res.IsHTML = true
		res.IsText = true
		res.Kind = domain.MediaText
	case strings.HasPrefix(mime, "image/"):
		res.Kind = domain.MediaImage
	case strings.HasPrefix(mime, "video/"):
		res.Kind = domain.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		res.Kind = domain.MediaAudio
	case mime == "application/json", strings.HasPrefix(mime, "text/"), looksLikeJSON(data):
		res.IsText = true
		res.Kind = domain.MediaText
	case mime == "application/octet-stream":
		if k := kindFromExt(ext); k != "" {
			res.Kind = k
		} else {
			res.Kind = domain.MediaDocument
		}
	default:
		res.Kind = domain.MediaDocument
	}
	return res
}

// MethodFor names the platform send method for a payload. Telegram
// distinguishes photos, videos, voice notes, plain audio, and animations.
func MethodFor(kind domain.MediaKind, mime, ext string) string {
	switch kind {
	case domain.MediaImage:
		if mime == "image/gif" || ext == ".gif" {
			return "animation"
		}
		return "photo"
	case domain.MediaVideo:
		return "video"
	case domain.MediaAudio:
		if mime == "audio/ogg" || ext == ".ogg" || ext == ".oga" {
			return "voice"
		}
		return "audio"
	case domain.MediaText:
		return "text"
	default:
		return "document"
	}
}

// Filename derives the upload filename from the configured prefix, the URL
// basename, and the sniffed extension.
func Filename(prefix, sourceURL, ext string) string {
	base := ""
	if u, err := url.Parse(sourceURL); err == nil {
		base = path.Base(u.Path)
	}
	base = strings.TrimSuffix(base, path.Ext(base))
	if base == "" || base == "." || base == "/" {
		base = "result"
	}
	if prefix != "" {
		base = prefix + "_" + base
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return base + ext
}

func cleanContentType(ct string) string {
	ct = strings.TrimSpace(ct)
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func isHTMLType(mime string) bool {
	return mime == "text/html" || mime == "application/xhtml+xml"
}

var htmlMarkers = [][]byte{
	[]byte("<html"),
	[]byte("<!doctype html"),
	[]byte("<head"),
	[]byte("<body"),
	[]byte("<title>"),
}

// looksLikeHTML catches HTML served under a lying Content-Type by scanning
// the first kilobyte for structural markers.
func looksLikeHTML(data []byte) bool {
	probe := data
	if len(probe) > htmlProbeBytes {
		probe = probe[:htmlProbeBytes]
	}
	probe = bytes.ToLower(probe)
	for _, marker := range htmlMarkers {
		if bytes.Contains(probe, marker) {
			return true
		}
	}
	return false
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	return json.Valid(trimmed)
}

func urlExt(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	return strings.ToLower(path.Ext(p))
}

func kindFromExt(ext string) domain.MediaKind {
	switch ext {
	case ".png", ".jpg", ".jpeg", ".webp", ".gif":
		return domain.MediaImage
	case ".mp4", ".mov", ".webm":
		return domain.MediaVideo
	case ".mp3", ".wav", ".ogg", ".oga", ".m4a", ".flac":
		return domain.MediaAudio
	}
	return ""
}
