// Package chat holds transports implementing domain.ChatTransport. The
// production bot injects its own transport when embedding the
// orchestrator; the logging transport here serves standalone runs,
// development, and the stub provider loop.
package chat

import (
	"context"

	"github.com/ferixdi-png/TRT-sub000/internal/domain"
	"github.com/ferixdi-png/TRT-sub000/internal/observability"
)

// Logging records every delivery instead of sending it anywhere.
type Logging struct{}

// NewLogging returns a transport that logs deliveries at info level.
func NewLogging() Logging { return Logging{} }

// SendText implements domain.ChatTransport.
func (Logging) SendText(ctx context.Context, chatID int64, text string) error {
	observability.LoggerFromContext(ctx).Info("chat send text",
		"chat_id", chatID, "chars", len([]rune(text)))
	return nil
}

// SendMediaURL implements domain.ChatTransport.
func (Logging) SendMediaURL(ctx context.Context, chatID int64, kind domain.MediaKind, url, caption string) error {
	observability.LoggerFromContext(ctx).Info("chat send media url",
		"chat_id", chatID, "kind", string(kind), "url", url, "caption_chars", len([]rune(caption)))
	return nil
}

// SendMediaUpload implements domain.ChatTransport.
func (Logging) SendMediaUpload(ctx context.Context, chatID int64, kind domain.MediaKind, a domain.Artifact, caption string) error {
	observability.LoggerFromContext(ctx).Info("chat send media upload",
		"chat_id", chatID, "kind", string(kind), "name", a.Name,
		"mime", a.MIME, "bytes", len(a.Data))
	return nil
}

// SendAlbumURL implements domain.ChatTransport.
func (Logging) SendAlbumURL(ctx context.Context, chatID int64, kind domain.MediaKind, urls []string, caption string) error {
	observability.LoggerFromContext(ctx).Info("chat send album",
		"chat_id", chatID, "kind", string(kind), "items", len(urls))
	return nil
}
