package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferixdi-png/TRT-sub000/internal/config"
	"github.com/ferixdi-png/TRT-sub000/internal/domain"
)

type sentText struct {
	chatID int64
	text   string
}

type sentUpload struct {
	chatID  int64
	kind    domain.MediaKind
	art     domain.Artifact
	caption string
}

type sentURL struct {
	chatID  int64
	kind    domain.MediaKind
	url     string
	caption string
}

type sentAlbum struct {
	chatID  int64
	kind    domain.MediaKind
	urls    []string
	caption string
}

// fakeTransport records every call and fails on demand. Calls are recorded
// even when the injected error fires, so tests can assert "tried then fell
// back" sequences.
type fakeTransport struct {
	mu        sync.Mutex
	texts     []sentText
	uploads   []sentUpload
	mediaURLs []sentURL
	albums    []sentAlbum

	textErr     error
	uploadErr   error
	mediaURLErr error
	albumErr    error
}

func (f *fakeTransport) SendText(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, sentText{chatID: chatID, text: text})
	return f.textErr
}

func (f *fakeTransport) SendMediaURL(_ context.Context, chatID int64, kind domain.MediaKind, url, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediaURLs = append(f.mediaURLs, sentURL{chatID: chatID, kind: kind, url: url, caption: caption})
	return f.mediaURLErr
}

func (f *fakeTransport) SendMediaUpload(_ context.Context, chatID int64, kind domain.MediaKind, a domain.Artifact, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, sentUpload{chatID: chatID, kind: kind, art: a, caption: caption})
	return f.uploadErr
}

func (f *fakeTransport) SendAlbumURL(_ context.Context, chatID int64, kind domain.MediaKind, urls []string, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.albums = append(f.albums, sentAlbum{chatID: chatID, kind: kind, urls: append([]string(nil), urls...), caption: caption})
	return f.albumErr
}

// fakeDeliveryStore implements just the delivery-record slice of
// domain.Storage with the same reserve semantics as the real backends:
// an existing record blocks a new reservation unless it is failed.
type fakeDeliveryStore struct {
	domain.Storage

	mu       sync.Mutex
	recs     map[string]domain.DeliveryRecord
	beginErr error
}

func newFakeDeliveryStore() *fakeDeliveryStore {
	return &fakeDeliveryStore{recs: make(map[string]domain.DeliveryRecord)}
}

func deliveryKey(userID int64, taskID string) string {
	return fmt.Sprintf("%d:%s", userID, taskID)
}

func (s *fakeDeliveryStore) BeginDelivery(_ context.Context, userID int64, taskID string, urls []string) (bool, error) {
	if s.beginErr != nil {
		return false, s.beginErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := deliveryKey(userID, taskID)
	cur, ok := s.recs[k]
	if ok && cur.Status != domain.DeliveryFailed {
		return false, nil
	}
	now := time.Now().UTC()
	created := now
	if ok {
		created = cur.CreatedAt
	}
	s.recs[k] = domain.DeliveryRecord{
		UserID:         userID,
		ProviderTaskID: taskID,
		Status:         domain.DeliveryDelivering,
		Attempts:       cur.Attempts,
		ResultURLs:     append([]string(nil), urls...),
		CreatedAt:      created,
		UpdatedAt:      now,
	}
	return true, nil
}

func (s *fakeDeliveryStore) GetDelivery(_ context.Context, userID int64, taskID string) (domain.DeliveryRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[deliveryKey(userID, taskID)]
	return rec, ok, nil
}

func (s *fakeDeliveryStore) FinishDelivery(_ context.Context, userID int64, taskID string, status domain.DeliveryStatus, attempts int, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := deliveryKey(userID, taskID)
	rec := s.recs[k]
	rec.UserID = userID
	rec.ProviderTaskID = taskID
	rec.Status = status
	rec.Attempts = attempts
	rec.Error = cause
	rec.UpdatedAt = time.Now().UTC()
	if status == domain.DeliveryDelivered {
		now := time.Now().UTC()
		rec.DeliveredAt = &now
	}
	s.recs[k] = rec
	return nil
}

func (s *fakeDeliveryStore) record(t *testing.T, userID int64, taskID string) domain.DeliveryRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[deliveryKey(userID, taskID)]
	require.True(t, ok, "delivery record %d/%s missing", userID, taskID)
	return rec
}

func newTestPipeline(tr *fakeTransport, store *fakeDeliveryStore) *Pipeline {
	p := New(config.Config{
		TelegramSafeUploadBytes: 10 << 20,
		TelegramMaxFileBytes:    50 << 20,
		DeliveryFilenamePrefix:  "gen",
	}, tr, store)
	p.attempts = 2
	p.backoff = []time.Duration{time.Millisecond}
	return p
}

// serveFile exposes body at path under a throwaway test server and returns
// the full URL.
func serveFile(t *testing.T, path, contentType string, body []byte) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + path
}

func TestDeliverTextChunks(t *testing.T) {
	tr := &fakeTransport{}
	p := newTestPipeline(tr, newFakeDeliveryStore())

	long := strings.Repeat("line\n", 900) // 4500 runes, forces a split
	err := p.Deliver(context.Background(), 42, domain.JobResult{TaskID: "t1", Text: long}, "")
	require.NoError(t, err)

	require.Len(t, tr.texts, 2)
	for _, msg := range tr.texts {
		assert.LessOrEqual(t, utf8.RuneCountInString(msg.text), maxTextRunes)
		assert.Equal(t, int64(42), msg.chatID)
	}
	assert.True(t, strings.HasSuffix(tr.texts[0].text, "line"), "chunk should break at a newline")
}

func TestDeliverShortTextSingleMessage(t *testing.T) {
	tr := &fakeTransport{}
	p := newTestPipeline(tr, newFakeDeliveryStore())

	err := p.Deliver(context.Background(), 42, domain.JobResult{TaskID: "t1", Text: "  hello  "}, "")
	require.NoError(t, err)
	require.Len(t, tr.texts, 1)
	assert.Equal(t, "hello", tr.texts[0].text)
}

func TestDeliverEmptyResult(t *testing.T) {
	tr := &fakeTransport{}
	p := newTestPipeline(tr, newFakeDeliveryStore())

	err := p.Deliver(context.Background(), 42, domain.JobResult{TaskID: "t1"}, "")
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeKieResultEmpty))
	assert.Empty(t, tr.texts)
}

func TestDeliverPhotoUpload(t *testing.T) {
	// Octet-stream Content-Type on purpose: the magic bytes must decide.
	url := serveFile(t, "/a.png", "application/octet-stream", pngHeader)
	tr := &fakeTransport{}
	p := newTestPipeline(tr, newFakeDeliveryStore())

	res := domain.JobResult{TaskID: "t1", MediaType: domain.MediaImage, URLs: []string{url}}
	err := p.Deliver(context.Background(), 42, res, "here you go")
	require.NoError(t, err)

	require.Len(t, tr.uploads, 1)
	up := tr.uploads[0]
	assert.Equal(t, domain.MediaImage, up.kind)
	assert.Equal(t, "gen_a.png", up.art.Name)
	assert.Equal(t, "image/png", up.art.MIME)
	assert.Equal(t, pngHeader, up.art.Data)
	assert.Equal(t, "here you go", up.caption)
	assert.Empty(t, tr.texts, "no fallback expected on the happy path")
}

func TestDeliverHTMLFallsBackToLink(t *testing.T) {
	page := []byte("<!DOCTYPE html><html><body>link expired</body></html>")
	url := serveFile(t, "/a.png", "text/html", page)
	tr := &fakeTransport{}
	p := newTestPipeline(tr, newFakeDeliveryStore())

	res := domain.JobResult{TaskID: "t1", MediaType: domain.MediaImage, URLs: []string{url}}
	err := p.Deliver(context.Background(), 42, res, "caption")
	require.NoError(t, err, "a delivered link still counts as delivered")

	assert.Empty(t, tr.uploads, "html must never be uploaded as media")
	require.Len(t, tr.texts, 1)
	assert.Contains(t, tr.texts[0].text, url)
	assert.Contains(t, tr.texts[0].text, "ref ")
	assert.True(t, strings.HasPrefix(tr.texts[0].text, "caption\n"))
}

func TestDeliverOversizeSendsURL(t *testing.T) {
	url := serveFile(t, "/big.png", "image/png", pngHeader)
	tr := &fakeTransport{}
	p := newTestPipeline(tr, newFakeDeliveryStore())
	p.cfg.TelegramSafeUploadBytes = 8 // smaller than the served body

	res := domain.JobResult{TaskID: "t1", MediaType: domain.MediaImage, URLs: []string{url}}
	err := p.Deliver(context.Background(), 42, res, "cap")
	require.NoError(t, err)

	assert.Empty(t, tr.uploads)
	require.Len(t, tr.mediaURLs, 1)
	assert.Equal(t, url, tr.mediaURLs[0].url)
	assert.Equal(t, domain.MediaImage, tr.mediaURLs[0].kind)
	assert.Equal(t, "cap", tr.mediaURLs[0].caption)
}

func TestDeliverSafeUploadByteBoundary(t *testing.T) {
	url := serveFile(t, "/edge.png", "image/png", pngHeader)
	res := domain.JobResult{TaskID: "t1", MediaType: domain.MediaImage, URLs: []string{url}}

	// Exactly at the cap still uploads.
	tr := &fakeTransport{}
	p := newTestPipeline(tr, newFakeDeliveryStore())
	p.cfg.TelegramSafeUploadBytes = int64(len(pngHeader))
	require.NoError(t, p.Deliver(context.Background(), 42, res, ""))
	assert.Len(t, tr.uploads, 1)
	assert.Empty(t, tr.mediaURLs)

	// One byte over falls back to the link.
	tr = &fakeTransport{}
	p = newTestPipeline(tr, newFakeDeliveryStore())
	p.cfg.TelegramSafeUploadBytes = int64(len(pngHeader)) - 1
	require.NoError(t, p.Deliver(context.Background(), 42, res, ""))
	assert.Empty(t, tr.uploads)
	assert.Len(t, tr.mediaURLs, 1)
}

func TestDeliverUploadFailureFallsBackToLink(t *testing.T) {
	url := serveFile(t, "/a.png", "image/png", pngHeader)
	tr := &fakeTransport{uploadErr: errors.New("telegram: 413 request entity too large")}
	p := newTestPipeline(tr, newFakeDeliveryStore())

	res := domain.JobResult{TaskID: "t1", MediaType: domain.MediaImage, URLs: []string{url}}
	err := p.Deliver(context.Background(), 42, res, "")
	require.NoError(t, err)

	require.Len(t, tr.uploads, 1, "the upload must be attempted first")
	require.Len(t, tr.texts, 1)
	assert.Contains(t, tr.texts[0].text, url)
	assert.Contains(t, tr.texts[0].text, "ref ")
}

func TestDeliverAlbum(t *testing.T) {
	tr := &fakeTransport{}
	p := newTestPipeline(tr, newFakeDeliveryStore())

	urls := []string{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png"}
	res := domain.JobResult{TaskID: "t1", MediaType: domain.MediaImage, URLs: urls}
	err := p.Deliver(context.Background(), 42, res, "two variants")
	require.NoError(t, err)

	require.Len(t, tr.albums, 1)
	assert.Equal(t, urls, tr.albums[0].urls)
	assert.Equal(t, "two variants", tr.albums[0].caption)
	assert.Empty(t, tr.uploads, "album short-circuits the per-item path")
}

func TestDeliverAlbumFallsBackToSingles(t *testing.T) {
	a := serveFile(t, "/a.png", "image/png", pngHeader)
	b := serveFile(t, "/b.png", "image/png", pngHeader)
	tr := &fakeTransport{albumErr: errors.New("telegram: group send rejected")}
	p := newTestPipeline(tr, newFakeDeliveryStore())

	res := domain.JobResult{TaskID: "t1", MediaType: domain.MediaImage, URLs: []string{a, b}}
	err := p.Deliver(context.Background(), 42, res, "cap")
	require.NoError(t, err)

	require.Len(t, tr.albums, 1)
	require.Len(t, tr.uploads, 2)
	assert.Equal(t, "cap", tr.uploads[0].caption)
	assert.Equal(t, "", tr.uploads[1].caption, "caption goes out once")
}

func TestDeliverFetchFailureSendsLink(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	tr := &fakeTransport{}
	p := newTestPipeline(tr, newFakeDeliveryStore())

	url := srv.URL + "/a.png"
	res := domain.JobResult{TaskID: "t1", MediaType: domain.MediaImage, URLs: []string{url}}
	err := p.Deliver(context.Background(), 42, res, "")
	require.NoError(t, err, "the link fallback still reached the user")

	assert.Equal(t, int64(2), hits.Load(), "fetch retries once before giving up")
	require.Len(t, tr.texts, 1)
	assert.Contains(t, tr.texts[0].text, url)
}

func TestDeliverNothingReachesUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	tr := &fakeTransport{textErr: errors.New("telegram: chat not found")}
	p := newTestPipeline(tr, newFakeDeliveryStore())

	res := domain.JobResult{TaskID: "t1", MediaType: domain.MediaImage, URLs: []string{srv.URL + "/a.png"}}
	err := p.Deliver(context.Background(), 42, res, "")
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeDeliverFailed))
}

func TestDeliverTrackedOnce(t *testing.T) {
	url := serveFile(t, "/a.png", "image/png", pngHeader)
	tr := &fakeTransport{}
	store := newFakeDeliveryStore()
	p := newTestPipeline(tr, store)

	res := domain.JobResult{TaskID: "task-1", MediaType: domain.MediaImage, URLs: []string{url}}

	done, err := p.DeliverTracked(context.Background(), 7, 42, res, "")
	require.NoError(t, err)
	assert.True(t, done)
	require.Len(t, tr.uploads, 1)

	rec := store.record(t, 7, "task-1")
	assert.Equal(t, domain.DeliveryDelivered, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.DeliveredAt)

	// A concurrent reconciler arriving late must be a no-op.
	done, err = p.DeliverTracked(context.Background(), 7, 42, res, "")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Len(t, tr.uploads, 1, "second claim must not touch the transport")
}

func TestDeliverTrackedRetryAfterFailure(t *testing.T) {
	tr := &fakeTransport{}
	store := newFakeDeliveryStore()
	p := newTestPipeline(tr, store)

	// Empty result makes Deliver fail before any transport call.
	done, err := p.DeliverTracked(context.Background(), 7, 42, domain.JobResult{TaskID: "task-2"}, "")
	require.Error(t, err)
	assert.False(t, done)

	rec := store.record(t, 7, "task-2")
	assert.Equal(t, domain.DeliveryFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, rec.Error, "nothing to deliver")

	// A failed record releases the reservation for the next attempt.
	done, err = p.DeliverTracked(context.Background(), 7, 42, domain.JobResult{TaskID: "task-2", Text: "hello"}, "")
	require.NoError(t, err)
	assert.True(t, done)

	rec = store.record(t, 7, "task-2")
	assert.Equal(t, domain.DeliveryDelivered, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestDeliverTrackedReserveError(t *testing.T) {
	tr := &fakeTransport{}
	store := newFakeDeliveryStore()
	store.beginErr = errors.New("disk full")
	p := newTestPipeline(tr, store)

	done, err := p.DeliverTracked(context.Background(), 7, 42, domain.JobResult{TaskID: "task-3", Text: "hi"}, "")
	require.Error(t, err)
	assert.False(t, done)
	assert.Empty(t, tr.texts, "no send without a reservation")
}
