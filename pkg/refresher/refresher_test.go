package refresher

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylark-rss/skylark/pkg/hub"
	"github.com/skylark-rss/skylark/pkg/store"
)

const rssTwoItems = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Example Feed</title>
<link>https://example.com</link>
<description>An example</description>
<item><guid>g1</guid><title>First</title><link>https://example.com/1</link><description>one</description></item>
<item><guid>g2</guid><title>Second</title><link>https://example.com/2</link><description>two</description></item>
</channel></rss>`

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []hub.Notification
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, n hub.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeBroadcaster) byType(typ string) []hub.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []hub.Notification
	for _, n := range f.sent {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger, true)
	require.NoError(t, err)
	return st
}

func newTestRefresher(t *testing.T, st *store.Store, b hub.Broadcaster, mutate func(*Config)) *Refresher {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	cfg := DefaultConfig()
	cfg.ChunkDelay = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRefresher(logger, st, b, cfg)
}

// newFeedServer serves the given body with an ETag, honoring If-None-Match.
func newFeedServer(t *testing.T, body, etag string) (*httptest.Server, *int) {
	t.Helper()
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if etag != "" && r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestRefreshFeedFirstImport(t *testing.T) {
	srv, _ := newFeedServer(t, rssTwoItems, `"v1"`)
	st := newTestStore(t)
	fb := &fakeBroadcaster{}
	r := newTestRefresher(t, st, fb, nil)
	ctx := context.Background()

	outcome := r.RefreshFeed(ctx, srv.URL, false)
	assert.Equal(t, OutcomeSuccess, outcome)

	count, err := st.CountFeedItems(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	meta, err := st.GetOrCreateFeedMeta(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, meta.ETag)
	require.NotNil(t, meta.FirstImportedAt)

	var payload struct {
		Title string `json:"title"`
		Items []struct {
			Title string `json:"title"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(meta.Payload, &payload))
	assert.Equal(t, "Example Feed", payload.Title)
	assert.Len(t, payload.Items, 2)

	// First import announces readiness and the new items.
	require.Eventually(t, func() bool {
		return len(fb.byType(hub.NotificationFeedReady)) == 1 &&
			len(fb.byType(hub.NotificationNewArticles)) == 1
	}, time.Second, 10*time.Millisecond)

	var articles hub.NewArticlesPayload
	require.NoError(t, json.Unmarshal(fb.byType(hub.NotificationNewArticles)[0].Payload, &articles))
	assert.Equal(t, 2, articles.NewItems)
}

func TestRefreshFeedNotModifiedShortCircuits(t *testing.T) {
	srv, hits := newFeedServer(t, rssTwoItems, `"v1"`)
	st := newTestStore(t)
	fb := &fakeBroadcaster{}
	r := newTestRefresher(t, st, fb, nil)
	ctx := context.Background()

	require.Equal(t, OutcomeSuccess, r.RefreshFeed(ctx, srv.URL, false))

	// Second pass revalidates with the stored etag and gets a 304: no parse,
	// no writes, no notifications.
	assert.Equal(t, OutcomeNotModified, r.RefreshFeed(ctx, srv.URL, false))
	assert.Equal(t, 2, *hits)

	count, err := st.CountFeedItems(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, fb.byType(hub.NotificationNewArticles), 1)
	assert.Len(t, fb.byType(hub.NotificationFeedReady), 1)
}

func TestRefreshFeedUnchangedItemsNotReannounced(t *testing.T) {
	// No etag, so every fetch returns a full body with identical content.
	srv, _ := newFeedServer(t, rssTwoItems, "")
	st := newTestStore(t)
	fb := &fakeBroadcaster{}
	r := newTestRefresher(t, st, fb, nil)
	ctx := context.Background()

	require.Equal(t, OutcomeSuccess, r.RefreshFeed(ctx, srv.URL, false))
	require.Equal(t, OutcomeSuccess, r.RefreshFeed(ctx, srv.URL, false))

	time.Sleep(50 * time.Millisecond)
	// Items were replayed, not new: one announcement only.
	assert.Len(t, fb.byType(hub.NotificationNewArticles), 1)
	assert.Len(t, fb.byType(hub.NotificationFeedReady), 1)
}

func TestRefreshFeedErrorBudget(t *testing.T) {
	srv, hits := newFeedServer(t, rssTwoItems, "")
	st := newTestStore(t)
	r := newTestRefresher(t, st, nil, func(c *Config) { c.ErrorThreshold = 3 })
	ctx := context.Background()

	_, err := st.GetOrCreateFeedMeta(ctx, srv.URL)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = st.RecordFeedError(ctx, srv.URL)
		require.NoError(t, err)
	}

	// Over the threshold the feed is skipped without touching the network.
	assert.Equal(t, OutcomeSkipped, r.RefreshFeed(ctx, srv.URL, false))
	assert.Equal(t, 0, *hits)

	// force is the manual reset path: it fetches, and success zeroes the
	// budget so the next scheduled refresh works again.
	assert.Equal(t, OutcomeSuccess, r.RefreshFeed(ctx, srv.URL, true))
	assert.Equal(t, OutcomeSuccess, r.RefreshFeed(ctx, srv.URL, false))
}

func TestRefreshFeedParseFailureCountsError(t *testing.T) {
	srv, _ := newFeedServer(t, "<html>not a feed</html>", "")
	st := newTestStore(t)
	r := newTestRefresher(t, st, nil, nil)
	ctx := context.Background()

	assert.Equal(t, OutcomeError, r.RefreshFeed(ctx, srv.URL, false))

	meta, err := st.GetOrCreateFeedMeta(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.ErrorCount)
	assert.Nil(t, meta.FirstImportedAt)
}

func TestRefreshFeedFetchFailureCountsError(t *testing.T) {
	st := newTestStore(t)
	r := newTestRefresher(t, st, nil, nil)
	ctx := context.Background()

	assert.Equal(t, OutcomeError, r.RefreshFeed(ctx, "http://127.0.0.1:1/rss", false))

	meta, err := st.GetOrCreateFeedMeta(ctx, "http://127.0.0.1:1/rss")
	require.NoError(t, err)
	assert.Equal(t, 1, meta.ErrorCount)
}

func TestRefreshFeedOversizeSkipped(t *testing.T) {
	srv, _ := newFeedServer(t, rssTwoItems, "")
	st := newTestStore(t)
	r := newTestRefresher(t, st, nil, func(c *Config) { c.MaxBody = 64 })
	ctx := context.Background()

	// A skip, not an error: the budget is untouched.
	assert.Equal(t, OutcomeSkipped, r.RefreshFeed(ctx, srv.URL, false))

	meta, err := st.GetOrCreateFeedMeta(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 0, meta.ErrorCount)
}

func TestRefreshFeedPayloadTruncation(t *testing.T) {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>Big</title><description>d</description><link>https://example.com</link>`)
	for i := 0; i < 40; i++ {
		b.WriteString(`<item><guid>item-`)
		b.WriteString(strings.Repeat("x", i%7+1))
		b.WriteString(string(rune('a' + i%26)))
		b.WriteString(`</guid><title>A reasonably long item title to inflate the payload</title><link>https://example.com/articles/some/long/path</link></item>`)
	}
	b.WriteString(`</channel></rss>`)

	srv, _ := newFeedServer(t, b.String(), "")
	st := newTestStore(t)
	r := newTestRefresher(t, st, nil, func(c *Config) { c.MaxPayload = 1024 })
	ctx := context.Background()

	require.Equal(t, OutcomeSuccess, r.RefreshFeed(ctx, srv.URL, false))

	meta, err := st.GetOrCreateFeedMeta(ctx, srv.URL)
	require.NoError(t, err)
	assert.True(t, meta.PayloadTruncated)
	assert.LessOrEqual(t, len(meta.Payload), 1024)

	var payload struct {
		Items []struct{} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(meta.Payload, &payload))
	assert.NotEmpty(t, payload.Items)
}

func TestRefreshFeedSanitizesDescriptions(t *testing.T) {
	dirty := `<?xml version="1.0"?><rss version="2.0"><channel><title>F</title><description>d</description>
<item><guid>g1</guid><title>T</title><link>https://example.com/1</link><description>&lt;script&gt;alert(1)&lt;/script&gt;plain text</description></item>
</channel></rss>`
	srv, _ := newFeedServer(t, dirty, "")
	st := newTestStore(t)
	r := newTestRefresher(t, st, nil, nil)
	ctx := context.Background()

	require.Equal(t, OutcomeSuccess, r.RefreshFeed(ctx, srv.URL, false))

	var item store.FeedItem
	require.NoError(t, st.DB().First(&item, "feed_url = ? AND guid = ?", srv.URL, "g1").Error)
	assert.NotContains(t, item.Description, "<script>")
	assert.Contains(t, item.Description, "plain text")
}

func TestRunOnceRefreshesActiveSubscriptions(t *testing.T) {
	srv, _ := newFeedServer(t, rssTwoItems, "")
	st := newTestStore(t)
	r := newTestRefresher(t, st, nil, nil)
	ctx := context.Background()

	require.NoError(t, st.TouchUserActivity(ctx, "did:plc:active"))
	require.NoError(t, st.AddSubscription(ctx, "did:plc:active", srv.URL))

	require.NoError(t, r.RunOnce(ctx))

	count, err := st.CountFeedItems(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// The batch was stamped as scheduled before fetching.
	meta, err := st.GetOrCreateFeedMeta(ctx, srv.URL)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), meta.LastScheduledAt, 5*time.Second)
}

func TestHandleRefreshFeedValidatesURL(t *testing.T) {
	st := newTestStore(t)
	r := newTestRefresher(t, st, nil, nil)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	api := NewAPI(logger, r)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/refresh/feed", strings.NewReader(`{"feed_url":"ftp://example.com/rss"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, api.HandleRefreshFeed(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRefreshFeedForcesRefresh(t *testing.T) {
	srv, _ := newFeedServer(t, rssTwoItems, "")
	st := newTestStore(t)
	r := newTestRefresher(t, st, nil, func(c *Config) { c.ErrorThreshold = 1 })
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	api := NewAPI(logger, r)
	ctx := context.Background()

	_, err := st.GetOrCreateFeedMeta(ctx, srv.URL)
	require.NoError(t, err)
	_, err = st.RecordFeedError(ctx, srv.URL)
	require.NoError(t, err)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/refresh/feed", strings.NewReader(`{"feed_url":"`+srv.URL+`"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, api.HandleRefreshFeed(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp RefreshFeedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(OutcomeSuccess), resp.Outcome)
}
