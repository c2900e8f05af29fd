package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFeedSuccessFirstImport(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.GetOrCreateFeedMeta(ctx, "https://example.com/rss")
	require.NoError(t, err)

	first, err := st.RecordFeedSuccess(ctx, "https://example.com/rss", `"etag-1"`, "Mon, 01 Jan 2024 00:00:00 GMT", []byte(`{}`), false)
	require.NoError(t, err)
	assert.True(t, first)

	// Only the very first success reports a first import.
	first, err = st.RecordFeedSuccess(ctx, "https://example.com/rss", `"etag-2"`, "", []byte(`{}`), false)
	require.NoError(t, err)
	assert.False(t, first)

	meta, err := st.GetOrCreateFeedMeta(ctx, "https://example.com/rss")
	require.NoError(t, err)
	assert.Equal(t, `"etag-2"`, meta.ETag)
	require.NotNil(t, meta.FirstImportedAt)
}

func TestRecordFeedErrorAndReset(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.GetOrCreateFeedMeta(ctx, "https://example.com/rss")
	require.NoError(t, err)

	count, err := st.RecordFeedError(ctx, "https://example.com/rss")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = st.RecordFeedError(ctx, "https://example.com/rss")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Any success zeroes the consecutive error budget.
	_, err = st.RecordFeedSuccess(ctx, "https://example.com/rss", "", "", nil, false)
	require.NoError(t, err)

	meta, err := st.GetOrCreateFeedMeta(ctx, "https://example.com/rss")
	require.NoError(t, err)
	assert.Equal(t, 0, meta.ErrorCount)
}

func TestRecordFeedNotModifiedKeepsPayload(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.GetOrCreateFeedMeta(ctx, "https://example.com/rss")
	require.NoError(t, err)
	_, err = st.RecordFeedSuccess(ctx, "https://example.com/rss", `"etag-1"`, "", []byte(`{"title":"cached"}`), false)
	require.NoError(t, err)
	_, err = st.RecordFeedError(ctx, "https://example.com/rss")
	require.NoError(t, err)

	require.NoError(t, st.RecordFeedNotModified(ctx, "https://example.com/rss"))

	meta, err := st.GetOrCreateFeedMeta(ctx, "https://example.com/rss")
	require.NoError(t, err)
	assert.Equal(t, 0, meta.ErrorCount)
	assert.Equal(t, `"etag-1"`, meta.ETag)
	assert.Equal(t, []byte(`{"title":"cached"}`), meta.Payload)
}

func TestUpsertFeedItemsChangeDetection(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	items := []FeedItem{
		{FeedURL: "https://example.com/rss", GUID: "g1", Title: "One", ContentHash: "h1"},
		{FeedURL: "https://example.com/rss", GUID: "g2", Title: "Two", ContentHash: "h2"},
	}
	inserted, err := st.UpsertFeedItems(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// Replaying unchanged items inserts nothing and rewrites nothing.
	inserted, err = st.UpsertFeedItems(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	// A changed hash rewrites in place without counting as new.
	items[0].Title = "One, revised"
	items[0].ContentHash = "h1b"
	inserted, err = st.UpsertFeedItems(ctx, items[:1])
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	var item FeedItem
	require.NoError(t, st.DB().First(&item, "feed_url = ? AND guid = ?", "https://example.com/rss", "g1").Error)
	assert.Equal(t, "One, revised", item.Title)

	count, err := st.CountFeedItems(ctx, "https://example.com/rss")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSelectFeedsForRefresh(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Two active users, one stale.
	require.NoError(t, st.TouchUserActivity(ctx, "did:plc:active1"))
	require.NoError(t, st.TouchUserActivity(ctx, "did:plc:active2"))
	require.NoError(t, st.UpsertUserProfile(ctx, "did:plc:stale", "stale.test", "", ""))

	require.NoError(t, st.AddSubscription(ctx, "did:plc:active1", "https://a.example/rss"))
	require.NoError(t, st.AddSubscription(ctx, "did:plc:active2", "https://a.example/rss"))
	require.NoError(t, st.AddSubscription(ctx, "did:plc:active1", "https://b.example/rss"))
	require.NoError(t, st.AddSubscription(ctx, "did:plc:stale", "https://c.example/rss"))

	feeds, err := st.SelectFeedsForRefresh(ctx, 7*24*time.Hour, 5, 10)
	require.NoError(t, err)
	// Only feeds with active subscribers, popular first among equally stale.
	assert.Equal(t, []string{"https://a.example/rss", "https://b.example/rss"}, feeds)
}

func TestSelectFeedsForRefreshSkipsErrorBudget(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.TouchUserActivity(ctx, "did:plc:active1"))
	require.NoError(t, st.AddSubscription(ctx, "did:plc:active1", "https://broken.example/rss"))
	require.NoError(t, st.AddSubscription(ctx, "did:plc:active1", "https://ok.example/rss"))

	_, err := st.GetOrCreateFeedMeta(ctx, "https://broken.example/rss")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = st.RecordFeedError(ctx, "https://broken.example/rss")
		require.NoError(t, err)
	}

	feeds, err := st.SelectFeedsForRefresh(ctx, 7*24*time.Hour, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://ok.example/rss"}, feeds)

	// Below the threshold the feed is still selected.
	feeds, err = st.SelectFeedsForRefresh(ctx, 7*24*time.Hour, 6, 10)
	require.NoError(t, err)
	assert.Contains(t, feeds, "https://broken.example/rss")
}

func TestMarkFeedsScheduledOrdersNextBatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.TouchUserActivity(ctx, "did:plc:active1"))
	require.NoError(t, st.AddSubscription(ctx, "did:plc:active1", "https://a.example/rss"))
	require.NoError(t, st.AddSubscription(ctx, "did:plc:active1", "https://b.example/rss"))
	_, err := st.GetOrCreateFeedMeta(ctx, "https://a.example/rss")
	require.NoError(t, err)
	_, err = st.GetOrCreateFeedMeta(ctx, "https://b.example/rss")
	require.NoError(t, err)

	// Scheduling a feed pushes it behind never-scheduled feeds.
	require.NoError(t, st.MarkFeedsScheduled(ctx, []string{"https://a.example/rss"}))

	feeds, err := st.SelectFeedsForRefresh(ctx, 7*24*time.Hour, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://b.example/rss"}, feeds)
}

func TestSubscribersOf(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AddSubscription(ctx, "did:plc:u1", "https://a.example/rss"))
	require.NoError(t, st.AddSubscription(ctx, "did:plc:u2", "https://a.example/rss"))
	// Duplicate subscription is a no-op.
	require.NoError(t, st.AddSubscription(ctx, "did:plc:u1", "https://a.example/rss"))
	require.NoError(t, st.AddSubscription(ctx, "did:plc:u3", "https://b.example/rss"))

	dids, err := st.SubscribersOf(ctx, "https://a.example/rss")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"did:plc:u1", "did:plc:u2"}, dids)
}
