package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertShareIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	share := &Share{
		RepoDID:      "did:plc:aaa",
		RKey:         "3kabc",
		CID:          "bafyreib2rxk3rh6kzwq",
		StreamTimeUS: 1725000000000000,
		URL:          "https://example.com/article",
		Title:        "An Article",
		PostedAt:     time.Now().Truncate(time.Second),
	}
	require.NoError(t, st.UpsertShare(ctx, share))

	// Overlap redelivery replays the same commit. The row count and final
	// values must not change.
	replay := *share
	replay.ID = 0
	require.NoError(t, st.UpsertShare(ctx, &replay))

	var count int64
	require.NoError(t, st.DB().Model(&Share{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	got, err := st.GetShare(ctx, "did:plc:aaa", "3kabc")
	require.NoError(t, err)
	assert.Equal(t, "An Article", got.Title)
}

func TestUpsertShareUpdateReplacesFields(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertShare(ctx, &Share{
		RepoDID: "did:plc:aaa", RKey: "3kabc", CID: "cid-v1",
		Title: "Before", Note: "old note",
	}))
	require.NoError(t, st.UpsertShare(ctx, &Share{
		RepoDID: "did:plc:aaa", RKey: "3kabc", CID: "cid-v2",
		Title: "After",
	}))

	got, err := st.GetShare(ctx, "did:plc:aaa", "3kabc")
	require.NoError(t, err)
	assert.Equal(t, "cid-v2", got.CID)
	assert.Equal(t, "After", got.Title)
	// Updates are full replacements, not merges.
	assert.Equal(t, "", got.Note)
}

func TestDeleteShareMissingIsNoop(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Overlap can deliver a delete for a row that was never created.
	require.NoError(t, st.DeleteShare(ctx, "did:plc:aaa", "3knope"))

	require.NoError(t, st.UpsertShare(ctx, &Share{RepoDID: "did:plc:aaa", RKey: "3kabc"}))
	require.NoError(t, st.DeleteShare(ctx, "did:plc:aaa", "3kabc"))
	require.NoError(t, st.DeleteShare(ctx, "did:plc:aaa", "3kabc"))

	_, err := st.GetShare(ctx, "did:plc:aaa", "3kabc")
	assert.Error(t, err)
}

func TestFollowersOfSpansBothEdgeTables(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertFollow(ctx, &Follow{FollowerDID: "did:plc:f1", RKey: "3k1", SubjectDID: "did:plc:subject"}))
	require.NoError(t, st.UpsertAppFollow(ctx, &AppFollow{FollowerDID: "did:plc:f2", RKey: "3k2", SubjectDID: "did:plc:subject"}))
	// Same follower on both tables dedupes.
	require.NoError(t, st.UpsertAppFollow(ctx, &AppFollow{FollowerDID: "did:plc:f1", RKey: "3k3", SubjectDID: "did:plc:subject"}))
	// Unrelated subject stays out.
	require.NoError(t, st.UpsertFollow(ctx, &Follow{FollowerDID: "did:plc:f3", RKey: "3k4", SubjectDID: "did:plc:other"}))

	dids, err := st.FollowersOf(ctx, "did:plc:subject")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"did:plc:f1", "did:plc:f2"}, dids)
}

func TestDeleteFollowRemovesEdge(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertFollow(ctx, &Follow{FollowerDID: "did:plc:f1", RKey: "3k1", SubjectDID: "did:plc:subject"}))
	require.NoError(t, st.DeleteFollow(ctx, "did:plc:f1", "3k1"))

	dids, err := st.FollowersOf(ctx, "did:plc:subject")
	require.NoError(t, err)
	assert.Empty(t, dids)
}

func TestTouchUserActivity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertUserProfile(ctx, "did:plc:aaa", "alice.test", "Alice", "https://cdn.test/a.jpg"))
	require.NoError(t, st.TouchUserActivity(ctx, "did:plc:aaa"))

	var u User
	require.NoError(t, st.DB().First(&u, "did = ?", "did:plc:aaa").Error)
	// Touch keeps the cached profile fields.
	assert.Equal(t, "alice.test", u.Handle)
	assert.WithinDuration(t, time.Now(), u.LastActiveAt, 5*time.Second)
}
