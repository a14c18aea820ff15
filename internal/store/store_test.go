package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/LucentW/bettergram-kang/internal/feed"
	"github.com/LucentW/bettergram-kang/internal/migrations"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()

	dbx, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dbx.Close() })

	require.NoError(t, migrations.Run(dbx))

	return New(dbx)
}

func testSnapshot(now time.Time) feed.ChannelSnapshot {
	return feed.ChannelSnapshot{
		Meta: feed.ChannelMeta{
			FeedLink:       "https://example.com/feed",
			Link:           "https://example.com",
			IconLink:       "https://example.com/icon.png",
			Title:          "Example Feed",
			Description:    "Test channel",
			Language:       "en-us",
			Copyright:      "Copyright 2024",
			EditorEmail:    "editor@example.com",
			WebMasterEmail: "webmaster@example.com",
			PublishDate:    now.Add(-time.Hour),
			LastBuildDate:  now,
			SkipHours:      "0,1",
			SkipDays:       "Saturday",
			Categories:     []string{"news", "crypto"},
		},
		Items: []feed.Item{
			{
				ID:           "item-1-itm",
				GUID:         "guid-1",
				Title:        "First",
				Description:  "First item",
				Author:       "alice@example.com",
				Categories:   []string{"bitcoin"},
				Link:         "https://example.com/1",
				CommentsLink: "https://example.com/1#comments",
				PublishDate:  now.Add(-time.Minute),
				ImageLink:    "https://example.com/1.jpg",
				IsRead:       true,
			},
			{
				ID:   "item-2-itm",
				GUID: "guid-2",
				Link: "https://example.com/2",
				// No publish date persists as unknown.
			},
		},
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	snap := testSnapshot(now)
	require.NoError(t, repo.SaveChannel(ctx, 0, snap))
	require.NoError(t, repo.SaveSettings(ctx, feed.Settings{
		LastUpdate: now,
		Frequency:  90 * time.Second,
	}))

	cfg, err := repo.Load(ctx)
	require.NoError(t, err)

	assert.True(t, cfg.LastUpdate.Equal(now))
	assert.Equal(t, 90*time.Second, cfg.Frequency)

	require.Len(t, cfg.Channels, 1)
	got := cfg.Channels[0]
	assert.Equal(t, snap.Meta.FeedLink, got.Meta.FeedLink)
	assert.Equal(t, snap.Meta.Title, got.Meta.Title)
	assert.Equal(t, snap.Meta.Categories, got.Meta.Categories)
	assert.Equal(t, "0,1", got.Meta.SkipHours)
	assert.True(t, got.Meta.PublishDate.Equal(snap.Meta.PublishDate))
	assert.True(t, got.Meta.LastBuildDate.Equal(snap.Meta.LastBuildDate))

	require.Len(t, got.Items, 2)
	assert.Equal(t, snap.Items[0].ID, got.Items[0].ID)
	assert.Equal(t, snap.Items[0].GUID, got.Items[0].GUID)
	assert.Equal(t, snap.Items[0].Categories, got.Items[0].Categories)
	assert.True(t, got.Items[0].IsRead)
	assert.True(t, got.Items[0].PublishDate.Equal(snap.Items[0].PublishDate))

	assert.False(t, got.Items[1].IsRead)
	assert.True(t, got.Items[1].PublishDate.IsZero())
}

func TestSaveChannelReplacesItems(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Now().UTC()

	snap := testSnapshot(now)
	require.NoError(t, repo.SaveChannel(ctx, 0, snap))

	// Next save has one item fewer and a changed title; the store
	// mirrors the snapshot exactly.
	snap.Meta.Title = "Renamed Feed"
	snap.Items = snap.Items[:1]
	require.NoError(t, repo.SaveChannel(ctx, 0, snap))

	cfg, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, cfg.Channels, 1)
	assert.Equal(t, "Renamed Feed", cfg.Channels[0].Meta.Title)
	assert.Len(t, cfg.Channels[0].Items, 1)
}

func TestLoadPreservesPositionOrder(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	for i, feedLink := range []string{"https://b.example.com", "https://a.example.com", "https://c.example.com"} {
		snap := feed.ChannelSnapshot{Meta: feed.ChannelMeta{FeedLink: feedLink}}
		require.NoError(t, repo.SaveChannel(ctx, i, snap))
	}

	cfg, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, cfg.Channels, 3)
	// Display order, not lexical order.
	assert.Equal(t, "https://b.example.com", cfg.Channels[0].Meta.FeedLink)
	assert.Equal(t, "https://a.example.com", cfg.Channels[1].Meta.FeedLink)
	assert.Equal(t, "https://c.example.com", cfg.Channels[2].Meta.FeedLink)
}

func TestRemoveChannel(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Now().UTC()

	require.NoError(t, repo.SaveChannel(ctx, 0, testSnapshot(now)))
	require.NoError(t, repo.RemoveChannel(ctx, "https://example.com/feed"))

	cfg, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, cfg.Channels)

	var count int
	require.NoError(t, repo.db.Get(&count, `SELECT COUNT(*) FROM items;`))
	assert.Zero(t, count)
}

func TestLoadEmptyDatabase(t *testing.T) {
	repo := newTestRepo(t)

	cfg, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cfg.Channels)
	assert.True(t, cfg.LastUpdate.IsZero())
	assert.Zero(t, cfg.Frequency)
}

func TestSaveSettingsUpserts(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, repo.SaveSettings(ctx, feed.Settings{LastUpdate: now, Frequency: 60 * time.Second}))
	require.NoError(t, repo.SaveSettings(ctx, feed.Settings{LastUpdate: now.Add(time.Minute), Frequency: 120 * time.Second}))

	cfg, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.LastUpdate.Equal(now.Add(time.Minute)))
	assert.Equal(t, 120*time.Second, cfg.Frequency)
}
