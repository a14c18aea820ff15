package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelFetchStateMachine(t *testing.T) {
	ch := NewChannel("https://example.com/feed")

	assert.True(t, ch.EligibleForFetch())
	require.NoError(t, ch.StartFetch())
	assert.False(t, ch.EligibleForFetch())

	// A second start while fetching is a bug in the caller.
	assert.Error(t, ch.StartFetch())

	require.NoError(t, ch.FetchSucceeded([]byte("payload")))
	assert.True(t, ch.EligibleForFetch())
	assert.False(t, ch.Failed())

	// Resolving an idle channel is likewise illegal.
	assert.Error(t, ch.FetchSucceeded([]byte("payload")))
	assert.Error(t, ch.FetchFailed())

	require.NoError(t, ch.StartFetch())
	require.NoError(t, ch.FetchFailed())
	assert.True(t, ch.EligibleForFetch())
	assert.True(t, ch.Failed())
	assert.Nil(t, ch.takeBuffer())
}

func TestChannelHashShortCircuit(t *testing.T) {
	ch := NewChannel("https://example.com/feed")
	payload := []byte("<rss>same bytes</rss>")

	require.NoError(t, ch.StartFetch())
	require.NoError(t, ch.FetchSucceeded(payload))
	assert.Equal(t, payload, ch.takeBuffer())
	ch.markParsed(payload)

	// A byte-identical refetch buffers nothing.
	require.NoError(t, ch.StartFetch())
	require.NoError(t, ch.FetchSucceeded(payload))
	assert.Nil(t, ch.takeBuffer())

	// A changed payload buffers again.
	require.NoError(t, ch.StartFetch())
	require.NoError(t, ch.FetchSucceeded([]byte("<rss>new bytes</rss>")))
	assert.NotNil(t, ch.takeBuffer())
}

// The hash only advances after a successful parse, so a payload that
// failed to parse is retried even if the source serves the same bytes.
func TestChannelHashOnlyAfterParse(t *testing.T) {
	ch := NewChannel("https://example.com/feed")
	payload := []byte("not really xml")

	require.NoError(t, ch.StartFetch())
	require.NoError(t, ch.FetchSucceeded(payload))
	assert.Equal(t, payload, ch.takeBuffer())
	// No markParsed: the parse failed.

	require.NoError(t, ch.StartFetch())
	require.NoError(t, ch.FetchSucceeded(payload))
	assert.Equal(t, payload, ch.takeBuffer())
}

func TestRestoreChannel(t *testing.T) {
	snap := ChannelSnapshot{
		Meta:   ChannelMeta{FeedLink: "https://example.com/feed", Title: "Restored"},
		Failed: true,
		Items: []Item{
			{ID: "persisted-id", GUID: "g1", Link: "https://example.com/1"},
			{GUID: "g2", Link: "https://example.com/2"},
		},
	}

	ch := RestoreChannel(snap)
	assert.Equal(t, "https://example.com/feed", ch.FeedLink())
	assert.Equal(t, "Restored", ch.Meta().Title)
	assert.True(t, ch.Failed())

	items := ch.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "persisted-id", items[0].ID)
	// Items persisted before ids existed get a fresh one.
	assert.NotEmpty(t, items[1].ID)
}

func parsedItem(guid, link string, age time.Duration, now time.Time) ParsedItem {
	return ParsedItem{
		GUID:        guid,
		Title:       "title " + guid + link,
		Link:        link,
		PublishDate: now.Add(-age),
	}
}

func TestMergeInsertsSortedUnread(t *testing.T) {
	now := time.Now()
	ch := NewChannel("https://example.com/feed")

	out := ch.Merge(ParsedChannel{
		Title: "Feed",
		Items: []ParsedItem{
			parsedItem("old", "https://example.com/old", 3*time.Hour, now),
			parsedItem("new", "https://example.com/new", time.Hour, now),
		},
	}, now)

	assert.True(t, out.Changed)
	assert.True(t, out.MetaChanged)

	items := ch.Items()
	require.Len(t, items, 2)
	// Newest first.
	assert.Equal(t, "new", items[0].GUID)
	assert.Equal(t, "old", items[1].GUID)
	for _, it := range items {
		assert.False(t, it.IsRead)
		assert.NotEmpty(t, it.ID)
	}
	assert.Equal(t, 2, ch.UnreadCount())
}

func TestMergeIdempotent(t *testing.T) {
	now := time.Now()
	ch := NewChannel("https://example.com/feed")
	parsed := ParsedChannel{
		Title: "Feed",
		Items: []ParsedItem{
			parsedItem("a", "https://example.com/a", time.Hour, now),
			parsedItem("b", "https://example.com/b", 2*time.Hour, now),
		},
	}

	first := ch.Merge(parsed, now)
	assert.True(t, first.Changed)

	second := ch.Merge(parsed, now)
	assert.False(t, second.Changed)
	assert.False(t, second.MetaChanged)
	assert.Len(t, ch.Items(), 2)
}

func TestMergePreservesReadStateAndID(t *testing.T) {
	now := time.Now()
	ch := NewChannel("https://example.com/feed")

	ch.Merge(ParsedChannel{Items: []ParsedItem{
		parsedItem("a", "https://example.com/a", time.Hour, now),
	}}, now)

	before := ch.Items()[0]
	ch.items[0].IsRead = true

	// The source updates the entry in place under the same identity.
	updated := parsedItem("a", "https://example.com/a", time.Hour, now)
	updated.Title = "rewritten headline"
	out := ch.Merge(ParsedChannel{Items: []ParsedItem{updated}}, now)
	assert.True(t, out.Changed)

	after := ch.Items()[0]
	assert.Equal(t, "rewritten headline", after.Title)
	assert.True(t, after.IsRead)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, 0, ch.UnreadCount())
}

func TestMergeIdentity(t *testing.T) {
	now := time.Now()
	ch := NewChannel("https://example.com/feed")

	ch.Merge(ParsedChannel{Items: []ParsedItem{
		parsedItem("guid-1", "https://example.com/a", time.Hour, now),
		parsedItem("", "https://example.com/b", time.Hour, now),
	}}, now)
	require.Len(t, ch.Items(), 2)

	// Same guid under a new link is still the same item.
	moved := parsedItem("guid-1", "https://example.com/a-moved", time.Hour, now)
	// Same link without a guid matches the link-keyed item.
	relinked := parsedItem("", "https://example.com/b", time.Hour, now)
	relinked.Title = "updated"

	ch.Merge(ParsedChannel{Items: []ParsedItem{moved, relinked}}, now)

	items := ch.Items()
	require.Len(t, items, 2)
	byKey := map[string]Item{}
	for _, it := range items {
		byKey[it.Key()] = it
	}
	assert.Equal(t, "https://example.com/a-moved", byKey["guid-1"].Link)
	assert.Equal(t, "updated", byKey["https://example.com/b"].Title)
}

func TestMergeEviction(t *testing.T) {
	now := time.Now()
	ch := NewChannel("https://example.com/feed")

	ch.Merge(ParsedChannel{Items: []ParsedItem{
		parsedItem("fresh", "https://example.com/fresh", 10*time.Hour, now),
		parsedItem("stale", "https://example.com/stale", 23*time.Hour, now),
		{GUID: "undated", Link: "https://example.com/undated", Title: "undated"},
	}}, now)
	require.Len(t, ch.Items(), 3)

	// Two hours later the stale item is past the window; the payload
	// still lists it, but age wins.
	later := now.Add(2 * time.Hour)
	out := ch.Merge(ParsedChannel{Items: []ParsedItem{
		parsedItem("fresh", "https://example.com/fresh", 10*time.Hour, now),
		parsedItem("stale", "https://example.com/stale", 23*time.Hour, now),
		{GUID: "undated", Link: "https://example.com/undated", Title: "undated"},
	}}, later)
	assert.True(t, out.Changed)

	items := ch.Items()
	require.Len(t, items, 2)
	keys := []string{items[0].GUID, items[1].GUID}
	assert.NotContains(t, keys, "stale")
	// Items without a publish date never age out.
	assert.Contains(t, keys, "undated")
	assert.Contains(t, keys, "fresh")

	// An incoming entry already past the window never inserts.
	ch.Merge(ParsedChannel{Items: []ParsedItem{
		parsedItem("ancient", "https://example.com/ancient", 25*time.Hour, later),
	}}, later)
	for _, it := range ch.Items() {
		assert.NotEqual(t, "ancient", it.GUID)
	}
}

func TestMergeExactWindowBoundary(t *testing.T) {
	now := time.Now()
	ch := NewChannel("https://example.com/feed")

	// Exactly 24h old is still inside the window; strictly older is out.
	ch.Merge(ParsedChannel{Items: []ParsedItem{
		parsedItem("edge", "https://example.com/edge", RetentionWindow, now),
		parsedItem("past", "https://example.com/past", RetentionWindow+time.Second, now),
	}}, now)

	items := ch.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "edge", items[0].GUID)
}

func TestMergeKeepsEnrichedImage(t *testing.T) {
	now := time.Now()
	ch := NewChannel("https://example.com/feed")

	ch.Merge(ParsedChannel{Items: []ParsedItem{
		parsedItem("a", "https://example.com/a", time.Hour, now),
	}}, now)
	ch.items[0].ImageLink = "https://example.com/resolved.jpg"

	// A parse without an image leaves the resolved one alone.
	out := ch.Merge(ParsedChannel{Items: []ParsedItem{
		parsedItem("a", "https://example.com/a", time.Hour, now),
	}}, now)
	assert.False(t, out.Changed)
	assert.Equal(t, "https://example.com/resolved.jpg", ch.Items()[0].ImageLink)

	// A parse that does carry one wins.
	withImage := parsedItem("a", "https://example.com/a", time.Hour, now)
	withImage.ImageLink = "https://example.com/from-feed.jpg"
	ch.Merge(ParsedChannel{Items: []ParsedItem{withImage}}, now)
	assert.Equal(t, "https://example.com/from-feed.jpg", ch.Items()[0].ImageLink)
}

func TestMarkAllRead(t *testing.T) {
	now := time.Now()
	ch := NewChannel("https://example.com/feed")
	ch.Merge(ParsedChannel{Items: []ParsedItem{
		parsedItem("a", "https://example.com/a", time.Hour, now),
		parsedItem("b", "https://example.com/b", time.Hour, now),
	}}, now)

	flipped := ch.MarkAllRead()
	assert.Len(t, flipped, 2)
	assert.Equal(t, 0, ch.UnreadCount())

	// Already read, nothing flips.
	assert.Empty(t, ch.MarkAllRead())
}
