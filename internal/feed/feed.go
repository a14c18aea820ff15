// Package feed holds the ingestion core: the channel/item model, the
// RSS and Atom parser, and the collection that coordinates fetching,
// merging and read state across all configured sources.
package feed

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict indicates a channel with the same feed link already exists.
	ErrConflict = errors.New("channel already exists")
	// ErrNotFound indicates a channel or item could not be located.
	ErrNotFound = errors.New("not found")

	// ErrUnknownFormat indicates the payload is neither RSS 2.0 nor Atom.
	ErrUnknownFormat = errors.New("unknown feed format")
	// ErrMalformed indicates the payload could not be decoded as XML.
	ErrMalformed = errors.New("malformed feed document")
)

// RetentionWindow is how long an item is kept past its publish date.
// Items older than this are evicted on the next merge regardless of
// whether the source still lists them.
const RetentionWindow = 24 * time.Hour

// DefaultFrequency is the refresh interval used when none is stored.
const DefaultFrequency = 60 * time.Second

type (
	// Item is one normalized feed entry belonging to a channel.
	Item struct {
		// ID is a process-assigned handle used by out-of-band helpers
		// (image enrichment, read-state events) to refer back to the
		// item without owning it.
		ID string

		GUID         string
		Title        string
		Description  string
		Author       string
		Categories   []string
		Link         string
		CommentsLink string
		PublishDate  time.Time
		ImageLink    string
		IsRead       bool
	}

	// ChannelMeta is the source-level metadata of a channel.
	ChannelMeta struct {
		FeedLink       string
		Link           string
		IconLink       string
		Title          string
		Description    string
		Language       string
		Copyright      string
		EditorEmail    string
		WebMasterEmail string
		PublishDate    time.Time
		LastBuildDate  time.Time
		SkipHours      string
		SkipDays       string
		Categories     []string
	}

	// ParsedItem is one entry as produced by the parser, before any
	// merge against existing state.
	ParsedItem struct {
		GUID         string
		Title        string
		Description  string
		Author       string
		Categories   []string
		Link         string
		CommentsLink string
		PublishDate  time.Time
		ImageLink    string
	}

	// ParsedChannel is the parser's view of one payload: channel
	// metadata plus its entries in document order.
	ParsedChannel struct {
		Title          string
		Link           string
		Description    string
		IconLink       string
		Language       string
		Copyright      string
		EditorEmail    string
		WebMasterEmail string
		PublishDate    time.Time
		LastBuildDate  time.Time
		SkipHours      string
		SkipDays       string
		Categories     []string
		Items          []ParsedItem
	}

	// ChannelSnapshot is a read-only copy of a channel handed to the
	// store and to API views.
	ChannelSnapshot struct {
		Meta   ChannelMeta
		Failed bool
		Items  []Item
	}

	// Settings are the collection-level values that survive restarts.
	Settings struct {
		LastUpdate time.Time
		Frequency  time.Duration
	}
)

// Key is the identity used to match an incoming entry to a stored one.
// The feed-supplied GUID wins when present since it is the stable id
// the format specifies; entries without one fall back to their link.
func (it Item) Key() string {
	if it.GUID != "" {
		return it.GUID
	}
	return it.Link
}

// Key mirrors [Item.Key] for parser output.
func (pi ParsedItem) Key() string {
	if pi.GUID != "" {
		return pi.GUID
	}
	return pi.Link
}

// IsOld reports whether the item has aged out of the retention window.
// Items without a publish date never age out.
func (it Item) IsOld(now time.Time) bool {
	if it.PublishDate.IsZero() {
		return false
	}
	return now.Sub(it.PublishDate) > RetentionWindow
}

func (pi ParsedItem) isOld(now time.Time) bool {
	if pi.PublishDate.IsZero() {
		return false
	}
	return now.Sub(pi.PublishDate) > RetentionWindow
}

// Fetcher retrieves the raw bytes of a feed.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Parser turns a raw payload into a ParsedChannel.
type Parser interface {
	Parse(payload []byte) (ParsedChannel, error)
}

// Store persists channels and collection settings. The collection
// writes through it after every state-changing operation; failures are
// surfaced to the caller but never roll back in-memory state.
type Store interface {
	SaveChannel(ctx context.Context, position int, snap ChannelSnapshot) error
	RemoveChannel(ctx context.Context, feedLink string) error
	SaveSettings(ctx context.Context, s Settings) error
}

// Observer receives collection notifications. AggregateUpdated fires at
// most once per completed refresh pass, never once per channel.
type Observer interface {
	AggregateUpdated()
	ChannelChanged(feedLink string)
	ItemReadStateChanged(itemID string)
}
