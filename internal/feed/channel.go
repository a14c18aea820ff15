package feed

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
)

const itemNamespace = "-itm"

// FetchState is where a channel sits in its fetch cycle.
type FetchState int

const (
	StateIdle FetchState = iota
	StateFetching
)

// FetchResult is the outcome of a channel's most recent fetch.
type FetchResult int

const (
	ResultUnknown FetchResult = iota
	ResultSuccess
	ResultFailed
)

type (
	// Channel is one configured feed source and its accumulated items.
	//
	// A channel on its own is not safe for concurrent use; the owning
	// collection serializes every mutation behind its lock.
	Channel struct {
		meta  ChannelMeta
		items []*Item

		state      FetchState
		lastResult FetchResult

		// Hash of the payload last parsed successfully, so a
		// byte-identical refetch can skip the parse and merge.
		lastSourceHash []byte

		// Payload waiting for the collection-level parse pass.
		rawBuffer []byte
	}

	// MergeOutcome reports what a merge did to the channel.
	MergeOutcome struct {
		Changed     bool
		MetaChanged bool
	}
)

// NewChannel creates an empty channel for the feed URL.
func NewChannel(feedLink string) *Channel {
	return &Channel{
		meta: ChannelMeta{FeedLink: feedLink},
	}
}

// RestoreChannel rebuilds a channel from its persisted snapshot.
func RestoreChannel(snap ChannelSnapshot) *Channel {
	ch := &Channel{
		meta: snap.Meta,
	}
	if snap.Failed {
		ch.lastResult = ResultFailed
	}
	for _, it := range snap.Items {
		item := it
		if item.ID == "" {
			item.ID = newItemID()
		}
		ch.items = append(ch.items, &item)
	}

	return ch
}

// FeedLink is the immutable identity of the channel.
func (c *Channel) FeedLink() string {
	return c.meta.FeedLink
}

// Meta returns a copy of the channel metadata.
func (c *Channel) Meta() ChannelMeta {
	meta := c.meta
	meta.Categories = slices.Clone(c.meta.Categories)
	return meta
}

// Failed reports whether the most recent fetch failed. Stale items are
// retained in that case so callers keep showing last-known content.
func (c *Channel) Failed() bool {
	return c.lastResult == ResultFailed
}

// Items returns copies of the channel's items in stored order.
func (c *Channel) Items() []Item {
	items := make([]Item, 0, len(c.items))
	for _, it := range c.items {
		items = append(items, *it)
	}
	return items
}

// UnreadCount counts items not yet marked read.
func (c *Channel) UnreadCount() int {
	n := 0
	for _, it := range c.items {
		if !it.IsRead {
			n++
		}
	}
	return n
}

// Snapshot copies the channel for persistence or presentation.
func (c *Channel) Snapshot() ChannelSnapshot {
	return ChannelSnapshot{
		Meta:   c.Meta(),
		Failed: c.Failed(),
		Items:  c.Items(),
	}
}

// EligibleForFetch reports whether a new fetch may start. It is false
// only while a fetch for this channel is already in flight.
func (c *Channel) EligibleForFetch() bool {
	return c.state == StateIdle
}

// StartFetch transitions the channel into the fetching state.
func (c *Channel) StartFetch() error {
	if c.state != StateIdle {
		return fmt.Errorf("channel %s is already fetching", c.meta.FeedLink)
	}
	c.state = StateFetching

	return nil
}

// FetchSucceeded records a successful transport response. When the
// payload hashes identically to the last parsed one it is discarded
// and no parse pass will run for this channel.
func (c *Channel) FetchSucceeded(payload []byte) error {
	if c.state != StateFetching {
		return fmt.Errorf("channel %s is not fetching", c.meta.FeedLink)
	}

	hash := Fingerprint(payload)
	if !bytes.Equal(hash[:], c.lastSourceHash) {
		c.rawBuffer = payload
	}

	c.state = StateIdle
	c.lastResult = ResultSuccess

	return nil
}

// FetchFailed records a failed transport response. Existing items are
// kept untouched.
func (c *Channel) FetchFailed() error {
	if c.state != StateFetching {
		return fmt.Errorf("channel %s is not fetching", c.meta.FeedLink)
	}

	c.rawBuffer = nil
	c.state = StateIdle
	c.lastResult = ResultFailed

	return nil
}

// takeBuffer hands out the buffered payload and clears it.
func (c *Channel) takeBuffer() []byte {
	buf := c.rawBuffer
	c.rawBuffer = nil
	return buf
}

// markParsed remembers the payload hash after a successful parse so
// the next byte-identical fetch short-circuits.
func (c *Channel) markParsed(payload []byte) {
	hash := Fingerprint(payload)
	c.lastSourceHash = hash[:]
}

// Merge reconciles a freshly parsed payload against the channel.
//
// Old items are evicted first, then each parsed entry is matched by
// identity: unknown entries are inserted unread, known ones are
// updated in place with the read flag left alone, and entries that
// come back already past the retention window evict their stored
// counterpart. Channel metadata is taken from the parse wholesale.
// Merging the same payload twice reports no change the second time.
func (c *Channel) Merge(parsed ParsedChannel, now time.Time) MergeOutcome {
	var out MergeOutcome

	// Evict by age before reconciling, independent of whether the
	// entry still appears in the payload.
	kept := c.items[:0]
	for _, it := range c.items {
		if it.IsOld(now) {
			out.Changed = true
			continue
		}
		kept = append(kept, it)
	}
	c.items = kept

	for _, pi := range parsed.Items {
		existing := c.find(pi.Key())

		switch {
		case existing == nil:
			if pi.isOld(now) {
				continue
			}
			c.items = append(c.items, newItem(pi))
			out.Changed = true
		case pi.isOld(now):
			// A source can signal removal by republishing a stale
			// timestamp; treat it like an omission past the window.
			c.remove(existing)
			out.Changed = true
		default:
			if existing.update(pi) {
				out.Changed = true
			}
		}
	}

	if c.updateMeta(parsed) {
		out.Changed = true
		out.MetaChanged = true
	}

	sort.SliceStable(c.items, func(i, j int) bool {
		return c.items[i].PublishDate.After(c.items[j].PublishDate)
	})

	return out
}

// MarkAllRead flags every item as read and reports the ids that
// actually flipped.
func (c *Channel) MarkAllRead() []string {
	var flipped []string
	for _, it := range c.items {
		if !it.IsRead {
			it.IsRead = true
			flipped = append(flipped, it.ID)
		}
	}
	return flipped
}

func (c *Channel) find(key string) *Item {
	for _, it := range c.items {
		if it.Key() == key {
			return it
		}
	}
	return nil
}

func (c *Channel) itemByID(id string) *Item {
	for _, it := range c.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func (c *Channel) remove(item *Item) {
	for i, it := range c.items {
		if it == item {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	}
}

func (c *Channel) updateMeta(parsed ParsedChannel) bool {
	next := ChannelMeta{
		FeedLink:       c.meta.FeedLink,
		Link:           parsed.Link,
		IconLink:       parsed.IconLink,
		Title:          parsed.Title,
		Description:    parsed.Description,
		Language:       parsed.Language,
		Copyright:      parsed.Copyright,
		EditorEmail:    parsed.EditorEmail,
		WebMasterEmail: parsed.WebMasterEmail,
		PublishDate:    parsed.PublishDate,
		LastBuildDate:  parsed.LastBuildDate,
		SkipHours:      parsed.SkipHours,
		SkipDays:       parsed.SkipDays,
		Categories:     slices.Clone(parsed.Categories),
	}

	if metaEqual(c.meta, next) {
		return false
	}
	c.meta = next

	return true
}

func metaEqual(a, b ChannelMeta) bool {
	return a.FeedLink == b.FeedLink &&
		a.Link == b.Link &&
		a.IconLink == b.IconLink &&
		a.Title == b.Title &&
		a.Description == b.Description &&
		a.Language == b.Language &&
		a.Copyright == b.Copyright &&
		a.EditorEmail == b.EditorEmail &&
		a.WebMasterEmail == b.WebMasterEmail &&
		a.PublishDate.Equal(b.PublishDate) &&
		a.LastBuildDate.Equal(b.LastBuildDate) &&
		a.SkipHours == b.SkipHours &&
		a.SkipDays == b.SkipDays &&
		slices.Equal(a.Categories, b.Categories)
}

func newItem(pi ParsedItem) *Item {
	return &Item{
		ID:           newItemID(),
		GUID:         pi.GUID,
		Title:        pi.Title,
		Description:  pi.Description,
		Author:       pi.Author,
		Categories:   slices.Clone(pi.Categories),
		Link:         pi.Link,
		CommentsLink: pi.CommentsLink,
		PublishDate:  pi.PublishDate,
		ImageLink:    pi.ImageLink,
	}
}

// update overwrites everything except the read flag and the process
// handle, reporting whether any field actually differed. An image link
// resolved out-of-band survives parses that leave it unresolved.
func (it *Item) update(pi ParsedItem) bool {
	image := pi.ImageLink
	if image == "" {
		image = it.ImageLink
	}

	changed := it.GUID != pi.GUID ||
		it.Title != pi.Title ||
		it.Description != pi.Description ||
		it.Author != pi.Author ||
		!slices.Equal(it.Categories, pi.Categories) ||
		it.Link != pi.Link ||
		it.CommentsLink != pi.CommentsLink ||
		!it.PublishDate.Equal(pi.PublishDate) ||
		it.ImageLink != image
	if !changed {
		return false
	}

	it.GUID = pi.GUID
	it.Title = pi.Title
	it.Description = pi.Description
	it.Author = pi.Author
	it.Categories = slices.Clone(pi.Categories)
	it.Link = pi.Link
	it.CommentsLink = pi.CommentsLink
	it.PublishDate = pi.PublishDate
	it.ImageLink = image

	return true
}

func newItemID() string {
	return fmt.Sprintf("%s%s", uuid.NewString(), itemNamespace)
}
