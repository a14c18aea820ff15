package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type (
	// Collection owns an ordered set of channels and coordinates the
	// fetch barrier across them: a refresh fetches every idle channel,
	// waits for all of them to resolve, and only then parses and
	// merges, so views never show a partial pass.
	Collection struct {
		mu         sync.Mutex
		channels   []*Channel
		lastUpdate time.Time
		frequency  time.Duration
		refreshing bool

		fetcher Fetcher
		parser  Parser
		store   Store

		obsMu     sync.Mutex
		observers []Observer
	}

	// CollectionConfig holds the restored state a collection starts
	// from.
	CollectionConfig struct {
		Channels   []ChannelSnapshot
		LastUpdate time.Time
		Frequency  time.Duration
	}

	// ChannelView is one channel as exposed to the presentation
	// layer.
	ChannelView struct {
		Meta        ChannelMeta
		Failed      bool
		UnreadCount int
		Items       []Item
	}
)

// NewCollection creates a collection from restored state. The store
// may be nil, in which case nothing is persisted.
func NewCollection(cfg CollectionConfig, fetcher Fetcher, parser Parser, store Store) *Collection {
	freq := cfg.Frequency
	if freq <= 0 {
		freq = DefaultFrequency
	}

	c := &Collection{
		lastUpdate: cfg.LastUpdate,
		frequency:  freq,
		fetcher:    fetcher,
		parser:     parser,
		store:      store,
	}
	for _, snap := range cfg.Channels {
		c.channels = append(c.channels, RestoreChannel(snap))
	}

	return c
}

// Subscribe registers an observer for collection notifications.
func (c *Collection) Subscribe(o Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, o)
}

// Frequency is the refresh interval the collection was configured
// with.
func (c *Collection) Frequency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frequency
}

// LastUpdate is when the last refresh pass resolved at least one
// channel, whether or not content changed.
func (c *Collection) LastUpdate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdate
}

// Refresh runs one full fetch-and-merge pass: start a fetch for every
// eligible channel, wait until all of them resolve, then parse and
// merge the changed payloads and persist the results.
//
// It is a no-op while a previous pass is still in flight. Transport
// and parse failures are absorbed per channel; only persistence
// failures are returned, and in-memory state stays authoritative when
// they happen.
func (c *Collection) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.refreshing {
		c.mu.Unlock()
		return nil
	}
	for _, ch := range c.channels {
		if !ch.EligibleForFetch() {
			c.mu.Unlock()
			return nil
		}
	}
	c.refreshing = true

	type pending struct {
		ch  *Channel
		url string
	}
	var fetches []pending
	for _, ch := range c.channels {
		if err := ch.StartFetch(); err != nil {
			continue
		}
		fetches = append(fetches, pending{ch: ch, url: ch.FeedLink()})
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range fetches {
		f := f
		g.Go(func() error {
			payload, err := c.fetcher.Fetch(gctx, f.url)

			c.mu.Lock()
			defer c.mu.Unlock()
			if err != nil {
				slog.Warn("fetch failed", "feed", f.url, "error", err)
				return f.ch.FetchFailed()
			}
			return f.ch.FetchSucceeded(payload)
		})
	}
	if err := g.Wait(); err != nil {
		// State transition bugs only; fetch errors never surface here.
		slog.Error("refresh pass error", "error", err)
	}

	return c.mergePass(ctx, time.Now())
}

// mergePass parses and merges every buffered payload once all fetches
// have resolved, then persists and notifies.
func (c *Collection) mergePass(ctx context.Context, now time.Time) error {
	c.mu.Lock()

	var (
		anyChanged  bool
		anyResolved bool
		changed     []struct {
			position int
			snap     ChannelSnapshot
		}
		metaChanged []string
	)

	for i, ch := range c.channels {
		if ch.Failed() {
			continue
		}
		anyResolved = true

		payload := ch.takeBuffer()
		if len(payload) == 0 {
			continue
		}

		parsed, err := c.parser.Parse(payload)
		if err != nil {
			// The channel keeps its prior items and the payload is
			// not hashed, so the next fetch parses again.
			slog.Warn("parse failed", "feed", ch.FeedLink(), "error", err)
			continue
		}
		ch.markParsed(payload)

		out := ch.Merge(parsed, now)
		if out.Changed {
			anyChanged = true
			changed = append(changed, struct {
				position int
				snap     ChannelSnapshot
			}{i, ch.Snapshot()})
		}
		if out.MetaChanged {
			metaChanged = append(metaChanged, ch.FeedLink())
		}
	}

	if anyResolved {
		c.lastUpdate = now
	}
	settings := Settings{LastUpdate: c.lastUpdate, Frequency: c.frequency}
	c.mu.Unlock()

	var errs []error
	if c.store != nil {
		for _, chg := range changed {
			if err := c.store.SaveChannel(ctx, chg.position, chg.snap); err != nil {
				errs = append(errs, fmt.Errorf("error saving channel %s: %w", chg.snap.Meta.FeedLink, err))
			}
		}
		if anyResolved {
			if err := c.store.SaveSettings(ctx, settings); err != nil {
				errs = append(errs, fmt.Errorf("error saving settings: %w", err))
			}
		}
	}

	for _, feedLink := range metaChanged {
		c.notify(func(o Observer) { o.ChannelChanged(feedLink) })
	}
	if anyChanged {
		c.notify(func(o Observer) { o.AggregateUpdated() })
	}

	return errors.Join(errs...)
}

// AllItemsByTime returns every item across all channels sorted by
// publish date, newest first. Ties keep channel order, so the result
// is stable across calls.
func (c *Collection) AllItemsByTime() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	var items []Item
	for _, ch := range c.channels {
		items = append(items, ch.Items()...)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishDate.After(items[j].PublishDate)
	})

	return items
}

// UnreadItemsByTime is AllItemsByTime filtered to unread items.
func (c *Collection) UnreadItemsByTime() []Item {
	items := c.AllItemsByTime()
	unread := items[:0]
	for _, it := range items {
		if !it.IsRead {
			unread = append(unread, it)
		}
	}

	return unread
}

// ByChannel returns the channel-grouped view in display order.
func (c *Collection) ByChannel() []ChannelView {
	c.mu.Lock()
	defer c.mu.Unlock()

	views := make([]ChannelView, 0, len(c.channels))
	for _, ch := range c.channels {
		views = append(views, ChannelView{
			Meta:        ch.Meta(),
			Failed:      ch.Failed(),
			UnreadCount: ch.UnreadCount(),
			Items:       ch.Items(),
		})
	}

	return views
}

// UnreadCount counts unread items across all channels.
func (c *Collection) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, ch := range c.channels {
		n += ch.UnreadCount()
	}
	return n
}

// ItemByID looks an item up by its process handle.
func (c *Collection) ItemByID(id string) (Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.channels {
		if it := ch.itemByID(id); it != nil {
			return *it, true
		}
	}
	return Item{}, false
}

// AddChannel appends a new channel for the feed URL and persists it.
func (c *Collection) AddChannel(ctx context.Context, feedLink string) error {
	if feedLink == "" {
		return errors.New("feed link is required")
	}

	c.mu.Lock()
	for _, ch := range c.channels {
		if ch.FeedLink() == feedLink {
			c.mu.Unlock()
			return fmt.Errorf("channel %s: %w", feedLink, ErrConflict)
		}
	}
	ch := NewChannel(feedLink)
	c.channels = append(c.channels, ch)
	position := len(c.channels) - 1
	snap := ch.Snapshot()
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveChannel(ctx, position, snap); err != nil {
			return fmt.Errorf("error saving channel: %w", err)
		}
	}

	return nil
}

// RemoveChannel drops the channel and its items.
func (c *Collection) RemoveChannel(ctx context.Context, feedLink string) error {
	c.mu.Lock()
	idx := -1
	for i, ch := range c.channels {
		if ch.FeedLink() == feedLink {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return fmt.Errorf("channel %s: %w", feedLink, ErrNotFound)
	}
	c.channels = append(c.channels[:idx], c.channels[idx+1:]...)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.RemoveChannel(ctx, feedLink); err != nil {
			return fmt.Errorf("error removing channel: %w", err)
		}
	}

	c.notify(func(o Observer) { o.AggregateUpdated() })

	return nil
}

// MarkItemRead flips one item's read flag and persists its channel.
func (c *Collection) MarkItemRead(ctx context.Context, itemID string, read bool) error {
	c.mu.Lock()
	var (
		position = -1
		snap     ChannelSnapshot
	)
	for i, ch := range c.channels {
		it := ch.itemByID(itemID)
		if it == nil {
			continue
		}
		if it.IsRead == read {
			c.mu.Unlock()
			return nil
		}
		it.IsRead = read
		position, snap = i, ch.Snapshot()
		break
	}
	c.mu.Unlock()

	if position < 0 {
		return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}

	if err := c.saveChannel(ctx, position, snap); err != nil {
		return err
	}
	c.notify(func(o Observer) { o.ItemReadStateChanged(itemID) })

	return nil
}

// MarkChannelRead marks every item in one channel as read.
func (c *Collection) MarkChannelRead(ctx context.Context, feedLink string) error {
	c.mu.Lock()
	var (
		position = -1
		snap     ChannelSnapshot
		flipped  []string
	)
	for i, ch := range c.channels {
		if ch.FeedLink() != feedLink {
			continue
		}
		flipped = ch.MarkAllRead()
		position, snap = i, ch.Snapshot()
		break
	}
	c.mu.Unlock()

	if position < 0 {
		return fmt.Errorf("channel %s: %w", feedLink, ErrNotFound)
	}
	if len(flipped) == 0 {
		return nil
	}

	if err := c.saveChannel(ctx, position, snap); err != nil {
		return err
	}
	for _, id := range flipped {
		c.notify(func(o Observer) { o.ItemReadStateChanged(id) })
	}

	return nil
}

// MarkAllRead marks every item in every channel as read.
func (c *Collection) MarkAllRead(ctx context.Context) error {
	c.mu.Lock()
	var (
		changed []struct {
			position int
			snap     ChannelSnapshot
		}
		flipped []string
	)
	for i, ch := range c.channels {
		ids := ch.MarkAllRead()
		if len(ids) == 0 {
			continue
		}
		flipped = append(flipped, ids...)
		changed = append(changed, struct {
			position int
			snap     ChannelSnapshot
		}{i, ch.Snapshot()})
	}
	c.mu.Unlock()

	var errs []error
	for _, chg := range changed {
		if err := c.saveChannel(ctx, chg.position, chg.snap); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range flipped {
		c.notify(func(o Observer) { o.ItemReadStateChanged(id) })
	}

	return errors.Join(errs...)
}

// SetItemImage records an image link resolved out-of-band for the
// item, if it still exists and has none.
func (c *Collection) SetItemImage(ctx context.Context, itemID, imageLink string) error {
	if imageLink == "" {
		return nil
	}

	c.mu.Lock()
	var (
		position = -1
		snap     ChannelSnapshot
	)
	for i, ch := range c.channels {
		it := ch.itemByID(itemID)
		if it == nil {
			continue
		}
		if it.ImageLink != "" {
			c.mu.Unlock()
			return nil
		}
		it.ImageLink = imageLink
		position, snap = i, ch.Snapshot()
		break
	}
	c.mu.Unlock()

	if position < 0 {
		// The item was evicted in the meantime; nothing to do.
		return nil
	}

	return c.saveChannel(ctx, position, snap)
}

func (c *Collection) saveChannel(ctx context.Context, position int, snap ChannelSnapshot) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveChannel(ctx, position, snap); err != nil {
		return fmt.Errorf("error saving channel %s: %w", snap.Meta.FeedLink, err)
	}
	return nil
}

func (c *Collection) notify(fn func(Observer)) {
	c.obsMu.Lock()
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.obsMu.Unlock()

	for _, o := range observers {
		fn(o)
	}
}
