// Package enrich resolves representative images for items whose feed
// entry carried none, by scraping the entry's own page. It runs out of
// band and never blocks or fails ingestion.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	readability "github.com/go-shiori/go-readability"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sethvargo/go-retry"

	"github.com/LucentW/bettergram-kang/internal/feed"
)

const (
	fetchTimeout = 5 * time.Second
	cacheSize    = 512
)

// Enricher watches the collection for refresh passes and fills in
// missing item images afterwards. It holds item ids only, never the
// items themselves, so an item evicted mid-flight is simply skipped.
type Enricher struct {
	coll   *feed.Collection
	client *http.Client

	// Page URL to resolved image link; the empty string caches a page
	// with no usable image so it is not scraped again.
	cache *lru.Cache[string, string]

	kick chan struct{}
}

// New creates an enricher bound to the collection.
func New(coll *feed.Collection) *Enricher {
	cache, _ := lru.New[string, string](cacheSize)

	return &Enricher{
		coll:   coll,
		client: &http.Client{Timeout: fetchTimeout},
		cache:  cache,
		kick:   make(chan struct{}, 1),
	}
}

// AggregateUpdated implements [feed.Observer]; it nudges the worker
// without blocking the refresh pass.
func (e *Enricher) AggregateUpdated() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// ChannelChanged implements [feed.Observer].
func (e *Enricher) ChannelChanged(string) {}

// ItemReadStateChanged implements [feed.Observer].
func (e *Enricher) ItemReadStateChanged(string) {}

// Run processes enrichment passes until the context is canceled.
func (e *Enricher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.kick:
			e.pass(ctx)
		}
	}
}

// pass resolves images for every item currently lacking one.
func (e *Enricher) pass(ctx context.Context) {
	for _, it := range e.coll.AllItemsByTime() {
		if it.ImageLink != "" || it.Link == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		image, err := e.imageForPage(ctx, it.Link)
		if err != nil {
			slog.Debug("image enrichment failed", "link", it.Link, "error", err)
			continue
		}
		if image == "" {
			continue
		}

		if err := e.coll.SetItemImage(ctx, it.ID, image); err != nil {
			slog.Warn("error saving enriched image", "item", it.ID, "error", err)
		}
	}
}

// imageForPage scrapes the page for its representative image, with a
// small backoff for flaky endpoints and a cache across passes.
func (e *Enricher) imageForPage(ctx context.Context, pageURL string) (string, error) {
	if image, ok := e.cache.Get(pageURL); ok {
		return image, nil
	}

	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("error with the entry's url: %s", err)
	}

	var image string
	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return err
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return retry.RetryableError(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}

		parser := readability.NewParser()
		article, err := parser.Parse(resp.Body, u)
		if err != nil {
			return err
		}
		image = article.Image

		return nil
	})
	if err != nil {
		return "", err
	}

	e.cache.Add(pageURL, image)

	return image, nil
}
