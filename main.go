// Bettergram-kang is the feed ingestion daemon behind the news panel.
//
// It keeps a set of RSS/Atom channels current, merges new entries into
// a read/unread item store without losing user state, and serves the
// aggregated views over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/LucentW/bettergram-kang/internal/api"
	"github.com/LucentW/bettergram-kang/internal/enrich"
	"github.com/LucentW/bettergram-kang/internal/feed"
	"github.com/LucentW/bettergram-kang/internal/fetch"
	"github.com/LucentW/bettergram-kang/internal/migrations"
	"github.com/LucentW/bettergram-kang/internal/store"
	"github.com/LucentW/bettergram-kang/logger"
)

type config struct {
	Port     int    `env:"PORT, default=4444"`
	Database string `env:"DATABASE, default=bettergram.db"`

	// Which format to use for logging: either text or json
	LoggerFormat string `env:"LOGGER_FORMAT, default=text"`

	// Refresh interval used until one has been persisted.
	RefreshSeconds int `env:"REFRESH_SECONDS, default=60"`

	// Channels seeded on first run, when nothing is stored yet.
	// Space-separated so the value survives tag parsing.
	SeedFeeds string `env:"SEED_FEEDS, default=https://news.livecoinwatch.com/feed/ https://coincentral.com/feed/ https://www.coindesk.com/feed/ https://www.ccn.com/feed/"`

	CorsHeader string `env:"CORS_HEADER, default=*"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Parse the config
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	// Determine which logger format to use
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if cfg.LoggerFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	l := slog.New(logger.NewContextHandler(handler))
	slog.SetDefault(l)

	// Start the application
	if err := run(ctx, cfg); err != nil {
		slog.Error("error running", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	slog.Info("running", "config", cfg)

	// Connect to the db
	dbx, err := sqlx.Open("sqlite", fmt.Sprintf("%s?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000", cfg.Database))
	if err != nil {
		return fmt.Errorf("error opening database: %s", err)
	}
	defer dbx.Close()

	// Migrate, always
	if err := migrations.Run(dbx); err != nil {
		return fmt.Errorf("error migrating: %s", err)
	}

	repo := store.New(dbx)

	collCfg, err := repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("error loading stored channels: %s", err)
	}
	if collCfg.Frequency <= 0 {
		collCfg.Frequency = time.Duration(cfg.RefreshSeconds) * time.Second
	}

	coll := feed.NewCollection(collCfg, fetch.NewClient(0), feed.NewParser(), repo)

	// First run: seed the default channels.
	if len(collCfg.Channels) == 0 {
		seeds := strings.Fields(cfg.SeedFeeds)
		for _, u := range seeds {
			if err := coll.AddChannel(ctx, u); err != nil {
				return fmt.Errorf("error seeding channel %s: %s", u, err)
			}
		}
		slog.Info("seeded channels", "count", len(seeds))
	}

	enricher := enrich.New(coll)
	coll.Subscribe(enricher)

	refreshCtx := logger.Ctx(ctx, slog.String("component", "refresher"))
	triggerRefresh := func() {
		go func() {
			if err := coll.Refresh(refreshCtx); err != nil {
				slog.Error("error refreshing", "error", err)
			}
		}()
	}

	s := api.NewServer(api.Config{Port: cfg.Port, CorsHeader: cfg.CorsHeader}, coll, triggerRefresh)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Start the server
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error listening: %s", err)
		}

		return nil
	})
	g.Go(func() error {
		// Block from shutting down until the group is canceled
		<-gCtx.Done()

		downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(downCtx); err != nil {
			slog.Error("error shutting down server", "error", err)
		}

		return nil
	})

	g.Go(func() error {
		// Refresh once at boot, then on the configured interval.
		if err := coll.Refresh(refreshCtx); err != nil {
			slog.Error("error refreshing", "error", err)
		}

		ticker := time.NewTicker(coll.Frequency())
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				if err := coll.Refresh(refreshCtx); err != nil {
					slog.Error("error refreshing", "error", err)
				}
			}
		}
	})

	g.Go(func() error {
		// Image enrichment runs out of band until shutdown.
		if err := enricher.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("error running enricher: %s", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("error running: %s", err)
	}

	return nil
}
