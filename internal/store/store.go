// Package store maps the in-memory feed collection onto sqlite: one
// row per channel, one row per item in display order, and a single
// settings row for the collection itself.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/LucentW/bettergram-kang/internal/feed"
)

// Repo represents the surface for persisting channels and settings.
type Repo struct {
	db *sqlx.DB
}

// New creates a new instance of Repo.
func New(dbx *sqlx.DB) *Repo {
	return &Repo{db: dbx}
}

type channelRow struct {
	FeedLink       string `db:"feed_link"`
	Position       int    `db:"position"`
	Link           string `db:"link"`
	IconLink       string `db:"icon_link"`
	Title          string `db:"title"`
	Description    string `db:"description"`
	Language       string `db:"language"`
	Copyright      string `db:"copyright"`
	EditorEmail    string `db:"editor_email"`
	WebMasterEmail string `db:"web_master_email"`
	PublishDate    int64  `db:"publish_date"`
	LastBuildDate  int64  `db:"last_build_date"`
	SkipHours      string `db:"skip_hours"`
	SkipDays       string `db:"skip_days"`
	Categories     string `db:"categories"`
}

type itemRow struct {
	ID           string `db:"id"`
	FeedLink     string `db:"feed_link"`
	Position     int    `db:"position"`
	GUID         string `db:"guid"`
	Title        string `db:"title"`
	Description  string `db:"description"`
	Author       string `db:"author"`
	Categories   string `db:"categories"`
	Link         string `db:"link"`
	CommentsLink string `db:"comments_link"`
	PublishDate  int64  `db:"publish_date"`
	ImageLink    string `db:"image_link"`
	IsRead       bool   `db:"is_read"`
}

type settingsRow struct {
	LastUpdate       int64 `db:"last_update"`
	FrequencySeconds int64 `db:"frequency_seconds"`
}

// SaveChannel writes one channel record: metadata plus its full item
// list, replacing whatever was stored before.
func (r *Repo) SaveChannel(ctx context.Context, position int, snap feed.ChannelSnapshot) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %s", err)
	}
	defer tx.Rollback()

	const upsert = `INSERT INTO channels (
		feed_link, position, link, icon_link, title, description, language,
		copyright, editor_email, web_master_email, publish_date,
		last_build_date, skip_hours, skip_days, categories
	) VALUES (
		:feed_link, :position, :link, :icon_link, :title, :description, :language,
		:copyright, :editor_email, :web_master_email, :publish_date,
		:last_build_date, :skip_hours, :skip_days, :categories
	)
	ON CONFLICT (feed_link) DO UPDATE SET
		position = excluded.position,
		link = excluded.link,
		icon_link = excluded.icon_link,
		title = excluded.title,
		description = excluded.description,
		language = excluded.language,
		copyright = excluded.copyright,
		editor_email = excluded.editor_email,
		web_master_email = excluded.web_master_email,
		publish_date = excluded.publish_date,
		last_build_date = excluded.last_build_date,
		skip_hours = excluded.skip_hours,
		skip_days = excluded.skip_days,
		categories = excluded.categories;`
	if _, err := tx.NamedExecContext(ctx, upsert, channelToRow(position, snap.Meta)); err != nil {
		return fmt.Errorf("error upserting channel: %s", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE feed_link = ?;`, snap.Meta.FeedLink); err != nil {
		return fmt.Errorf("error clearing items: %s", err)
	}

	if len(snap.Items) > 0 {
		ins := sq.Insert("items").Columns(
			"id", "feed_link", "position", "guid", "title", "description",
			"author", "categories", "link", "comments_link", "publish_date",
			"image_link", "is_read",
		)
		for i, it := range snap.Items {
			row := itemToRow(snap.Meta.FeedLink, i, it)
			ins = ins.Values(
				row.ID, row.FeedLink, row.Position, row.GUID, row.Title,
				row.Description, row.Author, row.Categories, row.Link,
				row.CommentsLink, row.PublishDate, row.ImageLink, row.IsRead,
			)
		}
		query, args, err := ins.ToSql()
		if err != nil {
			return fmt.Errorf("error constructing sql: %s", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("error inserting items: %s", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing: %s", err)
	}

	return nil
}

// RemoveChannel deletes the channel and, via the schema, its items.
func (r *Repo) RemoveChannel(ctx context.Context, feedLink string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM items WHERE feed_link = ?;`, feedLink); err != nil {
		return fmt.Errorf("error deleting items: %s", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM channels WHERE feed_link = ?;`, feedLink); err != nil {
		return fmt.Errorf("error deleting channel: %s", err)
	}

	return nil
}

// SaveSettings upserts the single collection-level settings row.
func (r *Repo) SaveSettings(ctx context.Context, s feed.Settings) error {
	const q = `INSERT INTO settings (id, last_update, frequency_seconds)
	VALUES (1, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		last_update = excluded.last_update,
		frequency_seconds = excluded.frequency_seconds;`
	if _, err := r.db.ExecContext(ctx, q, toMillis(s.LastUpdate), int64(s.Frequency/time.Second)); err != nil {
		return fmt.Errorf("error saving settings: %s", err)
	}

	return nil
}

// Load reconstructs the whole collection state in stored order. An
// empty database yields a config with no channels and defaults, which
// the caller seeds.
func (r *Repo) Load(ctx context.Context) (feed.CollectionConfig, error) {
	var cfg feed.CollectionConfig

	var s settingsRow
	err := r.db.GetContext(ctx, &s, `SELECT last_update, frequency_seconds FROM settings WHERE id = 1;`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return feed.CollectionConfig{}, fmt.Errorf("error loading settings: %s", err)
	}
	if err == nil {
		cfg.LastUpdate = fromMillis(s.LastUpdate)
		cfg.Frequency = time.Duration(s.FrequencySeconds) * time.Second
	}

	var chans []channelRow
	if err := r.db.SelectContext(ctx, &chans, `SELECT * FROM channels ORDER BY position;`); err != nil {
		return feed.CollectionConfig{}, fmt.Errorf("error loading channels: %s", err)
	}

	var items []itemRow
	if err := r.db.SelectContext(ctx, &items, `SELECT * FROM items ORDER BY feed_link, position;`); err != nil {
		return feed.CollectionConfig{}, fmt.Errorf("error loading items: %s", err)
	}
	itemsByFeed := make(map[string][]feed.Item)
	for _, row := range items {
		itemsByFeed[row.FeedLink] = append(itemsByFeed[row.FeedLink], rowToItem(row))
	}

	for _, row := range chans {
		cfg.Channels = append(cfg.Channels, feed.ChannelSnapshot{
			Meta:  rowToChannel(row),
			Items: itemsByFeed[row.FeedLink],
		})
	}

	return cfg, nil
}

func channelToRow(position int, m feed.ChannelMeta) channelRow {
	return channelRow{
		FeedLink:       m.FeedLink,
		Position:       position,
		Link:           m.Link,
		IconLink:       m.IconLink,
		Title:          m.Title,
		Description:    m.Description,
		Language:       m.Language,
		Copyright:      m.Copyright,
		EditorEmail:    m.EditorEmail,
		WebMasterEmail: m.WebMasterEmail,
		PublishDate:    toMillis(m.PublishDate),
		LastBuildDate:  toMillis(m.LastBuildDate),
		SkipHours:      m.SkipHours,
		SkipDays:       m.SkipDays,
		Categories:     marshalStrings(m.Categories),
	}
}

func rowToChannel(row channelRow) feed.ChannelMeta {
	return feed.ChannelMeta{
		FeedLink:       row.FeedLink,
		Link:           row.Link,
		IconLink:       row.IconLink,
		Title:          row.Title,
		Description:    row.Description,
		Language:       row.Language,
		Copyright:      row.Copyright,
		EditorEmail:    row.EditorEmail,
		WebMasterEmail: row.WebMasterEmail,
		PublishDate:    fromMillis(row.PublishDate),
		LastBuildDate:  fromMillis(row.LastBuildDate),
		SkipHours:      row.SkipHours,
		SkipDays:       row.SkipDays,
		Categories:     unmarshalStrings(row.Categories),
	}
}

func itemToRow(feedLink string, position int, it feed.Item) itemRow {
	return itemRow{
		ID:           it.ID,
		FeedLink:     feedLink,
		Position:     position,
		GUID:         it.GUID,
		Title:        it.Title,
		Description:  it.Description,
		Author:       it.Author,
		Categories:   marshalStrings(it.Categories),
		Link:         it.Link,
		CommentsLink: it.CommentsLink,
		PublishDate:  toMillis(it.PublishDate),
		ImageLink:    it.ImageLink,
		IsRead:       it.IsRead,
	}
}

func rowToItem(row itemRow) feed.Item {
	return feed.Item{
		ID:           row.ID,
		GUID:         row.GUID,
		Title:        row.Title,
		Description:  row.Description,
		Author:       row.Author,
		Categories:   unmarshalStrings(row.Categories),
		Link:         row.Link,
		CommentsLink: row.CommentsLink,
		PublishDate:  fromMillis(row.PublishDate),
		ImageLink:    row.ImageLink,
		IsRead:       row.IsRead,
	}
}

// Dates are stored as unix milliseconds with zero meaning unknown,
// which keeps comparisons driver-independent.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	var ss []string
	if err := json.Unmarshal([]byte(s), &ss); err != nil || len(ss) == 0 {
		return nil
	}
	return ss
}
