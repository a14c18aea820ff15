// Package api is the read-mostly HTTP surface the news panel binds
// to: aggregated item views, per-channel state, read-state mutations,
// and a manual refresh trigger.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sym01/htmlsanitizer"

	bkerrs "github.com/LucentW/bettergram-kang/internal/errors"
	"github.com/LucentW/bettergram-kang/internal/feed"
	"github.com/LucentW/bettergram-kang/internal/serverutil"
)

type (
	// Server handles panel requests against the collection.
	Server struct {
		*http.Server

		coll    *feed.Collection
		refresh func()

		fetchClient *http.Client
		readerCache *lru.Cache[string, ReaderResp]
	}

	Config struct {
		Port       int
		CorsHeader string
	}
)

// NewServer creates the panel API server. The refresh callback
// triggers a collection refresh pass without blocking the request.
func NewServer(config Config, coll *feed.Collection, refresh func()) *Server {
	var (
		r        = serverutil.ErrRouter{Router: mux.NewRouter()}
		cache, _ = lru.New[string, ReaderResp](256)
	)

	srvr := &Server{
		coll:    coll,
		refresh: refresh,
		fetchClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		readerCache: cache,
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
			Handler: handlers.CORS(
				handlers.AllowedOrigins([]string{config.CorsHeader}),
				handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
				handlers.AllowedHeaders([]string{"content-type"}),
			)(r),
		},
	}

	r.Use(serverutil.AccessLogMiddleware) // Log everything

	// Aggregated views
	r.HandleFuncE("/api/items", srvr.getItems).Methods(http.MethodGet)
	r.HandleFuncE("/api/items/unread", srvr.getUnreadItems).Methods(http.MethodGet)
	r.HandleFuncE("/api/channels", srvr.getChannels).Methods(http.MethodGet)

	// Channel management. The feed link is a URL, so it travels as a
	// query parameter rather than a path variable.
	r.HandleFuncE("/api/channels", srvr.postChannel).Methods(http.MethodPost)
	r.HandleFuncE("/api/channels", srvr.deleteChannel).Methods(http.MethodDelete)

	// Read state
	r.HandleFuncE("/api/items/{itemID}/read", srvr.postItemRead).Methods(http.MethodPost)
	r.HandleFuncE("/api/read-all", srvr.postReadAll).Methods(http.MethodPost)
	r.HandleFuncE("/api/channels/read-all", srvr.postChannelReadAll).Methods(http.MethodPost)

	// Refresh trigger and reader view
	r.HandleFuncE("/api/refresh", srvr.postRefresh).Methods(http.MethodPost)
	r.HandleFuncE("/api/items/{itemID}/reader", srvr.getItemReader).Methods(http.MethodGet)

	slog.Debug("configured api server", "port", config.Port)

	return srvr
}

type (
	ItemResp struct {
		ID           string     `json:"id"`
		GUID         string     `json:"guid,omitempty"`
		Title        string     `json:"title"`
		Description  string     `json:"description"`
		Author       string     `json:"author,omitempty"`
		Categories   []string   `json:"categories,omitempty"`
		Link         string     `json:"link"`
		CommentsLink string     `json:"comments_link,omitempty"`
		PublishDate  *time.Time `json:"publish_date,omitempty"`
		ImageLink    string     `json:"image_link,omitempty"`
		IsRead       bool       `json:"is_read"`
	}

	ItemListResp struct {
		Items      []ItemResp `json:"items"`
		LastUpdate *time.Time `json:"last_update,omitempty"`
	}

	ChannelResp struct {
		FeedLink    string     `json:"feed_link"`
		Link        string     `json:"link,omitempty"`
		IconLink    string     `json:"icon_link,omitempty"`
		Title       string     `json:"title"`
		Description string     `json:"description,omitempty"`
		Language    string     `json:"language,omitempty"`
		Categories  []string   `json:"categories,omitempty"`
		Failed      bool       `json:"failed"`
		UnreadCount int        `json:"unread_count"`
		Items       []ItemResp `json:"items"`
	}

	ChannelListResp struct {
		Channels   []ChannelResp `json:"channels"`
		LastUpdate *time.Time    `json:"last_update,omitempty"`
	}

	ReaderResp struct {
		ID      string `json:"id"`
		Link    string `json:"link"`
		Title   string `json:"title"`
		Content string `json:"content"`
	}
)

func apiItem(it feed.Item) ItemResp {
	var published *time.Time
	if !it.PublishDate.IsZero() {
		t := it.PublishDate
		published = &t
	}

	return ItemResp{
		ID:           it.ID,
		GUID:         it.GUID,
		Title:        it.Title,
		Description:  it.Description,
		Author:       it.Author,
		Categories:   it.Categories,
		Link:         it.Link,
		CommentsLink: it.CommentsLink,
		PublishDate:  published,
		ImageLink:    it.ImageLink,
		IsRead:       it.IsRead,
	}
}

func apiItems(items []feed.Item) []ItemResp {
	resp := make([]ItemResp, 0, len(items))
	for _, it := range items {
		resp = append(resp, apiItem(it))
	}
	return resp
}

func (s *Server) lastUpdate() *time.Time {
	t := s.coll.LastUpdate()
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) getItems(w http.ResponseWriter, r *http.Request) error {
	return serverutil.WriteJSON(w, http.StatusOK, ItemListResp{
		Items:      apiItems(s.coll.AllItemsByTime()),
		LastUpdate: s.lastUpdate(),
	})
}

func (s *Server) getUnreadItems(w http.ResponseWriter, r *http.Request) error {
	return serverutil.WriteJSON(w, http.StatusOK, ItemListResp{
		Items:      apiItems(s.coll.UnreadItemsByTime()),
		LastUpdate: s.lastUpdate(),
	})
}

func (s *Server) getChannels(w http.ResponseWriter, r *http.Request) error {
	views := s.coll.ByChannel()

	resp := ChannelListResp{
		Channels:   make([]ChannelResp, 0, len(views)),
		LastUpdate: s.lastUpdate(),
	}
	for _, v := range views {
		resp.Channels = append(resp.Channels, ChannelResp{
			FeedLink:    v.Meta.FeedLink,
			Link:        v.Meta.Link,
			IconLink:    v.Meta.IconLink,
			Title:       v.Meta.Title,
			Description: v.Meta.Description,
			Language:    v.Meta.Language,
			Categories:  v.Meta.Categories,
			Failed:      v.Failed,
			UnreadCount: v.UnreadCount,
			Items:       apiItems(v.Items),
		})
	}

	return serverutil.WriteJSON(w, http.StatusOK, resp)
}

type CreateChannelReq struct {
	FeedLink string `json:"feed_link"`
}

func (req CreateChannelReq) Validate() error {
	if req.FeedLink == "" {
		return errors.New("feed_link is required")
	}
	if _, err := url.ParseRequestURI(req.FeedLink); err != nil {
		return fmt.Errorf("feed_link is not a valid url: %s", err)
	}

	return nil
}

func (s *Server) postChannel(w http.ResponseWriter, r *http.Request) error {
	body, err := serverutil.DecodeValid[CreateChannelReq](r.Body)
	if err != nil {
		return bkerrs.E(err, http.StatusBadRequest)
	}

	err = s.coll.AddChannel(r.Context(), body.FeedLink)
	if errors.Is(err, feed.ErrConflict) {
		return bkerrs.E(err, http.StatusConflict)
	}
	if err != nil {
		return err
	}

	// Pull its first payload in the background.
	s.refresh()

	return serverutil.WriteJSON(w, http.StatusCreated, CreateChannelReq{FeedLink: body.FeedLink})
}

func (s *Server) deleteChannel(w http.ResponseWriter, r *http.Request) error {
	feedLink := r.URL.Query().Get("feed_link")
	if feedLink == "" {
		return bkerrs.E(errors.New("feed_link is required"), http.StatusBadRequest)
	}

	err := s.coll.RemoveChannel(r.Context(), feedLink)
	if errors.Is(err, feed.ErrNotFound) {
		return bkerrs.E(err, http.StatusNotFound)
	}
	if err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

type MarkReadReq struct {
	Read *bool `json:"read"`
}

func (s *Server) postItemRead(w http.ResponseWriter, r *http.Request) error {
	itemID := mux.Vars(r)["itemID"]

	// An empty body marks the item read; {"read": false} puts it back.
	read := true
	var body MarkReadReq
	if err := decodeOptional(r, &body); err != nil {
		return bkerrs.E(err, http.StatusBadRequest)
	}
	if body.Read != nil {
		read = *body.Read
	}

	err := s.coll.MarkItemRead(r.Context(), itemID, read)
	if errors.Is(err, feed.ErrNotFound) {
		return bkerrs.E(err, http.StatusNotFound)
	}
	if err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) postReadAll(w http.ResponseWriter, r *http.Request) error {
	if err := s.coll.MarkAllRead(r.Context()); err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) postChannelReadAll(w http.ResponseWriter, r *http.Request) error {
	feedLink := r.URL.Query().Get("feed_link")
	if feedLink == "" {
		return bkerrs.E(errors.New("feed_link is required"), http.StatusBadRequest)
	}

	err := s.coll.MarkChannelRead(r.Context(), feedLink)
	if errors.Is(err, feed.ErrNotFound) {
		return bkerrs.E(err, http.StatusNotFound)
	}
	if err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) postRefresh(w http.ResponseWriter, r *http.Request) error {
	s.refresh()

	return serverutil.WriteJSON(w, http.StatusAccepted, map[string]bool{"started": true})
}

// getItemReader fetches the item's own page and returns a sanitized
// reader rendition of it.
func (s *Server) getItemReader(w http.ResponseWriter, r *http.Request) error {
	itemID := mux.Vars(r)["itemID"]

	item, ok := s.coll.ItemByID(itemID)
	if !ok {
		return bkerrs.E(fmt.Errorf("item %s: %w", itemID, feed.ErrNotFound), http.StatusNotFound)
	}

	// Cache results for less processing and to prevent refetches.
	if resp, ok := s.readerCache.Get(item.ID); ok {
		return serverutil.WriteJSON(w, http.StatusOK, resp)
	}

	u, err := url.Parse(item.Link)
	if err != nil {
		return fmt.Errorf("error with the item's url: %s", err)
	}

	resp, err := s.fetchClient.Get(item.Link)
	if err != nil {
		return bkerrs.E(err, http.StatusBadGateway)
	}
	defer resp.Body.Close()

	// Strip it for readability and sanitize
	parser := readability.NewParser()
	article, err := parser.Parse(resp.Body, u)
	if err != nil {
		return err
	}

	sanitizer := htmlsanitizer.NewHTMLSanitizer()
	contents, err := sanitizer.SanitizeString(article.Content)
	if err != nil {
		return err
	}

	ret := ReaderResp{
		ID:      item.ID,
		Link:    item.Link,
		Title:   item.Title,
		Content: contents,
	}
	// Add to the cache for next time
	s.readerCache.Add(item.ID, ret)

	return serverutil.WriteJSON(w, http.StatusOK, ret)
}

// decodeOptional decodes a JSON body when one is present, leaving v
// untouched for an empty body.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("error decoding request: %w", err)
	}
	return nil
}
