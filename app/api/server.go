// Package api implements the http feed endpoint polled by the leader actors
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/didip/tollbooth"
	"github.com/didip/tollbooth_chi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-pkgz/lcw"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/pkg/errors"

	"github.com/umputun/feed-notifier/app/models"
)

// ItemStore provides items for the feed
type ItemStore interface {
	Save(item models.FeedItem) (models.FeedItem, error)
	Since(sinceID int64) (items []models.FeedItem, lastID int64, err error)
	LastID() (int64, error)
}

// Server is the feed endpoint
type Server struct {
	Version   string
	Items     ItemStore
	CacheTTL  time.Duration
	RateLimit float64 // requests per second per client

	cache      lcw.LoadingCache
	httpServer *http.Server
}

// Run starts http server and blocks until ctx is done
func (s *Server) Run(ctx context.Context, port int) error {
	log.Printf("[INFO] activate feed server on port %d", port)
	router, err := s.routes()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if e := s.httpServer.Shutdown(shutdownCtx); e != nil {
			log.Printf("[WARN] feed server shutdown failed, %v", e)
		}
	}()

	if err = s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "feed server failed")
	}
	log.Printf("[INFO] feed server terminated")
	return nil
}

func (s *Server) routes() (chi.Router, error) {
	if s.CacheTTL == 0 {
		s.CacheTTL = 500 * time.Millisecond
	}
	if s.RateLimit == 0 {
		s.RateLimit = 10
	}
	cache, err := lcw.NewExpirableCache(lcw.TTL(s.CacheTTL), lcw.MaxKeys(1000))
	if err != nil {
		return nil, errors.Wrap(err, "can't make response cache")
	}
	s.cache = cache

	router := chi.NewRouter()
	router.Use(middleware.RealIP, rest.Recoverer(log.Default()))
	router.Use(middleware.Throttle(1000), middleware.Timeout(30*time.Second))
	router.Use(rest.AppInfo("feed-notifier", "umputun", s.Version), rest.Ping)
	router.Use(tollbooth_chi.LimitHandler(tollbooth.NewLimiter(s.RateLimit, nil)))

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/feed", s.getFeedCtrl)
		r.Post("/items", s.postItemCtrl)
	})
	return router, nil
}

// GET /api/v1/feed?since_id=N, without since_id reports only the last id
func (s *Server) getFeedCtrl(w http.ResponseWriter, r *http.Request) {
	key, sinceID := "last", int64(-1)
	if v := r.URL.Query().Get("since_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, rest.JSON{"error": "invalid since_id"})
			return
		}
		key, sinceID = "since-"+v, id
	}

	data, err := s.cache.Get(key, func() (interface{}, error) {
		return s.feed(sinceID)
	})
	if err != nil {
		log.Printf("[WARN] can't get feed for %s, %v", key, err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, rest.JSON{"error": "can't get feed"})
		return
	}
	render.JSON(w, r, data)
}

// POST /api/v1/items, adds item to the feed
func (s *Server) postItemCtrl(w http.ResponseWriter, r *http.Request) {
	item := models.FeedItem{}
	if err := render.DecodeJSON(r.Body, &item); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, rest.JSON{"error": "can't decode item"})
		return
	}
	if item.Author == "" || item.EventID < 0 {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, rest.JSON{"error": "author required, event id can't be negative"})
		return
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	saved, err := s.Items.Save(item)
	if err != nil {
		log.Printf("[WARN] can't save item, %v", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, rest.JSON{"error": "can't save item"})
		return
	}
	s.cache.Purge()
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, saved)
}

func (s *Server) feed(sinceID int64) (models.FeedResponse, error) {
	if sinceID < 0 {
		lastID, err := s.Items.LastID()
		if err != nil {
			return models.FeedResponse{}, err
		}
		return models.FeedResponse{Items: []models.FeedItem{}, LastID: lastID}, nil
	}

	items, lastID, err := s.Items.Since(sinceID)
	if err != nil {
		return models.FeedResponse{}, err
	}
	if sinceID > lastID {
		lastID = sinceID
	}
	return models.FeedResponse{Items: items, LastID: lastID}, nil
}
