// Package server provides the HTTP API and handlers.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bryan-buckman/readlater/internal/ingest"
	"github.com/bryan-buckman/readlater/internal/triage"
)

// DefaultRefreshTimeout bounds a refresh triggered over HTTP.
const DefaultRefreshTimeout = 5 * time.Minute

// maxOPMLSize caps uploaded OPML documents.
const maxOPMLSize = 10 << 20

// Options configures a Server.
type Options struct {
	Engine         *ingest.Engine
	Triage         *triage.Service
	Gatherer       prometheus.Gatherer
	Logger         *slog.Logger
	RefreshTimeout time.Duration
}

// Server is the HTTP API.
type Server struct {
	engine         *ingest.Engine
	triage         *triage.Service
	log            *slog.Logger
	refreshTimeout time.Duration
	router         chi.Router
}

// New creates a new server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	s := &Server{
		engine:         opts.Engine,
		triage:         opts.Triage,
		log:            opts.Logger,
		refreshTimeout: opts.RefreshTimeout,
	}
	s.setupRoutes(opts.Gatherer)
	return s
}

func (s *Server) setupRoutes(g prometheus.Gatherer) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/feeds", s.handleListFeeds)
		r.Post("/feeds", s.handleSubscribe)
		r.Get("/feeds/{feedID}/articles", s.handleFeedArticles)
		r.Post("/feeds/{feedID}/refresh", s.handleRefreshFeed)
		r.Post("/refresh", s.handleRefresh)

		r.Get("/articles", s.handleListArticles)
		r.Route("/articles/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetArticle)
			r.Post("/read-later", s.transition(triage.MarkReadLater))
			r.Delete("/read-later", s.transition(triage.UnmarkReadLater))
			r.Post("/saved", s.transition(triage.MarkSaved))
			r.Delete("/saved", s.transition(triage.Unsave))
			r.Post("/save-from-read-later", s.transition(triage.SaveFromReadLater))
		})

		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
	})

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger writes one access log line per request.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				level := slog.LevelInfo
				if status >= http.StatusInternalServerError {
					level = slog.LevelError
				}
				log.LogAttrs(r.Context(), level, "http request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", status),
					slog.Int("bytes", ww.BytesWritten()),
					slog.Duration("duration", time.Since(start)),
					slog.String("request_id", middleware.GetReqID(r.Context())),
					slog.String("remote", r.RemoteAddr),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
