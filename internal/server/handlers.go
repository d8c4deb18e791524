package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bryan-buckman/readlater/internal/model"
	"github.com/bryan-buckman/readlater/internal/opml"
	"github.com/bryan-buckman/readlater/internal/triage"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Feeds ---

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.engine.ListAllFeeds(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feeds)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid request body", model.ErrInvalidInput))
		return
	}
	feed, n, err := s.engine.Subscribe(r.Context(), req.URL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"feed":     feed,
		"articles": n,
	})
}

func (s *Server) handleFeedArticles(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "feedID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	articles, err := s.engine.ListArticlesByFeed(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, articles)
}

func (s *Server) handleRefreshFeed(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "feedID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.refreshTimeout)
	defer cancel()

	n, err := s.engine.RefreshFeed(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "new_articles": n})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.refreshTimeout)
	defer cancel()

	report, err := s.engine.RefreshAll(ctx)
	if err != nil {
		if report != nil {
			// Feeds handled before the abort keep their articles.
			s.writeErrorWith(w, r, err, map[string]any{"report": report})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Articles ---

func (s *Server) handleListArticles(w http.ResponseWriter, r *http.Request) {
	flag, err := model.ParseFlag(r.URL.Query().Get("flag"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	articles, err := s.triage.ListByFlag(r.Context(), flag)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, articles)
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.triage.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) transition(t triage.Transition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		a, err := s.triage.Apply(r.Context(), id, t)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

// --- OPML ---

type importFailure struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	body, err := opmlBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer body.Close()

	entries, err := opml.Parse(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if !errors.As(err, &maxErr) {
			err = fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
		}
		s.writeError(w, r, err)
		return
	}

	imported, skipped := 0, 0
	failed := []importFailure{}
	for _, entry := range entries {
		_, _, err := s.engine.Subscribe(r.Context(), entry.URL)
		switch {
		case err == nil:
			imported++
		case errors.Is(err, model.ErrFeedExists):
			skipped++
		case errors.Is(err, model.ErrFetch), errors.Is(err, model.ErrInvalidInput):
			failed = append(failed, importFailure{URL: entry.URL, Error: err.Error()})
		default:
			s.writeError(w, r, err)
			return
		}
	}

	s.log.InfoContext(r.Context(), "opml imported", "total", len(entries), "imported", imported, "skipped", skipped, "failed", len(failed))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"total":    len(entries),
		"imported": imported,
		"skipped":  skipped,
		"failed":   failed,
	})
}

// opmlBody returns the "opml" form file of a multipart upload, or the raw
// request body otherwise.
func opmlBody(w http.ResponseWriter, r *http.Request) (io.ReadCloser, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxOPMLSize)
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.Body, nil
	}
	file, _, err := r.FormFile("opml")
	if err != nil {
		return nil, fmt.Errorf("%w: no opml file provided", model.ErrInvalidInput)
	}
	return file, nil
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.engine.ListAllFeeds(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries := make([]opml.FeedEntry, 0, len(feeds))
	for _, f := range feeds {
		entries = append(entries, opml.FeedEntry{Title: f.Title, URL: f.URL})
	}

	data, err := opml.Export("readlater feeds", time.Now(), entries)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=readlater-feeds.opml")
	w.Write(data)
}

// --- Helpers ---

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", model.ErrInvalidInput, name, raw)
	}
	return id, nil
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrRefreshInProgress):
		return http.StatusConflict
	case errors.Is(err, model.ErrFetch):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorWith(w, r, err, nil)
}

// writeErrorWith writes the error body plus extra fields.
func (s *Server) writeErrorWith(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	body := map[string]any{"error": msg}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
