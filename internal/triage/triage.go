// Package triage moves articles between the inbox, the read-later queue
// and the saved set.
//
// Flags are two independent booleans on the article. Every transition
// is idempotent, commits before returning, and fails with
// model.ErrNotFound for an unknown article.
package triage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bryan-buckman/readlater/internal/database"
	"github.com/bryan-buckman/readlater/internal/metrics"
	"github.com/bryan-buckman/readlater/internal/model"
)

// Transition names a flag change.
type Transition string

const (
	MarkReadLater     Transition = "mark_read_later"
	MarkSaved         Transition = "mark_saved"
	UnmarkReadLater   Transition = "unmark_read_later"
	SaveFromReadLater Transition = "save_from_read_later"
	Unsave            Transition = "unsave"
)

// update returns the flag change a transition applies.
func (t Transition) update() (model.FlagUpdate, bool) {
	switch t {
	case MarkReadLater:
		return model.FlagUpdate{ReadLater: model.Set(true)}, true
	case MarkSaved:
		return model.FlagUpdate{Saved: model.Set(true)}, true
	case UnmarkReadLater:
		return model.FlagUpdate{ReadLater: model.Set(false)}, true
	case SaveFromReadLater:
		return model.FlagUpdate{Saved: model.Set(true), ReadLater: model.Set(false)}, true
	case Unsave:
		return model.FlagUpdate{Saved: model.Set(false)}, true
	}
	return model.FlagUpdate{}, false
}

// Service applies transitions through the store.
type Service struct {
	store   database.Store
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New creates a triage service. logger may be nil.
func New(store database.Store, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, log: logger, metrics: m}
}

// Apply runs transition t on the article and returns its new state.
func (s *Service) Apply(ctx context.Context, id int64, t Transition) (*model.Article, error) {
	u, ok := t.update()
	if !ok {
		return nil, fmt.Errorf("%w: unknown transition %q", model.ErrInvalidInput, t)
	}
	a, err := s.store.UpdateFlags(ctx, id, u)
	if err != nil {
		return nil, fmt.Errorf("%s article %d: %w", t, id, err)
	}
	s.metrics.RecordTransition(string(t))
	s.log.DebugContext(ctx, "article triaged", "article_id", id, "transition", t, "read_later", a.ReadLater, "saved", a.Saved)
	return a, nil
}

// MarkReadLater queues the article for later reading.
func (s *Service) MarkReadLater(ctx context.Context, id int64) (*model.Article, error) {
	return s.Apply(ctx, id, MarkReadLater)
}

// MarkSaved adds the article to the saved set.
func (s *Service) MarkSaved(ctx context.Context, id int64) (*model.Article, error) {
	return s.Apply(ctx, id, MarkSaved)
}

// UnmarkReadLater removes the article from the read-later queue.
func (s *Service) UnmarkReadLater(ctx context.Context, id int64) (*model.Article, error) {
	return s.Apply(ctx, id, UnmarkReadLater)
}

// SaveFromReadLater promotes the article from the read-later queue into
// the saved set in one write.
func (s *Service) SaveFromReadLater(ctx context.Context, id int64) (*model.Article, error) {
	return s.Apply(ctx, id, SaveFromReadLater)
}

// Unsave removes the article from the saved set.
func (s *Service) Unsave(ctx context.Context, id int64) (*model.Article, error) {
	return s.Apply(ctx, id, Unsave)
}

// Get returns the article.
func (s *Service) Get(ctx context.Context, id int64) (*model.Article, error) {
	return s.store.FindByID(ctx, id)
}

// ListByFlag returns the articles with flag set.
func (s *Service) ListByFlag(ctx context.Context, flag model.Flag) ([]model.Article, error) {
	return s.store.ListByFlag(ctx, flag)
}
