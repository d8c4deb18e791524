package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bryan-buckman/readlater/internal/model"
)

// MemoryStore keeps feeds and articles in process memory. It enforces
// the same uniqueness rules as the SQL backends and is used by tests and
// throwaway runs.
type MemoryStore struct {
	mu sync.Mutex

	nextFeedID    int64
	nextArticleID int64

	feeds     map[int64]model.Feed
	feedURLs  map[string]int64
	articles  map[int64]model.Article
	linkIndex map[string]int64
}

// Ensure MemoryStore implements Store interface.
var _ Store = (*MemoryStore)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		feeds:     make(map[int64]model.Feed),
		feedURLs:  make(map[string]int64),
		articles:  make(map[int64]model.Article),
		linkIndex: make(map[string]int64),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) DatabaseType() string { return "Memory" }

func (m *MemoryStore) SupportsHighConcurrency() bool { return true }

func (m *MemoryStore) ListFeeds(ctx context.Context) ([]model.Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	feeds := make([]model.Feed, 0, len(m.feeds))
	for _, f := range m.feeds {
		feeds = append(feeds, f)
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].ID < feeds[j].ID })
	return feeds, nil
}

func (m *MemoryStore) FindFeedByID(ctx context.Context, feedID int64) (*model.Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feeds[feedID]
	if !ok {
		return nil, fmt.Errorf("feed %d: %w", feedID, model.ErrNotFound)
	}
	return &f, nil
}

func (m *MemoryStore) CreateFeedWithArticles(ctx context.Context, feed model.Feed, articles []model.Article) (model.Feed, int, error) {
	if err := ctx.Err(); err != nil {
		return model.Feed{}, 0, model.Storage("create feed", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.feedURLs[feed.URL]; ok {
		return model.Feed{}, 0, fmt.Errorf("%s: %w", feed.URL, model.ErrFeedExists)
	}
	m.nextFeedID++
	feed.ID = m.nextFeedID
	if feed.CreatedAt.IsZero() {
		feed.CreatedAt = time.Now().UTC()
	}
	if feed.Title == "" {
		feed.Title = feed.URL
	}
	m.feeds[feed.ID] = feed
	m.feedURLs[feed.URL] = feed.ID

	for i := range articles {
		articles[i].FeedID = feed.ID
	}
	return feed, m.insertLocked(articles), nil
}

func (m *MemoryStore) RecordFetch(ctx context.Context, feedID int64, t time.Time, title, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feeds[feedID]
	if !ok {
		return nil
	}
	if errMsg == "" {
		ts := t.UTC()
		f.LastFetched = &ts
		if title != "" && f.Title == f.URL {
			f.Title = title
		}
	}
	f.LastError = errMsg
	m.feeds[feedID] = f
	return nil
}

func (m *MemoryStore) FindByLink(ctx context.Context, link string) (*model.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.linkIndex[link]
	if !ok {
		return nil, nil
	}
	a := m.articles[id]
	return &a, nil
}

func (m *MemoryStore) FindByID(ctx context.Context, articleID int64) (*model.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[articleID]
	if !ok {
		return nil, fmt.Errorf("article %d: %w", articleID, model.ErrNotFound)
	}
	return &a, nil
}

func (m *MemoryStore) ListByFlag(ctx context.Context, flag model.Flag) ([]model.Article, error) {
	var match func(model.Article) bool
	switch flag {
	case model.FlagReadLater:
		match = func(a model.Article) bool { return a.ReadLater }
	case model.FlagSaved:
		match = func(a model.Article) bool { return a.Saved }
	default:
		return nil, fmt.Errorf("%w: unknown flag %q", model.ErrInvalidInput, flag)
	}
	return m.filter(match), nil
}

func (m *MemoryStore) ListArticlesByFeed(ctx context.Context, feedID int64) ([]model.Article, error) {
	return m.filter(func(a model.Article) bool { return a.FeedID == feedID }), nil
}

func (m *MemoryStore) InsertArticles(ctx context.Context, articles []model.Article) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, model.Storage("insert articles", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(articles), nil
}

func (m *MemoryStore) UpdateFlags(ctx context.Context, articleID int64, u model.FlagUpdate) (*model.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[articleID]
	if !ok {
		return nil, fmt.Errorf("article %d: %w", articleID, model.ErrNotFound)
	}
	a = u.Apply(a)
	m.articles[articleID] = a
	return &a, nil
}

// insertLocked adds articles whose link is not yet indexed. Caller holds mu.
func (m *MemoryStore) insertLocked(articles []model.Article) int {
	now := time.Now().UTC()
	inserted := 0
	for _, a := range articles {
		if _, exists := m.linkIndex[a.Link]; exists {
			continue
		}
		m.nextArticleID++
		a.ID = m.nextArticleID
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.PublishedAt != nil {
			t := a.PublishedAt.UTC()
			a.PublishedAt = &t
		}
		m.articles[a.ID] = a
		m.linkIndex[a.Link] = a.ID
		inserted++
	}
	return inserted
}

// filter returns matching articles in the same order the SQL backends
// use: dated articles newest first, undated last, ties by id descending.
func (m *MemoryStore) filter(match func(model.Article) bool) []model.Article {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Article{}
	for _, a := range m.articles {
		if match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].PublishedAt, out[j].PublishedAt
		switch {
		case pi == nil && pj == nil:
			return out[i].ID > out[j].ID
		case pi == nil:
			return false
		case pj == nil:
			return true
		case !pi.Equal(*pj):
			return pi.After(*pj)
		default:
			return out[i].ID > out[j].ID
		}
	})
	return out
}
