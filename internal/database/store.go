// Package database provides storage backends for the feed reader.
package database

import (
	"context"
	"time"

	"github.com/bryan-buckman/readlater/internal/model"
)

// Store is the article repository. It is the only writer of persisted
// feeds and articles. SQLite, PostgreSQL and in-memory implementations
// satisfy it.
//
// Article links are unique across every feed. Inserts that hit an
// existing link are skipped rather than reported.
type Store interface {
	Close() error

	// DatabaseType returns the name of the backend ("SQLite", "PostgreSQL", "Memory").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the backend can handle
	// many concurrent writers. SQLite returns false.
	SupportsHighConcurrency() bool

	// Feed operations
	ListFeeds(ctx context.Context) ([]model.Feed, error)
	FindFeedByID(ctx context.Context, feedID int64) (*model.Feed, error)
	// CreateFeedWithArticles inserts the feed and its first batch of
	// articles in one transaction. Returns model.ErrFeedExists if the
	// URL is already subscribed.
	CreateFeedWithArticles(ctx context.Context, feed model.Feed, articles []model.Article) (model.Feed, int, error)
	// RecordFetch stores the outcome of a pull. An empty errMsg marks a
	// successful fetch at t and clears the last error; a non-empty title
	// then replaces a title that is still the feed URL.
	RecordFetch(ctx context.Context, feedID int64, t time.Time, title, errMsg string) error

	// Article operations
	FindByLink(ctx context.Context, link string) (*model.Article, error)
	FindByID(ctx context.Context, articleID int64) (*model.Article, error)
	ListByFlag(ctx context.Context, flag model.Flag) ([]model.Article, error)
	ListArticlesByFeed(ctx context.Context, feedID int64) ([]model.Article, error)
	// InsertArticles inserts the batch in one transaction and returns
	// how many rows were actually created.
	InsertArticles(ctx context.Context, articles []model.Article) (int, error)
	UpdateFlags(ctx context.Context, articleID int64, u model.FlagUpdate) (*model.Article, error)
}
