// Package ingest subscribes to feeds and pulls their new entries into
// the store, deduplicating by article link.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bryan-buckman/readlater/internal/database"
	"github.com/bryan-buckman/readlater/internal/metrics"
	"github.com/bryan-buckman/readlater/internal/model"
	"github.com/bryan-buckman/readlater/internal/rss"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Concurrency settings
const (
	// MaxConcurrencyPostgres is the number of parallel feed refreshes for backends that allow many writers
	MaxConcurrencyPostgres = 10
	// MaxConcurrencySQLite is the number of parallel feed refreshes for SQLite (limited due to locking)
	MaxConcurrencySQLite = 1
)

// maxErrorLen caps the fetch error stored on a feed.
const maxErrorLen = 200

// Source retrieves the current entries of a feed.
type Source interface {
	Fetch(ctx context.Context, feedURL string) (rss.Result, error)
}

// Options tune an Engine. Zero values pick defaults.
type Options struct {
	// MaxConcurrency caps parallel refreshes on backends that support
	// concurrent writers. SQLite always refreshes one feed at a time.
	MaxConcurrency int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Engine runs subscribe and refresh cycles against a Store.
type Engine struct {
	store       database.Store
	source      Source
	log         *slog.Logger
	metrics     *metrics.Metrics
	concurrency int
	now         func() time.Time

	refreshing atomic.Bool
}

// NewEngine creates an engine with concurrency based on the store type.
func NewEngine(store database.Store, source Source, opts Options) *Engine {
	concurrency := MaxConcurrencySQLite
	if store.SupportsHighConcurrency() {
		concurrency = MaxConcurrencyPostgres
		if opts.MaxConcurrency > 0 {
			concurrency = opts.MaxConcurrency
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:       store,
		source:      source,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		concurrency: concurrency,
		now:         opts.Now,
	}
}

// Subscribe fetches feedURL and stores the feed together with every entry
// it currently lists. Nothing is stored when the fetch fails. Entries
// whose link is already known are skipped by the store. Returns the new
// feed and how many articles were created.
func (e *Engine) Subscribe(ctx context.Context, feedURL string) (model.Feed, int, error) {
	feedURL = strings.TrimSpace(feedURL)
	if feedURL == "" {
		return model.Feed{}, 0, fmt.Errorf("%w: empty feed url", model.ErrInvalidInput)
	}

	res, err := e.source.Fetch(ctx, feedURL)
	if err != nil {
		err = asFetchError(feedURL, err)
		e.log.WarnContext(ctx, "subscribe fetch failed", "url", feedURL, "error", err)
		return model.Feed{}, 0, err
	}

	now := e.now().UTC()
	feed := model.Feed{URL: feedURL, Title: res.Title, CreatedAt: now, LastFetched: &now}
	feed, n, err := e.store.CreateFeedWithArticles(ctx, feed, e.articlesFrom(ctx, feedURL, res.Entries))
	if err != nil {
		return model.Feed{}, 0, fmt.Errorf("subscribe %s: %w", feedURL, err)
	}

	e.metrics.RecordIngested("subscribe", n)
	e.log.InfoContext(ctx, "feed added", "feed_id", feed.ID, "url", feedURL, "entries", len(res.Entries), "articles", n)
	return feed, n, nil
}

// FeedFailure describes a feed that could not be refreshed.
type FeedFailure struct {
	FeedID int64  `json:"feed_id"`
	URL    string `json:"url"`
	Error  string `json:"error"`
	Err    error  `json:"-"`
}

// RefreshReport summarizes one refresh cycle.
type RefreshReport struct {
	CycleID     string        `json:"cycle_id"`
	Feeds       int           `json:"feeds"`
	NewArticles int           `json:"new_articles"`
	Failures    []FeedFailure `json:"failures"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration_ns"`
}

// RefreshAll pulls every feed and stores entries whose link is not yet
// known anywhere. A feed that cannot be fetched is reported in the
// result and does not stop the others. A storage failure aborts the
// cycle; feeds already processed keep their new articles.
//
// Only one cycle runs at a time. A call made while another is running
// returns model.ErrRefreshInProgress.
func (e *Engine) RefreshAll(ctx context.Context) (*RefreshReport, error) {
	if !e.refreshing.CompareAndSwap(false, true) {
		e.metrics.RecordRefreshSkipped()
		return nil, model.ErrRefreshInProgress
	}
	defer e.refreshing.Store(false)

	report := &RefreshReport{CycleID: uuid.NewString(), Started: e.now(), Failures: []FeedFailure{}}
	log := e.log.With("cycle_id", report.CycleID)

	feeds, err := e.store.ListFeeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	report.Feeds = len(feeds)
	log.InfoContext(ctx, "refreshing feeds", "feeds", len(feeds), "concurrency", e.concurrency)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, feed := range feeds {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := e.refreshFeed(gctx, log, feed)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.NewArticles += n
			case errors.Is(err, model.ErrFetch):
				report.Failures = append(report.Failures, FeedFailure{FeedID: feed.ID, URL: feed.URL, Error: err.Error(), Err: err})
			default:
				return fmt.Errorf("refresh feed %d: %w", feed.ID, err)
			}
			return nil
		})
	}
	err = g.Wait()

	report.Duration = e.now().Sub(report.Started)
	e.metrics.RecordRefresh(report.Duration)
	if err != nil {
		log.ErrorContext(ctx, "refresh aborted", "error", err, "new_articles", report.NewArticles)
		return report, err
	}
	log.InfoContext(ctx, "refresh complete",
		"feeds", report.Feeds,
		"new_articles", report.NewArticles,
		"failed", len(report.Failures),
		"duration", report.Duration)
	return report, nil
}

// RefreshFeed pulls one feed outside of a full cycle. It does not take
// the cycle guard; inserts still go through the same link dedup.
func (e *Engine) RefreshFeed(ctx context.Context, feedID int64) (int, error) {
	feed, err := e.store.FindFeedByID(ctx, feedID)
	if err != nil {
		return 0, err
	}
	return e.refreshFeed(ctx, e.log, *feed)
}

func (e *Engine) refreshFeed(ctx context.Context, log *slog.Logger, feed model.Feed) (int, error) {
	res, err := e.source.Fetch(ctx, feed.URL)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		err = asFetchError(feed.URL, err)
		e.metrics.RecordFetchFailure()
		log.WarnContext(ctx, "failed to fetch feed", "feed_id", feed.ID, "url", feed.URL, "error", err)
		if rerr := e.store.RecordFetch(ctx, feed.ID, e.now(), "", truncate(err.Error(), maxErrorLen)); rerr != nil {
			log.ErrorContext(ctx, "error recording fetch failure", "feed_id", feed.ID, "error", rerr)
		}
		return 0, err
	}

	var fresh []model.Article
	for _, a := range e.articlesFrom(ctx, feed.URL, res.Entries) {
		existing, err := e.store.FindByLink(ctx, a.Link)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			continue
		}
		a.FeedID = feed.ID
		fresh = append(fresh, a)
	}

	n, err := e.store.InsertArticles(ctx, fresh)
	if err != nil {
		return 0, err
	}
	if err := e.store.RecordFetch(ctx, feed.ID, e.now(), res.Title, ""); err != nil {
		log.ErrorContext(ctx, "error updating last_fetched", "feed_id", feed.ID, "error", err)
	}

	e.metrics.RecordIngested("refresh", n)
	if n > 0 {
		log.InfoContext(ctx, "added new articles", "feed_id", feed.ID, "url", feed.URL, "articles", n)
	} else {
		log.DebugContext(ctx, "no new articles", "feed_id", feed.ID, "url", feed.URL, "entries", len(res.Entries))
	}
	return n, nil
}

// ListAllFeeds returns every subscribed feed.
func (e *Engine) ListAllFeeds(ctx context.Context) ([]model.Feed, error) {
	return e.store.ListFeeds(ctx)
}

// ListArticlesByFeed returns a feed's articles, or model.ErrNotFound for
// an unknown feed.
func (e *Engine) ListArticlesByFeed(ctx context.Context, feedID int64) ([]model.Article, error) {
	if _, err := e.store.FindFeedByID(ctx, feedID); err != nil {
		return nil, err
	}
	return e.store.ListArticlesByFeed(ctx, feedID)
}

// articlesFrom converts entries to unsaved articles. Entries without a
// link cannot be deduplicated and are dropped.
func (e *Engine) articlesFrom(ctx context.Context, feedURL string, entries []model.Entry) []model.Article {
	out := make([]model.Article, 0, len(entries))
	for _, entry := range entries {
		if entry.Link == "" {
			e.log.DebugContext(ctx, "skipping entry without link", "url", feedURL, "title", entry.Title)
			continue
		}
		out = append(out, model.Article{
			Title:       entry.Title,
			Link:        entry.Link,
			PublishedAt: entry.Date(),
		})
	}
	return out
}

func asFetchError(feedURL string, err error) error {
	if errors.Is(err, model.ErrFetch) {
		return err
	}
	return &model.FetchError{URL: feedURL, Err: err}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
