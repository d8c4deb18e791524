package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bryan-buckman/readlater/internal/model"
	"github.com/jmoiron/sqlx"
)

const (
	feedColumns    = "id, url, title, created_at, last_fetched, last_error"
	articleColumns = "id, feed_id, title, link, published_at, read_later, saved, created_at"
	articleOrder   = " ORDER BY published_at IS NULL, published_at DESC, id DESC"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL
// backends. Queries are written with ? placeholders and rebound for
// the driver.
type sqlStore struct {
	conn *sqlx.DB
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.conn.Close()
}

// --- Feed Methods ---

// ListFeeds returns all feeds ordered by id.
func (s *sqlStore) ListFeeds(ctx context.Context) ([]model.Feed, error) {
	feeds := []model.Feed{}
	err := s.conn.SelectContext(ctx, &feeds, "SELECT "+feedColumns+" FROM feeds ORDER BY id")
	if err != nil {
		return nil, model.Storage("list feeds", err)
	}
	return feeds, nil
}

// FindFeedByID returns the feed or model.ErrNotFound.
func (s *sqlStore) FindFeedByID(ctx context.Context, feedID int64) (*model.Feed, error) {
	var f model.Feed
	err := s.conn.GetContext(ctx, &f, s.conn.Rebind("SELECT "+feedColumns+" FROM feeds WHERE id = ?"), feedID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feed %d: %w", feedID, model.ErrNotFound)
	}
	if err != nil {
		return nil, model.Storage("find feed", err)
	}
	return &f, nil
}

// CreateFeedWithArticles inserts a feed and its articles atomically.
func (s *sqlStore) CreateFeedWithArticles(ctx context.Context, feed model.Feed, articles []model.Article) (model.Feed, int, error) {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return model.Feed{}, 0, model.Storage("begin", err)
	}
	defer tx.Rollback()

	if feed.CreatedAt.IsZero() {
		feed.CreatedAt = time.Now().UTC()
	}
	if feed.Title == "" {
		feed.Title = feed.URL
	}
	err = tx.QueryRowxContext(ctx, tx.Rebind(`
		INSERT INTO feeds (url, title, created_at, last_fetched, last_error)
		VALUES (?, ?, ?, ?, '')
		ON CONFLICT (url) DO NOTHING
		RETURNING id`),
		feed.URL, feed.Title, feed.CreatedAt.UTC(), nullTime(feed.LastFetched)).Scan(&feed.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Feed{}, 0, fmt.Errorf("%s: %w", feed.URL, model.ErrFeedExists)
	}
	if err != nil {
		return model.Feed{}, 0, model.Storage("insert feed", err)
	}

	for i := range articles {
		articles[i].FeedID = feed.ID
	}
	inserted, err := insertArticles(ctx, tx, articles)
	if err != nil {
		return model.Feed{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return model.Feed{}, 0, model.Storage("commit", err)
	}
	return feed, inserted, nil
}

// RecordFetch updates feed health after a pull.
func (s *sqlStore) RecordFetch(ctx context.Context, feedID int64, t time.Time, title, errMsg string) error {
	var err error
	if errMsg == "" {
		_, err = s.conn.ExecContext(ctx, s.conn.Rebind(`
			UPDATE feeds
			SET last_fetched = ?, last_error = '',
				title = CASE WHEN title = url AND ? <> '' THEN ? ELSE title END
			WHERE id = ?`), t.UTC(), title, title, feedID)
	} else {
		_, err = s.conn.ExecContext(ctx, s.conn.Rebind("UPDATE feeds SET last_error = ? WHERE id = ?"), errMsg, feedID)
	}
	return model.Storage("record fetch", err)
}

// --- Article Methods ---

// FindByLink looks an article up by its link. Returns nil, nil when absent.
func (s *sqlStore) FindByLink(ctx context.Context, link string) (*model.Article, error) {
	var a model.Article
	err := s.conn.GetContext(ctx, &a, s.conn.Rebind("SELECT "+articleColumns+" FROM articles WHERE link = ?"), link)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Storage("find article by link", err)
	}
	return &a, nil
}

// FindByID returns the article or model.ErrNotFound.
func (s *sqlStore) FindByID(ctx context.Context, articleID int64) (*model.Article, error) {
	var a model.Article
	err := s.conn.GetContext(ctx, &a, s.conn.Rebind("SELECT "+articleColumns+" FROM articles WHERE id = ?"), articleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("article %d: %w", articleID, model.ErrNotFound)
	}
	if err != nil {
		return nil, model.Storage("find article", err)
	}
	return &a, nil
}

// ListByFlag returns the articles whose flag is set, newest first.
func (s *sqlStore) ListByFlag(ctx context.Context, flag model.Flag) ([]model.Article, error) {
	var column string
	switch flag {
	case model.FlagReadLater:
		column = "read_later"
	case model.FlagSaved:
		column = "saved"
	default:
		return nil, fmt.Errorf("%w: unknown flag %q", model.ErrInvalidInput, flag)
	}
	articles := []model.Article{}
	err := s.conn.SelectContext(ctx, &articles, s.conn.Rebind("SELECT "+articleColumns+" FROM articles WHERE "+column+" = ?"+articleOrder), true)
	if err != nil {
		return nil, model.Storage("list by flag", err)
	}
	return articles, nil
}

// ListArticlesByFeed returns a feed's articles, newest first.
func (s *sqlStore) ListArticlesByFeed(ctx context.Context, feedID int64) ([]model.Article, error) {
	articles := []model.Article{}
	err := s.conn.SelectContext(ctx, &articles, s.conn.Rebind("SELECT "+articleColumns+" FROM articles WHERE feed_id = ?"+articleOrder), feedID)
	if err != nil {
		return nil, model.Storage("list articles", err)
	}
	return articles, nil
}

// InsertArticles inserts a batch, skipping links that already exist.
func (s *sqlStore) InsertArticles(ctx context.Context, articles []model.Article) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, model.Storage("begin", err)
	}
	defer tx.Rollback()

	inserted, err := insertArticles(ctx, tx, articles)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, model.Storage("commit", err)
	}
	return inserted, nil
}

// UpdateFlags applies u in a single statement and returns the result.
func (s *sqlStore) UpdateFlags(ctx context.Context, articleID int64, u model.FlagUpdate) (*model.Article, error) {
	if u.Empty() {
		return s.FindByID(ctx, articleID)
	}
	var a model.Article
	err := s.conn.QueryRowxContext(ctx, s.conn.Rebind(`
		UPDATE articles
		SET read_later = COALESCE(?, read_later), saved = COALESCE(?, saved)
		WHERE id = ?
		RETURNING `+articleColumns),
		nullBool(u.ReadLater), nullBool(u.Saved), articleID).StructScan(&a)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("article %d: %w", articleID, model.ErrNotFound)
	}
	if err != nil {
		return nil, model.Storage("update flags", err)
	}
	return &a, nil
}

// insertArticles runs the conflict-skipping insert for each article
// inside tx. A link that is already stored returns no row and is not
// counted. Rows are inserted in link order so concurrent transactions
// wait on each other's pending links in the same order and cannot
// deadlock.
func insertArticles(ctx context.Context, tx *sqlx.Tx, articles []model.Article) (int, error) {
	articles = byLink(articles)

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO articles (feed_id, title, link, published_at, read_later, saved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (link) DO NOTHING
		RETURNING id`))
	if err != nil {
		return 0, model.Storage("prepare insert", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, a := range articles {
		created := a.CreatedAt
		if created.IsZero() {
			created = now
		}
		var id int64
		err := stmt.QueryRowxContext(ctx, a.FeedID, a.Title, a.Link, nullTime(a.PublishedAt), a.ReadLater, a.Saved, created.UTC()).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, model.Storage("insert article", err)
		}
		inserted++
	}
	return inserted, nil
}

// byLink returns a copy of articles sorted by link.
func byLink(articles []model.Article) []model.Article {
	out := make([]model.Article, len(articles))
	copy(out, articles)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Link < out[j].Link })
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
