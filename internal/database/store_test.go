package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bryan-buckman/readlater/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns a fresh store per backend. PostgreSQL joins when
// READLATER_TEST_POSTGRES points at a disposable database.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	b := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			db, err := New(filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			return db
		},
	}
	if dsn := os.Getenv("READLATER_TEST_POSTGRES"); dsn != "" {
		b["postgres"] = func(t *testing.T) Store {
			db, err := NewPostgres(dsn)
			require.NoError(t, err)
			_, err = db.conn.Exec("TRUNCATE articles, feeds RESTART IDENTITY")
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			return db
		}
	}
	return b
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func ts(day int) *time.Time {
	t := time.Date(2024, 5, day, 12, 0, 0, 0, time.UTC)
	return &t
}

func articles(links ...string) []model.Article {
	out := make([]model.Article, 0, len(links))
	for i, l := range links {
		out = append(out, model.Article{Title: "Title " + l, Link: l, PublishedAt: ts(i + 1)})
	}
	return out
}

func TestCreateFeedWithArticles(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		feed, n, err := s.CreateFeedWithArticles(ctx, model.Feed{URL: "https://a.example/rss"}, articles("a1", "a2", "a3"))
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.NotZero(t, feed.ID)
		assert.Equal(t, "https://a.example/rss", feed.Title, "title defaults to url")

		got, err := s.ListArticlesByFeed(ctx, feed.ID)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for _, a := range got {
			assert.Equal(t, feed.ID, a.FeedID)
			assert.False(t, a.ReadLater)
			assert.False(t, a.Saved)
			assert.False(t, a.CreatedAt.IsZero())
		}
		// newest published first
		assert.Equal(t, "a3", got[0].Link)
		assert.Equal(t, "a1", got[2].Link)

		fetched, err := s.FindFeedByID(ctx, feed.ID)
		require.NoError(t, err)
		assert.Equal(t, feed.URL, fetched.URL)
		assert.Nil(t, fetched.LastFetched)
	})
}

func TestCreateFeedDuplicateURL(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _, err := s.CreateFeedWithArticles(ctx, model.Feed{URL: "https://dup.example"}, nil)
		require.NoError(t, err)

		_, _, err = s.CreateFeedWithArticles(ctx, model.Feed{URL: "https://dup.example"}, articles("x"))
		assert.ErrorIs(t, err, model.ErrFeedExists)
		assert.ErrorIs(t, err, model.ErrConflict)

		a, err := s.FindByLink(ctx, "x")
		require.NoError(t, err)
		assert.Nil(t, a, "rejected subscribe must not leave articles behind")

		feeds, err := s.ListFeeds(ctx)
		require.NoError(t, err)
		assert.Len(t, feeds, 1)
	})
}

func TestLinkUniqueAcrossFeeds(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		f1, n, err := s.CreateFeedWithArticles(ctx, model.Feed{URL: "https://one.example"}, articles("shared", "only-one"))
		require.NoError(t, err)
		require.Equal(t, 2, n)

		f2, n, err := s.CreateFeedWithArticles(ctx, model.Feed{URL: "https://two.example"}, articles("shared", "only-two", "only-two"))
		require.NoError(t, err)
		assert.Equal(t, 1, n, "shared link and in-batch repeat are skipped")

		a, err := s.FindByLink(ctx, "shared")
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, f1.ID, a.FeedID, "first ingester owns the link")

		more := articles("only-two", "fresh")
		for i := range more {
			more[i].FeedID = f2.ID
		}
		n, err = s.InsertArticles(ctx, more)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestFindMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, err := s.FindByLink(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, a)

		_, err = s.FindByID(ctx, 999)
		assert.ErrorIs(t, err, model.ErrNotFound)

		_, err = s.FindFeedByID(ctx, 999)
		assert.ErrorIs(t, err, model.ErrNotFound)

		_, err = s.UpdateFlags(ctx, 999, model.FlagUpdate{Saved: model.Set(true)})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestUpdateFlagsAndListByFlag(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		feed, _, err := s.CreateFeedWithArticles(ctx, model.Feed{URL: "https://f.example"}, articles("l1", "l2", "l3"))
		require.NoError(t, err)
		list, err := s.ListArticlesByFeed(ctx, feed.ID)
		require.NoError(t, err)
		byLink := map[string]int64{}
		for _, a := range list {
			byLink[a.Link] = a.ID
		}

		a, err := s.UpdateFlags(ctx, byLink["l1"], model.FlagUpdate{ReadLater: model.Set(true)})
		require.NoError(t, err)
		assert.True(t, a.ReadLater)
		assert.False(t, a.Saved)
		assert.Equal(t, "Title l1", a.Title)

		_, err = s.UpdateFlags(ctx, byLink["l2"], model.FlagUpdate{ReadLater: model.Set(true), Saved: model.Set(true)})
		require.NoError(t, err)
		_, err = s.UpdateFlags(ctx, byLink["l3"], model.FlagUpdate{Saved: model.Set(true)})
		require.NoError(t, err)

		rl, err := s.ListByFlag(ctx, model.FlagReadLater)
		require.NoError(t, err)
		assert.Equal(t, []string{"l2", "l1"}, links(rl))

		saved, err := s.ListByFlag(ctx, model.FlagSaved)
		require.NoError(t, err)
		assert.Equal(t, []string{"l3", "l2"}, links(saved))

		// empty update is a read
		got, err := s.UpdateFlags(ctx, byLink["l3"], model.FlagUpdate{})
		require.NoError(t, err)
		assert.True(t, got.Saved)

		_, err = s.ListByFlag(ctx, model.Flag("bogus"))
		assert.ErrorIs(t, err, model.ErrInvalidInput)
	})
}

func TestNullPublishedAtSortsLast(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		batch := []model.Article{
			{Title: "undated", Link: "u"},
			{Title: "dated", Link: "d", PublishedAt: ts(3)},
		}
		feed, _, err := s.CreateFeedWithArticles(ctx, model.Feed{URL: "https://n.example"}, batch)
		require.NoError(t, err)

		got, err := s.ListArticlesByFeed(ctx, feed.ID)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "d", got[0].Link)
		assert.True(t, ts(3).Equal(*got[0].PublishedAt))
		assert.Nil(t, got[1].PublishedAt)
	})
}

func TestRecordFetch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		feed, _, err := s.CreateFeedWithArticles(ctx, model.Feed{URL: "https://r.example"}, nil)
		require.NoError(t, err)

		require.NoError(t, s.RecordFetch(ctx, feed.ID, time.Now(), "Ignored", "timeout"))
		f, err := s.FindFeedByID(ctx, feed.ID)
		require.NoError(t, err)
		assert.Equal(t, "timeout", f.LastError)
		assert.Nil(t, f.LastFetched)
		assert.Equal(t, "https://r.example", f.Title, "failed pulls keep the title")

		at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
		require.NoError(t, s.RecordFetch(ctx, feed.ID, at, "", ""))
		f, err = s.FindFeedByID(ctx, feed.ID)
		require.NoError(t, err)
		assert.Empty(t, f.LastError)
		require.NotNil(t, f.LastFetched)
		assert.True(t, at.Equal(*f.LastFetched))
		assert.Equal(t, "https://r.example", f.Title)

		require.NoError(t, s.RecordFetch(ctx, feed.ID, at, "Real Title", ""))
		f, err = s.FindFeedByID(ctx, feed.ID)
		require.NoError(t, err)
		assert.Equal(t, "Real Title", f.Title, "url placeholder replaced")

		require.NoError(t, s.RecordFetch(ctx, feed.ID, at, "Renamed", ""))
		f, err = s.FindFeedByID(ctx, feed.ID)
		require.NoError(t, err)
		assert.Equal(t, "Real Title", f.Title, "real titles are kept")
	})
}

func TestConcurrentInsertsKeepLinksUnique(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var feedIDs []int64
		for i := 0; i < 4; i++ {
			f, _, err := s.CreateFeedWithArticles(ctx, model.Feed{URL: fmt.Sprintf("https://c%d.example", i)}, nil)
			require.NoError(t, err)
			feedIDs = append(feedIDs, f.ID)
		}

		var wg sync.WaitGroup
		counts := make([]int, len(feedIDs))
		for i, id := range feedIDs {
			wg.Add(1)
			go func(i int, id int64) {
				defer wg.Done()
				batch := articles("L", "M", "N")
				for j := range batch {
					batch[j].FeedID = id
				}
				n, err := s.InsertArticles(ctx, batch)
				assert.NoError(t, err)
				counts[i] = n
			}(i, id)
		}
		wg.Wait()

		total := 0
		for _, c := range counts {
			total += c
		}
		assert.Equal(t, 3, total)
		for _, l := range []string{"L", "M", "N"} {
			a, err := s.FindByLink(ctx, l)
			require.NoError(t, err)
			assert.NotNil(t, a)
		}
	})
}

func TestOverlappingBatchesInOppositeOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		shared := make([]string, 50)
		for i := range shared {
			shared[i] = fmt.Sprintf("https://shared.example/%02d", i)
		}
		reversed := make([]string, len(shared))
		for i, l := range shared {
			reversed[len(shared)-1-i] = l
		}

		for round := 0; round < 5; round++ {
			var feedIDs [2]int64
			for i := range feedIDs {
				f, _, err := s.CreateFeedWithArticles(ctx, model.Feed{URL: fmt.Sprintf("https://r%d-%d.example", round, i)}, nil)
				require.NoError(t, err)
				feedIDs[i] = f.ID
			}
			batches := [2][]model.Article{}
			for i, ls := range [][]string{shared, reversed} {
				batch := articles(ls...)
				for j := range batch {
					batch[j].Link = fmt.Sprintf("%s-%d", batch[j].Link, round)
					batch[j].FeedID = feedIDs[i]
				}
				batches[i] = batch
			}

			var wg sync.WaitGroup
			var counts [2]int
			var errs [2]error
			for i := range batches {
				wg.Add(1)
				go func() {
					defer wg.Done()
					counts[i], errs[i] = s.InsertArticles(ctx, batches[i])
				}()
			}
			wg.Wait()

			require.NoError(t, errs[0], "round %d", round)
			require.NoError(t, errs[1], "round %d", round)
			assert.Equal(t, len(shared), counts[0]+counts[1], "round %d", round)
		}
	})
}

func TestByLinkSortsCopy(t *testing.T) {
	in := articles("c", "a", "b")
	out := byLink(in)
	assert.Equal(t, []string{"c", "a", "b"}, links(in), "input untouched")
	assert.Equal(t, []string{"a", "b", "c"}, links(out))
}

func TestBackendTraits(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "traits.db"))
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, "SQLite", db.DatabaseType())
	assert.False(t, db.SupportsHighConcurrency())

	m := NewMemory()
	assert.Equal(t, "Memory", m.DatabaseType())
	assert.True(t, m.SupportsHighConcurrency())
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	db, err := New(path)
	require.NoError(t, err)
	_, _, err = db.CreateFeedWithArticles(context.Background(), model.Feed{URL: "https://keep.example"}, articles("k"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = New(path)
	require.NoError(t, err)
	defer db.Close()
	a, err := db.FindByLink(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "Title k", a.Title)
}

func links(list []model.Article) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Link)
	}
	return out
}
