// Package rss provides feed fetching and parsing.
package rss

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bryan-buckman/readlater/internal/model"
	"github.com/mmcdole/gofeed"
)

// DefaultFetchTimeout bounds a single feed download.
const DefaultFetchTimeout = 20 * time.Second

// DefaultUserAgent is sent with every feed request.
const DefaultUserAgent = "readlater/1.0 (+https://github.com/bryan-buckman/readlater)"

// Result is the parsed content of one feed pull.
type Result struct {
	Title   string
	Entries []model.Entry
}

// Options configure a Source.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	// Client overrides the HTTP client; its Timeout is left as given.
	Client *http.Client
	// DomainDelay and DomainBurst tune the per-host limiter. Zero
	// values use the package defaults.
	DomainDelay time.Duration
	DomainBurst int
}

// Source fetches feeds over HTTP and normalizes their items.
type Source struct {
	parser        *gofeed.Parser
	timeout       time.Duration
	domainLimiter *domainLimiter
}

// NewSource creates a gofeed-backed source.
func NewSource(opts Options) *Source {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.DomainDelay <= 0 {
		opts.DomainDelay = DelayBetweenDomainRequests
	}
	if opts.DomainBurst <= 0 {
		opts.DomainBurst = MaxBurstPerDomain
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	parser := gofeed.NewParser()
	parser.Client = client
	parser.UserAgent = opts.UserAgent
	return &Source{
		parser:        parser,
		timeout:       opts.Timeout,
		domainLimiter: newDomainLimiter(opts.DomainDelay, opts.DomainBurst),
	}
}

// Fetch downloads and parses feedURL. Every failure is a *model.FetchError.
func (s *Source) Fetch(ctx context.Context, feedURL string) (Result, error) {
	if err := s.domainLimiter.wait(ctx, feedURL); err != nil {
		return Result{}, &model.FetchError{URL: feedURL, Err: fmt.Errorf("rate limit cancelled: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	parsed, err := s.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return Result{}, &model.FetchError{URL: feedURL, Err: err}
	}
	return convert(parsed), nil
}

func convert(parsed *gofeed.Feed) Result {
	res := Result{
		Title:   strings.TrimSpace(parsed.Title),
		Entries: make([]model.Entry, 0, len(parsed.Items)),
	}
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		res.Entries = append(res.Entries, model.Entry{
			Title:       strings.TrimSpace(item.Title),
			Link:        strings.TrimSpace(item.Link),
			PublishedAt: item.PublishedParsed,
			UpdatedAt:   item.UpdatedParsed,
		})
	}
	return res
}
