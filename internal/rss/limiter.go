package rss

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Politeness settings for requests to a single host.
const (
	// DelayBetweenDomainRequests is the steady-state spacing between requests to the same host.
	DelayBetweenDomainRequests = 500 * time.Millisecond
	// MaxBurstPerDomain is how many requests a host may receive back to back.
	MaxBurstPerDomain = 2
)

// domainLimiter hands out a token bucket per host so a single site is
// not hammered when many of its feeds are subscribed.
type domainLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    time.Duration
	burst    int
}

func newDomainLimiter(every time.Duration, burst int) *domainLimiter {
	return &domainLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    every,
		burst:    burst,
	}
}

// wait blocks until the host of feedURL may be contacted or ctx ends.
func (dl *domainLimiter) wait(ctx context.Context, feedURL string) error {
	return dl.forHost(extractDomain(feedURL)).Wait(ctx)
}

func (dl *domainLimiter) forHost(host string) *rate.Limiter {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	l, ok := dl.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(dl.every), dl.burst)
		dl.limiters[host] = l
	}
	return l
}

// extractDomain gets the host from a URL.
func extractDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return feedURL // fallback to full URL
	}
	return u.Host
}
