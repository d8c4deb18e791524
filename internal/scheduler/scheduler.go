// Package scheduler runs refresh cycles on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bryan-buckman/readlater/internal/ingest"
	"github.com/bryan-buckman/readlater/internal/model"
)

// DefaultInterval is the time between refresh cycles.
const DefaultInterval = 15 * time.Minute

// DefaultRunTimeout bounds a single cycle.
const DefaultRunTimeout = 10 * time.Minute

// Refresher runs one refresh cycle.
type Refresher interface {
	RefreshAll(ctx context.Context) (*ingest.RefreshReport, error)
}

// Options tune a Scheduler. Zero values pick defaults.
type Options struct {
	Interval   time.Duration
	RunTimeout time.Duration
	// SkipInitial waits a full interval before the first cycle.
	SkipInitial bool
	Logger      *slog.Logger
}

// Scheduler triggers Refresher.RefreshAll periodically. Cycles run on the
// scheduler's goroutine, so a tick that fires while a cycle is still
// running is dropped instead of stacking up.
type Scheduler struct {
	refresher Refresher
	opts      Options
	log       *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a scheduler. It does nothing until Start.
func New(r Refresher, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{refresher: r, opts: opts, log: opts.Logger}
}

// Start begins the refresh loop. The loop ends when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.started = true

	go s.loop(ctx, s.done)
	s.log.Info("scheduler started", "interval", s.opts.Interval)
	return nil
}

// Stop cancels any running cycle and waits for the loop to exit. It is
// safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.started = false
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info("scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if !s.opts.SkipInitial {
		s.run(ctx)
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	defer cancel()

	_, err := s.refresher.RefreshAll(ctx)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrRefreshInProgress):
		s.log.Info("refresh already running, skipping tick")
	case errors.Is(err, context.Canceled):
		s.log.Debug("refresh cancelled")
	default:
		s.log.Error("scheduled refresh failed", "error", err)
	}
}
