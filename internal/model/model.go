// Package model defines shared data structures.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Feed represents an RSS/Atom feed subscription.
type Feed struct {
	ID          int64      `db:"id" json:"id"`
	URL         string     `db:"url" json:"url"`
	Title       string     `db:"title" json:"title"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	LastFetched *time.Time `db:"last_fetched" json:"last_fetched,omitempty"`
	LastError   string     `db:"last_error" json:"last_error,omitempty"`
}

// Article represents a single entry ingested from a feed. Link is unique
// across all feeds.
type Article struct {
	ID          int64      `db:"id" json:"id"`
	FeedID      int64      `db:"feed_id" json:"feed_id"`
	Title       string     `db:"title" json:"title"`
	Link        string     `db:"link" json:"link"`
	PublishedAt *time.Time `db:"published_at" json:"published_at"`
	ReadLater   bool       `db:"read_later" json:"read_later"`
	Saved       bool       `db:"saved" json:"saved"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// State is the triage classification derived from an article's flags.
type State string

const (
	StateInbox     State = "inbox"
	StateReadLater State = "read_later"
	StateSaved     State = "saved"
)

// State reports where the article sits in triage. Saved wins over read later.
func (a Article) State() State {
	switch {
	case a.Saved:
		return StateSaved
	case a.ReadLater:
		return StateReadLater
	default:
		return StateInbox
	}
}

// Entry is a normalized feed item as returned by a feed source.
type Entry struct {
	Title       string
	Link        string
	PublishedAt *time.Time
	UpdatedAt   *time.Time
}

// Date returns the publication date, falling back to the update date.
// Nil when the entry carries neither.
func (e Entry) Date() *time.Time {
	if e.PublishedAt != nil {
		t := *e.PublishedAt
		return &t
	}
	if e.UpdatedAt != nil {
		t := *e.UpdatedAt
		return &t
	}
	return nil
}

// Flag names one of the triage booleans.
type Flag string

const (
	FlagReadLater Flag = "read_later"
	FlagSaved     Flag = "saved"
)

// ParseFlag accepts the flag names used by the API.
func ParseFlag(s string) (Flag, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read_later", "read-later", "readlater":
		return FlagReadLater, nil
	case "saved", "save":
		return FlagSaved, nil
	}
	return "", fmt.Errorf("%w: unknown flag %q", ErrInvalidInput, s)
}

// FlagUpdate describes a change to an article's triage flags.
// Nil fields are left untouched.
type FlagUpdate struct {
	ReadLater *bool
	Saved     *bool
}

// Set returns a pointer to v, for building a FlagUpdate.
func Set(v bool) *bool {
	return &v
}

// Apply returns a copy of a with the update applied.
func (u FlagUpdate) Apply(a Article) Article {
	if u.ReadLater != nil {
		a.ReadLater = *u.ReadLater
	}
	if u.Saved != nil {
		a.Saved = *u.Saved
	}
	return a
}

// Empty reports whether the update changes nothing.
func (u FlagUpdate) Empty() bool {
	return u.ReadLater == nil && u.Saved == nil
}
