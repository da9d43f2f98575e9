// Package loader periodically fetches due feeds and catalogs their new
// items as entries.
package loader

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"librarian/internal/fetcher"
	"librarian/internal/model"
)

// Store is the catalog the loader writes to.
type Store interface {
	ListDueFeeds(ctx context.Context) ([]model.Feed, error)
	InsertEntry(ctx context.Context, entry *model.Entry) (bool, error)
	UpdateFeed(ctx context.Context, feed *model.Feed) error
}

// Loader periodically checks feeds and catalogs new entries.
type Loader struct {
	store   Store
	fetcher *fetcher.Fetcher
	log     *slog.Logger
	tick    time.Duration
}

// New creates a Loader with the default HTTP client.
func New(store Store, log *slog.Logger) *Loader {
	return NewWithFetcher(store, fetcher.New(http.DefaultClient), log)
}

// NewWithFetcher creates a Loader with a custom fetcher (useful for testing).
func NewWithFetcher(store Store, f *fetcher.Fetcher, log *slog.Logger) *Loader {
	return &Loader{
		store:   store,
		fetcher: f,
		log:     log,
		tick:    1 * time.Minute,
	}
}

// SetTickInterval overrides the default 1-minute check interval.
func (l *Loader) SetTickInterval(d time.Duration) {
	l.tick = d
}

// Run starts the loader loop, blocking until ctx is cancelled.
func (l *Loader) Run(ctx context.Context) {
	l.checkAll(ctx)

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.checkAll(ctx)
		}
	}
}

func (l *Loader) checkAll(ctx context.Context) {
	feeds, err := l.store.ListDueFeeds(ctx)
	if err != nil {
		l.log.Error("list due feeds", "error", err)
		return
	}

	for _, feed := range feeds {
		if ctx.Err() != nil {
			return
		}
		l.LoadFeed(ctx, feed)
	}
}

// LoadFeed fetches one feed and catalogs the items not seen before. It
// returns the number of new entries.
func (l *Loader) LoadFeed(ctx context.Context, feed model.Feed) int {
	l.log.Debug("checking feed", "feed_id", feed.ID, "name", feed.Name)

	parsed, err := l.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		l.log.Error("fetch feed", "feed_id", feed.ID, "url", feed.URL, "error", err)
		l.updateLastCheck(ctx, &feed)
		return 0
	}

	added := 0
	for _, entry := range fetcher.Entries(feed.ID, parsed) {
		inserted, err := l.store.InsertEntry(ctx, &entry)
		if err != nil {
			l.log.Error("insert entry", "feed_id", feed.ID, "external_id", entry.ExternalID, "error", err)
			continue
		}
		if inserted {
			added++
		}
	}

	if added > 0 {
		l.log.Info("entries cataloged", "feed_id", feed.ID, "name", feed.Name, "count", added)
	}

	l.updateLastCheck(ctx, &feed)
	return added
}

func (l *Loader) updateLastCheck(ctx context.Context, feed *model.Feed) {
	now := time.Now().UTC()
	feed.LastCheckAt = &now
	if err := l.store.UpdateFeed(ctx, feed); err != nil {
		l.log.Error("update last check", "feed_id", feed.ID, "error", err)
	}
}
