// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"librarian/internal/model"
)

// Storage is the interface for the persistence operations used by the
// user-facing surfaces. The processing core depends on narrower interfaces
// declared next to its consumers.
type Storage interface {
	CreateFeed(ctx context.Context, feed *model.Feed) error
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	GetFeedByURL(ctx context.Context, url string) (*model.Feed, error)
	ListFeeds(ctx context.Context, userID string) ([]model.Feed, error)
	ListDueFeeds(ctx context.Context) ([]model.Feed, error)
	UpdateFeed(ctx context.Context, feed *model.Feed) error
	LinkFeed(ctx context.Context, userID string, feedID int64) error
	UnlinkFeed(ctx context.Context, userID string, feedID int64) error

	InsertEntry(ctx context.Context, entry *model.Entry) (bool, error)
	GetEntry(ctx context.Context, id string) (*model.Entry, error)
	ListUserEntries(ctx context.Context, userID string, since time.Time, limit int) ([]model.Entry, error)

	SetUserKey(ctx context.Context, key model.UserKey) error
	DeleteUserKey(ctx context.Context, userID, provider string) error

	Close() error
}
