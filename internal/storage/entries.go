package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"librarian/internal/model"
)

const entryColumns = `e.id, e.feed_id, e.external_id, e.external_url, e.external_tags, e.title, e.body, e.published_at, e.created_at`

// InsertEntry catalogs an entry. The entry is assigned an ID and a creation
// time when they are empty. It reports false when an entry with the same
// (feed_id, external_id) already exists; the stored entry is left untouched.
func (s *SQLite) InsertEntry(ctx context.Context, entry *model.Entry) (bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if entry.PublishedAt.IsZero() {
		entry.PublishedAt = entry.CreatedAt
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (id, feed_id, external_id, external_url, external_tags, title, body, published_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (feed_id, external_id) DO NOTHING`,
		entry.ID, entry.FeedID, entry.ExternalID, entry.ExternalURL, strings.Join(entry.ExternalTags, "\n"),
		entry.Title, entry.Body, formatRank(entry.PublishedAt), formatRank(entry.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert entry: %w", err)
	}
	return n == 1, nil
}

// GetEntry returns a single entry by its ID.
func (s *SQLite) GetEntry(ctx context.Context, id string) (*model.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries e WHERE e.id = ?`, id,
	)
	return scanEntry(row)
}

// ListUserEntries returns the newest entries of the feeds a user is linked to.
func (s *SQLite) ListUserEntries(ctx context.Context, userID string, since time.Time, limit int) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+`
		 FROM entries e JOIN feed_links l ON l.feed_id = e.feed_id
		 WHERE l.user_id = ? AND e.created_at >= ?
		 ORDER BY e.created_at DESC, e.id DESC
		 LIMIT ?`,
		userID, formatRank(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query user entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func scanEntry(row scannable) (*model.Entry, error) {
	var e model.Entry
	var tags, published, created string
	err := row.Scan(&e.ID, &e.FeedID, &e.ExternalID, &e.ExternalURL, &tags, &e.Title, &e.Body, &published, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan entry: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	if tags != "" {
		e.ExternalTags = strings.Split(tags, "\n")
	}
	e.PublishedAt = parseRank(published)
	e.CreatedAt = parseRank(created)
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]model.Entry, error) {
	var entries []model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
