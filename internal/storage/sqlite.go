package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"librarian/internal/model"
	"librarian/migrations"
)

const (
	timeLayout = "2006-01-02T15:04:05Z"
	// rankLayout is fixed width so lexical order of stored values equals
	// chronological order.
	rankLayout = "2006-01-02T15:04:05.000000000Z"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection serializes writers the way SQLite does anyway and
	// keeps ":memory:" databases shared across goroutines.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateFeed inserts a new feed and populates its ID and CreatedAt. A feed
// with the same URL is reused.
func (s *SQLite) CreateFeed(ctx context.Context, feed *model.Feed) error {
	now := s.now().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds (name, url, interval_minutes, is_active, is_collection, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (url) DO NOTHING`,
		feed.Name, feed.URL, feed.IntervalMinutes, boolToInt(feed.IsActive), boolToInt(feed.IsCollection), now,
	)
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	stored, err := s.GetFeedByURL(ctx, feed.URL)
	if err != nil {
		return err
	}
	*feed = *stored
	return nil
}

// GetFeed returns a single feed by its ID.
func (s *SQLite) GetFeed(ctx context.Context, id int64) (*model.Feed, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, interval_minutes, is_active, is_collection, last_check_at, created_at
		 FROM feeds WHERE id = ?`, id,
	)
	return scanFeed(row)
}

// GetFeedByURL returns a single feed by its URL.
func (s *SQLite) GetFeedByURL(ctx context.Context, url string) (*model.Feed, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, interval_minutes, is_active, is_collection, last_check_at, created_at
		 FROM feeds WHERE url = ?`, url,
	)
	return scanFeed(row)
}

// ListFeeds returns all feeds linked to the given user.
func (s *SQLite) ListFeeds(ctx context.Context, userID string) ([]model.Feed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.name, f.url, f.interval_minutes, f.is_active, f.is_collection, f.last_check_at, f.created_at
		 FROM feeds f JOIN feed_links l ON l.feed_id = f.id
		 WHERE l.user_id = ? ORDER BY f.id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFeeds(rows)
}

// ListDueFeeds returns all active feeds that are due for checking.
func (s *SQLite) ListDueFeeds(ctx context.Context) ([]model.Feed, error) {
	now := s.now().Format(timeLayout)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, interval_minutes, is_active, is_collection, last_check_at, created_at
		 FROM feeds
		 WHERE is_active = 1
		   AND (last_check_at IS NULL
		        OR datetime(last_check_at, '+' || interval_minutes || ' minutes') <= datetime(?))`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("query due feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFeeds(rows)
}

// UpdateFeed persists changes to an existing feed.
func (s *SQLite) UpdateFeed(ctx context.Context, feed *model.Feed) error {
	var lastCheck *string
	if feed.LastCheckAt != nil {
		v := feed.LastCheckAt.UTC().Format(timeLayout)
		lastCheck = &v
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET name = ?, interval_minutes = ?, is_active = ?, is_collection = ?, last_check_at = ?
		 WHERE id = ?`,
		feed.Name, feed.IntervalMinutes, boolToInt(feed.IsActive), boolToInt(feed.IsCollection), lastCheck, feed.ID,
	)
	if err != nil {
		return fmt.Errorf("update feed: %w", err)
	}
	return nil
}

// LinkFeed subscribes a user to a feed.
func (s *SQLite) LinkFeed(ctx context.Context, userID string, feedID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO feed_links (user_id, feed_id, created_at) VALUES (?, ?, ?)`,
		userID, feedID, s.now().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("link feed: %w", err)
	}
	return nil
}

// UnlinkFeed removes a user's subscription. The feed and its entries stay in
// the catalog.
func (s *SQLite) UnlinkFeed(ctx context.Context, userID string, feedID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM feed_links WHERE user_id = ? AND feed_id = ?`, userID, feedID,
	)
	if err != nil {
		return fmt.Errorf("unlink feed: %w", err)
	}
	return nil
}

// LinkedUsers returns the users subscribed to a feed.
func (s *SQLite) LinkedUsers(ctx context.Context, feedID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM feed_links WHERE feed_id = ? ORDER BY user_id`, feedID,
	)
	if err != nil {
		return nil, fmt.Errorf("query feed links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan feed link: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFeed(row scannable) (*model.Feed, error) {
	var f model.Feed
	var isActive, isCollection int
	var lastCheck, created sql.NullString
	err := row.Scan(&f.ID, &f.Name, &f.URL, &f.IntervalMinutes, &isActive, &isCollection, &lastCheck, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan feed: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan feed: %w", err)
	}
	f.IsActive = isActive == 1
	f.IsCollection = isCollection == 1
	if lastCheck.Valid {
		t, _ := time.Parse(timeLayout, lastCheck.String)
		f.LastCheckAt = &t
	}
	if created.Valid {
		f.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &f, nil
}

func scanFeeds(rows *sql.Rows) ([]model.Feed, error) {
	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func formatRank(t time.Time) string {
	return t.UTC().Format(rankLayout)
}

func parseRank(s string) time.Time {
	t, _ := time.Parse(rankLayout, s)
	return t
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	var ids []int64
	for _, p := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
