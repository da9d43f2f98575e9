package storage

import (
	"context"
	"fmt"
	"time"

	"librarian/internal/model"
)

// EnsureResource creates the zero record for (user, kind, interval) if it
// does not exist yet.
func (s *SQLite) EnsureResource(ctx context.Context, userID string, kind model.ResourceKind, interval time.Time) error {
	now := s.now().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (user_id, kind, interval_started_at, used, reserved, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, ?, ?)
		 ON CONFLICT (kind, user_id, interval_started_at) DO NOTHING`,
		userID, string(kind), interval.UTC().Format(timeLayout), now, now,
	)
	if err != nil {
		return fmt.Errorf("ensure resource: %w", err)
	}
	return nil
}

// ReserveResource adds amount to reserved in a single statement guarded by
// used + reserved + amount <= limit. It reports false when the guard fails.
func (s *SQLite) ReserveResource(ctx context.Context, userID string, kind model.ResourceKind, interval time.Time, amount, limit int64) (bool, error) {
	return s.updateResource(ctx, "reserve resource",
		`UPDATE resources SET reserved = reserved + ?, updated_at = ?
		 WHERE kind = ? AND user_id = ? AND interval_started_at = ?
		   AND used + reserved + ? <= ?`,
		amount, s.now().Format(timeLayout),
		string(kind), userID, interval.UTC().Format(timeLayout),
		amount, limit,
	)
}

// ConvertResource moves reserved units into used: reserved drops by
// reserved, used grows by used. It reports false when fewer than reserved
// units are held.
func (s *SQLite) ConvertResource(ctx context.Context, userID string, kind model.ResourceKind, interval time.Time, reserved, used int64) (bool, error) {
	return s.updateResource(ctx, "convert resource",
		`UPDATE resources SET reserved = reserved - ?, used = used + ?, updated_at = ?
		 WHERE kind = ? AND user_id = ? AND interval_started_at = ?
		   AND reserved >= ?`,
		reserved, used, s.now().Format(timeLayout),
		string(kind), userID, interval.UTC().Format(timeLayout),
		reserved,
	)
}

// ReleaseResource returns reserved units without using them. It reports false
// when fewer than amount units are held.
func (s *SQLite) ReleaseResource(ctx context.Context, userID string, kind model.ResourceKind, interval time.Time, amount int64) (bool, error) {
	return s.updateResource(ctx, "release resource",
		`UPDATE resources SET reserved = reserved - ?, updated_at = ?
		 WHERE kind = ? AND user_id = ? AND interval_started_at = ?
		   AND reserved >= ?`,
		amount, s.now().Format(timeLayout),
		string(kind), userID, interval.UTC().Format(timeLayout),
		amount,
	)
}

func (s *SQLite) updateResource(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

// GetResource returns the record for (user, kind, interval). A missing record
// is reported as a zero record.
func (s *SQLite) GetResource(ctx context.Context, userID string, kind model.ResourceKind, interval time.Time) (model.ResourceRecord, error) {
	records, err := s.queryResources(ctx,
		`SELECT user_id, kind, interval_started_at, used, reserved FROM resources
		 WHERE kind = ? AND user_id = ? AND interval_started_at = ?`,
		string(kind), userID, interval.UTC().Format(timeLayout),
	)
	if err != nil {
		return model.ResourceRecord{}, err
	}
	if len(records) == 0 {
		return model.ResourceRecord{UserID: userID, Kind: kind, IntervalStartedAt: interval.UTC()}, nil
	}
	return records[0], nil
}

// ResourceHistory returns all interval records of a user for one kind,
// newest interval first.
func (s *SQLite) ResourceHistory(ctx context.Context, userID string, kind model.ResourceKind) ([]model.ResourceRecord, error) {
	return s.queryResources(ctx,
		`SELECT user_id, kind, interval_started_at, used, reserved FROM resources
		 WHERE kind = ? AND user_id = ?
		 ORDER BY interval_started_at DESC`,
		string(kind), userID,
	)
}

// ResourceUsage returns used + reserved per user for one kind and interval.
// Users without a record are absent from the map.
func (s *SQLite) ResourceUsage(ctx context.Context, userIDs []string, kind model.ResourceKind, interval time.Time) (map[string]int64, error) {
	usage := make(map[string]int64, len(userIDs))
	if len(userIDs) == 0 {
		return usage, nil
	}
	args := []any{string(kind), interval.UTC().Format(timeLayout)}
	for _, id := range userIDs {
		args = append(args, id)
	}
	records, err := s.queryResources(ctx,
		`SELECT user_id, kind, interval_started_at, used, reserved FROM resources
		 WHERE kind = ? AND interval_started_at = ? AND user_id IN (`+placeholders(len(userIDs))+`)`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		usage[r.UserID] = r.Total()
	}
	return usage, nil
}

func (s *SQLite) queryResources(ctx context.Context, query string, args ...any) ([]model.ResourceRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.ResourceRecord
	for rows.Next() {
		var r model.ResourceRecord
		var kind, interval string
		if err := rows.Scan(&r.UserID, &kind, &interval, &r.Used, &r.Reserved); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		r.Kind = model.ResourceKind(kind)
		r.IntervalStartedAt, _ = parseTime(interval)
		records = append(records, r)
	}
	return records, rows.Err()
}
