package storage

import (
	"context"
	"fmt"

	"librarian/internal/model"
)

// SetUserKey stores the API key a user provided for a provider.
func (s *SQLite) SetUserKey(ctx context.Context, key model.UserKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_keys (user_id, provider, api_key, max_entry_age_days, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		   api_key = excluded.api_key,
		   max_entry_age_days = excluded.max_entry_age_days,
		   updated_at = excluded.updated_at`,
		key.UserID, key.Provider, key.APIKey, key.MaxEntryAgeDays, s.now().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("set user key: %w", err)
	}
	return nil
}

// DeleteUserKey removes the key of a user for a provider.
func (s *SQLite) DeleteUserKey(ctx context.Context, userID, provider string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_keys WHERE user_id = ? AND provider = ?`, userID, provider,
	)
	if err != nil {
		return fmt.Errorf("delete user key: %w", err)
	}
	return nil
}

// UserKeys returns the keys the given users configured for a provider.
func (s *SQLite) UserKeys(ctx context.Context, userIDs []string, provider string) ([]model.UserKey, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	args := []any{provider}
	for _, id := range userIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, provider, api_key, max_entry_age_days FROM user_keys
		 WHERE provider = ? AND user_id IN (`+placeholders(len(userIDs))+`) AND api_key != ''
		 ORDER BY user_id`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query user keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []model.UserKey
	for rows.Next() {
		var k model.UserKey
		if err := rows.Scan(&k.UserID, &k.Provider, &k.APIKey, &k.MaxEntryAgeDays); err != nil {
			return nil, fmt.Errorf("scan user key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
