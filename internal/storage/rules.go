package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"librarian/internal/model"
)

// RuleKey identifies a rule of a user by its tag sets, so the same condition
// cannot be stored twice with different scores.
func RuleKey(required, excluded []int64) string {
	return joinIDs(sortedIDs(required)) + "|" + joinIDs(sortedIDs(excluded))
}

func sortedIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// UpsertRule stores a rule, replacing the score of an existing rule of the
// same user with the same tag sets. The rule is refreshed from the stored
// row, with tag ids sorted.
func (s *SQLite) UpsertRule(ctx context.Context, rule *model.Rule) error {
	now := s.now().Format(timeLayout)
	key := RuleKey(rule.RequiredTags, rule.ExcludedTags)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rules (user_id, key, required_tags, excluded_tags, score, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, key) DO UPDATE SET score = excluded.score, updated_at = excluded.updated_at`,
		rule.UserID, key, joinIDs(sortedIDs(rule.RequiredTags)), joinIDs(sortedIDs(rule.ExcludedTags)), rule.Score, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, required_tags, excluded_tags, score, created_at, updated_at
		 FROM rules WHERE user_id = ? AND key = ?`, rule.UserID, key,
	)
	stored, err := scanRule(row)
	if err != nil {
		return err
	}
	*rule = *stored
	return nil
}

// ListRules returns all rules of a user ordered by id.
func (s *SQLite) ListRules(ctx context.Context, userID string) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, required_tags, excluded_tags, score, created_at, updated_at
		 FROM rules WHERE user_id = ? ORDER BY id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// DeleteRule removes a rule owned by the user.
func (s *SQLite) DeleteRule(ctx context.Context, userID string, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete rule %d: %w", id, ErrNotFound)
	}
	return nil
}

func scanRule(row scannable) (*model.Rule, error) {
	var r model.Rule
	var required, excluded, created, updated string
	err := row.Scan(&r.ID, &r.UserID, &required, &excluded, &r.Score, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan rule: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	if r.RequiredTags, err = splitIDs(required); err != nil {
		return nil, fmt.Errorf("scan rule %d: %w", r.ID, err)
	}
	if r.ExcludedTags, err = splitIDs(excluded); err != nil {
		return nil, fmt.Errorf("scan rule %d: %w", r.ID, err)
	}
	r.CreatedAt, _ = parseTime(created)
	r.UpdatedAt, _ = parseTime(updated)
	return &r, nil
}
