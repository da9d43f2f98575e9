package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"librarian/internal/model"
)

// Tag property types.
const (
	PropertyLink       = "link"
	PropertyCategories = "categories"
)

// EnsureTag returns the id of the tag with the given uid, creating it when
// absent. Concurrent callers for the same uid all observe the one row that
// won the insert.
func (s *SQLite) EnsureTag(ctx context.Context, uid string) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tags (uid, created_at) VALUES (?, ?) ON CONFLICT (uid) DO NOTHING`,
		uid, s.now().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("insert tag: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM tags WHERE uid = ?`, uid).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read tag %q: %w", uid, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("read tag %q: %w", uid, err)
	}
	return id, nil
}

// TagIDsByUIDs returns the ids of the existing tags among uids.
func (s *SQLite) TagIDsByUIDs(ctx context.Context, uids []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(uids))
	if len(uids) == 0 {
		return ids, nil
	}
	args := make([]any, len(uids))
	for i, uid := range uids {
		args[i] = uid
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, uid FROM tags WHERE uid IN (`+placeholders(len(uids))+`)`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query tag ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id int64
		var uid string
		if err := rows.Scan(&id, &uid); err != nil {
			return nil, fmt.Errorf("scan tag id: %w", err)
		}
		ids[uid] = id
	}
	return ids, rows.Err()
}

// TagsByIDs returns tags with their link and categories merged across
// processors, ordered by id.
func (s *SQLite) TagsByIDs(ctx context.Context, ids []int64) ([]model.Tag, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := int64Args(ids)

	tags, err := s.queryTags(ctx,
		`SELECT id, uid, created_at FROM tags WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, args...,
	)
	if err != nil {
		return nil, err
	}

	props, err := s.queryTagProperties(ctx, args)
	if err != nil {
		return nil, err
	}
	for i := range tags {
		p := props[tags[i].ID]
		tags[i].Link = p.link
		tags[i].Categories = p.categories
	}
	return tags, nil
}

// TagIDsWithPrefix returns the ids of tags whose uid starts with prefix.
func (s *SQLite) TagIDsWithPrefix(ctx context.Context, prefix string) ([]int64, error) {
	return s.queryIDs(ctx, "query tags by prefix",
		`SELECT id FROM tags WHERE substr(uid, 1, ?) = ? ORDER BY id`,
		len(prefix), prefix,
	)
}

// LinkEntryTags records that a processor attached the tags to an entry.
// Existing links are kept.
func (s *SQLite) LinkEntryTags(ctx context.Context, entryID string, processorID int64, tagIDs []int64) error {
	if len(tagIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().Format(timeLayout)
	for _, tagID := range tagIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO entry_tags (entry_id, tag_id, processor_id, created_at) VALUES (?, ?, ?, ?)`,
			entryID, tagID, processorID, now,
		)
		if err != nil {
			return fmt.Errorf("link entry tag: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entry tags: %w", err)
	}
	return nil
}

// SetTagProperty stores a property value reported by a processor for a tag.
func (s *SQLite) SetTagProperty(ctx context.Context, tagID, processorID int64, typ, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tag_properties (tag_id, processor_id, type, value, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tag_id, processor_id, type) DO UPDATE SET value = excluded.value`,
		tagID, processorID, typ, value, s.now().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("set tag property: %w", err)
	}
	return nil
}

// LinkTagRelation records a parent/child relation between two tags.
func (s *SQLite) LinkTagRelation(ctx context.Context, parentID, childID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tag_relations (parent_id, child_id) VALUES (?, ?)`, parentID, childID,
	)
	if err != nil {
		return fmt.Errorf("link tag relation: %w", err)
	}
	return nil
}

// TagChildren returns the ids of the children recorded for a tag.
func (s *SQLite) TagChildren(ctx context.Context, tagID int64) ([]int64, error) {
	return s.queryIDs(ctx, "query tag children",
		`SELECT child_id FROM tag_relations WHERE parent_id = ? ORDER BY child_id`, tagID,
	)
}

// TagParents returns the ids of the parents recorded for a tag.
func (s *SQLite) TagParents(ctx context.Context, tagID int64) ([]int64, error) {
	return s.queryIDs(ctx, "query tag parents",
		`SELECT parent_id FROM tag_relations WHERE child_id = ? ORDER BY parent_id`, tagID,
	)
}

// EntryTagIDs returns the distinct tag ids attached to each entry by any
// processor.
func (s *SQLite) EntryTagIDs(ctx context.Context, entryIDs []string) (map[string][]int64, error) {
	result := make(map[string][]int64, len(entryIDs))
	if len(entryIDs) == 0 {
		return result, nil
	}
	args := make([]any, len(entryIDs))
	for i, id := range entryIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT entry_id, tag_id FROM entry_tags
		 WHERE entry_id IN (`+placeholders(len(entryIDs))+`)
		 ORDER BY entry_id, tag_id`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query entry tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var entryID string
		var tagID int64
		if err := rows.Scan(&entryID, &tagID); err != nil {
			return nil, fmt.Errorf("scan entry tag: %w", err)
		}
		result[entryID] = append(result[entryID], tagID)
	}
	return result, rows.Err()
}

func (s *SQLite) queryTags(ctx context.Context, query string, args ...any) ([]model.Tag, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tags []model.Tag
	for rows.Next() {
		var t model.Tag
		var created string
		if err := rows.Scan(&t.ID, &t.UID, &created); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		t.CreatedAt, _ = parseTime(created)
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

type tagProps struct {
	link       string
	categories []model.TagCategory
}

func (s *SQLite) queryTagProperties(ctx context.Context, ids []any) (map[int64]tagProps, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag_id, type, value FROM tag_properties
		 WHERE tag_id IN (`+placeholders(len(ids))+`)
		 ORDER BY tag_id, processor_id`, ids...,
	)
	if err != nil {
		return nil, fmt.Errorf("query tag properties: %w", err)
	}
	defer func() { _ = rows.Close() }()

	props := make(map[int64]tagProps)
	seen := make(map[int64]map[model.TagCategory]bool)
	for rows.Next() {
		var tagID int64
		var typ, value string
		if err := rows.Scan(&tagID, &typ, &value); err != nil {
			return nil, fmt.Errorf("scan tag property: %w", err)
		}
		p := props[tagID]
		switch typ {
		case PropertyLink:
			if p.link == "" {
				p.link = value
			}
		case PropertyCategories:
			if seen[tagID] == nil {
				seen[tagID] = make(map[model.TagCategory]bool)
			}
			for _, c := range strings.Split(value, ",") {
				cat := model.TagCategory(c)
				if c == "" || seen[tagID][cat] {
					continue
				}
				seen[tagID][cat] = true
				p.categories = append(p.categories, cat)
			}
		}
		props[tagID] = p
	}
	for id, p := range props {
		sort.Slice(p.categories, func(i, j int) bool { return p.categories[i] < p.categories[j] })
		props[id] = p
	}
	return props, rows.Err()
}

func (s *SQLite) queryIDs(ctx context.Context, op, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
