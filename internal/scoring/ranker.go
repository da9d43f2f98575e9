package scoring

import (
	"context"
	"fmt"
	"time"

	"librarian/internal/model"
	"librarian/internal/tags"
)

// EntrySource lists the entries visible to a user, newest first.
type EntrySource interface {
	ListUserEntries(ctx context.Context, userID string, since time.Time, limit int) ([]model.Entry, error)
}

// TagSource returns the canonical tags attached to entries and resolves tag
// uids to ids.
type TagSource interface {
	TagIDsForEntries(ctx context.Context, entryIDs []string) (map[string][]int64, error)
	ResolveOrCreate(ctx context.Context, uid string) (int64, error)
}

// candidateFactor bounds how many recent entries are scored for one page.
const candidateFactor = 10

// Ranker orders a user's recent entries by their rule scores.
type Ranker struct {
	rules   *Service
	entries EntrySource
	tags    TagSource
}

// NewRanker creates a Ranker.
func NewRanker(rules *Service, entries EntrySource, tags TagSource) *Ranker {
	return &Ranker{rules: rules, entries: entries, tags: tags}
}

// Top returns up to limit entries created at or after since, best first.
// Only the newest limit*10 entries are considered.
func (r *Ranker) Top(ctx context.Context, userID string, since time.Time, limit int) ([]ScoredEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	entries, err := r.entries.ListUserEntries(ctx, userID, since, limit*candidateFactor)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	byEntry, err := r.tags.TagIDsForEntries(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("entry tags: %w", err)
	}
	rules, err := r.rules.Rules(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	ranked := Rank(entries, byEntry, rules)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// BuildRule normalizes raw tag names and resolves them into a rule for the
// user. Tags that do not exist yet are created so a rule can name tags
// before any entry carries them.
func (r *Ranker) BuildRule(ctx context.Context, userID string, score int, required, excluded []string) (*model.Rule, error) {
	req, err := r.resolve(ctx, required)
	if err != nil {
		return nil, err
	}
	exc, err := r.resolve(ctx, excluded)
	if err != nil {
		return nil, err
	}
	return &model.Rule{UserID: userID, Score: score, RequiredTags: req, ExcludedTags: exc}, nil
}

func (r *Ranker) resolve(ctx context.Context, raw []string) ([]int64, error) {
	var ids []int64
	seen := make(map[int64]bool)
	for _, name := range raw {
		uid := tags.Normalize(name)
		if uid == "" {
			return nil, fmt.Errorf("tag %q: %w", name, ErrInvalidTag)
		}
		id, err := r.tags.ResolveOrCreate(ctx, uid)
		if err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}
