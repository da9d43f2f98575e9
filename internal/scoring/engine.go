// Package scoring evaluates user rules against the canonical tags of entries.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"librarian/internal/model"
)

// Rule validation errors.
var (
	ErrTagsIntersection = errors.New("required and excluded tags intersect")
	ErrNoTags           = errors.New("rule has no tags")
	ErrNegativeScore    = errors.New("rule score is negative")
	ErrInvalidTag       = errors.New("tag normalizes to nothing")
	ErrScoreTooLarge    = fmt.Errorf("rule score exceeds %d", MaxRuleScore)
)

// MaxRuleScore is the largest score a single rule may carry.
const MaxRuleScore = 1_000_000

// ValidateRule checks the rule invariants. Rules that pass can be scored
// without further checks.
func ValidateRule(rule model.Rule) error {
	if len(rule.RequiredTags) == 0 && len(rule.ExcludedTags) == 0 {
		return ErrNoTags
	}
	if rule.Score < 0 {
		return ErrNegativeScore
	}
	if rule.Score > MaxRuleScore {
		return ErrScoreTooLarge
	}
	for _, id := range rule.RequiredTags {
		if slices.Contains(rule.ExcludedTags, id) {
			return ErrTagsIntersection
		}
	}
	return nil
}

// Fires reports whether every required tag is present and no excluded tag is.
func Fires(rule model.Rule, tags map[int64]bool) bool {
	for _, id := range rule.RequiredTags {
		if !tags[id] {
			return false
		}
	}
	for _, id := range rule.ExcludedTags {
		if tags[id] {
			return false
		}
	}
	return true
}

// Score sums the scores of the rules that fire on the tag set. It is 0 when
// nothing fires and saturates at math.MaxInt.
func Score(rules []model.Rule, tagIDs []int64) int {
	set := make(map[int64]bool, len(tagIDs))
	for _, id := range tagIDs {
		set[id] = true
	}
	total := 0
	for _, r := range rules {
		if !Fires(r, set) {
			continue
		}
		if r.Score > math.MaxInt-total {
			return math.MaxInt
		}
		total += r.Score
	}
	return total
}

// ScoredEntry is an entry with its score for one user.
type ScoredEntry struct {
	Entry model.Entry
	Score int
}

// Rank scores entries and orders them by score descending, then newest
// first, then by id.
func Rank(entries []model.Entry, tagsByEntry map[string][]int64, rules []model.Rule) []ScoredEntry {
	out := make([]ScoredEntry, len(entries))
	for i, e := range entries {
		out[i] = ScoredEntry{Entry: e, Score: Score(rules, tagsByEntry[e.ID])}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Entry.CreatedAt.Equal(b.Entry.CreatedAt) {
			return a.Entry.CreatedAt.After(b.Entry.CreatedAt)
		}
		return a.Entry.ID < b.Entry.ID
	})
	return out
}
