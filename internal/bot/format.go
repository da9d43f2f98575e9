package bot

import (
	"fmt"
	"strings"

	"librarian/internal/model"
	"librarian/internal/scoring"
)

const (
	statusActive = "active"
	statusPaused = "paused"
)

// FormatFeedList formats the feeds a user is subscribed to.
func FormatFeedList(feeds []model.Feed) string {
	if len(feeds) == 0 {
		return "You have no feeds yet. Use /add <url> to add one."
	}
	var b strings.Builder
	b.WriteString("Your feeds:\n")
	for _, f := range feeds {
		fmt.Fprintf(&b, "\n#%d %s  (every %d min) [%s]\n", f.ID, f.Name, f.IntervalMinutes, feedStatus(f))
	}
	return b.String()
}

// FormatFeedInfo formats detailed information about a single feed.
func FormatFeedInfo(feed *model.Feed) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s [%s]\n", feed.ID, feed.Name, feedStatus(*feed))
	fmt.Fprintf(&b, "URL: %s\n", feed.URL)
	fmt.Fprintf(&b, "Interval: every %d min\n", feed.IntervalMinutes)
	if feed.IsCollection {
		b.WriteString("Collection feed\n")
	}
	if feed.LastCheckAt != nil {
		fmt.Fprintf(&b, "Last check: %s\n", feed.LastCheckAt.Format("2006-01-02 15:04 UTC"))
	}
	return b.String()
}

func feedStatus(f model.Feed) string {
	if !f.IsActive {
		return statusPaused
	}
	return statusActive
}

// FormatRule formats one rule with tag uids looked up in names.
func FormatRule(rule model.Rule, names map[int64]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "R%d [+%d]", rule.ID, rule.Score)
	for _, id := range rule.RequiredTags {
		fmt.Fprintf(&b, " %s", tagName(id, names))
	}
	for _, id := range rule.ExcludedTags {
		fmt.Fprintf(&b, " -%s", tagName(id, names))
	}
	return b.String()
}

// FormatRules formats the rules of a user.
func FormatRules(rules []model.Rule, names map[int64]string) string {
	if len(rules) == 0 {
		return "You have no rules yet. Use /rule <score> <tag> [-tag] to add one."
	}
	var b strings.Builder
	b.WriteString("Your rules:\n\n")
	for _, r := range rules {
		b.WriteString(FormatRule(r, names))
		b.WriteString("\n")
	}
	return b.String()
}

func tagName(id int64, names map[int64]string) string {
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("#%d", id)
}

// FormatTop formats ranked entries with their scores.
func FormatTop(entries []scoring.ScoredEntry) string {
	if len(entries) == 0 {
		return "No entries yet. Subscribe to feeds with /add <url>."
	}
	var b strings.Builder
	b.WriteString("Top entries:\n")
	for _, se := range entries {
		fmt.Fprintf(&b, "\n[%d] %s\n", se.Score, se.Entry.Title)
		if se.Entry.ExternalURL != "" {
			fmt.Fprintf(&b, "%s\n", se.Entry.ExternalURL)
		}
	}
	return b.String()
}
