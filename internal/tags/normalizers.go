package tags

import (
	"slices"
	"sort"
	"strings"

	"librarian/internal/model"
)

// Tag is a canonical tag moving through the normalizer pipeline.
type Tag struct {
	UID        string
	Link       string
	Categories []model.TagCategory
}

// Parts returns the ordered parts of the tag uid.
func (t Tag) Parts() []string {
	return Parts(t.UID)
}

// Normalizer is one stage of the pipeline. keep reports whether the tag
// survives this stage unchanged; produced lists uids derived from it, which
// re-enter the pipeline from the first stage.
type Normalizer interface {
	Normalize(tag Tag) (keep bool, produced []string)
}

// PartBlacklist drops blacklisted parts: "the-best-startup" with "the"
// blacklisted becomes "best-startup".
type PartBlacklist struct {
	blacklist map[string]bool
}

// NewPartBlacklist creates a PartBlacklist. Entries are normalized.
func NewPartBlacklist(parts []string) *PartBlacklist {
	n := &PartBlacklist{blacklist: make(map[string]bool, len(parts))}
	for _, p := range parts {
		if uid := Normalize(p); uid != "" {
			n.blacklist[uid] = true
		}
	}
	return n
}

// Normalize implements Normalizer.
func (n *PartBlacklist) Normalize(tag Tag) (bool, []string) {
	parts := tag.Parts()
	if len(parts) == 0 {
		return false, nil
	}
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if !n.blacklist[p] {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(parts) {
		return true, nil
	}
	if len(kept) == 0 {
		return false, nil
	}
	return false, []string{strings.Join(kept, Separator)}
}

// PartReplacer replaces whole-part sequences: "set-up" to "setup" turns
// "my-set-up-guide" into "my-setup-guide". Each replacement applies to every
// occurrence and yields its own derived tag.
type PartReplacer struct {
	from []string
	to   map[string]string
}

// NewPartReplacer creates a PartReplacer. Keys and values are normalized;
// empty keys are ignored.
func NewPartReplacer(replacements map[string]string) *PartReplacer {
	n := &PartReplacer{to: make(map[string]string, len(replacements))}
	for from, to := range replacements {
		from = Normalize(from)
		if from == "" {
			continue
		}
		n.to[from] = Normalize(to)
		n.from = append(n.from, from)
	}
	sort.Strings(n.from)
	return n
}

// Normalize implements Normalizer.
func (n *PartReplacer) Normalize(tag Tag) (bool, []string) {
	if tag.UID == "" {
		return false, nil
	}
	source := wrap(tag.UID)

	var produced []string
	matched := false
	for _, from := range n.from {
		old := wrap(from)
		if !strings.Contains(source, old) {
			continue
		}
		matched = true
		replacement := Separator
		if to := n.to[from]; to != "" {
			replacement = wrap(to)
		}

		result := source
		// Each pass removes one occurrence; a dash shared by two adjacent
		// occurrences is only visible after the first is replaced.
		for range len(source) {
			next := strings.Replace(result, old, replacement, 1)
			if next == result {
				break
			}
			result = next
		}
		if uid := strings.Trim(result, Separator); uid != "" {
			produced = append(produced, uid)
		}
	}
	if !matched {
		return true, nil
	}
	if len(produced) == 0 {
		return false, nil
	}
	return false, dedupe(produced)
}

// Pairs returns the normalized replacements, used for cycle detection.
func (n *PartReplacer) Pairs() map[string]string {
	out := make(map[string]string, len(n.to))
	for k, v := range n.to {
		out[k] = v
	}
	return out
}

// Splitter cuts a tag in two around a separator part sequence:
// "rest-api-for-graph-processing" split by "for" yields "rest-api" and
// "graph-processing".
type Splitter struct {
	separators []string
}

// NewSplitter creates a Splitter. Separators are normalized.
func NewSplitter(separators []string) *Splitter {
	n := &Splitter{}
	for _, s := range separators {
		if uid := Normalize(s); uid != "" {
			n.separators = append(n.separators, uid)
		}
	}
	return n
}

// Normalize implements Normalizer.
func (n *Splitter) Normalize(tag Tag) (bool, []string) {
	uid := tag.UID
	if uid == "" {
		return false, nil
	}

	var produced []string
	for _, sep := range n.separators {
		for start := 0; ; {
			i := strings.Index(uid[start:], sep)
			if i < 0 {
				break
			}
			at := start + i
			start = at + 1
			end := at + len(sep)
			if at > 0 && uid[at-1] != '-' {
				continue
			}
			if end < len(uid) && uid[end] != '-' {
				continue
			}
			for _, part := range []string{uid[:at], uid[end:]} {
				if part = strings.Trim(part, Separator); part != "" {
					produced = append(produced, part)
				}
			}
		}
	}
	if len(produced) == 0 {
		return true, nil
	}
	return false, dedupe(produced)
}

func dedupe(uids []string) []string {
	slices.Sort(uids)
	return slices.Compact(uids)
}
