package tags

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"librarian/internal/config"
	"librarian/internal/model"
)

// ErrCyclicReplacement is returned when part replacements can rewrite a tag
// back into itself.
var ErrCyclicReplacement = errors.New("cyclic tag replacement")

// Mode selects how much normalization a raw tag receives.
type Mode int

const (
	// ModeRaw runs the conversion and the full normalizer pipeline.
	ModeRaw Mode = iota
	// ModeFinal only converts the tag; used for tags taken verbatim from feeds.
	ModeFinal
)

// RawTag is a tag as produced by a processor.
type RawTag struct {
	Raw        string
	Mode       Mode
	Link       string
	Categories []model.TagCategory
}

// Stage is a named pipeline stage.
type Stage struct {
	ID         int
	Name       string
	Normalizer Normalizer
}

// Pipeline applies the ordered normalizer stages to raw tags.
type Pipeline struct {
	stages []Stage
}

// NewPipeline creates a pipeline from stages, rejecting replacement chains
// that can cycle.
func NewPipeline(stages ...Stage) (*Pipeline, error) {
	replacements := make(map[string]string)
	for _, s := range stages {
		r, ok := s.Normalizer.(*PartReplacer)
		if !ok {
			continue
		}
		for from, to := range r.Pairs() {
			if prev, dup := replacements[from]; dup && prev != to {
				return nil, fmt.Errorf("normalizer %d: replacement for %q set to both %q and %q", s.ID, from, prev, to)
			}
			replacements[from] = to
		}
	}
	if err := checkCycles(replacements); err != nil {
		return nil, err
	}
	return &Pipeline{stages: stages}, nil
}

// BuildPipeline assembles the enabled normalizers from configuration.
func BuildPipeline(cfgs []config.NormalizerConfig) (*Pipeline, error) {
	var stages []Stage
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		var n Normalizer
		switch c.Type {
		case config.NormalizerPartBlacklist:
			n = NewPartBlacklist(c.Blacklist)
		case config.NormalizerPartReplacer:
			n = NewPartReplacer(c.Replacements)
		case config.NormalizerSplitter:
			n = NewSplitter(c.Separators)
		default:
			return nil, fmt.Errorf("normalizer %d: unknown type %q", c.ID, c.Type)
		}
		stages = append(stages, Stage{ID: c.ID, Name: c.Name, Normalizer: n})
	}
	return NewPipeline(stages...)
}

// checkCycles builds a graph where replacement A points to replacement B when
// the output of A contains B as whole parts, and fails on any cycle,
// including a replacement whose output contains its own input.
func checkCycles(replacements map[string]string) error {
	keys := make([]string, 0, len(replacements))
	for k := range replacements {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	edges := make(map[string][]string, len(keys))
	for _, a := range keys {
		out := wrap(replacements[a])
		for _, b := range keys {
			if replacements[a] != "" && strings.Contains(out, wrap(b)) {
				edges[a] = append(edges[a], b)
			}
		}
	}

	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[string]int, len(keys))
	var path []string

	var visit func(k string) error
	visit = func(k string) error {
		switch state[k] {
		case inProgress:
			i := slices.Index(path, k)
			chain := append(slices.Clone(path[i:]), k)
			return fmt.Errorf("%w: %s", ErrCyclicReplacement, strings.Join(chain, " -> "))
		case done:
			return nil
		}
		state[k] = inProgress
		path = append(path, k)
		for _, next := range edges[k] {
			if err := visit(next); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[k] = done
		return nil
	}

	for _, k := range keys {
		if err := visit(k); err != nil {
			return err
		}
	}
	return nil
}

// Normalize converts raw tags into canonical tags. Tags derived by a stage
// restart at the first stage; each uid is examined at most once per call.
// Results are merged by uid and sorted.
func (p *Pipeline) Normalize(raw []RawTag) []Tag {
	merged := make(map[string]*Tag)
	add := func(uid string, src RawTag) {
		t, ok := merged[uid]
		if !ok {
			t = &Tag{UID: uid, Link: src.Link}
			merged[uid] = t
		}
		if t.Link == "" {
			t.Link = src.Link
		}
		for _, c := range src.Categories {
			if !slices.Contains(t.Categories, c) {
				t.Categories = append(t.Categories, c)
			}
		}
	}

	for _, r := range raw {
		uid := Normalize(r.Raw)
		if uid == "" {
			continue
		}
		if r.Mode == ModeFinal {
			add(uid, r)
			continue
		}

		visited := make(map[string]bool)
		queue := []string{uid}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if visited[cur] {
				continue
			}
			visited[cur] = true

			keep := true
			for _, s := range p.stages {
				ok, produced := s.Normalizer.Normalize(Tag{UID: cur, Link: r.Link, Categories: r.Categories})
				for _, u := range produced {
					if u = Normalize(u); u != "" && !visited[u] {
						queue = append(queue, u)
					}
				}
				if !ok {
					keep = false
					break
				}
			}
			if keep {
				add(cur, r)
			}
		}
	}

	out := make([]Tag, 0, len(merged))
	for _, t := range merged {
		slices.Sort(t.Categories)
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}
