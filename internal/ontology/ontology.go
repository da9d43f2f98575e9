// Package ontology stores canonical tags and their relations to entries and
// to each other.
package ontology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"librarian/internal/model"
	"librarian/internal/storage"
	"librarian/internal/tags"
)

// Store is the persistence the ontology needs.
type Store interface {
	EnsureTag(ctx context.Context, uid string) (int64, error)
	TagIDsByUIDs(ctx context.Context, uids []string) (map[string]int64, error)
	TagsByIDs(ctx context.Context, ids []int64) ([]model.Tag, error)
	TagIDsWithPrefix(ctx context.Context, prefix string) ([]int64, error)
	LinkEntryTags(ctx context.Context, entryID string, processorID int64, tagIDs []int64) error
	SetTagProperty(ctx context.Context, tagID, processorID int64, typ, value string) error
	LinkTagRelation(ctx context.Context, parentID, childID int64) error
	TagChildren(ctx context.Context, tagID int64) ([]int64, error)
	TagParents(ctx context.Context, tagID int64) ([]int64, error)
	EntryTagIDs(ctx context.Context, entryIDs []string) (map[string][]int64, error)
}

// Ontology resolves canonical tags to ids and records what processors
// attached to entries. Tag ids are cached for the life of the process; tags
// are never deleted.
type Ontology struct {
	store Store
	log   *slog.Logger

	mu  sync.RWMutex
	ids map[string]int64
}

// New creates an Ontology over store.
func New(store Store, log *slog.Logger) *Ontology {
	return &Ontology{store: store, log: log, ids: make(map[string]int64)}
}

// ResolveOrCreate returns the id of the tag with uid, creating it on first
// use. Concurrent callers for the same uid receive the same id.
func (o *Ontology) ResolveOrCreate(ctx context.Context, uid string) (int64, error) {
	if uid == "" {
		return 0, errors.New("resolve tag: empty uid")
	}
	o.mu.RLock()
	id, ok := o.ids[uid]
	o.mu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := o.store.EnsureTag(ctx, uid)
	if err != nil {
		return 0, fmt.Errorf("resolve tag %q: %w", uid, err)
	}
	o.mu.Lock()
	o.ids[uid] = id
	o.mu.Unlock()
	return id, nil
}

// ApplyTags attaches normalized tags to an entry on behalf of a processor,
// recording the tag properties reported with them and linking each tag to
// its existing parents and children by uid prefix.
func (o *Ontology) ApplyTags(ctx context.Context, entryID string, processorID int64, normalized []tags.Tag) error {
	if len(normalized) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(normalized))
	for _, t := range normalized {
		id, err := o.ResolveOrCreate(ctx, t.UID)
		if err != nil {
			return err
		}
		ids = append(ids, id)

		if t.Link != "" {
			if err := o.store.SetTagProperty(ctx, id, processorID, storage.PropertyLink, t.Link); err != nil {
				return fmt.Errorf("tag %q: %w", t.UID, err)
			}
		}
		if len(t.Categories) > 0 {
			cats := make([]string, len(t.Categories))
			for i, c := range t.Categories {
				cats[i] = string(c)
			}
			if err := o.store.SetTagProperty(ctx, id, processorID, storage.PropertyCategories, strings.Join(cats, ",")); err != nil {
				return fmt.Errorf("tag %q: %w", t.UID, err)
			}
		}
		if err := o.linkHierarchy(ctx, t.UID, id); err != nil {
			return err
		}
	}

	if err := o.store.LinkEntryTags(ctx, entryID, processorID, ids); err != nil {
		return fmt.Errorf("entry %s: %w", entryID, err)
	}
	o.log.Debug("tags applied", "entry_id", entryID, "processor_id", processorID, "count", len(ids))
	return nil
}

// linkHierarchy relates uid to every known tag whose uid is a whole-part
// prefix of it, and to every known tag it is a whole-part prefix of.
func (o *Ontology) linkHierarchy(ctx context.Context, uid string, id int64) error {
	parts := tags.Parts(uid)
	prefixes := make([]string, 0, len(parts))
	for i := 1; i < len(parts); i++ {
		prefixes = append(prefixes, strings.Join(parts[:i], tags.Separator))
	}
	parents, err := o.store.TagIDsByUIDs(ctx, prefixes)
	if err != nil {
		return fmt.Errorf("tag %q parents: %w", uid, err)
	}
	for _, parentID := range parents {
		if err := o.store.LinkTagRelation(ctx, parentID, id); err != nil {
			return fmt.Errorf("tag %q: %w", uid, err)
		}
	}

	children, err := o.store.TagIDsWithPrefix(ctx, uid+tags.Separator)
	if err != nil {
		return fmt.Errorf("tag %q children: %w", uid, err)
	}
	for _, childID := range children {
		if err := o.store.LinkTagRelation(ctx, id, childID); err != nil {
			return fmt.Errorf("tag %q: %w", uid, err)
		}
	}
	return nil
}

// TagsForEntries returns the tags attached to each entry by any processor.
// Entries without tags are absent from the result.
func (o *Ontology) TagsForEntries(ctx context.Context, entryIDs []string) (map[string][]model.Tag, error) {
	byEntry, err := o.store.EntryTagIDs(ctx, entryIDs)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool)
	var all []int64
	for _, ids := range byEntry {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				all = append(all, id)
			}
		}
	}
	found, err := o.store.TagsByIDs(ctx, all)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]model.Tag, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}

	result := make(map[string][]model.Tag, len(byEntry))
	for entryID, ids := range byEntry {
		for _, id := range ids {
			if t, ok := byID[id]; ok {
				result[entryID] = append(result[entryID], t)
			}
		}
	}
	return result, nil
}

// TagIDsForEntries returns the tag ids attached to each entry.
func (o *Ontology) TagIDsForEntries(ctx context.Context, entryIDs []string) (map[string][]int64, error) {
	return o.store.EntryTagIDs(ctx, entryIDs)
}

// Children returns the tags whose uid extends the tag's uid by whole parts.
func (o *Ontology) Children(ctx context.Context, tagID int64) ([]model.Tag, error) {
	ids, err := o.store.TagChildren(ctx, tagID)
	if err != nil {
		return nil, err
	}
	return o.store.TagsByIDs(ctx, ids)
}

// Parents returns the tags whose uid is a prefix of the tag's uid.
func (o *Ontology) Parents(ctx context.Context, tagID int64) ([]model.Tag, error) {
	ids, err := o.store.TagParents(ctx, tagID)
	if err != nil {
		return nil, err
	}
	return o.store.TagsByIDs(ctx, ids)
}

// Lookup returns the ids of existing tags among the given raw tags, keyed by
// their canonical uid. Unknown tags are absent.
func (o *Ontology) Lookup(ctx context.Context, raw []string) (map[string]int64, error) {
	uids := make([]string, 0, len(raw))
	for _, r := range raw {
		if uid := tags.Normalize(r); uid != "" {
			uids = append(uids, uid)
		}
	}
	return o.store.TagIDsByUIDs(ctx, uids)
}

// Tags returns the tags with the given ids. Unknown ids are absent.
func (o *Ontology) Tags(ctx context.Context, ids []int64) ([]model.Tag, error) {
	return o.store.TagsByIDs(ctx, ids)
}
