// Package model defines the domain types used across the application.
package model

import "time"

// Feed represents an RSS/Atom source whose items are cataloged as entries.
type Feed struct {
	ID              int64
	Name            string
	URL             string
	IntervalMinutes int
	IsActive        bool
	IsCollection    bool
	LastCheckAt     *time.Time
	CreatedAt       time.Time
}

// Entry is one ingested article. Entries are immutable once cataloged and are
// totally ordered by (CreatedAt, ID).
type Entry struct {
	ID           string
	FeedID       int64
	ExternalID   string
	ExternalURL  string
	ExternalTags []string
	Title        string
	Body         string
	PublishedAt  time.Time
	CreatedAt    time.Time
}

// Sentinel rank used for fresh processor pointers so the first batch starts
// from the oldest entry.
var (
	MinPointerTime    = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	MinPointerEntryID = "00000000-0000-0000-0000-000000000000"
)

// ProcessorPointer is the durable bookmark of a processor: the rank of the
// last entry it fully handled.
type ProcessorPointer struct {
	ProcessorID int64
	CreatedAt   time.Time
	EntryID     string
}

// PointerAt returns the pointer positioned at the given entry.
func PointerAt(processorID int64, e Entry) ProcessorPointer {
	return ProcessorPointer{ProcessorID: processorID, CreatedAt: e.CreatedAt, EntryID: e.ID}
}

// Less reports whether p ranks strictly before o.
func (p ProcessorPointer) Less(o ProcessorPointer) bool {
	if !p.CreatedAt.Equal(o.CreatedAt) {
		return p.CreatedAt.Before(o.CreatedAt)
	}
	return p.EntryID < o.EntryID
}

// EntryStateKind is the processing state of an entry for one processor.
type EntryStateKind string

// Supported entry states.
const (
	StatePending    EntryStateKind = "pending"
	StateProcessing EntryStateKind = "processing"
	StateProcessed  EntryStateKind = "processed"
	StateSkipped    EntryStateKind = "skipped"
	StateFailed     EntryStateKind = "failed"
)

// Terminal reports whether no further processing happens without a manual reprocess.
func (s EntryStateKind) Terminal() bool {
	switch s {
	case StateProcessed, StateSkipped, StateFailed:
		return true
	}
	return false
}

// EntryState records the outcome of an entry for a processor.
type EntryState struct {
	ProcessorID int64
	EntryID     string
	State       EntryStateKind
	Error       string
	Attempts    int
	UpdatedAt   time.Time
}

// ResourceKind identifies a metered resource.
type ResourceKind string

// ResourceRecord accumulates usage of one resource kind by one user inside an
// interval bucket.
type ResourceRecord struct {
	UserID            string
	Kind              ResourceKind
	IntervalStartedAt time.Time
	Used              int64
	Reserved          int64
}

// Total returns used plus reserved.
func (r ResourceRecord) Total() int64 {
	return r.Used + r.Reserved
}

// TagCategory classifies where a tag came from.
type TagCategory string

// Known tag categories.
const (
	CategoryNetworkDomain TagCategory = "network-domain"
	CategoryFeedTag       TagCategory = "feed-tag"
	CategorySpecial       TagCategory = "special"
)

// Tag is a canonical vocabulary item shared by all users.
type Tag struct {
	ID         int64
	UID        string
	Link       string
	Categories []TagCategory
	CreatedAt  time.Time
}

// Rule is a user-defined scoring condition over canonical tag ids.
type Rule struct {
	ID           int64
	UserID       string
	Score        int
	RequiredTags []int64
	ExcludedTags []int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserKey is an API key a user provided for one LLM provider.
type UserKey struct {
	UserID          string
	Provider        string
	APIKey          string
	MaxEntryAgeDays int
}
