package httpapi

import (
	"time"

	"librarian/internal/model"
	"librarian/internal/scoring"
)

type TagResponse struct {
	ID         int64    `json:"id"`
	UID        string   `json:"uid"`
	Link       string   `json:"link,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

type EntryTagsResponse struct {
	EntryID string        `json:"entry_id"`
	Tags    []TagResponse `json:"tags"`
}

type ScoredEntryResponse struct {
	ID          string `json:"id"`
	FeedID      int64  `json:"feed_id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	PublishedAt string `json:"published_at"`
	CreatedAt   string `json:"created_at"`
	Score       int    `json:"score"`
}

type UserEntriesResponse struct {
	UserID  string                `json:"user_id"`
	Limit   int                   `json:"limit"`
	Entries []ScoredEntryResponse `json:"entries"`
}

type ResourceRecordResponse struct {
	IntervalStartedAt string `json:"interval_started_at"`
	Used              int64  `json:"used"`
	Reserved          int64  `json:"reserved"`
}

type ResourcesResponse struct {
	UserID  string                   `json:"user_id"`
	Kind    string                   `json:"kind"`
	Limit   int64                    `json:"limit"`
	Records []ResourceRecordResponse `json:"records"`
}

func newTagResponse(t model.Tag) TagResponse {
	res := TagResponse{ID: t.ID, UID: t.UID, Link: t.Link}
	for _, c := range t.Categories {
		res.Categories = append(res.Categories, string(c))
	}
	return res
}

func newScoredEntryResponse(se scoring.ScoredEntry) ScoredEntryResponse {
	return ScoredEntryResponse{
		ID:          se.Entry.ID,
		FeedID:      se.Entry.FeedID,
		Title:       se.Entry.Title,
		URL:         se.Entry.ExternalURL,
		PublishedAt: se.Entry.PublishedAt.Format(time.RFC3339),
		CreatedAt:   se.Entry.CreatedAt.Format(time.RFC3339),
		Score:       se.Score,
	}
}
