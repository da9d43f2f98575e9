// Package httpapi serves the read-only JSON view of the library: entry tags,
// ranked entries and resource usage.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"librarian/internal/model"
	"librarian/internal/scoring"
	"librarian/internal/storage"
)

// EntryStore reads single entries.
type EntryStore interface {
	GetEntry(ctx context.Context, id string) (*model.Entry, error)
}

// TagReader returns the canonical tags attached to entries.
type TagReader interface {
	TagsForEntries(ctx context.Context, entryIDs []string) (map[string][]model.Tag, error)
}

// Ranker orders the entries of a user by score.
type Ranker interface {
	Top(ctx context.Context, userID string, since time.Time, limit int) ([]scoring.ScoredEntry, error)
}

// Ledger reports resource usage.
type Ledger interface {
	Limit(kind model.ResourceKind) (int64, error)
	History(ctx context.Context, userID string, kind model.ResourceKind) ([]model.ResourceRecord, error)
}

// Handler implements the API endpoints.
type Handler struct {
	entries EntryStore
	tags    TagReader
	ranker  Ranker
	ledger  Ledger
	log     *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(entries EntryStore, tags TagReader, ranker Ranker, ledger Ledger, log *slog.Logger) *Handler {
	return &Handler{entries: entries, tags: tags, ranker: ranker, ledger: ledger, log: log}
}

// GetEntryTags returns the tags of one entry.
func (h *Handler) GetEntryTags(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if _, err := h.entries.GetEntry(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entry not found"})
			return
		}
		h.log.Error("fetch entry", "entry_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	byEntry, err := h.tags.TagsForEntries(ctx, []string{id})
	if err != nil {
		h.log.Error("fetch entry tags", "entry_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	res := EntryTagsResponse{EntryID: id, Tags: []TagResponse{}}
	for _, t := range byEntry[id] {
		res.Tags = append(res.Tags, newTagResponse(t))
	}
	c.JSON(http.StatusOK, res)
}

// GetUserEntries returns the best recent entries of a user with scores.
func (h *Handler) GetUserEntries(c *gin.Context) {
	userID := c.Param("id")
	limit := h.queryLimit(c)

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid since, want RFC 3339"})
			return
		}
		since = t
	}

	top, err := h.ranker.Top(c.Request.Context(), userID, since, limit)
	if err != nil {
		h.log.Error("rank entries", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	res := UserEntriesResponse{UserID: userID, Limit: limit, Entries: []ScoredEntryResponse{}}
	for _, se := range top {
		res.Entries = append(res.Entries, newScoredEntryResponse(se))
	}
	c.JSON(http.StatusOK, res)
}

// GetUserResources returns the usage history of a user for one resource kind.
func (h *Handler) GetUserResources(c *gin.Context) {
	userID := c.Param("id")
	kind := model.ResourceKind(c.Param("kind"))

	limit, err := h.ledger.Limit(kind)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown resource kind"})
		return
	}

	records, err := h.ledger.History(c.Request.Context(), userID, kind)
	if err != nil {
		h.log.Error("resource history", "user_id", userID, "kind", kind, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	res := ResourcesResponse{UserID: userID, Kind: string(kind), Limit: limit, Records: []ResourceRecordResponse{}}
	for _, r := range records {
		res.Records = append(res.Records, ResourceRecordResponse{
			IntervalStartedAt: r.IntervalStartedAt.Format(time.RFC3339),
			Used:              r.Used,
			Reserved:          r.Reserved,
		})
	}
	c.JSON(http.StatusOK, res)
}

// GetHealth reports that the server is up.
func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) queryLimit(c *gin.Context) int {
	const (
		defaultLimit = 20
		maxLimit     = 100
	)

	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		h.log.Warn("invalid query parameter, using default", "param", "limit", "value", raw, "default", defaultLimit)
		return defaultLimit
	}
	if limit > maxLimit {
		h.log.Warn("query parameter exceeds max, clamping", "param", "limit", "value", limit, "max", maxLimit)
		return maxLimit
	}
	return limit
}

