// Package fetcher downloads RSS/Atom feeds and turns their items into
// catalog entries.
package fetcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"librarian/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads and parses feeds.
type Fetcher struct {
	client  HTTPClient
	timeout time.Duration
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client:  client,
		timeout: 30 * time.Second,
	}
}

// Fetch downloads and parses the feed at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Librarian/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// ItemGUID returns the GUID for a feed item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

// Entries converts the items of a parsed feed into entries of feedID.
// Items are returned oldest first so catalog order follows publication.
func Entries(feedID int64, parsed *gofeed.Feed) []model.Entry {
	entries := make([]model.Entry, 0, len(parsed.Items))
	for i := len(parsed.Items) - 1; i >= 0; i-- {
		item := parsed.Items[i]
		body := item.Content
		if strings.TrimSpace(body) == "" {
			body = item.Description
		}
		e := model.Entry{
			FeedID:       feedID,
			ExternalID:   ItemGUID(item),
			ExternalURL:  item.Link,
			ExternalTags: itemTags(item),
			Title:        strings.TrimSpace(item.Title),
			Body:         body,
		}
		if item.PublishedParsed != nil {
			e.PublishedAt = item.PublishedParsed.UTC()
		} else if item.UpdatedParsed != nil {
			e.PublishedAt = item.UpdatedParsed.UTC()
		}
		entries = append(entries, e)
	}
	return entries
}

func itemTags(item *gofeed.Item) []string {
	var out []string
	seen := make(map[string]bool)
	for _, c := range item.Categories {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
