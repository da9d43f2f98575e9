package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mmcdole/gofeed"

	"librarian/internal/model"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error
}

func (m *mockTransport) Do(_ *http.Request) (*http.Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

func TestFetch(t *testing.T) {
	xml := loadFixture(t, "../../testdata/sample.xml")

	tests := []struct {
		name      string
		transport *mockTransport
		wantTitle string
		wantItems int
		wantErr   bool
	}{
		{
			name:      "successful fetch",
			transport: &mockTransport{body: xml, statusCode: 200},
			wantTitle: "Systems Weekly",
			wantItems: 3,
		},
		{
			name:      "http error status",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantErr:   true,
		},
		{
			name:      "network error",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			wantErr:   true,
		},
		{
			name:      "invalid xml",
			transport: &mockTransport{body: "not xml at all", statusCode: 200},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.transport)
			feed, err := f.Fetch(context.Background(), "https://example.com/rss")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if diff := cmp.Diff(tt.wantTitle, feed.Title); diff != "" {
				t.Errorf("title mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantItems, len(feed.Items)); diff != "" {
				t.Errorf("item count mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestItemGUID(t *testing.T) {
	tests := []struct {
		name     string
		item     *gofeed.Item
		wantGUID string
		hasHash  bool
	}{
		{
			name:     "with guid",
			item:     &gofeed.Item{GUID: "abc-123"},
			wantGUID: "abc-123",
		},
		{
			name:    "without guid generates hash",
			item:    &gofeed.Item{Title: "Post Without GUID", Link: "https://example.com/post-1"},
			hasHash: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ItemGUID(tt.item)
			if tt.hasHash {
				if !strings.HasPrefix(got, "sha256:") {
					t.Errorf("expected sha256 prefix, got %q", got)
				}
				return
			}
			if diff := cmp.Diff(tt.wantGUID, got); diff != "" {
				t.Errorf("GUID mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEntries(t *testing.T) {
	parsed, err := gofeed.NewParser().ParseString(loadFixture(t, "../../testdata/sample.xml"))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}

	got := Entries(42, parsed)
	if len(got) != 3 {
		t.Fatalf("entries = %d, want 3", len(got))
	}

	want := []model.Entry{
		{
			FeedID:      42,
			ExternalURL: "https://blog.example.com/post-1",
			Title:       "Post Without GUID",
			Body:        "Nothing to see.",
			PublishedAt: time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			FeedID:       42,
			ExternalID:   "go-generics",
			ExternalURL:  "https://www.go.example.org/generics",
			ExternalTags: []string{"Go"},
			Title:        "GO GENERICS IN PRACTICE",
			Body:         "Type parameters after two years.",
			PublishedAt:  time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC),
		},
		{
			FeedID:       42,
			ExternalID:   "rust-roadmap",
			ExternalURL:  "https://blog.example.com/rust-roadmap",
			ExternalTags: []string{"Rust", "Roadmap"},
			Title:        "Rust 2.0 Roadmap",
			Body:         "<p>The Rust project published its <b>roadmap</b>.</p>",
			PublishedAt:  time.Date(2024, 4, 3, 10, 0, 0, 0, time.UTC),
		},
	}
	if !strings.HasPrefix(got[0].ExternalID, "sha256:") {
		t.Errorf("entry without guid got id %q", got[0].ExternalID)
	}
	got[0].ExternalID = ""
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}
