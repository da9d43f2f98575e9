package processor

import (
	"context"
	"net/url"
	"strings"
	"unicode"

	"librarian/internal/model"
	"librarian/internal/tags"
)

// Domain tags an entry with every domain its URL belongs to, except the top
// level one: "https://www.blog.example.com/x" gives blog.example.com and
// example.com.
func Domain(_ context.Context, _ model.Feed, entry model.Entry) ([]tags.RawTag, error) {
	if entry.ExternalURL == "" {
		return nil, nil
	}
	u, err := url.Parse(entry.ExternalURL)
	if err != nil || u.Hostname() == "" {
		// nothing to derive from a broken link
		return nil, nil
	}

	var out []tags.RawTag
	for _, d := range domainParts(u.Hostname()) {
		out = append(out, tags.RawTag{
			Raw:        d,
			Link:       u.Scheme + "://" + d,
			Categories: []model.TagCategory{model.CategoryNetworkDomain},
		})
	}
	return out, nil
}

func domainParts(host string) []string {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	var parts []string
	for strings.Contains(host, ".") {
		parts = append(parts, host)
		_, host, _ = strings.Cut(host, ".")
	}
	return parts
}

// NativeTags passes the tags a feed attached to the entry. They skip the
// normalizer pipeline so a feed cannot inflate or rewrite the vocabulary.
func NativeTags(_ context.Context, _ model.Feed, entry model.Entry) ([]tags.RawTag, error) {
	out := make([]tags.RawTag, 0, len(entry.ExternalTags))
	for _, t := range entry.ExternalTags {
		out = append(out, tags.RawTag{
			Raw:        t,
			Mode:       tags.ModeFinal,
			Categories: []model.TagCategory{model.CategoryFeedTag},
		})
	}
	return out, nil
}

// UpperCaseTitle marks entries whose title is written in capitals.
func UpperCaseTitle(_ context.Context, _ model.Feed, entry model.Entry) ([]tags.RawTag, error) {
	if !isUpper(entry.Title) {
		return nil, nil
	}
	return []tags.RawTag{{
		Raw:        "upper-case-title",
		Mode:       tags.ModeFinal,
		Categories: []model.TagCategory{model.CategorySpecial},
	}}, nil
}

// isUpper reports whether s has cased letters and all of them are upper case.
func isUpper(s string) bool {
	cased := false
	for _, r := range s {
		if unicode.IsLower(r) || unicode.IsTitle(r) {
			return false
		}
		if unicode.IsUpper(r) {
			cased = true
		}
	}
	return cased
}
