// Package tags canonicalizes raw tag strings into shared tag uids and runs
// them through the configured normalizer pipeline.
package tags

import (
	"html"
	"strings"
	"unicode"

	"github.com/mozillazg/go-unidecode"
	"golang.org/x/text/unicode/norm"
)

// Separator joins the parts of a uid.
const Separator = "-"

// Punctuation that carries meaning in tags is spelled out as a part so that
// "c++", "c#" and "c" stay distinct.
var encodings = []struct {
	symbol string
	part   string
}{
	{"#", "sharp"},
	{"+", "plus"},
	{".", "dot"},
}

var encoder = func() *strings.Replacer {
	var pairs []string
	for _, e := range encodings {
		pairs = append(pairs, e.symbol, Separator+e.part+Separator)
	}
	return strings.NewReplacer(pairs...)
}()

// Normalize converts a raw tag into its canonical uid: lower-case ASCII
// letters and digits joined by single dashes. Other scripts are
// transliterated, so "Москва" becomes "moskva". It is idempotent.
func Normalize(raw string) string {
	s := html.UnescapeString(raw)
	s = norm.NFKC.String(s)
	s = encoder.Replace(s)
	s = strings.ToLower(unidecode.Unidecode(s))

	var b strings.Builder
	b.Grow(len(s))
	pendingDash := false
	for _, r := range s {
		if r <= unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pendingDash && b.Len() > 0 {
				b.WriteString(Separator)
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// Parts splits a uid into its ordered parts.
func Parts(uid string) []string {
	if uid == "" {
		return nil
	}
	return strings.Split(uid, Separator)
}

// Verbose renders a uid for display, turning spelled-out punctuation parts
// back into symbols: "c-plus-plus" becomes "c++", "example-dot-com" becomes
// "example.com".
func Verbose(uid string) string {
	parts := Parts(uid)
	var b strings.Builder
	prevSymbol := true
	for _, p := range parts {
		sym, isSymbol := decode(p)
		if isSymbol {
			b.WriteString(sym)
		} else {
			if !prevSymbol {
				b.WriteString(Separator)
			}
			b.WriteString(p)
		}
		prevSymbol = isSymbol
	}
	return b.String()
}

func decode(part string) (string, bool) {
	for _, e := range encodings {
		if e.part == part {
			return e.symbol, true
		}
	}
	return "", false
}

// wrap surrounds a uid with separators so substring checks match whole parts.
func wrap(uid string) string {
	return Separator + strings.Trim(uid, Separator) + Separator
}
