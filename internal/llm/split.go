package llm

import (
	"errors"
	"fmt"
)

// Configuration errors of text splitting.
var (
	ErrTextParts     = errors.New("text parts must be at least 1")
	ErrOverlap       = errors.New("text overlap must be smaller than the part size")
	ErrContextTooBig = errors.New("system prompt and return tokens do not fit the model context")
)

// SplitText cuts text into roughly parts pieces, each sharing overlap
// characters with the next one. A single part returns the text unchanged.
func SplitText(text string, parts, overlap int) ([]string, error) {
	if parts < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrTextParts, parts)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: negative overlap %d", ErrOverlap, overlap)
	}
	runes := []rune(text)
	if parts == 1 || len(runes) == 0 {
		return []string{text}, nil
	}

	size := len(runes)/parts + overlap/2
	if overlap >= size {
		return nil, fmt.Errorf("%w: overlap %d, part size %d", ErrOverlap, overlap, size)
	}

	var out []string
	for i := 0; i < len(runes); i += size - overlap {
		out = append(out, string(runes[i:min(i+size, len(runes))]))
	}
	return out, nil
}

// PrepareConfig holds the request settings of a processor.
type PrepareConfig struct {
	Model           string
	System          string
	MaxReturnTokens int
	TextParts       int
	TextOverlap     int
}

// PrepareRequests splits text into as few requests as possible, starting at
// cfg.TextParts, so that every request fits the model context.
func PrepareRequests(p Provider, cfg PrepareConfig, text string) ([]Request, error) {
	info, ok := p.Model(cfg.Model)
	if !ok {
		return nil, fmt.Errorf("%s: unknown model %q", p.Name(), cfg.Model)
	}
	maxReturn := cfg.MaxReturnTokens
	if maxReturn <= 0 || maxReturn > info.MaxReturnTokens {
		maxReturn = info.MaxReturnTokens
	}
	available := info.MaxContextSize - maxReturn - p.EstimateTokens(cfg.Model, cfg.System, "")
	if available <= 0 {
		return nil, fmt.Errorf("%s %s: %w", p.Name(), cfg.Model, ErrContextTooBig)
	}

	parts := max(cfg.TextParts, p.EstimateTokens(cfg.Model, "", text)/available)
	if parts < 1 {
		parts = 1
	}
	limit := len([]rune(text)) + 1
	for ; parts <= limit; parts++ {
		chunks, err := SplitText(text, parts, cfg.TextOverlap)
		if err != nil {
			return nil, err
		}
		if !fits(p, cfg, chunks, info.MaxContextSize-maxReturn) {
			continue
		}
		reqs := make([]Request, len(chunks))
		for i, c := range chunks {
			reqs[i] = Request{Model: cfg.Model, System: cfg.System, Text: c, MaxReturnTokens: maxReturn}
		}
		return reqs, nil
	}
	return nil, fmt.Errorf("%s %s: text does not fit the model context", p.Name(), cfg.Model)
}

func fits(p Provider, cfg PrepareConfig, chunks []string, budget int) bool {
	for _, c := range chunks {
		if p.EstimateTokens(cfg.Model, cfg.System, c) > budget {
			return false
		}
	}
	return true
}

// EstimateUsage returns the upper bound of tokens the requests can consume.
func EstimateUsage(p Provider, reqs []Request) int64 {
	var total int64
	for _, r := range reqs {
		total += int64(p.EstimateTokens(r.Model, r.System, r.Text) + r.MaxReturnTokens)
	}
	return total
}
