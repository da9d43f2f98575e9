package llm

import (
	"context"
	"strings"
	"sync"
	"unicode"
)

// FakeModel is the only model of the Fake provider.
var FakeModel = ModelInfo{Name: "test-model", MaxContextSize: 4_096, MaxReturnTokens: 256, MaxTokensPerEntry: 10_000}

// Fake is a deterministic in-process provider registered as "test". It is
// used by tests and for dry runs of a pipeline.
type Fake struct {
	// Respond overrides the default reply when set.
	Respond func(apiKey string, req Request) (Response, error)

	mu    sync.Mutex
	calls []FakeCall
}

// FakeCall records one ChatRequest.
type FakeCall struct {
	APIKey  string
	Request Request
}

// Name implements Provider.
func (f *Fake) Name() string { return "test" }

// Model implements Provider.
func (f *Fake) Model(name string) (ModelInfo, bool) {
	return lookupModel([]ModelInfo{FakeModel}, name)
}

// EstimateTokens implements Provider.
func (f *Fake) EstimateTokens(_, system, text string) int { return estimateByLength(system, text) }

// ChatRequest implements Provider. Without Respond it answers with one @tag
// line per distinct capitalized word of the text.
func (f *Fake) ChatRequest(ctx context.Context, apiKey string, req Request) (Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{APIKey: apiKey, Request: req})
	respond := f.Respond
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Response{}, &Error{Provider: f.Name(), Kind: KindUnknown, Err: err}
	}
	if respond != nil {
		return respond(apiKey, req)
	}

	var lines []string
	seen := make(map[string]bool)
	for _, w := range strings.FieldsFunc(req.Text, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }) {
		first := []rune(w)[0]
		if !unicode.IsUpper(first) || seen[strings.ToLower(w)] {
			continue
		}
		seen[strings.ToLower(w)] = true
		lines = append(lines, "@"+strings.ToLower(w))
	}
	content := strings.Join(lines, "\n")
	return Response{
		Content:      content,
		FinishReason: "stop",
		InputTokens:  int64(f.EstimateTokens(req.Model, req.System, req.Text)),
		OutputTokens: int64(len(content)/charsPerToken + 1),
	}, nil
}

// Calls returns the recorded calls.
func (f *Fake) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}
