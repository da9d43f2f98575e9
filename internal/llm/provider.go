// Package llm talks to hosted language models behind a common provider
// interface and classifies their failures.
package llm

import (
	"context"
	"fmt"
	"sort"
)

// Request is one chat call: a system prompt and a single user message.
type Request struct {
	Model           string
	System          string
	Text            string
	MaxReturnTokens int
}

// Response is the outcome of a successful chat call.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int64
	OutputTokens int64
}

// TotalTokens returns input plus output tokens.
func (r Response) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens
}

// ModelInfo describes the limits and prices of a model.
type ModelInfo struct {
	Name              string
	MaxContextSize    int
	MaxReturnTokens   int
	MaxTokensPerEntry int
	// USD per one million tokens.
	InputCost  float64
	OutputCost float64
}

// TokensCost returns the price in USD of a call with the given usage.
func (m ModelInfo) TokensCost(input, output int64) float64 {
	return m.InputCost*float64(input)/1_000_000 + m.OutputCost*float64(output)/1_000_000
}

// Provider is a hosted model API.
type Provider interface {
	// Name is the registry key, also used in configuration.
	Name() string
	// Model returns the known limits of a model.
	Model(name string) (ModelInfo, bool)
	// EstimateTokens returns an upper estimate of the prompt size.
	EstimateTokens(model, system, text string) int
	// ChatRequest performs one call with the given key. Failures are *Error.
	ChatRequest(ctx context.Context, apiKey string, req Request) (Response, error)
}

// Registry holds the configured providers. It is built once at startup and
// read concurrently afterwards.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry, rejecting duplicate provider names.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if _, ok := r.providers[p.Name()]; ok {
			return nil, fmt.Errorf("duplicate llm provider %q", p.Name())
		}
		r.providers[p.Name()] = p
	}
	return r, nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// charsPerToken is the conservative ratio used where no tokenizer exists.
const charsPerToken = 3

// estimateByLength estimates tokens from text length, with a fixed overhead
// per message.
func estimateByLength(system, text string) int {
	const perMessage = 10
	return 2*perMessage + (len(system)+len(text))/charsPerToken + 1
}

func lookupModel(models []ModelInfo, name string) (ModelInfo, bool) {
	for _, m := range models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelInfo{}, false
}
