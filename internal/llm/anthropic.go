package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

var anthropicModels = []ModelInfo{
	{Name: "claude-haiku-4-5", MaxContextSize: 200_000, MaxReturnTokens: 64_000, MaxTokensPerEntry: 15_000, InputCost: 1, OutputCost: 5},
	{Name: "claude-sonnet-4-5", MaxContextSize: 200_000, MaxReturnTokens: 64_000, MaxTokensPerEntry: 15_000, InputCost: 3, OutputCost: 15},
}

// Anthropic is the Anthropic messages provider.
type Anthropic struct {
	baseURL string
}

// NewAnthropic creates the provider. An empty baseURL uses the public API.
func NewAnthropic(baseURL string) *Anthropic {
	return &Anthropic{baseURL: baseURL}
}

// Name implements Provider.
func (p *Anthropic) Name() string { return "anthropic" }

// Model implements Provider.
func (p *Anthropic) Model(name string) (ModelInfo, bool) { return lookupModel(anthropicModels, name) }

// EstimateTokens implements Provider.
func (p *Anthropic) EstimateTokens(_, system, text string) int { return estimateByLength(system, text) }

// ChatRequest implements Provider.
func (p *Anthropic) ChatRequest(ctx context.Context, apiKey string, req Request) (Response, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	client := anthropic.NewClient(opts...)

	resp, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxReturnTokens),
		System:    []anthropic.TextBlockParam{{Text: req.System}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Text)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return Response{}, &Error{Provider: p.Name(), Kind: kindForStatus(apiErr.StatusCode), StatusCode: apiErr.StatusCode, Err: err}
		}
		return Response{}, &Error{Provider: p.Name(), Kind: KindUnknown, Err: err}
	}

	var content strings.Builder
	for _, block := range resp.Content {
		content.WriteString(block.Text)
	}
	out := Response{
		Content:      content.String(),
		FinishReason: string(resp.StopReason),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	switch out.FinishReason {
	case "end_turn", "max_tokens", "stop_sequence", "":
		return out, nil
	case "refusal":
		return out, &Error{Provider: p.Name(), Kind: KindProhibitedContent, Reason: out.FinishReason}
	case "tool_use":
		return out, &Error{Provider: p.Name(), Kind: KindMalformedFunctionCall, Reason: out.FinishReason}
	default:
		return out, &Error{Provider: p.Name(), Kind: KindUnknownFinishReason, Reason: out.FinishReason}
	}
}
