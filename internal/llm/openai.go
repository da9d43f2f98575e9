package llm

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var openAIModels = []ModelInfo{
	{Name: "gpt-4o-mini", MaxContextSize: 128_000, MaxReturnTokens: 16_384, MaxTokensPerEntry: 15_000, InputCost: 0.15, OutputCost: 0.6},
	{Name: "gpt-4o", MaxContextSize: 128_000, MaxReturnTokens: 16_384, MaxTokensPerEntry: 15_000, InputCost: 2.5, OutputCost: 10},
	{Name: "gpt-4.1-mini", MaxContextSize: 1_047_576, MaxReturnTokens: 32_768, MaxTokensPerEntry: 30_000, InputCost: 0.4, OutputCost: 1.6},
}

// OpenAI is the OpenAI chat completions provider.
type OpenAI struct {
	baseURL string
}

// NewOpenAI creates the provider. An empty baseURL uses the public API.
func NewOpenAI(baseURL string) *OpenAI {
	return &OpenAI{baseURL: baseURL}
}

// Name implements Provider.
func (p *OpenAI) Name() string { return "openai" }

// Model implements Provider.
func (p *OpenAI) Model(name string) (ModelInfo, bool) { return lookupModel(openAIModels, name) }

// EstimateTokens implements Provider.
func (p *OpenAI) EstimateTokens(_, system, text string) int { return estimateByLength(system, text) }

// ChatRequest implements Provider.
func (p *OpenAI) ChatRequest(ctx context.Context, apiKey string, req Request) (Response, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	client := openai.NewClient(opts...)

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.Text),
		},
		MaxCompletionTokens: openai.Int(int64(req.MaxReturnTokens)),
	})
	if err != nil {
		return Response{}, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, &Error{Provider: p.Name(), Kind: KindUnknown, Reason: "no choices"}
	}

	choice := resp.Choices[0]
	out := Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	switch choice.FinishReason {
	case "stop", "length", "":
	case "content_filter":
		return out, &Error{Provider: p.Name(), Kind: KindProhibitedContent, Reason: choice.FinishReason}
	case "tool_calls", "function_call":
		return out, &Error{Provider: p.Name(), Kind: KindMalformedFunctionCall, Reason: choice.FinishReason}
	default:
		return out, &Error{Provider: p.Name(), Kind: KindUnknownFinishReason, Reason: choice.FinishReason}
	}
	if choice.Message.Refusal != "" {
		return out, &Error{Provider: p.Name(), Kind: KindPromptBlocked, Reason: choice.Message.Refusal}
	}
	return out, nil
}

func (p *OpenAI) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &Error{Provider: p.Name(), Kind: kindForStatus(apiErr.StatusCode), StatusCode: apiErr.StatusCode, Err: err}
	}
	return &Error{Provider: p.Name(), Kind: KindUnknown, Err: err}
}
