package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

const geminiAPIVersion = "v1beta"

var geminiModels = []ModelInfo{
	{Name: "gemini-2.0-flash", MaxContextSize: 1_048_576, MaxReturnTokens: 8_192, MaxTokensPerEntry: 30_000, InputCost: 0.1, OutputCost: 0.4},
	{Name: "gemini-2.5-flash", MaxContextSize: 1_048_576, MaxReturnTokens: 65_536, MaxTokensPerEntry: 30_000, InputCost: 0.3, OutputCost: 2.5},
}

var geminiSafetyCategories = []genai.HarmCategory{
	genai.HarmCategoryHateSpeech,
	genai.HarmCategorySexuallyExplicit,
	genai.HarmCategoryDangerousContent,
	genai.HarmCategoryHarassment,
}

// Gemini is the Google generateContent provider.
type Gemini struct {
	baseURL    string
	httpClient *http.Client
}

// NewGemini creates the provider. An empty baseURL uses the public API.
func NewGemini(baseURL string, httpClient *http.Client) *Gemini {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Gemini{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Name implements Provider.
func (p *Gemini) Name() string { return "gemini" }

// Model implements Provider.
func (p *Gemini) Model(name string) (ModelInfo, bool) { return lookupModel(geminiModels, name) }

// EstimateTokens implements Provider.
func (p *Gemini) EstimateTokens(_, system, text string) int { return estimateByLength(system, text) }

// ChatRequest implements Provider.
func (p *Gemini) ChatRequest(ctx context.Context, apiKey string, req Request) (Response, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.baseURL, APIVersion: geminiAPIVersion},
	})
	if err != nil {
		return Response{}, &Error{Provider: p.Name(), Kind: KindUnknown, Err: fmt.Errorf("new client: %w", err)}
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: req.System}}},
		CandidateCount:    1,
		MaxOutputTokens:   int32(req.MaxReturnTokens),
		ResponseMIMEType:  "text/plain",
	}
	for _, c := range geminiSafetyCategories {
		config.SafetySettings = append(config.SafetySettings, &genai.SafetySetting{Category: c, Threshold: genai.HarmBlockThresholdBlockNone})
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Text), config)
	if err != nil {
		if status, ok := geminiStatus(err); ok {
			return Response{}, &Error{Provider: p.Name(), Kind: kindForStatus(status), StatusCode: status, Err: err}
		}
		return Response{}, &Error{Provider: p.Name(), Kind: KindUnknown, Err: err}
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return Response{}, &Error{Provider: p.Name(), Kind: KindPromptBlocked, Reason: string(resp.PromptFeedback.BlockReason)}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return Response{}, &Error{Provider: p.Name(), Kind: KindUnknown, Reason: "no candidates"}
	}

	candidate := resp.Candidates[0]
	var content strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			content.WriteString(part.Text)
		}
	}
	out := Response{Content: content.String(), FinishReason: string(candidate.FinishReason)}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}

	switch out.FinishReason {
	case "FINISH_REASON_UNSPECIFIED", "STOP", "MAX_TOKENS", "OTHER",
		"SAFETY", "RECITATION", "LANGUAGE", "BLOCKLIST", "SPII", "IMAGE_SAFETY":
		return out, nil
	case "PROHIBITED_CONTENT":
		return out, &Error{Provider: p.Name(), Kind: KindProhibitedContent, Reason: out.FinishReason}
	case "MALFORMED_FUNCTION_CALL":
		return out, &Error{Provider: p.Name(), Kind: KindMalformedFunctionCall, Reason: out.FinishReason}
	default:
		return out, &Error{Provider: p.Name(), Kind: KindUnknownFinishReason, Reason: out.FinishReason}
	}
}

// geminiStatus extracts the HTTP status of an API error returned by genai.
func geminiStatus(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}
