package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func jsonServer(t *testing.T, status int, payload any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func openAICompletion(finishReason, content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []any{map[string]any{
			"index":         0,
			"finish_reason": finishReason,
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 30, "completion_tokens": 4, "total_tokens": 34},
	}
}

func TestOpenAIChatRequest(t *testing.T) {
	server := jsonServer(t, http.StatusOK, openAICompletion("stop", "@go"))
	p := NewOpenAI(server.URL + "/v1/")

	resp, err := p.ChatRequest(context.Background(), "sk-test", Request{Model: "gpt-4o-mini", System: "s", Text: "t", MaxReturnTokens: 16})
	if err != nil {
		t.Fatalf("ChatRequest: %v", err)
	}
	want := Response{Content: "@go", FinishReason: "stop", InputTokens: 30, OutputTokens: 4}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenAIErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload any
		want    Kind
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, payload: map[string]any{"error": map[string]any{"message": "bad key"}}, want: KindAuth},
		{name: "rate limited", status: http.StatusTooManyRequests, payload: map[string]any{"error": map[string]any{"message": "slow"}}, want: KindQuota},
		{name: "content filter", status: http.StatusOK, payload: openAICompletion("content_filter", ""), want: KindProhibitedContent},
		{name: "unexpected finish", status: http.StatusOK, payload: openAICompletion("mystery", "x"), want: KindUnknownFinishReason},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := jsonServer(t, tt.status, tt.payload)
			p := NewOpenAI(server.URL + "/v1/")
			_, err := p.ChatRequest(context.Background(), "sk-test", Request{Model: "gpt-4o-mini", Text: "t", MaxReturnTokens: 16})
			if got := KindOf(err); got != tt.want {
				t.Errorf("kind = %s, want %s (err: %v)", got, tt.want, err)
			}
		})
	}
}

func anthropicMessage(stopReason string) map[string]any {
	return map[string]any{
		"id":          "msg_1",
		"type":        "message",
		"role":        "assistant",
		"model":       "claude-haiku-4-5",
		"content":     []any{map[string]any{"type": "text", "text": "@rust\n@go"}},
		"stop_reason": stopReason,
		"usage":       map[string]any{"input_tokens": 50, "output_tokens": 6},
	}
}

func TestAnthropicChatRequest(t *testing.T) {
	server := jsonServer(t, http.StatusOK, anthropicMessage("end_turn"))
	p := NewAnthropic(server.URL)

	resp, err := p.ChatRequest(context.Background(), "key", Request{Model: "claude-haiku-4-5", System: "s", Text: "t", MaxReturnTokens: 16})
	if err != nil {
		t.Fatalf("ChatRequest: %v", err)
	}
	want := Response{Content: "@rust\n@go", FinishReason: "end_turn", InputTokens: 50, OutputTokens: 6}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestAnthropicErrors(t *testing.T) {
	apiError := func(typ string) map[string]any {
		return map[string]any{"type": "error", "error": map[string]any{"type": typ, "message": typ}}
	}
	tests := []struct {
		name    string
		status  int
		payload any
		want    Kind
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, payload: apiError("authentication_error"), want: KindAuth},
		{name: "rate limited", status: http.StatusTooManyRequests, payload: apiError("rate_limit_error"), want: KindQuota},
		{name: "refusal", status: http.StatusOK, payload: anthropicMessage("refusal"), want: KindProhibitedContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := jsonServer(t, tt.status, tt.payload)
			p := NewAnthropic(server.URL)
			_, err := p.ChatRequest(context.Background(), "key", Request{Model: "claude-haiku-4-5", Text: "t", MaxReturnTokens: 16})
			if got := KindOf(err); got != tt.want {
				t.Errorf("kind = %s, want %s (err: %v)", got, tt.want, err)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(NewOpenAI(""), NewAnthropic(""), NewGemini("", nil), &Fake{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if diff := cmp.Diff([]string{"anthropic", "gemini", "openai", "test"}, r.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	p, err := r.Get("gemini")
	if err != nil || p.Name() != "gemini" {
		t.Errorf("Get(gemini) = %v, %v", p, err)
	}
	if _, err := r.Get("missing"); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := NewRegistry(&Fake{}, &Fake{}); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("duplicate providers: got %v", err)
	}
}

func TestFakeProvider(t *testing.T) {
	f := &Fake{}
	resp, err := f.ChatRequest(context.Background(), "k", Request{Model: FakeModel.Name, Text: "Go and Rust beat go"})
	if err != nil {
		t.Fatalf("ChatRequest: %v", err)
	}
	if resp.Content != "@go\n@rust" {
		t.Errorf("content = %q", resp.Content)
	}
	if got := len(f.Calls()); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}
