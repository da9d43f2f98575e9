package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type capturedRequest struct {
	mu   sync.Mutex
	path string
	key  string
	body geminiRequestBody
}

type geminiRequestBody struct {
	SystemInstruction struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"systemInstruction"`
	GenerationConfig struct {
		MaxOutputTokens int `json:"maxOutputTokens"`
	} `json:"generationConfig"`
	SafetySettings []struct {
		Threshold string `json:"threshold"`
	} `json:"safetySettings"`
}

func (c *capturedRequest) get() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path, c.key
}

func geminiServer(t *testing.T, status int, payload any) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body geminiRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		captured.mu.Lock()
		captured.path, captured.key, captured.body = r.URL.Path, r.Header.Get("x-goog-api-key"), body
		captured.mu.Unlock()
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	t.Cleanup(server.Close)
	return server, captured
}

func googleError(code int, status string) map[string]any {
	return map[string]any{"error": map[string]any{"code": code, "message": "request rejected", "status": status}}
}

func TestGeminiChatRequest(t *testing.T) {
	server, captured := geminiServer(t, http.StatusOK, map[string]any{
		"candidates": []any{
			map[string]any{
				"content":      map[string]any{"parts": []any{map[string]any{"text": "@go\n"}, map[string]any{"text": "@rust"}}},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]any{"promptTokenCount": 120, "candidatesTokenCount": 8, "totalTokenCount": 128},
	})

	p := NewGemini(server.URL, server.Client())
	resp, err := p.ChatRequest(context.Background(), "secret", Request{Model: "gemini-2.0-flash", System: "sys", Text: "hello", MaxReturnTokens: 64})
	if err != nil {
		t.Fatalf("ChatRequest: %v", err)
	}
	want := Response{Content: "@go\n@rust", FinishReason: "STOP", InputTokens: 120, OutputTokens: 8}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	path, key := captured.get()
	if path != "/v1beta/models/gemini-2.0-flash:generateContent" {
		t.Errorf("path = %q", path)
	}
	if key != "secret" {
		t.Errorf("api key not sent")
	}
	captured.mu.Lock()
	body := captured.body
	captured.mu.Unlock()
	if len(body.SystemInstruction.Parts) != 1 || body.SystemInstruction.Parts[0].Text != "sys" {
		t.Errorf("system instruction = %+v", body.SystemInstruction)
	}
	if body.GenerationConfig.MaxOutputTokens != 64 {
		t.Errorf("maxOutputTokens = %d, want 64", body.GenerationConfig.MaxOutputTokens)
	}
	if len(body.SafetySettings) != 4 || body.SafetySettings[0].Threshold != "BLOCK_NONE" {
		t.Errorf("safety settings = %+v", body.SafetySettings)
	}
}

func TestGeminiErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload any
		want    Kind
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, payload: googleError(401, "UNAUTHENTICATED"), want: KindAuth},
		{name: "forbidden", status: http.StatusForbidden, payload: googleError(403, "PERMISSION_DENIED"), want: KindAuth},
		{name: "rate limited", status: http.StatusTooManyRequests, payload: googleError(429, "RESOURCE_EXHAUSTED"), want: KindQuota},
		{name: "bad request", status: http.StatusBadRequest, payload: googleError(400, "INVALID_ARGUMENT"), want: KindInvalidRequest},
		{name: "unknown model", status: http.StatusNotFound, payload: googleError(404, "NOT_FOUND"), want: KindInvalidRequest},
		{name: "server error", status: http.StatusInternalServerError, payload: googleError(500, "INTERNAL"), want: KindUnknown},
		{
			name:   "prompt blocked",
			status: http.StatusOK,
			payload: map[string]any{
				"promptFeedback": map[string]any{"blockReason": "SAFETY"},
			},
			want: KindPromptBlocked,
		},
		{
			name:   "prohibited content",
			status: http.StatusOK,
			payload: map[string]any{
				"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{}}, "finishReason": "PROHIBITED_CONTENT"}},
			},
			want: KindProhibitedContent,
		},
		{
			name:   "malformed function call",
			status: http.StatusOK,
			payload: map[string]any{
				"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{}}, "finishReason": "MALFORMED_FUNCTION_CALL"}},
			},
			want: KindMalformedFunctionCall,
		},
		{
			name:   "new finish reason",
			status: http.StatusOK,
			payload: map[string]any{
				"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{}}, "finishReason": "SOMETHING_NEW"}},
			},
			want: KindUnknownFinishReason,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := geminiServer(t, tt.status, tt.payload)
			p := NewGemini(server.URL, server.Client())
			_, err := p.ChatRequest(context.Background(), "secret", Request{Model: "gemini-2.0-flash", Text: "x", MaxReturnTokens: 8})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := KindOf(err); got != tt.want {
				t.Errorf("kind = %s, want %s (err: %v)", got, tt.want, err)
			}
			if strings.Contains(err.Error(), "secret") {
				t.Errorf("error leaks the api key: %v", err)
			}
		})
	}
}

func TestGeminiCanceled(t *testing.T) {
	server, _ := geminiServer(t, http.StatusOK, map[string]any{})
	p := NewGemini(server.URL, server.Client())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.ChatRequest(ctx, "secret", Request{Model: "gemini-2.0-flash", Text: "x"})
	if ActionFor(err) != ActionRetry {
		t.Errorf("action = %s, want retry", ActionFor(err))
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("error leaks the api key: %v", err)
	}
}
