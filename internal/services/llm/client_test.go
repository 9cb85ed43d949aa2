package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sieve/internal/services"
)

func serveChoices(t *testing.T, payload map[string]any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestCompleteJSONReturnsContentAndUsage(t *testing.T) {
	var gotAuth, gotTitle string
	var gotBody chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTitle = r.Header.Get("X-Title")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "demo-model-2025",
			"choices": []any{
				map[string]any{"message": map[string]any{"content": `{"sentiment":-0.4}`}},
			},
			"usage": map[string]any{"prompt_tokens": 120, "completion_tokens": 30},
		})
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model", Title: "sieve"})
	completion, err := client.CompleteJSON(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("CompleteJSON: %v", err)
	}
	if completion.Content != `{"sentiment":-0.4}` || completion.Model != "demo-model-2025" {
		t.Fatalf("unexpected completion %#v", completion)
	}
	if completion.TotalTokens() != 150 {
		t.Fatalf("expected 150 tokens, got %d", completion.TotalTokens())
	}
	if gotAuth != "Bearer test" || gotTitle != "sieve" {
		t.Fatalf("unexpected headers auth=%q title=%q", gotAuth, gotTitle)
	}
	if gotBody.Model != "demo-model" || gotBody.ResponseFormat["type"] != "json_object" || len(gotBody.Messages) != 2 {
		t.Fatalf("unexpected request body %#v", gotBody)
	}
}

func TestClientHealthCheckCodeFence(t *testing.T) {
	server := serveChoices(t, map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"content": "```json\n{\"ok\":true}\n```"}},
		},
	})
	client := NewClient(Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model"})
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck returned error: %v", err)
	}
}

func TestCompleteJSONToolCallArguments(t *testing.T) {
	server := serveChoices(t, map[string]any{
		"choices": []any{
			map[string]any{
				"finish_reason": "tool_calls",
				"message": map[string]any{
					"content": "",
					"tool_calls": []any{
						map[string]any{
							"type": "function",
							"id":   "call_1",
							"function": map[string]any{
								"name":      "analyze",
								"arguments": `{"themes":["export"]}`,
							},
						},
					},
				},
			},
		},
	})
	client := NewClient(Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model"})
	completion, err := client.CompleteJSON(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("CompleteJSON: %v", err)
	}
	if !strings.Contains(completion.Content, "themes") {
		t.Fatalf("expected tool call arguments, got %q", completion.Content)
	}
}

func TestCompleteJSONDeltaAndLegacyText(t *testing.T) {
	cases := map[string]map[string]any{
		"delta": {"choices": []any{map[string]any{"delta": map[string]any{"content": `{"a":1}`}}}},
		"text":  {"choices": []any{map[string]any{"text": `{"a":1}`, "finish_reason": "stop"}}},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			server := serveChoices(t, payload)
			client := NewClient(Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model"})
			completion, err := client.CompleteJSON(context.Background(), "system", "user")
			if err != nil {
				t.Fatalf("CompleteJSON: %v", err)
			}
			if completion.Content != `{"a":1}` {
				t.Fatalf("unexpected content %q", completion.Content)
			}
		})
	}
}

func TestCompleteJSONEmptyContentIsTransient(t *testing.T) {
	server := serveChoices(t, map[string]any{
		"choices": []any{
			map[string]any{"finish_reason": "stop", "message": map[string]any{"content": ""}},
		},
	})
	client := NewClient(Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model"})
	_, err := client.CompleteJSON(context.Background(), "system", "user")
	if err == nil {
		t.Fatal("expected empty content to fail")
	}
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !strings.Contains(err.Error(), "response_snippet=") {
		t.Fatalf("expected snippet in error, got %v", err)
	}
}

func TestCompleteJSONRateLimitCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limited"})
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model"})
	_, err := client.CompleteJSON(context.Background(), "system", "user")
	if !errors.Is(err, services.ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if delay, ok := services.RetryAfter(err); !ok || delay != 2*time.Second {
		t.Fatalf("RetryAfter = %v %v", delay, ok)
	}
}

func TestCompleteJSONStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadGateway, services.ErrTransient},
		{http.StatusUnauthorized, services.ErrFatalConfig},
		{http.StatusBadRequest, services.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()
			client := NewClient(Config{APIKey: "test", BaseURL: server.URL, Model: "demo"})
			_, err := client.CompleteJSON(context.Background(), "system", "user")
			if !errors.Is(err, tt.want) {
				t.Fatalf("status %d: got %v, want %v", tt.status, err, tt.want)
			}
		})
	}
}

func TestCompleteJSONRequiresAPIKey(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1", Model: "demo"})
	_, err := client.CompleteJSON(context.Background(), "system", "user")
	if !errors.Is(err, services.ErrFatalConfig) {
		t.Fatalf("expected fatal config error, got %v", err)
	}
}

func TestCompleteJSONTimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test", BaseURL: server.URL, Model: "demo"},
		WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	_, err := client.CompleteJSON(context.Background(), "system", "user")
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
}

func TestDecodeJSONStripsProse(t *testing.T) {
	var out struct {
		Title string `json:"title"`
	}
	if err := DecodeJSON("Here you go:\n{\"title\":\"Faster exports\"}\nThanks", &out); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if out.Title != "Faster exports" {
		t.Fatalf("unexpected title %q", out.Title)
	}
	if err := DecodeJSON("   ", &out); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestDecodeJSONHandlesFencesAndTrailingText(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []string
		wantErr bool
	}{
		{name: "fenced array", in: "```json\n[\"a\",\"b\"]\n```", want: []string{"a", "b"}},
		{name: "trailing prose", in: `["a"] hope this helps`, want: []string{"a"}},
		{name: "no json", in: "sorry, I cannot help", wantErr: true},
		{name: "broken json", in: `Result: ["a",`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			err := DecodeJSON(tt.in, &got)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, decoded %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeJSON: %v", err)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}
