package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zatekoja/claimvalidation/internal/domain/providers"
	"github.com/zatekoja/claimvalidation/pkg/config"
)

var testSchema = json.RawMessage(`{"type":"object","properties":{"ok":{"type":"boolean"}},"required":["ok"],"additionalProperties":false}`)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(&config.LLMConfig{
		APIKey:       "test-key",
		Model:        "test-model",
		BaseURL:      server.URL + "/",
		Timeout:      5 * time.Second,
		RateLimitRPM: -1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return client
}

func chatBody(content string) string {
	payload, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}, "finish_reason": "stop"},
		},
	})
	return string(payload)
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	if _, err := NewClient(&config.LLMConfig{}); err == nil {
		t.Fatal("expected error for missing api key")
	}
	if _, err := NewClient(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestGenerateStructured_SendsSchemaAndReturnsContent(t *testing.T) {
	var captured chatRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		_, _ = w.Write([]byte(chatBody("```json\n{\"ok\": true}\n```")))
	})

	out, err := client.GenerateStructured(context.Background(), providers.StructuredRequest{
		Name:         "medical_review",
		SystemPrompt: "system",
		UserPrompt:   "user",
		Schema:       testSchema,
		Temperature:  0.1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"ok": true}` {
		t.Errorf("unexpected content %q", out)
	}

	if captured.Model != "test-model" {
		t.Errorf("expected model test-model, got %s", captured.Model)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Errorf("unexpected messages %+v", captured.Messages)
	}
	if captured.ResponseFormat.Type != "json_schema" || captured.ResponseFormat.JSONSchema == nil {
		t.Fatalf("expected json_schema response format, got %+v", captured.ResponseFormat)
	}
	if !captured.ResponseFormat.JSONSchema.Strict || captured.ResponseFormat.JSONSchema.Name != "medical_review" {
		t.Errorf("unexpected schema format %+v", captured.ResponseFormat.JSONSchema)
	}
}

func TestGenerateStructured_ClassifiesRateLimits(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "429", status: http.StatusTooManyRequests, body: `{"error":{"message":"slow down"}}`},
		{name: "resource exhausted", status: http.StatusServiceUnavailable, body: `{"error":{"status":"RESOURCE_EXHAUSTED"}}`},
		{name: "rate_limit code", status: http.StatusBadRequest, body: `{"error":{"code":"rate_limit_exceeded"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.GenerateStructured(context.Background(), providers.StructuredRequest{UserPrompt: "x", Schema: testSchema})
			if !errors.Is(err, providers.ErrLLMRateLimited) {
				t.Fatalf("expected rate limit error, got %v", err)
			}
		})
	}
}

func TestGenerateStructured_OtherFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "server error", handler: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{name: "no choices", handler: func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}},
		{name: "not json", handler: func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(chatBody("the claim looks fine")))
		}},
		{name: "refusal", handler: func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"","refusal":"cannot help"}}]}`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.handler)
			_, err := client.GenerateStructured(context.Background(), providers.StructuredRequest{UserPrompt: "x", Schema: testSchema})
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, providers.ErrLLMRateLimited) {
				t.Fatalf("did not expect rate limit classification: %v", err)
			}
		})
	}
}

func TestGenerateStructured_RequiresSchema(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})
	if _, err := client.GenerateStructured(context.Background(), providers.StructuredRequest{UserPrompt: "x"}); err == nil {
		t.Fatal("expected error for missing schema")
	}
}

func TestTokenBucket_WaitHonoursContext(t *testing.T) {
	bucket := newTokenBucketWithRate(1, 1)
	if err := bucket.Wait(context.Background()); err != nil {
		t.Fatalf("first token should be available: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := bucket.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
