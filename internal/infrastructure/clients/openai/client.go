package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zatekoja/claimvalidation/internal/domain/providers"
	"github.com/zatekoja/claimvalidation/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultBaseURL = "https://api.openai.com/v1"

// maxErrorBody bounds how much of a failed response is kept for classification.
const maxErrorBody = 4096

// Client implements providers.LLMClient against an OpenAI-compatible
// chat completions endpoint with JSON schema response formatting.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	limiter    *tokenBucket
}

// NewClient creates a new OpenAI client.
func NewClient(cfg *config.LLMConfig) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("llm api key is required")
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: newTokenBucket(cfg.RateLimitRPM, cfg.RateLimitBurst),
	}, nil
}

// Model returns the model name sent with each request
func (c *Client) Model() string {
	return c.model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// GenerateStructured sends one chat completion constrained to req.Schema and
// returns the JSON document from the first choice. Rate limit responses wrap
// providers.ErrLLMRateLimited.
func (c *Client) GenerateStructured(ctx context.Context, req providers.StructuredRequest) ([]byte, error) {
	if len(req.Schema) == 0 {
		return nil, errors.New("response schema is required")
	}

	if c.limiter != nil {
		waitStart := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			recordLLMMetric(ctx, c.model, req.Name, 0, 0, err)
			return nil, err
		}
		recordLLMRateLimitWait(ctx, c.model, time.Since(waitStart))
	}

	name := req.Name
	if name == "" {
		name = "structured_output"
	}
	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.UserPrompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		ResponseFormat: responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchemaFormat{Name: name, Schema: req.Schema, Strict: true},
		},
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		recordLLMMetric(ctx, c.model, name, 0, time.Since(start), err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := classifyFailure(resp.StatusCode, errBody)
		recordLLMMetric(ctx, c.model, name, resp.StatusCode, time.Since(start), err)
		return nil, err
	}

	var envelope chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		recordLLMMetric(ctx, c.model, name, resp.StatusCode, time.Since(start), err)
		return nil, fmt.Errorf("failed to decode llm response: %w", err)
	}
	if len(envelope.Choices) == 0 {
		err := errors.New("llm response has no choices")
		recordLLMMetric(ctx, c.model, name, resp.StatusCode, time.Since(start), err)
		return nil, err
	}

	choice := envelope.Choices[0]
	if choice.Message.Refusal != "" {
		err := fmt.Errorf("llm refused request: %s", choice.Message.Refusal)
		recordLLMMetric(ctx, c.model, name, resp.StatusCode, time.Since(start), err)
		return nil, err
	}

	content := stripCodeFence(choice.Message.Content)
	if content == "" {
		err := errors.New("llm response missing content")
		recordLLMMetric(ctx, c.model, name, resp.StatusCode, time.Since(start), err)
		return nil, err
	}
	if !json.Valid([]byte(content)) {
		err := errors.New("llm response is not valid json")
		recordLLMMetric(ctx, c.model, name, resp.StatusCode, time.Since(start), err)
		return nil, err
	}

	recordLLMMetric(ctx, c.model, name, resp.StatusCode, time.Since(start), nil)
	return []byte(content), nil
}

func classifyFailure(statusCode int, body []byte) error {
	text := string(body)
	if statusCode == http.StatusTooManyRequests ||
		strings.Contains(text, "RESOURCE_EXHAUSTED") ||
		strings.Contains(text, "rate_limit") {
		return fmt.Errorf("%w: llm request failed with status %d", providers.ErrLLMRateLimited, statusCode)
	}
	return fmt.Errorf("llm request failed with status %d: %s", statusCode, strings.TrimSpace(text))
}

// stripCodeFence removes a Markdown code block some models wrap around JSON
func stripCodeFence(text string) string {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```json") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimSuffix(cleaned, "```")
	} else if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(cleaned, "```")
	}
	return strings.TrimSpace(cleaned)
}

func newTokenBucket(rpm int, burst int) *tokenBucket {
	if rpm == 0 {
		rpm = 60
	}
	if rpm < 0 {
		return nil
	}
	if burst <= 0 {
		burst = 5
	}
	return newTokenBucketWithRate(rpm, burst)
}

type tokenBucket struct {
	tokens chan struct{}
}

func newTokenBucketWithRate(rpm int, burst int) *tokenBucket {
	bucket := &tokenBucket{
		tokens: make(chan struct{}, burst),
	}

	for i := 0; i < burst; i++ {
		bucket.tokens <- struct{}{}
	}

	interval := time.Minute / time.Duration(rpm)
	if interval <= 0 {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			select {
			case bucket.tokens <- struct{}{}:
			default:
			}
		}
	}()

	return bucket
}

func (b *tokenBucket) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.tokens:
		return nil
	}
}

type llmMetrics struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	requestErrors   metric.Int64Counter
	rateLimitWait   metric.Float64Histogram
}

var llmMetricsInit = false
var clientMetrics llmMetrics

func ensureLLMMetrics() {
	if llmMetricsInit {
		return
	}
	meter := otel.Meter("github.com/zatekoja/claimvalidation/openai")

	requestCount, err := meter.Int64Counter(
		"llm.request.count",
		metric.WithDescription("Number of LLM requests"),
	)
	if err != nil {
		return
	}
	requestDuration, err := meter.Float64Histogram(
		"llm.request.duration",
		metric.WithDescription("LLM request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return
	}
	requestErrors, err := meter.Int64Counter(
		"llm.request.errors",
		metric.WithDescription("Number of LLM request errors"),
	)
	if err != nil {
		return
	}
	rateLimitWait, err := meter.Float64Histogram(
		"llm.rate_limit.wait",
		metric.WithDescription("Time spent waiting for the LLM rate limiter in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return
	}

	clientMetrics = llmMetrics{
		requestCount:    requestCount,
		requestDuration: requestDuration,
		requestErrors:   requestErrors,
		rateLimitWait:   rateLimitWait,
	}
	llmMetricsInit = true
}

func recordLLMMetric(ctx context.Context, model, schema string, statusCode int, duration time.Duration, err error) {
	ensureLLMMetrics()
	if !llmMetricsInit {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("ai.provider", "openai"),
		attribute.String("ai.model", model),
		attribute.String("ai.schema", schema),
	}
	if statusCode > 0 {
		attrs = append(attrs, attribute.Int("http.status_code", statusCode))
	}

	clientMetrics.requestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	clientMetrics.requestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		clientMetrics.requestErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func recordLLMRateLimitWait(ctx context.Context, model string, wait time.Duration) {
	ensureLLMMetrics()
	if !llmMetricsInit {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("ai.provider", "openai"),
		attribute.String("ai.model", model),
	}
	clientMetrics.rateLimitWait.Record(ctx, float64(wait.Milliseconds()), metric.WithAttributes(attrs...))
}
