package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatibleClient talks to any OpenAI-compatible chat-completions
// endpoint (OpenAI itself, or a local/self-hosted gateway). It is the one
// reference transport this repo ships — the LLM transport is otherwise
// out of scope (spec.md §1) and callers are free to supply any other
// Client implementation.
type OpenAICompatibleClient struct {
	name        string
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxRetries  int
	httpClient  *http.Client
}

// Option configures an OpenAICompatibleClient.
type Option func(*OpenAICompatibleClient)

func WithTemperature(t float64) Option { return func(c *OpenAICompatibleClient) { c.temperature = t } }
func WithMaxRetries(n int) Option      { return func(c *OpenAICompatibleClient) { c.maxRetries = n } }
func WithHTTPClient(h *http.Client) Option {
	return func(c *OpenAICompatibleClient) { c.httpClient = h }
}

// NewOpenAICompatibleClient builds a client against baseURL (e.g.
// "https://api.openai.com/v1") using model as the chat model id.
func NewOpenAICompatibleClient(baseURL, apiKey, model string, opts ...Option) *OpenAICompatibleClient {
	c := &OpenAICompatibleClient{
		name:        model,
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		temperature: 0.2,
		maxRetries:  3,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *OpenAICompatibleClient) Name() string { return c.name }

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []wireMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	Stream         bool           `json:"stream"`
	Tools          []wireTool     `json:"tools,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
		Delta   wireMessage `json:"delta"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func toWireMessages(messages []Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Args)
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(args)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []ToolDefinition) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func fromWireToolCalls(calls []wireToolCall) []ToolCall {
	out := make([]ToolCall, 0, len(calls))
	for _, wc := range calls {
		var args map[string]any
		_ = json.Unmarshal([]byte(wc.Function.Arguments), &args)
		out = append(out, ToolCall{ID: wc.ID, Name: wc.Function.Name, Args: args})
	}
	return out
}

func (c *OpenAICompatibleClient) do(ctx context.Context, req chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("llm: build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("llm: upstream %s: %s", resp.Status, string(data))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("llm: upstream %s: %s", resp.Status, string(data))
		}

		var parsed chatResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("llm: decode response: %w", err)
		}
		if parsed.Error != nil {
			return nil, fmt.Errorf("llm: %s", parsed.Error.Message)
		}
		return &parsed, nil
	}
	return nil, fmt.Errorf("llm: exhausted retries: %w", lastErr)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func (c *OpenAICompatibleClient) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, int, error) {
	resp, err := c.do(ctx, chatRequest{
		Model:       c.model,
		Messages:    toWireMessages(messages),
		Temperature: c.temperature,
		Tools:       toWireTools(tools),
	})
	if err != nil {
		return "", nil, 0, err
	}
	if len(resp.Choices) == 0 {
		return "", nil, resp.Usage.TotalTokens, fmt.Errorf("llm: empty choices")
	}
	msg := resp.Choices[0].Message
	return msg.Content, fromWireToolCalls(msg.ToolCalls), resp.Usage.TotalTokens, nil
}

func (c *OpenAICompatibleClient) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, out chan<- string) ([]ToolCall, int, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    toWireMessages(messages),
		Temperature: c.temperature,
		Tools:       toWireTools(tools),
		Stream:      true,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, 0, fmt.Errorf("llm: upstream %s: %s", resp.Status, string(data))
	}

	var calls []ToolCall
	tokens := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage.TotalTokens > 0 {
			tokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			select {
			case out <- delta.Content:
			case <-ctx.Done():
				return calls, tokens, ctx.Err()
			}
		}
		if len(delta.ToolCalls) > 0 {
			calls = append(calls, fromWireToolCalls(delta.ToolCalls)...)
		}
	}
	if err := scanner.Err(); err != nil {
		return calls, tokens, fmt.Errorf("llm: stream read: %w", err)
	}
	return calls, tokens, nil
}

// GenerateStructured requests JSON-schema-constrained output via the
// OpenAI response_format json_schema mode and unmarshals the result into
// v. Any failure here — transport, schema rejection, or invalid JSON — is
// phase-fatal for the caller, per spec.md §7.
func (c *OpenAICompatibleClient) GenerateStructured(ctx context.Context, messages []Message, schema map[string]any, v any) error {
	resp, err := c.do(ctx, chatRequest{
		Model:       c.model,
		Messages:    toWireMessages(messages),
		Temperature: c.temperature,
		ResponseFormat: map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"strict": true,
				"schema": schema,
			},
		},
	})
	if err != nil {
		return err
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("llm: empty choices")
	}
	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), v); err != nil {
		return fmt.Errorf("llm: structured output did not match schema: %w", err)
	}
	return nil
}

var _ Client = (*OpenAICompatibleClient)(nil)
