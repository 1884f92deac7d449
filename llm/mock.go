package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// MockClient is a deterministic, in-memory Client used by package tests
// across the repo. Responses are consumed in FIFO order per method.
type MockClient struct {
	ClientName string

	GenerateResponses           []GenerateResponse
	GenerateStructuredResponses []any // each is either a value to marshal, or an error
	StreamChunks                [][]string

	generateCalls int
	structCalls   int
	streamCalls   int
}

type GenerateResponse struct {
	Text   string
	Calls  []ToolCall
	Tokens int
	Err    error
}

func (m *MockClient) Name() string {
	if m.ClientName == "" {
		return "mock"
	}
	return m.ClientName
}

func (m *MockClient) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, int, error) {
	if m.generateCalls >= len(m.GenerateResponses) {
		return "", nil, 0, fmt.Errorf("mock: no more Generate responses queued")
	}
	r := m.GenerateResponses[m.generateCalls]
	m.generateCalls++
	return r.Text, r.Calls, r.Tokens, r.Err
}

func (m *MockClient) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, out chan<- string) ([]ToolCall, int, error) {
	var chunks []string
	if m.streamCalls < len(m.StreamChunks) {
		chunks = m.StreamChunks[m.streamCalls]
	}
	m.streamCalls++
	for _, c := range chunks {
		select {
		case out <- c:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	var calls []ToolCall
	var tokens int
	if m.generateCalls < len(m.GenerateResponses) {
		r := m.GenerateResponses[m.generateCalls]
		m.generateCalls++
		calls, tokens = r.Calls, r.Tokens
	}
	return calls, tokens, nil
}

func (m *MockClient) GenerateStructured(ctx context.Context, messages []Message, schema map[string]any, v any) error {
	if m.structCalls >= len(m.GenerateStructuredResponses) {
		return fmt.Errorf("mock: no more GenerateStructured responses queued")
	}
	resp := m.GenerateStructuredResponses[m.structCalls]
	m.structCalls++
	if err, ok := resp.(error); ok {
		return err
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

var _ Client = (*MockClient)(nil)
