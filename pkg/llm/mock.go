package llm

import (
	"context"
	"sync"
)

// MockClient is a deterministic Client for tests and keyless deployments.
// With scripted responses it replays them in order; otherwise it echoes the
// prompt into a fixed template so downstream steps have realistic text to
// work with.
type MockClient struct {
	mu        sync.Mutex
	responses []CompletionResponse
	errs      []error
	calls     int
}

// NewMockClient creates a mock that replays the given responses. A nil or
// exhausted script falls back to the echo template.
func NewMockClient(responses []CompletionResponse) *MockClient {
	return &MockClient{responses: responses}
}

// NewFailingMockClient creates a mock whose first len(errs) calls fail with
// the given errors before the script takes over.
func NewFailingMockClient(errs []error, responses []CompletionResponse) *MockClient {
	return &MockClient{responses: responses, errs: errs}
}

// Complete implements the Client interface.
func (m *MockClient) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call := m.calls
	m.calls++

	if call < len(m.errs) {
		return CompletionResponse{}, m.errs[call]
	}

	idx := call - len(m.errs)
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}

	return CompletionResponse{Text: "Hello,\n\n" + req.Prompt + "\n\nBest regards"}, nil
}

// Calls returns how many times Complete was invoked.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
