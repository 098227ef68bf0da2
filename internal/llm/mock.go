package llm

import (
	"context"
	"strings"
	"sync"
)

// MockOracle is a scriptable Oracle for tests. Responses are matched by
// prompt substring first, then drained from the queue, then the default.
type MockOracle struct {
	mu sync.Mutex

	// DefaultResponse is returned when nothing else matches.
	DefaultResponse string

	// Err, when set, fails every call.
	Err error

	// ModelName reported by Model(). Defaults to "mock".
	ModelName string

	responses map[string]string // substring -> response
	queue     []string
	calls     []CompletionRequest
	function  *FunctionCall
}

// NewMockOracle creates a mock with the given default response.
func NewMockOracle(defaultResponse string) *MockOracle {
	return &MockOracle{
		DefaultResponse: defaultResponse,
		ModelName:       "mock",
		responses:       make(map[string]string),
	}
}

// RespondTo registers a canned response for prompts containing substring.
func (m *MockOracle) RespondTo(substring, response string) *MockOracle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[substring] = response
	return m
}

// QueueResponse appends a response consumed in order by subsequent calls.
func (m *MockOracle) QueueResponse(response string) *MockOracle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, response)
	return m
}

// ReturnFunctionCall scripts the next CompleteWithFunctions result.
func (m *MockOracle) ReturnFunctionCall(call *FunctionCall) *MockOracle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.function = call
	return m
}

// Calls returns a copy of every request received so far.
func (m *MockOracle) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of requests received so far.
func (m *MockOracle) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Complete implements Oracle.Complete.
func (m *MockOracle) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if m.Err != nil {
		return "", m.Err
	}
	for substring, response := range m.responses {
		if substring != "" && strings.Contains(req.Prompt, substring) {
			return response, nil
		}
	}
	if len(m.queue) > 0 {
		response := m.queue[0]
		m.queue = m.queue[1:]
		return response, nil
	}
	return m.DefaultResponse, nil
}

// CompleteWithFunctions implements Oracle.CompleteWithFunctions.
func (m *MockOracle) CompleteWithFunctions(ctx context.Context, req CompletionRequest, _ []FunctionDef) (*FunctionCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if m.Err != nil {
		return nil, m.Err
	}
	if m.function == nil {
		return nil, ErrNoFunctionCall
	}
	return m.function, nil
}

// EstimateTokens implements Oracle.EstimateTokens.
func (m *MockOracle) EstimateTokens(text string) int {
	return estimateTokens(text)
}

// Model implements Oracle.Model.
func (m *MockOracle) Model() string {
	if m.ModelName == "" {
		return "mock"
	}
	return m.ModelName
}
