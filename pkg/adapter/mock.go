package adapter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zen-systems/gdprcheck/pkg/artifact"
)

// MockAdapter returns deterministic responses for local runs and tests.
// Responses are keyed by a marker; the longest marker contained in the
// prompt wins.
type MockAdapter struct {
	mu              sync.Mutex
	responses       map[string]string
	markers         []string
	defaultResponse string
	calls           int
	Usage           *Usage
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return NewMockAdapterWithResponses(nil, "")
}

// NewMockAdapterWithResponses creates a mock adapter with predefined responses.
func NewMockAdapterWithResponses(responses map[string]string, defaultResponse string) *MockAdapter {
	if defaultResponse == "" {
		defaultResponse = "mock response:"
	}
	markers := make([]string, 0, len(responses))
	for marker := range responses {
		markers = append(markers, marker)
	}
	sort.Slice(markers, func(i, j int) bool {
		if len(markers[i]) != len(markers[j]) {
			return len(markers[i]) > len(markers[j])
		}
		return markers[i] < markers[j]
	})
	return &MockAdapter{responses: responses, markers: markers, defaultResponse: defaultResponse}
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return "mock"
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-1"}
}

// Calls returns how many prompts the adapter has answered.
func (a *MockAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Generate returns a deterministic response for the prompt.
func (a *MockAdapter) Generate(ctx context.Context, model string, prompt string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if model == "" {
		model = "mock-1"
	}
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()

	for _, marker := range a.markers {
		if strings.Contains(prompt, marker) {
			art := artifact.New(a.responses[marker], a.Name(), model, prompt)
			return &Response{Artifact: art, Usage: a.Usage}, nil
		}
	}
	content := fmt.Sprintf("%s\n%s", a.defaultResponse, prompt)
	art := artifact.New(content, a.Name(), model, prompt)
	return &Response{Artifact: art, Usage: a.Usage}, nil
}
