package mock

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/poiesic/idp/ai"
	"github.com/poiesic/idp/core"
)

// MockEnhancer is a test double for ai.Enhancer.
type MockEnhancer struct {
	// EnhanceFunc is called by Enhance if set.
	// If nil, the input text is returned wrapped in the requested format.
	EnhanceFunc func(ctx context.Context, req ai.EnhanceRequest) (*ai.Enhancement, error)

	callCount atomic.Int64
}

var _ ai.Enhancer = (*MockEnhancer)(nil)

// NewMockEnhancer creates a mock enhancer with default pass-through behavior.
func NewMockEnhancer() *MockEnhancer {
	return &MockEnhancer{}
}

// Enhance returns the text under a heading (markdown) or as a JSON document.
func (m *MockEnhancer) Enhance(ctx context.Context, req ai.EnhanceRequest) (*ai.Enhancement, error) {
	m.callCount.Add(1)

	if m.EnhanceFunc != nil {
		return m.EnhanceFunc(ctx, req)
	}

	if req.Format == core.OutputFormatJSON {
		doc, err := json.Marshal(map[string]any{
			"title":    "Document",
			"sections": []map[string]string{{"heading": "Body", "content": req.Text}},
			"tables":   []any{},
			"metadata": map[string]any{},
		})
		if err != nil {
			return nil, err
		}
		return &ai.Enhancement{Content: string(doc), Model: "mock"}, nil
	}
	return &ai.Enhancement{Content: "# Document\n\n" + req.Text, Model: "mock"}, nil
}

// CallCount returns the number of Enhance calls.
func (m *MockEnhancer) CallCount() int {
	return int(m.callCount.Load())
}

// Reset clears the call count and injected behavior.
func (m *MockEnhancer) Reset() {
	m.callCount.Store(0)
	m.EnhanceFunc = nil
}
