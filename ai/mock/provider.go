// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mock

import (
	"context"

	"github.com/poiesic/idp/ai"
)

// MockProvider is a test double for ai.Provider.
// It aggregates mock embedder and enhancer instances.
type MockProvider struct {
	embedder *MockEmbedder
	enhancer *MockEnhancer

	// PingFunc is called by Ping if set. If nil, Ping succeeds.
	PingFunc func(ctx context.Context) error
}

// NewMockProvider creates a new mock provider with default mock services.
// Returns the concrete type so tests can reach the mocks and PingFunc.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		embedder: NewMockEmbedder(),
		enhancer: NewMockEnhancer(),
	}
}

// NewMockProviderWithServices creates a mock provider with custom mock services.
func NewMockProviderWithServices(embedder *MockEmbedder, enhancer *MockEnhancer) *MockProvider {
	return &MockProvider{
		embedder: embedder,
		enhancer: enhancer,
	}
}

var _ ai.Provider = (*MockProvider)(nil)

// Embedder returns the mock embedder.
func (p *MockProvider) Embedder() ai.Embedder {
	return p.embedder
}

// Enhancer returns the mock enhancer.
func (p *MockProvider) Enhancer() ai.Enhancer {
	return p.enhancer
}

// Ping delegates to PingFunc.
func (p *MockProvider) Ping(ctx context.Context) error {
	if p.PingFunc != nil {
		return p.PingFunc(ctx)
	}
	return nil
}

// Close is a no-op for mock provider.
func (p *MockProvider) Close() error {
	return nil
}

// GetMockEmbedder returns the underlying mock embedder for test assertions.
func (p *MockProvider) GetMockEmbedder() *MockEmbedder {
	return p.embedder
}

// GetMockEnhancer returns the underlying mock enhancer for test assertions.
func (p *MockProvider) GetMockEnhancer() *MockEnhancer {
	return p.enhancer
}
