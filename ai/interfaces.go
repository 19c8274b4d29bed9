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

package ai

import "context"

// Embedder generates vector embeddings from text for semantic similarity search.
// Implementations must be thread-safe for concurrent use.
type Embedder interface {
	// EmbedText generates a vector embedding for a single text string.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// EmbedTexts generates vector embeddings for multiple text strings in a batch.
	// The returned slice contains embeddings in the same order as the input texts.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Enhancer rewrites OCR output with a vision-language model, correcting
// recognition errors and restoring document structure.
// Implementations must be thread-safe for concurrent use.
type Enhancer interface {
	// Enhance returns the model's rendition of the request in the requested format.
	// An unreachable endpoint is reported as core.ErrUnavailable.
	Enhance(ctx context.Context, req EnhanceRequest) (*Enhancement, error)
}

// Provider aggregates AI services for convenient initialization and lifecycle management.
type Provider interface {
	// Embedder returns the text embedding service.
	Embedder() Embedder

	// Enhancer returns the VLM enhancement service.
	Enhancer() Enhancer

	// Ping reports whether the VLM endpoint is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the provider and its services.
	Close() error
}
