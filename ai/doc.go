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

// Package ai provides abstractions for the model services used by idp.
//
// # Interfaces
//
//   - Embedder: Generates vector embeddings from text
//   - Enhancer: Rewrites OCR output with a vision-language model
//   - Provider: Aggregates both and reports endpoint health
//
// # Implementation Packages
//
//   - ai/openai: Production implementation using OpenAI-compatible APIs
//   - ai/mock: Test doubles for unit testing without external dependencies
//
// # Constructor Return Type Pattern
//
// Public constructors (openai.NewProvider, openai.NewEmbedder, etc.) return
// interface types. Mock constructors return concrete types so tests can
// inject behavior and assert on call counts:
//
//	mockEnhancer := mock.NewMockEnhancer()
//	mockEnhancer.EnhanceFunc = func(ctx context.Context, req ai.EnhanceRequest) (*ai.Enhancement, error) {
//	    return nil, core.ErrUnavailable
//	}
//
// # Usage Example
//
//	provider, err := openai.NewProvider(ai.NewConfig(ai.WithHost("http://localhost:11434")))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer provider.Close()
//
//	out, err := provider.Enhancer().Enhance(ctx, ai.EnhanceRequest{
//	    Text:   ocrText,
//	    Format: core.OutputFormatMarkdown,
//	})
package ai
