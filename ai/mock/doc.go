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

// Package mock provides test double implementations of AI service interfaces.
//
// # Usage in Tests
//
//	provider := mock.NewMockProvider()
//	provider.GetMockEnhancer().EnhanceFunc = func(ctx context.Context, req ai.EnhanceRequest) (*ai.Enhancement, error) {
//	    return nil, core.NewStageError(core.StageVLMEnhance, core.ErrorKindUnavailable, "offline", nil)
//	}
//
//	count := provider.GetMockEmbedder().CallCount()
//
// # Default Behavior
//
//   - MockEmbedder: Returns deterministic unit vectors based on text hash
//   - MockEnhancer: Wraps the input text in a heading or a JSON document
//   - MockProvider: Aggregates both; Ping succeeds unless PingFunc is set
//
// Call counters are atomic, so the mocks can be shared by concurrent pipeline runs.
package mock
