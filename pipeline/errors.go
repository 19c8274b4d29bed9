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

package pipeline

import "errors"

var (
	// ErrTaskRepositoryRequired is returned when a task repository is not provided.
	ErrTaskRepositoryRequired = errors.New("task repository required")

	// ErrVectorRepositoryRequired is returned when a vector repository is not provided.
	ErrVectorRepositoryRequired = errors.New("vector repository required")

	// ErrOutputStoreRequired is returned when an output store is not provided.
	ErrOutputStoreRequired = errors.New("output store required")

	// ErrParserRequired is returned when no document parser is configured.
	ErrParserRequired = errors.New("parser required")

	// ErrRecognizerRequired is returned when no OCR engine is configured.
	ErrRecognizerRequired = errors.New("recognizer required")

	// ErrChunkerRequired is returned when no chunker is configured.
	ErrChunkerRequired = errors.New("chunker required")

	// ErrEmbedderRequired is returned when no embedder is configured.
	ErrEmbedderRequired = errors.New("embedder required")
)
