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

// Package extract turns source documents into text: structure parsing,
// optical character recognition, and chunking.
//
// Adapters report failures as *core.StageError so the pipeline can decide
// whether a retry is worthwhile. A missing external binary is unavailable;
// input the engine cannot read is invalid_input.
package extract

import (
	"context"

	"github.com/poiesic/idp/core"
)

// Parser recovers text blocks and tables from a document.
// Non-PDF inputs yield an empty document rather than an error.
type Parser interface {
	Parse(ctx context.Context, src core.Descriptor) (*core.ParsedDocument, error)
}

// Recognizer performs OCR over every page of a document.
// languages uses the request codes (e.g. "ch_tra", "en").
type Recognizer interface {
	Recognize(ctx context.Context, src core.Descriptor, languages []string) (*core.OCRResult, error)
}

// Chunker splits text into bounded, overlapping chunks.
// Empty or whitespace-only text yields no chunks.
type Chunker interface {
	Split(ctx context.Context, text string, opts core.ChunkOptions) ([]core.Chunk, error)
}
