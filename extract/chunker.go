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

package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/poiesic/idp/core"
	"github.com/tmc/langchaingo/textsplitter"
)

// chunkSeparators are tried in order; the full stop covers CJK text.
var chunkSeparators = []string{"\n\n", "\n", "。", ".", " ", ""}

// TextChunker splits text with the langchaingo recursive character splitter.
// Markdown is first split on headings and oversized sections are split again.
type TextChunker struct {
	logger *slog.Logger
}

var _ Chunker = (*TextChunker)(nil)

// NewTextChunker creates a chunker.
func NewTextChunker() *TextChunker {
	return &TextChunker{
		logger: slog.Default().With("component", "chunker"),
	}
}

// Split returns chunks in document order with sequential indices.
func (c *TextChunker) Split(ctx context.Context, text string, opts core.ChunkOptions) ([]core.Chunk, error) {
	if opts.Size <= 0 || opts.Overlap < 0 || opts.Overlap >= opts.Size {
		return nil, core.NewStageError(core.StageChunking, core.ErrorKindInvalidInput,
			fmt.Sprintf("chunk size %d with overlap %d", opts.Size, opts.Overlap), core.ErrInvalidInput)
	}
	if strings.TrimSpace(text) == "" {
		c.logger.Warn("empty text provided for chunking")
		return nil, nil
	}

	recursive := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(opts.Size),
		textsplitter.WithChunkOverlap(opts.Overlap),
		textsplitter.WithSeparators(chunkSeparators),
	)

	var pieces []string
	var err error
	if opts.Markdown {
		pieces, err = c.splitMarkdown(text, opts, recursive)
	} else {
		pieces, err = recursive.SplitText(text)
	}
	if err != nil {
		return nil, core.NewStageError(core.StageChunking, core.ErrorKindInternal, "split text", err)
	}

	chunks := make([]core.Chunk, 0, len(pieces))
	for _, piece := range pieces {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		chunks = append(chunks, core.Chunk{Index: len(chunks), Text: piece})
	}

	c.logger.Info("chunking complete", "chunks", len(chunks), "size", opts.Size, "overlap", opts.Overlap)
	return chunks, nil
}

func (c *TextChunker) splitMarkdown(text string, opts core.ChunkOptions, recursive textsplitter.TextSplitter) ([]string, error) {
	sections, err := textsplitter.NewMarkdownTextSplitter(
		textsplitter.WithChunkSize(opts.Size),
		textsplitter.WithChunkOverlap(opts.Overlap),
	).SplitText(text)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, section := range sections {
		if utf8.RuneCountInString(section) <= opts.Size {
			out = append(out, section)
			continue
		}
		sub, err := recursive.SplitText(section)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}
