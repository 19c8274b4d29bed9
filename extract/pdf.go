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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/poiesic/idp/core"
	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"
)

// PDFParser extracts per-page text from PDFs with the langchaingo PDF loader
// and detects aligned-column tables in each page.
type PDFParser struct {
	logger *slog.Logger
}

var _ Parser = (*PDFParser)(nil)

// PDFParserOption configures a PDFParser.
type PDFParserOption func(*PDFParser)

// WithParserLogger sets the logger.
func WithParserLogger(logger *slog.Logger) PDFParserOption {
	return func(p *PDFParser) {
		p.logger = logger
	}
}

// NewPDFParser creates a PDF parser.
func NewPDFParser(opts ...PDFParserOption) *PDFParser {
	p := &PDFParser{
		logger: slog.Default().With("component", "pdf-parser"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse loads the PDF page by page. Images return an empty document.
func (p *PDFParser) Parse(ctx context.Context, src core.Descriptor) (*core.ParsedDocument, error) {
	if src.FileType() != core.FileTypePDF {
		p.logger.Debug("skipping structure parse for non-PDF input", "source", src.Name())
		return &core.ParsedDocument{}, nil
	}

	f, err := os.Open(src.SourcePath)
	if err != nil {
		kind := core.ErrorKindInternal
		if errors.Is(err, fs.ErrNotExist) {
			kind = core.ErrorKindInvalidInput
		}
		return nil, core.NewStageError(core.StageParse, kind, "open source", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, core.NewStageError(core.StageParse, core.ErrorKindInternal, "stat source", err)
	}

	pages, err := loadPages(ctx, f, info.Size())
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.NewStageError(core.StageParse, core.ErrorKindTimeout, "", ctx.Err())
		}
		return nil, core.NewStageError(core.StageParse, core.ErrorKindInvalidInput, "unreadable PDF", err)
	}

	doc := buildDocument(pages)
	p.logger.Info("parse complete", "source", src.Name(), "pages", doc.Pages, "blocks", len(doc.Blocks), "tables", len(doc.Tables))
	return doc, nil
}

// loadPages runs the loader, converting panics from malformed input into errors.
func loadPages(ctx context.Context, f *os.File, size int64) (pages []schema.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader: %v", r)
		}
	}()
	return documentloaders.NewPDF(f, size).Load(ctx)
}

// buildDocument splits each page into prose blocks and tables.
func buildDocument(pages []schema.Document) *core.ParsedDocument {
	doc := &core.ParsedDocument{Pages: len(pages)}
	for i, page := range pages {
		number := i + 1
		if n, ok := page.Metadata["page"].(int); ok {
			number = n
		}
		prose, tables := detectTables(page.PageContent)
		for _, para := range splitParagraphs(prose) {
			doc.Blocks = append(doc.Blocks, core.TextBlock{Page: number, Text: para})
		}
		for _, rows := range tables {
			doc.Tables = append(doc.Tables, core.Table{Page: number, Rows: rows})
		}
	}
	return doc
}

// splitParagraphs breaks page text on blank lines.
func splitParagraphs(text string) []string {
	var out []string
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if para = strings.TrimSpace(para); para != "" {
			out = append(out, para)
		}
	}
	return out
}
