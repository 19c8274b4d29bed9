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

package core

import "strings"

// TextBlock is a run of text recovered from one page.
type TextBlock struct {
	Page int
	Text string
}

// Table is a grid of cells detected on a page. The first row is treated as the header.
type Table struct {
	Page int
	Rows [][]string
}

// ParsedDocument is the output of the structure parser.
type ParsedDocument struct {
	Pages  int
	Blocks []TextBlock
	Tables []Table
}

// Markdown renders the parsed blocks followed by any detected tables.
func (d *ParsedDocument) Markdown() string {
	if d == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range d.Blocks {
		text := strings.TrimSpace(block.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	for _, table := range d.Tables {
		md := table.Markdown()
		if md == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(md)
	}
	return b.String()
}

// Markdown renders the table as a pipe table.
func (t Table) Markdown() string {
	if len(t.Rows) == 0 {
		return ""
	}
	width := 0
	for _, row := range t.Rows {
		width = max(width, len(row))
	}
	var b strings.Builder
	writeRow := func(row []string) {
		b.WriteString("|")
		for i := range width {
			cell := ""
			if i < len(row) {
				cell = strings.ReplaceAll(strings.TrimSpace(row[i]), "|", `\|`)
			}
			b.WriteString(" " + cell + " |")
		}
		b.WriteString("\n")
	}
	writeRow(t.Rows[0])
	b.WriteString("|" + strings.Repeat(" --- |", width) + "\n")
	for _, row := range t.Rows[1:] {
		writeRow(row)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// OCRLine is one line of recognized text.
type OCRLine struct {
	Page       int
	Text       string
	Confidence float64
}

// OCRResult is the output of the OCR engine. Confidence is in [0,1].
type OCRResult struct {
	Lines      []OCRLine
	Confidence float64
}

// Text joins the recognized lines, separating pages with a blank line.
func (r *OCRResult) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	page := -1
	for _, line := range r.Lines {
		if page != -1 && line.Page != page {
			b.WriteString("\n")
		}
		page = line.Page
		b.WriteString(line.Text)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// MergeText combines parser and OCR output. Parsed text is preferred; OCR text
// is appended after a rule when it is longer than 30% of the parsed text, and
// used alone when parsing produced nothing.
func MergeText(parsed, ocr string) string {
	parsed = strings.TrimSpace(parsed)
	ocr = strings.TrimSpace(ocr)
	switch {
	case parsed == "":
		return ocr
	case ocr == "":
		return parsed
	case float64(len(ocr)) > float64(len(parsed))*0.3:
		return parsed + "\n\n---\n\n" + ocr
	default:
		return parsed
	}
}

// Chunk is a bounded slice of document text.
type Chunk struct {
	Index int
	Text  string
}

// ChunkOptions controls the splitter.
type ChunkOptions struct {
	Size     int
	Overlap  int
	Markdown bool
}
