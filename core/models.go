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

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a unique identifier for domain entities.
// Task IDs come from a database sequence, vector IDs from content hashing.
type ID uint64

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// This ensures that identical content produces identical IDs.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// VectorID returns the identifier of the vector for chunk index within a task namespace.
// Re-embedding the same chunk yields the same ID, so repeated writes overwrite.
func VectorID(task ID, index int) ID {
	return IDFromContent(fmt.Sprintf("%d:%d", task, index))
}

// ParseID parses the decimal form produced by ID.String.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: invalid id %q", ErrValidation, s)
	}
	return ID(v), nil
}

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// MarshalText encodes IDs as decimal strings so JSON clients never lose precision.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	v, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// OutputFormat selects the representation of the final artifact.
type OutputFormat string

const (
	OutputFormatMarkdown OutputFormat = "markdown"
	OutputFormatJSON     OutputFormat = "json"
)

// ParseOutputFormat accepts a format name case-insensitively.
func ParseOutputFormat(s string) (OutputFormat, error) {
	f := OutputFormat(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("%w: unsupported output format %q", ErrValidation, s)
	}
	return f, nil
}

func (f OutputFormat) Valid() bool {
	return f == OutputFormatMarkdown || f == OutputFormatJSON
}

// Extension returns the file extension for artifacts in this format.
func (f OutputFormat) Extension() string {
	if f == OutputFormatJSON {
		return "json"
	}
	return "md"
}

// ProcessConfig is the closed set of options recognized for a task.
type ProcessConfig struct {
	OutputFormat    OutputFormat `json:"output_format"`
	EnableVLM       bool         `json:"enable_vlm"`
	ChunkSize       int          `json:"chunk_size"`
	ChunkOverlap    int          `json:"chunk_overlap"`
	Languages       []string     `json:"languages"`
	StoreInVectorDB bool         `json:"store_in_vectordb"`
}

// DefaultProcessConfig returns the configuration applied when a request omits options.
func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{
		OutputFormat:    OutputFormatMarkdown,
		EnableVLM:       true,
		ChunkSize:       512,
		ChunkOverlap:    50,
		Languages:       []string{"ch_tra", "en"},
		StoreInVectorDB: true,
	}
}

// Descriptor references the source document and the requested configuration.
type Descriptor struct {
	SourcePath string        `json:"source_path"`
	SourceName string        `json:"source_name"`
	Config     ProcessConfig `json:"config"`
}

// Clone returns a deep copy so later mutation by the caller cannot reach a task.
func (d Descriptor) Clone() Descriptor {
	d.Config.Languages = slices.Clone(d.Config.Languages)
	return d
}

// Name returns the display name of the source, falling back to the path's base name.
func (d Descriptor) Name() string {
	if d.SourceName != "" {
		return d.SourceName
	}
	return filepath.Base(d.SourcePath)
}

// Stem returns the source name without its extension.
func (d Descriptor) Stem() string {
	name := d.Name()
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// FileType returns "pdf" or "image" depending on the source extension.
func (d Descriptor) FileType() string {
	if strings.EqualFold(filepath.Ext(d.SourcePath), ".pdf") {
		return FileTypePDF
	}
	return FileTypeImage
}

const (
	FileTypePDF   = "pdf"
	FileTypeImage = "image"
)

// Metadata describes how an artifact was produced.
type Metadata struct {
	Source        string  `json:"source"`
	FileType      string  `json:"file_type"`
	ParsedPages   int     `json:"parsed_pages"`
	ParsedTables  int     `json:"parsed_tables"`
	OCRConfidence float64 `json:"ocr_confidence"`
	OCRBlocks     int     `json:"ocr_blocks"`
	VLMEnhanced   bool    `json:"vlm_enhanced"`
}

// Result is the output of a completed task.
type Result struct {
	OutputFormat OutputFormat `json:"output_format"`
	Content      string       `json:"content"`
	OutputPath   string       `json:"output_path"`
	MetadataPath string       `json:"metadata_path"`
	ChunksCount  int          `json:"chunks_count"`
	VectorIDs    []ID         `json:"vector_ids"`
	Metadata     Metadata     `json:"metadata"`
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.VectorIDs = slices.Clone(r.VectorIDs)
	return &c
}

// VectorEntry is one embedded chunk stored in a task's vector namespace.
type VectorEntry struct {
	Id         ID
	TaskID     ID
	ChunkIndex int
	Text       string
	Source     string
	Vector     []float32
	CreatedAt  time.Time
}

// SearchResult is a vector entry matched by similarity search.
type SearchResult struct {
	Entry *VectorEntry
	Score float32
}

// SearchHit is a chunk returned by semantic search.
type SearchHit struct {
	ChunkText  string  `json:"chunk_text"`
	Score      float32 `json:"score"`
	TaskID     ID      `json:"task_id"`
	Source     string  `json:"source"`
	ChunkIndex int     `json:"chunk_index"`
}
