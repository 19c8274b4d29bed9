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
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// SupportedExtensions lists the source file types accepted for processing.
var SupportedExtensions = []string{".pdf", ".png", ".jpg", ".jpeg", ".tiff", ".tif", ".bmp", ".webp"}

// IsSupportedExtension reports whether ext (with leading dot) is accepted.
func IsSupportedExtension(ext string) bool {
	return slices.Contains(SupportedExtensions, strings.ToLower(ext))
}

// ValidateDescriptor validates a Descriptor before a task is created.
//
// Validation rules:
//   - SourcePath must name an existing regular file with a supported extension
//   - OutputFormat must be markdown or json
//   - ChunkSize must be positive and 0 <= ChunkOverlap < ChunkSize
//   - Languages must not contain empty codes
func ValidateDescriptor(d Descriptor) error {
	if d.SourcePath == "" {
		return fmt.Errorf("%w: source path is required", ErrValidation)
	}
	if !IsSupportedExtension(filepath.Ext(d.SourcePath)) {
		return fmt.Errorf("%w: unsupported file type %q", ErrValidation, filepath.Ext(d.SourcePath))
	}
	info, err := os.Stat(d.SourcePath)
	if err != nil {
		return fmt.Errorf("%w: source file: %w", ErrValidation, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrValidation, d.SourcePath)
	}
	return ValidateProcessConfig(d.Config)
}

// ValidateProcessConfig validates the options portion of a descriptor.
func ValidateProcessConfig(c ProcessConfig) error {
	if !c.OutputFormat.Valid() {
		return fmt.Errorf("%w: unsupported output format %q", ErrValidation, c.OutputFormat)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be greater than 0", ErrValidation)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size)", ErrValidation)
	}
	for _, lang := range c.Languages {
		if strings.TrimSpace(lang) == "" {
			return fmt.Errorf("%w: empty language code", ErrValidation)
		}
	}
	return nil
}
