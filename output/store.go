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

// Package output persists task artifacts: the rendered document and a JSON
// metadata sidecar, named <stem>_<task>.<md|json> and <stem>_<task>_meta.json.
package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/poiesic/idp/core"
	"github.com/spf13/afero"
)

// ErrNotFound is returned by Load when the artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Artifact is everything written for one completed task.
type Artifact struct {
	TaskID      core.ID
	Stem        string
	Format      core.OutputFormat
	Content     string
	Metadata    core.Metadata
	ChunksCount int
	VectorIDs   []core.ID
}

// Saved reports where an artifact was written.
type Saved struct {
	OutputPath   string
	MetadataPath string
}

// Store persists and retrieves artifacts.
type Store interface {
	// Save writes the artifact and its sidecar. Each file appears atomically.
	Save(ctx context.Context, a *Artifact) (*Saved, error)

	// Load returns the bytes of a previously saved file.
	Load(ctx context.Context, path string) ([]byte, error)

	// Delete removes every file written for a task. Missing files are not an error.
	Delete(ctx context.Context, id core.ID) error
}

// sidecar is the JSON layout of the metadata file.
type sidecar struct {
	TaskID      core.ID       `json:"task_id"`
	OutputFile  string        `json:"output_file"`
	ChunksCount int           `json:"chunks_count"`
	VectorIDs   []core.ID     `json:"vector_ids"`
	Metadata    core.Metadata `json:"metadata"`
}

// FileStore writes artifacts into a single directory through an afero filesystem.
type FileStore struct {
	fs     afero.Fs
	dir    string
	logger *slog.Logger
}

var _ Store = (*FileStore)(nil)

// Option configures a FileStore.
type Option func(*FileStore)

// WithFs replaces the OS filesystem, e.g. with afero.NewMemMapFs in tests.
func WithFs(fsys afero.Fs) Option {
	return func(s *FileStore) {
		s.fs = fsys
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *FileStore) {
		s.logger = logger
	}
}

// NewFileStore creates the output directory if needed.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	s := &FileStore{
		fs:     afero.NewOsFs(),
		dir:    dir,
		logger: slog.Default().With("component", "output"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return s, nil
}

// Dir returns the output directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Save writes the content file and then the sidecar.
func (s *FileStore) Save(ctx context.Context, a *Artifact) (*Saved, error) {
	if !a.Format.Valid() {
		return nil, fmt.Errorf("%w: output format %q", core.ErrValidation, a.Format)
	}
	base := fmt.Sprintf("%s_%s", sanitizeStem(a.Stem), a.TaskID)
	saved := &Saved{
		OutputPath:   filepath.Join(s.dir, base+"."+a.Format.Extension()),
		MetadataPath: filepath.Join(s.dir, base+"_meta.json"),
	}

	if err := s.writeAtomic(saved.OutputPath, []byte(a.Content)); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	err := enc.Encode(sidecar{
		TaskID:      a.TaskID,
		OutputFile:  saved.OutputPath,
		ChunksCount: a.ChunksCount,
		VectorIDs:   a.VectorIDs,
		Metadata:    a.Metadata,
	})
	if err != nil {
		return nil, err
	}
	if err := s.writeAtomic(saved.MetadataPath, buf.Bytes()); err != nil {
		_ = s.fs.Remove(saved.OutputPath)
		return nil, err
	}

	s.logger.Info("result saved", "task", a.TaskID, "path", saved.OutputPath)
	return saved, nil
}

// Load reads a saved file. Paths outside the output directory are rejected.
func (s *FileStore) Load(ctx context.Context, path string) ([]byte, error) {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("%w: %s is outside the output directory", core.ErrValidation, path)
	}
	data, err := afero.ReadFile(s.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return data, err
}

// Delete removes the content and sidecar files of a task.
func (s *FileStore) Delete(ctx context.Context, id core.ID) error {
	var errs []error
	for _, pattern := range []string{
		fmt.Sprintf("*_%s.md", id),
		fmt.Sprintf("*_%s.json", id),
		fmt.Sprintf("*_%s_meta.json", id),
	} {
		matches, err := afero.Glob(s.fs, filepath.Join(s.dir, pattern))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, m := range matches {
			if err := s.fs.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// writeAtomic writes to a temp file in the target directory and renames it into place.
func (s *FileStore) writeAtomic(path string, data []byte) error {
	tmp, err := afero.TempFile(s.fs, filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = s.fs.Remove(name)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = s.fs.Remove(name)
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(name)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := s.fs.Rename(name, path); err != nil {
		_ = s.fs.Remove(name)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// sanitizeStem keeps a source stem usable as a file name component.
func sanitizeStem(stem string) string {
	stem = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(stem))
	if stem == "" || stem == "." || stem == ".." {
		return "document"
	}
	return stem
}
