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

package reindex

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/poiesic/idp/ai"
	"github.com/poiesic/idp/core"
	"github.com/poiesic/idp/retry"
	"github.com/poiesic/idp/storage"
)

// Config holds configuration for a reindex run.
type Config struct {
	// BatchSize is the number of chunks embedded per request
	BatchSize int

	// ReportInterval is how often to report progress, in chunks
	ReportInterval int

	// MaxRetries is the maximum number of attempts per embedding request
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff
	RetryDelay time.Duration

	// TaskID restricts the run to one task's chunks when non-zero
	TaskID core.ID
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      100,
		ReportInterval: 100,
		MaxRetries:     3,
		RetryDelay:     time.Second,
	}
}

// Summary reports the outcome of a run.
type Summary struct {
	Chunks  int
	Elapsed time.Duration
}

// Reindexer re-embeds stored chunks in place.
type Reindexer struct {
	vectors  storage.VectorRepository
	embedder ai.Embedder
	config   *Config
	progress io.Writer
	logger   *slog.Logger
}

// NewReindexer creates a reindexer writing progress to progress (typically os.Stderr).
func NewReindexer(vectors storage.VectorRepository, embedder ai.Embedder, config *Config, progress io.Writer) (*Reindexer, error) {
	if vectors == nil {
		return nil, ErrVectorRepositoryRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	if progress == nil {
		progress = io.Discard
	}
	return &Reindexer{
		vectors:  vectors,
		embedder: embedder,
		config:   config,
		progress: progress,
		logger:   slog.Default().With("component", "reindex"),
	}, nil
}

// Run re-embeds every selected chunk. A failed batch stops the run; batches
// already written keep their new vectors.
func (r *Reindexer) Run(ctx context.Context) (*Summary, error) {
	total, err := r.count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}
	if total == 0 {
		fmt.Fprintf(r.progress, "No chunks to reindex\n")
		return &Summary{}, nil
	}

	fmt.Fprintf(r.progress, "Reindexing %d chunks (batch size: %d)\n", total, r.config.BatchSize)
	tracker := NewProgressTracker(r.progress, total, r.config.ReportInterval)
	tracker.Start()

	err = r.forEach(ctx, func(batch []*core.VectorEntry) error {
		if err := r.process(ctx, batch); err != nil {
			return err
		}
		tracker.Add(len(batch))
		return nil
	})
	tracker.Finish()

	summary := &Summary{Chunks: tracker.Processed(), Elapsed: tracker.Elapsed()}
	if err != nil {
		r.logger.Error("reindex stopped", "processed", summary.Chunks, "total", total, "err", err)
		return summary, err
	}

	fmt.Fprintf(r.progress, "Reindex complete. Processed %d chunks in %v\n",
		summary.Chunks, summary.Elapsed.Round(time.Millisecond))
	return summary, nil
}

func (r *Reindexer) count(ctx context.Context) (int, error) {
	if r.config.TaskID == 0 {
		return r.vectors.CountVectors(ctx)
	}
	entries, err := r.vectors.ListNamespace(ctx, r.config.TaskID)
	return len(entries), err
}

func (r *Reindexer) forEach(ctx context.Context, fn func([]*core.VectorEntry) error) error {
	if r.config.TaskID == 0 {
		return r.vectors.ForEachVector(ctx, r.config.BatchSize, fn)
	}
	entries, err := r.vectors.ListNamespace(ctx, r.config.TaskID)
	if err != nil {
		return err
	}
	for start := 0; start < len(entries); start += r.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(entries[start:min(start+r.config.BatchSize, len(entries))]); err != nil {
			return err
		}
	}
	return nil
}

// process embeds one batch with retry and writes the normalized vectors back.
func (r *Reindexer) process(ctx context.Context, batch []*core.VectorEntry) error {
	texts := make([]string, len(batch))
	for i, entry := range batch {
		texts[i] = entry.Text
	}

	var embeddings [][]float32
	err := retry.WithBackoff(ctx, func() error {
		var err error
		embeddings, err = r.embedder.EmbedTexts(ctx, texts)
		return err
	}, r.config.MaxRetries, r.config.RetryDelay)
	if err != nil {
		return fmt.Errorf("embed batch after %d attempts: %w", r.config.MaxRetries, err)
	}
	if len(embeddings) != len(batch) {
		return fmt.Errorf("embedding count mismatch: expected %d, got %d", len(batch), len(embeddings))
	}

	for i, entry := range batch {
		entry.Vector = ai.NormalizeVector(embeddings[i])
	}
	if err := r.vectors.UpdateVectors(ctx, batch...); err != nil {
		return fmt.Errorf("update vectors: %w", err)
	}
	return nil
}
