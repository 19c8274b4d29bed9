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

package storage

import (
	"context"

	"github.com/poiesic/idp/core"
)

// TaskRepository stores task records. It is the single source of truth for
// task status and progress.
type TaskRepository interface {
	// CreateTask assigns a new ID from the task sequence and persists the task.
	// IDs are never reused, including after deletion.
	// Sets CreatedAt and UpdatedAt.
	CreateTask(ctx context.Context, task *core.Task) (*core.Task, error)

	// GetTask returns a snapshot of a task.
	// Returns ErrNotFound if the task doesn't exist.
	GetTask(ctx context.Context, id core.ID) (*core.Task, error)

	// UpdateTask applies fn to the current record and persists the result
	// atomically. If fn returns an error nothing is written and the error is
	// returned unchanged, which makes fn a compare-and-set guard.
	// Updates the UpdatedAt timestamp automatically.
	// Returns ErrNotFound if the task doesn't exist.
	UpdateTask(ctx context.Context, id core.ID, fn func(task *core.Task) error) (*core.Task, error)

	// DeleteTask removes a task record.
	// Returns ErrNotFound if the task doesn't exist.
	DeleteTask(ctx context.Context, id core.ID) error

	// ListTasks returns up to limit tasks, newest first. A limit <= 0 returns all tasks.
	ListTasks(ctx context.Context, limit int) ([]*core.Task, error)

	// Close releases resources held by the repository.
	Close() error
}

// VectorRepository stores embedded chunks grouped into per-task namespaces.
type VectorRepository interface {
	// StoreVectors writes entries into the namespace of task.
	// Entries with an existing ID are overwritten.
	StoreVectors(ctx context.Context, task core.ID, entries ...*core.VectorEntry) error

	// UpdateVectors rewrites existing entries in place, keyed by TaskID and Id.
	UpdateVectors(ctx context.Context, entries ...*core.VectorEntry) error

	// FindSimilar finds entries whose similarity to vector is at least minSimilarity.
	// Results are ordered by similarity score (highest first).
	FindSimilar(ctx context.Context, vector []float32, minSimilarity float32, limit int) ([]*core.SearchResult, error)

	// DeleteNamespace removes every entry written for task and returns how many were removed.
	DeleteNamespace(ctx context.Context, task core.ID) (int, error)

	// ListNamespace returns the entries of one task ordered by chunk index.
	ListNamespace(ctx context.Context, task core.ID) ([]*core.VectorEntry, error)

	// CountVectors returns the total number of stored entries.
	CountVectors(ctx context.Context) (int, error)

	// ForEachVector calls fn with batches of up to batchSize entries until all
	// entries have been visited or fn returns an error.
	ForEachVector(ctx context.Context, batchSize int, fn func([]*core.VectorEntry) error) error

	// Close releases resources held by the repository.
	Close() error
}
