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

// Package storage provides the storage abstraction layer for idp.
//
// This package defines repository interfaces that decouple storage
// implementation from the pipeline and task manager, plus the binary record
// encoding shared by backends.
//
// # Architecture
//
// The storage layer follows the Repository pattern:
//
//   - TaskRepository: task records, ID allocation, atomic read-modify-write updates
//   - VectorRepository: embedded chunks grouped by task namespace, similarity search
//
// # Atomic Updates
//
// UpdateTask is the only way to change a stored task. The callback sees the
// current record inside a write transaction; returning an error aborts the
// write. Callers use this as a compare-and-set on task status:
//
//	_, err := repo.UpdateTask(ctx, id, func(t *core.Task) error {
//	    return t.Start() // fails unless the task is still pending
//	})
//
// # Encoding
//
// Records are encoded with mus-go primitives behind a version prefix.
// Timestamps are stored with microsecond precision.
//
// # Thread Safety
//
// All repository implementations must be thread-safe and support
// concurrent access from multiple goroutines.
package storage
