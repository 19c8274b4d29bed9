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

package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/idp/core"
	"github.com/poiesic/idp/storage"
)

// maxUpdateAttempts bounds optimistic retries when concurrent writers touch the same task.
const maxUpdateAttempts = 8

// TaskRepository implements storage.TaskRepository for BadgerDB.
type TaskRepository struct {
	backend *Backend
	idSeq   *badger.Sequence
}

var _ storage.TaskRepository = (*TaskRepository)(nil)

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(backend *Backend) (*TaskRepository, error) {
	idSeq, err := backend.GetSequence(taskIDSeq)
	if err != nil {
		return nil, err
	}

	return &TaskRepository{
		backend: backend,
		idSeq:   idSeq,
	}, nil
}

// Close releases the ID sequence.
func (r *TaskRepository) Close() error {
	return r.idSeq.Release()
}

// CreateTask assigns an ID and persists a new task.
func (r *TaskRepository) CreateTask(ctx context.Context, task *core.Task) (*core.Task, error) {
	nextID, err := r.idSeq.Next()
	if err != nil {
		return nil, err
	}
	// BadgerDB sequences can return 0 on first call, so we skip it
	if nextID == 0 {
		nextID, err = r.idSeq.Next()
		if err != nil {
			return nil, err
		}
	}

	task.Id = core.ID(nextID)
	task.CreatedAt = time.Now().UTC()
	task.UpdatedAt = task.CreatedAt

	err = r.backend.WithTx(func(tx *badger.Txn) error {
		if err := tx.Set(makeTaskKey(task.Id), storage.MarshalTask(task)); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
	if err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// GetTask retrieves a single task by ID.
func (r *TaskRepository) GetTask(ctx context.Context, id core.ID) (*core.Task, error) {
	var result *core.Task
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		result, err = r.readTask(tx, makeTaskKey(id))
		if err != nil {
			return err
		}
		if result == nil {
			return storage.ErrNotFound
		}
		return nil
	}, false)
	return result, err
}

// UpdateTask applies fn to the stored task inside a write transaction.
// Conflicting concurrent commits are retried against the fresh record.
func (r *TaskRepository) UpdateTask(ctx context.Context, id core.ID, fn func(task *core.Task) error) (*core.Task, error) {
	key := makeTaskKey(id)
	for range maxUpdateAttempts {
		var updated *core.Task
		err := r.backend.WithTx(func(tx *badger.Txn) error {
			task, err := r.readTask(tx, key)
			if err != nil {
				return err
			}
			if task == nil {
				return storage.ErrNotFound
			}
			if err := fn(task); err != nil {
				return err
			}
			task.UpdatedAt = time.Now().UTC()
			if err := tx.Set(key, storage.MarshalTask(task)); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			updated = task
			return nil
		}, true)
		if errors.Is(err, badger.ErrConflict) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("%w: task %s: too many conflicting updates", storage.ErrTransactionFailed, id)
}

// DeleteTask removes a task record.
func (r *TaskRepository) DeleteTask(ctx context.Context, id core.ID) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		key := makeTaskKey(id)
		if _, err := tx.Get(key); err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		if err := tx.Delete(key); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

// ListTasks returns tasks newest first. IDs come from a monotonic sequence,
// so reverse key order is reverse creation order.
func (r *TaskRepository) ListTasks(ctx context.Context, limit int) ([]*core.Task, error) {
	var results []*core.Task
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		prefix := []byte(taskRecordPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix

		iter := tx.NewIterator(opts)
		defer iter.Close()

		// Seek past the largest possible key under the prefix
		seekKey := append(append([]byte{}, prefix...), 0xFF)
		for iter.Seek(seekKey); iter.ValidForPrefix(prefix); iter.Next() {
			if limit > 0 && len(results) >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			var task *core.Task
			err := iter.Item().Value(func(val []byte) error {
				var unmarshalErr error
				task, unmarshalErr = storage.UnmarshalTask(val)
				return unmarshalErr
			})
			if err != nil {
				return err
			}
			results = append(results, task)
		}
		return nil
	}, false)
	return results, err
}

// readTask reads a task by key, returning nil if absent.
func (r *TaskRepository) readTask(tx *badger.Txn, key []byte) (*core.Task, error) {
	item, err := tx.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}

	var task *core.Task
	err = item.Value(func(val []byte) error {
		var unmarshalErr error
		task, unmarshalErr = storage.UnmarshalTask(val)
		return unmarshalErr
	})
	return task, err
}
