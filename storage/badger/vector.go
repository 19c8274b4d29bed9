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
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/idp/core"
	"github.com/poiesic/idp/storage"
)

// VectorRepository implements storage.VectorRepository for BadgerDB.
type VectorRepository struct {
	backend *Backend
}

var _ storage.VectorRepository = (*VectorRepository)(nil)

// NewVectorRepository creates a new VectorRepository.
func NewVectorRepository(backend *Backend) (*VectorRepository, error) {
	return &VectorRepository{backend: backend}, nil
}

// Close is a no-op; the backend owns the database handle.
func (r *VectorRepository) Close() error {
	return nil
}

// StoreVectors writes entries under the namespace of task.
func (r *VectorRepository) StoreVectors(ctx context.Context, task core.ID, entries ...*core.VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return r.backend.WithBatch(func(wb *badger.WriteBatch) error {
		for _, entry := range entries {
			entry.TaskID = task
			if entry.CreatedAt.IsZero() {
				entry.CreatedAt = now
			}
			if err := wb.Set(makeVectorKey(task, entry.Id), storage.MarshalVectorEntry(entry)); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateVectors rewrites existing entries. Entries whose key is missing
// return storage.ErrNotFound and nothing is written.
func (r *VectorRepository) UpdateVectors(ctx context.Context, entries ...*core.VectorEntry) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		for _, entry := range entries {
			key := makeVectorKey(entry.TaskID, entry.Id)
			if _, err := tx.Get(key); err != nil {
				if err == badger.ErrKeyNotFound {
					return storage.ErrNotFound
				}
				return err
			}
			if err := tx.Set(key, storage.MarshalVectorEntry(entry)); err != nil {
				return err
			}
		}
		return tx.Commit()
	}, true)
}

// FindSimilar scans every stored vector and returns those at or above minSimilarity.
func (r *VectorRepository) FindSimilar(ctx context.Context, vector []float32, minSimilarity float32, limit int) ([]*core.SearchResult, error) {
	var results []*core.SearchResult

	err := r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(vectorRecordPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			entry, err := decodeVector(iter.Item())
			if err != nil {
				return err
			}
			if len(entry.Vector) == 0 {
				continue
			}

			// Cosine similarity reduces to a dot product for normalized vectors
			similarity := dotProduct(vector, entry.Vector)
			if similarity >= minSimilarity {
				results = append(results, &core.SearchResult{
					Entry: entry,
					Score: similarity,
				})
			}
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(results, func(a, b *core.SearchResult) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return 0
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// DeleteNamespace removes all entries stored for task.
func (r *VectorRepository) DeleteNamespace(ctx context.Context, task core.ID) (int, error) {
	prefix := makeVectorNamespaceKey(task)
	var keys [][]byte
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			keys = append(keys, iter.Item().KeyCopy(nil))
		}
		return nil
	}, false)
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	err = r.backend.WithBatch(func(wb *badger.WriteBatch) error {
		for _, key := range keys {
			if err := wb.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// ListNamespace returns the entries of task ordered by chunk index.
func (r *VectorRepository) ListNamespace(ctx context.Context, task core.ID) ([]*core.VectorEntry, error) {
	var entries []*core.VectorEntry
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makeVectorNamespaceKey(task)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			entry, err := decodeVector(iter.Item())
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(entries, func(a, b *core.VectorEntry) int {
		return a.ChunkIndex - b.ChunkIndex
	})
	return entries, nil
}

// CountVectors returns the number of stored entries.
func (r *VectorRepository) CountVectors(ctx context.Context) (int, error) {
	count := 0
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(vectorRecordPrefix)
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			count++
		}
		return nil
	}, false)
	return count, err
}

// ForEachVector pages through all entries in key order. Each page is read in
// its own transaction so fn may write back to the repository.
func (r *VectorRepository) ForEachVector(ctx context.Context, batchSize int, fn func([]*core.VectorEntry) error) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	prefix := []byte(vectorRecordPrefix)
	var after []byte

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := make([]*core.VectorEntry, 0, batchSize)
		var lastKey []byte
		err := r.backend.WithTx(func(tx *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			iter := tx.NewIterator(opts)
			defer iter.Close()

			if after == nil {
				iter.Rewind()
			} else {
				iter.Seek(after)
				if iter.Valid() && slices.Equal(iter.Item().Key(), after) {
					iter.Next()
				}
			}
			for ; iter.Valid() && len(batch) < batchSize; iter.Next() {
				entry, err := decodeVector(iter.Item())
				if err != nil {
					return err
				}
				batch = append(batch, entry)
				lastKey = iter.Item().KeyCopy(nil)
			}
			return nil
		}, false)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		after = lastKey
	}
}

func decodeVector(item *badger.Item) (*core.VectorEntry, error) {
	var entry *core.VectorEntry
	err := item.Value(func(val []byte) error {
		var err error
		entry, err = storage.UnmarshalVectorEntry(val)
		return err
	})
	return entry, err
}

// dotProduct computes the dot product of two vectors.
// For normalized vectors, this equals cosine similarity.
func dotProduct(a, b []float32) float32 {
	var sum float32
	minLen := min(len(a), len(b))
	for i := 0; i < minLen; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
