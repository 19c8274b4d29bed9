package badger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/poiesic/idp/core"
	"github.com/poiesic/idp/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVectorRepo(t *testing.T) storage.VectorRepository {
	t.Helper()
	taskRepo, vectorRepo, backend, err := NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() {
		vectorRepo.Close()
		taskRepo.Close()
		backend.Close()
	})
	return vectorRepo
}

func makeEntries(task core.ID, vectors ...[]float32) []*core.VectorEntry {
	entries := make([]*core.VectorEntry, len(vectors))
	for i, v := range vectors {
		entries[i] = &core.VectorEntry{
			Id:         core.VectorID(task, i),
			ChunkIndex: i,
			Text:       fmt.Sprintf("chunk %d of %d", i, task),
			Source:     "doc.pdf",
			Vector:     v,
		}
	}
	return entries
}

func TestVectorRepository_StoreAndList(t *testing.T) {
	repo := newTestVectorRepo(t)
	ctx := context.Background()

	entries := makeEntries(1, []float32{1, 0}, []float32{0, 1}, []float32{0.6, 0.8})
	require.NoError(t, repo.StoreVectors(ctx, 1, entries...))

	listed, err := repo.ListNamespace(ctx, 1)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, e := range listed {
		assert.Equal(t, i, e.ChunkIndex)
		assert.Equal(t, core.ID(1), e.TaskID)
		assert.False(t, e.CreatedAt.IsZero())
	}

	count, err := repo.CountVectors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestVectorRepository_FindSimilar(t *testing.T) {
	repo := newTestVectorRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.StoreVectors(ctx, 1, makeEntries(1, []float32{1, 0}, []float32{0, 1})...))
	require.NoError(t, repo.StoreVectors(ctx, 2, makeEntries(2, []float32{0.6, 0.8})...))

	results, err := repo.FindSimilar(ctx, []float32{1, 0}, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, core.ID(1), results[0].Entry.TaskID)
	assert.InDelta(t, 0.6, results[1].Score, 1e-6)
	assert.Equal(t, core.ID(2), results[1].Entry.TaskID)

	limited, err := repo.FindSimilar(ctx, []float32{1, 0}, 0, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestVectorRepository_FindSimilarEmpty(t *testing.T) {
	repo := newTestVectorRepo(t)

	results, err := repo.FindSimilar(context.Background(), []float32{0.1, 0.2}, 0.5, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestVectorRepository_DeleteNamespace(t *testing.T) {
	repo := newTestVectorRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.StoreVectors(ctx, 1, makeEntries(1, []float32{1, 0}, []float32{0, 1})...))
	require.NoError(t, repo.StoreVectors(ctx, 2, makeEntries(2, []float32{1, 0})...))

	removed, err := repo.DeleteNamespace(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	remaining, err := repo.ListNamespace(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	other, err := repo.ListNamespace(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, other, 1)

	// Deleting an empty namespace is not an error
	removed, err = repo.DeleteNamespace(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestVectorRepository_UpdateVectors(t *testing.T) {
	repo := newTestVectorRepo(t)
	ctx := context.Background()

	entries := makeEntries(3, []float32{1, 0})
	require.NoError(t, repo.StoreVectors(ctx, 3, entries...))

	entries[0].Vector = []float32{0, 1}
	require.NoError(t, repo.UpdateVectors(ctx, entries[0]))

	listed, err := repo.ListNamespace(ctx, 3)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, []float32{0, 1}, listed[0].Vector)

	missing := &core.VectorEntry{Id: 77, TaskID: 3}
	assert.ErrorIs(t, repo.UpdateVectors(ctx, missing), storage.ErrNotFound)
}

func TestVectorRepository_ForEachVector(t *testing.T) {
	repo := newTestVectorRepo(t)
	ctx := context.Background()

	for task := core.ID(1); task <= 3; task++ {
		require.NoError(t, repo.StoreVectors(ctx, task, makeEntries(task, []float32{1}, []float32{2}, []float32{3})...))
	}

	var batchSizes []int
	seen := map[core.ID]bool{}
	err := repo.ForEachVector(ctx, 4, func(batch []*core.VectorEntry) error {
		batchSizes = append(batchSizes, len(batch))
		for _, e := range batch {
			seen[e.Id] = true
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 1}, batchSizes)
	assert.Len(t, seen, 9)
}

func TestVectorRepository_ForEachVectorStopsOnError(t *testing.T) {
	repo := newTestVectorRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.StoreVectors(ctx, 1, makeEntries(1, []float32{1}, []float32{2}, []float32{3})...))

	stop := errors.New("stop")
	calls := 0
	err := repo.ForEachVector(ctx, 1, func(batch []*core.VectorEntry) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
