package output

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/poiesic/idp/core"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemStore(t *testing.T) (*FileStore, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	store, err := NewFileStore("/data/outputs", WithFs(fsys))
	require.NoError(t, err)
	return store, fsys
}

func TestFileStore_SaveMarkdown(t *testing.T) {
	store, fsys := newMemStore(t)
	ctx := context.Background()

	saved, err := store.Save(ctx, &Artifact{
		TaskID:      42,
		Stem:        "報告",
		Format:      core.OutputFormatMarkdown,
		Content:     "# 報告\n\nbody",
		Metadata:    core.Metadata{Source: "報告.pdf", FileType: core.FileTypePDF, VLMEnhanced: true},
		ChunksCount: 2,
		VectorIDs:   []core.ID{core.VectorID(42, 0), core.VectorID(42, 1)},
	})
	require.NoError(t, err)
	assert.Equal(t, "/data/outputs/報告_42.md", saved.OutputPath)
	assert.Equal(t, "/data/outputs/報告_42_meta.json", saved.MetadataPath)

	content, err := store.Load(ctx, saved.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "# 報告\n\nbody", string(content))

	raw, err := afero.ReadFile(fsys, saved.MetadataPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "報告.pdf", "non-ASCII is written unescaped")

	var meta sidecar
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, core.ID(42), meta.TaskID)
	assert.Equal(t, 2, meta.ChunksCount)
	assert.Len(t, meta.VectorIDs, 2)
	assert.True(t, meta.Metadata.VLMEnhanced)
	assert.Equal(t, saved.OutputPath, meta.OutputFile)

	// No temp files left behind
	entries, err := afero.ReadDir(fsys, "/data/outputs")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFileStore_SaveJSONExtension(t *testing.T) {
	store, _ := newMemStore(t)

	saved, err := store.Save(context.Background(), &Artifact{TaskID: 7, Stem: "scan", Format: core.OutputFormatJSON, Content: "{}"})
	require.NoError(t, err)
	assert.Equal(t, ".json", filepath.Ext(saved.OutputPath))
}

func TestFileStore_SaveRejectsBadFormat(t *testing.T) {
	store, _ := newMemStore(t)

	_, err := store.Save(context.Background(), &Artifact{TaskID: 1, Stem: "x", Format: "html"})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestFileStore_DeleteOnlyTouchesOneTask(t *testing.T) {
	store, fsys := newMemStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, &Artifact{TaskID: 4, Stem: "a", Format: core.OutputFormatMarkdown, Content: "a"})
	require.NoError(t, err)
	other, err := store.Save(ctx, &Artifact{TaskID: 14, Stem: "a", Format: core.OutputFormatMarkdown, Content: "b"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, 4))

	entries, err := afero.ReadDir(fsys, "/data/outputs")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	_, err = store.Load(ctx, other.OutputPath)
	assert.NoError(t, err)

	// Deleting again is a no-op
	assert.NoError(t, store.Delete(ctx, 4))
}

func TestFileStore_Load(t *testing.T) {
	store, _ := newMemStore(t)
	ctx := context.Background()

	_, err := store.Load(ctx, "/data/outputs/missing_1.md")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Load(ctx, "/etc/passwd")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestSanitizeStem(t *testing.T) {
	assert.Equal(t, "a_b", sanitizeStem("a/b"))
	assert.Equal(t, "document", sanitizeStem(".."))
	assert.Equal(t, "document", sanitizeStem("  "))
	assert.Equal(t, "report v2", sanitizeStem("report v2"))
}
