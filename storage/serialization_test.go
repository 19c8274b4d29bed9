package storage

import (
	"testing"
	"time"

	"github.com/poiesic/idp/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalTask(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)

	tests := []struct {
		name string
		task *core.Task
	}{
		{
			name: "pending task",
			task: &core.Task{
				Id:     1,
				Status: core.StatusPending,
				Input: core.Descriptor{
					SourcePath: "/data/uploads/abc.pdf",
					SourceName: "報告.pdf",
					Config:     core.DefaultProcessConfig(),
				},
				CreatedAt: now,
				UpdatedAt: now,
			},
		},
		{
			name: "completed task",
			task: &core.Task{
				Id:           42,
				Status:       core.StatusCompleted,
				CurrentStage: core.StageDone,
				Progress:     100,
				Input:        core.Descriptor{SourcePath: "/x.png", Config: core.ProcessConfig{OutputFormat: core.OutputFormatJSON, ChunkSize: 100}},
				Result: &core.Result{
					OutputFormat: core.OutputFormatJSON,
					Content:      `{"content":"hi"}`,
					OutputPath:   "/out/x_42.json",
					MetadataPath: "/out/x_42_meta.json",
					ChunksCount:  2,
					VectorIDs:    []core.ID{core.VectorID(42, 0), core.VectorID(42, 1)},
					Metadata: core.Metadata{
						Source:        "x.png",
						FileType:      core.FileTypeImage,
						OCRConfidence: 0.873,
						OCRBlocks:     12,
						VLMEnhanced:   true,
					},
				},
				CreatedAt:   now.Add(-time.Minute),
				UpdatedAt:   now,
				CompletedAt: now,
			},
		},
		{
			name: "failed task",
			task: &core.Task{
				Id:           7,
				Status:       core.StatusFailed,
				CurrentStage: core.StageVLMEnhance,
				Progress:     40,
				Error:        &core.TaskError{Stage: core.StageVLMEnhance, Kind: core.ErrorKindUnavailable, Summary: "connection refused"},
				CreatedAt:    now,
				UpdatedAt:    now,
				CompletedAt:  now,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := MarshalTask(tt.task)
			require.NotEmpty(t, data)

			decoded, err := UnmarshalTask(data)
			require.NoError(t, err)
			assert.Equal(t, tt.task, decoded)
		})
	}
}

func TestUnmarshalTask_Invalid(t *testing.T) {
	valid := MarshalTask(&core.Task{Id: 1, Status: core.StatusPending})

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty data", []byte{}, ErrSerializationFailed},
		{"truncated", valid[:len(valid)/2], ErrSerializationFailed},
		{"unknown version", append([]byte{0x09}, valid[1:]...), ErrUnsupportedVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalTask(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMarshalUnmarshalVectorEntry(t *testing.T) {
	entry := &core.VectorEntry{
		Id:         core.VectorID(3, 5),
		TaskID:     3,
		ChunkIndex: 5,
		Text:       "第一章 overview",
		Source:     "book.pdf",
		Vector:     []float32{0.25, -0.5, 0, 1e-7},
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}

	decoded, err := UnmarshalVectorEntry(MarshalVectorEntry(entry))
	require.NoError(t, err)
	assert.Equal(t, entry, decoded)
}
