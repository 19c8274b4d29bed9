package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrorKindTimeout},
		{"timeout sentinel", fmt.Errorf("%w: embeddings", ErrTimeout), ErrorKindTimeout},
		{"unavailable sentinel", fmt.Errorf("%w: vlm", ErrUnavailable), ErrorKindUnavailable},
		{"missing binary", &exec.Error{Name: "tesseract", Err: exec.ErrNotFound}, ErrorKindUnavailable},
		{"connection refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, ErrorKindUnavailable},
		{"dns", &net.DNSError{Err: "no such host", Name: "vlm.local"}, ErrorKindUnavailable},
		{"invalid input", fmt.Errorf("%w: corrupt pdf", ErrInvalidInput), ErrorKindInvalidInput},
		{"stage error kind wins", fmt.Errorf("wrapped: %w", NewStageError(StageOCR, ErrorKindInvalidInput, "", nil)), ErrorKindInvalidInput},
		{"anything else", errors.New("boom"), ErrorKindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestAsStageError(t *testing.T) {
	assert.Nil(t, AsStageError(StageOCR, nil))

	se := AsStageError(StageVLMEnhance, fmt.Errorf("%w: refused", ErrUnavailable))
	assert.Equal(t, StageVLMEnhance, se.Stage)
	assert.Equal(t, ErrorKindUnavailable, se.Kind)
	assert.ErrorIs(t, se, ErrUnavailable)
	assert.True(t, se.Kind.Retryable())

	existing := NewStageError("", ErrorKindInvalidInput, "bad page", nil)
	got := AsStageError(StageParse, existing)
	assert.Same(t, existing, got)
	assert.Equal(t, StageParse, got.Stage)
	assert.False(t, got.Kind.Retryable())
	assert.Equal(t, "bad page", got.Summary())
}

func TestTaskFailedError(t *testing.T) {
	err := fmt.Errorf("get result: %w", &TaskFailedError{TaskID: 7, Stage: StageOCR, Kind: ErrorKindTimeout, Summary: "slow"})

	assert.ErrorIs(t, err, ErrTaskFailed)
	var tfe *TaskFailedError
	assert.ErrorAs(t, err, &tfe)
	assert.Equal(t, StageOCR, tfe.Stage)
	assert.Contains(t, err.Error(), "task 7 failed at ocr")
}
