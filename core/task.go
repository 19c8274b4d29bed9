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

package core

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transition can leave this state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Stage names one step of the enrichment sequence.
type Stage string

const (
	StageParse         Stage = "parse"
	StageOCR           Stage = "ocr"
	StageVLMEnhance    Stage = "vlm_enhance"
	StageChunking      Stage = "chunking"
	StageVectorStore   Stage = "vector_store"
	StagePersistOutput Stage = "persist_output"

	// StageDone is recorded as the current stage once a task completes.
	StageDone Stage = "done"

	// StageQueue is recorded as the failing stage of a task rejected by a
	// full queue before any stage ran.
	StageQueue Stage = "queue"
)

// TaskError records why a task failed.
type TaskError struct {
	Stage   Stage     `json:"failing_stage"`
	Kind    ErrorKind `json:"kind"`
	Summary string    `json:"summary"`
}

// Task is one end-to-end run over a single input document.
//
// Result is set only when Status is completed and Error only when Status is
// failed. Progress never decreases and equals 100 only once completed.
type Task struct {
	Id           ID         `json:"task_id"`
	Status       Status     `json:"status"`
	CurrentStage Stage      `json:"current_stage,omitempty"`
	Progress     float64    `json:"progress_pct"`
	Input        Descriptor `json:"input"`
	Result       *Result    `json:"result,omitempty"`
	Error        *TaskError `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  time.Time  `json:"completed_at,omitzero"`
}

// NewTask returns a pending task holding a private copy of input.
func NewTask(input Descriptor) *Task {
	return &Task{
		Status: StatusPending,
		Input:  input.Clone(),
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Input = t.Input.Clone()
	c.Result = t.Result.Clone()
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}

func (t *Task) transitionError(to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
}

// Start moves a pending task into processing.
func (t *Task) Start() error {
	if t.Status != StatusPending {
		return t.transitionError(StatusProcessing)
	}
	t.Status = StatusProcessing
	return nil
}

// Enter records the stage about to execute.
func (t *Task) Enter(stage Stage) error {
	if t.Status != StatusProcessing {
		return fmt.Errorf("%w: cannot enter %s while %s", ErrInvalidTransition, stage, t.Status)
	}
	t.CurrentStage = stage
	return nil
}

// SetProgress raises progress to pct. Lower values are ignored so progress
// never regresses. Only Complete may reach 100.
func (t *Task) SetProgress(pct float64) error {
	if t.Status != StatusProcessing {
		return fmt.Errorf("%w: cannot advance while %s", ErrInvalidTransition, t.Status)
	}
	if pct < 0 || pct >= 100 {
		return fmt.Errorf("%w: progress %.2f out of range", ErrValidation, pct)
	}
	t.Progress = max(t.Progress, pct)
	return nil
}

// Complete stores the result and moves the task into completed.
func (t *Task) Complete(result *Result) error {
	if t.Status != StatusProcessing {
		return t.transitionError(StatusCompleted)
	}
	if result == nil {
		return fmt.Errorf("%w: completed task requires a result", ErrValidation)
	}
	t.Status = StatusCompleted
	t.CurrentStage = StageDone
	t.Progress = 100
	t.Result = result.Clone()
	t.Error = nil
	t.CompletedAt = time.Now().UTC()
	return nil
}

// Fail records the failing stage and moves the task into failed.
func (t *Task) Fail(stage Stage, kind ErrorKind, summary string) error {
	if t.Status != StatusProcessing {
		return t.transitionError(StatusFailed)
	}
	t.Status = StatusFailed
	t.CurrentStage = stage
	t.Result = nil
	t.Error = &TaskError{Stage: stage, Kind: kind, Summary: summary}
	t.CompletedAt = time.Now().UTC()
	return nil
}

// Cancel moves a pending or processing task into cancelled.
func (t *Task) Cancel() error {
	if t.Status != StatusPending && t.Status != StatusProcessing {
		return t.transitionError(StatusCancelled)
	}
	t.Status = StatusCancelled
	t.Result = nil
	t.CompletedAt = time.Now().UTC()
	return nil
}
