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
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os/exec"
	"syscall"
)

// Request errors. These are returned synchronously to callers of the task manager.
var (
	// ErrValidation indicates a malformed descriptor or request.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates the task identifier is unknown.
	ErrNotFound = errors.New("task not found")

	// ErrNotReady indicates a result was requested before the task completed.
	ErrNotReady = errors.New("task result not ready")

	// ErrTaskFailed matches any *TaskFailedError via errors.Is.
	ErrTaskFailed = errors.New("task failed")

	// ErrTaskCancelled indicates a result was requested for a cancelled task.
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrConcurrentRun indicates a run is already active for the task.
	ErrConcurrentRun = errors.New("task already has an active run")

	// ErrQueueFull indicates the scheduling queue is at capacity.
	ErrQueueFull = errors.New("task queue is full")

	// ErrInvalidTransition indicates a state change not permitted by the task state machine.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// Stage adapter errors. Adapters wrap these so the orchestrator can classify failures.
var (
	// ErrUnavailable indicates an external capability could not be reached.
	ErrUnavailable = errors.New("service unavailable")

	// ErrTimeout indicates an external capability did not answer in time.
	ErrTimeout = errors.New("request timed out")

	// ErrInvalidInput indicates the adapter rejected its input.
	ErrInvalidInput = errors.New("invalid stage input")
)

// ErrorKind classifies a stage failure.
type ErrorKind string

const (
	ErrorKindUnavailable  ErrorKind = "unavailable"
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindInvalidInput ErrorKind = "invalid_input"
	ErrorKindInternal     ErrorKind = "internal"
)

// Retryable reports whether failures of this kind may succeed on another attempt.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTimeout || k == ErrorKindUnavailable
}

// StageError is the failure reported by a stage adapter.
type StageError struct {
	Stage  Stage
	Kind   ErrorKind
	Detail string
	Err    error
}

// NewStageError creates a StageError. Detail may be empty.
func NewStageError(stage Stage, kind ErrorKind, detail string, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Detail: detail, Err: err}
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Summary returns the message recorded on a failed task.
func (e *StageError) Summary() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return e.Detail + ": " + e.Err.Error()
	case e.Detail != "":
		return e.Detail
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

// AsStageError converts err into a StageError attributed to stage.
// An existing StageError in the chain is reused, with its stage filled in if unset.
func AsStageError(stage Stage, err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		if se.Stage == "" {
			se.Stage = stage
		}
		return se
	}
	return &StageError{Stage: stage, Kind: ClassifyError(err), Err: err}
}

// ClassifyError maps an arbitrary error onto an ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKindTimeout
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrValidation) {
		return ErrorKindInvalidInput
	}
	if errors.Is(err, ErrUnavailable) ||
		errors.Is(err, exec.ErrNotFound) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return ErrorKindUnavailable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorKindUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorKindUnavailable
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ErrorKindUnavailable
	}
	return ErrorKindInternal
}

// TaskFailedError is returned when the result of a failed task is requested.
type TaskFailedError struct {
	TaskID  ID
	Stage   Stage
	Kind    ErrorKind
	Summary string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed at %s (%s): %s", e.TaskID, e.Stage, e.Kind, e.Summary)
}

// Is makes errors.Is(err, ErrTaskFailed) match.
func (e *TaskFailedError) Is(target error) bool {
	return target == ErrTaskFailed
}
