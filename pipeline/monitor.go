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

package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/poiesic/idp/core"
)

// Monitor observes a run. Callbacks are invoked synchronously from the run
// goroutine and must not block.
type Monitor interface {
	StageStarted(id core.ID, stage core.Stage, attempt int)
	StageFinished(id core.ID, stage core.Stage, elapsed time.Duration)
	StageFailed(id core.ID, err *core.StageError)
	TaskFinished(task *core.Task)
}

type noopMonitor struct{}

var _ Monitor = (*noopMonitor)(nil)

func (n *noopMonitor) StageStarted(_ core.ID, _ core.Stage, _ int)           {}
func (n *noopMonitor) StageFinished(_ core.ID, _ core.Stage, _ time.Duration) {}
func (n *noopMonitor) StageFailed(_ core.ID, _ *core.StageError)             {}
func (n *noopMonitor) TaskFinished(_ *core.Task)                             {}

// CancelToken is a cooperative cancellation flag checked at stage boundaries.
// The zero value is ready to use.
type CancelToken struct {
	cancelled atomic.Bool
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

// Cancel sets the flag. It is safe to call more than once.
func (t *CancelToken) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called. A nil token is never cancelled.
func (t *CancelToken) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}
