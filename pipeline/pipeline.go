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

// Package pipeline runs a single task through the processing stages:
// parse, OCR, optional VLM enhancement, chunking, vector storage and output.
//
// Each stage runs in its own goroutine bounded by a per-stage timeout.
// Stage errors are recorded on the task record and never returned to the
// caller; Run only fails when the task record itself cannot be written.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/idp/ai"
	"github.com/poiesic/idp/core"
	"github.com/poiesic/idp/extract"
	"github.com/poiesic/idp/output"
	"github.com/poiesic/idp/retry"
	"github.com/poiesic/idp/storage"
)

// Stages are the collaborators invoked by the pipeline. Enhancer may be nil,
// in which case tasks that request VLM enhancement fail at that stage.
type Stages struct {
	Parser     extract.Parser
	Recognizer extract.Recognizer
	Enhancer   ai.Enhancer
	Chunker    extract.Chunker
	Embedder   ai.Embedder
}

// Policy bounds one stage. Retries applies only to timeout and unavailable errors.
type Policy struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// DefaultPolicies returns the stage timeouts used when no override is given.
func DefaultPolicies() map[core.Stage]Policy {
	return map[core.Stage]Policy{
		core.StageParse:         {Timeout: 2 * time.Minute, RetryDelay: time.Second},
		core.StageOCR:           {Timeout: 10 * time.Minute, RetryDelay: time.Second},
		core.StageVLMEnhance:    {Timeout: 5 * time.Minute, RetryDelay: time.Second},
		core.StageChunking:      {Timeout: time.Minute, RetryDelay: time.Second},
		core.StageVectorStore:   {Timeout: 5 * time.Minute, RetryDelay: time.Second},
		core.StagePersistOutput: {Timeout: time.Minute, RetryDelay: time.Second},
	}
}

// Pipeline executes tasks. It holds no per-task state and is safe for concurrent use.
type Pipeline struct {
	tasks       storage.TaskRepository
	vectors     storage.VectorRepository
	outputs     output.Store
	stages      Stages
	policies    map[core.Stage]Policy
	taskTimeout time.Duration
	monitor     Monitor
	logger      *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithMonitor installs a run observer.
func WithMonitor(monitor Monitor) Option {
	return func(p *Pipeline) error {
		if monitor == nil {
			monitor = &noopMonitor{}
		}
		p.monitor = monitor
		return nil
	}
}

// WithStagePolicy overrides the timeout and retry policy of one stage.
func WithStagePolicy(stage core.Stage, policy Policy) Option {
	return func(p *Pipeline) error {
		if _, ok := p.policies[stage]; !ok {
			return fmt.Errorf("%w: unknown stage %q", core.ErrValidation, stage)
		}
		if policy.Timeout <= 0 {
			return fmt.Errorf("%w: stage %s timeout must be positive", core.ErrValidation, stage)
		}
		if policy.Retries < 0 {
			return fmt.Errorf("%w: stage %s retries must not be negative", core.ErrValidation, stage)
		}
		p.policies[stage] = policy
		return nil
	}
}

// WithTaskTimeout bounds the wall-clock time of a whole run. Zero disables the bound.
func WithTaskTimeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		if d < 0 {
			return fmt.Errorf("%w: task timeout must not be negative", core.ErrValidation)
		}
		p.taskTimeout = d
		return nil
	}
}

// NewPipeline creates a pipeline.
func NewPipeline(
	tasks storage.TaskRepository,
	vectors storage.VectorRepository,
	outputs output.Store,
	stages Stages,
	opts ...Option,
) (*Pipeline, error) {
	switch {
	case tasks == nil:
		return nil, ErrTaskRepositoryRequired
	case vectors == nil:
		return nil, ErrVectorRepositoryRequired
	case outputs == nil:
		return nil, ErrOutputStoreRequired
	case stages.Parser == nil:
		return nil, ErrParserRequired
	case stages.Recognizer == nil:
		return nil, ErrRecognizerRequired
	case stages.Chunker == nil:
		return nil, ErrChunkerRequired
	case stages.Embedder == nil:
		return nil, ErrEmbedderRequired
	}

	p := &Pipeline{
		tasks:    tasks,
		vectors:  vectors,
		outputs:  outputs,
		stages:   stages,
		policies: DefaultPolicies(),
		monitor:  &noopMonitor{},
		logger:   slog.Default().With("component", "pipeline"),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Plan returns the stages a task with cfg will execute, in order.
func Plan(cfg core.ProcessConfig) []core.Stage {
	plan := []core.Stage{core.StageParse, core.StageOCR}
	if cfg.EnableVLM {
		plan = append(plan, core.StageVLMEnhance)
	}
	return append(plan, core.StageChunking, core.StageVectorStore, core.StagePersistOutput)
}

// Run executes task id. The task must be pending; if it is not (for example it
// was cancelled while queued) the run is skipped. token is checked before every
// stage and once more before completion. Cancelling ctx aborts the run and fails the task.
func (p *Pipeline) Run(ctx context.Context, id core.ID, token *CancelToken) error {
	// Record writes must land even when ctx is done.
	store := context.WithoutCancel(ctx)

	task, err := p.tasks.UpdateTask(store, id, func(t *core.Task) error {
		return t.Start()
	})
	if errors.Is(err, core.ErrInvalidTransition) {
		p.logger.Debug("task no longer pending, skipping run", "task", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("start task %s: %w", id, err)
	}

	runCtx := ctx
	if p.taskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}

	st := newRunState(task)
	plan := Plan(task.Input.Config)
	started := time.Now()
	p.logger.Info("task started", "task", id, "source", task.Input.Name(), "stages", len(plan))

	for k, stage := range plan {
		if token.Cancelled() {
			return p.cancel(store, id, stage)
		}
		if err := runCtx.Err(); err != nil {
			return p.fail(store, id, budgetError(stage, err, p.taskTimeout))
		}
		if _, err := p.tasks.UpdateTask(store, id, func(t *core.Task) error {
			return t.Enter(stage)
		}); err != nil {
			return fmt.Errorf("enter %s for task %s: %w", stage, id, err)
		}

		commit, serr := p.runStage(runCtx, id, stage, st)
		if serr != nil {
			if runCtx.Err() != nil && ctx.Err() == nil {
				serr = budgetError(stage, runCtx.Err(), p.taskTimeout)
			}
			return p.fail(store, id, serr)
		}
		commit(st)

		if k < len(plan)-1 {
			pct := float64(k+1) / float64(len(plan)) * 100
			if _, err := p.tasks.UpdateTask(store, id, func(t *core.Task) error {
				return t.SetProgress(pct)
			}); err != nil {
				return fmt.Errorf("record progress for task %s: %w", id, err)
			}
		}
	}

	// A cancel that arrived during the last stage still wins over completion.
	if token.Cancelled() {
		return p.cancel(store, id, core.StageDone)
	}
	final, err := p.tasks.UpdateTask(store, id, func(t *core.Task) error {
		return t.Complete(st.result())
	})
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	p.logger.Info("task completed", "task", id, "chunks", len(st.chunks), "output", st.saved.OutputPath,
		"elapsed", time.Since(started))
	p.monitor.TaskFinished(final)
	return nil
}

// runStage executes one stage with its policy and returns the commit for its output.
func (p *Pipeline) runStage(ctx context.Context, id core.ID, stage core.Stage, st *runState) (commitFunc, *core.StageError) {
	policy := p.policies[stage]
	fn := p.stageFunc(stage)

	var commit commitFunc
	attempt := 0
	err := retry.WithBackoff(ctx, func() error {
		attempt++
		p.monitor.StageStarted(id, stage, attempt)
		begin := time.Now()

		c, err := p.attempt(ctx, stage, policy.Timeout, st, fn)
		if err != nil {
			se := core.AsStageError(stage, err)
			p.logger.Warn("stage attempt failed", "task", id, "stage", stage, "attempt", attempt,
				"kind", se.Kind, "err", se)
			if !se.Kind.Retryable() {
				return retry.Permanent(se)
			}
			return se
		}
		commit = c
		p.monitor.StageFinished(id, stage, time.Since(begin))
		return nil
	}, policy.Retries+1, policy.RetryDelay)
	if err != nil {
		se := core.AsStageError(stage, err)
		p.monitor.StageFailed(id, se)
		return nil, se
	}
	return commit, nil
}

// attempt runs fn in its own goroutine and waits for it or for the stage timeout.
func (p *Pipeline) attempt(ctx context.Context, stage core.Stage, timeout time.Duration, st *runState, fn stageFunc) (commitFunc, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		commit commitFunc
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: core.NewStageError(stage, core.ErrorKindInternal, fmt.Sprintf("panic: %v", r), nil)}
			}
		}()
		c, err := fn(attemptCtx, st)
		done <- outcome{commit: c, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil && o.commit == nil {
			o.commit = func(*runState) {}
		}
		return o.commit, o.err
	case <-attemptCtx.Done():
		err := attemptCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, core.NewStageError(stage, core.ErrorKindTimeout, fmt.Sprintf("exceeded %s", timeout), err)
		}
		return nil, core.NewStageError(stage, core.ErrorKindInternal, "run aborted", err)
	}
}

// fail records a stage failure and removes anything the run already wrote.
func (p *Pipeline) fail(store context.Context, id core.ID, se *core.StageError) error {
	p.purge(store, id)
	task, err := p.tasks.UpdateTask(store, id, func(t *core.Task) error {
		return t.Fail(se.Stage, se.Kind, se.Summary())
	})
	if err != nil {
		return fmt.Errorf("fail task %s: %w", id, err)
	}
	p.logger.Error("task failed", "task", id, "stage", se.Stage, "kind", se.Kind, "err", se)
	p.monitor.TaskFinished(task)
	return nil
}

// cancel records a cooperative cancellation observed before stage.
func (p *Pipeline) cancel(store context.Context, id core.ID, stage core.Stage) error {
	p.purge(store, id)
	task, err := p.tasks.UpdateTask(store, id, func(t *core.Task) error {
		return t.Cancel()
	})
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	p.logger.Info("task cancelled", "task", id, "before", stage)
	p.monitor.TaskFinished(task)
	return nil
}

func (p *Pipeline) purge(ctx context.Context, id core.ID) {
	if n, err := p.vectors.DeleteNamespace(ctx, id); err != nil {
		p.logger.Error("error purging vectors", "task", id, "err", err)
	} else if n > 0 {
		p.logger.Debug("purged vectors", "task", id, "count", n)
	}
	if err := p.outputs.Delete(ctx, id); err != nil {
		p.logger.Error("error purging output", "task", id, "err", err)
	}
}

func budgetError(stage core.Stage, err error, budget time.Duration) *core.StageError {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewStageError(stage, core.ErrorKindTimeout, fmt.Sprintf("task exceeded %s", budget), err)
	}
	return core.NewStageError(stage, core.ErrorKindInternal, "run aborted", err)
}
