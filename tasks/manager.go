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

// Package tasks schedules pipeline runs and answers lifecycle queries.
//
// Created tasks are queued on a bounded channel. A dispatcher goroutine hands
// them to an ants worker pool, which bounds how many runs execute at once.
// The manager keeps one run handle per scheduled task so a task can never have
// two active runs, and so cancellation reaches the run's CancelToken.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/idp/core"
	"github.com/poiesic/idp/output"
	"github.com/poiesic/idp/pipeline"
	"github.com/poiesic/idp/storage"
)

const (
	defaultQueueDepth      = 256
	defaultShutdownTimeout = 30 * time.Second
	defaultPollInterval    = 50 * time.Millisecond
)

// Runner executes one task. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, id core.ID, token *pipeline.CancelToken) error
}

// run is the handle of a scheduled task. done is closed once the run is over
// or the task was cancelled before it started.
type run struct {
	token  *pipeline.CancelToken
	done   chan struct{}
	once   sync.Once
	active bool
}

func newRun() *run {
	return &run{token: pipeline.NewCancelToken(), done: make(chan struct{})}
}

func (r *run) finish() {
	r.once.Do(func() { close(r.done) })
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Running  int `json:"running"`
	Queued   int `json:"queued"`
	Capacity int `json:"capacity"`
}

// RecoverStats reports what Recover did.
type RecoverStats struct {
	Failed   int
	Requeued int
}

// Manager owns task scheduling.
type Manager struct {
	tasks   storage.TaskRepository
	vectors storage.VectorRepository
	outputs output.Store
	runner  Runner

	pool            *ants.Pool
	busy            atomic.Int32
	poolSize        int
	queueDepth      int
	shutdownTimeout time.Duration
	pollInterval    time.Duration
	queue           chan core.ID
	dispatcher      sync.WaitGroup

	// ctx is handed to every run and cancelled when shutdown runs out of time.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	runs   map[core.ID]*run
	closed bool

	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager) error

// WithMaxConcurrency sets how many tasks run at once.
func WithMaxConcurrency(n int) Option {
	return func(m *Manager) error {
		if n < 1 {
			n = 1
		}
		m.poolSize = n
		return nil
	}
}

// WithQueueDepth sets how many tasks may wait for a worker.
func WithQueueDepth(n int) Option {
	return func(m *Manager) error {
		if n < 1 {
			return fmt.Errorf("%w: queue depth must be at least 1", core.ErrValidation)
		}
		m.queueDepth = n
		return nil
	}
}

// WithShutdownTimeout bounds how long Release waits for in-flight runs before aborting them.
func WithShutdownTimeout(d time.Duration) Option {
	return func(m *Manager) error {
		if d <= 0 {
			return fmt.Errorf("%w: shutdown timeout must be positive", core.ErrValidation)
		}
		m.shutdownTimeout = d
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) error {
		if logger == nil {
			logger = slog.Default()
		}
		m.logger = logger
		return nil
	}
}

// NewManager creates a manager and starts its dispatcher.
func NewManager(
	tasks storage.TaskRepository,
	vectors storage.VectorRepository,
	outputs output.Store,
	runner Runner,
	opts ...Option,
) (*Manager, error) {
	switch {
	case tasks == nil:
		return nil, ErrTaskRepositoryRequired
	case vectors == nil:
		return nil, ErrVectorRepositoryRequired
	case outputs == nil:
		return nil, ErrOutputStoreRequired
	case runner == nil:
		return nil, ErrRunnerRequired
	}

	m := &Manager{
		tasks:           tasks,
		vectors:         vectors,
		outputs:         outputs,
		runner:          runner,
		poolSize:        max(runtime.NumCPU()/2, 1),
		queueDepth:      defaultQueueDepth,
		shutdownTimeout: defaultShutdownTimeout,
		pollInterval:    defaultPollInterval,
		runs:            make(map[core.ID]*run),
		logger:          slog.Default().With("component", "tasks"),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}

	pool, err := ants.NewPool(m.poolSize, ants.WithPanicHandler(func(r any) {
		m.logger.Error("panic in task worker", "panic", r)
	}))
	if err != nil {
		return nil, err
	}
	m.pool = pool
	m.queue = make(chan core.ID, m.queueDepth)
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.dispatcher.Add(1)
	go m.dispatch()
	return m, nil
}

// CreateTask validates and persists a pending task and schedules it.
// If the queue is full the task is recorded as failed and ErrQueueFull is
// returned together with its ID.
func (m *Manager) CreateTask(ctx context.Context, input core.Descriptor) (core.ID, error) {
	if err := core.ValidateDescriptor(input); err != nil {
		return 0, err
	}
	task, err := m.tasks.CreateTask(ctx, core.NewTask(input))
	if err != nil {
		return 0, err
	}
	id := task.Id

	err = m.enqueue(id)
	if errors.Is(err, core.ErrQueueFull) {
		if _, uerr := m.tasks.UpdateTask(ctx, id, func(t *core.Task) error {
			if err := t.Start(); err != nil {
				return err
			}
			return t.Fail(core.StageQueue, core.ErrorKindUnavailable, core.ErrQueueFull.Error())
		}); uerr != nil {
			m.logger.Error("error recording queue overflow", "task", id, "err", uerr)
		}
		m.logger.Warn("task rejected, queue full", "task", id, "depth", m.queueDepth)
		return id, err
	}
	if err != nil {
		return id, err
	}

	m.logger.Info("task created", "task", id, "source", input.Name())
	return id, nil
}

// Start schedules a pending task that has no run yet, such as one left
// behind by Release. A full queue leaves the task pending.
func (m *Manager) Start(ctx context.Context, id core.ID) error {
	task, err := m.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	switch task.Status {
	case core.StatusPending:
		return m.enqueue(id)
	case core.StatusProcessing:
		return fmt.Errorf("%w: task %s", core.ErrConcurrentRun, id)
	default:
		return fmt.Errorf("%w: task %s is %s", core.ErrInvalidTransition, id, task.Status)
	}
}

// GetStatus returns a snapshot of the task record.
func (m *Manager) GetStatus(ctx context.Context, id core.ID) (*core.Task, error) {
	task, err := m.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, notFound(id, err)
	}
	return task, nil
}

// GetResult returns the result of a completed task.
// Failed tasks yield a *core.TaskFailedError; cancelled tasks an error matching
// both core.ErrNotReady and core.ErrTaskCancelled.
func (m *Manager) GetResult(ctx context.Context, id core.ID) (*core.Result, error) {
	task, err := m.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case core.StatusCompleted:
		return task.Result, nil
	case core.StatusFailed:
		failure := &core.TaskFailedError{TaskID: id}
		if task.Error != nil {
			failure.Stage = task.Error.Stage
			failure.Kind = task.Error.Kind
			failure.Summary = task.Error.Summary
		}
		return nil, failure
	case core.StatusCancelled:
		return nil, fmt.Errorf("%w: task %s: %w", core.ErrNotReady, id, core.ErrTaskCancelled)
	default:
		return nil, fmt.Errorf("%w: task %s is %s", core.ErrNotReady, id, task.Status)
	}
}

// LoadArtifact returns the persisted output file of a completed task.
func (m *Manager) LoadArtifact(ctx context.Context, id core.ID) ([]byte, core.OutputFormat, error) {
	result, err := m.GetResult(ctx, id)
	if err != nil {
		return nil, "", err
	}
	data, err := m.outputs.Load(ctx, result.OutputPath)
	if err != nil {
		return nil, "", err
	}
	return data, result.OutputFormat, nil
}

// Cancel requests cancellation. A pending task is cancelled at once; a
// processing task stops at its next stage boundary; a terminal task is left
// unchanged. The returned snapshot reflects the record after the request.
func (m *Manager) Cancel(ctx context.Context, id core.ID) (*core.Task, error) {
	task, err := m.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	// Set the token first so a run that starts concurrently still observes it.
	m.mu.Lock()
	r := m.runs[id]
	if r != nil {
		r.token.Cancel()
	}
	m.mu.Unlock()

	updated, err := m.tasks.UpdateTask(ctx, id, func(t *core.Task) error {
		if t.Status != core.StatusPending {
			return fmt.Errorf("%w: task %s is %s", core.ErrInvalidTransition, id, t.Status)
		}
		return t.Cancel()
	})
	switch {
	case err == nil:
		m.mu.Lock()
		if r != nil && !r.active && m.runs[id] == r {
			delete(m.runs, id)
			r.finish()
		}
		m.mu.Unlock()
		m.logger.Info("task cancelled", "task", id)
		return updated, nil
	case errors.Is(err, core.ErrInvalidTransition):
		m.logger.Info("cancellation requested", "task", id)
		return m.GetStatus(ctx, id)
	default:
		return nil, notFound(id, err)
	}
}

// DeleteTask cancels the task, waits for its run to end and removes its
// vectors, output files and record.
func (m *Manager) DeleteTask(ctx context.Context, id core.ID) error {
	if _, err := m.Cancel(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	r := m.runs[id]
	m.mu.Unlock()
	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var errs []error
	if _, err := m.vectors.DeleteNamespace(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("delete vectors: %w", err))
	}
	if err := m.outputs.Delete(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("delete output: %w", err))
	}
	if err := m.tasks.DeleteTask(ctx, id); err != nil {
		errs = append(errs, notFound(id, err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	m.logger.Info("task deleted", "task", id)
	return nil
}

// ListTasks returns up to limit tasks, newest first. A limit <= 0 returns all.
func (m *Manager) ListTasks(ctx context.Context, limit int) ([]*core.Task, error) {
	return m.tasks.ListTasks(ctx, limit)
}

// Wait blocks until the task reaches a terminal status or ctx is done.
func (m *Manager) Wait(ctx context.Context, id core.ID) (*core.Task, error) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		task, err := m.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}

		var done <-chan struct{}
		m.mu.Lock()
		if r := m.runs[id]; r != nil {
			done = r.done
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
		case <-ticker.C:
		}
	}
}

// Recover reconciles records left by a previous process. Tasks that were
// processing are failed as interrupted and their partial output removed;
// pending tasks are scheduled again, oldest first.
func (m *Manager) Recover(ctx context.Context) (RecoverStats, error) {
	var stats RecoverStats
	all, err := m.tasks.ListTasks(ctx, 0)
	if err != nil {
		return stats, err
	}

	var errs []error
	for i := len(all) - 1; i >= 0; i-- {
		task := all[i]
		switch task.Status {
		case core.StatusProcessing:
			m.mu.Lock()
			_, live := m.runs[task.Id]
			m.mu.Unlock()
			if live {
				continue
			}
			_, err := m.tasks.UpdateTask(ctx, task.Id, func(t *core.Task) error {
				if t.Status != core.StatusProcessing {
					return fmt.Errorf("%w: task %s is %s", core.ErrInvalidTransition, t.Id, t.Status)
				}
				stage := t.CurrentStage
				if stage == "" || stage == core.StageDone {
					stage = core.StageParse
				}
				return t.Fail(stage, core.ErrorKindInternal, "interrupted by restart")
			})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if _, err := m.vectors.DeleteNamespace(ctx, task.Id); err != nil {
				errs = append(errs, err)
			}
			if err := m.outputs.Delete(ctx, task.Id); err != nil {
				errs = append(errs, err)
			}
			stats.Failed++
		case core.StatusPending:
			err := m.enqueue(task.Id)
			if errors.Is(err, core.ErrConcurrentRun) {
				continue
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("requeue task %s: %w", task.Id, err))
				continue
			}
			stats.Requeued++
		}
	}

	m.logger.Info("recovery complete", "failed", stats.Failed, "requeued", stats.Requeued)
	return stats, errors.Join(errs...)
}

// Stats reports scheduler occupancy. Running counts tasks inside a run, not
// pool workers, which ants keeps alive for a while after they go idle.
func (m *Manager) Stats() Stats {
	return Stats{
		Running:  int(m.busy.Load()),
		Queued:   len(m.queue),
		Capacity: m.pool.Cap(),
	}
}

// Release stops intake, lets in-flight runs finish within the shutdown
// timeout and releases the worker pool. Tasks still queued stay pending and
// are picked up by Recover on the next start.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	abort := time.AfterFunc(m.shutdownTimeout, m.cancel)
	defer abort.Stop()

	m.dispatcher.Wait()
	if err := m.pool.ReleaseTimeout(m.shutdownTimeout); err != nil {
		m.logger.Warn("workers still running at shutdown", "err", err)
	}
	m.cancel()
}

func (m *Manager) enqueue(id core.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.runs[id]; ok {
		return fmt.Errorf("%w: task %s", core.ErrConcurrentRun, id)
	}

	m.runs[id] = newRun()
	select {
	case m.queue <- id:
		return nil
	default:
		delete(m.runs, id)
		return fmt.Errorf("%w: depth %d", core.ErrQueueFull, m.queueDepth)
	}
}

func (m *Manager) dispatch() {
	defer m.dispatcher.Done()
	for id := range m.queue {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			m.abandon(id)
			continue
		}
		if err := m.pool.Submit(func() { m.execute(id) }); err != nil {
			m.logger.Error("error submitting task", "task", id, "err", err)
			m.abandon(id)
		}
	}
}

func (m *Manager) execute(id core.ID) {
	m.mu.Lock()
	r := m.runs[id]
	if r == nil {
		// cancelled while queued
		m.mu.Unlock()
		return
	}
	r.active = true
	m.mu.Unlock()
	m.busy.Add(1)

	defer func() {
		m.busy.Add(-1)
		m.mu.Lock()
		if m.runs[id] == r {
			delete(m.runs, id)
		}
		m.mu.Unlock()
		r.finish()
	}()

	if err := m.runner.Run(m.ctx, id, r.token); err != nil {
		m.logger.Error("error running task", "task", id, "err", err)
	}
}

// abandon drops the handle of a task that will not run in this process.
func (m *Manager) abandon(id core.ID) {
	m.mu.Lock()
	r := m.runs[id]
	delete(m.runs, id)
	m.mu.Unlock()
	if r != nil {
		r.finish()
	}
}

func notFound(id core.ID, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", core.ErrNotFound, id)
	}
	return err
}
