package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/poiesic/idp/core"
)

// progressMonitor prints one line per stage event.
type progressMonitor struct {
	mu sync.Mutex
	w  io.Writer
}

func (m *progressMonitor) printf(format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(m.w, format, args...)
}

func (m *progressMonitor) StageStarted(id core.ID, stage core.Stage, attempt int) {
	if attempt > 1 {
		m.printf("  %-15s retry %d\n", stage, attempt-1)
		return
	}
	m.printf("  %-15s ...\n", stage)
}

func (m *progressMonitor) StageFinished(id core.ID, stage core.Stage, elapsed time.Duration) {
	m.printf("  %-15s done in %v\n", stage, elapsed.Round(time.Millisecond))
}

func (m *progressMonitor) StageFailed(id core.ID, err *core.StageError) {
	m.printf("  %-15s failed: %s\n", err.Stage, err.Summary())
}

func (m *progressMonitor) TaskFinished(task *core.Task) {
	m.printf("Task %s %s\n", task.Id, task.Status)
}
