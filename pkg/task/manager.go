package task

import (
	"context"
	"fmt"
	"sync"

	"audio-pipeline/pkg/logger"
)

// BackgroundTask represents a long-running background process (queue workers, consumers, the cleanup scheduler).
type BackgroundTask interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

type manager struct {
	tasks  []BackgroundTask
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

var (
	defaultManager = &manager{tasks: make([]BackgroundTask, 0)}
)

// Register adds a background task; should be called during init/assembly before StartAll.
func Register(task BackgroundTask) {
	if task == nil {
		return
	}
	defaultManager.mu.Lock()
	defer defaultManager.mu.Unlock()
	defaultManager.tasks = append(defaultManager.tasks, task)
}

// StartAll starts all registered tasks once.
func StartAll(ctx context.Context) error {
	defaultManager.mu.Lock()
	defer defaultManager.mu.Unlock()
	if defaultManager.cancel != nil {
		return nil
	}
	defaultManager.ctx, defaultManager.cancel = context.WithCancel(ctx)
	for _, t := range defaultManager.tasks {
		if t == nil {
			continue
		}
		if err := t.Start(defaultManager.ctx); err != nil {
			return fmt.Errorf("start background task %s: %w", t.Name(), err)
		}
		logger.Infof("Background task started name=%s", t.Name())
	}
	return nil
}

// StopAll stops all running tasks.
func StopAll() {
	defaultManager.mu.Lock()
	defer defaultManager.mu.Unlock()
	if defaultManager.cancel != nil {
		defaultManager.cancel()
	}
	for i := len(defaultManager.tasks) - 1; i >= 0; i-- {
		if t := defaultManager.tasks[i]; t != nil {
			if err := t.Stop(); err != nil {
				logger.Warnf("Background task stop failed name=%s error=%v", t.Name(), err)
			}
		}
	}
	defaultManager.cancel = nil
}

// Names lists registered task names in start order.
func Names() []string {
	defaultManager.mu.RLock()
	defer defaultManager.mu.RUnlock()
	names := make([]string, 0, len(defaultManager.tasks))
	for _, t := range defaultManager.tasks {
		if t != nil {
			names = append(names, t.Name())
		}
	}
	return names
}

// Func adapts start/stop functions to BackgroundTask.
type Func struct {
	TaskName  string
	StartFunc func(ctx context.Context) error
	StopFunc  func() error
}

func (f *Func) Name() string { return f.TaskName }

func (f *Func) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f *Func) Stop() error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc()
}
