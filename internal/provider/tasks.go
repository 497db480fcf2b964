package provider

import (
	"log/slog"
	"sync"
)

// TaskRegistry tracks the client's fire-and-forget goroutines (watchdogs,
// confidential handoffs) so diagnostics can enumerate them and panics are
// logged instead of killing the process.
type TaskRegistry struct {
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]int
}

// NewTaskRegistry creates a task registry.
func NewTaskRegistry(logger *slog.Logger) *TaskRegistry {
	return &TaskRegistry{
		logger:  logger,
		running: make(map[string]int),
	}
}

// Go runs fn on a new goroutine tracked under name.
func (t *TaskRegistry) Go(name string, fn func()) {
	t.mu.Lock()
	t.running[name]++
	t.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("background task panicked",
					slog.String("task", name),
					slog.Any("panic", r),
				)
			}
			t.mu.Lock()
			t.running[name]--
			if t.running[name] <= 0 {
				delete(t.running, name)
			}
			t.mu.Unlock()
		}()
		fn()
	}()
}

// Snapshot returns the currently running task names and counts.
func (t *TaskRegistry) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.running))
	for k, v := range t.running {
		out[k] = v
	}
	return out
}
