// Package worker runs the fiscalizer's background loops: the batch queue and the
// input folder watcher.
package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Worker is a background loop with an explicit lifecycle.
// Start must return once the loop is running; Stop blocks until it has exited.
type Worker interface {
	Start(ctx context.Context) error
	Stop()
	Name() string
}

// Manager starts workers in registration order and stops them in reverse
type Manager struct {
	mu      sync.Mutex
	workers []Worker
	running []Worker
	logger  *zap.Logger
}

// NewManager creates a new worker manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register adds a worker; it is started by the next StartAll
func (m *Manager) Register(w Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = append(m.workers, w)
}

// StartAll starts every registered worker that is not running yet.
// If one fails, the workers started by this call are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var started []Worker
	for _, w := range m.workers {
		if m.isRunning(w) {
			continue
		}
		if err := w.Start(ctx); err != nil {
			m.logger.Error("Worker failed to start", zap.String("worker", w.Name()), zap.Error(err))
			stopReverse(started)
			return fmt.Errorf("failed to start worker %s: %w", w.Name(), err)
		}
		started = append(started, w)
		m.logger.Info("Worker started", zap.String("worker", w.Name()))
	}

	m.running = append(m.running, started...)
	return nil
}

// StopAll stops the running workers, most recently started first
func (m *Manager) StopAll() {
	m.mu.Lock()
	running := m.running
	m.running = nil
	m.mu.Unlock()

	stopReverse(running)
	for i := len(running) - 1; i >= 0; i-- {
		m.logger.Info("Worker stopped", zap.String("worker", running[i].Name()))
	}
}

// Get returns the registered worker with the given name
func (m *Manager) Get(name string) (Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.workers {
		if w.Name() == name {
			return w, true
		}
	}
	return nil, false
}

// Count returns the number of registered workers
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Running returns the number of started workers
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func (m *Manager) isRunning(w Worker) bool {
	for _, r := range m.running {
		if r == w {
			return true
		}
	}
	return false
}

func stopReverse(workers []Worker) {
	for i := len(workers) - 1; i >= 0; i-- {
		workers[i].Stop()
	}
}
