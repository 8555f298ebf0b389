// Package health aggregates component liveness for the API and metrics
// surfaces. Components register a check at wiring time; callers poll.
package health

import (
	"sync"

	"liqhunter/internal/core"
)

// Manager is the component health registry.
type Manager struct {
	logger core.ILogger

	mu     sync.RWMutex
	checks map[string]func() error
}

var _ core.IHealthMonitor = (*Manager)(nil)

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "health"),
		checks: make(map[string]func() error),
	}
}

// Register adds or replaces the named component's check.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus runs every check and reports per-component status strings.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "unhealthy: " + err.Error()
		} else {
			status[component] = "healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered component passes. An empty
// registry is healthy.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for component, check := range m.checks {
		if err := check(); err != nil {
			m.logger.Warn("component unhealthy", "check", component, "error", err)
			return false
		}
	}
	return true
}
