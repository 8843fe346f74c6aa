// Package health tracks the liveness of the bridge's moving parts: the
// NATS connection, the sandbox session, and the checkpoint store. The
// aggregate feeds the service's health endpoint.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status is the health of one subsystem at a point in time.
type Status struct {
	Component string    `json:"component"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsHealthy reports whether the subsystem is fully operational.
func (s Status) IsHealthy() bool {
	return s.Status == StatusHealthy
}

// Monitor aggregates subsystem statuses. Degraded subsystems degrade the
// aggregate; any unhealthy subsystem makes it unhealthy.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// SetHealthy marks a subsystem operational.
func (m *Monitor) SetHealthy(component, message string) {
	m.set(component, StatusHealthy, message)
}

// SetDegraded marks a subsystem limping: usable but below expectations,
// like a sandbox that fell back to the CPU embedder.
func (m *Monitor) SetDegraded(component, message string) {
	m.set(component, StatusDegraded, message)
}

// SetUnhealthy marks a subsystem down.
func (m *Monitor) SetUnhealthy(component, message string) {
	m.set(component, StatusUnhealthy, message)
}

func (m *Monitor) set(component, status, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[component] = Status{
		Component: component,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Get returns one subsystem's status.
func (m *Monitor) Get(component string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[component]
	return s, ok
}

// Report is the aggregate health of the service.
type Report struct {
	Status     string   `json:"status"`
	Subsystems []Status `json:"subsystems"`
}

// Aggregate folds all subsystem statuses into one report.
func (m *Monitor) Aggregate() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := Report{Status: StatusHealthy}
	for _, s := range m.statuses {
		report.Subsystems = append(report.Subsystems, s)
		switch s.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

// Handler serves the aggregate as JSON. Unhealthy reports get a 503 so
// load balancers and orchestrators can act on the status code alone.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		report := m.Aggregate()

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}
