// Package health tracks critical component errors surfaced on the health endpoint.
package health

import (
	"sort"
	"sync"
	"time"
)

// Reporter receives critical errors from long-running components
type Reporter interface {
	ReportError(component string, err error)
	Clear(component string)
}

// ComponentError is the last critical error raised by a component
type ComponentError struct {
	Component  string    `json:"component"`
	Error      string    `json:"error"`
	ReportedAt time.Time `json:"reported_at"`
}

// Status is the aggregated health of the service
type Status struct {
	Healthy bool             `json:"healthy"`
	Errors  []ComponentError `json:"errors,omitempty"`
}

// Monitor is the in-process Reporter read by the health endpoint
type Monitor struct {
	mu     sync.RWMutex
	errors map[string]ComponentError
}

// NewMonitor creates a monitor with no reported errors
func NewMonitor() *Monitor {
	return &Monitor{errors: make(map[string]ComponentError)}
}

func (m *Monitor) ReportError(component string, err error) {
	if err == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.errors[component] = ComponentError{
		Component:  component,
		Error:      err.Error(),
		ReportedAt: time.Now().UTC(),
	}
}

func (m *Monitor) Clear(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.errors, component)
}

// Status returns the current errors sorted by component
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{Healthy: len(m.errors) == 0}
	for _, e := range m.errors {
		status.Errors = append(status.Errors, e)
	}

	sort.Slice(status.Errors, func(i, j int) bool { return status.Errors[i].Component < status.Errors[j].Component })
	return status
}
