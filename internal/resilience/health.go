// Package resilience provides component health checks for the running
// service.
package resilience

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string         `json:"name"`
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	LastCheck time.Time      `json:"lastCheck"`
	Latency   time.Duration  `json:"latencyNs"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthCheck probes one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth is the result of running every registered check.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Uptime     time.Duration     `json:"uptimeNs"`
	Goroutines int               `json:"goroutines"`
	Components []ComponentHealth `json:"components"`
}

// HealthMonitor runs registered health checks on demand.
type HealthMonitor struct {
	mu         sync.RWMutex
	components map[string]HealthCheck
	timeout    time.Duration
	startTime  time.Time
}

// NewHealthMonitor creates a monitor whose checks are bounded by timeout.
func NewHealthMonitor(timeout time.Duration) *HealthMonitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		components: make(map[string]HealthCheck),
		timeout:    timeout,
		startTime:  time.Now(),
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// Check runs every check concurrently. A panicking check reports the
// component as unhealthy. The overall status is the worst component status.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(m.components))
	for name, check := range m.components {
		checks[name] = check
	}
	m.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	results := make([]ComponentHealth, len(names))
	groups := make([]*conc.WaitGroup, len(names))
	for i, name := range names {
		groups[i] = conc.NewWaitGroup()
		groups[i].Go(func() {
			start := time.Now()
			h := checks[name](ctx)
			h.Name = name
			h.LastCheck = time.Now()
			if h.Latency == 0 {
				h.Latency = time.Since(start)
			}
			results[i] = h
		})
	}
	for i, wg := range groups {
		if r := wg.WaitAndRecover(); r != nil {
			results[i] = ComponentHealth{
				Name:      names[i],
				Status:    HealthStatusUnhealthy,
				Message:   fmt.Sprintf("panic: %v", r.Value),
				LastCheck: time.Now(),
			}
		}
	}

	overall := HealthStatusHealthy
	for _, h := range results {
		switch h.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}

	return SystemHealth{
		Status:     overall,
		Uptime:     time.Since(m.startTime),
		Goroutines: runtime.NumGoroutine(),
		Components: results,
	}
}

// DatabaseHealthCheck reports the store unhealthy when probe fails and
// degraded when it is slow.
func DatabaseHealthCheck(probe func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := probe(ctx)
		health := ComponentHealth{Latency: time.Since(start)}

		switch {
		case err != nil:
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("Database probe failed: %v", err)
		case health.Latency > 100*time.Millisecond:
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("Database slow: %v", health.Latency)
		default:
			health.Status = HealthStatusHealthy
		}
		return health
	}
}

// FreshnessCheck reports a producer degraded when it has not made progress
// within maxAge. A zero last time means it has not run yet.
func FreshnessCheck(last func() time.Time, maxAge time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		t := last()
		health := ComponentHealth{Details: map[string]any{"last": t}}
		switch {
		case t.IsZero():
			health.Status = HealthStatusDegraded
			health.Message = "No activity yet"
		case time.Since(t) > maxAge:
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("No activity for %v", time.Since(t).Round(time.Second))
		default:
			health.Status = HealthStatusHealthy
		}
		return health
	}
}
