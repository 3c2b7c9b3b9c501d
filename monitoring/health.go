package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"
)

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
	Degraded  HealthStatus = "degraded"
)

type HealthCheck struct {
	Name     string        `json:"name"`
	Status   HealthStatus  `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type checkFunc struct {
	run      func(context.Context) error
	critical bool
}

// HealthService aggregates dependency probes. A failing non-critical probe
// degrades the service instead of marking it unhealthy.
type HealthService struct {
	mu        sync.RWMutex
	checks    map[string]checkFunc
	startTime time.Time
	version   string
	timeout   time.Duration
}

type SystemHealth struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []HealthCheck `json:"checks"`
	Uptime    string        `json:"uptime"`
	Version   string        `json:"version"`
}

func CreateHealthService(version string) *HealthService {
	return &HealthService{
		checks:    make(map[string]checkFunc),
		startTime: time.Now(),
		version:   version,
		timeout:   3 * time.Second,
	}
}

func (hs *HealthService) AddCheck(name string, critical bool, check func(context.Context) error) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.checks[name] = checkFunc{run: check, critical: critical}
}

func (hs *HealthService) GetHealth(ctx context.Context) SystemHealth {
	hs.mu.RLock()
	names := make([]string, 0, len(hs.checks))
	for name := range hs.checks {
		names = append(names, name)
	}
	checks := hs.checks
	hs.mu.RUnlock()
	sort.Strings(names)

	status := Healthy
	results := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		c := checks[name]
		result := hs.run(ctx, name, c.run)
		if result.Status == Unhealthy {
			if c.critical {
				status = Unhealthy
			} else if status == Healthy {
				status = Degraded
			}
		}
		results = append(results, result)
	}

	return SystemHealth{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Checks:    results,
		Uptime:    time.Since(hs.startTime).Round(time.Second).String(),
		Version:   hs.version,
	}
}

func (hs *HealthService) run(ctx context.Context, name string, check func(context.Context) error) HealthCheck {
	ctx, cancel := context.WithTimeout(ctx, hs.timeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	result := HealthCheck{Name: name, Status: Healthy, Duration: time.Since(start)}
	if err != nil {
		result.Status = Unhealthy
		result.Error = err.Error()
	}
	return result
}
