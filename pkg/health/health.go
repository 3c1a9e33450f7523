// Package health aggregates dependency probes into one service-level
// status record for GET /health.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/catalyst-hq/catalyst/pkg/version"
)

// Overall and per-dependency statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

const probeTimeout = 5 * time.Second

// Checker probes one dependency. A nil error means healthy.
type Checker func(ctx context.Context) error

// Check is the outcome of one dependency probe.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Report is the aggregate returned to callers.
type Report struct {
	Overall   string           `json:"overall"`
	Services  map[string]Check `json:"services"`
	Version   string           `json:"version"`
	Uptime    string           `json:"uptime"`
	Timestamp time.Time        `json:"timestamp"`
}

type probe struct {
	name     string
	required bool
	check    Checker
}

// Aggregator runs registered probes and classifies the result. A failing
// required dependency makes the whole service unhealthy; a failing optional
// one only degrades it.
type Aggregator struct {
	mu      sync.RWMutex
	probes  []probe
	started time.Time
}

// New creates an aggregator; uptime counts from this call.
func New() *Aggregator {
	return &Aggregator{started: time.Now()}
}

// Register adds a dependency probe. Register all probes at startup, before
// the HTTP surface goes live.
func (a *Aggregator) Register(name string, required bool, check Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probes = append(a.probes, probe{name: name, required: required, check: check})
}

// Check runs every probe concurrently and classifies the aggregate.
func (a *Aggregator) Check(ctx context.Context) Report {
	a.mu.RLock()
	probes := make([]probe, len(a.probes))
	copy(probes, a.probes)
	a.mu.RUnlock()

	report := Report{
		Overall:   StatusUnknown,
		Services:  make(map[string]Check, len(probes)),
		Version:   version.GitCommit,
		Uptime:    time.Since(a.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}
	if len(probes) == 0 {
		return report
	}

	results := make([]Check, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p probe) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			if err := p.check(probeCtx); err != nil {
				status := StatusDegraded
				if p.required {
					status = StatusUnhealthy
				}
				results[i] = Check{Status: status, Message: err.Error()}
				return
			}
			results[i] = Check{Status: StatusHealthy}
		}(i, p)
	}
	wg.Wait()

	report.Overall = StatusHealthy
	for i, p := range probes {
		report.Services[p.name] = results[i]
		switch results[i].Status {
		case StatusUnhealthy:
			report.Overall = StatusUnhealthy
		case StatusDegraded:
			if report.Overall != StatusUnhealthy {
				report.Overall = StatusDegraded
			}
		}
	}
	return report
}

// HTTPProbe returns a Checker that expects a 2xx response from the URL.
// Used for the LLM service and the optional cache and vector-index
// dependencies.
func HTTPProbe(client *http.Client, url string) Checker {
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
		}
		return nil
	}
}
