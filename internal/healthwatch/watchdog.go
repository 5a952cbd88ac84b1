// Package healthwatch implements the hub's liveness and coherence check,
// adapted from the teacher's internal/health.Watchdog periodic-ticker shape
// (Start/checkHealth) — repurposed from bead/project stuck-state alerting to
// the hub's own invariant (§4.7): an app is Running iff its node is
// registered.
package healthwatch

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/jordanhubbard/unicom/internal/supervisor"
)

// NodeLister is the subset of the registry the watchdog needs.
type NodeLister interface {
	Names() []string
}

// AppLister is the subset of the supervisor the watchdog needs.
type AppLister interface {
	Apps() []supervisor.AppStatus
}

// Report is the /healthz response body.
type Report struct {
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues,omitempty"`
}

// Watchdog periodically checks node/app coherence and serves the result at
// /healthz.
type Watchdog struct {
	nodes NodeLister
	apps  AppLister

	mu     sync.Mutex
	latest Report
}

// New constructs a watchdog wired to the live registry and supervisor.
func New(nodes NodeLister, apps AppLister) *Watchdog {
	w := &Watchdog{nodes: nodes, apps: apps}
	w.latest = w.check()
	return w
}

// Run starts the periodic coherence check, grounded on the teacher's
// Watchdog.Start ticker loop.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report := w.check()
			w.mu.Lock()
			w.latest = report
			w.mu.Unlock()
			if !report.Healthy {
				log.Printf("[Watchdog] coherence issues: %v", report.Issues)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watchdog) check() Report {
	nodeSet := make(map[string]struct{})
	for _, n := range w.nodes.Names() {
		nodeSet[n] = struct{}{}
	}

	var issues []string
	for _, app := range w.apps.Apps() {
		_, registered := nodeSet[app.Name]
		if app.State == supervisor.Running.String() && !registered {
			issues = append(issues, "app "+app.Name+" is Running but its node is not registered")
		}
	}
	return Report{Healthy: len(issues) == 0, Issues: issues}
}

// ServeHTTP answers /healthz with the most recently computed report.
func (w *Watchdog) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	report := w.latest
	w.mu.Unlock()

	rw.Header().Set("Content-Type", "application/json")
	if !report.Healthy {
		rw.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(rw).Encode(report)
}
