// Package supervisor implements the app supervisor (L7, §4.7): discovers
// app directories under a configured root, manages each app's child-process
// lifecycle, and starts apps once their "after" dependency node registers.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/jordanhubbard/unicom/internal/logsink"
	"github.com/jordanhubbard/unicom/internal/metrics"
	"github.com/jordanhubbard/unicom/internal/telemetry"
)

// knownStates lists every App.State string, used to zero out the states an
// app is no longer in when its gauge is updated.
var knownStates = []string{Waiting.String(), Started.String(), Running.String(), Zombie.String(), Stopped.String()}

// Supervisor owns every discovered app under root, grounded on the
// teacher's containers.Orchestrator map+mutex process registry.
type Supervisor struct {
	root string
	sink *logsink.Sink

	mu   sync.RWMutex
	apps map[string]*App

	watcher *fsnotify.Watcher
	done    chan struct{}

	metrics *metrics.Metrics
}

// New discovers every app-directory config.toml under root and constructs
// their App handles in Waiting state. It does not start anything yet —
// call StartReady for that.
func New(root string, sink *logsink.Sink) (*Supervisor, error) {
	s := &Supervisor{root: root, sink: sink, apps: make(map[string]*App), metrics: metrics.New()}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Supervisor) reportState(app *App) {
	s.metrics.SetAppState(app.Name, app.State().String(), knownStates)
}

func (s *Supervisor) scan() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("supervisor: read app root %s: %w", s.root, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		cfg, err := loadAppConfig(dir)
		if err != nil {
			log.Printf("[Supervisor] skipping %s: %v", dir, err)
			continue
		}
		if cfg.Name == "" {
			cfg.Name = e.Name()
		}
		if _, exists := s.apps[cfg.Name]; exists {
			continue
		}
		s.apps[cfg.Name] = newApp(cfg.Name, dir, cfg)
	}
	return nil
}

// StartReady launches every Waiting app with no "after" dependency (§4.7:
// "calls start_app(None) to launch all apps without after").
func (s *Supervisor) StartReady() {
	s.startAppsAfter("")
}

// NodeRegistered is invoked by the registry's onRegister callback. It marks
// the matching app Running, and launches every app whose after==name
// (§4.7: "start_app(Some(node.name))").
func (s *Supervisor) NodeRegistered(name string) {
	s.mu.RLock()
	app := s.apps[name]
	s.mu.RUnlock()
	if app != nil {
		app.markRunning()
		s.reportState(app)
	}
	s.startAppsAfter(name)
}

// NodeRemoved is invoked by the registry's onRemove callback. The matching
// app drops to Zombie if it was Running (a disconnect without stop()).
func (s *Supervisor) NodeRemoved(name string) {
	s.mu.RLock()
	app := s.apps[name]
	s.mu.RUnlock()
	if app != nil {
		app.markZombie()
		s.reportState(app)
	}
}

func (s *Supervisor) startAppsAfter(dep string) {
	s.mu.RLock()
	var toStart []*App
	for _, app := range s.apps {
		if app.Cfg.After == dep {
			toStart = append(toStart, app)
		}
	}
	s.mu.RUnlock()

	for _, app := range toStart {
		if err := app.start(s.sink); err != nil {
			log.Printf("[Supervisor] failed to start app %s: %v", app.Name, err)
		} else {
			s.metrics.AppRestarts.WithLabelValues(app.Name).Inc()
			if telemetry.AppRestarts != nil {
				telemetry.AppRestarts.Add(context.Background(), 1)
			}
		}
		s.reportState(app)
	}
}

// Apps returns (name, state) for every known app (§4.8's `apps` API).
func (s *Supervisor) Apps() []AppStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AppStatus, 0, len(s.apps))
	for _, app := range s.apps {
		out = append(out, AppStatus{Name: app.Name, State: app.State().String()})
	}
	return out
}

// AppStatus is one (name, state) pair.
type AppStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Stop stops one app by name (§4.8's `app_stop`).
func (s *Supervisor) Stop(name string) error {
	s.mu.RLock()
	app, ok := s.apps[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("supervisor: no app named %s", name)
	}
	err := app.stop()
	s.reportState(app)
	return err
}

// Reload stops the app if present, re-reads its config.toml, and starts it
// again (§4.7: "reload(name) = stop-if-present + re-read config + start").
func (s *Supervisor) Reload(name string) error {
	s.mu.RLock()
	app, ok := s.apps[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("supervisor: no app named %s", name)
	}

	// A failed stop aborts the reload rather than starting a second process
	// alongside a child we failed to kill — matching the original's
	// `app.stop().await?`, which propagates the error out of `load` before
	// ever reaching `create_app`/`start`.
	if err := app.stop(); err != nil {
		s.reportState(app)
		return fmt.Errorf("supervisor: reload %s: stop failed: %w", name, err)
	}

	cfg, err := loadAppConfig(app.Dir)
	if err != nil {
		return fmt.Errorf("supervisor: reload %s: re-read config: %w", name, err)
	}

	s.mu.Lock()
	app.Cfg = cfg
	app.setState(Waiting)
	s.mu.Unlock()
	s.reportState(app)

	err = app.start(s.sink)
	s.reportState(app)
	if err == nil {
		s.metrics.AppRestarts.WithLabelValues(app.Name).Inc()
	}
	return err
}

// Close stops every app. Per-app errors are logged but never abort the
// shutdown sequence (§4.7).
func (s *Supervisor) Close() {
	s.mu.RLock()
	apps := make([]*App, 0, len(s.apps))
	for _, app := range s.apps {
		apps = append(apps, app)
	}
	s.mu.RUnlock()

	for _, app := range apps {
		if err := app.stop(); err != nil {
			log.Printf("[Supervisor] close: app %s stop error: %v", app.Name, err)
		}
	}

	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	if s.done != nil {
		close(s.done)
	}
}

// WatchRoot watches the app root for added/removed app subdirectories so
// apps created or deleted after startup are picked up without a restart —
// an enrichment the teacher never wired fsnotify into (see DESIGN.md).
func (s *Supervisor) WatchRoot(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("supervisor: fsnotify: %w", err)
	}
	if err := w.Add(s.root); err != nil {
		w.Close()
		return fmt.Errorf("supervisor: watch %s: %w", s.root, err)
	}

	s.watcher = w
	s.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				s.handleFsEvent(ev)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("[Supervisor] watch error: %v", err)
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

func (s *Supervisor) handleFsEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)

	if ev.Op&(fsnotify.Create) != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			cfg, err := loadAppConfig(ev.Name)
			if err != nil {
				return
			}
			if cfg.Name == "" {
				cfg.Name = name
			}
			s.mu.Lock()
			if _, exists := s.apps[cfg.Name]; !exists {
				s.apps[cfg.Name] = newApp(cfg.Name, ev.Name, cfg)
			}
			s.mu.Unlock()
			log.Printf("[Supervisor] discovered new app dir: %s", cfg.Name)
		}
	}

	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		s.mu.Lock()
		var removed []*App
		for appName, app := range s.apps {
			if app.Dir == ev.Name {
				removed = append(removed, app)
				delete(s.apps, appName)
			}
		}
		s.mu.Unlock()

		// stop() blocks on the child's exit and takes its own lock, so it
		// must run outside s.mu — otherwise a slow-to-exit child would hold
		// the supervisor lock for every other app's request for the
		// duration. An app whose directory disappeared out from under it
		// must not be left as an untracked orphan process.
		for _, app := range removed {
			if err := app.stop(); err != nil {
				log.Printf("[Supervisor] app dir removed: %s stop error: %v", app.Name, err)
			}
		}
	}
}
