// Package registry implements the node registry (L4, §4.4): the set of
// live nodes, keyed by name, with manifest registration and teardown.
package registry

import (
	"context"
	"sync"

	"github.com/jordanhubbard/unicom/internal/connector"
	"github.com/jordanhubbard/unicom/internal/metrics"
	"github.com/jordanhubbard/unicom/internal/telemetry"
	"github.com/jordanhubbard/unicom/pkg/protocol"
)

// Node is a registered connection: its manifest plus the connector used to
// reach it (a Unix-socket transport, or the built-in system connector).
type Node struct {
	Name     string
	Manifest protocol.NodeConfig
	Conn     connector.Connector
}

// RouteRegistrar is the subset of the URL router a registry needs — kept as
// an interface so registry never imports router directly (breaks the cycle
// the teacher's Server/Controller/SystemConnector triad had; see DESIGN.md).
type RouteRegistrar interface {
	Register(nodeName string, endpoints []protocol.Endpoint) error
	RemoveNode(nodeName string)
}

// Registry owns the live node set under a single mutex (grounded on the
// teacher's containers.Orchestrator map+mutex pattern).
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	routes RouteRegistrar

	// onRegister/onRemove notify the app supervisor of node lifecycle
	// transitions without registry importing supervisor.
	onRegister func(name string)
	onRemove   func(name string)

	metrics *metrics.Metrics
}

// New constructs a registry wired to a route table and app-supervisor callbacks.
func New(routes RouteRegistrar) *Registry {
	return &Registry{
		nodes:   make(map[string]*Node),
		routes:  routes,
		metrics: metrics.New(),
	}
}

// SetCallbacks wires the app-supervisor notifications. Separated from New so
// the supervisor (constructed after the registry) can close the loop — the
// same two-phase-init pattern the spec's Design Notes call for.
func (r *Registry) SetCallbacks(onRegister, onRemove func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRegister = onRegister
	r.onRemove = onRemove
}

// NewNode performs the init handshake, rejects duplicate names, and
// publishes the manifest to the router. On any failure the connector is
// signalled with Error(0, e) and discarded — it never joins the registry.
func (r *Registry) NewNode(ctx context.Context, conn connector.Connector) (*Node, error) {
	cfg, err := conn.Init(ctx)
	if err != nil {
		uerr, ok := err.(*protocol.UnicomError)
		if !ok {
			uerr = protocol.NewError(protocol.ErrInternal, "%s", err)
		}
		_ = conn.Error(ctx, 0, uerr)
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.nodes[cfg.Name]; exists {
		r.mu.Unlock()
		uerr := protocol.NewError(protocol.ErrParameterInvalid, "node name already registered: %s", cfg.Name)
		_ = conn.Error(ctx, 0, uerr)
		return nil, uerr
	}

	node := &Node{Name: cfg.Name, Manifest: cfg, Conn: conn}
	r.nodes[cfg.Name] = node
	onRegister := r.onRegister
	r.mu.Unlock()

	if err := r.routes.Register(cfg.Name, cfg.Endpoints); err != nil {
		r.mu.Lock()
		delete(r.nodes, cfg.Name)
		r.mu.Unlock()
		_ = conn.Error(ctx, 0, protocol.NewError(protocol.ErrParameterInvalid, "%s", err))
		return nil, err
	}

	r.metrics.NodesTotal.Inc()
	if telemetry.NodesRegistered != nil {
		telemetry.NodesRegistered.Add(ctx, 1)
	}
	if onRegister != nil {
		onRegister(cfg.Name)
	}
	return node, nil
}

// Get returns the node registered under name.
func (r *Registry) Get(name string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "no node named %s", name)
	}
	return n, nil
}

// Remove unregisters name: routes are dropped, the node handle is
// discarded. The app supervisor is notified so the matching app can move to
// Zombie (§4.7).
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	_, existed := r.nodes[name]
	delete(r.nodes, name)
	onRemove := r.onRemove
	r.mu.Unlock()

	if !existed {
		return
	}
	r.metrics.NodesTotal.Dec()
	if telemetry.NodesRemoved != nil {
		telemetry.NodesRemoved.Add(context.Background(), 1)
	}
	r.routes.RemoveNode(name)
	if onRemove != nil {
		onRemove(name)
	}
}

// Names returns every registered node name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		out = append(out, name)
	}
	return out
}

// Tagged returns (name, tagValue) for every node whose manifest declares tag.
func (r *Registry) Tagged(tag string) []TagEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []TagEntry
	for name, n := range r.nodes {
		if v, ok := n.Manifest.Tags[tag]; ok {
			out = append(out, TagEntry{Name: name, Value: v})
		}
	}
	return out
}

// TagEntry is one (node, tag value) pair returned by Tagged.
type TagEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}
