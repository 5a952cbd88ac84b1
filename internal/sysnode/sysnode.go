// Package sysnode implements the system node (L8, §4.8): a built-in
// Connector with no socket, synthesizing its own manifest and dispatching
// the hub's own introspection/administration APIs as direct method calls
// instead of a wire round-trip.
package sysnode

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jordanhubbard/unicom/internal/logsink"
	"github.com/jordanhubbard/unicom/internal/registry"
	"github.com/jordanhubbard/unicom/internal/session"
	"github.com/jordanhubbard/unicom/internal/supervisor"
	"github.com/jordanhubbard/unicom/pkg/protocol"
)

// Name is the node name the system node registers under.
const Name = "system"

// NodeLister is the subset of the registry the system node needs.
type NodeLister interface {
	Names() []string
	Tagged(tag string) []registry.TagEntry
}

// AppLister is the subset of the supervisor the system node needs.
type AppLister interface {
	Apps() []supervisor.AppStatus
	Stop(name string) error
	Reload(name string) error
}

// Connector is the in-process implementation of connector.Connector for
// the system node. Next blocks until Quit is called — the system node
// never receives inbound Requests, it only answers RPCs dispatched to it.
type Connector struct {
	nodes  NodeLister
	apps   AppLister
	store  *session.Store
	sink   *logsink.Sink

	quit chan struct{}
	once sync.Once
}

// New builds the system connector wired to the hub's live components.
func New(nodes NodeLister, apps AppLister, store *session.Store, sink *logsink.Sink) *Connector {
	return &Connector{nodes: nodes, apps: apps, store: store, sink: sink, quit: make(chan struct{})}
}

// Init synthesizes the manifest described in §4.8's API table.
func (c *Connector) Init(ctx context.Context) (protocol.NodeConfig, error) {
	return manifest(), nil
}

func manifest() protocol.NodeConfig {
	return protocol.NodeConfig{
		Name:      Name,
		Endpoints: endpoints(),
		APIs: []protocol.Api{
			{ID: 0, Name: "nodes", Methods: map[protocol.MethodKind]protocol.Method{
				protocol.MethodGet: {Kind: protocol.MethodGet, Parameters: []protocol.Parameter{
					{Name: "tag", Kind: protocol.ParamString},
				}},
			}},
			{ID: 1, Name: "apps", Methods: map[protocol.MethodKind]protocol.Method{
				protocol.MethodGet: {Kind: protocol.MethodGet},
			}},
			{ID: 2, Name: "app_reload", Methods: map[protocol.MethodKind]protocol.Method{
				protocol.MethodGet: {Kind: protocol.MethodGet, Parameters: []protocol.Parameter{
					{Name: "name", Kind: protocol.ParamString},
				}},
			}},
			{ID: 3, Name: "app_stop", Methods: map[protocol.MethodKind]protocol.Method{
				protocol.MethodGet: {Kind: protocol.MethodGet, Parameters: []protocol.Parameter{
					{Name: "name", Kind: protocol.ParamString},
				}},
			}},
			{ID: 4, Name: "authenticate", Methods: map[protocol.MethodKind]protocol.Method{
				protocol.MethodPost: {Kind: protocol.MethodPost, Parameters: []protocol.Parameter{
					{Name: "session_id", Kind: protocol.ParamSessionID},
					{Name: "input", Kind: protocol.ParamInput},
				}},
			}},
			{ID: 5, Name: "app_log", Methods: map[protocol.MethodKind]protocol.Method{
				protocol.MethodGet: {Kind: protocol.MethodGet, Parameters: []protocol.Parameter{
					{Name: "name", Kind: protocol.ParamString},
				}},
			}},
		},
	}
}

// endpoints exposes every system API as a Rest route, so hubctl and any
// other HTTP client reach them the same way a registered node's own REST
// endpoints are reached — the system node is a node like any other to the
// dispatcher, it just answers in-process.
func endpoints() []protocol.Endpoint {
	return []protocol.Endpoint{
		{Regex: `^/api/system/nodes$`, Kind: protocol.EndpointRest, API: "nodes"},
		{Regex: `^/api/system/apps$`, Kind: protocol.EndpointRest, API: "apps"},
		{Regex: `^/api/system/apps/reload$`, Kind: protocol.EndpointRest, API: "app_reload"},
		{Regex: `^/api/system/apps/stop$`, Kind: protocol.EndpointRest, API: "app_stop"},
		{Regex: `^/api/system/apps/log$`, Kind: protocol.EndpointRest, API: "app_log"},
		{Regex: `^/api/system/authenticate$`, Kind: protocol.EndpointRest, API: "authenticate"},
	}
}

// loginInput is the body shape `authenticate` expects, per §4.8: `Input{login,password}`.
type loginInput struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Request dispatches one of the system node's own APIs as a direct call —
// no socket round-trip, matching §4.8's "built-in connector" design.
func (c *Connector) Request(ctx context.Context, req protocol.UnicomRequest, timeout time.Duration) (protocol.UnicomResponse, error) {
	switch req.Name {
	case "nodes":
		return c.doNodes(req)
	case "apps":
		return c.doApps()
	case "app_reload":
		return c.doAppReload(req)
	case "app_stop":
		return c.doAppStop(req)
	case "authenticate":
		return c.doAuthenticate(req)
	case "app_log":
		return c.doAppLog(req)
	default:
		return protocol.UnicomResponse{}, protocol.NewError(protocol.ErrNotFound, "no such system api: %s", req.Name)
	}
}

func (c *Connector) doNodes(req protocol.UnicomRequest) (protocol.UnicomResponse, error) {
	var tag string
	if raw, ok := req.Parameters["tag"]; ok {
		_ = json.Unmarshal(raw, &tag)
	}

	var data []byte
	var err error
	if tag != "" {
		data, err = json.Marshal(c.nodes.Tagged(tag))
	} else {
		data, err = json.Marshal(c.nodes.Names())
	}
	if err != nil {
		return protocol.UnicomResponse{}, protocol.NewError(protocol.ErrEncoding, "%s", err)
	}
	return protocol.UnicomResponse{Data: data}, nil
}

func (c *Connector) doApps() (protocol.UnicomResponse, error) {
	data, err := json.Marshal(c.apps.Apps())
	if err != nil {
		return protocol.UnicomResponse{}, protocol.NewError(protocol.ErrEncoding, "%s", err)
	}
	return protocol.UnicomResponse{Data: data}, nil
}

func requiredStringParam(req protocol.UnicomRequest, key string) (string, error) {
	raw, ok := req.Parameters[key]
	if !ok {
		return "", protocol.NewError(protocol.ErrParameterInvalid, "missing parameter %q", key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", protocol.NewError(protocol.ErrParameterInvalid, "parameter %q must be a string", key)
	}
	return s, nil
}

func (c *Connector) doAppReload(req protocol.UnicomRequest) (protocol.UnicomResponse, error) {
	name, err := requiredStringParam(req, "name")
	if err != nil {
		return protocol.UnicomResponse{}, err
	}
	if err := c.apps.Reload(name); err != nil {
		return protocol.UnicomResponse{}, protocol.NewError(protocol.ErrInternal, "%s", err)
	}
	return protocol.UnicomResponse{Data: []byte("true")}, nil
}

func (c *Connector) doAppStop(req protocol.UnicomRequest) (protocol.UnicomResponse, error) {
	name, err := requiredStringParam(req, "name")
	if err != nil {
		return protocol.UnicomResponse{}, err
	}
	if err := c.apps.Stop(name); err != nil {
		return protocol.UnicomResponse{}, protocol.NewError(protocol.ErrInternal, "%s", err)
	}
	return protocol.UnicomResponse{Data: []byte("true")}, nil
}

func (c *Connector) doAuthenticate(req protocol.UnicomRequest) (protocol.UnicomResponse, error) {
	sessionID, err := requiredStringParam(req, "session_id")
	if err != nil {
		return protocol.UnicomResponse{}, err
	}

	var input loginInput
	if raw, ok := req.Parameters["input"]; ok {
		_ = json.Unmarshal(raw, &input)
	}

	if err := c.store.Authenticate(sessionID, input.Login, input.Password); err != nil {
		return protocol.UnicomResponse{}, err
	}
	return protocol.UnicomResponse{Data: []byte("true")}, nil
}

func (c *Connector) doAppLog(req protocol.UnicomRequest) (protocol.UnicomResponse, error) {
	name, err := requiredStringParam(req, "name")
	if err != nil {
		return protocol.UnicomResponse{}, err
	}
	data, err := json.Marshal(c.sink.Tail(name))
	if err != nil {
		return protocol.UnicomResponse{}, protocol.NewError(protocol.ErrEncoding, "%s", err)
	}
	return protocol.UnicomResponse{Data: data}, nil
}

// Response and Error are unused: the system node never receives inbound
// Requests to answer, only issues direct calls via Request.
func (c *Connector) Response(ctx context.Context, id uint64, data []byte) error { return nil }
func (c *Connector) Error(ctx context.Context, id uint64, err *protocol.UnicomError) error {
	return nil
}

// Next blocks until Quit is called; the system node has no socket to read
// inbound frames from.
func (c *Connector) Next(ctx context.Context) (protocol.UnixMessage, error) {
	select {
	case <-c.quit:
		return protocol.UnixMessage{}, protocol.NewError(protocol.ErrIo, "system node quit")
	case <-ctx.Done():
		return protocol.UnixMessage{}, ctx.Err()
	}
}

// Quit releases the node; safe to call more than once.
func (c *Connector) Quit(ctx context.Context) error {
	c.once.Do(func() { close(c.quit) })
	return nil
}

// Name returns the fixed system-node name.
func (c *Connector) Name() string { return Name }
