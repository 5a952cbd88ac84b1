// Package router implements the URL router (L5, §4.5): an ordered table of
// anchored regexes mapping a request path to an endpoint kind, owning node,
// and capture groups.
package router

import (
	"regexp"
	"sync"

	"github.com/jordanhubbard/unicom/pkg/protocol"
)

// Route is one entry of the table: a compiled anchored regex plus the
// endpoint it resolves to and the node that registered it.
type Route struct {
	re       *regexp.Regexp
	Endpoint protocol.Endpoint
	NodeName string
}

// Match is the result of a successful Find: the endpoint kind, the owning
// node, and positional captures (index 0 is the whole match).
type Match struct {
	Endpoint protocol.Endpoint
	NodeName string
	Captures []string
}

// Router holds routes in registration order; the first matching regex wins.
type Router struct {
	mu     sync.RWMutex
	routes []Route
}

// New constructs an empty router.
func New() *Router {
	return &Router{}
}

// Register compiles and appends one route per endpoint declared by a node's
// manifest. Every regex is anchored to the whole path regardless of what the
// node supplied, matching the original daemon's router (`Regex::new(&format!("^{}$",
// endpoint.regex))`) — a manifest that forgets to anchor its own regex must
// never match as a substring of an unrelated path. Registration rejects
// invalid regexes with ErrParameterInvalid, and is all-or-nothing: a bad
// regex in the middle of a manifest leaves no partial registration behind.
func (rt *Router) Register(nodeName string, endpoints []protocol.Endpoint) error {
	compiled := make([]Route, 0, len(endpoints))
	for _, ep := range endpoints {
		re, err := regexp.Compile(`^(?:` + ep.Regex + `)$`)
		if err != nil {
			return protocol.NewError(protocol.ErrParameterInvalid, "invalid route regex %q: %s", ep.Regex, err)
		}
		compiled = append(compiled, Route{re: re, Endpoint: ep, NodeName: nodeName})
	}

	rt.mu.Lock()
	rt.routes = append(rt.routes, compiled...)
	rt.mu.Unlock()
	return nil
}

// RemoveNode filters out every route registered by nodeName. After this
// call, Find never again returns a route whose NodeName == nodeName (§8).
func (rt *Router) RemoveNode(nodeName string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	kept := rt.routes[:0:0]
	for _, r := range rt.routes {
		if r.NodeName != nodeName {
			kept = append(kept, r)
		}
	}
	rt.routes = kept
}

// Find scans routes in insertion order and returns the first match. Missing
// capture groups become empty strings; no match yields ErrNotFound.
func (rt *Router) Find(path string) (Match, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	for _, r := range rt.routes {
		caps := r.re.FindStringSubmatch(path)
		if caps == nil {
			continue
		}
		// Go's regexp already reports a non-participating optional group as
		// "", matching the spec's "missing captures become empty strings".
		return Match{Endpoint: r.Endpoint, NodeName: r.NodeName, Captures: caps}, nil
	}
	return Match{}, protocol.NewError(protocol.ErrNotFound, "no route matches %s", path)
}
