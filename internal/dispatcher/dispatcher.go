// Package dispatcher implements the HTTP dispatcher (L9, §4.9): the
// request pipeline binding session, router, registry, and the nodes they
// describe into ordinary HTTP responses. Follows the teacher's api.Server
// shape — one struct holding every injected dependency — wired to the hub's
// own domain instead of agent/task routing.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"html/template"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/unicom/internal/metrics"
	"github.com/jordanhubbard/unicom/internal/registry"
	"github.com/jordanhubbard/unicom/internal/router"
	"github.com/jordanhubbard/unicom/internal/session"
	"github.com/jordanhubbard/unicom/internal/telemetry"
	"github.com/jordanhubbard/unicom/pkg/protocol"
)

// requestTimeout bounds every RPC a dispatched request issues.
const requestTimeout = 30 * time.Second

// Server wires every L1-L8 component into the one ServeHTTP pipeline
// described by §4.9. Grounded on the teacher's api.Server struct — a
// single type holding every injected dependency SetupRoutes needs.
type Server struct {
	registry  *registry.Registry
	router    *router.Router
	sessions  *session.Store
	templates *template.Template
	metrics   *metrics.Metrics
	tokens    *session.TokenIssuer
}

// New constructs a dispatcher over already-built components. tokens may be
// nil, in which case the bearer-token path is disabled and every request
// authenticates by cookie alone.
func New(reg *registry.Registry, rt *router.Router, sessions *session.Store, templates *template.Template, tokens *session.TokenIssuer) *Server {
	return &Server{registry: reg, router: rt, sessions: sessions, templates: templates, metrics: metrics.New(), tokens: tokens}
}

// tokenPath issues a bearer token for the caller's already-authenticated
// cookie session — a companion to the `authenticate` API for programmatic
// clients that would rather carry a header than a cookie jar.
const tokenPath = "/api/system/token"

// ServeHTTP is the single entry point for every inbound request (§4.9).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	sess, newCookie, err := s.findOrCreateSession(r)
	if err != nil {
		writeError(w, protocol.NewError(protocol.ErrInternal, "%s", err))
		logAccess(r, http.StatusInternalServerError, start)
		return
	}

	// Set-Cookie must be written before any handler below writes so much as
	// a response header of its own: net/http silently drops header mutations
	// made after the first WriteHeader/Write, so a Set-Cookie queued after
	// dispatch/issueToken has already produced output never reaches the
	// client and the session can never stick across requests.
	if newCookie {
		http.SetCookie(w, &http.Cookie{
			Name: session.CookieName, Value: sess.ID,
			Path: "/", SameSite: http.SameSiteStrictMode, Expires: sess.Expire,
		})
	}

	if r.URL.Path == tokenPath {
		code := s.issueToken(w, sess)
		logAccess(r, code, start)
		s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(code), time.Since(start))
		return
	}

	match, err := s.router.Find(r.URL.Path)
	if err != nil {
		writeError(w, err)
		logAccess(r, http.StatusNotFound, start)
		return
	}

	query := parseQuery(r.URL.RawQuery)
	input, err := parseBody(r)
	if err != nil {
		writeError(w, err)
		logAccess(r, http.StatusBadRequest, start)
		return
	}

	code, derr := s.dispatch(r.Context(), w, r, match, query, input, sess)
	if derr != nil {
		writeError(w, derr)
		code = statusFor(derr)
	}

	logAccess(r, code, start)
	s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(code), time.Since(start))
}

// findOrCreateSession resolves the request's session from a bearer token
// first (programmatic API clients, §4.8's authenticate enrichment), then the
// cookie (the HTML surface), creating a fresh session if neither resolves.
func (s *Server) findOrCreateSession(r *http.Request) (*session.Session, bool, error) {
	if s.tokens != nil {
		if tok := bearerToken(r); tok != "" {
			if id, err := s.tokens.Validate(tok); err == nil {
				if sess, err := s.sessions.Get(id); err == nil {
					return sess, false, nil
				}
			}
		}
	}

	// A Cookie header can carry more than one sessionID pair (stale entries
	// left behind by a domain/path cookie-jar merge); try every candidate in
	// order rather than stopping at the first, possibly-expired, match.
	for _, id := range session.CandidateSessionIDs(r.Header.Get("Cookie")) {
		if sess, err := s.sessions.Get(id); err == nil {
			return sess, false, nil
		}
	}
	sess, err := s.sessions.Create()
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// issueToken answers tokenPath: a signed bearer token bound to sess.ID, only
// for sessions that already carry an authenticated user.
func (s *Server) issueToken(w http.ResponseWriter, sess *session.Session) int {
	if s.tokens == nil {
		writeError(w, protocol.NewError(protocol.ErrNotFound, "token issuance is not configured"))
		return http.StatusNotFound
	}
	if sess.User == nil {
		writeError(w, protocol.NewError(protocol.ErrNotAllowed, "session is not authenticated"))
		return http.StatusForbidden
	}

	tok, err := s.tokens.Issue(sess.ID)
	if err != nil {
		writeError(w, protocol.NewError(protocol.ErrInternal, "%s", err))
		return http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": tok})
	return http.StatusOK
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// parseQuery implements §4.9 step 3: split on ';' then '=', values parsed
// as int, then float, else string.
func parseQuery(raw string) map[string]interface{} {
	out := map[string]interface{}{}
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ";") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		key := kv[0]
		if key == "" {
			continue
		}
		var val interface{} = ""
		if len(kv) == 2 {
			val = parseScalar(kv[1])
		}
		out[key] = val
	}
	return out
}

func parseScalar(s string) interface{} {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// parseBody implements §4.9 step 4: JSON bodies decode directly; anything
// else streams to a temp file and yields {"path": "<tmpfile>"}. ContentLength
// == 0 means no body at all, but a chunked request (no declared
// Content-Length) reports -1 and must still be read rather than treated as
// empty.
func parseBody(r *http.Request) (json.RawMessage, error) {
	if r.ContentLength == 0 {
		return nil, nil
	}

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, protocol.NewError(protocol.ErrIo, "read body: %s", err)
		}
		if len(data) == 0 {
			return nil, nil
		}
		return json.RawMessage(data), nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrIo, "read body: %s", err)
	}
	if len(body) == 0 {
		return nil, nil
	}

	tmpPath := filepath.Join(os.TempDir(), "unicom_post_"+uuid.New().String())
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrIo, "create temp file: %s", err)
	}
	defer f.Close()
	if _, err := f.Write(body); err != nil {
		return nil, protocol.NewError(protocol.ErrIo, "write temp file: %s", err)
	}

	data, err := json.Marshal(map[string]string{"path": tmpPath})
	if err != nil {
		return nil, protocol.NewError(protocol.ErrEncoding, "%s", err)
	}
	return json.RawMessage(data), nil
}

// dispatch handles §4.9 steps 5-6 for one matched route.
func (s *Server) dispatch(ctx context.Context, w http.ResponseWriter, r *http.Request, match router.Match, query map[string]interface{}, input json.RawMessage, sess *session.Session) (int, error) {
	ep := match.Endpoint

	switch ep.Kind {
	case protocol.EndpointStatic:
		return s.serveStatic(w, r, ep, match.Captures)

	case protocol.EndpointDynamic:
		resp, err := s.runAPI(ctx, match.NodeName, ep.API, r.Method, match.Captures, query, input, sess)
		if err != nil {
			return 0, err
		}
		var ref struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(resp.Data, &ref); err != nil {
			return 0, protocol.NewError(protocol.ErrEncoding, "dynamic endpoint did not return a path: %s", err)
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		http.ServeFile(rec, r, ref.Path)
		return rec.status, nil

	case protocol.EndpointRest:
		resp, err := s.runAPI(ctx, match.NodeName, ep.API, r.Method, match.Captures, query, input, sess)
		if err != nil {
			return 0, err
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp.Data)
		return http.StatusOK, nil

	case protocol.EndpointView:
		return s.serveView(ctx, w, ep, match.NodeName, match.Captures, query, input, sess)

	default:
		return 0, protocol.NewError(protocol.ErrInternal, "unknown endpoint kind %q", ep.Kind)
	}
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request, ep protocol.Endpoint, captures []string) (int, error) {
	path := ep.Root
	if len(captures) > 1 && captures[1] != "" {
		path = filepath.Join(ep.Root, captures[1])
	}
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	http.ServeFile(rec, r, path)
	return rec.status, nil
}

// statusRecorder captures the status code an inner handler (http.ServeFile,
// which may answer 404/304/416 on its own) actually wrote, so the caller can
// report that real outcome to access logs and metrics instead of assuming
// success.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// runAPI performs §4.9 step 6, parameter binding, then issues the RPC.
func (s *Server) runAPI(ctx context.Context, nodeName, apiName string, method string, captures []string, query map[string]interface{}, input json.RawMessage, sess *session.Session) (protocol.UnicomResponse, error) {
	node, err := s.registry.Get(nodeName)
	if err != nil {
		return protocol.UnicomResponse{}, err
	}

	api, err := node.Manifest.APIByName(apiName)
	if err != nil {
		return protocol.UnicomResponse{}, err
	}

	m, err := api.MethodFor(protocol.MethodKind(method))
	if err != nil {
		return protocol.UnicomResponse{}, err
	}

	params, err := bindParameters(m, captures, query, input, sess)
	if err != nil {
		return protocol.UnicomResponse{}, err
	}

	req := protocol.UnicomRequest{
		NodeName: nodeName, Name: apiName,
		Method: protocol.MethodKind(method), Parameters: params,
	}

	start := time.Now()
	resp, rerr := node.Conn.Request(ctx, req, requestTimeout)
	elapsed := time.Since(start)

	errKind := ""
	if uerr, ok := rerr.(*protocol.UnicomError); ok {
		errKind = string(uerr.Kind)
	}
	s.metrics.RecordRPC(nodeName, apiName, errKind, elapsed)

	if telemetry.RPCsDispatched != nil {
		telemetry.RPCsDispatched.Add(ctx, 1)
		telemetry.RPCLatency.Record(ctx, float64(elapsed.Milliseconds()))
	}
	return resp, rerr
}

// bindParameters implements §4.9 step 6 for one method's declared parameters.
func bindParameters(m protocol.Method, captures []string, query map[string]interface{}, input json.RawMessage, sess *session.Session) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(m.Parameters))
	for _, p := range m.Parameters {
		switch p.Kind {
		case protocol.ParamURL:
			var val string
			if p.Index < len(captures) {
				val = captures[p.Index]
			}
			raw, err := json.Marshal(val)
			if err != nil {
				return nil, protocol.NewError(protocol.ErrEncoding, "%s", err)
			}
			out[p.Name] = raw

		case protocol.ParamInput:
			if input == nil {
				out[p.Name] = json.RawMessage("null")
			} else {
				out[p.Name] = input
			}

		case protocol.ParamSessionID:
			raw, _ := json.Marshal(sess.ID)
			out[p.Name] = raw

		case protocol.ParamUser:
			raw, err := json.Marshal(sess.User)
			if err != nil {
				return nil, protocol.NewError(protocol.ErrEncoding, "%s", err)
			}
			out[p.Name] = raw

		default:
			// String/Int/Float/Bool: passed through from the query map.
			if v, ok := query[p.Name]; ok {
				raw, err := json.Marshal(v)
				if err != nil {
					return nil, protocol.NewError(protocol.ErrEncoding, "%s", err)
				}
				out[p.Name] = raw
			}
		}
	}
	return out, nil
}

// viewResult is one completed sub-RPC of a View endpoint, keyed by slot.
type viewResult struct {
	slot string
	data json.RawMessage
	err  error
}

// serveView implements §4.9 step 5's View fan-out: sub-RPCs run
// concurrently; the response is built by slot name so it is deterministic
// regardless of completion order. A single failed sub-RPC fails the whole
// view with the first propagated error.
func (s *Server) serveView(ctx context.Context, w http.ResponseWriter, ep protocol.Endpoint, nodeName string, captures []string, query map[string]interface{}, input json.RawMessage, sess *session.Session) (int, error) {
	results := make(chan viewResult, len(ep.APIs))
	var wg sync.WaitGroup

	for slot, sub := range ep.APIs {
		wg.Add(1)
		go func(slot string, sub protocol.ViewSubAPI) {
			defer wg.Done()

			merged := make(map[string]interface{}, len(query)+len(sub.ExtraParams))
			for k, v := range query {
				merged[k] = v
			}
			for k, v := range sub.ExtraParams {
				merged[k] = v
			}

			method := sub.Method
			if method == "" {
				method = protocol.MethodGet
			}

			resp, err := s.runAPI(ctx, sub.Node, sub.API, string(method), captures, merged, input, sess)
			if err != nil {
				results <- viewResult{slot: slot, err: err}
				return
			}
			results <- viewResult{slot: slot, data: resp.Data}
		}(slot, sub)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	slots := map[string]json.RawMessage{}
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		slots[r.slot] = r.data
	}
	if firstErr != nil {
		return 0, firstErr
	}

	viewCtx := map[string]interface{}{
		"source_node": nodeName,
		"user":        sess.User,
	}
	for slot, data := range slots {
		var v interface{}
		_ = json.Unmarshal(data, &v)
		viewCtx[slot] = v
	}

	if s.templates == nil {
		return 0, protocol.NewError(protocol.ErrInternal, "no templates loaded")
	}

	// Render to a buffer before touching the response, matching the
	// original's render-to-string-then-build-Response shape — a mid-render
	// error must never leave a half-written Content-Type/body on the wire
	// for writeError to collide with.
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, ep.Template, viewCtx); err != nil {
		return 0, protocol.NewError(protocol.ErrInternal, "render %s: %s", ep.Template, err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
	return http.StatusOK, nil
}

func statusFor(err error) int {
	uerr, ok := err.(*protocol.UnicomError)
	if !ok {
		return http.StatusInternalServerError
	}
	switch uerr.Kind {
	case protocol.ErrNotFound:
		return http.StatusNotFound
	case protocol.ErrParameterInvalid, protocol.ErrInputInvalid:
		return http.StatusBadRequest
	case protocol.ErrNotAllowed:
		return http.StatusForbidden
	case protocol.ErrTimeout:
		return http.StatusGatewayTimeout
	case protocol.ErrEmpty:
		return http.StatusNoContent
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	uerr, ok := err.(*protocol.UnicomError)
	if !ok {
		uerr = protocol.NewError(protocol.ErrInternal, "%s", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(uerr))
	_ = json.NewEncoder(w).Encode(uerr)
}

func logAccess(r *http.Request, code int, start time.Time) {
	log.Printf("[Dispatcher] %s %s %d %s", r.Method, r.URL.Path, code, time.Since(start))
}
