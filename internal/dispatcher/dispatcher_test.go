package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/unicom/internal/registry"
	"github.com/jordanhubbard/unicom/internal/router"
	"github.com/jordanhubbard/unicom/internal/session"
	"github.com/jordanhubbard/unicom/pkg/protocol"
)

// fakeConnector answers every Request with a canned response, recording the
// last request it was asked to serve.
type fakeConnector struct {
	name     string
	manifest protocol.NodeConfig
	resp     protocol.UnicomResponse
	respErr  error
	lastReq  protocol.UnicomRequest
}

func (c *fakeConnector) Init(ctx context.Context) (protocol.NodeConfig, error) { return c.manifest, nil }
func (c *fakeConnector) Request(ctx context.Context, req protocol.UnicomRequest, timeout time.Duration) (protocol.UnicomResponse, error) {
	c.lastReq = req
	if c.respErr != nil {
		return protocol.UnicomResponse{}, c.respErr
	}
	return c.resp, nil
}
func (c *fakeConnector) Response(ctx context.Context, id uint64, data []byte) error { return nil }
func (c *fakeConnector) Error(ctx context.Context, id uint64, err *protocol.UnicomError) error {
	return nil
}
func (c *fakeConnector) Next(ctx context.Context) (protocol.UnixMessage, error) {
	return protocol.UnixMessage{}, nil
}
func (c *fakeConnector) Quit(ctx context.Context) error { return nil }
func (c *fakeConnector) Name() string                   { return c.name }

func newTestServer(t *testing.T, conn *fakeConnector, tmpl *template.Template) (*Server, *registry.Registry) {
	t.Helper()
	rt := router.New()
	reg := registry.New(rt)

	_, err := reg.NewNode(context.Background(), conn)
	require.NoError(t, err)

	store := session.New(session.NewFilePersister(filepath.Join(t.TempDir(), "s.json")), session.NewStaticBackend())
	return New(reg, rt, store, tmpl, nil), reg
}

func restManifest() protocol.NodeConfig {
	return protocol.NodeConfig{
		Name: "greeter",
		APIs: []protocol.Api{
			{Name: "hello", Methods: map[protocol.MethodKind]protocol.Method{
				protocol.MethodGet: {Kind: protocol.MethodGet, Parameters: []protocol.Parameter{
					{Name: "who", Kind: protocol.ParamString},
				}},
			}},
		},
		Endpoints: []protocol.Endpoint{
			{Regex: `^/api/hello$`, Kind: protocol.EndpointRest, API: "hello"},
		},
	}
}

func TestParseQuerySplitsSemicolonsAndCoercesTypes(t *testing.T) {
	q := parseQuery("name=bob;count=3;ratio=1.5;flag")
	require.Equal(t, "bob", q["name"])
	require.Equal(t, int64(3), q["count"])
	require.Equal(t, 1.5, q["ratio"])
	require.Equal(t, "", q["flag"])
}

func TestParseQueryEmpty(t *testing.T) {
	q := parseQuery("")
	require.Empty(t, q)
}

func TestParseBodyJSONDecodesDirectly(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"a":1}`))
	r.Header.Set("Content-Type", "application/json")
	r.ContentLength = int64(len(`{"a":1}`))

	raw, err := parseBody(r)
	require.NoError(t, err)
	var m map[string]int
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Equal(t, 1, m["a"])
}

func TestParseBodyEmptyIsNil(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	raw, err := parseBody(r)
	require.NoError(t, err)
	require.Nil(t, raw)
}

func TestParseBodyNonJSONStreamsToTempFile(t *testing.T) {
	body := "not json"
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/octet-stream")
	r.ContentLength = int64(len(body))

	raw, err := parseBody(r)
	require.NoError(t, err)
	var ref struct {
		Path string `json:"path"`
	}
	require.NoError(t, json.Unmarshal(raw, &ref))
	require.FileExists(t, ref.Path)
}

func TestParseBodyChunkedJSONIsStillRead(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"a":1}`))
	r.Header.Set("Content-Type", "application/json")
	r.ContentLength = -1 // unknown length, as net/http reports for chunked requests

	raw, err := parseBody(r)
	require.NoError(t, err)
	var m map[string]int
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Equal(t, 1, m["a"])
}

func TestBindParametersByName(t *testing.T) {
	sess := &session.Session{ID: "sess123"}
	m := protocol.Method{Parameters: []protocol.Parameter{
		{Name: "who", Kind: protocol.ParamString},
		{Name: "session_id", Kind: protocol.ParamSessionID},
		{Name: "body", Kind: protocol.ParamInput},
	}}
	params, err := bindParameters(m, nil, map[string]interface{}{"who": "alice"}, json.RawMessage(`{"x":1}`), sess)
	require.NoError(t, err)

	var who string
	require.NoError(t, json.Unmarshal(params["who"], &who))
	require.Equal(t, "alice", who)

	var sid string
	require.NoError(t, json.Unmarshal(params["session_id"], &sid))
	require.Equal(t, "sess123", sid)
	require.JSONEq(t, `{"x":1}`, string(params["body"]))
}

func TestBindParametersURLUsesCaptureIndex(t *testing.T) {
	m := protocol.Method{Parameters: []protocol.Parameter{
		{Name: "id", Kind: protocol.ParamURL, Index: 1},
	}}
	params, err := bindParameters(m, []string{"/widgets/42", "42"}, nil, nil, &session.Session{})
	require.NoError(t, err)
	var id string
	require.NoError(t, json.Unmarshal(params["id"], &id))
	require.Equal(t, "42", id)
}

func TestStatusForMapsErrorKinds(t *testing.T) {
	require.Equal(t, http.StatusNotFound, statusFor(protocol.NewError(protocol.ErrNotFound, "x")))
	require.Equal(t, http.StatusBadRequest, statusFor(protocol.NewError(protocol.ErrParameterInvalid, "x")))
	require.Equal(t, http.StatusForbidden, statusFor(protocol.NewError(protocol.ErrNotAllowed, "x")))
	require.Equal(t, http.StatusGatewayTimeout, statusFor(protocol.NewError(protocol.ErrTimeout, "x")))
	require.Equal(t, http.StatusInternalServerError, statusFor(protocol.NewError(protocol.ErrInternal, "x")))
}

func TestServeHTTPRestEndpointRoundTrips(t *testing.T) {
	conn := &fakeConnector{manifest: restManifest(), resp: protocol.UnicomResponse{Data: json.RawMessage(`{"greeting":"hi"}`)}}
	srv, _ := newTestServer(t, conn, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/hello?who=bob", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"greeting":"hi"}`, w.Body.String())

	var who string
	require.NoError(t, json.Unmarshal(conn.lastReq.Parameters["who"], &who))
	require.Equal(t, "bob", who)

	// a new session cookie is issued on first contact.
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, session.CookieName, cookies[0].Name)
}

func TestServeHTTPUnknownRouteIs404(t *testing.T) {
	conn := &fakeConnector{manifest: restManifest()}
	srv, _ := newTestServer(t, conn, nil)

	r := httptest.NewRequest(http.MethodGet, "/does/not/exist", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeHTTPReusesExistingSessionCookie(t *testing.T) {
	conn := &fakeConnector{manifest: restManifest(), resp: protocol.UnicomResponse{Data: json.RawMessage(`{}`)}}
	srv, _ := newTestServer(t, conn, nil)

	first := httptest.NewRequest(http.MethodGet, "/api/hello", nil)
	w1 := httptest.NewRecorder()
	srv.ServeHTTP(w1, first)
	cookie := w1.Result().Cookies()[0]

	second := httptest.NewRequest(http.MethodGet, "/api/hello", nil)
	second.AddCookie(cookie)
	w2 := httptest.NewRecorder()
	srv.ServeHTTP(w2, second)

	require.Equal(t, http.StatusOK, w2.Code)
	require.Empty(t, w2.Result().Cookies())
}

func TestFindOrCreateSessionSkipsStaleCandidateBeforeLiveOne(t *testing.T) {
	conn := &fakeConnector{manifest: restManifest()}
	srv, _ := newTestServer(t, conn, nil)

	live, err := srv.sessions.Create()
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/hello", nil)
	r.Header.Set("Cookie", "sessionID=0000000000000000; sessionID="+live.ID)

	sess, newCookie, err := srv.findOrCreateSession(r)
	require.NoError(t, err)
	require.False(t, newCookie)
	require.Equal(t, live.ID, sess.ID)
}

func TestServeHTTPUpstreamErrorMapsToStatus(t *testing.T) {
	conn := &fakeConnector{manifest: restManifest(), respErr: protocol.NewError(protocol.ErrNotAllowed, "nope")}
	srv, _ := newTestServer(t, conn, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/hello", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestServeViewFansOutAndRendersTemplate(t *testing.T) {
	manifest := protocol.NodeConfig{
		Name: "dash",
		APIs: []protocol.Api{
			{Name: "widgets", Methods: map[protocol.MethodKind]protocol.Method{
				protocol.MethodGet: {Kind: protocol.MethodGet},
			}},
		},
		Endpoints: []protocol.Endpoint{
			{Regex: `^/dash$`, Kind: protocol.EndpointView, Template: "dash.html", APIs: map[string]protocol.ViewSubAPI{
				"widgets": {Node: "dash", API: "widgets"},
			}},
		},
	}
	conn := &fakeConnector{manifest: manifest, resp: protocol.UnicomResponse{Data: json.RawMessage(`["a","b"]`)}}

	tmpl := template.Must(template.New("dash.html").Parse(`count={{len .widgets}}`))
	srv, _ := newTestServer(t, conn, tmpl)

	r := httptest.NewRequest(http.MethodGet, "/dash", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "count=2", w.Body.String())
}

func TestServeViewPopulatesSourceNode(t *testing.T) {
	manifest := protocol.NodeConfig{
		Name: "dash",
		APIs: []protocol.Api{
			{Name: "widgets", Methods: map[protocol.MethodKind]protocol.Method{
				protocol.MethodGet: {Kind: protocol.MethodGet},
			}},
		},
		Endpoints: []protocol.Endpoint{
			{Regex: `^/dash$`, Kind: protocol.EndpointView, Template: "dash.html", APIs: map[string]protocol.ViewSubAPI{
				"widgets": {Node: "dash", API: "widgets"},
			}},
		},
	}
	conn := &fakeConnector{manifest: manifest, resp: protocol.UnicomResponse{Data: json.RawMessage(`["a"]`)}}

	tmpl := template.Must(template.New("dash.html").Parse(`source={{.source_node}}`))
	srv, _ := newTestServer(t, conn, tmpl)

	r := httptest.NewRequest(http.MethodGet, "/dash", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "source=dash", w.Body.String())
}

func TestServeViewMidRenderErrorWritesNoPartialBody(t *testing.T) {
	manifest := protocol.NodeConfig{
		Name: "dash",
		APIs: []protocol.Api{
			{Name: "widgets", Methods: map[protocol.MethodKind]protocol.Method{
				protocol.MethodGet: {Kind: protocol.MethodGet},
			}},
		},
		Endpoints: []protocol.Endpoint{
			{Regex: `^/dash$`, Kind: protocol.EndpointView, Template: "dash.html", APIs: map[string]protocol.ViewSubAPI{
				"widgets": {Node: "dash", API: "widgets"},
			}},
		},
	}
	conn := &fakeConnector{manifest: manifest, resp: protocol.UnicomResponse{Data: json.RawMessage(`["a"]`)}}

	tmpl := template.Must(template.New("dash.html").Funcs(template.FuncMap{
		"explode": func() (string, error) { return "", errors.New("boom") },
	}).Parse(`partial-output{{explode}}unreached`))
	srv, _ := newTestServer(t, conn, tmpl)

	r := httptest.NewRequest(http.MethodGet, "/dash", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	// A render error must never leave the partially-rendered HTML ("partial-
	// output") on the wire ahead of the JSON error: the template output is
	// buffered, not streamed, so a failure mid-render discards it entirely.
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.NotContains(t, w.Body.String(), "partial-output")
}

func TestServeHTTPSetsCookieForNewSessionOnDispatchedRoute(t *testing.T) {
	conn := &fakeConnector{manifest: restManifest(), resp: protocol.UnicomResponse{Data: json.RawMessage(`{"ok":true}`)}}
	srv, _ := newTestServer(t, conn, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/hello", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, session.CookieName, cookies[0].Name)
	require.NotEmpty(t, cookies[0].Value)
}

func TestServeStaticReportsServeFilesRealStatus(t *testing.T) {
	root := t.TempDir()
	manifest := protocol.NodeConfig{
		Name: "assets",
		Endpoints: []protocol.Endpoint{
			{Regex: `^/assets/(.*)$`, Kind: protocol.EndpointStatic, Root: root},
		},
	}
	conn := &fakeConnector{manifest: manifest}
	srv, _ := newTestServer(t, conn, nil)

	r := httptest.NewRequest(http.MethodGet, "/assets/missing.txt", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	// http.ServeFile answers a missing file with 404 on its own; dispatch
	// must report that real status, not assume the StatusOK it would have
	// returned for a file that existed.
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestIssueTokenRequiresAuthenticatedSession(t *testing.T) {
	conn := &fakeConnector{manifest: protocol.NodeConfig{Name: "noop"}}
	srv, _ := newTestServer(t, conn, nil)
	srv.tokens = session.NewTokenIssuer([]byte("test-secret"), time.Hour)

	r := httptest.NewRequest(http.MethodGet, tokenPath, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestIssueTokenIsDisabledWithoutConfiguredIssuer(t *testing.T) {
	conn := &fakeConnector{manifest: protocol.NodeConfig{Name: "noop"}}
	srv, _ := newTestServer(t, conn, nil)

	r := httptest.NewRequest(http.MethodGet, tokenPath, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestFindOrCreateSessionAcceptsBearerToken(t *testing.T) {
	conn := &fakeConnector{manifest: protocol.NodeConfig{Name: "noop"}}
	srv, _ := newTestServer(t, conn, nil)
	srv.tokens = session.NewTokenIssuer([]byte("test-secret"), time.Hour)

	created, err := srv.sessions.Create()
	require.NoError(t, err)
	tok, err := srv.tokens.Issue(created.ID)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	sess, newCookie, err := srv.findOrCreateSession(r)
	require.NoError(t, err)
	require.False(t, newCookie)
	require.Equal(t, created.ID, sess.ID)
}
