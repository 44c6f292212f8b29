package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"via.live/data"
	"via.live/spatial"
)

func newTestHandler(t *testing.T) (*Handler, *Server, *data.RouteLog) {
	t.Helper()
	routes, err := data.OpenRouteLog(filepath.Join(t.TempDir(), "routes.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { routes.Close() })

	srv := New(routes, nil)
	h := NewHandler(srv, routes, NewResumeTokens("test-secret"), "admin-token")
	return h, srv, routes
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 && strings.Contains(w.Header().Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestRoutesEndpoint(t *testing.T) {
	h, _, routes := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	ctx := context.Background()
	path := spatial.Path{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}
	_, err := routes.Append(ctx, &spatial.Route{UserID: "u1", Source: path[0], Destination: path[1], Path: path})
	require.NoError(t, err)
	_, err = routes.Append(ctx, &spatial.Route{UserID: "u2", Source: path[0], Destination: path[1], Path: path})
	require.NoError(t, err)

	w, out := doJSON(t, mux, "GET", "/routes", nil)
	require.Equal(t, 200, w.Code)
	assert.EqualValues(t, 2, out["count"])

	w, out = doJSON(t, mux, "GET", "/routes?user=u1", nil)
	require.Equal(t, 200, w.Code)
	assert.EqualValues(t, 1, out["count"])
}

func TestMatchesEndpoint(t *testing.T) {
	h, _, routes := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	ctx := context.Background()
	shared := spatial.Path{{Lat: 1, Lon: 1}, {Lat: 1.5, Lon: 1.5}, {Lat: 2, Lon: 2}}
	detour := spatial.Path{{Lat: 1, Lon: 1}, {Lat: 1.4, Lon: 1.6}, {Lat: 2, Lon: 2}}

	for user, p := range map[string]spatial.Path{"u1": shared, "u2": shared, "u3": detour} {
		_, err := routes.Append(ctx, &spatial.Route{
			UserID: user, Source: p[0], Destination: p[len(p)-1], Path: p,
		})
		require.NoError(t, err)
	}

	w, out := doJSON(t, mux, "POST", "/matches", map[string]interface{}{
		"userID":      "u1",
		"source":      spatial.Point{Lat: 1, Lon: 1},
		"destination": spatial.Point{Lat: 2, Lon: 2},
		"path":        shared,
	})
	require.Equal(t, 200, w.Code)

	matches := out["data"].([]interface{})
	require.Len(t, matches, 2)

	first := matches[0].(map[string]interface{})
	assert.Equal(t, "u2", first["userID"])
	assert.Equal(t, "exact_path", first["match_type"])
	assert.EqualValues(t, 100, first["match_score"])

	second := matches[1].(map[string]interface{})
	assert.Equal(t, "u3", second["userID"])
	assert.Equal(t, "same_endpoints", second["match_type"])
	assert.EqualValues(t, 80, second["match_score"])
}

func TestMatchesRequiresUserAndPath(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	w, _ := doJSON(t, mux, "POST", "/matches", map[string]interface{}{"userID": "u1"})
	assert.Equal(t, 400, w.Code)
}

func TestStatusAndHealthEndpoints(t *testing.T) {
	h, srv, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	srv.Connect(NewSession("u1"))

	w, out := doJSON(t, mux, "GET", "/status", nil)
	require.Equal(t, 200, w.Code)
	assert.EqualValues(t, 1, out["connected_clients"])
	assert.EqualValues(t, 0, out["active_routes"])

	w, out = doJSON(t, mux, "GET", "/health", nil)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "ok", out["status"])
}

func TestCleanRequiresAdminToken(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	w, _ := doJSON(t, mux, "POST", "/clean", nil)
	assert.Equal(t, 401, w.Code)

	req := httptest.NewRequest("POST", "/clean", nil)
	req.Header.Set("Authorization", "admin-token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}

// TestShareHandshakeCarriesIdentityCookie checks that a minted identity
// reaches the client on the 101 response itself. The upgrade hijacks the
// connection, so a cookie set on the ResponseWriter after that point
// would be silently lost and every reconnect would look like a stranger.
func TestShareHandshakeCarriesIdentityCookie(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	ts := httptest.NewServer(mux)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/share"

	// no cookie and no user param: the server mints an identity and must
	// hand the cookie back on the handshake
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var identity *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == resumeCookieName {
			identity = c
		}
	}
	require.NotNil(t, identity, "handshake response must set the identity cookie")

	userID, err := NewResumeTokens("test-secret").Verify(identity.Value)
	require.NoError(t, err)
	require.NotEmpty(t, userID)

	// reconnect presenting the cookie: the identity resumes, nothing is
	// re-minted
	hdr := http.Header{"Cookie": {identity.Name + "=" + identity.Value}}
	conn2, resp2, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	require.NoError(t, err)
	defer conn2.Close()

	for _, c := range resp2.Cookies() {
		assert.NotEqual(t, resumeCookieName, c.Name, "resumed identity must not be replaced")
	}
}

// TestShareEndToEnd runs two websocket clients against a live server and
// checks snapshot-then-update delivery over the real transport.
func TestShareEndToEnd(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	ts := httptest.NewServer(mux)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/share"

	dial := func(user string) *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?user="+user, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}

	read := func(conn *websocket.Conn) *Envelope {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var e Envelope
		require.NoError(t, json.Unmarshal(msg, &e))
		return &e
	}

	a := dial("u1")

	first := read(a)
	assert.Equal(t, TypeSnapshot, first.Type)
	assert.Empty(t, first.Sessions)

	b := dial("u2")
	snap := read(b)
	assert.Equal(t, TypeSnapshot, snap.Type)

	// a submits, b must observe the update
	route := &spatial.Route{
		UserID:      "u1",
		Source:      spatial.Point{Lat: 1, Lon: 1},
		Destination: spatial.Point{Lat: 2, Lon: 2},
		Path:        spatial.Path{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}},
	}
	sub, err := json.Marshal(NewRouteSubmit(route))
	require.NoError(t, err)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, sub))

	for {
		e := read(b)
		if e.Type == TypePresenceCount {
			continue
		}
		require.Equal(t, TypeRouteUpdate, e.Type)
		assert.Equal(t, "u1", e.UserID)
		assert.True(t, e.Route.Path.Equal(route.Path))
		break
	}
}
