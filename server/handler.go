package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"via.live/data"
	"via.live/spatial"
)

// Handler is the HTTP surface: the websocket share endpoint plus the
// route history, matching, status and admin endpoints.
type Handler struct {
	srv        *Server
	routes     *data.RouteLog
	tokens     *ResumeTokens
	adminToken string
}

// NewHandler wires the HTTP surface around the server and route log
func NewHandler(srv *Server, routes *data.RouteLog, tokens *ResumeTokens, adminToken string) *Handler {
	return &Handler{
		srv:        srv,
		routes:     routes,
		tokens:     tokens,
		adminToken: adminToken,
	}
}

// Register installs all endpoints on the mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/share", WithCors(http.HandlerFunc(h.Share)))
	mux.Handle("/routes", WithCors(http.HandlerFunc(h.Routes)))
	mux.Handle("/matches", WithCors(http.HandlerFunc(h.Matches)))
	mux.Handle("/status", WithCors(http.HandlerFunc(h.Status)))
	mux.Handle("/health", WithCors(http.HandlerFunc(h.Health)))
	mux.Handle("/clean", WithCors(http.HandlerFunc(h.Clean)))
}

// Share is the persistent connection endpoint. The session is registered
// before the websocket starts serving so the snapshot is already queued
// ahead of any live event.
func (h *Handler) Share(w http.ResponseWriter, r *http.Request) {
	if !IsWebSocket(r) {
		http.Error(w, "websocket required", 400)
		return
	}

	r.ParseForm()

	// the client may state its identity, otherwise the resume token
	// (or a newly minted one) decides
	var rspHdr http.Header
	userID := r.Form.Get("user")
	if len(userID) == 0 {
		var cookie *http.Cookie
		userID, cookie = h.tokens.Identify(r)
		if cookie != nil {
			rspHdr = http.Header{"Set-Cookie": {cookie.String()}}
		}
	}

	sess := NewSession(userID)
	h.srv.Connect(sess)

	ServeWebSocket(w, r, rspHdr, h.srv, sess)
}

// Routes returns stored route history with optional filtering
func (h *Handler) Routes(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "unsupported method "+r.Method, 400)
		return
	}
	r.ParseForm()

	userID := r.Form.Get("user")

	limit, err := strconv.Atoi(r.Form.Get("limit"))
	if err != nil {
		limit = 100
	}

	hours, err := strconv.Atoi(r.Form.Get("hours"))
	if err != nil || hours <= 0 {
		hours = 24
	}

	routes, err := h.routes.Recent(r.Context(), userID, limit, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		http.Error(w, "failed to read routes", 500)
		return
	}

	writeJSON(w, map[string]interface{}{
		"data":  routes,
		"count": len(routes),
	})
}

// Match is one matching result. Exact path matches score 100; routes that
// only share both endpoints score 80 and are tagged so clients can keep
// them apart.
type Match struct {
	*spatial.Route
	MatchType string `json:"match_type"`
	Score     int    `json:"match_score"`
}

// Matches finds stored routes matching the posted path for other users
func (h *Handler) Matches(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "unsupported method "+r.Method, 400)
		return
	}

	var req struct {
		UserID      string        `json:"userID"`
		Source      spatial.Point `json:"source"`
		Destination spatial.Point `json:"destination"`
		Path        spatial.Path  `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", 400)
		return
	}
	if len(req.UserID) == 0 || len(req.Path) == 0 {
		http.Error(w, "userID and path are required", 400)
		return
	}

	exact, err := h.routes.FindMatching(r.Context(), req.Path, req.UserID)
	if err != nil {
		http.Error(w, "failed to match routes", 500)
		return
	}

	matches := make([]Match, 0, len(exact))
	seen := make(map[string]bool)
	for _, route := range exact {
		matches = append(matches, Match{Route: route, MatchType: "exact_path", Score: 100})
		seen[route.UserID] = true
	}

	// endpoint matches are advisory only, listed after and never
	// promoted to exact
	if !req.Source.IsZero() && !req.Destination.IsZero() {
		near, err := h.routes.FindByEndpoints(r.Context(), req.Source, req.Destination, req.UserID)
		if err == nil {
			for _, route := range near {
				if seen[route.UserID] && route.Path.Equal(req.Path) {
					continue
				}
				matches = append(matches, Match{Route: route, MatchType: "same_endpoints", Score: 80})
			}
		}
	}

	writeJSON(w, map[string]interface{}{
		"data":  matches,
		"count": len(matches),
	})
}

// Status reports live registry and store counts
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	clients, activeRoutes, uniqueUsers := h.srv.Status()

	stored, err := h.routes.Count(r.Context())
	if err != nil {
		stored = -1
	}

	writeJSON(w, map[string]interface{}{
		"connected_clients": clients,
		"active_routes":     activeRoutes,
		"unique_users":      uniqueUsers,
		"stored_routes":     stored,
	})
}

// Health reports process and store liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := 200
	if err := h.routes.Ping(r.Context()); err != nil {
		status = "store unreachable"
		code = 503
	}
	b, _ := json.Marshal(map[string]interface{}{"status": status})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

// Clean is the admin endpoint purging expired routes
func (h *Handler) Clean(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "unsupported method "+r.Method, 400)
		return
	}
	if len(h.adminToken) == 0 || r.Header.Get("Authorization") != h.adminToken {
		http.Error(w, "unauthorized", 401)
		return
	}

	removed, err := h.routes.Cleanup(r.Context())
	if err != nil {
		http.Error(w, "cleanup failed", 500)
		return
	}

	writeJSON(w, map[string]interface{}{"removed": removed})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	b, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, string(b))
}

// SetHeaders sets the cors headers
func SetHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// WithCors wraps a handler with cors headers
func WithCors(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetHeaders(w, r)

		if r.Method == "OPTIONS" {
			return
		}

		h.ServeHTTP(w, r)
	})
}
