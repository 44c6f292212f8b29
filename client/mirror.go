// Package client implements the Via client: a websocket connection to the
// broadcast server and the reconciliation engine that keeps a local mirror
// of every other session's route consistent under connect, disconnect and
// update churn.
package client

import (
	"hash/fnv"
	"sync"

	"via.live/server"
	"via.live/spatial"
)

// Renderer is the map surface the mirror draws on. The mirror calls it,
// never the reverse. Render replaces any previous drawing for sessionID,
// so re-rendering an updated route never duplicates markers.
type Renderer interface {
	Render(sessionID string, route *spatial.Route, color string)
	Unrender(sessionID string)
}

// palette matches the map frontend's route colors. A user hashes to the
// same color on every client and across reconnects without coordination.
var palette = []string{"blue", "red", "green", "purple", "orange", "brown", "pink"}

// Color deterministically assigns a palette color to a userID
func Color(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// maxTombstones bounds how many removed session ids a long lived client
// remembers. Session ids are never reused, so a tombstone only matters
// for the short window in which a stale duplicate of an old event can
// still arrive; the oldest are safe to forget first.
const maxTombstones = 1024

type tracked struct {
	userID string
	route  *spatial.Route
}

// Mirror is the per client reconstruction of all other sessions' routes.
// Events are applied from a single goroutine (the client event loop); the
// lock only protects reads from other goroutines. Application is
// idempotent: the transport may deliver the same event more than once
// around a reconnect.
type Mirror struct {
	mu       sync.RWMutex
	renderer Renderer
	sessions map[string]*tracked
	// removed sessions are tombstoned: session ids are never reused, and
	// a late duplicate of an old update must not resurrect one. The set is
	// bounded; removedOrder tracks insertion order for eviction.
	removed      map[string]bool
	removedOrder []string
	presence     int
}

// NewMirror creates a mirror drawing on renderer. A nil renderer keeps
// the mirror purely in memory.
func NewMirror(renderer Renderer) *Mirror {
	return &Mirror{
		renderer: renderer,
		sessions: make(map[string]*tracked),
		removed:  make(map[string]bool),
	}
}

// Apply merges one server event into the mirror
func (m *Mirror) Apply(e *server.Envelope) {
	switch e.Type {
	case server.TypeSnapshot:
		m.applySnapshot(e.Sessions)
	case server.TypeRouteUpdate:
		m.applyUpdate(e.SessionID, e.UserID, e.Route)
	case server.TypeSessionRemoved:
		m.applyRemoved(e.SessionID)
	case server.TypePresenceCount:
		m.mu.Lock()
		m.presence = e.Count
		m.mu.Unlock()
	}
	// anything else, including submit-rejected, is not mirror state
}

// applySnapshot resets the mirror to the server's registry state. Sent at
// connect time before any live event; also the recovery point after a
// reconnect, so sessions that vanished while we were away are erased.
func (m *Mirror) applySnapshot(sessions []server.SessionInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	present := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		if s.Route == nil || m.removed[s.SessionID] {
			continue
		}
		present[s.SessionID] = true
		m.trackLocked(s.SessionID, s.UserID, s.Route)
	}

	for id := range m.sessions {
		if !present[id] {
			m.dropLocked(id)
		}
	}
}

// applyUpdate handles a route-update. An unknown session id is tracked
// from the update alone: an update may legitimately arrive before (or
// instead of) a snapshot entry for the same session.
func (m *Mirror) applyUpdate(sessionID, userID string, route *spatial.Route) {
	if len(sessionID) == 0 || route == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.removed[sessionID] {
		return
	}
	m.trackLocked(sessionID, userID, route)
}

func (m *Mirror) applyRemoved(sessionID string) {
	if len(sessionID) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tombstoneLocked(sessionID)
	m.dropLocked(sessionID)
}

func (m *Mirror) tombstoneLocked(sessionID string) {
	if m.removed[sessionID] {
		return
	}
	m.removed[sessionID] = true
	m.removedOrder = append(m.removedOrder, sessionID)

	for len(m.removedOrder) > maxTombstones {
		delete(m.removed, m.removedOrder[0])
		m.removedOrder = m.removedOrder[1:]
	}
}

func (m *Mirror) trackLocked(sessionID, userID string, route *spatial.Route) {
	m.sessions[sessionID] = &tracked{userID: userID, route: route.Copy()}
	if m.renderer != nil {
		m.renderer.Render(sessionID, route.Copy(), Color(userID))
	}
}

func (m *Mirror) dropLocked(sessionID string) {
	if _, ok := m.sessions[sessionID]; !ok {
		return
	}
	delete(m.sessions, sessionID)
	if m.renderer != nil {
		m.renderer.Unrender(sessionID)
	}
}

// Routes returns a copy of the mirror contents keyed by session id
func (m *Mirror) Routes() map[string]*spatial.Route {
	m.mu.RLock()
	defer m.mu.RUnlock()

	routes := make(map[string]*spatial.Route, len(m.sessions))
	for id, t := range m.sessions {
		routes[id] = t.route.Copy()
	}
	return routes
}

// UserOf returns the userID behind a tracked session
func (m *Mirror) UserOf(sessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	return t.userID, true
}

// Len returns how many remote sessions are tracked
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Presence returns the last best effort online count from the server
func (m *Mirror) Presence() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.presence
}
