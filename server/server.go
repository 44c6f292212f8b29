// Package server implements the Via broadcast server.
//
// One websocket connection is one Session. The Server owns the session
// registry: who is connected and the route they currently share. The route
// log is history, the registry is present state. Every registry mutation
// and the broadcast it causes are applied under one lock, so no client
// ever observes a broadcast for a registry state that was never committed.
package server

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/oklog/ulid/v2"

	"via.live/data"
	"via.live/spatial"
)

// sessionEventBuffer bounds queued deliveries per connection. A receiver
// that falls this far behind is disconnected rather than allowed to stall
// delivery to anyone else.
const sessionEventBuffer = 64

// Session is one live connection. Created on connect, destroyed on
// disconnect. The route field is owned by the Server and guarded by its
// lock; everything else is immutable after creation.
type Session struct {
	// ID is unique per connection and never reused
	ID string
	// UserID is stable across reconnects, carried by the resume token
	UserID string
	// Events is drained by the connection's write loop
	Events chan *Envelope
	// Kill is closed when the session must go away
	Kill chan bool

	killOnce sync.Once
	route    *spatial.Route
}

// NewSession creates a session for a connection owned by userID
func NewSession(userID string) *Session {
	return &Session{
		ID:     ulid.Make().String(),
		UserID: userID,
		Events: make(chan *Envelope, sessionEventBuffer),
		Kill:   make(chan bool),
	}
}

func (s *Session) kill() {
	s.killOnce.Do(func() {
		close(s.Kill)
	})
}

// Server is the broadcast server: session registry plus fanout
type Server struct {
	routes *data.RouteLog
	audit  *data.EventLog

	mtx      sync.RWMutex
	sessions map[string]*Session
}

// New creates a server around the injected route log and audit log.
// The audit log may be nil.
func New(routes *data.RouteLog, audit *data.EventLog) *Server {
	return &Server{
		routes:   routes,
		audit:    audit,
		sessions: make(map[string]*Session),
	}
}

// Connect registers a session and queues its registry snapshot. The
// snapshot is queued under the registry lock, before any later broadcast
// can be, so the connection always starts consistent with existing state.
func (s *Server) Connect(sess *Session) {
	s.mtx.Lock()
	s.sessions[sess.ID] = sess
	send(sess, NewSnapshot(s.snapshotLocked()))
	s.broadcastLocked(NewPresenceCount(len(s.sessions)), "")
	s.mtx.Unlock()

	log.Printf("[server] session %s connected (user %s)", sess.ID, sess.UserID)
	s.audit.Log("session.connected", sess.ID, map[string]interface{}{"user": sess.UserID})
}

// Disconnect removes a session and tells the remaining connections.
// Idempotent; state already broadcast on behalf of this session is not
// undone, the removal is announced instead.
func (s *Server) Disconnect(sess *Session) {
	s.mtx.Lock()
	if _, ok := s.sessions[sess.ID]; !ok {
		s.mtx.Unlock()
		return
	}
	delete(s.sessions, sess.ID)
	s.broadcastLocked(NewSessionRemoved(sess.ID), "")
	s.broadcastLocked(NewPresenceCount(len(s.sessions)), "")
	s.mtx.Unlock()

	sess.kill()

	log.Printf("[server] session %s disconnected", sess.ID)
	s.audit.Log("session.removed", sess.ID, map[string]interface{}{"user": sess.UserID})
}

// Submit handles a route-submit from sess: validate and append to the
// route log, then upsert the registry and broadcast the update to every
// other session as one unit. On failure the sender alone gets a
// submit-rejected and the registry is untouched.
func (s *Server) Submit(ctx context.Context, sess *Session, route *spatial.Route) error {
	// the submitted route always belongs to the connection's user
	route.UserID = sess.UserID

	seq, err := s.routes.Append(ctx, route)
	if err != nil {
		reason := "storage failure"
		if errors.Is(err, spatial.ErrInvalid) {
			reason = err.Error()
		}
		send(sess, NewSubmitRejected(reason))
		log.Printf("[server] session %s submit rejected: %v", sess.ID, err)
		return err
	}

	s.mtx.Lock()
	if _, ok := s.sessions[sess.ID]; !ok {
		// disconnected while the append was in flight; the log keeps the
		// record but a removed session must never be re-announced
		s.mtx.Unlock()
		return nil
	}
	sess.route = route.Copy()
	s.broadcastLocked(NewRouteUpdate(sess.ID, sess.UserID, route), sess.ID)
	s.mtx.Unlock()

	s.audit.Log("route.submitted", sess.ID, map[string]interface{}{
		"user": sess.UserID,
		"seq":  seq,
	})
	return nil
}

// Snapshot returns the current registry contents in no particular order.
// Sessions that have not submitted a route yet are excluded.
func (s *Server) Snapshot() []SessionInfo {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.snapshotLocked()
}

func (s *Server) snapshotLocked() []SessionInfo {
	var sessions []SessionInfo
	for _, sess := range s.sessions {
		if sess.route == nil {
			continue
		}
		sessions = append(sessions, SessionInfo{
			SessionID: sess.ID,
			UserID:    sess.UserID,
			Route:     sess.route.Copy(),
		})
	}
	return sessions
}

// Presence returns the live connection count
func (s *Server) Presence() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.sessions)
}

// Status summarises the registry for the status endpoint
func (s *Server) Status() (clients, activeRoutes, uniqueUsers int) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	users := make(map[string]bool)
	for _, sess := range s.sessions {
		users[sess.UserID] = true
		if sess.route != nil {
			activeRoutes++
		}
	}
	return len(s.sessions), activeRoutes, len(users)
}

// broadcastLocked fans out to every session except exclude. Callers hold
// the registry lock. Delivery is fire and forget per recipient: a full
// buffer marks that connection dead instead of blocking the rest.
func (s *Server) broadcastLocked(e *Envelope, exclude string) {
	for id, sess := range s.sessions {
		if id == exclude {
			continue
		}
		send(sess, e)
	}
}

func send(sess *Session, e *Envelope) {
	select {
	case sess.Events <- e:
	default:
		log.Printf("[server] session %s not draining, killing", sess.ID)
		sess.kill()
	}
}
