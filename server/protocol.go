package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"via.live/spatial"
)

// Wire message types. A single envelope shape carries every message over
// the websocket; Type selects which payload fields are meaningful.
// ProtocolVersion is stamped on every envelope so readers can tell
// incompatible wire generations apart
const ProtocolVersion = 1

const (
	TypeRouteSubmit    = "route-submit"
	TypeSnapshot       = "snapshot"
	TypeRouteUpdate    = "route-update"
	TypeSessionRemoved = "session-removed"
	TypePresenceCount  = "presence-count"
	TypeSubmitRejected = "submit-rejected"
)

// SessionInfo is one registry entry as seen on the wire
type SessionInfo struct {
	SessionID string         `json:"sessionID"`
	UserID    string         `json:"userID"`
	Route     *spatial.Route `json:"route"`
}

// Envelope is the wire message. Server to client messages carry an Id and
// Created stamp for client side dedupe under at-least-once delivery.
type Envelope struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	Id      string `json:"id,omitempty"`
	Created int64  `json:"created,omitempty,string"`

	// snapshot
	Sessions []SessionInfo `json:"sessions,omitempty"`

	// route-update, session-removed
	SessionID string         `json:"sessionID,omitempty"`
	UserID    string         `json:"userID,omitempty"`
	Route     *spatial.Route `json:"route,omitempty"`

	// presence-count
	Count int `json:"count,omitempty"`

	// submit-rejected
	Reason string `json:"reason,omitempty"`
}

func newEnvelope(typ string) *Envelope {
	return &Envelope{
		Type:    typ,
		Version: ProtocolVersion,
		Id:      uuid.New().String(),
		Created: time.Now().UnixNano(),
	}
}

// NewSnapshot builds the registry snapshot sent to a newly active
// connection before any live events
func NewSnapshot(sessions []SessionInfo) *Envelope {
	e := newEnvelope(TypeSnapshot)
	e.Sessions = sessions
	return e
}

// NewRouteUpdate announces a (re)submitted route to other sessions
func NewRouteUpdate(sessionID, userID string, route *spatial.Route) *Envelope {
	e := newEnvelope(TypeRouteUpdate)
	e.SessionID = sessionID
	e.UserID = userID
	e.Route = route
	return e
}

// NewSessionRemoved announces a disconnected session
func NewSessionRemoved(sessionID string) *Envelope {
	e := newEnvelope(TypeSessionRemoved)
	e.SessionID = sessionID
	return e
}

// NewPresenceCount carries the best effort online count
func NewPresenceCount(count int) *Envelope {
	e := newEnvelope(TypePresenceCount)
	e.Count = count
	return e
}

// NewSubmitRejected reports a failed submission to the sender only
func NewSubmitRejected(reason string) *Envelope {
	e := newEnvelope(TypeSubmitRejected)
	e.Reason = reason
	return e
}

// NewRouteSubmit is the client side submit message
func NewRouteSubmit(route *spatial.Route) *Envelope {
	e := newEnvelope(TypeRouteSubmit)
	e.Route = route
	return e
}

// ParseSubmit decodes an inbound client message. Anything other than a
// well formed route-submit is a protocol error: the caller drops the
// message and the server stays up.
func ParseSubmit(b []byte) (*spatial.Route, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("malformed message: %v", err)
	}
	if e.Type != TypeRouteSubmit {
		return nil, fmt.Errorf("unexpected message type %q", e.Type)
	}
	if e.Route == nil {
		return nil, fmt.Errorf("route-submit without a route")
	}
	return e.Route, nil
}
