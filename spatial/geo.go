// Package spatial implements the Via geo primitives and the external
// collaborators (OSRM routing, Nominatim geocoding) consumed by the server
// and client. Everything here is stateless apart from API rate limiting.
package spatial

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"
)

// CurrentVersion tags persisted and broadcast route records so the schema
// can evolve without breaking old logs.
const CurrentVersion = 1

// ErrInvalid marks a route that failed validation
var ErrInvalid = errors.New("invalid route")

// Point is a WGS84 coordinate. The json names match the wire format used
// by the map frontend (leaflet latlng).
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

// IsZero reports whether the point is the unset zero value. (0, 0) is in
// the Gulf of Guinea and never a real route endpoint here.
func (p Point) IsZero() bool {
	return p.Lat == 0 && p.Lon == 0
}

// Path is an ordered waypoint sequence as returned by the routing engine
type Path []Point

// Equal reports exact structural equality: same length, same coordinates,
// same order. There is deliberately no floating point tolerance - callers
// match on bit-identical replay of a computed path, and a tolerance would
// change which routes are considered shared. Known to be strict.
func (p Path) Equal(q Path) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i].Lat != q[i].Lat || p[i].Lon != q[i].Lon {
			return false
		}
	}
	return true
}

// Fingerprint returns a 64-bit hash of the path used to pre-filter
// candidate matches. Equal paths always hash equal; collisions are
// resolved with Equal.
func (p Path) Fingerprint() uint64 {
	h := fnv.New64a()
	var buf [16]byte
	for _, pt := range p {
		binary.BigEndian.PutUint64(buf[:8], math.Float64bits(pt.Lat))
		binary.BigEndian.PutUint64(buf[8:], math.Float64bits(pt.Lon))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// Route is a user's submitted route record. Immutable once created.
type Route struct {
	Version     int    `json:"version"`
	UserID      string `json:"userID"`
	Timestamp   string `json:"timestamp"`
	Source      Point  `json:"source"`
	Destination Point  `json:"destination"`
	Path        Path   `json:"path"`
}

// Validate checks the fields required before a route may be persisted or
// broadcast. Returns an error wrapping ErrInvalid naming the first problem.
func (r *Route) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: no route", ErrInvalid)
	}
	if len(r.UserID) == 0 {
		return fmt.Errorf("%w: missing userID", ErrInvalid)
	}
	if r.Source.IsZero() {
		return fmt.Errorf("%w: missing source", ErrInvalid)
	}
	if r.Destination.IsZero() {
		return fmt.Errorf("%w: missing destination", ErrInvalid)
	}
	if len(r.Path) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalid)
	}
	return nil
}

// Stamp fills in the defaults set server side on submission
func (r *Route) Stamp() {
	if r.Version == 0 {
		r.Version = CurrentVersion
	}
	if len(r.Timestamp) == 0 {
		r.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
}

// Copy returns a deep copy. The registry holds copies so the immutable log
// entry and the session's current value never share a path slice.
func (r *Route) Copy() *Route {
	if r == nil {
		return nil
	}
	c := *r
	c.Path = append(Path(nil), r.Path...)
	return &c
}

// Haversine returns the great circle distance between two points in meters
func Haversine(a, b Point) float64 {
	const R = 6371000 // Earth radius in meters
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
