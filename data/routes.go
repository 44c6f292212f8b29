// Package data provides the durable state for Via: the append-only route
// log backed by sqlite and the jsonl event audit log. State is owned by
// whoever constructs it and injected where needed, never ambient.
package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"via.live/spatial"
)

// ErrPersistence marks a failed log write. The registry must be left
// untouched when this is returned.
var ErrPersistence = errors.New("persistence error")

const routesSchema = `
CREATE TABLE IF NOT EXISTS routes (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	fingerprint INTEGER NOT NULL,
	created INTEGER NOT NULL,
	record TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS routes_fingerprint ON routes(fingerprint);
CREATE INDEX IF NOT EXISTS routes_user ON routes(user_id);
`

// RouteLog is the append-only store of submitted routes. Entries are
// immutable history; the session registry holds present state. Appends are
// transactional, so a write that fails partway never leaves a store the
// next append cannot read.
type RouteLog struct {
	mu  sync.Mutex
	db  *sql.DB
	ttl time.Duration
}

// OpenRouteLog opens or creates the route log at path. Routes older than
// ttl are eligible for Cleanup; ttl <= 0 disables expiry.
func OpenRouteLog(path string, ttl time.Duration) (*RouteLog, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(routesSchema); err != nil {
		db.Close()
		return nil, err
	}

	return &RouteLog{db: db, ttl: ttl}, nil
}

// Append validates and durably writes a route, returning its append
// sequence. Validation failures wrap spatial.ErrInvalid, write failures
// wrap ErrPersistence. Writes are serialized.
func (l *RouteLog) Append(ctx context.Context, r *spatial.Route) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	r.Stamp()

	b, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx,
		"INSERT INTO routes (user_id, fingerprint, created, record) VALUES (?, ?, ?, ?)",
		r.UserID, int64(r.Path.Fingerprint()), time.Now().UnixNano(), string(b))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return seq, nil
}

// FindMatching returns the stored routes whose path is structurally equal
// to the query path, excluding routes submitted by excludeUserID. The
// fingerprint index narrows candidates; equality is always confirmed.
func (l *RouteLog) FindMatching(ctx context.Context, path spatial.Path, excludeUserID string) ([]*spatial.Route, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT record FROM routes WHERE fingerprint = ? AND user_id != ? ORDER BY seq",
		int64(path.Fingerprint()), excludeUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var matches []*spatial.Route
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			log.Printf("[data] skipping unreadable record: %v", err)
			continue
		}
		if path.Equal(r.Path) {
			matches = append(matches, r)
		}
	}
	return matches, rows.Err()
}

// FindByEndpoints returns routes sharing the exact source and destination
// but not necessarily the same waypoints. Used for the scored near-match
// listing, never mixed into FindMatching results.
func (l *RouteLog) FindByEndpoints(ctx context.Context, source, destination spatial.Point, excludeUserID string) ([]*spatial.Route, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT record FROM routes WHERE user_id != ? ORDER BY seq", excludeUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var matches []*spatial.Route
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			continue
		}
		if r.Source == source && r.Destination == destination {
			matches = append(matches, r)
		}
	}
	return matches, rows.Err()
}

// Recent returns up to limit routes newer than since, newest first,
// optionally filtered by userID.
func (l *RouteLog) Recent(ctx context.Context, userID string, limit int, since time.Time) ([]*spatial.Route, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := "SELECT record FROM routes WHERE created >= ?"
	args := []interface{}{since.UnixNano()}
	if len(userID) > 0 {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var routes []*spatial.Route
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			continue
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// Count returns the number of stored routes
func (l *RouteLog) Count(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM routes").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return n, nil
}

// Cleanup deletes routes older than the ttl and returns how many went
func (l *RouteLog) Cleanup(ctx context.Context) (int64, error) {
	if l.ttl <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx,
		"DELETE FROM routes WHERE created < ?", time.Now().Add(-l.ttl).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return res.RowsAffected()
}

// Ping reports whether the store is reachable
func (l *RouteLog) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the underlying database
func (l *RouteLog) Close() error {
	return l.db.Close()
}

func scanRecord(rows *sql.Rows) (*spatial.Route, error) {
	var record string
	if err := rows.Scan(&record); err != nil {
		return nil, err
	}
	var r spatial.Route
	if err := json.Unmarshal([]byte(record), &r); err != nil {
		return nil, err
	}
	return &r, nil
}
