package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"via.live/server"
	"via.live/spatial"
)

const (
	writeWait        = 10 * time.Second
	initialReconnect = time.Second
	maxReconnect     = 30 * time.Second
)

// Client connects to a Via server and feeds received events into its
// mirror from a single event loop. All mirror mutation happens on that
// loop; Submit may be called from any goroutine.
type Client struct {
	// ShareURL is the websocket endpoint, e.g. ws://host:3000/share
	ShareURL string
	// UserID is this client's stable identity
	UserID string
	// Mirror holds the reconciled view of everyone else's routes
	Mirror *Mirror
	// OnReject, if set, is called when the server rejects a submission
	OnReject func(reason string)

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a client for the given share endpoint and identity,
// mirroring onto renderer
func New(shareURL, userID string, renderer Renderer) *Client {
	return &Client{
		ShareURL: shareURL,
		UserID:   userID,
		Mirror:   NewMirror(renderer),
	}
}

// Run connects and processes events until ctx is cancelled, redialing
// with backoff when the transport drops. Each successful reconnect gets a
// fresh snapshot from the server, which resynchronises the mirror.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialReconnect

	for {
		if err := c.dial(ctx); err != nil {
			log.Printf("[client] dial: %v, retrying in %v", err, backoff)
		} else {
			backoff = initialReconnect
			if err := c.readLoop(ctx); err != nil {
				log.Printf("[client] connection lost: %v", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if backoff *= 2; backoff > maxReconnect {
			backoff = maxReconnect
		}
	}
}

func (c *Client) dial(ctx context.Context) error {
	u, err := url.Parse(c.ShareURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("user", c.UserID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	defer conn.Close()

	done := make(chan bool)
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var e server.Envelope
		if err := json.Unmarshal(msg, &e); err != nil {
			log.Printf("[client] dropping malformed event: %v", err)
			continue
		}

		if e.Type == server.TypeSubmitRejected {
			if c.OnReject != nil {
				c.OnReject(e.Reason)
			}
			continue
		}

		c.Mirror.Apply(&e)
	}
}

// Submit broadcasts this client's current route. The server keeps the
// authoritative copy and will not echo it back to us.
func (c *Client) Submit(route *spatial.Route) error {
	route.UserID = c.UserID
	route.Stamp()
	if err := route.Validate(); err != nil {
		return err
	}

	b, err := json.Marshal(server.NewRouteSubmit(route))
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}
