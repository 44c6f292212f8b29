package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings to client with this period. Must be less than pongWait.
	pingPeriod = 15 * time.Second

	// Maximum message size allowed from client. Routes carry full path
	// geometry so this is far above the chat-sized default.
	maxMessageSize = 256 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// IsWebSocket checks if the request asks for a websocket upgrade
func IsWebSocket(r *http.Request) bool {
	contains := func(key, val string) bool {
		vv := strings.Split(r.Header.Get(key), ",")
		for _, v := range vv {
			if val == strings.ToLower(strings.TrimSpace(v)) {
				return true
			}
		}
		return false
	}

	if contains("Connection", "upgrade") && contains("Upgrade", "websocket") {
		return true
	}

	return false
}

// ServeWebSocket upgrades the connection and runs the session until the
// transport drops or the session is killed. The session must already be
// connected to the server so its snapshot is first in the queue. rspHdr
// rides on the 101 response; the upgrade hijacks the connection, so any
// cookie the handshake must carry has to arrive here.
func ServeWebSocket(w http.ResponseWriter, r *http.Request, rspHdr http.Header, srv *Server, sess *Session) {
	conn, err := upgrader.Upgrade(w, r, rspHdr)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	s := &stream{
		ctx:     r.Context(),
		conn:    conn,
		srv:     srv,
		session: sess,
	}

	s.run()
}

type stream struct {
	// request context
	ctx context.Context
	// the websocket connection
	conn *websocket.Conn
	// the broadcast server
	srv *Server
	// this connection's session
	session *Session
}

func (s *stream) run() {
	defer func() {
		// transport gone either way: take the disconnect path exactly once
		s.srv.Disconnect(s.session)
		s.conn.Close()
	}()

	stopCtx, cancel := context.WithCancel(context.Background())

	wg := sync.WaitGroup{}
	wg.Add(2)

	go s.serverToClientLoop(cancel, &wg, stopCtx)
	go s.clientToServerLoop(cancel, &wg, stopCtx)
	wg.Wait()
}

// clientToServerLoop reads route-submit messages and applies them in
// arrival order, which is what gives a single sender FIFO broadcasts.
func (s *stream) clientToServerLoop(cancel context.CancelFunc, wg *sync.WaitGroup, stopCtx context.Context) {
	defer func() {
		cancel()
		wg.Done()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		select {
		case <-stopCtx.Done():
			return
		default:
		}

		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[server] session %s read: %v", s.session.ID, err)
			}
			return
		}

		route, err := ParseSubmit(msg)
		if err != nil {
			// protocol error: drop the message, keep the connection
			log.Printf("[server] session %s dropped message: %v", s.session.ID, err)
			continue
		}

		// submit errors already went back to the sender as submit-rejected
		s.srv.Submit(s.ctx, s.session, route)
	}
}

func (s *stream) serverToClientLoop(cancel context.CancelFunc, wg *sync.WaitGroup, stopCtx context.Context) {
	defer func() {
		s.conn.Close()
		cancel()
		wg.Done()
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stopCtx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-s.session.Kill:
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e := <-s.session.Events:
			b, err := json.Marshal(e)
			if err != nil {
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}
