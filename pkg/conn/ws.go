package conn

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the transport surface the supervisor needs. The production
// implementation wraps a gorilla websocket connection; tests substitute an
// in-memory fake.
type Socket interface {
	// ReadFrame blocks for the next data frame.
	ReadFrame() ([]byte, error)
	// Ping sends a liveness probe.
	Ping() error
	// Close tears the transport down. Safe to call more than once.
	Close() error
}

// Dialer opens a Socket.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}

// WSDialer dials gorilla websocket connections.
type WSDialer struct {
	dialer    *websocket.Dialer
	readWait  time.Duration
	readLimit int64
}

// NewWSDialer creates a dialer with the default handshake settings.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		readWait:  60 * time.Second,
		readLimit: 1 << 20,
	}
}

// SetReadLimit caps the size of a single inbound frame.
func (d *WSDialer) SetReadLimit(limit int64) {
	if limit > 0 {
		d.readLimit = limit
	}
}

// Dial opens the websocket and arms the pong handler so liveness responses
// extend the read deadline without ever surfacing as frames.
func (d *WSDialer) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	ws, _, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	ws.SetReadLimit(d.readLimit)
	ws.SetReadDeadline(time.Now().Add(d.readWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(d.readWait))
		return nil
	})

	return &wsSocket{ws: ws}, nil
}

type wsSocket struct {
	ws *websocket.Conn
}

func (s *wsSocket) ReadFrame() ([]byte, error) {
	_, data, err := s.ws.ReadMessage()
	return data, err
}

func (s *wsSocket) Ping() error {
	s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

func (s *wsSocket) Close() error {
	s.ws.SetWriteDeadline(time.Now().Add(time.Second))
	s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.ws.Close()
}
