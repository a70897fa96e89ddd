// Package conn owns the point-to-point realtime connection. The supervisor
// guarantees at most one live connection per user and feeds every inbound
// frame through the normalize pipeline onto the bus. It never retries on its
// own — reconnect policy lives with the session coordinator.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/brightclass/relay/pkg/bus"
	"github.com/brightclass/relay/pkg/events"
	"github.com/brightclass/relay/pkg/logger"
	"github.com/brightclass/relay/pkg/normalize"
	"github.com/brightclass/relay/pkg/pipeline"
)

// State is the lifecycle state of one connection.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Typed errors reported to the Connect caller.
type ConnError string

func (e ConnError) Error() string { return string(e) }

const (
	// ErrAlreadyConnecting is returned when Connect races an in-flight
	// attempt for the same user.
	ErrAlreadyConnecting ConnError = "connect already in progress for user"

	// ErrClosedDuringHandshake is returned when Close (or a newer attempt)
	// tore the connection down before the handshake was promoted.
	ErrClosedDuringHandshake ConnError = "connection closed during handshake"
)

// Frame is the wire envelope on the point-to-point stream.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Liveness probe event names. Matching responses are not semantic events and
// never reach the normalizer.
const (
	probePing = "ping"
	probePong = "pong"
)

// Connection represents one live transport session for one user. Owned
// exclusively by the supervisor; callers only read its attributes.
type Connection struct {
	id        string
	userID    string
	createdAt time.Time

	mu    sync.Mutex
	state State
	sock  Socket
	stop  chan struct{}
}

// ID returns the opaque identity used for deduplication.
func (c *Connection) ID() string { return c.id }

// UserID returns the owning user.
func (c *Connection) UserID() string { return c.userID }

// CreatedAt returns when the connection was created.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// close transitions to Closed exactly once and tears down the socket.
func (c *Connection) close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	sock := c.sock
	close(c.stop)
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
}

// Supervisor tracks every connection attempt per user, including attempts
// still in Connecting state, so a slow first attempt can never outlive a
// faster second one.
type Supervisor struct {
	dialer    Dialer
	tokens    oauth2.TokenSource
	bus       *bus.Bus
	pipe      *pipeline.Pipeline
	url       string
	keepalive time.Duration

	mu      sync.Mutex
	conns   map[string][]*Connection
	pending map[string]bool
}

// Options configures a supervisor.
type Options struct {
	// URL is the websocket endpoint of the user stream.
	URL string

	// Dialer opens the transport. Defaults to the gorilla websocket dialer.
	Dialer Dialer

	// Tokens supplies the bearer credential for the handshake. Optional.
	Tokens oauth2.TokenSource

	// Keepalive is the liveness probe interval. Defaults to 30s.
	Keepalive time.Duration
}

// NewSupervisor creates an independent supervisor publishing to b. No global
// registry is shared between instances.
func NewSupervisor(b *bus.Bus, opts Options) *Supervisor {
	if opts.Dialer == nil {
		opts.Dialer = NewWSDialer()
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = 30 * time.Second
	}
	return &Supervisor{
		dialer:    opts.Dialer,
		tokens:    opts.Tokens,
		bus:       b,
		pipe:      pipeline.New(b, "conn"),
		url:       opts.URL,
		keepalive: opts.Keepalive,
		conns:     make(map[string][]*Connection),
		pending:   make(map[string]bool),
	}
}

// Connect establishes the single live connection for userID. Any previously
// tracked connection for the user — Open or still Connecting — is force-closed
// first. A second Connect for the same user while this attempt is pending
// fails with ErrAlreadyConnecting instead of creating a duplicate.
func (s *Supervisor) Connect(ctx context.Context, userID string) (*Connection, error) {
	s.mu.Lock()
	if s.pending[userID] {
		s.mu.Unlock()
		return nil, ErrAlreadyConnecting
	}
	s.pending[userID] = true
	stale := s.conns[userID]
	s.conns[userID] = nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, userID)
		s.mu.Unlock()
	}()

	for _, old := range stale {
		old.close()
	}

	c := &Connection{
		id:        uuid.NewString(),
		userID:    userID,
		createdAt: time.Now().UTC(),
		state:     StateConnecting,
		stop:      make(chan struct{}),
	}

	// Track the attempt before dialing so Close can reach it mid-handshake.
	s.mu.Lock()
	s.conns[userID] = append(s.conns[userID], c)
	s.mu.Unlock()

	sock, err := s.dialer.Dial(ctx, s.url, s.authHeader(userID))
	if err != nil {
		s.untrack(c)
		c.close()
		s.publishConn(events.ConnectionFailed, c, err)
		return nil, fmt.Errorf("connect user %s: %w", userID, err)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Torn down while the dial was in flight. The socket must not leak.
		c.mu.Unlock()
		sock.Close()
		return nil, ErrClosedDuringHandshake
	}
	c.state = StateOpen
	c.sock = sock
	c.mu.Unlock()

	logger.InfoCF("conn", "Connection open", map[string]interface{}{
		"user_id": userID,
		"conn_id": c.id,
	})
	s.publishConn(events.ConnectionOpened, c, nil)

	go s.readLoop(c)
	go s.keepaliveLoop(c)

	return c, nil
}

// Close tears down every tracked connection for userID and removes its
// bookkeeping. Idempotent; safe when no connection exists.
func (s *Supervisor) Close(userID string) {
	s.mu.Lock()
	stale := s.conns[userID]
	delete(s.conns, userID)
	s.mu.Unlock()

	for _, c := range stale {
		c.close()
		logger.DebugCF("conn", "Connection closed", map[string]interface{}{
			"user_id": userID,
			"conn_id": c.id,
		})
	}
}

// CloseAll tears down every tracked connection.
func (s *Supervisor) CloseAll() {
	s.mu.Lock()
	users := make([]string, 0, len(s.conns))
	for u := range s.conns {
		users = append(users, u)
	}
	s.mu.Unlock()

	for _, u := range users {
		s.Close(u)
	}
}

// States reports the states of every tracked connection for a user.
func (s *Supervisor) States(userID string) []State {
	s.mu.Lock()
	tracked := append([]*Connection(nil), s.conns[userID]...)
	s.mu.Unlock()

	out := make([]State, len(tracked))
	for i, c := range tracked {
		out[i] = c.State()
	}
	return out
}

func (s *Supervisor) authHeader(userID string) http.Header {
	h := http.Header{}
	h.Set("X-Relay-User", userID)
	if s.tokens == nil {
		return h
	}
	tok, err := s.tokens.Token()
	if err != nil {
		logger.WarnCF("conn", "Credential source failed, dialing unauthenticated", map[string]interface{}{
			"error": err.Error(),
		})
		return h
	}
	h.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	return h
}

// readLoop delivers parsed frames to the normalize pipeline. It never panics
// out of a frame: malformed input is the pipeline's diagnostic concern.
func (s *Supervisor) readLoop(c *Connection) {
	defer s.dropped(c)

	for {
		raw, err := c.sock.ReadFrame()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			// Not even a frame envelope — report the whole payload.
			s.pipe.HandleFrame(normalize.Source{ImpliedRole: events.RoleAgent}, raw)
			continue
		}
		if frame.Event == probePing || frame.Event == probePong {
			continue
		}

		s.pipe.HandleFrame(normalize.Source{
			Channel:     frame.Channel,
			Event:       frame.Event,
			ImpliedRole: events.RoleAgent,
		}, frame.Data)
	}
}

// keepaliveLoop sends the liveness probe while the connection is open.
// Absence of a response surfaces as a read error in readLoop; the supervisor
// does not invent its own timeout. A failed probe write is a drop like any
// other and must be announced, not just closed, so the coordinator can
// reconnect.
func (s *Supervisor) keepaliveLoop(c *Connection) {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.sock.Ping(); err != nil {
				s.dropped(c)
				return
			}
		}
	}
}

// dropped handles an abrupt close. If the connection is still tracked the
// state transitions to Closed and the drop is announced on the bus; a
// connection already replaced or closed stays silent.
func (s *Supervisor) dropped(c *Connection) {
	if c.State() == StateClosed {
		return
	}
	tracked := s.untrack(c)
	c.close()
	if tracked {
		logger.WarnCF("conn", "Connection dropped", map[string]interface{}{
			"user_id": c.userID,
			"conn_id": c.id,
		})
		s.publishConn(events.ConnectionClosed, c, nil)
	}
}

// untrack removes c from the per-user bookkeeping. Returns true if it was
// still tracked.
func (s *Supervisor) untrack(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracked := s.conns[c.userID]
	for i, other := range tracked {
		if other == c {
			s.conns[c.userID] = append(tracked[:i:i], tracked[i+1:]...)
			if len(s.conns[c.userID]) == 0 {
				delete(s.conns, c.userID)
			}
			return true
		}
	}
	return false
}

func (s *Supervisor) publishConn(eventType string, c *Connection, err error) {
	data := events.ConnectionEventData{
		UserID:       c.userID,
		ConnectionID: c.id,
	}
	if err != nil {
		data.Error = err.Error()
	}
	s.bus.Publish(events.TopicConnection, events.NewEnvelope(eventType, "conn", data))
}
