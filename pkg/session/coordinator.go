// Package session reacts to authentication and workspace-selection changes,
// starting and stopping the connection supervisor and the subscription
// orchestrator as a unit. Sign-out or unmount always means full teardown.
//
// This is also where retry policy lives: the transports never reconnect on
// their own.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/brightclass/relay/pkg/bus"
	"github.com/brightclass/relay/pkg/conn"
	"github.com/brightclass/relay/pkg/events"
	"github.com/brightclass/relay/pkg/logger"
)

// AuthState is the observed session snapshot: is a user authenticated, which
// user, which workspace.
type AuthState struct {
	Authenticated bool
	UserID        string
	WorkspaceID   string
}

func (a AuthState) active() bool {
	return a.Authenticated && a.UserID != "" && a.WorkspaceID != ""
}

// Supervisor is the slice of the connection supervisor the coordinator uses.
type Supervisor interface {
	Connect(ctx context.Context, userID string) (*conn.Connection, error)
	Close(userID string)
}

// Orchestrator is the slice of the subscription orchestrator the coordinator
// uses.
type Orchestrator interface {
	Activate(ctx context.Context, userID, workspaceID string) error
	Deactivate()
}

// RetryPolicy defines how connection drops are retried while the session
// stays authenticated.
type RetryPolicy struct {
	// MaxAttempts caps consecutive failed reconnects. Zero means unlimited.
	MaxAttempts int
	// Backoff is the base delay, doubled per consecutive failure.
	Backoff time.Duration
	// MaxBackoff caps the doubled delay.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns a sensible default.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 0,
		Backoff:     2 * time.Second,
		MaxBackoff:  60 * time.Second,
	}
}

// Delay returns the backoff before the given 1-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Coordinator owns the session lifecycle. One instance per mounted realtime
// surface; instances share nothing.
type Coordinator struct {
	supervisor Supervisor
	orch       Orchestrator
	bus        *bus.Bus
	policy     RetryPolicy

	mu       sync.Mutex
	state    AuthState
	running  bool
	attempts int
	gen      uint64
	token    bus.Token
	timer    *time.Timer
}

// NewCoordinator wires a coordinator. Call Start before feeding it states.
func NewCoordinator(b *bus.Bus, supervisor Supervisor, orch Orchestrator, policy RetryPolicy) *Coordinator {
	if policy.Backoff <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Coordinator{
		supervisor: supervisor,
		orch:       orch,
		bus:        b,
		policy:     policy,
	}
}

// Start subscribes the coordinator to connection transitions so it can apply
// its retry policy. Idempotent.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return
	}
	c.token = c.bus.Subscribe(events.TopicConnection, c.onConnectionEvent)
}

// Stop tears the whole subsystem down: subscriptions unbound, connection
// closed, pending retries cancelled, bus registration released. Idempotent
// and safe to call while an activation is mid-flight.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.gen++
	prev := c.state
	c.state = AuthState{}
	c.running = false
	c.attempts = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	token := c.token
	c.token = ""
	c.mu.Unlock()

	if token != "" {
		c.bus.Unsubscribe(token)
	}
	c.orch.Deactivate()
	if prev.UserID != "" {
		c.supervisor.Close(prev.UserID)
	}
	logger.InfoC("session", "Realtime session stopped")
}

// Apply feeds the coordinator a new observed auth state. Transitions into
// "authenticated + workspace known" start the subsystem; leaving it tears the
// subsystem down; workspace switches re-reconcile subscriptions on the live
// connection.
func (c *Coordinator) Apply(ctx context.Context, next AuthState) {
	c.mu.Lock()
	prev := c.state
	wasRunning := c.running

	if !next.active() {
		c.state = next
		c.running = false
		c.gen++
		c.attempts = 0
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		c.mu.Unlock()

		if wasRunning {
			c.orch.Deactivate()
			c.supervisor.Close(prev.UserID)
			logger.InfoCF("session", "Signed out, subsystem torn down", map[string]interface{}{
				"user_id": prev.UserID,
			})
		}
		return
	}

	sameUser := wasRunning && prev.UserID == next.UserID
	sameWorkspace := sameUser && prev.WorkspaceID == next.WorkspaceID
	c.state = next
	c.running = true
	c.mu.Unlock()

	if sameWorkspace {
		return
	}

	if !sameUser {
		if wasRunning {
			c.supervisor.Close(prev.UserID)
		}
		c.connect(ctx, next.UserID)
	}

	if err := c.orch.Activate(ctx, next.UserID, next.WorkspaceID); err != nil {
		logger.ErrorCF("session", "Subscription activation failed", map[string]interface{}{
			"workspace_id": next.WorkspaceID,
			"error":        err.Error(),
		})
	}
}

func (c *Coordinator) connect(ctx context.Context, userID string) {
	_, err := c.supervisor.Connect(ctx, userID)
	switch {
	case err == nil:
		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()
	case errors.Is(err, conn.ErrAlreadyConnecting):
		// Another caller owns the in-flight attempt; nothing to do.
	default:
		logger.WarnCF("session", "Connect failed", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		c.scheduleReconnect(userID)
	}
}

// onConnectionEvent applies retry policy to drops reported on the bus.
func (c *Coordinator) onConnectionEvent(evt events.Envelope) {
	data, ok := evt.Data.(events.ConnectionEventData)
	if !ok {
		return
	}

	switch evt.Type {
	case events.ConnectionOpened:
		c.mu.Lock()
		if c.running && c.state.UserID == data.UserID {
			c.attempts = 0
		}
		c.mu.Unlock()
	case events.ConnectionClosed, events.ConnectionFailed:
		c.mu.Lock()
		retry := c.running && c.state.UserID == data.UserID
		c.mu.Unlock()
		if retry {
			c.scheduleReconnect(data.UserID)
		}
	}
}

// scheduleReconnect arms a single backoff timer. The generation is captured
// so a teardown between scheduling and firing cancels the stale continuation.
func (c *Coordinator) scheduleReconnect(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.state.UserID != userID || c.timer != nil {
		return
	}
	c.attempts++
	if c.policy.MaxAttempts > 0 && c.attempts > c.policy.MaxAttempts {
		logger.ErrorCF("session", "Reconnect attempts exhausted", map[string]interface{}{
			"user_id": userID,
		})
		return
	}

	gen := c.gen
	delay := c.policy.Delay(c.attempts)
	logger.InfoCF("session", "Reconnect scheduled", map[string]interface{}{
		"user_id":  userID,
		"attempt":  c.attempts,
		"delay_ms": delay.Milliseconds(),
	})

	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.timer = nil
		stale := c.gen != gen || !c.running || c.state.UserID != userID
		c.mu.Unlock()
		if stale {
			return
		}
		c.connect(context.Background(), userID)
	})
}
