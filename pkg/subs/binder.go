package subs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brightclass/relay/pkg/logger"
)

// BoundChannel is one live channel binding on the pub/sub transport.
type BoundChannel interface {
	// On attaches a handler for a wire event on this channel.
	On(event string, fn func(raw []byte))
	// Unbind releases the binding. Idempotent.
	Unbind() error
}

// ChannelBinder subscribes channels on the pub/sub transport. Binding may
// await a subscribe handshake.
type ChannelBinder interface {
	Bind(ctx context.Context, channel string) (BoundChannel, error)
}

// wireFrame is the envelope on the multiplexed socket.
type wireFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Auth    string          `json:"auth,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Subscribe protocol event names.
const (
	wireSubscribe   = "subscribe"
	wireUnsubscribe = "unsubscribe"
	wireEstablished = "connection:established"
)

// WSBinder multiplexes all channel subscriptions over one websocket. The
// socket is dialed lazily on the first bind and redialed after a drop.
//
// Handler state is owned per binding, not per channel name: two bindings for
// the same channel can coexist (a stale reconciliation racing a newer one),
// and releasing one must not detach the other's handlers. The wire
// unsubscribe is sent only when the last binding for a name goes away.
type WSBinder struct {
	url        string
	dialer     *websocket.Dialer
	authorizer ChannelAuthorizer

	mu       sync.Mutex
	ws       *websocket.Conn
	socketID string
	bindings map[string][]*wsBinding
}

// NewWSBinder creates a binder for the multiplexed endpoint. authorizer may
// be nil when the backend accepts unsigned subscriptions (tests, local dev).
func NewWSBinder(url string, authorizer ChannelAuthorizer) *WSBinder {
	return &WSBinder{
		url:        url,
		authorizer: authorizer,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		bindings: make(map[string][]*wsBinding),
	}
}

// Bind subscribes a channel, authorizing private and presence channels first.
// The subscribe frame is sent only for the first live binding of a name;
// later bindings share the existing wire subscription.
func (b *WSBinder) Bind(ctx context.Context, channel string) (BoundChannel, error) {
	ws, socketID, err := b.socket(ctx)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", channel, err)
	}

	var auth string
	if b.authorizer != nil {
		auth, err = b.authorizer.Authorize(ctx, socketID, channel)
		if err != nil {
			return nil, fmt.Errorf("authorize %s: %w", channel, err)
		}
	}

	binding := &wsBinding{
		binder:   b,
		channel:  channel,
		handlers: make(map[string][]func([]byte)),
	}

	b.mu.Lock()
	first := len(b.bindings[channel]) == 0
	b.bindings[channel] = append(b.bindings[channel], binding)
	if first {
		// Writes are serialized under the binder lock.
		if err = ws.WriteJSON(wireFrame{Event: wireSubscribe, Channel: channel, Auth: auth}); err != nil {
			delete(b.bindings, channel)
		}
	}
	b.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	return binding, nil
}

// Close tears the multiplexed socket down. Bindings become inert.
func (b *WSBinder) Close() {
	b.mu.Lock()
	ws := b.ws
	b.ws = nil
	b.bindings = make(map[string][]*wsBinding)
	b.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}

// socket returns the live connection, dialing it if needed. The backend
// greets with a connection:established frame carrying the socket id used for
// channel auth signatures.
func (b *WSBinder) socket(ctx context.Context) (*websocket.Conn, string, error) {
	b.mu.Lock()
	if b.ws != nil {
		ws, id := b.ws, b.socketID
		b.mu.Unlock()
		return ws, id, nil
	}
	b.mu.Unlock()

	ws, _, err := b.dialer.DialContext(ctx, b.url, http.Header{})
	if err != nil {
		return nil, "", err
	}

	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello wireFrame
	if err := ws.ReadJSON(&hello); err != nil || hello.Event != wireEstablished {
		ws.Close()
		if err == nil {
			err = fmt.Errorf("expected %s, got %q", wireEstablished, hello.Event)
		}
		return nil, "", fmt.Errorf("channel handshake: %w", err)
	}
	var greeting struct {
		SocketID string `json:"socket_id"`
	}
	if err := json.Unmarshal(hello.Data, &greeting); err != nil {
		ws.Close()
		return nil, "", fmt.Errorf("channel handshake: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	b.mu.Lock()
	if b.ws != nil {
		// Lost the dial race; keep the established socket.
		existing, id := b.ws, b.socketID
		b.mu.Unlock()
		ws.Close()
		return existing, id, nil
	}
	b.ws = ws
	b.socketID = greeting.SocketID
	b.mu.Unlock()

	go b.readLoop(ws)
	return ws, greeting.SocketID, nil
}

// readLoop routes inbound frames to every live binding for their channel. A
// dropped socket clears the connection; the next bind redials.
func (b *WSBinder) readLoop(ws *websocket.Conn) {
	for {
		var frame wireFrame
		if err := ws.ReadJSON(&frame); err != nil {
			b.mu.Lock()
			if b.ws == ws {
				b.ws = nil
				b.socketID = ""
			}
			b.mu.Unlock()
			logger.WarnCF("subs", "Channel socket dropped", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		b.mu.Lock()
		targets := append([]*wsBinding(nil), b.bindings[frame.Channel]...)
		b.mu.Unlock()

		for _, binding := range targets {
			binding.dispatch(frame.Event, frame.Data)
		}
	}
}

// release detaches one binding. Only the last binding for a channel sends the
// wire unsubscribe; earlier releases leave the shared subscription intact.
func (b *WSBinder) release(binding *wsBinding) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.bindings[binding.channel]
	found := false
	for i, other := range list {
		if other == binding {
			b.bindings[binding.channel] = append(list[:i:i], list[i+1:]...)
			found = true
			break
		}
	}
	if !found || len(b.bindings[binding.channel]) > 0 {
		return nil
	}
	delete(b.bindings, binding.channel)
	if b.ws == nil {
		return nil
	}
	// Writes are serialized under the binder lock.
	return b.ws.WriteJSON(wireFrame{Event: wireUnsubscribe, Channel: binding.channel})
}

// wsBinding owns its own handler table so releasing it cannot disturb another
// binding of the same channel.
type wsBinding struct {
	binder  *WSBinder
	channel string
	once    sync.Once

	mu       sync.Mutex
	handlers map[string][]func([]byte)
}

func (w *wsBinding) On(event string, fn func(raw []byte)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[event] = append(w.handlers[event], fn)
}

func (w *wsBinding) dispatch(event string, raw []byte) {
	w.mu.Lock()
	fns := append([](func([]byte))(nil), w.handlers[event]...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

func (w *wsBinding) Unbind() error {
	var err error
	w.once.Do(func() { err = w.binder.release(w) })
	return err
}
