package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brightclass/relay/pkg/bus"
	"github.com/brightclass/relay/pkg/conn"
	"github.com/brightclass/relay/pkg/events"
)

// --- Test doubles ---

type fakeSupervisor struct {
	mu       sync.Mutex
	connects []string
	closes   []string

	failures   int  // fail the next N connects
	failAlways bool
	rejectBusy bool // report an in-flight attempt instead
}

func (f *fakeSupervisor) Connect(ctx context.Context, userID string) (*conn.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, userID)
	if f.rejectBusy {
		return nil, conn.ErrAlreadyConnecting
	}
	if f.failAlways {
		return nil, errors.New("dial refused")
	}
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("dial refused")
	}
	return nil, nil
}

func (f *fakeSupervisor) Close(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, userID)
}

func (f *fakeSupervisor) counts() (connects, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects), len(f.closes)
}

type fakeOrchestrator struct {
	mu            sync.Mutex
	activations   [][2]string
	deactivations int
}

func (f *fakeOrchestrator) Activate(ctx context.Context, userID, workspaceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations = append(f.activations, [2]string{userID, workspaceID})
	return nil
}

func (f *fakeOrchestrator) Deactivate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivations++
}

func (f *fakeOrchestrator) lastActivation() ([2]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.activations) == 0 {
		return [2]string{}, 0
	}
	return f.activations[len(f.activations)-1], len(f.activations)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{Backoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
}

func signedIn(user, workspace string) AuthState {
	return AuthState{Authenticated: true, UserID: user, WorkspaceID: workspace}
}

// --- Tests ---

func TestSignInStartsConnectionAndSubscriptions(t *testing.T) {
	sup := &fakeSupervisor{}
	orch := &fakeOrchestrator{}
	c := NewCoordinator(bus.New(), sup, orch, fastPolicy())

	c.Apply(context.Background(), signedIn("u1", "ws1"))

	connects, _ := sup.counts()
	if connects != 1 {
		t.Fatalf("expected 1 connect, got %d", connects)
	}
	last, n := orch.lastActivation()
	if n != 1 || last != [2]string{"u1", "ws1"} {
		t.Fatalf("expected activation for u1/ws1, got %v (n=%d)", last, n)
	}
}

func TestSignOutTearsEverythingDown(t *testing.T) {
	sup := &fakeSupervisor{}
	orch := &fakeOrchestrator{}
	c := NewCoordinator(bus.New(), sup, orch, fastPolicy())

	c.Apply(context.Background(), signedIn("u1", "ws1"))
	c.Apply(context.Background(), AuthState{})

	_, closes := sup.counts()
	if closes != 1 || sup.closes[0] != "u1" {
		t.Fatalf("expected close for u1, got %v", sup.closes)
	}
	if orch.deactivations != 1 {
		t.Fatalf("expected 1 deactivation, got %d", orch.deactivations)
	}
}

func TestSignOutWithoutSessionIsANoOp(t *testing.T) {
	sup := &fakeSupervisor{}
	orch := &fakeOrchestrator{}
	c := NewCoordinator(bus.New(), sup, orch, fastPolicy())

	c.Apply(context.Background(), AuthState{})

	connects, closes := sup.counts()
	if connects != 0 || closes != 0 || orch.deactivations != 0 {
		t.Fatalf("inactive state must not touch the subsystem: connects=%d closes=%d deact=%d",
			connects, closes, orch.deactivations)
	}
}

func TestWorkspaceSwitchKeepsTheConnection(t *testing.T) {
	sup := &fakeSupervisor{}
	orch := &fakeOrchestrator{}
	c := NewCoordinator(bus.New(), sup, orch, fastPolicy())

	c.Apply(context.Background(), signedIn("u1", "ws1"))
	c.Apply(context.Background(), signedIn("u1", "ws2"))

	connects, closes := sup.counts()
	if connects != 1 || closes != 0 {
		t.Fatalf("workspace switch must reuse the connection: connects=%d closes=%d", connects, closes)
	}
	last, n := orch.lastActivation()
	if n != 2 || last != [2]string{"u1", "ws2"} {
		t.Fatalf("expected re-activation for ws2, got %v (n=%d)", last, n)
	}
}

func TestIdenticalStateIsANoOp(t *testing.T) {
	sup := &fakeSupervisor{}
	orch := &fakeOrchestrator{}
	c := NewCoordinator(bus.New(), sup, orch, fastPolicy())

	c.Apply(context.Background(), signedIn("u1", "ws1"))
	c.Apply(context.Background(), signedIn("u1", "ws1"))

	connects, _ := sup.counts()
	_, activations := orch.lastActivation()
	if connects != 1 || activations != 1 {
		t.Fatalf("identical state churned: connects=%d activations=%d", connects, activations)
	}
}

func TestUserSwitchReplacesTheConnection(t *testing.T) {
	sup := &fakeSupervisor{}
	orch := &fakeOrchestrator{}
	c := NewCoordinator(bus.New(), sup, orch, fastPolicy())

	c.Apply(context.Background(), signedIn("u1", "ws1"))
	c.Apply(context.Background(), signedIn("u2", "ws1"))

	sup.mu.Lock()
	connects := append([]string(nil), sup.connects...)
	closes := append([]string(nil), sup.closes...)
	sup.mu.Unlock()

	if len(closes) != 1 || closes[0] != "u1" {
		t.Fatalf("expected old user's connection closed, got %v", closes)
	}
	if len(connects) != 2 || connects[1] != "u2" {
		t.Fatalf("expected connect for u2, got %v", connects)
	}
	last, _ := orch.lastActivation()
	if last != [2]string{"u2", "ws1"} {
		t.Fatalf("expected activation for the new user, got %v", last)
	}
}

func TestConnectFailureRetriesWithBackoff(t *testing.T) {
	sup := &fakeSupervisor{failures: 2}
	orch := &fakeOrchestrator{}
	c := NewCoordinator(bus.New(), sup, orch, fastPolicy())

	c.Apply(context.Background(), signedIn("u1", "ws1"))

	waitFor(t, func() bool {
		connects, _ := sup.counts()
		return connects == 3 // initial attempt plus two retries until success
	}, "retries to exhaust the failure budget")
}

func TestBusyConnectIsNotRetried(t *testing.T) {
	sup := &fakeSupervisor{rejectBusy: true}
	orch := &fakeOrchestrator{}
	c := NewCoordinator(bus.New(), sup, orch, fastPolicy())

	c.Apply(context.Background(), signedIn("u1", "ws1"))

	time.Sleep(50 * time.Millisecond)
	connects, _ := sup.counts()
	if connects != 1 {
		t.Fatalf("in-flight rejection must not schedule a retry, got %d connects", connects)
	}
}

func TestConnectionDropTriggersReconnect(t *testing.T) {
	b := bus.New()
	sup := &fakeSupervisor{}
	orch := &fakeOrchestrator{}
	c := NewCoordinator(b, sup, orch, fastPolicy())
	c.Start()
	defer c.Stop()

	c.Apply(context.Background(), signedIn("u1", "ws1"))

	b.Publish(events.TopicConnection, events.NewEnvelope(events.ConnectionClosed, "conn",
		events.ConnectionEventData{UserID: "u1", ConnectionID: "x"}))

	waitFor(t, func() bool {
		connects, _ := sup.counts()
		return connects == 2
	}, "reconnect after drop")
}

func TestDropForAnotherUserIsIgnored(t *testing.T) {
	b := bus.New()
	sup := &fakeSupervisor{}
	orch := &fakeOrchestrator{}
	c := NewCoordinator(b, sup, orch, fastPolicy())
	c.Start()
	defer c.Stop()

	c.Apply(context.Background(), signedIn("u1", "ws1"))

	b.Publish(events.TopicConnection, events.NewEnvelope(events.ConnectionClosed, "conn",
		events.ConnectionEventData{UserID: "someone-else", ConnectionID: "x"}))

	time.Sleep(50 * time.Millisecond)
	connects, _ := sup.counts()
	if connects != 1 {
		t.Fatalf("drop for another user scheduled a reconnect, got %d connects", connects)
	}
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	sup := &fakeSupervisor{failAlways: true}
	orch := &fakeOrchestrator{}
	policy := RetryPolicy{Backoff: 40 * time.Millisecond, MaxBackoff: 40 * time.Millisecond}
	c := NewCoordinator(bus.New(), sup, orch, policy)

	c.Apply(context.Background(), signedIn("u1", "ws1"))
	c.Stop() // the retry timer is armed but must never fire

	time.Sleep(120 * time.Millisecond)
	connects, _ := sup.counts()
	if connects != 1 {
		t.Fatalf("stale retry fired after Stop, got %d connects", connects)
	}
}

func TestMaxAttemptsStopsRetrying(t *testing.T) {
	sup := &fakeSupervisor{failAlways: true}
	orch := &fakeOrchestrator{}
	policy := RetryPolicy{MaxAttempts: 2, Backoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond}
	c := NewCoordinator(bus.New(), sup, orch, policy)

	c.Apply(context.Background(), signedIn("u1", "ws1"))

	waitFor(t, func() bool {
		connects, _ := sup.counts()
		return connects == 3 // initial attempt plus MaxAttempts retries
	}, "retry budget to drain")

	time.Sleep(60 * time.Millisecond)
	connects, _ := sup.counts()
	if connects != 3 {
		t.Fatalf("retries continued past the cap, got %d connects", connects)
	}
}

func TestRetryPolicyDelayDoublesToTheCap(t *testing.T) {
	p := RetryPolicy{Backoff: 2 * time.Second, MaxBackoff: 60 * time.Second}
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}
}
