package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/checkrelay/checkrelay/internal/domain"
	"github.com/coder/websocket"
)

// stateStub is a swappable session-state lookup.
type stateStub struct {
	mu    sync.Mutex
	state domain.SessionState
	known bool
	calls int

	// afterFirst, if set, is returned by every lookup after the first one.
	// It simulates a session finishing between the handler's admission check
	// and its subscription.
	afterFirst domain.SessionState
}

func (s *stateStub) lookup(string) (domain.SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.afterFirst != "" && s.calls > 1 {
		return s.afterFirst, true
	}
	return s.state, s.known
}

func (s *stateStub) set(state domain.SessionState, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state, s.known = state, known
}

func newNotifyServer(t *testing.T, stub *stateStub) (*httptest.Server, *Notifier) {
	t.Helper()
	notifier := NewNotifier()
	srv := httptest.NewServer(NewHandler(notifier, stub.lookup))
	t.Cleanup(srv.Close)
	return srv, notifier
}

func dialNotify(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url+"?token="+token, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("No notification arrived: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Malformed notification %q: %v", data, err)
	}
	return ev
}

func TestNotifyOnCompletion(t *testing.T) {
	stub := &stateStub{state: domain.StateChecking, known: true}
	srv, notifier := newNotifyServer(t, stub)

	conn := dialNotify(t, srv.URL, "tok-1")

	// The manager flips the state before firing the callback.
	stub.set(domain.StateCompleted, true)
	notifier.Done("tok-1", domain.StateCompleted)

	ev := readEvent(t, conn)
	if ev.Token != "tok-1" || ev.State != domain.StateCompleted {
		t.Errorf("Unexpected event: %+v", ev)
	}
}

// A session that finishes between the handler's admission lookup and its
// subscription must still be answered: the completion event fired while no
// subscriber existed, so the handler has to detect the terminal state itself.
func TestLateSubscriberStillNotified(t *testing.T) {
	stub := &stateStub{
		state:      domain.StateChecking,
		known:      true,
		afterFirst: domain.StateCompleted,
	}
	srv, _ := newNotifyServer(t, stub)

	// Done is never called: the event already fired before the subscription.
	conn := dialNotify(t, srv.URL, "tok-2")

	ev := readEvent(t, conn)
	if ev.State != domain.StateCompleted {
		t.Errorf("Late subscriber got state %s, want %s", ev.State, domain.StateCompleted)
	}
}

func TestImmediateAnswerWhenTerminal(t *testing.T) {
	stub := &stateStub{state: domain.StateCompleted, known: true}
	srv, _ := newNotifyServer(t, stub)

	conn := dialNotify(t, srv.URL, "tok-3")
	ev := readEvent(t, conn)
	if ev.Token != "tok-3" || ev.State != domain.StateCompleted {
		t.Errorf("Unexpected event: %+v", ev)
	}
}

func TestUnknownTokenRefused(t *testing.T) {
	stub := &stateStub{known: false}
	srv, _ := newNotifyServer(t, stub)

	resp, err := http.Get(srv.URL + "?token=ghost")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown token, got %d", resp.StatusCode)
	}
}

func TestDoneWithoutSubscribers(t *testing.T) {
	notifier := NewNotifier()
	// Must not panic or block.
	notifier.Done("nobody", domain.StateExpired)
}
