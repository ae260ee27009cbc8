// Package notify pushes session-completion events to clients over WebSocket,
// so a keep-alive client blocks instead of polling for results.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/checkrelay/checkrelay/internal/domain"
	"github.com/coder/websocket"
)

// Event is the message delivered when a session reaches a terminal state.
type Event struct {
	Token string              `json:"token"`
	State domain.SessionState `json:"state"`
}

// Notifier tracks the WebSocket connections waiting on each session token.
type Notifier struct {
	mu   sync.Mutex
	subs map[string][]*websocket.Conn
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[string][]*websocket.Conn)}
}

// Register adds a connection waiting on the given token.
func (n *Notifier) Register(token string, conn *websocket.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs[token] = append(n.subs[token], conn)
	slog.Debug("Notification subscriber registered", "token", token)
}

// Unregister removes a connection waiting on the given token.
func (n *Notifier) Unregister(token string, conn *websocket.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	conns := n.subs[token]
	for i, c := range conns {
		if c == conn {
			n.subs[token] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(n.subs[token]) == 0 {
		delete(n.subs, token)
	}
}

// Done delivers the terminal state of a session to every waiting connection
// and closes them. Safe to call for tokens nobody waits on.
func (n *Notifier) Done(token string, state domain.SessionState) {
	n.mu.Lock()
	conns := n.subs[token]
	delete(n.subs, token)
	n.mu.Unlock()

	if len(conns) == 0 {
		return
	}

	payload, err := json.Marshal(Event{Token: token, State: state})
	if err != nil {
		slog.Error("Failed to encode notification", "token", token, "error", err)
		return
	}

	for _, conn := range conns {
		if err := conn.Write(context.Background(), websocket.MessageText, payload); err != nil {
			slog.Debug("Notification write failed", "token", token, "error", err)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "session finished")
	}
	slog.Info("Session completion delivered", "token", token, "state", state, "subscribers", len(conns))
}
