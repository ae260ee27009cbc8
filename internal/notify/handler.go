package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/checkrelay/checkrelay/internal/domain"
	"github.com/coder/websocket"
)

// StateLookup resolves a token to its session's current state.
type StateLookup func(token string) (domain.SessionState, bool)

// Handler upgrades /ws/notify requests and blocks the connection until the
// session reaches a terminal state (or the client goes away).
type Handler struct {
	notifier *Notifier
	lookup   StateLookup
}

// NewHandler creates a WebSocket notification handler.
func NewHandler(notifier *Notifier, lookup StateLookup) *Handler {
	return &Handler{notifier: notifier, lookup: lookup}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	state, ok := h.lookup(token)
	if !ok {
		http.Error(w, "unknown token", http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept notification WebSocket", "error", err, "token", token)
		return
	}

	ctx := r.Context()

	// The session may already be terminal; answer immediately in that case.
	if terminal(state) {
		deliver(ctx, ws, token, state)
		return
	}

	h.notifier.Register(token, ws)
	defer h.notifier.Unregister(token, ws)

	// Re-check now that the subscription exists: if the session finished
	// between the first lookup and Register, Done has already fired without
	// this connection and would never fire again.
	if cur, live := h.lookup(token); !live || terminal(cur) {
		if !live {
			cur = domain.StateExpired
		}
		deliver(ctx, ws, token, cur)
		return
	}

	slog.Info("Client waiting for session completion", "token", token, "ip", r.RemoteAddr)

	// Block until the notifier closes the connection or the client drops.
	// Reads also service client keep-alive pings.
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				slog.Debug("Notification connection closed", "token", token, "error", err)
			}
			return
		}
	}
}

func terminal(state domain.SessionState) bool {
	return state == domain.StateCompleted || state == domain.StateExpired
}

// deliver writes the terminal event and closes the connection.
func deliver(ctx context.Context, ws *websocket.Conn, token string, state domain.SessionState) {
	payload, _ := json.Marshal(Event{Token: token, State: state})
	if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
		slog.Debug("Immediate notification write failed", "token", token, "error", err)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "session finished")
}
