package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/checkrelay/checkrelay/internal/domain"
)

// StartSweeper runs a background goroutine that periodically expires sessions
// whose idle deadline has passed. A client that disconnected mid-session is
// reclaimed here exactly as if it had called expire itself.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "idle_timeout", m.idleTimeout)

		for {
			select {
			case <-ticker.C:
				m.sweepIdle(ctx)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (m *Manager) sweepIdle(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var idle []*domain.Session
	for _, s := range m.sessions {
		if s.IdleSince(now, m.idleTimeout) {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		slog.Info("Expiring idle session", "run", s.RunName, "token", s.Token,
			"state", s.State, "last_activity", s.LastActivity)
		if err := m.Expire(ctx, s.Token); err != nil {
			slog.Error("Failed to expire idle session", "token", s.Token, "error", err)
		}
	}
}
