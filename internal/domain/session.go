package domain

import "time"

// SessionState is the lifecycle state of one offloaded-check session.
type SessionState string

const (
	StateInitiating    SessionState = "initiating"
	StateAwaitingFiles SessionState = "awaiting_files"
	StateChecking      SessionState = "checking"
	StateCompleted     SessionState = "completed"
	StateExpired       SessionState = "expired"
)

// Terminal reports whether no further transitions are possible from s.
func (s SessionState) Terminal() bool {
	return s == StateExpired
}

// CheckArgs is the client-side checking configuration forwarded with
// initConnection. Unknown keys are ignored on purpose so older clients can
// talk to newer servers without renegotiating.
type CheckArgs struct {
	Analyzers       []string `json:"analyzers,omitempty"`
	OrderedCheckers []string `json:"ordered_checkers,omitempty"`
	Jobs            int      `json:"jobs,omitempty"`
	WholeProgram    bool     `json:"whole_program,omitempty"`
}

// Session is one client <-> server offloaded-check exchange, identified by an
// opaque token. The session manager owns all mutation; Session itself is data.
type Session struct {
	Token          string       `json:"token"`
	RunName        string       `json:"run_name"`
	State          SessionState `json:"state"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActivity   time.Time    `json:"last_activity"`
	InvocationArgs string       `json:"invocation_args,omitempty"`
	CheckArgs      CheckArgs    `json:"check_args"`
	RunRoot        string       `json:"run_root"`

	// Pending maps client path -> expected content hash for every file the
	// server still needs before checking may begin. It only ever shrinks.
	Pending map[string]string `json:"pending,omitempty"`
}

// Touch records client activity, pushing the idle deadline forward.
func (s *Session) Touch(now time.Time) {
	s.LastActivity = now
}

// IdleSince reports whether the session has seen no activity for the window.
func (s *Session) IdleSince(now time.Time, window time.Duration) bool {
	return now.Sub(s.LastActivity) > window
}
