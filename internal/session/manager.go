// Package session implements the token/session lifecycle of the remote
// checking protocol: admission, file sync, checking, result retrieval and
// expiry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/checkrelay/checkrelay/internal/analyze"
	"github.com/checkrelay/checkrelay/internal/ctu"
	"github.com/checkrelay/checkrelay/internal/domain"
	"github.com/checkrelay/checkrelay/internal/scheduler"
	"github.com/checkrelay/checkrelay/internal/store"
	"github.com/google/uuid"
)

const (
	fileRootDir = "file-root"
	resultsDir  = "results"
	collectDir  = "ctu-dir"
)

var runNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Deps are the collaborators a Manager composes.
type Deps struct {
	Scheduler   *scheduler.Scheduler
	Repo        store.Repository
	Runner      analyze.Runner
	Coordinator *ctu.Coordinator
	Workspace   string
	IdleTimeout time.Duration
}

// Manager owns every live session. All state transitions happen under one
// mutex; the scheduler holds the run-name ownership record under its own.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	cancels  map[string]context.CancelFunc

	sched       *scheduler.Scheduler
	repo        store.Repository
	runner      analyze.Runner
	coord       *ctu.Coordinator
	workspace   string
	idleTimeout time.Duration

	// onDone is invoked after a session reaches Completed or Expired,
	// outside the manager lock. Used for websocket notification and metrics.
	onDone func(token string, state domain.SessionState)

	now func() time.Time
}

// NewManager creates a session manager.
func NewManager(deps Deps) *Manager {
	return &Manager{
		sessions:    make(map[string]*domain.Session),
		cancels:     make(map[string]context.CancelFunc),
		sched:       deps.Scheduler,
		repo:        deps.Repo,
		runner:      deps.Runner,
		coord:       deps.Coordinator,
		workspace:   deps.Workspace,
		idleTimeout: deps.IdleTimeout,
		now:         time.Now,
	}
}

// SetOnDone installs the terminal-state callback.
func (m *Manager) SetOnDone(fn func(token string, state domain.SessionState)) {
	m.onDone = fn
}

// PollCheckAvailability reports whether a new session for runName would
// currently be admitted. Advisory: a racing initConnection may still win.
func (m *Manager) PollCheckAvailability(runName string) bool {
	return m.sched.CanAdmit(runName)
}

// InitConnection admits a new session for runName: it locks the name,
// allocates a token, prepares the run workspace and reports whether the
// server has never checked this run name before.
func (m *Manager) InitConnection(ctx context.Context, runName, invocationArgs string, args domain.CheckArgs) (token string, isInitial bool, err error) {
	if !runNamePattern.MatchString(runName) {
		return "", false, fmt.Errorf("invalid run name %q: %w", runName, domain.ErrProtocolOrder)
	}

	token = uuid.NewString()
	if err := m.sched.Acquire(runName, token); err != nil {
		return "", false, err
	}
	defer func() {
		if err != nil {
			m.sched.Release(runName, token)
		}
	}()

	runRoot := filepath.Join(m.workspace, runName)
	for _, dir := range []string{runRoot, filepath.Join(runRoot, fileRootDir),
		filepath.Join(runRoot, resultsDir), filepath.Join(runRoot, collectDir)} {
		if mkErr := os.MkdirAll(dir, 0755); mkErr != nil {
			return "", false, fmt.Errorf("prepare run workspace: %w: %w", domain.ErrIO, mkErr)
		}
	}

	exists, err := m.repo.RunExists(ctx, runName)
	if err != nil {
		return "", false, err
	}
	if err = m.repo.RecordRun(ctx, runName, m.now()); err != nil {
		return "", false, err
	}

	args.Jobs = m.sched.ClampJobs(args.Jobs)

	now := m.now()
	s := &domain.Session{
		Token:          token,
		RunName:        runName,
		State:          domain.StateInitiating,
		CreatedAt:      now,
		LastActivity:   now,
		InvocationArgs: invocationArgs,
		CheckArgs:      args,
		RunRoot:        runRoot,
		Pending:        make(map[string]string),
	}
	s.State = domain.StateAwaitingFiles

	m.mu.Lock()
	m.sessions[token] = s
	m.mu.Unlock()

	slog.Info("Session initiated", "run", runName, "token", token,
		"is_initial", !exists, "jobs", args.Jobs, "whole_program", args.WholeProgram)
	return token, !exists, nil
}

// SendFileData compares the client's file records against the content store
// and returns the paths whose content the server still needs. Records that
// carry inline content are stored immediately; records with the removal
// marker delete a previously synced file. Valid only while AwaitingFiles.
func (m *Manager) SendFileData(ctx context.Context, token string, files []domain.FileRecord) ([]string, error) {
	m.mu.Lock()
	s, ok := m.sessions[token]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("token %s: %w", token, domain.ErrNotFound)
	}
	if s.State != domain.StateAwaitingFiles {
		m.mu.Unlock()
		return nil, fmt.Errorf("sendFileData in state %s: %w", s.State, domain.ErrProtocolOrder)
	}
	s.Touch(m.now())
	runRoot := s.RunRoot
	m.mu.Unlock()

	var (
		needed    []string
		satisfied []string
		badFiles  []string
	)

	for _, fd := range files {
		local := localPath(runRoot, fd.Path)

		switch {
		case fd.ContentHash == domain.RemoveMarker:
			if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
				slog.Warn("Failed to remove stale run file", "path", fd.Path, "error", err)
			}
			satisfied = append(satisfied, fd.Path)

		case fd.HasContent():
			if err := m.repo.PutBlob(ctx, fd.ContentHash, fd.Content); err != nil {
				if errors.Is(err, domain.ErrIntegrity) {
					// Fatal for this file only; unrelated files keep going.
					slog.Error("Integrity violation during file sync",
						"run", s.RunName, "path", fd.Path, "hash", fd.ContentHash)
					badFiles = append(badFiles, fd.Path)
					continue
				}
				return nil, err
			}
			if err := writeRunFile(local, fd.Content); err != nil {
				return nil, err
			}
			satisfied = append(satisfied, fd.Path)

		default:
			known, err := m.repo.HasBlob(ctx, fd.ContentHash)
			if err != nil {
				return nil, err
			}
			if !known {
				needed = append(needed, fd.Path)
				continue
			}
			content, err := m.repo.GetBlob(ctx, fd.ContentHash)
			if err != nil {
				return nil, err
			}
			if err := writeRunFile(local, content); err != nil {
				return nil, err
			}
			satisfied = append(satisfied, fd.Path)
		}
	}

	hashByPath := make(map[string]string, len(files))
	for _, fd := range files {
		hashByPath[fd.Path] = fd.ContentHash
	}

	m.mu.Lock()
	if cur, ok := m.sessions[token]; ok && cur.State == domain.StateAwaitingFiles {
		for _, p := range satisfied {
			delete(cur.Pending, p)
		}
		for _, p := range needed {
			cur.Pending[p] = hashByPath[p]
		}
		for _, p := range badFiles {
			cur.Pending[p] = hashByPath[p]
		}
	}
	m.mu.Unlock()

	if len(badFiles) > 0 {
		return append(needed, badFiles...),
			fmt.Errorf("hash collision for %s: %w", strings.Join(badFiles, ", "), domain.ErrIntegrity)
	}
	return needed, nil
}

// FetchResults returns the run's report artifacts once checking completed.
// It does not terminate the session.
func (m *Manager) FetchResults(_ context.Context, token string) ([]domain.FileRecord, error) {
	m.mu.Lock()
	s, ok := m.sessions[token]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("token %s: %w", token, domain.ErrNotFound)
	}
	if s.State != domain.StateCompleted {
		m.mu.Unlock()
		return nil, fmt.Errorf("fetchPlists in state %s: %w", s.State, domain.ErrProtocolOrder)
	}
	s.Touch(m.now())
	dir := filepath.Join(s.RunRoot, resultsDir)
	m.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read results: %w: %w", domain.ErrIO, err)
	}

	var records []domain.FileRecord
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read result %s: %w: %w", entry.Name(), domain.ErrIO, err)
		}
		records = append(records, domain.FileRecord{Path: entry.Name(), Content: content})
	}
	return records, nil
}

// Expire terminates a session from any state: the run-name lock and the
// scheduler slot are released and in-flight analyzer jobs are cancelled.
// Expiring an unknown or already-expired token is a no-op.
func (m *Manager) Expire(_ context.Context, token string) error {
	m.mu.Lock()
	s, ok := m.sessions[token]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, token)
	if cancel, ok := m.cancels[token]; ok {
		cancel()
		delete(m.cancels, token)
	}
	wasChecking := s.State == domain.StateChecking
	s.State = domain.StateExpired
	m.mu.Unlock()

	// Drop the run's result and cross-file artifacts before releasing the
	// name lock: once the lock is free a new session may recreate these
	// directories, and it must not race the cleanup or inherit stale facts.
	// The synced sources stay for re-checks.
	for _, dir := range []string{resultsDir, collectDir} {
		if err := os.RemoveAll(filepath.Join(s.RunRoot, dir)); err != nil {
			slog.Warn("Failed to clear run artifacts on expire",
				"run", s.RunName, "dir", dir, "error", err)
		}
	}

	m.sched.Release(s.RunName, token)
	if wasChecking {
		if err := m.repo.FinishRun(context.Background(), s.RunName, "expired", m.now()); err != nil {
			slog.Warn("Failed to record expired run", "run", s.RunName, "error", err)
		}
	}

	slog.Info("Session expired", "run", s.RunName, "token", token, "was_checking", wasChecking)
	if m.onDone != nil {
		m.onDone(token, domain.StateExpired)
	}
	return nil
}

// SessionState returns the current state of a token's session.
func (m *Manager) SessionState(token string) (domain.SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return "", false
	}
	return s.State, true
}

// ActiveSessions returns the number of live sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// touch refreshes a session's idle deadline if it is still live.
func (m *Manager) touch(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[token]; ok {
		s.Touch(m.now())
	}
}

// localPath maps a client path into the run workspace: absolute paths are
// mirrored under file-root, relative paths land in the run's config area.
func localPath(runRoot, clientPath string) string {
	if filepath.IsAbs(clientPath) {
		return filepath.Join(runRoot, fileRootDir, strings.TrimPrefix(clientPath, "/"))
	}
	return filepath.Join(runRoot, filepath.Clean(clientPath))
}

func writeRunFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create run file directory: %w: %w", domain.ErrIO, err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("write run file: %w: %w", domain.ErrIO, err)
	}
	return nil
}
