// Package scheduler enforces the server's run and job concurrency bounds.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/checkrelay/checkrelay/internal/domain"
)

// Scheduler admits or rejects new runs against two bounds: the maximum number
// of simultaneously locked run names and the maximum number of parallel
// analyzer jobs per run. The run-name lock and its owning token live in one
// record under one mutex so lock and token can never desynchronize.
type Scheduler struct {
	mu            sync.Mutex
	maxRuns       int
	maxJobsPerRun int
	owners        map[string]string // run name -> owning session token
}

// New creates a scheduler with the given bounds. Values below 1 are raised
// to 1.
func New(maxRuns, maxJobsPerRun int) *Scheduler {
	if maxRuns < 1 {
		maxRuns = 1
	}
	if maxJobsPerRun < 1 {
		maxJobsPerRun = 1
	}
	return &Scheduler{
		maxRuns:       maxRuns,
		maxJobsPerRun: maxJobsPerRun,
		owners:        make(map[string]string),
	}
}

// CanAdmit reports whether a new session for runName would currently be
// admitted. Advisory only: a concurrent Acquire may still win the slot.
func (s *Scheduler) CanAdmit(runName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, locked := s.owners[runName]; locked {
		return false
	}
	return len(s.owners) < s.maxRuns
}

// Acquire locks runName for token. Admission check and lock acquisition are
// one critical section: two racing sessions for the same name can never both
// succeed.
func (s *Scheduler) Acquire(runName, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, locked := s.owners[runName]; locked {
		slog.Debug("Run admission refused, name locked", "run", runName, "owner", owner)
		return domain.ErrLocked
	}
	if len(s.owners) >= s.maxRuns {
		slog.Debug("Run admission refused, server at capacity",
			"run", runName, "active", len(s.owners), "max", s.maxRuns)
		return domain.ErrCapacityExceeded
	}

	s.owners[runName] = token
	return nil
}

// Release drops the lock on runName if token still owns it. Releasing a name
// that is not held, or that another token re-acquired in the meantime, is a
// no-op so duplicate cleanup can never free a successor's slot.
func (s *Scheduler) Release(runName, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, locked := s.owners[runName]; locked && owner == token {
		delete(s.owners, runName)
		return true
	}
	return false
}

// Owner returns the token currently holding runName.
func (s *Scheduler) Owner(runName string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.owners[runName]
	return token, ok
}

// ActiveRuns returns the number of currently locked run names.
func (s *Scheduler) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owners)
}

// ClampJobs caps a client-requested job count at the per-run maximum. The
// server narrows rather than rejects: a client asking for more workers than
// allowed simply gets the server's limit.
func (s *Scheduler) ClampJobs(requested int) int {
	if requested < 1 {
		return 1
	}
	if requested > s.maxJobsPerRun {
		return s.maxJobsPerRun
	}
	return requested
}

// NewJobPool creates the per-run worker semaphore for an admitted run.
func (s *Scheduler) NewJobPool(jobs int) *JobPool {
	return NewJobPool(s.ClampJobs(jobs))
}

// JobPool bounds the number of analyzer jobs running in parallel for one run.
type JobPool struct {
	slots chan struct{}
}

// NewJobPool creates a pool with the given number of slots (minimum 1).
func NewJobPool(size int) *JobPool {
	if size < 1 {
		size = 1
	}
	return &JobPool{slots: make(chan struct{}, size)}
}

// Acquire blocks until a job slot is free or ctx is cancelled.
func (p *JobPool) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired slot.
func (p *JobPool) Release() {
	<-p.slots
}

// InUse returns the number of currently occupied slots.
func (p *JobPool) InUse() int {
	return len(p.slots)
}

// Size returns the pool's capacity.
func (p *JobPool) Size() int {
	return cap(p.slots)
}
