package session

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/checkrelay/checkrelay/internal/analyze"
	"github.com/checkrelay/checkrelay/internal/argfile"
	"github.com/checkrelay/checkrelay/internal/ctu"
	"github.com/checkrelay/checkrelay/internal/domain"
)

// Argument files a client may have synced into the run's config area. Their
// contents are expanded ($(ENV_VAR) placeholders) once, before any analyzer
// invocation sees them.
var extraArgFiles = []string{"sa-args", "tidy-args"}

// BeginChecking transitions the session to Checking and starts the analysis
// in the background. Valid only in AwaitingFiles with no pending files.
func (m *Manager) BeginChecking(_ context.Context, token string) error {
	m.mu.Lock()
	s, ok := m.sessions[token]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("token %s: %w", token, domain.ErrNotFound)
	}
	if s.State != domain.StateAwaitingFiles {
		m.mu.Unlock()
		return fmt.Errorf("beginChecking in state %s: %w", s.State, domain.ErrProtocolOrder)
	}
	if len(s.Pending) > 0 {
		m.mu.Unlock()
		return fmt.Errorf("%d file(s) still outstanding: %w", len(s.Pending), domain.ErrFilesMissing)
	}

	s.State = domain.StateChecking
	s.Touch(m.now())

	checkCtx, cancel := context.WithCancel(context.Background())
	m.cancels[token] = cancel
	m.mu.Unlock()

	slog.Info("Checking started", "run", s.RunName, "token", token,
		"whole_program", s.CheckArgs.WholeProgram)

	go m.runChecking(checkCtx, s)
	return nil
}

// runChecking executes the configured analysis for one session and moves the
// session to Completed when every job has reported terminal status. Per-file
// failures are logged and recorded in the run history, not surfaced as a
// session failure: the client fetches whatever reports were produced.
func (m *Manager) runChecking(ctx context.Context, s *domain.Session) {
	inputs, err := collectInputs(filepath.Join(s.RunRoot, fileRootDir))
	if err != nil {
		m.finishChecking(s, 0, err)
		return
	}
	if len(inputs) == 0 {
		m.finishChecking(s, 0, fmt.Errorf("run %s has no synced input files", s.RunName))
		return
	}

	extraArgs, err := m.loadExtraArgs(s.RunRoot)
	if err != nil {
		m.finishChecking(s, 0, err)
		return
	}

	pool := m.sched.NewJobPool(s.CheckArgs.Jobs)
	results := filepath.Join(s.RunRoot, resultsDir)

	var failed int
	if s.CheckArgs.WholeProgram {
		res, runErr := m.coord.Run(ctx, ctu.Pass{
			RunName:    s.RunName,
			Files:      inputs,
			CollectDir: filepath.Join(s.RunRoot, collectDir),
			ResultsDir: results,
			ExtraArgs:  extraArgs,
			Pool:       pool,
			OnProgress: func() { m.touch(s.Token) },
		})
		if res != nil {
			failed = len(res.Failed)
			for file, fileErr := range res.Failed {
				slog.Warn("Analyzer job failed", "run", s.RunName, "file", file, "error", fileErr)
			}
		}
		m.finishChecking(s, failed, runErr)
		return
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, file := range inputs {
		if err := pool.Acquire(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func(file string) {
			defer wg.Done()
			defer pool.Release()

			jobErr := m.runner.Run(ctx, analyze.Job{
				RunName:    s.RunName,
				File:       file,
				OutputPath: ctu.ReportPath(results, file),
				Mode:       analyze.ModeDirect,
				ExtraArgs:  extraArgs,
			})
			if jobErr != nil {
				slog.Warn("Analyzer job failed", "run", s.RunName, "file", file, "error", jobErr)
				mu.Lock()
				failed++
				mu.Unlock()
			}
			m.touch(s.Token)
		}(file)
	}
	wg.Wait()
	m.finishChecking(s, failed, ctx.Err())
}

// finishChecking records the terminal status of a checking pass. If the
// session was expired mid-check the transition is skipped: expiry already
// released the lock and capacity.
func (m *Manager) finishChecking(s *domain.Session, failedJobs int, err error) {
	m.mu.Lock()
	cur, live := m.sessions[s.Token]
	completed := live && cur.State == domain.StateChecking
	if completed {
		cur.State = domain.StateCompleted
		cur.Touch(m.now())
		delete(m.cancels, s.Token)
	}
	m.mu.Unlock()

	if !completed {
		slog.Info("Checking ended after session termination", "run", s.RunName, "token", s.Token)
		return
	}

	outcome := "success"
	if err != nil || failedJobs > 0 {
		outcome = "failed"
	}
	if err != nil {
		slog.Error("Checking finished with error", "run", s.RunName, "error", err)
	} else {
		slog.Info("Checking finished", "run", s.RunName, "failed_jobs", failedJobs)
	}

	if recErr := m.repo.FinishRun(context.Background(), s.RunName, outcome, m.now()); recErr != nil {
		slog.Warn("Failed to record run outcome", "run", s.RunName, "error", recErr)
	}
	if m.onDone != nil {
		m.onDone(s.Token, domain.StateCompleted)
	}
}

func (m *Manager) loadExtraArgs(runRoot string) ([]string, error) {
	var args []string
	for _, name := range extraArgFiles {
		fileArgs, err := argfile.Load(filepath.Join(runRoot, name))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w: %w", name, domain.ErrIO, err)
		}
		args = append(args, fileArgs...)
	}
	return args, nil
}

// collectInputs lists every synced source file under the run's file root.
func collectInputs(root string) ([]string, error) {
	var inputs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			inputs = append(inputs, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("walk file root: %w: %w", domain.ErrIO, err)
	}
	return inputs, nil
}
