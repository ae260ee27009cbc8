// Package ctu coordinates whole-program (cross-file) analysis: a collect
// stage emitting per-file facts, a compact stage merging them into one index,
// and a diagnose stage producing final reports from the merged index.
package ctu

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/checkrelay/checkrelay/internal/analyze"
	"github.com/checkrelay/checkrelay/internal/domain"
	"github.com/checkrelay/checkrelay/internal/scheduler"
)

const factsDirName = "facts"

// Pass describes one whole-program analysis over a run's synced files.
type Pass struct {
	RunName    string
	Files      []string // absolute input paths
	CollectDir string   // shared working directory for all three stages
	ResultsDir string   // where diagnose writes final reports
	ExtraArgs  []string
	Pool       *scheduler.JobPool

	// OnProgress, if set, is called after every finished job. The session
	// manager uses it to keep long-running checks from idling out.
	OnProgress func()
}

// Result reports which inputs made it through the pass.
type Result struct {
	Analyzed []string
	Failed   map[string]error
}

// Coordinator sequences the collect, compact and diagnose stages. Stage
// transitions are hard barriers: compact never observes a running collect
// job, diagnose never observes a partial index.
type Coordinator struct {
	runner analyze.Runner

	// ObserveStage, if set, receives per-stage wall time for metrics.
	ObserveStage func(stage string, seconds float64)
}

// NewCoordinator creates a coordinator dispatching jobs to runner.
func NewCoordinator(runner analyze.Runner) *Coordinator {
	return &Coordinator{runner: runner}
}

// Run executes the full pass. Collect failures for individual files do not
// abort the pass: compact merges the facts that were produced and diagnose
// runs for the files whose facts exist. The error is non-nil only when the
// pass as a whole could not produce anything or was cancelled.
func (c *Coordinator) Run(ctx context.Context, p Pass) (*Result, error) {
	result := &Result{Failed: make(map[string]error)}

	factsDir := filepath.Join(p.CollectDir, factsDirName)
	if err := os.MkdirAll(factsDir, 0755); err != nil {
		return nil, fmt.Errorf("create facts directory: %w: %w", domain.ErrIO, err)
	}

	collected, err := c.collect(ctx, p, factsDir, result)
	if err != nil {
		return result, err
	}
	if len(collected) == 0 {
		return result, fmt.Errorf("collect stage produced no facts for run %s", p.RunName)
	}

	if err := c.compact(ctx, p, factsDir); err != nil {
		return result, err
	}

	if err := c.diagnose(ctx, p, collected, result); err != nil {
		return result, err
	}

	// The pass's artifacts are single-use: facts collected from one set of
	// file contents must never feed a later check of the same run. They are
	// kept only when the pass failed, so a retry can resume collection.
	c.destroyArtifacts(p, factsDir)
	return result, nil
}

func (c *Coordinator) destroyArtifacts(p Pass, factsDir string) {
	if err := os.RemoveAll(factsDir); err != nil {
		slog.Warn("Failed to remove fact files", "run", p.RunName, "error", err)
	}
	if err := os.Remove(filepath.Join(p.CollectDir, analyze.IndexFileName)); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove fact index", "run", p.RunName, "error", err)
	}
}

// collect runs the analyzer in fact-collection mode over every input, up to
// the pool's parallelism. It returns only after every job has reported a
// terminal status; that wait is the collect -> compact barrier. Fact outputs
// are keyed per input file, so retrying a pass that failed mid-collection
// skips files whose facts already exist.
func (c *Coordinator) collect(ctx context.Context, p Pass, factsDir string, result *Result) ([]string, error) {
	start := time.Now()
	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		collected []string
	)

	for _, file := range p.Files {
		factPath := filepath.Join(factsDir, domain.HashBytes([]byte(file))+".facts")
		if _, err := os.Stat(factPath); err == nil {
			collected = append(collected, file)
			continue
		}

		if err := p.Pool.Acquire(ctx); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func(file, factPath string) {
			defer wg.Done()
			defer p.Pool.Release()

			err := c.runner.Run(ctx, analyze.Job{
				RunName:    p.RunName,
				File:       file,
				OutputPath: factPath,
				Mode:       analyze.ModeCollect,
				CollectDir: p.CollectDir,
				ExtraArgs:  p.ExtraArgs,
			})
			mu.Lock()
			if err != nil {
				result.Failed[file] = err
				// A half-written fact file must not poison the merge.
				_ = os.Remove(factPath)
			} else {
				collected = append(collected, file)
			}
			mu.Unlock()
			if p.OnProgress != nil {
				p.OnProgress()
			}
		}(file, factPath)
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.observe("collect", start)

	if len(result.Failed) > 0 {
		slog.Warn("Collect stage finished with failures",
			"run", p.RunName, "failed", len(result.Failed), "collected", len(collected))
	}
	return collected, nil
}

// compact merges every fact file into one deduplicated index. It is not
// incrementally retryable: the index is written to a temp file and renamed
// into place only when the whole merge succeeded, and any partial output is
// discarded on failure.
func (c *Coordinator) compact(ctx context.Context, p Pass, factsDir string) (err error) {
	start := time.Now()
	tmpPath := filepath.Join(p.CollectDir, analyze.IndexFileName+".tmp")
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	entries, err := os.ReadDir(factsDir)
	if err != nil {
		return fmt.Errorf("read facts directory: %w: %w", domain.ErrIO, err)
	}

	seen := make(map[string]struct{})
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".facts" {
			continue
		}
		if err := mergeFactFile(filepath.Join(factsDir, entry.Name()), seen); err != nil {
			return err
		}
	}

	facts := make([]string, 0, len(seen))
	for fact := range seen {
		facts = append(facts, fact)
	}
	sort.Strings(facts)

	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create fact index: %w: %w", domain.ErrIO, err)
	}
	w := bufio.NewWriter(out)
	for _, fact := range facts {
		if _, err := w.WriteString(fact + "\n"); err != nil {
			_ = out.Close()
			return fmt.Errorf("write fact index: %w: %w", domain.ErrIO, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return fmt.Errorf("flush fact index: %w: %w", domain.ErrIO, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close fact index: %w: %w", domain.ErrIO, err)
	}

	if err := os.Rename(tmpPath, filepath.Join(p.CollectDir, analyze.IndexFileName)); err != nil {
		return fmt.Errorf("publish fact index: %w: %w", domain.ErrIO, err)
	}

	slog.Info("Compact stage merged facts", "run", p.RunName, "facts", len(facts))
	c.observe("compact", start)
	return nil
}

func mergeFactFile(path string, seen map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open fact file: %w: %w", domain.ErrIO, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			seen[line] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan fact file %s: %w: %w", path, domain.ErrIO, err)
	}
	return nil
}

// diagnose re-runs the analyzer over every successfully collected file, now
// pointed at the compacted index. Like collect it waits for every job before
// returning.
func (c *Coordinator) diagnose(ctx context.Context, p Pass, files []string, result *Result) error {
	start := time.Now()
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, file := range files {
		if err := p.Pool.Acquire(ctx); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(file string) {
			defer wg.Done()
			defer p.Pool.Release()

			err := c.runner.Run(ctx, analyze.Job{
				RunName:    p.RunName,
				File:       file,
				OutputPath: ReportPath(p.ResultsDir, file),
				Mode:       analyze.ModeDiagnose,
				CollectDir: p.CollectDir,
				ExtraArgs:  p.ExtraArgs,
			})
			mu.Lock()
			if err != nil {
				result.Failed[file] = err
			} else {
				result.Analyzed = append(result.Analyzed, file)
			}
			mu.Unlock()
			if p.OnProgress != nil {
				p.OnProgress()
			}
		}(file)
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.observe("diagnose", start)
	return nil
}

func (c *Coordinator) observe(stage string, start time.Time) {
	if c.ObserveStage != nil {
		c.ObserveStage(stage, time.Since(start).Seconds())
	}
}

// ReportPath names one file's report artifact inside the results directory.
// The hash suffix keeps equally named files from distinct directories apart.
func ReportPath(resultsDir, file string) string {
	return filepath.Join(resultsDir,
		fmt.Sprintf("%s_%s.plist", filepath.Base(file), domain.HashBytes([]byte(file))[:8]))
}
