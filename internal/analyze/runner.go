// Package analyze invokes the external per-file analyzer: the "run a checker
// over one file, produce a report" primitive the daemon offloads work to.
package analyze

import (
	"context"
	"path/filepath"

	"github.com/checkrelay/checkrelay/internal/domain"
)

// Mode selects what a single analyzer invocation produces.
type Mode string

const (
	// ModeDirect produces a final per-file report with no cross-file data.
	ModeDirect Mode = "direct"
	// ModeCollect emits only intermediate whole-program facts, never a report.
	ModeCollect Mode = "collect"
	// ModeDiagnose produces the final report using a compacted fact index.
	ModeDiagnose Mode = "diagnose"
)

// IndexFileName is the consolidated fact index the compact stage writes into
// a run's collect directory and the diagnose stage reads from it.
const IndexFileName = "defs.index"

// Job is one analyzer invocation over one input file.
type Job struct {
	RunName    string
	File       string   // absolute path of the input under the run workspace
	OutputPath string   // report artifact (direct/diagnose) or fact file (collect)
	Mode       Mode
	CollectDir string   // set for collect and diagnose jobs
	ExtraArgs  []string // already placeholder-expanded
}

// Runner abstracts the analyzer executable. Implementations must be safe for
// concurrent use; the scheduler's job pool bounds the parallelism.
type Runner interface {
	// Run executes one analyzer job, writing its artifact to job.OutputPath.
	Run(ctx context.Context, job Job) error

	// Checkers lists the checkers available on this server for the given
	// analyzers, with their default enabled state.
	Checkers(ctx context.Context, analyzers []string) ([]domain.Checker, error)
}

// buildArgs translates a Job into the analyzer's command line.
func buildArgs(job Job) []string {
	var args []string
	switch job.Mode {
	case ModeCollect:
		args = []string{"collect", "--facts", job.OutputPath}
	case ModeDiagnose:
		args = []string{"check", "--output", job.OutputPath,
			"--ctu-index", filepath.Join(job.CollectDir, IndexFileName)}
	default:
		args = []string{"check", "--output", job.OutputPath}
	}
	args = append(args, job.ExtraArgs...)
	return append(args, job.File)
}
