package analyze

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/checkrelay/checkrelay/internal/domain"
)

// outputTail bounds how much analyzer output ends up in error messages.
const outputTail = 512

// ExecRunner runs the analyzer binary directly on the host.
type ExecRunner struct {
	bin      string
	registry *CheckerRegistry
}

// NewExecRunner creates a runner invoking the given analyzer binary.
func NewExecRunner(bin string, registry *CheckerRegistry) *ExecRunner {
	return &ExecRunner{bin: bin, registry: registry}
}

// Run executes one analyzer job as a subprocess. Cancelling ctx kills the
// process, which is how expired sessions abandon in-flight work.
func (r *ExecRunner) Run(ctx context.Context, job Job) error {
	args := buildArgs(job)
	slog.Debug("Running analyzer", "bin", r.bin, "mode", job.Mode, "file", job.File)

	cmd := exec.CommandContext(ctx, r.bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("analyzer %s of %s: %w: %s", job.Mode, job.File, err, tail(out))
	}
	return nil
}

// Checkers lists the checkers configured on this server.
func (r *ExecRunner) Checkers(_ context.Context, analyzers []string) ([]domain.Checker, error) {
	return r.registry.ForAnalyzers(analyzers), nil
}

func tail(out []byte) []byte {
	if len(out) > outputTail {
		return out[len(out)-outputTail:]
	}
	return out
}
