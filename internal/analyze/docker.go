package analyze

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/checkrelay/checkrelay/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

const (
	// Resource limits for one analyzer container.
	analyzerMemoryLimit = 1024 * 1024 * 1024 // 1GB
	analyzerCPUQuota    = 100000             // 1 CPU
	analyzerPidsLimit   = 512
)

// DockerRunner executes analyzer jobs inside throwaway containers. The run
// workspace is bind-mounted at the same path so job paths are valid inside
// the container.
type DockerRunner struct {
	cli       *client.Client
	image     string
	workspace string
	registry  *CheckerRegistry
}

// NewDockerRunner creates a Docker-backed analyzer runner.
func NewDockerRunner(image, workspace string, registry *CheckerRegistry) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker analyzer runner initialized", "image", image)
	return &DockerRunner{cli: cli, image: image, workspace: workspace, registry: registry}, nil
}

// Run executes one analyzer job in a fresh container and removes it after.
func (r *DockerRunner) Run(ctx context.Context, job Job) error {
	config := &container.Config{
		Image:      r.image,
		Cmd:        buildArgs(job),
		WorkingDir: r.workspace,
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: r.workspace,
			Target: r.workspace,
		}},
		Resources: container.Resources{
			Memory:    analyzerMemoryLimit,
			CPUQuota:  analyzerCPUQuota,
			PidsLimit: ptr(int64(analyzerPidsLimit)),
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("analyzer image %s not present on host: %w", r.image, err)
		}
		return fmt.Errorf("create analyzer container: %w", err)
	}
	defer func() {
		if removeErr := r.cli.ContainerRemove(context.Background(), resp.ID,
			container.RemoveOptions{Force: true}); removeErr != nil && !errdefs.IsNotFound(removeErr) {
			slog.Warn("Failed to remove analyzer container", "container_id", resp.ID, "error", removeErr)
		}
	}()

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start analyzer container: %w", err)
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("wait for analyzer container: %w", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("analyzer %s of %s exited with code %d",
				job.Mode, job.File, status.StatusCode)
		}
	}
	return nil
}

// Checkers lists the checkers configured on this server.
func (r *DockerRunner) Checkers(_ context.Context, analyzers []string) ([]domain.Checker, error) {
	return r.registry.ForAnalyzers(analyzers), nil
}

func ptr[T any](v T) *T {
	return &v
}
