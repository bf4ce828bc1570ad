package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/muxhq/mux/pkg/models"
)

const dockerWorktreeBase = "/mux/worktrees"

// Docker runs every operation inside a long-lived container. The
// container is created from the configured image on first use and kept
// alive with a sleep loop; each command runs through the exec API.
type Docker struct {
	cfg       models.DockerRuntimeConfig
	cli       *client.Client
	logger    *slog.Logger
	processes *ProcessRegistry

	mu          sync.Mutex
	containerID string
}

// NewDocker creates a docker runtime. The SDK client negotiates the API
// version with the local daemon.
func NewDocker(cfg models.DockerRuntimeConfig, opts Options) (*Docker, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("runtime: create docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = "ubuntu:24.04"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{
		cfg:       cfg,
		cli:       cli,
		logger:    logger,
		processes: opts.Processes,
	}, nil
}

func (d *Docker) Type() models.RuntimeType { return models.RuntimeDocker }

// ensureContainer finds or starts the backing container.
func (d *Docker) ensureContainer(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.containerID != "" {
		return d.containerID, nil
	}

	if d.cfg.ContainerName != "" {
		filterArgs := filters.NewArgs()
		filterArgs.Add("name", d.cfg.ContainerName)
		containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
		if err != nil {
			return "", fmt.Errorf("runtime: list containers: %w", err)
		}
		for _, ctr := range containers {
			if ctr.State != "running" {
				if err := d.cli.ContainerStart(ctx, ctr.ID, container.StartOptions{}); err != nil {
					return "", fmt.Errorf("runtime: start container: %w", err)
				}
			}
			d.containerID = ctr.ID
			return ctr.ID, nil
		}
	}

	reader, err := d.cli.ImagePull(ctx, d.cfg.Image, image.PullOptions{})
	if err == nil {
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	} else {
		// The image may already be present locally.
		d.logger.Debug("image pull failed, trying local image",
			"image", d.cfg.Image, "error", err)
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: d.cfg.Image,
		Cmd:   []string{"sleep", "infinity"},
		Labels: map[string]string{
			"mux.runtime": "workspace",
		},
	}, &container.HostConfig{}, nil, nil, d.cfg.ContainerName)
	if err != nil {
		return "", fmt.Errorf("runtime: create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("runtime: start container: %w", err)
	}
	d.containerID = resp.ID
	d.logger.Info("started workspace container",
		"container_id", resp.ID, "image", d.cfg.Image)
	return resp.ID, nil
}

// exec runs a bash script in the container and demultiplexes its output.
func (d *Docker) exec(ctx context.Context, script string, opts ExecOpts) (ExecResult, error) {
	containerID, err := d.ensureContainer(ctx)
	if err != nil {
		return ExecResult{}, err
	}

	runCtx := ctx
	if opts.TimeoutSec > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutSec)*time.Second)
		defer cancel()
	}

	env := []string{
		"EDITOR=true",
		"GIT_EDITOR=true",
		"GIT_SEQUENCE_EDITOR=true",
		"VISUAL=true",
		"GIT_TERMINAL_PROMPT=0",
	}
	for k, v := range opts.Secrets {
		env = append(env, k+"="+v)
	}

	execCfg := container.ExecOptions{
		Cmd:          []string{"/bin/bash", "-c", script},
		Env:          env,
		WorkingDir:   opts.Cwd,
		AttachStdout: true,
		AttachStderr: true,
	}
	execResp, err := d.cli.ContainerExecCreate(runCtx, containerID, execCfg)
	if err != nil {
		return ExecResult{}, fmt.Errorf("runtime: exec create: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(runCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("runtime: exec attach: %w", err)
	}
	defer attach.Close()

	maxOutput := opts.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	stdout := newOverflowBuffer(maxOutput, false)
	stderr := newOverflowBuffer(maxOutput, false)

	copyDone := make(chan error, 1)
	go func() {
		// The exec stream multiplexes stdout/stderr with 8-byte frame
		// headers when no TTY is allocated.
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- err
	}()

	select {
	case err = <-copyDone:
		if err != nil && !strings.Contains(err.Error(), "use of closed") {
			return ExecResult{}, fmt.Errorf("runtime: exec read: %w", err)
		}
	case <-runCtx.Done():
		attach.Close()
		<-copyDone
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("runtime: exec inspect: %w", err)
	}

	result := ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		result.TruncatedMarker = appendMarker(result.TruncatedMarker,
			fmt.Sprintf("command timed out after %ds", opts.TimeoutSec))
	}
	if stdout.overflowed || stderr.overflowed {
		result.TruncatedMarker = appendMarker(result.TruncatedMarker,
			fmt.Sprintf("output truncated at %d bytes", maxOutput))
	}
	return result, nil
}

// ResolvePath verifies a path exists inside the container.
func (d *Docker) ResolvePath(ctx context.Context, p string) (string, error) {
	script := fmt.Sprintf("p=%s; p=\"${p/#\\~/$HOME}\"; [ -e \"$p\" ] && realpath \"$p\"", shQuote(p))
	res, err := d.exec(ctx, script, ExecOpts{TimeoutSec: 30})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%w: %s", ErrPathNotFound, p)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// WorkspacePath computes the in-container worktree location.
func (d *Docker) WorkspacePath(projectPath, name string) string {
	return remoteWorkspacePath(dockerWorktreeBase, projectPath, name)
}

// CreateWorkspace adds a worktree inside the container.
func (d *Docker) CreateWorkspace(ctx context.Context, params CreateParams) (string, error) {
	return remoteCreateWorkspace(ctx, d.exec, dockerWorktreeBase, params)
}

// ForkWorkspace adds a worktree at the source workspace's HEAD.
func (d *Docker) ForkWorkspace(ctx context.Context, params ForkParams) (string, error) {
	return remoteForkWorkspace(ctx, d.exec, dockerWorktreeBase, params)
}

// RenameWorkspace moves the in-container worktree.
func (d *Docker) RenameWorkspace(ctx context.Context, projectPath, oldName, newName string) (string, string, error) {
	return remoteRenameWorkspace(ctx, d.exec, dockerWorktreeBase, projectPath, oldName, newName)
}

// DeleteWorkspace removes the in-container worktree.
func (d *Docker) DeleteWorkspace(ctx context.Context, projectPath, name string, force bool) error {
	return remoteDeleteWorkspace(ctx, d.exec, dockerWorktreeBase, projectPath, name, force)
}

// InitWorkspace runs hooks inside the container.
func (d *Docker) InitWorkspace(ctx context.Context, workspacePath string, hooks []string, logger InitLogger) error {
	return remoteInitWorkspace(ctx, d.exec, workspacePath, hooks, logger)
}

// ExecuteBash runs a script inside the container. The tempfile overflow
// policy spills to a file on the host, since that is where the agent's
// file tools read from for local runtimes; for docker the full output is
// kept only when it fits the cap.
func (d *Docker) ExecuteBash(ctx context.Context, script string, opts ExecOpts) (ExecResult, error) {
	return d.exec(ctx, script, opts)
}

// OpenTerminal is not available for container runtimes.
func (d *Docker) OpenTerminal(context.Context, string) error {
	return fmt.Errorf("runtime: terminal not supported for docker runtime")
}

// Close stops the docker client. The container is left running for reuse.
func (d *Docker) Close() error {
	return d.cli.Close()
}
