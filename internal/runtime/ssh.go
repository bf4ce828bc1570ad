package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/muxhq/mux/pkg/models"
)

const sshWorktreeBase = "~/.mux/worktrees"

// SSH runs every operation through the ssh binary on a remote host. The
// remote side needs git and bash; worktrees live under ~/.mux/worktrees
// in the remote home.
type SSH struct {
	cfg       models.SSHRuntimeConfig
	logger    *slog.Logger
	processes *ProcessRegistry
}

// NewSSH creates an ssh runtime.
func NewSSH(cfg models.SSHRuntimeConfig, opts Options) *SSH {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SSH{cfg: cfg, logger: logger, processes: opts.Processes}
}

func (s *SSH) Type() models.RuntimeType { return models.RuntimeSSH }

// sshArgv builds the local ssh invocation wrapping a remote bash command.
func (s *SSH) sshArgv(remoteCmd string) []string {
	argv := []string{"ssh", "-o", "BatchMode=yes"}
	if s.cfg.Port > 0 {
		argv = append(argv, "-p", fmt.Sprint(s.cfg.Port))
	}
	if s.cfg.IdentityFile != "" {
		argv = append(argv, "-i", s.cfg.IdentityFile)
	}
	target := s.cfg.Host
	if s.cfg.User != "" {
		target = s.cfg.User + "@" + target
	}
	return append(argv, target, remoteCmd)
}

// remote runs a bash command on the remote host and returns its result.
// Secrets become env assignments inside the remote command so they never
// appear in the local process table.
func (s *SSH) remote(ctx context.Context, remoteScript string, opts ExecOpts) (ExecResult, error) {
	var b strings.Builder
	b.WriteString("export EDITOR=true GIT_EDITOR=true GIT_SEQUENCE_EDITOR=true VISUAL=true GIT_TERMINAL_PROMPT=0; ")
	for k, v := range opts.Secrets {
		fmt.Fprintf(&b, "export %s=%s; ", k, shQuote(v))
	}
	if opts.Cwd != "" {
		fmt.Fprintf(&b, "cd %s && ", shQuote(opts.Cwd))
	}
	b.WriteString(remoteScript)

	argv := s.sshArgv("bash -c " + shQuote(b.String()))
	localOpts := ExecOpts{
		TimeoutSec:     opts.TimeoutSec,
		OverflowPolicy: opts.OverflowPolicy,
		MaxOutputBytes: opts.MaxOutputBytes,
	}
	return runLocalBash(ctx, shellJoin(argv), localOpts)
}

func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shQuote(a)
	}
	return strings.Join(quoted, " ")
}

// ResolvePath expands ~ in the remote namespace and verifies existence.
func (s *SSH) ResolvePath(ctx context.Context, p string) (string, error) {
	script := fmt.Sprintf("p=%s; p=\"${p/#\\~/$HOME}\"; [ -e \"$p\" ] && realpath \"$p\"", shQuote(p))
	res, err := s.remote(ctx, script, ExecOpts{TimeoutSec: 30})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%w: %s", ErrPathNotFound, p)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// WorkspacePath computes the remote worktree location.
func (s *SSH) WorkspacePath(projectPath, name string) string {
	return remoteWorkspacePath(sshWorktreeBase, projectPath, name)
}

// CreateWorkspace adds a worktree on the remote host.
func (s *SSH) CreateWorkspace(ctx context.Context, params CreateParams) (string, error) {
	return remoteCreateWorkspace(ctx, s.remote, sshWorktreeBase, params)
}

// ForkWorkspace adds a worktree at the source workspace's HEAD.
func (s *SSH) ForkWorkspace(ctx context.Context, params ForkParams) (string, error) {
	return remoteForkWorkspace(ctx, s.remote, sshWorktreeBase, params)
}

// RenameWorkspace moves the remote worktree.
func (s *SSH) RenameWorkspace(ctx context.Context, projectPath, oldName, newName string) (string, string, error) {
	return remoteRenameWorkspace(ctx, s.remote, sshWorktreeBase, projectPath, oldName, newName)
}

// DeleteWorkspace removes the remote worktree, refusing on dirty trees
// unless forced.
func (s *SSH) DeleteWorkspace(ctx context.Context, projectPath, name string, force bool) error {
	return remoteDeleteWorkspace(ctx, s.remote, sshWorktreeBase, projectPath, name, force)
}

// InitWorkspace runs hooks remotely. Output arrives buffered rather than
// line-interleaved; each captured line is forwarded to the logger.
func (s *SSH) InitWorkspace(ctx context.Context, workspacePath string, hooks []string, logger InitLogger) error {
	return remoteInitWorkspace(ctx, s.remote, workspacePath, hooks, logger)
}

// ExecuteBash runs a script on the remote host.
func (s *SSH) ExecuteBash(ctx context.Context, script string, opts ExecOpts) (ExecResult, error) {
	return s.remote(ctx, script, opts)
}

// OpenTerminal is not available for remote runtimes.
func (s *SSH) OpenTerminal(context.Context, string) error {
	return fmt.Errorf("runtime: terminal not supported for ssh runtime")
}
