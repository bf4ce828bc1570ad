package runtime

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"

	"github.com/muxhq/mux/pkg/models"
)

// Local manages git worktrees on the host. Each named workspace is a
// worktree of the project repository, checked out on its own branch under
// SrcBaseDir.
type Local struct {
	srcBaseDir string
	logger     *slog.Logger
	processes  *ProcessRegistry
}

// NewLocal creates a local runtime. SrcBaseDir defaults to
// ~/.mux/worktrees when unset.
func NewLocal(cfg models.LocalRuntimeConfig, opts Options) *Local {
	base := cfg.SrcBaseDir
	if base == "" {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, ".mux", "worktrees")
		} else {
			base = filepath.Join(os.TempDir(), "mux-worktrees")
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		srcBaseDir: base,
		logger:     logger,
		processes:  opts.Processes,
	}
}

func (l *Local) Type() models.RuntimeType { return models.RuntimeLocal }

// ResolvePath expands ~ and returns an absolute existing path.
func (l *Local) ResolvePath(_ context.Context, path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("runtime: resolve home: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("runtime: absolutize %q: %w", path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathNotFound, abs)
	}
	return abs, nil
}

// WorkspacePath places worktrees under srcBaseDir/<project>/<name>.
func (l *Local) WorkspacePath(projectPath, name string) string {
	return filepath.Join(l.srcBaseDir, filepath.Base(projectPath), name)
}

// CreateWorkspace adds a new worktree on a fresh branch off trunk.
func (l *Local) CreateWorkspace(ctx context.Context, params CreateParams) (string, error) {
	name := params.DirectoryName
	if name == "" {
		name = params.BranchName
	}
	path := l.WorkspacePath(params.ProjectPath, name)
	if _, err := os.Stat(path); err == nil {
		return "", ErrWorkspaceExists
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("runtime: create worktree base: %w", err)
	}

	trunk := params.TrunkBranch
	if trunk == "" {
		trunk = "HEAD"
	}

	// git worktree add -b <branch> <path> <trunk>
	out, err := l.git(ctx, params.ProjectPath,
		"worktree", "add", "-b", params.BranchName, path, trunk)
	if err != nil {
		if strings.Contains(out, "already exists") {
			return "", ErrWorkspaceExists
		}
		return "", fmt.Errorf("runtime: git worktree add: %w: %s", err, out)
	}
	l.logger.Info("created worktree",
		"project", params.ProjectPath,
		"branch", params.BranchName,
		"path", path)
	return path, nil
}

// ForkWorkspace adds a worktree at the source workspace's current HEAD.
func (l *Local) ForkWorkspace(ctx context.Context, params ForkParams) (string, error) {
	srcPath := l.WorkspacePath(params.ProjectPath, params.SourceName)
	head, err := l.git(ctx, srcPath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("runtime: resolve source HEAD: %w: %s", err, head)
	}

	newPath := l.WorkspacePath(params.ProjectPath, params.NewName)
	if _, err := os.Stat(newPath); err == nil {
		return "", ErrWorkspaceExists
	}
	out, err := l.git(ctx, params.ProjectPath,
		"worktree", "add", "-b", params.NewName, newPath, strings.TrimSpace(head))
	if err != nil {
		if strings.Contains(out, "already exists") {
			return "", ErrWorkspaceExists
		}
		return "", fmt.Errorf("runtime: git worktree add (fork): %w: %s", err, out)
	}
	l.logger.Info("forked worktree",
		"source", params.SourceName,
		"new", params.NewName,
		"path", newPath)
	return newPath, nil
}

// RenameWorkspace moves the worktree directory and renames its branch.
func (l *Local) RenameWorkspace(ctx context.Context, projectPath, oldName, newName string) (string, string, error) {
	oldPath := l.WorkspacePath(projectPath, oldName)
	newPath := l.WorkspacePath(projectPath, newName)
	if _, err := os.Stat(newPath); err == nil {
		return "", "", ErrWorkspaceExists
	}

	if out, err := l.git(ctx, projectPath, "worktree", "move", oldPath, newPath); err != nil {
		return "", "", fmt.Errorf("runtime: git worktree move: %w: %s", err, out)
	}
	// Branch rename is best-effort; the worktree may be on a detached
	// HEAD or a branch that doesn't follow the workspace name.
	if out, err := l.git(ctx, newPath, "branch", "-m", oldName, newName); err != nil {
		l.logger.Debug("branch rename skipped", "old", oldName, "new", newName, "output", out)
	}
	return oldPath, newPath, nil
}

// DeleteWorkspace removes the worktree and its branch. Refuses when the
// tree is dirty unless force is set.
func (l *Local) DeleteWorkspace(ctx context.Context, projectPath, name string, force bool) error {
	path := l.WorkspacePath(projectPath, name)
	if !force {
		dirty, err := l.isDirty(ctx, path)
		if err != nil {
			return err
		}
		if dirty {
			return ErrDirtyWorkspace
		}
	}

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if out, err := l.git(ctx, projectPath, args...); err != nil {
		// Fall back to removing the directory, then pruning.
		l.logger.Debug("git worktree remove failed, removing directory",
			"path", path, "output", out)
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("runtime: remove worktree dir: %w", rmErr)
		}
		if out, err := l.git(ctx, projectPath, "worktree", "prune"); err != nil {
			return fmt.Errorf("runtime: git worktree prune: %w: %s", err, out)
		}
	}
	if out, err := l.git(ctx, projectPath, "branch", "-D", name); err != nil {
		l.logger.Debug("branch delete skipped", "branch", name, "output", out)
	}
	return nil
}

func (l *Local) isDirty(ctx context.Context, path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	out, err := l.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("runtime: git status: %w: %s", err, out)
	}
	return strings.TrimSpace(out) != "", nil
}

// InitWorkspace runs each hook through bash, streaming output lines to the
// init logger. The first failing hook stops the run; its exit code is
// reported through the logger.
func (l *Local) InitWorkspace(ctx context.Context, workspacePath string, hooks []string, logger InitLogger) error {
	if logger == nil {
		logger = nopInitLogger{}
	}
	logger.Begin(workspacePath)

	exitCode := 0
	for _, hook := range hooks {
		code, err := l.runInitHook(ctx, workspacePath, hook, logger)
		if err != nil {
			logger.End(-1)
			return err
		}
		if code != 0 {
			exitCode = code
			break
		}
	}
	logger.End(exitCode)
	return nil
}

func (l *Local) runInitHook(ctx context.Context, dir, hook string, logger InitLogger) (int, error) {
	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", hook)
	cmd.Dir = dir
	cmd.Env = scrubbedEnv(nil)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("runtime: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("runtime: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("runtime: start init hook: %w", err)
	}

	var wg sync.WaitGroup
	stream := func(r io.Reader, isStderr bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			logger.Output(scanner.Text(), isStderr)
		}
	}
	wg.Add(2)
	go stream(stdout, false)
	go stream(stderr, true)
	wg.Wait()

	err = cmd.Wait()
	return exitCodeOf(err), nil
}

// ExecuteBash runs a script on the host with the scrubbed environment.
func (l *Local) ExecuteBash(ctx context.Context, script string, opts ExecOpts) (ExecResult, error) {
	return runLocalBash(ctx, script, opts)
}

// OpenTerminal opens the platform terminal at path. Best-effort.
func (l *Local) OpenTerminal(_ context.Context, path string) error {
	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", "-a", "Terminal", path)
	default:
		if term := os.Getenv("TERMINAL"); term != "" {
			cmd = exec.Command(term)
		} else {
			cmd = exec.Command("x-terminal-emulator")
		}
		cmd.Dir = path
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("runtime: open terminal: %w", err)
	}
	return nil
}

func (l *Local) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = scrubbedEnv(nil)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
