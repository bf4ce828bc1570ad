package runtime

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// scriptRunner executes one bash script inside a remote namespace (ssh
// host or container) and returns its outcome. Both remote runtimes
// implement worktree operations through it with identical scripts.
type scriptRunner func(ctx context.Context, script string, opts ExecOpts) (ExecResult, error)

const (
	exitWorkspaceExists = 3
	exitDirtyWorkspace  = 4
)

func remoteWorkspacePath(baseDir, projectPath, name string) string {
	return path.Join(baseDir, path.Base(projectPath), name)
}

func remoteCreateWorkspace(ctx context.Context, run scriptRunner, baseDir string, params CreateParams) (string, error) {
	name := params.DirectoryName
	if name == "" {
		name = params.BranchName
	}
	wsPath := remoteWorkspacePath(baseDir, params.ProjectPath, name)
	trunk := params.TrunkBranch
	if trunk == "" {
		trunk = "HEAD"
	}

	script := fmt.Sprintf(
		"[ -e %[1]s ] && { echo 'Workspace already exists' >&2; exit %[5]d; }; "+
			"mkdir -p \"$(dirname %[1]s)\" && "+
			"git -C %[2]s worktree add -b %[3]s %[1]s %[4]s",
		shQuote(wsPath), shQuote(params.ProjectPath),
		shQuote(params.BranchName), shQuote(trunk), exitWorkspaceExists)
	res, err := run(ctx, script, ExecOpts{TimeoutSec: 120})
	if err != nil {
		return "", err
	}
	if res.ExitCode == exitWorkspaceExists || strings.Contains(res.Stderr, "already exists") {
		return "", ErrWorkspaceExists
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("runtime: remote worktree add failed: %s", res.Stderr)
	}
	return wsPath, nil
}

func remoteForkWorkspace(ctx context.Context, run scriptRunner, baseDir string, params ForkParams) (string, error) {
	srcPath := remoteWorkspacePath(baseDir, params.ProjectPath, params.SourceName)
	newPath := remoteWorkspacePath(baseDir, params.ProjectPath, params.NewName)

	script := fmt.Sprintf(
		"[ -e %[1]s ] && { echo 'Workspace already exists' >&2; exit %[5]d; }; "+
			"head=$(git -C %[2]s rev-parse HEAD) && "+
			"git -C %[3]s worktree add -b %[4]s %[1]s \"$head\"",
		shQuote(newPath), shQuote(srcPath),
		shQuote(params.ProjectPath), shQuote(params.NewName), exitWorkspaceExists)
	res, err := run(ctx, script, ExecOpts{TimeoutSec: 120})
	if err != nil {
		return "", err
	}
	if res.ExitCode == exitWorkspaceExists || strings.Contains(res.Stderr, "already exists") {
		return "", ErrWorkspaceExists
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("runtime: remote fork failed: %s", res.Stderr)
	}
	return newPath, nil
}

func remoteRenameWorkspace(ctx context.Context, run scriptRunner, baseDir, projectPath, oldName, newName string) (string, string, error) {
	oldPath := remoteWorkspacePath(baseDir, projectPath, oldName)
	newPath := remoteWorkspacePath(baseDir, projectPath, newName)
	script := fmt.Sprintf(
		"[ -e %[2]s ] && { echo 'Workspace already exists' >&2; exit %[6]d; }; "+
			"git -C %[3]s worktree move %[1]s %[2]s && "+
			"(git -C %[2]s branch -m %[4]s %[5]s || true)",
		shQuote(oldPath), shQuote(newPath), shQuote(projectPath),
		shQuote(oldName), shQuote(newName), exitWorkspaceExists)
	res, err := run(ctx, script, ExecOpts{TimeoutSec: 60})
	if err != nil {
		return "", "", err
	}
	if res.ExitCode == exitWorkspaceExists {
		return "", "", ErrWorkspaceExists
	}
	if res.ExitCode != 0 {
		return "", "", fmt.Errorf("runtime: remote rename failed: %s", res.Stderr)
	}
	return oldPath, newPath, nil
}

func remoteDeleteWorkspace(ctx context.Context, run scriptRunner, baseDir, projectPath, name string, force bool) error {
	wsPath := remoteWorkspacePath(baseDir, projectPath, name)
	var script string
	if force {
		script = fmt.Sprintf(
			"git -C %[2]s worktree remove --force %[1]s || { rm -rf %[1]s && git -C %[2]s worktree prune; }; "+
				"git -C %[2]s branch -D %[3]s || true",
			shQuote(wsPath), shQuote(projectPath), shQuote(name))
	} else {
		script = fmt.Sprintf(
			"[ -n \"$(git -C %[1]s status --porcelain 2>/dev/null)\" ] && { echo dirty >&2; exit %[4]d; }; "+
				"git -C %[2]s worktree remove %[1]s && (git -C %[2]s branch -D %[3]s || true)",
			shQuote(wsPath), shQuote(projectPath), shQuote(name), exitDirtyWorkspace)
	}
	res, err := run(ctx, script, ExecOpts{TimeoutSec: 60})
	if err != nil {
		return err
	}
	if res.ExitCode == exitDirtyWorkspace {
		return ErrDirtyWorkspace
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("runtime: remote delete failed: %s", res.Stderr)
	}
	return nil
}

func remoteInitWorkspace(ctx context.Context, run scriptRunner, workspacePath string, hooks []string, logger InitLogger) error {
	if logger == nil {
		logger = nopInitLogger{}
	}
	logger.Begin(workspacePath)
	exitCode := 0
	for _, hook := range hooks {
		res, err := run(ctx, hook, ExecOpts{Cwd: workspacePath, TimeoutSec: 600})
		if err != nil {
			logger.End(-1)
			return err
		}
		for _, line := range splitLines(res.Stdout) {
			logger.Output(line, false)
		}
		for _, line := range splitLines(res.Stderr) {
			logger.Output(line, true)
		}
		if res.ExitCode != 0 {
			exitCode = res.ExitCode
			break
		}
	}
	logger.End(exitCode)
	return nil
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
