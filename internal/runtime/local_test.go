package runtime

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/muxhq/mux/pkg/models"
)

// initRepo creates a git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func newLocalRuntime(t *testing.T) *Local {
	t.Helper()
	return NewLocal(models.LocalRuntimeConfig{SrcBaseDir: t.TempDir()}, Options{})
}

func TestCreateWorkspaceAddsWorktree(t *testing.T) {
	repo := initRepo(t)
	l := newLocalRuntime(t)

	path, err := l.CreateWorkspace(context.Background(), CreateParams{
		ProjectPath: repo,
		BranchName:  "feature-abcd",
		TrunkBranch: "main",
	})
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, "README.md")); err != nil {
		t.Errorf("worktree should contain the committed file: %v", err)
	}

	// Same name again collides.
	_, err = l.CreateWorkspace(context.Background(), CreateParams{
		ProjectPath: repo,
		BranchName:  "feature-abcd",
		TrunkBranch: "main",
	})
	if !errors.Is(err, ErrWorkspaceExists) {
		t.Errorf("second create err = %v, want ErrWorkspaceExists", err)
	}
}

func TestForkWorkspaceStartsAtSourceHead(t *testing.T) {
	repo := initRepo(t)
	l := newLocalRuntime(t)
	ctx := context.Background()

	srcPath, err := l.CreateWorkspace(ctx, CreateParams{
		ProjectPath: repo, BranchName: "src-ws", TrunkBranch: "main",
	})
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}

	// Commit something only the source workspace has.
	if err := os.WriteFile(filepath.Join(srcPath, "extra.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := l.ExecuteBash(ctx,
		"git add . && git -c user.email=t@e -c user.name=t commit -m extra",
		ExecOpts{Cwd: srcPath})
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("commit in source: err=%v exit=%d stderr=%s", err, res.ExitCode, res.Stderr)
	}

	forkPath, err := l.ForkWorkspace(ctx, ForkParams{
		ProjectPath: repo, SourceName: "src-ws", NewName: "fork-ws",
	})
	if err != nil {
		t.Fatalf("ForkWorkspace: %v", err)
	}
	if _, err := os.Stat(filepath.Join(forkPath, "extra.txt")); err != nil {
		t.Error("fork should include the source's extra commit")
	}
}

func TestRenameWorkspaceMovesWorktree(t *testing.T) {
	repo := initRepo(t)
	l := newLocalRuntime(t)
	ctx := context.Background()

	if _, err := l.CreateWorkspace(ctx, CreateParams{
		ProjectPath: repo, BranchName: "old-name", TrunkBranch: "main",
	}); err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}

	oldPath, newPath, err := l.RenameWorkspace(ctx, repo, "old-name", "new-name")
	if err != nil {
		t.Fatalf("RenameWorkspace: %v", err)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("old path should be gone")
	}
	if _, err := os.Stat(filepath.Join(newPath, "README.md")); err != nil {
		t.Errorf("new path should hold the worktree: %v", err)
	}
}

func TestDeleteWorkspaceRefusesDirty(t *testing.T) {
	repo := initRepo(t)
	l := newLocalRuntime(t)
	ctx := context.Background()

	path, err := l.CreateWorkspace(ctx, CreateParams{
		ProjectPath: repo, BranchName: "doomed", TrunkBranch: "main",
	})
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "dirty.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := l.DeleteWorkspace(ctx, repo, "doomed", false); !errors.Is(err, ErrDirtyWorkspace) {
		t.Errorf("delete dirty err = %v, want ErrDirtyWorkspace", err)
	}
	if err := l.DeleteWorkspace(ctx, repo, "doomed", true); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("worktree dir should be removed")
	}
}

func TestResolvePathExpandsHome(t *testing.T) {
	l := newLocalRuntime(t)
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got, err := l.ResolvePath(context.Background(), "~")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if got != home {
		t.Errorf("ResolvePath(~) = %q, want %q", got, home)
	}

	if _, err := l.ResolvePath(context.Background(), "/definitely/not/here"); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("err = %v, want ErrPathNotFound", err)
	}
}

// recordingInitLogger captures init events for assertions.
type recordingInitLogger struct {
	mu       sync.Mutex
	began    bool
	lines    []string
	stderrs  []bool
	exitCode int
	ended    bool
}

func (r *recordingInitLogger) Begin(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.began = true
}

func (r *recordingInitLogger) Output(line string, stderr bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	r.stderrs = append(r.stderrs, stderr)
}

func (r *recordingInitLogger) End(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = true
	r.exitCode = code
}

func TestInitWorkspaceStreamsHookOutput(t *testing.T) {
	l := newLocalRuntime(t)
	dir := t.TempDir()
	logger := &recordingInitLogger{}

	err := l.InitWorkspace(context.Background(), dir,
		[]string{"echo setup; echo warn >&2", "exit 5", "echo unreachable"}, logger)
	if err != nil {
		t.Fatalf("InitWorkspace: %v", err)
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if !logger.began || !logger.ended {
		t.Fatal("logger should see Begin and End")
	}
	if logger.exitCode != 5 {
		t.Errorf("exit code = %d, want 5 (first failing hook)", logger.exitCode)
	}
	var sawStdout, sawStderr, sawUnreachable bool
	for i, line := range logger.lines {
		switch line {
		case "setup":
			sawStdout = !logger.stderrs[i]
		case "warn":
			sawStderr = logger.stderrs[i]
		case "unreachable":
			sawUnreachable = true
		}
	}
	if !sawStdout || !sawStderr {
		t.Errorf("missing output lines: stdout=%v stderr=%v", sawStdout, sawStderr)
	}
	if sawUnreachable {
		t.Error("hooks after a failure should not run")
	}
}

func TestNewSelectsVariant(t *testing.T) {
	r, err := New(nil, Options{})
	if err != nil {
		t.Fatalf("New(nil): %v", err)
	}
	if r.Type() != models.RuntimeLocal {
		t.Errorf("default runtime = %v, want local", r.Type())
	}

	r, err = New(&models.RuntimeConfig{
		Type: models.RuntimeSSH,
		SSH:  &models.SSHRuntimeConfig{Host: "build-box"},
	}, Options{})
	if err != nil {
		t.Fatalf("New(ssh): %v", err)
	}
	if r.Type() != models.RuntimeSSH {
		t.Errorf("runtime = %v, want ssh", r.Type())
	}

	if _, err := New(&models.RuntimeConfig{Type: models.RuntimeSSH}, Options{}); err == nil {
		t.Error("ssh without host should fail")
	}
	if _, err := New(&models.RuntimeConfig{Type: "devcontainer"}, Options{}); err == nil {
		t.Error("unknown runtime type should fail")
	}
}
