package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const defaultMaxOutputBytes = 64000

// scrubbedEnv returns the base environment for agent-driven commands:
// editors and pagers forced to no-ops so git and friends never block on
// interactive input, plus the caller's secrets.
func scrubbedEnv(secrets map[string]string) []string {
	env := os.Environ()
	env = append(env,
		"EDITOR=true",
		"GIT_EDITOR=true",
		"GIT_SEQUENCE_EDITOR=true",
		"VISUAL=true",
		"GIT_TERMINAL_PROMPT=0",
	)
	for k, v := range secrets {
		env = append(env, k+"="+v)
	}
	return env
}

// runLocalBash executes a script through /bin/bash in its own process
// group. On timeout or context cancellation the whole group gets SIGKILL,
// so pipelines and grandchildren die with the shell.
func runLocalBash(ctx context.Context, script string, opts ExecOpts) (ExecResult, error) {
	timeout := time.Duration(opts.TimeoutSec) * time.Second
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	maxOutput := opts.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}

	argv := []string{"/bin/bash", "-c", script}
	if opts.Niceness > 0 {
		argv = append([]string{"nice", "-n", fmt.Sprint(opts.Niceness)}, argv...)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Cwd
	cmd.Env = scrubbedEnv(opts.Secrets)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	retainFull := opts.OverflowPolicy == OverflowTempfile
	stdout := newOverflowBuffer(maxOutput, retainFull)
	stderr := newOverflowBuffer(maxOutput, retainFull)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return ExecResult{}, fmt.Errorf("runtime: start bash: %w", err)
	}

	// Negative pid signals the process group.
	pgid := cmd.Process.Pid
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		waitErr = <-done
	}

	result := ExecResult{
		ExitCode: exitCodeOf(waitErr),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		result.TruncatedMarker = appendMarker(result.TruncatedMarker,
			fmt.Sprintf("command timed out after %ds", opts.TimeoutSec))
	}

	if stdout.overflowed || stderr.overflowed {
		marker, err := resolveOverflow(opts, stdout, stderr)
		if err != nil {
			return result, err
		}
		result.TruncatedMarker = appendMarker(result.TruncatedMarker, marker)
	}
	return result, nil
}

func appendMarker(existing, marker string) string {
	if existing == "" {
		return marker
	}
	return existing + "; " + marker
}

// resolveOverflow applies the overflow policy to buffers that hit the cap.
func resolveOverflow(opts ExecOpts, stdout, stderr *overflowBuffer) (string, error) {
	switch opts.OverflowPolicy {
	case OverflowTempfile:
		f, err := os.CreateTemp("", "mux-bash-output-*.log")
		if err != nil {
			return "", fmt.Errorf("runtime: create overflow file: %w", err)
		}
		defer f.Close()
		if _, err := f.WriteString("=== stdout ===\n" + stdout.Full() +
			"\n=== stderr ===\n" + stderr.Full() + "\n"); err != nil {
			return "", fmt.Errorf("runtime: write overflow file: %w", err)
		}
		return fmt.Sprintf("output exceeded %d bytes; full output written to %s",
			stdout.max, f.Name()), nil
	default:
		return fmt.Sprintf("output truncated at %d bytes", stdout.max), nil
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// overflowBuffer caps what callers read back. Full output is retained
// only when retainFull is set (the tempfile overflow policy); otherwise
// bytes past the cap are dropped so a chatty command cannot grow memory
// unbounded.
type overflowBuffer struct {
	mu         sync.Mutex
	head       []byte
	full       []byte
	max        int
	retainFull bool
	overflowed bool
}

func newOverflowBuffer(max int, retainFull bool) *overflowBuffer {
	return &overflowBuffer{max: max, retainFull: retainFull}
}

func (b *overflowBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retainFull {
		b.full = append(b.full, p...)
	}
	if len(b.head) < b.max {
		remaining := b.max - len(b.head)
		if len(p) > remaining {
			b.head = append(b.head, p[:remaining]...)
			b.overflowed = true
		} else {
			b.head = append(b.head, p...)
		}
	} else if len(p) > 0 {
		b.overflowed = true
	}
	return len(p), nil
}

func (b *overflowBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.head)
}

func (b *overflowBuffer) Full() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retainFull {
		return string(b.full)
	}
	return string(b.head)
}

// shQuote single-quotes a string for POSIX shells.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
