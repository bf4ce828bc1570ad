package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ProcessRegistry tracks background bash processes started by the agent.
// One registry serves a workspace; entries survive across streams so a
// later turn can inspect or kill what an earlier turn started.
type ProcessRegistry struct {
	mu        sync.Mutex
	processes map[string]*Process
}

// Process is one tracked background command.
type Process struct {
	ID      string
	Command string
	Started time.Time

	cmd    *exec.Cmd
	stdout *overflowBuffer
	stderr *overflowBuffer
	done   chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

// ProcessInfo is the externally visible snapshot of a process.
type ProcessInfo struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	ExitCode  int       `json:"exit_code"`
	Error     string    `json:"error,omitempty"`
}

// NewProcessRegistry creates an empty registry.
func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{processes: map[string]*Process{}}
}

// Start launches script in the background under its own process group and
// registers it. The returned process keeps running after ctx is done; use
// Kill to stop it.
func (r *ProcessRegistry) Start(ctx context.Context, script string, opts ExecOpts) (*Process, error) {
	maxOutput := opts.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}

	cmd := exec.Command("/bin/bash", "-c", script)
	cmd.Dir = opts.Cwd
	cmd.Env = scrubbedEnv(opts.Secrets)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newOverflowBuffer(maxOutput, false)
	stderr := newOverflowBuffer(maxOutput, false)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("runtime: start background command: %w", err)
	}

	p := &Process{
		ID:      uuid.NewString(),
		Command: script,
		Started: time.Now(),
		cmd:     cmd,
		stdout:  stdout,
		stderr:  stderr,
		done:    make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitCode = exitCodeOf(err)
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	if opts.TimeoutSec > 0 {
		go func() {
			select {
			case <-p.done:
			case <-time.After(time.Duration(opts.TimeoutSec) * time.Second):
				p.Kill()
			}
		}()
	}

	r.mu.Lock()
	r.processes[p.ID] = p
	r.mu.Unlock()
	return p, nil
}

// Get returns a tracked process by id.
func (r *ProcessRegistry) Get(id string) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.processes[id]
	return p, ok
}

// List snapshots all tracked processes.
func (r *ProcessRegistry) List() []ProcessInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProcessInfo, 0, len(r.processes))
	for _, p := range r.processes {
		out = append(out, p.Info())
	}
	return out
}

// Remove drops a process from the registry. Running processes are killed
// first.
func (r *ProcessRegistry) Remove(id string) bool {
	r.mu.Lock()
	p, ok := r.processes[id]
	if ok {
		delete(r.processes, id)
	}
	r.mu.Unlock()
	if ok && p.Running() {
		p.Kill()
	}
	return ok
}

// KillAll terminates every tracked process. Called on workspace deletion.
func (r *ProcessRegistry) KillAll() {
	for _, info := range r.List() {
		if p, ok := r.Get(info.ID); ok {
			p.Kill()
		}
	}
}

// Running reports whether the process has not exited yet.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Kill SIGKILLs the whole process group.
func (p *Process) Kill() {
	if p.cmd.Process != nil {
		_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	}
}

// Wait blocks until exit or ctx cancellation.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Output returns the captured stdout and stderr so far.
func (p *Process) Output() (stdout, stderr string) {
	return p.stdout.String(), p.stderr.String()
}

// Info snapshots the process state.
func (p *Process) Info() ProcessInfo {
	info := ProcessInfo{
		ID:        p.ID,
		Command:   p.Command,
		StartedAt: p.Started,
		Status:    "running",
	}
	if !p.Running() {
		info.Status = "exited"
		p.mu.Lock()
		info.ExitCode = p.exitCode
		if p.waitErr != nil {
			info.Error = p.waitErr.Error()
		}
		p.mu.Unlock()
	}
	return info
}
