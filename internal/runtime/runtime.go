// Package runtime abstracts where a workspace's working tree lives and how
// commands run inside it. The local variant manages git worktrees on the
// host; ssh and docker variants run the same operations inside a remote
// host or a container.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/muxhq/mux/pkg/models"
)

// ErrWorkspaceExists is returned by CreateWorkspace when the target
// directory or branch already exists. The engine retries with a new
// suffixed name.
var ErrWorkspaceExists = errors.New("Workspace already exists")

// ErrDirtyWorkspace is returned by DeleteWorkspace when the working tree
// has uncommitted changes and force was not set.
var ErrDirtyWorkspace = errors.New("workspace has uncommitted changes")

// ErrPathNotFound is returned by ResolvePath for nonexistent paths.
var ErrPathNotFound = errors.New("path_not_found")

// InitLogger receives the output of workspace init hooks line by line.
type InitLogger interface {
	Begin(projectPath string)
	Output(line string, stderr bool)
	End(exitCode int)
}

// nopInitLogger discards everything. Used when the caller passes nil.
type nopInitLogger struct{}

func (nopInitLogger) Begin(string)        {}
func (nopInitLogger) Output(string, bool) {}
func (nopInitLogger) End(int)             {}

// CreateParams are the inputs to CreateWorkspace.
type CreateParams struct {
	ProjectPath   string
	BranchName    string
	DirectoryName string
	TrunkBranch   string
	InitLogger    InitLogger
}

// ForkParams are the inputs to ForkWorkspace. The new worktree starts at
// the source workspace's HEAD. Chat history is not copied here; the engine
// copies session files afterwards.
type ForkParams struct {
	ProjectPath string
	SourceName  string
	NewName     string
	InitLogger  InitLogger
}

// OverflowPolicy selects what happens when command output exceeds the cap.
type OverflowPolicy string

const (
	// OverflowTruncate keeps the head of the output and appends a marker.
	OverflowTruncate OverflowPolicy = "truncate"
	// OverflowTempfile spills the full output to a temp file and reports
	// its path in the marker.
	OverflowTempfile OverflowPolicy = "tempfile"
)

// ExecOpts configure one ExecuteBash call.
type ExecOpts struct {
	Cwd            string
	Secrets        map[string]string
	TimeoutSec     int
	Niceness       int
	OverflowPolicy OverflowPolicy
	MaxOutputBytes int
}

// ExecResult is the outcome of one ExecuteBash call.
type ExecResult struct {
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	TruncatedMarker string `json:"truncated_marker,omitempty"`
}

// Runtime is the capability set every execution environment implements.
type Runtime interface {
	Type() models.RuntimeType

	// ResolvePath expands ~ and returns an absolute path in the runtime's
	// namespace, failing with ErrPathNotFound if it doesn't exist.
	ResolvePath(ctx context.Context, path string) (string, error)

	CreateWorkspace(ctx context.Context, params CreateParams) (workspacePath string, err error)
	ForkWorkspace(ctx context.Context, params ForkParams) (workspacePath string, err error)

	// RenameWorkspace moves the working tree; the caller must reject the
	// rename while a stream is active on the workspace.
	RenameWorkspace(ctx context.Context, projectPath, oldName, newName string) (oldPath, newPath string, err error)

	DeleteWorkspace(ctx context.Context, projectPath, name string, force bool) error

	// InitWorkspace runs configured post-create hooks, streaming output
	// through the init logger and reporting the final exit code there.
	InitWorkspace(ctx context.Context, workspacePath string, hooks []string, logger InitLogger) error

	// WorkspacePath computes where a named workspace lives. Purely
	// computational; the path may not exist yet.
	WorkspacePath(projectPath, name string) string

	ExecuteBash(ctx context.Context, script string, opts ExecOpts) (ExecResult, error)

	// OpenTerminal opens an interactive terminal at path, when the host
	// environment supports it.
	OpenTerminal(ctx context.Context, path string) error
}

// Options carry shared dependencies into runtime constructors.
type Options struct {
	Logger *slog.Logger
	// Processes tracks background bash processes; shared across runtimes
	// of the same workspace so the process tool sees all of them.
	Processes *ProcessRegistry
}

// New constructs a runtime from a workspace's persisted config. A nil
// config means local with defaults.
func New(cfg *models.RuntimeConfig, opts Options) (Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cfg == nil {
		cfg = &models.RuntimeConfig{Type: models.RuntimeLocal}
	}
	switch cfg.Type {
	case models.RuntimeLocal, "":
		var local models.LocalRuntimeConfig
		if cfg.Local != nil {
			local = *cfg.Local
		}
		return NewLocal(local, opts), nil
	case models.RuntimeSSH:
		if cfg.SSH == nil || cfg.SSH.Host == "" {
			return nil, errors.New("runtime: ssh config requires a host")
		}
		return NewSSH(*cfg.SSH, opts), nil
	case models.RuntimeDocker:
		if cfg.Docker == nil {
			return nil, errors.New("runtime: docker config is required")
		}
		return NewDocker(*cfg.Docker, opts)
	default:
		return nil, fmt.Errorf("runtime: unknown runtime type %q", cfg.Type)
	}
}
