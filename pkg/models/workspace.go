package models

import "time"

// RuntimeType discriminates the RuntimeConfig union.
type RuntimeType string

const (
	RuntimeLocal  RuntimeType = "local"
	RuntimeSSH    RuntimeType = "ssh"
	RuntimeDocker RuntimeType = "docker"
)

// LocalRuntimeConfig configures a git-worktree runtime on the host.
type LocalRuntimeConfig struct {
	// SrcBaseDir is the directory under which named workspace worktrees
	// are created. Defaults to <mux-home>/worktrees.
	SrcBaseDir string `json:"src_base_dir,omitempty"`
}

// SSHRuntimeConfig configures a runtime reached over ssh.
type SSHRuntimeConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port,omitempty"`
	User         string `json:"user,omitempty"`
	IdentityFile string `json:"identity_file,omitempty"`
}

// DockerRuntimeConfig configures a containerized runtime.
type DockerRuntimeConfig struct {
	Image         string `json:"image,omitempty"`
	ContainerName string `json:"container_name,omitempty"`

	// Ports are docker-style port specs ("8080:3000", "127.0.0.1:9000:9000")
	// published when the container is created, so dev servers inside the
	// workspace are reachable from the host.
	Ports []string `json:"ports,omitempty"`
}

// RuntimeConfig is a tagged union selecting the execution environment for a
// workspace. Exactly one variant matching Type is populated.
type RuntimeConfig struct {
	Type   RuntimeType          `json:"type"`
	Local  *LocalRuntimeConfig  `json:"local,omitempty"`
	SSH    *SSHRuntimeConfig    `json:"ssh,omitempty"`
	Docker *DockerRuntimeConfig `json:"docker,omitempty"`
}

// WorkspaceIdentity is the stable identity of a workspace. Immutable except
// Name and NamedWorkspacePath (via rename) and Title (via regenerate).
type WorkspaceIdentity struct {
	// ID is the opaque process-wide identifier.
	ID string `json:"id"`

	// Name is the git-branch-safe human name: ^[a-z0-9-]+$, 2-20 chars,
	// carrying a 4-char Crockford base32 suffix for uniqueness.
	Name string `json:"name"`

	// Title is the display title shown in UIs.
	Title string `json:"title,omitempty"`

	ProjectPath string `json:"project_path"`
	ProjectName string `json:"project_name"`

	// NamedWorkspacePath is the absolute path of the working tree inside
	// the runtime's namespace.
	NamedWorkspacePath string `json:"named_workspace_path"`

	CreatedAt time.Time `json:"created_at"`

	RuntimeConfig *RuntimeConfig `json:"runtime_config,omitempty"`

	// IncompatibleRuntime marks a workspace whose persisted runtime config
	// cannot be realized by this build (e.g. unknown variant).
	IncompatibleRuntime bool `json:"incompatible_runtime,omitempty"`
}

// StreamState is the per-workspace agent session state.
type StreamState string

const (
	StreamIdle        StreamState = "idle"
	StreamStreaming   StreamState = "streaming"
	StreamInterrupted StreamState = "interrupted"
	StreamFailed      StreamState = "failed"
	StreamRetrying    StreamState = "retrying"
)

// WorkspaceMetadata is the payload of the process-wide metadata channel:
// identity plus live activity.
type WorkspaceMetadata struct {
	WorkspaceIdentity

	StreamState     StreamState `json:"stream_state"`
	LastAssistantAt time.Time   `json:"last_assistant_at,omitempty"`
}
