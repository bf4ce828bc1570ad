// Package config loads and persists the mux configuration file: projects
// with their workspaces, provider credentials, tool policy, and server
// settings. The file is JSONC (comments and trailing commas tolerated);
// saves write plain JSON, which every JSONC parser accepts.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/muxhq/mux/internal/tools"
	"github.com/muxhq/mux/pkg/models"
)

// DefaultDirName is the mux home directory under $HOME.
const DefaultDirName = ".mux"

// Config is the root of the configuration file.
type Config struct {
	Server    ServerConfig              `json:"server"`
	Providers map[string]ProviderConfig `json:"providers,omitempty"`
	Defaults  Defaults                  `json:"defaults"`
	Tools     ToolsConfig               `json:"tools"`
	Projects  []Project                 `json:"projects,omitempty"`
}

// ServerConfig configures the HTTP command surface.
type ServerConfig struct {
	Addr string `json:"addr,omitempty"`

	// BearerToken gates every API call. Empty disables the server.
	BearerToken string `json:"bearer_token,omitempty"`
}

// ProviderConfig holds one AI provider's credentials.
type ProviderConfig struct {
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Defaults are the per-send fallbacks.
type Defaults struct {
	// Model is the "provider:model" used when a send names none.
	Model string `json:"model,omitempty"`

	MaxOutputTokens      int `json:"max_output_tokens,omitempty"`
	ThinkingBudgetTokens int `json:"thinking_budget_tokens,omitempty"`
}

// ToolsConfig configures the tool registry. The nested structs are the
// tool package's own config types; the file deserializes straight into
// them.
type ToolsConfig struct {
	Policy tools.Policy `json:"policy,omitempty"`

	WebSearch *tools.WebSearchConfig `json:"web_search,omitempty"`
	CodeExec  *tools.CodeExecConfig  `json:"code_execution,omitempty"`

	Experiments tools.Experiments `json:"experiments,omitempty"`
}

// Project groups workspaces under one source repository.
type Project struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`

	// InitHooks run after workspace create/fork, streamed to the init
	// channel.
	InitHooks []string `json:"init_hooks,omitempty"`

	Workspaces []Workspace `json:"workspaces,omitempty"`
}

// Workspace is the persisted slice of a workspace identity.
type Workspace struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Title     string                `json:"title,omitempty"`
	Path      string                `json:"path"`
	CreatedAt time.Time             `json:"created_at"`
	Runtime   *models.RuntimeConfig `json:"runtime_config,omitempty"`
}

// HomeDir returns the mux home directory, honoring MUX_HOME.
func HomeDir() string {
	if dir := os.Getenv("MUX_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

// DefaultPath is the default config file location.
func DefaultPath() string {
	return filepath.Join(HomeDir(), "config.json")
}

// applyDefaults fills the zero values a fresh or sparse file leaves.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:7633"
	}
	if c.Defaults.Model == "" {
		c.Defaults.Model = "anthropic:claude-sonnet-4-5"
	}
	if c.Defaults.MaxOutputTokens == 0 {
		c.Defaults.MaxOutputTokens = 32000
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
}

// FindProject returns the project with the given path, or nil.
func (c *Config) FindProject(path string) *Project {
	for i := range c.Projects {
		if c.Projects[i].Path == path {
			return &c.Projects[i]
		}
	}
	return nil
}
