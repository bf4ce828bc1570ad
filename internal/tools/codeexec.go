package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// CodeExecMode controls how the sandboxed code_execution tool combines
// with the rest of the tool set.
type CodeExecMode string

const (
	// CodeExecSupplement registers code_execution alongside every other
	// tool.
	CodeExecSupplement CodeExecMode = "supplement"

	// CodeExecExclusive replaces the tools whose effect code can
	// reproduce itself (bash, file reads and edits) while keeping the
	// ones it cannot (plan, task, web_search).
	CodeExecExclusive CodeExecMode = "exclusive"
)

// CodeExecConfig configures the sandboxed code_execution tool. The tool
// is experiment-gated; it only registers when the experiment flag is on.
type CodeExecConfig struct {
	Mode            CodeExecMode `json:"mode,omitempty"`
	Image           string       `json:"image,omitempty"`
	TimeoutSec      int          `json:"timeout_sec,omitempty"`
	MemoryLimitMB   int          `json:"memory_limit_mb,omitempty"`
	CPULimit        float64      `json:"cpu_limit,omitempty"`
	NetworkEnabled  bool         `json:"network_enabled,omitempty"`
	WorkspaceAccess string       `json:"workspace_access,omitempty"` // none, ro, rw
}

// bridgeableTools are the built-ins that exclusive-mode code_execution
// replaces.
var bridgeableTools = map[string]bool{
	"bash":                    true,
	"process":                 true,
	"file_read":               true,
	"file_edit_insert":        true,
	"file_edit_replace_lines": true,
}

// CodeExecTool runs model-written code inside a throwaway docker
// container with resource limits and the network off by default. The
// workspace is mounted read-only unless configured otherwise.
type CodeExecTool struct {
	config        CodeExecConfig
	workspacePath string
}

// NewCodeExecTool creates the tool with defaults: 30s timeout, 512 MB,
// one CPU, no network, workspace read-only.
func NewCodeExecTool(config CodeExecConfig, workspacePath string) *CodeExecTool {
	if config.Image == "" {
		config.Image = "python:3.12-slim"
	}
	if config.TimeoutSec <= 0 {
		config.TimeoutSec = 30
	}
	if config.MemoryLimitMB <= 0 {
		config.MemoryLimitMB = 512
	}
	if config.CPULimit <= 0 {
		config.CPULimit = 1.0
	}
	if config.WorkspaceAccess == "" {
		config.WorkspaceAccess = "ro"
	}
	return &CodeExecTool{config: config, workspacePath: workspacePath}
}

func (t *CodeExecTool) Name() string { return "code_execution" }

func (t *CodeExecTool) Description() string {
	return "Execute code in an isolated container. Supports python, nodejs and bash. The workspace is mounted at /workspace; resource limits apply and the network is disabled unless configured."
}

func (t *CodeExecTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"language": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"python", "nodejs", "bash"},
				"description": "Language to execute.",
			},
			"code": map[string]interface{}{
				"type":        "string",
				"description": "The code to execute.",
			},
			"stdin": map[string]interface{}{
				"type":        "string",
				"description": "Optional input piped to the program.",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Timeout in seconds (default 30).",
				"minimum":     1,
			},
		},
		"required": []string{"language", "code"},
	})
}

type codeExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Timeout  bool   `json:"timeout,omitempty"`
}

func (t *CodeExecTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		Language       string `json:"language"`
		Code           string `json:"code"`
		Stdin          string `json:"stdin"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Code) == "" {
		return toolError("code is required"), nil
	}
	if _, err := exec.LookPath("docker"); err != nil {
		return toolError("docker is not available for sandboxed execution"), nil
	}

	var interpreter []string
	switch input.Language {
	case "python":
		interpreter = []string{"python3", "-"}
	case "nodejs":
		interpreter = []string{"node", "-"}
	case "bash":
		interpreter = []string{"bash", "-s"}
	default:
		return toolError(fmt.Sprintf("unsupported language %q", input.Language)), nil
	}

	timeout := t.config.TimeoutSec
	if input.TimeoutSeconds > 0 {
		timeout = input.TimeoutSeconds
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	args := []string{
		"run", "--rm", "-i",
		"--memory", fmt.Sprintf("%dm", t.config.MemoryLimitMB),
		"--cpus", fmt.Sprintf("%.2f", t.config.CPULimit),
		"--pids-limit", "256",
	}
	if !t.config.NetworkEnabled {
		args = append(args, "--network", "none")
	}
	if t.config.WorkspaceAccess != "none" && t.workspacePath != "" {
		mount := fmt.Sprintf("%s:/workspace", filepath.Clean(t.workspacePath))
		if t.config.WorkspaceAccess == "ro" {
			mount += ":ro"
		}
		args = append(args, "-v", mount, "-w", "/workspace")
	}
	args = append(args, t.config.Image)
	args = append(args, interpreter...)

	cmd := exec.CommandContext(runCtx, "docker", args...)
	cmd.Stdin = strings.NewReader(input.Code + "\n" + input.Stdin)
	cmd.Env = append(os.Environ(), "DOCKER_CLI_HINTS=false")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := codeExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.Timeout = true
		res.ExitCode = -1
	case err != nil:
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return toolError(fmt.Sprintf("sandbox start failed: %v", err)), nil
		}
	}

	out := toolJSON(res)
	out.IsError = res.ExitCode != 0
	return out, nil
}
