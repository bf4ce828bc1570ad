package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/muxhq/mux/internal/runtime"
)

// BashTool runs shell scripts through the workspace's runtime. Foreground
// runs block until exit; background runs register with the process
// registry and return a process id for later inspection.
type BashTool struct {
	rt        runtime.Runtime
	processes *runtime.ProcessRegistry
	workspace string
	secrets   map[string]string
}

// NewBashTool creates a bash tool bound to a workspace runtime.
func NewBashTool(rt runtime.Runtime, processes *runtime.ProcessRegistry, workspacePath string, secrets map[string]string) *BashTool {
	return &BashTool{
		rt:        rt,
		processes: processes,
		workspace: workspacePath,
		secrets:   secrets,
	}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Run a bash script in the workspace. Use background:true for long-running commands (servers, watchers); use the returned process_id with the process actions to inspect or stop them."
}

func (t *BashTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"script": map[string]interface{}{
				"type":        "string",
				"description": "Bash script to execute.",
			},
			"cwd": map[string]interface{}{
				"type":        "string",
				"description": "Working directory (relative to workspace).",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Timeout in seconds (default 120; the whole process group is killed on expiry).",
				"minimum":     0,
			},
			"background": map[string]interface{}{
				"type":        "boolean",
				"description": "Run in background and return a process id.",
			},
			"overflow": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"truncate", "tempfile"},
				"description": "What to do when output exceeds the cap (default truncate).",
			},
		},
		"required": []string{"script"},
	})
}

func (t *BashTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		Script         string `json:"script"`
		Cwd            string `json:"cwd"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		Background     bool   `json:"background"`
		Overflow       string `json:"overflow"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Script) == "" {
		return toolError("script is required"), nil
	}

	cwd := t.workspace
	if input.Cwd != "" {
		resolved, err := (Resolver{Root: t.workspace}).Resolve(input.Cwd)
		if err != nil {
			return toolError(err.Error()), nil
		}
		cwd = resolved
	}

	timeout := input.TimeoutSeconds
	if timeout <= 0 {
		timeout = 120
	}
	policy := runtime.OverflowTruncate
	if input.Overflow == string(runtime.OverflowTempfile) {
		policy = runtime.OverflowTempfile
	}
	opts := runtime.ExecOpts{
		Cwd:            cwd,
		Secrets:        t.secrets,
		TimeoutSec:     timeout,
		OverflowPolicy: policy,
	}

	if input.Background {
		if t.processes == nil {
			return toolError("background execution is not available in this workspace"), nil
		}
		proc, err := t.processes.Start(ctx, input.Script, opts)
		if err != nil {
			return toolError(err.Error()), nil
		}
		return toolJSON(map[string]interface{}{
			"status":     "running",
			"process_id": proc.ID,
		}), nil
	}

	res, err := t.rt.ExecuteBash(ctx, input.Script, opts)
	if err != nil {
		return toolError(err.Error()), nil
	}
	out := toolJSON(res)
	out.IsError = res.ExitCode != 0
	return out, nil
}

// ProcessTool inspects and manages background bash processes.
type ProcessTool struct {
	processes *runtime.ProcessRegistry
}

// NewProcessTool creates a process tool over a workspace's registry.
func NewProcessTool(processes *runtime.ProcessRegistry) *ProcessTool {
	return &ProcessTool{processes: processes}
}

func (t *ProcessTool) Name() string { return "process" }

func (t *ProcessTool) Description() string {
	return "Manage background bash processes: list, status, log, kill, remove."
}

func (t *ProcessTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"list", "status", "log", "kill", "remove"},
				"description": "Action to perform.",
			},
			"process_id": map[string]interface{}{
				"type":        "string",
				"description": "Process id for actions that target a process.",
			},
		},
		"required": []string{"action"},
	})
}

func (t *ProcessTool) Execute(_ context.Context, params json.RawMessage) (*Result, error) {
	if t.processes == nil {
		return toolError("process registry unavailable"), nil
	}
	var input struct {
		Action    string `json:"action"`
		ProcessID string `json:"process_id"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}

	switch input.Action {
	case "list":
		return toolJSON(t.processes.List()), nil
	case "status", "log", "kill", "remove":
		proc, ok := t.processes.Get(input.ProcessID)
		if !ok {
			return toolError(fmt.Sprintf("unknown process id %q", input.ProcessID)), nil
		}
		switch input.Action {
		case "status":
			return toolJSON(proc.Info()), nil
		case "log":
			stdout, stderr := proc.Output()
			return toolJSON(map[string]string{"stdout": stdout, "stderr": stderr}), nil
		case "kill":
			proc.Kill()
			return toolJSON(map[string]string{"status": "killed"}), nil
		default:
			t.processes.Remove(input.ProcessID)
			return toolJSON(map[string]string{"status": "removed"}), nil
		}
	default:
		return toolError(fmt.Sprintf("unknown action %q", input.Action)), nil
	}
}
