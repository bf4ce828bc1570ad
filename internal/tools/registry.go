package tools

import (
	"github.com/muxhq/mux/internal/runtime"
	"github.com/muxhq/mux/pkg/models"
)

// Policy restricts the resolved tool set by name. Deny is applied first,
// then Allow: a name in both is removed.
type Policy struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// apply filters tools in place order, returning the surviving tools.
func (p Policy) apply(tools []Tool) []Tool {
	denied := make(map[string]bool, len(p.Deny))
	for _, name := range p.Deny {
		denied[name] = true
	}
	var allowed map[string]bool
	if len(p.Allow) > 0 {
		allowed = make(map[string]bool, len(p.Allow))
		for _, name := range p.Allow {
			allowed[name] = true
		}
	}

	kept := tools[:0]
	for _, tool := range tools {
		if denied[tool.Name()] {
			continue
		}
		if allowed != nil && !allowed[tool.Name()] {
			continue
		}
		kept = append(kept, tool)
	}
	return kept
}

// Experiments gates features that are not on by default.
type Experiments struct {
	CodeExecution bool `json:"code_execution,omitempty"`
}

// RegistryConfig carries the process-level tool configuration. WebSearch
// and CodeExec are optional; their tools only register when configured.
type RegistryConfig struct {
	WebSearch *WebSearchConfig
	CodeExec  *CodeExecConfig
	Policy    Policy
}

// Registry resolves the effective tool set for one assistant turn.
type Registry struct {
	config   RegistryConfig
	listener PlanListener
	runner   SubagentRunner
}

// NewRegistry creates a registry. listener and runner may be nil; the
// plan and task tools then report unavailability at execution time.
func NewRegistry(config RegistryConfig, listener PlanListener, runner SubagentRunner) *Registry {
	return &Registry{config: config, listener: listener, runner: runner}
}

// ResolveParams identifies the turn a tool set is being built for.
type ResolveParams struct {
	WorkspaceID   string
	WorkspacePath string
	Runtime       runtime.Runtime
	Processes     *runtime.ProcessRegistry
	Model         string
	Mode          models.Mode
	Secrets       map[string]string
	MCPTools      []Tool
	Experiments   Experiments
}

// Resolve returns the ordered tool set for a turn: built-ins first, then
// MCP tools, then the policy filter. In plan mode the edit tools only
// write the plan file and the plan tools join the set. code_execution is
// experiment-gated; in exclusive mode it replaces the tools whose effect
// code can reproduce.
func (r *Registry) Resolve(params ResolveParams) ([]Tool, error) {
	planMode := params.Mode == models.ModePlan

	tools := []Tool{
		NewBashTool(params.Runtime, params.Processes, params.WorkspacePath, params.Secrets),
		NewProcessTool(params.Processes),
		NewFileReadTool(params.WorkspacePath),
		NewFileEditInsertTool(params.WorkspacePath, planMode),
		NewFileEditReplaceLinesTool(params.WorkspacePath, planMode),
	}

	if planMode {
		tools = append(tools,
			NewProposePlanTool(params.WorkspaceID, params.WorkspacePath, r.listener),
			NewAskUserQuestionTool(params.WorkspaceID, r.listener),
		)
	}

	agents, err := DiscoverSubagents(params.WorkspacePath)
	if err != nil {
		return nil, err
	}
	tools = append(tools, NewTaskTool(agents, r.runner))

	if r.config.WebSearch != nil {
		tools = append(tools, NewWebSearchTool(*r.config.WebSearch))
	}

	if params.Experiments.CodeExecution && r.config.CodeExec != nil {
		codeExec := NewCodeExecTool(*r.config.CodeExec, params.WorkspacePath)
		if r.config.CodeExec.Mode == CodeExecExclusive {
			kept := tools[:0]
			for _, tool := range tools {
				if !bridgeableTools[tool.Name()] {
					kept = append(kept, tool)
				}
			}
			tools = kept
		}
		tools = append(tools, codeExec)
	}

	tools = append(tools, params.MCPTools...)

	return r.config.Policy.apply(tools), nil
}
