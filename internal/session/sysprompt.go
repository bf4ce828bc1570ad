package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/muxhq/mux/internal/tools"
	"github.com/muxhq/mux/pkg/models"
)

// agentsFileName is the per-project instruction file surfaced to the
// model when present in the workspace root.
const agentsFileName = "AGENTS.md"

// SystemPromptParams collects the inputs of one system message.
type SystemPromptParams struct {
	Workspace models.WorkspaceIdentity
	Mode      models.Mode

	// MCPAdvertisements names external MCP servers whose tools are in
	// the set.
	MCPAdvertisements []string

	// AdditionalInstructions is user-configured extra guidance.
	AdditionalInstructions string
}

// BuildSystemPrompt assembles the system message: role preamble,
// workspace metadata, project instructions from AGENTS.md, mode-specific
// tool guidance, and MCP advertisements.
func BuildSystemPrompt(params SystemPromptParams) string {
	var b strings.Builder

	b.WriteString("You are a coding agent operating inside an isolated git workspace. ")
	b.WriteString("Make changes with the provided tools; never describe edits you did not apply.\n\n")

	fmt.Fprintf(&b, "Workspace: %s\n", params.Workspace.Name)
	if params.Workspace.ProjectName != "" {
		fmt.Fprintf(&b, "Project: %s\n", params.Workspace.ProjectName)
	}
	if params.Workspace.NamedWorkspacePath != "" {
		fmt.Fprintf(&b, "Working directory: %s\n", params.Workspace.NamedWorkspacePath)
	}
	b.WriteString("\n")

	if agents := readAgentsFile(params.Workspace.NamedWorkspacePath); agents != "" {
		b.WriteString("Project instructions (" + agentsFileName + "):\n")
		b.WriteString(agents)
		b.WriteString("\n\n")
	}

	switch params.Mode {
	case models.ModePlan:
		b.WriteString("You are in plan mode. Investigate the codebase, then call propose_plan ")
		b.WriteString("with your implementation plan. Use ask_user_question when a decision needs the user. ")
		fmt.Fprintf(&b, "File edits are limited to the plan file (%s); everything stays readable.\n", tools.PlanFileRelPath)
	default:
		b.WriteString("You are in exec mode. Implement the requested changes directly. ")
		b.WriteString("Run relevant builds or tests with the bash tool before declaring work done.\n")
	}

	if len(params.MCPAdvertisements) > 0 {
		b.WriteString("\nAdditional tool servers connected: ")
		b.WriteString(strings.Join(params.MCPAdvertisements, ", "))
		b.WriteString(". Their tools appear alongside the built-ins.\n")
	}

	if params.AdditionalInstructions != "" {
		b.WriteString("\n")
		b.WriteString(params.AdditionalInstructions)
		b.WriteString("\n")
	}

	return b.String()
}

func readAgentsFile(workspacePath string) string {
	if workspacePath == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(workspacePath, agentsFileName))
	if err != nil {
		return ""
	}
	const maxAgentsBytes = 32000
	if len(data) > maxAgentsBytes {
		data = data[:maxAgentsBytes]
	}
	return strings.TrimSpace(string(data))
}
