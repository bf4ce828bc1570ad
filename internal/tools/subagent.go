package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// agentsRelDir is the workspace-relative directory of subagent definitions.
const agentsRelDir = ".mux/agents"

// Subagent is one dispatchable agent definition discovered from the
// workspace. The markdown body after the frontmatter is its system prompt.
type Subagent struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Base        string `yaml:"base"`
	Runnable    *bool  `yaml:"runnable"`
	Model       string `yaml:"model"`
	Prompt      string `yaml:"-"`
}

// subagentFrontmatter splits a definition file into YAML frontmatter and
// markdown body. Files without frontmatter are treated as prompt-only.
func parseSubagentFile(name string, data []byte) (Subagent, error) {
	sa := Subagent{Name: name}
	text := string(data)
	if !strings.HasPrefix(text, "---\n") {
		sa.Prompt = strings.TrimSpace(text)
		return sa, nil
	}
	rest := text[len("---\n"):]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return sa, fmt.Errorf("unterminated frontmatter")
	}
	if err := yaml.Unmarshal([]byte(rest[:idx]), &sa); err != nil {
		return sa, fmt.Errorf("parse frontmatter: %w", err)
	}
	if sa.Name == "" {
		sa.Name = name
	}
	body := rest[idx+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	sa.Prompt = strings.TrimSpace(body)
	return sa, nil
}

// DiscoverSubagents loads the subagent definitions under a workspace's
// .mux/agents directory. The runnable flag inherits through `base` chains:
// an agent with no explicit flag takes its base's resolved value, and
// agents with no base default to runnable. Definitions that fail to parse
// are skipped.
func DiscoverSubagents(workspacePath string) ([]Subagent, error) {
	dir := filepath.Join(workspacePath, filepath.FromSlash(agentsRelDir))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agents dir: %w", err)
	}

	byName := make(map[string]*Subagent)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		sa, err := parseSubagentFile(name, data)
		if err != nil {
			continue
		}
		def := sa
		byName[sa.Name] = &def
	}

	var resolve func(name string, seen map[string]bool) bool
	resolve = func(name string, seen map[string]bool) bool {
		sa, ok := byName[name]
		if !ok || seen[name] {
			return true
		}
		if sa.Runnable != nil {
			return *sa.Runnable
		}
		if sa.Base == "" {
			return true
		}
		seen[name] = true
		return resolve(sa.Base, seen)
	}

	agents := make([]Subagent, 0, len(byName))
	for name, sa := range byName {
		runnable := resolve(name, map[string]bool{})
		out := *sa
		out.Runnable = &runnable
		agents = append(agents, out)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

// SubagentRunner executes one subagent turn and returns its final text.
// The session supplies this; the tool stays ignorant of streaming details.
type SubagentRunner interface {
	RunSubagent(ctx context.Context, agent Subagent, prompt string) (string, error)
}

// TaskTool dispatches work to a named subagent. The available subagents
// are discovered at registry-resolution time and baked into the
// description so the model can pick one.
type TaskTool struct {
	agents []Subagent
	runner SubagentRunner
}

// NewTaskTool creates a task tool over the discovered subagents. Only
// runnable agents are offered.
func NewTaskTool(agents []Subagent, runner SubagentRunner) *TaskTool {
	runnable := make([]Subagent, 0, len(agents))
	for _, a := range agents {
		if a.Runnable == nil || *a.Runnable {
			runnable = append(runnable, a)
		}
	}
	return &TaskTool{agents: runnable, runner: runner}
}

func (t *TaskTool) Name() string { return "task" }

func (t *TaskTool) Description() string {
	var b strings.Builder
	b.WriteString("Dispatch a task to a subagent and return its result. Available subagents:\n")
	if len(t.agents) == 0 {
		b.WriteString("(none configured)\n")
	}
	for _, a := range t.agents {
		desc := a.Description
		if desc == "" {
			desc = "no description"
		}
		fmt.Fprintf(&b, "- %s: %s\n", a.Name, desc)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (t *TaskTool) Schema() json.RawMessage {
	names := make([]string, 0, len(t.agents))
	for _, a := range t.agents {
		names = append(names, a.Name)
	}
	agentProp := map[string]interface{}{
		"type":        "string",
		"description": "Name of the subagent to dispatch to.",
	}
	if len(names) > 0 {
		agentProp["enum"] = names
	}
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"agent": agentProp,
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Task description for the subagent. Include all context it needs; it does not see the conversation.",
			},
		},
		"required": []string{"agent", "prompt"},
	})
}

func (t *TaskTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		Agent  string `json:"agent"`
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if t.runner == nil {
		return toolError("subagent dispatch is not available"), nil
	}

	var target *Subagent
	for i := range t.agents {
		if t.agents[i].Name == input.Agent {
			target = &t.agents[i]
			break
		}
	}
	if target == nil {
		return toolError(fmt.Sprintf("unknown subagent %q", input.Agent)), nil
	}

	output, err := t.runner.RunSubagent(ctx, *target, input.Prompt)
	if err != nil {
		return toolError(fmt.Sprintf("subagent %s failed: %v", input.Agent, err)), nil
	}
	return toolJSON(map[string]string{
		"agent":  input.Agent,
		"result": output,
	}), nil
}
