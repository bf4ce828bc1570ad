package tools

import (
	"testing"

	"github.com/muxhq/mux/pkg/models"
)

func toolNames(tools []Tool) []string {
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name()
	}
	return names
}

func hasTool(tools []Tool, name string) bool {
	for _, tool := range tools {
		if tool.Name() == name {
			return true
		}
	}
	return false
}

func TestResolveExecMode(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, nil, nil)
	tools, err := r.Resolve(ResolveParams{
		WorkspacePath: t.TempDir(),
		Mode:          models.ModeExec,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	for _, want := range []string{"bash", "process", "file_read", "file_edit_insert", "file_edit_replace_lines", "task"} {
		if !hasTool(tools, want) {
			t.Errorf("exec mode missing %s; got %v", want, toolNames(tools))
		}
	}
	for _, notWant := range []string{"propose_plan", "ask_user_question", "web_search", "code_execution"} {
		if hasTool(tools, notWant) {
			t.Errorf("exec mode should not include %s", notWant)
		}
	}
}

func TestResolvePlanModeAddsPlanTools(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, nil, nil)
	tools, err := r.Resolve(ResolveParams{
		WorkspacePath: t.TempDir(),
		Mode:          models.ModePlan,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !hasTool(tools, "propose_plan") || !hasTool(tools, "ask_user_question") {
		t.Errorf("plan mode missing plan tools; got %v", toolNames(tools))
	}
}

func TestResolveWebSearchWhenConfigured(t *testing.T) {
	r := NewRegistry(RegistryConfig{WebSearch: &WebSearchConfig{SearXNGURL: "http://localhost:8080"}}, nil, nil)
	tools, err := r.Resolve(ResolveParams{WorkspacePath: t.TempDir(), Mode: models.ModeExec})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !hasTool(tools, "web_search") {
		t.Errorf("web_search missing; got %v", toolNames(tools))
	}
}

func TestResolveCodeExecutionGating(t *testing.T) {
	cfg := RegistryConfig{CodeExec: &CodeExecConfig{Mode: CodeExecSupplement}}
	r := NewRegistry(cfg, nil, nil)

	// Experiment off: no code_execution even when configured.
	tools, err := r.Resolve(ResolveParams{WorkspacePath: t.TempDir(), Mode: models.ModeExec})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if hasTool(tools, "code_execution") {
		t.Error("code_execution should be experiment-gated")
	}

	// Supplement mode keeps everything.
	tools, err = r.Resolve(ResolveParams{
		WorkspacePath: t.TempDir(),
		Mode:          models.ModeExec,
		Experiments:   Experiments{CodeExecution: true},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !hasTool(tools, "code_execution") || !hasTool(tools, "bash") {
		t.Errorf("supplement mode should add code_execution alongside bash; got %v", toolNames(tools))
	}
}

func TestResolveCodeExecutionExclusiveReplacesBridgeable(t *testing.T) {
	r := NewRegistry(RegistryConfig{CodeExec: &CodeExecConfig{Mode: CodeExecExclusive}}, nil, nil)
	tools, err := r.Resolve(ResolveParams{
		WorkspacePath: t.TempDir(),
		Mode:          models.ModePlan,
		Experiments:   Experiments{CodeExecution: true},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	for _, gone := range []string{"bash", "file_read", "file_edit_insert", "file_edit_replace_lines"} {
		if hasTool(tools, gone) {
			t.Errorf("exclusive mode should drop %s; got %v", gone, toolNames(tools))
		}
	}
	// Non-bridgeable tools survive.
	for _, kept := range []string{"code_execution", "task", "propose_plan", "ask_user_question"} {
		if !hasTool(tools, kept) {
			t.Errorf("exclusive mode should keep %s; got %v", kept, toolNames(tools))
		}
	}
}

func TestPolicyDenyWins(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		Policy: Policy{
			Allow: []string{"bash", "file_read"},
			Deny:  []string{"bash"},
		},
	}, nil, nil)
	tools, err := r.Resolve(ResolveParams{WorkspacePath: t.TempDir(), Mode: models.ModeExec})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got := toolNames(tools)
	if len(got) != 1 || got[0] != "file_read" {
		t.Errorf("policy result = %v, want [file_read]", got)
	}
}

func TestPolicyAllowOnly(t *testing.T) {
	r := NewRegistry(RegistryConfig{Policy: Policy{Allow: []string{"task"}}}, nil, nil)
	tools, err := r.Resolve(ResolveParams{WorkspacePath: t.TempDir(), Mode: models.ModeExec})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := toolNames(tools)
	if len(got) != 1 || got[0] != "task" {
		t.Errorf("policy result = %v, want [task]", got)
	}
}
