package tools

import (
	"context"
	"strings"
	"testing"
)

func writeAgentFile(t *testing.T, dir, name, content string) {
	t.Helper()
	writeWorkspaceFile(t, dir, agentsRelDir+"/"+name+".md", content)
}

func TestDiscoverSubagentsParsesFrontmatter(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "reviewer", `---
name: reviewer
description: Reviews diffs for correctness.
model: anthropic:claude-sonnet-4-5
---
You are a meticulous code reviewer.
`)

	agents, err := DiscoverSubagents(dir)
	if err != nil {
		t.Fatalf("DiscoverSubagents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("got %d agents, want 1", len(agents))
	}
	a := agents[0]
	if a.Name != "reviewer" || a.Description != "Reviews diffs for correctness." {
		t.Errorf("agent = %+v", a)
	}
	if a.Model != "anthropic:claude-sonnet-4-5" {
		t.Errorf("model = %q", a.Model)
	}
	if a.Prompt != "You are a meticulous code reviewer." {
		t.Errorf("prompt = %q", a.Prompt)
	}
	if a.Runnable == nil || !*a.Runnable {
		t.Error("agent without a base should default to runnable")
	}
}

func TestDiscoverSubagentsInheritsRunnable(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "base", `---
name: base
runnable: false
---
Base prompt.
`)
	writeAgentFile(t, dir, "child", `---
name: child
base: base
---
Child prompt.
`)
	writeAgentFile(t, dir, "override", `---
name: override
base: base
runnable: true
---
Override prompt.
`)

	agents, err := DiscoverSubagents(dir)
	if err != nil {
		t.Fatalf("DiscoverSubagents: %v", err)
	}
	runnable := make(map[string]bool)
	for _, a := range agents {
		runnable[a.Name] = *a.Runnable
	}
	if runnable["base"] {
		t.Error("base should not be runnable")
	}
	if runnable["child"] {
		t.Error("child should inherit runnable=false from base")
	}
	if !runnable["override"] {
		t.Error("explicit runnable should beat inheritance")
	}
}

func TestDiscoverSubagentsMissingDir(t *testing.T) {
	agents, err := DiscoverSubagents(t.TempDir())
	if err != nil {
		t.Fatalf("DiscoverSubagents: %v", err)
	}
	if len(agents) != 0 {
		t.Errorf("got %d agents, want 0", len(agents))
	}
}

type stubRunner struct {
	gotAgent  string
	gotPrompt string
	result    string
}

func (s *stubRunner) RunSubagent(_ context.Context, agent Subagent, prompt string) (string, error) {
	s.gotAgent = agent.Name
	s.gotPrompt = prompt
	return s.result, nil
}

func TestTaskToolListsRunnableAgentsInDescription(t *testing.T) {
	yes, no := true, false
	tool := NewTaskTool([]Subagent{
		{Name: "reviewer", Description: "Reviews code.", Runnable: &yes},
		{Name: "hidden", Description: "Internal base.", Runnable: &no},
	}, &stubRunner{})

	desc := tool.Description()
	if !strings.Contains(desc, "reviewer: Reviews code.") {
		t.Errorf("description should list reviewer:\n%s", desc)
	}
	if strings.Contains(desc, "hidden") {
		t.Errorf("non-runnable agent leaked into description:\n%s", desc)
	}
}

func TestTaskToolDispatch(t *testing.T) {
	yes := true
	runner := &stubRunner{result: "done: refactored"}
	tool := NewTaskTool([]Subagent{{Name: "worker", Runnable: &yes}}, runner)

	res, err := tool.Execute(context.Background(), mustParams(t, map[string]string{
		"agent": "worker", "prompt": "refactor the parser",
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", res.Content)
	}
	if runner.gotAgent != "worker" || runner.gotPrompt != "refactor the parser" {
		t.Errorf("runner saw agent=%q prompt=%q", runner.gotAgent, runner.gotPrompt)
	}
	if !strings.Contains(res.Content, "done: refactored") {
		t.Errorf("result should carry subagent output: %s", res.Content)
	}

	res, err = tool.Execute(context.Background(), mustParams(t, map[string]string{
		"agent": "nobody", "prompt": "x",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("unknown subagent should be a tool error")
	}
}

func TestParseSubagentFileWithoutFrontmatter(t *testing.T) {
	sa, err := parseSubagentFile("plain", []byte("Just a prompt.\n"))
	if err != nil {
		t.Fatalf("parseSubagentFile: %v", err)
	}
	if sa.Name != "plain" || sa.Prompt != "Just a prompt." {
		t.Errorf("agent = %+v", sa)
	}
}
