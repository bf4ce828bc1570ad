package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/muxhq/mux/internal/stream"
	"github.com/muxhq/mux/pkg/models"
)

func textMsg(role models.Role, text string) models.Message {
	return models.Message{
		ID:    fmt.Sprintf("%s-%s", role, text),
		Role:  role,
		Parts: []models.Part{{Type: models.PartText, Text: text}},
	}
}

func TestTransformDropsEmptyAssistant(t *testing.T) {
	in := []models.Message{
		textMsg(models.RoleUser, "hi"),
		{ID: "empty", Role: models.RoleAssistant},
		textMsg(models.RoleAssistant, "hello"),
	}

	out := TransformForProvider(in, TransformContext{})

	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	for _, m := range out {
		if m.ID == "empty" {
			t.Errorf("empty assistant message survived")
		}
	}
}

func TestTransformKeepsReasoningOnlyWhenThinking(t *testing.T) {
	reasoning := models.Message{
		ID:    "thought",
		Role:  models.RoleAssistant,
		Parts: []models.Part{{Type: models.PartReasoning, Text: "hmm"}},
	}
	in := []models.Message{textMsg(models.RoleUser, "hi"), reasoning}

	without := TransformForProvider(in, TransformContext{SupportsThinking: false})
	if len(without) != 1 {
		t.Errorf("without thinking: len = %d, want 1", len(without))
	}

	with := TransformForProvider(in, TransformContext{SupportsThinking: true})
	if len(with) != 2 {
		t.Errorf("with thinking: len = %d, want 2", len(with))
	}
}

func TestTransformMarksTrailingPartial(t *testing.T) {
	partial := textMsg(models.RoleAssistant, "half an ans")
	partial.Metadata.Partial = true
	in := []models.Message{textMsg(models.RoleUser, "go"), partial}

	out := TransformForProvider(in, TransformContext{})

	last := out[len(out)-1]
	if got := last.Parts[0].Text; !strings.HasSuffix(got, stream.ContinueSentinel) {
		t.Errorf("trailing partial text = %q, want %s suffix", got, stream.ContinueSentinel)
	}
	// Source history must not be mutated.
	if strings.HasSuffix(in[1].Parts[0].Text, stream.ContinueSentinel) {
		t.Errorf("transform mutated the input history")
	}
}

func TestTransformModeTransitionInjectsPlan(t *testing.T) {
	in := []models.Message{textMsg(models.RoleUser, "do it")}

	out := TransformForProvider(in, TransformContext{
		Mode:         models.ModeExec,
		PreviousMode: models.ModePlan,
		PlanContent:  "# Plan\n1. step",
	})

	last := out[len(out)-1]
	if last.ID != "mode-transition" {
		t.Fatalf("last message ID = %q, want mode-transition", last.ID)
	}
	if !last.Metadata.Synthetic {
		t.Errorf("transition message not marked synthetic")
	}
	if !strings.Contains(last.Parts[0].Text, "# Plan") {
		t.Errorf("plan content missing from transition message: %q", last.Parts[0].Text)
	}

	// No injection without the plan→exec edge.
	same := TransformForProvider(in, TransformContext{
		Mode:         models.ModeExec,
		PreviousMode: models.ModeExec,
		PlanContent:  "# Plan",
	})
	if len(same) != 1 {
		t.Errorf("exec→exec injected a transition message")
	}
}

func TestTransformFileChangeNotification(t *testing.T) {
	in := []models.Message{textMsg(models.RoleUser, "hi")}

	out := TransformForProvider(in, TransformContext{
		ChangedFiles: []string{"a.go", "lib/b.go"},
	})

	last := out[len(out)-1]
	if last.ID != "file-changes" {
		t.Fatalf("last message ID = %q, want file-changes", last.ID)
	}
	if !strings.Contains(last.Parts[0].Text, "lib/b.go") {
		t.Errorf("changed file missing: %q", last.Parts[0].Text)
	}
}

func TestTransformCompactionAttachments(t *testing.T) {
	summary := textMsg(models.RoleAssistant, "summary")
	summary.Metadata.Compacted = true
	in := []models.Message{summary, textMsg(models.RoleUser, "next")}
	attachments := []models.Part{{Type: models.PartFileAttachment, Path: "notes.md", Content: "x"}}

	out := TransformForProvider(in, TransformContext{CompactionAttachments: attachments})

	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	if out[1].ID != "post-compaction-attachments" {
		t.Errorf("attachments not inserted after the summary, got %q", out[1].ID)
	}

	// Without a compacted head the attachments stay out.
	plain := []models.Message{textMsg(models.RoleUser, "hi")}
	if got := TransformForProvider(plain, TransformContext{CompactionAttachments: attachments}); len(got) != 1 {
		t.Errorf("attachments injected without compaction summary")
	}
}

func TestTransformRedactsHeavyOutputsExceptLastAssistant(t *testing.T) {
	big := strings.Repeat("x", redactOutputLimit+1)
	older := models.Message{
		ID:   "older",
		Role: models.RoleAssistant,
		Parts: []models.Part{{
			Type: models.PartToolCall, ToolName: "bash", ToolCallID: "t1",
			Input: json.RawMessage(`{}`), State: models.ToolCallCompleted, Output: big,
		}},
	}
	latest := models.Message{
		ID:   "latest",
		Role: models.RoleAssistant,
		Parts: []models.Part{{
			Type: models.PartToolCall, ToolName: "bash", ToolCallID: "t2",
			Input: json.RawMessage(`{}`), State: models.ToolCallCompleted, Output: big,
		}},
	}
	in := []models.Message{textMsg(models.RoleUser, "a"), older, textMsg(models.RoleUser, "b"), latest}

	out := TransformForProvider(in, TransformContext{})

	if got := out[1].Parts[0].Output; !strings.Contains(got, "output elided") {
		t.Errorf("older output not elided: %d bytes", len(got))
	}
	if got := out[3].Parts[0].Output; got != big {
		t.Errorf("latest assistant output was elided")
	}
	if in[1].Parts[0].Output != big {
		t.Errorf("redaction mutated persisted history")
	}
}

func TestTransformSanitizesToolInputs(t *testing.T) {
	schemas := map[string]json.RawMessage{
		"bash": json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
	}
	msg := models.Message{
		ID:   "a",
		Role: models.RoleAssistant,
		Parts: []models.Part{
			{Type: models.PartToolCall, ToolName: "bash", ToolCallID: "t1",
				Input: json.RawMessage(`{"command": `), State: models.ToolCallCompleted, Output: "ok"},
			{Type: models.PartToolCall, ToolName: "bash", ToolCallID: "t2",
				Input: json.RawMessage(`{"command": 42}`), State: models.ToolCallCompleted, Output: "ok"},
			{Type: models.PartToolCall, ToolName: "bash", ToolCallID: "t3",
				Input: json.RawMessage(`{"command": "ls"}`), State: models.ToolCallCompleted, Output: "ok"},
		},
	}
	in := []models.Message{textMsg(models.RoleUser, "go"), msg}

	out := TransformForProvider(in, TransformContext{ToolSchemas: schemas})

	parts := out[1].Parts
	if got := string(parts[0].Input); got != `{}` {
		t.Errorf("truncated JSON input = %s, want {}", got)
	}
	if got := string(parts[1].Input); got != `{}` {
		t.Errorf("schema-violating input = %s, want {}", got)
	}
	if got := string(parts[2].Input); got != `{"command": "ls"}` {
		t.Errorf("valid input rewritten: %s", got)
	}
}

func TestTransformDropsUnfinishedToolCalls(t *testing.T) {
	msg := models.Message{
		ID:   "a",
		Role: models.RoleAssistant,
		Parts: []models.Part{
			{Type: models.PartText, Text: "working"},
			{Type: models.PartToolCall, ToolName: "bash", ToolCallID: "t1",
				Input: json.RawMessage(`{}`), State: models.ToolCallStreaming},
			{Type: models.PartToolCall, ToolName: "bash", ToolCallID: "t2",
				Input: json.RawMessage(`{}`), State: models.ToolCallCompleted, Output: "done"},
		},
	}
	in := []models.Message{textMsg(models.RoleUser, "go"), msg}

	out := TransformForProvider(in, TransformContext{})

	parts := out[1].Parts
	if len(parts) != 2 {
		t.Fatalf("len(parts) = %d, want 2", len(parts))
	}
	for _, p := range parts {
		if p.ToolCallID == "t1" {
			t.Errorf("streaming tool call survived")
		}
	}
}

func TestTransformMergesProviderShape(t *testing.T) {
	reasoningSplit := models.Message{
		ID:   "r",
		Role: models.RoleAssistant,
		Parts: []models.Part{
			{Type: models.PartReasoning, Text: "first "},
			{Type: models.PartReasoning, Text: "second"},
			{Type: models.PartText, Text: "answer"},
		},
	}
	in := []models.Message{
		textMsg(models.RoleUser, "one"),
		textMsg(models.RoleUser, "two"),
		reasoningSplit,
	}

	out := TransformForProvider(in, TransformContext{SupportsThinking: true})

	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2 after user merge", len(out))
	}
	if got := len(out[0].Parts); got != 2 {
		t.Errorf("merged user parts = %d, want 2", got)
	}
	assistant := out[1]
	if len(assistant.Parts) != 2 {
		t.Fatalf("assistant parts = %d, want 2 after reasoning merge", len(assistant.Parts))
	}
	if got := assistant.Parts[0].Text; got != "first second" {
		t.Errorf("merged reasoning = %q", got)
	}
}

func TestTransformClearsLostResponseIDs(t *testing.T) {
	m := textMsg(models.RoleAssistant, "hi")
	m.Metadata.ResponseID = "resp-dead"
	keep := textMsg(models.RoleAssistant, "later")
	keep.Metadata.ResponseID = "resp-live"
	in := []models.Message{textMsg(models.RoleUser, "a"), m, textMsg(models.RoleUser, "b"), keep}

	out := TransformForProvider(in, TransformContext{
		ResponseIDValid: func(id string) bool { return id != "resp-dead" },
	})

	if got := out[1].Metadata.ResponseID; got != "" {
		t.Errorf("dead response id kept: %q", got)
	}
	if got := out[3].Metadata.ResponseID; got != "resp-live" {
		t.Errorf("live response id cleared: %q", got)
	}
}
