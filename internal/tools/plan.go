package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PlanListener receives plan-mode signals so the session can surface them
// to the user. Both calls happen on the tool-execution goroutine.
type PlanListener interface {
	// PlanProposed is called after the plan file has been written.
	PlanProposed(workspaceID, title string)

	// QuestionAsked is called when the model wants input from the user.
	QuestionAsked(workspaceID, question string, options []string)
}

// ProposePlanTool writes the model's plan to the workspace plan file and
// notifies the session. Available in plan mode only.
type ProposePlanTool struct {
	workspaceID   string
	workspacePath string
	listener      PlanListener
}

func NewProposePlanTool(workspaceID, workspacePath string, listener PlanListener) *ProposePlanTool {
	return &ProposePlanTool{
		workspaceID:   workspaceID,
		workspacePath: workspacePath,
		listener:      listener,
	}
}

func (t *ProposePlanTool) Name() string { return "propose_plan" }

func (t *ProposePlanTool) Description() string {
	return "Propose an implementation plan to the user. Writes the plan to " + PlanFileRelPath + " and presents it for approval. Call this once your investigation is complete."
}

func (t *ProposePlanTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"title": map[string]interface{}{
				"type":        "string",
				"description": "Short title for the plan.",
			},
			"plan": map[string]interface{}{
				"type":        "string",
				"description": "The full plan in markdown.",
			},
		},
		"required": []string{"title", "plan"},
	})
}

func (t *ProposePlanTool) Execute(_ context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		Title string `json:"title"`
		Plan  string `json:"plan"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Plan) == "" {
		return toolError("plan is required"), nil
	}

	planPath := filepath.Join(t.workspacePath, filepath.FromSlash(PlanFileRelPath))
	if err := os.MkdirAll(filepath.Dir(planPath), 0o755); err != nil {
		return toolError(fmt.Sprintf("create plan dir: %v", err)), nil
	}
	content := input.Plan
	if input.Title != "" && !strings.HasPrefix(content, "#") {
		content = "# " + input.Title + "\n\n" + content
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if err := os.WriteFile(planPath, []byte(content), 0o644); err != nil {
		return toolError(fmt.Sprintf("write plan: %v", err)), nil
	}

	if t.listener != nil {
		t.listener.PlanProposed(t.workspaceID, input.Title)
	}
	return toolJSON(map[string]string{
		"status": "plan proposed",
		"path":   PlanFileRelPath,
	}), nil
}

// AskUserQuestionTool surfaces a question to the user mid-plan. The answer
// arrives as the next user message; the tool itself only delivers the
// question. Available in plan mode only.
type AskUserQuestionTool struct {
	workspaceID string
	listener    PlanListener
}

func NewAskUserQuestionTool(workspaceID string, listener PlanListener) *AskUserQuestionTool {
	return &AskUserQuestionTool{workspaceID: workspaceID, listener: listener}
}

func (t *AskUserQuestionTool) Name() string { return "ask_user_question" }

func (t *AskUserQuestionTool) Description() string {
	return "Ask the user a clarifying question while planning. The user's answer arrives as the next message."
}

func (t *AskUserQuestionTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"question": map[string]interface{}{
				"type":        "string",
				"description": "The question to ask.",
			},
			"options": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Optional multiple-choice answers to offer.",
			},
		},
		"required": []string{"question"},
	})
}

func (t *AskUserQuestionTool) Execute(_ context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Question) == "" {
		return toolError("question is required"), nil
	}

	if t.listener != nil {
		t.listener.QuestionAsked(t.workspaceID, input.Question, input.Options)
	}
	return toolJSON(map[string]string{
		"status": "question delivered; the user's answer will arrive as the next message",
	}), nil
}
