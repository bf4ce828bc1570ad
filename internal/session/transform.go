package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/muxhq/mux/internal/stream"
	"github.com/muxhq/mux/pkg/models"
)

// redactOutputLimit is the tool-output size above which older outputs are
// elided from the provider view. Persisted history keeps the full output.
const redactOutputLimit = 16000

// TransformContext parameterizes the provider-view transformation of one
// request.
type TransformContext struct {
	ModelString      string
	SupportsThinking bool

	// Mode and PreviousMode drive the plan→exec transition context.
	Mode         models.Mode
	PreviousMode models.Mode

	// PlanContent is injected on a plan→exec transition.
	PlanContent string

	// ChangedFiles lists files edited outside the agent since the last
	// turn.
	ChangedFiles []string

	// CompactionAttachments are file attachments re-surfaced right after
	// a compaction summary.
	CompactionAttachments []models.Part

	// ToolSchemas maps tool name to its input schema, used to sanitize
	// malformed tool inputs.
	ToolSchemas map[string]json.RawMessage

	// ResponseIDValid reports whether a provider-side response id is
	// still referenceable. Nil keeps all ids.
	ResponseIDValid func(id string) bool

	Logger *slog.Logger
}

// TransformForProvider turns raw workspace history into the provider-view
// message list. The passes run in a fixed order; each works on a copy, so
// persisted history is never mutated.
func TransformForProvider(history []models.Message, tc TransformContext) []models.Message {
	logger := tc.Logger
	if logger == nil {
		logger = slog.Default()
	}

	msgs := make([]models.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, m.Clone())
	}

	msgs = filterEmptyAssistant(msgs, tc.SupportsThinking)
	msgs = markPartialContinue(msgs)
	msgs = injectModeTransition(msgs, tc)
	msgs = injectFileChanges(msgs, tc.ChangedFiles)
	msgs = injectCompactionAttachments(msgs, tc.CompactionAttachments)
	msgs = redactHeavyOutputs(msgs)
	msgs = sanitizeToolInputs(msgs, tc.ToolSchemas, logger)
	msgs = dropUnfinishedToolCalls(msgs)
	msgs = filterLostResponseIDs(msgs, tc.ResponseIDValid)
	msgs = mergeProviderShape(msgs)
	validateProviderShape(msgs, logger)
	return msgs
}

// filterEmptyAssistant drops assistant messages the provider would reject:
// fully empty ones always, reasoning-only ones unless the model carries
// thinking state worth preserving.
func filterEmptyAssistant(msgs []models.Message, supportsThinking bool) []models.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.Role == models.RoleAssistant {
			if m.IsEmpty() && !m.HasToolCalls() {
				if !(supportsThinking && m.ReasoningOnly()) {
					continue
				}
			}
		}
		out = append(out, m)
	}
	return out
}

// markPartialContinue appends the continue sentinel to a trailing partial
// assistant message so the model knows the response was cut off.
func markPartialContinue(msgs []models.Message) []models.Message {
	if len(msgs) == 0 {
		return msgs
	}
	last := &msgs[len(msgs)-1]
	if last.Role != models.RoleAssistant || !last.Metadata.Partial {
		return msgs
	}
	if part := last.LastTextPart(); part != nil {
		if !strings.HasSuffix(part.Text, stream.ContinueSentinel) {
			part.Text += stream.ContinueSentinel
		}
	} else {
		last.Parts = append(last.Parts, models.Part{Type: models.PartText, Text: stream.ContinueSentinel})
	}
	return msgs
}

// injectModeTransition adds the plan file as synthetic context on the
// plan→exec transition.
func injectModeTransition(msgs []models.Message, tc TransformContext) []models.Message {
	if tc.PreviousMode != models.ModePlan || tc.Mode != models.ModeExec || tc.PlanContent == "" {
		return msgs
	}
	note := models.Message{
		ID:   "mode-transition",
		Role: models.RoleUser,
		Parts: []models.Part{{
			Type: models.PartText,
			Text: "The plan below was approved. Execute it.\n\n" + tc.PlanContent,
		}},
		Metadata: models.MessageMetadata{Synthetic: true},
	}
	return append(msgs, note)
}

// injectFileChanges tells the model which files changed outside the agent
// since the previous turn.
func injectFileChanges(msgs []models.Message, changed []string) []models.Message {
	if len(changed) == 0 {
		return msgs
	}
	var b strings.Builder
	b.WriteString("These files were modified outside this conversation since the last turn:\n")
	for _, path := range changed {
		fmt.Fprintf(&b, "- %s\n", path)
	}
	b.WriteString("Re-read them before editing.")
	note := models.Message{
		ID:       "file-changes",
		Role:     models.RoleUser,
		Parts:    []models.Part{{Type: models.PartText, Text: b.String()}},
		Metadata: models.MessageMetadata{Synthetic: true},
	}
	return append(msgs, note)
}

// injectCompactionAttachments re-surfaces key files right after the
// compaction summary, which is always the first surviving message.
func injectCompactionAttachments(msgs []models.Message, attachments []models.Part) []models.Message {
	if len(attachments) == 0 || len(msgs) == 0 {
		return msgs
	}
	if !msgs[0].Metadata.Compacted {
		return msgs
	}
	note := models.Message{
		ID:       "post-compaction-attachments",
		Role:     models.RoleUser,
		Parts:    append([]models.Part{{Type: models.PartText, Text: "Context carried across compaction:"}}, attachments...),
		Metadata: models.MessageMetadata{Synthetic: true},
	}
	out := make([]models.Message, 0, len(msgs)+1)
	out = append(out, msgs[0], note)
	out = append(out, msgs[1:]...)
	return out
}

// redactHeavyOutputs elides large tool outputs from all but the last
// assistant message. The history store keeps the full output.
func redactHeavyOutputs(msgs []models.Message) []models.Message {
	lastAssistant := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			lastAssistant = i
			break
		}
	}
	for i := range msgs {
		if i == lastAssistant {
			continue
		}
		for j := range msgs[i].Parts {
			part := &msgs[i].Parts[j]
			if part.Type == models.PartToolCall && len(part.Output) > redactOutputLimit {
				part.Output = fmt.Sprintf("[output elided: %d bytes]", len(part.Output))
			}
		}
	}
	return msgs
}

// sanitizeToolInputs repairs tool inputs the provider streamed as invalid
// JSON or that fail their tool's schema. Unfixable inputs become {}.
func sanitizeToolInputs(msgs []models.Message, schemas map[string]json.RawMessage, logger *slog.Logger) []models.Message {
	for i := range msgs {
		for j := range msgs[i].Parts {
			part := &msgs[i].Parts[j]
			if part.Type != models.PartToolCall || len(part.Input) == 0 {
				continue
			}
			if !json.Valid(part.Input) {
				logger.Warn("invalid tool input JSON replaced",
					"tool", part.ToolName, "tool_call_id", part.ToolCallID)
				part.Input = json.RawMessage(`{}`)
				continue
			}
			schema, ok := schemas[part.ToolName]
			if !ok {
				continue
			}
			if err := validateAgainstSchema(part.ToolName, schema, part.Input); err != nil {
				logger.Warn("tool input failed schema validation",
					"tool", part.ToolName, "tool_call_id", part.ToolCallID, "error", err)
				part.Input = json.RawMessage(`{}`)
			}
		}
	}
	return msgs
}

func validateAgainstSchema(name string, schema, input json.RawMessage) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader(schema)); err != nil {
		return nil // unparseable schema never blocks the request
	}
	compiled, err := compiler.Compile(name + ".json")
	if err != nil {
		return nil
	}
	var value interface{}
	if err := json.Unmarshal(input, &value); err != nil {
		return err
	}
	return compiled.Validate(value)
}

// dropUnfinishedToolCalls removes tool calls that never completed
// (streaming or interrupted before execution) from the provider view; the
// wire formats require every tool call to have a result.
func dropUnfinishedToolCalls(msgs []models.Message) []models.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.Role != models.RoleAssistant {
			out = append(out, m)
			continue
		}
		kept := m.Parts[:0]
		for _, part := range m.Parts {
			if part.Type == models.PartToolCall && part.State != models.ToolCallCompleted {
				continue
			}
			kept = append(kept, part)
		}
		m.Parts = kept
		if m.IsEmpty() && !m.HasToolCalls() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// filterLostResponseIDs clears response ids the provider has invalidated
// so the next request does not reference dead server-side state.
func filterLostResponseIDs(msgs []models.Message, valid func(id string) bool) []models.Message {
	if valid == nil {
		return msgs
	}
	for i := range msgs {
		if id := msgs[i].Metadata.ResponseID; id != "" && !valid(id) {
			msgs[i].Metadata.ResponseID = ""
		}
	}
	return msgs
}

// mergeProviderShape merges consecutive reasoning parts and consecutive
// same-role messages into single entries, the shape the Anthropic API
// expects.
func mergeProviderShape(msgs []models.Message) []models.Message {
	for i := range msgs {
		merged := msgs[i].Parts[:0]
		for _, part := range msgs[i].Parts {
			if part.Type == models.PartReasoning && len(merged) > 0 && merged[len(merged)-1].Type == models.PartReasoning {
				merged[len(merged)-1].Text += part.Text
				continue
			}
			merged = append(merged, part)
		}
		msgs[i].Parts = merged
	}

	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].Role == m.Role && m.Role != models.RoleAssistant {
			out[n-1].Parts = append(out[n-1].Parts, m.Parts...)
			continue
		}
		out = append(out, m)
	}
	return out
}

// validateProviderShape logs structural problems the provider may reject.
// Failures are warnings, not errors; some providers are lenient.
func validateProviderShape(msgs []models.Message, logger *slog.Logger) {
	for i, m := range msgs {
		if m.IsEmpty() && !m.HasToolCalls() {
			logger.Warn("provider view contains empty message", "index", i, "role", m.Role)
		}
		if i > 0 && msgs[i-1].Role == m.Role && m.Role == models.RoleAssistant {
			logger.Warn("provider view has consecutive assistant messages", "index", i)
		}
	}
	if len(msgs) > 0 && msgs[0].Role == models.RoleAssistant {
		logger.Warn("provider view starts with an assistant message")
	}
}
