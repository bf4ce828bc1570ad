// Package models defines the shared data model for the Mux agent host:
// chat messages and their parts, workspace identity, and the event types
// published on the chat, metadata, and init channels.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Mode selects the behavior of the next assistant response.
// Plan mode restricts file edits to the plan file and enables the
// planning tools; exec mode is the normal coding mode.
type Mode string

const (
	ModePlan Mode = "plan"
	ModeExec Mode = "exec"
)

// PartType discriminates the Part union.
type PartType string

const (
	PartText           PartType = "text"
	PartToolCall       PartType = "tool_call"
	PartReasoning      PartType = "reasoning"
	PartFileAttachment PartType = "file_attachment"
	PartImage          PartType = "image"
)

// ToolCallState tracks the lifecycle of a tool_call part.
//
// A tool call starts as streaming while its input JSON arrives in deltas,
// becomes available once the input is complete and parseable, completed
// after execution, and interrupted if the stream was aborted before or
// during execution.
type ToolCallState string

const (
	ToolCallStreaming   ToolCallState = "streaming"
	ToolCallAvailable   ToolCallState = "available"
	ToolCallCompleted   ToolCallState = "completed"
	ToolCallInterrupted ToolCallState = "interrupted"
)

// Part is one element of a message's ordered content. Exactly one shape is
// populated, selected by Type.
type Part struct {
	Type PartType `json:"type"`

	// Text holds the content for text and reasoning parts.
	Text string `json:"text,omitempty"`

	// Tool call fields (Type == PartToolCall).
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	State      ToolCallState   `json:"state,omitempty"`
	Output     string          `json:"output,omitempty"`
	OutputErr  bool            `json:"output_err,omitempty"`

	// File attachment fields (Type == PartFileAttachment).
	Path      string `json:"path,omitempty"`
	Content   string `json:"content,omitempty"`
	MediaType string `json:"media_type,omitempty"`

	// Image fields (Type == PartImage). MediaType is shared above.
	URL string `json:"url,omitempty"`
}

// Usage carries token accounting for one stream.
type Usage struct {
	InputTokens       int `json:"input_tokens,omitempty"`
	OutputTokens      int `json:"output_tokens,omitempty"`
	CacheReadTokens   int `json:"cache_read_tokens,omitempty"`
	CacheCreateTokens int `json:"cache_create_tokens,omitempty"`
}

// MessageMetadata is the envelope stamped on every persisted message.
type MessageMetadata struct {
	Timestamp time.Time `json:"timestamp"`

	// HistorySequence is assigned by the history store at append time and
	// increases monotonically per workspace starting at 1.
	HistorySequence int64 `json:"history_sequence,omitempty"`

	Model               string `json:"model,omitempty"`
	SystemMessageTokens int    `json:"system_message_tokens,omitempty"`
	Mode                Mode   `json:"mode,omitempty"`

	// Partial marks an assistant message committed before its stream
	// finished (interrupt, error, or crash recovery).
	Partial bool `json:"partial,omitempty"`

	// Compacted marks the summary message produced by compaction.
	Compacted bool `json:"compacted,omitempty"`

	// Synthetic marks messages injected by the engine rather than typed by
	// the user. Synthetic sends never arm auto-retry.
	Synthetic bool `json:"synthetic,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`

	// ResponseID is the provider-side response identifier for providers
	// that persist reasoning state server-side (OpenAI responses API).
	ResponseID string `json:"response_id,omitempty"`

	Usage *Usage `json:"usage,omitempty"`
}

// Message is one entry in a workspace's chat history.
type Message struct {
	ID       string          `json:"id"`
	Role     Role            `json:"role"`
	Parts    []Part          `json:"parts"`
	Metadata MessageMetadata `json:"metadata"`
}

// TextContent concatenates the text parts of the message.
func (m *Message) TextContent() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// LastTextPart returns a pointer to the trailing text part, or nil.
func (m *Message) LastTextPart() *Part {
	for i := len(m.Parts) - 1; i >= 0; i-- {
		if m.Parts[i].Type == PartText {
			return &m.Parts[i]
		}
	}
	return nil
}

// HasToolCalls reports whether any part is a tool call.
func (m *Message) HasToolCalls() bool {
	for _, p := range m.Parts {
		if p.Type == PartToolCall {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the message carries no content the provider
// would accept: no text, no tool calls, no attachments.
func (m *Message) IsEmpty() bool {
	for _, p := range m.Parts {
		switch p.Type {
		case PartText:
			if strings.TrimSpace(p.Text) != "" {
				return false
			}
		case PartToolCall, PartFileAttachment, PartImage:
			return false
		}
	}
	return true
}

// ReasoningOnly reports whether the message consists solely of reasoning
// parts (possibly plus empty text).
func (m *Message) ReasoningOnly() bool {
	sawReasoning := false
	for _, p := range m.Parts {
		switch p.Type {
		case PartReasoning:
			sawReasoning = true
		case PartText:
			if strings.TrimSpace(p.Text) != "" {
				return false
			}
		default:
			return false
		}
	}
	return sawReasoning
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() Message {
	out := *m
	out.Parts = make([]Part, len(m.Parts))
	copy(out.Parts, m.Parts)
	for i := range out.Parts {
		if len(m.Parts[i].Input) > 0 {
			out.Parts[i].Input = append(json.RawMessage(nil), m.Parts[i].Input...)
		}
	}
	if m.Metadata.Usage != nil {
		usage := *m.Metadata.Usage
		out.Metadata.Usage = &usage
	}
	return out
}
