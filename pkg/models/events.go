package models

import (
	"encoding/json"
	"time"
)

// ChatEventType enumerates the events published on a workspace's chat
// channel. Subscribers observe them in the order the stream manager emitted
// them; stream-start strictly precedes all other events of a stream and
// stream-end/stream-abort/error strictly follow them.
type ChatEventType string

const (
	EventStreamStart    ChatEventType = "stream-start"
	EventStreamDelta    ChatEventType = "stream-delta"
	EventReasoningDelta ChatEventType = "reasoning-delta"
	EventReasoningEnd   ChatEventType = "reasoning-end"
	EventToolCallStart  ChatEventType = "tool-call-start"
	EventToolCallDelta  ChatEventType = "tool-call-delta"
	EventToolCallEnd    ChatEventType = "tool-call-end"
	EventUsageDelta     ChatEventType = "usage-delta"
	EventStreamEnd      ChatEventType = "stream-end"
	EventStreamAbort    ChatEventType = "stream-abort"
	EventError          ChatEventType = "error"

	EventRetryScheduled ChatEventType = "auto-retry-scheduled"
	EventRetryStarting  ChatEventType = "auto-retry-starting"
	EventRetryAbandoned ChatEventType = "auto-retry-abandoned"

	// EventDelete invalidates history sequences removed by truncate/clear.
	EventDelete ChatEventType = "delete"
)

// ChatEvent is one event on a workspace chat channel. Fields are populated
// according to Type; unused fields are zero.
type ChatEvent struct {
	Type        ChatEventType `json:"type"`
	WorkspaceID string        `json:"workspace_id"`
	Timestamp   time.Time     `json:"timestamp"`

	// stream-start
	MessageID       string    `json:"message_id,omitempty"`
	Model           string    `json:"model,omitempty"`
	HistorySequence int64     `json:"history_sequence,omitempty"`
	StartTime       time.Time `json:"start_time,omitzero"`
	Mode            Mode      `json:"mode,omitempty"`

	// stream-delta / reasoning-delta
	Delta  string `json:"delta,omitempty"`
	Tokens int    `json:"tokens,omitempty"`

	// tool-call-*
	ToolCallID   string          `json:"tool_call_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	PartialInput string          `json:"partial_input,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       string          `json:"output,omitempty"`
	OutputErr    bool            `json:"output_err,omitempty"`
	State        ToolCallState   `json:"state,omitempty"`

	// usage-delta / stream-end
	Usage    *Usage           `json:"usage,omitempty"`
	Parts    []Part           `json:"parts,omitempty"`
	Metadata *MessageMetadata `json:"metadata,omitempty"`

	// error / auto-retry-abandoned
	ErrorType string `json:"error_type,omitempty"`
	Message   string `json:"message,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// stream-abort
	AbandonPartial bool `json:"abandon_partial,omitempty"`

	// auto-retry-scheduled / auto-retry-starting
	Attempt     int       `json:"attempt,omitempty"`
	DelayMs     int64     `json:"delay_ms,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at,omitzero"`

	// delete
	HistorySequences []int64 `json:"history_sequences,omitempty"`
}

// InitEventType enumerates events on a workspace init channel.
type InitEventType string

const (
	InitStart    InitEventType = "init-start"
	InitOutput   InitEventType = "init-output"
	InitComplete InitEventType = "init-complete"
)

// InitEvent is one event of a workspace init hook run.
type InitEvent struct {
	Type        InitEventType `json:"type"`
	WorkspaceID string        `json:"workspace_id"`
	ProjectPath string        `json:"project_path,omitempty"`
	Line        string        `json:"line,omitempty"`
	Stream      string        `json:"stream,omitempty"` // "stdout" | "stderr"
	ExitCode    int           `json:"exit_code,omitempty"`
}

// MetadataEvent announces workspace creation, mutation, or deletion on the
// process-wide metadata channel. Metadata is nil for deletions.
type MetadataEvent struct {
	WorkspaceID string             `json:"workspace_id"`
	Metadata    *WorkspaceMetadata `json:"metadata"`
}
