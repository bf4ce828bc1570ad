// Package provider implements the streaming-chat clients the agent engine
// drives. Each client converts the workspace's provider-view messages into
// its wire format, opens a streaming request, and emits a uniform sequence
// of chunks: text deltas, reasoning deltas, tool-call input streaming, usage
// updates, and a final done chunk.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/muxhq/mux/pkg/models"
)

// ToolSpec is the provider-facing description of one tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage

	// CacheControl asks the provider to place a prompt-cache marker on this
	// tool definition. Honored by the Anthropic family, ignored elsewhere.
	CacheControl bool
}

// Request is one streaming completion request.
type Request struct {
	// Model is the bare model id, without the provider prefix.
	Model string

	System   string
	Messages []models.Message
	Tools    []ToolSpec

	MaxOutputTokens int

	// ThinkingBudgetTokens enables extended thinking when > 0.
	ThinkingBudgetTokens int

	// CacheControl applies caller-driven prompt caching: a marker on the
	// last tool definition and the last message content part.
	CacheControl bool

	// PreviousResponseID references server-side reasoning state for
	// providers that persist it across turns.
	PreviousResponseID string
}

// Chunk is one element of a provider stream. At most one field group is
// populated per chunk.
type Chunk struct {
	// Text is a partial piece of assistant text.
	Text string

	// Reasoning is a partial piece of thinking text; ReasoningEnd closes
	// the current thinking block.
	Reasoning    string
	ReasoningEnd bool

	// Tool input streams in three stages: start announces id+name, deltas
	// carry partial JSON, end delivers the complete input.
	ToolCallStart *ToolCallStart
	ToolCallDelta *ToolCallDelta
	ToolCallEnd   *ToolCallEnd

	// Usage updates token accounting; may arrive more than once.
	Usage *models.Usage

	// ResponseID is the provider's id for this response, when it persists
	// state server-side.
	ResponseID string

	// Done marks successful completion of the stream.
	Done bool

	// Err terminates the stream; no further chunks follow it.
	Err error
}

// ToolCallStart opens a streamed tool call.
type ToolCallStart struct {
	ID   string
	Name string
}

// ToolCallDelta carries a fragment of a tool call's input JSON.
type ToolCallDelta struct {
	ID          string
	PartialJSON string
}

// ToolCallEnd closes a streamed tool call with its complete input.
type ToolCallEnd struct {
	ID    string
	Input json.RawMessage
}

// Client is a streaming chat backend. Implementations must be safe for
// concurrent use; each Stream call is independent and is cancelled through
// its context.
type Client interface {
	// Stream opens a streaming completion. The returned channel is closed
	// when the stream finishes; a chunk with Err set is always the last.
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Name returns the stable lowercase provider name.
	Name() string
}

// ParseModelString splits "provider:model" into its halves.
func ParseModelString(modelString string) (providerName, model string, err error) {
	idx := strings.Index(modelString, ":")
	if idx <= 0 || idx == len(modelString)-1 {
		return "", "", &StreamError{
			Kind:    ErrInvalidModelString,
			Message: fmt.Sprintf("model string %q must be provider:model", modelString),
		}
	}
	return modelString[:idx], modelString[idx+1:], nil
}
