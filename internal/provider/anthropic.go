package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/muxhq/mux/pkg/models"
)

// AnthropicClient implements Client over the Anthropic Messages API.
//
// The client converts the workspace's provider-view messages into Anthropic
// content blocks, applies caller-driven prompt-cache markers when requested,
// and adapts the SSE event stream into Chunks. It is safe for concurrent
// use; each Stream call owns an independent SSE stream and goroutine.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint (proxies, test servers).
	BaseURL string

	// DefaultModel is used when a request does not name a model.
	DefaultModel string
}

// NewAnthropicClient creates a client from config.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, &StreamError{
			Kind:     ErrAuthentication,
			AuthKind: AuthAPIKeyMissing,
			Provider: "anthropic",
			Message:  "anthropic: API key is required",
		}
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-5"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "anthropic".
func (c *AnthropicClient) Name() string { return "anthropic" }

// Stream opens a streaming Messages request and adapts its events.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		stream := c.client.Messages.NewStreaming(ctx, *params)
		c.processStream(stream, chunks, string(params.Model))
	}()
	return chunks, nil
}

func (c *AnthropicClient) buildParams(req *Request) (*anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	messages, err := convertAnthropicMessages(req.Messages, req.CacheControl)
	if err != nil {
		return nil, &StreamError{
			Kind:     ErrConfiguration,
			Provider: "anthropic",
			Model:    model,
			Message:  err.Error(),
			Cause:    err,
		}
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		sys := anthropic.TextBlockParam{Type: "text", Text: req.System}
		if req.CacheControl {
			sys.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{sys}
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools, req.CacheControl)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	if req.ThinkingBudgetTokens > 0 {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 1024
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return params, nil
}

// processStream adapts Anthropic SSE events into Chunks. Tool input arrives
// as input_json_delta fragments between content_block_start and
// content_block_stop; each stage is surfaced so the caller can persist
// streaming input.
func (c *AnthropicClient) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *Chunk, model string) {
	var toolID string
	var toolInput strings.Builder
	inThinking := false
	usage := &models.Usage{}

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(start.Message.Usage.InputTokens)
				usage.CacheReadTokens = int(start.Message.Usage.CacheReadInputTokens)
				usage.CacheCreateTokens = int(start.Message.Usage.CacheCreationInputTokens)
				u := *usage
				chunks <- &Chunk{Usage: &u}
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
			case "tool_use":
				toolUse := block.AsToolUse()
				toolID = toolUse.ID
				toolInput.Reset()
				chunks <- &Chunk{ToolCallStart: &ToolCallStart{ID: toolUse.ID, Name: toolUse.Name}}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &Chunk{Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &Chunk{Reasoning: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					chunks <- &Chunk{ToolCallDelta: &ToolCallDelta{ID: toolID, PartialJSON: delta.PartialJSON}}
				}
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
				chunks <- &Chunk{ReasoningEnd: true}
			} else if toolID != "" {
				input := toolInput.String()
				if strings.TrimSpace(input) == "" {
					input = "{}"
				}
				chunks <- &Chunk{ToolCallEnd: &ToolCallEnd{ID: toolID, Input: json.RawMessage(input)}}
				toolID = ""
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
				u := *usage
				chunks <- &Chunk{Usage: &u}
			}

		case "message_stop":
			chunks <- &Chunk{Done: true}
			return

		case "error":
			chunks <- &Chunk{Err: c.wrapError(errors.New("anthropic stream error"), model)}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &Chunk{Err: c.wrapError(err, model)}
		return
	}
	chunks <- &Chunk{Done: true}
}

// convertAnthropicMessages flattens part-based messages into Anthropic
// content blocks. Completed tool calls split into an assistant tool_use
// block plus a following user message carrying the tool_result; unfinished
// tool calls were already dropped by the transform pipeline.
func convertAnthropicMessages(messages []models.Message, cacheControl bool) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		var toolResults []anthropic.ContentBlockParamUnion

		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartText:
				if part.Text != "" {
					content = append(content, anthropic.NewTextBlock(part.Text))
				}
			case models.PartReasoning:
				// Reasoning is not echoed back; Anthropic reconstructs
				// thinking from its own state.
			case models.PartFileAttachment:
				if part.Content != "" {
					content = append(content, anthropic.NewTextBlock(
						fmt.Sprintf("<attached-file path=%q>\n%s\n</attached-file>", part.Path, part.Content)))
				}
			case models.PartImage:
				if block, ok := anthropicImageBlock(part); ok {
					content = append(content, block)
				}
			case models.PartToolCall:
				var input map[string]any
				if err := json.Unmarshal(part.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", part.ToolName, err)
				}
				content = append(content, anthropic.NewToolUseBlock(part.ToolCallID, input, part.ToolName))
				toolResults = append(toolResults, anthropic.NewToolResultBlock(part.ToolCallID, part.Output, part.OutputErr))
			}
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
			if len(toolResults) > 0 {
				result = append(result, anthropic.NewUserMessage(toolResults...))
			}
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	// Cache marker on the last content block of the last message.
	if cacheControl && len(result) > 0 {
		last := &result[len(result)-1]
		if n := len(last.Content); n > 0 {
			if text := last.Content[n-1].OfText; text != nil {
				text.CacheControl = anthropic.NewCacheControlEphemeralParam()
			} else if tr := last.Content[n-1].OfToolResult; tr != nil {
				tr.CacheControl = anthropic.NewCacheControlEphemeralParam()
			}
		}
	}

	return result, nil
}

func anthropicImageBlock(part models.Part) (anthropic.ContentBlockParamUnion, bool) {
	if mediaType, data, ok := parseDataURL(part.URL); ok {
		return anthropic.NewImageBlockBase64(mediaType, data), true
	}
	if part.URL != "" {
		return anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: part.URL}), true
	}
	return anthropic.ContentBlockParamUnion{}, false
}

func parseDataURL(raw string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	meta := strings.TrimPrefix(parts[0], "data:")
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, parts[1], true
}

func convertAnthropicTools(tools []ToolSpec, cacheControl bool) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for i, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, &StreamError{
				Kind:     ErrConfiguration,
				Provider: "anthropic",
				Message:  fmt.Sprintf("invalid tool schema for %s: %v", tool.Name, err),
				Cause:    err,
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, &StreamError{
				Kind:     ErrConfiguration,
				Provider: "anthropic",
				Message:  fmt.Sprintf("invalid tool schema for %s: missing tool definition", tool.Name),
			}
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		// Cache marker on the last tool definition.
		if cacheControl && i == len(tools)-1 {
			param.OfTool.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		result = append(result, param)
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (c *AnthropicClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsStreamError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		se := NewStreamError("anthropic", model, err).WithStatus(apiErr.StatusCode)
		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					se = se.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					se = se.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		if requestID != "" {
			se = se.WithRequestID(requestID)
		}
		return se
	}

	return NewStreamError("anthropic", model, err)
}
