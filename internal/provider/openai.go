package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/muxhq/mux/pkg/models"
)

// OpenAIClient implements Client over OpenAI chat completion streaming.
//
// Key differences from the Anthropic client:
//   - the system prompt rides in the messages array
//   - tool calls stream incrementally (id and name in the first fragment,
//     argument JSON across subsequent fragments) and are finalized on
//     FinishReason "tool_calls" or stream end
//   - tool results are separate "tool" role messages, one per call
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewOpenAIClient creates a client from config.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, &StreamError{
			Kind:     ErrAuthentication,
			AuthKind: AuthAPIKeyMissing,
			Provider: "openai",
			Message:  "openai: API key is required",
		}
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4.1"
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "openai".
func (c *OpenAIClient) Name() string { return "openai" }

// Stream opens a streaming chat completion and adapts its deltas.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.System, req.Messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxOutputTokens > 0 {
		chatReq.MaxCompletionTokens = req.MaxOutputTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, c.wrapError(err, model)
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		c.processStream(stream, chunks, model)
	}()
	return chunks, nil
}

// openaiToolAccumulator collects a tool call streamed across deltas.
type openaiToolAccumulator struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

func (c *OpenAIClient) processStream(stream *openai.ChatCompletionStream, chunks chan<- *Chunk, model string) {
	defer stream.Close()

	// Tool calls are keyed by delta index; order of finalization follows
	// index order, which matches the order the provider opened them.
	accumulators := map[int]*openaiToolAccumulator{}
	order := []int{}
	responseID := ""

	flushTools := func() {
		for _, idx := range order {
			acc := accumulators[idx]
			if acc == nil || !acc.started {
				continue
			}
			input := acc.args.String()
			if strings.TrimSpace(input) == "" {
				input = "{}"
			}
			chunks <- &Chunk{ToolCallEnd: &ToolCallEnd{ID: acc.id, Input: json.RawMessage(input)}}
			acc.started = false
		}
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flushTools()
			if responseID != "" {
				chunks <- &Chunk{ResponseID: responseID}
			}
			chunks <- &Chunk{Done: true}
			return
		}
		if err != nil {
			chunks <- &Chunk{Err: c.wrapError(err, model)}
			return
		}

		if response.ID != "" {
			responseID = response.ID
		}
		if response.Usage != nil {
			chunks <- &Chunk{Usage: &models.Usage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			chunks <- &Chunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc := accumulators[idx]
			if acc == nil {
				acc = &openaiToolAccumulator{}
				accumulators[idx] = acc
				order = append(order, idx)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			if !acc.started && acc.id != "" && acc.name != "" {
				acc.started = true
				chunks <- &Chunk{ToolCallStart: &ToolCallStart{ID: acc.id, Name: acc.name}}
			}
			if tc.Function.Arguments != "" {
				acc.args.WriteString(tc.Function.Arguments)
				chunks <- &Chunk{ToolCallDelta: &ToolCallDelta{ID: acc.id, PartialJSON: tc.Function.Arguments}}
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushTools()
		}
	}
}

func convertOpenAIMessages(system string, messages []models.Message) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.TextContent(),
			})

		case models.RoleUser:
			result = append(result, convertOpenAIUserMessage(msg))

		case models.RoleAssistant:
			assistant := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.TextContent(),
			}
			var toolMsgs []openai.ChatCompletionMessage
			for _, part := range msg.Parts {
				if part.Type != models.PartToolCall {
					continue
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
					ID:   part.ToolCallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      part.ToolName,
						Arguments: string(part.Input),
					},
				})
				toolMsgs = append(toolMsgs, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: part.ToolCallID,
					Content:    part.Output,
				})
			}
			result = append(result, assistant)
			result = append(result, toolMsgs...)
		}
	}
	return result
}

func convertOpenAIUserMessage(msg models.Message) openai.ChatCompletionMessage {
	hasImage := false
	for _, part := range msg.Parts {
		if part.Type == models.PartImage {
			hasImage = true
			break
		}
	}

	if !hasImage {
		var b strings.Builder
		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartText:
				b.WriteString(part.Text)
			case models.PartFileAttachment:
				fmt.Fprintf(&b, "\n<attached-file path=%q>\n%s\n</attached-file>", part.Path, part.Content)
			}
		}
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: b.String()}
	}

	message := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	for _, part := range msg.Parts {
		switch part.Type {
		case models.PartText:
			if part.Text != "" {
				message.MultiContent = append(message.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: part.Text,
				})
			}
		case models.PartFileAttachment:
			message.MultiContent = append(message.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("<attached-file path=%q>\n%s\n</attached-file>", part.Path, part.Content),
			})
		case models.PartImage:
			message.MultiContent = append(message.MultiContent, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: part.URL},
			})
		}
	}
	return message
}

func convertOpenAITools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}
	return result
}

func (c *OpenAIClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsStreamError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		se := NewStreamError("openai", model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			se = se.WithMessage(apiErr.Message)
		}
		switch code := apiErr.Code.(type) {
		case string:
			se = se.WithCode(code)
		case int:
			se = se.WithCode(strconv.Itoa(code))
		}
		return se
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewStreamError("openai", model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewStreamError("openai", model, err)
}
