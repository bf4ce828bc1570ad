// Package stream drives one provider streaming call per workspace: it
// aggregates the chunk stream into an assistant message, keeps the partial
// persisted, executes tool calls between provider turns, and publishes
// ordered chat events.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muxhq/mux/internal/history"
	"github.com/muxhq/mux/internal/provider"
	"github.com/muxhq/mux/internal/tools"
	"github.com/muxhq/mux/pkg/models"
)

// ErrStreamAlreadyActive is returned by StartStream when the workspace
// already has a stream in flight.
var ErrStreamAlreadyActive = errors.New("stream_already_active")

// ContinueSentinel is appended to the last text part of an interrupted
// response so a later turn can tell the response was cut off.
const ContinueSentinel = "[CONTINUE]"

// interruptedMarker is appended to the assistant text when a tool was
// killed mid-execution.
const interruptedMarker = "\n[tool execution interrupted]"

const (
	// partialWriteInterval throttles partial rewrites between chunks. The
	// latest partial is always flushed before tool execution and before
	// the stream finishes.
	partialWriteInterval = 200 * time.Millisecond

	// maxProviderTurns bounds the inner tool loop of one stream.
	maxProviderTurns = 64
)

// StartParams carries everything one stream needs.
type StartParams struct {
	WorkspaceID string

	// Messages is the provider-ready history, ending with the user turn
	// this stream answers.
	Messages []models.Message

	Client      provider.Client
	Model       string // bare model id
	ModelString string // provider:model, recorded on metadata

	// HistorySequence is the sequence the session reserved for the
	// assistant placeholder.
	HistorySequence int64

	System string
	Tools  []tools.Tool
	Mode   models.Mode

	MaxOutputTokens      int
	ThinkingBudgetTokens int
	CacheControl         bool
	PreviousResponseID   string

	// MessageID is the placeholder's id; a fresh id is generated when
	// empty.
	MessageID string

	// OnFailure runs on a provider failure before the error event is
	// published, so retry abandons reach clients ahead of the terminal
	// error. Not called on cancellation.
	OnFailure func(kind provider.ErrorKind)
}

// StopOptions controls StopStream.
type StopOptions struct {
	// Soft lets an in-flight tool execution finish before unwinding.
	Soft bool

	// AbandonPartial deletes the partial instead of committing it.
	AbandonPartial bool
}

type activeStream struct {
	cancel context.CancelFunc

	mu             sync.Mutex
	events         []models.ChatEvent
	abandonPartial bool
	stopped        bool
	toolCancel     context.CancelFunc
}

// Manager is the per-process stream driver. At most one stream runs per
// workspace at a time.
type Manager struct {
	partials *history.PartialStore
	logger   *slog.Logger
	publish  func(models.ChatEvent)

	mu     sync.Mutex
	active map[string]*activeStream
}

// NewManager creates a manager publishing events through publish. publish
// is called on the streaming goroutine, in emission order.
func NewManager(partials *history.PartialStore, publish func(models.ChatEvent), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if publish == nil {
		publish = func(models.ChatEvent) {}
	}
	return &Manager{
		partials: partials,
		logger:   logger,
		publish:  publish,
		active:   make(map[string]*activeStream),
	}
}

// Active reports whether a stream is in flight for the workspace.
func (m *Manager) Active(workspaceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[workspaceID]
	return ok
}

// StopStream cancels the workspace's stream, if any. The stream unwinds
// asynchronously; the stream-abort event marks completion.
func (m *Manager) StopStream(workspaceID string, opts StopOptions) error {
	m.mu.Lock()
	st, ok := m.active[workspaceID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active stream for workspace %s", workspaceID)
	}

	st.mu.Lock()
	st.stopped = true
	st.abandonPartial = opts.AbandonPartial
	toolCancel := st.toolCancel
	st.mu.Unlock()

	if !opts.Soft && toolCancel != nil {
		toolCancel()
	}
	st.cancel()
	return nil
}

// ReplayStream returns a copy of every event the current stream has
// emitted so far, in order. Nil when no stream is active.
func (m *Manager) ReplayStream(workspaceID string) []models.ChatEvent {
	m.mu.Lock()
	st, ok := m.active[workspaceID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]models.ChatEvent, len(st.events))
	copy(out, st.events)
	return out
}

// StartStream runs one stream to completion and returns the final
// assistant message. It blocks; callers run it on their own goroutine.
// The returned message is already committed to the partial store (or the
// partial deleted, for an abandoning abort); persisting it into history is
// the caller's job.
//
// On abort the message is returned with metadata.Partial set alongside a
// context error. Provider failures return a *provider.StreamError.
func (m *Manager) StartStream(ctx context.Context, params StartParams) (*models.Message, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	st := &activeStream{cancel: cancel}

	m.mu.Lock()
	if _, exists := m.active[params.WorkspaceID]; exists {
		m.mu.Unlock()
		cancel()
		return nil, ErrStreamAlreadyActive
	}
	m.active[params.WorkspaceID] = st
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.active, params.WorkspaceID)
		m.mu.Unlock()
	}()

	run := &streamRun{
		m:      m,
		st:     st,
		params: params,
		msg: models.Message{
			ID:   params.MessageID,
			Role: models.RoleAssistant,
			Metadata: models.MessageMetadata{
				Timestamp:       time.Now().UTC(),
				HistorySequence: params.HistorySequence,
				Model:           params.ModelString,
				Mode:            params.Mode,
				Partial:         true,
			},
		},
		toolsByName: make(map[string]tools.Tool, len(params.Tools)),
	}
	if run.msg.ID == "" {
		run.msg.ID = uuid.NewString()
	}
	for _, tool := range params.Tools {
		run.toolsByName[tool.Name()] = tool
	}

	run.emit(models.ChatEvent{
		Type:            models.EventStreamStart,
		WorkspaceID:     params.WorkspaceID,
		MessageID:       run.msg.ID,
		Model:           params.ModelString,
		HistorySequence: params.HistorySequence,
		StartTime:       time.Now().UTC(),
		Mode:            params.Mode,
	})

	return run.loop(streamCtx)
}

// streamRun is the state of one StartStream call.
type streamRun struct {
	m           *Manager
	st          *activeStream
	params      StartParams
	msg         models.Message
	toolsByName map[string]tools.Tool

	lastPartialWrite time.Time
	partialDirty     bool
}

func (r *streamRun) emit(ev models.ChatEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	r.st.mu.Lock()
	r.st.events = append(r.st.events, ev)
	r.st.mu.Unlock()
	r.m.publish(ev)
}

// writePartial persists the aggregated message, honoring the throttle
// unless force is set.
func (r *streamRun) writePartial(force bool) {
	if !r.partialDirty && !force {
		return
	}
	if !force && time.Since(r.lastPartialWrite) < partialWriteInterval {
		return
	}
	if err := r.m.partials.Write(r.params.WorkspaceID, r.msg); err != nil {
		r.m.logger.Warn("partial write failed", "workspace_id", r.params.WorkspaceID, "error", err)
		return
	}
	r.lastPartialWrite = time.Now()
	r.partialDirty = false
}

// loop drives provider turns until the model stops calling tools, the
// context is cancelled, or the provider errors.
func (r *streamRun) loop(ctx context.Context) (*models.Message, error) {
	messages := append([]models.Message(nil), r.params.Messages...)

	for turn := 0; turn < maxProviderTurns; turn++ {
		turnCtx, span := startProviderSpan(ctx, r.params.WorkspaceID, r.params.ModelString, turn)
		pending, err := r.providerTurn(turnCtx, messages)
		endSpan(span, err)
		if err != nil {
			return r.finishWithError(ctx, err)
		}
		if len(pending) == 0 {
			return r.finish()
		}

		r.writePartial(true)
		if err := r.executeTools(ctx, pending); err != nil {
			return r.finishWithError(ctx, err)
		}

		// The next turn sees the whole aggregated message, tool outputs
		// included.
		messages = append(r.params.Messages, r.msg.Clone())
	}
	return r.finishWithError(ctx, fmt.Errorf("tool loop exceeded %d provider turns", maxProviderTurns))
}

// providerTurn consumes one provider stream and returns the indices of
// the tool-call parts it produced, in end-event order. Indices survive
// the reallocation that appending later parts causes; pointers would not.
func (r *streamRun) providerTurn(ctx context.Context, messages []models.Message) ([]int, error) {
	req := &provider.Request{
		Model:                r.params.Model,
		System:               r.params.System,
		Messages:             messages,
		MaxOutputTokens:      r.params.MaxOutputTokens,
		ThinkingBudgetTokens: r.params.ThinkingBudgetTokens,
		CacheControl:         r.params.CacheControl,
		PreviousResponseID:   r.params.PreviousResponseID,
	}
	for _, tool := range r.params.Tools {
		req.Tools = append(req.Tools, provider.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}

	chunks, err := r.params.Client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var pending []int
	inputBuf := make(map[string][]byte)

	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			return nil, chunk.Err

		case chunk.Text != "":
			r.appendText(chunk.Text)
			r.emit(models.ChatEvent{
				Type:        models.EventStreamDelta,
				WorkspaceID: r.params.WorkspaceID,
				Delta:       chunk.Text,
			})

		case chunk.Reasoning != "":
			r.appendReasoning(chunk.Reasoning)
			r.emit(models.ChatEvent{
				Type:        models.EventReasoningDelta,
				WorkspaceID: r.params.WorkspaceID,
				Delta:       chunk.Reasoning,
			})

		case chunk.ReasoningEnd:
			r.emit(models.ChatEvent{
				Type:        models.EventReasoningEnd,
				WorkspaceID: r.params.WorkspaceID,
			})

		case chunk.ToolCallStart != nil:
			r.msg.Parts = append(r.msg.Parts, models.Part{
				Type:       models.PartToolCall,
				ToolCallID: chunk.ToolCallStart.ID,
				ToolName:   chunk.ToolCallStart.Name,
				State:      models.ToolCallStreaming,
			})
			r.partialDirty = true
			r.emit(models.ChatEvent{
				Type:        models.EventToolCallStart,
				WorkspaceID: r.params.WorkspaceID,
				ToolCallID:  chunk.ToolCallStart.ID,
				ToolName:    chunk.ToolCallStart.Name,
			})

		case chunk.ToolCallDelta != nil:
			inputBuf[chunk.ToolCallDelta.ID] = append(inputBuf[chunk.ToolCallDelta.ID], chunk.ToolCallDelta.PartialJSON...)
			r.emit(models.ChatEvent{
				Type:         models.EventToolCallDelta,
				WorkspaceID:  r.params.WorkspaceID,
				ToolCallID:   chunk.ToolCallDelta.ID,
				PartialInput: chunk.ToolCallDelta.PartialJSON,
			})

		case chunk.ToolCallEnd != nil:
			idx := r.toolCallIndex(chunk.ToolCallEnd.ID)
			if idx < 0 {
				r.m.logger.Warn("tool-call end without start", "tool_call_id", chunk.ToolCallEnd.ID)
				continue
			}
			input := chunk.ToolCallEnd.Input
			if len(input) == 0 {
				input = inputBuf[chunk.ToolCallEnd.ID]
			}
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			part := &r.msg.Parts[idx]
			part.Input = append(json.RawMessage(nil), input...)
			part.State = models.ToolCallAvailable
			r.partialDirty = true
			pending = append(pending, idx)

		case chunk.Usage != nil:
			r.accumulateUsage(chunk.Usage)
			r.emit(models.ChatEvent{
				Type:        models.EventUsageDelta,
				WorkspaceID: r.params.WorkspaceID,
				Usage:       chunk.Usage,
			})

		case chunk.ResponseID != "":
			r.msg.Metadata.ResponseID = chunk.ResponseID
			r.partialDirty = true

		case chunk.Done:
			// Stream close follows; nothing to aggregate.
		}
		r.writePartial(false)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return pending, nil
}

// executeTools runs completed tool calls in provider order, feeding each
// result back into the message and emitting tool-call-end.
func (r *streamRun) executeTools(ctx context.Context, pending []int) error {
	for _, idx := range pending {
		part := &r.msg.Parts[idx]
		tool, ok := r.toolsByName[part.ToolName]
		var result *tools.Result
		if !ok {
			result = &tools.Result{
				Content: fmt.Sprintf(`{"error": "unknown tool %q"}`, part.ToolName),
				IsError: true,
			}
		} else {
			toolCtx, toolCancel := context.WithCancel(ctx)
			r.st.mu.Lock()
			r.st.toolCancel = toolCancel
			r.st.mu.Unlock()

			spanCtx, span := startToolSpan(toolCtx, r.params.WorkspaceID, part.ToolName)
			var err error
			result, err = tool.Execute(spanCtx, part.Input)
			endSpan(span, err)
			// Read the kill state before releasing the context: Cancel
			// makes Err() non-nil whether or not a kill happened.
			killed := toolCtx.Err() != nil
			toolCancel()
			r.st.mu.Lock()
			r.st.toolCancel = nil
			r.st.mu.Unlock()

			if killed && ctx.Err() == nil {
				// Killed by a hard stop while the stream context survives:
				// unwind as an interrupt.
				r.markInterrupted(part)
				return context.Canceled
			}
			if err != nil {
				result = &tools.Result{
					Content: fmt.Sprintf(`{"error": %q}`, err.Error()),
					IsError: true,
				}
			}
		}
		if ctx.Err() != nil {
			r.markInterrupted(part)
			return ctx.Err()
		}

		part.Output = result.Content
		part.OutputErr = result.IsError
		part.State = models.ToolCallCompleted
		r.partialDirty = true
		r.writePartial(true)

		r.emit(models.ChatEvent{
			Type:        models.EventToolCallEnd,
			WorkspaceID: r.params.WorkspaceID,
			ToolCallID:  part.ToolCallID,
			ToolName:    part.ToolName,
			Input:       part.Input,
			Output:      part.Output,
			OutputErr:   part.OutputErr,
			State:       part.State,
		})
	}
	return nil
}

// finish closes a successful stream: final partial write, stream-end.
func (r *streamRun) finish() (*models.Message, error) {
	r.msg.Metadata.Partial = false
	if err := r.m.partials.Write(r.params.WorkspaceID, r.msg); err != nil {
		r.m.logger.Warn("final partial write failed", "workspace_id", r.params.WorkspaceID, "error", err)
	}
	// The partial store stamps Partial on disk; the returned message is
	// the finalized shape.
	final := r.msg.Clone()
	final.Metadata.Partial = false

	r.emit(models.ChatEvent{
		Type:        models.EventStreamEnd,
		WorkspaceID: r.params.WorkspaceID,
		MessageID:   final.ID,
		Parts:       final.Parts,
		Metadata:    &final.Metadata,
	})
	return &final, nil
}

// finishWithError unwinds an aborted or failed stream. Cancellation turns
// into stream-abort with the partial committed or deleted per the stop
// options; provider errors turn into an error event with the partial kept.
func (r *streamRun) finishWithError(ctx context.Context, err error) (*models.Message, error) {
	canceled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil

	if canceled {
		r.markStreamingInterrupted()
		r.appendContinueSentinel()
		r.msg.Metadata.Error = "Interrupted by user"
		r.partialDirty = true

		r.st.mu.Lock()
		abandon := r.st.abandonPartial
		r.st.mu.Unlock()

		if abandon {
			if derr := r.m.partials.Delete(r.params.WorkspaceID); derr != nil {
				r.m.logger.Warn("partial delete failed", "workspace_id", r.params.WorkspaceID, "error", derr)
			}
		} else {
			r.writePartial(true)
		}
		r.emit(models.ChatEvent{
			Type:           models.EventStreamAbort,
			WorkspaceID:    r.params.WorkspaceID,
			MessageID:      r.msg.ID,
			AbandonPartial: abandon,
		})
		final := r.msg.Clone()
		return &final, err
	}

	var streamErr *provider.StreamError
	kind := provider.ErrUnknown
	if errors.As(err, &streamErr) {
		kind = streamErr.Kind
	}
	r.msg.Metadata.Error = err.Error()
	r.msg.Metadata.ErrorType = string(kind)
	r.markStreamingInterrupted()
	r.writePartial(true)

	if r.params.OnFailure != nil {
		r.params.OnFailure(kind)
	}
	r.emit(models.ChatEvent{
		Type:        models.EventError,
		WorkspaceID: r.params.WorkspaceID,
		MessageID:   r.msg.ID,
		ErrorType:   string(kind),
		Message:     err.Error(),
	})
	final := r.msg.Clone()
	return &final, err
}

// markStreamingInterrupted flags tool calls that never ran.
func (r *streamRun) markStreamingInterrupted() {
	for i := range r.msg.Parts {
		part := &r.msg.Parts[i]
		if part.Type == models.PartToolCall &&
			(part.State == models.ToolCallStreaming || part.State == models.ToolCallAvailable) {
			part.State = models.ToolCallInterrupted
			r.partialDirty = true
		}
	}
}

// markInterrupted flags one tool call killed mid-execution and appends
// the interruption marker to the assistant text.
func (r *streamRun) markInterrupted(part *models.Part) {
	part.State = models.ToolCallInterrupted
	r.appendText(interruptedMarker)
	r.partialDirty = true
}

// appendContinueSentinel marks the last text part of a cut-off response.
func (r *streamRun) appendContinueSentinel() {
	last := r.msg.LastTextPart()
	if last == nil {
		r.msg.Parts = append(r.msg.Parts, models.Part{Type: models.PartText, Text: ContinueSentinel})
		r.partialDirty = true
		return
	}
	if !strings.HasSuffix(last.Text, ContinueSentinel) {
		last.Text += ContinueSentinel
		r.partialDirty = true
	}
}

// appendText extends the trailing text part, or opens one after a
// non-text part so ordering survives.
func (r *streamRun) appendText(text string) {
	if n := len(r.msg.Parts); n > 0 && r.msg.Parts[n-1].Type == models.PartText {
		r.msg.Parts[n-1].Text += text
	} else {
		r.msg.Parts = append(r.msg.Parts, models.Part{Type: models.PartText, Text: text})
	}
	r.partialDirty = true
}

func (r *streamRun) appendReasoning(text string) {
	if n := len(r.msg.Parts); n > 0 && r.msg.Parts[n-1].Type == models.PartReasoning {
		r.msg.Parts[n-1].Text += text
	} else {
		r.msg.Parts = append(r.msg.Parts, models.Part{Type: models.PartReasoning, Text: text})
	}
	r.partialDirty = true
}

func (r *streamRun) toolCallIndex(id string) int {
	for i := range r.msg.Parts {
		if r.msg.Parts[i].Type == models.PartToolCall && r.msg.Parts[i].ToolCallID == id {
			return i
		}
	}
	return -1
}

func (r *streamRun) accumulateUsage(u *models.Usage) {
	if r.msg.Metadata.Usage == nil {
		r.msg.Metadata.Usage = &models.Usage{}
	}
	agg := r.msg.Metadata.Usage
	if u.InputTokens > 0 {
		agg.InputTokens = u.InputTokens
	}
	agg.OutputTokens += u.OutputTokens
	if u.CacheReadTokens > 0 {
		agg.CacheReadTokens = u.CacheReadTokens
	}
	if u.CacheCreateTokens > 0 {
		agg.CacheCreateTokens = u.CacheCreateTokens
	}
	r.partialDirty = true
}
