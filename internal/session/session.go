// Package session implements the per-workspace orchestrator: it owns the
// message queue, the retry scheduler, and the current stream, transforms
// history for the provider, and enforces the at-most-one-stream state
// machine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muxhq/mux/internal/autoretry"
	"github.com/muxhq/mux/internal/history"
	"github.com/muxhq/mux/internal/provider"
	"github.com/muxhq/mux/internal/runtime"
	"github.com/muxhq/mux/internal/stream"
	"github.com/muxhq/mux/internal/tools"
	"github.com/muxhq/mux/pkg/models"
)

// ErrStreamActive is returned by operations that refuse to run while a
// stream is in flight.
var ErrStreamActive = errors.New("stream is active")

// SendOptions tune one send.
type SendOptions struct {
	// ModelString overrides the session default ("provider:model").
	ModelString string

	// Mode selects plan or exec for the next assistant response.
	Mode models.Mode

	// Synthetic marks engine-injected messages; they never arm
	// auto-retry.
	Synthetic bool

	// Attachments are extra parts (files, images) carried on the user
	// message.
	Attachments []models.Part

	// EditMessageID replaces an earlier user message: history rewinds to
	// just before it and the new text is sent in its place. Edits bypass
	// the queue, interrupting any active stream.
	EditMessageID string
}

// QueuedMessage is one entry waiting for the current stream to finish.
type QueuedMessage struct {
	Text    string
	Options SendOptions
}

// Config assembles a session's collaborators.
type Config struct {
	Workspace models.WorkspaceIdentity

	History   *history.Store
	Partials  *history.PartialStore
	Streams   *stream.Manager
	Providers *provider.Registry
	Tools     *tools.Registry
	Runtime   runtime.Runtime
	Processes *runtime.ProcessRegistry

	// Publish feeds the workspace's chat event channel. Stream events
	// arrive through the stream manager's own publisher; the session adds
	// delete and retry events.
	Publish func(models.ChatEvent)

	// DefaultModel is the "provider:model" used when a send does not name
	// one.
	DefaultModel string

	MaxOutputTokens      int
	ThinkingBudgetTokens int

	Secrets     map[string]string
	Experiments tools.Experiments

	// Watcher is optional; when set, external file edits feed the
	// transform pipeline.
	Watcher *FileWatcher

	Logger *slog.Logger
}

// Session is the per-workspace agent orchestrator.
type Session struct {
	cfg    Config
	logger *slog.Logger
	retry  *autoretry.Manager

	mu              sync.Mutex
	state           models.StreamState
	queue           []QueuedMessage
	draft           string
	lastMode        models.Mode
	lastResponseID  string
	lostResponseIDs map[string]bool
	pendingQuestion string
	lastPlanTitle   string
	disposed        bool

	streamDone chan struct{} // non-nil while a stream goroutine runs
}

// New creates an idle session. The retry manager's callback re-opens the
// stream via ResumeStream.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Publish == nil {
		cfg.Publish = func(models.ChatEvent) {}
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic:claude-sonnet-4-5"
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 32000
	}
	s := &Session{
		cfg:             cfg,
		logger:          cfg.Logger.With("workspace_id", cfg.Workspace.ID),
		state:           models.StreamIdle,
		lastMode:        models.ModeExec,
		lostResponseIDs: make(map[string]bool),
	}
	s.retry = autoretry.New(cfg.Workspace.ID, s.onRetryTimer, cfg.Publish, s.logger)
	return s
}

// SetTools installs the tool registry. Separate from New because the
// registry's plan listener and subagent runner are usually the session
// itself.
func (s *Session) SetTools(registry *tools.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Tools = registry
}

// State returns the current stream state.
func (s *Session) State() models.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Draft returns and clears the draft text restored by an interrupt.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.draft
	s.draft = ""
	return d
}

// QueuedMessages returns a snapshot of the queue.
func (s *Session) QueuedMessages() []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueuedMessage, len(s.queue))
	copy(out, s.queue)
	return out
}

// ClearQueue drops all queued messages.
func (s *Session) ClearQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
}

// SendMessage accepts a user message. While a stream is active the
// message queues; queued messages drain in FIFO order after stream-end.
func (s *Session) SendMessage(ctx context.Context, text string, opts SendOptions) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return errors.New("session disposed")
	}
	if s.state == models.StreamStreaming && opts.EditMessageID == "" {
		s.queue = append(s.queue, QueuedMessage{Text: text, Options: opts})
		s.mu.Unlock()
		return nil
	}
	if s.state == models.StreamRetrying {
		// A user send supersedes the pending auto-retry.
		s.mu.Unlock()
		s.retry.Cancel()
		s.mu.Lock()
	}
	streaming := s.state == models.StreamStreaming
	s.mu.Unlock()

	if opts.EditMessageID != "" {
		// The edit rewinds the conversation; an in-flight answer to the
		// old text is moot, so its partial is abandoned.
		if streaming {
			if err := s.InterruptStream(true); err != nil {
				return fmt.Errorf("interrupt for edit: %w", err)
			}
		}
		removed, err := s.cfg.History.TruncateFrom(s.cfg.Workspace.ID, opts.EditMessageID)
		if err != nil {
			return err
		}
		s.publishDelete(removed)
	}

	userMsg := models.Message{
		ID:    uuid.NewString(),
		Role:  models.RoleUser,
		Parts: append([]models.Part{{Type: models.PartText, Text: text}}, opts.Attachments...),
		Metadata: models.MessageMetadata{
			Timestamp: time.Now().UTC(),
			Synthetic: opts.Synthetic,
		},
	}
	if _, err := s.cfg.History.Append(s.cfg.Workspace.ID, userMsg); err != nil {
		return fmt.Errorf("append user message: %w", err)
	}
	return s.startTurn(ctx, opts)
}

// ResumeStream re-opens the provider stream from the last committed
// boundary without a new user message. Used after interruption or a
// transient failure.
func (s *Session) ResumeStream(ctx context.Context) error {
	s.mu.Lock()
	if s.state == models.StreamStreaming {
		s.mu.Unlock()
		return ErrStreamActive
	}
	mode := s.lastMode
	s.mu.Unlock()
	return s.startTurn(ctx, SendOptions{Mode: mode})
}

// startTurn commits any lingering partial, reserves the assistant
// placeholder, and launches the stream goroutine.
func (s *Session) startTurn(ctx context.Context, opts SendOptions) error {
	wsID := s.cfg.Workspace.ID

	// A partial left over from a crash or interrupt joins history first.
	if err := s.cfg.Partials.CommitToHistory(wsID); err != nil {
		return fmt.Errorf("commit lingering partial: %w", err)
	}

	modelString := opts.ModelString
	if modelString == "" {
		modelString = s.cfg.DefaultModel
	}
	mode := opts.Mode
	if mode == "" {
		mode = models.ModeExec
	}

	client, bareModel, err := s.cfg.Providers.ClientFor(modelString)
	if err != nil {
		s.publishError(err)
		return err
	}

	msgs, err := s.cfg.History.History(wsID)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	s.mu.Lock()
	previousMode := s.lastMode
	s.lastMode = mode
	prevResponseID := s.lastResponseID
	s.mu.Unlock()

	toolSet, err := s.resolveTools(mode)
	if err != nil {
		return fmt.Errorf("resolve tools: %w", err)
	}
	schemas := make(map[string]json.RawMessage, len(toolSet))
	for _, tool := range toolSet {
		schemas[tool.Name()] = tool.Schema()
	}

	providerView := TransformForProvider(msgs, TransformContext{
		ModelString:      modelString,
		SupportsThinking: provider.SupportsExtendedThinking(modelString),
		Mode:             mode,
		PreviousMode:     previousMode,
		PlanContent:      s.readPlanFile(),
		ChangedFiles:     s.drainChangedFiles(),
		ToolSchemas:      schemas,
		ResponseIDValid:  s.responseIDValid,
		Logger:           s.logger,
	})

	system := BuildSystemPrompt(SystemPromptParams{
		Workspace: s.cfg.Workspace,
		Mode:      mode,
	})

	// Reserve the assistant placeholder; its sequence anchors the stream.
	placeholder := models.Message{
		ID:   uuid.NewString(),
		Role: models.RoleAssistant,
		Metadata: models.MessageMetadata{
			Timestamp: time.Now().UTC(),
			Model:     modelString,
			Mode:      mode,
			Partial:   true,
		},
	}
	placeholder, err = s.cfg.History.Append(wsID, placeholder)
	if err != nil {
		return fmt.Errorf("append placeholder: %w", err)
	}

	providerName, _, _ := provider.ParseModelString(modelString)
	params := stream.StartParams{
		WorkspaceID:     wsID,
		Messages:        providerView,
		Client:          client,
		Model:           bareModel,
		ModelString:     modelString,
		HistorySequence: placeholder.Metadata.HistorySequence,
		System:          system,
		Tools:           toolSet,
		Mode:            mode,
		MaxOutputTokens: s.cfg.MaxOutputTokens,
		CacheControl:    provider.SupportsCacheControl(providerName),
		MessageID:       placeholder.ID,
	}
	if provider.SupportsExtendedThinking(modelString) {
		params.ThinkingBudgetTokens = s.cfg.ThinkingBudgetTokens
	}
	if provider.PersistsResponseState(providerName) {
		params.PreviousResponseID = prevResponseID
	}
	if !opts.Synthetic {
		// Dead-end failures abandon the retry before the error event goes
		// out, so clients clear retry UI ahead of the terminal error.
		params.OnFailure = func(kind provider.ErrorKind) {
			if !kind.IsRetryable() {
				s.retry.HandleStreamFailure(kind)
			}
		}
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.state = models.StreamStreaming
	s.streamDone = done
	s.mu.Unlock()

	// The stream outlives the caller: an API request context dies as
	// soon as the handler returns, and that must not abort the turn.
	go s.runStream(context.WithoutCancel(ctx), params, opts.Synthetic, done)
	return nil
}

// runStream drives one stream to completion and settles the state machine
// from its outcome.
func (s *Session) runStream(ctx context.Context, params stream.StartParams, synthetic bool, done chan struct{}) {
	defer close(done)
	wsID := s.cfg.Workspace.ID

	final, err := s.cfg.Streams.StartStream(ctx, params)

	switch {
	case err == nil:
		final.Metadata.Partial = false
		if uerr := s.cfg.History.UpdateMessage(wsID, *final); uerr != nil {
			s.logger.Error("persist final message failed", "error", uerr)
		}
		if derr := s.cfg.Partials.Delete(wsID); derr != nil {
			s.logger.Warn("partial cleanup failed", "error", derr)
		}
		s.mu.Lock()
		if final.Metadata.ResponseID != "" {
			s.lastResponseID = final.Metadata.ResponseID
		}
		s.state = models.StreamIdle
		s.mu.Unlock()
		s.retry.HandleStreamSuccess()
		s.sendQueuedMessages(ctx)

	case errors.Is(err, stream.ErrStreamAlreadyActive):
		s.logger.Warn("stream already active", "workspace_id", wsID)
		s.mu.Lock()
		s.state = models.StreamStreaming
		s.mu.Unlock()

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Mark the placeholder even when the partial was abandoned, then
		// finalize from the partial file if one survived.
		if final != nil {
			if uerr := s.cfg.History.UpdateMessage(wsID, *final); uerr != nil {
				s.logger.Warn("persist interrupted message failed", "error", uerr)
			}
		}
		if cerr := s.cfg.Partials.CommitToHistory(wsID); cerr != nil {
			s.logger.Warn("commit interrupted partial failed", "error", cerr)
		}
		s.mu.Lock()
		s.state = models.StreamInterrupted
		s.mu.Unlock()

	default:
		kind := provider.KindOf(err)
		if cerr := s.cfg.Partials.CommitToHistory(wsID); cerr != nil {
			s.logger.Warn("commit failed-stream partial failed", "error", cerr)
		}
		if synthetic || !kind.IsRetryable() {
			// The OnFailure hook already abandoned the retry, ahead of
			// the error event.
			s.mu.Lock()
			s.state = models.StreamFailed
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		s.state = models.StreamRetrying
		s.mu.Unlock()
		s.retry.HandleStreamFailure(kind)
	}
}

// onRetryTimer is the autoretry callback; it resumes the stream.
func (s *Session) onRetryTimer(attempt int) {
	s.mu.Lock()
	if s.state != models.StreamRetrying || s.disposed {
		s.mu.Unlock()
		return
	}
	s.state = models.StreamIdle
	s.mu.Unlock()

	if err := s.ResumeStream(context.Background()); err != nil {
		s.logger.Error("auto-retry resume failed", "attempt", attempt, "error", err)
	}
}

// InterruptStream stops the in-flight stream. When user-initiated, queued
// messages move into the draft slot instead of being dropped.
func (s *Session) InterruptStream(abandonPartial bool) error {
	if err := s.cfg.Streams.StopStream(s.cfg.Workspace.ID, stream.StopOptions{
		AbandonPartial: abandonPartial,
	}); err != nil {
		return err
	}

	s.mu.Lock()
	if len(s.queue) > 0 {
		texts := make([]string, 0, len(s.queue))
		for _, q := range s.queue {
			texts = append(texts, q.Text)
		}
		s.draft = strings.Join(texts, "\n")
		s.queue = nil
	}
	done := s.streamDone
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	return nil
}

// sendQueuedMessages drains the queue in order after stream-end.
func (s *Session) sendQueuedMessages(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.state != models.StreamIdle {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := s.SendMessage(ctx, next.Text, next.Options); err != nil {
			s.logger.Error("queued send failed", "error", err)
			return
		}
		// SendMessage launched a stream; the rest of the queue drains when
		// it ends.
		return
	}
}

// TruncateHistory removes the trailing fraction of history. Refused while
// a stream is active.
func (s *Session) TruncateHistory(fraction float64) ([]int64, error) {
	if s.cfg.Streams.Active(s.cfg.Workspace.ID) {
		return nil, ErrStreamActive
	}
	removed, err := s.cfg.History.Truncate(s.cfg.Workspace.ID, fraction)
	if err != nil {
		return nil, err
	}
	s.publishDelete(removed)
	return removed, nil
}

// ReplaceHistory clears history and installs a summary message. Refused
// while a stream is active unless the summary is marked compacted, which
// the compaction flow itself sets.
func (s *Session) ReplaceHistory(summary models.Message) error {
	if s.cfg.Streams.Active(s.cfg.Workspace.ID) && !summary.Metadata.Compacted {
		return ErrStreamActive
	}
	removed, err := s.cfg.History.Clear(s.cfg.Workspace.ID)
	if err != nil {
		return err
	}
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	if summary.Metadata.Timestamp.IsZero() {
		summary.Metadata.Timestamp = time.Now().UTC()
	}
	if _, err := s.cfg.History.Append(s.cfg.Workspace.ID, summary); err != nil {
		return err
	}
	s.publishDelete(removed)
	return nil
}

// compactionPrompt asks the model for a handoff summary.
const compactionPrompt = "Summarize this conversation for a fresh context: goals, decisions made, " +
	"files changed, current state, and immediate next steps. Be specific; the summary replaces the transcript."

// Compact condenses history into a single summary message via one
// non-persisted provider call, then replaces history with it.
func (s *Session) Compact(ctx context.Context) error {
	if s.cfg.Streams.Active(s.cfg.Workspace.ID) {
		return ErrStreamActive
	}
	wsID := s.cfg.Workspace.ID

	msgs, err := s.cfg.History.History(wsID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	client, bareModel, err := s.cfg.Providers.ClientFor(s.cfg.DefaultModel)
	if err != nil {
		return err
	}

	providerView := TransformForProvider(msgs, TransformContext{
		ModelString: s.cfg.DefaultModel,
		Mode:        models.ModeExec,
		Logger:      s.logger,
	})
	providerView = append(providerView, models.Message{
		ID:       "compaction-request",
		Role:     models.RoleUser,
		Parts:    []models.Part{{Type: models.PartText, Text: compactionPrompt}},
		Metadata: models.MessageMetadata{Synthetic: true},
	})

	summaryText, err := collectText(ctx, client, &provider.Request{
		Model:           bareModel,
		Messages:        providerView,
		MaxOutputTokens: s.cfg.MaxOutputTokens,
	})
	if err != nil {
		return fmt.Errorf("compaction stream: %w", err)
	}

	return s.ReplaceHistory(models.Message{
		Role:  models.RoleAssistant,
		Parts: []models.Part{{Type: models.PartText, Text: summaryText}},
		Metadata: models.MessageMetadata{
			Compacted: true,
			Model:     s.cfg.DefaultModel,
		},
	})
}

// collectText runs a stream to completion and concatenates its text.
func collectText(ctx context.Context, client provider.Client, req *provider.Request) (string, error) {
	chunks, err := client.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		b.WriteString(chunk.Text)
	}
	return b.String(), nil
}

// SetRetryEnabled toggles auto-retry intent.
func (s *Session) SetRetryEnabled(enabled bool) {
	s.retry.SetEnabled(enabled)
	if !enabled {
		s.mu.Lock()
		if s.state == models.StreamRetrying {
			s.state = models.StreamIdle
		}
		s.mu.Unlock()
	}
}

// RetrySnapshot exposes the pending retry schedule for reconnecting UIs.
func (s *Session) RetrySnapshot() *autoretry.Schedule {
	return s.retry.ScheduledSnapshot()
}

// Dispose cancels everything and waits for the stream goroutine.
func (s *Session) Dispose() {
	s.mu.Lock()
	s.disposed = true
	done := s.streamDone
	s.mu.Unlock()

	s.retry.Cancel()
	if s.cfg.Streams.Active(s.cfg.Workspace.ID) {
		_ = s.cfg.Streams.StopStream(s.cfg.Workspace.ID, stream.StopOptions{})
	}
	if done != nil {
		<-done
	}
	if s.cfg.Watcher != nil {
		_ = s.cfg.Watcher.Close()
	}
}

// PlanProposed implements tools.PlanListener.
func (s *Session) PlanProposed(_ string, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPlanTitle = title
}

// QuestionAsked implements tools.PlanListener.
func (s *Session) QuestionAsked(_ string, question string, _ []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingQuestion = question
}

// PendingQuestion returns and clears the question raised by
// ask_user_question.
func (s *Session) PendingQuestion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.pendingQuestion
	s.pendingQuestion = ""
	return q
}

// RunSubagent implements tools.SubagentRunner with a single non-persisted
// provider call using the subagent's own prompt and optional model.
func (s *Session) RunSubagent(ctx context.Context, agent tools.Subagent, prompt string) (string, error) {
	modelString := agent.Model
	if modelString == "" {
		modelString = s.cfg.DefaultModel
	}
	client, bareModel, err := s.cfg.Providers.ClientFor(modelString)
	if err != nil {
		return "", err
	}
	return collectText(ctx, client, &provider.Request{
		Model:  bareModel,
		System: agent.Prompt,
		Messages: []models.Message{{
			ID:    uuid.NewString(),
			Role:  models.RoleUser,
			Parts: []models.Part{{Type: models.PartText, Text: prompt}},
		}},
		MaxOutputTokens: s.cfg.MaxOutputTokens,
	})
}

// MarkResponseIDLost records a provider-invalidated response id so the
// transform pipeline stops referencing it.
func (s *Session) MarkResponseIDLost(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lostResponseIDs[id] = true
	if s.lastResponseID == id {
		s.lastResponseID = ""
	}
}

func (s *Session) responseIDValid(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lostResponseIDs[id]
}

func (s *Session) resolveTools(mode models.Mode) ([]tools.Tool, error) {
	s.mu.Lock()
	registry := s.cfg.Tools
	s.mu.Unlock()
	if registry == nil {
		registry = tools.NewRegistry(tools.RegistryConfig{}, s, s)
	}
	return registry.Resolve(tools.ResolveParams{
		WorkspaceID:   s.cfg.Workspace.ID,
		WorkspacePath: s.cfg.Workspace.NamedWorkspacePath,
		Runtime:       s.cfg.Runtime,
		Processes:     s.cfg.Processes,
		Mode:          mode,
		Secrets:       s.cfg.Secrets,
		Experiments:   s.cfg.Experiments,
	})
}

func (s *Session) readPlanFile() string {
	path := filepath.Join(s.cfg.Workspace.NamedWorkspacePath, filepath.FromSlash(tools.PlanFileRelPath))
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func (s *Session) drainChangedFiles() []string {
	if s.cfg.Watcher == nil {
		return nil
	}
	return s.cfg.Watcher.DrainChanged()
}

func (s *Session) publishDelete(sequences []int64) {
	if len(sequences) == 0 {
		return
	}
	s.cfg.Publish(models.ChatEvent{
		Type:             models.EventDelete,
		WorkspaceID:      s.cfg.Workspace.ID,
		Timestamp:        time.Now().UTC(),
		HistorySequences: sequences,
	})
}

func (s *Session) publishError(err error) {
	kind := provider.KindOf(err)
	s.cfg.Publish(models.ChatEvent{
		Type:        models.EventError,
		WorkspaceID: s.cfg.Workspace.ID,
		Timestamp:   time.Now().UTC(),
		ErrorType:   string(kind),
		Message:     err.Error(),
	})
}
