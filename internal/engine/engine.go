// Package engine is the process-wide supervisor: it owns the map of agent
// sessions, creates and destroys workspaces through their runtimes, routes
// inbound commands, and fans chat and metadata events out to subscribers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muxhq/mux/internal/config"
	"github.com/muxhq/mux/internal/history"
	"github.com/muxhq/mux/internal/initstate"
	"github.com/muxhq/mux/internal/metrics"
	"github.com/muxhq/mux/internal/provider"
	"github.com/muxhq/mux/internal/runtime"
	"github.com/muxhq/mux/internal/session"
	"github.com/muxhq/mux/internal/stream"
	"github.com/muxhq/mux/internal/tools"
	"github.com/muxhq/mux/pkg/models"
)

// ErrWorkspaceNotFound is returned for operations on unknown workspace ids.
var ErrWorkspaceNotFound = errors.New("workspace not found")

// ErrRenameWhileStreaming rejects renames of a workspace with an active
// stream; the working tree path is embedded in the stream's tool context.
var ErrRenameWhileStreaming = errors.New("Cannot rename workspace while AI stream is active.")

// Options assemble an engine.
type Options struct {
	Config    *config.Store
	Secrets   *config.SecretsStore
	History   *history.Store
	Partials  *history.PartialStore
	Providers *provider.Registry
	Inits     *initstate.Manager
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// NewRuntime is the runtime factory; tests replace it.
	NewRuntime func(cfg *models.RuntimeConfig, opts runtime.Options) (runtime.Runtime, error)
}

// workspaceEntry is the live state of one workspace.
type workspaceEntry struct {
	identity models.WorkspaceIdentity

	// lazily built on first use
	session   *session.Session
	runtime   runtime.Runtime
	processes *runtime.ProcessRegistry

	lastAssistantAt time.Time
}

// Engine supervises all workspaces of the process.
type Engine struct {
	cfg       *config.Store
	secrets   *config.SecretsStore
	history   *history.Store
	partials  *history.PartialStore
	streams   *stream.Manager
	providers *provider.Registry
	inits     *initstate.Manager
	metrics   *metrics.Metrics
	logger    *slog.Logger

	chat *chatBus
	meta *metadataBus

	newRuntime func(cfg *models.RuntimeConfig, opts runtime.Options) (runtime.Runtime, error)

	mu           sync.Mutex
	workspaces   map[string]*workspaceEntry
	streamStarts map[string]time.Time
}

// New builds an engine and loads the workspaces recorded in the config.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Inits == nil {
		opts.Inits = initstate.NewManager(logger)
	}
	newRuntime := opts.NewRuntime
	if newRuntime == nil {
		newRuntime = runtime.New
	}

	e := &Engine{
		cfg:        opts.Config,
		secrets:    opts.Secrets,
		history:    opts.History,
		partials:   opts.Partials,
		providers:  opts.Providers,
		inits:      opts.Inits,
		metrics:    opts.Metrics,
		logger:     logger,
		chat:       newChatBus(logger),
		meta:       newMetadataBus(logger),
		newRuntime: newRuntime,
		workspaces: make(map[string]*workspaceEntry),

		streamStarts: make(map[string]time.Time),
	}
	e.streams = stream.NewManager(opts.Partials, e.publishChat, logger)

	for _, identity := range opts.Config.Workspaces() {
		e.workspaces[identity.ID] = &workspaceEntry{identity: identity}
	}
	return e
}

// publishChat routes a chat event to subscribers and keeps workspace
// activity metadata current.
func (e *Engine) publishChat(ev models.ChatEvent) {
	e.chat.publish(ev)
	e.recordMetrics(ev)

	switch ev.Type {
	case models.EventStreamStart, models.EventStreamAbort, models.EventError:
		e.publishMetadataFor(ev.WorkspaceID)
	case models.EventStreamEnd:
		e.mu.Lock()
		if entry, ok := e.workspaces[ev.WorkspaceID]; ok {
			entry.lastAssistantAt = time.Now().UTC()
		}
		e.mu.Unlock()
		e.publishMetadataFor(ev.WorkspaceID)
	}
}

// recordMetrics translates the chat event feed into Prometheus counters so
// the stream path never touches collectors directly.
func (e *Engine) recordMetrics(ev models.ChatEvent) {
	if e.metrics == nil {
		return
	}
	switch ev.Type {
	case models.EventStreamStart:
		e.mu.Lock()
		e.streamStarts[ev.WorkspaceID] = time.Now()
		e.mu.Unlock()
		e.metrics.StreamStarted()
	case models.EventStreamEnd:
		e.metrics.StreamFinished(ev.Model, "completed", e.streamSeconds(ev.WorkspaceID))
		if ev.Usage != nil {
			e.metrics.RecordTokens(ev.Model,
				ev.Usage.InputTokens, ev.Usage.OutputTokens,
				ev.Usage.CacheReadTokens, ev.Usage.CacheCreateTokens)
		}
	case models.EventStreamAbort:
		e.metrics.StreamFinished(ev.Model, "aborted", e.streamSeconds(ev.WorkspaceID))
	case models.EventError:
		e.metrics.StreamFinished(ev.Model, "error", e.streamSeconds(ev.WorkspaceID))
		e.metrics.RecordStreamError(ev.ErrorType)
	case models.EventToolCallEnd:
		e.metrics.RecordToolExecution(ev.ToolName, ev.OutputErr)
	case models.EventRetryScheduled:
		e.metrics.RecordRetryEvent("scheduled")
	case models.EventRetryStarting:
		e.metrics.RecordRetryEvent("starting")
	case models.EventRetryAbandoned:
		e.metrics.RecordRetryEvent("abandoned")
	}
}

// streamSeconds pops the recorded start time of a workspace's stream.
func (e *Engine) streamSeconds(workspaceID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	started, ok := e.streamStarts[workspaceID]
	if !ok {
		return 0
	}
	delete(e.streamStarts, workspaceID)
	return time.Since(started).Seconds()
}

func (e *Engine) publishMetadataFor(workspaceID string) {
	e.mu.Lock()
	entry, ok := e.workspaces[workspaceID]
	var meta *models.WorkspaceMetadata
	if ok {
		m := e.metadataLocked(entry)
		meta = &m
	}
	e.mu.Unlock()
	if ok {
		e.meta.publish(models.MetadataEvent{WorkspaceID: workspaceID, Metadata: meta})
	}
}

func (e *Engine) metadataLocked(entry *workspaceEntry) models.WorkspaceMetadata {
	state := models.StreamIdle
	if entry.session != nil {
		state = entry.session.State()
	}
	return models.WorkspaceMetadata{
		WorkspaceIdentity: entry.identity,
		StreamState:       state,
		LastAssistantAt:   entry.lastAssistantAt,
	}
}

// entry returns the live workspace entry or ErrWorkspaceNotFound.
func (e *Engine) entry(workspaceID string) (*workspaceEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.workspaces[workspaceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}
	return entry, nil
}

// runtimeFor builds (and caches) the runtime of a workspace.
func (e *Engine) runtimeFor(entry *workspaceEntry) (runtime.Runtime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry.runtime != nil {
		return entry.runtime, nil
	}
	if entry.processes == nil {
		entry.processes = runtime.NewProcessRegistry()
	}
	rt, err := e.newRuntime(entry.identity.RuntimeConfig, runtime.Options{
		Logger:    e.logger,
		Processes: entry.processes,
	})
	if err != nil {
		entry.identity.IncompatibleRuntime = true
		return nil, fmt.Errorf("workspace %s: %w", entry.identity.ID, err)
	}
	entry.runtime = rt
	return rt, nil
}

// sessionFor builds (and caches) the agent session of a workspace.
func (e *Engine) sessionFor(entry *workspaceEntry) (*session.Session, error) {
	rt, err := e.runtimeFor(entry)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if entry.session != nil {
		return entry.session, nil
	}

	cfg := e.cfg.Snapshot()

	var secrets map[string]string
	if e.secrets != nil {
		secrets, err = e.secrets.Load(entry.identity.ProjectPath)
		if err != nil {
			e.logger.Warn("loading project secrets failed",
				"project", entry.identity.ProjectPath, "error", err)
		}
	}

	watcher, err := session.NewFileWatcher(entry.identity.NamedWorkspacePath, e.logger)
	if err != nil {
		e.logger.Warn("file watcher unavailable",
			"workspace_id", entry.identity.ID, "error", err)
		watcher = nil
	}

	sess := session.New(session.Config{
		Workspace: entry.identity,
		History:   e.history,
		Partials:  e.partials,
		Streams:   e.streams,
		Providers: e.providers,
		Runtime:   rt,
		Processes: entry.processes,
		Publish:   e.publishChat,
		Watcher:   watcher,
		Secrets:   secrets,
		Logger:    e.logger,

		DefaultModel:         cfg.Defaults.Model,
		MaxOutputTokens:      cfg.Defaults.MaxOutputTokens,
		ThinkingBudgetTokens: cfg.Defaults.ThinkingBudgetTokens,
		Experiments:          cfg.Tools.Experiments,
	})
	sess.SetTools(tools.NewRegistry(tools.RegistryConfig{
		WebSearch: cfg.Tools.WebSearch,
		CodeExec:  cfg.Tools.CodeExec,
		Policy:    cfg.Tools.Policy,
	}, sess, sess))

	entry.session = sess
	return sess, nil
}

// Session returns the agent session for a workspace, building it on first
// use.
func (e *Engine) Session(workspaceID string) (*session.Session, error) {
	entry, err := e.entry(workspaceID)
	if err != nil {
		return nil, err
	}
	return e.sessionFor(entry)
}

// CreateParams are the engine-level inputs to workspace creation.
type CreateParams struct {
	ProjectPath string
	Title       string
	TrunkBranch string
	Runtime     *models.RuntimeConfig
}

// initBridge streams runtime init hook output into the init state
// manager.
type initBridge struct {
	inits       *initstate.Manager
	workspaceID string
}

func (b initBridge) Begin(projectPath string) { b.inits.BeginInit(b.workspaceID, projectPath) }
func (b initBridge) Output(line string, stderr bool) {
	stream := "stdout"
	if stderr {
		stream = "stderr"
	}
	b.inits.AppendOutput(b.workspaceID, line, stream)
}
func (b initBridge) End(exitCode int) { b.inits.CompleteInit(b.workspaceID, exitCode) }

// CreateWorkspace generates a name, creates the working tree, records the
// workspace, and streams init hooks. Name collisions retry with fresh
// suffixes up to three times.
func (e *Engine) CreateWorkspace(ctx context.Context, params CreateParams) (models.WorkspaceIdentity, error) {
	rt, err := e.newRuntime(params.Runtime, runtime.Options{Logger: e.logger})
	if err != nil {
		return models.WorkspaceIdentity{}, err
	}

	base := params.Title
	if base == "" {
		base = pathBase(params.ProjectPath)
	}
	workspaceID := uuid.NewString()
	bridge := initBridge{inits: e.inits, workspaceID: workspaceID}

	var (
		name string
		path string
	)
	for attempt := 0; ; attempt++ {
		name = generateName(base)
		path, err = rt.CreateWorkspace(ctx, runtime.CreateParams{
			ProjectPath:   params.ProjectPath,
			BranchName:    name,
			DirectoryName: name,
			TrunkBranch:   params.TrunkBranch,
			InitLogger:    bridge,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, runtime.ErrWorkspaceExists) || attempt >= nameRetries-1 {
			return models.WorkspaceIdentity{}, fmt.Errorf("create workspace: %w", err)
		}
		e.logger.Info("workspace name collision, retrying",
			"name", name, "attempt", attempt+1)
	}

	identity := models.WorkspaceIdentity{
		ID:                 workspaceID,
		Name:               name,
		Title:              params.Title,
		ProjectPath:        params.ProjectPath,
		ProjectName:        pathBase(params.ProjectPath),
		NamedWorkspacePath: path,
		CreatedAt:          time.Now().UTC(),
		RuntimeConfig:      params.Runtime,
	}
	if err := e.register(identity); err != nil {
		return models.WorkspaceIdentity{}, err
	}

	e.runInitHooks(identity, rt, bridge)
	return identity, nil
}

// ForkWorkspace creates a new workspace from an existing one's HEAD and
// copies its chat history.
func (e *Engine) ForkWorkspace(ctx context.Context, sourceID, title string) (models.WorkspaceIdentity, error) {
	src, err := e.entry(sourceID)
	if err != nil {
		return models.WorkspaceIdentity{}, err
	}
	rt, err := e.runtimeFor(src)
	if err != nil {
		return models.WorkspaceIdentity{}, err
	}

	base := title
	if base == "" {
		base = src.identity.Name
	}
	workspaceID := uuid.NewString()
	bridge := initBridge{inits: e.inits, workspaceID: workspaceID}

	var (
		name string
		path string
	)
	for attempt := 0; ; attempt++ {
		name = generateName(base)
		path, err = rt.ForkWorkspace(ctx, runtime.ForkParams{
			ProjectPath: src.identity.ProjectPath,
			SourceName:  src.identity.Name,
			NewName:     name,
			InitLogger:  bridge,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, runtime.ErrWorkspaceExists) || attempt >= nameRetries-1 {
			return models.WorkspaceIdentity{}, fmt.Errorf("fork workspace: %w", err)
		}
	}

	if err := e.history.CopyWorkspace(sourceID, workspaceID); err != nil {
		return models.WorkspaceIdentity{}, fmt.Errorf("copy chat history: %w", err)
	}

	identity := models.WorkspaceIdentity{
		ID:                 workspaceID,
		Name:               name,
		Title:              title,
		ProjectPath:        src.identity.ProjectPath,
		ProjectName:        src.identity.ProjectName,
		NamedWorkspacePath: path,
		CreatedAt:          time.Now().UTC(),
		RuntimeConfig:      src.identity.RuntimeConfig,
	}
	if err := e.register(identity); err != nil {
		return models.WorkspaceIdentity{}, err
	}

	e.runInitHooks(identity, rt, bridge)
	return identity, nil
}

// register records a new workspace in memory and in the config file, and
// announces it on the metadata channel.
func (e *Engine) register(identity models.WorkspaceIdentity) error {
	if err := e.cfg.AddWorkspace(identity.ProjectPath, identity.ProjectName, config.Workspace{
		ID:        identity.ID,
		Name:      identity.Name,
		Title:     identity.Title,
		Path:      identity.NamedWorkspacePath,
		CreatedAt: identity.CreatedAt,
		Runtime:   identity.RuntimeConfig,
	}); err != nil {
		return fmt.Errorf("record workspace: %w", err)
	}

	e.mu.Lock()
	e.workspaces[identity.ID] = &workspaceEntry{identity: identity}
	e.mu.Unlock()

	e.publishMetadataFor(identity.ID)
	return nil
}

// runInitHooks runs the project's configured init hooks in the background,
// streaming output through the init state manager.
func (e *Engine) runInitHooks(identity models.WorkspaceIdentity, rt runtime.Runtime, bridge initBridge) {
	cfg := e.cfg.Snapshot()
	project := cfg.FindProject(identity.ProjectPath)
	var hooks []string
	if project != nil {
		hooks = project.InitHooks
	}
	if len(hooks) == 0 {
		// Close the init channel immediately so subscribers see completion.
		bridge.Begin(identity.ProjectPath)
		bridge.End(0)
		return
	}

	go func() {
		if err := rt.InitWorkspace(context.Background(), identity.NamedWorkspacePath, hooks, bridge); err != nil {
			e.logger.Error("workspace init hooks failed",
				"workspace_id", identity.ID, "error", err)
		}
	}()
}

// RenameWorkspace renames the working tree and updates the records.
// Rejected while a stream is active on the workspace.
func (e *Engine) RenameWorkspace(ctx context.Context, workspaceID, title string) (models.WorkspaceIdentity, error) {
	entry, err := e.entry(workspaceID)
	if err != nil {
		return models.WorkspaceIdentity{}, err
	}
	if e.streams.Active(workspaceID) {
		return models.WorkspaceIdentity{}, ErrRenameWhileStreaming
	}
	e.mu.Lock()
	unchanged := entry.identity.Title == title
	identity := entry.identity
	e.mu.Unlock()
	if unchanged {
		return identity, nil
	}
	rt, err := e.runtimeFor(entry)
	if err != nil {
		return models.WorkspaceIdentity{}, err
	}

	newName := generateName(title)
	_, newPath, err := rt.RenameWorkspace(ctx, entry.identity.ProjectPath, entry.identity.Name, newName)
	if err != nil {
		return models.WorkspaceIdentity{}, fmt.Errorf("rename workspace: %w", err)
	}

	if err := e.cfg.RenameWorkspace(workspaceID, newName, newPath); err != nil {
		return models.WorkspaceIdentity{}, err
	}

	e.mu.Lock()
	entry.identity.Name = newName
	entry.identity.Title = title
	entry.identity.NamedWorkspacePath = newPath
	// The cached session holds the old path; rebuild on next use.
	if entry.session != nil {
		entry.session.Dispose()
		entry.session = nil
	}
	identity = entry.identity
	e.mu.Unlock()

	e.publishMetadataFor(workspaceID)
	return identity, nil
}

// DeleteWorkspace disposes the session, removes the working tree, chat
// history, init state, and the config record, then announces the deletion.
func (e *Engine) DeleteWorkspace(ctx context.Context, workspaceID string, force bool) error {
	entry, err := e.entry(workspaceID)
	if err != nil {
		return err
	}
	rt, err := e.runtimeFor(entry)
	if err != nil {
		return err
	}

	e.mu.Lock()
	sess := entry.session
	e.mu.Unlock()
	if sess != nil {
		sess.Dispose()
	}

	if err := rt.DeleteWorkspace(ctx, entry.identity.ProjectPath, entry.identity.Name, force); err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	if err := e.history.DeleteWorkspace(workspaceID); err != nil {
		e.logger.Warn("deleting chat history failed", "workspace_id", workspaceID, "error", err)
	}
	e.inits.Forget(workspaceID)
	if err := e.cfg.RemoveWorkspace(workspaceID); err != nil {
		e.logger.Warn("removing workspace record failed", "workspace_id", workspaceID, "error", err)
	}

	e.mu.Lock()
	delete(e.workspaces, workspaceID)
	e.mu.Unlock()

	e.chat.dropWorkspace(workspaceID)
	e.meta.publish(models.MetadataEvent{WorkspaceID: workspaceID, Metadata: nil})
	return nil
}

// ListWorkspaces returns metadata for every known workspace.
func (e *Engine) ListWorkspaces() []models.WorkspaceMetadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.WorkspaceMetadata, 0, len(e.workspaces))
	for _, entry := range e.workspaces {
		out = append(out, e.metadataLocked(entry))
	}
	return out
}

// ListBranches lists the local branch names of a project repository.
func (e *Engine) ListBranches(ctx context.Context, projectPath string) ([]string, error) {
	rt, err := e.newRuntime(nil, runtime.Options{Logger: e.logger})
	if err != nil {
		return nil, err
	}
	res, err := rt.ExecuteBash(ctx, "git for-each-ref --format='%(refname:short)' refs/heads", runtime.ExecOpts{
		Cwd:        projectPath,
		TimeoutSec: 30,
	})
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("list branches: git exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	var branches []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// ExecuteBash runs a script inside a workspace's runtime, outside any
// stream.
func (e *Engine) ExecuteBash(ctx context.Context, workspaceID, script string, opts runtime.ExecOpts) (runtime.ExecResult, error) {
	entry, err := e.entry(workspaceID)
	if err != nil {
		return runtime.ExecResult{}, err
	}
	rt, err := e.runtimeFor(entry)
	if err != nil {
		return runtime.ExecResult{}, err
	}
	if opts.Cwd == "" {
		opts.Cwd = entry.identity.NamedWorkspacePath
	}
	return rt.ExecuteBash(ctx, script, opts)
}

// ChatSubscription is a live chat event feed with catch-up state.
type ChatSubscription struct {
	// History is the committed chat log at subscribe time.
	History []models.Message

	// Replay is the in-flight stream's events so far, when one is active.
	Replay []models.ChatEvent

	Events <-chan models.ChatEvent
	Cancel func()
}

// SubscribeChat attaches to a workspace's chat channel, returning history
// and in-flight stream replay for catch-up.
func (e *Engine) SubscribeChat(workspaceID string) (*ChatSubscription, error) {
	if _, err := e.entry(workspaceID); err != nil {
		return nil, err
	}

	// Subscribe before snapshotting so no event falls between the two.
	ch, cancel := e.chat.subscribe(workspaceID)

	msgs, err := e.history.History(workspaceID)
	if err != nil {
		cancel()
		return nil, err
	}
	return &ChatSubscription{
		History: msgs,
		Replay:  e.streams.ReplayStream(workspaceID),
		Events:  ch,
		Cancel:  cancel,
	}, nil
}

// SubscribeMetadata attaches to the process-wide metadata channel; the
// snapshot carries every current workspace.
func (e *Engine) SubscribeMetadata() ([]models.WorkspaceMetadata, <-chan models.MetadataEvent, func()) {
	ch, cancel := e.meta.subscribe()
	return e.ListWorkspaces(), ch, cancel
}

// SubscribeInit attaches to a workspace's init output channel.
func (e *Engine) SubscribeInit(workspaceID string) (<-chan models.InitEvent, func()) {
	return e.inits.Subscribe(workspaceID)
}

// Dispose shuts down every session.
func (e *Engine) Dispose() {
	e.mu.Lock()
	sessions := make([]*session.Session, 0, len(e.workspaces))
	for _, entry := range e.workspaces {
		if entry.session != nil {
			sessions = append(sessions, entry.session)
		}
	}
	e.mu.Unlock()
	for _, sess := range sessions {
		sess.Dispose()
	}
}

func pathBase(path string) string {
	trimmed := strings.TrimRight(path, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}
