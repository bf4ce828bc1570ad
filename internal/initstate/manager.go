// Package initstate records workspace init hook runs and replays them to
// late subscribers. A UI that attaches after init started still sees the
// full output, in order, followed by live events.
package initstate

import (
	"log/slog"
	"sync"

	"github.com/muxhq/mux/pkg/models"
)

// Manager tracks init runs for all workspaces. Safe for concurrent use.
type Manager struct {
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*initState
}

type initState struct {
	events   []models.InitEvent
	done     bool
	exitCode int
	subs     map[*subscriber]struct{}
}

// subscriber buffers events between the manager's lock and the consumer's
// channel. A dedicated pump goroutine drains the pending queue so a slow
// consumer never blocks event recording, and replayed events can't
// interleave with live ones.
type subscriber struct {
	mu      sync.Mutex
	pending []models.InitEvent
	wake    chan struct{}
	done    chan struct{}
	out     chan models.InitEvent
	closed  bool
}

func newSubscriber(replay []models.InitEvent) *subscriber {
	s := &subscriber{
		pending: append([]models.InitEvent(nil), replay...),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		out:     make(chan models.InitEvent),
	}
	go s.pump()
	return s
}

// push queues an event for delivery. Caller holds the manager lock, which
// makes queue order match recording order across subscribers.
func (s *subscriber) push(ev models.InitEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
			// Completion is the last event of a run; closing out here
			// ends init subscriptions without an explicit cancel.
			if ev.Type == models.InitComplete {
				return
			}
		case <-s.done:
			return
		}
	}
}

// NewManager creates an empty init state manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger,
		states: make(map[string]*initState),
	}
}

func (m *Manager) stateLocked(workspaceID string) *initState {
	st := m.states[workspaceID]
	if st == nil {
		st = &initState{subs: make(map[*subscriber]struct{})}
		m.states[workspaceID] = st
	}
	return st
}

// BeginInit starts a fresh init run for a workspace, discarding any prior
// recorded run, and broadcasts init-start.
func (m *Manager) BeginInit(workspaceID, projectPath string) {
	ev := models.InitEvent{
		Type:        models.InitStart,
		WorkspaceID: workspaceID,
		ProjectPath: projectPath,
	}

	m.mu.Lock()
	st := m.stateLocked(workspaceID)
	st.events = []models.InitEvent{ev}
	st.done = false
	st.exitCode = 0
	for s := range st.subs {
		s.push(ev)
	}
	m.mu.Unlock()
}

// AppendOutput records one output line. stream is "stdout" or "stderr".
func (m *Manager) AppendOutput(workspaceID, line, stream string) {
	m.record(workspaceID, models.InitEvent{
		Type:        models.InitOutput,
		WorkspaceID: workspaceID,
		Line:        line,
		Stream:      stream,
	}, false, 0)
}

// CompleteInit marks the run finished with the hook's exit code.
func (m *Manager) CompleteInit(workspaceID string, exitCode int) {
	m.record(workspaceID, models.InitEvent{
		Type:        models.InitComplete,
		WorkspaceID: workspaceID,
		ExitCode:    exitCode,
	}, true, exitCode)
	if exitCode != 0 {
		m.logger.Warn("workspace init hook failed",
			"workspace_id", workspaceID,
			"exit_code", exitCode)
	}
}

func (m *Manager) record(workspaceID string, ev models.InitEvent, done bool, exitCode int) {
	m.mu.Lock()
	st := m.stateLocked(workspaceID)
	st.events = append(st.events, ev)
	if done {
		st.done = true
		st.exitCode = exitCode
	}
	for s := range st.subs {
		s.push(ev)
	}
	m.mu.Unlock()
}

// Subscribe returns a channel that first replays every recorded event of
// the workspace's current init run, then delivers live events. The cancel
// function detaches the subscriber and closes the channel.
func (m *Manager) Subscribe(workspaceID string) (<-chan models.InitEvent, func()) {
	m.mu.Lock()
	st := m.stateLocked(workspaceID)
	sub := newSubscriber(st.events)
	st.subs[sub] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if st := m.states[workspaceID]; st != nil {
			delete(st.subs, sub)
		}
		m.mu.Unlock()
		sub.close()
	}
	return sub.out, cancel
}

// Done reports whether the workspace's init run has completed, and its
// exit code if so.
func (m *Manager) Done(workspaceID string) (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[workspaceID]
	if st == nil || !st.done {
		return false, 0
	}
	return true, st.exitCode
}

// Events returns a copy of the recorded events for a workspace.
func (m *Manager) Events(workspaceID string) []models.InitEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[workspaceID]
	if st == nil {
		return nil
	}
	return append([]models.InitEvent(nil), st.events...)
}

// Forget drops all recorded state for a workspace and detaches its
// subscribers. Called on workspace deletion.
func (m *Manager) Forget(workspaceID string) {
	m.mu.Lock()
	st := m.states[workspaceID]
	delete(m.states, workspaceID)
	var subs []*subscriber
	if st != nil {
		for s := range st.subs {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
