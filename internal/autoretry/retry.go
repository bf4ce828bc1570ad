// Package autoretry schedules retries of transient stream failures with
// exponential backoff. One manager serves one workspace.
package autoretry

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/muxhq/mux/internal/provider"
	"github.com/muxhq/mux/pkg/models"
)

const (
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// ReasonDisabledByUser marks abandons triggered by a user disable; a
// non-retryable failure carries its error kind as the reason instead.
const ReasonDisabledByUser = "disabled_by_user"

// Schedule is a snapshot of a pending retry.
type Schedule struct {
	Attempt     int
	Delay       time.Duration
	ScheduledAt time.Time
}

// Manager holds the attempt counter and at most one pending timer for a
// workspace. The retry callback re-opens the stream; the publish callback
// feeds the workspace's chat event channel.
type Manager struct {
	workspaceID string
	retry       func(attempt int)
	publish     func(models.ChatEvent)
	logger      *slog.Logger

	mu        sync.Mutex
	enabled   bool
	attempt   int
	timer     *time.Timer
	scheduled *Schedule
	canceled  bool // set by cancel/disable; checked after auto-retry-starting
}

// New creates an enabled manager. retry runs on the timer goroutine.
func New(workspaceID string, retry func(attempt int), publish func(models.ChatEvent), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if publish == nil {
		publish = func(models.ChatEvent) {}
	}
	return &Manager{
		workspaceID: workspaceID,
		retry:       retry,
		publish:     publish,
		logger:      logger,
		enabled:     true,
	}
}

// Delay returns the backoff for an attempt: min(60s, 1s·2^(attempt−1)).
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}

// HandleStreamFailure reacts to a failed stream. Retryable kinds schedule
// the next attempt; everything else abandons.
func (m *Manager) HandleStreamFailure(kind provider.ErrorKind) {
	m.mu.Lock()

	if !m.enabled || !kind.IsRetryable() {
		reason := string(kind)
		if !m.enabled {
			reason = ReasonDisabledByUser
		}
		m.clearTimerLocked()
		m.mu.Unlock()
		m.publish(models.ChatEvent{
			Type:        models.EventRetryAbandoned,
			WorkspaceID: m.workspaceID,
			Reason:      reason,
			ErrorType:   string(kind),
		})
		return
	}

	m.clearTimerLocked()
	m.canceled = false
	m.attempt++
	attempt := m.attempt
	delay := Delay(attempt)
	sched := &Schedule{
		Attempt:     attempt,
		Delay:       delay,
		ScheduledAt: time.Now().UTC().Add(delay),
	}
	m.scheduled = sched
	m.timer = time.AfterFunc(delay, func() { m.fire(attempt) })
	m.mu.Unlock()

	m.logger.Info("auto-retry scheduled",
		"workspace_id", m.workspaceID, "attempt", attempt, "delay", delay)
	m.publish(models.ChatEvent{
		Type:        models.EventRetryScheduled,
		WorkspaceID: m.workspaceID,
		Attempt:     attempt,
		DelayMs:     delay.Milliseconds(),
		ScheduledAt: sched.ScheduledAt,
	})
}

// fire runs when the backoff timer expires. The cancellation check happens
// after emitting auto-retry-starting: a disable issued during the event
// callback still prevents the retry itself.
func (m *Manager) fire(attempt int) {
	m.mu.Lock()
	if m.scheduled == nil || m.scheduled.Attempt != attempt {
		m.mu.Unlock()
		return
	}
	m.scheduled = nil
	m.timer = nil
	m.mu.Unlock()

	m.publish(models.ChatEvent{
		Type:        models.EventRetryStarting,
		WorkspaceID: m.workspaceID,
		Attempt:     attempt,
	})

	m.mu.Lock()
	canceled := m.canceled || !m.enabled
	m.mu.Unlock()
	if canceled {
		return
	}
	m.retry(attempt)
}

// HandleStreamSuccess resets the attempt counter.
func (m *Manager) HandleStreamSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt = 0
	m.clearTimerLocked()
}

// Cancel clears any pending timer and schedule snapshot.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled = true
	m.clearTimerLocked()
}

// SetEnabled toggles auto-retry. Disabling cancels, and emits
// auto-retry-abandoned when a retry was user-visible (pending timer or a
// nonzero attempt count).
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	if enabled {
		m.enabled = true
		m.mu.Unlock()
		return
	}
	m.enabled = false
	m.canceled = true
	visible := m.scheduled != nil || m.attempt > 0
	m.clearTimerLocked()
	m.attempt = 0
	m.mu.Unlock()

	if visible {
		m.publish(models.ChatEvent{
			Type:        models.EventRetryAbandoned,
			WorkspaceID: m.workspaceID,
			Reason:      ReasonDisabledByUser,
		})
	}
}

// Enabled reports the current retry intent.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Attempt returns the current attempt counter.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// ScheduledSnapshot returns a copy of the pending schedule, or nil.
func (m *Manager) ScheduledSnapshot() *Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scheduled == nil {
		return nil
	}
	out := *m.scheduled
	return &out
}

func (m *Manager) clearTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.scheduled = nil
}
