package autoretry

import (
	"sync"
	"testing"
	"time"

	"github.com/muxhq/mux/internal/provider"
	"github.com/muxhq/mux/pkg/models"
)

type retryRecorder struct {
	mu       sync.Mutex
	events   []models.ChatEvent
	attempts []int
	signal   chan struct{}
}

func newRetryRecorder() *retryRecorder {
	return &retryRecorder{signal: make(chan struct{}, 16)}
}

func (r *retryRecorder) publish(ev models.ChatEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *retryRecorder) retry(attempt int) {
	r.mu.Lock()
	r.attempts = append(r.attempts, attempt)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *retryRecorder) wait(t *testing.T, pred func() bool) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		r.mu.Lock()
		ok := pred()
		r.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-r.signal:
		case <-deadline:
			t.Fatal("timed out waiting for retry activity")
		}
	}
}

func (r *retryRecorder) eventTypes() []models.ChatEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ChatEventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func TestDelayBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryableFailureSchedulesAndFires(t *testing.T) {
	rec := newRetryRecorder()
	m := New("ws", rec.retry, rec.publish, nil)

	m.HandleStreamFailure(provider.ErrNetwork)

	if snap := m.ScheduledSnapshot(); snap == nil || snap.Attempt != 1 || snap.Delay != time.Second {
		t.Fatalf("snapshot = %+v", snap)
	}

	rec.wait(t, func() bool { return len(rec.attempts) == 1 })

	types := rec.eventTypes()
	if len(types) < 2 || types[0] != models.EventRetryScheduled || types[1] != models.EventRetryStarting {
		t.Errorf("events = %v, want scheduled then starting", types)
	}
	if rec.attempts[0] != 1 {
		t.Errorf("retry attempt = %d, want 1", rec.attempts[0])
	}
	if m.ScheduledSnapshot() != nil {
		t.Error("snapshot should clear once the timer fires")
	}
}

func TestNonRetryableAbandons(t *testing.T) {
	rec := newRetryRecorder()
	m := New("ws", rec.retry, rec.publish, nil)

	m.HandleStreamFailure(provider.ErrAuthentication)

	rec.wait(t, func() bool { return len(rec.events) == 1 })
	ev := rec.events[0]
	if ev.Type != models.EventRetryAbandoned || ev.Reason != string(provider.ErrAuthentication) {
		t.Errorf("event = %+v", ev)
	}
	if m.Attempt() != 0 {
		t.Errorf("attempt = %d, want 0", m.Attempt())
	}
}

func TestSuccessResetsAttempts(t *testing.T) {
	rec := newRetryRecorder()
	m := New("ws", rec.retry, rec.publish, nil)

	m.HandleStreamFailure(provider.ErrRateLimit)
	if m.Attempt() != 1 {
		t.Fatalf("attempt = %d, want 1", m.Attempt())
	}
	m.HandleStreamSuccess()
	if m.Attempt() != 0 {
		t.Errorf("attempt after success = %d, want 0", m.Attempt())
	}
	if m.ScheduledSnapshot() != nil {
		t.Error("success should clear the pending schedule")
	}

	// The cancelled timer must not invoke the retry callback.
	time.Sleep(1200 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.attempts) != 0 {
		t.Errorf("retry ran despite success reset: %v", rec.attempts)
	}
}

func TestDisableAfterStartingSuppressesRetry(t *testing.T) {
	rec := newRetryRecorder()
	var m *Manager
	// Disable from within the auto-retry-starting event callback; the
	// race-safe check runs after the event, so the retry must not fire.
	publish := func(ev models.ChatEvent) {
		if ev.Type == models.EventRetryStarting {
			m.SetEnabled(false)
		}
		rec.publish(ev)
	}
	m = New("ws", rec.retry, publish, nil)

	m.HandleStreamFailure(provider.ErrServiceUnavailable)

	rec.wait(t, func() bool {
		for _, ev := range rec.events {
			if ev.Type == models.EventRetryStarting {
				return true
			}
		}
		return false
	})
	time.Sleep(100 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.attempts) != 0 {
		t.Errorf("retry ran despite disable during starting event: %v", rec.attempts)
	}
}

func TestSetEnabledFalseEmitsAbandoned(t *testing.T) {
	rec := newRetryRecorder()
	m := New("ws", rec.retry, rec.publish, nil)

	m.HandleStreamFailure(provider.ErrNetwork)
	m.SetEnabled(false)

	rec.wait(t, func() bool {
		for _, ev := range rec.events {
			if ev.Type == models.EventRetryAbandoned {
				return true
			}
		}
		return false
	})
	var abandoned models.ChatEvent
	rec.mu.Lock()
	for _, ev := range rec.events {
		if ev.Type == models.EventRetryAbandoned {
			abandoned = ev
		}
	}
	rec.mu.Unlock()
	if abandoned.Reason != ReasonDisabledByUser {
		t.Errorf("reason = %q", abandoned.Reason)
	}
	if m.Enabled() {
		t.Error("manager should be disabled")
	}
}

func TestDisableWithoutVisibleRetryIsSilent(t *testing.T) {
	rec := newRetryRecorder()
	m := New("ws", rec.retry, rec.publish, nil)

	m.SetEnabled(false)

	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 0 {
		t.Errorf("silent disable emitted events: %v", rec.events)
	}
}

func TestFailureWhileDisabledAbandons(t *testing.T) {
	rec := newRetryRecorder()
	m := New("ws", rec.retry, rec.publish, nil)
	m.SetEnabled(false)

	m.HandleStreamFailure(provider.ErrNetwork)

	rec.wait(t, func() bool { return len(rec.events) == 1 })
	if rec.events[0].Type != models.EventRetryAbandoned || rec.events[0].Reason != ReasonDisabledByUser {
		t.Errorf("event = %+v", rec.events[0])
	}
}
