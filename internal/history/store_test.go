package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/muxhq/mux/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), nil)
}

func userMsg(id, text string) models.Message {
	return models.Message{
		ID:   id,
		Role: models.RoleUser,
		Parts: []models.Part{
			{Type: models.PartText, Text: text},
		},
	}
}

func TestAppendAssignsSequences(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Append("ws1", userMsg("m1", "hello"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.Metadata.HistorySequence != 1 {
		t.Errorf("first sequence = %d, want 1", first.Metadata.HistorySequence)
	}

	second, err := store.Append("ws1", userMsg("m2", "again"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if second.Metadata.HistorySequence != 2 {
		t.Errorf("second sequence = %d, want 2", second.Metadata.HistorySequence)
	}

	// Sequences are per workspace, not global.
	other, err := store.Append("ws2", userMsg("m1", "hi"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if other.Metadata.HistorySequence != 1 {
		t.Errorf("other workspace sequence = %d, want 1", other.Metadata.HistorySequence)
	}
}

func TestSequenceSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, nil)
	if _, err := store.Append("ws1", userMsg("m1", "a")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := store.Append("ws1", userMsg("m2", "b")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Fresh store over the same directory must continue the sequence.
	reloaded := NewStore(dir, nil)
	msg, err := reloaded.Append("ws1", userMsg("m3", "c"))
	if err != nil {
		t.Fatalf("Append after reload: %v", err)
	}
	if msg.Metadata.HistorySequence != 3 {
		t.Errorf("sequence after reload = %d, want 3", msg.Metadata.HistorySequence)
	}
}

func TestHistorySkipsMalformedLines(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Append("ws1", userMsg("m1", "good")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Simulate a torn trailing write.
	path := store.chatPath("ws1")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"id":"m2","role":"us`); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	msgs, err := store.History("ws1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != "m1" {
		t.Errorf("surviving message id = %q, want m1", msgs[0].ID)
	}
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	store := newTestStore(t)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.Append("ws1", userMsg(fmt.Sprintf("m%d", i), "x")); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	msgs, err := store.History("ws1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != n {
		t.Fatalf("got %d messages, want %d", len(msgs), n)
	}
	seen := map[int64]bool{}
	for _, m := range msgs {
		seq := m.Metadata.HistorySequence
		if seq < 1 || seq > n {
			t.Errorf("sequence %d out of range [1,%d]", seq, n)
		}
		if seen[seq] {
			t.Errorf("duplicate sequence %d", seq)
		}
		seen[seq] = true
	}
}

func TestTruncateRemovesTailFraction(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 10; i++ {
		if _, err := store.Append("ws1", userMsg(fmt.Sprintf("m%d", i), "x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// ceil(10 * 0.25) = 3 trailing messages removed.
	removed, err := store.Truncate("ws1", 0.25)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	want := []int64{8, 9, 10}
	if len(removed) != len(want) {
		t.Fatalf("removed %v, want %v", removed, want)
	}
	for i := range want {
		if removed[i] != want[i] {
			t.Errorf("removed[%d] = %d, want %d", i, removed[i], want[i])
		}
	}

	msgs, err := store.History("ws1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 7 {
		t.Errorf("remaining = %d, want 7", len(msgs))
	}

	// Sequences continue from the highest kept message, so removed
	// sequence numbers get reused.
	msg, err := store.Append("ws1", userMsg("m10", "y"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if msg.Metadata.HistorySequence != 8 {
		t.Errorf("sequence after truncate = %d, want 8", msg.Metadata.HistorySequence)
	}
}

func TestTruncateFromRemovesMessageAndTail(t *testing.T) {
	store := newTestStore(t)
	for i := 1; i <= 4; i++ {
		if _, err := store.Append("ws1", userMsg(fmt.Sprintf("m%d", i), "text")); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := store.TruncateFrom("ws1", "m3")
	if err != nil {
		t.Fatalf("TruncateFrom: %v", err)
	}
	if len(removed) != 2 || removed[0] != 3 || removed[1] != 4 {
		t.Errorf("removed sequences = %v, want [3 4]", removed)
	}

	msgs, err := store.History("ws1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].ID != "m2" {
		t.Errorf("surviving history = %+v", msgs)
	}

	if _, err := store.TruncateFrom("ws1", "missing"); err == nil {
		t.Error("TruncateFrom with unknown id should fail")
	}
}

func TestTruncateFractionBounds(t *testing.T) {
	store := newTestStore(t)
	for _, bad := range []float64{0, -0.5, 1.01} {
		if _, err := store.Truncate("ws1", bad); err == nil {
			t.Errorf("Truncate(%v) should fail", bad)
		}
	}
}

func TestClearReturnsAllSequences(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := store.Append("ws1", userMsg(fmt.Sprintf("m%d", i), "x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	removed, err := store.Clear("ws1")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(removed) != 3 {
		t.Fatalf("removed %d sequences, want 3", len(removed))
	}

	msgs, err := store.History("ws1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("history after clear = %d messages, want 0", len(msgs))
	}

	msg, err := store.Append("ws1", userMsg("m4", "fresh"))
	if err != nil {
		t.Fatalf("Append after clear: %v", err)
	}
	if msg.Metadata.HistorySequence != 1 {
		t.Errorf("sequence after clear = %d, want 1", msg.Metadata.HistorySequence)
	}
}

func TestUpdateMessageKeepsSequence(t *testing.T) {
	store := newTestStore(t)
	placeholder := models.Message{ID: "a1", Role: models.RoleAssistant}
	stamped, err := store.Append("ws1", placeholder)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	final := models.Message{
		ID:   "a1",
		Role: models.RoleAssistant,
		Parts: []models.Part{
			{Type: models.PartText, Text: "done"},
		},
	}
	if err := store.UpdateMessage("ws1", final); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}

	msgs, err := store.History("ws1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].TextContent() != "done" {
		t.Errorf("text = %q, want %q", msgs[0].TextContent(), "done")
	}
	if msgs[0].Metadata.HistorySequence != stamped.Metadata.HistorySequence {
		t.Errorf("sequence changed: %d -> %d", stamped.Metadata.HistorySequence, msgs[0].Metadata.HistorySequence)
	}

	if err := store.UpdateMessage("ws1", models.Message{ID: "missing"}); err == nil {
		t.Error("UpdateMessage of unknown id should fail")
	}
}

func TestCopyWorkspace(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Append("src", userMsg("m1", "hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.CopyWorkspace("src", "dst"); err != nil {
		t.Fatalf("CopyWorkspace: %v", err)
	}

	msgs, err := store.History("dst")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("forked history = %+v, want the source message", msgs)
	}

	// The fork continues its own sequence independently.
	msg, err := store.Append("dst", userMsg("m2", "fork"))
	if err != nil {
		t.Fatalf("Append to fork: %v", err)
	}
	if msg.Metadata.HistorySequence != 2 {
		t.Errorf("fork sequence = %d, want 2", msg.Metadata.HistorySequence)
	}
}

func TestCopyWorkspaceCrossedPairs(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Append("wsA", userMsg("a1", "from a")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := store.Append("wsB", userMsg("b1", "from b")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Opposite-direction copies over the same pair must not deadlock.
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				store.CopyWorkspace("wsA", "wsB")
			}()
			go func() {
				defer wg.Done()
				store.CopyWorkspace("wsB", "wsA")
			}()
		}
		wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("crossed CopyWorkspace calls deadlocked")
	}
}

func TestDeleteWorkspace(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Append("ws1", userMsg("m1", "x")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.DeleteWorkspace("ws1"); err != nil {
		t.Fatalf("DeleteWorkspace: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.root, "ws1")); !os.IsNotExist(err) {
		t.Error("workspace dir should be gone")
	}
}
