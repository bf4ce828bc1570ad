package history

import (
	"os"
	"testing"

	"github.com/muxhq/mux/pkg/models"
)

func assistantPartial(id, text string) models.Message {
	return models.Message{
		ID:   id,
		Role: models.RoleAssistant,
		Parts: []models.Part{
			{Type: models.PartText, Text: text},
		},
	}
}

func TestPartialWriteReadDelete(t *testing.T) {
	store := newTestStore(t)
	partials := NewPartialStore(store)

	got, err := partials.Read("ws1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != nil {
		t.Fatalf("Read before write = %+v, want nil", got)
	}

	if err := partials.Write("ws1", assistantPartial("a1", "half-done")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err = partials.Read("ws1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got == nil {
		t.Fatal("Read after write = nil")
	}
	if !got.Metadata.Partial {
		t.Error("stored partial should carry partial:true")
	}
	if got.TextContent() != "half-done" {
		t.Errorf("text = %q, want %q", got.TextContent(), "half-done")
	}

	if err := partials.Delete("ws1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := partials.Delete("ws1"); err != nil {
		t.Fatalf("Delete twice: %v", err)
	}
	if _, err := os.Stat(partials.path("ws1")); !os.IsNotExist(err) {
		t.Error("partial file should be gone")
	}
}

func TestCommitToHistoryAppends(t *testing.T) {
	store := newTestStore(t)
	partials := NewPartialStore(store)

	if _, err := store.Append("ws1", userMsg("u1", "hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := partials.Write("ws1", assistantPartial("a1", "cut off")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := partials.CommitToHistory("ws1"); err != nil {
		t.Fatalf("CommitToHistory: %v", err)
	}

	msgs, err := store.History("ws1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[1].ID != "a1" || msgs[1].Metadata.HistorySequence != 2 {
		t.Errorf("committed message = %+v, want a1 at seq 2", msgs[1])
	}
	if !msgs[1].Metadata.Partial {
		t.Error("committed message should keep partial:true")
	}
	if p, _ := partials.Read("ws1"); p != nil {
		t.Error("partial file should be deleted after commit")
	}
}

func TestCommitToHistoryIdempotent(t *testing.T) {
	store := newTestStore(t)
	partials := NewPartialStore(store)

	if err := partials.Write("ws1", assistantPartial("a1", "x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := partials.CommitToHistory("ws1"); err != nil {
		t.Fatalf("CommitToHistory: %v", err)
	}
	// Second commit must be a no-op: the file is gone.
	if err := partials.CommitToHistory("ws1"); err != nil {
		t.Fatalf("CommitToHistory twice: %v", err)
	}

	msgs, err := store.History("ws1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages after double commit, want 1", len(msgs))
	}
}

func TestCommitToHistoryFinalizesPlaceholder(t *testing.T) {
	store := newTestStore(t)
	partials := NewPartialStore(store)

	// A placeholder with the same id already holds a sequence; the commit
	// must update it in place rather than append a duplicate.
	placeholder := models.Message{ID: "a1", Role: models.RoleAssistant}
	stamped, err := store.Append("ws1", placeholder)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := partials.Write("ws1", assistantPartial("a1", "final text")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := partials.CommitToHistory("ws1"); err != nil {
		t.Fatalf("CommitToHistory: %v", err)
	}

	msgs, err := store.History("ws1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].TextContent() != "final text" {
		t.Errorf("text = %q, want %q", msgs[0].TextContent(), "final text")
	}
	if msgs[0].Metadata.HistorySequence != stamped.Metadata.HistorySequence {
		t.Errorf("sequence changed on commit: %d -> %d",
			stamped.Metadata.HistorySequence, msgs[0].Metadata.HistorySequence)
	}
}
