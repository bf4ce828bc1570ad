package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/muxhq/mux/pkg/models"
)

// PartialStore persists the single in-flight assistant message per
// workspace. The file exists iff a stream is in progress or ended
// abnormally without being committed. Writes are atomic so a crashed
// process never leaves a torn partial behind.
type PartialStore struct {
	store *Store
}

// NewPartialStore creates a partial store sharing the history store's
// layout and per-workspace locks.
func NewPartialStore(store *Store) *PartialStore {
	return &PartialStore{store: store}
}

func (p *PartialStore) path(workspaceID string) string {
	return filepath.Join(p.store.root, workspaceID, partialFileName)
}

// Write replaces the partial for a workspace atomically.
func (p *PartialStore) Write(workspaceID string, msg models.Message) error {
	unlock := p.store.lockWorkspace(workspaceID)
	defer unlock()
	return p.writeLocked(workspaceID, msg)
}

func (p *PartialStore) writeLocked(workspaceID string, msg models.Message) error {
	msg.Metadata.Partial = true
	data, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("history: marshal partial: %w", err)
	}
	path := p.path(workspaceID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("history: create workspace dir: %w", err)
	}
	return writeFileAtomic(path, data)
}

// Read returns the current partial, or (nil, nil) when absent.
func (p *PartialStore) Read(workspaceID string) (*models.Message, error) {
	unlock := p.store.lockWorkspace(workspaceID)
	defer unlock()
	return p.readLocked(workspaceID)
}

func (p *PartialStore) readLocked(workspaceID string) (*models.Message, error) {
	data, err := os.ReadFile(p.path(workspaceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: read partial: %w", err)
	}
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("history: decode partial: %w", err)
	}
	return &msg, nil
}

// Delete removes the partial file. Missing file is not an error.
func (p *PartialStore) Delete(workspaceID string) error {
	unlock := p.store.lockWorkspace(workspaceID)
	defer unlock()
	return p.deleteLocked(workspaceID)
}

func (p *PartialStore) deleteLocked(workspaceID string) error {
	if err := os.Remove(p.path(workspaceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("history: delete partial: %w", err)
	}
	return nil
}

// CommitToHistory moves the partial into the chat log and deletes the
// file. Idempotent in both directions: no partial is a no-op, and a
// partial whose message id already reached history is discarded rather
// than appended twice. The committed message keeps partial:true so later
// turns can see the response was cut off.
func (p *PartialStore) CommitToHistory(workspaceID string) error {
	unlock := p.store.lockWorkspace(workspaceID)
	defer unlock()

	msg, err := p.readLocked(workspaceID)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	existing, err := p.store.readAll(workspaceID)
	if err != nil {
		return err
	}
	for i := range existing {
		if existing[i].ID != msg.ID {
			continue
		}
		// The placeholder for this message is already in history;
		// finalize it in place instead of appending a duplicate.
		msg.Metadata.HistorySequence = existing[i].Metadata.HistorySequence
		existing[i] = *msg
		if err := p.store.rewriteLocked(workspaceID, existing); err != nil {
			return err
		}
		return p.deleteLocked(workspaceID)
	}

	if _, err := p.store.appendLocked(workspaceID, *msg); err != nil {
		return err
	}
	return p.deleteLocked(workspaceID)
}
