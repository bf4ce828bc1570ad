// Package history persists per-workspace chat logs as append-only JSONL
// files, plus the single in-flight partial message that rides alongside
// them. All writes serialize per workspace; readers always see a
// consistent snapshot of the file.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/muxhq/mux/pkg/models"
)

const (
	chatFileName    = "chat.jsonl"
	partialFileName = "partial.json"
)

// ErrNotFound is returned when a message id is not present in history.
var ErrNotFound = errors.New("history: message not found")

// Store is a process-wide chat history store. One instance serves every
// workspace; writes to the same workspace serialize on a per-workspace
// lock, writes to different workspaces proceed in parallel.
type Store struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*wsLock
	// nextSeq caches the next historySequence per workspace so appends
	// don't rescan the file. Invalidated entries are simply absent.
	nextSeq map[string]int64
}

// wsLock is a refcounted per-workspace mutex. The refcount lets the map
// entry be reclaimed once the last holder releases it.
type wsLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore creates a store rooted at dir (the sessions directory under
// mux-home). The directory is created on demand.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:    dir,
		logger:  logger,
		locks:   make(map[string]*wsLock),
		nextSeq: make(map[string]int64),
	}
}

// WorkspaceDir returns the directory holding a workspace's session files.
func (s *Store) WorkspaceDir(workspaceID string) string {
	return filepath.Join(s.root, workspaceID)
}

func (s *Store) chatPath(workspaceID string) string {
	return filepath.Join(s.root, workspaceID, chatFileName)
}

func (s *Store) lockWorkspace(workspaceID string) func() {
	s.mu.Lock()
	l, ok := s.locks[workspaceID]
	if !ok {
		l = &wsLock{}
		s.locks[workspaceID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, workspaceID)
		}
		s.mu.Unlock()
	}
}

// Append stamps the next historySequence onto msg and writes it as one
// JSON line. The returned message is the stamped copy; the caller's msg
// is not mutated.
func (s *Store) Append(workspaceID string, msg models.Message) (models.Message, error) {
	unlock := s.lockWorkspace(workspaceID)
	defer unlock()
	return s.appendLocked(workspaceID, msg)
}

func (s *Store) appendLocked(workspaceID string, msg models.Message) (models.Message, error) {
	seq, err := s.nextSequenceLocked(workspaceID)
	if err != nil {
		return models.Message{}, err
	}
	msg.Metadata.HistorySequence = seq

	line, err := json.Marshal(&msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("history: marshal message: %w", err)
	}

	path := s.chatPath(workspaceID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return models.Message{}, fmt.Errorf("history: create workspace dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return models.Message{}, fmt.Errorf("history: open chat log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return models.Message{}, fmt.Errorf("history: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return models.Message{}, fmt.Errorf("history: sync: %w", err)
	}

	s.mu.Lock()
	s.nextSeq[workspaceID] = seq + 1
	s.mu.Unlock()
	return msg, nil
}

// nextSequenceLocked returns the sequence the next append should use.
// Sequences start at 1 and are derived from the last line on a cold read.
func (s *Store) nextSequenceLocked(workspaceID string) (int64, error) {
	s.mu.Lock()
	cached, ok := s.nextSeq[workspaceID]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	msgs, err := s.readAll(workspaceID)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, m := range msgs {
		if m.Metadata.HistorySequence > max {
			max = m.Metadata.HistorySequence
		}
	}
	return max + 1, nil
}

// History returns the full ordered history for a workspace. Malformed
// lines are skipped with a warning; a missing file yields an empty slice.
func (s *Store) History(workspaceID string) ([]models.Message, error) {
	unlock := s.lockWorkspace(workspaceID)
	defer unlock()
	return s.readAll(workspaceID)
}

// LastMessages returns up to n trailing messages in order.
func (s *Store) LastMessages(workspaceID string, n int) ([]models.Message, error) {
	msgs, err := s.History(workspaceID)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(msgs) {
		return msgs, nil
	}
	return msgs[len(msgs)-n:], nil
}

func (s *Store) readAll(workspaceID string) ([]models.Message, error) {
	f, err := os.Open(s.chatPath(workspaceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: open chat log: %w", err)
	}
	defer f.Close()

	var msgs []models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// A torn trailing line happens when the process died
			// mid-append; anything else is corruption worth logging.
			s.logger.Warn("skipping malformed history line",
				"workspace_id", workspaceID,
				"line", lineNo,
				"error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("history: read chat log: %w", err)
	}
	return msgs, nil
}

// UpdateMessage replaces the stored message with the same id, keeping its
// historySequence. Used to finalize the assistant placeholder once the
// stream completes.
func (s *Store) UpdateMessage(workspaceID string, msg models.Message) error {
	unlock := s.lockWorkspace(workspaceID)
	defer unlock()

	msgs, err := s.readAll(workspaceID)
	if err != nil {
		return err
	}
	found := false
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msg.Metadata.HistorySequence = msgs[i].Metadata.HistorySequence
			msgs[i] = msg
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, msg.ID)
	}
	return s.rewriteLocked(workspaceID, msgs)
}

// Truncate removes the trailing ceil(N*fraction) messages and returns the
// sequences that were deleted, newest last. fraction must be in (0, 1].
func (s *Store) Truncate(workspaceID string, fraction float64) ([]int64, error) {
	if fraction <= 0 || fraction > 1 {
		return nil, fmt.Errorf("history: truncate fraction %v out of range (0,1]", fraction)
	}

	unlock := s.lockWorkspace(workspaceID)
	defer unlock()

	msgs, err := s.readAll(workspaceID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	drop := int(math.Ceil(float64(len(msgs)) * fraction))
	keep := msgs[:len(msgs)-drop]
	removed := make([]int64, 0, drop)
	for _, m := range msgs[len(msgs)-drop:] {
		removed = append(removed, m.Metadata.HistorySequence)
	}

	if err := s.rewriteLocked(workspaceID, keep); err != nil {
		return nil, err
	}
	return removed, nil
}

// TruncateFrom removes the message with the given id and everything
// after it, returning the removed sequences. Message edits rewind the
// conversation to the edited point through this.
func (s *Store) TruncateFrom(workspaceID, messageID string) ([]int64, error) {
	unlock := s.lockWorkspace(workspaceID)
	defer unlock()

	msgs, err := s.readAll(workspaceID)
	if err != nil {
		return nil, err
	}
	at := -1
	for i := range msgs {
		if msgs[i].ID == messageID {
			at = i
			break
		}
	}
	if at < 0 {
		return nil, fmt.Errorf("history: message %s not found", messageID)
	}

	removed := make([]int64, 0, len(msgs)-at)
	for _, m := range msgs[at:] {
		removed = append(removed, m.Metadata.HistorySequence)
	}
	if err := s.rewriteLocked(workspaceID, msgs[:at]); err != nil {
		return nil, err
	}
	return removed, nil
}

// Clear empties the history and returns every removed sequence.
func (s *Store) Clear(workspaceID string) ([]int64, error) {
	unlock := s.lockWorkspace(workspaceID)
	defer unlock()

	msgs, err := s.readAll(workspaceID)
	if err != nil {
		return nil, err
	}
	removed := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		removed = append(removed, m.Metadata.HistorySequence)
	}
	if err := s.rewriteLocked(workspaceID, nil); err != nil {
		return nil, err
	}
	return removed, nil
}

// DeleteWorkspace removes every session file for a workspace.
func (s *Store) DeleteWorkspace(workspaceID string) error {
	unlock := s.lockWorkspace(workspaceID)
	defer unlock()

	s.mu.Lock()
	delete(s.nextSeq, workspaceID)
	s.mu.Unlock()

	if err := os.RemoveAll(s.WorkspaceDir(workspaceID)); err != nil {
		return fmt.Errorf("history: delete workspace dir: %w", err)
	}
	return nil
}

// CopyWorkspace duplicates every session file from src into dst. Used by
// workspace fork, which carries chat history to the new workspace.
func (s *Store) CopyWorkspace(srcID, dstID string) error {
	// Lock both workspaces in id order so two concurrent copies that
	// cross the same pair cannot deadlock.
	first, second := srcID, dstID
	if second < first {
		first, second = second, first
	}
	unlockFirst := s.lockWorkspace(first)
	defer unlockFirst()
	if second != first {
		unlockSecond := s.lockWorkspace(second)
		defer unlockSecond()
	}

	srcDir := s.WorkspaceDir(srcID)
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("history: read source dir: %w", err)
	}
	dstDir := s.WorkspaceDir(dstID)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("history: create fork dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(srcDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("history: read %s: %w", entry.Name(), err)
		}
		if err := writeFileAtomic(filepath.Join(dstDir, entry.Name()), data); err != nil {
			return err
		}
	}
	s.mu.Lock()
	delete(s.nextSeq, dstID)
	s.mu.Unlock()
	return nil
}

// rewriteLocked replaces the chat log wholesale via temp file + rename.
// Caller must hold the workspace lock.
func (s *Store) rewriteLocked(workspaceID string, msgs []models.Message) error {
	path := s.chatPath(workspaceID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("history: create workspace dir: %w", err)
	}

	var buf []byte
	for i := range msgs {
		line, err := json.Marshal(&msgs[i])
		if err != nil {
			return fmt.Errorf("history: marshal message: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if err := writeFileAtomic(path, buf); err != nil {
		return err
	}

	var next int64 = 1
	for _, m := range msgs {
		if m.Metadata.HistorySequence >= next {
			next = m.Metadata.HistorySequence + 1
		}
	}
	s.mu.Lock()
	s.nextSeq[workspaceID] = next
	s.mu.Unlock()
	return nil
}

// writeFileAtomic writes data to a sibling temp file and renames it over
// path, so readers never observe a half-written file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("history: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("history: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("history: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("history: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("history: rename temp file: %w", err)
	}
	return nil
}
