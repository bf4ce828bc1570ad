package session

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// selfEditWindow is how long after an agent-made edit events on that path
// are attributed to the agent rather than an external editor.
const selfEditWindow = 2 * time.Second

// skippedDirs are never watched; they churn constantly and the model does
// not edit them.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".mux":         true,
}

// FileWatcher accumulates files modified outside the agent between turns,
// feeding the file-change notification transform.
type FileWatcher struct {
	root    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu      sync.Mutex
	changed map[string]struct{}
	own     map[string]time.Time
	closed  bool
}

// NewFileWatcher watches the workspace tree recursively. Directories that
// appear later are picked up from create events.
func NewFileWatcher(root string, logger *slog.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	fw := &FileWatcher{
		root:    root,
		watcher: w,
		logger:  logger,
		changed: make(map[string]struct{}),
		own:     make(map[string]time.Time),
	}
	if err := fw.addRecursive(root); err != nil {
		w.Close()
		return nil, err
	}
	go fw.run()
	return fw, nil
}

func (fw *FileWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtrees are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if skippedDirs[d.Name()] && path != dir {
			return filepath.SkipDir
		}
		if werr := fw.watcher.Add(path); werr != nil {
			fw.logger.Debug("watch add failed", "path", path, "error", werr)
		}
		return nil
	})
}

func (fw *FileWatcher) run() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handle(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Debug("file watcher error", "error", err)
		}
	}
}

func (fw *FileWatcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(fw.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	for _, segment := range strings.Split(rel, string(filepath.Separator)) {
		if skippedDirs[segment] {
			return
		}
	}

	if event.Op.Has(fsnotify.Create) {
		// New directories join the watch set; plain files walk to a no-op.
		_ = fw.addRecursive(event.Name)
	}
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if at, ok := fw.own[rel]; ok && time.Since(at) < selfEditWindow {
		return
	}
	fw.changed[rel] = struct{}{}
}

// MarkSelfEdit records that the agent itself is about to touch rel, so
// the resulting events are not reported as external changes.
func (fw *FileWatcher) MarkSelfEdit(rel string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.own[rel] = time.Now()
}

// DrainChanged returns the externally changed paths accumulated since the
// last call, sorted, and resets the set.
func (fw *FileWatcher) DrainChanged() []string {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if len(fw.changed) == 0 {
		return nil
	}
	out := make([]string, 0, len(fw.changed))
	for rel := range fw.changed {
		out = append(out, rel)
	}
	fw.changed = make(map[string]struct{})
	sort.Strings(out)
	return out
}

// Close stops watching. Safe to call twice.
func (fw *FileWatcher) Close() error {
	fw.mu.Lock()
	if fw.closed {
		fw.mu.Unlock()
		return nil
	}
	fw.closed = true
	fw.mu.Unlock()
	return fw.watcher.Close()
}
