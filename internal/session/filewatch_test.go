package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// waitForChanges polls DrainChanged until it returns something or the
// deadline passes. fsnotify delivery is asynchronous.
func waitForChanges(t *testing.T, fw *FileWatcher) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if changed := fw.DrainChanged(); len(changed) > 0 {
			return changed
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

func TestFileWatcherReportsExternalWrite(t *testing.T) {
	root := t.TempDir()
	fw, err := NewFileWatcher(root, nil)
	if err != nil {
		t.Fatalf("NewFileWatcher: %v", err)
	}
	defer fw.Close()

	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	changed := waitForChanges(t, fw)
	if len(changed) == 0 {
		t.Fatal("no changes reported")
	}
	if changed[0] != "main.go" {
		t.Errorf("changed = %v, want [main.go]", changed)
	}

	// Drained set resets.
	if again := fw.DrainChanged(); len(again) != 0 {
		t.Errorf("second drain = %v, want empty", again)
	}
}

func TestFileWatcherSuppressesSelfEdits(t *testing.T) {
	root := t.TempDir()
	fw, err := NewFileWatcher(root, nil)
	if err != nil {
		t.Fatalf("NewFileWatcher: %v", err)
	}
	defer fw.Close()

	fw.MarkSelfEdit("agent.txt")
	if err := os.WriteFile(filepath.Join(root, "agent.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if changed := fw.DrainChanged(); len(changed) != 0 {
		t.Errorf("self edit reported as external: %v", changed)
	}
}

func TestFileWatcherSkipsNoisyDirs(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{".git", "node_modules"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	fw, err := NewFileWatcher(root, nil)
	if err != nil {
		t.Fatalf("NewFileWatcher: %v", err)
	}
	defer fw.Close()

	if err := os.WriteFile(filepath.Join(root, ".git", "index"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "node_modules", "pkg.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if changed := fw.DrainChanged(); len(changed) != 0 {
		t.Errorf("noisy dir changes reported: %v", changed)
	}
}

func TestFileWatcherPicksUpNewDirectories(t *testing.T) {
	root := t.TempDir()
	fw, err := NewFileWatcher(root, nil)
	if err != nil {
		t.Fatalf("NewFileWatcher: %v", err)
	}
	defer fw.Close()

	sub := filepath.Join(root, "pkg")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a beat to register the new directory.
	time.Sleep(100 * time.Millisecond)
	fw.DrainChanged() // discard the mkdir event itself

	if err := os.WriteFile(filepath.Join(sub, "lib.go"), []byte("package pkg\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	changed := waitForChanges(t, fw)
	found := false
	for _, rel := range changed {
		if rel == filepath.Join("pkg", "lib.go") {
			found = true
		}
	}
	if !found {
		t.Errorf("nested file change missing, got %v", changed)
	}
}
