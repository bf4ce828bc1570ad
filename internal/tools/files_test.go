package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeWorkspaceFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func mustParams(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestFileReadNumbersLines(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")

	tool := NewFileReadTool(dir)
	res, err := tool.Execute(context.Background(), mustParams(t, map[string]interface{}{"path": "main.go"}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", res.Content)
	}
	var out struct {
		Content    string `json:"content"`
		TotalLines int    `json:"total_lines"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatal(err)
	}
	if out.TotalLines != 3 {
		t.Errorf("total_lines = %d, want 3", out.TotalLines)
	}
	if !strings.Contains(out.Content, "1\tpackage main") {
		t.Errorf("content missing numbered first line:\n%s", out.Content)
	}
}

func TestFileReadOffsetAndLimit(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "list.txt", "a\nb\nc\nd\ne\n")

	tool := NewFileReadTool(dir)
	res, err := tool.Execute(context.Background(), mustParams(t, map[string]interface{}{
		"path": "list.txt", "offset": 2, "limit": 2,
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var out struct {
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.Content, "\ta\n") || !strings.Contains(out.Content, "\tb\n") || !strings.Contains(out.Content, "\tc\n") {
		t.Errorf("window should be lines 2-3:\n%s", out.Content)
	}
	if !out.Truncated {
		t.Error("truncated should be set when limit cuts the file short")
	}
}

func TestFileReadRejectsEscape(t *testing.T) {
	tool := NewFileReadTool(t.TempDir())
	res, err := tool.Execute(context.Background(), mustParams(t, map[string]interface{}{"path": "../outside.txt"}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("path escaping the workspace should fail")
	}
}

func TestFileEditInsertCreatesAndInserts(t *testing.T) {
	dir := t.TempDir()
	tool := NewFileEditInsertTool(dir, false)
	ctx := context.Background()

	// Line 1 of a missing file creates it.
	res, err := tool.Execute(ctx, mustParams(t, map[string]interface{}{
		"path": "notes/new.txt", "line": 1, "content": "first\nsecond",
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", res.Content)
	}
	data, err := os.ReadFile(filepath.Join(dir, "notes/new.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first\nsecond\n" {
		t.Errorf("file = %q", data)
	}

	// Insert in the middle.
	res, err = tool.Execute(ctx, mustParams(t, map[string]interface{}{
		"path": "notes/new.txt", "line": 2, "content": "between",
	}))
	if err != nil || res.IsError {
		t.Fatalf("insert: err=%v res=%+v", err, res)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "notes/new.txt"))
	if string(data) != "first\nbetween\nsecond\n" {
		t.Errorf("file = %q", data)
	}

	// Line past EOF appends.
	res, err = tool.Execute(ctx, mustParams(t, map[string]interface{}{
		"path": "notes/new.txt", "line": 100, "content": "tail",
	}))
	if err != nil || res.IsError {
		t.Fatalf("append: err=%v res=%+v", err, res)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "notes/new.txt"))
	if !strings.HasSuffix(string(data), "tail\n") {
		t.Errorf("file = %q", data)
	}
}

func TestFileEditReplaceLines(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "f.txt", "one\ntwo\nthree\nfour\n")
	tool := NewFileEditReplaceLinesTool(dir, false)
	ctx := context.Background()

	res, err := tool.Execute(ctx, mustParams(t, map[string]interface{}{
		"path": "f.txt", "start_line": 2, "end_line": 3, "content": "TWO\nTHREE-A\nTHREE-B",
	}))
	if err != nil || res.IsError {
		t.Fatalf("replace: err=%v res=%+v", err, res)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "f.txt"))
	if string(data) != "one\nTWO\nTHREE-A\nTHREE-B\nfour\n" {
		t.Errorf("file = %q", data)
	}

	// Empty content deletes the range.
	res, err = tool.Execute(ctx, mustParams(t, map[string]interface{}{
		"path": "f.txt", "start_line": 2, "end_line": 4, "content": "",
	}))
	if err != nil || res.IsError {
		t.Fatalf("delete range: err=%v res=%+v", err, res)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "f.txt"))
	if string(data) != "one\nfour\n" {
		t.Errorf("file = %q", data)
	}

	res, err = tool.Execute(ctx, mustParams(t, map[string]interface{}{
		"path": "f.txt", "start_line": 50, "end_line": 51, "content": "x",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("start past EOF should be a tool error")
	}
}

func TestPlanModeRestrictsWrites(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "src.go", "package x\n")
	ctx := context.Background()

	insert := NewFileEditInsertTool(dir, true)
	res, err := insert.Execute(ctx, mustParams(t, map[string]interface{}{
		"path": "src.go", "line": 1, "content": "nope",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("plan mode should refuse edits outside the plan file")
	}

	res, err = insert.Execute(ctx, mustParams(t, map[string]interface{}{
		"path": PlanFileRelPath, "line": 1, "content": "# Plan\n",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Errorf("plan file should be writable in plan mode: %s", res.Content)
	}

	// The plan file stays readable regardless of mode.
	read := NewFileReadTool(dir)
	res, err = read.Execute(ctx, mustParams(t, map[string]interface{}{"path": PlanFileRelPath}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Errorf("plan file should be readable: %s", res.Content)
	}
}
