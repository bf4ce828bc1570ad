package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/muxhq/mux/internal/runtime"
	"github.com/muxhq/mux/pkg/models"
)

func TestBashToolForeground(t *testing.T) {
	rt := runtime.NewLocal(models.LocalRuntimeConfig{SrcBaseDir: t.TempDir()}, runtime.Options{})
	tool := NewBashTool(rt, nil, t.TempDir(), nil)

	res, err := tool.Execute(context.Background(), mustParams(t, map[string]interface{}{
		"script": "echo hello",
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", res.Content)
	}
	var out runtime.ExecResult
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Stdout, "hello") {
		t.Errorf("stdout = %q", out.Stdout)
	}
}

func TestBashToolNonzeroExitIsToolError(t *testing.T) {
	rt := runtime.NewLocal(models.LocalRuntimeConfig{SrcBaseDir: t.TempDir()}, runtime.Options{})
	tool := NewBashTool(rt, nil, t.TempDir(), nil)

	res, err := tool.Execute(context.Background(), mustParams(t, map[string]interface{}{
		"script": "exit 3",
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("nonzero exit should set IsError")
	}
}

func TestBashToolBackground(t *testing.T) {
	rt := runtime.NewLocal(models.LocalRuntimeConfig{SrcBaseDir: t.TempDir()}, runtime.Options{})
	processes := runtime.NewProcessRegistry()
	defer processes.KillAll()
	tool := NewBashTool(rt, processes, t.TempDir(), nil)

	res, err := tool.Execute(context.Background(), mustParams(t, map[string]interface{}{
		"script":     "echo bg-done",
		"background": true,
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", res.Content)
	}
	var out struct {
		Status    string `json:"status"`
		ProcessID string `json:"process_id"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "running" || out.ProcessID == "" {
		t.Fatalf("background result = %+v", out)
	}

	proc, ok := processes.Get(out.ProcessID)
	if !ok {
		t.Fatal("process should be registered")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proc.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	stdout, _ := proc.Output()
	if !strings.Contains(stdout, "bg-done") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestProcessToolUnknownID(t *testing.T) {
	tool := NewProcessTool(runtime.NewProcessRegistry())
	res, err := tool.Execute(context.Background(), mustParams(t, map[string]string{
		"action": "status", "process_id": "nope",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("unknown process id should be a tool error")
	}
}
