package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/muxhq/mux/internal/config"
	"github.com/muxhq/mux/internal/engine"
	"github.com/muxhq/mux/internal/history"
	"github.com/muxhq/mux/internal/provider"
	"github.com/muxhq/mux/internal/runtime"
	"github.com/muxhq/mux/pkg/models"
)

const testToken = "test-secret"

// dirRuntime implements runtime.Runtime on a plain temp directory.
type dirRuntime struct {
	base string
}

func (f *dirRuntime) Type() models.RuntimeType { return models.RuntimeLocal }

func (f *dirRuntime) ResolvePath(_ context.Context, path string) (string, error) {
	return path, nil
}

func (f *dirRuntime) CreateWorkspace(_ context.Context, params runtime.CreateParams) (string, error) {
	path := filepath.Join(f.base, params.BranchName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func (f *dirRuntime) ForkWorkspace(_ context.Context, params runtime.ForkParams) (string, error) {
	path := filepath.Join(f.base, params.NewName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func (f *dirRuntime) RenameWorkspace(_ context.Context, _, oldName, newName string) (string, string, error) {
	oldPath := filepath.Join(f.base, oldName)
	newPath := filepath.Join(f.base, newName)
	if err := os.Rename(oldPath, newPath); err != nil {
		return "", "", err
	}
	return oldPath, newPath, nil
}

func (f *dirRuntime) DeleteWorkspace(_ context.Context, _, name string, _ bool) error {
	return os.RemoveAll(filepath.Join(f.base, name))
}

func (f *dirRuntime) InitWorkspace(_ context.Context, _ string, hooks []string, logger runtime.InitLogger) error {
	logger.Begin("")
	for range hooks {
		logger.Output("hook ran", false)
	}
	logger.End(0)
	return nil
}

func (f *dirRuntime) WorkspacePath(_, name string) string {
	return filepath.Join(f.base, name)
}

func (f *dirRuntime) ExecuteBash(context.Context, string, runtime.ExecOpts) (runtime.ExecResult, error) {
	return runtime.ExecResult{ExitCode: 0, Stdout: "main\n"}, nil
}

func (f *dirRuntime) OpenTerminal(context.Context, string) error { return nil }

// textClient answers every stream with a single text chunk.
type textClient struct{}

func (textClient) Name() string { return "fake" }

func (textClient) Stream(ctx context.Context, _ *provider.Request) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk, 1)
	ch <- &provider.Chunk{Text: "done"}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, *engine.Engine) {
	t.Helper()

	home := t.TempDir()
	store, err := config.Load(filepath.Join(home, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Update(func(cfg *config.Config) error {
		cfg.Defaults.Model = "fake:test-model"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	hist := history.NewStore(filepath.Join(home, "history"), nil)

	providers := provider.NewRegistry(nil)
	providers.Register(textClient{})

	rt := &dirRuntime{base: t.TempDir()}
	e := engine.New(engine.Options{
		Config:    store,
		Secrets:   config.NewSecretsStore(home),
		History:   hist,
		Partials:  history.NewPartialStore(hist),
		Providers: providers,
		NewRuntime: func(*models.RuntimeConfig, runtime.Options) (runtime.Runtime, error) {
			return rt, nil
		},
	})
	t.Cleanup(e.Dispose)

	s := NewServer(Options{
		Addr:        "127.0.0.1:0",
		BearerToken: testToken,
		Engine:      e,
	})
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return s, ts, e
}

func authGet(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func dispatch(t *testing.T, ts *httptest.Server, id string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(engine.Command{ID: id, Payload: raw})
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/command", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatal(err)
	}
	return resp, decoded
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	if strings.Contains(path, "?") {
		url += "&token=" + testToken
	} else {
		url += "?token=" + testToken
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("reading ws frame: %v", err)
	}
	return frame
}

func TestBearerTokenRequired(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/workspaces")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp = authGet(t, ts.URL+"/api/workspaces")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}

	// Health and metrics stay open for probes and scrapers.
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestCommandDispatch(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, decoded := dispatch(t, ts, engine.CmdCreateWorkspace, map[string]any{
		"project_path": "/src/app",
		"title":        "Fix Auth",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("createWorkspace status = %d: %v", resp.StatusCode, decoded)
	}
	result := decoded["result"].(map[string]any)
	if result["id"] == "" || result["name"] == "" {
		t.Errorf("workspace identity = %v", result)
	}

	resp, decoded = dispatch(t, ts, "no-such-command", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown command status = %d, want 400: %v", resp.StatusCode, decoded)
	}

	resp, decoded = dispatch(t, ts, engine.CmdInterruptStream, map[string]any{
		"workspace_id": "missing",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing workspace status = %d, want 404: %v", resp.StatusCode, decoded)
	}
}

func TestChatSocketHistoryThenLive(t *testing.T) {
	_, ts, e := newTestServer(t)

	identity, err := e.CreateWorkspace(context.Background(), engine.CreateParams{ProjectPath: "/src/app"})
	if err != nil {
		t.Fatal(err)
	}

	conn := dialWS(t, ts, "/ws/chat?workspace_id="+identity.ID)

	frame := readFrame(t, conn)
	if frame.Type != "history" {
		t.Fatalf("first frame type = %q, want history", frame.Type)
	}
	if len(frame.Messages) != 0 {
		t.Errorf("fresh workspace history = %+v", frame.Messages)
	}

	// A full stream driven through the command surface arrives live.
	resp, decoded := dispatch(t, ts, engine.CmdSendMessage, map[string]any{
		"workspace_id": identity.ID,
		"text":         "hello",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sendMessage status = %d: %v", resp.StatusCode, decoded)
	}

	var types []models.ChatEventType
	for {
		frame := readFrame(t, conn)
		if frame.Type != "event" || frame.Chat == nil {
			t.Fatalf("unexpected frame %+v", frame)
		}
		types = append(types, frame.Chat.Type)
		if frame.Chat.Type == models.EventStreamEnd {
			break
		}
	}
	if types[0] != models.EventStreamStart {
		t.Errorf("event order = %v, want stream-start first", types)
	}
}

func TestMetadataSocketSnapshotThenEvents(t *testing.T) {
	_, ts, e := newTestServer(t)

	if _, err := e.CreateWorkspace(context.Background(), engine.CreateParams{ProjectPath: "/src/app"}); err != nil {
		t.Fatal(err)
	}

	conn := dialWS(t, ts, "/ws/metadata")

	frame := readFrame(t, conn)
	if frame.Type != "snapshot" {
		t.Fatalf("first frame type = %q, want snapshot", frame.Type)
	}
	if len(frame.Workspaces) != 1 {
		t.Errorf("snapshot size = %d, want 1", len(frame.Workspaces))
	}

	second, err := e.CreateWorkspace(context.Background(), engine.CreateParams{ProjectPath: "/src/other"})
	if err != nil {
		t.Fatal(err)
	}

	frame = readFrame(t, conn)
	if frame.Type != "event" || frame.Metadata == nil {
		t.Fatalf("live frame = %+v", frame)
	}
	if frame.Metadata.WorkspaceID != second.ID {
		t.Errorf("metadata event workspace = %q, want %q", frame.Metadata.WorkspaceID, second.ID)
	}
}

func TestInitSocketStreamsHookOutput(t *testing.T) {
	_, ts, e := newTestServer(t)

	identity, err := e.CreateWorkspace(context.Background(), engine.CreateParams{ProjectPath: "/src/app"})
	if err != nil {
		t.Fatal(err)
	}

	conn := dialWS(t, ts, "/ws/init?workspace_id="+identity.ID)

	// Hooks are empty for this project, so start and completion replay
	// immediately from the retained buffer.
	var types []models.InitEventType
	for len(types) < 2 {
		frame := readFrame(t, conn)
		if frame.Type != "event" || frame.Init == nil {
			t.Fatalf("unexpected frame %+v", frame)
		}
		types = append(types, frame.Init.Type)
	}
	if types[0] != models.InitStart || types[1] != models.InitComplete {
		t.Errorf("init events = %v", types)
	}
}
