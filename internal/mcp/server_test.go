package mcp

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/rpafleet/internal/control"
	"github.com/markus-barta/rpafleet/internal/hub"
	"github.com/markus-barta/rpafleet/internal/relay"
	"github.com/markus-barta/rpafleet/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
)

type stubRelay struct {
	mu   sync.Mutex
	sent []relay.ControlRequest
	err  error
}

func (s *stubRelay) Send(_ context.Context, req relay.ControlRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	return s.err
}

type testEnv struct {
	srv     *Server
	relay   *stubRelay
	hub     *hub.Hub
	catalog *control.Catalog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "mcp.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := hub.New(zerolog.Nop(), hub.Options{Heartbeat: time.Minute, QueueDepth: 16})
	rl := &stubRelay{}
	journal := control.NewJournal(20)
	d := control.NewDispatcher(zerolog.Nop(), st, rl, journal)
	rec := control.NewReconciler(zerolog.Nop(), st, d, h, journal)
	cat := control.NewCatalog(zerolog.Nop(), st, h)

	return &testEnv{
		srv:     New(zerolog.Nop(), cat, d, rec, journal, h, "test"),
		relay:   rl,
		hub:     h,
		catalog: cat,
	}
}

func (e *testEnv) seed(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	if _, err := e.catalog.CreateAccount(ctx, control.AccountInput{
		ShadowBotAccount: "bot-1", HostIP: "10.0.0.5", Port: 9001, TaskControl: "ctl-1",
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	task, err := e.catalog.CreateTask(ctx, control.TaskInput{
		TaskName: "Invoice run", ShadowBotAccount: "bot-1", AppName: "invoice", HostIP: "10.0.0.5",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task.ID
}

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil || len(result.Content) == 0 {
		t.Fatal("expected content in result")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", result.Content[0])
	}
	return text.Text
}

func TestListTasks(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	result, err := e.srv.handleListTasks(ctx, callTool("list_tasks", nil))
	if err != nil {
		t.Fatalf("handleListTasks: %v", err)
	}
	if got := resultText(t, result); got != "No tasks found" {
		t.Errorf("expected empty message, got %q", got)
	}

	id := e.seed(t)
	result, _ = e.srv.handleListTasks(ctx, callTool("list_tasks", map[string]any{"status": "pending"}))
	text := resultText(t, result)
	if !strings.Contains(text, "Found 1 tasks") || !strings.Contains(text, id) {
		t.Errorf("expected seeded task in listing, got %q", text)
	}

	result, _ = e.srv.handleListTasks(ctx, callTool("list_tasks", map[string]any{"status": "running"}))
	if got := resultText(t, result); got != "No tasks found" {
		t.Errorf("expected no running tasks, got %q", got)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	e := newTestEnv(t)

	result, err := e.srv.handleGetTask(context.Background(), callTool("get_task", map[string]any{"task_id": "missing"}))
	if err != nil {
		t.Fatalf("handleGetTask: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if text := resultText(t, result); !strings.Contains(text, control.CodeTaskNotFound) {
		t.Errorf("expected %s in %q", control.CodeTaskNotFound, text)
	}
}

func TestStartAndStopTask(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.seed(t)

	result, _ := e.srv.handleStartTask(ctx, callTool("start_task", map[string]any{"task_id": id}))
	if result.IsError {
		t.Fatalf("expected success, got %q", resultText(t, result))
	}
	if len(e.relay.sent) != 1 {
		t.Fatalf("expected 1 relay call, got %d", len(e.relay.sent))
	}
	if got := e.relay.sent[0]; got.BackendIP != "10.0.0.5" || got.BackendPort != 9001 || got.Target != relay.TargetStart {
		t.Errorf("expected START to 10.0.0.5:9001, got %s to %s:%d", got.Target, got.BackendIP, got.BackendPort)
	}

	// Still pending until the agent confirms, so stop is rejected without a relay call.
	result, _ = e.srv.handleStopTask(ctx, callTool("stop_task", map[string]any{"task_id": id}))
	if !result.IsError {
		t.Fatal("expected stop of a pending task to fail")
	}
	if text := resultText(t, result); !strings.Contains(text, control.CodeTaskNotRunning) {
		t.Errorf("expected %s in %q", control.CodeTaskNotRunning, text)
	}
	if len(e.relay.sent) != 1 {
		t.Errorf("expected no extra relay call, got %d", len(e.relay.sent))
	}
}

func TestStartTask_RelayDown(t *testing.T) {
	e := newTestEnv(t)
	id := e.seed(t)
	e.relay.err = errors.Join(relay.ErrUnreachable, errors.New("dial tcp: refused"))

	result, _ := e.srv.handleStartTask(context.Background(), callTool("start_task", map[string]any{"task_id": id}))
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if text := resultText(t, result); !strings.Contains(text, control.CodeControlRequestFailed) {
		t.Errorf("expected %s in %q", control.CodeControlRequestFailed, text)
	}
}

func TestForceStopTask(t *testing.T) {
	e := newTestEnv(t)
	id := e.seed(t)
	e.relay.err = relay.ErrUnreachable

	result, _ := e.srv.handleForceStopTask(context.Background(), callTool("force_stop_task", map[string]any{"task_id": id}))
	if result.IsError {
		t.Fatalf("expected force-stop to succeed with relay down, got %q", resultText(t, result))
	}
	if text := resultText(t, result); !strings.Contains(text, "now pending; 1 account(s) reset") {
		t.Errorf("unexpected result %q", text)
	}
}

func TestListAccountsAndLogs(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.seed(t)

	result, _ := e.srv.handleListAccounts(ctx, callTool("list_accounts", map[string]any{"shadow_bot_account": "bot-1"}))
	text := resultText(t, result)
	if !strings.Contains(text, "Host: 10.0.0.5:9001") || !strings.Contains(text, "Tasks: 1") {
		t.Errorf("unexpected account listing %q", text)
	}

	result, _ = e.srv.handleRecentLogs(ctx, callTool("recent_logs", map[string]any{"limit": float64(5)}))
	if got := resultText(t, result); got != "No execution logs found" {
		t.Errorf("expected no logs, got %q", got)
	}
}

func TestJournalAndSSEStatus(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	result, _ := e.srv.handleJournal(ctx, callTool("control_journal", nil))
	if got := resultText(t, result); got != "Journal is empty" {
		t.Errorf("expected empty journal, got %q", got)
	}

	id := e.seed(t)
	_, _ = e.srv.handleStartTask(ctx, callTool("start_task", map[string]any{"task_id": id}))
	result, _ = e.srv.handleJournal(ctx, callTool("control_journal", map[string]any{"limit": float64(5)}))
	if text := resultText(t, result); text == "Journal is empty" {
		t.Error("expected start to be journaled")
	}

	c := e.hub.Subscribe("")
	defer e.hub.Unsubscribe(c.ID)
	result, _ = e.srv.handleSSEStatus(ctx, callTool("sse_status", nil))
	if got := resultText(t, result); got != "Event stream running, 1 viewer(s) connected" {
		t.Errorf("unexpected status %q", got)
	}
}
