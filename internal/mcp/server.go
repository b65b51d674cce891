// Package mcp exposes operator task control as MCP tools over stdio.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/markus-barta/rpafleet/internal/control"
	"github.com/markus-barta/rpafleet/internal/model"
	"github.com/markus-barta/rpafleet/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
)

// Counter reports the number of connected viewers.
type Counter interface {
	Count() int
}

// Server holds the services the tools call into.
type Server struct {
	log        zerolog.Logger
	catalog    *control.Catalog
	dispatcher *control.Dispatcher
	reconciler *control.Reconciler
	journal    *control.Journal
	viewers    Counter
	version    string
}

// New creates the MCP server.
func New(log zerolog.Logger, cat *control.Catalog, d *control.Dispatcher, rec *control.Reconciler, journal *control.Journal, viewers Counter, version string) *Server {
	return &Server{
		log:        log.With().Str("component", "mcp").Logger(),
		catalog:    cat,
		dispatcher: d,
		reconciler: rec,
		journal:    journal,
		viewers:    viewers,
		version:    version,
	}
}

// Run serves the tools on stdio until stdin closes.
func (s *Server) Run() error {
	mcpServer := server.NewMCPServer(
		"rpafleet",
		s.version,
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)

	s.log.Info().Msg("MCP server starting on stdio")
	return server.ServeStdio(mcpServer)
}

func (s *Server) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List automation tasks with their status"),
		mcp.WithString("status",
			mcp.Description("Filter by status"),
			mcp.Enum(string(model.TaskPending), string(model.TaskRunning)),
		),
		mcp.WithString("shadow_bot_account",
			mcp.Description("Filter by agent account identifier"),
		),
		mcp.WithString("search",
			mcp.Description("Substring match on task name, app name or account"),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Show one task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("start_task",
		mcp.WithDescription("Ask the task's agent to start its app. The task turns running once the agent confirms."),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleStartTask)

	mcpServer.AddTool(mcp.NewTool("stop_task",
		mcp.WithDescription("Ask the task's agent to stop everything it is running"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleStopTask)

	mcpServer.AddTool(mcp.NewTool("force_stop_task",
		mcp.WithDescription("Reset a task stuck in running to pending, even if the agent is unreachable"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleForceStopTask)

	mcpServer.AddTool(mcp.NewTool("list_accounts",
		mcp.WithDescription("List agent accounts with their latest execution status"),
		mcp.WithString("shadow_bot_account",
			mcp.Description("Filter by agent account identifier"),
		),
	), s.handleListAccounts)

	mcpServer.AddTool(mcp.NewTool("recent_logs",
		mcp.WithDescription("Show the most recent execution logs"),
		mcp.WithString("shadow_bot_account",
			mcp.Description("Filter by agent account identifier"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of logs, default 10"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleRecentLogs)

	mcpServer.AddTool(mcp.NewTool("control_journal",
		mcp.WithDescription("Show recent control-plane actions, newest first"),
		mcp.WithNumber("limit",
			mcp.Description("Number of entries, default 20"),
			mcp.Min(1),
			mcp.Max(200),
		),
	), s.handleJournal)

	mcpServer.AddTool(mcp.NewTool("sse_status",
		mcp.WithDescription("Show how many live viewers are connected"),
	), s.handleSSEStatus)

	s.log.Info().Int("count", 9).Msg("MCP tools registered")
}

// ═══════════════════════════════════════════════════════════════════════════
// TASKS
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page, err := s.catalog.ListTasks(ctx, store.TaskFilter{
		Status:           model.TaskStatus(mcp.ParseString(request, "status", "")),
		ShadowBotAccount: mcp.ParseString(request, "shadow_bot_account", ""),
		Search:           mcp.ParseString(request, "search", ""),
		PageSize:         200,
	})
	if err != nil {
		return toolError("list tasks", err), nil
	}
	if len(page.Items) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", page.Total)
	for _, t := range page.Items {
		writeTask(&b, t)
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.catalog.GetTask(ctx, mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return toolError("get task", err), nil
	}
	var b strings.Builder
	writeTask(&b, task)
	if task.TriggerTime != nil {
		fmt.Fprintf(&b, "  Trigger: %s\n", formatTime(task.TriggerTime))
	}
	fmt.Fprintf(&b, "  Created: %s\n", formatTime(&task.CreatedAt))
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleStartTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.dispatcher.Start(ctx, mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return toolError("start task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Start request sent for %s (%s). Waiting for agent confirmation.", task.TaskName, task.ID)), nil
}

func (s *Server) handleStopTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.dispatcher.Stop(ctx, mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return toolError("stop task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Stop request sent for %s (%s).", task.TaskName, task.ID)), nil
}

func (s *Server) handleForceStopTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res, err := s.reconciler.ForceStop(ctx, mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return toolError("force-stop task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s (%s) is now pending; %d account(s) reset.",
		task.TaskName, task.ID, len(res.Accounts))), nil
}

// ═══════════════════════════════════════════════════════════════════════════
// ACCOUNTS, LOGS, STATUS
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleListAccounts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page, err := s.catalog.ListAccounts(ctx, store.AccountFilter{
		ShadowBotAccount: mcp.ParseString(request, "shadow_bot_account", ""),
		PageSize:         200,
	})
	if err != nil {
		return toolError("list accounts", err), nil
	}
	if len(page.Items) == 0 {
		return mcp.NewToolResultText("No accounts found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d accounts:\n\n", page.Total)
	for _, a := range page.Items {
		fmt.Fprintf(&b, "[%s] %s\n", a.Status, a.ShadowBotAccount)
		fmt.Fprintf(&b, "  ID: %s\n", a.ID)
		fmt.Fprintf(&b, "  Host: %s:%d\n", a.HostIP, a.Port)
		fmt.Fprintf(&b, "  Tasks: %d\n", a.TaskCount)
		if a.RecentApp != nil {
			fmt.Fprintf(&b, "  Recent app: %s\n", *a.RecentApp)
		}
		if a.EndTime != nil {
			fmt.Fprintf(&b, "  Last finished: %s\n", formatTime(a.EndTime))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleRecentLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(mcp.ParseFloat64(request, "limit", 10))
	page, err := s.catalog.ListLogs(ctx, store.LogFilter{
		ShadowBotAccount: mcp.ParseString(request, "shadow_bot_account", ""),
		PageSize:         limit,
	})
	if err != nil {
		return toolError("list logs", err), nil
	}
	if len(page.Items) == 0 {
		return mcp.NewToolResultText("No execution logs found"), nil
	}

	var b strings.Builder
	for _, l := range page.Items {
		fmt.Fprintf(&b, "%s [%s] %s/%s %.0fs\n", formatTime(&l.EndTime), l.Status, l.ShadowBotAccount, l.AppName, l.Duration)
		fmt.Fprintf(&b, "  %s\n", l.Text)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleJournal(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries := s.journal.Recent(int(mcp.ParseFloat64(request, "limit", 20)))
	if len(entries) == 0 {
		return mcp.NewToolResultText("Journal is empty"), nil
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %-7s %s\n", e.Timestamp.Format(time.RFC3339), e.Level, e.Message)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleSSEStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.viewers == nil {
		return mcp.NewToolResultText("Event stream unavailable"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Event stream running, %d viewer(s) connected", s.viewers.Count())), nil
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func writeTask(b *strings.Builder, t *model.Task) {
	fmt.Fprintf(b, "[%s] %s\n", t.Status, t.TaskName)
	fmt.Fprintf(b, "  ID: %s\n", t.ID)
	fmt.Fprintf(b, "  Account: %s\n", t.ShadowBotAccount)
	fmt.Fprintf(b, "  App: %s\n", t.AppName)
	if t.LastRunTime != nil {
		fmt.Fprintf(b, "  Last run: %s\n", formatTime(t.LastRunTime))
	}
}

func toolError(action string, err error) *mcp.CallToolResult {
	var cerr *control.Error
	if errors.As(err, &cerr) {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %s (%s)", action, cerr.Message, cerr.Code))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err))
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
