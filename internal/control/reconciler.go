package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/markus-barta/rpafleet/internal/model"
	"github.com/markus-barta/rpafleet/internal/protocol"
	"github.com/markus-barta/rpafleet/internal/relay"
	"github.com/markus-barta/rpafleet/internal/store"
	"github.com/rs/zerolog"
)

// Publisher fans state-change events out to live viewers.
type Publisher interface {
	Broadcast(evt protocol.Event) int
	SendToAccount(accountID string, evt protocol.Event) int
}

// Task-updated reasons.
const (
	ReasonConfirmStart      = "confirm_start"
	ReasonConfirmStop       = "confirm_stop"
	ReasonExecutionComplete = "execution_complete"
	ReasonForceStop         = "force_stop"
)

// Reconciler applies agent callbacks to persisted state. It is the only
// writer of task status apart from force-stop.
type Reconciler struct {
	log        zerolog.Logger
	store      *store.Store
	dispatcher *Dispatcher
	pub        Publisher
	journal    *Journal
	now        func() time.Time
}

// NewReconciler creates a reconciler. journal may be nil.
func NewReconciler(log zerolog.Logger, st *store.Store, d *Dispatcher, pub Publisher, journal *Journal) *Reconciler {
	return &Reconciler{
		log:        log.With().Str("component", "reconciler").Logger(),
		store:      st,
		dispatcher: d,
		pub:        pub,
		journal:    journal,
		now:        time.Now,
	}
}

// Result summarizes what a callback changed.
type Result struct {
	TaskIDs  []string
	Accounts []*model.Account
}

// Matched reports whether the callback referenced anything known.
func (r *Result) Matched() bool {
	return len(r.TaskIDs) > 0 || len(r.Accounts) > 0
}

// ═══════════════════════════════════════════════════════════════════════════
// CONFIRM
// ═══════════════════════════════════════════════════════════════════════════

// Confirm records that the agent actually started or stopped app. A callback
// that matches no task and no account is a successful no-op.
func (r *Reconciler) Confirm(ctx context.Context, p protocol.ConfirmPayload) (*Result, error) {
	if err := requireAgentApp(p.ShadowBotAccount, p.AppName); err != nil {
		return nil, err
	}
	action := protocol.Action(strings.ToUpper(string(p.Action)))
	if action != protocol.ActionStart && action != protocol.ActionStop {
		return nil, invalid("action must be START or STOP, got %q", p.Action)
	}

	res := &Result{}
	now := r.now().UTC()

	log := r.log.With().
		Str("account", p.ShadowBotAccount).
		Str("app", p.AppName).
		Str("action", string(action)).
		Logger()

	var update store.AccountUpdate
	err := r.store.InTx(ctx, func(tx *store.Tx) error {
		tasks, err := tx.TasksByAgentApp(ctx, p.ShadowBotAccount, p.AppName)
		if err != nil {
			return err
		}
		res.TaskIDs = taskIDs(tasks)
		if action == protocol.ActionStop {
			return tx.SetTaskStatus(ctx, res.TaskIDs, model.TaskPending, nil)
		}
		if err := tx.SetTaskStatus(ctx, res.TaskIDs, model.TaskRunning, &now); err != nil {
			return err
		}
		status := model.AccountRunning
		app := p.AppName
		update = store.AccountUpdate{Status: &status, RecentApp: &app, Seen: &now}
		res.Accounts, err = tx.UpdateAccountsByAgent(ctx, p.ShadowBotAccount, update)
		return err
	})
	if err != nil {
		return nil, err
	}

	switch action {
	case protocol.ActionStart:
		r.publishTasks(p.ShadowBotAccount, p.AppName, res.TaskIDs, ReasonConfirmStart, map[string]any{
			"status":        model.TaskRunning,
			"last_run_time": now.Format(time.RFC3339),
		})
		r.publishAccounts(res.Accounts, update.Changes())
	case protocol.ActionStop:
		r.publishTasks(p.ShadowBotAccount, p.AppName, res.TaskIDs, ReasonConfirmStop, map[string]any{
			"status": model.TaskPending,
		})
	}

	if !res.Matched() {
		log.Info().Msg("confirmation matched nothing")
		return res, nil
	}
	log.Info().Int("tasks", len(res.TaskIDs)).Int("accounts", len(res.Accounts)).Msg("confirmation applied")
	r.journal.Add(LogEntry{
		Level:   LogLevelSuccess,
		Agent:   p.ShadowBotAccount,
		Message: fmt.Sprintf("Agent confirmed %s of %s", action, p.AppName),
		Code:    "confirm_" + strings.ToLower(string(action)),
		Details: map[string]any{"task_ids": res.TaskIDs},
	})
	return res, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// EXECUTION COMPLETE
// ═══════════════════════════════════════════════════════════════════════════

// ExecutionComplete records a finished run. Each accepted call writes one log
// row, and all matching tasks return to pending whatever the outcome. Nothing
// is kept if any of the writes fails.
func (r *Reconciler) ExecutionComplete(ctx context.Context, p protocol.ExecutionCompletePayload) (*model.ExecutionLog, *Result, error) {
	if err := requireAgentApp(p.ShadowBotAccount, p.AppName); err != nil {
		return nil, nil, err
	}
	status, ok := model.ParseLogStatus(p.Status)
	if !ok {
		return nil, nil, invalid("status must be completed, failed or timeout, got %q", p.Status)
	}
	start, err := protocol.ParseTime(p.StartTime)
	if err != nil {
		return nil, nil, invalid("start_time: %v", err)
	}
	end, err := protocol.ParseTime(p.EndTime)
	if err != nil {
		return nil, nil, invalid("end_time: %v", err)
	}
	duration := p.DurationSeconds
	if duration <= 0 && end.After(start) {
		duration = end.Sub(start).Seconds()
	}

	entry := &model.ExecutionLog{
		Text:             logText(p.AppName, status, p.ResultSummary),
		AppName:          p.AppName,
		ShadowBotAccount: p.ShadowBotAccount,
		Status:           status,
		StartTime:        start,
		EndTime:          end,
		Duration:         duration,
		LogInfo:          p.LogInfo || p.LogURL != nil,
		Screenshot:       p.Screenshot || p.ScreenshotURL != nil,
		ScreenshotURL:    p.ScreenshotURL,
		LogURL:           p.LogURL,
	}
	acctStatus := status.AccountStatus()
	app := p.AppName
	seen := r.now().UTC()
	update := store.AccountUpdate{Status: &acctStatus, RecentApp: &app, EndTime: &end, Seen: &seen}
	res := &Result{}

	// The log row, the task reset and the account update commit together or
	// not at all.
	err = r.store.InTx(ctx, func(tx *store.Tx) error {
		accts, err := tx.AccountsByAgent(ctx, p.ShadowBotAccount)
		if err != nil {
			return err
		}
		if len(accts) > 0 {
			entry.HostIP = accts[0].HostIP
		}
		if err := tx.InsertLog(ctx, entry); err != nil {
			return err
		}
		tasks, err := tx.TasksByAgentApp(ctx, p.ShadowBotAccount, p.AppName)
		if err != nil {
			return err
		}
		res.TaskIDs = taskIDs(tasks)
		if err := tx.SetTaskStatus(ctx, res.TaskIDs, model.TaskPending, nil); err != nil {
			return err
		}
		res.Accounts, err = tx.UpdateAccountsByAgent(ctx, p.ShadowBotAccount, update)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	r.pub.Broadcast(protocol.NewEvent(protocol.EventLogCreated, logCreated(entry)))
	r.publishAccounts(res.Accounts, update.Changes())
	r.publishTasks(p.ShadowBotAccount, p.AppName, res.TaskIDs, ReasonExecutionComplete, map[string]any{
		"status": model.TaskPending,
	})

	r.log.Info().
		Str("account", p.ShadowBotAccount).
		Str("app", p.AppName).
		Str("status", string(status)).
		Str("log_id", entry.ID).
		Int("tasks", len(res.TaskIDs)).
		Msg("execution complete")

	level := LogLevelSuccess
	if status != model.LogCompleted {
		level = LogLevelWarning
	}
	r.journal.Add(LogEntry{
		Level:   level,
		Agent:   p.ShadowBotAccount,
		Message: entry.Text,
		Code:    "execution_" + string(status),
		Details: map[string]any{"log_id": entry.ID},
	})
	return entry, res, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// HEARTBEAT
// ═══════════════════════════════════════════════════════════════════════════

// Heartbeat keeps the agent's accounts from looking stale during a long run.
// It never changes task status and publishes nothing.
func (r *Reconciler) Heartbeat(ctx context.Context, p protocol.HeartbeatPayload) (*Result, error) {
	if err := requireAgentApp(p.ShadowBotAccount, p.AppName); err != nil {
		return nil, err
	}
	status := model.AccountRunning
	app := p.AppName
	seen := r.now().UTC()
	accts, err := r.store.UpdateAccountsByAgent(ctx, p.ShadowBotAccount, store.AccountUpdate{Status: &status, RecentApp: &app, Seen: &seen})
	if err != nil {
		return nil, err
	}
	r.log.Debug().
		Str("account", p.ShadowBotAccount).
		Str("app", p.AppName).
		Int("accounts", len(accts)).
		Msg("heartbeat")
	return &Result{Accounts: accts}, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// FORCE STOP
// ═══════════════════════════════════════════════════════════════════════════

// ForceStop resolves a task stuck in running. A stop signal is attempted but
// its failure is only logged; the task and its agent's accounts are set to
// pending regardless and both updates are broadcast.
func (r *Reconciler) ForceStop(ctx context.Context, taskID string) (*model.Task, *Result, error) {
	task, err := r.dispatcher.loadTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}

	log := r.log.With().
		Str("task_id", task.ID).
		Str("account", task.ShadowBotAccount).
		Str("app", task.AppName).
		Logger()

	if err := r.dispatcher.Signal(ctx, task, relay.TargetAll); err != nil {
		log.Warn().Err(err).Msg("force-stop signal failed, resolving locally")
	}

	// The relay leg may have consumed ctx; local convergence must still happen.
	wctx := context.WithoutCancel(ctx)
	if err := r.store.SetTaskStatus(wctx, []string{task.ID}, model.TaskPending, nil); err != nil {
		return nil, nil, err
	}
	task.Status = model.TaskPending

	status := model.AccountPending
	update := store.AccountUpdate{Status: &status}
	accts, err := r.store.UpdateAccountsByAgent(wctx, task.ShadowBotAccount, update)
	if err != nil {
		return task, nil, err
	}
	res := &Result{TaskIDs: []string{task.ID}, Accounts: accts}

	r.publishTasks(task.ShadowBotAccount, task.AppName, res.TaskIDs, ReasonForceStop, map[string]any{
		"status": model.TaskPending,
	})
	r.publishAccounts(accts, update.Changes())

	log.Info().Int("accounts", len(accts)).Msg("task force-stopped")
	r.journal.Add(LogEntry{
		Level:   LogLevelWarning,
		Agent:   task.ShadowBotAccount,
		TaskID:  task.ID,
		Message: "Task " + task.TaskName + " force-stopped",
		Code:    ReasonForceStop,
	})
	return task, res, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func (r *Reconciler) publishTasks(agent, app string, ids []string, reason string, changes map[string]any) {
	if len(ids) == 0 {
		return
	}
	r.pub.Broadcast(protocol.NewEvent(protocol.EventTaskUpdated, protocol.TaskUpdatedData{
		TaskIDs:          ids,
		ShadowBotAccount: agent,
		AppName:          app,
		Changes:          changes,
		Reason:           reason,
	}))
}

func (r *Reconciler) publishAccounts(accts []*model.Account, changes map[string]any) {
	for _, a := range accts {
		r.pub.Broadcast(protocol.NewEvent(protocol.EventAccountUpdated, protocol.AccountUpdatedData{
			AccountID:        a.ID,
			ShadowBotAccount: a.ShadowBotAccount,
			Changes:          changes,
		}))
	}
}

func logCreated(l *model.ExecutionLog) protocol.LogCreatedData {
	return protocol.LogCreatedData{
		LogID:            l.ID,
		ShadowBotAccount: l.ShadowBotAccount,
		AppName:          l.AppName,
		Status:           string(l.Status),
		ScreenshotURL:    l.ScreenshotURL,
		LogURL:           l.LogURL,
	}
}

func logText(app string, status model.LogStatus, summary *protocol.ResultSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Executed %s, status: %s", app, status)
	if summary != nil {
		fmt.Fprintf(&b, " | succeeded: %d, failed: %d", summary.SuccessItems, summary.FailedItems)
		if summary.ErrorMessage != nil && *summary.ErrorMessage != "" {
			fmt.Fprintf(&b, " | error: %s", *summary.ErrorMessage)
		}
	}
	return b.String()
}

func requireAgentApp(agent, app string) error {
	if strings.TrimSpace(agent) == "" {
		return invalid("shadow_bot_account is required")
	}
	if strings.TrimSpace(app) == "" {
		return invalid("app_name is required")
	}
	return nil
}

func taskIDs(tasks []*model.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
