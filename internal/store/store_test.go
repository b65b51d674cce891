package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/markus-barta/rpafleet/internal/model"
	"github.com/rs/zerolog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "rpafleet.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustInsertTask(t *testing.T, s *Store, agent, app string) *model.Task {
	t.Helper()
	task := &model.Task{TaskName: app + " job", ShadowBotAccount: agent, HostIP: "10.0.0.1", AppName: app}
	if err := s.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

func mustInsertAccount(t *testing.T, s *Store, agent, control string) *model.Account {
	t.Helper()
	acct := &model.Account{ShadowBotAccount: agent, HostIP: "10.0.0.1", Port: 8080, TaskControl: control}
	if err := s.InsertAccount(context.Background(), acct); err != nil {
		t.Fatalf("insert account: %v", err)
	}
	return acct
}

func TestOpen_RerunsMigrationsIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpafleet.db")
	ctx := context.Background()

	s, err := Open(ctx, path, zerolog.Nop())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	mustInsertTask(t, s, "bot-1", "Invoice")
	_ = s.Close()

	s, err = Open(ctx, path, zerolog.Nop())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s.Close()

	_, total, err := s.ListTasks(ctx, TaskFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 {
		t.Errorf("expected 1 task after reopen, got %d", total)
	}
}

func TestTasks_CRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := mustInsertTask(t, s, "bot-1", "Invoice")
	if task.ID == "" {
		t.Fatal("expected generated id")
	}
	if task.Status != model.TaskPending {
		t.Errorf("expected pending, got %s", task.Status)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AppName != "Invoice" || got.ShadowBotAccount != "bot-1" {
		t.Errorf("unexpected task %+v", got)
	}

	cfg := `{"k":"v"}`
	got.ConfigInfo = true
	got.ConfigJSON = &cfg
	if err := s.UpdateTask(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetTask(ctx, task.ID)
	if !got.ConfigInfo || got.ConfigJSON == nil || *got.ConfigJSON != cfg {
		t.Errorf("expected config to be stored, got %+v", got)
	}

	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound on second delete, got %v", err)
	}
}

func TestTasksByAgentApp_CaseInsensitiveApp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustInsertTask(t, s, "bot-1", "Invoice")
	mustInsertTask(t, s, "bot-1", "INVOICE")
	mustInsertTask(t, s, "bot-2", "invoice")
	mustInsertTask(t, s, "bot-1", "Payroll")

	tasks, err := s.TasksByAgentApp(ctx, "bot-1", "invoice")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("expected 2 matches, got %d", len(tasks))
	}

	// Agent identifiers match exactly.
	tasks, _ = s.TasksByAgentApp(ctx, "BOT-1", "invoice")
	if len(tasks) != 0 {
		t.Errorf("expected no match for differently cased agent, got %d", len(tasks))
	}
}

func TestSetTaskStatus_StampsLastRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := mustInsertTask(t, s, "bot-1", "Invoice")
	b := mustInsertTask(t, s, "bot-1", "Invoice")

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.SetTaskStatus(ctx, []string{a.ID, b.ID}, model.TaskRunning, &now); err != nil {
		t.Fatalf("set status: %v", err)
	}
	for _, id := range []string{a.ID, b.ID} {
		got, _ := s.GetTask(ctx, id)
		if got.Status != model.TaskRunning {
			t.Errorf("expected running, got %s", got.Status)
		}
		if got.LastRunTime == nil || !got.LastRunTime.Equal(now) {
			t.Errorf("expected last_run_time %v, got %v", now, got.LastRunTime)
		}
	}

	if err := s.SetTaskStatus(ctx, []string{a.ID}, model.TaskPending, nil); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ := s.GetTask(ctx, a.ID)
	if got.Status != model.TaskPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.LastRunTime == nil {
		t.Error("expected last_run_time to be kept")
	}
}

func TestListTasks_FiltersAndPages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustInsertTask(t, s, "bot-1", fmt.Sprintf("App%d", i))
	}
	mustInsertTask(t, s, "bot-2", "Other_App")

	tasks, total, err := s.ListTasks(ctx, TaskFilter{ShadowBotAccount: "bot-1", Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(tasks) != 2 {
		t.Errorf("expected total 5 with 2 on page, got %d and %d", total, len(tasks))
	}

	_, total, _ = s.ListTasks(ctx, TaskFilter{Search: "r_A"})
	if total != 1 {
		t.Errorf("expected underscore to match literally, got %d", total)
	}
}

func TestAccounts_DuplicateTaskControl(t *testing.T) {
	s := openTestStore(t)
	mustInsertAccount(t, s, "bot-1", "ctl-1")

	err := s.InsertAccount(context.Background(), &model.Account{ShadowBotAccount: "bot-2", TaskControl: "ctl-1"})
	if !errors.Is(err, ErrDuplicateTaskControl) {
		t.Errorf("expected ErrDuplicateTaskControl, got %v", err)
	}
}

func TestUpdateAccountsByAgent_UpdatesAllMatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustInsertAccount(t, s, "bot-1", "ctl-1")
	mustInsertAccount(t, s, "bot-1", "ctl-2")
	other := mustInsertAccount(t, s, "bot-2", "ctl-3")

	status := model.AccountRunning
	app := "Invoice"
	accts, err := s.UpdateAccountsByAgent(ctx, "bot-1", AccountUpdate{Status: &status, RecentApp: &app})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(accts) != 2 {
		t.Fatalf("expected 2 updated accounts, got %d", len(accts))
	}
	for _, a := range accts {
		if a.Status != model.AccountRunning || a.RecentApp == nil || *a.RecentApp != app {
			t.Errorf("unexpected account %+v", a)
		}
	}

	got, _ := s.GetAccount(ctx, other.ID)
	if got.Status != model.AccountPending {
		t.Errorf("expected other agent untouched, got %s", got.Status)
	}
}

func TestSyncTaskCount_OverwritesAllAccounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := mustInsertAccount(t, s, "bot-1", "ctl-1")
	b := mustInsertAccount(t, s, "bot-1", "ctl-2")
	mustInsertTask(t, s, "bot-1", "Invoice")
	mustInsertTask(t, s, "bot-1", "Payroll")
	mustInsertTask(t, s, "bot-2", "Invoice")

	count, accts, err := s.SyncTaskCount(ctx, "bot-1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if count != 2 || len(accts) != 2 {
		t.Errorf("expected count 2 on 2 accounts, got %d on %d", count, len(accts))
	}
	for _, id := range []string{a.ID, b.ID} {
		got, _ := s.GetAccount(ctx, id)
		if got.TaskCount != 2 {
			t.Errorf("expected task_count 2, got %d", got.TaskCount)
		}
	}
}

func TestSyncTaskCount_RandomizedConvergence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	agents := []string{"bot-a", "bot-b", "bot-c"}

	for i, agent := range agents {
		mustInsertAccount(t, s, agent, fmt.Sprintf("ctl-%d-a", i))
		mustInsertAccount(t, s, agent, fmt.Sprintf("ctl-%d-b", i))
	}

	var live []*model.Task
	for step := 0; step < 200; step++ {
		switch op := rng.Intn(3); {
		case op == 0 || len(live) == 0:
			agent := agents[rng.Intn(len(agents))]
			err := s.InTx(ctx, func(tx *Tx) error {
				task := &model.Task{TaskName: "t", ShadowBotAccount: agent, AppName: "App"}
				if err := tx.InsertTask(ctx, task); err != nil {
					return err
				}
				live = append(live, task)
				_, _, err := tx.SyncTaskCount(ctx, agent)
				return err
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
		case op == 1:
			i := rng.Intn(len(live))
			task := live[i]
			err := s.InTx(ctx, func(tx *Tx) error {
				if err := tx.DeleteTask(ctx, task.ID); err != nil {
					return err
				}
				_, _, err := tx.SyncTaskCount(ctx, task.ShadowBotAccount)
				return err
			})
			if err != nil {
				t.Fatalf("delete: %v", err)
			}
			live = append(live[:i], live[i+1:]...)
		default:
			task := live[rng.Intn(len(live))]
			prev := task.ShadowBotAccount
			next := agents[rng.Intn(len(agents))]
			err := s.InTx(ctx, func(tx *Tx) error {
				task.ShadowBotAccount = next
				if err := tx.UpdateTask(ctx, task); err != nil {
					return err
				}
				if _, _, err := tx.SyncTaskCount(ctx, prev); err != nil {
					return err
				}
				_, _, err := tx.SyncTaskCount(ctx, next)
				return err
			})
			if err != nil {
				t.Fatalf("reassign: %v", err)
			}
		}
	}

	want := make(map[string]int)
	for _, task := range live {
		want[task.ShadowBotAccount]++
	}
	for _, agent := range agents {
		accts, err := s.AccountsByAgent(ctx, agent)
		if err != nil {
			t.Fatalf("accounts: %v", err)
		}
		for _, a := range accts {
			if a.TaskCount != want[agent] {
				t.Errorf("agent %s account %s: expected task_count %d, got %d", agent, a.TaskControl, want[agent], a.TaskCount)
			}
		}
	}
}

func TestDueTasksAndClaimTrigger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	due := &model.Task{TaskName: "due", ShadowBotAccount: "bot-1", AppName: "A", TriggerTime: &past}
	later := &model.Task{TaskName: "later", ShadowBotAccount: "bot-1", AppName: "B", TriggerTime: &future}
	for _, task := range []*model.Task{due, later} {
		if err := s.InsertTask(ctx, task); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	tasks, err := s.DueTasks(ctx, time.Now())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != due.ID {
		t.Fatalf("expected only the due task, got %d tasks", len(tasks))
	}

	claimed, err := s.ClaimTrigger(ctx, due.ID)
	if err != nil || !claimed {
		t.Fatalf("expected first claim to succeed, got %v, %v", claimed, err)
	}
	claimed, _ = s.ClaimTrigger(ctx, due.ID)
	if claimed {
		t.Error("expected second claim to fail")
	}
	if tasks, _ := s.DueTasks(ctx, time.Now()); len(tasks) != 0 {
		t.Errorf("expected no due tasks after claim, got %d", len(tasks))
	}
}

func TestLogs_InsertAttachAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute)
	end := time.Now()

	for _, status := range []model.LogStatus{model.LogCompleted, model.LogCompleted, model.LogCompleted, model.LogFailed, model.LogTimeout} {
		l := &model.ExecutionLog{Text: "run", AppName: "Invoice", ShadowBotAccount: "bot-1", Status: status, StartTime: start, EndTime: end, Duration: 60}
		if err := s.InsertLog(ctx, l); err != nil {
			t.Fatalf("insert log: %v", err)
		}
	}

	logs, total, err := s.ListLogs(ctx, LogFilter{Status: model.LogCompleted})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if total != 3 {
		t.Errorf("expected 3 completed logs, got %d", total)
	}

	url := "https://files.example/shot.png"
	l, err := s.AttachArtifacts(ctx, logs[0].ID, &url, nil)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if l.ScreenshotURL == nil || *l.ScreenshotURL != url || !l.Screenshot {
		t.Errorf("expected screenshot attached, got %+v", l)
	}
	if l.LogURL != nil {
		t.Errorf("expected log_url unchanged, got %v", *l.LogURL)
	}
	if _, err := s.AttachArtifacts(ctx, "missing", &url, nil); !errors.Is(err, ErrLogNotFound) {
		t.Errorf("expected ErrLogNotFound, got %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ExecutionLogs.Total != 5 {
		t.Errorf("expected 5 logs, got %d", stats.ExecutionLogs.Total)
	}
	if stats.ExecutionLogs.SuccessRate != 75 {
		t.Errorf("expected success rate 75, got %v", stats.ExecutionLogs.SuccessRate)
	}
}

func TestPruneLogs_RemovesOnlyOlderRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, age := range []time.Duration{48 * time.Hour, 30 * time.Hour, time.Hour} {
		end := now.Add(-age)
		l := &model.ExecutionLog{Text: "run", AppName: "Invoice", ShadowBotAccount: "bot-1", Status: model.LogCompleted, StartTime: end.Add(-time.Minute), EndTime: end}
		if err := s.InsertLog(ctx, l); err != nil {
			t.Fatalf("insert log: %v", err)
		}
	}

	n, err := s.PruneLogs(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pruned logs, got %d", n)
	}
	if _, total, _ := s.ListLogs(ctx, LogFilter{}); total != 1 {
		t.Errorf("expected 1 remaining log, got %d", total)
	}
}

func TestLastSeen_OnlyAgentReportsStampIt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acct := mustInsertAccount(t, s, "bot-1", "ctl-1")
	mustInsertTask(t, s, "bot-1", "Invoice")

	before, _ := s.GetAccount(ctx, acct.ID)
	if _, _, err := s.SyncTaskCount(ctx, "bot-1"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	got, _ := s.GetAccount(ctx, acct.ID)
	if got.TaskCount != 1 {
		t.Errorf("expected task_count 1, got %d", got.TaskCount)
	}
	if !got.UpdatedAt.Equal(before.UpdatedAt) || got.LastSeenAt != nil {
		t.Errorf("expected recount to leave updated_at and last_seen_at alone, got %v and %v", got.UpdatedAt, got.LastSeenAt)
	}

	got.HostIP = "10.0.0.2"
	if err := s.UpdateAccount(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got, _ = s.GetAccount(ctx, acct.ID); got.LastSeenAt != nil {
		t.Errorf("expected admin edit to leave last_seen_at unset, got %v", got.LastSeenAt)
	}

	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	accts, err := s.UpdateAccountsByAgent(ctx, "bot-1", AccountUpdate{Seen: &seen})
	if err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if len(accts) != 1 || accts[0].LastSeenAt == nil || !accts[0].LastSeenAt.Equal(seen) {
		t.Errorf("expected last_seen_at %v, got %+v", seen, accts)
	}
}
