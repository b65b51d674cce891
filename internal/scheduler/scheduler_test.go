package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/rpafleet/internal/control"
	"github.com/markus-barta/rpafleet/internal/model"
	"github.com/markus-barta/rpafleet/internal/protocol"
	"github.com/markus-barta/rpafleet/internal/store"
	"github.com/rs/zerolog"
)

type mockStarter struct {
	mu      sync.Mutex
	started []string
	err     error
}

func (m *mockStarter) Start(_ context.Context, taskID string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, taskID)
	return nil, m.err
}

type mockStopper struct {
	mu      sync.Mutex
	stopped []string
}

func (m *mockStopper) ForceStop(_ context.Context, taskID string) (*model.Task, *control.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, taskID)
	return nil, &control.Result{}, nil
}

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, *store.Store, *mockStarter, *mockStopper) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "sched.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	starter := &mockStarter{}
	stopper := &mockStopper{}
	return New(zerolog.Nop(), st, starter, stopper, control.NewJournal(10), opts), st, starter, stopper
}

func insertTask(t *testing.T, st *store.Store, task *model.Task) *model.Task {
	t.Helper()
	if err := st.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

func TestRunTriggerSweep_FiresOnce(t *testing.T) {
	s, st, starter, _ := newTestScheduler(t, Options{})
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	due := insertTask(t, st, &model.Task{ShadowBotAccount: "bot-1", AppName: "Invoice", TriggerTime: &past})
	insertTask(t, st, &model.Task{ShadowBotAccount: "bot-1", AppName: "Payroll", TriggerTime: &future})
	insertTask(t, st, &model.Task{ShadowBotAccount: "bot-1", AppName: "Manual"})

	if n := s.RunTriggerSweep(context.Background()); n != 1 {
		t.Fatalf("expected 1 start, got %d", n)
	}
	if len(starter.started) != 1 || starter.started[0] != due.ID {
		t.Errorf("expected start for %s, got %v", due.ID, starter.started)
	}

	got, _ := st.GetTask(context.Background(), due.ID)
	if got.TriggerTime != nil {
		t.Errorf("expected trigger cleared, got %v", got.TriggerTime)
	}
	if n := s.RunTriggerSweep(context.Background()); n != 0 {
		t.Errorf("expected no second fire, got %d", n)
	}
}

func TestRunTriggerSweep_FailedStartStillClaims(t *testing.T) {
	s, st, starter, _ := newTestScheduler(t, Options{})
	starter.err = errors.New("relay down")
	past := time.Now().Add(-time.Minute)
	insertTask(t, st, &model.Task{ShadowBotAccount: "bot-1", AppName: "Invoice", TriggerTime: &past})

	if n := s.RunTriggerSweep(context.Background()); n != 0 {
		t.Errorf("expected 0 sent, got %d", n)
	}
	s.RunTriggerSweep(context.Background())
	if len(starter.started) != 1 {
		t.Errorf("expected exactly one attempt, got %d", len(starter.started))
	}
}

func TestRunStaleSweep(t *testing.T) {
	s, st, _, stopper := newTestScheduler(t, Options{StaleAfter: 10 * time.Minute})
	ctx := context.Background()
	running := insertTask(t, st, &model.Task{ShadowBotAccount: "bot-1", AppName: "Invoice", Status: model.TaskRunning})
	insertTask(t, st, &model.Task{ShadowBotAccount: "bot-1", AppName: "Idle"})

	if got := s.RunStaleSweep(ctx); len(got) != 0 {
		t.Errorf("expected nothing stale yet, got %v", got)
	}

	s.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	got := s.RunStaleSweep(ctx)
	if len(got) != 1 || got[0] != running.ID {
		t.Fatalf("expected %s stale, got %v", running.ID, got)
	}
	if len(stopper.stopped) != 0 {
		t.Errorf("expected no force-stop without auto force, got %v", stopper.stopped)
	}
	if entries := s.journal.Recent(0); len(entries) != 1 || entries[0].Code != "stale_task" {
		t.Errorf("expected stale journal entry, got %+v", entries)
	}

	s.opts.StaleAutoForce = true
	s.RunStaleSweep(ctx)
	if len(stopper.stopped) != 1 || stopper.stopped[0] != running.ID {
		t.Errorf("expected force-stop of %s, got %v", running.ID, stopper.stopped)
	}
}

func TestRunStaleSweep_AccountActivityKeepsTaskAlive(t *testing.T) {
	s, st, _, _ := newTestScheduler(t, Options{StaleAfter: 10 * time.Minute})
	ctx := context.Background()
	insertTask(t, st, &model.Task{ShadowBotAccount: "bot-1", AppName: "Invoice", Status: model.TaskRunning})
	acct := &model.Account{ShadowBotAccount: "bot-1", TaskControl: "ctl-1", Status: model.AccountRunning}
	if err := st.InsertAccount(ctx, acct); err != nil {
		t.Fatalf("insert account: %v", err)
	}

	base := time.Now()
	s.now = func() time.Time { return base.Add(11 * time.Minute) }
	if got := s.RunStaleSweep(ctx); len(got) != 1 {
		t.Fatalf("expected stale, got %v", got)
	}

	seen := base.Add(5 * time.Minute)
	if _, err := st.UpdateAccountsByAgent(ctx, "bot-1", store.AccountUpdate{Seen: &seen}); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if got := s.RunStaleSweep(ctx); len(got) != 0 {
		t.Errorf("expected agent report to keep task alive, got %v", got)
	}
}

type nopPublisher struct{}

func (nopPublisher) Broadcast(protocol.Event) int { return 0 }
func (nopPublisher) SendToAccount(string, protocol.Event) int { return 0 }

func TestRunStaleSweep_AdminEditsDoNotKeepTaskAlive(t *testing.T) {
	s, st, _, _ := newTestScheduler(t, Options{StaleAfter: 10 * time.Minute})
	ctx := context.Background()
	cat := control.NewCatalog(zerolog.Nop(), st, nopPublisher{})

	acct, err := cat.CreateAccount(ctx, control.AccountInput{ShadowBotAccount: "bot-1", HostIP: "10.0.0.1", Port: 9000, TaskControl: "ctl-1"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	started := time.Now().Add(-time.Hour)
	running := insertTask(t, st, &model.Task{ShadowBotAccount: "bot-1", AppName: "Invoice", Status: model.TaskRunning, LastRunTime: &started})

	base := time.Now()
	s.now = func() time.Time { return base.Add(11 * time.Minute) }

	// Recounts, renames and host edits all land within StaleAfter of now.
	if _, err := cat.CreateTask(ctx, control.TaskInput{TaskName: "other", ShadowBotAccount: "bot-1", AppName: "Payroll"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	name := "renamed"
	if _, err := cat.UpdateTask(ctx, running.ID, control.TaskPatch{TaskName: &name}); err != nil {
		t.Fatalf("update task: %v", err)
	}
	host := "10.0.0.2"
	if _, err := cat.UpdateAccount(ctx, acct.ID, control.AccountPatch{HostIP: &host}); err != nil {
		t.Fatalf("update account: %v", err)
	}

	got := s.RunStaleSweep(ctx)
	if len(got) != 1 || got[0] != running.ID {
		t.Errorf("expected %s stale despite admin edits, got %v", running.ID, got)
	}
}

func TestStartStop(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, Options{TriggerSweep: time.Hour, StaleSweep: time.Hour})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if n := len(s.cron.Entries()); n != 2 {
		t.Errorf("expected 2 cron entries, got %d", n)
	}
	s.Stop()
}

func TestRunRetentionSweep(t *testing.T) {
	s, st, _, _ := newTestScheduler(t, Options{LogRetention: 7 * 24 * time.Hour})
	ctx := context.Background()
	now := time.Now()

	for _, end := range []time.Time{now.Add(-8 * 24 * time.Hour), now.Add(-time.Hour)} {
		l := &model.ExecutionLog{Text: "run", AppName: "Invoice", ShadowBotAccount: "bot-1", Status: model.LogCompleted, StartTime: end, EndTime: end}
		if err := st.InsertLog(ctx, l); err != nil {
			t.Fatalf("insert log: %v", err)
		}
	}

	if n := s.RunRetentionSweep(ctx); n != 1 {
		t.Errorf("expected 1 pruned log, got %d", n)
	}
	if n := s.RunRetentionSweep(ctx); n != 0 {
		t.Errorf("expected nothing left to prune, got %d", n)
	}
}

func TestStart_RetentionJobOnlyWhenEnabled(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, Options{TriggerSweep: time.Hour, StaleSweep: time.Hour, LogRetention: 24 * time.Hour})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	if n := len(s.cron.Entries()); n != 3 {
		t.Errorf("expected 3 cron entries, got %d", n)
	}
}
