// Package scheduler runs the control plane's periodic jobs: starting tasks whose
// trigger time has passed, flagging tasks that stopped reporting and pruning
// old execution logs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/markus-barta/rpafleet/internal/control"
	"github.com/markus-barta/rpafleet/internal/model"
	"github.com/markus-barta/rpafleet/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Starter sends start requests.
type Starter interface {
	Start(ctx context.Context, taskID string) (*model.Task, error)
}

// ForceStopper resolves tasks stuck in running.
type ForceStopper interface {
	ForceStop(ctx context.Context, taskID string) (*model.Task, *control.Result, error)
}

// Options configures the sweeps.
type Options struct {
	TriggerSweep   time.Duration
	StaleSweep     time.Duration
	StaleAfter     time.Duration
	StaleAutoForce bool
	LogRetention   time.Duration // 0 keeps logs forever
}

const retentionSweep = time.Hour

// Scheduler owns the cron runner for both sweeps.
type Scheduler struct {
	log     zerolog.Logger
	store   *store.Store
	starter Starter
	stopper ForceStopper
	journal *control.Journal
	opts    Options
	now     func() time.Time

	cron *cron.Cron
	ctx  context.Context
}

// New creates a scheduler. journal may be nil.
func New(log zerolog.Logger, st *store.Store, starter Starter, stopper ForceStopper, journal *control.Journal, opts Options) *Scheduler {
	if opts.TriggerSweep <= 0 {
		opts.TriggerSweep = 30 * time.Second
	}
	if opts.StaleSweep <= 0 {
		opts.StaleSweep = time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	return &Scheduler{
		log:     log.With().Str("component", "scheduler").Logger(),
		store:   st,
		starter: starter,
		stopper: stopper,
		journal: journal,
		opts:    opts,
		now:     time.Now,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
}

// Start registers both sweeps and starts the cron runner. ctx bounds the work
// done by each sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	if _, err := s.cron.AddFunc(every(s.opts.TriggerSweep), func() { s.RunTriggerSweep(s.ctx) }); err != nil {
		return fmt.Errorf("schedule trigger sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(every(s.opts.StaleSweep), func() { s.RunStaleSweep(s.ctx) }); err != nil {
		return fmt.Errorf("schedule stale sweep: %w", err)
	}
	if s.opts.LogRetention > 0 {
		if _, err := s.cron.AddFunc(every(retentionSweep), func() { s.RunRetentionSweep(s.ctx) }); err != nil {
			return fmt.Errorf("schedule retention sweep: %w", err)
		}
	}
	s.cron.Start()
	s.log.Info().
		Dur("trigger_sweep", s.opts.TriggerSweep).
		Dur("stale_sweep", s.opts.StaleSweep).
		Dur("stale_after", s.opts.StaleAfter).
		Bool("auto_force", s.opts.StaleAutoForce).
		Dur("log_retention", s.opts.LogRetention).
		Msg("scheduler started")
	return nil
}

// Stop stops the cron runner and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// ═══════════════════════════════════════════════════════════════════════════
// TRIGGER SWEEP
// ═══════════════════════════════════════════════════════════════════════════

// RunTriggerSweep sends a start request for each pending task whose trigger
// time has passed. A trigger is claimed before sending, so it fires at most
// once whether or not the request succeeds. It returns the number of tasks
// for which a request was sent.
func (s *Scheduler) RunTriggerSweep(ctx context.Context) int {
	due, err := s.store.DueTasks(ctx, s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load due tasks")
		return 0
	}

	sent := 0
	for _, task := range due {
		log := s.log.With().Str("task_id", task.ID).Str("app", task.AppName).Logger()

		claimed, err := s.store.ClaimTrigger(ctx, task.ID)
		if err != nil {
			log.Error().Err(err).Msg("failed to claim trigger")
			continue
		}
		if !claimed {
			continue
		}
		if _, err := s.starter.Start(ctx, task.ID); err != nil {
			log.Warn().Err(err).Msg("triggered start failed")
			continue
		}
		log.Info().Msg("triggered start sent")
		sent++
	}
	return sent
}

// ═══════════════════════════════════════════════════════════════════════════
// STALE SWEEP
// ═══════════════════════════════════════════════════════════════════════════

// RunStaleSweep finds running tasks whose last sign of life, the newer of the
// task's confirmed start and its agent's last report, is older than StaleAfter. Stale tasks
// are journaled and, with StaleAutoForce, force-stopped. It returns the IDs of
// the stale tasks.
func (s *Scheduler) RunStaleSweep(ctx context.Context) []string {
	running, err := s.store.RunningTasks(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load running tasks")
		return nil
	}

	cutoff := s.now().Add(-s.opts.StaleAfter)
	var stale []string
	for _, task := range running {
		lastSeen, err := s.lastSeen(ctx, task)
		if err != nil {
			s.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to load accounts")
			continue
		}
		if !lastSeen.Before(cutoff) {
			continue
		}
		stale = append(stale, task.ID)

		log := s.log.With().
			Str("task_id", task.ID).
			Str("account", task.ShadowBotAccount).
			Time("last_seen", lastSeen).
			Logger()
		log.Warn().Msg("task is stale")
		s.journal.Add(control.LogEntry{
			Level:   control.LogLevelWarning,
			Agent:   task.ShadowBotAccount,
			TaskID:  task.ID,
			Message: fmt.Sprintf("Task %s silent since %s", task.TaskName, lastSeen.Format(time.RFC3339)),
			Code:    "stale_task",
		})

		if !s.opts.StaleAutoForce {
			continue
		}
		if _, _, err := s.stopper.ForceStop(ctx, task.ID); err != nil {
			log.Error().Err(err).Msg("auto force-stop failed")
		}
	}
	return stale
}

// lastSeen is the latest sign of life for task: its confirmed start or a
// later report from its agent. Administrative edits do not count.
func (s *Scheduler) lastSeen(ctx context.Context, task *model.Task) (time.Time, error) {
	seen := task.CreatedAt
	if task.LastRunTime != nil && task.LastRunTime.After(seen) {
		seen = *task.LastRunTime
	}
	accts, err := s.store.AccountsByAgent(ctx, task.ShadowBotAccount)
	if err != nil {
		return seen, err
	}
	for _, a := range accts {
		if a.LastSeenAt != nil && a.LastSeenAt.After(seen) {
			seen = *a.LastSeenAt
		}
	}
	return seen, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// RETENTION SWEEP
// ═══════════════════════════════════════════════════════════════════════════

// RunRetentionSweep deletes execution logs older than LogRetention and returns
// the number removed.
func (s *Scheduler) RunRetentionSweep(ctx context.Context) int64 {
	if s.opts.LogRetention <= 0 {
		return 0
	}
	n, err := s.store.PruneLogs(ctx, s.now().Add(-s.opts.LogRetention))
	if err != nil {
		s.log.Error().Err(err).Msg("retention cleanup failed")
		return 0
	}
	if n > 0 {
		s.log.Info().Int64("logs", n).Msg("retention cleanup complete")
	}
	return n
}
