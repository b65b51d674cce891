package control

import (
	"context"
	"errors"
	"time"

	"github.com/markus-barta/rpafleet/internal/model"
	"github.com/markus-barta/rpafleet/internal/relay"
	"github.com/markus-barta/rpafleet/internal/store"
	"github.com/rs/zerolog"
)

// Relay sends one control request to the intermediary proxy.
type Relay interface {
	Send(ctx context.Context, req relay.ControlRequest) error
}

// Dispatcher turns operator start/stop actions into relay calls. It never
// changes task or account state; that waits for the agent's confirmation.
type Dispatcher struct {
	log     zerolog.Logger
	store   *store.Store
	relay   Relay
	journal *Journal
	now     func() time.Time
}

// NewDispatcher creates a dispatcher. journal may be nil.
func NewDispatcher(log zerolog.Logger, st *store.Store, rl Relay, journal *Journal) *Dispatcher {
	return &Dispatcher{
		log:     log.With().Str("component", "dispatcher").Logger(),
		store:   st,
		relay:   rl,
		journal: journal,
		now:     time.Now,
	}
}

// Start asks the task's agent to start its app.
func (d *Dispatcher) Start(ctx context.Context, taskID string) (*model.Task, error) {
	task, err := d.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := CanStart(task).err(); err != nil {
		return task, err
	}
	return task, d.dispatch(ctx, task, relay.TargetStart)
}

// Stop asks the task's agent to stop everything it is running.
func (d *Dispatcher) Stop(ctx context.Context, taskID string) (*model.Task, error) {
	task, err := d.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := CanStop(task).err(); err != nil {
		return task, err
	}
	return task, d.dispatch(ctx, task, relay.TargetAll)
}

// Signal sends target for task without any status check. Force-stop uses it.
func (d *Dispatcher) Signal(ctx context.Context, task *model.Task, target relay.Target) error {
	return d.dispatch(ctx, task, target)
}

func (d *Dispatcher) loadTask(ctx context.Context, taskID string) (*model.Task, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		return nil, notFound(CodeTaskNotFound, "Task %s not found", taskID)
	}
	return task, err
}

func (d *Dispatcher) dispatch(ctx context.Context, task *model.Task, target relay.Target) error {
	acct, err := d.resolveAccount(ctx, task)
	if err != nil {
		return err
	}

	req := relay.ControlRequest{
		BackendIP:      acct.HostIP,
		BackendPort:    acct.Port,
		TaskIdentifier: task.AppName,
		Target:         target,
		Timestamp:      d.now(),
	}

	log := d.log.With().
		Str("task_id", task.ID).
		Str("account", task.ShadowBotAccount).
		Str("app", task.AppName).
		Str("target", string(target)).
		Logger()

	if err := d.relay.Send(ctx, req); err != nil {
		kind := KindRelayUnreachable
		if errors.Is(err, relay.ErrRejected) {
			kind = KindRelayRejected
		}
		log.Warn().Err(err).Msg("control request failed")
		d.journal.Add(LogEntry{
			Level:   LogLevelError,
			Agent:   task.ShadowBotAccount,
			TaskID:  task.ID,
			Message: "Control request " + string(target) + " failed: " + err.Error(),
			Code:    CodeControlRequestFailed,
		})
		return &Error{Kind: kind, Code: CodeControlRequestFailed, Message: "Control request failed", Err: err}
	}

	log.Info().Str("backend", acct.HostIP).Int("port", acct.Port).Msg("control request sent")
	d.journal.Add(LogEntry{
		Level:   LogLevelInfo,
		Agent:   task.ShadowBotAccount,
		TaskID:  task.ID,
		Message: "Control request " + string(target) + " sent for " + task.AppName,
		Code:    "control_sent",
	})
	return nil
}

// resolveAccount picks the account that carries the task's agent identifier,
// preferring one on the task's host.
func (d *Dispatcher) resolveAccount(ctx context.Context, task *model.Task) (*model.Account, error) {
	accts, err := d.store.AccountsByAgent(ctx, task.ShadowBotAccount)
	if err != nil {
		return nil, err
	}
	if len(accts) == 0 {
		return nil, notFound(CodeAccountNotFound, "No account for agent %s", task.ShadowBotAccount)
	}
	for _, a := range accts {
		if task.HostIP != "" && a.HostIP == task.HostIP {
			return a, nil
		}
	}
	return accts[0], nil
}
