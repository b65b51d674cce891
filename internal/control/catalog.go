package control

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/markus-barta/rpafleet/internal/model"
	"github.com/markus-barta/rpafleet/internal/protocol"
	"github.com/markus-barta/rpafleet/internal/store"
	"github.com/rs/zerolog"
)

// TaskInput creates a task. Status always starts at pending.
type TaskInput struct {
	TaskName         string     `json:"task_name"`
	ShadowBotAccount string     `json:"shadow_bot_account"`
	HostIP           string     `json:"host_ip"`
	AppName          string     `json:"app_name"`
	TriggerTime      *time.Time `json:"trigger_time"`
	ConfigFile       bool       `json:"config_file"`
	ConfigInfo       bool       `json:"config_info"`
	ConfigFilePath   *string    `json:"config_file_path"`
	ConfigJSON       *string    `json:"config_json"`
}

// TaskPatch updates a task. Nil fields are left unchanged. Status is not
// editable here.
type TaskPatch struct {
	TaskName         *string    `json:"task_name"`
	ShadowBotAccount *string    `json:"shadow_bot_account"`
	HostIP           *string    `json:"host_ip"`
	AppName          *string    `json:"app_name"`
	TriggerTime      *time.Time `json:"trigger_time"`
	ClearTrigger     bool       `json:"clear_trigger"`
	ConfigFile       *bool      `json:"config_file"`
	ConfigInfo       *bool      `json:"config_info"`
	ConfigFilePath   *string    `json:"config_file_path"`
	ConfigJSON       *string    `json:"config_json"`
}

// AccountInput creates an account.
type AccountInput struct {
	ShadowBotAccount string `json:"shadow_bot_account"`
	HostIP           string `json:"host_ip"`
	Port             int    `json:"port"`
	TaskControl      string `json:"task_control"`
}

// AccountPatch updates an account. task_count is derived and never patched.
type AccountPatch struct {
	ShadowBotAccount *string              `json:"shadow_bot_account"`
	HostIP           *string              `json:"host_ip"`
	Port             *int                 `json:"port"`
	TaskControl      *string              `json:"task_control"`
	Status           *model.AccountStatus `json:"status"`
}

// Catalog owns task and account create/update/delete. Every structural change
// recounts task_count for each affected agent identifier in the same
// transaction and publishes the new counts.
type Catalog struct {
	log   zerolog.Logger
	store *store.Store
	pub   Publisher
}

// NewCatalog creates a catalog.
func NewCatalog(log zerolog.Logger, st *store.Store, pub Publisher) *Catalog {
	return &Catalog{
		log:   log.With().Str("component", "catalog").Logger(),
		store: st,
		pub:   pub,
	}
}

// recount is the outcome of one SyncTaskCount call, published after commit.
type recount struct {
	count int
	accts []*model.Account
}

// ═══════════════════════════════════════════════════════════════════════════
// TASKS
// ═══════════════════════════════════════════════════════════════════════════

// CreateTask stores a new pending task.
func (c *Catalog) CreateTask(ctx context.Context, in TaskInput) (*model.Task, error) {
	if err := requireAgentApp(in.ShadowBotAccount, in.AppName); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.TaskName) == "" {
		in.TaskName = in.AppName
	}
	task := &model.Task{
		TaskName:         in.TaskName,
		ShadowBotAccount: in.ShadowBotAccount,
		HostIP:           in.HostIP,
		AppName:          in.AppName,
		Status:           model.TaskPending,
		TriggerTime:      in.TriggerTime,
		ConfigFile:       in.ConfigFile,
		ConfigInfo:       in.ConfigInfo,
		ConfigFilePath:   in.ConfigFilePath,
		ConfigJSON:       in.ConfigJSON,
	}

	var counts []recount
	err := c.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertTask(ctx, task); err != nil {
			return err
		}
		rc, err := syncCount(ctx, tx, task.ShadowBotAccount)
		counts = append(counts, rc)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().Str("task_id", task.ID).Str("account", task.ShadowBotAccount).Str("app", task.AppName).Msg("task created")
	c.publishCounts(counts)
	return task, nil
}

// UpdateTask applies patch. Moving a task to another agent recounts both.
// The row is read and written in one transaction so a concurrent confirm or
// completion is never overwritten by a stale copy.
func (c *Catalog) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*model.Task, error) {
	var (
		task   *model.Task
		counts []recount
	)
	err := c.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		if task, err = tx.GetTask(ctx, id); err != nil {
			return err
		}
		prevAgent := task.ShadowBotAccount
		patch.apply(task)
		if err := requireAgentApp(task.ShadowBotAccount, task.AppName); err != nil {
			return err
		}
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		if prevAgent == task.ShadowBotAccount {
			return nil
		}
		for _, agent := range []string{prevAgent, task.ShadowBotAccount} {
			rc, err := syncCount(ctx, tx, agent)
			if err != nil {
				return err
			}
			counts = append(counts, rc)
		}
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err, id)
	}

	c.publishCounts(counts)
	return task, nil
}

func (p TaskPatch) apply(task *model.Task) {
	if p.TaskName != nil {
		task.TaskName = *p.TaskName
	}
	if p.ShadowBotAccount != nil {
		task.ShadowBotAccount = *p.ShadowBotAccount
	}
	if p.HostIP != nil {
		task.HostIP = *p.HostIP
	}
	if p.AppName != nil {
		task.AppName = *p.AppName
	}
	if p.ClearTrigger {
		task.TriggerTime = nil
	} else if p.TriggerTime != nil {
		task.TriggerTime = p.TriggerTime
	}
	if p.ConfigFile != nil {
		task.ConfigFile = *p.ConfigFile
	}
	if p.ConfigInfo != nil {
		task.ConfigInfo = *p.ConfigInfo
	}
	if p.ConfigFilePath != nil {
		task.ConfigFilePath = p.ConfigFilePath
	}
	if p.ConfigJSON != nil {
		task.ConfigJSON = p.ConfigJSON
	}
}

// DeleteTask removes a task and recounts its agent.
func (c *Catalog) DeleteTask(ctx context.Context, id string) error {
	task, err := c.GetTask(ctx, id)
	if err != nil {
		return err
	}

	var counts []recount
	err = c.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.DeleteTask(ctx, id); err != nil {
			return err
		}
		rc, err := syncCount(ctx, tx, task.ShadowBotAccount)
		counts = append(counts, rc)
		return err
	})
	if err != nil {
		return mapStoreErr(err, id)
	}

	c.log.Info().Str("task_id", id).Str("account", task.ShadowBotAccount).Msg("task deleted")
	c.publishCounts(counts)
	return nil
}

// GetTask loads one task.
func (c *Catalog) GetTask(ctx context.Context, id string) (*model.Task, error) {
	task, err := c.store.GetTask(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err, id)
	}
	return task, nil
}

// ListTasks returns one page of tasks.
func (c *Catalog) ListTasks(ctx context.Context, f store.TaskFilter) (model.Page[model.Task], error) {
	tasks, total, err := c.store.ListTasks(ctx, f)
	if err != nil {
		return model.Page[model.Task]{}, err
	}
	limit, _ := store.Window(f.Page, f.PageSize)
	return model.NewPage(tasks, total, max(f.Page, 1), limit), nil
}

// TaskConfig returns the first task of agent running app, for the agent's
// config fetch.
func (c *Catalog) TaskConfig(ctx context.Context, agent, app string) (*model.Task, error) {
	if err := requireAgentApp(agent, app); err != nil {
		return nil, err
	}
	tasks, err := c.store.TasksByAgentApp(ctx, agent, app)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, notFound(CodeTaskNotFound, "No task for %s/%s", agent, app)
	}
	return tasks[0], nil
}

// ═══════════════════════════════════════════════════════════════════════════
// ACCOUNTS
// ═══════════════════════════════════════════════════════════════════════════

// CreateAccount stores a new account and gives it the current task count of
// its agent identifier.
func (c *Catalog) CreateAccount(ctx context.Context, in AccountInput) (*model.Account, error) {
	if strings.TrimSpace(in.ShadowBotAccount) == "" {
		return nil, invalid("shadow_bot_account is required")
	}
	if strings.TrimSpace(in.TaskControl) == "" {
		return nil, invalid("task_control is required")
	}
	acct := &model.Account{
		ShadowBotAccount: in.ShadowBotAccount,
		HostIP:           in.HostIP,
		Port:             in.Port,
		Status:           model.AccountPending,
		TaskControl:      in.TaskControl,
	}

	var counts []recount
	err := c.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertAccount(ctx, acct); err != nil {
			return err
		}
		rc, err := syncCount(ctx, tx, acct.ShadowBotAccount)
		counts = append(counts, rc)
		acct.TaskCount = rc.count
		return err
	})
	if err != nil {
		return nil, mapStoreErr(err, "")
	}

	c.log.Info().Str("account_id", acct.ID).Str("account", acct.ShadowBotAccount).Msg("account created")
	c.publishCounts(counts)
	return acct, nil
}

// UpdateAccount applies patch. A changed agent identifier recounts the new
// one, and the new task_count goes out in the same event as the other changes.
func (c *Catalog) UpdateAccount(ctx context.Context, id string, patch AccountPatch) (*model.Account, error) {
	if patch.ShadowBotAccount != nil && strings.TrimSpace(*patch.ShadowBotAccount) == "" {
		return nil, invalid("shadow_bot_account is required")
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, invalid("unknown account status %q", *patch.Status)
	}

	var (
		acct    *model.Account
		changes map[string]any
		counts  []recount
	)
	err := c.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		if acct, err = tx.GetAccount(ctx, id); err != nil {
			return err
		}
		prevAgent := acct.ShadowBotAccount
		changes = patch.apply(acct)
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		if prevAgent == acct.ShadowBotAccount {
			return nil
		}
		rc, err := syncCount(ctx, tx, acct.ShadowBotAccount)
		counts = append(counts, rc)
		acct.TaskCount = rc.count
		return err
	})
	if err != nil {
		return nil, mapStoreErr(err, id)
	}

	if len(counts) > 0 {
		changes["task_count"] = acct.TaskCount
	}
	if len(changes) > 0 {
		c.pub.Broadcast(protocol.NewEvent(protocol.EventAccountUpdated, protocol.AccountUpdatedData{
			AccountID:        acct.ID,
			ShadowBotAccount: acct.ShadowBotAccount,
			Changes:          changes,
		}))
	}
	c.publishCounts(counts, acct.ID)
	return acct, nil
}

// apply writes the patch onto acct and returns the changed fields.
func (p AccountPatch) apply(acct *model.Account) map[string]any {
	changes := make(map[string]any)
	if p.ShadowBotAccount != nil && *p.ShadowBotAccount != acct.ShadowBotAccount {
		acct.ShadowBotAccount = *p.ShadowBotAccount
		changes["shadow_bot_account"] = acct.ShadowBotAccount
	}
	if p.HostIP != nil {
		acct.HostIP = *p.HostIP
		changes["host_ip"] = acct.HostIP
	}
	if p.Port != nil {
		acct.Port = *p.Port
		changes["port"] = acct.Port
	}
	if p.TaskControl != nil {
		acct.TaskControl = *p.TaskControl
		changes["task_control"] = acct.TaskControl
	}
	if p.Status != nil {
		acct.Status = *p.Status
		changes["status"] = acct.Status
	}
	return changes
}

// DeleteAccount removes an account. Counts on other accounts are unaffected.
func (c *Catalog) DeleteAccount(ctx context.Context, id string) error {
	if err := c.store.DeleteAccount(ctx, id); err != nil {
		return mapStoreErr(err, id)
	}
	c.log.Info().Str("account_id", id).Msg("account deleted")
	return nil
}

// GetAccount loads one account.
func (c *Catalog) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	acct, err := c.store.GetAccount(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err, id)
	}
	return acct, nil
}

// ListAccounts returns one page of accounts.
func (c *Catalog) ListAccounts(ctx context.Context, f store.AccountFilter) (model.Page[model.Account], error) {
	accts, total, err := c.store.ListAccounts(ctx, f)
	if err != nil {
		return model.Page[model.Account]{}, err
	}
	limit, _ := store.Window(f.Page, f.PageSize)
	return model.NewPage(accts, total, max(f.Page, 1), limit), nil
}

// ═══════════════════════════════════════════════════════════════════════════
// EXECUTION LOGS & STATS
// ═══════════════════════════════════════════════════════════════════════════

// GetLog loads one execution log.
func (c *Catalog) GetLog(ctx context.Context, id string) (*model.ExecutionLog, error) {
	l, err := c.store.GetLog(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err, id)
	}
	return l, nil
}

// ListLogs returns one page of execution logs.
func (c *Catalog) ListLogs(ctx context.Context, f store.LogFilter) (model.Page[model.ExecutionLog], error) {
	logs, total, err := c.store.ListLogs(ctx, f)
	if err != nil {
		return model.Page[model.ExecutionLog]{}, err
	}
	limit, _ := store.Window(f.Page, f.PageSize)
	return model.NewPage(logs, total, max(f.Page, 1), limit), nil
}

// AttachArtifacts records artifact locations that arrive after the log was
// written and re-sends log_created to viewers following the agent's accounts.
func (c *Catalog) AttachArtifacts(ctx context.Context, id string, screenshotURL, logURL *string) (*model.ExecutionLog, error) {
	if screenshotURL == nil && logURL == nil {
		return nil, invalid("screenshot_url or log_url is required")
	}
	l, err := c.store.AttachArtifacts(ctx, id, screenshotURL, logURL)
	if err != nil {
		return nil, mapStoreErr(err, id)
	}

	accts, err := c.store.AccountsByAgent(ctx, l.ShadowBotAccount)
	if err != nil {
		c.log.Warn().Err(err).Str("log_id", id).Msg("failed to resolve accounts for artifact notice")
		return l, nil
	}
	evt := protocol.NewEvent(protocol.EventLogCreated, logCreated(l))
	for _, a := range accts {
		c.pub.SendToAccount(a.ID, evt)
	}
	return l, nil
}

// Stats returns dashboard counters.
func (c *Catalog) Stats(ctx context.Context) (*store.Stats, error) {
	return c.store.Stats(ctx)
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func syncCount(ctx context.Context, tx *store.Tx, agent string) (recount, error) {
	count, accts, err := tx.SyncTaskCount(ctx, agent)
	return recount{count: count, accts: accts}, err
}

// publishCounts sends task_count to every recounted account except those in
// skip, which already carried it in their own event.
func (c *Catalog) publishCounts(counts []recount, skip ...string) {
	for _, rc := range counts {
		for _, a := range rc.accts {
			if slices.Contains(skip, a.ID) {
				continue
			}
			c.pub.Broadcast(protocol.NewEvent(protocol.EventAccountUpdated, protocol.AccountUpdatedData{
				AccountID:        a.ID,
				ShadowBotAccount: a.ShadowBotAccount,
				Changes:          map[string]any{"task_count": rc.count},
			}))
		}
	}
}

func mapStoreErr(err error, id string) error {
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return notFound(CodeTaskNotFound, "Task %s not found", id)
	case errors.Is(err, store.ErrAccountNotFound):
		return notFound(CodeAccountNotFound, "Account %s not found", id)
	case errors.Is(err, store.ErrLogNotFound):
		return notFound(CodeLogNotFound, "Execution log %s not found", id)
	case errors.Is(err, store.ErrDuplicateTaskControl):
		return &Error{Kind: KindConflict, Code: CodeAccountConflict, Message: "task_control already in use", Err: err}
	}
	return err
}
