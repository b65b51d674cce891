package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/markus-barta/rpafleet/internal/model"
)

// Tx is a write transaction. With a single pooled connection every statement
// inside fn must go through the Tx, never the Store.
type Tx struct {
	tx *sql.Tx
}

// InTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *Tx) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return getTask(ctx, t.tx, id)
}

func (t *Tx) InsertTask(ctx context.Context, task *model.Task) error {
	return insertTask(ctx, t.tx, task)
}

func (t *Tx) UpdateTask(ctx context.Context, task *model.Task) error {
	return updateTask(ctx, t.tx, task)
}

func (t *Tx) DeleteTask(ctx context.Context, id string) error {
	return deleteTask(ctx, t.tx, id)
}

func (t *Tx) InsertAccount(ctx context.Context, acct *model.Account) error {
	return insertAccount(ctx, t.tx, acct)
}

func (t *Tx) UpdateAccount(ctx context.Context, acct *model.Account) error {
	return updateAccount(ctx, t.tx, acct)
}

func (t *Tx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, t.tx, id)
}

func (t *Tx) TasksByAgentApp(ctx context.Context, agent, app string) ([]*model.Task, error) {
	return tasksByAgentApp(ctx, t.tx, agent, app)
}

func (t *Tx) SetTaskStatus(ctx context.Context, ids []string, status model.TaskStatus, lastRun *time.Time) error {
	return setTaskStatus(ctx, t.tx, ids, status, lastRun)
}

func (t *Tx) UpdateAccountsByAgent(ctx context.Context, agent string, u AccountUpdate) ([]*model.Account, error) {
	return updateAccountsByAgent(ctx, t.tx, agent, u)
}

func (t *Tx) AccountsByAgent(ctx context.Context, agent string) ([]*model.Account, error) {
	return accountsByAgent(ctx, t.tx, agent)
}

func (t *Tx) InsertLog(ctx context.Context, l *model.ExecutionLog) error {
	return insertLog(ctx, t.tx, l)
}

// SyncTaskCount recounts the tasks bound to agent and overwrites task_count on
// every account carrying that identifier. It returns the count and the
// accounts that were written. updated_at is left alone since a recount is not
// activity on the account.
func (t *Tx) SyncTaskCount(ctx context.Context, agent string) (int, []*model.Account, error) {
	var count int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM tasks WHERE shadow_bot_account = ?`, agent).Scan(&count); err != nil {
		return 0, nil, fmt.Errorf("count tasks for %s: %w", agent, err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET task_count = ? WHERE shadow_bot_account = ?`, count, agent); err != nil {
		return 0, nil, fmt.Errorf("write task_count for %s: %w", agent, err)
	}
	accts, err := accountsByAgent(ctx, t.tx, agent)
	if err != nil {
		return 0, nil, fmt.Errorf("reload accounts for %s: %w", agent, err)
	}
	return count, accts, nil
}

// SyncTaskCount runs Tx.SyncTaskCount in its own transaction.
func (s *Store) SyncTaskCount(ctx context.Context, agent string) (int, []*model.Account, error) {
	var (
		count int
		accts []*model.Account
	)
	err := s.InTx(ctx, func(tx *Tx) error {
		var err error
		count, accts, err = tx.SyncTaskCount(ctx, agent)
		return err
	})
	return count, accts, err
}
