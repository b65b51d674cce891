package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/rpafleet/internal/model"
)

const taskColumns = `id, task_name, shadow_bot_account, host_ip, app_name, status, last_run_time,
	trigger_time, config_file, config_info, config_file_path, config_json, created_at, updated_at`

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	Search           string
	Status           model.TaskStatus
	AppName          string
	ShadowBotAccount string
	Page             int
	PageSize         int
}

// InsertTask stores a new task. An empty ID is filled in; status defaults to pending.
func (s *Store) InsertTask(ctx context.Context, task *model.Task) error {
	return insertTask(ctx, s.db, task)
}

func insertTask(ctx context.Context, db execer, task *model.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = model.TaskPending
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.TaskName, task.ShadowBotAccount, task.HostIP, task.AppName, task.Status,
		nullableTime(task.LastRunTime), nullableTime(task.TriggerTime), task.ConfigFile, task.ConfigInfo,
		nullableString(task.ConfigFilePath), nullableString(task.ConfigJSON),
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask rewrites the operator-editable columns of task. status and
// last_run_time belong to the reconciler and are never written here.
func (s *Store) UpdateTask(ctx context.Context, task *model.Task) error {
	return updateTask(ctx, s.db, task)
}

func updateTask(ctx context.Context, db execer, task *model.Task) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := db.ExecContext(ctx, `
		UPDATE tasks
		SET task_name = ?, shadow_bot_account = ?, host_ip = ?, app_name = ?,
			trigger_time = ?, config_file = ?, config_info = ?,
			config_file_path = ?, config_json = ?, updated_at = ?
		WHERE id = ?
	`, task.TaskName, task.ShadowBotAccount, task.HostIP, task.AppName,
		nullableTime(task.TriggerTime), task.ConfigFile, task.ConfigInfo,
		nullableString(task.ConfigFilePath), nullableString(task.ConfigJSON),
		formatTime(task.UpdatedAt), task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return checkAffected(res, ErrTaskNotFound)
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return deleteTask(ctx, s.db, id)
}

func deleteTask(ctx context.Context, db execer, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return checkAffected(res, ErrTaskNotFound)
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, db execer, id string) (*model.Task, error) {
	row := db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListTasks returns one page of tasks, newest first, and the total match count.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Search != "" {
		where = append(where, `(task_name LIKE ? ESCAPE '\' OR app_name LIKE ? ESCAPE '\' OR shadow_bot_account LIKE ? ESCAPE '\')`)
		p := likePattern(f.Search)
		args = append(args, p, p, p)
	}
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, f.Status)
	}
	if f.AppName != "" {
		where = append(where, `lower(app_name) = lower(?)`)
		args = append(args, f.AppName)
	}
	if f.ShadowBotAccount != "" {
		where = append(where, `shadow_bot_account = ?`)
		args = append(args, f.ShadowBotAccount)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit, offset := Window(f.Page, f.PageSize)
	tasks, err := queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks`+clause+
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, total, nil
}

// TasksByAgentApp returns every task bound to agent whose app name equals app,
// ignoring case.
func (s *Store) TasksByAgentApp(ctx context.Context, agent, app string) ([]*model.Task, error) {
	return tasksByAgentApp(ctx, s.db, agent, app)
}

func tasksByAgentApp(ctx context.Context, db execer, agent, app string) ([]*model.Task, error) {
	tasks, err := queryTasks(ctx, db, `
		SELECT `+taskColumns+` FROM tasks
		WHERE shadow_bot_account = ? AND lower(app_name) = lower(?)
		ORDER BY created_at, id
	`, agent, app)
	if err != nil {
		return nil, fmt.Errorf("tasks by agent app: %w", err)
	}
	return tasks, nil
}

// DueTasks returns pending tasks whose trigger time is at or before now.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]*model.Task, error) {
	tasks, err := queryTasks(ctx, s.db, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND trigger_time IS NOT NULL AND trigger_time <= ?
		ORDER BY trigger_time, id
	`, model.TaskPending, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	return tasks, nil
}

// RunningTasks returns every task currently marked running.
func (s *Store) RunningTasks(ctx context.Context) ([]*model.Task, error) {
	tasks, err := queryTasks(ctx, s.db, `
		SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY updated_at, id
	`, model.TaskRunning)
	if err != nil {
		return nil, fmt.Errorf("running tasks: %w", err)
	}
	return tasks, nil
}

// SetTaskStatus sets status on the given tasks. A non-nil lastRun is stamped
// as last_run_time; nil leaves it unchanged.
func (s *Store) SetTaskStatus(ctx context.Context, ids []string, status model.TaskStatus, lastRun *time.Time) error {
	return setTaskStatus(ctx, s.db, ids, status, lastRun)
}

func setTaskStatus(ctx context.Context, db execer, ids []string, status model.TaskStatus, lastRun *time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{status, nullableTime(lastRun), formatTime(time.Now())}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, last_run_time = COALESCE(?, last_run_time), updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	return nil
}

// ClaimTrigger clears a task's trigger time. It reports false when the trigger
// was already cleared, so each trigger is claimed at most once.
func (s *Store) ClaimTrigger(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET trigger_time = NULL, updated_at = ?
		WHERE id = ? AND trigger_time IS NOT NULL
	`, formatTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("claim trigger: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func queryTasks(ctx context.Context, db execer, query string, args ...any) ([]*model.Task, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(sc scanner) (*model.Task, error) {
	var (
		t                      model.Task
		status                 string
		lastRun, trigger       sql.NullString
		configPath, configJSON sql.NullString
		createdAt, updatedAt   string
	)
	if err := sc.Scan(&t.ID, &t.TaskName, &t.ShadowBotAccount, &t.HostIP, &t.AppName, &status,
		&lastRun, &trigger, &t.ConfigFile, &t.ConfigInfo, &configPath, &configJSON,
		&createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	var err error
	t.Status = model.TaskStatus(status)
	if t.LastRunTime, err = timePtr(lastRun); err != nil {
		return nil, err
	}
	if t.TriggerTime, err = timePtr(trigger); err != nil {
		return nil, err
	}
	t.ConfigFilePath = stringPtr(configPath)
	t.ConfigJSON = stringPtr(configJSON)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
