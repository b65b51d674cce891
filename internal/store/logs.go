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

const logColumns = `id, text, app_name, shadow_bot_account, host_ip, status, start_time, end_time,
	duration, log_info, screenshot, screenshot_url, log_url, created_at`

// LogFilter narrows ListLogs. Empty fields match everything.
type LogFilter struct {
	Search           string
	Status           model.LogStatus
	AppName          string
	ShadowBotAccount string
	Page             int
	PageSize         int
}

// InsertLog appends an execution log.
func (s *Store) InsertLog(ctx context.Context, l *model.ExecutionLog) error {
	return insertLog(ctx, s.db, l)
}

func insertLog(ctx context.Context, db execer, l *model.ExecutionLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.CreatedAt = time.Now().UTC()

	_, err := db.ExecContext(ctx, `
		INSERT INTO execution_logs (`+logColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.Text, l.AppName, l.ShadowBotAccount, l.HostIP, l.Status,
		formatTime(l.StartTime), formatTime(l.EndTime), l.Duration, l.LogInfo, l.Screenshot,
		nullableString(l.ScreenshotURL), nullableString(l.LogURL), formatTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

// GetLog loads one execution log.
func (s *Store) GetLog(ctx context.Context, id string) (*model.ExecutionLog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM execution_logs WHERE id = ?`, id)
	l, err := scanLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLogNotFound
		}
		return nil, err
	}
	return l, nil
}

// ListLogs returns one page of logs, newest first, and the total match count.
func (s *Store) ListLogs(ctx context.Context, f LogFilter) ([]*model.ExecutionLog, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Search != "" {
		where = append(where, `(text LIKE ? ESCAPE '\' OR app_name LIKE ? ESCAPE '\' OR shadow_bot_account LIKE ? ESCAPE '\')`)
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
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM execution_logs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count execution logs: %w", err)
	}

	limit, offset := Window(f.Page, f.PageSize)
	rows, err := s.db.QueryContext(ctx, `SELECT `+logColumns+` FROM execution_logs`+clause+
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()

	var logs []*model.ExecutionLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

// AttachArtifacts sets artifact locations on an existing log. Nil arguments
// keep the stored value. This is the only mutation a log row accepts.
func (s *Store) AttachArtifacts(ctx context.Context, id string, screenshotURL, logURL *string) (*model.ExecutionLog, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_logs
		SET screenshot_url = COALESCE(?, screenshot_url),
			log_url = COALESCE(?, log_url),
			screenshot = CASE WHEN ? IS NOT NULL THEN 1 ELSE screenshot END,
			log_info = CASE WHEN ? IS NOT NULL THEN 1 ELSE log_info END
		WHERE id = ?
	`, nullableString(screenshotURL), nullableString(logURL),
		nullableString(screenshotURL), nullableString(logURL), id)
	if err != nil {
		return nil, fmt.Errorf("attach artifacts: %w", err)
	}
	if err := checkAffected(res, ErrLogNotFound); err != nil {
		return nil, err
	}
	return s.GetLog(ctx, id)
}

// PruneLogs deletes logs whose run ended before cutoff and returns how many
// were removed.
func (s *Store) PruneLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM execution_logs WHERE end_time < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune execution logs: %w", err)
	}
	return res.RowsAffected()
}

func scanLog(sc scanner) (*model.ExecutionLog, error) {
	var (
		l                     model.ExecutionLog
		status                string
		startTime, endTime    string
		screenshotURL, logURL sql.NullString
		createdAt             string
	)
	if err := sc.Scan(&l.ID, &l.Text, &l.AppName, &l.ShadowBotAccount, &l.HostIP, &status,
		&startTime, &endTime, &l.Duration, &l.LogInfo, &l.Screenshot, &screenshotURL, &logURL,
		&createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan execution log: %w", err)
	}

	var err error
	l.Status = model.LogStatus(status)
	if l.StartTime, err = parseTime(startTime); err != nil {
		return nil, err
	}
	if l.EndTime, err = parseTime(endTime); err != nil {
		return nil, err
	}
	l.ScreenshotURL = stringPtr(screenshotURL)
	l.LogURL = stringPtr(logURL)
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &l, nil
}
