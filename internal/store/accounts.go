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

const accountColumns = `id, shadow_bot_account, host_ip, port, status, recent_app, end_time,
	task_control, task_count, last_seen_at, created_at, updated_at`

// AccountFilter narrows ListAccounts. Empty fields match everything.
type AccountFilter struct {
	Search           string
	Status           model.AccountStatus
	ShadowBotAccount string
	Page             int
	PageSize         int
}

// AccountUpdate is a partial update applied to every account of one agent.
// Nil fields are left unchanged. Seen stamps last_seen_at and is set only when
// the agent itself reported in.
type AccountUpdate struct {
	Status    *model.AccountStatus
	RecentApp *string
	EndTime   *time.Time
	Seen      *time.Time
}

// Changes returns the written fields keyed by column name.
func (u AccountUpdate) Changes() map[string]any {
	changes := make(map[string]any)
	if u.Status != nil {
		changes["status"] = *u.Status
	}
	if u.RecentApp != nil {
		changes["recent_app"] = *u.RecentApp
	}
	if u.EndTime != nil {
		changes["end_time"] = u.EndTime.UTC().Format(time.RFC3339)
	}
	if u.Seen != nil {
		changes["last_seen_at"] = u.Seen.UTC().Format(time.RFC3339)
	}
	return changes
}

// InsertAccount stores a new account. task_count starts at zero and is set by
// SyncTaskCount.
func (s *Store) InsertAccount(ctx context.Context, acct *model.Account) error {
	return insertAccount(ctx, s.db, acct)
}

func insertAccount(ctx context.Context, db execer, acct *model.Account) error {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.Status == "" {
		acct.Status = model.AccountPending
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	acct.TaskCount = 0

	_, err := db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, acct.ID, acct.ShadowBotAccount, acct.HostIP, acct.Port, acct.Status,
		nullableString(acct.RecentApp), nullableTime(acct.EndTime), acct.TaskControl, acct.TaskCount,
		nullableTime(acct.LastSeenAt), formatTime(acct.CreatedAt), formatTime(acct.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTaskControl
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// UpdateAccount rewrites the operator-editable columns of acct. recent_app,
// end_time, last_seen_at and task_count are never written here.
func (s *Store) UpdateAccount(ctx context.Context, acct *model.Account) error {
	return updateAccount(ctx, s.db, acct)
}

func updateAccount(ctx context.Context, db execer, acct *model.Account) error {
	acct.UpdatedAt = time.Now().UTC()
	res, err := db.ExecContext(ctx, `
		UPDATE accounts
		SET shadow_bot_account = ?, host_ip = ?, port = ?, status = ?, task_control = ?, updated_at = ?
		WHERE id = ?
	`, acct.ShadowBotAccount, acct.HostIP, acct.Port, acct.Status, acct.TaskControl,
		formatTime(acct.UpdatedAt), acct.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTaskControl
		}
		return fmt.Errorf("update account: %w", err)
	}
	return checkAffected(res, ErrAccountNotFound)
}

// DeleteAccount removes an account. Tasks bound to its agent identifier are
// left in place.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return checkAffected(res, ErrAccountNotFound)
}

// GetAccount loads one account.
func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.db, id)
}

func getAccount(ctx context.Context, db execer, id string) (*model.Account, error) {
	row := db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return acct, nil
}

// ListAccounts returns one page of accounts, newest first, and the total match count.
func (s *Store) ListAccounts(ctx context.Context, f AccountFilter) ([]*model.Account, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Search != "" {
		where = append(where, `(shadow_bot_account LIKE ? ESCAPE '\' OR host_ip LIKE ? ESCAPE '\' OR task_control LIKE ? ESCAPE '\')`)
		p := likePattern(f.Search)
		args = append(args, p, p, p)
	}
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, f.Status)
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
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM accounts`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count accounts: %w", err)
	}

	limit, offset := Window(f.Page, f.PageSize)
	accts, err := queryAccounts(ctx, s.db, `SELECT `+accountColumns+` FROM accounts`+clause+
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list accounts: %w", err)
	}
	return accts, total, nil
}

// AccountsByAgent returns every account carrying the agent identifier.
func (s *Store) AccountsByAgent(ctx context.Context, agent string) ([]*model.Account, error) {
	return accountsByAgent(ctx, s.db, agent)
}

func accountsByAgent(ctx context.Context, db execer, agent string) ([]*model.Account, error) {
	accts, err := queryAccounts(ctx, db, `
		SELECT `+accountColumns+` FROM accounts WHERE shadow_bot_account = ? ORDER BY created_at, id
	`, agent)
	if err != nil {
		return nil, fmt.Errorf("accounts by agent: %w", err)
	}
	return accts, nil
}

// UpdateAccountsByAgent applies u to every account of agent and returns the
// updated rows.
func (s *Store) UpdateAccountsByAgent(ctx context.Context, agent string, u AccountUpdate) ([]*model.Account, error) {
	var accts []*model.Account
	err := s.InTx(ctx, func(tx *Tx) error {
		var err error
		accts, err = tx.UpdateAccountsByAgent(ctx, agent, u)
		return err
	})
	return accts, err
}

func updateAccountsByAgent(ctx context.Context, db execer, agent string, u AccountUpdate) ([]*model.Account, error) {
	var set []string
	var args []any
	if u.Status != nil {
		set = append(set, "status = ?")
		args = append(args, *u.Status)
	}
	if u.RecentApp != nil {
		set = append(set, "recent_app = ?")
		args = append(args, *u.RecentApp)
	}
	if u.EndTime != nil {
		set = append(set, "end_time = ?")
		args = append(args, formatTime(*u.EndTime))
	}
	if u.Seen != nil {
		set = append(set, "last_seen_at = ?")
		args = append(args, formatTime(*u.Seen))
	}
	set = append(set, "updated_at = ?")
	args = append(args, formatTime(time.Now()), agent)

	if _, err := db.ExecContext(ctx,
		`UPDATE accounts SET `+strings.Join(set, ", ")+` WHERE shadow_bot_account = ?`, args...); err != nil {
		return nil, fmt.Errorf("update accounts by agent: %w", err)
	}
	return accountsByAgent(ctx, db, agent)
}

func queryAccounts(ctx context.Context, db execer, query string, args ...any) ([]*model.Account, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accts []*model.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accts = append(accts, acct)
	}
	return accts, rows.Err()
}

func scanAccount(sc scanner) (*model.Account, error) {
	var (
		a                    model.Account
		status               string
		recentApp, endTime   sql.NullString
		lastSeen             sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&a.ID, &a.ShadowBotAccount, &a.HostIP, &a.Port, &status, &recentApp, &endTime,
		&a.TaskControl, &a.TaskCount, &lastSeen, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}

	var err error
	a.Status = model.AccountStatus(status)
	a.RecentApp = stringPtr(recentApp)
	if a.EndTime, err = timePtr(endTime); err != nil {
		return nil, err
	}
	if a.LastSeenAt, err = timePtr(lastSeen); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
