package store

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/markus-barta/rpafleet/internal/model"
)

// StatusCounts is a total with a per-status breakdown.
type StatusCounts struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// LogCounts adds the success rate to the execution log breakdown.
type LogCounts struct {
	StatusCounts
	SuccessRate float64 `json:"success_rate"`
}

// Stats is the dashboard summary.
type Stats struct {
	Accounts      StatusCounts `json:"accounts"`
	Tasks         StatusCounts `json:"tasks"`
	ExecutionLogs LogCounts    `json:"execution_logs"`
	GeneratedAt   time.Time    `json:"generated_at"`
}

// Stats counts rows by status. The success rate is completed over completed
// plus failed, as a percentage rounded to two decimals; timeouts are excluded.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	accounts, err := s.countByStatus(ctx, "accounts")
	if err != nil {
		return nil, err
	}
	tasks, err := s.countByStatus(ctx, "tasks")
	if err != nil {
		return nil, err
	}
	logs, err := s.countByStatus(ctx, "execution_logs")
	if err != nil {
		return nil, err
	}

	completed := logs.ByStatus[string(model.LogCompleted)]
	failed := logs.ByStatus[string(model.LogFailed)]
	rate := 0.0
	if completed+failed > 0 {
		rate = math.Round(float64(completed)/float64(completed+failed)*10000) / 100
	}

	return &Stats{
		Accounts:      accounts,
		Tasks:         tasks,
		ExecutionLogs: LogCounts{StatusCounts: logs, SuccessRate: rate},
		GeneratedAt:   time.Now().UTC(),
	}, nil
}

// table is one of a fixed set of names, never user input.
func (s *Store) countByStatus(ctx context.Context, table string) (StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM `+table+` GROUP BY status`)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("count %s by status: %w", table, err)
	}
	defer rows.Close()

	out := StatusCounts{ByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, fmt.Errorf("scan %s counts: %w", table, err)
		}
		out.ByStatus[status] = n
		out.Total += n
	}
	return out, rows.Err()
}
