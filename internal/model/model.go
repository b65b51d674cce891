// Package model defines the persisted records shared by the store, the control
// plane and the HTTP layer.
package model

import (
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a task. A task only ever moves between
// pending and running.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	return s == TaskPending || s == TaskRunning
}

// AccountStatus reflects the most recent execution outcome of an agent account,
// not the intent of any task bound to it.
type AccountStatus string

const (
	AccountPending   AccountStatus = "pending"
	AccountCompleted AccountStatus = "completed"
	AccountFailed    AccountStatus = "failed"
	AccountRunning   AccountStatus = "running"
)

// Valid reports whether s is a known account status.
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountPending, AccountCompleted, AccountFailed, AccountRunning:
		return true
	}
	return false
}

// LogStatus is the outcome recorded on an execution log.
type LogStatus string

const (
	LogCompleted LogStatus = "completed"
	LogFailed    LogStatus = "failed"
	LogTimeout   LogStatus = "timeout"
)

// ParseLogStatus normalizes an agent-reported outcome.
func ParseLogStatus(s string) (LogStatus, bool) {
	switch LogStatus(strings.ToLower(strings.TrimSpace(s))) {
	case LogCompleted:
		return LogCompleted, true
	case LogFailed:
		return LogFailed, true
	case LogTimeout:
		return LogTimeout, true
	}
	return "", false
}

// AccountStatus maps an execution outcome onto the account status enum.
// Accounts have no timeout state; a timed out run counts as failed.
func (s LogStatus) AccountStatus() AccountStatus {
	if s == LogCompleted {
		return AccountCompleted
	}
	return AccountFailed
}

// Task is one automation job bound to an agent account and application.
type Task struct {
	ID               string     `json:"id"`
	TaskName         string     `json:"task_name"`
	ShadowBotAccount string     `json:"shadow_bot_account"`
	HostIP           string     `json:"host_ip"`
	AppName          string     `json:"app_name"`
	Status           TaskStatus `json:"status"`
	LastRunTime      *time.Time `json:"last_run_time"`
	TriggerTime      *time.Time `json:"trigger_time"`
	ConfigFile       bool       `json:"config_file"`
	ConfigInfo       bool       `json:"config_info"`
	ConfigFilePath   *string    `json:"config_file_path"`
	ConfigJSON       *string    `json:"config_json"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Account is a remote automation agent reachable through the relay.
type Account struct {
	ID               string        `json:"id"`
	ShadowBotAccount string        `json:"shadow_bot_account"`
	HostIP           string        `json:"host_ip"`
	Port             int           `json:"port"`
	Status           AccountStatus `json:"status"`
	RecentApp        *string       `json:"recent_app"`
	EndTime          *time.Time    `json:"end_time"`
	TaskControl      string        `json:"task_control"`
	TaskCount        int           `json:"task_count"`
	LastSeenAt       *time.Time    `json:"last_seen_at"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// ExecutionLog records one finished run. Rows are never rewritten except to
// attach artifact locations that arrive after the first write.
type ExecutionLog struct {
	ID               string    `json:"id"`
	Text             string    `json:"text"`
	AppName          string    `json:"app_name"`
	ShadowBotAccount string    `json:"shadow_bot_account"`
	HostIP           string    `json:"host_ip"`
	Status           LogStatus `json:"status"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	Duration         float64   `json:"duration"`
	LogInfo          bool      `json:"log_info"`
	Screenshot       bool      `json:"screenshot"`
	ScreenshotURL    *string   `json:"screenshot_url"`
	LogURL           *string   `json:"log_url"`
	CreatedAt        time.Time `json:"created_at"`
}

// Page is a window of list results.
type Page[T any] struct {
	Total      int  `json:"total"`
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	TotalPages int  `json:"total_pages"`
	Items      []*T `json:"items"`
}

// NewPage computes paging totals for items taken from a result set of total rows.
func NewPage[T any](items []*T, total, page, pageSize int) Page[T] {
	pages := 0
	if total > 0 && pageSize > 0 {
		pages = (total + pageSize - 1) / pageSize
	}
	if items == nil {
		items = []*T{}
	}
	return Page[T]{Total: total, Page: page, PageSize: pageSize, TotalPages: pages, Items: items}
}
