// Package control drives task and account state: operator start/stop requests
// relayed to agents, the callbacks that confirm them, and catalog mutations
// that keep derived counts in step.
package control

import (
	"sync"
	"time"

	"github.com/markus-barta/rpafleet/internal/model"
)

// ═══════════════════════════════════════════════════════════════════════════
// VALIDATION RESULT TYPES
// ═══════════════════════════════════════════════════════════════════════════

// ValidationResult is returned by all validators.
type ValidationResult struct {
	Valid   bool   `json:"valid"`   // Can proceed?
	Code    string `json:"code"`    // Machine-readable code for UI logic
	Message string `json:"message"` // Human-readable explanation
}

// err converts a failed validation into an invalid transition error.
func (v ValidationResult) err() error {
	if v.Valid {
		return nil
	}
	return &Error{Kind: KindInvalidTransition, Code: v.Code, Message: v.Message}
}

// ═══════════════════════════════════════════════════════════════════════════
// PRE-CONDITION VALIDATORS
// A task cycles pending → running → pending. Only confirmations and
// force-stop move it; these checks only gate sending a request.
// ═══════════════════════════════════════════════════════════════════════════

// CanStart checks that a start request makes sense for task.
func CanStart(task *model.Task) ValidationResult {
	if task.Status == model.TaskRunning {
		return ValidationResult{false, CodeTaskAlreadyRunning, "Task " + task.ID + " is already running"}
	}
	return ValidationResult{true, "ok", "Task can be started"}
}

// CanStop checks that a stop request makes sense for task.
func CanStop(task *model.Task) ValidationResult {
	if task.Status != model.TaskRunning {
		return ValidationResult{false, CodeTaskNotRunning, "Task " + task.ID + " is not running"}
	}
	return ValidationResult{true, "ok", "Task can be stopped"}
}

// ═══════════════════════════════════════════════════════════════════════════
// CONTROL JOURNAL
// ═══════════════════════════════════════════════════════════════════════════

// LogLevel represents the severity of a journal entry.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelSuccess LogLevel = "success"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// LogEntry is one control-plane action shown in the operator journal.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Agent     string         `json:"shadow_bot_account,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Message   string         `json:"message"`
	Code      string         `json:"code"`
	Details   map[string]any `json:"details,omitempty"`
}

const defaultJournalSize = 1000

// Journal is a bounded in-memory record of recent control actions. It is not
// persisted and is lost on restart. A nil *Journal discards entries.
type Journal struct {
	mu      sync.RWMutex
	entries []LogEntry
	max     int
}

// NewJournal creates a journal keeping at most size entries.
func NewJournal(size int) *Journal {
	if size <= 0 {
		size = defaultJournalSize
	}
	return &Journal{entries: make([]LogEntry, 0, size), max: size}
}

// Add appends an entry, evicting the oldest when full.
func (j *Journal) Add(e LogEntry) {
	if j == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) >= j.max {
		copy(j.entries, j.entries[1:])
		j.entries = j.entries[:len(j.entries)-1]
	}
	j.entries = append(j.entries, e)
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) []LogEntry {
	if j == nil {
		return nil
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if limit <= 0 || limit > len(j.entries) {
		limit = len(j.entries)
	}
	out := make([]LogEntry, 0, limit)
	for i := len(j.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.entries[i])
	}
	return out
}
