package dashboard

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/markus-barta/rpafleet/internal/control"
	"github.com/markus-barta/rpafleet/internal/model"
	"github.com/markus-barta/rpafleet/internal/store"
)

type messageResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ═══════════════════════════════════════════════════════════════════════════
// TASKS
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.TaskStatus(strings.ToLower(q.Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, control.CodeInvalidRequest, "Unknown task status "+q.Get("status"))
		return
	}
	page, err := s.catalog.ListTasks(r.Context(), store.TaskFilter{
		Search:           q.Get("search"),
		Status:           status,
		AppName:          q.Get("app_name"),
		ShadowBotAccount: q.Get("shadow_bot_account"),
		Page:             queryInt(r, "page", 1),
		PageSize:         queryInt(r, "page_size", 20),
	})
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req control.TaskInput
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := s.catalog.CreateTask(r.Context(), req)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.catalog.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req control.TaskPatch
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := s.catalog.UpdateTask(r.Context(), chi.URLParam(r, "taskID"), req)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteTask(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{"Task deleted successfully", "SUCCESS"})
}

// ═══════════════════════════════════════════════════════════════════════════
// ACCOUNTS
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.AccountStatus(strings.ToLower(q.Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, control.CodeInvalidRequest, "Unknown account status "+q.Get("status"))
		return
	}
	page, err := s.catalog.ListAccounts(r.Context(), store.AccountFilter{
		Search:           q.Get("search"),
		Status:           status,
		ShadowBotAccount: q.Get("shadow_bot_account"),
		Page:             queryInt(r, "page", 1),
		PageSize:         queryInt(r, "page_size", 20),
	})
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req control.AccountInput
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := s.catalog.CreateAccount(r.Context(), req)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.catalog.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req control.AccountPatch
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := s.catalog.UpdateAccount(r.Context(), chi.URLParam(r, "accountID"), req)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteAccount(r.Context(), chi.URLParam(r, "accountID")); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{"Account deleted successfully", "SUCCESS"})
}

// ═══════════════════════════════════════════════════════════════════════════
// EXECUTION LOGS & STATS
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var status model.LogStatus
	if v := q.Get("status"); v != "" {
		parsed, ok := model.ParseLogStatus(v)
		if !ok {
			writeError(w, http.StatusBadRequest, control.CodeInvalidRequest, "Unknown log status "+v)
			return
		}
		status = parsed
	}
	page, err := s.catalog.ListLogs(r.Context(), store.LogFilter{
		Search:           q.Get("search"),
		Status:           status,
		AppName:          q.Get("app_name"),
		ShadowBotAccount: q.Get("shadow_bot_account"),
		Page:             queryInt(r, "page", 1),
		PageSize:         queryInt(r, "page_size", 20),
	})
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	l, err := s.catalog.GetLog(r.Context(), chi.URLParam(r, "logID"))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type attachArtifactsRequest struct {
	ScreenshotURL *string `json:"screenshot_url"`
	LogURL        *string `json:"log_url"`
}

// handleAttachArtifacts records artifact URLs uploaded after the run was logged.
func (s *Server) handleAttachArtifacts(w http.ResponseWriter, r *http.Request) {
	var req attachArtifactsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	l, err := s.catalog.AttachArtifacts(r.Context(), chi.URLParam(r, "logID"), req.ScreenshotURL, req.LogURL)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.catalog.Stats(r.Context())
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
