package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/markus-barta/rpafleet/internal/control"
	"github.com/markus-barta/rpafleet/internal/hub"
	"github.com/markus-barta/rpafleet/internal/model"
	"github.com/markus-barta/rpafleet/internal/protocol"
)

const maxBodyBytes = 1 << 20

// ═══════════════════════════════════════════════════════════════════════════
// VIEWER STREAMS
// ═══════════════════════════════════════════════════════════════════════════

// handleSSE streams events to one viewer until it disconnects.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.streamContext(r)
	defer cancel()

	c := s.hub.Subscribe(r.URL.Query().Get("account_id"))
	defer s.hub.Unsubscribe(c.ID)

	s.log.Info().Str("client_id", c.ID).Str("account_id", c.AccountID).Msg("sse viewer connected")
	err := s.hub.ServeSSE(ctx, w, c)
	if errors.Is(err, hub.ErrStreamingUnsupported) {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming unsupported")
		return
	}
	s.log.Info().Err(err).Str("client_id", c.ID).Msg("sse viewer disconnected")
}

// handleWebSocket streams the same events over a WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	ctx, cancel := s.streamContext(r)
	defer cancel()

	c := s.hub.Subscribe(r.URL.Query().Get("account_id"))
	defer s.hub.Unsubscribe(c.ID)

	s.log.Info().Str("client_id", c.ID).Str("account_id", c.AccountID).Msg("websocket viewer connected")
	s.hub.ServeWebSocket(ctx, conn, c)
	s.log.Info().Str("client_id", c.ID).Msg("websocket viewer disconnected")
}

// handleSSEStatus reports the stream service state.
func (s *Server) handleSSEStatus(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "unavailable", "connected_clients": 0})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "running",
		"connected_clients": s.hub.Count(),
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// AGENT CALLBACKS
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req protocol.ConfirmPayload
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.reconciler.Confirm(r.Context(), req)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	msg := "Confirmation applied"
	if !res.Matched() {
		msg = "No matching task or account"
	}
	writeJSON(w, http.StatusOK, protocol.Ack{Success: true, Message: msg})
}

func (s *Server) handleExecutionComplete(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExecutionCompletePayload
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, _, err := s.reconciler.ExecutionComplete(r.Context(), req)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ExecutionCompleteAck{
		Success:       true,
		Message:       "Execution log recorded",
		LogID:         entry.ID,
		ScreenshotURL: entry.ScreenshotURL,
		LogURL:        entry.LogURL,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatPayload
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := s.reconciler.Heartbeat(r.Context(), req); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{Success: true, Message: "Heartbeat received"})
}

type configGetRequest struct {
	ShadowBotAccount string `json:"shadow_bot_account"`
	AppName          string `json:"app_name"`
}

type configGetResponse struct {
	ConfigFile    bool    `json:"config_file"`
	ConfigFileURL *string `json:"config_file_url"`
	ConfigInfo    bool    `json:"config_info"`
	ConfigJSON    *string `json:"config_json"`
}

// handleConfigGet returns the run configuration an agent fetches on app start.
func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	var req configGetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := s.catalog.TaskConfig(r.Context(), req.ShadowBotAccount, req.AppName)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configGetResponse{
		ConfigFile:    task.ConfigFile,
		ConfigFileURL: task.ConfigFilePath,
		ConfigInfo:    task.ConfigInfo,
		ConfigJSON:    task.ConfigJSON,
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// TASK CONTROL
// ═══════════════════════════════════════════════════════════════════════════

type controlResponse struct {
	Message string           `json:"message"`
	TaskID  string           `json:"task_id"`
	Status  model.TaskStatus `json:"status"`
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.dispatcher.Start(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{"Start request sent", task.ID, task.Status})
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.dispatcher.Stop(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{"Stop request sent", task.ID, task.Status})
}

func (s *Server) handleForceStopTask(w http.ResponseWriter, r *http.Request) {
	task, _, err := s.reconciler.ForceStop(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{"Task force-stopped", task.ID, task.Status})
}

// handleJournal returns recent control actions, newest first.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	entries := s.journal.Recent(limit)
	if entries == nil {
		entries = []control.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ═══════════════════════════════════════════════════════════════════════════
// HEALTH
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	resp := map[string]any{
		"status":  "ok",
		"version": s.opts.Version,
	}
	if err := s.store.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		resp["status"] = "degraded"
		resp["database"] = err.Error()
	} else {
		resp["database"] = "ok"
	}
	if s.hub != nil {
		resp["connected_clients"] = s.hub.Count()
	}
	if s.relay != nil {
		resp["relay"] = s.relay.Status()
	}
	writeJSON(w, status, resp)
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

// writeControlError maps a control error to its HTTP status. Anything else is
// an internal error and is logged.
func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	var cerr *control.Error
	if !errors.As(err, &cerr) {
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
		return
	}
	status := http.StatusInternalServerError
	switch cerr.Kind {
	case control.KindNotFound:
		status = http.StatusNotFound
	case control.KindInvalidTransition, control.KindConflict:
		status = http.StatusConflict
	case control.KindRelayUnreachable, control.KindRelayRejected:
		status = http.StatusBadGateway
	case control.KindInvalid:
		status = http.StatusBadRequest
	}
	msg := cerr.Message
	if cerr.Err != nil {
		msg += ": " + cerr.Err.Error()
	}
	writeError(w, status, cerr.Code, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, control.CodeInvalidRequest, "Invalid JSON payload: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
