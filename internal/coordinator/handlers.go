package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shellfleet/shellfleet/internal/protocol"
	"github.com/shellfleet/shellfleet/internal/store"
	"github.com/shellfleet/shellfleet/internal/validator"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message, reason string) {
	writeJSON(w, status, errorResponse{Error: message, Reason: reason})
}

// handleHealth returns the status snapshot, including the metrics counters.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	online := s.hub.OnlineIDs()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       Version,
		"agents_online": len(online),
		"metrics":       s.metrics.Snapshot(),
		"time":          time.Now().UTC().Format(time.RFC3339),
	})
}

// agentView is an agent row overlaid with the live-session state.
type agentView struct {
	*store.Agent
	Online bool `json:"online"`
}

// handleListAgents lists store agents with the online overlay.
func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	agents, err := s.store.ListAgents()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list agents", "")
		return
	}

	online := s.hub.OnlineIDs()
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, agentView{Agent: a, Online: online[a.AgentID]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views, "total": len(views)})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	a, err := s.store.GetAgent(agentID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown agent", "")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load agent", "")
		return
	}
	writeJSON(w, http.StatusOK, agentView{Agent: a, Online: s.hub.OnlineIDs()[agentID]})
}

type submitRequest struct {
	Command  string `json:"command"`
	Timeout  int    `json:"timeout,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

type submitResponse struct {
	CommandID string `json:"command_id"`
	AgentID   string `json:"agent_id"`
	Status    string `json:"status"`
	Timeout   int    `json:"timeout"`
	Priority  int    `json:"priority"`
}

// handleSubmit accepts a command for one agent.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required", "")
		return
	}

	if _, err := s.store.GetAgent(agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown agent", "")
		} else {
			writeError(w, http.StatusServiceUnavailable, "store unavailable", "")
		}
		return
	}

	cmd, err := s.engine.Submit(agentID, req.Command, req.Timeout, req.Priority)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		CommandID: cmd.CommandID,
		AgentID:   cmd.AgentID,
		Status:    cmd.Status,
		Timeout:   cmd.TimeoutSeconds,
		Priority:  cmd.Priority,
	})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var rej *validator.RejectionError
	switch {
	case errors.As(err, &rej):
		writeError(w, http.StatusBadRequest, "command rejected", rej.Reason)
	case errors.Is(err, ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "queue full", "")
	case errors.Is(err, store.ErrDuplicateCommand):
		writeError(w, http.StatusConflict, "command id collision", "")
	default:
		writeError(w, http.StatusServiceUnavailable, "store unavailable", "")
	}
}

type bulkSubmitRequest struct {
	AgentIDs []string `json:"agent_ids"`
	Command  string   `json:"command"`
	Timeout  int      `json:"timeout,omitempty"`
	Priority int      `json:"priority,omitempty"`
}

type bulkSubmitResult struct {
	AgentID   string `json:"agent_id"`
	CommandID string `json:"command_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// handleBulkSubmit fans one command out to many agents, one result per target.
func (s *Server) handleBulkSubmit(w http.ResponseWriter, r *http.Request) {
	var req bulkSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.Command == "" || len(req.AgentIDs) == 0 {
		writeError(w, http.StatusBadRequest, "command and agent_ids are required", "")
		return
	}

	results := make([]bulkSubmitResult, 0, len(req.AgentIDs))
	for _, agentID := range req.AgentIDs {
		res := bulkSubmitResult{AgentID: agentID}
		if _, err := s.store.GetAgent(agentID); errors.Is(err, store.ErrNotFound) {
			res.Error = "unknown agent"
			results = append(results, res)
			continue
		}
		cmd, err := s.engine.Submit(agentID, req.Command, req.Timeout, req.Priority)
		if err != nil {
			var rej *validator.RejectionError
			if errors.As(err, &rej) {
				res.Error = "command rejected"
				res.Reason = rej.Reason
			} else {
				res.Error = err.Error()
			}
			results = append(results, res)
			continue
		}
		res.CommandID = cmd.CommandID
		res.Status = cmd.Status
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.store.GetCommand(chi.URLParam(r, "commandID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown command", "")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load command", "")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// handleCancel cancels a command that is still queued.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.engine.Cancel(chi.URLParam(r, "commandID"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown command", "")
	case errors.Is(err, ErrAlreadyDispatched):
		writeError(w, http.StatusConflict, "already dispatched", cmd.Status)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to cancel", "")
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"command_id": cmd.CommandID,
			"status":     cmd.Status,
		})
	}
}

// filterFromQuery builds a store filter from common query parameters.
func filterFromQuery(r *http.Request) store.Filter {
	q := r.URL.Query()
	f := store.Filter{
		AgentID: q.Get("agent_id"),
		Status:  q.Get("status"),
		Limit:   50,
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		f.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		f.Offset = v
	}
	if t, err := time.Parse(time.RFC3339, q.Get("since")); err == nil {
		f.CreatedAfter = &t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("until")); err == nil {
		f.CreatedBefore = &t
	}
	return f
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	commands, err := s.store.ListCommands(filterFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list commands", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands, "count": len(commands)})
}

// handleAgentHistory lists one agent's commands, newest first.
func (s *Server) handleAgentHistory(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if _, err := s.store.GetAgent(agentID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown agent", "")
		return
	}

	f := filterFromQuery(r)
	f.AgentID = agentID
	commands, err := s.store.ListCommands(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list commands", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands, "count": len(commands)})
}

// handleQueue returns the live queue view for one agent.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if _, err := s.store.GetAgent(agentID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown agent", "")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot(agentID))
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	f := filterFromQuery(r)
	f.Limit = 0
	f.Offset = 0
	stats, err := s.store.Statistics(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute statistics", "")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type cleanupRequest struct {
	OlderThanDays int `json:"older_than_days"`
}

// handleCleanup purges terminal history older than the requested age.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.OlderThanDays <= 0 {
		writeError(w, http.StatusBadRequest, "older_than_days must be positive", "")
		return
	}

	cutoff := time.Now().Add(-time.Duration(req.OlderThanDays) * 24 * time.Hour)
	purged, err := s.store.PurgeOlderThan(cutoff)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "purge failed", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

// handleAgentSocket is the session entry point. The bearer token rides the
// query string; an unknown token closes the socket with a policy-violation
// code before any payload is read.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	token := r.URL.Query().Get("token")
	agentID, ok := s.cfg.AgentIDForToken(token)
	if !ok {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseAuthFailure, "auth failed"), deadline)
		_ = conn.Close()
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("agent auth failed")
		return
	}

	if err := s.store.UpsertAgent(agentID, nil); err != nil {
		s.log.Error().Err(err).Str("agent", agentID).Msg("failed to upsert agent")
		_ = conn.Close()
		return
	}
	if err := s.store.MarkAgent(agentID, store.AgentOnline); err != nil {
		s.log.Error().Err(err).Str("agent", agentID).Msg("failed to mark agent online")
	}

	s.log.Info().Str("agent", agentID).Str("remote", r.RemoteAddr).Msg("agent connected")

	sess := newSession(s.log, conn, agentID, s.engine, s.hub, s.store, s.metrics,
		s.cfg.PingInterval, s.policyEcho)
	sess.run()
}
