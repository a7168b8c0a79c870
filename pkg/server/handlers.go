package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fractalhq/fractal/pkg/bus"
	"github.com/fractalhq/fractal/pkg/task"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// agentView is the /v1/agents response shape.
type agentView struct {
	NodeID         string `json:"node_id"`
	Role           string `json:"role,omitempty"`
	Depth          int    `json:"depth"`
	Running        bool   `json:"running"`
	TasksCompleted int    `json:"tasks_completed"`
	TasksFailed    int    `json:"tasks_failed"`
	ToolCalls      int    `json:"tool_calls"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.deps.Agents.List()
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		stats := a.Stats()
		out = append(out, agentView{
			NodeID:         a.NodeID(),
			Role:           a.Role(),
			Depth:          a.Depth(),
			Running:        a.Running(),
			TasksCompleted: stats.TasksCompleted,
			TasksFailed:    stats.TasksFailed,
			ToolCalls:      stats.ToolCalls,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := bus.Query{
		Type:   r.URL.Query().Get("type"),
		Source: r.URL.Query().Get("source"),
		TaskID: r.URL.Query().Get("task_id"),
		Limit:  queryInt(r, "limit", 100),
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.deps.Events.Query(q)})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, http.StatusNotImplemented, "task archive is not configured")
		return
	}
	filter := task.Filter{
		AgentID:   r.URL.Query().Get("agent_id"),
		SessionID: r.URL.Query().Get("session_id"),
		Status:    task.Status(r.URL.Query().Get("status")),
		Limit:     queryInt(r, "limit", 100),
	}
	records, err := s.deps.Tasks.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": records})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, http.StatusNotImplemented, "task archive is not configured")
		return
	}
	record, err := s.deps.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"approvals": s.deps.Approvals.Pending()})
}

// approvalDecision is the POST /v1/approvals/{id} request body.
type approvalDecision struct {
	Approve bool `json:"approve"`
}

func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	var body approvalDecision
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.deps.Approvals.Decide(chi.URLParam(r, "id"), body.Approve); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decided": true, "approved": body.Approve})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
