package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractalhq/fractal/pkg/agent"
	"github.com/fractalhq/fractal/pkg/bus"
	"github.com/fractalhq/fractal/pkg/interceptor"
	"github.com/fractalhq/fractal/pkg/task"
)

func newTestServer(t *testing.T) (*Server, task.Store, *bus.Log, *interceptor.Approvals) {
	t.Helper()

	store := task.NewMemoryStore()
	log := bus.NewLog(100)
	approvals := interceptor.NewApprovals()

	s := New(Config{Host: "127.0.0.1", Port: 0}, Deps{
		Agents:    agent.NewRegistry(),
		Tasks:     store,
		Events:    log,
		Approvals: approvals,
	})
	return s, store, log, approvals
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec, body := get(t, s.Routes(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListAgentsEmpty(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec, body := get(t, s.Routes(), "/v1/agents")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["agents"])
}

func TestQueryEvents(t *testing.T) {
	s, _, log, _ := newTestServer(t)
	log.Append(bus.New(bus.TypeNodeThinking, "agent-1", map[string]any{"text": "hm"}))
	log.Append(bus.New(bus.TypeNodeComplete, "agent-1", map[string]any{"task_id": "t-1"}))
	log.Append(bus.New(bus.TypeNodeComplete, "agent-2", map[string]any{"task_id": "t-2"}))

	rec, body := get(t, s.Routes(), "/v1/events?type=node.complete&source=agent-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	events := body["events"].([]any)
	require.Len(t, events, 1)

	rec, body = get(t, s.Routes(), "/v1/events?limit=2")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["events"], 2)
}

func TestTaskArchiveEndpoints(t *testing.T) {
	s, store, _, _ := newTestServer(t)

	rec := task.NewRecord("agent-1", "session-1", "summarize the report")
	rec.Status = task.StatusCompleted
	rec.Result = "done"
	require.NoError(t, store.Save(context.Background(), rec))

	w, body := get(t, s.Routes(), "/v1/tasks?agent_id=agent-1")
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["tasks"], 1)

	w, body = get(t, s.Routes(), "/v1/tasks/"+rec.ID)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "done", body["result"])

	w, _ = get(t, s.Routes(), "/v1/tasks/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApprovalFlow(t *testing.T) {
	s, _, _, approvals := newTestServer(t)

	id, decision := approvals.Submit(interceptor.ApprovalRequest{
		EventType: "tool.execute/shell",
		Source:    "agent-1",
		Summary:   "rm -rf ./build",
	})

	w, body := get(t, s.Routes(), "/v1/approvals")
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["approvals"], 1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/approvals/"+id,
		strings.NewReader(`{"approve": true}`))
	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, <-decision)

	// Deciding twice is a 404: the request is gone.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/approvals/"+id,
		strings.NewReader(`{"approve": false}`))
	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovalDecisionBadBody(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/approvals/x", strings.NewReader("{"))
	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
