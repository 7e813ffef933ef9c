package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/genflow/provider"
	"github.com/songzhibin97/genflow/storage"
	"github.com/songzhibin97/genflow/workflow"
)

type mockGenerator struct {
	id uint64
}

func (g *mockGenerator) NextID() (uint64, error) {
	return atomic.AddUint64(&g.id, 1), nil
}

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	engine, err := workflow.NewEngine(&mockGenerator{}, storage.NewMemoryStorage(), provider.NewMemoryQueue(), workflow.WithPolling(false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })
	return NewEcho(NewServer(engine, nil), "genflow-test")
}

func do(e *echo.Echo, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

const textToImage = `{
  "id": "wf-1",
  "name": "text to image",
  "nodes": [
    {"id": "A", "type": "text", "data": {"content": "a cat", "label": "Prompt"}},
    {"id": "B", "type": "flux-dev"},
    {"id": "C", "type": "output"},
    {"id": "N", "type": "note"}
  ],
  "edges": [
    {"source": "A", "target": "B"},
    {"source_node_id": "B", "target_node_id": "C"}
  ]
}`

func TestHealth(t *testing.T) {
	e := newTestServer(t)
	rec := do(e, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestWorkflowRoutes(t *testing.T) {
	e := newTestServer(t)

	rec := do(e, http.MethodPut, "/workflows", textToImage)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "owner is required")

	rec = do(e, http.MethodPut, "/workflows", textToImage, UserHeader, "user-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(e, http.MethodPut, "/workflows", textToImage, UserHeader, "user-2")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(e, http.MethodGet, "/workflows/wf-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var wf map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
	assert.Equal(t, "user-1", wf["user_id"])
	edges := wf["edges"].([]interface{})
	assert.Equal(t, "C", edges[1].(map[string]interface{})["target"])

	rec = do(e, http.MethodGet, "/workflows/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPut, "/workflows", `{"id":"bad","nodes":[{"id":"A","type":"text"},{"id":"A","type":"text"}]}`, UserHeader, "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunRoutes(t *testing.T) {
	e := newTestServer(t)
	require.Equal(t, http.StatusOK, do(e, http.MethodPut, "/workflows", textToImage, UserHeader, "user-1").Code)

	rec := do(e, http.MethodPost, "/run", `{"workflowId":"wf-1","userId":"user-1","inputData":{}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var run struct {
		RunID          string `json:"runId"`
		Status         string `json:"status"`
		TotalNodes     int    `json:"totalNodes"`
		CompletedNodes int    `json:"completedNodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, "running", run.Status)
	assert.Equal(t, 3, run.TotalNodes)
	assert.Equal(t, 1, run.CompletedNodes)

	rec = do(e, http.MethodGet, "/run/"+run.RunID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, "/run/"+run.RunID+"/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		RunID          string `json:"runId"`
		WorkflowID     string `json:"workflowId"`
		RunStatus      string `json:"runStatus"`
		TotalNodes     int    `json:"totalNodes"`
		CompletedNodes int    `json:"completedNodes"`
		Logs           []struct {
			NodeID    string                 `json:"nodeId"`
			NodeLabel string                 `json:"nodeLabel"`
			Status    string                 `json:"status"`
			Output    map[string]interface{} `json:"output"`
			JobID     string                 `json:"jobId"`
			Duration  *int64                 `json:"duration"`
		} `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, run.RunID, view.RunID)
	assert.Equal(t, "wf-1", view.WorkflowID)
	require.Len(t, view.Logs, 3)
	assert.Equal(t, "Prompt", view.Logs[0].NodeLabel)
	assert.Equal(t, "a cat", view.Logs[0].Output["result"])
	assert.NotNil(t, view.Logs[0].Duration)
	assert.Equal(t, "running", view.Logs[1].Status)
	assert.NotEmpty(t, view.Logs[1].JobID)
	assert.Nil(t, view.Logs[2].Duration)
}

func TestRunErrors(t *testing.T) {
	e := newTestServer(t)
	require.Equal(t, http.StatusOK, do(e, http.MethodPut, "/workflows", textToImage, UserHeader, "user-1").Code)
	cyclic := `{"id":"cyclic","nodes":[{"id":"A","type":"flux-dev"},{"id":"B","type":"flux-dev"}],
	  "edges":[{"source":"A","target":"B"},{"source":"B","target":"A"}]}`
	require.Equal(t, http.StatusOK, do(e, http.MethodPut, "/workflows", cyclic, UserHeader, "user-1").Code)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing workflow id", `{"userId":"user-1"}`, http.StatusBadRequest},
		{"missing user id", `{"workflowId":"wf-1"}`, http.StatusBadRequest},
		{"unknown workflow", `{"workflowId":"nope","userId":"user-1"}`, http.StatusNotFound},
		{"other owner", `{"workflowId":"wf-1","userId":"user-2"}`, http.StatusForbidden},
		{"cycle", `{"workflowId":"cyclic","userId":"user-1"}`, http.StatusBadRequest},
		{"malformed", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/run", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}

	rec := do(e, http.MethodPost, "/run", `{"workflowId":"cyclic","userId":"user-1"}`)
	assert.Contains(t, rec.Body.String(), `"nodes":["A","B"]`)

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodGet, "/run/abc/logs", "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/run/999/logs", "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/run/999", "").Code)
}
