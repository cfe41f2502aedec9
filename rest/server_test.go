package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/flowcore/registry"
	"github.com/songzhibin97/flowcore/storage"
	"github.com/songzhibin97/flowcore/types"
	"github.com/songzhibin97/flowcore/workflow"
)

type sequence struct {
	mu sync.Mutex
	id uint64
}

func (g *sequence) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

const catalogYAML = `
functions:
  - function_code: review_request
    implementation_type: user_task
    output_schema:
      type: object
      required: [approved]
      properties:
        approved:
          type: boolean
`

const approvalYAML = `
id: approval
version: 1
nodes:
  - id: start
    type: start
  - id: review
    type: task
    function_code: review_request
  - id: route
    type: gateway
  - id: done
    type: end
  - id: rejected
    type: end
transitions:
  - from: start
    to: review
  - from: review
    to: route
  - from: route
    to: done
    condition: $.approved
  - from: route
    to: rejected
`

const loopJSON = `{
  "id": "loop",
  "version": 1,
  "nodes": [
    {"id": "start", "type": "START"},
    {"id": "g1", "type": "GATEWAY"},
    {"id": "g2", "type": "GATEWAY"}
  ],
  "transitions": [
    {"from": "start", "to": "g1"},
    {"from": "g1", "to": "g2"},
    {"from": "g2", "to": "g1"}
  ]
}`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	catalog := registry.NewCatalog()
	require.NoError(t, catalog.Load([]byte(catalogYAML), true))
	engine, err := workflow.NewEngine(&sequence{}, storage.NewMemoryStorage(), catalog)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	s, err := NewServer(0, engine)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path, contentType string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.Handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(8080, nil)
	assert.Error(t, err)
}

func TestDefinitions(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/definitions", "application/yaml", approvalYAML)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var def types.Definition
	decode(t, rec, &def)
	assert.Equal(t, "approval", def.ID)
	assert.NotEmpty(t, def.Fingerprint)

	rec = do(t, s, http.MethodPost, "/definitions", "application/json", loopJSON)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodGet, "/definitions/approval?version=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &def)
	assert.Len(t, def.Nodes, 5)

	tests := []struct {
		name        string
		method      string
		path        string
		contentType string
		body        string
		code        int
	}{
		{name: "unknown definition", method: http.MethodGet, path: "/definitions/missing", code: http.StatusNotFound},
		{name: "bad version", method: http.MethodGet, path: "/definitions/approval?version=x", code: http.StatusBadRequest},
		{name: "malformed json", method: http.MethodPost, path: "/definitions", contentType: "application/json", body: "{", code: http.StatusUnprocessableEntity},
		{name: "invalid definition", method: http.MethodPost, path: "/definitions", contentType: "application/json",
			body: `{"id":"x","version":1,"nodes":[{"id":"end","type":"END"}],"transitions":[]}`, code: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.path, tt.contentType, tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			var body errorBody
			decode(t, rec, &body)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestInstanceLifecycle(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/definitions", "application/yaml", approvalYAML).Code)

	rec := do(t, s, http.MethodPost, "/instances", "application/json",
		`{"definition_id":"approval","context":{"amount":120},"assignees":{"review":"alice"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inst types.Instance
	decode(t, rec, &inst)
	assert.Equal(t, types.StatusRunning, inst.Status)
	assert.Equal(t, "review", inst.CurrentNodeID)

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/instances/%d", inst.ID), "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status workflow.InstanceStatus
	decode(t, rec, &status)
	require.Len(t, status.Tokens, 1)
	tokenID := status.Tokens[0].ID
	assert.Equal(t, float64(120), status.Tokens[0].Input["amount"])

	rec = do(t, s, http.MethodPost, "/tasks/"+tokenID+"/claim", "application/json", `{"agent":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tok types.WorkToken
	decode(t, rec, &tok)
	assert.Equal(t, types.TokenRunning, tok.Status)

	rec = do(t, s, http.MethodPost, "/tasks/"+tokenID+"/claim", "application/json", `{"agent":"mallory"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/tasks/"+tokenID+"/complete", "application/json", `{"output":{"approved":"yes"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "output must match the schema")

	rec = do(t, s, http.MethodPost, "/tasks/"+tokenID+"/complete", "application/json", `{"output":{"approved":true}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &inst)
	assert.Equal(t, types.StatusCompleted, inst.Status)
	assert.Equal(t, "done", inst.CurrentNodeID)

	rec = do(t, s, http.MethodPost, "/tasks/"+tokenID+"/complete", "application/json", `{"output":{"approved":true}}`)
	assert.Equal(t, http.StatusOK, rec.Code, "same output again is a no-op")

	rec = do(t, s, http.MethodPost, "/tasks/"+tokenID+"/complete", "application/json", `{"output":{"approved":false}}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/instances/%d/context", inst.ID), "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var values map[string]interface{}
	decode(t, rec, &values)
	assert.Equal(t, map[string]interface{}{"amount": float64(120), "approved": true}, values)

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/instances/%d/history", inst.ID), "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history []types.HistoryEntry
	decode(t, rec, &history)
	require.NotEmpty(t, history)
	assert.Equal(t, types.EventInstanceCreated, history[0].EventType)
	assert.Equal(t, types.EventInstanceCompleted, history[len(history)-1].EventType)
}

func TestFailTask(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/definitions", "application/yaml", approvalYAML).Code)

	rec := do(t, s, http.MethodPost, "/instances", "application/json",
		`{"definition_id":"approval","assignees":{"review":"alice"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var inst types.Instance
	decode(t, rec, &inst)

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/instances/%d", inst.ID), "", "")
	var status workflow.InstanceStatus
	decode(t, rec, &status)

	rec = do(t, s, http.MethodPost, "/tasks/"+status.Tokens[0].ID+"/fail", "application/json", `{"reason":"form rejected"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &inst)
	assert.Equal(t, types.StatusFailed, inst.Status)

	rec = do(t, s, http.MethodPost, "/tasks/"+status.Tokens[0].ID+"/fail", "application/json", `{"reason":"again"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateInstance_Errors(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/definitions", "application/yaml", approvalYAML).Code)
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/definitions", "application/json", loopJSON).Code)

	t.Run("runtime failure returns the failed instance", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/instances", "application/json", `{"definition_id":"loop"}`)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		var body errorBody
		decode(t, rec, &body)
		assert.Equal(t, types.ErrCycleDetected.Error(), body.Kind)
		assert.Equal(t, []string{"start", "g1", "g2", "g1"}, body.Path)
		require.NotNil(t, body.Instance)
		assert.Equal(t, types.StatusFailed, body.Instance.Status)

		rec = do(t, s, http.MethodGet, fmt.Sprintf("/instances/%d", body.Instance.ID), "", "")
		assert.Equal(t, http.StatusOK, rec.Code, "the failed instance is persisted")
	})

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "missing assignee", body: `{"definition_id":"approval"}`, code: http.StatusUnprocessableEntity},
		{name: "unknown definition", body: `{"definition_id":"nope"}`, code: http.StatusNotFound},
		{name: "no definition id", body: `{}`, code: http.StatusBadRequest},
		{name: "malformed", body: `{`, code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/instances", "application/json", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestReadRoutes_NotFound(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/instances/42", "/instances/42/history", "/instances/42/context"} {
		assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, path, "", "").Code, path)
	}
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/instances/abc", "", "").Code, "non-numeric ids do not route")
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/tasks/missing/complete", "application/json", `{"output":{}}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/tasks/missing/claim", "application/json", `{}`).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{err: fmt.Errorf("wrapped: %w", types.ErrNotFound), code: http.StatusNotFound},
		{err: &types.EngineError{Kind: types.ErrVersionConflict}, code: http.StatusConflict},
		{err: &types.EngineError{Kind: types.ErrTokenTerminal}, code: http.StatusConflict},
		{err: &types.EngineError{Kind: types.ErrNoMatchingTransition}, code: http.StatusUnprocessableEntity},
		{err: &types.EngineError{Kind: types.ErrRegistryFunctionNotFound}, code: http.StatusUnprocessableEntity},
		{err: errors.Join(types.Authoring("n", "bad")), code: http.StatusUnprocessableEntity},
		{err: fmt.Errorf("%w: bad", types.ErrOutputInvalid), code: http.StatusUnprocessableEntity},
		{err: context.DeadlineExceeded, code: http.StatusServiceUnavailable},
		{err: errors.New("redis down"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, statusFor(tt.err), tt.err.Error())
	}
}
