package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harun/toolrun/internal/metrics"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, call tool.Call) tool.Result {
	args := m.Called(ctx, call)
	return args.Get(0).(tool.Result)
}

func (m *mockExecutor) ExecuteParallel(ctx context.Context, calls []tool.Call) []tool.Result {
	args := m.Called(ctx, calls)
	return args.Get(0).([]tool.Result)
}

func (m *mockExecutor) ExecuteBatch(ctx context.Context, calls []tool.Call) map[string]tool.Result {
	args := m.Called(ctx, calls)
	return args.Get(0).(map[string]tool.Result)
}

type staticTools []tool.Descriptor

func (s staticTools) ListTools() []tool.Descriptor { return s }

func newServer(t *testing.T, exec *mockExecutor) *Server {
	t.Helper()
	tools := staticTools{{Name: "echo", Description: "Echo", Type: tool.TypeBuiltin}}
	s, err := New(Options{MetricsPath: "/metrics", Metrics: metrics.NewMetrics().Handler()}, exec, tools)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{}, nil, staticTools{})
	assert.Error(t, err)
	_, err = New(Options{}, &mockExecutor{}, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	rec := do(t, newServer(t, &mockExecutor{}), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["tools"])
}

func TestTools(t *testing.T) {
	s := newServer(t, &mockExecutor{})

	rec := do(t, s, http.MethodGet, "/v1/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"echo"`)

	rec = do(t, s, http.MethodGet, "/v1/tools/echo", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tool_type":"builtin"`)

	rec = do(t, s, http.MethodGet, "/v1/tools/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecute(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, tool.Call{
		Name:      "echo",
		Arguments: map[string]any{"text": "hi"},
		CallID:    "c1",
		SessionID: "s1",
		Timeout:   1500 * time.Millisecond,
	}).Return(tool.Succeeded("echo", "c1", "hi"))

	rec := do(t, newServer(t, exec), http.MethodPost, "/v1/tools/echo/execute",
		`{"arguments":{"text":"hi"},"call_id":"c1","session_id":"s1","timeout_ms":1500}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result tool.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "hi", result.Output)
	exec.AssertExpectations(t)
}

func TestExecute_FailedResultIsStill200(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, mock.Anything).Return(tool.Failed("nope", "", "tool not found: nope"))

	rec := do(t, newServer(t, exec), http.MethodPost, "/v1/tools/nope/execute", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestExecute_MalformedBody(t *testing.T) {
	rec := do(t, newServer(t, &mockExecutor{}), http.MethodPost, "/v1/tools/echo/execute", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParallel(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("ExecuteParallel", mock.Anything, mock.MatchedBy(func(calls []tool.Call) bool {
		return len(calls) == 2 && calls[0].Name == "a" && calls[1].Name == "b"
	})).Return([]tool.Result{tool.Succeeded("a", "", 1), tool.Succeeded("b", "", 2)})

	s := newServer(t, exec)
	rec := do(t, s, http.MethodPost, "/v1/execute/parallel", `{"calls":[{"name":"a"},{"name":"b"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Results []tool.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 2)
	assert.Equal(t, "a", body.Results[0].ToolName)

	rec = do(t, s, http.MethodPost, "/v1/execute/parallel", `{"calls":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatch(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("ExecuteBatch", mock.Anything, mock.Anything).
		Return(map[string]tool.Result{"c1": tool.Succeeded("a", "c1", "x")})

	rec := do(t, newServer(t, exec), http.MethodPost, "/v1/execute/batch", `{"calls":[{"name":"a","call_id":"c1"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"c1"`)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, newServer(t, &mockExecutor{}), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartStop(t *testing.T) {
	s, err := New(Options{Port: 0}, &mockExecutor{}, staticTools{})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(context.Background()))
	assert.NoError(t, <-errCh)
	assert.NoError(t, s.Stop(context.Background()))
}

func TestTraceHeader(t *testing.T) {
	s := newServer(t, &mockExecutor{})

	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.NotEmpty(t, rec.Header().Get("X-Trace-Id"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Trace-Id", "trace-abc")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "trace-abc", rec.Header().Get("X-Trace-Id"))
}

type sessionTools struct {
	staticTools
	closed []string
}

func (s *sessionTools) CloseSession(sessionID string) int {
	s.closed = append(s.closed, sessionID)
	return 2
}

func TestCloseSession(t *testing.T) {
	tools := &sessionTools{staticTools: staticTools{{Name: "counter", Type: tool.TypeBuiltin}}}
	s, err := New(Options{}, &mockExecutor{}, tools)
	require.NoError(t, err)

	rec := do(t, s, http.MethodDelete, "/v1/sessions/sess-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"session_id":"sess-1","closed":2}`, rec.Body.String())
	assert.Equal(t, []string{"sess-1"}, tools.closed)

	rec = do(t, newServer(t, &mockExecutor{}), http.MethodDelete, "/v1/sessions/sess-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
