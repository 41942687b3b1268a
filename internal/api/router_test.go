package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/minipy/internal/db"
	"github.com/user/minipy/internal/event"
	"github.com/user/minipy/internal/execution"
	"github.com/user/minipy/internal/kernel"
)

type fakeController struct {
	state     event.State
	runErr    error
	lastRun   execution.Editor
	interrupt error
	clears    int
	restarts  int
}

func (f *fakeController) RunSelection(_ context.Context, ed execution.Editor) (kernel.Request, error) {
	f.lastRun = ed
	if f.runErr != nil {
		return kernel.Request{}, f.runErr
	}
	text, ok := ed.SelectionText()
	if !ok {
		text = ed.BufferText()
	}
	f.state = event.StateBusy
	return kernel.NewRequest(text, "<editor>"), nil
}

func (f *fakeController) Interrupt(context.Context) error { return f.interrupt }
func (f *fakeController) Clear(context.Context) error     { f.clears++; return nil }
func (f *fakeController) Restart(context.Context) error   { f.restarts++; return nil }
func (f *fakeController) Status() execution.Status        { return execution.Status{State: f.state} }

func openAPI(t *testing.T, ctl Controller) (http.Handler, *db.DB) {
	t.Helper()
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "minipy_runs_total 0")
	})
	return NewRouter(Options{Controller: ctl, History: database, Metrics: metrics, Token: "test-token"}), database
}

func apiRequest(t *testing.T, h http.Handler, method, path string, body any, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer test-token")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if rr.Body.Len() == 0 {
		return
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), dst), "body=%s", rr.Body.String())
}

func TestAuthMiddleware(t *testing.T) {
	h, _ := openAPI(t, &fakeController{state: event.StateIdle})

	unauth := apiRequest(t, h, http.MethodGet, "/api/state", nil, false)
	assert.Equal(t, http.StatusUnauthorized, unauth.Code)

	wrong := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	wrong.Header.Set("Authorization", "Bearer wrong-token")
	wrongRR := httptest.NewRecorder()
	h.ServeHTTP(wrongRR, wrong)
	assert.Equal(t, http.StatusUnauthorized, wrongRR.Code)

	query := apiRequest(t, h, http.MethodGet, "/api/state?token=test-token", nil, false)
	assert.Equal(t, http.StatusOK, query.Code)

	metrics := apiRequest(t, h, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusUnauthorized, metrics.Code)
}

func TestStateReportsRunAffordance(t *testing.T) {
	h, _ := openAPI(t, &fakeController{state: event.StateIdle})

	rr := apiRequest(t, h, http.MethodGet, "/api/state", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	decodeBody(t, rr, &body)
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, true, body["can_run"])
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestRunAccepted(t *testing.T) {
	ctl := &fakeController{state: event.StateIdle}
	h, _ := openAPI(t, ctl)

	rr := apiRequest(t, h, http.MethodPost, "/api/run", map[string]any{
		"code": "a = 1\nb = 2\nprint(a + b)\n", "start_line": 2, "end_line": 3,
	}, true)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var body runResponse
	decodeBody(t, rr, &body)
	assert.NotEmpty(t, body.RequestID)
	sel, ok := ctl.lastRun.SelectionText()
	require.True(t, ok)
	assert.Equal(t, "b = 2\nprint(a + b)\n", sel)
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"busy", execution.ErrBusy, http.StatusConflict, "execution-in-progress"},
		{"empty", execution.ErrEmptySource, http.StatusBadRequest, "empty-source"},
		{"faulted", execution.ErrFaulted, http.StatusServiceUnavailable, "session-crashed"},
		{"start", &kernel.SessionStartError{Backend: "process", Err: kernel.ErrStartTimeout}, http.StatusServiceUnavailable, "session-start-error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := openAPI(t, &fakeController{state: event.StateBusy, runErr: tt.err})
			rr := apiRequest(t, h, http.MethodPost, "/api/run", map[string]any{"code": "x"}, true)
			assert.Equal(t, tt.want, rr.Code)
			var body errorBody
			decodeBody(t, rr, &body)
			assert.Equal(t, tt.code, body.Code)
		})
	}

	h, _ := openAPI(t, &fakeController{state: event.StateIdle})
	bad := apiRequest(t, h, http.MethodPost, "/api/run", map[string]any{"code": "x", "bogus": 1}, true)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	outOfRange := apiRequest(t, h, http.MethodPost, "/api/run", map[string]any{"code": "x", "start_line": 4}, true)
	assert.Equal(t, http.StatusBadRequest, outOfRange.Code)
}

func TestControlEndpoints(t *testing.T) {
	ctl := &fakeController{state: event.StateIdle, interrupt: execution.ErrNotBusy}
	h, _ := openAPI(t, ctl)

	assert.Equal(t, http.StatusConflict, apiRequest(t, h, http.MethodPost, "/api/interrupt", nil, true).Code)
	assert.Equal(t, http.StatusNoContent, apiRequest(t, h, http.MethodPost, "/api/clear", nil, true).Code)
	assert.Equal(t, http.StatusOK, apiRequest(t, h, http.MethodPost, "/api/restart", nil, true).Code)
	assert.Equal(t, 1, ctl.clears)
	assert.Equal(t, 1, ctl.restarts)

	ctl.interrupt = nil
	assert.Equal(t, http.StatusAccepted, apiRequest(t, h, http.MethodPost, "/api/interrupt", nil, true).Code)
}

func TestHistoryEndpoints(t *testing.T) {
	h, database := openAPI(t, &fakeController{state: event.StateIdle})
	ctx := context.Background()

	empty := apiRequest(t, h, http.MethodGet, "/api/runs", nil, true)
	require.Equal(t, http.StatusOK, empty.Code)
	assert.JSONEq(t, "[]", empty.Body.String())

	require.NoError(t, database.Sessions().Create(ctx, &db.SessionRecord{ID: "s1", Backend: "goja"}))
	require.NoError(t, database.Runs().Create(ctx, &db.RunRecord{ID: "r1", SessionID: "s1", Source: "1+1", SubmittedAt: time.Now()}))

	var runs []db.RunRecord
	decodeBody(t, apiRequest(t, h, http.MethodGet, "/api/runs?session_id=s1&limit=5", nil, true), &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)

	var sessions []db.SessionRecord
	decodeBody(t, apiRequest(t, h, http.MethodGet, "/api/sessions", nil, true), &sessions)
	require.Len(t, sessions, 1)

	assert.Equal(t, http.StatusOK, apiRequest(t, h, http.MethodGet, "/api/runs/r1", nil, true).Code)
	assert.Equal(t, http.StatusNotFound, apiRequest(t, h, http.MethodGet, "/api/runs/missing", nil, true).Code)
}

func TestHistoryUnavailable(t *testing.T) {
	h := NewRouter(Options{Controller: &fakeController{}, Token: "test-token"})
	assert.Equal(t, http.StatusServiceUnavailable, apiRequest(t, h, http.MethodGet, "/api/runs", nil, true).Code)
	assert.Equal(t, http.StatusNotFound, apiRequest(t, h, http.MethodGet, "/metrics", nil, true).Code)
}

func TestMetricsRoute(t *testing.T) {
	h, _ := openAPI(t, &fakeController{})
	rr := apiRequest(t, h, http.MethodGet, "/metrics", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "minipy_runs_total")
}
