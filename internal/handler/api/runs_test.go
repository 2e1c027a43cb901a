package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AstroSeis/internal/domain/models"
	"AstroSeis/internal/service/ratelimit"
	"AstroSeis/internal/usecase"
)

type fakeRuns struct {
	mu        sync.Mutex
	submitted []usecase.RunRequest
	submitErr error
	statuses  map[string]models.RunStatus
	canceled  []string
	updates   []models.RunStatus
}

func (f *fakeRuns) Submit(req usecase.RunRequest) (models.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return models.RunStatus{}, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return models.RunStatus{RunID: "run-1", State: models.RunPending}, nil
}

func (f *fakeRuns) Status(_ context.Context, id string) (models.RunStatus, error) {
	st, ok := f.statuses[id]
	if !ok {
		return models.RunStatus{}, models.ErrRunNotFound
	}
	return st, nil
}

func (f *fakeRuns) Cancel(id string) error {
	if _, ok := f.statuses[id]; !ok {
		return models.ErrRunNotFound
	}
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeRuns) Subscribe(id string) (<-chan models.RunStatus, func(), error) {
	if _, ok := f.statuses[id]; !ok {
		return nil, nil, models.ErrRunNotFound
	}
	ch := make(chan models.RunStatus, len(f.updates))
	for _, u := range f.updates {
		ch <- u
	}
	close(ch)
	return ch, func() {}, nil
}

type envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func newTestEcho(runs RunService, limit *ratelimit.Limiter) *echo.Echo {
	e := echo.New()
	NewRunsHandler(runs, limit, nil).RegisterRoutes(e)
	return e
}

func do(t *testing.T, e *echo.Echo, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestSubmitRun(t *testing.T) {
	runs := &fakeRuns{}
	e := newTestEcho(runs, nil)

	rec, env := do(t, e, http.MethodPost, "/api/runs",
		`{"from":"2019-01-01T00:00:00Z","to":"2020-12-31T00:00:00Z","magnitudeThresholds":[4.5,5],"hypotheses":["udn=*"],"iterations":100}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/api/runs/run-1", rec.Header().Get(echo.HeaderLocation))

	var st models.RunStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, models.RunPending, st.State)

	require.Len(t, runs.submitted, 1)
	assert.Equal(t, []float64{4.5, 5}, runs.submitted[0].MagnitudeThresholds)
	assert.Equal(t, []string{usecase.SweepUDN}, runs.submitted[0].Hypotheses)
	assert.Equal(t, 100, runs.submitted[0].Iterations)
}

func TestSubmitRunValidation(t *testing.T) {
	runs := &fakeRuns{}
	e := newTestEcho(runs, nil)

	rec, env := do(t, e, http.MethodPost, "/api/runs", `{"statistic":"likelihood"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, string(env.Data), "ERR_ONEOF")

	rec, _ = do(t, e, http.MethodPost, "/api/runs", `{"iterations":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, runs.submitted)
}

func TestSubmitRunErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: from after to", usecase.ErrInvalidRequest), http.StatusBadRequest},
		{usecase.ErrTooManyRuns, http.StatusTooManyRequests},
		{usecase.ErrShutdown, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		e := newTestEcho(&fakeRuns{submitErr: tc.err}, nil)
		rec, _ := do(t, e, http.MethodPost, "/api/runs", `{}`)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func TestSubmitRunRateLimited(t *testing.T) {
	e := newTestEcho(&fakeRuns{}, ratelimit.New(0, 1))

	rec, _ := do(t, e, http.MethodPost, "/api/runs", `{}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec, env := do(t, e, http.MethodPost, "/api/runs", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, string(env.Data), "ERR_RATE_LIMITED")
}

func TestRunStatusAndResult(t *testing.T) {
	res := &models.RunResult{RunID: "done"}
	runs := &fakeRuns{statuses: map[string]models.RunStatus{
		"active": {RunID: "active", State: models.RunRunning, Stage: models.StageMonteCarlo, Progress: 0.6},
		"done":   {RunID: "done", State: models.RunSucceeded, Progress: 1, Result: res},
	}}
	e := newTestEcho(runs, nil)

	rec, env := do(t, e, http.MethodGet, "/api/runs/active", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var st models.RunStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, models.StageMonteCarlo, st.Stage)
	assert.InDelta(t, 0.6, st.Progress, 1e-9)

	rec, env = do(t, e, http.MethodGet, "/api/runs/done", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, string(env.Data), `"result"`)

	rec, env = do(t, e, http.MethodGet, "/api/runs/done/result", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var got models.RunResult
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "done", got.RunID)

	rec, _ = do(t, e, http.MethodGet, "/api/runs/active/result", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = do(t, e, http.MethodGet, "/api/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun(t *testing.T) {
	runs := &fakeRuns{statuses: map[string]models.RunStatus{"active": {RunID: "active", State: models.RunRunning}}}
	e := newTestEcho(runs, nil)

	rec, _ := do(t, e, http.MethodDelete, "/api/runs/active", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"active"}, runs.canceled)

	rec, _ = do(t, e, http.MethodDelete, "/api/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunEvents(t *testing.T) {
	runs := &fakeRuns{
		statuses: map[string]models.RunStatus{"r": {RunID: "r"}},
		updates: []models.RunStatus{
			{RunID: "r", State: models.RunRunning, Stage: models.StageAcquire},
			{RunID: "r", State: models.RunSucceeded, Progress: 1, Result: &models.RunResult{RunID: "r"}},
		},
	}
	srv := httptest.NewServer(newTestEcho(runs, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/runs/r/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var got []models.RunStatus
	for {
		var st models.RunStatus
		if err := conn.ReadJSON(&st); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
		got = append(got, st)
	}
	require.Len(t, got, 2)
	assert.Equal(t, models.StageAcquire, got[0].Stage)
	assert.Equal(t, models.RunSucceeded, got[1].State)
	assert.Nil(t, got[1].Result)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/runs/nope/events", nil)
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestHealth(t *testing.T) {
	e := echo.New()
	NewHealthHandler(map[string]HealthCheck{
		"clickhouse": func(context.Context) error { return nil },
		"redis":      func(context.Context) error { return errors.New("connection refused") },
	}).RegisterRoutes(e)

	rec, _ := do(t, e, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env := do(t, e, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, "ok", report["clickhouse"])
	assert.Equal(t, "connection refused", report["redis"])
}
