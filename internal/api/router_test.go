package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botvisor/internal/config"
	"botvisor/internal/handlers"
	"botvisor/internal/models"
	"botvisor/internal/service"
	"botvisor/internal/store"
	"botvisor/internal/workspace"
)

type testServer struct {
	router *Router
	sup    *service.Supervisor
	store  *store.Memory
}

func newTestServer(t *testing.T, mutate ...func(*service.Options)) *testServer {
	t.Helper()

	dir := t.TempDir()
	ws := workspace.New(workspace.Config{
		Root:              filepath.Join(dir, "running"),
		DependencyName:    "discord.js",
		DependencyVersion: "^14.14.1",
		HeartbeatURL:      "http://127.0.0.1:1/api/bot-heartbeat",
		HeartbeatInterval: time.Minute,
	})
	mem := store.NewMemory()
	opts := service.Options{
		InstallCommand: []string{"true"},
		ExecCommand:    []string{"sh", "-c", "exec sleep 30"},
		StopTimeout:    2 * time.Second,
		SettleDelay:    10 * time.Millisecond,
		RestartDelay:   time.Hour,
	}
	for _, m := range mutate {
		m(&opts)
	}
	sup := service.New(mem, ws, opts)
	t.Cleanup(func() { sup.StopAll(context.Background()) })

	r := NewRouter(Deps{
		Supervisor: sup,
		Store:      mem,
		Server:     config.ServerConfig{HeartbeatRate: 100, HeartbeatBurst: 100},
	})
	return &testServer{router: r, sup: sup, store: mem}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestBotLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/bots", map[string]any{"name": "greeter", "code": "client.login(process.env.DISCORD_TOKEN);", "secret": "tok-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "tok-1")
	created := decode[handlers.BotView](t, w)
	assert.True(t, created.HasSecret)
	id := created.ID
	require.Positive(t, id)
	path := "/api/bots/" + jsonInt(id)

	w = s.do(t, http.MethodPost, path+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "started", decode[handlers.SuccessResponse](t, w).Status)

	w = s.do(t, http.MethodGet, path+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[models.Status](t, w)
	assert.True(t, st.IsRunning)
	assert.NotNil(t, st.UptimeMillis)

	w = s.do(t, http.MethodGet, "/api/running", nil)
	assert.Equal(t, []int64{id}, decode[[]int64](t, w))

	w = s.do(t, http.MethodGet, path, nil)
	view := decode[handlers.BotView](t, w)
	assert.True(t, view.Online)
	assert.True(t, view.Deployed)
	assert.NotEmpty(t, view.Uptime)

	w = s.do(t, http.MethodGet, "/api/stats", nil)
	assert.Equal(t, handlers.StatsResponse{TotalBots: 1, OnlineBots: 1, DeployedBots: 1, RunningBots: 1}, decode[handlers.StatsResponse](t, w))

	w = s.do(t, http.MethodPost, path+"/restart", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, path+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, s.sup.ListRunning())

	w = s.do(t, http.MethodGet, "/api/activities?bot_id="+jsonInt(id)+"&limit=1", nil)
	acts := decode[[]models.Activity](t, w)
	require.Len(t, acts, 1)
	assert.Equal(t, models.ActivityStopped, acts[0].Type)

	w = s.do(t, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, path, nil).Code)
}

func TestSlowStartOutlivesWriteTimeout(t *testing.T) {
	s := newTestServer(t, func(o *service.Options) {
		o.InstallCommand = []string{"sh", "-c", "sleep 1"}
	})
	_, err := s.store.PutBot(context.Background(), &models.Bot{ID: 1, Name: "slow", Secret: "tok-1"})
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(s.router)
	srv.Config.WriteTimeout = 200 * time.Millisecond
	srv.Start()
	t.Cleanup(srv.Close)

	for _, op := range []string{"start", "restart"} {
		resp, err := srv.Client().Post(srv.URL+"/api/bots/1/"+op, "application/json", nil)
		require.NoError(t, err, op)
		var body handlers.SuccessResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body), op)
		resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode, op)
		assert.Equal(t, []int64{1}, s.sup.ListRunning(), op)
	}
}

func TestStartFailureIsGeneric(t *testing.T) {
	s := newTestServer(t)
	_, err := s.store.PutBot(context.Background(), &models.Bot{ID: 5, Name: "nosecret"})
	require.NoError(t, err)

	w := s.do(t, http.MethodPost, "/api/bots/5/start", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "start_failed", decode[handlers.ErrorResponse](t, w).Error)

	w = s.do(t, http.MethodPost, "/api/bots/99/start", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCreateBotValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing name", map[string]any{"secret": "x"}, http.StatusBadRequest},
		{"negative id", map[string]any{"id": -1, "name": "a"}, http.StatusBadRequest},
		{"explicit id", map[string]any{"id": 12, "name": "a"}, http.StatusCreated},
		{"duplicate id", map[string]any{"id": 12, "name": "b"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.do(t, http.MethodPost, "/api/bots", tt.body).Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/bots", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateBotKeepsStatusFields(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	_, err := s.store.PutBot(ctx, &models.Bot{ID: 3, Name: "old", Secret: "s"})
	require.NoError(t, err)
	_, err = s.store.UpdateBot(ctx, 3, models.BotPatch{Deployed: models.Bool(true)})
	require.NoError(t, err)

	w := s.do(t, http.MethodPut, "/api/bots/3", map[string]any{"name": "new", "code": "run()"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	b, err := s.store.GetBot(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "new", b.Name)
	assert.Equal(t, "run()", b.Code)
	assert.Equal(t, "s", b.Secret)
	assert.True(t, b.Deployed)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPut, "/api/bots/4", map[string]any{"name": "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, "/api/bots/3", map[string]any{"name": ""}).Code)
}

func TestHeartbeatRoute(t *testing.T) {
	s := newTestServer(t)
	_, err := s.store.PutBot(context.Background(), &models.Bot{ID: 2, Name: "hb", Secret: "s"})
	require.NoError(t, err)

	w := s.do(t, http.MethodPost, config.HeartbeatPath, map[string]any{"id": 2, "status": "online"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	b, err := s.store.GetBot(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, b.Online)
	assert.NotNil(t, b.LastHeartbeat)
	assert.Empty(t, s.sup.ListRunning())
}

func TestProbesAndMetrics(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", nil).Code)

	w := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "botvisor_http_requests_total")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func jsonInt(id int64) string {
	return strconv.FormatInt(id, 10)
}
