package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botvisor/internal/handlers"
	"botvisor/internal/models"
)

type fakeAPI struct {
	lastBody  []byte
	postCalls atomic.Int32
	getCalls  atomic.Int32
	failGets  int32
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	reply := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	uptime := int64(65_000)

	r.HandleFunc("/api/bots", func(w http.ResponseWriter, r *http.Request) {
		if f.getCalls.Add(1) <= f.failGets {
			reply(w, http.StatusServiceUnavailable, handlers.ErrorResponse{Error: "store_unavailable", Message: "Failed to list bots"})
			return
		}
		reply(w, http.StatusOK, []handlers.BotView{{
			Bot:    models.Bot{ID: 1, Name: "greeter", Online: true, Deployed: true},
			Status: models.Status{ID: 1, IsRunning: true, Pid: 4242, UptimeMillis: &uptime},
			Uptime: "1m 5s",
		}})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/bots", func(w http.ResponseWriter, r *http.Request) {
		f.lastBody, _ = io.ReadAll(r.Body)
		reply(w, http.StatusCreated, handlers.BotView{Bot: models.Bot{ID: 7, Name: "new"}, HasSecret: true})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/bots/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		f.postCalls.Add(1)
		if mux.Vars(r)["id"] == "9" {
			reply(w, http.StatusInternalServerError, handlers.ErrorResponse{Error: "start_failed", Message: "Failed to start bot"})
			return
		}
		reply(w, http.StatusOK, handlers.SuccessResponse{Status: "started"})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/bots/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, models.Status{ID: 1, IsRunning: true, Pid: 4242, UptimeMillis: &uptime, RestartCount: 2})
	}).Methods(http.MethodGet)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--server", srv.URL, "--timeout", "5s"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestListPrintsTable(t *testing.T) {
	api := &fakeAPI{}
	out, err := run(t, api.server(t), "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "greeter")
	assert.Contains(t, out, "4242")
	assert.Contains(t, out, "1m 5s")
}

func TestListRetriesServerErrors(t *testing.T) {
	api := &fakeAPI{failGets: 1}
	out, err := run(t, api.server(t), "list", "--json")
	require.NoError(t, err)

	var bots []handlers.BotView
	require.NoError(t, json.Unmarshal([]byte(out), &bots))
	require.Len(t, bots, 1)
	assert.Equal(t, int32(2), api.getCalls.Load())
}

func TestStartFailureIsReportedOnce(t *testing.T) {
	api := &fakeAPI{}
	srv := api.server(t)

	out, err := run(t, srv, "start", "3")
	require.NoError(t, err)
	assert.Equal(t, "bot 3 started\n", out)

	_, err = run(t, srv, "start", "9")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "start_failed", apiErr.Code)
	assert.Equal(t, int32(2), api.postCalls.Load(), "lifecycle calls are never retried")
}

func TestCreateReadsSecretFromEnv(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "tok-env")
	api := &fakeAPI{}
	_, err := run(t, api.server(t), "create", "--name", "new", "--secret-env", "TEST_BOT_TOKEN")
	require.NoError(t, err)

	var req handlers.CreateBotRequest
	require.NoError(t, json.Unmarshal(api.lastBody, &req))
	assert.Equal(t, "new", req.Name)
	assert.Equal(t, "tok-env", req.Secret)
}

func TestStatusFormatsUptime(t *testing.T) {
	api := &fakeAPI{}
	out, err := run(t, api.server(t), "status", "1")
	require.NoError(t, err)
	assert.Equal(t, "bot 1: running, pid 4242, up 1m 5s, restarts 2\n", out)
}

func TestInvalidID(t *testing.T) {
	api := &fakeAPI{}
	_, err := run(t, api.server(t), "stop", "abc")
	assert.ErrorContains(t, err, `invalid bot id "abc"`)
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, 50*time.Millisecond)
	_, err := c.Lifecycle(context.Background(), 1, "stop")
	assert.Error(t, err)
}
