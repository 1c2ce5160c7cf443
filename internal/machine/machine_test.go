package machine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetsitter/pkg/api"
)

// fakeSitter answers only on one port and records task starts.
type fakeSitter struct {
	port  string
	token string

	mu     sync.Mutex
	tasks  []api.TaskStatus
	starts []string
	down   bool
}

func (f *fakeSitter) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down || req.URL.Port() != f.port {
		return nil, errors.New("connection refused")
	}
	if f.token != "" && req.Header.Get("Authorization") != "Bearer "+f.token {
		return respond(req, http.StatusUnauthorized, `{"error":"unauthorized"}`), nil
	}

	switch req.URL.Path {
	case api.RouteIdentify:
		b, _ := json.Marshal(api.IdentifyResponse{Host: req.URL.Hostname(), Version: "test"})
		return respond(req, http.StatusOK, string(b)), nil
	case api.RouteStats:
		b, _ := json.Marshal(api.StatsResponse{Host: req.URL.Hostname(), Tasks: f.tasks})
		return respond(req, http.StatusOK, string(b)), nil
	case api.RouteTaskStart:
		var t api.TaskConfig
		_ = json.NewDecoder(req.Body).Decode(&t)
		f.starts = append(f.starts, t.Name)
		f.tasks = append(f.tasks, api.TaskStatus{Name: t.Name, State: api.TaskRunning})
		return respond(req, http.StatusOK, `{}`), nil
	case api.RouteTaskStop:
		name := req.URL.Query().Get("name")
		for i := range f.tasks {
			if f.tasks[i].Name == name {
				f.tasks[i].State = api.TaskStopped
			}
		}
		return respond(req, http.StatusOK, `{}`), nil
	}
	return respond(req, http.StatusNotFound, "not found"), nil
}

func respond(req *http.Request, code int, body string) *http.Response {
	rr := httptest.NewRecorder()
	rr.WriteHeader(code)
	_, _ = io.WriteString(rr, body)
	resp := rr.Result()
	resp.Request = req
	return resp
}

func newMachine(f *fakeSitter, base, span int) *HTTPMachine {
	return New("m1.internal", "us-east-1a", Config{
		BasePort: base,
		PortSpan: span,
		Token:    f.token,
		Client:   &http.Client{Transport: f},
	})
}

func TestHandshakeScansPorts(t *testing.T) {
	f := &fakeSitter{port: "40002"}
	m := newMachine(f, 40000, 5)
	ctx := context.Background()

	for want := 40000; want < 40002; want++ {
		err := m.Identify(ctx)
		var herr *HandshakeError
		require.ErrorAs(t, err, &herr)
		assert.Equal(t, want, herr.Port)
		assert.ErrorIs(t, err, ErrUnreachable)
		assert.False(t, m.Initialized())
	}

	require.NoError(t, m.Identify(ctx))
	assert.True(t, m.Initialized())
	assert.True(t, m.Available())
	assert.Equal(t, 40002, m.Port())
}

func TestHandshakeWrapsWithinSpan(t *testing.T) {
	f := &fakeSitter{port: "40000"}
	m := newMachine(f, 40000, 3)
	f.down = true
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.Error(t, m.Identify(ctx))
	}
	f.down = false
	require.NoError(t, m.Identify(ctx))
	assert.Equal(t, 40000, m.Port())
}

func TestStatsRefreshRoster(t *testing.T) {
	f := &fakeSitter{port: "40000", token: "tok", tasks: []api.TaskStatus{
		{Name: "redis", State: api.TaskRunning},
		{Name: "cron", State: api.TaskStopped},
	}}
	m := newMachine(f, 40000, 1)
	ctx := context.Background()

	_, err := m.PullStats(ctx)
	require.Error(t, err, "stats before handshake")

	require.NoError(t, m.Identify(ctx))
	stats, err := m.PullStats(ctx)
	require.NoError(t, err)
	assert.Len(t, stats.Tasks, 2)
	assert.Equal(t, []string{"redis"}, m.RunningTasks())

	require.NoError(t, m.StopTask(ctx, "redis"))
	assert.Empty(t, m.RunningTasks())
}

func TestStartBeforeHandshakeIsDeferred(t *testing.T) {
	f := &fakeSitter{port: "40000"}
	m := newMachine(f, 40000, 1)
	ctx := context.Background()

	require.NoError(t, m.StartTask(ctx, api.TaskConfig{Name: "web", Command: "serve"}))
	assert.Equal(t, []string{"web"}, m.RunningTasks())
	assert.Empty(t, f.starts)

	require.NoError(t, m.Identify(ctx))
	assert.Equal(t, []string{"web"}, f.starts)

	require.NoError(t, m.StartTask(ctx, api.TaskConfig{Name: "api", Command: "serve"}))
	assert.Equal(t, []string{"web", "api"}, f.starts)
	assert.Equal(t, []string{"web", "api"}, m.RunningTasks())
}

func TestStopBeforeHandshakeDropsQueuedStart(t *testing.T) {
	f := &fakeSitter{port: "40000"}
	m := newMachine(f, 40000, 1)
	ctx := context.Background()

	require.NoError(t, m.StartTask(ctx, api.TaskConfig{Name: "web", Command: "serve"}))
	require.NoError(t, m.StopTask(ctx, "web"))
	assert.Empty(t, m.RunningTasks())
	assert.Error(t, m.StopTask(ctx, "web"), "nothing queued")

	require.NoError(t, m.Identify(ctx))
	assert.Empty(t, f.starts)
}

func TestRestartScanReturnsToBasePort(t *testing.T) {
	f := &fakeSitter{port: "40000", down: true}
	m := newMachine(f, 40000, 10)
	ctx := context.Background()
	for range 4 {
		require.Error(t, m.Identify(ctx))
	}

	m.RestartScan()
	f.down = false
	require.NoError(t, m.Identify(ctx))
	assert.Equal(t, 40000, m.Port())

	// identified machines keep their port
	m.RestartScan()
	assert.Equal(t, 40000, m.Port())
}

func TestStatusErrors(t *testing.T) {
	f := &fakeSitter{port: "40000", token: "right"}
	m := New("m1.internal", "z", Config{BasePort: 40000, PortSpan: 1, Token: "wrong", Client: &http.Client{Transport: f}})

	err := m.Identify(context.Background())
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusUnauthorized, serr.Code)
	assert.True(t, strings.Contains(err.Error(), "m1.internal:40000"))
}

func TestAgainstHTTPServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.IdentifyResponse{Version: "real"})
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	m := New(host, "local", Config{BasePort: port, PortSpan: 1})
	require.NoError(t, m.Identify(context.Background()))
	assert.Equal(t, port, m.Port())
}

func splitHostPort(t *testing.T, raw string) (string, int) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}
