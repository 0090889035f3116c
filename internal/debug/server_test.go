package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/config"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/logging"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/monitoring"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/task"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/vm"
)

type fixture struct {
	srv  *Server
	job  *task.Job
	proc *task.Process
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	job, err := task.NewJob(task.RootJob())
	require.NoError(t, err)
	job.SetName("debug-test")
	t.Cleanup(job.Kill)

	proc, err := task.NewProcess(job, "sleeper", task.WithMemory(vm.NewFramePool(0x1000_0000, 16)))
	require.NoError(t, err)

	srv := NewServer(Options{
		Config:      config.DebugConfig{Address: "127.0.0.1:0"},
		Root:        job,
		Metrics:     monitoring.NewMetrics(nil),
		Logger:      logging.Nop(),
		Development: true,
	})
	return fixture{srv: srv, job: job, proc: proc}
}

func (f fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, w.Header().Get(TraceHeader))
}

func TestTraceHeaderEchoed(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(TraceHeader, "tr_custom")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "tr_custom", w.Header().Get(TraceHeader))
}

func TestMetricsEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kernel_uptime_seconds")
	assert.Contains(t, w.Body.String(), "kernel_handles_live")

	w = f.do(http.MethodGet, "/debug/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap monitoring.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.NotZero(t, snap.Koids)
}

func TestMetricsRoutesNeedCollector(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(Options{Development: true})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobs(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/debug/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)

	var info task.JobInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, f.job.ID(), info.Koid)
	assert.Equal(t, "debug-test", info.Name)
	require.Len(t, info.Processes, 1)
	assert.Equal(t, f.proc.ID(), info.Processes[0].Koid)
	assert.Equal(t, "init", info.Processes[0].Status)
}

func TestProcessLookup(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		koid       string
		wantStatus int
	}{
		{name: "found", koid: fmt.Sprint(uint64(f.proc.ID())), wantStatus: http.StatusOK},
		{name: "not a number", koid: "abc", wantStatus: http.StatusBadRequest},
		{name: "unknown koid", koid: "1", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodGet, "/debug/processes/"+tt.koid, "")
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"name":"sleeper"`)
			}
		})
	}
}

func TestKillProcess(t *testing.T) {
	f := newFixture(t)
	path := fmt.Sprintf("/debug/processes/%d", uint64(f.proc.ID()))

	w := f.do(http.MethodPost, path+"/kill", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"exited"`)

	code, err := f.proc.ExitCode()
	require.NoError(t, err)
	assert.Equal(t, task.RetcodeKilled, code)

	w = f.do(http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogLevel(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "debug", body: `{"level":"debug"}`, wantStatus: http.StatusOK},
		{name: "unknown level", body: `{"level":"loud"}`, wantStatus: http.StatusBadRequest},
		{name: "missing field", body: `{}`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPut, "/debug/log/level", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}

	w := f.do(http.MethodGet, "/debug/log/level", "")
	assert.Contains(t, w.Body.String(), `"level":"debug"`)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name           string
		method         string
		origin         string
		wantStatus     int
		wantCORSHeader bool
	}{
		{name: "GET with origin", method: http.MethodGet, origin: "http://localhost:3000", wantStatus: http.StatusOK, wantCORSHeader: true},
		{name: "preflight", method: http.MethodOptions, origin: "http://localhost:3000", wantStatus: http.StatusNoContent, wantCORSHeader: true},
		{name: "no origin", method: http.MethodGet, wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
				if tt.method == http.MethodOptions {
					req.Header.Set("Access-Control-Request-Method", http.MethodGet)
				}
			}
			w := httptest.NewRecorder()
			f.srv.Handler().ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCORSHeader {
				assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestServeShutsDownWithContext(t *testing.T) {
	f := newFixture(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
