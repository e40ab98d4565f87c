package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yairfalse/perfwatch/pkg/dashboard"
	"github.com/yairfalse/perfwatch/pkg/metricstore"
	"github.com/yairfalse/perfwatch/pkg/monitoring"
	"github.com/yairfalse/perfwatch/pkg/optimizer"
)

type staticRuntime struct{}

func (staticRuntime) ReadRuntime() metricstore.RuntimeStats {
	return metricstore.RuntimeStats{HeapUsedBytes: 32 << 20, HeapLimitBytes: 1 << 30}
}

type fixture struct {
	server  *Server
	store   *metricstore.Store
	monitor *monitoring.Monitor
	opt     *optimizer.Optimizer
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	logger := zap.NewNop()
	store := metricstore.New(metricstore.Options{Runtime: staticRuntime{}})
	m := monitoring.NewMonitor(store, monitoring.DefaultConfig(), logger)
	o := optimizer.New(m, m, optimizer.DefaultConfig(), logger, optimizer.WithReclaimer(nil))
	o.RegisterTrimmer("samples", store)
	d := dashboard.New(m, o, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(monitoring.NewCollector(m))

	s, err := NewServer(m, o, d, registry, logger, Config{Address: "127.0.0.1:0"})
	require.NoError(t, err)
	return fixture{server: s, store: store, monitor: m, opt: o}
}

func (f fixture) do(method, target string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestNewServerRequiresComponents(t *testing.T) {
	_, err := NewServer(nil, nil, nil, nil, zap.NewNop(), Config{})
	assert.Error(t, err)
}

func TestCurrentMetricsRecordsItself(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/metrics/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap metricstore.MetricSnapshot
	decode(t, rec, &snap)
	assert.Equal(t, 0, snap.RequestCount)

	samples := f.store.Samples()
	require.Len(t, samples, 1)
	assert.Equal(t, "/api/v1/metrics/current", samples[0].Path)
	assert.Equal(t, http.StatusOK, samples[0].StatusCode)
}

func TestReportEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/reports?hours=1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "insufficient_data", body["error"])

	f.monitor.Refresh()

	rec = f.do(http.MethodGet, "/api/v1/reports?hours=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report dashboard.Report
	decode(t, rec, &report)
	assert.Equal(t, 1, report.WindowHours)
	assert.Len(t, report.Snapshots, 1)

	rec = f.do(http.MethodGet, "/api/v1/reports", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, bad := range []string{"abc", "0", "-2", "100000"} {
		rec = f.do(http.MethodGet, "/api/v1/reports?hours="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestHealthUnavailableWhenCritical(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	f.monitor.RecordRequest(monitoring.RequestMeta{Path: "/slow", Method: "GET"}, monitoring.ResponseMeta{StatusCode: 200}, 5000)
	f.monitor.Refresh()

	rec = f.do(http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var health dashboard.HealthStatus
	decode(t, rec, &health)
	assert.Equal(t, monitoring.HealthCritical, health.Status)
	assert.Equal(t, 1, health.ActiveAlerts)
}

func TestSummaryAndDashboard(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary monitoring.Summary
	decode(t, rec, &summary)
	assert.Equal(t, monitoring.HealthHealthy, summary.Health)

	rec = f.do(http.MethodGet, "/api/v1/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"optimizer"`)

	rec = f.do(http.MethodGet, "/api/v1/optimizer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status optimizer.Status
	decode(t, rec, &status)
	assert.True(t, status.MemoryLeakDetection.Enabled)
}

func TestPatchConfig(t *testing.T) {
	f := newFixture(t)

	body := []byte(`{
		"metricsInterval": 2000,
		"thresholds": {"latency": {"warning": 50}, "throughput": {"warning": 1}},
		"optimizer": {"trendWindow": 6, "memoryLeakDetection": false}
	}`)
	rec := f.do(http.MethodPatch, "/api/v1/config", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp configPatchResponse
	decode(t, rec, &resp)
	assert.True(t, resp.Applied)
	assert.Equal(t, []string{"throughput"}, resp.Ignored)

	mcfg := f.monitor.Config()
	assert.Equal(t, 2*time.Second, mcfg.MetricsInterval)
	assert.Equal(t, 50.0, mcfg.Thresholds[monitoring.KindLatency].Warning)
	assert.Equal(t, 2500.0, mcfg.Thresholds[monitoring.KindLatency].Critical)

	ocfg := f.opt.Config()
	assert.Equal(t, 6, ocfg.TrendWindow)
	assert.False(t, ocfg.LeakDetectionEnabled)
}

func TestPatchConfigRejectsWithoutPartialApply(t *testing.T) {
	f := newFixture(t)
	before := f.monitor.Config()

	body := []byte(`{"alertingEnabled": false, "optimizer": {"trendWindow": 1}}`)
	rec := f.do(http.MethodPatch, "/api/v1/config", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, before, f.monitor.Config())
	assert.Equal(t, optimizer.DefaultConfig(), f.opt.Config())

	rec = f.do(http.MethodPatch, "/api/v1/config", []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOptimizeMemory(t *testing.T) {
	f := newFixture(t)
	f.monitor.RecordRequest(monitoring.RequestMeta{Path: "/", Method: "GET"}, monitoring.ResponseMeta{StatusCode: 200}, 10)

	rec := f.do(http.MethodPost, "/api/v1/optimizer/memory", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result optimizer.ReclamationResult
	decode(t, rec, &result)
	assert.False(t, result.HostReclaimed)
	assert.Equal(t, optimizer.ErrReclamationUnsupported.Error(), result.Note)

	rec = f.do(http.MethodGet, "/api/v1/optimizer/memory", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPrometheusEndpoint(t *testing.T) {
	f := newFixture(t)
	f.monitor.Refresh()

	rec := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "perfwatch_health_status 2")
	assert.Contains(t, rec.Body.String(), "perfwatch_window_requests")
}

type captured struct {
	req  monitoring.RequestMeta
	resp monitoring.ResponseMeta
}

type captureRecorder struct {
	calls []captured
}

func (c *captureRecorder) RecordRequest(req monitoring.RequestMeta, resp monitoring.ResponseMeta, _ float64) {
	c.calls = append(c.calls, captured{req: req, resp: resp})
}

func TestRecordRequestsMiddleware(t *testing.T) {
	rec := &captureRecorder{}
	router := mux.NewRouter()
	router.HandleFunc("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	router.HandleFunc("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	router.HandleFunc("/implicit", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	router.Use(RecordRequests(rec))
	router.Use(recoverPanics(zap.NewNop()))

	req := httptest.NewRequest(http.MethodGet, "/items/42", nil)
	req.Header.Set(SessionHeader, "sess-header")
	router.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodPost, "/panic", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-cookie"})
	router.ServeHTTP(httptest.NewRecorder(), req)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/implicit", nil))

	require.Len(t, rec.calls, 3)
	assert.Equal(t, monitoring.RequestMeta{Path: "/items/{id}", Method: "GET", SessionID: "sess-header"}, rec.calls[0].req)
	assert.Equal(t, http.StatusTeapot, rec.calls[0].resp.StatusCode)
	assert.Equal(t, "sess-cookie", rec.calls[1].req.SessionID)
	assert.Equal(t, http.StatusInternalServerError, rec.calls[1].resp.StatusCode)
	assert.Equal(t, http.StatusOK, rec.calls[2].resp.StatusCode)
	assert.Empty(t, rec.calls[2].req.SessionID)
}

func TestPresenceTracksConnections(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/presence"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.store.OpenConnections() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.server.Presence().Count())

	// the upgrade itself is not a request sample
	assert.Equal(t, 0, f.store.Len())

	f.monitor.RecordRequest(monitoring.RequestMeta{Path: "/slow", Method: "GET"}, monitoring.ResponseMeta{StatusCode: 200}, 1500)
	f.monitor.Refresh()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev monitoring.AlertEvent
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, monitoring.TransitionRaised, ev.Transition)
	assert.Equal(t, monitoring.KindLatency, ev.Alert.Kind)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return f.store.OpenConnections() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPresenceCloseDisconnectsClients(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/presence"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.server.Presence().Count() == 1
	}, time.Second, 10*time.Millisecond)

	f.server.Presence().Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	require.Eventually(t, func() bool {
		return f.store.OpenConnections() == 0
	}, time.Second, 10*time.Millisecond)
}
