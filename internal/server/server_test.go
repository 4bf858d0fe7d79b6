package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/boardwire/internal/config"
	"github.com/gosuda/boardwire/internal/domain"
	"github.com/gosuda/boardwire/internal/metrics"
	"github.com/gosuda/boardwire/internal/pipeline"
	"github.com/gosuda/boardwire/internal/realtime"
	"github.com/gosuda/boardwire/internal/server"
)

const testToken = "server-test-token"

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:         ":0",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			CORSOrigins:  []string{"http://localhost:5173"},

			SecurityHeaders: true,
			ShutdownTimeout: 5 * time.Second,
		},
		Realtime: config.RealtimeConfig{
			Token:          testToken,
			MaxConnections: 8,
			SSEHeartbeat:   time.Minute,
		},
		EventTransport: config.TransportMemory,
		MetricsEnabled: true,
	}
}

type testServer struct {
	app      *server.Server
	srv      *httptest.Server
	pipeline *pipeline.EventPipeline
	registry *realtime.Registry
}

// newTestServer wires the full HTTP stack over an in-memory pipeline.
// The pipeline is left stopped when start is false.
func newTestServer(t *testing.T, cfg *config.Config, start bool) *testServer {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := metrics.NewRegistry()
	registry := realtime.NewRegistry(metrics.NewRealtimeMetrics(reg))
	p := pipeline.New(pipeline.Options{
		Transport: pipeline.TransportMemory,
		Handler: func(ctx context.Context, ev domain.ActivityEvent) error {
			registry.Broadcast(ctx, ev)
			return nil
		},
		Metrics: metrics.NewPipelineMetrics(reg),
	})
	if start {
		require.NoError(t, p.Start(ctx))
	}

	var promReg *prometheus.Registry
	if cfg.MetricsEnabled {
		promReg = reg
	}

	s := server.New(ctx, cfg, server.Deps{Registry: registry, Pipeline: p, Metrics: promReg})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testServer{app: s, srv: srv, pipeline: p, registry: registry}
}

func get(t *testing.T, url string, header http.Header) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// ---------------------------------------------------------------------------
// Probes
// ---------------------------------------------------------------------------

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testConfig(), true)

	resp := get(t, ts.srv.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string `json:"status"`
	}
	decode(t, resp, &body)
	assert.Equal(t, "ok", body.Status)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testConfig(), false)

	var body struct {
		Status             string `json:"status"`
		EventPipelineReady bool   `json:"event_pipeline_ready"`
	}

	resp := get(t, ts.srv.URL+"/readyz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &body)
	assert.Equal(t, "starting", body.Status)
	assert.False(t, body.EventPipelineReady)

	require.NoError(t, ts.pipeline.Start(context.Background()))

	resp = get(t, ts.srv.URL+"/readyz", nil)
	decode(t, resp, &body)
	assert.Equal(t, "ready", body.Status)
	assert.True(t, body.EventPipelineReady)
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	t.Run("enabled", func(t *testing.T) {
		t.Parallel()

		ts := newTestServer(t, testConfig(), true)
		resp := get(t, ts.srv.URL+"/metrics", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var sb strings.Builder
		_, err := io.Copy(&sb, resp.Body)
		require.NoError(t, err)
		assert.Contains(t, sb.String(), "boardwire_realtime_active_connections")
		assert.Contains(t, sb.String(), "go_goroutines")
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig()
		cfg.MetricsEnabled = false
		ts := newTestServer(t, cfg, true)

		resp := get(t, ts.srv.URL+"/metrics", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

// ---------------------------------------------------------------------------
// Token-protected API
// ---------------------------------------------------------------------------

func TestServer_BoardConnections(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testConfig(), true)

	resp := get(t, ts.srv.URL+"/api/v1/boards/board-1/connections", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/boards/board-1?token=" + testToken
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	require.Eventually(t, func() bool { return ts.registry.BoardConnections("board-1") == 1 },
		2*time.Second, 10*time.Millisecond)

	resp = get(t, ts.srv.URL+"/api/v1/boards/board-1/connections",
		http.Header{"Authorization": []string{"Bearer " + testToken}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		BoardConnections  int `json:"board_connections"`
		ActiveConnections int `json:"active_connections"`
	}
	decode(t, resp, &body)
	assert.Equal(t, 1, body.BoardConnections)
	assert.Equal(t, 1, body.ActiveConnections)
}

// ---------------------------------------------------------------------------
// Realtime routes through the full middleware stack
// ---------------------------------------------------------------------------

func TestServer_WebSocketRoundTrip(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testConfig(), true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/boards/board-123?token=" + testToken
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"action":  "card.moved",
		"payload": map[string]any{"card_id": "c-9"},
		"user":    "dana",
	}))

	var ev domain.ActivityEvent
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "board-123", ev.Board)
	assert.Equal(t, "card.moved", ev.Action)
	assert.Equal(t, "dana", ev.User)
}

func TestServer_WebSocketRejectsForeignOrigin(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testConfig(), true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/boards/board-1?token=" + testToken
	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example"}},
	})
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}

func TestServer_ActivityStreamRateLimit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Realtime.StreamRate = 0.001
	cfg.Realtime.StreamBurst = 1
	ts := newTestServer(t, cfg, true)

	// Bad tokens still consume the per-IP budget.
	first := get(t, ts.srv.URL+"/sse/activity", nil)
	assert.Equal(t, http.StatusUnauthorized, first.StatusCode)

	second := get(t, ts.srv.URL+"/sse/activity", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)

	body := readAll(t, get(t, ts.srv.URL+"/metrics", nil))
	assert.Contains(t, body, "boardwire_http_rate_limit_rejections_total")
	assert.Contains(t, body, `route="/sse/activity"`)
}

func TestServer_ActivityStreamUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testConfig(), true)

	for range 3 {
		resp := get(t, ts.srv.URL+"/sse/activity", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

// ---------------------------------------------------------------------------
// Hardening and request metrics
// ---------------------------------------------------------------------------

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	var sb strings.Builder
	_, err := io.Copy(&sb, resp.Body)
	require.NoError(t, err)
	return sb.String()
}

func TestServer_SecurityHeaders(t *testing.T) {
	t.Parallel()

	t.Run("enabled", func(t *testing.T) {
		t.Parallel()

		ts := newTestServer(t, testConfig(), true)
		resp := get(t, ts.srv.URL+"/healthz", nil)
		assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
		assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
		assert.NotEmpty(t, resp.Header.Get("Strict-Transport-Security"))
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig()
		cfg.Server.SecurityHeaders = false
		ts := newTestServer(t, cfg, true)
		resp := get(t, ts.srv.URL+"/healthz", nil)
		assert.Empty(t, resp.Header.Get("X-Frame-Options"))
	})
}

func TestServer_RequestMetrics(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testConfig(), true)
	for range 2 {
		resp := get(t, ts.srv.URL+"/healthz", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	body := readAll(t, get(t, ts.srv.URL+"/metrics", nil))
	assert.Contains(t, body, "boardwire_http_requests_total")
	assert.Contains(t, body, "boardwire_http_request_duration_seconds")
	assert.Contains(t, body, `route="/healthz"`)
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

func TestServer_ShutdownEndsActivityStreams(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testConfig(), true)

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- ts.app.Serve(ln) }()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet,
		"http://"+ln.Addr().String()+"/sse/activity?token="+testToken, http.NoBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, ts.app.Shutdown(shutdownCtx))
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	_, err = io.Copy(io.Discard, resp.Body)
	assert.NoError(t, err, "stream ends cleanly")
}
