//go:build !windows

package relay

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachfi/dfpwmrelay/pkg/session"
	"github.com/zachfi/dfpwmrelay/pkg/sink"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// fakeBinary writes an executable shell script that ignores its arguments.
func fakeBinary(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func testConfig(t *testing.T, transcoder string) Config {
	t.Helper()
	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("relay", flag.NewFlagSet(t.Name(), flag.PanicOnError))
	cfg.FFmpegPath = transcoder
	cfg.ExtractorPath = fakeBinary(t, "yt-dlp", "exit 1")
	cfg.PingInterval = 0
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func startRelay(t *testing.T, cfg Config) (*Relay, *httptest.Server) {
	t.Helper()
	router := mux.NewRouter()

	r, err := New(cfg, router, *slog.Default(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(testCtx(t), r))

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(context.Background(), r)
		srv.Close()
	})
	return r, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readError(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ)

	var msg sink.ErrorMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg.Error
}

type listedSession struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func listSessions(t *testing.T, srv *httptest.Server) []listedSession {
	t.Helper()
	resp, err := http.Get(srv.URL + "/sessions")
	if !assert.NoError(t, err) {
		return nil
	}
	defer resp.Body.Close()

	var out []listedSession
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func deleteSession(t *testing.T, srv *httptest.Server, id string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig(t, "ffmpeg")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/", cfg.Path)
	assert.Contains(t, []string(cfg.SiteHosts), "youtube.com")

	bad := cfg
	bad.ExtractMode = "download"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.LinkMode = "shm"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Path = "/sessions"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Path = "ws"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxSessions = -1
	assert.Error(t, bad.Validate())
}

func TestRelay_Streams(t *testing.T) {
	cfg := testConfig(t, fakeBinary(t, "ffmpeg", `printf 'dfpwm-bytes'`))
	r, srv := startRelay(t, cfg)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"stream_url": "http://radio.example/live"}`)))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, "dfpwm-bytes", string(data))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)

	require.Eventually(t, func() bool { return r.Registry().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.sessionsTotal.WithLabelValues("closed", "upstream_exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.stageStarts.WithLabelValues("transcode", "ok")))
	assert.Equal(t, float64(len("dfpwm-bytes")), testutil.ToFloat64(r.metrics.bytesSent))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.metrics.activeSessions))
}

func TestRelay_InvalidRequest(t *testing.T) {
	r, srv := startRelay(t, testConfig(t, fakeBinary(t, "ffmpeg", "exit 0")))

	conn := dial(t, srv)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"stream_url": ""}`)))

	assert.Equal(t, "No stream URL provided.", readError(t, conn))
	require.Eventually(t, func() bool { return r.Registry().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.sessionsTotal.WithLabelValues("failed", "none")))
	assert.Equal(t, 0, testutil.CollectAndCount(r.metrics.stageStarts))
}

func TestRelay_MissingTranscoder(t *testing.T) {
	r, srv := startRelay(t, testConfig(t, filepath.Join(t.TempDir(), "missing-ffmpeg")))

	conn := dial(t, srv)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("http://radio.example/live")))

	assert.Contains(t, readError(t, conn), "stage start failed")
	require.Eventually(t, func() bool { return r.Registry().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.stageStarts.WithLabelValues("transcode", "error")))
}

func TestRelay_ResolutionFailure(t *testing.T) {
	cfg := testConfig(t, fakeBinary(t, "ffmpeg", "exit 0"))
	cfg.ExtractorPath = fakeBinary(t, "yt-dlp", `echo "ERROR: Video unavailable" >&2; exit 1`)
	r, srv := startRelay(t, cfg)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("https://www.youtube.com/watch?v=gone")))

	assert.Equal(t, "resolve https://www.youtube.com/watch?v=gone: ERROR: Video unavailable", readError(t, conn))
	require.Eventually(t, func() bool { return r.Registry().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, testutil.CollectAndCount(r.metrics.stageStarts))
}

func TestRelay_FirstByteTimeout(t *testing.T) {
	cfg := testConfig(t, fakeBinary(t, "ffmpeg", "exec sleep 30"))
	cfg.FirstByteTimeout = 200 * time.Millisecond
	r, srv := startRelay(t, cfg)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("http://radio.example/silent")))

	assert.Equal(t, "No audio received from the stream.", readError(t, conn))
	require.Eventually(t, func() bool { return r.Registry().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.sessionsTotal.WithLabelValues("failed", "start_timeout")))
}

func TestRelay_Capacity(t *testing.T) {
	cfg := testConfig(t, fakeBinary(t, "ffmpeg", "exit 0"))
	cfg.MaxSessions = 1
	r, srv := startRelay(t, cfg)

	dial(t, srv)
	require.Eventually(t, func() bool { return r.Registry().Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	second := dial(t, srv)
	assert.Equal(t, ErrAtCapacity.Error(), readError(t, second))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.rejectedTotal.WithLabelValues("capacity")))
	assert.Equal(t, 1, r.Registry().Len())
}

func TestRelay_ListAndCancel(t *testing.T) {
	r, srv := startRelay(t, testConfig(t, fakeBinary(t, "ffmpeg", "exec sleep 30")))

	conn := dial(t, srv)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("http://radio.example/live")))

	var infos []listedSession
	require.Eventually(t, func() bool {
		infos = listSessions(t, srv)
		return len(infos) == 1 && infos[0].State == session.StatePiping.String()
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, http.StatusNoContent, deleteSession(t, srv, infos[0].ID))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)

	require.Eventually(t, func() bool { return r.Registry().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.sessionsTotal.WithLabelValues("closed", "aborted")))

	assert.Equal(t, http.StatusNotFound, deleteSession(t, srv, infos[0].ID))
	assert.Equal(t, http.StatusBadRequest, deleteSession(t, srv, "not-a-uuid"))
}

func TestRelay_StopEndsSessions(t *testing.T) {
	cfg := testConfig(t, fakeBinary(t, "ffmpeg", "exec sleep 30"))
	r, srv := startRelay(t, cfg)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("http://radio.example/live")))
	require.Eventually(t, func() bool {
		infos := listSessions(t, srv)
		return len(infos) == 1 && infos[0].State == session.StatePiping.String()
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, services.StopAndAwaitTerminated(ctx, r))

	assert.Equal(t, 0, r.Registry().Len())
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
