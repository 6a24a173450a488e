package server

import (
	"bufio"
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/sensorlink/internal/config"
	"github.com/shaunagostinho/sensorlink/internal/feed"
	"github.com/shaunagostinho/sensorlink/internal/metrics"
	"github.com/shaunagostinho/sensorlink/internal/session"
	"github.com/shaunagostinho/sensorlink/internal/sink"
	"github.com/shaunagostinho/sensorlink/internal/wire"
)

type harness struct {
	http     *httptest.Server
	registry *session.Registry
	sink     *sink.Sink
	hub      *feed.Hub
	tcpAddr  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	m := metrics.New()
	sk := sink.New(16, m)
	reg := session.NewRegistry(4)
	acceptor := session.NewServer(session.ServerConfig{}, sk, reg, m)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go acceptor.Serve(ctx, ln)

	hub := feed.NewHub(10)
	srv := New(Options{
		Config:   config.DefaultConfig(),
		Registry: reg,
		Hub:      hub,
		Stats:    sk,
		Latest:   []feed.Latest{hub},
		Metrics:  m.Handler(),
		WebFS:    fstest.MapFS{"index.html": {Data: []byte("<html>sensorlink</html>")}},
	})
	h := &harness{http: httptest.NewServer(srv), registry: reg, sink: sk, hub: hub, tcpAddr: ln.Addr().String()}
	t.Cleanup(h.http.Close)
	return h
}

// device connects a raw TCP client and consumes the START handshake.
func (h *harness) device(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", h.tcpAddr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "START\n", line)
	return conn, br
}

func (h *harness) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(h.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (h *harness) get(t *testing.T, path string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(h.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestSessionCommandPushedToDevice(t *testing.T) {
	h := newHarness(t)
	_, br := h.device(t)

	var list []session.Info
	require.Eventually(t, func() bool {
		list = nil
		h.get(t, "/api/sessions", &list)
		return len(list) == 1 && list[0].State == session.Streaming
	}, 2*time.Second, 10*time.Millisecond)

	resp, out := h.post(t, "/api/sessions/"+list[0].ID+"/command", `{"command":"RATE=0.5"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "RATE = 0.5", out["command"])

	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "RATE = 0.5\n", line)

	resp, _ = h.post(t, "/api/sessions/"+list[0].ID+"/command", `{"command":"STOP"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	line, err = br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "STOP\n", line)
}

func TestSessionCommandErrors(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.post(t, "/api/sessions/nope/command", `{"command":"START"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, out := h.post(t, "/api/sessions/nope/command", `{"command":"FLY"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "unknown command")

	resp, _ = h.post(t, "/api/sessions/nope/command", `{"command":"RATE = banana"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.post(t, "/api/sessions/nope/command", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBroadcastCommand(t *testing.T) {
	h := newHarness(t)
	_, br1 := h.device(t)
	_, br2 := h.device(t)
	require.Eventually(t, func() bool { return h.registry.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	resp, out := h.post(t, "/api/command", `{"command":"STOP"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, out["sent"])

	for _, br := range []*bufio.Reader{br1, br2} {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "STOP\n", line)
	}
}

func TestStatsAndHealth(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.device(t)

	frame := wire.Encode(wire.Reading{DeviceID: 7, Timestamp: 1, Values: []float32{20, 300}})
	_, err := conn.Write(frame)
	require.NoError(t, err)

	var stats struct {
		Sessions int        `json:"sessions"`
		Sink     sink.Stats `json:"sink"`
	}
	require.Eventually(t, func() bool {
		h.get(t, "/api/stats", &stats)
		return stats.Sink.Pushed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, stats.Sessions)
	assert.Equal(t, 16, stats.Sink.Capacity)

	var health map[string]any
	resp := h.get(t, "/healthz", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health["status"])
}

func TestLatest(t *testing.T) {
	h := newHarness(t)
	r := wire.Reading{DeviceID: 3, Timestamp: 1700000000, Values: []float32{23.5, 1.2}}
	require.NoError(t, h.hub.Publish(context.Background(), r))

	var got wire.Reading
	resp := h.get(t, "/api/latest/3", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, r, got)

	require.NoError(t, h.hub.Publish(context.Background(),
		wire.Reading{DeviceID: 5, Timestamp: 1, Values: []float32{float32(math.NaN()), 2}}))
	var raw map[string]any
	resp = h.get(t, "/api/latest/5", &raw)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{nil, 2.0}, raw["values"])

	resp = h.get(t, "/api/latest/4", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = h.get(t, "/api/latest/x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfigMetricsAndUI(t *testing.T) {
	h := newHarness(t)

	var cfg map[string]any
	resp := h.get(t, "/api/config", &cfg)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, cfg, "storage")

	resp, err := http.Get(h.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
