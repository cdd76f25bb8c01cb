package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/xrplink/internal/connmgr"
	"github.com/shaunagostinho/xrplink/internal/events"
	"github.com/shaunagostinho/xrplink/internal/joystick"
	"github.com/shaunagostinho/xrplink/internal/repl"
	"github.com/shaunagostinho/xrplink/internal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type testEnv struct {
	srv *Server
	mgr *connmgr.Manager
	dev *sim.Device
	bus *events.Bus
	ts  *httptest.Server
	cfg *Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	dev := sim.New(sim.Config{TelemetryInterval: 20 * time.Millisecond})

	cfg := DefaultConfig()
	cfg.path = filepath.Join(dir, "config.yaml")
	cfg.Device.Transport = "demo"
	cfg.Logging = LoggingConfig{Enabled: true, Path: filepath.Join(dir, "logs"), Interval: 50}

	bus := events.NewBus()
	mcfg := cfg.ManagerConfig()
	mcfg.REPL = repl.Config{PollInterval: 10 * time.Millisecond, EntryPolls: 10}
	mgr := connmgr.New(mcfg, connmgr.Transports{Primary: dev}, bus, zaptest.NewLogger(t))

	web := fstest.MapFS{"index.html": {Data: []byte("<html>xrplink</html>")}}
	srv := New(cfg, mgr, bus, web, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		mgr.Close()
		cancel()
	})
	return &testEnv{srv: srv, mgr: mgr, dev: dev, bus: bus, ts: ts, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) connect(t *testing.T) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/connect?transport=demo", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var st Status
	require.NoError(t, json.Unmarshal(body, &st))
	require.True(t, st.Connected)
	require.Equal(t, "demo", st.Transport)
}

func TestServesWebAssets(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, "/index.html", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "xrplink")
}

func TestNotConnected(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.False(t, st.Connected)

	resp, _ = e.do(t, http.MethodGet, "/api/battery", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/disconnect", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/version", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/connect?transport=ble", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/connect?transport=floppy", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/connect", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestConnectAndQuery(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)

	resp, body := e.do(t, http.MethodGet, "/api/battery", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var batt map[string]float64
	require.NoError(t, json.Unmarshal(body, &batt))
	assert.Greater(t, batt["voltage"], 0.0)

	resp, body = e.do(t, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"platform":"Raspberry Pi Pico W with RP2040"`)

	resp, body = e.do(t, http.MethodGet, "/api/fs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tree connmgr.FSTreeData
	require.NoError(t, json.Unmarshal(body, &tree))
	assert.Contains(t, string(tree.Tree), `"main.py"`)
	require.NotNil(t, tree.Storage)

	resp, _ = e.do(t, http.MethodPost, "/api/disconnect", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, e.mgr.IsConnected())
}

func TestFileRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)

	src := "print('hello')\n"
	resp, body := e.do(t, http.MethodPut, "/api/files?path=/projects/hello.py", strings.NewReader(src))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = e.do(t, http.MethodGet, "/api/files?path=/projects/hello.py", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, src, string(body))

	rename, _ := json.Marshal(map[string]string{"from": "/projects/hello.py", "to": "/projects/hi.py"})
	resp, _ = e.do(t, http.MethodPost, "/api/files/rename", bytes.NewReader(rename))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, ok := e.dev.File("/projects/hi.py")
	assert.True(t, ok)

	resp, _ = e.do(t, http.MethodDelete, "/api/files?path=/projects/hi.py", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/files?path=/projects/hi.py", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/files/mkdir?path=/a/b", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/files", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunErrorIsPublished(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)

	ch, unsub := e.bus.Subscribe()
	defer unsub()

	body, _ := json.Marshal(runRequest{Path: "/missing.py"})
	resp, _ := e.do(t, http.MethodPost, "/api/run", bytes.NewReader(body))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type != events.RunError {
				continue
			}
			assert.Contains(t, ev.Data.(map[string]string)["error"], "ENOENT")
			return
		case <-timeout:
			t.Fatal("no run_error event")
		}
	}
}

func TestRunRejectsBadRequest(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)

	body, _ := json.Marshal(runRequest{Path: "/main.py", Program: "print(1)"})
	resp, _ := e.do(t, http.MethodPost, "/api/run", bytes.NewReader(body))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunAndStop(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)

	body, _ := json.Marshal(runRequest{Program: "while True:\n    pass\n"})
	resp, _ := e.do(t, http.MethodPost, "/api/run", bytes.NewReader(body))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, e.dev.Running, 2*time.Second, 5*time.Millisecond)

	// a second program is refused while the first holds the link
	resp, _ = e.do(t, http.MethodPost, "/api/run", bytes.NewReader(body))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, data := e.do(t, http.MethodPost, "/api/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"stopped":true}`, string(data))
	require.Eventually(t, func() bool { return !e.dev.Running() }, time.Second, 5*time.Millisecond)
}

func TestWebsocketEventsAndInput(t *testing.T) {
	e := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	read := func() map[string]any {
		ws.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, msg, err := ws.ReadMessage()
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(msg, &m))
		return m
	}

	first := read()
	assert.Equal(t, "status", first["type"])

	e.connect(t)
	for {
		m := read()
		if m["type"] != string(events.Connection) {
			continue
		}
		data := m["data"].(map[string]any)
		assert.Equal(t, "connected", data["status"])
		assert.Equal(t, "demo", data["transport"])
		break
	}

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "key", "code": "KeyD", "down": true}))
	require.Eventually(t, func() bool {
		return e.mgr.Joystick().State()[joystick.X1] == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "key", "code": "KeyD", "down": false}))
	require.Eventually(t, func() bool {
		return e.mgr.Joystick().State()[joystick.X1] == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTelemetryIsRecorded(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t)

	require.Eventually(t, func() bool {
		files, _ := filepath.Glob(filepath.Join(e.cfg.Logging.Path, "xrp_*.csv"))
		if len(files) == 0 {
			return false
		}
		data, err := os.ReadFile(files[0])
		return err == nil && strings.Count(string(data), "\n") >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConfigAPI(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"transport":"demo"`)

	patch := `{"admin":{"email":"pat@example.com"},"logging":{"enabled":false}}`
	resp, _ = e.do(t, http.MethodPost, "/api/config", strings.NewReader(patch))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "pat@example.com", e.cfg.Admin.Email)
	assert.Equal(t, "demo", e.cfg.Device.Transport)
	assert.False(t, e.srv.recorder.IsEnabled())

	saved, err := os.ReadFile(e.cfg.path)
	require.NoError(t, err)
	assert.Contains(t, string(saved), "pat@example.com")

	resp, _ = e.do(t, http.MethodPost, "/api/config", strings.NewReader("{"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
