package connmgr

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/xrplink/internal/events"
	"github.com/shaunagostinho/xrplink/internal/repl"
	"github.com/shaunagostinho/xrplink/internal/sim"
	"github.com/shaunagostinho/xrplink/internal/telemetry"
	"github.com/shaunagostinho/xrplink/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// kindSim presents a simulated robot as another transport kind.
type kindSim struct {
	*sim.Device
	kind transport.Kind
}

func (k kindSim) Kind() transport.Kind { return k.kind }

type collector struct {
	mu  sync.Mutex
	evs []events.Event
}

func collect(t *testing.T, bus *events.Bus) *collector {
	t.Helper()
	c := &collector{}
	ch, unsub := bus.Subscribe()
	t.Cleanup(unsub)
	go func() {
		for e := range ch {
			c.mu.Lock()
			c.evs = append(c.evs, e)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) ofType(types ...events.Type) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.evs {
		for _, tp := range types {
			if e.Type == tp {
				out = append(out, e)
			}
		}
	}
	return out
}

func typesOf(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func testREPLConfig() repl.Config {
	return repl.Config{PollInterval: 10 * time.Millisecond, EntryPolls: 10}
}

func newTestManager(t *testing.T, cfg Config, tr Transports) (*Manager, *collector) {
	t.Helper()
	cfg.REPL = testREPLConfig()
	bus := events.NewBus()
	col := collect(t, bus)
	m := New(cfg, tr, bus, zaptest.NewLogger(t))
	t.Cleanup(m.Close)
	return m, col
}

var handshakeTypes = []events.Type{events.Connection, events.FSTree, events.Version, events.Update, events.Plugins}

func TestHandshakeOrderAndEffects(t *testing.T) {
	dev := sim.New(sim.Config{
		LibraryVersion: "1.0.0",
		Files:          map[string]string{"/lib/plugins/plugins.json": `{"plugins":[{"friendly_name":"Lidar","blocks_url":"b.json","script_url":"s.js"}]}`},
	})
	m, col := newTestManager(t, Config{
		AdminName:         "Pat",
		AdminEmail:        "pat@example.com",
		LatestLibrary:     "1.1.0",
		LatestMicroPython: "1.24.1",
	}, Transports{Primary: dev})

	require.NoError(t, m.Connect(context.Background(), transport.KindSimulated))
	require.True(t, m.IsConnected())

	require.Eventually(t, func() bool { return len(col.ofType(events.Plugins)) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := col.ofType(handshakeTypes...)
	assert.Equal(t, []events.Type{events.Connection, events.FSTree, events.Version, events.Update, events.Plugins}, typesOf(got))

	conn := got[0].Data.(events.ConnectionData)
	assert.Equal(t, "connected", conn.Status)
	assert.Equal(t, "demo", conn.Transport)

	tree := got[1].Data.(FSTreeData)
	assert.Contains(t, string(tree.Tree), `"admin.json"`)
	require.NotNil(t, tree.Storage)

	upd := got[3].Data.(events.UpdateData)
	assert.Equal(t, events.UpdateData{Component: "library", Current: "1.0.0", Latest: "1.1.0"}, upd)

	plugins := got[4].Data.(PluginsData)
	require.Len(t, plugins.Plugins, 1)
	assert.Equal(t, "Lidar", plugins.Plugins[0].FriendlyName)
	assert.Equal(t, "RP2040", plugins.Processor)

	// admin file was claimed for the configured user
	body, ok := dev.File("/admin.json")
	require.True(t, ok)
	var a admin
	require.NoError(t, json.Unmarshal(body, &a))
	assert.Equal(t, admin{Name: "Pat", Email: "pat@example.com"}, a)
	assert.True(t, m.IsAdmin())

	flag, _ := dev.File("/lib/ble/isrunning")
	assert.Equal(t, []byte{0}, flag)

	var reset bool
	for _, src := range dev.Executed() {
		reset = reset || strings.Contains(src, "os.dupterm(None)")
	}
	assert.True(t, reset)

	info, ok := m.Version()
	require.True(t, ok)
	assert.Equal(t, "1.0.0", info.Library)
	assert.Equal(t, repl.ModeNormal, m.Active().Mode())
}

func TestHandshakeExistingAdminFile(t *testing.T) {
	dev := sim.New(sim.Config{
		LibraryVersion: "1.1.0",
		Files:          map[string]string{"/admin.json": `{"name":"Sam","email":"sam@example.com"}`},
	})
	m, col := newTestManager(t, Config{AdminEmail: "pat@example.com", LatestLibrary: "1.1.0"}, Transports{Primary: dev})

	require.NoError(t, m.Connect(context.Background(), transport.KindSimulated))
	assert.False(t, m.IsAdmin())

	body, _ := dev.File("/admin.json")
	assert.Contains(t, string(body), "sam@example.com")

	require.Eventually(t, func() bool { return len(col.ofType(events.Version)) == 1 }, 2*time.Second, 5*time.Millisecond)
	// up to date and no plugins: neither event is sent
	assert.Empty(t, col.ofType(events.Update, events.Plugins))
}

func TestHandshakeRewritesCorruptAdminFile(t *testing.T) {
	dev := sim.New(sim.Config{
		LibraryVersion: "1.1.0",
		Files:          map[string]string{"/admin.json": `{"name":"Sam",`},
	})
	m, _ := newTestManager(t, Config{AdminName: "Pat", AdminEmail: "pat@example.com", LatestLibrary: "1.1.0"}, Transports{Primary: dev})

	require.NoError(t, m.Connect(context.Background(), transport.KindSimulated))
	assert.True(t, m.IsAdmin())

	body, ok := dev.File("/admin.json")
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"Pat","email":"pat@example.com"}`, string(body))
}

// deadLink opens fine but is gone before the first read.
type deadLink struct {
	mu     sync.Mutex
	writes int
}

func (d *deadLink) Kind() transport.Kind                 { return transport.KindUSB }
func (d *deadLink) Name() string                         { return "dead" }
func (d *deadLink) Connect(context.Context) error        { return nil }
func (d *deadLink) Disconnect() error                    { return nil }
func (d *deadLink) IsConnected() bool                    { return false }
func (d *deadLink) Read(context.Context) ([]byte, error) { return nil, transport.ErrClosed }
func (d *deadLink) Write([]byte) error {
	d.mu.Lock()
	d.writes++
	d.mu.Unlock()
	return transport.ErrClosed
}

func TestConnectReportsLinkLostDuringOpen(t *testing.T) {
	dead := &deadLink{}
	m, col := newTestManager(t, Config{AdminEmail: "pat@example.com"}, Transports{Primary: dead})

	err := m.Connect(context.Background(), transport.KindUSB)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.False(t, m.IsConnected())
	assert.Nil(t, m.Active())

	dead.mu.Lock()
	assert.Zero(t, dead.writes, "no handshake on a dead link")
	dead.mu.Unlock()
	assert.Never(t, func() bool {
		for _, e := range col.ofType(events.Connection) {
			if e.Data.(events.ConnectionData).Status == "connected" {
				return true
			}
		}
		return false
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestHandshakeWithoutIdentityLeavesRobotUnclaimed(t *testing.T) {
	dev := sim.New(sim.Config{})
	m, col := newTestManager(t, Config{LatestLibrary: "1.1.0"}, Transports{Primary: dev})

	require.NoError(t, m.Connect(context.Background(), transport.KindSimulated))
	_, ok := dev.File("/admin.json")
	assert.False(t, ok)

	// no library at all is reported as needing one
	require.Eventually(t, func() bool { return len(col.ofType(events.Update)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "", col.ofType(events.Update)[0].Data.(events.UpdateData).Current)
}

func TestHandshakeStopsRunningProgram(t *testing.T) {
	dev := sim.New(sim.Config{StartRunning: true, IgnoreInterrupts: 2})
	m, _ := newTestManager(t, Config{}, Transports{Primary: dev})

	require.NoError(t, m.Connect(context.Background(), transport.KindSimulated))
	assert.False(t, dev.Running())
	_, ok := m.Version()
	assert.True(t, ok)
}

func TestDisconnectClearsTree(t *testing.T) {
	dev := sim.New(sim.Config{})
	m, col := newTestManager(t, Config{}, Transports{Primary: dev})

	require.NoError(t, m.Connect(context.Background(), transport.KindSimulated))
	require.NoError(t, m.Disconnect())

	assert.Nil(t, m.Active())
	assert.Nil(t, m.Dispatcher())
	require.Eventually(t, func() bool { return len(col.ofType(events.Connection)) == 2 }, time.Second, 5*time.Millisecond)

	conns := col.ofType(events.Connection)
	assert.Equal(t, "disconnected", conns[1].Data.(events.ConnectionData).Status)

	require.Eventually(t, func() bool { return len(col.ofType(events.FSTree)) == 2 }, time.Second, 5*time.Millisecond)
	last := col.ofType(events.FSTree)[1].Data.(FSTreeData)
	assert.JSONEq(t, `{}`, string(last.Tree))
	assert.Nil(t, last.Storage)

	assert.ErrorIs(t, m.Disconnect(), ErrNotActive)
}

func TestLinkLossEmitsDisconnected(t *testing.T) {
	dev := sim.New(sim.Config{})
	m, col := newTestManager(t, Config{}, Transports{Primary: dev})

	require.NoError(t, m.Connect(context.Background(), transport.KindSimulated))
	dev.Disconnect()

	require.Eventually(t, func() bool { return !m.IsConnected() }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(col.ofType(events.Connection)) == 2 }, time.Second, 5*time.Millisecond)
}

func TestSwitchingTransportClosesPrevious(t *testing.T) {
	usb := sim.New(sim.Config{})
	ble := sim.New(sim.Config{})
	built := 0
	m, col := newTestManager(t, Config{}, Transports{
		Primary: usb,
		Bluetooth: func() transport.Transport {
			built++
			return kindSim{Device: ble, kind: transport.KindBluetooth}
		},
	})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, transport.KindSimulated))
	assert.Zero(t, built)

	require.NoError(t, m.Connect(ctx, transport.KindBluetooth))
	assert.Equal(t, 1, built)
	assert.False(t, usb.IsConnected())
	assert.Equal(t, transport.KindBluetooth, m.Active().Transport().Kind())

	// the BLE session does not reset the terminal
	for _, src := range ble.Executed() {
		assert.NotContains(t, src, "os.dupterm(None)")
	}

	require.Eventually(t, func() bool { return len(col.ofType(events.Connection)) == 3 }, time.Second, 5*time.Millisecond)
	statuses := []string{}
	for _, e := range col.ofType(events.Connection) {
		statuses = append(statuses, e.Data.(events.ConnectionData).Status)
	}
	assert.Equal(t, []string{"connected", "disconnected", "connected"}, statuses)

	// reconnecting reuses the link built earlier
	require.NoError(t, m.Connect(ctx, transport.KindSimulated))
	require.NoError(t, m.Connect(ctx, transport.KindBluetooth))
	assert.Equal(t, 1, built)
}

func TestConnectUnknownTransport(t *testing.T) {
	m, _ := newTestManager(t, Config{}, Transports{Primary: sim.New(sim.Config{})})
	assert.ErrorIs(t, m.Connect(context.Background(), transport.KindBluetooth), ErrNoTransport)
	assert.ErrorIs(t, m.Connect(context.Background(), transport.KindUSB), ErrNoTransport)
}

func TestTelemetryEvents(t *testing.T) {
	dev := sim.New(sim.Config{TelemetryInterval: 10 * time.Millisecond})
	m, col := newTestManager(t, Config{}, Transports{Primary: dev})

	require.NoError(t, m.Connect(context.Background(), transport.KindSimulated))
	require.Eventually(t, func() bool { return len(col.ofType(events.Telemetry)) > 0 }, 2*time.Second, 5*time.Millisecond)

	snap, ok := col.ofType(events.Telemetry)[0].Data.(telemetry.Snapshot)
	require.True(t, ok)
	assert.Greater(t, snap.Voltage, 0.0)
	v, ok := m.Table().Value("voltage")
	assert.True(t, ok)
	assert.Greater(t, v, 0.0)
	assert.Positive(t, m.Decoder().Stats().Sessions)
}

func TestJoystickFollowsProgram(t *testing.T) {
	dev := sim.New(sim.Config{})
	cfg := Config{JoystickInterval: 5 * time.Millisecond}
	m, col := newTestManager(t, cfg, Transports{Primary: dev})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, transport.KindSimulated))
	disp := m.Dispatcher()
	require.NotNil(t, disp)

	done := make(chan error, 1)
	go func() { done <- disp.ExecuteLines(ctx, "gp = Gamepad.get_default_gamepad()\nwhile True:\n    pass\n") }()

	require.Eventually(t, m.Joystick().Running, 2*time.Second, 5*time.Millisecond)
	m.Joystick().KeyDown("KeyW")
	require.Eventually(t, func() bool {
		pkts := dev.JoystickPackets()
		if len(pkts) == 0 {
			return false
		}
		p := pkts[len(pkts)-1]
		return p[0] == 0x55 && p[5] == 0 // y1 pushed up
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, disp.Stop(ctx))
	require.NoError(t, <-done)
	assert.False(t, m.Joystick().Running())

	require.Eventually(t, func() bool { return len(col.ofType(events.Joystick)) == 2 }, time.Second, 5*time.Millisecond)
	js := col.ofType(events.Joystick)
	assert.Equal(t, true, js[0].Data)
	assert.Equal(t, false, js[1].Data)
}

func TestAutoConnect(t *testing.T) {
	dev := sim.New(sim.Config{})
	m, _ := newTestManager(t, Config{AutoConnectInterval: 10 * time.Millisecond}, Transports{
		Primary: kindSim{Device: dev, kind: transport.KindUSB},
	})

	var mu sync.Mutex
	plugged := false
	findPort = func() (string, transport.USBID, error) {
		mu.Lock()
		defer mu.Unlock()
		if !plugged {
			return "", transport.USBID{}, transport.ErrNotFound
		}
		return "/dev/ttyACM0", transport.KnownUSBIDs[0], nil
	}
	t.Cleanup(func() { findPort = transport.FindXRPPort })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.AutoConnect(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, m.IsConnected())

	mu.Lock()
	plugged = true
	mu.Unlock()
	require.Eventually(t, m.IsConnected, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestAutoConnectIgnoresNonUSB(t *testing.T) {
	m, _ := newTestManager(t, Config{}, Transports{Primary: sim.New(sim.Config{})})
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.AutoConnect(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AutoConnect should return at once for a simulated link")
	}
}

func TestVersionHelpers(t *testing.T) {
	assert.Equal(t, "1.24.1", micropythonVersion("(1, 24, 1, '')"))
	assert.Equal(t, "1.19.1", micropythonVersion("(1, 19, 1)"))

	assert.True(t, needsUpdate("1.0.0", "1.1.0"))
	assert.False(t, needsUpdate("1.1.0", "1.1.0"))
	assert.False(t, needsUpdate("1.2.0", "1.1.0"))
	assert.True(t, needsUpdate("", "1.1.0"))
	assert.False(t, needsUpdate("1.0.0", ""))
	assert.False(t, needsUpdate("1.0.0", "not a version"))
}
