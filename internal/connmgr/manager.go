// Package connmgr owns the active robot link. It runs the post-connect
// handshake and republishes link state as application events.
package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/xrplink/internal/command"
	"github.com/shaunagostinho/xrplink/internal/events"
	"github.com/shaunagostinho/xrplink/internal/joystick"
	"github.com/shaunagostinho/xrplink/internal/repl"
	"github.com/shaunagostinho/xrplink/internal/telemetry"
	"github.com/shaunagostinho/xrplink/internal/transport"
	"go.uber.org/zap"
)

var (
	ErrConnecting  = errors.New("connmgr: connect already in progress")
	ErrNoTransport = errors.New("connmgr: transport not available")
	ErrNotActive   = errors.New("connmgr: no active connection")
)

const (
	adminFile   = "/admin.json"
	pluginsFile = "lib/plugins/plugins.json"

	DefaultAutoConnectInterval = 2 * time.Second
)

// Config shapes the manager.
type Config struct {
	REPL repl.Config

	// AdminName and AdminEmail identify the signed in user. When set and
	// the robot has no admin file, one is written claiming the robot.
	AdminName  string
	AdminEmail string

	LatestLibrary     string // newest XRPLib release, e.g. "1.1.0"
	LatestMicroPython string // newest firmware release, e.g. "1.24.1"

	AutoConnectInterval time.Duration
	JoystickInterval    time.Duration
}

// Transports supplies the links the manager may use. Primary is the
// always-present link (USB, or a simulated robot in demo mode); Bluetooth
// is built on first use and may be nil.
type Transports struct {
	Primary   transport.Transport
	Bluetooth func() transport.Transport
}

// FSTreeData is the payload of fs_tree events. Tree is "{}" after a
// disconnect.
type FSTreeData struct {
	Tree    json.RawMessage  `json:"tree"`
	Storage *command.Storage `json:"storage,omitempty"`
}

// PluginsData lists third-party block plugins installed on the robot.
type PluginsData struct {
	Processor string   `json:"processor"`
	Plugins   []Plugin `json:"plugins"`
}

type Plugin struct {
	FriendlyName string `json:"friendly_name"`
	BlocksURL    string `json:"blocks_url"`
	ScriptURL    string `json:"script_url"`
}

type admin struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type link struct {
	conn *repl.Conn
	disp *command.Dispatcher
}

// Manager keeps exactly one link active at a time.
type Manager struct {
	cfg Config
	tr  Transports
	bus *events.Bus
	log *zap.Logger

	table   *telemetry.Table
	decoder *telemetry.Decoder
	joy     *joystick.Sender

	connecting atomic.Bool

	mu      sync.Mutex
	primary *link
	ble     *link
	active  *link
	isAdmin bool
	version *command.VersionInfo
}

// New creates a Manager. Nothing is opened until Connect or AutoConnect.
func New(cfg Config, tr Transports, bus *events.Bus, log *zap.Logger) *Manager {
	if cfg.AutoConnectInterval <= 0 {
		cfg.AutoConnectInterval = DefaultAutoConnectInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg: cfg,
		tr:  tr,
		bus: bus,
		log: log.Named("connmgr"),
	}
	m.table = telemetry.NewTable()
	m.decoder = telemetry.NewDecoder(m.table, log)
	m.decoder.OnSnapshot = func(s telemetry.Snapshot) {
		m.bus.Emit(events.Telemetry, s)
	}
	m.joy = joystick.NewSender(m.writeJoystick, cfg.JoystickInterval, log)
	if tr.Primary != nil {
		m.primary = m.newLink(tr.Primary)
	}
	return m
}

// Table returns the live telemetry table.
func (m *Manager) Table() *telemetry.Table { return m.table }

func (m *Manager) Decoder() *telemetry.Decoder { return m.decoder }

func (m *Manager) Joystick() *joystick.Sender { return m.joy }

func (m *Manager) newLink(tr transport.Transport) *link {
	l := &link{conn: repl.New(tr, m.cfg.REPL, m.log)}
	l.disp = command.New(l.conn, m.log)
	l.conn.SetHandlers(repl.Handlers{
		Output: func(s string) { m.bus.Emit(events.Terminal, s) },
		State:  func(s repl.State) { m.stateChanged(l, s) },
		Joystick: func(on bool) {
			m.joy.SetActive(on)
			m.bus.Emit(events.Joystick, on)
		},
		Data: func(p []byte) { m.decoder.Feed(p) },
	})
	return l
}

// linkFor returns the link serving kind, building the Bluetooth one lazily.
func (m *Manager) linkFor(kind transport.Kind) (*link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == transport.KindBluetooth {
		if m.ble == nil {
			if m.tr.Bluetooth == nil {
				return nil, ErrNoTransport
			}
			m.ble = m.newLink(m.tr.Bluetooth())
		}
		return m.ble, nil
	}
	if m.primary == nil || m.primary.conn.Transport().Kind() != kind {
		return nil, ErrNoTransport
	}
	return m.primary, nil
}

// Active returns the connected REPL, or nil.
func (m *Manager) Active() *repl.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active.conn
}

// Dispatcher returns the command dispatcher of the active link, or nil.
func (m *Manager) Dispatcher() *command.Dispatcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active.disp
}

// IsConnected reports whether any link is active.
func (m *Manager) IsConnected() bool { return m.Active() != nil }

// IsAdmin reports whether the configured user owns the connected robot.
func (m *Manager) IsAdmin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isAdmin
}

// Version returns what the robot reported during the last handshake.
func (m *Manager) Version() (command.VersionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.version == nil {
		return command.VersionInfo{}, false
	}
	return *m.version, true
}

// Connect opens the link of the given kind and runs the handshake. Any
// other active link is closed first.
func (m *Manager) Connect(ctx context.Context, kind transport.Kind) error {
	if !m.connecting.CompareAndSwap(false, true) {
		return ErrConnecting
	}
	defer m.connecting.Store(false)

	l, err := m.linkFor(kind)
	if err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.active
	m.mu.Unlock()
	if prev == l && l.conn.IsConnected() {
		return nil
	}
	if prev != nil {
		m.log.Info("switching transport", zap.Stringer("from", prev.conn.Transport().Kind()), zap.Stringer("to", kind))
		prev.conn.Disconnect()
	}

	m.table.Reset()
	if err := l.conn.Connect(ctx); err != nil {
		m.log.Warn("connect failed", zap.Stringer("transport", kind), zap.Error(err))
		return err
	}
	m.mu.Lock()
	m.active = l
	m.isAdmin = false
	m.version = nil
	m.mu.Unlock()

	// the read loop may already have seen the link die
	if !l.conn.IsConnected() || !l.conn.Transport().IsConnected() {
		m.mu.Lock()
		if m.active == l {
			m.active = nil
		}
		m.mu.Unlock()
		l.conn.Disconnect()
		m.log.Warn("link dropped while connecting", zap.Stringer("transport", kind))
		return transport.ErrClosed
	}

	m.handshake(ctx, l)
	return nil
}

// Disconnect closes the active link.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	l := m.active
	m.mu.Unlock()
	if l == nil {
		return ErrNotActive
	}
	return l.conn.Disconnect()
}

// Close stops streaming and drops any link.
func (m *Manager) Close() {
	m.joy.Stop()
	if err := m.Disconnect(); err != nil && !errors.Is(err, ErrNotActive) {
		m.log.Debug("disconnect on close", zap.Error(err))
	}
}

func (m *Manager) stateChanged(l *link, s repl.State) {
	if s != repl.StateDisconnected {
		return
	}
	m.mu.Lock()
	if m.active != l {
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.isAdmin = false
	m.mu.Unlock()

	m.joy.Stop()
	m.log.Info("disconnected", zap.Stringer("transport", l.conn.Transport().Kind()))
	m.bus.Emit(events.Connection, events.ConnectionData{
		Status:    "disconnected",
		Transport: l.conn.Transport().Kind().String(),
	})
	m.bus.Emit(events.FSTree, FSTreeData{Tree: json.RawMessage("{}")})
}

func (m *Manager) writeJoystick(p []byte) error {
	c := m.Active()
	if c == nil {
		return transport.ErrClosed
	}
	return c.WriteJoystick(p)
}
