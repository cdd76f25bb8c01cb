// Package sim emulates an XRP robot's MicroPython REPL closely enough to
// drive the whole link without hardware.
package sim

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/xrplink/internal/transport"
)

// Config shapes the simulated robot.
type Config struct {
	Platform       string // e.g. "Raspberry Pi Pico W with RP2040"
	MicroPython    string // sys.implementation[1] as printed
	LibraryVersion string // written into /lib/XRPLib/version.py, empty for none
	BoardID        string
	BatteryRaw     int // ADC count reported for the battery pin

	// StartRunning boots the robot with main.py looping, as if it had
	// been left running a program.
	StartRunning bool
	// IgnoreInterrupts is how many Ctrl-C bytes a running program swallows
	// before it stops. Negative means it never stops.
	IgnoreInterrupts int

	TelemetryInterval time.Duration // zero disables the data stream
	NoDataChannel     bool          // behave like firmware without the data characteristics

	Files map[string]string // extra files, path -> contents
}

// DefaultConfig returns a robot on current firmware with a healthy battery.
func DefaultConfig() Config {
	return Config{
		Platform:          "Raspberry Pi Pico W with RP2040",
		MicroPython:       "(1, 24, 1, '')",
		LibraryVersion:    "1.1.0",
		BoardID:           "e6614c311b7e5a2f",
		BatteryRaw:        40000,
		TelemetryInterval: 100 * time.Millisecond,
	}
}

type replMode int

const (
	modeNormal replMode = iota
	modeRaw
	modeRunning
)

// Device is a simulated robot. It implements transport.Transport and
// transport.DataChannel.
type Device struct {
	cfg Config

	repl *transport.Mailbox
	data *transport.Mailbox

	mu          sync.Mutex
	connected   bool
	mode        replMode
	runFromRaw  bool // running program was started from the raw REPL
	ignoreLeft  int
	line        []byte // normal mode input line
	rawBuf      []byte // raw mode pending program
	fs          *memFS
	timers      bool
	executed    []string
	interrupts  int
	joyPackets  [][]byte
	stopTelem   chan struct{}
	telemWG     sync.WaitGroup
	t           float64 // virtual time accumulator for telemetry
	sessionSent bool
}

// New creates a simulated robot.
func New(cfg Config) *Device {
	def := DefaultConfig()
	if cfg.Platform == "" {
		cfg.Platform = def.Platform
	}
	if cfg.MicroPython == "" {
		cfg.MicroPython = def.MicroPython
	}
	if cfg.BoardID == "" {
		cfg.BoardID = def.BoardID
	}
	if cfg.BatteryRaw == 0 {
		cfg.BatteryRaw = def.BatteryRaw
	}

	d := &Device{
		cfg:  cfg,
		repl: transport.NewMailbox(20 * time.Millisecond),
		data: transport.NewMailbox(20 * time.Millisecond),
		fs:   newMemFS(),
	}
	d.fs.writeFile("/main.py", []byte("from XRPLib.defaults import *\n"))
	d.fs.writeFile("/lib/XRPLib/resetbot.py", []byte("def reset_hard():\n    pass\n"))
	d.fs.writeFile("/lib/ble/isrunning", []byte{1})
	if cfg.LibraryVersion != "" {
		d.fs.writeFile("/lib/XRPLib/version.py", []byte(fmt.Sprintf("__version__ = '%s'\n", cfg.LibraryVersion)))
	}
	for path, body := range cfg.Files {
		d.fs.writeFile(path, []byte(body))
	}
	return d
}

func (d *Device) Kind() transport.Kind { return transport.KindSimulated }
func (d *Device) Name() string         { return "Demo (Simulated XRP)" }

func (d *Device) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return nil
	}
	d.repl.Reopen()
	d.data.Reopen()
	if d.cfg.NoDataChannel {
		d.data.Close()
	}
	d.connected = true
	d.sessionSent = false
	d.mode = modeNormal
	if d.cfg.StartRunning {
		d.startProgramLocked(false)
	}
	if d.cfg.TelemetryInterval > 0 && !d.cfg.NoDataChannel {
		d.stopTelem = make(chan struct{})
		d.telemWG.Add(1)
		go d.telemetryLoop(d.stopTelem)
	}
	return nil
}

func (d *Device) Disconnect() error {
	d.mu.Lock()
	stop := d.stopTelem
	d.stopTelem = nil
	d.connected = false
	d.mu.Unlock()

	if stop != nil {
		close(stop)
		d.telemWG.Wait()
	}
	d.repl.Close()
	d.data.Close()
	return nil
}

func (d *Device) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Device) Read(ctx context.Context) ([]byte, error) {
	return d.repl.Receive(ctx)
}

func (d *Device) HasDataChannel() bool { return !d.cfg.NoDataChannel }

func (d *Device) ReadData(ctx context.Context) ([]byte, error) {
	return d.data.Receive(ctx)
}

// WriteData records gamepad packets sent by the host.
func (d *Device) WriteData(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return transport.ErrClosed
	}
	d.joyPackets = append(d.joyPackets, append([]byte(nil), p...))
	return nil
}

// Inject pushes raw bytes to the host as if the robot had printed them.
func (d *Device) Inject(p []byte) {
	d.repl.Deliver(append([]byte(nil), p...))
}

// InjectData pushes raw bytes on the telemetry channel.
func (d *Device) InjectData(p []byte) {
	d.data.Deliver(append([]byte(nil), p...))
}

// Executed returns every raw REPL program the robot ran, in order.
func (d *Device) Executed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.executed...)
}

// Interrupts counts Ctrl-C bytes received.
func (d *Device) Interrupts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interrupts
}

// Running reports whether a program is executing on the robot.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode == modeRunning
}

// TimersRunning reports whether timer driven code is still active.
func (d *Device) TimersRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timers
}

// JoystickPackets returns gamepad packets received on the data channel.
func (d *Device) JoystickPackets() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.joyPackets...)
}

// File returns the contents of a file on the simulated filesystem.
func (d *Device) File(path string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fs.readFile(path)
}

// Paths lists every file and directory, sorted.
func (d *Device) Paths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for p := range d.fs.files {
		out = append(out, p)
	}
	for p := range d.fs.dirs {
		out = append(out, p+"/")
	}
	sort.Strings(out)
	return out
}

// Write feeds host bytes into the simulated REPL one at a time.
func (d *Device) Write(p []byte) error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return transport.ErrClosed
	}
	var out strings.Builder
	for _, b := range p {
		d.inputLocked(b, &out)
	}
	d.mu.Unlock()

	if out.Len() > 0 {
		d.repl.Deliver([]byte(out.String()))
	}
	return nil
}

func (d *Device) banner() string {
	return fmt.Sprintf("MicroPython v1.24.1 on 2024-11-29; %s\r\nType \"help()\" for more information.\r\n", d.cfg.Platform)
}

func (d *Device) inputLocked(b byte, out *strings.Builder) {
	if b == 0x03 {
		d.interrupts++
	}
	switch d.mode {
	case modeRunning:
		d.runningInputLocked(b, out)
	case modeRaw:
		d.rawInputLocked(b, out)
	default:
		d.normalInputLocked(b, out)
	}
}

func (d *Device) normalInputLocked(b byte, out *strings.Builder) {
	switch b {
	case 0x01:
		d.line = nil
		d.rawBuf = nil
		d.mode = modeRaw
		out.WriteString("\r\nraw REPL; CTRL-B to exit\r\n>")
	case 0x02:
		d.line = nil
		out.WriteString("\r\n" + d.banner() + ">>> ")
	case 0x03:
		d.line = nil
		out.WriteString("\r\n>>> ")
	case 0x04:
		d.line = nil
		out.WriteString("MPY: soft reboot\r\n" + d.banner() + ">>> ")
	case '\r', '\n':
		src := string(d.line)
		d.line = nil
		out.WriteString("\r\n")
		if strings.TrimSpace(src) != "" {
			res := d.execLocked(src)
			out.WriteString(res.stdout)
			out.WriteString(res.stderr)
		}
		out.WriteString(">>> ")
	default:
		d.line = append(d.line, b)
		out.WriteByte(b)
	}
}

func (d *Device) rawInputLocked(b byte, out *strings.Builder) {
	switch b {
	case 0x01:
		d.rawBuf = nil
		out.WriteString("raw REPL; CTRL-B to exit\r\n>")
	case 0x02:
		d.rawBuf = nil
		d.mode = modeNormal
		out.WriteString("\r\n" + d.banner() + ">>> ")
	case 0x03:
		d.rawBuf = nil
	case 0x04:
		src := string(d.rawBuf)
		d.rawBuf = nil
		d.executed = append(d.executed, src)
		out.WriteString("OK")
		res := d.execLocked(src)
		out.WriteString(res.stdout)
		if res.loops {
			d.startProgramLocked(true)
			return
		}
		out.WriteString("\x04" + res.stderr + "\x04>")
	default:
		d.rawBuf = append(d.rawBuf, b)
	}
}

func (d *Device) runningInputLocked(b byte, out *strings.Builder) {
	if b != 0x03 {
		return
	}
	if d.cfg.IgnoreInterrupts < 0 {
		return
	}
	if d.ignoreLeft > 0 {
		d.ignoreLeft--
		return
	}
	trace := "Traceback (most recent call last):\r\n  File \"<stdin>\", line 3, in <module>\r\nKeyboardInterrupt: \r\n"
	if d.runFromRaw {
		d.mode = modeRaw
		out.WriteString("\x04" + trace + "\x04>")
		return
	}
	d.mode = modeNormal
	out.WriteString(trace + d.banner() + ">>> ")
}

func (d *Device) startProgramLocked(fromRaw bool) {
	d.mode = modeRunning
	d.runFromRaw = fromRaw
	d.ignoreLeft = d.cfg.IgnoreInterrupts
}
