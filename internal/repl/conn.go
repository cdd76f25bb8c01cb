// Package repl drives the MicroPython REPL on an XRP robot: it frames the
// inbound byte stream, switches between raw and normal modes, and runs
// blocking read-until waits on top of a transport.
package repl

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/xrplink/internal/transport"
	"go.uber.org/zap"
)

// Control bytes understood by the MicroPython REPL.
const (
	CtrlRaw       = "\x01"
	CtrlNormal    = "\x02"
	CtrlInterrupt = "\x03"
	CtrlExecute   = "\x04"
)

const (
	rawBanner    = "raw REPL; CTRL-B to exit"
	normalBanner = "MicroPython"
	prompt       = ">"

	// ResetSnippet stops timer driven code that ignores keyboard interrupts.
	ResetSnippet = "from XRPLib.resetbot import reset_hard\nreset_hard()\n"

	DefaultPollInterval = 85 * time.Millisecond
	DefaultChunkSize    = 250

	defaultEntryPolls = 100
	cmdEndPolls       = 300
	okPolls           = 20
	okPollInterval    = 5 * time.Millisecond
	promptPolls       = 5
	stopPolls         = 3
	maxInterrupts     = 20
)

// State is the link level connection state.
type State int

const (
	StateNone State = iota
	StateBusy
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateBusy:
		return "busy"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "none"
	}
}

// Mode is what the REPL on the robot is believed to be doing.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeNormal
	ModeRaw
	ModeRunning
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeRaw:
		return "raw"
	case ModeRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Config tunes the protocol timings.
type Config struct {
	PollInterval time.Duration
	ChunkSize    int
	// EntryPolls bounds the wait for the raw and normal mode banners.
	EntryPolls int
}

// Handlers receive what the connection produces. Any may be nil.
type Handlers struct {
	Output   func(text string)   // terminal text
	State    func(State)         // connection state changes
	Joystick func(active bool)   // firmware asked for (or stopped) gamepad packets
	Data     func(chunk []byte)  // raw bytes from the telemetry channel
}

// waitState is an armed read-until. An inactive wait routes output to the
// terminal; an active one with an empty marker matches the first line.
type waitState struct {
	active bool
	marker string
}

// Conn is one REPL session over one transport.
type Conn struct {
	tr  transport.Transport
	cfg Config
	log *zap.Logger

	// opMu serializes blocking protocol operations.
	opMu sync.Mutex

	mu            sync.Mutex
	state         State
	mode          Mode
	handlers      Handlers
	framer        Framer
	wait          waitState
	collected     []byte
	lastLines     []string // every line seen by the last matching wait
	forceOutput   bool
	catchOK       bool
	runBusy       bool
	runDone       chan struct{}
	stopRequested bool
	joyActive     bool
	rawCapture    bool
	rawData       []byte
	lastProgram   string
	lastRunError  string
	cancel        context.CancelFunc
}

// New creates a connection over tr. It does not connect.
func New(tr transport.Transport, cfg Config, log *zap.Logger) *Conn {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.EntryPolls <= 0 {
		cfg.EntryPolls = defaultEntryPolls
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{
		tr:  tr,
		cfg: cfg,
		log: log.Named("repl").With(zap.String("transport", tr.Kind().String())),
	}
}

// SetHandlers replaces the callbacks.
func (c *Conn) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

// Transport returns the underlying link.
func (c *Conn) Transport() transport.Transport { return c.tr }

// State returns the connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode returns the REPL mode the robot was last seen in.
func (c *Conn) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// IsConnected reports whether the link is up and idle.
func (c *Conn) IsConnected() bool { return c.State() == StateConnected }

// IsBusy reports whether a REPL exchange is in progress.
func (c *Conn) IsBusy() bool { return c.State() == StateBusy }

// IsRunning reports whether a program started by GoCommand is still running.
func (c *Conn) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runBusy
}

// LastProgram returns the source most recently passed to GoCommand.
func (c *Conn) LastProgram() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastProgram
}

// LastRunError returns the "[Errno" line of the last run, if any.
func (c *Conn) LastRunError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRunError
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.handlers.State
	c.mu.Unlock()

	c.log.Debug("state", zap.Stringer("state", s))
	if fn != nil {
		fn(s)
	}
}

func (c *Conn) setMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

// Connect opens the transport and starts the read loops.
func (c *Conn) Connect(ctx context.Context) error {
	c.setState(StateBusy)
	if err := c.tr.Connect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mode = ModeUnknown
	c.framer.Reset()
	c.wait = waitState{}
	c.collected = nil
	c.mu.Unlock()

	c.setState(StateConnected)
	c.log.Info("connected", zap.String("device", c.tr.Name()))

	go c.readLoop(loopCtx)
	if dc, ok := c.tr.(transport.DataChannel); ok && dc.HasDataChannel() {
		go c.dataLoop(loopCtx, dc)
	}
	return nil
}

// Disconnect stops the read loops and closes the transport.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	was := c.state
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := c.tr.Disconnect()
	if was == StateConnected || was == StateBusy {
		c.dropped()
	}
	return err
}

// dropped moves to Disconnected. Pending waits see the state change and
// give up on their next poll.
func (c *Conn) dropped() {
	c.mu.Lock()
	c.mode = ModeUnknown
	c.runBusy = false
	c.forceOutput = false
	c.wait = waitState{}
	c.joyActive = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.setState(StateDisconnected)
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		p, err := c.tr.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, transport.ErrClosed) {
				c.log.Warn("link closed")
			} else {
				c.log.Warn("read failed", zap.Error(err))
			}
			c.dropped()
			return
		}
		if len(p) == 0 {
			if c.State() != StateConnected {
				return
			}
			continue
		}
		c.feed(p)
	}
}

func (c *Conn) dataLoop(ctx context.Context, dc transport.DataChannel) {
	for {
		p, err := dc.ReadData(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug("data channel closed", zap.Error(err))
			}
			return
		}
		if len(p) == 0 {
			continue
		}
		c.mu.Lock()
		fn := c.handlers.Data
		c.mu.Unlock()
		if fn != nil {
			fn(p)
		}
	}
}

// feed routes one inbound chunk through the framer.
func (c *Conn) feed(p []byte) {
	c.mu.Lock()
	out := c.framer.Push(p)
	if len(out) == 0 {
		c.mu.Unlock()
		return
	}

	var joyFn func(bool)
	if c.runBusy {
		switch classifyJoystick(out) {
		case joyStart:
			c.joyActive = true
			joyFn = c.handlers.Joystick
			out = nil
		case joyStop:
			c.joyActive = false
			joyFn = c.handlers.Joystick
			out = nil
		}
	}
	joyActive := c.joyActive

	var term string
	if !c.wait.active {
		term = string(out)
	} else if len(out) > 0 {
		if c.forceOutput {
			term = string(out)
			if c.catchOK && strings.HasPrefix(term, "OK") {
				c.catchOK = false
				term = term[2:]
			}
		}
		c.collected = append(c.collected, out...)
		if c.rawCapture {
			c.rawData = append(c.rawData, out...)
		}
	}
	outFn := c.handlers.Output
	c.mu.Unlock()

	if joyFn != nil {
		joyFn(joyActive)
	}
	if term != "" && outFn != nil {
		outFn(term)
	}
}

func (c *Conn) emit(text string) {
	c.mu.Lock()
	fn := c.handlers.Output
	c.mu.Unlock()
	if fn != nil && text != "" {
		fn(text)
	}
}

// StartCollectRawData begins copying bytes captured by read-until waits.
func (c *Conn) StartCollectRawData() {
	c.mu.Lock()
	c.rawCapture = true
	c.rawData = nil
	c.mu.Unlock()
}

// EndCollectRawData stops the capture started by StartCollectRawData.
func (c *Conn) EndCollectRawData() {
	c.mu.Lock()
	c.rawCapture = false
	c.mu.Unlock()
}

// CollectedRawData returns a copy of the captured bytes.
func (c *Conn) CollectedRawData() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.rawData...)
}

func (c *Conn) write(s string) error {
	return c.writeBytes([]byte(s))
}

func (c *Conn) writeBytes(p []byte) error {
	if err := c.tr.Write(p); err != nil {
		c.log.Warn("write failed", zap.Int("bytes", len(p)), zap.Error(err))
		return err
	}
	return nil
}

// WriteText sends terminal input such as keystrokes.
func (c *Conn) WriteText(s string) error { return c.write(s) }

// WriteBytes sends raw bytes on the REPL channel.
func (c *Conn) WriteBytes(p []byte) error { return c.writeBytes(p) }

// WriteJoystick sends a gamepad packet, on the data channel when the
// transport has one.
func (c *Conn) WriteJoystick(p []byte) error {
	if dc, ok := c.tr.(transport.DataChannel); ok && dc.HasDataChannel() {
		return dc.WriteData(p)
	}
	return c.writeBytes(p)
}

// StartReadUntil arms a read-until wait for marker and clears the buffer.
func (c *Conn) StartReadUntil(marker string) {
	c.mu.Lock()
	c.wait = waitState{active: true, marker: marker}
	c.collected = c.collected[:0]
	c.lastLines = nil
	c.mu.Unlock()
}

// HaltUntilRead blocks until a line matching the armed marker arrives and
// returns the lines before it, plus omitOffset more. Lines after those are
// forwarded to the terminal. maxPolls of -1 waits until the connection
// drops or ctx ends. A timeout returns an empty result.
func (c *Conn) HaltUntilRead(ctx context.Context, omitOffset, maxPolls int) []string {
	lines, _ := c.halt(ctx, omitOffset, maxPolls)
	return lines
}

func (c *Conn) halt(ctx context.Context, omit, maxPolls int) ([]string, bool) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	waitOmit := 0
	polls := maxPolls
	for polls != 0 {
		c.mu.Lock()
		if c.state != StateConnected {
			c.mu.Unlock()
			return nil, false
		}
		lines := strings.Split(string(c.collected), "\r\n")
		for i, line := range lines {
			if !c.wait.matches(line) {
				continue
			}
			if i > len(lines)-omit && waitOmit < 5 {
				waitOmit++
				break
			}
			c.wait = waitState{}
			c.lastLines = lines
			end := min(i+omit, len(lines))
			var fwd strings.Builder
			for j := end; j < len(lines); j++ {
				fwd.WriteString(lines[j])
				if j != len(lines)-1 {
					fwd.WriteString("\r\n")
				}
			}
			c.mu.Unlock()

			c.emit(fwd.String())
			return lines[:end], true
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.disarm()
			return nil, false
		case <-ticker.C:
		}
		if maxPolls != -1 {
			polls--
		}
	}
	c.disarm()
	return nil, false
}

func (w waitState) matches(line string) bool {
	return line == w.marker || w.marker == "" || strings.Contains(line, w.marker) || line == prompt
}

// disarm routes output back to the terminal after a wait gives up.
func (c *Conn) disarm() {
	c.mu.Lock()
	c.wait = waitState{}
	c.mu.Unlock()
}

// waitUntilOK gives the raw REPL a moment to acknowledge a command.
func (c *Conn) waitUntilOK(ctx context.Context) {
	for i := 0; i < okPolls; i++ {
		c.mu.Lock()
		connected := c.state == StateConnected
		lines := strings.Split(string(c.collected), "\r\n")
		c.mu.Unlock()
		if !connected {
			return
		}
		for _, l := range lines {
			if l == "OK" || l == prompt {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(okPollInterval):
		}
	}
}

func (c *Conn) getToRaw(ctx context.Context) bool {
	c.StartReadUntil(rawBanner)
	c.write("\r" + CtrlInterrupt + CtrlInterrupt)
	c.write("\r" + CtrlRaw)
	_, ok := c.halt(ctx, 2, c.cfg.EntryPolls)
	if ok {
		c.setMode(ModeRaw)
	} else {
		c.log.Warn("no raw REPL banner")
	}
	return ok
}

func (c *Conn) getToNormal(ctx context.Context, omit int) ([]string, bool) {
	c.getToRaw(ctx)
	c.StartReadUntil(normalBanner)
	c.write("\r" + CtrlNormal)
	lines, ok := c.halt(ctx, omit, c.cfg.EntryPolls)
	if ok {
		c.setMode(ModeNormal)
	} else {
		c.log.Warn("no MicroPython banner")
	}
	return lines, ok
}

// GetToRaw interrupts whatever is running and enters the raw REPL.
func (c *Conn) GetToRaw(ctx context.Context) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.getToRaw(ctx)
}

// GetToNormal passes through raw mode so stray banners are swallowed, then
// returns to the friendly REPL. omit hides that many banner lines.
func (c *Conn) GetToNormal(ctx context.Context, omit int) []string {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	lines, _ := c.getToNormal(ctx, omit)
	return lines
}

// Chunk splits s into size-byte pieces. It always yields
// ceil(len(s)/size)+1 pieces, so the last one is empty.
func Chunk(s string, size int) []string {
	n := (len(s)+size-1)/size + 1
	out := make([]string, n)
	for i := range out {
		lo := min(i*size, len(s))
		hi := min((i+1)*size, len(s))
		out[i] = s[lo:hi]
	}
	return out
}

func (c *Conn) writeChunked(s string) {
	for _, piece := range Chunk(s, c.cfg.ChunkSize) {
		if piece == "" {
			continue
		}
		if err := c.write(piece); err != nil {
			return
		}
	}
}

// WriteUtilityCmdRaw runs cmd in the raw REPL. With waitForEnd it waits for
// marker and returns the captured lines, nil when the device never answered.
func (c *Conn) WriteUtilityCmdRaw(ctx context.Context, cmd string, waitForEnd bool, omit int, marker string) []string {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.writeUtilityCmdRaw(ctx, cmd, waitForEnd, omit, marker)
}

func (c *Conn) writeUtilityCmdRaw(ctx context.Context, cmd string, waitForEnd bool, omit int, marker string) []string {
	c.getToRaw(ctx)
	c.writeChunked(cmd)

	if !waitForEnd {
		c.write(CtrlExecute)
		return nil
	}
	c.StartReadUntil(marker)
	c.write(CtrlExecute)
	if marker == prompt {
		c.waitUntilOK(ctx)
	}
	lines, _ := c.halt(ctx, omit, cmdEndPolls)
	return lines
}

// GoCommand runs a user program with its output streamed to the terminal
// and blocks until it finishes. A stop requested while it ran is followed
// by a hard reset of the robot's timers before returning to normal mode.
func (c *Conn) GoCommand(ctx context.Context, program string) []string {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.lastProgram = program
	c.lastRunError = ""
	c.stopRequested = false
	c.mu.Unlock()

	c.getToRaw(ctx)
	c.StartReadUntil(prompt)
	c.writeChunked(program)

	done := make(chan struct{})
	c.mu.Lock()
	c.forceOutput = true
	c.catchOK = true
	c.runBusy = true
	c.runDone = done
	c.mode = ModeRunning
	c.mu.Unlock()

	c.write(CtrlExecute)
	lines, _ := c.halt(ctx, 1, -1)

	c.mu.Lock()
	c.forceOutput = false
	c.catchOK = false
	c.runBusy = false
	c.runDone = nil
	stopped := c.stopRequested
	c.stopRequested = false
	joyWasActive := c.joyActive
	c.joyActive = false
	joyFn := c.handlers.Joystick
	// the traceback's File "<stdin>" line satisfies the prompt match, so
	// the error text may sit past the returned lines
	seen := c.lastLines
	c.mu.Unlock()
	close(done)

	if joyWasActive && joyFn != nil {
		joyFn(false)
	}

	for _, l := range seen {
		if strings.Contains(l, "[Errno") {
			c.mu.Lock()
			c.lastRunError = l
			c.mu.Unlock()
			c.log.Info("program reported an error", zap.String("line", l))
			break
		}
	}

	if c.State() != StateConnected {
		return lines
	}
	if stopped {
		c.log.Info("stop requested during run, resetting robot")
		c.writeUtilityCmdRaw(ctx, ResetSnippet, true, 1, prompt)
	}
	c.getToNormal(ctx, 3)
	return lines
}

// StopTheRobot interrupts a running program. While GoCommand is waiting it
// sends interrupts until the run ends; otherwise it works through Ctrl-C,
// a normal-mode reentry and further interrupts until a prompt shows up.
// It gives up after a bounded number of interrupts and returns false.
func (c *Conn) StopTheRobot(ctx context.Context) bool {
	c.mu.Lock()
	running := c.runBusy
	done := c.runDone
	if running {
		c.stopRequested = true
	}
	c.mu.Unlock()

	if running {
		for i := 0; i < maxInterrupts; i++ {
			c.write("\r" + CtrlInterrupt)
			select {
			case <-done:
				return true
			case <-ctx.Done():
				return false
			case <-time.After(c.cfg.PollInterval):
			}
		}
		c.log.Warn("program ignored every interrupt")
		return false
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopIdle(ctx)
}

func (c *Conn) stopIdle(ctx context.Context) bool {
	if c.interruptOnce(ctx) {
		return true
	}
	if _, ok := c.getToNormal(ctx, 0); ok {
		return true
	}
	// the first interrupt plus the two sent on the way into raw mode
	for sent := 3; sent < maxInterrupts; sent++ {
		if ctx.Err() != nil || c.State() != StateConnected {
			return false
		}
		if c.interruptOnce(ctx) {
			return true
		}
	}
	c.log.Warn("robot did not return to a prompt")
	return false
}

func (c *Conn) interruptOnce(ctx context.Context) bool {
	c.StartReadUntil(prompt)
	c.write("\r" + CtrlInterrupt)
	_, ok := c.halt(ctx, 0, stopPolls)
	return ok
}

// CheckPrompt pokes the REPL with a linefeed and reports whether a prompt
// came back.
func (c *Conn) CheckPrompt(ctx context.Context) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.checkPrompt(ctx)
}

func (c *Conn) checkPrompt(ctx context.Context) bool {
	c.StartReadUntil(prompt)
	c.write("\n")
	_, ok := c.halt(ctx, 0, promptPolls)
	return ok
}

// GetToREPL makes sure the robot sits at a prompt, stopping whatever it
// was running if it does not answer.
func (c *Conn) GetToREPL(ctx context.Context) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.checkPrompt(ctx) {
		c.setMode(ModeNormal)
		return true
	}
	return c.stopIdle(ctx)
}
