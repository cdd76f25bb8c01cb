// Package command turns host requests into MicroPython snippets, runs them
// through the raw REPL and parses what comes back.
package command

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/shaunagostinho/xrplink/internal/repl"
	"go.uber.org/zap"
)

var (
	// ErrBusy is returned when another command is still in flight.
	ErrBusy = errors.New("command: dispatcher busy")
	// ErrNoResponse means the robot never finished the snippet.
	ErrNoResponse = errors.New("command: no response from robot")
)

const (
	readBlockSize   = 256 // bytes per hexlified line when reading files
	uploadBlockSize = 512 // bytes per base64 chunk
	uploadBatch     = 16  // chunks per upload snippet
	normalOmit      = 3   // banner lines swallowed when returning to normal mode
)

// Processor is the robot's microcontroller.
type Processor int

const (
	ProcessorUnknown Processor = 0
	RP2040           Processor = 2040
	RP2350           Processor = 2350
)

func (p Processor) String() string {
	switch p {
	case RP2040:
		return "RP2040"
	case RP2350:
		return "RP2350"
	default:
		return "unknown"
	}
}

// VersionInfo is what the robot reports about its firmware and library.
type VersionInfo struct {
	MicroPythonVersion string `json:"micropython"`
	Library            string `json:"library"`
	BoardID            string `json:"boardId"`
	Platform           string `json:"platform"`
}

// HasLibrary reports whether an XRPLib version could be read.
func (v VersionInfo) HasLibrary() bool {
	return v.Library != "" && !strings.HasPrefix(v.Library, "ERROR")
}

// RobotError is an exception the robot printed while running a snippet.
type RobotError struct {
	Op   string
	Path string
	Msg  string
}

func (e *RobotError) Error() string {
	return "command: " + e.Op + " " + e.Path + ": " + e.Msg
}

func (e *RobotError) Unwrap() error {
	switch {
	case strings.Contains(e.Msg, "ENOENT"):
		return fs.ErrNotExist
	case strings.Contains(e.Msg, "EEXIST"):
		return fs.ErrExist
	}
	return nil
}

// Dispatcher serializes commands on one connection. A caller that finds it
// busy gets a neutral value back instead of queueing.
type Dispatcher struct {
	conn      *repl.Conn
	log       *zap.Logger
	busy      atomic.Bool
	processor atomic.Int32
}

// New creates a Dispatcher issuing commands over conn.
func New(conn *repl.Conn, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{conn: conn, log: log.Named("command")}
}

// Conn returns the REPL connection commands are sent over.
func (d *Dispatcher) Conn() *repl.Conn { return d.conn }

// IsBusy reports whether a command currently holds the robot.
func (d *Dispatcher) IsBusy() bool { return d.busy.Load() }

// Processor returns the variant learned from the last version query.
func (d *Dispatcher) Processor() Processor { return Processor(d.processor.Load()) }

func (d *Dispatcher) acquire() bool { return d.busy.CompareAndSwap(false, true) }
func (d *Dispatcher) release()      { d.busy.Store(false) }

// utility runs cmd in raw mode and drops back to the normal prompt.
func (d *Dispatcher) utility(ctx context.Context, cmd string) ([]string, error) {
	lines := d.conn.WriteUtilityCmdRaw(ctx, cmd, true, 1, ">")
	d.conn.GetToNormal(ctx, normalOmit)
	if lines == nil {
		return nil, ErrNoResponse
	}
	return rawOutput(lines), nil
}

// rawOutput extracts stdout from the lines captured around a raw REPL
// execution: the leading "OK" and everything from the first \x04 go.
func rawOutput(lines []string) []string {
	s := strings.Join(lines, "\r\n")
	s = strings.TrimPrefix(s, "OK")
	if i := strings.IndexByte(s, 0x04); i >= 0 {
		s = s[:i]
	}
	out := strings.Split(s, "\r\n")
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

// robotError picks the first "ERROR ..." line out of output, if any.
func robotError(op, p string, out []string) error {
	for _, l := range out {
		if strings.HasPrefix(l, "ERROR") {
			return &RobotError{Op: op, Path: p, Msg: strings.TrimSpace(strings.TrimPrefix(l, "ERROR"))}
		}
	}
	return nil
}

// ResetTerminal detaches the REPL from the BLE terminal so USB owns it.
func (d *Dispatcher) ResetTerminal(ctx context.Context) error {
	if !d.acquire() {
		return ErrBusy
	}
	defer d.release()
	_, err := d.utility(ctx, resetTerminalCmd)
	return err
}

// ClearIsRunning tells the robot's boot code not to relaunch the last program.
func (d *Dispatcher) ClearIsRunning(ctx context.Context) error {
	if !d.acquire() {
		return ErrBusy
	}
	defer d.release()
	out, err := d.utility(ctx, clearIsRunningCmd)
	if err != nil {
		return err
	}
	return robotError("clear", isRunningFile, out)
}

// BatteryVoltage reads the battery divider. It returns 0 when busy or when
// the robot did not answer.
func (d *Dispatcher) BatteryVoltage(ctx context.Context) float64 {
	if !d.acquire() {
		return 0
	}
	defer d.release()

	pin := "28"
	if d.Processor() == RP2350 {
		pin = "46"
	}
	out, err := d.utility(ctx, batteryCmd(pin))
	if err != nil || len(out) == 0 {
		d.log.Warn("battery read failed", zap.Error(err))
		return 0
	}
	raw, err := strconv.Atoi(strings.TrimSpace(out[0]))
	if err != nil {
		d.log.Warn("battery read unparsable", zap.String("line", out[0]))
		return 0
	}
	// 16 bit ADC behind a divider that tops out near 14V
	return float64(raw) / (1024 * 64 / 14)
}

// GetVersionInfo asks the robot for its MicroPython version, platform,
// XRPLib version and board ID, remembering the processor it runs on.
func (d *Dispatcher) GetVersionInfo(ctx context.Context) (VersionInfo, error) {
	if !d.acquire() {
		return VersionInfo{}, ErrBusy
	}
	defer d.release()

	out, err := d.utility(ctx, versionCmd)
	if err != nil {
		return VersionInfo{}, err
	}
	if len(out) < 4 || out[0] == "ERROR" {
		return VersionInfo{}, errors.New("command: unexpected version output")
	}
	info := VersionInfo{
		MicroPythonVersion: out[0],
		Platform:           out[1],
		Library:            out[2],
		BoardID:            out[3],
	}
	if d.Processor() == ProcessorUnknown {
		switch {
		case strings.Contains(info.Platform, "RP2350"):
			d.processor.Store(int32(RP2350))
		case strings.Contains(info.Platform, "RP2040"):
			d.processor.Store(int32(RP2040))
		}
	}
	return info, nil
}

// GetOnBoardFSTree lists the robot's filesystem.
func (d *Dispatcher) GetOnBoardFSTree(ctx context.Context) (*FSInfo, error) {
	if !d.acquire() {
		return nil, ErrBusy
	}
	defer d.release()

	out, err := d.utility(ctx, fsTreeCmd)
	if err != nil {
		return nil, err
	}
	if len(out) < 2 {
		return nil, errors.New("command: unexpected filesystem listing")
	}
	if err := robotError("list", "/", out); err != nil {
		return nil, err
	}
	storage, err := parseStorage(out[1])
	if err != nil {
		return nil, err
	}
	return &FSInfo{Tree: parseTree(out[0]), Storage: storage}, nil
}

// GetFileContents reads a file off the robot.
func (d *Dispatcher) GetFileContents(ctx context.Context, p string) ([]byte, error) {
	if !d.acquire() {
		return nil, ErrBusy
	}
	defer d.release()

	out, err := d.utility(ctx, readFileCmd(p, readBlockSize))
	if err != nil {
		return nil, err
	}
	if err := robotError("read", p, out); err != nil {
		return nil, err
	}
	var data []byte
	for _, l := range out {
		b, err := hex.DecodeString(strings.TrimSpace(l))
		if err != nil {
			return nil, &RobotError{Op: "read", Path: p, Msg: "bad hex line"}
		}
		data = append(data, b...)
	}
	return data, nil
}

// UploadFile writes data to p, creating parent directories first.
func (d *Dispatcher) UploadFile(ctx context.Context, p string, data []byte) error {
	if !d.acquire() {
		return ErrBusy
	}
	defer d.release()

	if dir := path.Dir(p); dir != "/" && dir != "." {
		if err := d.buildPath(ctx, dir); err != nil {
			return err
		}
	}

	var chunks []string
	for off := 0; off < len(data); off += uploadBlockSize {
		end := min(off+uploadBlockSize, len(data))
		chunks = append(chunks, base64.StdEncoding.EncodeToString(data[off:end]))
	}

	first := true
	for first || len(chunks) > 0 {
		n := min(uploadBatch, len(chunks))
		out, err := d.utility(ctx, writeFileCmd(p, chunks[:n], !first))
		if err != nil {
			return err
		}
		if err := robotError("write", p, out); err != nil {
			return err
		}
		chunks = chunks[n:]
		first = false
	}
	d.log.Info("uploaded file", zap.String("path", p), zap.Int("bytes", len(data)))
	return nil
}

// BuildPath creates dir and any missing parents.
func (d *Dispatcher) BuildPath(ctx context.Context, dir string) error {
	if !d.acquire() {
		return ErrBusy
	}
	defer d.release()
	return d.buildPath(ctx, dir)
}

func (d *Dispatcher) buildPath(ctx context.Context, dir string) error {
	var dirs []string
	acc := ""
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		acc += "/" + part
		dirs = append(dirs, acc)
	}
	if len(dirs) == 0 {
		return nil
	}
	_, err := d.utility(ctx, mkdirsCmd(dirs))
	return err
}

// DeleteFileOrDir removes a file, or a directory and everything under it.
func (d *Dispatcher) DeleteFileOrDir(ctx context.Context, p string) error {
	if !d.acquire() {
		return ErrBusy
	}
	defer d.release()
	out, err := d.utility(ctx, deleteCmd(p))
	if err != nil {
		return err
	}
	return robotError("delete", p, out)
}

// RenameFile moves a file or directory on the robot.
func (d *Dispatcher) RenameFile(ctx context.Context, from, to string) error {
	if !d.acquire() {
		return ErrBusy
	}
	defer d.release()
	out, err := d.utility(ctx, renameCmd(from, to))
	if err != nil {
		return err
	}
	return robotError("rename", from, out)
}

// RunFile executes a file already on the robot, streaming its output to the
// terminal until it ends or is stopped.
func (d *Dispatcher) RunFile(ctx context.Context, p string) error {
	return d.run(ctx, p, runFileCmd(p))
}

// ExecuteLines runs program text directly.
func (d *Dispatcher) ExecuteLines(ctx context.Context, program string) error {
	return d.run(ctx, "<program>", program)
}

func (d *Dispatcher) run(ctx context.Context, name, program string) error {
	if !d.acquire() {
		return ErrBusy
	}
	defer d.release()

	d.log.Info("running", zap.String("program", name))
	d.conn.GoCommand(ctx, program)
	if msg := d.conn.LastRunError(); msg != "" {
		return &RobotError{Op: "run", Path: name, Msg: msg}
	}
	return nil
}

// Stop interrupts whatever the robot is doing. It bypasses the busy guard
// since the run it stops holds it.
func (d *Dispatcher) Stop(ctx context.Context) bool {
	return d.conn.StopTheRobot(ctx)
}
