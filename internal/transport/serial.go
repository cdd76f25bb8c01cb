package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// USBID is a vendor/product pair an XRP controller enumerates as.
type USBID struct {
	VID, PID string
	Label    string
}

// KnownUSBIDs lists the controllers XRP ships with.
var KnownUSBIDs = []USBID{
	{VID: "2E8A", PID: "0005", Label: "XRP beta (RP2040)"},
	{VID: "2E8A", PID: "000A", Label: "XRP (RP2040, macOS)"},
	{VID: "1B4F", PID: "0046", Label: "XRP (RP2350)"},
}

const serialReadTimeout = 50 * time.Millisecond

// listPorts is swapped out in tests.
var listPorts = enumerator.GetDetailedPortsList

// SerialConfig holds connection settings for the USB transport.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"` // empty means discover by VID/PID
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// Serial is the USB transport.
type Serial struct {
	cfg SerialConfig
	log *zap.Logger

	mu        sync.Mutex // guards port and connected
	wmu       sync.Mutex // one writer at a time
	port      serial.Port
	path      string
	connected bool
	buf       []byte
}

// NewSerial creates a USB transport. Nothing is opened until Connect.
func NewSerial(cfg SerialConfig, log *zap.Logger) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Serial{cfg: cfg, log: log.Named("usb"), buf: make([]byte, 4096)}
}

func (s *Serial) Kind() Kind { return KindUSB }

func (s *Serial) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		return "USB " + s.path
	}
	return "USB"
}

// FindXRPPort returns the first serial port whose USB IDs match a known
// XRP controller.
func FindXRPPort() (string, USBID, error) {
	ports, err := listPorts()
	if err != nil {
		return "", USBID{}, fmt.Errorf("usb: enumerate ports: %w", err)
	}
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		for _, id := range KnownUSBIDs {
			if strings.EqualFold(p.VID, id.VID) && strings.EqualFold(p.PID, id.PID) {
				return p.Name, id, nil
			}
		}
	}
	return "", USBID{}, ErrNotFound
}

// Connect opens the configured port, or the first XRP found on the bus.
func (s *Serial) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.cfg.PortPath
	if path == "" {
		found, id, err := FindXRPPort()
		if err != nil {
			return err
		}
		s.log.Info("found controller", zap.String("port", found), zap.String("board", id.Label))
		path = found
	}

	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return fmt.Errorf("usb: failed to open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("usb: failed to set timeout: %w", err)
	}

	s.mu.Lock()
	s.port = port
	s.path = path
	s.connected = true
	s.mu.Unlock()

	s.log.Info("connected", zap.String("port", path), zap.Int("baud", s.cfg.BaudRate))
	return nil
}

func (s *Serial) Disconnect() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.connected = false
	s.mu.Unlock()

	if port == nil {
		return nil
	}
	s.log.Info("disconnecting")
	return port.Close()
}

func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Serial) Write(p []byte) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return ErrClosed
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	for len(p) > 0 {
		n, err := port.Write(p)
		if err != nil {
			return fmt.Errorf("usb: write: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// Read returns the next chunk from the port. The short port timeout makes
// zero-length reads normal; they come back as nil, nil.
func (s *Serial) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return nil, ErrClosed
	}

	n, err := port.Read(s.buf)
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.PortClosed {
			return nil, ErrClosed
		}
		s.log.Warn("read failed, device most likely unplugged", zap.Error(err))
		s.markGone()
		return nil, ErrClosed
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out, nil
}

func (s *Serial) markGone() {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.connected = false
	s.mu.Unlock()
	if port != nil {
		port.Close()
	}
}
