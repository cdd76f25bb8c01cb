// Package transport moves raw bytes between the host and an XRP robot over
// USB serial or Bluetooth LE.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies the physical link.
type Kind int

const (
	KindUSB Kind = iota
	KindBluetooth
	KindSimulated
)

func (k Kind) String() string {
	switch k {
	case KindUSB:
		return "usb"
	case KindBluetooth:
		return "ble"
	case KindSimulated:
		return "demo"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a config string onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "usb", "serial", "":
		return KindUSB, nil
	case "ble", "bluetooth":
		return KindBluetooth, nil
	case "demo", "sim":
		return KindSimulated, nil
	}
	return KindUSB, fmt.Errorf("transport: unknown kind %q", s)
}

var (
	// ErrClosed is returned by reads and writes once the link is gone.
	ErrClosed = errors.New("transport: closed")
	// ErrNotFound means no matching device was discovered.
	ErrNotFound = errors.New("transport: no XRP device found")
	// ErrConnectTimeout is returned when a connect attempt hangs.
	ErrConnectTimeout = errors.New("transport: connect timed out")
)

// Transport is a byte pipe to the robot's REPL.
//
// Read blocks for the next chunk. A nil chunk with a nil error means the
// read timed out with nothing to deliver; callers loop.
type Transport interface {
	Kind() Kind
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Write(p []byte) error
	Read(ctx context.Context) ([]byte, error)
}

// DataChannel is implemented by transports that carry telemetry and
// joystick traffic on a second channel.
type DataChannel interface {
	HasDataChannel() bool
	ReadData(ctx context.Context) ([]byte, error)
	WriteData(p []byte) error
}

// CharacteristicError reports a GATT characteristic that could not be
// discovered or subscribed.
type CharacteristicError struct {
	UUID string
	Err  error
}

func (e *CharacteristicError) Error() string {
	return fmt.Sprintf("transport: characteristic %s: %v", e.UUID, e.Err)
}

func (e *CharacteristicError) Unwrap() error { return e.Err }
