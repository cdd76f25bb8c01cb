package telemetry

import (
	"encoding/binary"
	"math"
)

// Encoder builds a single 0x45 values record. The zero value is ready to use.
type Encoder struct {
	payload []byte
}

// AppendInt adds a single-byte integer update for slot idx.
func (e *Encoder) AppendInt(idx int, v byte) *Encoder {
	e.payload = append(e.payload, TypeInt, byte(idx), v)
	return e
}

// AppendFloat adds a float32 update for slot idx.
func (e *Encoder) AppendFloat(idx int, v float32) *Encoder {
	e.payload = append(e.payload, TypeFloat, byte(idx))
	e.payload = binary.LittleEndian.AppendUint32(e.payload, math.Float32bits(v))
	return e
}

// Len returns the payload length accumulated so far.
func (e *Encoder) Len() int { return len(e.payload) }

// Bytes returns the framed record and resets the encoder. Payloads longer
// than 255 bytes cannot be framed; callers split updates across records.
func (e *Encoder) Bytes() []byte {
	rec := make([]byte, 0, len(e.payload)+2)
	rec = append(rec, RecordValues, byte(len(e.payload)))
	rec = append(rec, e.payload...)
	e.payload = e.payload[:0]
	return rec
}

// SessionStart returns the record a program sends when it starts publishing.
func SessionStart() []byte {
	return []byte{RecordSession, 0}
}

// DeclareSlot returns a record binding name to slot idx.
func DeclareSlot(idx int, name string) []byte {
	rec := []byte{RecordDeclare, byte(len(name) + 1), byte(idx)}
	return append(rec, name...)
}

// DefaultSlots returns the built-in slot names in index order.
func DefaultSlots() []string {
	out := make([]string, len(defaultSlots))
	copy(out, defaultSlots)
	return out
}
