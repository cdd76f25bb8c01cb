package repl

import "bytes"

const esc = 0x1B

// Framer reassembles REPL output so that ANSI escape sequences split across
// reads are never handed on in pieces.
type Framer struct {
	carry []byte
}

// Push appends chunk to the carry-over and returns everything buffered once
// no escape sequence is left open. While the last ESC still lacks its
// alphabetic terminator Push returns nil and keeps the bytes.
func (f *Framer) Push(chunk []byte) []byte {
	f.carry = append(f.carry, chunk...)
	if len(f.carry) == 0 {
		return nil
	}

	x := bytes.LastIndexByte(f.carry, esc)
	if x == -1 || escTerminated(f.carry[x+1:]) {
		out := f.carry
		f.carry = nil
		return out
	}
	return nil
}

// Pending reports how many bytes are held waiting for a terminator.
func (f *Framer) Pending() int { return len(f.carry) }

// Reset drops any held bytes.
func (f *Framer) Reset() { f.carry = nil }

func escTerminated(tail []byte) bool {
	for _, c := range tail {
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
			return true
		}
	}
	return false
}

type joySignal int

const (
	joyNone joySignal = iota
	joyStart
	joyStop
)

// classifyJoystick looks for the firmware's gamepad markers, ESC e to start
// streaming joystick packets and ESC f to stop.
func classifyJoystick(p []byte) joySignal {
	x := bytes.LastIndexByte(p, esc)
	if x == -1 || x+1 >= len(p) {
		return joyNone
	}
	switch p[x+1] {
	case 'e':
		return joyStart
	case 'f':
		return joyStop
	}
	return joyNone
}
