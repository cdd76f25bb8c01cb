// Package joystick keeps gamepad state on the host and streams it to a
// program on the robot that asked for it.
package joystick

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Slot indexes in the state array.
const (
	X1 = iota
	Y1
	X2
	Y2
	ButtonA
	ButtonB
	ButtonX
	ButtonY
	BumperL
	BumperR
	TriggerL
	TriggerR
	Back
	Start
	DpadUp
	DpadDown
	DpadLeft
	DpadRight

	Slots
)

const (
	PacketHeader    = 0x55
	DefaultInterval = 60 * time.Millisecond
	tolerance       = 0.001
	axisCount       = 4
)

// Quantize maps [-1,1] onto [0,255]; out of range values are clamped.
func Quantize(v float64) byte {
	v = math.Max(-1, math.Min(1, v))
	return byte(math.Round((v + 1) * 127.5))
}

// Packet encodes slots that moved more than the tolerance since last, plus
// the axes unconditionally: [0x55, n, idx, val, idx, val, ...] where n
// counts the bytes after the header.
func Packet(current, last [Slots]float64) []byte {
	out := []byte{PacketHeader, 0}
	for i := 0; i < Slots; i++ {
		if i < axisCount || math.Abs(current[i]-last[i]) > tolerance {
			out = append(out, byte(i), Quantize(current[i]))
		}
	}
	out[1] = byte(len(out) - 2)
	return out
}

type keyBinding struct {
	slot  int
	value float64
}

// keyboard layout: WASD and IJKL drive the sticks, the digit row the buttons.
var keyBindings = map[string]keyBinding{
	"KeyA": {X1, -1}, "KeyD": {X1, 1}, "KeyW": {Y1, -1}, "KeyS": {Y1, 1},
	"KeyJ": {X2, -1}, "KeyL": {X2, 1}, "KeyI": {Y2, -1}, "KeyK": {Y2, 1},
	"Digit1": {ButtonA, 1}, "Digit2": {ButtonB, 1}, "Digit3": {ButtonX, 1},
	"Digit4": {ButtonY, 1}, "Digit5": {BumperL, 1}, "Digit6": {BumperR, 1},
	"Digit7": {TriggerL, 1}, "Digit8": {TriggerR, 1}, "Digit9": {Back, 1},
	"Digit0": {Start, 1},
}

// Sender holds the gamepad state and, while started, writes a packet every
// interval.
type Sender struct {
	write    func([]byte) error
	interval time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	state  [Slots]float64
	last   [Slots]float64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a stopped Sender that hands packets to write.
func NewSender(write func([]byte) error, interval time.Duration, log *zap.Logger) *Sender {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sender{write: write, interval: interval, log: log.Named("joystick")}
}

// Set stores one slot value.
func (s *Sender) Set(slot int, v float64) error {
	if slot < 0 || slot >= Slots {
		return fmt.Errorf("joystick: slot %d out of range", slot)
	}
	s.mu.Lock()
	s.state[slot] = v
	s.mu.Unlock()
	return nil
}

// SetAll replaces the whole state, as from a physical gamepad poll.
func (s *Sender) SetAll(state [Slots]float64) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Sender) State() [Slots]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// KeyDown applies a keyboard press. Unknown codes are ignored.
func (s *Sender) KeyDown(code string) {
	b, ok := keyBindings[code]
	if !ok {
		return
	}
	s.mu.Lock()
	s.state[b.slot] = b.value
	s.mu.Unlock()
}

// KeyUp releases a key. An axis only recenters when the released key is
// the direction it currently points, so holding the opposite key wins.
func (s *Sender) KeyUp(code string) {
	b, ok := keyBindings[code]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.slot < axisCount && s.state[b.slot]*b.value <= 0 {
		return
	}
	s.state[b.slot] = 0
}

// SetActive starts or stops streaming.
func (s *Sender) SetActive(on bool) {
	if on {
		s.Start()
	} else {
		s.Stop()
	}
}

// Start begins periodic sending. It is a no-op when already running.
func (s *Sender) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.last = s.state
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.log.Info("streaming joystick packets")
}

// Stop halts sending and waits for the loop to exit.
func (s *Sender) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("stopped joystick packets")
}

func (s *Sender) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Sender) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendOne()
		}
	}
}

// sendOne writes one packet; last only advances when the write succeeds so
// a failed change is resent.
func (s *Sender) sendOne() {
	s.mu.Lock()
	current, last := s.state, s.last
	s.mu.Unlock()

	if err := s.write(Packet(current, last)); err != nil {
		s.log.Debug("joystick write failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.last = current
	s.mu.Unlock()
}
