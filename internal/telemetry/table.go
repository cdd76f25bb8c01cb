package telemetry

import (
	"math"
	"sync"
)

// Slot names announced by the stock XRP dashboard library, in wire index order.
var defaultSlots = []string{
	"yaw", "roll", "pitch",
	"accX", "accY", "accZ",
	"encL", "encR", "enc3", "enc4",
	"currL", "currR", "curr3", "curr4",
	"dist",
	"reflectanceL", "reflectanceR",
	"voltage",
}

// Table holds the robot's sensor readings as a flat array of numeric slots
// addressed by name. The decoder mutates it in place; readers take snapshots.
type Table struct {
	mu     sync.RWMutex
	values []float64
	names  map[string]int
	order  []string // index -> name, "" for unnamed slots
}

// NewTable creates a table holding the default sensor slots, all zero.
func NewTable() *Table {
	t := &Table{
		values: make([]float64, len(defaultSlots)),
		names:  make(map[string]int, len(defaultSlots)),
		order:  make([]string, len(defaultSlots)),
	}
	for i, name := range defaultSlots {
		t.names[name] = i
		t.order[i] = name
	}
	return t
}

// Len returns the number of slots.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.values)
}

// Value returns the current value of a named slot.
func (t *Table) Value(name string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.names[name]
	if !ok || idx >= len(t.values) {
		return 0, false
	}
	return t.values[idx], true
}

// Index returns the slot index for name.
func (t *Table) Index(name string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.names[name]
	return idx, ok
}

// Names returns slot names in index order. Unnamed slots are "".
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Reset zeroes every slot, keeping declared names.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.values {
		t.values[i] = 0
	}
}

func (t *Table) set(idx int, v float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.values) {
		return false
	}
	t.values[idx] = v
	return true
}

// declare binds name to idx, growing the table when idx is past the end.
// A slot that already carries a different name is never renamed.
func (t *Table) declare(idx int, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.names[name]; ok {
		if cur == idx {
			return nil
		}
		return &DeclareError{Name: name, Index: idx, Reason: "name already bound to another slot"}
	}
	if idx < len(t.order) && t.order[idx] != "" {
		return &DeclareError{Name: name, Index: idx, Reason: "slot already named " + t.order[idx]}
	}
	for len(t.values) <= idx {
		t.values = append(t.values, 0)
		t.order = append(t.order, "")
	}
	t.names[name] = idx
	t.order[idx] = name
	return nil
}

// Gyro groups the IMU orientation readings (degrees).
type Gyro struct {
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
}

// Accelerometer groups the IMU acceleration readings.
type Accelerometer struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Encoders groups the four motor encoder positions.
type Encoders struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
	Enc3  float64 `json:"enc3"`
	Enc4  float64 `json:"enc4"`
}

// Current groups the four motor current readings.
type Current struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
	Cur3  float64 `json:"cur3"`
	Cur4  float64 `json:"cur4"`
}

// Reflectance groups the line-follower sensor pair.
type Reflectance struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

// Snapshot is the table reshaped by sensor group, as consumed by the dashboard.
type Snapshot struct {
	Gyro          Gyro               `json:"gyro"`
	Accelerometer Accelerometer      `json:"accelerometer"`
	Encoders      Encoders           `json:"encoders"`
	Current       Current            `json:"current"`
	Distance      float64            `json:"distance"`
	Reflectance   Reflectance        `json:"reflectance"`
	Voltage       float64            `json:"voltage"`
	Extra         map[string]float64 `json:"extra,omitempty"` // slots declared at runtime
}

// Snapshot copies the current table into its structured form.
func (t *Table) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	get := func(name string) float64 {
		if idx, ok := t.names[name]; ok && idx < len(t.values) {
			return t.values[idx]
		}
		return 0
	}

	s := Snapshot{
		Gyro:          Gyro{Yaw: get("yaw"), Roll: get("roll"), Pitch: get("pitch")},
		Accelerometer: Accelerometer{X: get("accX"), Y: get("accY"), Z: get("accZ")},
		Encoders:      Encoders{Left: get("encL"), Right: get("encR"), Enc3: get("enc3"), Enc4: get("enc4")},
		Current:       Current{Left: get("currL"), Right: get("currR"), Cur3: get("curr3"), Cur4: get("curr4")},
		Distance:      get("dist"),
		Reflectance:   Reflectance{Left: get("reflectanceL"), Right: get("reflectanceR")},
		Voltage:       get("voltage"),
	}
	for i := len(defaultSlots); i < len(t.order); i++ {
		if t.order[i] == "" {
			continue
		}
		if s.Extra == nil {
			s.Extra = make(map[string]float64)
		}
		s.Extra[t.order[i]] = t.values[i]
	}
	return s
}

// round4 rounds to 4 decimal places, matching what the dashboard displays.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
