package telemetry

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

// Record types on the data channel.
const (
	RecordValues  byte = 0x45
	RecordSession byte = 0x46
	RecordDeclare byte = 0x47
)

// Value types inside a RecordValues payload.
const (
	TypeInt   byte = 0
	TypeFloat byte = 1
)

// maxCarry bounds how many unparseable bytes are held before resyncing.
const maxCarry = 512

// DeclareError reports a rejected slot declaration.
type DeclareError struct {
	Name   string
	Index  int
	Reason string
}

func (e *DeclareError) Error() string {
	return fmt.Sprintf("telemetry: declare %q at %d: %s", e.Name, e.Index, e.Reason)
}

// Stats counts decoder activity since creation.
type Stats struct {
	Records  int `json:"records"`
	Sessions int `json:"sessions"`
	Dropped  int `json:"dropped"` // bytes discarded while resyncing
}

// Decoder turns the binary data channel into table updates. Records may
// arrive split across reads or several to a read.
type Decoder struct {
	table *Table
	log   *zap.Logger

	mu    sync.Mutex
	buf   []byte
	stats Stats

	// OnSnapshot is called once per Feed that drained at least one record.
	OnSnapshot func(Snapshot)
}

// NewDecoder creates a decoder writing into table.
func NewDecoder(table *Table, log *zap.Logger) *Decoder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Decoder{table: table, log: log.Named("telemetry")}
}

// Table returns the table the decoder writes to.
func (d *Decoder) Table() *Table { return d.table }

// Stats returns a copy of the decoder counters.
func (d *Decoder) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Feed appends p to the carry-over buffer and processes every complete record.
// It returns the number of records processed.
func (d *Decoder) Feed(p []byte) int {
	d.mu.Lock()
	d.buf = append(d.buf, p...)

	n := 0
	for len(d.buf) >= 2 && isRecordType(d.buf[0]) {
		total := int(d.buf[1]) + 2
		if len(d.buf) < total {
			break
		}
		rec := make([]byte, total)
		copy(rec, d.buf[:total])
		d.buf = d.buf[total:]
		d.process(rec)
		n++
	}

	if len(d.buf) > 0 && !isRecordType(d.buf[0]) && len(d.buf) > maxCarry {
		d.resync()
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	d.stats.Records += n
	cb := d.OnSnapshot
	d.mu.Unlock()

	if n > 0 && cb != nil {
		cb(d.table.Snapshot())
	}
	return n
}

// resync drops bytes up to the next plausible record header.
func (d *Decoder) resync() {
	skip := len(d.buf)
	for i := 1; i < len(d.buf); i++ {
		if isRecordType(d.buf[i]) {
			skip = i
			break
		}
	}
	d.log.Warn("discarding unframed bytes", zap.Int("bytes", skip), zap.Binary("head", d.buf[:min(skip, 16)]))
	d.stats.Dropped += skip
	d.buf = d.buf[skip:]
}

func (d *Decoder) process(rec []byte) {
	switch rec[0] {
	case RecordValues:
		d.processValues(rec)
	case RecordSession:
		d.stats.Sessions++
		d.log.Info("dashboard session started")
	case RecordDeclare:
		d.processDeclare(rec)
	}
}

func (d *Decoder) processValues(rec []byte) {
	i := 2
	for i < len(rec) {
		switch rec[i] {
		case TypeInt:
			if i+2 >= len(rec) {
				d.log.Warn("truncated int update", zap.Binary("record", rec))
				return
			}
			d.setSlot(int(rec[i+1]), float64(rec[i+2]))
			i += 3
		case TypeFloat:
			if i+5 >= len(rec) {
				d.log.Warn("truncated float update", zap.Binary("record", rec))
				return
			}
			bits := binary.LittleEndian.Uint32(rec[i+2 : i+6])
			d.setSlot(int(rec[i+1]), round4(float64(math.Float32frombits(bits))))
			i += 6
		default:
			d.log.Warn("unknown value type", zap.Uint8("type", rec[i]), zap.Int("offset", i))
			return
		}
	}
}

func (d *Decoder) setSlot(idx int, v float64) {
	if !d.table.set(idx, v) {
		d.log.Debug("update for undeclared slot", zap.Int("index", idx))
	}
}

func (d *Decoder) processDeclare(rec []byte) {
	if len(rec) < 4 {
		d.log.Warn("declare record without name", zap.Binary("record", rec))
		return
	}
	idx := int(rec[2])
	name := string(rec[3:])
	if err := d.table.declare(idx, name); err != nil {
		d.log.Warn("slot declaration rejected", zap.Error(err))
		return
	}
	d.log.Info("slot declared", zap.String("name", name), zap.Int("index", idx))
}

func isRecordType(b byte) bool {
	return b >= RecordValues && b <= RecordDeclare
}
