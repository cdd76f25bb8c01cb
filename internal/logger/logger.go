// Package logger records robot telemetry to CSV files.
package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/xrplink/internal/telemetry"
	"go.uber.org/zap"
)

// Logger records timestamped telemetry snapshots to CSV files with automatic rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	log      *zap.Logger

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
	maxRow int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	maxRowsPerFile = 100_000 // ~2.7 hrs at 10 Hz
)

var csvHeader = []string{
	"timestamp",
	"yaw", "roll", "pitch",
	"acc_x", "acc_y", "acc_z",
	"enc_left", "enc_right", "enc3", "enc4",
	"cur_left", "cur_right", "cur3", "cur4",
	"distance_cm", "reflect_left", "reflect_right",
	"voltage",
	"extra",
}

// New creates a new Logger.
func New(cfg Config, log *zap.Logger) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/xrplink"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		log:      log.Named("logger"),
		maxRow:   maxRowsPerFile,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a snapshot if the minimum interval has elapsed.
func (l *Logger) Record(s telemetry.Snapshot) {
	l.record(time.Now(), s)
}

func (l *Logger) record(now time.Time, s telemetry.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= l.maxRow {
		if err := l.rotateFile(now); err != nil {
			l.log.Warn("rotate failed", zap.Error(err))
			return
		}
	}

	if err := l.writer.Write(buildRow(now, s)); err != nil {
		l.log.Warn("write failed", zap.Error(err))
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("xrp_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Info("opened", zap.String("path", path))
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func buildRow(ts time.Time, s telemetry.Snapshot) []string {
	return []string{
		ts.Format(time.RFC3339Nano),
		num(s.Gyro.Yaw), num(s.Gyro.Roll), num(s.Gyro.Pitch),
		num(s.Accelerometer.X), num(s.Accelerometer.Y), num(s.Accelerometer.Z),
		num(s.Encoders.Left), num(s.Encoders.Right), num(s.Encoders.Enc3), num(s.Encoders.Enc4),
		num(s.Current.Left), num(s.Current.Right), num(s.Current.Cur3), num(s.Current.Cur4),
		num(s.Distance), num(s.Reflectance.Left), num(s.Reflectance.Right),
		num(s.Voltage),
		extraField(s.Extra),
	}
}

// extraField packs runtime-declared slots as "name=value" pairs sorted by name.
func extraField(extra map[string]float64) string {
	if len(extra) == 0 {
		return ""
	}
	names := make([]string, 0, len(extra))
	for n := range extra {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + "=" + num(extra[n])
	}
	return strings.Join(parts, ";")
}
