package logger

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shaunagostinho/xrplink/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func csvFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "xrp_*.csv"))
	require.NoError(t, err)
	return files
}

func TestRecordWritesHeaderAndRow(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 100}, zaptest.NewLogger(t))
	defer l.Close()

	l.Record(telemetry.Snapshot{
		Gyro:     telemetry.Gyro{Yaw: 12.5},
		Voltage:  7.2,
		Distance: 30,
		Extra:    map[string]float64{"servo": 90, "arm": 1.5},
	})

	files := csvFiles(t, dir)
	require.Len(t, files, 1)
	rows := readCSV(t, files[0])
	require.Len(t, rows, 2)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "12.5", rows[1][1])
	assert.Equal(t, "30", rows[1][15])
	assert.Equal(t, "7.2", rows[1][18])
	assert.Equal(t, "arm=1.5;servo=90", rows[1][19])
}

func TestRecordThrottles(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 100}, zaptest.NewLogger(t))
	defer l.Close()

	start := time.Now()
	l.record(start, telemetry.Snapshot{})
	l.record(start.Add(50*time.Millisecond), telemetry.Snapshot{})
	l.record(start.Add(150*time.Millisecond), telemetry.Snapshot{})

	rows := readCSV(t, csvFiles(t, dir)[0])
	assert.Len(t, rows, 3) // header + two rows
}

func TestDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir}, zaptest.NewLogger(t))
	l.Record(telemetry.Snapshot{Voltage: 7})
	assert.Empty(t, csvFiles(t, dir))
	assert.False(t, l.IsEnabled())

	l.SetEnabled(true)
	l.Record(telemetry.Snapshot{Voltage: 7})
	l.SetEnabled(false)
	assert.Len(t, csvFiles(t, dir), 1)
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir}, zaptest.NewLogger(t))
	l.maxRow = 2
	defer l.Close()

	start := time.Now()
	for i := 0; i < 5; i++ {
		l.record(start.Add(time.Duration(i)*time.Second), telemetry.Snapshot{Voltage: float64(i)})
	}

	files := csvFiles(t, dir)
	require.Len(t, files, 3)
	total := 0
	for _, f := range files {
		total += len(readCSV(t, f)) - 1
	}
	assert.Equal(t, 5, total)
}

func TestMinimumInterval(t *testing.T) {
	l := New(Config{IntervalMs: 10}, nil)
	assert.Equal(t, 100*time.Millisecond, l.interval)
	assert.Equal(t, "/var/log/xrplink", l.dir)
}
