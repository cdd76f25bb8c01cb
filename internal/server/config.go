package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/xrplink/internal/connmgr"
	"github.com/shaunagostinho/xrplink/internal/repl"
	"github.com/shaunagostinho/xrplink/internal/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds all link and dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Robot link
	Device DeviceConfig `yaml:"device" json:"device"`
	REPL   REPLConfig   `yaml:"repl" json:"repl"`

	Joystick JoystickConfig `yaml:"joystick" json:"joystick"`

	// Signed in user and release tracking
	Admin    AdminConfig    `yaml:"admin" json:"admin"`
	Versions VersionsConfig `yaml:"versions" json:"versions"`

	// Telemetry CSV recording
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Process log output
	Log LogConfig `yaml:"log" json:"log"`

	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type DeviceConfig struct {
	Transport   string                    `yaml:"transport" json:"transport"` // "usb", "ble" or "demo"
	AutoConnect bool                      `yaml:"auto_connect" json:"autoConnect"`
	Serial      transport.SerialConfig    `yaml:"serial" json:"serial"`
	Bluetooth   transport.BluetoothConfig `yaml:"bluetooth" json:"bluetooth"`
}

type REPLConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms" json:"pollIntervalMs"`
	ChunkSize      int `yaml:"chunk_size" json:"chunkSize"` // bytes per paste
	EntryPolls     int `yaml:"entry_polls" json:"entryPolls"`
}

type JoystickConfig struct {
	IntervalMs int `yaml:"interval_ms" json:"intervalMs"`
}

type AdminConfig struct {
	Name  string `yaml:"name" json:"name"`
	Email string `yaml:"email" json:"email"`
}

type VersionsConfig struct {
	LatestLibrary     string `yaml:"latest_library" json:"latestLibrary"`
	LatestMicroPython string `yaml:"latest_micropython" json:"latestMicropython"`
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log entries
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"` // debug, info, warn, error
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Transport:   "usb",
			AutoConnect: true,
			Serial: transport.SerialConfig{
				BaudRate: 115200,
			},
			Bluetooth: transport.BluetoothConfig{
				NamePrefix:         "XRP",
				ReconnectAttempts:  5,
				ReconnectTimeoutMs: 2000,
				ConnectTimeoutMs:   60000,
			},
		},
		REPL: REPLConfig{
			PollIntervalMs: int(repl.DefaultPollInterval / time.Millisecond),
			ChunkSize:      repl.DefaultChunkSize,
			EntryPolls:     100,
		},
		Joystick: JoystickConfig{IntervalMs: 60},
		Versions: VersionsConfig{
			LatestLibrary:     "1.1.0",
			LatestMicroPython: "1.24.1",
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/xrplink",
			Interval: 100,
		},
		Log:    LogConfig{Level: "info"},
		Server: ServerConfig{ListenAddr: ":8080"},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log *zap.Logger) *Config {
	log = log.Named("config")
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("bad config file, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("loaded", zap.String("path", path))
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log *zap.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Info("loading .env", zap.String("path", path))
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: XRP_TRANSPORT, XRP_PORT, XRP_BAUD, XRP_BLE_PREFIX,
// XRP_AUTOCONNECT, XRP_ADMIN_NAME, XRP_ADMIN_EMAIL, XRP_LATEST_LIBRARY,
// XRP_LATEST_MICROPYTHON, LISTEN_ADDR, LOG_LEVEL, LOG_ENABLED, LOG_PATH,
// LOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("XRP_TRANSPORT"); v != "" {
		c.Device.Transport = v
	}
	if v := os.Getenv("XRP_PORT"); v != "" {
		c.Device.Serial.PortPath = v
	}
	if v := os.Getenv("XRP_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("XRP_BLE_PREFIX"); v != "" {
		c.Device.Bluetooth.NamePrefix = v
	}
	if v := os.Getenv("XRP_AUTOCONNECT"); v != "" {
		c.Device.AutoConnect = envBool(v)
	}
	if v := os.Getenv("XRP_ADMIN_NAME"); v != "" {
		c.Admin.Name = v
	}
	if v := os.Getenv("XRP_ADMIN_EMAIL"); v != "" {
		c.Admin.Email = v
	}
	if v := os.Getenv("XRP_LATEST_LIBRARY"); v != "" {
		c.Versions.LatestLibrary = v
	}
	if v := os.Getenv("XRP_LATEST_MICROPYTHON"); v != "" {
		c.Versions.LatestMicroPython = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	// Telemetry recording
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = envBool(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
}

// TransportKind parses Device.Transport.
func (c *Config) TransportKind() (transport.Kind, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return transport.ParseKind(c.Device.Transport)
}

// LogLevel parses Log.Level, defaulting to info.
func (c *Config) LogLevel() zapcore.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// ManagerConfig maps the file settings onto the connection manager.
func (c *Config) ManagerConfig() connmgr.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return connmgr.Config{
		REPL: repl.Config{
			PollInterval: time.Duration(c.REPL.PollIntervalMs) * time.Millisecond,
			ChunkSize:    c.REPL.ChunkSize,
			EntryPolls:   c.REPL.EntryPolls,
		},
		AdminName:         c.Admin.Name,
		AdminEmail:        c.Admin.Email,
		LatestLibrary:     c.Versions.LatestLibrary,
		LatestMicroPython: c.Versions.LatestMicroPython,
		JoystickInterval:  time.Duration(c.Joystick.IntervalMs) * time.Millisecond,
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/xrplink/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. port paths, baud rates, logging).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
