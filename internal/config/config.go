package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/meshcore/internal/ble/protocol"
)

// maxPrefixLen keeps prefix + 8 uid characters inside a legacy
// advertisement alongside the 128-bit service UUID.
const maxPrefixLen = 8

// Config holds all application configuration.
type Config struct {
	UID      string       `yaml:"uid"` // local identity; generated when empty
	LogLevel string       `yaml:"log_level"`
	Engine   EngineConfig `yaml:"engine"`
	BLE      BLEConfig    `yaml:"ble"`
	Events   EventsConfig `yaml:"events"`
}

// EngineConfig holds event engine settings.
type EngineConfig struct {
	QueueCapacity int `yaml:"queue_capacity"` // 0 = unbounded
}

// BLEConfig holds radio connection manager settings.
type BLEConfig struct {
	Enabled              bool          `yaml:"enabled"`
	LocalNamePrefix      string        `yaml:"local_name_prefix"`
	AutoConnect          bool          `yaml:"auto_connect"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ScanInterval         time.Duration `yaml:"scan_interval"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`    // > reconnect_delay enables backoff
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"` // 0 = retry forever
}

// EventsConfig holds the diagnostic event log settings.
type EventsConfig struct {
	Path string `yaml:"path"` // "" disables, "-" writes to stdout
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "meshcore")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		BLE: BLEConfig{
			Enabled:         true,
			LocalNamePrefix: "mesh-",
			AutoConnect:     true,
			ConnectTimeout:  10 * time.Second,
			ScanInterval:    30 * time.Second,
			ReconnectDelay:  3 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in events.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.UID = strings.TrimSpace(cfg.UID)
	cfg.Events.Path = expandTilde(cfg.Events.Path)

	return cfg, nil
}

// EnsureUID assigns a random UID when none is configured and reports
// whether it did.
func (c *Config) EnsureUID() bool {
	if c.UID != "" {
		return false
	}
	c.UID = uuid.NewString()
	return true
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if len(c.UID) > protocol.MaxPayloadSize {
		return fmt.Errorf("uid must be at most %d bytes, got %d", protocol.MaxPayloadSize, len(c.UID))
	}
	if strings.ContainsAny(c.UID, " \t\r\n") {
		return fmt.Errorf("uid must not contain whitespace, got %q", c.UID)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Engine.QueueCapacity < 0 {
		return fmt.Errorf("engine.queue_capacity must be >= 0, got %d", c.Engine.QueueCapacity)
	}

	if !c.BLE.Enabled {
		return nil
	}
	if c.BLE.LocalNamePrefix == "" {
		return fmt.Errorf("ble.local_name_prefix must not be empty")
	}
	if len(c.BLE.LocalNamePrefix) > maxPrefixLen {
		return fmt.Errorf("ble.local_name_prefix must be at most %d bytes, got %q", maxPrefixLen, c.BLE.LocalNamePrefix)
	}
	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}
	if c.BLE.ScanInterval < 0 {
		return fmt.Errorf("ble.scan_interval must be >= 0")
	}
	if c.BLE.ReconnectDelay <= 0 {
		return fmt.Errorf("ble.reconnect_delay must be > 0")
	}
	if c.BLE.ReconnectMaxDelay != 0 && c.BLE.ReconnectMaxDelay < c.BLE.ReconnectDelay {
		return fmt.Errorf("ble.reconnect_max_delay (%v) must be 0 or >= ble.reconnect_delay (%v)",
			c.BLE.ReconnectMaxDelay, c.BLE.ReconnectDelay)
	}
	if c.BLE.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("ble.reconnect_max_attempts must be >= 0, got %d", c.BLE.ReconnectMaxAttempts)
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# meshcore configuration
#
# uid identifies this node to its peers. It was generated on first run;
# keep it stable so peers recognise you across restarts.
#
# ble.reconnect_max_delay > ble.reconnect_delay enables exponential backoff.
# ble.reconnect_max_attempts = 0 retries forever.
# events.path: "" disables the JSON-lines event log, "-" writes to stdout.

`

// WriteDefault writes the default config, with a freshly generated UID, to
// DefaultConfigPath. It returns the path written, or "" when a config file
// already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	cfg := Default()
	cfg.EnsureUID()
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), body...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
