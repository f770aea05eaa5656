package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// appName names the config directory and the header of written files.
const appName = "disto-reader"

// Config holds all application configuration.
type Config struct {
	Mode             string         `yaml:"mode"` // "passive" or "active"
	CountdownSeconds float64        `yaml:"countdown_seconds"`
	Separator        string         `yaml:"separator"` // "." or ","
	LogLevel         string         `yaml:"log_level"`
	BLE              BLEConfig      `yaml:"ble"`
	AutoType         AutoTypeConfig `yaml:"auto_type"`
	Hotkey           HotkeyConfig   `yaml:"hotkey"`
}

// BLEConfig holds device discovery and connection settings.
type BLEConfig struct {
	Backend          string        `yaml:"backend"` // "tinygo" or "hci"
	Address          string        `yaml:"address"` // optional; empty connects to the first DISTO found
	ScanTimeout      time.Duration `yaml:"scan_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
}

// AutoTypeConfig controls typing measurements into the focused application.
type AutoTypeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Method     string `yaml:"method"` // "type" or "paste"
	PressEnter bool   `yaml:"press_enter"`
}

// HotkeyConfig maps global key combos to device commands (active mode).
type HotkeyConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Measure          []string `yaml:"measure"`
	MeasureWithAngle []string `yaml:"measure_with_angle"`
	LaserOn          []string `yaml:"laser_on"`
	LaserOff         []string `yaml:"laser_off"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName)
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Mode:             "passive",
		CountdownSeconds: 1,
		Separator:        ".",
		LogLevel:         "info",
		BLE: BLEConfig{
			Backend:          "tinygo",
			ScanTimeout:      10 * time.Second,
			ConnectTimeout:   10 * time.Second,
			SubscribeTimeout: 5 * time.Second,
		},
		AutoType: AutoTypeConfig{
			Enabled:    false,
			Method:     "type",
			PressEnter: true,
		},
		Hotkey: HotkeyConfig{
			Enabled:          false,
			Measure:          []string{"ctrl", "shift", "m"},
			MeasureWithAngle: []string{"ctrl", "shift", "a"},
			LaserOn:          []string{"ctrl", "shift", "l"},
			LaserOff:         []string{"ctrl", "shift", "o"},
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.BLE.Address = strings.ToUpper(strings.TrimSpace(cfg.BLE.Address))

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Mode {
	case "passive", "active":
	default:
		return fmt.Errorf("mode must be \"passive\" or \"active\", got %q", c.Mode)
	}

	if c.CountdownSeconds < 0 {
		return fmt.Errorf("countdown_seconds must be >= 0, got %v", c.CountdownSeconds)
	}

	switch c.Separator {
	case ".", ",":
	default:
		return fmt.Errorf("separator must be \".\" or \",\", got %q", c.Separator)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.BLE.Backend {
	case "tinygo", "hci":
	default:
		return fmt.Errorf("ble.backend must be \"tinygo\" or \"hci\", got %q", c.BLE.Backend)
	}

	if c.BLE.ScanTimeout < 0 {
		return fmt.Errorf("ble.scan_timeout must be >= 0")
	}
	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}
	if c.BLE.SubscribeTimeout <= 0 {
		return fmt.Errorf("ble.subscribe_timeout must be > 0")
	}

	switch c.AutoType.Method {
	case "type", "paste":
	default:
		return fmt.Errorf("auto_type.method must be \"type\" or \"paste\", got %q", c.AutoType.Method)
	}

	if c.Hotkey.Enabled {
		combos := map[string][]string{
			"hotkey.measure":            c.Hotkey.Measure,
			"hotkey.measure_with_angle": c.Hotkey.MeasureWithAngle,
			"hotkey.laser_on":           c.Hotkey.LaserOn,
			"hotkey.laser_off":          c.Hotkey.LaserOff,
		}
		for name, keys := range combos {
			if len(keys) == 0 {
				return fmt.Errorf("%s must not be empty when hotkeys are enabled", name)
			}
		}
	}

	return nil
}

// Countdown returns the passive-mode countdown as a duration.
func (c *Config) Countdown() time.Duration {
	return time.Duration(c.CountdownSeconds * float64(time.Second))
}

// SeparatorRune returns the decimal separator, defaulting to '.'.
func (c *Config) SeparatorRune() rune {
	r, _ := utf8.DecodeRuneInString(c.Separator)
	if r == utf8.RuneError {
		return '.'
	}
	return r
}

// ParseLogLevel maps a config level name to a slog.Level. Unknown names
// fall back to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	header := "# " + appName + " configuration\n" +
		"# mode: passive (device button + countdown) or active (console / hotkeys)\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
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
