// Package config loads console settings from defaults, an optional TOML or
// YAML file, and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds settings for both the server and the console client.
type Config struct {
	Port         int    `toml:"port" yaml:"port"`
	StaticDir    string `toml:"static_dir" yaml:"static_dir"`
	MaxTerminals int    `toml:"max_terminals" yaml:"max_terminals"`
	DBPath       string `toml:"db_path" yaml:"db_path"`

	LogFile       string `toml:"log_file" yaml:"log_file"`
	LogLevel      string `toml:"log_level" yaml:"log_level"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups" yaml:"log_max_backups"`
	LogMaxAgeDays int    `toml:"log_max_age_days" yaml:"log_max_age_days"`

	// RingBufferCapacity is the number of output chunks retained per
	// terminal for replay to late subscribers.
	RingBufferCapacity int `toml:"ring_buffer_capacity" yaml:"ring_buffer_capacity"`

	OneShotTimeout   Duration `toml:"oneshot_timeout" yaml:"oneshot_timeout"`
	ActivityDebounce Duration `toml:"activity_debounce" yaml:"activity_debounce"`

	// Client side.
	ServerURL        string   `toml:"server_url" yaml:"server_url"`
	CoalesceInterval Duration `toml:"coalesce_interval" yaml:"coalesce_interval"`
	ReconnectMin     Duration `toml:"reconnect_min" yaml:"reconnect_min"`
	ReconnectMax     Duration `toml:"reconnect_max" yaml:"reconnect_max"`
}

// Duration is a time.Duration that decodes from strings like "16ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:               8420,
		StaticDir:          "./frontend/dist",
		MaxTerminals:       16,
		DBPath:             defaultDBPath(),
		LogLevel:           "info",
		LogMaxSizeMB:       20,
		LogMaxBackups:      3,
		LogMaxAgeDays:      14,
		RingBufferCapacity: 2000,
		OneShotTimeout:     Duration{2 * time.Minute},
		ActivityDebounce:   Duration{500 * time.Millisecond},
		ServerURL:          "ws://127.0.0.1:8420/ws",
		CoalesceInterval:   Duration{16 * time.Millisecond},
		ReconnectMin:       Duration{250 * time.Millisecond},
		ReconnectMax:       Duration{10 * time.Second},
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agent-console.db"
	}
	return filepath.Join(home, ".local", "state", "agent-console", "console.db")
}

// Load returns Default() overlaid with the file at path (if path is not
// empty) and then with environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s", path)
	}
	return nil
}

// applyEnv overlays environment variables. Values that fail to parse are
// ignored.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := os.Getenv("MAX_TERMINALS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTerminals = n
		}
	}
	if v := os.Getenv("CONSOLE_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONSOLE_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("CONSOLE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONSOLE_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("CONSOLE_ONESHOT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.OneShotTimeout = Duration{d}
		}
	}
}
