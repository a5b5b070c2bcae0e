package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	toml "github.com/pelletier/go-toml/v2"
)

type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Logging    LoggingConfig    `toml:"logging"`
	Activities ActivitiesConfig `toml:"activities"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Events     EventsConfig     `toml:"events"`
}

type DatabaseConfig struct {
	Path          string `toml:"path"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
}

type LoggingConfig struct {
	Level   string        `toml:"level"`
	DevFile DevFileConfig `toml:"dev_file"`
}

// DevFileConfig controls the logfmt file sink written in dev mode.
type DevFileConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type ActivitiesConfig struct {
	DefaultKind string   `toml:"default_kind"`
	Kinds       []string `toml:"kinds"` // empty allows any kind
}

// MetricsConfig selects where the prometheus textfile is written. Enabled
// without a path uses the file under the data dir.
type MetricsConfig struct {
	Enabled      bool   `toml:"enabled"`
	TextfilePath string `toml:"textfile_path"`
}

type EventsConfig struct {
	DefaultLimit int `toml:"default_limit"`
}

func Default(dbPath string) Config {
	return Config{
		Database: DatabaseConfig{
			Path:          dbPath,
			BusyTimeoutMS: 5000,
		},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: DevFileConfig{
				Enabled: true,
				Dir:     ".dealtree/log",
			},
		},
		Activities: ActivitiesConfig{
			DefaultKind: "task",
			Kinds:       []string{},
		},
		Events: EventsConfig{
			DefaultLimit: 50,
		},
	}
}

func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database path is required")
	}
	if c.Database.BusyTimeoutMS < 0 {
		return fmt.Errorf("database.busy_timeout_ms must be >= 0, got %d", c.Database.BusyTimeoutMS)
	}

	if _, err := log.ParseLevel(strings.TrimSpace(strings.ToLower(c.Logging.Level))); err != nil {
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	if c.Logging.DevFile.Enabled && strings.TrimSpace(c.Logging.DevFile.Dir) == "" {
		return errors.New("logging.dev_file.dir is required when logging.dev_file.enabled = true")
	}

	defaultKind := strings.TrimSpace(strings.ToLower(c.Activities.DefaultKind))
	if defaultKind == "" {
		return errors.New("activities.default_kind is required")
	}
	seenKinds := map[string]struct{}{}
	for idx, raw := range c.Activities.Kinds {
		kind := strings.TrimSpace(strings.ToLower(raw))
		if kind == "" {
			return fmt.Errorf("activities.kinds[%d] is empty", idx)
		}
		if _, ok := seenKinds[kind]; ok {
			return fmt.Errorf("activities.kinds[%d] is duplicated: %s", idx, kind)
		}
		seenKinds[kind] = struct{}{}
	}
	if len(c.Activities.Kinds) > 0 && !slices.ContainsFunc(c.Activities.Kinds, func(k string) bool {
		return strings.TrimSpace(strings.ToLower(k)) == defaultKind
	}) {
		return fmt.Errorf("activities.default_kind %q is not listed in activities.kinds", defaultKind)
	}

	if c.Events.DefaultLimit < 0 {
		return fmt.Errorf("events.default_limit must be >= 0, got %d", c.Events.DefaultLimit)
	}
	return nil
}

// BusyTimeout returns the configured SQLite busy timeout.
func (c Config) BusyTimeout() time.Duration {
	return time.Duration(c.Database.BusyTimeoutMS) * time.Millisecond
}

// LogLevel returns the parsed logging level, defaulting to info.
func (c Config) LogLevel() log.Level {
	level, err := log.ParseLevel(strings.TrimSpace(strings.ToLower(c.Logging.Level)))
	if err != nil {
		return log.InfoLevel
	}
	return level
}

// Write stores cfg as TOML at path, creating the config dir first.
func Write(path string, cfg Config) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("config path is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	content, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// EnsureConfigDir creates the directory that holds path.
func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
