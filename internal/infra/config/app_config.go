// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/evbus/internal/infra/bus/eventbus"
	"github.com/coachpo/evbus/internal/infra/history"
	"github.com/coachpo/evbus/internal/infra/persistence/wal"
	"github.com/coachpo/evbus/internal/infra/telemetry"
)

const (
	envEnvironment     = "EVBUS_ENV"
	envPersistencePath = "EVBUS_PERSISTENCE_PATH"
	envHistoryLimit    = "EVBUS_HISTORY_LIMIT"

	defaultAppendRetries = 3
	defaultCompactKeep   = 10000
	defaultQueueDepth    = 256
)

// HistoryConfig bounds the in-memory event history.
type HistoryConfig struct {
	Limit int `yaml:"limit"`
}

// PersistenceConfig controls the write-ahead event log. An empty path keeps
// the bus memory-only.
type PersistenceConfig struct {
	Path          string `yaml:"path"`
	Fsync         *bool  `yaml:"fsync"`
	AppendRetries int    `yaml:"appendRetries"`
	CompactKeep   int    `yaml:"compactKeep"`
}

// Enabled reports whether a log path is configured.
func (c PersistenceConfig) Enabled() bool {
	return strings.TrimSpace(c.Path) != ""
}

// SyncEnabled reports whether appends are fsynced. Defaults to true.
func (c PersistenceConfig) SyncEnabled() bool {
	return c.Fsync == nil || *c.Fsync
}

// QueueConfig sizes the background emission queue.
type QueueConfig struct {
	Depth int `yaml:"depth"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified bus configuration sourced from YAML.
type AppConfig struct {
	Environment Environment       `yaml:"environment"`
	History     HistoryConfig     `yaml:"history"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Queue       QueueConfig       `yaml:"queue"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		History:     HistoryConfig{Limit: history.DefaultCapacity},
		Persistence: PersistenceConfig{
			Path:          "",
			Fsync:         nil,
			AppendRetries: defaultAppendRetries,
			CompactKeep:   defaultCompactKeep,
		},
		Queue: QueueConfig{Depth: defaultQueueDepth},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			OTLPEndpoint:  "localhost:4318",
			ServiceName:   "evbus",
			OTLPInsecure:  true,
			EnableMetrics: true,
		},
	}
}

// Load reads, applies environment overrides to, and validates an AppConfig
// from the provided YAML file. Keys absent from the file keep their defaults.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finalize(cfg)
}

// LoadOrDefault loads configPath when it exists and falls back to Default
// otherwise. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if strings.TrimSpace(configPath) != "" {
		cfg, err := Load(ctx, configPath)
		if err == nil {
			return cfg, true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return AppConfig{}, false, err
		}
	}
	cfg, err := finalize(Default())
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

func finalize(cfg AppConfig) (AppConfig, error) {
	if err := cfg.applyEnv(); err != nil {
		return AppConfig{}, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() error {
	if env := strings.TrimSpace(os.Getenv(envEnvironment)); env != "" {
		c.Environment = Environment(env)
	}
	if path, ok := os.LookupEnv(envPersistencePath); ok {
		c.Persistence.Path = path
	}
	if raw := strings.TrimSpace(os.Getenv(envHistoryLimit)); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: invalid value %q", envHistoryLimit, raw)
		}
		c.History.Limit = limit
	}
	return nil
}

func (c *AppConfig) normalise() {
	c.Environment = normalizeEnvironment(string(c.Environment))
	if path := strings.TrimSpace(c.Persistence.Path); path != "" {
		c.Persistence.Path = filepath.Clean(path)
	} else {
		c.Persistence.Path = ""
	}
	if c.Persistence.AppendRetries == 0 {
		c.Persistence.AppendRetries = defaultAppendRetries
	}
	if c.Persistence.CompactKeep == 0 {
		c.Persistence.CompactKeep = defaultCompactKeep
	}
	if c.Queue.Depth == 0 {
		c.Queue.Depth = defaultQueueDepth
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.History.Limit < 0 {
		return fmt.Errorf("history limit must be >=0")
	}
	if c.Persistence.AppendRetries < 0 {
		return fmt.Errorf("persistence appendRetries must be >=0")
	}
	if c.Persistence.CompactKeep < 0 {
		return fmt.Errorf("persistence compactKeep must be >=0")
	}
	if c.Queue.Depth <= 0 {
		return fmt.Errorf("queue depth must be >0")
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry otlpEndpoint required when enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry serviceName required when enabled")
		}
	}
	return nil
}

// WALOptions translates the persistence section into log options.
func (c AppConfig) WALOptions() []wal.Option {
	return []wal.Option{
		wal.WithSync(c.Persistence.SyncEnabled()),
		wal.WithAppendRetries(c.Persistence.AppendRetries),
	}
}

// BusOptions translates the configuration into bus options. Callers append
// their own options (logger, meter provider, validator) after these.
func (c AppConfig) BusOptions() []eventbus.Option {
	opts := []eventbus.Option{
		eventbus.WithHistoryLimit(c.History.Limit),
		eventbus.WithQueueDepth(c.Queue.Depth),
	}
	if c.Persistence.Enabled() {
		opts = append(opts, eventbus.WithPersistence(c.Persistence.Path, c.WALOptions()...))
	}
	return opts
}

// TelemetryConfig maps the telemetry section onto the provider configuration.
func (c AppConfig) TelemetryConfig() telemetry.Config {
	out := telemetry.DefaultConfig()
	out.Enabled = c.Telemetry.Enabled
	out.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	out.OTLPInsecure = c.Telemetry.OTLPInsecure
	out.EnableMetrics = c.Telemetry.EnableMetrics
	out.ServiceName = c.Telemetry.ServiceName
	out.Environment = string(c.Environment)
	if out.MetricInterval <= 0 {
		out.MetricInterval = 30 * time.Second
	}
	return out
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
