package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "HLSGRAB"

	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// pause must be noticed at least this often
	MaxPollInterval = 20 * time.Millisecond
)

// Config represents the entire application configuration
type Config struct {
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Assembly AssemblyConfig `mapstructure:"assembly"`
	Output   OutputConfig   `mapstructure:"output"`
	Session  SessionConfig  `mapstructure:"session"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

// FetchConfig contains retry and timeout settings for remote units
type FetchConfig struct {
	MaxAttempts     int               `mapstructure:"max_attempts"`
	RetryDelay      string            `mapstructure:"retry_delay"`
	PollInterval    string            `mapstructure:"poll_interval"`
	SegmentTimeout  string            `mapstructure:"segment_timeout"`
	ManifestTimeout string            `mapstructure:"manifest_timeout"`
	StreamTimeout   string            `mapstructure:"stream_timeout"`
	ChunkSize       int               `mapstructure:"chunk_size"`
	Headers         map[string]string `mapstructure:"headers"`
}

// AssemblyConfig contains concatenation tool settings
type AssemblyConfig struct {
	Tool         string `mapstructure:"tool"`
	Timeout      string `mapstructure:"timeout"`
	KeepFileList bool   `mapstructure:"keep_filelist"`
}

type OutputConfig struct {
	Root      string `mapstructure:"root"`
	Extension string `mapstructure:"extension"`
}

type SessionConfig struct {
	EventBuffer int `mapstructure:"event_buffer"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DatabaseConfig contains session journal settings
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms"`
}

// HTTPConfig contains HTTP server configuration
type HTTPConfig struct {
	BindAddr     string `mapstructure:"bind_addr"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("fetch.max_attempts", 5)
	v.SetDefault("fetch.retry_delay", "5s")
	v.SetDefault("fetch.poll_interval", "20ms")
	v.SetDefault("fetch.segment_timeout", "10s")
	v.SetDefault("fetch.manifest_timeout", "30s")
	v.SetDefault("fetch.stream_timeout", "30s")
	v.SetDefault("fetch.chunk_size", 8192)
	v.SetDefault("fetch.headers", map[string]string{"user-agent": DefaultUserAgent})
	v.SetDefault("assembly.tool", "ffmpeg")
	v.SetDefault("assembly.timeout", "300s")
	v.SetDefault("assembly.keep_filelist", false)
	v.SetDefault("output.root", "./downloads")
	v.SetDefault("output.extension", "mp4")
	v.SetDefault("session.event_buffer", 64)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("database.path", "")
	v.SetDefault("database.busy_timeout_ms", 5000)
	v.SetDefault("http.bind_addr", ":8084")
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "30s")
}

// Load loads configuration from the specified file path. An empty path or a
// missing file means defaults plus environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be positive")
	}
	if c.Fetch.ChunkSize <= 0 {
		return fmt.Errorf("fetch.chunk_size must be positive")
	}

	durations := []struct {
		key   string
		value string
	}{
		{"fetch.retry_delay", c.Fetch.RetryDelay},
		{"fetch.poll_interval", c.Fetch.PollInterval},
		{"fetch.segment_timeout", c.Fetch.SegmentTimeout},
		{"fetch.manifest_timeout", c.Fetch.ManifestTimeout},
		{"fetch.stream_timeout", c.Fetch.StreamTimeout},
		{"assembly.timeout", c.Assembly.Timeout},
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if parsed < 0 {
			return fmt.Errorf("%s must not be negative", d.key)
		}
	}

	poll := c.Fetch.GetPollInterval()
	if poll <= 0 || poll > MaxPollInterval {
		return fmt.Errorf("fetch.poll_interval must be between 1ns and %s", MaxPollInterval)
	}

	if c.Assembly.Tool == "" {
		return fmt.Errorf("assembly.tool is required")
	}
	if strings.Trim(c.Output.Extension, ".") == "" {
		return fmt.Errorf("output.extension is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "console":
		// Valid formats
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}

func parse(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// GetRetryDelay returns the delay between fetch attempts
func (c *FetchConfig) GetRetryDelay() time.Duration { return parse(c.RetryDelay) }

// GetPollInterval returns how often a paused worker re-checks its flag
func (c *FetchConfig) GetPollInterval() time.Duration { return parse(c.PollInterval) }

func (c *FetchConfig) GetSegmentTimeout() time.Duration { return parse(c.SegmentTimeout) }

func (c *FetchConfig) GetManifestTimeout() time.Duration { return parse(c.ManifestTimeout) }

func (c *FetchConfig) GetStreamTimeout() time.Duration { return parse(c.StreamTimeout) }

// GetTimeout returns the assembly timeout, 300s if unset
func (c *AssemblyConfig) GetTimeout() time.Duration {
	d := parse(c.Timeout)
	if d == 0 {
		return 300 * time.Second
	}
	return d
}

func (c *HTTPConfig) GetReadTimeout() time.Duration { return parse(c.ReadTimeout) }

func (c *HTTPConfig) GetWriteTimeout() time.Duration { return parse(c.WriteTimeout) }

// DatabasePath returns the journal path, defaulting to a file under the
// output root.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Output.Root, "sessions.db")
}
