// Package config loads service settings from a YAML file with RECON_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "RECON"

// Config represents the full service configuration
type Config struct {
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Import   ImportConfig   `yaml:"import" mapstructure:"import"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Notify   NotifyConfig   `yaml:"notify" mapstructure:"notify"`
}

type DatabaseConfig struct {
	Path        string        `yaml:"path" mapstructure:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout" mapstructure:"busy_timeout"`
}

// ImportConfig configures batch payment imports
type ImportConfig struct {
	File      string `yaml:"file" mapstructure:"file"`
	ChunkSize int    `yaml:"chunk_size" mapstructure:"chunk_size"`
	Delimiter string `yaml:"delimiter" mapstructure:"delimiter"`

	// Interval between scheduled imports in the API server; 0 disables them.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// NotifyConfig configures customer and operator notifications
type NotifyConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	MaxAttempts   int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	Backoff       time.Duration `yaml:"backoff" mapstructure:"backoff"`
	QueueSize     int           `yaml:"queue_size" mapstructure:"queue_size"`
	OperatorEmail string        `yaml:"operator_email" mapstructure:"operator_email"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "recon.db",
			BusyTimeout: 5 * time.Second,
		},
		Import: ImportConfig{
			File:      "external/payments.csv",
			ChunkSize: 1000,
			Delimiter: ",",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Notify: NotifyConfig{
			Enabled:     true,
			MaxAttempts: 3,
			Backoff:     60 * time.Second,
			QueueSize:   256,
		},
	}
}

// Load overlays the YAML file at path (if path is not empty) and RECON_*
// environment variables on the defaults. RECON_IMPORT_CHUNK_SIZE overrides
// import.chunk_size, and so on.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AutomaticEnv only resolves keys viper already knows about.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.busy_timeout", d.Database.BusyTimeout)
	v.SetDefault("import.file", d.Import.File)
	v.SetDefault("import.chunk_size", d.Import.ChunkSize)
	v.SetDefault("import.delimiter", d.Import.Delimiter)
	v.SetDefault("import.interval", d.Import.Interval)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("notify.enabled", d.Notify.Enabled)
	v.SetDefault("notify.max_attempts", d.Notify.MaxAttempts)
	v.SetDefault("notify.backoff", d.Notify.Backoff)
	v.SetDefault("notify.queue_size", d.Notify.QueueSize)
	v.SetDefault("notify.operator_email", d.Notify.OperatorEmail)
}

// Validate checks values that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must be set")
	}
	if c.Import.ChunkSize <= 0 {
		return fmt.Errorf("import.chunk_size must be positive, got %d", c.Import.ChunkSize)
	}
	if len([]rune(c.Import.Delimiter)) != 1 {
		return fmt.Errorf("import.delimiter must be a single character, got %q", c.Import.Delimiter)
	}
	if c.Import.Interval < 0 {
		return fmt.Errorf("import.interval must not be negative")
	}
	if c.Notify.MaxAttempts <= 0 {
		return fmt.Errorf("notify.max_attempts must be positive, got %d", c.Notify.MaxAttempts)
	}
	return nil
}

// WriteDefault writes the default configuration to a file
func WriteDefault(path string) error {
	content := `# Payment reconciliation configuration
# Every key can be overridden with RECON_<SECTION>_<KEY>, e.g. RECON_IMPORT_CHUNK_SIZE=500

database:
  path: recon.db
  # How long a commit waits for a locked database before the chunk fails
  busy_timeout: 5s

import:
  file: external/payments.csv
  chunk_size: 1000
  delimiter: ","
  # Scheduled import in the API server (0 = disabled), e.g. 1h
  interval: 0s

server:
  addr: ":8080"

notify:
  enabled: true
  max_attempts: 3
  backoff: 60s
  queue_size: 256
  # Receives the rejected payments digest; leave empty to skip it
  operator_email: ""
`
	return os.WriteFile(path, []byte(content), 0644)
}
