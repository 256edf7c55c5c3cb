// Package config loads the server configuration from YAML with environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	FlushEvery      int           `yaml:"flush_every"`
}

// StorageConfig selects the graph backend. An empty DataPath keeps the graph
// in memory.
type StorageConfig struct {
	DataPath string `yaml:"data_path"`
}

// TransactionConfig bounds explicit transactions
type TransactionConfig struct {
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	ReapInterval        time.Duration `yaml:"reap_interval"`
	MaxOpenTransactions int           `yaml:"max_open_transactions"`
}

// LoggingConfig holds operational logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// MetricsConfig holds prometheus settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the central configuration struct
type Config struct {
	Server       ServerConfig      `yaml:"server"`
	Storage      StorageConfig     `yaml:"storage"`
	Transactions TransactionConfig `yaml:"transactions"`
	Logging      LoggingConfig     `yaml:"logging"`
	Metrics      MetricsConfig     `yaml:"metrics"`
	Tracing      TracingConfig     `yaml:"tracing"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:7474",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			FlushEvery:      64,
		},
		Transactions: TransactionConfig{
			IdleTimeout:         60 * time.Second,
			ReapInterval:        5 * time.Second,
			MaxOpenTransactions: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "cypherdb",
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			ServiceName: "cypherdb",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("CYPHERDB_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CYPHERDB_DATA"); v != "" {
		cfg.Storage.DataPath = v
	}
	if v := os.Getenv("CYPHERDB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CYPHERDB_TX_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CYPHERDB_TX_IDLE_TIMEOUT: %w", err)
		}
		cfg.Transactions.IdleTimeout = d
	}
	if v := os.Getenv("CYPHERDB_MAX_OPEN_TX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CYPHERDB_MAX_OPEN_TX: %w", err)
		}
		cfg.Transactions.MaxOpenTransactions = n
	}
	if v := os.Getenv("CYPHERDB_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
		cfg.Tracing.Enabled = true
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must be positive, got %s", c.Server.ShutdownTimeout))
	}
	if c.Server.FlushEvery <= 0 {
		errs = append(errs, fmt.Errorf("server.flush_every must be positive, got %d", c.Server.FlushEvery))
	}
	if c.Transactions.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("transactions.idle_timeout must be positive, got %s", c.Transactions.IdleTimeout))
	}
	if c.Transactions.ReapInterval <= 0 {
		errs = append(errs, fmt.Errorf("transactions.reap_interval must be positive, got %s", c.Transactions.ReapInterval))
	}
	if c.Transactions.MaxOpenTransactions < 0 {
		errs = append(errs, fmt.Errorf("transactions.max_open_transactions must not be negative, got %d", c.Transactions.MaxOpenTransactions))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format %q is not text or json", c.Logging.Format))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be within [0, 1], got %v", c.Tracing.SampleRate))
	}
	return errors.Join(errs...)
}
