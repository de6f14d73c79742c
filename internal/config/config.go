package config

/*
ctingest — load Certificate Transparency logs into analytical stores
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Buffer backends.
const (
	BufferMemory = "memory"
	BufferKafka  = "kafka"
)

// Sink backends.
const (
	SinkDuckDB   = "duckdb"
	SinkPostgres = "postgres"
	SinkCSV      = "csv"
)

// DefaultLogURL is used when no log is configured.
const DefaultLogURL = "https://ct.cloudflare.com/logs/nimbus2025/"

// Config is the full run configuration. It is filled from defaults, then an optional YAML file,
// then command line flags.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Fetch  FetchConfig  `yaml:"fetch"`
	Buffer BufferConfig `yaml:"buffer"`
	Load   LoadConfig   `yaml:"load"`
	Sink   SinkConfig   `yaml:"sink"`
	Ledger LedgerConfig `yaml:"ledger"`

	MetricsAddr    string        `yaml:"metrics_addr"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

// LogConfig selects the CT log and the index range [StartIndex, EndIndex).
// EndIndex 0 means the tree size reported by get-sth.
type LogConfig struct {
	URL        string `yaml:"url"`
	StartIndex uint64 `yaml:"start_index"`
	EndIndex   uint64 `yaml:"end_index"`
}

// FetchConfig tunes the fetch side.
type FetchConfig struct {
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	// The supervisor sleeps BaseDelay + in_flight*StaggerCoef between spawns.
	BaseDelay      time.Duration `yaml:"base_delay"`
	StaggerCoef    time.Duration `yaml:"stagger_coef"`
	RateLimit      float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxConns       int           `yaml:"max_conns"`
}

// BufferConfig selects the batch buffer.
type BufferConfig struct {
	Kind     string      `yaml:"kind"`
	Capacity int         `yaml:"capacity"`
	Kafka    KafkaConfig `yaml:"kafka"`
}

// KafkaConfig is used by the kafka buffer and the topic-depth monitor.
type KafkaConfig struct {
	Brokers      string        `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LoadConfig tunes the load side.
type LoadConfig struct {
	Workers int  `yaml:"workers"`
	PinCPUs bool `yaml:"pin_cpus"`
}

// SinkConfig selects where records are written.
type SinkConfig struct {
	Kind              string        `yaml:"kind"`
	DSN               string        `yaml:"dsn"`
	Table             string        `yaml:"table"`
	Dir               string        `yaml:"dir"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RecreateConfirmed bool          `yaml:"recreate_confirmed"`
}

// LedgerConfig locates the dropped-range ledger. An empty path disables it.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			URL: DefaultLogURL,
		},
		Fetch: FetchConfig{
			BatchSize:      512,
			MaxRetries:     10,
			RetryDelay:     time.Second,
			BaseDelay:      120 * time.Millisecond,
			StaggerCoef:    10 * time.Millisecond,
			RequestTimeout: 30 * time.Second,
			MaxConns:       64,
		},
		Buffer: BufferConfig{
			Kind:     BufferMemory,
			Capacity: 1024,
			Kafka: KafkaConfig{
				Brokers:      "localhost:9092",
				Topic:        "ctlogs",
				GroupID:      "ctingest",
				PollTimeout:  time.Second,
				PollInterval: 5 * time.Second,
			},
		},
		Load: LoadConfig{
			Workers: 3,
		},
		Sink: SinkConfig{
			Kind:       SinkDuckDB,
			Table:      "certs",
			Dir:        "output",
			MaxRetries: 3,
			RetryDelay: 2 * time.Second,
		},
		Ledger: LedgerConfig{
			Path: "ctingest-dropped.db",
		},
		StatusInterval: 10 * time.Second,
	}
}

// Load reads a YAML file over the defaults. Environment variables in the file are expanded.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail deep inside the pipeline.
func (c *Config) Validate() error {
	var errs []error
	if c.Log.URL == "" {
		errs = append(errs, errors.New("log.url is required"))
	}
	if c.Log.EndIndex != 0 && c.Log.EndIndex <= c.Log.StartIndex {
		errs = append(errs, fmt.Errorf("log.end_index %d must be greater than log.start_index %d", c.Log.EndIndex, c.Log.StartIndex))
	}
	if c.Fetch.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("fetch.batch_size must be positive, got %d", c.Fetch.BatchSize))
	}
	if c.Fetch.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("fetch.max_retries must be positive, got %d", c.Fetch.MaxRetries))
	}
	if c.Fetch.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("fetch.rate_limit must not be negative, got %g", c.Fetch.RateLimit))
	}
	if c.Load.Workers <= 0 {
		errs = append(errs, fmt.Errorf("load.workers must be positive, got %d", c.Load.Workers))
	}
	if c.Sink.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("sink.max_retries must not be negative, got %d", c.Sink.MaxRetries))
	}

	switch c.Buffer.Kind {
	case BufferMemory:
		if c.Buffer.Capacity <= 0 {
			errs = append(errs, fmt.Errorf("buffer.capacity must be positive, got %d", c.Buffer.Capacity))
		}
	case BufferKafka:
		if c.Buffer.Kafka.Brokers == "" || c.Buffer.Kafka.Topic == "" {
			errs = append(errs, errors.New("buffer.kafka.brokers and buffer.kafka.topic are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown buffer.kind %q", c.Buffer.Kind))
	}

	switch c.Sink.Kind {
	case SinkDuckDB, SinkCSV:
	case SinkPostgres:
		if c.Sink.DSN == "" {
			errs = append(errs, errors.New("sink.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink.kind %q", c.Sink.Kind))
	}
	if c.Sink.Table == "" {
		errs = append(errs, errors.New("sink.table is required"))
	}
	return errors.Join(errs...)
}
