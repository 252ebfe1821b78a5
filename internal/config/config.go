// Package config defines the client configuration, loaded from YAML or
// built programmatically, and validated before a cluster handle is created.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Supported session drivers.
const (
	DriverMemory = "memory"
	DriverS3     = "s3"
)

// Configuration represents the complete client configuration.
type Configuration struct {
	Cluster Cluster `yaml:"cluster"`
	Session Session `yaml:"session"`
	Engine  Engine  `yaml:"engine"`
	Metrics Metrics `yaml:"metrics"`
	Logging Logging `yaml:"logging"`
}

// Cluster holds cluster-level settings.
type Cluster struct {
	Name           string        `yaml:"name"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// Pools pre-declared for the memory driver. The s3 driver discovers
	// pools from the bucket layout instead.
	Pools []string `yaml:"pools"`
}

// Session selects and configures the cluster-session driver. The driver
// sections are opaque to the client core and handed to the session as-is.
type Session struct {
	Driver string    `yaml:"driver"`
	S3     S3Session `yaml:"s3"`
}

// S3Session configures the S3 gateway session.
type S3Session struct {
	Region         string        `yaml:"region"`
	Endpoint       string        `yaml:"endpoint"`
	Bucket         string        `yaml:"bucket"`
	Prefix         string        `yaml:"prefix"`
	ForcePathStyle bool          `yaml:"force_path_style"`
	AccessKey      string        `yaml:"access_key"`
	SecretKey      string        `yaml:"secret_key"`
	MaxRetries     int           `yaml:"max_retries"`
	Workers        int           `yaml:"workers"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Engine tunes the completion engine.
type Engine struct {
	DispatchWorkers int           `yaml:"dispatch_workers"`
	QueueSize       int           `yaml:"queue_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

// Metrics configures the Prometheus collector.
type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Logging configures the injected slog handler level.
type Logging struct {
	Level string `yaml:"level"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Cluster: Cluster{
			Name:           "objectpool",
			ConnectTimeout: 10 * time.Second,
		},
		Session: Session{
			Driver: DriverMemory,
			S3: S3Session{
				Region:         "us-east-1",
				Prefix:         "objectpool",
				MaxRetries:     3,
				Workers:        8,
				RequestTimeout: 30 * time.Second,
			},
		},
		Engine: Engine{
			DispatchWorkers: 4,
			QueueSize:       1024,
			PollInterval:    time.Millisecond,
		},
		Metrics: Metrics{
			Enabled:   true,
			Namespace: "objectpool",
		},
		Logging: Logging{
			Level: "INFO",
		},
	}
}

// Load reads and validates a YAML configuration file, applying defaults
// for anything the file leaves unset.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := NewDefault()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Configuration) Validate() error {
	switch c.Session.Driver {
	case DriverMemory:
	case DriverS3:
		if c.Session.S3.Bucket == "" {
			return fmt.Errorf("s3 session requires a bucket")
		}
		if c.Session.S3.Region == "" {
			return fmt.Errorf("s3 session requires a region")
		}
		if c.Session.S3.Workers <= 0 {
			return fmt.Errorf("s3 session workers must be positive, got %d", c.Session.S3.Workers)
		}
	default:
		return fmt.Errorf("unknown session driver %q", c.Session.Driver)
	}

	if c.Engine.DispatchWorkers <= 0 {
		return fmt.Errorf("dispatch_workers must be positive, got %d", c.Engine.DispatchWorkers)
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", c.Engine.QueueSize)
	}
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.Engine.PollInterval)
	}

	switch c.Logging.Level {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}

	return nil
}
