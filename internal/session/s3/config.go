package s3

import (
	"time"

	"github.com/objectpool/objectpool/internal/circuit"
)

// Config represents the S3 gateway session configuration.
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// MaxRetries bounds the conditional-write retry loop when a
	// concurrent writer changed the record between read and put.
	MaxRetries     int           `yaml:"max_retries"`
	Workers        int           `yaml:"workers"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	Breaker circuit.Config `yaml:"circuit_breaker"`
}

// NewDefaultConfig returns a config with sensible defaults. Bucket must
// still be set by the caller.
func NewDefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		Prefix:         "objectpool",
		MaxRetries:     3,
		Workers:        8,
		RequestTimeout: 30 * time.Second,
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Region == "" {
		out.Region = "us-east-1"
	}
	if out.Prefix == "" {
		out.Prefix = "objectpool"
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.Workers <= 0 {
		out.Workers = 8
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 30 * time.Second
	}
	return &out
}
