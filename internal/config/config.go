// ABOUTME: Configuration loading and parsing for the conversation pipeline server.
// ABOUTME: YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Mongo      MongoConfig      `yaml:"mongo"`
	Temporal   TemporalConfig   `yaml:"temporal"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Redis      RedisConfig      `yaml:"redis"`
	Messaging  MessagingConfig  `yaml:"messaging"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// MongoConfig holds store connection settings.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// TemporalConfig holds workflow-engine connection settings.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"task_queue"`

	UpdateTimeout    time.Duration `yaml:"-"`
	UpdateTimeoutRaw string        `yaml:"update_timeout"`
}

// EncryptionConfig holds the field-level encryption secret. An empty secret
// disables text encryption (legacy plaintext deployments).
type EncryptionConfig struct {
	Secret string `yaml:"secret"`
}

// RedisConfig enables the cross-instance group backplane.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// MessagingConfig tunes the pipeline.
type MessagingConfig struct {
	ReplyTimeout    time.Duration `yaml:"-"`
	ReplyTimeoutRaw string        `yaml:"reply_timeout"`
	SeenTTL         time.Duration `yaml:"-"`
	SeenTTLRaw      string        `yaml:"seen_ttl"`
	SeenMaxSize     int           `yaml:"seen_max_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file, expanding ${VAR_NAME} environment
// references and parsing duration strings.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "xians"
	}
	if c.Temporal.Namespace == "" {
		c.Temporal.Namespace = "default"
	}
	if c.Temporal.UpdateTimeout <= 0 {
		c.Temporal.UpdateTimeout = 2 * time.Minute
	}
	if c.Messaging.ReplyTimeout <= 0 {
		c.Messaging.ReplyTimeout = 2 * time.Minute
	}
	if c.Messaging.SeenTTL <= 0 {
		c.Messaging.SeenTTL = 5 * time.Minute
	}
	if c.Messaging.SeenMaxSize <= 0 {
		c.Messaging.SeenMaxSize = 100_000
	}
}

// Validate checks required fields, returning the first failure.
func (c *Config) Validate() error {
	if c.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is required")
	}
	if c.Temporal.HostPort == "" {
		return fmt.Errorf("temporal.host_port is required")
	}
	if c.Temporal.TaskQueue == "" {
		return fmt.Errorf("temporal.task_queue is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

// parseDurations converts raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Temporal.UpdateTimeoutRaw, &cfg.Temporal.UpdateTimeout, "temporal.update_timeout"},
		{cfg.Messaging.ReplyTimeoutRaw, &cfg.Messaging.ReplyTimeout, "messaging.reply_timeout"},
		{cfg.Messaging.SeenTTLRaw, &cfg.Messaging.SeenTTL, "messaging.seen_ttl"},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
