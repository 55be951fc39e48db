// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

mongo:
  uri: "mongodb://localhost:27017"
  database: "conversations"

temporal:
  host_port: "localhost:7233"
  namespace: "production"
  task_queue: "agents"
  update_timeout: "90s"

encryption:
  secret: "test-secret"

redis:
  enabled: true
  addr: "localhost:6379"
  db: 2

messaging:
  reply_timeout: "45s"
  seen_ttl: "10m"
  seen_max_size: 5000

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Mongo.URI != "mongodb://localhost:27017" {
		t.Errorf("Mongo.URI = %q, want %q", cfg.Mongo.URI, "mongodb://localhost:27017")
	}
	if cfg.Mongo.Database != "conversations" {
		t.Errorf("Mongo.Database = %q, want %q", cfg.Mongo.Database, "conversations")
	}
	if cfg.Temporal.HostPort != "localhost:7233" {
		t.Errorf("Temporal.HostPort = %q, want %q", cfg.Temporal.HostPort, "localhost:7233")
	}
	if cfg.Temporal.Namespace != "production" {
		t.Errorf("Temporal.Namespace = %q, want %q", cfg.Temporal.Namespace, "production")
	}
	if cfg.Temporal.TaskQueue != "agents" {
		t.Errorf("Temporal.TaskQueue = %q, want %q", cfg.Temporal.TaskQueue, "agents")
	}
	if cfg.Temporal.UpdateTimeout != 90*time.Second {
		t.Errorf("Temporal.UpdateTimeout = %v, want %v", cfg.Temporal.UpdateTimeout, 90*time.Second)
	}
	if cfg.Encryption.Secret != "test-secret" {
		t.Errorf("Encryption.Secret = %q, want %q", cfg.Encryption.Secret, "test-secret")
	}
	if !cfg.Redis.Enabled {
		t.Error("Redis.Enabled = false, want true")
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q, want %q", cfg.Redis.Addr, "localhost:6379")
	}
	if cfg.Redis.DB != 2 {
		t.Errorf("Redis.DB = %d, want 2", cfg.Redis.DB)
	}
	if cfg.Messaging.ReplyTimeout != 45*time.Second {
		t.Errorf("Messaging.ReplyTimeout = %v, want %v", cfg.Messaging.ReplyTimeout, 45*time.Second)
	}
	if cfg.Messaging.SeenTTL != 10*time.Minute {
		t.Errorf("Messaging.SeenTTL = %v, want %v", cfg.Messaging.SeenTTL, 10*time.Minute)
	}
	if cfg.Messaging.SeenMaxSize != 5000 {
		t.Errorf("Messaging.SeenMaxSize = %d, want 5000", cfg.Messaging.SeenMaxSize)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
mongo:
  uri: "mongodb://localhost:27017"

temporal:
  host_port: "localhost:7233"
  task_queue: "agents"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, ":8080")
	}
	if cfg.Mongo.Database != "xians" {
		t.Errorf("Mongo.Database = %q, want %q", cfg.Mongo.Database, "xians")
	}
	if cfg.Temporal.Namespace != "default" {
		t.Errorf("Temporal.Namespace = %q, want %q", cfg.Temporal.Namespace, "default")
	}
	if cfg.Temporal.UpdateTimeout != 2*time.Minute {
		t.Errorf("Temporal.UpdateTimeout = %v, want %v", cfg.Temporal.UpdateTimeout, 2*time.Minute)
	}
	if cfg.Messaging.ReplyTimeout != 2*time.Minute {
		t.Errorf("Messaging.ReplyTimeout = %v, want %v", cfg.Messaging.ReplyTimeout, 2*time.Minute)
	}
	if cfg.Messaging.SeenTTL != 5*time.Minute {
		t.Errorf("Messaging.SeenTTL = %v, want %v", cfg.Messaging.SeenTTL, 5*time.Minute)
	}
	if cfg.Messaging.SeenMaxSize != 100_000 {
		t.Errorf("Messaging.SeenMaxSize = %d, want 100000", cfg.Messaging.SeenMaxSize)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_MONGO_URI", "mongodb://env-host:27017")
	t.Setenv("TEST_CRYPT_SECRET", "secret-from-env")

	configPath := writeConfig(t, `
mongo:
  uri: "${TEST_MONGO_URI}"

temporal:
  host_port: "localhost:7233"
  task_queue: "agents"

encryption:
  secret: "${TEST_CRYPT_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mongo.URI != "mongodb://env-host:27017" {
		t.Errorf("Mongo.URI = %q, want %q", cfg.Mongo.URI, "mongodb://env-host:27017")
	}
	if cfg.Encryption.Secret != "secret-from-env" {
		t.Errorf("Encryption.Secret = %q, want %q", cfg.Encryption.Secret, "secret-from-env")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	configPath := writeConfig(t, `
mongo:
  uri: "mongodb://localhost:27017"

temporal:
  host_port: "localhost:7233"
  task_queue: "agents"

encryption:
  secret: "${UNSET_VAR_FOR_TEST}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Unset env vars should expand to empty string
	if cfg.Encryption.Secret != "" {
		t.Errorf("Encryption.Secret = %q, want empty string for unset env var", cfg.Encryption.Secret)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
mongo:
  uri "missing colon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
mongo:
  uri: "mongodb://localhost:27017"

temporal:
  host_port: "localhost:7233"
  task_queue: "agents"
  update_timeout: "invalid-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid duration, got nil")
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing mongo uri",
			configContent: `
temporal:
  host_port: "localhost:7233"
  task_queue: "agents"
`,
			wantErrSubstr: "mongo.uri is required",
		},
		{
			name: "missing temporal host_port",
			configContent: `
mongo:
  uri: "mongodb://localhost:27017"
temporal:
  task_queue: "agents"
`,
			wantErrSubstr: "temporal.host_port is required",
		},
		{
			name: "missing temporal task_queue",
			configContent: `
mongo:
  uri: "mongodb://localhost:27017"
temporal:
  host_port: "localhost:7233"
`,
			wantErrSubstr: "temporal.task_queue is required",
		},
		{
			name: "redis enabled without addr",
			configContent: `
mongo:
  uri: "mongodb://localhost:27017"
temporal:
  host_port: "localhost:7233"
  task_queue: "agents"
redis:
  enabled: true
`,
			wantErrSubstr: "redis.addr is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, tt.configContent)

			_, err := Load(configPath)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single env var",
			input:    "${FOO}",
			expected: "bar",
		},
		{
			name:     "env var with surrounding text",
			input:    "prefix-${FOO}-suffix",
			expected: "prefix-bar-suffix",
		},
		{
			name:     "multiple env vars",
			input:    "${FOO}/${BAZ}",
			expected: "bar/qux",
		},
		{
			name:     "no env vars",
			input:    "no-vars-here",
			expected: "no-vars-here",
		},
		{
			name:     "unset env var",
			input:    "${UNSET_VAR}",
			expected: "",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
