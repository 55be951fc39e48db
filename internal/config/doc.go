// Package config handles configuration loading for the conversation pipeline server.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from XIANS_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/xians/server.yaml
//  3. ~/.config/xians/server.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	encryption:
//	  secret: "${XIANS_CRYPT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	temporal:
//	  update_timeout: "90s"
//	messaging:
//	  reply_timeout: "2m"
//	  seen_ttl: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Store:
//
//	mongo:
//	  uri: "${XIANS_MONGO_URI}"
//	  database: "xians"
//
// Workflow engine:
//
//	temporal:
//	  host_port: "localhost:7233"
//	  namespace: "default"
//	  task_queue: "agents"
//	  update_timeout: "2m"
//
// Field encryption (empty secret leaves text plaintext):
//
//	encryption:
//	  secret: "${XIANS_CRYPT_SECRET}"
//
// Cross-instance backplane:
//
//	redis:
//	  enabled: false
//	  addr: "localhost:6379"
//	  db: 0
//
// Pipeline tuning:
//
//	messaging:
//	  reply_timeout: "2m"
//	  seen_ttl: "5m"
//	  seen_max_size: 100000
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Mongo URI presence
//   - Temporal host/port and task queue presence
//   - Redis address when the backplane is enabled
//   - Duration format validity
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/xians/server.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
