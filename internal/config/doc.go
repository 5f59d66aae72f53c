// Package config handles configuration loading for support-gateway.
//
// # Configuration File
//
// Files ending in .toml are parsed as TOML; anything else is parsed as YAML.
// The CLI looks for the file in this order:
//
//  1. Path from SUPPORT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/support/gateway.yaml
//  3. ~/.config/support/gateway.yaml
//
// When no file exists the CLI falls back to FromEnv.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${SUPPORT_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Environment Overrides
//
// A handful of SUPPORT_* variables win over file values when set:
// SUPPORT_HTTP_ADDR, SUPPORT_GRPC_ADDR, SUPPORT_DB_PATH, SUPPORT_JWT_SECRET,
// SUPPORT_TAILSCALE, SUPPORT_TAILSCALE_HOSTNAME, SUPPORT_HEARTBEAT_INTERVAL,
// SUPPORT_POLL_INTERVAL, SUPPORT_STREAM_MAX_LIFETIME,
// SUPPORT_STREAM_WRITE_TIMEOUT, SUPPORT_MAX_MESSAGE_LENGTH,
// SUPPORT_IDEMPOTENCY_TTL, SUPPORT_LOG_LEVEL and SUPPORT_LOG_FORMAT.
// Only the prefixed names are read; a bare LOG_LEVEL is ignored.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	stream:
//	  heartbeat_interval: "30s"
//	  poll_interval: "3s"
//	  max_lifetime: "30m"
//
// # Example
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "/var/lib/support/gateway.db"
//
//	auth:
//	  jwt_secret: "${SUPPORT_JWT_SECRET}"
//
//	stream:
//	  heartbeat_interval: "30s"
//	  poll_interval: "3s"
//	  max_lifetime: "30m"
//	  write_timeout: "10s"
//	  initial_limit: 50
//	  poll_limit: 10
//
//	messages:
//	  max_length: 5000
//
//	idempotency:
//	  ttl: "5m"
//	  max_entries: 100000
//
//	logging:
//	  level: "info"
//	  format: "text"
//
// # Validation
//
// Load fills defaults and then validates. Server addresses are required
// unless tailscale is enabled, a JWT secret must be at least 32 bytes, and
// the poll interval may not exceed the stream lifetime.
package config
