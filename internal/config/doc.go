// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by .toml extension) files with
// environment variable expansion. Load applies defaults and validates.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_RELAY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	heartbeat:
//	  interval: "30s"
//	  disconnect_timeout: "90s"
//	sessions:
//	  grace_period: "5m"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	auth:
//	  jwt_secret: "${COVEN_RELAY_JWT_SECRET}"
//	  internal_service_secret: "${COVEN_RELAY_INTERNAL_SECRET}"
//	database:
//	  path: "/var/lib/coven/relay.db"
//	redis:
//	  addr: "localhost:6379"        # empty: in-process counters
//	delivery:
//	  max_retries: 3
//	  ack_timeout: "5s"
//	  backoff_base: "1s"
//	rate_limits:
//	  window: "1m"
//	  messages: 60
//	  rooms: 20
//	  ai: 10
//	  trusted_cidrs: ["127.0.0.1", "10.0.0.0/8"]
//	ai:
//	  fallback_chain: ["openai", "anthropic"]
//	  providers:
//	    - id: openai
//	      api_key_env: OPENAI_API_KEY
//	      models: ["gpt-4o", "gpt-4o-mini"]
//	    - id: anthropic
//	      base_url: "https://api.anthropic.com/v1/"
//	      api_key_env: ANTHROPIC_API_KEY
//	      models: ["claude-sonnet-4-5"]
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
