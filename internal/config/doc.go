// Package config handles configuration loading for muse-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults for the gateway and
// generation timing policies.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	discord:
//	  token: "${MUSE_DISCORD_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	gateway:
//	  connect_timeout: "30s"
//	  reconnect_delay: "30s"
//	generation:
//	  click_interval: "10s"
//	  stuck_timeout: "10m"
//
// Supported units: ns, us, ms, s, m, h
package config
