// Package config handles configuration loading for coven-editor.
//
// # Configuration File
//
// The serve command looks for its config file in this order:
//
//  1. Path from COVEN_EDITOR_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/editor.yaml (or ~/.config/coven/editor.yaml)
//
// Files ending in .toml are read as TOML; anything else is YAML. Both
// formats use the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	agent:
//	  jwt_secret: "${COVEN_AGENT_SECRET}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "localhost:8090"
//
//	agent:
//	  url: "http://localhost:8000"
//	  stream_path: "/agent/process-stream"   # default
//	  callback_path: "/agent/command-result" # default
//	  jwt_secret: "${COVEN_AGENT_SECRET}"    # optional, enables bearer tokens
//	  connect_timeout: "10s"
//	  token_ttl: "1h"
//
//	editor:
//	  wordpress_url: "https://site.example"
//	  fallback_origin: "https://site.example:8443"
//	  host_origin: "http://localhost:3000"
//	  initial_credits: 50
//
//	correlation:
//	  reply_ttl: "10m"
//	  max_entries: 1024
//
//	database:
//	  path: "~/.local/share/coven/editor.db"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load applies defaults and then validates; the first failure is returned.
// agent.url, editor.wordpress_url, and database.path are required.
package config
