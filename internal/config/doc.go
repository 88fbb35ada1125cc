// Package config handles configuration loading for fedicache.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. The format is chosen by extension: ".toml" is TOML, anything
// else is YAML. Missing values fall back to defaults before validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path given with --config
//  2. Path from FEDICACHE_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/fedicache/config.yaml
//  4. ~/.config/fedicache/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${FEDICACHE_DATA}/cache.db"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Database:
//
//	database:
//	  path: "~/.local/share/fedicache/cache.db"  # default under XDG_DATA_HOME
//	  driver: "sqlite"        # sqlite (pure Go) or sqlite3 (cgo)
//	  busy_timeout: "5s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text or json
//
// Expired-filter sweep:
//
//	sweep:
//	  enabled: false
//	  schedule: "@hourly"  # standard 5-field cron or @descriptor
//
// The same settings in TOML:
//
//	[database]
//	path = "/var/lib/fedicache/cache.db"
//	driver = "sqlite3"
//
//	[sweep]
//	enabled = true
//	schedule = "*/15 * * * *"
package config
