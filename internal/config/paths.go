// ABOUTME: Default locations for the config file and the cache database
// ABOUTME: Follows XDG base directories with home-directory fallbacks

package config

import (
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "FEDICACHE_CONFIG"

// ResolvePath returns the config file to load.
// Priority: explicit flag > FEDICACHE_CONFIG env var > XDG_CONFIG_HOME/fedicache/config.yaml > ~/.config/fedicache/config.yaml
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fedicache", "config.yaml")
}

// DefaultDatabasePath returns where the cache lives when database.path is unset.
// Priority: XDG_DATA_HOME/fedicache/cache.db > ~/.local/share/fedicache/cache.db
func DefaultDatabasePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "cache.db" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "fedicache", "cache.db")
}

// LoadOrDefault loads the config at path. A missing file yields Default()
// unless the path was requested explicitly.
func LoadOrDefault(path string, explicit bool) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && !explicit {
		return Default(), nil
	}
	return Load(path)
}
