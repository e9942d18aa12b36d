package config

import (
	"os"
	"path/filepath"
)

// DefaultStateDir resolves the daemon state directory: the PLANTER_STATE_DIR
// override wins, then $HOME/.planter/state, then a relative fallback for
// homeless environments.
func DefaultStateDir() string {
	if dir := os.Getenv("PLANTER_STATE_DIR"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".planter", "state")
	}
	return filepath.Join(".planter", "state")
}

// DefaultConfigPath resolves the optional config file location: the
// PLANTER_CONFIG override wins, then $HOME/.planter/config.yaml.
func DefaultConfigPath() string {
	if path := os.Getenv("PLANTER_CONFIG"); path != "" {
		return path
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".planter", "config.yaml")
	}
	return ""
}
