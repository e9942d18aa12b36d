// Package config resolves daemon settings from defaults, an optional YAML
// file, and CLI flags. Flags win over the file; the file wins over defaults.
// There is no runtime reconfiguration: the resolved struct is fixed at start.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the fixed daemon configuration.
type Config struct {
	Socket      string `yaml:"socket"`
	SandboxMode string `yaml:"sandbox_mode"`
	StateDir    string `yaml:"state_dir"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Socket:      "/tmp/planterd.sock",
		SandboxMode: "permissive",
		StateDir:    DefaultStateDir(),
		LogLevel:    "info",
	}
}

// Load returns the default configuration merged with the config file, when
// one exists. A missing file is not an error; a malformed one is.
func Load() (Config, error) {
	cfg := Default()

	path := DefaultConfigPath()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.merge(file)
	return cfg, nil
}

func (c *Config) merge(other Config) {
	if other.Socket != "" {
		c.Socket = other.Socket
	}
	if other.SandboxMode != "" {
		c.SandboxMode = other.SandboxMode
	}
	if other.StateDir != "" {
		c.StateDir = other.StateDir
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFile != "" {
		c.LogFile = other.LogFile
	}
}
