package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultStateDirEnvOverride(t *testing.T) {
	t.Setenv("PLANTER_STATE_DIR", "/custom/state")
	if got := DefaultStateDir(); got != "/custom/state" {
		t.Errorf("want env override, got %s", got)
	}
}

func TestDefaultStateDirHome(t *testing.T) {
	t.Setenv("PLANTER_STATE_DIR", "")
	os.Unsetenv("PLANTER_STATE_DIR")
	t.Setenv("HOME", "/home/someone")
	if got := DefaultStateDir(); got != filepath.Join("/home/someone", ".planter", "state") {
		t.Errorf("want home-based dir, got %s", got)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("PLANTER_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Socket != "/tmp/planterd.sock" {
		t.Errorf("want default socket, got %s", cfg.Socket)
	}
	if cfg.SandboxMode != "permissive" {
		t.Errorf("want default sandbox mode, got %s", cfg.SandboxMode)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("want default log level, got %s", cfg.LogLevel)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "socket: /run/planterd.sock\nsandbox_mode: enforced\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PLANTER_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Socket != "/run/planterd.sock" {
		t.Errorf("want file socket, got %s", cfg.Socket)
	}
	if cfg.SandboxMode != "enforced" {
		t.Errorf("want file sandbox mode, got %s", cfg.SandboxMode)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("want file log level, got %s", cfg.LogLevel)
	}
	// Unset keys keep their defaults.
	if cfg.StateDir == "" {
		t.Error("state dir default must survive merge")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("socket: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PLANTER_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatal("want error for malformed config")
	}
}
