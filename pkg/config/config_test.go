package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestLoadConfigMissingFile verifies that defaults are returned when no file exists
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Failed to load default config: %v", err)
	}

	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("Default config mismatch (-want +got):\n%s", diff)
	}
}

// TestSaveAndLoadConfig verifies that a saved config can be read back unchanged
func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "focalfield.yaml")

	cfg := DefaultConfig()
	cfg.Processing.Workers = 3
	cfg.Transfer.AnchorMode = AnchorFixed
	cfg.Render.Axis = "x"
	cfg.Server.Addr = "localhost:9000"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("Round-tripped config mismatch (-want +got):\n%s", diff)
	}
}

// TestPartialConfigKeepsDefaults verifies that unspecified keys keep their default values
func TestPartialConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	if err := os.WriteFile(path, []byte("render:\n  axis: y\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Render.Axis != "y" {
		t.Errorf("Expected axis y, got %s", cfg.Render.Axis)
	}
	if cfg.Transfer.AnchorMode != AnchorDerived {
		t.Errorf("Expected default anchor mode %s, got %s", AnchorDerived, cfg.Transfer.AnchorMode)
	}
	if cfg.Render.Width != 768 {
		t.Errorf("Expected default width 768, got %d", cfg.Render.Width)
	}
}

// TestInvalidConfig verifies that bad values are rejected
func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("transfer:\n  anchorMode: magic\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for invalid anchor mode, got nil")
	}

	if err := os.WriteFile(path, []byte("processing: [1, 2\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for malformed YAML, got nil")
	}
}

// TestZeroWorkersSelectsDefault verifies workers below 1 are accepted
func TestZeroWorkersSelectsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.yaml")
	if err := os.WriteFile(path, []byte("processing:\n  workers: 0\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Expected workers: 0 to load, got %v", err)
	}
	if cfg.Processing.Workers != 0 {
		t.Errorf("Expected workers 0 to be kept, got %d", cfg.Processing.Workers)
	}
}

// TestCreateDefaultConfigFile verifies the default file is written
func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("Failed to create default config file: %v", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("Config file does not exist: %s", path)
	}
}
