// Package config provides configuration loading and management for focalfield.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Anchor modes for the FWHM control point of the transfer functions
const (
	// AnchorDerived places the control point at the normalized position of the
	// -3dB threshold of the loaded field
	AnchorDerived = "derived"

	// AnchorFixed keeps the literal 0.708 domain value
	AnchorFixed = "fixed"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers is the number of goroutines used to compute waveform RMS values.
		// Values below 1 select runtime.NumCPU().
		Workers int `yaml:"workers"`

		// SaveDenseField writes pressure_field.npy after a sparse reconstruction
		// so the next run can take the fast path
		SaveDenseField bool `yaml:"saveDenseField"`
	} `yaml:"processing"`

	// Transfer function parameters
	Transfer struct {
		// AnchorMode is either "derived" or "fixed"
		AnchorMode string `yaml:"anchorMode"`
	} `yaml:"transfer"`

	// Render parameters for the offline renderer
	Render struct {
		// Enabled turns the projection image on or off
		Enabled bool `yaml:"enabled"`

		// Axis is the viewing axis of the projection (x, y or z)
		Axis string `yaml:"axis"`

		// Width and Height are the output image size in pixels
		Width  int `yaml:"width"`
		Height int `yaml:"height"`

		// Output is the file the projection is written to
		Output string `yaml:"output"`

		// OpacityScale scales per-voxel opacity before compositing
		OpacityScale float64 `yaml:"opacityScale"`

		// SlicesDir receives colourised slice sequences when non-empty
		SlicesDir string `yaml:"slicesDir"`
	} `yaml:"render"`

	// Plot parameters
	Plot struct {
		// Output is the beam profile PNG; empty disables the plot
		Output string `yaml:"output"`
	} `yaml:"plot"`

	// Server parameters for the interactive scene server
	Server struct {
		// Addr is the listen address; empty disables the server
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.SaveDenseField = false

	cfg.Transfer.AnchorMode = AnchorDerived

	cfg.Render.Enabled = true
	cfg.Render.Axis = "z"
	cfg.Render.Width = 768
	cfg.Render.Height = 768
	cfg.Render.Output = "projection.png"
	cfg.Render.OpacityScale = 1.0
	cfg.Render.SlicesDir = ""

	cfg.Plot.Output = "profiles.png"

	cfg.Server.Addr = ""

	cfg.Output.Verbose = true

	return cfg
}

// Validate checks values that would otherwise fail deep inside the pipeline
func (c *Config) Validate() error {
	switch c.Transfer.AnchorMode {
	case AnchorDerived, AnchorFixed:
	default:
		return fmt.Errorf("invalid transfer.anchorMode %q (must be %q or %q)",
			c.Transfer.AnchorMode, AnchorDerived, AnchorFixed)
	}
	if c.Render.Enabled && (c.Render.Width <= 0 || c.Render.Height <= 0) {
		return fmt.Errorf("render size must be positive, got %dx%d", c.Render.Width, c.Render.Height)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("error validating config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
