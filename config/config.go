// Package config defines KRTR's small external configuration surface
// (spec §6): the enumerated options a host application can set, loaded
// from a YAML file and overridable by CLI flags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Z0rlord/krtr-mesh-sub001/identity"
	"github.com/Z0rlord/krtr-mesh-sub001/mesh"
	"github.com/Z0rlord/krtr-mesh-sub001/privacy"
)

// PowerMode selects the row of the power-mode table (spec §4.7).
type PowerMode string

const (
	PowerPerformance PowerMode = "performance"
	PowerBalanced    PowerMode = "balanced"
	PowerSaver       PowerMode = "powerSaver"
	PowerUltraLow    PowerMode = "ultraLowPower"
)

func (m PowerMode) valid() bool {
	switch m {
	case PowerPerformance, PowerBalanced, PowerSaver, PowerUltraLow:
		return true
	}
	return false
}

// toPrivacy maps the host-facing string mode onto privacy's internal enum.
func (m PowerMode) toPrivacy() privacy.PowerMode {
	switch m {
	case PowerPerformance:
		return privacy.PowerPerformance
	case PowerSaver:
		return privacy.PowerSaver
	case PowerUltraLow:
		return privacy.PowerUltraLow
	default:
		return privacy.PowerBalanced
	}
}

// Config is the full set of options the core exposes to a host.
type Config struct {
	PowerMode           PowerMode     `yaml:"powerMode"`
	CoverTrafficEnabled *bool         `yaml:"coverTrafficEnabled,omitempty"`
	MaxConnections      uint          `yaml:"maxConnections,omitempty"`
	FragmentSize        uint          `yaml:"fragmentSize,omitempty"`
	StoreTTL            time.Duration `yaml:"storeTTL,omitempty"`
	RotationInterval    time.Duration `yaml:"rotationInterval,omitempty"`
	LogLevel            string        `yaml:"logLevel,omitempty"`
}

// Default returns the configuration used when no file or flags override
// it: balanced power mode, spec defaults for everything else.
func Default() Config {
	return Config{
		PowerMode:        PowerBalanced,
		MaxConnections:   10,
		FragmentSize:     500,
		StoreTTL:         12 * time.Hour,
		RotationInterval: 6 * time.Hour,
		LogLevel:         "info",
	}
}

// Load reads a YAML config file, applying it on top of Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects a Config with an unrecognized power mode or other
// out-of-range option.
func (c Config) Validate() error {
	if !c.PowerMode.valid() {
		return fmt.Errorf("config: unrecognized powerMode %q", c.PowerMode)
	}
	if c.FragmentSize == 0 {
		return fmt.Errorf("config: fragmentSize must be > 0")
	}
	return nil
}

// MeshConfig projects the host-facing option surface onto the mesh
// engine's internal Config. favorites may be nil if the host hasn't loaded
// a favorites set (every peer then gets the default cache tier).
func (c Config) MeshConfig(favorites *identity.FavoriteSet) mesh.Config {
	return mesh.Config{
		PowerMode:           c.PowerMode.toPrivacy(),
		FragmentSize:        int(c.FragmentSize),
		StoreTTL:            c.StoreTTL,
		RotationInterval:    c.RotationInterval,
		MaxConnections:      int(c.MaxConnections),
		CoverTrafficEnabled: c.CoverTrafficEnabled,
		Favorites:           favorites,
	}
}
