package simulator

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the simulator specific configuration block.
type Config struct {
	MaxWidth  int `yaml:"max_width"`
	MaxHeight int `yaml:"max_height"`
	// ShutterTime and ReadoutTime are in seconds.
	ShutterTime float64 `yaml:"shutter_time"`
	ReadoutTime float64 `yaml:"readout_time"`
	// BackgroundRate in counts per second. Zero produces uniformly random
	// pixels regardless of exposure time.
	BackgroundRate float64 `yaml:"background_rate"`
}

// DefaultConfig mirrors the schema defaults.
func DefaultConfig() Config {
	return Config{
		MaxWidth:    1024,
		MaxHeight:   1024,
		ShutterTime: 0.5,
		ReadoutTime: 0.5,
	}
}

// Validate checks the block against the simulator schema.
func (c Config) Validate() error {
	if c.MaxWidth < 1024 || c.MaxWidth > 2048 {
		return fmt.Errorf("max_width %d outside [1024, 2048]", c.MaxWidth)
	}
	if c.MaxHeight < 1024 || c.MaxHeight > 2048 {
		return fmt.Errorf("max_height %d outside [1024, 2048]", c.MaxHeight)
	}
	if c.ShutterTime < 0 || c.ReadoutTime < 0 {
		return errors.New("shutter_time and readout_time must not be negative")
	}
	if c.BackgroundRate < 0 {
		return errors.New("background_rate must not be negative")
	}
	return nil
}

// DecodeConfig decodes a YAML block over the defaults. Unknown keys are
// rejected.
func DecodeConfig(node *yaml.Node) (Config, error) {
	cfg := DefaultConfig()
	if node == nil || node.Kind == 0 {
		return cfg, cfg.Validate()
	}
	var raw map[string]yaml.Node
	if err := node.Decode(&raw); err != nil {
		return cfg, fmt.Errorf("failed to decode simulator config: %w", err)
	}
	for key := range raw {
		switch key {
		case "max_width", "max_height", "shutter_time", "readout_time", "background_rate":
		default:
			return cfg, fmt.Errorf("unknown simulator config key %q", key)
		}
	}
	if err := node.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode simulator config: %w", err)
	}
	return cfg, cfg.Validate()
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
