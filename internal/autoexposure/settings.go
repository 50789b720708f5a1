package autoexposure

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is the configuration string passed with startAutoExposure.
type Settings struct {
	Shutter     bool   `yaml:"shutter"`
	Sensors     string `yaml:"sensors"`
	KeyValueMap string `yaml:"keyValueMap"`
	ObsNote     string `yaml:"obsNote"`
}

// ParseSettings decodes a YAML settings document. An empty document yields
// the zero Settings: no shutter, all sensors, no extra header values.
func ParseSettings(doc string) (Settings, error) {
	var s Settings
	if strings.TrimSpace(doc) == "" {
		return s, nil
	}
	dec := yaml.NewDecoder(strings.NewReader(doc))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return s, fmt.Errorf("failed to decode auto exposure configuration: %w", err)
	}
	return s, nil
}
