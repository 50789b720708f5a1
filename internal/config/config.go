package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort                 = 5013
	DefaultAutoExposureInterval = 30.0
)

// Config is the configuration file: shared settings plus one block per
// camera instance.
type Config struct {
	Directory string     `yaml:"directory"`
	Instances []Instance `yaml:"instances"`
}

// Instance configures one camera.
type Instance struct {
	Index          int    `yaml:"sal_index"`
	IP             string `yaml:"ip"`
	Port           int    `yaml:"port"`
	Directory      string `yaml:"directory"`
	FileNameFormat string `yaml:"fileNameFormat"`
	Camera         string `yaml:"camera"`
	ImageSource    string `yaml:"imageSource"`
	// AutoExposureInterval is in seconds.
	AutoExposureInterval float64 `yaml:"autoExposureInterval"`
	MinBackground        float64 `yaml:"minBackground"`
	MaxBackground        float64 `yaml:"maxBackground"`
	// Driver is the driver specific block, decoded by the driver itself.
	Driver yaml.Node `yaml:"config"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	for i := range cfg.Instances {
		cfg.Instances[i].applyDefaults(cfg.Directory)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (i *Instance) applyDefaults(dir string) {
	if i.Port == 0 {
		i.Port = DefaultPort
	}
	if i.Camera == "" {
		i.Camera = "Simulator"
	}
	if i.ImageSource == "" {
		i.ImageSource = fmt.Sprintf("GC%d", i.Index)
	}
	if i.Directory == "" {
		i.Directory = dir
	}
	if i.Directory == "" {
		i.Directory = os.TempDir()
	}
	if i.AutoExposureInterval == 0 {
		i.AutoExposureInterval = DefaultAutoExposureInterval
	}
}

func (c *Config) Validate() error {
	if len(c.Instances) == 0 {
		return errors.New("no camera instances configured")
	}
	seen := make(map[int]bool)
	for _, i := range c.Instances {
		if i.Index < 1 {
			return fmt.Errorf("sal_index must be at least 1, got %d", i.Index)
		}
		if seen[i.Index] {
			return fmt.Errorf("sal_index %d configured twice", i.Index)
		}
		seen[i.Index] = true
		if i.Port < 0 || i.Port > 65535 {
			return fmt.Errorf("instance %d: invalid port %d", i.Index, i.Port)
		}
		if i.AutoExposureInterval < 0 {
			return fmt.Errorf("instance %d: negative autoExposureInterval", i.Index)
		}
		if i.MaxBackground < i.MinBackground {
			return fmt.Errorf("instance %d: maxBackground %g below minBackground %g", i.Index, i.MaxBackground, i.MinBackground)
		}
	}
	return nil
}

// Instance returns the block for the camera with the given index.
func (c *Config) Instance(index int) (*Instance, error) {
	for i := range c.Instances {
		if c.Instances[i].Index == index {
			return &c.Instances[i], nil
		}
	}
	return nil, fmt.Errorf("no config found for sal_index=%d", index)
}

// LiveViewAddr is the listen address of the live view server.
func (i *Instance) LiveViewAddr() string {
	return net.JoinHostPort(i.IP, strconv.Itoa(i.Port))
}

// Interval is the auto exposure cadence.
func (i *Instance) Interval() time.Duration {
	return time.Duration(i.AutoExposureInterval * float64(time.Second))
}
