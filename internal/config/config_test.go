package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bilbercode/gencam/internal/driver/simulator"
)

const sample = `
directory: /data/images
instances:
  - sal_index: 1
    ip: 127.0.0.1
    port: 5013
    camera: Simulator
    autoExposureInterval: 10
    minBackground: 100
    maxBackground: 1000
    config:
      max_width: 2048
      readout_time: 0.1
  - sal_index: 2
    directory: /elsewhere
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	one, err := cfg.Instance(1)
	if err != nil {
		t.Fatal(err)
	}
	if one.LiveViewAddr() != "127.0.0.1:5013" {
		t.Errorf("LiveViewAddr = %s", one.LiveViewAddr())
	}
	if one.Interval() != 10*time.Second {
		t.Errorf("Interval = %s", one.Interval())
	}
	if one.Directory != "/data/images" || one.ImageSource != "GC1" {
		t.Errorf("defaults not applied: %+v", one)
	}

	sim, err := simulator.DecodeConfig(&one.Driver)
	if err != nil {
		t.Fatal(err)
	}
	if sim.MaxWidth != 2048 || sim.ReadoutTime != 0.1 || sim.ShutterTime != 0.5 {
		t.Errorf("driver block decoded as %+v", sim)
	}

	two, err := cfg.Instance(2)
	if err != nil {
		t.Fatal(err)
	}
	if two.Directory != "/elsewhere" || two.Port != DefaultPort || two.Camera != "Simulator" {
		t.Errorf("instance 2: %+v", two)
	}
	if two.Interval() != 30*time.Second {
		t.Errorf("default interval %s", two.Interval())
	}
	if _, err := cfg.Instance(3); err == nil {
		t.Error("missing instance found")
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"no instances":    "directory: /tmp\n",
		"unknown key":     "instances:\n  - sal_index: 1\n    colour: red\n",
		"duplicate index": "instances:\n  - sal_index: 1\n  - sal_index: 1\n",
		"zero index":      "instances:\n  - port: 1\n",
		"inverted band":   "instances:\n  - sal_index: 1\n    minBackground: 10\n    maxBackground: 1\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}
