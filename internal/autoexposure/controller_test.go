package autoexposure

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bilbercode/gencam/internal/exposure"
	"github.com/bilbercode/gencam/internal/fault"
)

// proportional returns exposures whose background is rate per second of
// exposure time and records every requested exposure time.
type proportional struct {
	rate float64

	mu    sync.Mutex
	times []time.Duration
	fail  error
}

func (p *proportional) TakeExposure(_ context.Context, expTime time.Duration) (*exposure.Exposure, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	p.times = append(p.times, expTime)
	v := uint16(p.rate * expTime.Seconds())
	return exposure.FromPixels([]uint16{v, v, v}, 3, 1, nil)
}

func (p *proportional) Times() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.times...)
}

func band(min, max float64) Config {
	return Config{
		MinExpTime:    time.Second,
		MaxExpTime:    8 * time.Second,
		MinBackground: min,
		MaxBackground: max,
		Interval:      10 * time.Millisecond,
	}
}

func TestConvergence(t *testing.T) {
	cam := &proportional{rate: 100}
	var accepted []*exposure.Exposure
	ctrl, err := New(band(150, 250), cam, nil, func(_ context.Context, exp *exposure.Exposure) error {
		accepted = append(accepted, exp)
		return nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err := ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || res.ExpTime != 2*time.Second {
		t.Fatalf("result %+v, want acceptance at 2s", res)
	}
	if res.Attempts > 4 {
		t.Errorf("took %d attempts", res.Attempts)
	}
	if len(accepted) != 1 {
		t.Errorf("accepted %d exposures", len(accepted))
	}
	if st := ctrl.State(); !st.Converged || st.ExpTime != 2*time.Second {
		t.Errorf("state %+v", st)
	}
}

func TestConvergenceFromAbove(t *testing.T) {
	cam := &proportional{rate: 100}
	ctrl, err := New(band(150, 250), cam, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctrl.state.ExpTime = 8 * time.Second

	res, err := ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Duration{8 * time.Second, 4 * time.Second, 2 * time.Second}
	if got := cam.Times(); !reflect.DeepEqual(got, want) {
		t.Errorf("exposure times %v, want %v", got, want)
	}
	if !res.Accepted {
		t.Error("not accepted")
	}
}

func TestGiveUp(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want []time.Duration
	}{
		{
			name: "too dark",
			cfg:  band(1000, 2000),
			want: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		},
		{
			name: "too bright",
			cfg:  band(10, 50),
			want: []time.Duration{time.Second},
		},
		{
			name: "band between steps",
			cfg:  band(250, 350),
			want: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cam := &proportional{rate: 100}
			accepted := 0
			ctrl, err := New(tc.cfg, cam, nil, func(context.Context, *exposure.Exposure) error {
				accepted++
				return nil
			}, nil)
			if err != nil {
				t.Fatal(err)
			}
			res, err := ctrl.RunCycle(context.Background())
			if !errors.Is(err, fault.ErrConvergence) {
				t.Fatalf("expected ErrConvergence, got %v", err)
			}
			if res.Accepted || accepted != 0 {
				t.Error("exposure persisted after giving up")
			}
			if got := cam.Times(); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("exposure times %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLoopKeepsCadenceAndStops(t *testing.T) {
	cam := &proportional{rate: 100}
	ctrl, err := New(band(1000, 2000), cam, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
	time.Sleep(100 * time.Millisecond)
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop returned %v", err)
	}
	n := len(cam.Times())
	if n < 2 {
		t.Errorf("only %d exposures taken", n)
	}
	time.Sleep(50 * time.Millisecond)
	if len(cam.Times()) != n {
		t.Error("loop still running after Stop")
	}
}

func TestLoopFault(t *testing.T) {
	cause := errors.New("readout failed")
	cam := &proportional{rate: 100, fail: cause}
	ctrl, err := New(band(150, 250), cam, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ctrl.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on fault")
	}
	if !errors.Is(ctrl.Err(), cause) {
		t.Errorf("Err() = %v", ctrl.Err())
	}
	if !errors.Is(ctrl.Stop(), cause) {
		t.Error("Stop lost the fault")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]Config{
		"zero minimum":   {MaxExpTime: time.Second},
		"inverted range": {MinExpTime: 2 * time.Second, MaxExpTime: time.Second},
		"empty band":     {MinExpTime: time.Second, MaxExpTime: time.Second, MinBackground: 5, MaxBackground: 1},
	}
	for name, cfg := range cases {
		if _, err := New(cfg, &proportional{}, nil, nil, nil); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestParseSettings(t *testing.T) {
	s, err := ParseSettings("shutter: true\nsensors: R22\nkeyValueMap: 'a: 1'\nobsNote: flat")
	if err != nil {
		t.Fatal(err)
	}
	want := Settings{Shutter: true, Sensors: "R22", KeyValueMap: "a: 1", ObsNote: "flat"}
	if s != want {
		t.Errorf("got %+v, want %+v", s, want)
	}
	if s, err := ParseSettings(""); err != nil || s != (Settings{}) {
		t.Errorf("empty settings: %+v %v", s, err)
	}
	if _, err := ParseSettings("gain: 2"); err == nil {
		t.Error("unknown key accepted")
	}
}
