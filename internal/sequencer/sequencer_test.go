package sequencer

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bilbercode/gencam/internal/driver"
	"github.com/bilbercode/gencam/internal/exposure"
	"github.com/bilbercode/gencam/internal/fault"
	"gopkg.in/yaml.v3"
)

type fakeCamera struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	// hold blocks the named call until the channel is closed
	hold map[string]chan struct{}
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{fail: map[string]error{}, hold: map[string]chan struct{}{}}
}

func (f *fakeCamera) op(name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	err := f.fail[name]
	ch := f.hold[name]
	f.mu.Unlock()
	if ch != nil {
		<-ch
	}
	return err
}

func (f *fakeCamera) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCamera) Initialise(*yaml.Node) error             { return nil }
func (f *fakeCamera) MakeAndModel() string                    { return "fake" }
func (f *fakeCamera) Info() map[string]float64                { return nil }
func (f *fakeCamera) ROI() (driver.ROI, error)                { return driver.ROI{Width: 4, Height: 2}, nil }
func (f *fakeCamera) SetROI(driver.ROI) error                 { return nil }
func (f *fakeCamera) SetFullFrame() error                     { return nil }
func (f *fakeCamera) StartLiveView() error                    { return nil }
func (f *fakeCamera) StopLiveView() error                     { return nil }
func (f *fakeCamera) Close() error                            { return nil }
func (f *fakeCamera) StartShutterOpen(context.Context) error  { return f.op("StartShutterOpen") }
func (f *fakeCamera) EndShutterOpen(context.Context) error    { return f.op("EndShutterOpen") }
func (f *fakeCamera) StartIntegration(context.Context) error  { return f.op("StartIntegration") }
func (f *fakeCamera) EndIntegration(context.Context) error    { return f.op("EndIntegration") }
func (f *fakeCamera) StartShutterClose(context.Context) error { return f.op("StartShutterClose") }
func (f *fakeCamera) EndShutterClose(context.Context) error   { return f.op("EndShutterClose") }
func (f *fakeCamera) StartReadout(context.Context) error      { return f.op("StartReadout") }
func (f *fakeCamera) EndTakeImage(context.Context) error      { return f.op("EndTakeImage") }

func (f *fakeCamera) StartTakeImage(context.Context, time.Duration, bool, string) error {
	return f.op("StartTakeImage")
}

func (f *fakeCamera) EndReadout(context.Context) (*exposure.Exposure, error) {
	if err := f.op("EndReadout"); err != nil {
		return nil, err
	}
	return exposure.FromPixels([]uint16{1, 2, 3, 4, 5, 6, 7, 8}, 4, 2, exposure.DefaultHeader())
}

type recorder struct {
	mu     sync.Mutex
	events []EventType
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e.Type)
	r.mu.Unlock()
}

func (r *recorder) Events() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventType(nil), r.events...)
}

func TestPhaseEventOrder(t *testing.T) {
	cases := []struct {
		name    string
		shutter bool
		want    []EventType
	}{
		{
			name:    "with shutter",
			shutter: true,
			want: []EventType{
				EventStartTakeImage,
				EventStartShutterOpen, EventEndShutterOpen,
				EventStartIntegration, EventEndIntegration,
				EventStartShutterClose, EventEndShutterClose,
				EventStartReadout, EventEndReadout,
				EventEndTakeImage,
			},
		},
		{
			name:    "without shutter",
			shutter: false,
			want: []EventType{
				EventStartTakeImage,
				EventStartIntegration, EventEndIntegration,
				EventStartReadout, EventEndReadout,
				EventEndTakeImage,
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cam := newFakeCamera()
			seq := New(cam, nil, nil)
			rec := &recorder{}
			defer seq.Subscribe(rec.handle)()

			exp, err := seq.TakeImage(context.Background(), Request{ExpTime: time.Second, Shutter: tc.shutter, NumImages: 3, ImageIndex: 2})
			if err != nil {
				t.Fatal(err)
			}
			if got := rec.Events(); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("events = %v, want %v", got, tc.want)
			}
			if seq.State() != Idle {
				t.Errorf("state = %s, want Idle", seq.State())
			}
			if _, err := seq.Lock().TryAcquire("test"); err != nil {
				t.Errorf("lock not released: %v", err)
			}
			if exp.ReadoutEnd.Before(exp.ReadoutStart) || exp.ReadoutStart.Before(exp.IntegrationEnd) {
				t.Errorf("timestamps out of order: %v %v %v", exp.IntegrationEnd, exp.ReadoutStart, exp.ReadoutEnd)
			}
			if tag, ok := exp.Tag("CURINDEX"); !ok || tag.Value != 2 {
				t.Errorf("CURINDEX = %v", tag.Value)
			}
		})
	}
}

func TestPhaseEventsCarryImage(t *testing.T) {
	cam := newFakeCamera()
	seq := New(cam, nil, nil)
	events := map[EventType]Event{}
	seq.Subscribe(func(e Event) { events[e.Type] = e })

	image := Image{
		Name:             "GC1_O_20240101_000007",
		Source:           "GC1",
		Controller:       "O",
		Number:           7,
		Date:             "20240101",
		AdditionalKeys:   "filter",
		AdditionalValues: "r",
	}
	_, err := seq.TakeImage(context.Background(), Request{
		ExpTime:    time.Millisecond,
		Shutter:    true,
		ImageIndex: 2,
		NumImages:  3,
		Image:      image,
	})
	if err != nil {
		t.Fatal(err)
	}

	for typ, e := range events {
		if e.Image != image || e.ImageIndex != 2 || e.NumImages != 3 {
			t.Errorf("%s: image %+v index %d/%d", typ, e.Image, e.ImageIndex, e.NumImages)
		}
	}
	if e := events[EventStartShutterOpen]; !e.AcquisitionStart.IsZero() {
		t.Error("acquisition start stamped before integration")
	}
	start := events[EventStartIntegration].AcquisitionStart
	if start.IsZero() {
		t.Fatal("startIntegration without acquisition start")
	}
	end := events[EventEndIntegration]
	if end.IntegrationEnd.IsZero() || end.IntegrationEnd.Before(start) || end.AcquisitionStart != start {
		t.Errorf("endIntegration timestamps %v %v", end.AcquisitionStart, end.IntegrationEnd)
	}
	readout := events[EventStartReadout]
	if readout.ReadoutStart.IsZero() || !readout.ReadoutEnd.IsZero() {
		t.Errorf("startReadout timestamps %v %v", readout.ReadoutStart, readout.ReadoutEnd)
	}
	done := events[EventEndReadout]
	if done.ReadoutEnd.IsZero() || done.ReadoutEnd.Before(done.ReadoutStart) || done.AcquisitionStart != start {
		t.Errorf("endReadout timestamps %v %v %v", done.AcquisitionStart, done.ReadoutStart, done.ReadoutEnd)
	}
}

func TestMutualExclusion(t *testing.T) {
	cam := newFakeCamera()
	release := make(chan struct{})
	cam.hold["EndIntegration"] = release
	seq := New(cam, nil, nil)

	done := make(chan error, 1)
	started := make(chan struct{})
	defer seq.Subscribe(func(e Event) {
		if e.Type == EventStartIntegration {
			close(started)
		}
	})()
	go func() {
		_, err := seq.TakeImage(context.Background(), Request{ExpTime: time.Second})
		done <- err
	}()
	<-started

	for i := 0; i < 5; i++ {
		if _, err := seq.StartTakeImage(context.Background(), Request{}); !errors.Is(err, fault.ErrSequencerBusy) {
			t.Fatalf("attempt %d: expected ErrSequencerBusy, got %v", i, err)
		}
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first exposure disturbed: %v", err)
	}
}

func TestHeldToken(t *testing.T) {
	cam := newFakeCamera()
	seq := New(cam, nil, nil)
	token, err := seq.Lock().TryAcquire("loop")
	if err != nil {
		t.Fatal(err)
	}
	defer token.Release()

	if _, err := seq.TakeImage(context.Background(), Request{}); !errors.Is(err, fault.ErrSequencerBusy) {
		t.Fatalf("expected ErrSequencerBusy without the token, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := seq.TakeImage(context.Background(), Request{Token: token}); err != nil {
			t.Fatalf("exposure %d: %v", i, err)
		}
	}
	if !seq.Lock().Holds(token) {
		t.Error("caller token released by the sequencer")
	}

	stale := &Token{lock: seq.Lock()}
	if _, err := seq.StartTakeImage(context.Background(), Request{Token: stale}); !errors.Is(err, fault.ErrSequencerBusy) {
		t.Fatalf("expected ErrSequencerBusy for a foreign token, got %v", err)
	}
}

func TestDriverFaultRestoresIdle(t *testing.T) {
	cause := errors.New("sensor on fire")
	cam := newFakeCamera()
	cam.fail["StartReadout"] = cause
	seq := New(cam, nil, nil)
	rec := &recorder{}
	defer seq.Subscribe(rec.handle)()

	_, err := seq.TakeImage(context.Background(), Request{Shutter: true})
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost: %v", err)
	}
	var df *fault.DriverFault
	if !errors.As(err, &df) || df.Op != "StartReadout" {
		t.Fatalf("expected a DriverFault for StartReadout, got %v", err)
	}
	if seq.State() != Idle {
		t.Errorf("state = %s, want Idle", seq.State())
	}
	for _, e := range rec.Events() {
		if e == EventStartReadout {
			t.Error("event raised for a failed phase")
		}
	}
	delete(cam.fail, "StartReadout")
	if _, err := seq.TakeImage(context.Background(), Request{}); err != nil {
		t.Fatalf("sequencer unusable after fault: %v", err)
	}
}

func TestPhaseOrderViolation(t *testing.T) {
	cam := newFakeCamera()
	seq := New(cam, nil, nil)
	h, err := seq.StartTakeImage(context.Background(), Request{Shutter: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.StartPhase(context.Background(), PhaseReadout); !errors.Is(err, fault.ErrPhaseOrder) {
		t.Fatalf("expected ErrPhaseOrder, got %v", err)
	}
	if seq.State() != Idle {
		t.Errorf("state = %s, want Idle", seq.State())
	}
	if err := h.StartPhase(context.Background(), PhaseShutterOpen); !errors.Is(err, fault.ErrPhaseOrder) {
		t.Fatalf("aborted handle still usable: %v", err)
	}
	for _, c := range cam.Calls() {
		if c == "StartReadout" {
			t.Error("driver called for an out of order phase")
		}
	}
}

func TestShutterPhasesSkipped(t *testing.T) {
	cam := newFakeCamera()
	seq := New(cam, nil, nil)
	h, err := seq.StartTakeImage(context.Background(), Request{Shutter: false})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.RunPhase(context.Background(), PhaseShutterOpen); err != nil {
		t.Fatal(err)
	}
	if seq.State() != TakeImageStarted {
		t.Errorf("state = %s after skipped phase", seq.State())
	}
	want := []string{"StartTakeImage"}
	if got := cam.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestNegativeExposureTime(t *testing.T) {
	seq := New(newFakeCamera(), nil, nil)
	if _, err := seq.StartTakeImage(context.Background(), Request{ExpTime: -time.Second}); err == nil {
		t.Fatal("expected an error")
	}
	if _, err := seq.Lock().TryAcquire("test"); err != nil {
		t.Errorf("lock leaked: %v", err)
	}
}
