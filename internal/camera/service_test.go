package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bilbercode/gencam/internal/driver"
	"github.com/bilbercode/gencam/internal/driver/simulator"
	"github.com/bilbercode/gencam/internal/exposure"
	"github.com/bilbercode/gencam/internal/fault"
	"github.com/bilbercode/gencam/internal/liveview"
	"github.com/bilbercode/gencam/internal/storage"
)

// failingCamera fails readout once armed.
type failingCamera struct {
	*simulator.Camera
	fail atomic.Bool
}

func (f *failingCamera) EndReadout(ctx context.Context) (*exposure.Exposure, error) {
	exp, err := f.Camera.EndReadout(ctx)
	if f.fail.Load() {
		return nil, errors.New("readout board not responding")
	}
	return exp, err
}

// plainCamera hides the simulator's streaming support.
type plainCamera struct {
	driver.Camera
}

func fastSimulator(t *testing.T) *simulator.Camera {
	t.Helper()
	cfg := simulator.DefaultConfig()
	cfg.ShutterTime = 0.005
	cfg.ReadoutTime = 0.005
	cfg.BackgroundRate = 10000
	cam, err := simulator.NewWithConfig(nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := cam.SetROI(driver.ROI{Width: 32, Height: 16}); err != nil {
		t.Fatal(err)
	}
	return cam
}

type harness struct {
	svc    Service
	dir    string
	events chan *Event
}

func newHarness(t *testing.T, cam driver.Camera) *harness {
	t.Helper()
	dir := t.TempDir()
	settings := Settings{
		ImageSource:          "GC1",
		LiveViewAddr:         "127.0.0.1:0",
		AutoExposureInterval: 20 * time.Millisecond,
		MinBackground:        50,
		MaxBackground:        500,
		StreamStopTimeout:    time.Second,
	}
	h := &harness{
		svc:    NewService(cam, nil, storage.NewSaver(dir, nil), settings, nil),
		dir:    dir,
		events: make(chan *Event, 4096),
	}
	h.svc.Subscribe(func(e *Event) {
		select {
		case h.events <- e:
		default:
		}
	})
	t.Cleanup(func() { h.svc.Close() })
	return h
}

// waitFor drains events until one of type typ arrives.
func (h *harness) waitFor(t *testing.T, typ EventType) *Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return nil
		}
	}
}

func (h *harness) files(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(h.dir, "*"+storage.Suffix))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestTakeImages(t *testing.T) {
	h := newHarness(t, fastSimulator(t))

	names, err := h.svc.TakeImages(context.Background(), TakeImagesRequest{
		NumImages:   2,
		ExpTime:     10 * time.Millisecond,
		Shutter:     true,
		KeyValueMap: "filter: r, note: a:b",
		ObsNote:     "bias check",
	})
	if err != nil {
		t.Fatal(err)
	}
	dayObs := exposure.DayObs(time.Now())
	want := []string{"GC1_O_" + dayObs + "_000001", "GC1_O_" + dayObs + "_000002"}
	if len(names) != 2 || names[0] != want[0] || names[1] != want[1] {
		t.Fatalf("names %v, want %v", names, want)
	}

	first := h.waitFor(t, EventStartTakeImage)
	if first.NumImages != 2 || first.ImageIndex != 1 {
		t.Errorf("first startTakeImage %+v", first)
	}
	integration := h.waitFor(t, EventStartIntegration)
	if integration.ImageName != want[0] || integration.ImageNumber != 1 || integration.ImageDate != dayObs {
		t.Errorf("startIntegration image %q %d %q", integration.ImageName, integration.ImageNumber, integration.ImageDate)
	}
	if integration.ImageSource != "GC1" || integration.ImageController != "O" || integration.AdditionalKeys != "filter:note" {
		t.Errorf("startIntegration identity %+v", integration)
	}
	if integration.AcquisitionStart.IsZero() {
		t.Error("startIntegration without acquisition start")
	}
	readout := h.waitFor(t, EventEndReadout)
	if readout.ImageName != want[0] || readout.ReadoutEnd.IsZero() || readout.ReadoutEnd.Before(readout.AcquisitionStart) {
		t.Errorf("endReadout %+v", readout)
	}
	saved := h.waitFor(t, EventImageSaved)
	if saved.ImageName != want[0] || saved.AdditionalKeys != "filter:note" || saved.AdditionalValues != `r:a\:b` {
		t.Errorf("imageSaved %+v", saved)
	}
	if saved.ObsNote != "bias check" {
		t.Errorf("obsNote %q", saved.ObsNote)
	}
	if got := h.files(t); len(got) != 2 {
		t.Errorf("%d files written", len(got))
	}

	more, err := h.svc.TakeImages(context.Background(), TakeImagesRequest{NumImages: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(more[0], "_000003") {
		t.Errorf("sequence number not advanced: %s", more[0])
	}
}

func TestTakeImagesInvalid(t *testing.T) {
	h := newHarness(t, fastSimulator(t))
	cases := []TakeImagesRequest{
		{NumImages: 0},
		{NumImages: 1, ExpTime: -time.Second},
	}
	for _, req := range cases {
		if _, err := h.svc.TakeImages(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%+v: got %v", req, err)
		}
	}
}

func TestLiveView(t *testing.T) {
	h := newHarness(t, fastSimulator(t))
	ctx := context.Background()

	if err := h.svc.StartLiveView(ctx, 0); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("zero exposure time: %v", err)
	}
	if err := h.svc.StartLiveView(ctx, 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	started := h.waitFor(t, EventStartLiveView)

	client, err := liveview.Dial(ctx, started.Addr, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	exp, err := client.ReceiveExposure(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !exp.IsPreview() || exp.Width != 32 || exp.Height != 16 {
		t.Errorf("received %s %dx%d", exp.Encoding(), exp.Width, exp.Height)
	}

	if _, err := h.svc.TakeImages(ctx, TakeImagesRequest{NumImages: 1}); !errors.Is(err, fault.ErrSequencerBusy) {
		t.Errorf("takeImages during live view: %v", err)
	}
	if err := h.svc.StartAutoExposure(ctx, time.Millisecond, time.Second, ""); !errors.Is(err, fault.ErrSequencerBusy) {
		t.Errorf("auto exposure during live view: %v", err)
	}

	if err := h.svc.StopLiveView(); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, EventEndLiveView)
	if err := h.svc.StopLiveView(); !errors.Is(err, ErrNotActive) {
		t.Errorf("second stop: %v", err)
	}
	if _, err := h.svc.TakeImages(ctx, TakeImagesRequest{NumImages: 1}); err != nil {
		t.Errorf("takeImages after live view: %v", err)
	}

	if err := h.svc.StartLiveView(ctx, 5*time.Millisecond); err != nil {
		t.Fatalf("restart: %v", err)
	}
	h.waitFor(t, EventStartLiveView)
	if err := h.svc.StopLiveView(); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, EventEndLiveView)
}

func TestConcurrentLiveViewStop(t *testing.T) {
	h := newHarness(t, fastSimulator(t))
	if err := h.svc.StartLiveView(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, EventStartLiveView)

	var wg sync.WaitGroup
	errs := make(chan error, 9)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.svc.StopLiveView()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- h.svc.Close()
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && !errors.Is(err, ErrNotActive) {
			t.Errorf("stop: %v", err)
		}
	}
	h.waitFor(t, EventEndLiveView)
}

func TestLiveViewFault(t *testing.T) {
	cam := &failingCamera{Camera: fastSimulator(t)}
	h := newHarness(t, cam)
	ctx := context.Background()

	cam.fail.Store(true)
	if err := h.svc.StartLiveView(ctx, 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, EventEndLiveView)
	ev := h.waitFor(t, EventFault)
	if ev.Fault.Code != fault.CodeLiveViewError {
		t.Errorf("fault code %d", ev.Fault.Code)
	}
	var df *fault.DriverFault
	if !errors.As(ev.Fault, &df) || df.Op != "EndReadout" {
		t.Errorf("fault cause %v", ev.Fault.Err)
	}
	if ev.Fault.Traceback == "" {
		t.Error("no traceback")
	}

	cam.fail.Store(false)
	if _, err := h.svc.TakeImages(ctx, TakeImagesRequest{NumImages: 1}); !errors.Is(err, ErrFaultState) {
		t.Errorf("takeImages in fault: %v", err)
	}
	if err := h.svc.ClearFault(); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, EventFaultCleared)
	if h.svc.Fault() != nil {
		t.Error("fault not cleared")
	}
	if _, err := h.svc.TakeImages(ctx, TakeImagesRequest{NumImages: 1}); err != nil {
		t.Errorf("takeImages after clear: %v", err)
	}
}

func TestAutoExposure(t *testing.T) {
	h := newHarness(t, fastSimulator(t))
	ctx := context.Background()

	if err := h.svc.StartAutoExposure(ctx, 10*time.Millisecond, 80*time.Millisecond, "shutter: true\nkeyValueMap: 'mode: auto'\n"); err != nil {
		t.Fatal(err)
	}
	started := h.waitFor(t, EventAutoExposureStarted)
	if started.MinExpTime != 10*time.Millisecond || started.MaxExpTime != 80*time.Millisecond {
		t.Errorf("started %+v", started)
	}
	saved := h.waitFor(t, EventImageSaved)
	if saved.AdditionalKeys != "mode" || saved.AdditionalValues != "auto" {
		t.Errorf("imageSaved %+v", saved)
	}
	if _, err := h.svc.TakeImages(ctx, TakeImagesRequest{NumImages: 1}); !errors.Is(err, fault.ErrSequencerBusy) {
		t.Errorf("takeImages during auto exposure: %v", err)
	}

	if err := h.svc.StopAutoExposure(); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, EventAutoExposureStopped)
	if h.svc.Fault() != nil {
		t.Errorf("unexpected fault %v", h.svc.Fault())
	}
	if len(h.files(t)) == 0 {
		t.Error("no accepted exposure saved")
	}
}

func TestAutoExposureInvalid(t *testing.T) {
	h := newHarness(t, fastSimulator(t))
	ctx := context.Background()
	if err := h.svc.StartAutoExposure(ctx, time.Second, time.Millisecond, ""); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("inverted range: %v", err)
	}
	if err := h.svc.StartAutoExposure(ctx, time.Millisecond, time.Second, "gain: 3"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("unknown setting: %v", err)
	}
	if err := h.svc.StopAutoExposure(); !errors.Is(err, ErrNotActive) {
		t.Errorf("stop while idle: %v", err)
	}
}

func TestStreamingMode(t *testing.T) {
	h := newHarness(t, fastSimulator(t))
	ctx := context.Background()

	static := exposure.Tags{{Name: "IMGTYPE", Value: "STREAM"}}
	if err := h.svc.StartStreamingMode(ctx, 5*time.Millisecond, static); err != nil {
		t.Fatal(err)
	}
	started := h.waitFor(t, EventStreamingStarted)
	time.Sleep(100 * time.Millisecond)
	if err := h.svc.StopStreamingMode(); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, EventStreamingStopped)

	files := h.files(t)
	if len(files) == 0 {
		t.Fatal("no frames saved")
	}
	for _, f := range files {
		if !strings.HasPrefix(filepath.Base(f), started.ImageName+"_") {
			t.Errorf("unexpected frame file %s", f)
		}
		if fi, err := os.Stat(f); err != nil || fi.Size()%2880 != 0 {
			t.Errorf("frame file %s: %v", f, err)
		}
	}
	if h.svc.Fault() != nil {
		t.Errorf("unexpected fault %v", h.svc.Fault())
	}
}

func TestStreamingUnsupported(t *testing.T) {
	h := newHarness(t, plainCamera{fastSimulator(t)})
	if err := h.svc.StartStreamingMode(context.Background(), time.Millisecond, nil); !errors.Is(err, ErrNotSupported) {
		t.Errorf("got %v", err)
	}
}

func TestSetROI(t *testing.T) {
	h := newHarness(t, fastSimulator(t))

	if err := h.svc.SetROI(driver.ROI{Width: 0, Height: 10}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("empty roi: %v", err)
	}
	if err := h.svc.SetROI(driver.ROI{Top: 4, Left: 8, Width: 64, Height: 48}); err != nil {
		t.Fatal(err)
	}
	ev := h.waitFor(t, EventROI)
	if ev.ROI.Width != 64 || ev.ROI.Height != 48 {
		t.Errorf("roi event %+v", ev.ROI)
	}
	if err := h.svc.SetFullFrame(); err != nil {
		t.Fatal(err)
	}
	ev = h.waitFor(t, EventROI)
	if ev.ROI.Width != 1024 || ev.ROI.Height != 1024 {
		t.Errorf("full frame %+v", ev.ROI)
	}
}

func TestStartAnnouncesCamera(t *testing.T) {
	h := newHarness(t, fastSimulator(t))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.svc.Start(ctx) }()

	ev := h.waitFor(t, EventCameraInfo)
	if ev.Info.MakeAndModel != simulator.Name {
		t.Errorf("make and model %q", ev.Info.MakeAndModel)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Start returned %v", err)
	}
	if _, err := h.svc.TakeImages(context.Background(), TakeImagesRequest{NumImages: 1}); err == nil {
		t.Error("takeImages after shutdown succeeded")
	}
}
