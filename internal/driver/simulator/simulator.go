package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/bilbercode/gencam/internal/driver"
	"github.com/bilbercode/gencam/internal/exposure"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	Name = "Simulator"

	phaseSteps      = 10
	streamingFrames = 10
)

var (
	ErrExposureRunning = errors.New("exposure task running")
	ErrNoExposure      = errors.New("no exposure in progress")
	ErrNotStreaming    = errors.New("streaming mode not active")
)

func init() {
	driver.Register(Name, func(logger *log.Entry) driver.Camera {
		return New(logger)
	})
}

// boundary is one of the rendezvous points an exposure passes through.
type boundary int

const (
	shutterOpenStarted boundary = iota
	shutterOpenFinished
	integrationStarted
	integrationFinished
	shutterCloseStarted
	shutterCloseFinished
	readoutStarted
	readoutFinished
	numBoundaries
)

var boundaryNames = [numBoundaries]string{
	"shutter open start", "shutter open end",
	"integration start", "integration end",
	"shutter close start", "shutter close end",
	"readout start", "readout end",
}

// run is the state of one simulated exposure. Each boundary gate is closed
// exactly once by the exposure goroutine; phase calls wait on them.
type run struct {
	expTime time.Duration
	shutter bool
	width   int
	height  int

	gates [numBoundaries]chan struct{}
	done  chan struct{}
	err   error

	pixels []uint16
}

func newRun(expTime time.Duration, shutter bool, width, height int) *run {
	r := &run{
		expTime: expTime,
		shutter: shutter,
		width:   width,
		height:  height,
		done:    make(chan struct{}),
	}
	for i := range r.gates {
		r.gates[i] = make(chan struct{})
	}
	return r
}

func (r *run) reach(b boundary) {
	close(r.gates[b])
}

// wait blocks until the exposure reaches b. If the exposure goroutine exits
// first its error is returned.
func (r *run) wait(ctx context.Context, b boundary) error {
	select {
	case <-r.gates[b]:
		return nil
	case <-r.done:
		select {
		case <-r.gates[b]:
			return nil
		default:
		}
		if r.err != nil {
			return r.err
		}
		return fmt.Errorf("exposure finished without reaching %s", boundaryNames[b])
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Camera simulates a cooled camera with a shutter.
type Camera struct {
	mu     sync.Mutex
	logger *log.Entry
	cfg    Config
	rng    *rand.Rand

	roi  driver.ROI
	live bool

	shutterState  int
	exposureState int
	readoutState  int

	current *run

	streaming    bool
	streamStart  time.Time
	streamSeq    uint64
	streamFrames [][]uint16
	streamHeader exposure.Tags
}

// New builds a simulator with the default configuration.
func New(logger *log.Entry) *Camera {
	if logger == nil {
		logger = log.WithField("driver", Name)
	}
	cfg := DefaultConfig()
	return &Camera{
		logger: logger,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		roi:    driver.ROI{Width: cfg.MaxWidth, Height: cfg.MaxHeight},
	}
}

// NewWithConfig builds a simulator from an already validated config.
func NewWithConfig(logger *log.Entry, cfg Config) (*Camera, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := New(logger)
	c.cfg = cfg
	c.roi = driver.ROI{Width: cfg.MaxWidth, Height: cfg.MaxHeight}
	return c, nil
}

func (c *Camera) Initialise(node *yaml.Node) error {
	cfg, err := DecodeConfig(node)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.roi = driver.ROI{Width: cfg.MaxWidth, Height: cfg.MaxHeight}
	return nil
}

func (c *Camera) MakeAndModel() string {
	return Name
}

func (c *Camera) Info() map[string]float64 {
	return map[string]float64{"lensFocalLength": 100.0, "lensDiameter": 50.0}
}

func (c *Camera) ROI() (driver.ROI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roi, nil
}

func (c *Camera) SetROI(roi driver.ROI) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if roi.Width <= 0 || roi.Height <= 0 || roi.Top < 0 || roi.Left < 0 ||
		roi.Left+roi.Width > c.cfg.MaxWidth || roi.Top+roi.Height > c.cfg.MaxHeight {
		return fmt.Errorf("roi %+v outside sensor %dx%d", roi, c.cfg.MaxWidth, c.cfg.MaxHeight)
	}
	c.roi = roi
	return nil
}

func (c *Camera) SetFullFrame() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roi = driver.ROI{Width: c.cfg.MaxWidth, Height: c.cfg.MaxHeight}
	return nil
}

func (c *Camera) StartLiveView() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = true
	return nil
}

func (c *Camera) StopLiveView() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = false
	return nil
}

func (c *Camera) StartTakeImage(ctx context.Context, expTime time.Duration, shutter bool, sensors string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		select {
		case <-c.current.done:
		default:
			return ErrExposureRunning
		}
	}
	r := newRun(expTime, shutter, c.roi.Width, c.roi.Height)
	c.current = r
	c.logger.WithField("sensors", sensors).Debugf("starting %s exposure", expTime)
	go c.simulate(r)
	return nil
}

func (c *Camera) active() (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, ErrNoExposure
	}
	return c.current, nil
}

func (c *Camera) waitFor(ctx context.Context, b boundary) error {
	r, err := c.active()
	if err != nil {
		return err
	}
	return r.wait(ctx, b)
}

func (c *Camera) StartShutterOpen(ctx context.Context) error {
	return c.waitFor(ctx, shutterOpenStarted)
}

func (c *Camera) EndShutterOpen(ctx context.Context) error {
	return c.waitFor(ctx, shutterOpenFinished)
}

func (c *Camera) StartIntegration(ctx context.Context) error {
	return c.waitFor(ctx, integrationStarted)
}

func (c *Camera) EndIntegration(ctx context.Context) error {
	return c.waitFor(ctx, integrationFinished)
}

func (c *Camera) StartShutterClose(ctx context.Context) error {
	return c.waitFor(ctx, shutterCloseStarted)
}

func (c *Camera) EndShutterClose(ctx context.Context) error {
	return c.waitFor(ctx, shutterCloseFinished)
}

func (c *Camera) StartReadout(ctx context.Context) error {
	return c.waitFor(ctx, readoutStarted)
}

func (c *Camera) EndReadout(ctx context.Context) (*exposure.Exposure, error) {
	r, err := c.active()
	if err != nil {
		return nil, err
	}
	if err := r.wait(ctx, readoutFinished); err != nil {
		return nil, err
	}
	c.mu.Lock()
	imgType := "OBJECT"
	if c.live {
		imgType = "LIVE"
	}
	c.mu.Unlock()
	tags := exposure.DefaultHeader().
		With("EXPTIME", r.expTime.Seconds()).
		With("IMGTYPE", imgType).
		With("CAMMODEL", Name).
		With("WIDTH", r.width).
		With("HEIGHT", r.height).
		With("ISO", 100)
	return exposure.FromPixels(r.pixels, r.width, r.height, tags)
}

func (c *Camera) EndTakeImage(ctx context.Context) error {
	r, err := c.active()
	if err != nil {
		return err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	return r.err
}

func (c *Camera) Close() error {
	c.mu.Lock()
	r := c.current
	c.streaming = false
	c.mu.Unlock()
	if r != nil {
		<-r.done
	}
	return nil
}

// simulate walks one exposure through every phase, opening each gate as the
// boundary is reached.
func (c *Camera) simulate(r *run) {
	defer close(r.done)
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	if r.shutter {
		if r.err = c.openShutter(r, seconds(cfg.ShutterTime)); r.err != nil {
			return
		}
	}
	if r.err = c.expose(r, cfg.BackgroundRate); r.err != nil {
		return
	}
	if r.shutter {
		if r.err = c.closeShutter(r, seconds(cfg.ShutterTime)); r.err != nil {
			return
		}
	}
	r.err = c.readout(r, seconds(cfg.ReadoutTime))
	c.logger.Debug("done taking simulated exposure")
}

func (c *Camera) step(counter *int, delta int, total time.Duration) {
	c.mu.Lock()
	*counter += delta
	c.mu.Unlock()
	time.Sleep(total / phaseSteps)
}

func (c *Camera) openShutter(r *run, d time.Duration) error {
	c.mu.Lock()
	state := c.shutterState
	c.mu.Unlock()
	switch {
	case state == phaseSteps:
		return errors.New("shutter already open")
	case state != 0:
		return fmt.Errorf("shutter state is %d, expected 0", state)
	}
	r.reach(shutterOpenStarted)
	for i := 0; i < phaseSteps; i++ {
		c.step(&c.shutterState, 1, d)
	}
	r.reach(shutterOpenFinished)
	return nil
}

func (c *Camera) closeShutter(r *run, d time.Duration) error {
	c.mu.Lock()
	state := c.shutterState
	c.mu.Unlock()
	if state == 0 {
		return errors.New("shutter already closed")
	}
	r.reach(shutterCloseStarted)
	for i := 0; i < phaseSteps; i++ {
		c.step(&c.shutterState, -1, d)
	}
	r.reach(shutterCloseFinished)
	return nil
}

func (c *Camera) expose(r *run, rate float64) error {
	c.mu.Lock()
	if c.exposureState != 0 {
		c.mu.Unlock()
		return errors.New("ongoing exposure")
	}
	c.mu.Unlock()

	r.reach(integrationStarted)
	n := r.width * r.height
	if r.expTime <= 0 {
		r.pixels = make([]uint16, n)
		c.mu.Lock()
		c.exposureState = phaseSteps
		c.mu.Unlock()
		r.reach(integrationFinished)
		return nil
	}

	r.pixels = c.generate(n, r.expTime, rate)
	for i := 0; i < phaseSteps; i++ {
		c.step(&c.exposureState, 1, r.expTime)
	}
	r.reach(integrationFinished)
	return nil
}

func (c *Camera) readout(r *run, d time.Duration) error {
	c.mu.Lock()
	readout, exposed := c.readoutState, c.exposureState
	c.mu.Unlock()
	switch {
	case readout != 0:
		return errors.New("ongoing readout")
	case exposed != phaseSteps:
		return fmt.Errorf("exposure not completed, state %d, expected %d", exposed, phaseSteps)
	}
	r.reach(readoutStarted)
	for i := 0; i < phaseSteps; i++ {
		c.step(&c.readoutState, 1, d)
	}
	c.mu.Lock()
	c.exposureState = 0
	c.readoutState = 0
	c.mu.Unlock()
	r.reach(readoutFinished)
	return nil
}

func (c *Camera) generate(n int, expTime time.Duration, rate float64) []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	pixels := make([]uint16, n)
	if rate == 0 {
		for i := range pixels {
			pixels[i] = uint16(c.rng.Intn(1 << 16))
		}
		return pixels
	}
	level := rate * expTime.Seconds()
	for i := range pixels {
		v := level + c.rng.NormFloat64()*10
		switch {
		case v < 0:
			v = 0
		case v > 65535:
			v = 65535
		}
		pixels[i] = uint16(v)
	}
	return pixels
}
