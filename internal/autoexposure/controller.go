package autoexposure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bilbercode/gencam/internal/exposure"
	"github.com/bilbercode/gencam/internal/fault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "autoexposure_cycles",
		Namespace: "gencam",
		Help:      "auto exposure cycles by outcome",
	}, []string{"outcome"})
)

// Exposer takes one exposure at the given exposure time.
type Exposer interface {
	TakeExposure(ctx context.Context, expTime time.Duration) (*exposure.Exposure, error)
}

// ExposerFunc adapts a plain function to Exposer.
type ExposerFunc func(ctx context.Context, expTime time.Duration) (*exposure.Exposure, error)

func (f ExposerFunc) TakeExposure(ctx context.Context, expTime time.Duration) (*exposure.Exposure, error) {
	return f(ctx, expTime)
}

// MeasureFunc reduces an exposure to its background level.
type MeasureFunc func(*exposure.Exposure) float64

// AcceptFunc receives every exposure whose background landed in the band.
type AcceptFunc func(ctx context.Context, exp *exposure.Exposure) error

// Median is the default background measurement.
func Median(exp *exposure.Exposure) float64 {
	return exp.Median()
}

type Config struct {
	MinExpTime    time.Duration
	MaxExpTime    time.Duration
	MinBackground float64
	MaxBackground float64
	// Interval is the cadence, measured from the start of each cycle.
	Interval time.Duration
}

func (c Config) Validate() error {
	switch {
	case c.MinExpTime <= 0:
		return fmt.Errorf("minimum exposure time must be positive, got %s", c.MinExpTime)
	case c.MaxExpTime < c.MinExpTime:
		return fmt.Errorf("maximum exposure time %s below minimum %s", c.MaxExpTime, c.MinExpTime)
	case c.MaxBackground < c.MinBackground:
		return fmt.Errorf("background band [%g, %g] is empty", c.MinBackground, c.MaxBackground)
	case c.Interval < 0:
		return fmt.Errorf("negative interval %s", c.Interval)
	}
	return nil
}

// State is the controller's view after the last exposure.
type State struct {
	ExpTime    time.Duration
	Background float64
	Converged  bool
}

// Result describes one cycle.
type Result struct {
	Accepted   bool
	ExpTime    time.Duration
	Background float64
	Attempts   int
}

// Controller repeatedly exposes, measures the background and adjusts the
// exposure time until the background lands inside the configured band.
type Controller struct {
	cfg     Config
	exposer Exposer
	measure MeasureFunc
	accept  AcceptFunc
	logger  *log.Entry

	mu    sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}
	err   error
}

// New builds a controller. A nil measure uses Median; a nil accept drops
// accepted exposures.
func New(cfg Config, exposer Exposer, measure MeasureFunc, accept AcceptFunc, logger *log.Entry) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if measure == nil {
		measure = Median
	}
	if accept == nil {
		accept = func(context.Context, *exposure.Exposure) error { return nil }
	}
	if logger == nil {
		logger = log.WithField("component", "autoexposure")
	}
	return &Controller{
		cfg:     cfg,
		exposer: exposer,
		measure: measure,
		accept:  accept,
		logger:  logger,
		state:   State{ExpTime: cfg.MinExpTime},
	}, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start runs the cadence loop in the background.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		select {
		case <-c.done:
		default:
			return errors.New("auto exposure already running")
		}
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.err = nil
	go c.run(ctx, c.stop, c.done)
	return nil
}

// Stop asks the loop to finish and waits for the current cycle to complete.
// The error that ended the loop, if any, is returned.
func (c *Controller) Stop() error {
	c.mu.Lock()
	stop, done := c.stop, c.done
	if stop != nil {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	return c.Err()
}

// Done is closed when the loop exits.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err is the fault that stopped the loop.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	c.logger.Info("auto exposure started")
	defer c.logger.Info("auto exposure stopped")

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		res, err := c.RunCycle(ctx)
		switch {
		case errors.Is(err, fault.ErrConvergence):
			cycles.WithLabelValues("gave_up").Inc()
			c.logger.WithError(err).Warnf("dropping exposure after %d attempts", res.Attempts)
		case err != nil:
			cycles.WithLabelValues("fault").Inc()
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.logger.WithError(err).Error("auto exposure loop failed")
			return
		default:
			cycles.WithLabelValues("accepted").Inc()
		}

		wait := c.cfg.Interval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunCycle exposes until the background is in band or no further adjustment
// is possible. A cycle that gives up returns ErrConvergence and drops the
// exposure.
func (c *Controller) RunCycle(ctx context.Context) (Result, error) {
	c.mu.Lock()
	expTime := c.state.ExpTime
	c.mu.Unlock()

	tried := make(map[time.Duration]bool)
	res := Result{}
	for {
		exp, err := c.exposer.TakeExposure(ctx, expTime)
		if err != nil {
			return res, err
		}
		tried[expTime] = true
		bg := c.measure(exp)
		res.Attempts++
		res.ExpTime = expTime
		res.Background = bg

		inBand := bg >= c.cfg.MinBackground && bg <= c.cfg.MaxBackground
		c.mu.Lock()
		c.state = State{ExpTime: expTime, Background: bg, Converged: inBand}
		c.mu.Unlock()

		if inBand {
			c.logger.Debugf("background %g in band at %s", bg, expTime)
			if err := c.accept(ctx, exp); err != nil {
				return res, fmt.Errorf("failed to accept exposure: %w", err)
			}
			res.Accepted = true
			return res, nil
		}

		next := c.adjust(expTime, bg)
		if tried[next] {
			return res, fmt.Errorf("%w: background %g outside [%g, %g] at %s",
				fault.ErrConvergence, bg, c.cfg.MinBackground, c.cfg.MaxBackground, expTime)
		}
		c.logger.Debugf("background %g out of band at %s, trying %s", bg, expTime, next)
		expTime = next
	}
}

// adjust halves the exposure time when too bright and doubles it when too
// dark, clamped to the configured range.
func (c *Controller) adjust(expTime time.Duration, bg float64) time.Duration {
	if bg > c.cfg.MaxBackground {
		next := expTime / 2
		if next < c.cfg.MinExpTime {
			next = c.cfg.MinExpTime
		}
		return next
	}
	next := expTime * 2
	if next > c.cfg.MaxExpTime {
		next = c.cfg.MaxExpTime
	}
	return next
}
