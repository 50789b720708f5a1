package streaming

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bilbercode/gencam/internal/driver"
	"github.com/bilbercode/gencam/internal/exposure"
	"github.com/bilbercode/gencam/internal/fault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	framesProduced = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "streaming_frames_produced",
		Namespace: "gencam",
		Help:      "number of frames pulled from the streaming driver",
	})
	framesConverted = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "streaming_frames_converted",
		Namespace: "gencam",
		Help:      "number of streamed frames converted to exposures",
	})
)

const (
	DefaultQueueSize   = 64
	DefaultStopTimeout = 30 * time.Second
)

var ErrNotRunning = errors.New("streaming bridge not running")

// Options tune a Bridge. Zero values select the defaults.
type Options struct {
	QueueSize   int
	StopTimeout time.Duration
	// Period overrides FramePeriod.
	Period func(width, height int, expTime time.Duration) time.Duration
}

// Bridge moves frames from a free-running driver loop to ConvertNext callers.
// The producer runs on its own locked OS thread and only ever blocks on the
// queue being full.
type Bridge struct {
	source driver.Streamer
	opts   Options
	logger *log.Entry

	mu       sync.Mutex
	running  atomic.Bool
	cancel   context.CancelFunc
	queue    *Queue
	start    time.Time
	expTime  time.Duration
	done     chan struct{}
	err      error
	captured atomic.Uint64
}

func NewBridge(source driver.Streamer, opts Options, logger *log.Entry) *Bridge {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Period == nil {
		opts.Period = FramePeriod
	}
	if logger == nil {
		logger = log.WithField("component", "streaming")
	}
	return &Bridge{source: source, opts: opts, logger: logger}
}

// Start puts the driver in streaming mode and arms the producer.
func (b *Bridge) Start(expTime time.Duration, static exposure.Tags) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running.Load() {
		return errors.New("streaming bridge already running")
	}
	if err := b.source.StartStreamingMode(expTime, static); err != nil {
		return &fault.DriverFault{Op: "StartStreamingMode", Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.queue = NewQueue(b.opts.QueueSize, 1)
	b.start = time.Now()
	b.expTime = expTime
	b.done = make(chan struct{})
	b.err = nil
	b.captured.Store(0)
	b.running.Store(true)

	go b.produce(ctx, b.queue, b.done)
	b.logger.Infof("streaming started with %s exposures", expTime)
	return nil
}

func (b *Bridge) produce(ctx context.Context, queue *Queue, done chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)
	defer queue.Close()

	for b.running.Load() {
		frame, err := b.source.NextStreamFrame(ctx)
		if err != nil {
			if !b.running.Load() {
				return
			}
			b.mu.Lock()
			b.err = &fault.DriverFault{Op: "NextStreamFrame", Err: err}
			b.mu.Unlock()
			b.logger.WithError(err).Error("streaming producer failed")
			return
		}
		b.captured.Add(1)
		framesProduced.Inc()
		if err := queue.Put(frame); err != nil {
			return
		}

		timer := time.NewTimer(b.opts.Period(frame.Width, frame.Height, b.expTime))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ConvertNext waits for the next frame in sequence order and turns it into
// an exposure stamped with its begin and end times.
func (b *Bridge) ConvertNext(ctx context.Context) (*exposure.Exposure, error) {
	b.mu.Lock()
	queue, start, expTime := b.queue, b.start, b.expTime
	b.mu.Unlock()
	if queue == nil {
		return nil, ErrNotRunning
	}

	frame, err := queue.Get(ctx)
	if errors.Is(err, ErrQueueClosed) {
		if perr := b.Err(); perr != nil {
			return nil, perr
		}
		return nil, ErrNotRunning
	}
	if err != nil {
		return nil, err
	}

	begin := start.Add(frame.CaptureOffset).UTC()
	end := begin.Add(expTime)
	tags := b.source.Header().
		With("DATE-OBS", begin.Format(exposure.DateTimeFormat)).
		With("DATE-BEG", begin.Format(exposure.DateTimeFormat)).
		With("DATE-END", end.Format(exposure.DateTimeFormat)).
		With("CURINDEX", frame.Sequence).
		With("MAXINDEX", b.captured.Load())

	exp, err := exposure.FromPixels(frame.Pixels, frame.Width, frame.Height, tags)
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame %d: %w", frame.Sequence, err)
	}
	exp.IntegrationEnd = end
	framesConverted.Inc()
	b.logger.Debugf("converted frame %d", frame.Sequence)
	return exp, nil
}

// Running reports whether the producer is armed.
func (b *Bridge) Running() bool {
	return b.running.Load()
}

// Err is the fault that ended the producer, if any.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Stop disarms the producer and waits for it to exit. A producer that is
// still running after the stop timeout is reported as ErrBridgeStopTimeout.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if !b.running.Load() {
		b.mu.Unlock()
		return nil
	}
	b.running.Store(false)
	b.cancel()
	b.queue.Close()
	done := b.done
	b.mu.Unlock()

	timer := time.NewTimer(b.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		return fault.New(fault.CodeBridgeStopTimeout,
			fmt.Sprintf("streaming producer still running after %s", b.opts.StopTimeout),
			fault.ErrBridgeStopTimeout)
	}

	if err := b.source.StopStreamingMode(); err != nil {
		return &fault.DriverFault{Op: "StopStreamingMode", Err: err}
	}
	b.logger.Info("streaming stopped")
	return nil
}
