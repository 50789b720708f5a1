package liveview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bilbercode/gencam/internal/exposure"
	"github.com/bilbercode/gencam/internal/fault"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

var (
	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "liveview_frames_sent",
		Namespace: "gencam",
		Help:      "number of live view frames written to viewers",
	})
	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "liveview_frames_dropped",
		Namespace: "gencam",
		Help:      "number of live view exposures overwritten before transmission",
	})
)

const (
	DefaultMaxViewers = 16
	writeTimeout      = 10 * time.Second
)

// Broadcaster pushes the most recent exposure to every connected viewer.
//
// It holds a single slot. A viewer that is still writing the previous frame
// when a new one arrives skips every frame in between.
type Broadcaster struct {
	logger     *log.Entry
	maxViewers int

	mu       sync.Mutex
	cond     *sync.Cond
	listener net.Listener
	closed   bool
	pending  *exposure.Exposure
	gen      uint64
	// last generation each viewer has written
	viewers map[uuid.UUID]uint64
	conns   map[uuid.UUID]net.Conn
}

func NewBroadcaster(maxViewers int, logger *log.Entry) *Broadcaster {
	if maxViewers <= 0 {
		maxViewers = DefaultMaxViewers
	}
	if logger == nil {
		logger = log.WithField("component", "liveview")
	}
	b := &Broadcaster{
		logger:     logger,
		maxViewers: maxViewers,
		viewers:    make(map[uuid.UUID]uint64),
		conns:      make(map[uuid.UUID]net.Conn),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Start listens on addr and serves viewers until ctx is done.
func (b *Broadcaster) Start(ctx context.Context, addr string) error {
	if err := b.Listen(ctx, addr); err != nil {
		return err
	}
	return b.Serve(ctx)
}

// Listen binds the listening socket. SendExposure is accepted from here on.
func (b *Broadcaster) Listen(ctx context.Context, addr string) error {
	conf := net.ListenConfig{}
	listener, err := conf.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on address %s: %w", addr, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != nil {
		listener.Close()
		return errors.New("live view broadcaster already listening")
	}
	b.listener = netutil.LimitListener(listener, b.maxViewers)
	b.closed = false
	b.logger.Infof("live view listening on %s", listener.Addr())
	return nil
}

// Addr of the listening socket, or nil before Listen.
func (b *Broadcaster) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Serve accepts viewers until ctx is done or Stop is called.
func (b *Broadcaster) Serve(ctx context.Context) error {
	b.mu.Lock()
	listener := b.listener
	b.mu.Unlock()
	if listener == nil {
		return fault.ErrBroadcasterNotStarted
	}

	go func() {
		<-ctx.Done()
		b.stop(listener)
	}()
	for {
		nc, err := listener.Accept()
		switch {
		case err == nil:
			go b.handle(nc)
		case b.isClosed():
			return nil
		default:
			return err
		}
	}
}

func (b *Broadcaster) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// SendExposure places exp in the slot, replacing any exposure not yet
// written to every viewer.
func (b *Broadcaster) SendExposure(exp *exposure.Exposure) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil || b.closed {
		return fault.ErrBroadcasterNotStarted
	}
	if b.pending != nil {
		framesDropped.Inc()
		if len(b.viewers) > 0 {
			b.logger.Warn("live view exposure overwritten before it was sent")
		} else {
			b.logger.Debug("live view exposure overwritten, no viewers connected")
		}
	}
	b.pending = exp
	b.gen++
	b.cond.Broadcast()
	return nil
}

// Stop closes the listener and every viewer connection.
func (b *Broadcaster) Stop() {
	b.stop(nil)
}

// stop shuts down only if l is still the active listener, or
// unconditionally when l is nil.
func (b *Broadcaster) stop(l net.Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil || (l != nil && b.listener != l) {
		return
	}
	b.closed = true
	b.listener.Close()
	b.listener = nil
	b.pending = nil
	for _, nc := range b.conns {
		nc.Close()
	}
	b.cond.Broadcast()
}

func (b *Broadcaster) handle(nc net.Conn) {
	id := uuid.New()
	logger := b.logger.WithField("viewer", nc.RemoteAddr().String())

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		nc.Close()
		return
	}
	b.viewers[id] = 0
	b.conns[id] = nc
	b.mu.Unlock()
	logger.Info("live view viewer connected")

	gone := make(chan struct{})
	defer func() {
		nc.Close()
		b.mu.Lock()
		delete(b.viewers, id)
		delete(b.conns, id)
		b.release()
		b.mu.Unlock()
		logger.Info("live view viewer disconnected")
	}()

	// viewers never send anything; a read returning means the peer hung up
	go func() {
		_, _ = io.Copy(io.Discard, nc)
		close(gone)
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	}()

	for {
		exp, gen, ok := b.next(id, gone)
		if !ok {
			return
		}
		_ = nc.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := WriteFrame(nc, exp); err != nil {
			logger.WithError(err).Warn("failed to send live view frame")
			return
		}
		framesSent.Inc()

		b.mu.Lock()
		b.viewers[id] = gen
		b.release()
		b.mu.Unlock()
	}
}

// next waits for a generation the viewer has not written yet.
func (b *Broadcaster) next(id uuid.UUID, gone <-chan struct{}) (*exposure.Exposure, uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		select {
		case <-gone:
			return nil, 0, false
		default:
		}
		if b.closed {
			return nil, 0, false
		}
		if b.pending != nil && b.viewers[id] < b.gen {
			return b.pending, b.gen, true
		}
		b.cond.Wait()
	}
}

// release clears the slot once every connected viewer has written it. Must be
// called with mu held.
func (b *Broadcaster) release() {
	if b.pending == nil || len(b.viewers) == 0 {
		return
	}
	for _, gen := range b.viewers {
		if gen < b.gen {
			return
		}
	}
	b.pending = nil
}
