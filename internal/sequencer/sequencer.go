package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bilbercode/gencam/internal/driver"
	"github.com/bilbercode/gencam/internal/exposure"
	"github.com/bilbercode/gencam/internal/fault"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Phases in the order an exposure walks through them.
var Phases = []Phase{PhaseShutterOpen, PhaseIntegrate, PhaseShutterClose, PhaseReadout}

// Request describes one exposure.
type Request struct {
	ExpTime time.Duration
	Shutter bool
	Sensors string

	// ImageIndex and NumImages place the exposure inside a sequence. They are
	// stamped on the header when NumImages is set.
	ImageIndex int
	NumImages  int

	// Image is copied onto every phase event of the exposure.
	Image Image

	// Token is a lock token the caller already holds. When nil the sequencer
	// takes the lock itself and gives it back at the end of the exposure.
	Token *Token
}

// Sequencer drives one camera through the phases of a single exposure at a
// time.
type Sequencer struct {
	cam    driver.Camera
	lock   *Lock
	logger *log.Entry

	mu          sync.Mutex
	state       State
	active      *Handle
	subscribers map[uuid.UUID]func(Event)
}

func New(cam driver.Camera, lock *Lock, logger *log.Entry) *Sequencer {
	if lock == nil {
		lock = NewLock()
	}
	if logger == nil {
		logger = log.WithField("component", "sequencer")
	}
	return &Sequencer{
		cam:         cam,
		lock:        lock,
		logger:      logger,
		subscribers: make(map[uuid.UUID]func(Event)),
	}
}

// Lock is the camera-busy lock guarding the driver.
func (s *Sequencer) Lock() *Lock {
	return s.lock
}

func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers h for every phase event. The returned func removes it.
// Handlers run on the goroutine driving the exposure and must not block.
func (s *Sequencer) Subscribe(h func(Event)) func() {
	id := uuid.New()
	s.mu.Lock()
	s.subscribers[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Sequencer) publish(e Event) {
	s.mu.Lock()
	handlers := make([]func(Event), 0, len(s.subscribers))
	for _, h := range s.subscribers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}

// StartTakeImage begins an exposure. It fails with ErrSequencerBusy when the
// camera lock is held elsewhere or another exposure is in flight.
func (s *Sequencer) StartTakeImage(ctx context.Context, req Request) (*Handle, error) {
	if req.ExpTime < 0 {
		return nil, fmt.Errorf("invalid exposure time %s", req.ExpTime)
	}

	token, owned := req.Token, false
	if token == nil {
		t, err := s.lock.TryAcquire("sequencer")
		if err != nil {
			return nil, err
		}
		token, owned = t, true
	} else if !s.lock.Holds(token) {
		return nil, fmt.Errorf("%w: token %s does not hold the camera", fault.ErrSequencerBusy, token.ID)
	}

	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		if owned {
			token.Release()
		}
		return nil, fmt.Errorf("%w: exposure in progress (%s)", fault.ErrSequencerBusy, state)
	}
	h := &Handle{seq: s, req: req, token: token, ownsToken: owned}
	s.state = TakeImageStarted
	s.active = h
	s.mu.Unlock()

	s.logger.Debugf("StartTakeImage %s shutter=%t", req.ExpTime, req.Shutter)
	if err := s.cam.StartTakeImage(context.WithoutCancel(ctx), req.ExpTime, req.Shutter, req.Sensors); err != nil {
		h.abort()
		return nil, &fault.DriverFault{Op: "StartTakeImage", Err: err}
	}
	h.emit(EventStartTakeImage)
	return h, nil
}

// TakeImage runs a whole exposure: start, every phase, end.
func (s *Sequencer) TakeImage(ctx context.Context, req Request) (*exposure.Exposure, error) {
	h, err := s.StartTakeImage(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, p := range Phases {
		if err := h.RunPhase(ctx, p); err != nil {
			return nil, err
		}
	}
	return h.EndTakeImage(ctx)
}

// Handle is the exposure currently occupying the sequencer.
type Handle struct {
	seq       *Sequencer
	req       Request
	token     *Token
	ownsToken bool

	mu   sync.Mutex
	done bool
	exp  *exposure.Exposure

	acquisitionStart time.Time
	integrationEnd   time.Time
	readoutStart     time.Time
	readoutEnd     time.Time
}

// StartPhase runs the Start half of p. The previous phase must have ended.
func (h *Handle) StartPhase(ctx context.Context, p Phase) error {
	t, ok := startTransitions[p]
	if !ok {
		return fmt.Errorf("unknown phase %d", p)
	}
	return h.step(ctx, p, t)
}

// EndPhase runs the End half of p.
func (h *Handle) EndPhase(ctx context.Context, p Phase) error {
	t, ok := endTransitions[p]
	if !ok {
		return fmt.Errorf("unknown phase %d", p)
	}
	return h.step(ctx, p, t)
}

// RunPhase runs both halves of p.
func (h *Handle) RunPhase(ctx context.Context, p Phase) error {
	if err := h.StartPhase(ctx, p); err != nil {
		return err
	}
	return h.EndPhase(ctx, p)
}

func (h *Handle) step(ctx context.Context, p Phase, t transition) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return fmt.Errorf("%w: exposure already finished", fault.ErrPhaseOrder)
	}
	if p.usesShutter() && !h.req.Shutter {
		return nil
	}
	if err := h.check(t.required(h.req.Shutter), t.driverOp); err != nil {
		h.abort()
		return err
	}

	h.seq.logger.Debug(t.driverOp)
	if err := h.call(context.WithoutCancel(ctx), t.event); err != nil {
		h.abort()
		return &fault.DriverFault{Op: t.driverOp, Err: err}
	}
	h.seq.mu.Lock()
	h.seq.state = t.to
	h.seq.mu.Unlock()
	h.emit(t.event)
	return nil
}

func (h *Handle) call(ctx context.Context, ev EventType) error {
	cam := h.seq.cam
	switch ev {
	case EventStartShutterOpen:
		return cam.StartShutterOpen(ctx)
	case EventEndShutterOpen:
		return cam.EndShutterOpen(ctx)
	case EventStartIntegration:
		start := time.Now()
		if err := cam.StartIntegration(ctx); err != nil {
			return err
		}
		h.acquisitionStart = start
	case EventEndIntegration:
		if err := cam.EndIntegration(ctx); err != nil {
			return err
		}
		h.integrationEnd = time.Now()
	case EventStartShutterClose:
		return cam.StartShutterClose(ctx)
	case EventEndShutterClose:
		return cam.EndShutterClose(ctx)
	case EventStartReadout:
		if err := cam.StartReadout(ctx); err != nil {
			return err
		}
		h.readoutStart = time.Now()
	case EventEndReadout:
		exp, err := cam.EndReadout(ctx)
		if err != nil {
			return err
		}
		if exp == nil {
			return errors.New("driver returned no exposure")
		}
		h.exp = exp
		h.readoutEnd = time.Now()
	}
	return nil
}

// EndTakeImage collects the exposure, stamps the phase timestamps on it and
// returns the sequencer to Idle.
func (h *Handle) EndTakeImage(ctx context.Context) (*exposure.Exposure, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return nil, fmt.Errorf("%w: exposure already finished", fault.ErrPhaseOrder)
	}
	if err := h.check(ReadoutComplete, "EndTakeImage"); err != nil {
		h.abort()
		return nil, err
	}

	h.seq.logger.Debug("EndTakeImage")
	if err := h.seq.cam.EndTakeImage(context.WithoutCancel(ctx)); err != nil {
		h.abort()
		return nil, &fault.DriverFault{Op: "EndTakeImage", Err: err}
	}
	exp := h.exp
	if err := exp.StampTimestamps(h.integrationEnd, h.readoutStart, h.readoutEnd); err != nil {
		h.abort()
		return nil, err
	}
	if h.req.NumImages > 0 {
		_ = exp.SetTag("CURINDEX", h.req.ImageIndex)
		_ = exp.SetTag("MAXINDEX", h.req.NumImages)
	}

	h.seq.mu.Lock()
	h.seq.state = TakeImageDone
	h.seq.mu.Unlock()
	h.abort()
	h.emit(EventEndTakeImage)
	return exp, nil
}

// check verifies the handle still owns the sequencer and the lock and that
// the sequencer is in the required state.
func (h *Handle) check(required State, op string) error {
	s := h.seq
	if !s.lock.Holds(h.token) {
		return fmt.Errorf("%w: %s called without holding the camera lock", fault.ErrSequencerBusy, op)
	}
	s.mu.Lock()
	state, active := s.state, s.active
	s.mu.Unlock()
	if active != h {
		return fmt.Errorf("%w: %s on a stale exposure", fault.ErrPhaseOrder, op)
	}
	if state != required {
		return fmt.Errorf("%w: %s requires state %s, sequencer is %s", fault.ErrPhaseOrder, op, required, state)
	}
	return nil
}

// abort finishes the handle: Idle is restored and a lock taken by
// StartTakeImage is released.
func (h *Handle) abort() {
	h.done = true
	s := h.seq
	s.mu.Lock()
	if s.active == h {
		s.active = nil
		s.state = Idle
	}
	s.mu.Unlock()
	if h.ownsToken {
		h.token.Release()
	}
}

func (h *Handle) emit(t EventType) {
	h.seq.publish(Event{
		Type:             t,
		Time:             time.Now(),
		ExpTime:          h.req.ExpTime,
		ImageIndex:       h.req.ImageIndex,
		NumImages:        h.req.NumImages,
		Image:            h.req.Image,
		AcquisitionStart: h.acquisitionStart,
		IntegrationEnd:   h.integrationEnd,
		ReadoutStart:     h.readoutStart,
		ReadoutEnd:       h.readoutEnd,
	})
}
