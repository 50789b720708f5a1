package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bilbercode/gencam/internal/autoexposure"
	"github.com/bilbercode/gencam/internal/driver"
	"github.com/bilbercode/gencam/internal/exposure"
	"github.com/bilbercode/gencam/internal/fault"
	"github.com/bilbercode/gencam/internal/liveview"
	"github.com/bilbercode/gencam/internal/sequencer"
	"github.com/bilbercode/gencam/internal/storage"
	"github.com/bilbercode/gencam/internal/streaming"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	imagesTaken = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "images_taken",
		Namespace: "gencam",
		Help:      "number of images taken on command",
	})
	imagesSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "images_saved",
		Namespace: "gencam",
		Help:      "number of images written to disk",
	}, []string{"mode"})
	faultsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "faults_raised",
		Namespace: "gencam",
		Help:      "number of times the camera went into fault",
	}, []string{"code"})
)

type liveLoop struct {
	token    *sequencer.Token
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// halt asks the loop to finish after the exposure in flight. Safe to call
// from several goroutines.
func (l *liveLoop) halt() {
	l.stopOnce.Do(func() { close(l.stop) })
}

type autoLoop struct {
	ctrl  *autoexposure.Controller
	token *sequencer.Token
	done  chan struct{}
}

type streamLoop struct {
	bridge *streaming.Bridge
	token  *sequencer.Token
	name   string
	done   chan struct{}
}

type service struct {
	cam         driver.Camera
	seq         *sequencer.Sequencer
	broadcaster *liveview.Broadcaster
	saver       *storage.Saver
	settings    Settings
	counter     storage.Counter
	logger      *log.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	subscribers map[uuid.UUID]func(*Event)
	fault       *fault.Fault
	live        *liveLoop
	auto        *autoLoop
	stream      *streamLoop
	closed      bool
}

// NewService wires a camera to its sequencer, live view server and image
// store. A nil broadcaster gets one with the default viewer limit.
func NewService(cam driver.Camera, broadcaster *liveview.Broadcaster, saver *storage.Saver, settings Settings, logger *log.Entry) Service {
	if logger == nil {
		logger = log.WithField("component", "camera")
	}
	if broadcaster == nil {
		broadcaster = liveview.NewBroadcaster(liveview.DefaultMaxViewers, logger.WithField("component", "liveview"))
	}
	if settings.Controller == "" {
		settings.Controller = "O"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &service{
		cam:         cam,
		seq:         sequencer.New(cam, nil, logger.WithField("component", "sequencer")),
		broadcaster: broadcaster,
		saver:       saver,
		settings:    settings,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[uuid.UUID]func(*Event)),
	}
	s.seq.Subscribe(func(e sequencer.Event) {
		s.publish(&Event{
			Type:             EventType(e.Type),
			Time:             e.Time,
			ExpTime:          e.ExpTime,
			ImageIndex:       e.ImageIndex,
			NumImages:        e.NumImages,
			ImageName:        e.Image.Name,
			ImageSource:      e.Image.Source,
			ImageController:  e.Image.Controller,
			ImageNumber:      e.Image.Number,
			ImageDate:        e.Image.Date,
			AdditionalKeys:   e.Image.AdditionalKeys,
			AdditionalValues: e.Image.AdditionalValues,
			AcquisitionStart: e.AcquisitionStart,
			IntegrationEnd:   e.IntegrationEnd,
			ReadoutStart:     e.ReadoutStart,
			ReadoutEnd:       e.ReadoutEnd,
		})
	})
	return s
}

// Start announces the camera and blocks until ctx is done, then stops every
// running loop and closes the driver.
func (s *service) Start(ctx context.Context) error {
	info := s.Info()
	s.publish(&Event{Type: EventCameraInfo, Info: &info})
	s.logger.Infof("camera %s ready", info.MakeAndModel)
	<-ctx.Done()
	return s.Close()
}

func (s *service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.StopLiveView(); err != nil && !errors.Is(err, ErrNotActive) {
		s.logger.WithError(err).Warn("failed to stop live view")
	}
	if err := s.StopAutoExposure(); err != nil && !errors.Is(err, ErrNotActive) {
		s.logger.WithError(err).Warn("failed to stop auto exposure")
	}
	if err := s.StopStreamingMode(); err != nil && !errors.Is(err, ErrNotActive) {
		s.logger.WithError(err).Warn("failed to stop streaming")
	}
	s.cancel()
	if err := s.cam.Close(); err != nil {
		return fmt.Errorf("failed to close camera: %w", err)
	}
	return nil
}

func (s *service) Info() Info {
	return Info{MakeAndModel: s.cam.MakeAndModel(), Parameters: s.cam.Info()}
}

// Subscribe registers h for every outward event. Handlers run on the
// goroutine that produced the event and must not block.
func (s *service) Subscribe(h func(*Event)) func() {
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

func (s *service) publish(e *Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.mu.Lock()
	handlers := make([]func(*Event), 0, len(s.subscribers))
	for _, h := range s.subscribers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}

func (s *service) Fault() *fault.Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

func (s *service) ClearFault() error {
	s.mu.Lock()
	if s.fault == nil {
		s.mu.Unlock()
		return nil
	}
	s.fault = nil
	s.mu.Unlock()
	s.logger.Info("fault cleared")
	s.publish(&Event{Type: EventFaultCleared})
	return nil
}

func (s *service) raise(f *fault.Fault) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
	faultsRaised.WithLabelValues(f.Code.String()).Inc()
	s.logger.WithError(f.Err).Errorf("fault %d: %s", f.Code, f.Report)
	s.publish(&Event{Type: EventFault, Fault: f})
}

// checkIdle must be called with s.mu held.
func (s *service) checkIdle() error {
	switch {
	case s.closed:
		return errors.New("camera service closed")
	case s.fault != nil:
		return fmt.Errorf("%w: %s", ErrFaultState, s.fault.Report)
	case s.live != nil:
		return fmt.Errorf("%w: live view active", fault.ErrSequencerBusy)
	case s.auto != nil:
		return fmt.Errorf("%w: auto exposure active", fault.ErrSequencerBusy)
	case s.stream != nil:
		return fmt.Errorf("%w: streaming active", fault.ErrSequencerBusy)
	}
	return nil
}

// TakeImages takes a sequence of exposures and saves each one. The returned
// names are those of the images written so far, also on error.
func (s *service) TakeImages(ctx context.Context, req TakeImagesRequest) ([]string, error) {
	if req.NumImages < 1 {
		return nil, fmt.Errorf("%w: numImages must be at least 1", ErrInvalidRequest)
	}
	if req.ExpTime < 0 {
		return nil, fmt.Errorf("%w: negative exposure time", ErrInvalidRequest)
	}
	s.mu.Lock()
	if err := s.checkIdle(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	token, err := s.seq.Lock().TryAcquire("takeImages")
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer token.Release()

	dayObs, seqs := s.counter.Next(req.NumImages, time.Now())
	names := storage.ImageNames(s.settings.ImageSource, dayObs, seqs)
	keys, values := "", ""
	if req.KeyValueMap != "" {
		keys, values = storage.ParseKeyValueMap(req.KeyValueMap)
	}

	saved := make([]string, 0, len(names))
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return saved, err
		}
		exp, err := s.seq.TakeImage(ctx, sequencer.Request{
			ExpTime:    req.ExpTime,
			Shutter:    req.Shutter,
			Sensors:    req.Sensors,
			ImageIndex: i + 1,
			NumImages:  req.NumImages,
			Image: sequencer.Image{
				Name:             name,
				Source:           s.settings.ImageSource,
				Controller:       s.settings.Controller,
				Number:           seqs[i],
				Date:             dayObs,
				AdditionalKeys:   keys,
				AdditionalValues: values,
			},
			Token: token,
		})
		if err != nil {
			return saved, err
		}
		imagesTaken.Inc()
		path, err := s.save(exp, name, dayObs, seqs[i], "takeImages")
		if err != nil {
			return saved, err
		}
		saved = append(saved, name)
		s.publish(&Event{
			Type:             EventImageSaved,
			ImageName:        name,
			ImageSource:      s.settings.ImageSource,
			ImageController:  s.settings.Controller,
			ImageNumber:      seqs[i],
			ImageDate:        dayObs,
			Path:             path,
			ImageIndex:       i + 1,
			NumImages:        req.NumImages,
			AdditionalKeys:   keys,
			AdditionalValues: values,
			ObsNote:          req.ObsNote,
		})
	}
	return saved, nil
}

// imageIdentity names the camera on phase events of exposures that are not
// given an image name up front.
func (s *service) imageIdentity() sequencer.Image {
	return sequencer.Image{Source: s.settings.ImageSource, Controller: s.settings.Controller}
}

// save stamps the naming tags and writes exp to disk.
func (s *service) save(exp *exposure.Exposure, name, dayObs string, seq int, mode string) (string, error) {
	begin := time.Now().UTC()
	if !exp.IntegrationEnd.IsZero() {
		begin = exp.IntegrationEnd.UTC()
		if t, ok := exp.Tag("EXPTIME"); ok {
			if secs, ok := t.Value.(float64); ok {
				begin = begin.Add(-time.Duration(secs * float64(time.Second)))
			}
		}
	}
	stamps := exposure.Tags{
		{Name: "DATE", Value: time.Now().UTC().Format(exposure.DateTimeFormat)},
		{Name: "DATE-OBS", Value: begin.Format(exposure.DateTimeFormat)},
		{Name: "DATE-BEG", Value: begin.Format(exposure.DateTimeFormat)},
		{Name: "OBSID", Value: name},
		{Name: "DAYOBS", Value: dayObs},
		{Name: "SEQNUM", Value: seq},
		{Name: "CAMCODE", Value: s.settings.ImageSource},
		{Name: "CONTRLLR", Value: s.settings.Controller},
	}
	for _, t := range stamps {
		if err := exp.SetTag(t.Name, t.Value); err != nil {
			return "", fmt.Errorf("failed to tag %s: %w", name, err)
		}
	}
	path, err := s.saver.Save(exp, name)
	if err != nil {
		return "", err
	}
	imagesSaved.WithLabelValues(mode).Inc()
	return path, nil
}

func (s *service) ROI() (driver.ROI, error) {
	return s.cam.ROI()
}

func (s *service) SetROI(roi driver.ROI) error {
	if roi.Width <= 0 || roi.Height <= 0 || roi.Top < 0 || roi.Left < 0 {
		return fmt.Errorf("%w: roi %+v", ErrInvalidRequest, roi)
	}
	return s.withCamera("setROI", func() error {
		return s.cam.SetROI(roi)
	})
}

func (s *service) SetFullFrame() error {
	return s.withCamera("setFullFrame", s.cam.SetFullFrame)
}

// withCamera runs a geometry change while holding the camera lock and then
// announces the resulting ROI.
func (s *service) withCamera(op string, fn func() error) error {
	s.mu.Lock()
	if err := s.checkIdle(); err != nil {
		s.mu.Unlock()
		return err
	}
	token, err := s.seq.Lock().TryAcquire(op)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer token.Release()

	if err := fn(); err != nil {
		return &fault.DriverFault{Op: op, Err: err}
	}
	roi, err := s.cam.ROI()
	if err != nil {
		return &fault.DriverFault{Op: "ROI", Err: err}
	}
	s.publish(&Event{Type: EventROI, ROI: &roi})
	return nil
}
