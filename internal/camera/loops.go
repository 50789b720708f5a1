package camera

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bilbercode/gencam/internal/autoexposure"
	"github.com/bilbercode/gencam/internal/driver"
	"github.com/bilbercode/gencam/internal/exposure"
	"github.com/bilbercode/gencam/internal/fault"
	"github.com/bilbercode/gencam/internal/sequencer"
	"github.com/bilbercode/gencam/internal/storage"
	"github.com/bilbercode/gencam/internal/streaming"
)

// StartLiveView opens the live view server and keeps exposing previews for
// it until StopLiveView or a fault.
func (s *service) StartLiveView(_ context.Context, expTime time.Duration) error {
	if expTime <= 0 {
		return fmt.Errorf("%w: live view exposure time must be greater than zero", ErrInvalidRequest)
	}
	// launch runs once s.mu is released so the start event precedes any
	// event from the loop itself.
	var launch func()
	defer func() {
		if launch != nil {
			launch()
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIdle(); err != nil {
		return err
	}
	token, err := s.seq.Lock().TryAcquire("liveView")
	if err != nil {
		return err
	}
	if err := s.cam.StartLiveView(); err != nil {
		token.Release()
		return &fault.DriverFault{Op: "StartLiveView", Err: err}
	}
	ctx, cancel := context.WithCancel(s.ctx)
	if err := s.broadcaster.Listen(ctx, s.settings.LiveViewAddr); err != nil {
		cancel()
		s.cam.StopLiveView()
		token.Release()
		return err
	}
	go func() {
		if err := s.broadcaster.Serve(ctx); err != nil {
			s.logger.WithError(err).Debug("live view server stopped")
		}
	}()

	loop := &liveLoop{token: token, cancel: cancel, stop: make(chan struct{}), done: make(chan struct{})}
	s.live = loop

	addr := s.broadcaster.Addr().String()
	s.logger.Infof("live view started on %s with %s exposures", addr, expTime)
	launch = func() {
		s.publish(&Event{Type: EventStartLiveView, Addr: addr, ExpTime: expTime})
		go s.runLiveView(loop, expTime)
	}
	return nil
}

func (s *service) runLiveView(loop *liveLoop, expTime time.Duration) {
	defer close(loop.done)
	var err error
	for err == nil {
		select {
		case <-loop.stop:
			s.endLiveView(loop)
			return
		default:
		}
		var exp *exposure.Exposure
		exp, err = s.seq.TakeImage(s.ctx, sequencer.Request{
			ExpTime: expTime,
			Shutter: true,
			Image:   s.imageIdentity(),
			Token:   loop.token,
		})
		if err == nil {
			err = exp.MakePreview()
		}
		if err == nil {
			err = s.broadcaster.SendExposure(exp)
		}
	}
	s.endLiveView(loop)
	if s.ctx.Err() == nil {
		s.raise(fault.New(fault.CodeLiveViewError, "Error in live view loop.", err))
	}
}

func (s *service) endLiveView(loop *liveLoop) {
	s.broadcaster.Stop()
	loop.cancel()
	if err := s.cam.StopLiveView(); err != nil {
		s.logger.WithError(err).Warn("failed to stop live view on camera")
	}
	loop.token.Release()
	s.mu.Lock()
	if s.live == loop {
		s.live = nil
	}
	s.mu.Unlock()
	s.logger.Info("live view stopped")
	s.publish(&Event{Type: EventEndLiveView})
}

func (s *service) StopLiveView() error {
	s.mu.Lock()
	loop := s.live
	s.mu.Unlock()
	if loop == nil {
		return fmt.Errorf("live view: %w", ErrNotActive)
	}
	loop.halt()
	<-loop.done
	return nil
}

// StartAutoExposure runs the background servo between minExpTime and
// maxExpTime. configuration is the YAML settings document for the
// exposures it takes.
func (s *service) StartAutoExposure(_ context.Context, minExpTime, maxExpTime time.Duration, configuration string) error {
	settings, err := autoexposure.ParseSettings(configuration)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	keys, values := "", ""
	if settings.KeyValueMap != "" {
		keys, values = storage.ParseKeyValueMap(settings.KeyValueMap)
	}

	// launch runs once s.mu is released so the start event precedes any
	// event from the loop itself.
	var launch func()
	defer func() {
		if launch != nil {
			launch()
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIdle(); err != nil {
		return err
	}
	token, err := s.seq.Lock().TryAcquire("autoExposure")
	if err != nil {
		return err
	}

	image := s.imageIdentity()
	image.AdditionalKeys, image.AdditionalValues = keys, values
	ready := make(chan struct{})
	exposer := autoexposure.ExposerFunc(func(ctx context.Context, expTime time.Duration) (*exposure.Exposure, error) {
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return s.seq.TakeImage(ctx, sequencer.Request{
			ExpTime: expTime,
			Shutter: settings.Shutter,
			Sensors: settings.Sensors,
			Image:   image,
			Token:   token,
		})
	})
	accept := func(_ context.Context, exp *exposure.Exposure) error {
		dayObs, seqs := s.counter.Next(1, time.Now())
		name := storage.ImageNames(s.settings.ImageSource, dayObs, seqs)[0]
		path, err := s.save(exp, name, dayObs, seqs[0], "autoExposure")
		if err != nil {
			return err
		}
		s.publish(&Event{
			Type:             EventImageSaved,
			ImageName:        name,
			Path:             path,
			AdditionalKeys:   keys,
			AdditionalValues: values,
			ObsNote:          settings.ObsNote,
		})
		return nil
	}

	ctrl, err := autoexposure.New(autoexposure.Config{
		MinExpTime:    minExpTime,
		MaxExpTime:    maxExpTime,
		MinBackground: s.settings.MinBackground,
		MaxBackground: s.settings.MaxBackground,
		Interval:      s.settings.AutoExposureInterval,
	}, exposer, nil, accept, s.logger.WithField("component", "autoexposure"))
	if err != nil {
		token.Release()
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := ctrl.Start(s.ctx); err != nil {
		token.Release()
		return err
	}
	loop := &autoLoop{ctrl: ctrl, token: token, done: make(chan struct{})}
	s.auto = loop
	go s.watchAutoExposure(loop)

	s.logger.Infof("auto exposure started between %s and %s", minExpTime, maxExpTime)
	launch = func() {
		s.publish(&Event{
			Type:       EventAutoExposureStarted,
			MinExpTime: minExpTime,
			MaxExpTime: maxExpTime,
			Config:     configuration,
		})
		close(ready)
	}
	return nil
}

func (s *service) watchAutoExposure(loop *autoLoop) {
	defer close(loop.done)
	<-loop.ctrl.Done()
	loop.token.Release()
	s.mu.Lock()
	if s.auto == loop {
		s.auto = nil
	}
	s.mu.Unlock()
	s.logger.Info("auto exposure stopped")
	s.publish(&Event{Type: EventAutoExposureStopped})
	if err := loop.ctrl.Err(); err != nil && s.ctx.Err() == nil {
		s.raise(fault.New(fault.CodeAutoExposureError, "Error in auto exposure loop.", err))
	}
}

func (s *service) StopAutoExposure() error {
	s.mu.Lock()
	loop := s.auto
	s.mu.Unlock()
	if loop == nil {
		return fmt.Errorf("auto exposure: %w", ErrNotActive)
	}
	loop.ctrl.Stop()
	<-loop.done
	return nil
}

// StartStreamingMode puts a streaming capable driver into its free running
// mode and saves every frame as it arrives. static tags are added to each
// frame header.
func (s *service) StartStreamingMode(_ context.Context, expTime time.Duration, static exposure.Tags) error {
	streamer, ok := s.cam.(driver.Streamer)
	if !ok {
		return fmt.Errorf("streaming mode: %w", ErrNotSupported)
	}
	if expTime <= 0 {
		return fmt.Errorf("%w: streaming exposure time must be greater than zero", ErrInvalidRequest)
	}

	// launch runs once s.mu is released so the start event precedes any
	// event from the loop itself.
	var launch func()
	defer func() {
		if launch != nil {
			launch()
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIdle(); err != nil {
		return err
	}
	token, err := s.seq.Lock().TryAcquire("streaming")
	if err != nil {
		return err
	}

	dayObs, seqs := s.counter.Next(1, time.Now())
	name := storage.ImageNames(s.settings.ImageSource, dayObs, seqs)[0]
	static = static.Clone().
		With("OBSID", name).
		With("DAYOBS", dayObs).
		With("SEQNUM", seqs[0]).
		With("CAMCODE", s.settings.ImageSource).
		With("CONTRLLR", s.settings.Controller)

	bridge := streaming.NewBridge(streamer, streaming.Options{
		QueueSize:   s.settings.StreamQueueSize,
		StopTimeout: s.settings.StreamStopTimeout,
	}, s.logger.WithField("component", "streaming"))
	if err := bridge.Start(expTime, static); err != nil {
		token.Release()
		return err
	}

	loop := &streamLoop{bridge: bridge, token: token, name: name, done: make(chan struct{})}
	s.stream = loop

	launch = func() {
		s.publish(&Event{Type: EventStreamingStarted, ImageName: name, ExpTime: expTime})
		go s.runStreaming(loop)
	}
	return nil
}

func (s *service) runStreaming(loop *streamLoop) {
	defer close(loop.done)
	var err error
	for {
		var exp *exposure.Exposure
		exp, err = loop.bridge.ConvertNext(s.ctx)
		if err != nil {
			break
		}
		frame := uint64(0)
		if t, ok := exp.Tag("CURINDEX"); ok {
			frame, _ = t.Value.(uint64)
		}
		name := fmt.Sprintf("%s_%06d", loop.name, frame)
		if _, err = s.saver.Save(exp, name); err != nil {
			break
		}
		imagesSaved.WithLabelValues("streaming").Inc()
	}

	if errors.Is(err, streaming.ErrNotRunning) || s.ctx.Err() != nil {
		err = nil
	}
	stopErr := loop.bridge.Stop()
	loop.token.Release()
	s.mu.Lock()
	if s.stream == loop {
		s.stream = nil
	}
	s.mu.Unlock()
	s.publish(&Event{Type: EventStreamingStopped, ImageName: loop.name})

	var f *fault.Fault
	switch {
	case err != nil:
		s.raise(fault.New(fault.CodeStreamingError, "Error in streaming loop.", err))
	case errors.As(stopErr, &f):
		s.raise(f)
	case stopErr != nil:
		s.raise(fault.New(fault.CodeStreamingError, "Error stopping streaming mode.", stopErr))
	}
}

func (s *service) StopStreamingMode() error {
	s.mu.Lock()
	loop := s.stream
	s.mu.Unlock()
	if loop == nil {
		return fmt.Errorf("streaming mode: %w", ErrNotActive)
	}
	err := loop.bridge.Stop()
	<-loop.done
	var f *fault.Fault
	if errors.As(err, &f) {
		s.raise(f)
	}
	return err
}
