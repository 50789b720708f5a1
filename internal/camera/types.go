package camera

import (
	"context"
	"errors"
	"time"

	"github.com/bilbercode/gencam/internal/config"
	"github.com/bilbercode/gencam/internal/driver"
	"github.com/bilbercode/gencam/internal/exposure"
	"github.com/bilbercode/gencam/internal/fault"
	"github.com/bilbercode/gencam/internal/sequencer"
)

var (
	ErrFaultState     = errors.New("camera in fault state")
	ErrNotActive      = errors.New("mode not active")
	ErrNotSupported   = errors.New("not supported by camera driver")
	ErrInvalidRequest = errors.New("invalid request")
)

// Service is the command level interface of one camera.
type Service interface {
	Start(ctx context.Context) error
	Close() error

	Info() Info
	TakeImages(ctx context.Context, req TakeImagesRequest) ([]string, error)

	ROI() (driver.ROI, error)
	SetROI(roi driver.ROI) error
	SetFullFrame() error

	StartLiveView(ctx context.Context, expTime time.Duration) error
	StopLiveView() error

	StartAutoExposure(ctx context.Context, minExpTime, maxExpTime time.Duration, configuration string) error
	StopAutoExposure() error

	StartStreamingMode(ctx context.Context, expTime time.Duration, static exposure.Tags) error
	StopStreamingMode() error

	Fault() *fault.Fault
	ClearFault() error

	Subscribe(h func(*Event)) func()
}

type TakeImagesRequest struct {
	NumImages   int
	ExpTime     time.Duration
	Shutter     bool
	Sensors     string
	KeyValueMap string
	ObsNote     string
}

type Info struct {
	MakeAndModel string
	Parameters   map[string]float64
}

// Settings are the per camera values the service needs from configuration.
type Settings struct {
	ImageSource          string
	Controller           string
	LiveViewAddr         string
	AutoExposureInterval time.Duration
	MinBackground        float64
	MaxBackground        float64
	StreamQueueSize      int
	StreamStopTimeout    time.Duration
}

// SettingsFromInstance maps a configuration block onto Settings.
func SettingsFromInstance(inst *config.Instance) Settings {
	return Settings{
		ImageSource:          inst.ImageSource,
		Controller:           "O",
		LiveViewAddr:         inst.LiveViewAddr(),
		AutoExposureInterval: inst.Interval(),
		MinBackground:        inst.MinBackground,
		MaxBackground:        inst.MaxBackground,
	}
}

type EventType string

// Phase events are forwarded from the sequencer with the same names.
const (
	EventStartTakeImage      = EventType(sequencer.EventStartTakeImage)
	EventEndTakeImage        = EventType(sequencer.EventEndTakeImage)
	EventStartIntegration    = EventType(sequencer.EventStartIntegration)
	EventEndReadout          = EventType(sequencer.EventEndReadout)
	EventStartLiveView       EventType = "startLiveView"
	EventEndLiveView         EventType = "endLiveView"
	EventAutoExposureStarted EventType = "autoExposureStarted"
	EventAutoExposureStopped EventType = "autoExposureStopped"
	EventStreamingStarted    EventType = "streamingModeStarted"
	EventStreamingStopped    EventType = "streamingModeStopped"
	EventImageSaved          EventType = "imageSaved"
	EventCameraInfo          EventType = "cameraInfo"
	EventROI                 EventType = "roi"
	EventFault               EventType = "fault"
	EventFaultCleared        EventType = "faultCleared"
)

// Event is an outward notification. Only the fields relevant to Type are
// set.
type Event struct {
	Type EventType
	Time time.Time

	ExpTime    time.Duration
	ImageIndex int
	NumImages  int

	ImageName        string
	ImageSource      string
	ImageController  string
	ImageNumber      int
	ImageDate        string
	Path             string
	AdditionalKeys   string
	AdditionalValues string
	ObsNote          string

	AcquisitionStart time.Time
	IntegrationEnd   time.Time
	ReadoutStart     time.Time
	ReadoutEnd       time.Time

	Addr       string
	MinExpTime time.Duration
	MaxExpTime time.Duration
	Config     string

	ROI   *driver.ROI
	Info  *Info
	Fault *fault.Fault
}
