package driver

import (
	"context"
	"time"

	"github.com/bilbercode/gencam/internal/exposure"
	"gopkg.in/yaml.v3"
)

// ROI is a region of interest on the sensor.
type ROI struct {
	Top    int
	Left   int
	Width  int
	Height int
}

// Camera is the capability every hardware family implements. Phase calls may
// block until the hardware reaches the phase boundary.
type Camera interface {
	// Initialise decodes and validates the driver specific configuration
	// block and prepares the hardware.
	Initialise(config *yaml.Node) error
	MakeAndModel() string
	Info() map[string]float64

	ROI() (ROI, error)
	SetROI(roi ROI) error
	SetFullFrame() error

	StartLiveView() error
	StopLiveView() error

	StartTakeImage(ctx context.Context, expTime time.Duration, shutter bool, sensors string) error
	StartShutterOpen(ctx context.Context) error
	EndShutterOpen(ctx context.Context) error
	StartIntegration(ctx context.Context) error
	EndIntegration(ctx context.Context) error
	StartShutterClose(ctx context.Context) error
	EndShutterClose(ctx context.Context) error
	StartReadout(ctx context.Context) error
	EndReadout(ctx context.Context) (*exposure.Exposure, error)
	EndTakeImage(ctx context.Context) error

	Close() error
}

// StreamFrame is one frame from a free-running capture loop.
type StreamFrame struct {
	Sequence uint64
	Pixels   []uint16
	Width    int
	Height   int
	// CaptureOffset is the capture time relative to the start of streaming.
	CaptureOffset time.Duration
}

// Streamer is implemented by drivers with a hardware-set frame cadence.
type Streamer interface {
	StartStreamingMode(expTime time.Duration, static exposure.Tags) error
	StopStreamingMode() error
	// NextStreamFrame blocks until the hardware delivers the next frame.
	NextStreamFrame(ctx context.Context) (StreamFrame, error)
	// Header returns the tags every streamed exposure carries.
	Header() exposure.Tags
}
