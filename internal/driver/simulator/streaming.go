package simulator

import (
	"context"
	"time"

	"github.com/bilbercode/gencam/internal/driver"
	"github.com/bilbercode/gencam/internal/exposure"
)

var _ driver.Streamer = (*Camera)(nil)

func (c *Camera) StartStreamingMode(expTime time.Duration, static exposure.Tags) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	header := exposure.DefaultHeader().
		With("EXPTIME", expTime.Seconds()).
		With("CAMMODEL", Name).
		With("WIDTH", c.roi.Width).
		With("HEIGHT", c.roi.Height)
	for _, t := range static {
		header = header.With(t.Name, t.Value)
	}

	size := c.roi.Width * c.roi.Height
	c.streamFrames = make([][]uint16, streamingFrames)
	for i := range c.streamFrames {
		frame := make([]uint16, size)
		for j := range frame {
			frame[j] = uint16(c.rng.Intn(1 << 16))
		}
		c.streamFrames[i] = frame
	}
	c.streamHeader = header
	c.streamSeq = 0
	c.streamStart = time.Now()
	c.streaming = true
	c.logger.Infof("streaming mode started at %dx%d", c.roi.Width, c.roi.Height)
	return nil
}

func (c *Camera) StopStreamingMode() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streaming = false
	c.logger.Debug("streaming mode stopped")
	return nil
}

// NextStreamFrame cycles through the pre-generated frames. The simulator has
// no hardware cadence of its own; callers pace it.
func (c *Camera) NextStreamFrame(ctx context.Context) (driver.StreamFrame, error) {
	if err := ctx.Err(); err != nil {
		return driver.StreamFrame{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.streaming {
		return driver.StreamFrame{}, ErrNotStreaming
	}
	c.streamSeq++
	return driver.StreamFrame{
		Sequence:      c.streamSeq,
		Pixels:        c.streamFrames[(c.streamSeq-1)%streamingFrames],
		Width:         c.roi.Width,
		Height:        c.roi.Height,
		CaptureOffset: time.Since(c.streamStart),
	}, nil
}

func (c *Camera) Header() exposure.Tags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamHeader.Clone()
}
