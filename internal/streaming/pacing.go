package streaming

import "time"

// ReadoutOverhead is added to every frame period.
const ReadoutOverhead = 90 * time.Microsecond

var paceBands = []struct {
	pixels int
	period time.Duration
}{
	{1024 * 1024, time.Second / 60},
	{640 * 480, time.Second / 90},
	{200 * 200, time.Second / 180},
	{150 * 150, time.Second / 230},
	{100 * 100, time.Second / 300},
	{50 * 50, time.Second / 430},
}

// FramePeriod is the time the producer waits between frames: larger frames
// wait longer, and no frame comes faster than the exposure time allows.
func FramePeriod(width, height int, expTime time.Duration) time.Duration {
	period := time.Second / 50
	n := width * height
	for _, b := range paceBands {
		if n >= b.pixels {
			period = b.period
			break
		}
	}
	if expTime > period {
		period = expTime
	}
	return period + ReadoutOverhead
}
