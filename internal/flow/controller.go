// Package flow gates sends on a channel's buffered-amount gauge.
package flow

import (
	"context"
	"time"
)

const (
	DefaultHighWatermark = 64 * 1024
	DefaultLowWatermark  = DefaultHighWatermark / 2
	DefaultPollInterval  = 10 * time.Millisecond
)

// Gauge reports bytes queued on a channel but not yet sent.
type Gauge interface {
	BufferedAmount() int
}

// drainer matches channel.DrainNotifier without importing it.
type drainer interface {
	Drained() <-chan struct{}
}

// Controller applies high/low watermark hysteresis: pushing stops at High and
// resumes only once the gauge falls below Low.
type Controller struct {
	High         int
	Low          int
	PollInterval time.Duration
}

// New returns a controller; zero values select the defaults and a zero low
// watermark becomes high/2.
func New(high, low int, poll time.Duration) *Controller {
	if high <= 0 {
		high = DefaultHighWatermark
	}
	if low <= 0 || low > high {
		low = high / 2
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Controller{High: high, Low: low, PollInterval: poll}
}

// Default returns a controller with the protocol defaults.
func Default() *Controller {
	return New(DefaultHighWatermark, DefaultLowWatermark, DefaultPollInterval)
}

// MayPushNow reports whether another unit may be sent.
func (c *Controller) MayPushNow(g Gauge) bool {
	return g.BufferedAmount() < c.High
}

// AwaitDrain blocks until the gauge is below the low watermark. The gauge is
// re-read every PollInterval; a drain notification from the gauge, when
// available, triggers an earlier re-read.
func (c *Controller) AwaitDrain(ctx context.Context, g Gauge) error {
	if g.BufferedAmount() < c.Low {
		return nil
	}

	var drained <-chan struct{}
	if d, ok := g.(drainer); ok {
		drained = d.Drained()
	}

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-drained:
		}
		if g.BufferedAmount() < c.Low {
			return nil
		}
	}
}

// Gate combines both checks: it returns immediately while the gauge is under
// the high watermark, otherwise waits for the low watermark.
func (c *Controller) Gate(ctx context.Context, g Gauge) error {
	if c.MayPushNow(g) {
		return nil
	}
	return c.AwaitDrain(ctx, g)
}
