// Package probe measures link throughput in both directions by flooding the
// channel with filler for a fixed duration.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jaywantadh/dropwire/internal/frame"
	"github.com/sirupsen/logrus"
)

const (
	DefaultChunkSize       = 1 << 20
	DefaultRoundDuration   = 3000 * time.Millisecond
	DefaultDownloadTimeout = 10000 * time.Millisecond
	DefaultYield           = time.Millisecond
)

var (
	ErrProbeInProgress = errors.New("speed test already in progress")
	ErrProbeTimeout    = errors.New("peer did not answer the download round")
)

// Wire is the sending half of a channel.
type Wire interface {
	Send(unit []byte) error
	BufferedAmount() int
}

// Options configures a Probe. Zero values select defaults.
type Options struct {
	ChunkSize       int
	RoundDuration   time.Duration
	DownloadTimeout time.Duration
	Yield           time.Duration
	Logger          logrus.FieldLogger
}

// Result holds the outcome of both rounds. Rates are bytes per second.
type Result struct {
	UploadBytes      int64
	UploadElapsed    time.Duration
	UploadBps        float64
	DownloadBytes    int64
	DownloadElapsed  time.Duration
	DownloadBps      float64
	DownloadTimedOut bool
}

func (r Result) UploadMbps() float64   { return r.UploadBps * 8 / 1e6 }
func (r Result) DownloadMbps() float64 { return r.DownloadBps * 8 / 1e6 }

func rate(n int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed.Seconds()
}

// round tracks filler arriving from the peer.
type round struct {
	active  bool
	started bool
	start   time.Time
	bytes   int64
	// done receives the elapsed time once the end frame arrives.
	done chan time.Duration
}

// Probe runs speed tests on one channel and answers the peer's.
type Probe struct {
	wire Wire
	opts Options
	log  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	running    bool
	responding bool
	download   round
	observed   round
}

func New(wire Wire, opts Options) *Probe {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.RoundDuration <= 0 {
		opts.RoundDuration = DefaultRoundDuration
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = DefaultDownloadTimeout
	}
	if opts.Yield <= 0 {
		opts.Yield = DefaultYield
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Probe{
		wire:   wire,
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Busy reports whether a local run or a response to the peer is underway.
func (p *Probe) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running || p.responding || p.observed.active
}

// Run measures upload then download. A silent peer yields a zero download
// rate rather than an error.
func (p *Probe) Run(ctx context.Context) (Result, error) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return Result{}, ErrProbeInProgress
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	var res Result
	sent, elapsed, err := p.flood(ctx, frame.TypeProbeUploadStart, frame.TypeProbeUploadEnd)
	if err != nil {
		return res, fmt.Errorf("upload round: %w", err)
	}
	res.UploadBytes = sent
	res.UploadElapsed = elapsed
	res.UploadBps = rate(sent, elapsed)
	p.log.WithFields(logrus.Fields{"bytes": sent, "elapsed": elapsed}).Info("upload round finished")

	received, elapsed, err := p.receive(ctx)
	switch {
	case errors.Is(err, ErrProbeTimeout):
		p.log.WithError(err).Warn("download round timed out, reporting zero throughput")
		res.DownloadTimedOut = true
		return res, nil
	case err != nil:
		return res, fmt.Errorf("download round: %w", err)
	}
	res.DownloadBytes = received
	res.DownloadElapsed = elapsed
	res.DownloadBps = rate(received, elapsed)
	p.log.WithFields(logrus.Fields{"bytes": received, "elapsed": elapsed}).Info("download round finished")
	return res, nil
}

// flood sends filler for RoundDuration between a start and an end frame.
func (p *Probe) flood(ctx context.Context, startType, endType frame.Type) (int64, time.Duration, error) {
	if err := p.sendControl(frame.Control{Type: startType, Duration: p.opts.RoundDuration.Milliseconds()}); err != nil {
		return 0, 0, err
	}

	unit := frame.EncodeProbe(make([]byte, p.opts.ChunkSize))
	limit := 2 * p.opts.ChunkSize
	begin := time.Now()
	deadline := time.NewTimer(p.opts.RoundDuration)
	defer deadline.Stop()

	var sent int64
loop:
	for {
		if p.wire.BufferedAmount() < limit {
			if err := p.wire.Send(unit); err != nil {
				return sent, time.Since(begin), err
			}
			sent += int64(p.opts.ChunkSize)
		}
		select {
		case <-ctx.Done():
			return sent, time.Since(begin), ctx.Err()
		case <-deadline.C:
			break loop
		case <-time.After(p.opts.Yield):
		}
	}
	elapsed := time.Since(begin)

	if err := p.sendControl(frame.Control{Type: endType, BytesSent: sent}); err != nil {
		return sent, elapsed, err
	}
	return sent, elapsed, nil
}

// receive asks the peer to flood us and counts what arrives.
func (p *Probe) receive(ctx context.Context) (int64, time.Duration, error) {
	done := make(chan time.Duration, 1)
	p.mu.Lock()
	p.download = round{active: true, done: done}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.download = round{}
		p.mu.Unlock()
	}()

	if err := p.sendControl(frame.Control{Type: frame.TypeProbeDownloadRequest}); err != nil {
		return 0, 0, err
	}

	timeout := time.NewTimer(p.opts.DownloadTimeout)
	defer timeout.Stop()
	select {
	case elapsed := <-done:
		p.mu.Lock()
		n := p.download.bytes
		p.mu.Unlock()
		return n, elapsed, nil
	case <-timeout.C:
		return 0, 0, ErrProbeTimeout
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

// HandleControl applies a probe control frame from the peer.
func (p *Probe) HandleControl(c frame.Control) {
	switch c.Type {
	case frame.TypeProbeDownloadRequest:
		p.respond()
	case frame.TypeProbeDownloadStart:
		p.mu.Lock()
		if p.download.active && !p.download.started {
			p.download.started = true
			p.download.start = time.Now()
			p.download.bytes = 0
		}
		p.mu.Unlock()
	case frame.TypeProbeDownloadEnd:
		p.mu.Lock()
		if p.download.active && p.download.started {
			p.download.done <- time.Since(p.download.start)
			p.download.active = false
		}
		p.mu.Unlock()
	case frame.TypeProbeUploadStart:
		p.mu.Lock()
		p.observed = round{active: true, started: true, start: time.Now()}
		p.mu.Unlock()
	case frame.TypeProbeUploadEnd:
		p.mu.Lock()
		obs := p.observed
		p.observed = round{}
		p.mu.Unlock()
		if obs.started {
			elapsed := time.Since(obs.start)
			p.log.WithFields(logrus.Fields{
				"bytes_received": obs.bytes,
				"bytes_sent":     c.BytesSent,
				"elapsed":        elapsed,
				"bps":            rate(obs.bytes, elapsed),
			}).Info("peer upload round observed")
		}
	default:
		p.log.WithField("type", c.Type).Debug("ignoring non-probe frame")
	}
}

// HandlePayload counts filler received during an active round.
func (p *Probe) HandlePayload(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.download.active && p.download.started:
		p.download.bytes += int64(n)
	case p.observed.active:
		p.observed.bytes += int64(n)
	}
}

// respond runs an upload round toward the peer in the background.
func (p *Probe) respond() {
	p.mu.Lock()
	if p.responding {
		p.mu.Unlock()
		p.log.Warn("download request while already responding, ignoring")
		return
	}
	p.responding = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.responding = false
			p.mu.Unlock()
		}()
		sent, elapsed, err := p.flood(p.ctx, frame.TypeProbeDownloadStart, frame.TypeProbeDownloadEnd)
		entry := p.log.WithFields(logrus.Fields{"bytes": sent, "elapsed": elapsed})
		if err != nil {
			entry.WithError(err).Warn("responding to download request failed")
			return
		}
		entry.Info("served peer download round")
	}()
}

func (p *Probe) sendControl(c frame.Control) error {
	unit, err := frame.EncodeControl(c)
	if err != nil {
		return err
	}
	return p.wire.Send(unit)
}

// Close stops any response in progress.
func (p *Probe) Close() {
	p.cancel()
}
