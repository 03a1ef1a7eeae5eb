// Package link composes the transfer and probe protocols on one channel and
// demultiplexes inbound units between them.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jaywantadh/dropwire/config"
	"github.com/jaywantadh/dropwire/internal/channel"
	"github.com/jaywantadh/dropwire/internal/chunker"
	"github.com/jaywantadh/dropwire/internal/flow"
	"github.com/jaywantadh/dropwire/internal/frame"
	"github.com/jaywantadh/dropwire/internal/probe"
	"github.com/jaywantadh/dropwire/internal/transfer"
	"github.com/jaywantadh/dropwire/pkg/logging"
	"github.com/sirupsen/logrus"
)

var (
	ErrTransferActive = errors.New("a transfer is active on this link")
	ErrProbeActive    = errors.New("a speed test is running on this link")
)

// Options configures a Link.
type Options struct {
	ChunkSize   int
	PacingYield time.Duration
	Flow        *flow.Controller
	Checksum    bool
	IdleTimeout time.Duration
	// MaxObjectSize bounds inbound transfers; zero selects the transfer default.
	MaxObjectSize int64
	Probe         probe.Options
	Logger        logrus.FieldLogger

	// Inbound transfer notifications. Any may be nil.
	OnReceiveStart func(d transfer.Descriptor)
	OnReceive      func(obj transfer.Object)
	OnReceiveError func(d transfer.Descriptor, err error)
}

// OptionsFromConfig maps the application configuration onto link options.
func OptionsFromConfig(cfg *config.AppConfig) Options {
	t := cfg.Transfer
	return Options{
		ChunkSize:     t.ChunkSize,
		PacingYield:   t.PacingYield,
		Flow:          flow.New(t.HighWatermark, t.LowWatermark, t.DrainPoll),
		Checksum:      t.Checksum,
		IdleTimeout:   t.InboundIdleTimeout,
		MaxObjectSize: t.MaxObjectSize,
		Probe: probe.Options{
			ChunkSize:       cfg.Probe.ChunkSize,
			RoundDuration:   cfg.Probe.RoundDuration,
			DownloadTimeout: cfg.Probe.DownloadTimeout,
			Yield:           cfg.Probe.Yield,
		},
	}
}

// Link owns the protocol state of one channel: one outbound and one inbound
// transfer, and the probe.
type Link struct {
	ch      channel.Channel
	sender  *transfer.Sender
	asm     *transfer.Assembler
	probe   *probe.Probe
	tracker *transfer.ProgressTracker
	opts    Options
	log     logrus.FieldLogger

	mu       sync.Mutex
	probing  bool
	starting bool
	outbound map[string]*transfer.OutboundSession
	finished *transfer.OutboundSession
}

// New wires the protocols onto ch and starts inbound delivery.
func New(ch channel.Channel, opts Options) *Link {
	if opts.Logger == nil {
		opts.Logger = logging.For("link")
	}
	if opts.Probe.Logger == nil {
		opts.Probe.Logger = opts.Logger.WithField("protocol", "probe")
	}

	l := &Link{
		ch:       ch,
		tracker:  transfer.NewProgressTracker(),
		opts:     opts,
		log:      opts.Logger,
		outbound: make(map[string]*transfer.OutboundSession),
	}
	l.sender = transfer.NewSender(ch, transfer.SenderOptions{
		ChunkSize:   opts.ChunkSize,
		PacingYield: opts.PacingYield,
		Flow:        opts.Flow,
		Checksum:    opts.Checksum,
		Logger:      opts.Logger.WithField("protocol", "transfer"),
	})
	l.asm = transfer.NewAssembler(ch, l.receiveCallbacks(), transfer.AssemblerOptions{
		IdleTimeout:   opts.IdleTimeout,
		MaxObjectSize: opts.MaxObjectSize,
		Logger:        opts.Logger.WithField("protocol", "transfer"),
	})
	l.probe = probe.New(ch, opts.Probe)

	ch.OnUnit(l.HandleUnit)
	return l
}

func (l *Link) receiveCallbacks() transfer.ReceiveCallbacks {
	return transfer.ReceiveCallbacks{
		OnStart: func(d transfer.Descriptor) {
			l.tracker.StartTracking(d, transfer.Inbound)
			if l.opts.OnReceiveStart != nil {
				l.opts.OnReceiveStart(d)
			}
		},
		OnProgress: func(d transfer.Descriptor, r float64) {
			l.tracker.UpdateProgress(d.ID, r)
		},
		OnComplete: func(obj transfer.Object) {
			l.tracker.SetStatus(obj.ID, transfer.StatusCompleted, nil)
			if l.opts.OnReceive != nil {
				l.opts.OnReceive(obj)
			}
		},
		OnError: func(d transfer.Descriptor, err error) {
			l.tracker.SetStatus(d.ID, transfer.StatusFailed, err)
			if l.opts.OnReceiveError != nil {
				l.opts.OnReceiveError(d, err)
			}
		},
	}
}

func (l *Link) transferActive() bool {
	if _, ok := l.sender.Active(); ok {
		return true
	}
	_, ok := l.asm.Active()
	return ok
}

// SendFile starts sending src to the peer. Only one outbound transfer runs
// at a time and none while a speed test is underway.
func (l *Link) SendFile(ctx context.Context, src chunker.Source, cb transfer.Callbacks) (*transfer.OutboundSession, error) {
	l.mu.Lock()
	if l.probing || l.probe.Busy() {
		l.mu.Unlock()
		return nil, ErrProbeActive
	}
	if l.starting {
		l.mu.Unlock()
		return nil, transfer.ErrTransferInProgress
	}
	// Reserved until the session is registered, including the checksum pass.
	l.starting = true
	l.mu.Unlock()

	wrapped := transfer.Callbacks{
		OnStart: func(d transfer.Descriptor) {
			l.tracker.StartTracking(d, transfer.Outbound)
			if cb.OnStart != nil {
				cb.OnStart(d)
			}
		},
		OnProgress: func(d transfer.Descriptor, r float64) {
			l.tracker.UpdateProgress(d.ID, r)
			if cb.OnProgress != nil {
				cb.OnProgress(d, r)
			}
		},
		OnComplete: func(d transfer.Descriptor) {
			l.tracker.SetStatus(d.ID, transfer.StatusCompleted, nil)
			if cb.OnComplete != nil {
				cb.OnComplete(d)
			}
		},
		OnError: func(d transfer.Descriptor, err error) {
			l.tracker.SetStatus(d.ID, transfer.StatusFailed, err)
			if cb.OnError != nil {
				cb.OnError(d, err)
			}
		},
	}
	sess, err := l.sender.Start(ctx, src, 0, wrapped)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.starting = false
	if err != nil {
		return nil, err
	}
	id := sess.Descriptor().ID
	l.outbound[id] = sess
	go l.retire(id, sess)
	return sess, nil
}

// retire moves a finished session out of the live set. Only the most recent
// finished session stays reachable for Wait.
func (l *Link) retire(id string, sess *transfer.OutboundSession) {
	<-sess.Done()
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.outbound, id)
	l.finished = sess
}

// Wait blocks until the outbound transfer id finishes. It also answers for
// the most recently finished transfer.
func (l *Link) Wait(ctx context.Context, id string) error {
	l.mu.Lock()
	sess, ok := l.outbound[id]
	if !ok && l.finished != nil && l.finished.Descriptor().ID == id {
		sess, ok = l.finished, true
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", transfer.ErrUnknownTransfer, id)
	}
	return sess.Wait(ctx)
}

// Pause suspends the local outbound transfer id.
func (l *Link) Pause(id string) error {
	if err := l.sender.Pause(id); err != nil {
		return err
	}
	l.tracker.SetStatus(id, transfer.StatusPaused, nil)
	return nil
}

// Resume continues the local outbound transfer id.
func (l *Link) Resume(id string) error {
	if err := l.sender.Resume(id); err != nil {
		return err
	}
	l.tracker.SetStatus(id, transfer.StatusActive, nil)
	return nil
}

// RequestPause asks the peer to pause the transfer it is sending us.
func (l *Link) RequestPause(id string) error {
	return l.request(id, true)
}

// RequestResume asks the peer to resume the transfer it is sending us.
func (l *Link) RequestResume(id string) error {
	return l.request(id, false)
}

func (l *Link) request(id string, paused bool) error {
	if !l.asm.HandlePause(id, paused) {
		return fmt.Errorf("%w: %s", transfer.ErrUnknownTransfer, id)
	}
	typ, status := frame.TypeTransferResume, transfer.StatusActive
	if paused {
		typ, status = frame.TypeTransferPause, transfer.StatusPaused
	}
	unit, err := frame.EncodeControl(frame.Control{Type: typ, ID: id})
	if err != nil {
		return err
	}
	if err := l.ch.Send(unit); err != nil {
		return err
	}
	l.tracker.SetStatus(id, status, nil)
	return nil
}

// Discard drops the resident inbound transfer id.
func (l *Link) Discard(id string) error {
	if err := l.asm.Discard(id); err != nil {
		return err
	}
	l.tracker.SetStatus(id, transfer.StatusFailed, errors.New("discarded"))
	return nil
}

// Forget drops the progress entry of id.
func (l *Link) Forget(id string) {
	l.tracker.RemoveTransfer(id)
}

// RunSpeedTest measures throughput in both directions. It is refused while a
// transfer is active in either direction.
func (l *Link) RunSpeedTest(ctx context.Context) (probe.Result, error) {
	l.mu.Lock()
	if l.starting || l.transferActive() {
		l.mu.Unlock()
		return probe.Result{}, ErrTransferActive
	}
	if l.probing {
		l.mu.Unlock()
		return probe.Result{}, probe.ErrProbeInProgress
	}
	l.probing = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.probing = false
		l.mu.Unlock()
	}()
	return l.probe.Run(ctx)
}

// Probing reports whether a speed test is running in either direction.
func (l *Link) Probing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.probing || l.probe.Busy()
}

// Progress returns the tracked state of every transfer seen on this link.
func (l *Link) Progress() []transfer.Progress {
	return l.tracker.GetAllProgress()
}

// HandleUnit dispatches one inbound unit. Malformed and unexpected units are
// logged and dropped; none of them affect the channel.
func (l *Link) HandleUnit(unit []byte) {
	f, err := frame.Decode(unit)
	if err != nil {
		l.log.WithError(err).Warn("dropping undecodable unit")
		return
	}

	switch f.Envelope {
	case frame.EnvelopeChunk:
		l.asm.HandlePayload(f.Payload)
	case frame.EnvelopeProbe:
		l.probe.HandlePayload(len(f.Payload))
	case frame.EnvelopeControl:
		l.handleControl(f.Control)
	}
}

func (l *Link) handleControl(c frame.Control) {
	entry := l.log.WithFields(logrus.Fields{"type": c.Type, "transfer_id": c.ID})

	switch c.Type {
	case frame.TypeTransferStart:
		l.asm.HandleStart(c)
	case frame.TypeTransferChunkHeader:
		l.asm.HandleChunkHeader(c)
	case frame.TypeTransferComplete:
		l.asm.HandleComplete(c)
	case frame.TypeTransferAck:
		if err := l.sender.HandleAck(c.ID); err != nil {
			entry.WithError(err).Debug("ack for no outbound transfer")
		}
	case frame.TypeTransferPause, frame.TypeTransferResume:
		l.handlePause(c, entry)
	case frame.TypeProbeDownloadRequest:
		l.mu.Lock()
		busy := l.starting || l.transferActive()
		l.mu.Unlock()
		if busy {
			entry.Warn("ignoring speed test request during a transfer")
			return
		}
		l.probe.HandleControl(c)
	case frame.TypeProbeUploadStart, frame.TypeProbeUploadEnd,
		frame.TypeProbeDownloadStart, frame.TypeProbeDownloadEnd:
		l.probe.HandleControl(c)
	default:
		entry.Debug("ignoring unknown control frame")
	}
}

// handlePause routes pause/resume: the local sender takes precedence, the
// inbound session is only annotated.
func (l *Link) handlePause(c frame.Control, entry logrus.FieldLogger) {
	paused := c.Type == frame.TypeTransferPause
	status := transfer.StatusActive
	if paused {
		status = transfer.StatusPaused
	}

	if l.sender.Owns(c.ID) {
		var err error
		if paused {
			err = l.sender.HandlePeerPause(c.ID)
		} else {
			err = l.sender.HandlePeerResume(c.ID)
		}
		if err != nil {
			entry.WithError(err).Warn("failed to apply peer request")
			return
		}
		l.tracker.SetStatus(c.ID, status, nil)
		return
	}
	if l.asm.HandlePause(c.ID, paused) {
		l.tracker.SetStatus(c.ID, status, nil)
		return
	}
	entry.Warn("dropping pause signal for unknown transfer")
}

// Close stops local activity and closes the channel.
func (l *Link) Close() error {
	l.probe.Close()
	if sess, ok := l.sender.Active(); ok {
		l.sender.Cancel(sess.Descriptor().ID)
	}
	return l.ch.Close()
}
