package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jaywantadh/dropwire/internal/chunker"
	"github.com/jaywantadh/dropwire/internal/flow"
	"github.com/jaywantadh/dropwire/internal/frame"
	"github.com/sirupsen/logrus"
)

// DefaultPacingYield is the pause between two chunks that lets other traffic
// onto the channel.
const DefaultPacingYield = time.Millisecond

// Wire is the sending half of a channel.
type Wire interface {
	Send(unit []byte) error
	BufferedAmount() int
}

// Callbacks report the lifecycle of one transfer. Any of them may be nil.
type Callbacks struct {
	// OnStart runs once transfer-start is on the wire, before any chunk.
	OnStart    func(d Descriptor)
	OnProgress func(d Descriptor, ratio float64)
	OnComplete func(d Descriptor)
	OnError    func(d Descriptor, err error)
}

// SenderOptions configures a Sender. Zero values select defaults.
type SenderOptions struct {
	ChunkSize   int
	PacingYield time.Duration
	Flow        *flow.Controller
	// Checksum makes BeginSend hash the source before announcing it.
	Checksum bool
	Logger   logrus.FieldLogger
}

// OutboundState is a point-in-time copy of an outbound session.
type OutboundState struct {
	Descriptor Descriptor
	SentChunks int
	Offset     int64
	Paused     bool
	Acked      bool
}

// OutboundSession drives one object through chunking and pacing.
type OutboundSession struct {
	desc   Descriptor
	reader *chunker.Reader
	cb     Callbacks
	cancel context.CancelFunc

	mu         sync.Mutex
	sentChunks int
	offset     int64
	paused     bool
	resumed    chan struct{}
	acked      bool

	done chan struct{}
	err  error
}

func (s *OutboundSession) Descriptor() Descriptor { return s.desc }

// State snapshots the session counters.
func (s *OutboundSession) State() OutboundState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return OutboundState{
		Descriptor: s.desc,
		SentChunks: s.sentChunks,
		Offset:     s.offset,
		Paused:     s.paused,
		Acked:      s.acked,
	}
}

// Done is closed once the session has completed or failed.
func (s *OutboundSession) Done() <-chan struct{} { return s.done }

// Err is the terminal error, nil on success. Valid after Done is closed.
func (s *OutboundSession) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the session ends or ctx is cancelled.
func (s *OutboundSession) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *OutboundSession) setPaused(paused bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused == paused {
		return false
	}
	s.paused = paused
	if paused {
		s.resumed = make(chan struct{})
	} else {
		close(s.resumed)
	}
	return true
}

// waitWhilePaused suspends the pacing loop without emitting anything.
func (s *OutboundSession) waitWhilePaused(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.paused {
			s.mu.Unlock()
			return nil
		}
		resumed := s.resumed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resumed:
		}
	}
}

func (s *OutboundSession) advance(n int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset += int64(n)
	s.sentChunks++
	return ratio(s.offset, s.desc.ByteSize)
}

// Sender owns the outbound side of one channel. At most one session is
// active at a time.
type Sender struct {
	wire  Wire
	flow  *flow.Controller
	opts  SenderOptions
	log   logrus.FieldLogger
	yield time.Duration

	mu       sync.Mutex
	sessions map[string]*OutboundSession
}

func NewSender(wire Wire, opts SenderOptions) *Sender {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunker.DefaultChunkSize
	}
	if opts.PacingYield <= 0 {
		opts.PacingYield = DefaultPacingYield
	}
	if opts.Flow == nil {
		opts.Flow = flow.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Sender{
		wire:     wire,
		flow:     opts.Flow,
		opts:     opts,
		log:      opts.Logger,
		yield:    opts.PacingYield,
		sessions: make(map[string]*OutboundSession),
	}
}

// BeginSend announces src to the peer and starts streaming it in the
// background. chunkSize 0 selects the configured default.
func (s *Sender) BeginSend(ctx context.Context, src chunker.Source, chunkSize int, cb Callbacks) (Descriptor, error) {
	sess, err := s.Start(ctx, src, chunkSize, cb)
	if err != nil {
		return Descriptor{}, err
	}
	return sess.Descriptor(), nil
}

// Start is BeginSend returning the session handle.
func (s *Sender) Start(ctx context.Context, src chunker.Source, chunkSize int, cb Callbacks) (*OutboundSession, error) {
	if chunkSize == 0 {
		chunkSize = s.opts.ChunkSize
	}
	if chunkSize < 0 {
		return nil, ErrInvalidChunkSize
	}

	desc := NewDescriptor(src.Name(), src.Size(), src.MediaType(), chunkSize)
	runCtx, cancel := context.WithCancel(ctx)
	sess := &OutboundSession{
		desc:   desc,
		reader: chunker.NewReader(src, desc.ByteSize, chunkSize),
		cb:     cb,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if len(s.sessions) > 0 {
		s.mu.Unlock()
		cancel()
		return nil, ErrTransferInProgress
	}
	s.sessions[desc.ID] = sess
	s.mu.Unlock()

	if s.opts.Checksum {
		sum, err := Checksum(src, desc.ByteSize)
		if err != nil {
			s.remove(desc.ID)
			cancel()
			return nil, err
		}
		sess.desc.Checksum = sum
	}

	if err := s.sendControl(sess.desc.startFrame()); err != nil {
		s.remove(desc.ID)
		cancel()
		return nil, fmt.Errorf("failed to announce transfer: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"transfer_id":  desc.ID,
		"name":         desc.Name,
		"byte_size":    desc.ByteSize,
		"total_chunks": desc.TotalChunks,
	}).Info("outbound transfer started")
	if cb.OnStart != nil {
		cb.OnStart(sess.desc)
	}

	go s.run(runCtx, sess)
	return sess, nil
}

func (s *Sender) run(ctx context.Context, sess *OutboundSession) {
	err := s.pump(ctx, sess)
	sess.cancel()
	s.remove(sess.desc.ID)

	// Callbacks run before Done so waiters observe their effects.
	sess.err = err
	defer close(sess.done)

	entry := s.log.WithField("transfer_id", sess.desc.ID)
	if err != nil {
		entry.WithError(err).Warn("outbound transfer failed")
		if sess.cb.OnError != nil {
			sess.cb.OnError(sess.desc, err)
		}
		return
	}
	entry.Info("outbound transfer complete")
	if sess.cb.OnComplete != nil {
		sess.cb.OnComplete(sess.desc)
	}
}

// pump is the pacing loop. Pause is only observed between chunks.
func (s *Sender) pump(ctx context.Context, sess *OutboundSession) error {
	for !sess.reader.Done() {
		if err := sess.waitWhilePaused(ctx); err != nil {
			return err
		}
		if !s.flow.MayPushNow(s.wire) {
			if err := s.flow.AwaitDrain(ctx, s.wire); err != nil {
				return err
			}
			// Pause may have been requested while draining.
			continue
		}

		chunk, index, last, err := sess.reader.Next()
		if err != nil {
			return err
		}
		header := frame.Control{
			Type:        frame.TypeTransferChunkHeader,
			ID:          sess.desc.ID,
			ChunkIndex:  index,
			IsLastChunk: last,
		}
		if err := s.sendControl(header); err != nil {
			return fmt.Errorf("failed to send header for chunk %d: %w", index, err)
		}
		if err := s.wire.Send(frame.EncodeChunk(chunk)); err != nil {
			return fmt.Errorf("failed to send chunk %d: %w", index, err)
		}

		progress := sess.advance(len(chunk))
		if sess.cb.OnProgress != nil {
			sess.cb.OnProgress(sess.desc, progress)
		}

		if err := sleep(ctx, s.yield); err != nil {
			return err
		}
	}

	if sess.desc.ByteSize == 0 && sess.cb.OnProgress != nil {
		sess.cb.OnProgress(sess.desc, 1)
	}
	if err := s.sendControl(frame.Control{Type: frame.TypeTransferComplete, ID: sess.desc.ID}); err != nil {
		return fmt.Errorf("failed to send completion: %w", err)
	}
	return nil
}

func (s *Sender) sendControl(c frame.Control) error {
	unit, err := frame.EncodeControl(c)
	if err != nil {
		return err
	}
	return s.wire.Send(unit)
}

func (s *Sender) remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Sender) session(id string) (*OutboundSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Active returns the running session, if any.
func (s *Sender) Active() (*OutboundSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		return sess, true
	}
	return nil, false
}

// Owns reports whether id names a local outbound session.
func (s *Sender) Owns(id string) bool {
	_, ok := s.session(id)
	return ok
}

// Pause suspends the session at the next chunk boundary and tells the peer.
func (s *Sender) Pause(id string) error {
	return s.setPaused(id, true, true)
}

// Resume continues from the current offset and tells the peer.
func (s *Sender) Resume(id string) error {
	return s.setPaused(id, false, true)
}

// HandlePeerPause applies a pause requested by the peer.
func (s *Sender) HandlePeerPause(id string) error {
	return s.setPaused(id, true, false)
}

// HandlePeerResume applies a resume requested by the peer.
func (s *Sender) HandlePeerResume(id string) error {
	return s.setPaused(id, false, false)
}

func (s *Sender) setPaused(id string, paused, tellPeer bool) error {
	sess, ok := s.session(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	if !sess.setPaused(paused) {
		return nil
	}

	typ := frame.TypeTransferResume
	if paused {
		typ = frame.TypeTransferPause
	}
	s.log.WithFields(logrus.Fields{"transfer_id": id, "by_peer": !tellPeer}).Infof("outbound %s", typ)
	if !tellPeer {
		return nil
	}
	return s.sendControl(frame.Control{Type: typ, ID: id})
}

// HandleAck records the peer's acknowledgement of a transfer-start.
func (s *Sender) HandleAck(id string) error {
	sess, ok := s.session(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	sess.mu.Lock()
	sess.acked = true
	sess.mu.Unlock()
	return nil
}

// Cancel aborts the active session; its OnError receives context.Canceled.
func (s *Sender) Cancel(id string) error {
	sess, ok := s.session(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	sess.cancel()
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsCancelled reports whether err came from cancelling a session.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
