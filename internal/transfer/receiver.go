package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/jaywantadh/dropwire/internal/frame"
	"github.com/sirupsen/logrus"
)

// Replier sends control replies back to the peer.
type Replier interface {
	Send(unit []byte) error
}

// ReceiveCallbacks report the lifecycle of inbound transfers. Any may be nil.
type ReceiveCallbacks struct {
	OnStart    func(d Descriptor)
	OnProgress func(d Descriptor, ratio float64)
	OnComplete func(obj Object)
	OnError    func(d Descriptor, err error)
}

// AssemblerOptions configures an Assembler.
type AssemblerOptions struct {
	// IdleTimeout lets a new transfer-start evict a resident session that has
	// seen no frame for this long. Zero never evicts.
	IdleTimeout time.Duration
	// MaxObjectSize rejects transfer-starts declaring more bytes. Zero selects
	// DefaultMaxObjectSize.
	MaxObjectSize int64
	Logger        logrus.FieldLogger
	Now           func() time.Time
}

// InboundState is a point-in-time copy of an inbound session.
type InboundState struct {
	Descriptor     Descriptor
	ReceivedChunks int
	ReceivedBytes  int64
	PausedByPeer   bool
	LastActivity   time.Time
}

type inboundSession struct {
	desc           Descriptor
	chunks         map[int][]byte
	receivedChunks int
	receivedBytes  int64
	expectedIndex  int
	headerPending  bool
	lastDeclared   bool
	pausedByPeer   bool
	lastActivity   time.Time
}

func (s *inboundSession) state() InboundState {
	return InboundState{
		Descriptor:     s.desc,
		ReceivedChunks: s.receivedChunks,
		ReceivedBytes:  s.receivedBytes,
		PausedByPeer:   s.pausedByPeer,
		LastActivity:   s.lastActivity,
	}
}

// assemble concatenates the chunk store in index order and verifies it. The
// buffer is sized from the chunks actually held, never from the declared size.
func (s *inboundSession) assemble() ([]byte, error) {
	var held int64
	for i := 0; i < s.desc.TotalChunks; i++ {
		chunk, ok := s.chunks[i]
		if !ok {
			return nil, &MissingChunkError{Index: i}
		}
		held += int64(len(chunk))
	}
	if held != s.desc.ByteSize {
		return nil, &SizeMismatchError{Expected: s.desc.ByteSize, Actual: held}
	}
	data := make([]byte, 0, held)
	for i := 0; i < s.desc.TotalChunks; i++ {
		data = append(data, s.chunks[i]...)
	}
	if s.desc.Checksum != "" && ChecksumBytes(data) != s.desc.Checksum {
		return nil, ErrChecksumMismatch
	}
	return data, nil
}

// Assembler reconstructs inbound transfers from header/payload pairs. At most
// one inbound session is resident at a time.
type Assembler struct {
	reply Replier
	cb    ReceiveCallbacks
	opts  AssemblerOptions
	log   logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*inboundSession
	// pending is the session whose chunk header arrived last.
	pending *inboundSession
}

func NewAssembler(reply Replier, cb ReceiveCallbacks, opts AssemblerOptions) *Assembler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxObjectSize <= 0 {
		opts.MaxObjectSize = DefaultMaxObjectSize
	}
	return &Assembler{
		reply:    reply,
		cb:       cb,
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[string]*inboundSession),
	}
}

// HandleStart opens an inbound session for the announced object and
// acknowledges it. Invalid or oversized descriptors are dropped unacknowledged.
func (a *Assembler) HandleStart(c frame.Control) error {
	desc := descriptorFromStart(c)
	if err := desc.Validate(a.opts.MaxObjectSize); err != nil {
		a.log.WithError(err).WithField("transfer_id", c.ID).Warn("dropping transfer-start")
		return err
	}

	a.mu.Lock()
	if _, ok := a.sessions[desc.ID]; ok {
		a.mu.Unlock()
		a.log.WithField("transfer_id", desc.ID).Debug("repeated transfer-start, re-acknowledging")
		return a.ack(desc.ID)
	}

	var evicted *inboundSession
	for id, sess := range a.sessions {
		if !a.stale(sess) {
			a.mu.Unlock()
			a.log.WithFields(logrus.Fields{
				"transfer_id": desc.ID,
				"resident_id": id,
			}).Warn("rejecting transfer-start while another inbound transfer is resident")
			return fmt.Errorf("%w: %s is resident", ErrTransferInProgress, id)
		}
		evicted = sess
		a.dropLocked(id)
	}

	a.sessions[desc.ID] = &inboundSession{
		desc:         desc,
		chunks:       make(map[int][]byte),
		lastActivity: a.opts.Now(),
	}
	a.mu.Unlock()

	if evicted != nil {
		a.log.WithField("transfer_id", evicted.desc.ID).Warn("evicted idle inbound transfer")
		a.fail(evicted.desc, ErrStaleTransfer)
	}

	a.log.WithFields(logrus.Fields{
		"transfer_id":  desc.ID,
		"name":         desc.Name,
		"byte_size":    desc.ByteSize,
		"total_chunks": desc.TotalChunks,
	}).Info("inbound transfer started")
	if a.cb.OnStart != nil {
		a.cb.OnStart(desc)
	}
	return a.ack(desc.ID)
}

func (a *Assembler) stale(s *inboundSession) bool {
	return a.opts.IdleTimeout > 0 && a.opts.Now().Sub(s.lastActivity) > a.opts.IdleTimeout
}

func (a *Assembler) ack(id string) error {
	unit, err := frame.EncodeControl(frame.Control{Type: frame.TypeTransferAck, ID: id})
	if err != nil {
		return err
	}
	return a.reply.Send(unit)
}

// HandleChunkHeader records which index the next chunk payload belongs to.
func (a *Assembler) HandleChunkHeader(c frame.Control) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending = nil
	sess, ok := a.sessions[c.ID]
	if !ok {
		a.log.WithFields(logrus.Fields{"transfer_id": c.ID, "chunk_index": c.ChunkIndex}).
			Warn("dropping chunk header for unknown transfer")
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, c.ID)
	}
	if c.ChunkIndex < 0 || c.ChunkIndex >= sess.desc.TotalChunks {
		a.log.WithFields(logrus.Fields{"transfer_id": c.ID, "chunk_index": c.ChunkIndex}).
			Warn("dropping chunk header with out of range index")
		return fmt.Errorf("chunk index %d out of range [0,%d)", c.ChunkIndex, sess.desc.TotalChunks)
	}

	sess.expectedIndex = c.ChunkIndex
	sess.headerPending = true
	sess.lastDeclared = c.IsLastChunk
	sess.lastActivity = a.opts.Now()
	a.pending = sess
	return nil
}

// HandlePayload stores a chunk payload at the index announced by the
// preceding header. payload is retained; the caller must not reuse it.
func (a *Assembler) HandlePayload(payload []byte) error {
	a.mu.Lock()
	sess := a.pending
	a.pending = nil
	if sess == nil || !sess.headerPending || a.sessions[sess.desc.ID] != sess {
		a.mu.Unlock()
		a.log.WithField("byte_size", len(payload)).Warn("dropping chunk payload with no pending header")
		return fmt.Errorf("%w: payload without header", ErrUnknownTransfer)
	}
	sess.headerPending = false
	if len(payload) > sess.desc.ChunkSize {
		a.mu.Unlock()
		a.log.WithFields(logrus.Fields{
			"transfer_id": sess.desc.ID,
			"chunk_index": sess.expectedIndex,
			"byte_size":   len(payload),
		}).Warn("dropping chunk payload larger than the chunk size")
		return fmt.Errorf("chunk %d carries %d bytes, chunk size is %d", sess.expectedIndex, len(payload), sess.desc.ChunkSize)
	}

	index := sess.expectedIndex
	if prev, dup := sess.chunks[index]; dup {
		sess.receivedBytes -= int64(len(prev))
	} else {
		sess.receivedChunks++
	}
	sess.chunks[index] = payload
	sess.receivedBytes += int64(len(payload))
	sess.lastActivity = a.opts.Now()

	desc := sess.desc
	progress := ratio(sess.receivedBytes, desc.ByteSize)
	complete := sess.receivedChunks == desc.TotalChunks
	a.mu.Unlock()

	if a.cb.OnProgress != nil {
		a.cb.OnProgress(desc, progress)
	}
	if complete {
		a.finish(desc.ID)
	}
	return nil
}

// HandleComplete runs assembly if the session is still resident. This is
// where missing chunks surface and where empty objects complete.
func (a *Assembler) HandleComplete(c frame.Control) error {
	a.mu.Lock()
	_, ok := a.sessions[c.ID]
	a.mu.Unlock()
	if !ok {
		// Normal after assembly already ran on the last payload.
		a.log.WithField("transfer_id", c.ID).Debug("transfer-complete for no resident transfer")
		return nil
	}
	a.finish(c.ID)
	return nil
}

func (a *Assembler) finish(id string) {
	a.mu.Lock()
	sess, ok := a.sessions[id]
	if !ok {
		a.mu.Unlock()
		return
	}
	data, err := sess.assemble()
	a.dropLocked(id)
	a.mu.Unlock()

	if err != nil {
		a.log.WithError(err).WithField("transfer_id", id).Error("inbound transfer failed")
		a.fail(sess.desc, err)
		return
	}

	obj := Object{
		Metadata: Metadata{
			ID:        sess.desc.ID,
			Name:      sess.desc.Name,
			ByteSize:  sess.desc.ByteSize,
			MediaType: sess.desc.MediaType,
			Checksum:  sess.desc.Checksum,
			Timestamp: a.opts.Now(),
		},
		Data: data,
	}
	a.log.WithFields(logrus.Fields{"transfer_id": id, "byte_size": len(data)}).Info("inbound transfer complete")
	if a.cb.OnComplete != nil {
		a.cb.OnComplete(obj)
	}
}

func (a *Assembler) fail(desc Descriptor, err error) {
	if a.cb.OnError != nil {
		a.cb.OnError(desc, err)
	}
}

// dropLocked clears the chunk store and forgets the session.
func (a *Assembler) dropLocked(id string) {
	sess, ok := a.sessions[id]
	if !ok {
		return
	}
	sess.chunks = nil
	if a.pending == sess {
		a.pending = nil
	}
	delete(a.sessions, id)
}

// HandlePause marks a resident session as paused or resumed by the peer.
// It reports whether id named a resident session.
func (a *Assembler) HandlePause(id string, paused bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[id]
	if !ok {
		return false
	}
	sess.pausedByPeer = paused
	sess.lastActivity = a.opts.Now()
	return true
}

// Discard drops a resident session without reporting an error.
func (a *Assembler) Discard(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	a.dropLocked(id)
	a.log.WithField("transfer_id", id).Info("inbound transfer discarded")
	return nil
}

// Active returns the resident inbound session, if any.
func (a *Assembler) Active() (InboundState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sess := range a.sessions {
		return sess.state(), true
	}
	return InboundState{}, false
}

// State snapshots the session for id.
func (a *Assembler) State(id string) (InboundState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[id]
	if !ok {
		return InboundState{}, false
	}
	return sess.state(), true
}
