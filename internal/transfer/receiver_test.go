package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jaywantadh/dropwire/internal/chunker"
	"github.com/jaywantadh/dropwire/internal/frame"
)

type recordingReplier struct {
	mu   sync.Mutex
	acks []string
}

func (r *recordingReplier) Send(unit []byte) error {
	f, err := frame.Decode(unit)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if f.Control.Type == frame.TypeTransferAck {
		r.acks = append(r.acks, f.Control.ID)
	}
	return nil
}

func (r *recordingReplier) ackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acks)
}

// outcome collects assembler callbacks.
type outcome struct {
	mu       sync.Mutex
	objects  []Object
	errs     []error
	progress []float64
}

func (o *outcome) callbacks() ReceiveCallbacks {
	return ReceiveCallbacks{
		OnProgress: func(_ Descriptor, r float64) {
			o.mu.Lock()
			o.progress = append(o.progress, r)
			o.mu.Unlock()
		},
		OnComplete: func(obj Object) {
			o.mu.Lock()
			o.objects = append(o.objects, obj)
			o.mu.Unlock()
		},
		OnError: func(_ Descriptor, err error) {
			o.mu.Lock()
			o.errs = append(o.errs, err)
			o.mu.Unlock()
		},
	}
}

// loopbackWire decodes every unit the sender emits and feeds it straight into
// an assembler, standing in for a perfectly ordered channel.
type loopbackWire struct {
	asm *Assembler
}

func (w *loopbackWire) BufferedAmount() int { return 0 }

func (w *loopbackWire) Send(unit []byte) error {
	cp := append([]byte(nil), unit...)
	f, err := frame.Decode(cp)
	if err != nil {
		return err
	}
	switch f.Envelope {
	case frame.EnvelopeChunk:
		w.asm.HandlePayload(f.Payload)
	case frame.EnvelopeControl:
		switch f.Control.Type {
		case frame.TypeTransferStart:
			w.asm.HandleStart(f.Control)
		case frame.TypeTransferChunkHeader:
			w.asm.HandleChunkHeader(f.Control)
		case frame.TypeTransferComplete:
			w.asm.HandleComplete(f.Control)
		}
	}
	return nil
}

func newTestAssembler(o *outcome) (*Assembler, *recordingReplier) {
	r := &recordingReplier{}
	return NewAssembler(r, o.callbacks(), AssemblerOptions{Logger: quietLogger()}), r
}

func startFrame(id string, size int64, chunkSize int) frame.Control {
	return frame.Control{
		Type:        frame.TypeTransferStart,
		ID:          id,
		Name:        id + ".bin",
		ByteSize:    size,
		MediaType:   "application/octet-stream",
		ChunkSize:   chunkSize,
		TotalChunks: chunker.TotalChunks(size, chunkSize),
	}
}

func deliver(t *testing.T, a *Assembler, id string, index int, payload []byte) {
	t.Helper()
	if err := a.HandleChunkHeader(frame.Control{Type: frame.TypeTransferChunkHeader, ID: id, ChunkIndex: index}); err != nil {
		t.Fatalf("header %d: %v", index, err)
	}
	if err := a.HandlePayload(payload); err != nil {
		t.Fatalf("payload %d: %v", index, err)
	}
}

func TestRoundTripOverLoopback(t *testing.T) {
	const chunkSize = 16384
	sizes := []int{0, 1, chunkSize - 1, chunkSize, chunkSize + 1, 1_000_000}
	rng := rand.New(rand.NewSource(1))

	for _, size := range sizes {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			data := make([]byte, size)
			rng.Read(data)

			var o outcome
			asm, replier := newTestAssembler(&o)
			s := NewSender(&loopbackWire{asm: asm}, SenderOptions{PacingYield: time.Nanosecond, Logger: quietLogger()})

			sess, err := s.Start(context.Background(), chunker.FromBytes("obj", data, ""), chunkSize, Callbacks{})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			waitSession(t, sess)

			if len(o.errs) != 0 {
				t.Fatalf("receive errors: %v", o.errs)
			}
			if len(o.objects) != 1 {
				t.Fatalf("completed %d objects, want 1", len(o.objects))
			}
			obj := o.objects[0]
			if !bytes.Equal(obj.Data, data) {
				t.Fatalf("reassembled data differs")
			}
			if obj.ID != sess.Descriptor().ID || obj.Name != "obj" || obj.ByteSize != int64(size) || obj.Timestamp.IsZero() {
				t.Fatalf("metadata = %+v", obj.Metadata)
			}
			if replier.ackCount() != 1 {
				t.Fatalf("acks = %d", replier.ackCount())
			}
			if _, ok := asm.Active(); ok {
				t.Fatalf("inbound session left resident")
			}
		})
	}
}

func TestAssemblerMissingChunk(t *testing.T) {
	var o outcome
	a, _ := newTestAssembler(&o)
	if err := a.HandleStart(startFrame("m", 100, 10)); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	for i := 0; i < 10; i++ {
		if i == 3 {
			continue
		}
		deliver(t, a, "m", i, make([]byte, 10))
	}
	if len(o.objects) != 0 || len(o.errs) != 0 {
		t.Fatalf("assembly ran before transfer-complete")
	}
	if err := a.HandleComplete(frame.Control{Type: frame.TypeTransferComplete, ID: "m"}); err != nil {
		t.Fatalf("HandleComplete: %v", err)
	}

	if len(o.objects) != 0 {
		t.Fatalf("completion callback invoked despite missing chunk")
	}
	if len(o.errs) != 1 {
		t.Fatalf("errors = %v", o.errs)
	}
	var missing *MissingChunkError
	if !errors.As(o.errs[0], &missing) || missing.Index != 3 || !errors.Is(o.errs[0], ErrMissingChunk) {
		t.Fatalf("err = %v, want MissingChunk(3)", o.errs[0])
	}
	if _, ok := a.Active(); ok {
		t.Fatalf("failed session left resident")
	}

	// A new transfer starts immediately after the failure.
	if err := a.HandleStart(startFrame("next", 5, 10)); err != nil {
		t.Fatalf("HandleStart after failure: %v", err)
	}
}

func TestAssemblerSizeMismatch(t *testing.T) {
	var o outcome
	a, _ := newTestAssembler(&o)
	if err := a.HandleStart(startFrame("s", 25, 10)); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	deliver(t, a, "s", 0, make([]byte, 10))
	deliver(t, a, "s", 1, make([]byte, 10))
	deliver(t, a, "s", 2, make([]byte, 4))

	if len(o.errs) != 1 {
		t.Fatalf("errors = %v", o.errs)
	}
	var mismatch *SizeMismatchError
	if !errors.As(o.errs[0], &mismatch) || mismatch.Expected != 25 || mismatch.Actual != 24 {
		t.Fatalf("err = %v", o.errs[0])
	}
	if !errors.Is(o.errs[0], ErrSizeMismatch) {
		t.Fatalf("SizeMismatchError does not match ErrSizeMismatch")
	}
}

func TestAssemblerDropsUnknownTransfer(t *testing.T) {
	var o outcome
	a, _ := newTestAssembler(&o)
	if err := a.HandleStart(startFrame("known", 20, 10)); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}

	err := a.HandleChunkHeader(frame.Control{Type: frame.TypeTransferChunkHeader, ID: "other", ChunkIndex: 0})
	if !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("header err = %v", err)
	}
	// The payload following a dropped header is dropped too.
	if err := a.HandlePayload(make([]byte, 10)); !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("payload err = %v", err)
	}
	if err := a.HandleChunkHeader(frame.Control{Type: frame.TypeTransferChunkHeader, ID: "known", ChunkIndex: 7}); err == nil {
		t.Fatalf("out of range index accepted")
	}

	st, ok := a.State("known")
	if !ok || st.ReceivedChunks != 0 {
		t.Fatalf("state = %+v, %v", st, ok)
	}

	deliver(t, a, "known", 0, make([]byte, 10))
	deliver(t, a, "known", 1, make([]byte, 10))
	if len(o.objects) != 1 || len(o.errs) != 0 {
		t.Fatalf("objects/errs = %d/%v", len(o.objects), o.errs)
	}
}

func TestAssemblerDuplicateChunk(t *testing.T) {
	var o outcome
	a, _ := newTestAssembler(&o)
	if err := a.HandleStart(startFrame("d", 30, 10)); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	deliver(t, a, "d", 0, bytes.Repeat([]byte("a"), 10))
	deliver(t, a, "d", 0, bytes.Repeat([]byte("b"), 10))

	st, _ := a.State("d")
	if st.ReceivedChunks != 1 || st.ReceivedBytes != 10 {
		t.Fatalf("duplicate counted twice: %+v", st)
	}
	deliver(t, a, "d", 1, bytes.Repeat([]byte("c"), 10))
	deliver(t, a, "d", 2, bytes.Repeat([]byte("d"), 10))

	if len(o.objects) != 1 {
		t.Fatalf("objects = %d, errs = %v", len(o.objects), o.errs)
	}
	if string(o.objects[0].Data[:10]) != "bbbbbbbbbb" {
		t.Fatalf("duplicate did not replace the slot")
	}
}

func TestAssemblerStartHandling(t *testing.T) {
	var o outcome
	a, replier := newTestAssembler(&o)

	bad := startFrame("bad", 100, 10)
	bad.TotalChunks = 3
	if err := a.HandleStart(bad); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("inconsistent descriptor err = %v", err)
	}

	if err := a.HandleStart(startFrame("one", 100, 10)); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	if err := a.HandleStart(startFrame("one", 100, 10)); err != nil {
		t.Fatalf("repeated HandleStart: %v", err)
	}
	if replier.ackCount() != 2 {
		t.Fatalf("acks = %d, want 2", replier.ackCount())
	}

	if err := a.HandleStart(startFrame("two", 100, 10)); !errors.Is(err, ErrTransferInProgress) {
		t.Fatalf("second transfer err = %v", err)
	}
	if replier.ackCount() != 2 {
		t.Fatalf("rejected start was acknowledged")
	}
	if st, ok := a.Active(); !ok || st.Descriptor.ID != "one" {
		t.Fatalf("resident session = %+v", st)
	}
}

func TestAssemblerEvictsIdleSession(t *testing.T) {
	var o outcome
	now := time.Unix(1_700_000_000, 0)
	a := NewAssembler(&recordingReplier{}, o.callbacks(), AssemblerOptions{
		IdleTimeout: time.Minute,
		Logger:      quietLogger(),
		Now:         func() time.Time { return now },
	})

	if err := a.HandleStart(startFrame("old", 100, 10)); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	now = now.Add(30 * time.Second)
	if err := a.HandleStart(startFrame("new", 100, 10)); !errors.Is(err, ErrTransferInProgress) {
		t.Fatalf("evicted a session that was not idle: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := a.HandleStart(startFrame("new", 100, 10)); err != nil {
		t.Fatalf("HandleStart after idle timeout: %v", err)
	}
	if len(o.errs) != 1 || !errors.Is(o.errs[0], ErrStaleTransfer) {
		t.Fatalf("errors = %v", o.errs)
	}
	if st, ok := a.Active(); !ok || st.Descriptor.ID != "new" {
		t.Fatalf("resident session = %+v", st)
	}
}

func TestAssemblerChecksum(t *testing.T) {
	data := []byte("0123456789abcdefghij")
	start := startFrame("c", int64(len(data)), 10)
	start.Checksum = ChecksumBytes(data)

	var o outcome
	a, _ := newTestAssembler(&o)
	if err := a.HandleStart(start); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	deliver(t, a, "c", 0, data[:10])
	deliver(t, a, "c", 1, []byte("ABCDEFGHIJ"))
	if len(o.errs) != 1 || !errors.Is(o.errs[0], ErrChecksumMismatch) {
		t.Fatalf("errors = %v", o.errs)
	}

	var ok outcome
	a, _ = newTestAssembler(&ok)
	if err := a.HandleStart(start); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	deliver(t, a, "c", 0, data[:10])
	deliver(t, a, "c", 1, data[10:])
	if len(ok.objects) != 1 || ok.objects[0].Checksum != start.Checksum {
		t.Fatalf("objects = %d, errs = %v", len(ok.objects), ok.errs)
	}
}

func TestAssemblerPauseAndDiscard(t *testing.T) {
	var o outcome
	a, _ := newTestAssembler(&o)
	if err := a.HandleStart(startFrame("p", 100, 10)); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	if !a.HandlePause("p", true) {
		t.Fatalf("HandlePause did not find the session")
	}
	if st, _ := a.State("p"); !st.PausedByPeer {
		t.Fatalf("session not marked paused")
	}
	if a.HandlePause("missing", true) {
		t.Fatalf("HandlePause matched an unknown id")
	}

	if err := a.Discard("p"); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if err := a.Discard("p"); !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("second Discard err = %v", err)
	}
	if len(o.errs) != 0 || len(o.objects) != 0 {
		t.Fatalf("discard reported an outcome")
	}
}

func TestAssemblerRejectsOversizedStart(t *testing.T) {
	var o outcome
	a, replier := newTestAssembler(&o)

	huge := startFrame("huge", 1<<60, 1<<40)
	if err := a.HandleStart(huge); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("oversized start err = %v, want ErrInvalidDescriptor", err)
	}
	if replier.ackCount() != 0 {
		t.Fatalf("oversized start was acknowledged")
	}
	if _, ok := a.Active(); ok {
		t.Fatalf("oversized start left a resident session")
	}
	if err := a.HandleComplete(frame.Control{Type: frame.TypeTransferComplete, ID: "huge"}); err != nil {
		t.Fatalf("HandleComplete: %v", err)
	}
	if len(o.errs) != 0 || len(o.objects) != 0 {
		t.Fatalf("rejected start produced an outcome: %v", o.errs)
	}

	limited := NewAssembler(&recordingReplier{}, o.callbacks(), AssemblerOptions{MaxObjectSize: 1000, Logger: quietLogger()})
	if err := limited.HandleStart(startFrame("big", 1001, 10)); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("start above configured limit err = %v", err)
	}
	if err := limited.HandleStart(startFrame("fits", 1000, 10)); err != nil {
		t.Fatalf("start at the limit: %v", err)
	}
}

func TestAssemblerHugeDeclarationsFailWithMissingChunk(t *testing.T) {
	cases := []struct {
		name      string
		size      int64
		chunkSize int
		maxSize   int64
	}{
		{"huge size", 1 << 60, 1 << 40, 1 << 62},
		{"huge count", 1 << 31, 1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var o outcome
			a := NewAssembler(&recordingReplier{}, o.callbacks(), AssemblerOptions{MaxObjectSize: tc.maxSize, Logger: quietLogger()})
			if err := a.HandleStart(startFrame("x", tc.size, tc.chunkSize)); err != nil {
				t.Fatalf("HandleStart: %v", err)
			}
			if err := a.HandleComplete(frame.Control{Type: frame.TypeTransferComplete, ID: "x"}); err != nil {
				t.Fatalf("HandleComplete: %v", err)
			}

			var missing *MissingChunkError
			if len(o.errs) != 1 || !errors.As(o.errs[0], &missing) || missing.Index != 0 {
				t.Fatalf("errors = %v, want missing chunk 0", o.errs)
			}
			if len(o.objects) != 0 {
				t.Fatalf("incomplete transfer produced an object")
			}
			if _, ok := a.Active(); ok {
				t.Fatalf("failed session is still resident")
			}
		})
	}
}

func TestAssemblerDropsOversizedPayload(t *testing.T) {
	var o outcome
	a, _ := newTestAssembler(&o)
	if err := a.HandleStart(startFrame("p", 100, 10)); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	if err := a.HandleChunkHeader(frame.Control{Type: frame.TypeTransferChunkHeader, ID: "p", ChunkIndex: 0}); err != nil {
		t.Fatalf("HandleChunkHeader: %v", err)
	}
	if err := a.HandlePayload(make([]byte, 11)); err == nil {
		t.Fatalf("payload longer than the chunk size was accepted")
	}
	if st, _ := a.State("p"); st.ReceivedChunks != 0 || st.ReceivedBytes != 0 {
		t.Fatalf("state after oversized payload = %+v", st)
	}
}
