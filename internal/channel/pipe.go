package channel

import (
	"sync"
)

// PipeEnd is one side of an in-memory channel pair. Units sent on one end are
// delivered to the other end's handler in order; the sender's gauge counts
// bytes that have not been delivered yet.
type PipeEnd struct {
	peer *PipeEnd

	mu       sync.Mutex
	inbox    [][]byte
	handler  Handler
	started  bool
	closed   bool
	buffered int // bytes this end sent that the peer has not consumed

	wake    chan struct{}
	drained chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Pipe returns two connected ends.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := newPipeEnd()
	b := newPipeEnd()
	a.peer, b.peer = b, a
	return a, b
}

func newPipeEnd() *PipeEnd {
	return &PipeEnd{
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (p *PipeEnd) Send(unit []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.buffered += len(unit)
	p.mu.Unlock()

	cp := make([]byte, len(unit))
	copy(cp, unit)

	peer := p.peer
	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		p.release(len(unit))
		return ErrClosed
	}
	peer.inbox = append(peer.inbox, cp)
	peer.mu.Unlock()
	notify(peer.wake)
	return nil
}

func (p *PipeEnd) BufferedAmount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffered
}

func (p *PipeEnd) Drained() <-chan struct{} {
	return p.drained
}

func (p *PipeEnd) OnUnit(h Handler) {
	p.mu.Lock()
	p.handler = h
	start := !p.started
	p.started = true
	p.mu.Unlock()

	if start {
		go p.deliver()
	}
}

func (p *PipeEnd) deliver() {
	for {
		p.mu.Lock()
		for len(p.inbox) == 0 && !p.closed {
			p.mu.Unlock()
			select {
			case <-p.wake:
			case <-p.done:
			}
			p.mu.Lock()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		unit := p.inbox[0]
		p.inbox[0] = nil
		p.inbox = p.inbox[1:]
		h := p.handler
		p.mu.Unlock()

		if h != nil {
			h(unit)
		}
		p.peer.release(len(unit))
	}
}

func (p *PipeEnd) release(n int) {
	p.mu.Lock()
	p.buffered -= n
	if p.buffered < 0 {
		p.buffered = 0
	}
	p.mu.Unlock()
	notify(p.drained)
}

// Close shuts both ends down. Undelivered units are dropped.
func (p *PipeEnd) Close() error {
	p.shutdown()
	p.peer.shutdown()
	return nil
}

func (p *PipeEnd) shutdown() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.inbox = nil
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *PipeEnd) Done() <-chan struct{} { return p.done }

func (p *PipeEnd) Err() error {
	select {
	case <-p.done:
		return ErrClosed
	default:
		return nil
	}
}
