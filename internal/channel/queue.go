package channel

import (
	"sync"
)

// writeQueue decouples Send from a blocking network write so stream-oriented
// transports can expose a bufferedAmount gauge like a data channel does.
type writeQueue struct {
	mu       sync.Mutex
	pending  [][]byte
	buffered int
	closed   bool
	err      error

	wake    chan struct{}
	drained chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newWriteQueue() *writeQueue {
	return &writeQueue{
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (q *writeQueue) push(unit []byte) error {
	cp := make([]byte, len(unit))
	copy(cp, unit)

	q.mu.Lock()
	if q.closed {
		err := q.err
		q.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrClosed
	}
	q.pending = append(q.pending, cp)
	q.buffered += len(cp)
	q.mu.Unlock()
	notify(q.wake)
	return nil
}

func (q *writeQueue) bufferedAmount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffered
}

// run drains the queue through write until the queue is closed or write fails.
func (q *writeQueue) run(write func(unit []byte) error) {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.mu.Unlock()
			select {
			case <-q.wake:
			case <-q.done:
			}
			q.mu.Lock()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		unit := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := write(unit); err != nil {
			q.fail(err)
			return
		}

		q.mu.Lock()
		q.buffered -= len(unit)
		q.mu.Unlock()
		notify(q.drained)
	}
}

func (q *writeQueue) fail(err error) {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.err = err
		q.pending = nil
		q.buffered = 0
		q.mu.Unlock()
		close(q.done)
	})
}

func (q *writeQueue) failure() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}
