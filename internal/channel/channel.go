// Package channel adapts already-open, ordered, reliable message transports to
// the minimal surface the transfer and probe protocols need: send a unit, read
// the send-buffer gauge, and receive units in order.
package channel

import "errors"

var ErrClosed = errors.New("channel closed")

// Handler receives one inbound unit. Adapters call it from a single goroutine,
// in send order. The unit is owned by the handler.
type Handler func(unit []byte)

// Channel is the only I/O primitive of the core. Implementations do not own
// connection establishment.
type Channel interface {
	// Send queues unit for delivery. It must not retain unit after returning.
	Send(unit []byte) error
	// BufferedAmount reports bytes accepted by Send but not yet handed to the network.
	BufferedAmount() int
	// OnUnit installs the inbound handler and starts delivery.
	OnUnit(h Handler)
	Close() error
}

// DrainNotifier is implemented by adapters that can signal when their send
// buffer shrinks. Notifications are hints; the gauge stays authoritative.
type DrainNotifier interface {
	Drained() <-chan struct{}
}

// Closer exposes the terminal state of adapters that own a reader.
type Closer interface {
	Done() <-chan struct{}
	Err() error
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
