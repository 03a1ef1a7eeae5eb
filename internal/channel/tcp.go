package channel

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// MaxUnitSize bounds a single length-prefixed unit on stream transports.
const MaxUnitSize = 10 * 1024 * 1024

// TCP frames units on a stream connection with a 4-byte big-endian length prefix.
type TCP struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	queue  *writeQueue

	mu      sync.Mutex
	handler Handler
	started bool
	readErr error
}

// NewTCP wraps an established connection and starts its writer.
func NewTCP(conn net.Conn) *TCP {
	t := &TCP{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		queue:  newWriteQueue(),
	}
	go t.queue.run(t.writeUnit)
	return t
}

// DialTCP connects to addr and wraps the connection.
func DialTCP(ctx context.Context, addr string) (*TCP, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to peer %s: %w", addr, err)
	}
	return NewTCP(conn), nil
}

func (t *TCP) writeUnit(unit []byte) error {
	if err := binary.Write(t.writer, binary.BigEndian, uint32(len(unit))); err != nil {
		return fmt.Errorf("failed to write unit length: %w", err)
	}
	if _, err := t.writer.Write(unit); err != nil {
		return fmt.Errorf("failed to write unit data: %w", err)
	}
	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush unit: %w", err)
	}
	return nil
}

func (t *TCP) readUnit() ([]byte, error) {
	var length uint32
	if err := binary.Read(t.reader, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > MaxUnitSize {
		return nil, fmt.Errorf("invalid unit length: %d", length)
	}
	unit := make([]byte, length)
	if _, err := io.ReadFull(t.reader, unit); err != nil {
		return nil, fmt.Errorf("failed to read unit data: %w", err)
	}
	return unit, nil
}

func (t *TCP) Send(unit []byte) error {
	if len(unit) > MaxUnitSize {
		return fmt.Errorf("unit of %d bytes exceeds limit", len(unit))
	}
	return t.queue.push(unit)
}

func (t *TCP) BufferedAmount() int { return t.queue.bufferedAmount() }

func (t *TCP) Drained() <-chan struct{} { return t.queue.drained }

func (t *TCP) OnUnit(h Handler) {
	t.mu.Lock()
	t.handler = h
	start := !t.started
	t.started = true
	t.mu.Unlock()

	if start {
		go t.readLoop()
	}
}

func (t *TCP) readLoop() {
	for {
		unit, err := t.readUnit()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = ErrClosed
			}
			t.mu.Lock()
			t.readErr = err
			t.mu.Unlock()
			t.queue.fail(err)
			_ = t.conn.Close()
			return
		}
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h(unit)
		}
	}
}

func (t *TCP) Close() error {
	t.queue.fail(ErrClosed)
	return t.conn.Close()
}

func (t *TCP) Done() <-chan struct{} { return t.queue.done }

func (t *TCP) Err() error {
	t.mu.Lock()
	readErr := t.readErr
	t.mu.Unlock()
	if readErr != nil {
		return readErr
	}
	return t.queue.failure()
}

func (t *TCP) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
