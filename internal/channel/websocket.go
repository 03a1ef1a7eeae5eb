package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsCloseGrace = time.Second

// WebSocket carries one unit per binary websocket message.
type WebSocket struct {
	conn  *websocket.Conn
	queue *writeQueue

	mu      sync.Mutex
	handler Handler
	started bool
	readErr error
}

// NewWebSocket wraps an established websocket connection and starts its writer.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(MaxUnitSize)
	w := &WebSocket{
		conn:  conn,
		queue: newWriteQueue(),
	}
	go w.queue.run(func(unit []byte) error {
		return conn.WriteMessage(websocket.BinaryMessage, unit)
	})
	return w
}

// DialWebSocket opens a websocket to url (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket %s: %w", url, err)
	}
	return NewWebSocket(conn), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketHandler upgrades every request and hands the channel to accept.
// accept runs on the request goroutine; the connection stays open until it returns.
func WebSocketHandler(accept func(ws *WebSocket)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws := NewWebSocket(conn)
		defer ws.Close()
		accept(ws)
	})
}

func (w *WebSocket) Send(unit []byte) error {
	if len(unit) > MaxUnitSize {
		return fmt.Errorf("unit of %d bytes exceeds limit", len(unit))
	}
	return w.queue.push(unit)
}

func (w *WebSocket) BufferedAmount() int { return w.queue.bufferedAmount() }

func (w *WebSocket) Drained() <-chan struct{} { return w.queue.drained }

func (w *WebSocket) OnUnit(h Handler) {
	w.mu.Lock()
	w.handler = h
	start := !w.started
	w.started = true
	w.mu.Unlock()

	if start {
		go w.readLoop()
	}
}

func (w *WebSocket) readLoop() {
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				err = ErrClosed
			}
			w.mu.Lock()
			w.readErr = err
			w.mu.Unlock()
			w.queue.fail(err)
			_ = w.conn.Close()
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		w.mu.Lock()
		h := w.handler
		w.mu.Unlock()
		if h != nil {
			h(data)
		}
	}
}

func (w *WebSocket) Close() error {
	w.queue.fail(ErrClosed)
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsCloseGrace))
	return w.conn.Close()
}

func (w *WebSocket) Done() <-chan struct{} { return w.queue.done }

func (w *WebSocket) Err() error {
	w.mu.Lock()
	readErr := w.readErr
	w.mu.Unlock()
	if readErr != nil {
		return readErr
	}
	return w.queue.failure()
}

func (w *WebSocket) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }
