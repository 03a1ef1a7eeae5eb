package channel

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// DefaultDrainThreshold is the buffered amount below which a data channel
// raises its low-buffer event.
const DefaultDrainThreshold = 32 * 1024

// DataChannel adapts an open pion data channel. Units travel as binary
// messages; the gauge and drain event are the data channel's own.
type DataChannel struct {
	dc *webrtc.DataChannel

	drained chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewDataChannel wraps dc. threshold <= 0 selects DefaultDrainThreshold.
func NewDataChannel(dc *webrtc.DataChannel, threshold int) *DataChannel {
	if threshold <= 0 {
		threshold = DefaultDrainThreshold
	}
	d := &DataChannel{
		dc:      dc,
		drained: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	dc.SetBufferedAmountLowThreshold(uint64(threshold))
	dc.OnBufferedAmountLow(func() { notify(d.drained) })
	dc.OnClose(d.markDone)
	return d
}

func (d *DataChannel) markDone() {
	d.once.Do(func() { close(d.done) })
}

func (d *DataChannel) Send(unit []byte) error {
	if d.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrClosed
	}
	return d.dc.Send(unit)
}

func (d *DataChannel) BufferedAmount() int { return int(d.dc.BufferedAmount()) }

func (d *DataChannel) Drained() <-chan struct{} { return d.drained }

func (d *DataChannel) OnUnit(h Handler) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		h(msg.Data)
	})
}

func (d *DataChannel) Close() error {
	err := d.dc.Close()
	d.markDone()
	return err
}

func (d *DataChannel) Done() <-chan struct{} { return d.done }

func (d *DataChannel) Err() error {
	select {
	case <-d.done:
		return ErrClosed
	default:
		return nil
	}
}
