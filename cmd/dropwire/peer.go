package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jaywantadh/dropwire/internal/channel"
	"github.com/jaywantadh/dropwire/internal/flow"
)

const wsPath = "/link"

type peerChannel interface {
	channel.Channel
	channel.Closer
}

// dial opens a channel to addr over transport.
func dial(ctx context.Context, transport, addr string) (peerChannel, error) {
	switch transport {
	case "tcp":
		ch, err := channel.DialTCP(ctx, addr)
		if err != nil {
			return nil, err
		}
		return ch, nil
	case "ws":
		url := addr
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			url = "ws://" + addr + wsPath
		}
		ch, err := channel.DialWebSocket(ctx, url)
		if err != nil {
			return nil, err
		}
		return ch, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", transport)
	}
}

// flush waits until everything queued on ch has been handed to the network.
func flush(ch channel.Channel, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return flow.New(1, 1, 0).AwaitDrain(ctx, ch)
}
