package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jaywantadh/dropwire/internal/channel"
	"github.com/jaywantadh/dropwire/internal/inbox"
	"github.com/jaywantadh/dropwire/internal/link"
	"github.com/jaywantadh/dropwire/internal/transfer"
	"github.com/jaywantadh/dropwire/pkg/env"
	"github.com/jaywantadh/dropwire/pkg/logging"
	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func listenCommand() *cli.Command {
	return &cli.Command{
		Name:    "listen",
		Aliases: []string{"l"},
		Usage:   "Accept peers, store what they send and answer speed tests",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "listen address"},
			&cli.StringFlag{Name: "transport", Usage: "tcp or ws"},
		},
		Action: func(c *cli.Context) error {
			addr := c.String("addr")
			if addr == "" {
				addr = appConfig.Listen
			}
			transport := c.String("transport")
			if transport == "" {
				transport = appConfig.Transport
			}

			box, err := openInbox()
			if err != nil {
				return err
			}
			defer box.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := logging.For("listen")
			log.WithFields(logrus.Fields{"addr": addr, "transport": transport, "node": appConfig.NodeName}).
				Info("listening for peers")
			pterm.Info.Printfln("%s listening on %s (%s)", appConfig.NodeName, addr, transport)

			switch transport {
			case "ws":
				return serveWebSocket(ctx, addr, box, log)
			default:
				return serveTCP(ctx, addr, box, log)
			}
		},
	}
}

func openInbox() (*inbox.Inbox, error) {
	return inbox.Open(inbox.Options{
		StoragePath:  appConfig.StoragePath,
		MetadataPath: appConfig.MetadataPath,
		Compress:     appConfig.Compress,
		Logger:       logging.For("inbox"),
	})
}

func serveTCP(ctx context.Context, addr string, box *inbox.Inbox, log *logrus.Entry) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("accept failed")
			continue
		}
		go servePeer(channel.NewTCP(conn), conn.RemoteAddr().String(), box)
	}
}

func serveWebSocket(ctx context.Context, addr string, box *inbox.Inbox, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle(wsPath, channel.WebSocketHandler(func(ws *channel.WebSocket) {
		servePeer(ws, ws.RemoteAddr().String(), box)
	}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		grace := env.GetDuration("DROPWIRE_SHUTDOWN_GRACE", 5*time.Second)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// servePeer runs one link until the peer disconnects.
func servePeer(ch peerChannel, peer string, box *inbox.Inbox) {
	log := logging.For("peer").WithField("peer", peer)
	log.Info("peer connected")

	opts := link.OptionsFromConfig(appConfig)
	opts.Logger = log
	opts.OnReceiveStart = func(d transfer.Descriptor) {
		pterm.Info.Printfln("%s: receiving %s (%s)", peer, d.Name, humanize.Bytes(uint64(d.ByteSize)))
	}
	opts.OnReceive = func(obj transfer.Object) {
		rec, err := box.Save(obj, peer)
		if err != nil {
			log.WithError(err).Error("failed to save object")
			pterm.Error.Printfln("%s: could not store %s: %v", peer, obj.Name, err)
			return
		}
		pterm.Success.Printfln("%s: stored %s (%s, id %s)", peer, rec.Name, humanize.Bytes(uint64(rec.ByteSize)), rec.ID)
	}
	opts.OnReceiveError = func(d transfer.Descriptor, err error) {
		pterm.Error.Printfln("%s: transfer of %s failed: %v", peer, d.Name, err)
	}

	l := link.New(ch, opts)
	<-ch.Done()
	l.Close()
	log.WithError(ch.Err()).Info("peer disconnected")
}
