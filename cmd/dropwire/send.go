package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jaywantadh/dropwire/internal/chunker"
	"github.com/jaywantadh/dropwire/internal/link"
	"github.com/jaywantadh/dropwire/internal/transfer"
	"github.com/jaywantadh/dropwire/pkg/logging"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
)

const flushTimeout = 30 * time.Second

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Aliases:   []string{"s"},
		Usage:     "Send one or more files to a listening peer",
		ArgsUsage: "FILE...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "peer", Aliases: []string{"p"}, Usage: "address of a listening peer", Required: true},
			&cli.StringFlag{Name: "transport", Usage: "tcp or ws"},
			&cli.BoolFlag{Name: "checksum", Usage: "send a BLAKE2b-256 digest with every file"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.ShowCommandHelp(c, "send")
			}
			transport := c.String("transport")
			if transport == "" {
				transport = appConfig.Transport
			}
			addr := c.String("peer")

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			ch, err := dial(ctx, transport, addr)
			if err != nil {
				return err
			}
			opts := link.OptionsFromConfig(appConfig)
			if c.Bool("checksum") {
				opts.Checksum = true
			}
			opts.Logger = logging.For("send").WithField("peer", addr)
			l := link.New(ch, opts)
			defer l.Close()

			for _, path := range c.Args().Slice() {
				if err := sendOne(ctx, l, path); err != nil {
					return err
				}
			}
			if err := flush(ch, flushTimeout); err != nil {
				return fmt.Errorf("failed to flush channel: %w", err)
			}
			return nil
		},
	}
}

func sendOne(ctx context.Context, l *link.Link, path string) error {
	src, err := chunker.OpenFile(path)
	if err != nil {
		return err
	}
	defer src.Close()

	var bar *progressBar
	cb := transfer.Callbacks{
		OnStart: func(d transfer.Descriptor) {
			if b, err := newProgressBar(d); err == nil {
				bar = b
			}
		},
		OnProgress: func(_ transfer.Descriptor, ratio float64) {
			if bar != nil {
				bar.set(ratio)
			}
		},
	}

	sess, err := l.SendFile(ctx, src, cb)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", path, err)
	}
	err = l.Wait(ctx, sess.Descriptor().ID)
	if bar != nil {
		if err == nil {
			bar.set(1)
		}
		bar.stop()
	}
	if err != nil {
		return fmt.Errorf("transfer of %s failed: %w", path, err)
	}
	d := sess.Descriptor()
	l.Forget(d.ID)
	pterm.Success.Printfln("sent %s (%s) as %s", d.Name, humanize.Bytes(uint64(d.ByteSize)), d.ID)
	return nil
}
