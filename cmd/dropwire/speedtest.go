package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jaywantadh/dropwire/internal/link"
	"github.com/jaywantadh/dropwire/pkg/logging"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
)

func speedtestCommand() *cli.Command {
	return &cli.Command{
		Name:    "speedtest",
		Aliases: []string{"st"},
		Usage:   "Measure upload and download throughput to a listening peer",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "peer", Aliases: []string{"p"}, Usage: "address of a listening peer", Required: true},
			&cli.StringFlag{Name: "transport", Usage: "tcp or ws"},
			&cli.DurationFlag{Name: "duration", Usage: "length of each round"},
		},
		Action: func(c *cli.Context) error {
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
			if d := c.Duration("duration"); d > 0 {
				opts.Probe.RoundDuration = d
			}
			opts.Logger = logging.For("speedtest").WithField("peer", addr)
			l := link.New(ch, opts)
			defer l.Close()

			spinner, _ := pterm.DefaultSpinner.Start("running speed test")
			res, err := l.RunSpeedTest(ctx)
			if spinner != nil {
				spinner.Stop()
			}
			if err != nil {
				return err
			}
			if res.DownloadTimedOut {
				pterm.Warning.Println("peer did not answer the download request in time")
			}
			return printSpeedTest(addr, res)
		},
	}
}
