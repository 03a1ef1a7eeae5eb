package main

import (
	"os"

	"github.com/jaywantadh/dropwire/config"
	"github.com/jaywantadh/dropwire/pkg/env"
	"github.com/jaywantadh/dropwire/pkg/logging"
	"github.com/urfave/cli/v2"
)

var appConfig *config.AppConfig

func main() {
	env.LoadEnv()

	app := &cli.App{
		Name:  "dropwire",
		Usage: "Chunked file transfer and link speed tests between two peers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "directory containing config.yaml",
				Value:   env.GetEnv("DROPWIRE_CONFIG_DIR", "."),
				EnvVars: []string{"DROPWIRE_CONFIG_DIR"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "verbose text logging",
				Value: env.GetBool("DROPWIRE_DEBUG", false),
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if c.Bool("debug") {
				cfg.Debug = true
			}
			logging.InitLogger(cfg.Debug)
			appConfig = cfg
			return nil
		},
		Commands: []*cli.Command{
			listenCommand(),
			sendCommand(),
			speedtestCommand(),
			inboxCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if logging.Log == nil {
			logging.InitLogger(false)
		}
		logging.Log.Fatal(err)
	}
}
