package main

import (
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
)

func inboxCommand() *cli.Command {
	return &cli.Command{
		Name:  "inbox",
		Usage: "Inspect objects received by listen",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List received objects, newest first",
				Action: func(c *cli.Context) error {
					box, err := openInbox()
					if err != nil {
						return err
					}
					defer box.Close()

					records, err := box.List()
					if err != nil {
						return err
					}
					return printObjects(records)
				},
			},
			{
				Name:      "export",
				Usage:     "Write a received object to a file or directory",
				ArgsUsage: "ID PATH",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return cli.ShowSubcommandHelp(c)
					}
					box, err := openInbox()
					if err != nil {
						return err
					}
					defer box.Close()

					path, err := box.Export(c.Args().Get(0), c.Args().Get(1))
					if err != nil {
						return err
					}
					pterm.Success.Printfln("exported to %s", path)
					return nil
				},
			},
			{
				Name:      "remove",
				Usage:     "Delete a received object",
				ArgsUsage: "ID",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.ShowSubcommandHelp(c)
					}
					box, err := openInbox()
					if err != nil {
						return err
					}
					defer box.Close()

					if err := box.Remove(c.Args().First()); err != nil {
						return err
					}
					pterm.Success.Printfln("removed %s", c.Args().First())
					return nil
				},
			},
		},
	}
}
