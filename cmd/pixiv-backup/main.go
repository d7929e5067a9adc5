package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "pixiv-backup",
		Usage: "incremental Pixiv bookmark and following backup daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the TOML config file (defaults to ./config.toml)",
				Aliases: []string{"c"},
			},
			&cli.BoolFlag{
				Name:  "daemon",
				Usage: "run the daemon in the foreground (alternate invocation of start)",
			},
		},
		Action: rootAction,
		Commands: []*cli.Command{
			startCommand(),
			stopCommand(),
			restartCommand(),
			statusCommand(),
			testCommand(),
			triggerCommand(),
			runCommand(),
			logCommand(),
			tokenHelpCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "pixiv-backup:", err)
		os.Exit(1)
	}
}

// rootAction makes `pixiv-backup --daemon` equivalent to `pixiv-backup
// start`, per spec.md §6.3's "alternate invocation" wording.
func rootAction(c *cli.Context) error {
	if c.Bool("daemon") {
		return runStart(c, false)
	}
	return cli.ShowAppHelp(c)
}
