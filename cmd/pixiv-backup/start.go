package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/uheee/pixiv-backup/internal/scheduler"
)

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "launch the daemon in the foreground",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force-run",
				Usage: "drop the force-trigger sentinel before launch",
			},
		},
		Action: func(c *cli.Context) error {
			return runStart(c, c.Bool("force-run"))
		},
	}
}

// runStart is shared by `start`, `--daemon`, and `restart`.
func runStart(c *cli.Context, forceRun bool) error {
	a, err := bootstrap(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	if err := writePIDFile(pidPath(a.Layout)); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath(a.Layout))

	if forceRun {
		if _, err := scheduler.Trigger(a.Layout); err != nil {
			return fmt.Errorf("drop force-run sentinel: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := a.newScheduler()
	a.Logger.Info("daemon starting", "output_dir", a.Config.OutputDir, "mode", a.Config.Mode)
	return sched.Run(ctx)
}
