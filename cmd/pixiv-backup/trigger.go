package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/uheee/pixiv-backup/internal/scheduler"
)

func triggerCommand() *cli.Command {
	return &cli.Command{
		Name:  "trigger",
		Usage: "drop the force-trigger sentinel without starting a daemon",
		Action: func(c *cli.Context) error {
			return runTrigger(c)
		},
	}
}

func runTrigger(c *cli.Context) error {
	a, err := bootstrap(c.String("config"))
	if err != nil {
		return err
	}
	a.close()

	token, err := scheduler.Trigger(a.Layout)
	if err != nil {
		return err
	}
	fmt.Println("trigger sentinel dropped, token:", token)
	return nil
}
