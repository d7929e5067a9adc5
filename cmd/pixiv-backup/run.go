package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a single synchronous round with an explicit budget override",
		ArgsUsage: "<count>",
		Action: func(c *cli.Context) error {
			return runOnce(c)
		},
	}
}

func runOnce(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("run: expected exactly one argument, <count>")
	}
	count, err := strconv.Atoi(c.Args().First())
	if err != nil || count < 0 {
		return fmt.Errorf("run: count must be a non-negative integer, got %q", c.Args().First())
	}

	a, err := bootstrap(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	sched := a.newScheduler()
	result, err := sched.RunRound(context.Background(), count)
	if err != nil {
		return err
	}

	fmt.Printf("enqueued=%d success=%d failed=%d permanent_failed=%d hit_max_downloads=%v rate_limited=%v elapsed=%s\n",
		result.Enqueued, result.Success, result.Failed, result.PermanentFailed,
		result.HitMaxDownloads, result.RateLimited, result.Elapsed)
	if result.RoundFatal != nil {
		return fmt.Errorf("round ended fatally: %s: %s", result.RoundFatal.Category, result.RoundFatal.Message)
	}
	return nil
}
