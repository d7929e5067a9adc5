package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
)

func testCommand() *cli.Command {
	return &cli.Command{
		Name:  "test",
		Usage: "validate configuration and confirm the refresh token is accepted",
		Action: func(c *cli.Context) error {
			return runTest(c)
		},
	}
}

func runTest(c *cli.Context) error {
	a, err := bootstrap(c.String("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Timeout)
	defer cancel()
	if err := a.Session.TestConnection(ctx); err != nil {
		return fmt.Errorf("connectivity: %w", err)
	}
	fmt.Println("config ok, refresh token accepted")
	return nil
}
