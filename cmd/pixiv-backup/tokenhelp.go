package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/uheee/pixiv-backup/internal/authsession"
)

func tokenHelpCommand() *cli.Command {
	return &cli.Command{
		Name:  "token-help",
		Usage: "print instructions for obtaining a refresh token",
		Action: func(c *cli.Context) error {
			fmt.Println(authsession.TokenHelp())
			return nil
		},
	}
}
