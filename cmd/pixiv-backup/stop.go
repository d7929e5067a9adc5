package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
)

const stopGracePeriod = 10 * time.Second

func stopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "signal a running daemon to stop",
		Action: func(c *cli.Context) error {
			return runStop(c)
		},
	}
}

func runStop(c *cli.Context) error {
	a, err := bootstrap(c.String("config"))
	if err != nil {
		return err
	}
	a.close()

	path := pidPath(a.Layout)
	pid, err := readPIDFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("not running")
			return nil
		}
		return err
	}
	if !processAlive(pid) {
		fmt.Println("not running (stale pid file)")
		return os.Remove(path)
	}

	if err := terminate(pid, syscall.SIGTERM, stopGracePeriod); err != nil {
		fmt.Fprintln(os.Stderr, "graceful stop timed out, sending SIGKILL:", err)
		if err := terminate(pid, syscall.SIGKILL, stopGracePeriod); err != nil {
			return err
		}
	}
	os.Remove(path)
	fmt.Printf("stopped (pid %d)\n", pid)
	return nil
}
