package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/urfave/cli/v2"
)

func restartCommand() *cli.Command {
	return &cli.Command{
		Name:  "restart",
		Usage: "stop the running daemon, then launch a fresh detached instance",
		Action: func(c *cli.Context) error {
			_ = runStop(c)
			return launchDetached(c)
		},
	}
}

// launchDetached re-execs the current binary with `start`, the way
// daemonctl.Launch spawns a fresh spindle process, then releases it so the
// CLI invocation can return immediately.
func launchDetached(c *cli.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	args := []string{"start"}
	if cfgPath := c.String("config"); cfgPath != "" {
		args = append([]string{"--config", cfgPath}, args...)
	}
	proc := exec.Command(exe, args...)
	proc.Stdout = os.Stdout
	proc.Stderr = os.Stderr
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	fmt.Printf("restarted (pid %d)\n", proc.Process.Pid)
	return proc.Process.Release()
}
