package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/urfave/cli/v2"
)

func logCommand() *cli.Command {
	return &cli.Command{
		Name:  "log",
		Usage: "tail the daemon's audit log",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "n", Value: 50, Usage: "number of trailing lines to print"},
			&cli.BoolFlag{Name: "no-follow", Usage: "print the trailing lines and exit instead of following"},
			&cli.BoolFlag{Name: "file", Usage: "read today's pixiv-backup-YYYYMMDD.log file (default)"},
			&cli.BoolFlag{Name: "syslog", Usage: "read via journalctl instead of the audit log file"},
		},
		Action: func(c *cli.Context) error {
			return runLog(c)
		},
	}
}

func runLog(c *cli.Context) error {
	if c.Bool("file") && c.Bool("syslog") {
		return errors.New("log: --file and --syslog are mutually exclusive")
	}

	a, err := bootstrap(c.String("config"))
	if err != nil {
		return err
	}
	a.close()

	if c.Bool("syslog") {
		return tailSyslog(c.Int("n"), !c.Bool("no-follow"))
	}
	return tailFile(dailyLogPathFor(a), c.Int("n"), !c.Bool("no-follow"))
}

// dailyLogPathFor mirrors internal/logging.dailyLogPath without exporting
// it solely for this command: today's local date selects the file the
// running daemon is currently appending to.
func dailyLogPathFor(a *app) string {
	return fmt.Sprintf("%s/pixiv-backup-%s.log", a.Layout.LogDir, time.Now().Format("20060102"))
}

func tailFile(path string, n int, follow bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("log: open %s: %w", path, err)
	}
	defer f.Close()

	lines, err := lastNLines(f, n)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	if !follow {
		return nil
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			time.Sleep(500 * time.Millisecond)
			continue
		}
		fmt.Print(line)
	}
}

// lastNLines reads the whole file into memory and keeps the final n lines;
// acceptable for a daily-rotated audit log, not meant for multi-gigabyte
// files.
func lastNLines(f *os.File, n int) ([]string, error) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var all []string
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

func tailSyslog(n int, follow bool) error {
	args := []string{"-u", "pixiv-backup", "-n", fmt.Sprintf("%d", n)}
	if follow {
		args = append(args, "-f")
	}
	cmd := exec.Command("journalctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
