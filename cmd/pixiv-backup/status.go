package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/uheee/pixiv-backup/internal/model"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "print the daemon's last-published runtime snapshot",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "also print recent errors and store stats",
			},
		},
		Action: func(c *cli.Context) error {
			return runStatus(c)
		},
	}
}

func runStatus(c *cli.Context) error {
	a, err := bootstrap(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	data, err := os.ReadFile(a.Layout.StatusPath)
	if os.IsNotExist(err) {
		fmt.Println("no status published yet")
		return nil
	}
	if err != nil {
		return err
	}
	var snap model.RuntimeStatus
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode status.json: %w", err)
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"field", "value"})
	tw.AppendRow(table.Row{"state", snap.State})
	if snap.Phase != "" {
		tw.AppendRow(table.Row{"phase", snap.Phase})
	}
	if snap.Message != "" {
		tw.AppendRow(table.Row{"message", snap.Message})
	}
	tw.AppendRow(table.Row{"processed_total", snap.ProcessedTotal})
	tw.AppendRow(table.Row{"success", snap.Success})
	tw.AppendRow(table.Row{"skipped", snap.Skipped})
	tw.AppendRow(table.Row{"failed", snap.Failed})
	tw.AppendRow(table.Row{"hit_max_downloads", snap.HitMaxDownloads})
	tw.AppendRow(table.Row{"rate_limited", snap.RateLimited})
	if snap.CooldownReason != "" {
		tw.AppendRow(table.Row{"cooldown_reason", snap.CooldownReason})
	}
	if !snap.NextRunAt.IsZero() {
		tw.AppendRow(table.Row{"next_run_at", snap.NextRunAt.Format("2006-01-02 15:04:05")})
	}
	tw.AppendRow(table.Row{"updated_at", snap.UpdatedAt.Format("2006-01-02 15:04:05")})
	tw.AppendSeparator()
	tw.AppendRow(table.Row{"queue.pending", snap.Queue.Pending})
	tw.AppendRow(table.Row{"queue.running", snap.Queue.Running})
	tw.AppendRow(table.Row{"queue.done", snap.Queue.Done})
	tw.AppendRow(table.Row{"queue.failed", snap.Queue.Failed})
	tw.AppendRow(table.Row{"queue.permanent_failed", snap.Queue.PermanentFailed})
	fmt.Println(tw.Render())

	if snap.LastError != nil {
		fmt.Println()
		fmt.Println("last error:", snap.LastError.Message)
	}

	if c.Bool("verbose") {
		if err := printRecentErrors(snap); err != nil {
			return err
		}
		if err := printStoreStats(a); err != nil {
			return err
		}
		if err := printRunHistory(a); err != nil {
			return err
		}
	}
	return nil
}

func printRecentErrors(snap model.RuntimeStatus) error {
	if len(snap.RecentErrors) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("recent errors")
	tw.AppendHeader(table.Row{"time", "illust_id", "action", "message"})
	for _, e := range snap.RecentErrors {
		tw.AppendRow(table.Row{e.Time.Format("15:04:05"), e.IllustID, e.Action, e.Message})
	}
	fmt.Println()
	fmt.Println(tw.Render())
	return nil
}

func printStoreStats(a *app) error {
	stats, err := a.Store.DownloadStats()
	if err != nil {
		return err
	}
	tracked, err := a.Store.IllustCount()
	if err != nil {
		return err
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("store stats")
	tw.AppendHeader(table.Row{"type", "downloaded"})
	for t, n := range stats.ByType {
		tw.AppendRow(table.Row{t, n})
	}
	tw.AppendSeparator()
	tw.AppendRow(table.Row{"total", stats.TotalDownloaded})
	tw.AppendRow(table.Row{"tracked (incl. placeholders)", tracked})
	fmt.Println()
	fmt.Println(tw.Render())
	return nil
}

func printRunHistory(a *app) error {
	records, err := a.Audit.Recent(10)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("run history")
	tw.AppendHeader(table.Row{"event_id", "time", "enqueued", "success", "failed", "elapsed"})
	for _, r := range records {
		tw.AppendRow(table.Row{r.EventID, r.Timestamp.Format("01-02 15:04:05"), r.Enqueued, r.Success, r.Failed, r.Elapsed})
	}
	fmt.Println()
	fmt.Println(tw.Render())
	return nil
}
