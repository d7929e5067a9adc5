// Command repair is the external bookmark_order maintenance tool described
// by original_source/tools/backfill_bookmark_order.py: re-derive each
// illust's position in the live bookmark list and reconcile it against the
// metadata store (C3), since the incremental scanner only ever assigns
// bookmark_order to newly observed works. Unlike the Python original, which
// rewrote metadata/*.json and task_queue.json files directly, this version
// reuses internal/store as a library consumer, per SPEC_FULL.md's choice to
// treat the store as the single source of truth for bookmark_order.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/uheee/pixiv-backup/internal/authsession"
	"github.com/uheee/pixiv-backup/internal/config"
	"github.com/uheee/pixiv-backup/internal/cursor"
	"github.com/uheee/pixiv-backup/internal/pixivapi"
	"github.com/uheee/pixiv-backup/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "repair",
		Usage: "recompute bookmark_order against the live bookmark list",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to the TOML config file"},
			&cli.BoolFlag{Name: "check", Usage: "report illusts with stale or missing bookmark_order, without writing"},
			&cli.BoolFlag{Name: "apply", Usage: "recompute and persist bookmark_order"},
			&cli.BoolFlag{Name: "full", Usage: "with --apply, also force the next daemon bookmarks scan to walk the full listing instead of the incremental cursor"},
			&cli.IntFlag{Name: "prune-days", Usage: "with --apply, also drop download_history rows older than this many days"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "repair:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	check, apply := c.Bool("check"), c.Bool("apply")
	if check == apply {
		return fmt.Errorf("repair: specify exactly one of --check or --apply")
	}

	v := viper.New()
	if path := c.String("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	layout := cfg.NewLayout()

	st, err := store.Open(layout.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	client := pixivapi.NewClient(cfg.Timeout)
	sess := authsession.New(client, layout.TokenPath, cfg.RefreshToken)

	ctx := context.Background()
	orderMap, fetched, err := buildOrderMap(ctx, client, sess, cfg.UserID, string(cfg.Restrict))
	if err != nil {
		return fmt.Errorf("fetch live bookmarks: %w", err)
	}

	rows, err := st.BookmarkOrders()
	if err != nil {
		return err
	}

	var scanned, changed, missing int
	for _, row := range rows {
		scanned++
		target, inBookmarks := orderMap[row.IllustID]

		var desiredOrder *int
		desiredBookmarked := inBookmarks
		if inBookmarks {
			v := target
			desiredOrder = &v
		} else {
			missing++
		}

		if sameOrder(row.BookmarkOrder, desiredOrder) && row.IsBookmarked == desiredBookmarked {
			continue
		}
		changed++
		if check {
			fmt.Printf("illust_id=%d bookmark_order=%v->%v is_bookmarked=%v->%v\n",
				row.IllustID, formatOrder(row.BookmarkOrder), formatOrder(desiredOrder), row.IsBookmarked, desiredBookmarked)
			continue
		}
		if err := st.SetBookmarkOrder(row.IllustID, desiredOrder, desiredBookmarked); err != nil {
			return err
		}
	}

	fmt.Printf("bookmarks_fetched=%d\n", fetched)
	fmt.Printf("illusts_scanned=%d\n", scanned)
	fmt.Printf("illusts_changed=%d\n", changed)
	fmt.Printf("illusts_not_in_bookmarks=%d\n", missing)
	fmt.Printf("dry_run=%v\n", check)

	if apply {
		if pruneDays := c.Int("prune-days"); pruneDays > 0 {
			dropped, err := st.CleanupOldRecords(pruneDays)
			if err != nil {
				return fmt.Errorf("prune download history: %w", err)
			}
			fmt.Printf("download_history_pruned=%d\n", dropped)
		}
		if c.Bool("full") {
			cur, err := cursor.Load(layout.CursorPath)
			if err != nil {
				return fmt.Errorf("load cursor: %w", err)
			}
			cur.ResetBookmarksFullScan()
			if err := cur.Save(); err != nil {
				return fmt.Errorf("save cursor: %w", err)
			}
			fmt.Println("next_bookmarks_scan=full")
		}
	}
	return nil
}

// buildOrderMap walks every page of the live bookmark list, oldest-first
// ordinal assignment (build_order_map's "最旧的收藏序号为 0，越新越大").
func buildOrderMap(ctx context.Context, client *pixivapi.Client, sess *authsession.Session, userID, restrict string) (map[uint64]int, int, error) {
	token, err := sess.EnsureFresh(ctx)
	if err != nil {
		return nil, 0, err
	}

	var newestFirst []uint64
	seen := map[uint64]bool{}

	page, err := client.FetchBookmarks(ctx, token, userID, restrict, "")
	if err != nil {
		return nil, 0, err
	}
	for {
		for _, illust := range page.Illusts {
			if seen[illust.IllustID] {
				continue
			}
			seen[illust.IllustID] = true
			newestFirst = append(newestFirst, illust.IllustID)
		}
		if page.NextURL == "" {
			break
		}
		page, err = client.FetchNextPage(ctx, token, page.NextURL)
		if err != nil {
			return nil, 0, err
		}
	}

	orderMap := make(map[uint64]int, len(newestFirst))
	for i, id := range newestFirst {
		orderMap[id] = len(newestFirst) - 1 - i
	}
	return orderMap, len(newestFirst), nil
}

func sameOrder(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func formatOrder(o *int) string {
	if o == nil {
		return "null"
	}
	return fmt.Sprintf("%d", *o)
}
