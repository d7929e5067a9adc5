package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/viper"

	"github.com/uheee/pixiv-backup/internal/audit"
	"github.com/uheee/pixiv-backup/internal/authsession"
	"github.com/uheee/pixiv-backup/internal/config"
	"github.com/uheee/pixiv-backup/internal/cursor"
	"github.com/uheee/pixiv-backup/internal/downloader"
	"github.com/uheee/pixiv-backup/internal/logging"
	"github.com/uheee/pixiv-backup/internal/pixivapi"
	"github.com/uheee/pixiv-backup/internal/queue"
	"github.com/uheee/pixiv-backup/internal/scanner"
	"github.com/uheee/pixiv-backup/internal/scheduler"
	"github.com/uheee/pixiv-backup/internal/status"
	"github.com/uheee/pixiv-backup/internal/store"
)

// loadConfig builds a Viper instance the way utils.InitConfig does, pointed
// at an explicit file when --config is given.
func loadConfig(configPath string) (*config.Snapshot, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return config.Load(v)
}

// app bundles every component a subcommand needs, wired exactly the way
// the Scheduler expects them. closeLogger flushes the audit file handle.
type app struct {
	Config      *config.Snapshot
	Layout      config.Layout
	Logger      *slog.Logger
	closeLogger func() error
	Session     *authsession.Session
	Store       *store.Store
	Queue       *queue.Queue
	Cursors     *cursor.Store
	Scanner     *scanner.Scanner
	Downloader  *downloader.Downloader
	StatusPub   *status.Publisher
	Audit       *audit.Ledger
}

// bootstrap loads configuration and opens every durable component. Callers
// that only need a subset (status, trigger) still pay this cost, matching
// the teacher's own cliAction, which always wires the full pipeline before
// branching on --detach.
func bootstrap(configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout := cfg.NewLayout()

	for _, dir := range []string{layout.DataDir, layout.ImgDir, layout.MetadataDir, layout.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	logger, closeLogger, err := logging.New(logging.Options{Level: slog.LevelInfo, LogDir: layout.LogDir})
	if err != nil {
		return nil, err
	}

	client := pixivapi.NewClient(cfg.Timeout)
	sess := authsession.New(client, layout.TokenPath, cfg.RefreshToken)

	st, err := store.Open(layout.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	q, err := queue.Load(layout.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	cur, err := cursor.Load(layout.CursorPath)
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}

	sc := scanner.New(client, sess, st, q, cur, logger, cfg.UserID, string(cfg.Restrict))
	dl := downloader.New(&http.Client{Timeout: cfg.Timeout}, client, st, layout.ImgDir, layout.MetadataDir, logger)
	statusPub := status.New(layout.StatusPath)
	ledger := audit.New(layout.DataDir)

	return &app{
		Config:      cfg,
		Layout:      layout,
		Logger:      logger,
		closeLogger: closeLogger,
		Session:     sess,
		Store:       st,
		Queue:       q,
		Cursors:     cur,
		Scanner:     sc,
		Downloader:  dl,
		StatusPub:   statusPub,
		Audit:       ledger,
	}, nil
}

func (a *app) close() {
	if a.Store != nil {
		a.Store.Close()
	}
	if a.closeLogger != nil {
		a.closeLogger()
	}
}

func (a *app) newScheduler() *scheduler.Scheduler {
	return scheduler.New(a.Config, a.Layout, a.Session, a.Store, a.Queue, a.Cursors, a.Scanner, a.Downloader, a.StatusPub, a.Audit, a.Logger)
}
