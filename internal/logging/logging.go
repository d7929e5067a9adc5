// Package logging builds the dual-sink logger every subcommand and
// background component writes through: a colorized console handler for the
// human operator (log/slog + tint, exactly as utils.InitLogger builds it)
// fanned out to a zerolog-backed per-day audit file
// (data/logs/pixiv-backup-YYYYMMDD.log) required by spec.md §4.8. Callers
// make one slog call; both sinks receive it.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/rs/zerolog"
)

// Options configures New.
type Options struct {
	// Level is the minimum level shown on the console. The audit file
	// always receives every record regardless of this setting.
	Level slog.Level
	// LogDir is the directory holding the per-day audit files
	// (data/logs in the default layout).
	LogDir string
	// Console is the console sink's writer; defaults to os.Stdout.
	Console *os.File
}

// New builds the fan-out slog.Logger and returns it along with a closer
// for the audit file's underlying handle.
func New(opts Options) (*slog.Logger, func() error, error) {
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	consoleHandler := tint.NewHandler(console, &tint.Options{
		Level:      opts.Level,
		TimeFormat: time.RFC3339,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if err, ok := attr.Value.Any().(error); ok {
				e := tint.Err(err)
				e.Key = attr.Key
				return e
			}
			return attr
		},
	})

	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: create log dir: %w", err)
	}
	auditPath := dailyLogPath(opts.LogDir, time.Now())
	f, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: open audit file %s: %w", auditPath, err)
	}
	auditHandler := &auditSlogHandler{
		logger: zerolog.New(f).With().Timestamp().Logger(),
		attrs:  nil,
	}

	logger := slog.New(&fanoutHandler{console: consoleHandler, audit: auditHandler})
	return logger, f.Close, nil
}

// dailyLogPath returns data/logs/pixiv-backup-YYYYMMDD.log for the given
// instant, rotating with the day's wall-clock date per spec.md §4.8.
func dailyLogPath(dir string, t time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("pixiv-backup-%s.log", t.Format("20060102")))
}

// fanoutHandler sends every record to both the console and audit handlers.
// Only the console handler's level gates output; the audit file is meant to
// be a complete record.
type fanoutHandler struct {
	console slog.Handler
	audit   slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.console.Enabled(ctx, level) || h.audit.Enabled(ctx, level)
}

func (h *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var consoleErr, auditErr error
	if h.console.Enabled(ctx, record.Level) {
		consoleErr = h.console.Handle(ctx, record.Clone())
	}
	auditErr = h.audit.Handle(ctx, record.Clone())
	if consoleErr != nil {
		return consoleErr
	}
	return auditErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanoutHandler{console: h.console.WithAttrs(attrs), audit: h.audit.WithAttrs(attrs)}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	return &fanoutHandler{console: h.console.WithGroup(name), audit: h.audit.WithGroup(name)}
}

// auditSlogHandler adapts zerolog's field-chaining API to slog.Handler, so
// the audit file gets zerolog's `key=value` line format while callers only
// ever see a slog.Logger.
type auditSlogHandler struct {
	logger zerolog.Logger
	attrs  []slog.Attr
}

func (h *auditSlogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *auditSlogHandler) Handle(_ context.Context, record slog.Record) error {
	var ev *zerolog.Event
	switch {
	case record.Level >= slog.LevelError:
		ev = h.logger.Error()
	case record.Level >= slog.LevelWarn:
		ev = h.logger.Warn()
	case record.Level >= slog.LevelInfo:
		ev = h.logger.Info()
	default:
		ev = h.logger.Debug()
	}

	for _, a := range h.attrs {
		addZerologAttr(ev, a)
	}
	record.Attrs(func(a slog.Attr) bool {
		addZerologAttr(ev, a)
		return true
	})
	ev.Msg(record.Message)
	return nil
}

func addZerologAttr(ev *zerolog.Event, a slog.Attr) {
	if err, ok := a.Value.Any().(error); ok {
		ev.AnErr(a.Key, err)
		return
	}
	ev.Interface(a.Key, a.Value.Any())
}

func (h *auditSlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next = append(next, h.attrs...)
	next = append(next, attrs...)
	return &auditSlogHandler{logger: h.logger, attrs: next}
}

func (h *auditSlogHandler) WithGroup(name string) slog.Handler {
	return &auditSlogHandler{logger: h.logger.With().Str("group", name).Logger(), attrs: h.attrs}
}

// ExternalAction logs one of spec.md §4.8's reserved external-action audit
// events: a structured line identifiable by logger name alone so downstream
// tooling can filter on it without parsing the message text.
func ExternalAction(logger *slog.Logger, event, source, action, status string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{
		slog.String("logger", "external_action"),
		slog.String("event", event),
		slog.String("source", source),
		slog.String("action", action),
		slog.String("status", status),
	}, extra...)
	logger.LogAttrs(context.Background(), slog.LevelInfo, "external action", attrs...)
}
