// Package scheduler is the Scheduler/Daemon (C9): it drives the
// idle→scanning→draining→publishing→waiting/cooldown state machine in
// spec.md §4.9, owns the single-instance advisory lock, and is the sole
// writer of the queue, cursor, and status files for the life of the
// process. It follows the teacher's job.go in treating "walk sources, then
// drain work, then report" as one linear round, generalized here into an
// explicit state machine with cancellable waits instead of a fixed cron
// tick.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/uheee/pixiv-backup/internal/atomicfile"
	"github.com/uheee/pixiv-backup/internal/audit"
	"github.com/uheee/pixiv-backup/internal/authsession"
	"github.com/uheee/pixiv-backup/internal/classify"
	"github.com/uheee/pixiv-backup/internal/config"
	"github.com/uheee/pixiv-backup/internal/cursor"
	"github.com/uheee/pixiv-backup/internal/downloader"
	"github.com/uheee/pixiv-backup/internal/model"
	"github.com/uheee/pixiv-backup/internal/queue"
	"github.com/uheee/pixiv-backup/internal/scanner"
	"github.com/uheee/pixiv-backup/internal/status"
	"github.com/uheee/pixiv-backup/internal/store"
)

// roundHardCap forces a cooldown if a single round's draining phase runs
// longer than this, per spec.md §5.
const roundHardCap = 6 * time.Hour

// consecutiveNetworkFailureThreshold is the "≥ X consecutive items fail"
// threshold spec.md §7 leaves unspecified for the network category; chosen
// conservatively so a genuinely down upstream stops draining well before
// exhausting the queue's own per-item retry budget.
const consecutiveNetworkFailureThreshold = 5

// forceTriggerPollInterval is how often data/force_run.flag is checked
// during any wait, per spec.md §4.9.
const forceTriggerPollInterval = time.Second

// Scheduler wires every other component together and owns the round loop.
type Scheduler struct {
	Config     *config.Snapshot
	Layout     config.Layout
	Session    *authsession.Session
	Store      *store.Store
	Queue      *queue.Queue
	Cursors    *cursor.Store
	Scanner    *scanner.Scanner
	Downloader *downloader.Downloader
	StatusPub  *status.Publisher
	Audit      *audit.Ledger
	Logger     *slog.Logger

	lock *flock.Flock
}

// New builds a Scheduler from its already-constructed dependencies.
func New(cfg *config.Snapshot, layout config.Layout, sess *authsession.Session, st *store.Store,
	q *queue.Queue, cur *cursor.Store, sc *scanner.Scanner, dl *downloader.Downloader,
	statusPub *status.Publisher, auditLedger *audit.Ledger, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		Config: cfg, Layout: layout, Session: sess, Store: st, Queue: q, Cursors: cur,
		Scanner: sc, Downloader: dl, StatusPub: statusPub, Audit: auditLedger, Logger: logger,
	}
}

// RoundResult summarizes one scanning+draining+publishing cycle.
type RoundResult struct {
	Enqueued        int
	Success         int
	Failed          int
	PermanentFailed int
	HitMaxDownloads bool
	RateLimited     bool
	RoundFatal      *model.QueueError
	Elapsed         time.Duration
}

// acquireLock takes the advisory single-instance lock at Layout.LockPath.
// The spec states init-level supervision already guarantees at most one
// instance; this is a belt-and-suspenders check that costs nothing to hold
// for the process lifetime.
func (s *Scheduler) acquireLock() (func(), error) {
	s.lock = flock.New(s.Layout.LockPath)
	ok, err := s.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("scheduler: acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, s.Layout.LockPath)
	}
	return func() { s.lock.Unlock() }, nil
}

// forceTriggerPayload is data/force_run.flag's body: a uuid token minted by
// Trigger so the daemon's log line for consuming the flag can be
// correlated back to the specific `trigger` invocation that dropped it.
type forceTriggerPayload struct {
	Token string `json:"token"`
}

// consumeForceTrigger reports whether data/force_run.flag was present, and
// if so deletes it before returning. The daemon never acts on a stale
// sentinel without re-evaluating state first: this call is the single
// place that decides "was it there", and the caller always re-enters the
// state machine from idle rather than skipping straight into a round.
func (s *Scheduler) consumeForceTrigger() bool {
	data, err := os.ReadFile(s.Layout.ForceRunFlag)
	if err != nil {
		return false
	}
	_ = os.Remove(s.Layout.ForceRunFlag)

	var payload forceTriggerPayload
	if err := json.Unmarshal(data, &payload); err == nil && payload.Token != "" {
		s.Logger.Info("force trigger consumed", slog.String("token", payload.Token))
	}
	return true
}

// Trigger drops the force-run sentinel without starting a daemon, for the
// `trigger` subcommand. It returns the token written into the flag so the
// caller can print it for later correlation against the daemon's log.
func Trigger(layout config.Layout) (string, error) {
	token := uuid.New().String()
	data, err := json.Marshal(forceTriggerPayload{Token: token})
	if err != nil {
		return "", fmt.Errorf("scheduler: encode force trigger: %w", err)
	}
	if err := atomicfile.WriteJSON(layout.ForceRunFlag, data, 0o644); err != nil {
		return "", err
	}
	return token, nil
}

// Run drives the daemon loop until ctx is cancelled (external stop signal)
// or an unrecoverable startup error occurs.
func (s *Scheduler) Run(ctx context.Context) error {
	release, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer release()

	for {
		if ctx.Err() != nil {
			return s.publishStopped()
		}

		if err := s.publish(model.StateIdle, "idle", ""); err != nil {
			s.Logger.Warn("publish idle status failed", slog.Any("err", err))
		}

		result, err := s.RunRound(ctx, s.Config.MaxDownloads)
		if err != nil {
			s.Logger.Error("round failed", slog.Any("err", err))
		}

		if ctx.Err() != nil {
			return s.publishStopped()
		}

		wait, reason := s.nextWait(result)
		if err := s.publish(model.StateCooldown, "waiting", "", func(rs *model.RuntimeStatus) {
			rs.CooldownReason = reason
			rs.CooldownSeconds = int(wait.Seconds())
			rs.NextRunAt = time.Now().Add(wait)
		}); err != nil {
			s.Logger.Warn("publish waiting status failed", slog.Any("err", err))
		}

		triggered, stopped := s.wait(ctx, wait)
		if stopped {
			return s.publishStopped()
		}
		if triggered {
			s.Logger.Info("force trigger consumed, starting round immediately")
		}
	}
}

// wait blocks for d, polling for cancellation and the force-trigger
// sentinel every forceTriggerPollInterval, so every wait is interruptible
// within one second as spec.md §5 requires.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) (triggered, stopped bool) {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(forceTriggerPollInterval)
	defer ticker.Stop()

	if s.consumeForceTrigger() {
		return true, false
	}
	for {
		select {
		case <-ctx.Done():
			return false, true
		case <-ticker.C:
			if s.consumeForceTrigger() {
				return true, false
			}
			if !time.Now().Before(deadline) {
				return false, false
			}
		}
	}
}

// nextWait implements spec.md §4.9's wait-interval selection.
func (s *Scheduler) nextWait(r RoundResult) (time.Duration, model.CooldownReason) {
	switch {
	case r.RateLimited:
		return time.Duration(s.Config.CooldownAfterErrorMinutes) * time.Minute, model.CooldownRateLimit
	case r.HitMaxDownloads:
		return time.Duration(s.Config.CooldownAfterLimitMinutes) * time.Minute, model.CooldownMaxReach
	case r.RoundFatal != nil:
		return time.Duration(s.Config.CooldownAfterErrorMinutes) * time.Minute, model.CooldownError
	default:
		return time.Duration(s.Config.SyncIntervalMinutes) * time.Minute, model.CooldownNone
	}
}

// RunRound performs one scanning→draining→publishing cycle and returns its
// summary. Used both by the daemon loop and by the `run <count>`
// subcommand, which overrides maxDownloads for a single synchronous round.
func (s *Scheduler) RunRound(ctx context.Context, maxDownloads int) (RoundResult, error) {
	started := time.Now()
	var result RoundResult

	if err := s.publish(model.StateSyncing, "scanning", ""); err != nil {
		s.Logger.Warn("publish scanning status failed", slog.Any("err", err))
	}

	if err := s.scan(ctx, maxDownloads, &result); err != nil {
		result.Elapsed = time.Since(started)
		return result, err
	}

	if err := s.publish(model.StateSyncing, "draining", ""); err != nil {
		s.Logger.Warn("publish draining status failed", slog.Any("err", err))
	}
	s.drain(ctx, started, &result)

	if err := s.publish(model.StateSyncing, "publishing", "", func(rs *model.RuntimeStatus) {
		rs.ProcessedTotal = result.Success + result.Failed + result.PermanentFailed
		rs.Success = result.Success
		rs.Failed = result.Failed
		rs.HitMaxDownloads = result.HitMaxDownloads
		rs.RateLimited = result.RateLimited
	}); err != nil {
		s.Logger.Warn("publish publishing status failed", slog.Any("err", err))
	}
	if err := s.Queue.Save(); err != nil {
		s.Logger.Error("save queue failed", slog.Any("err", err))
	}
	if err := s.Cursors.Save(); err != nil {
		s.Logger.Error("save cursors failed", slog.Any("err", err))
	}

	result.Elapsed = time.Since(started)
	if s.Audit != nil {
		_ = s.Audit.Append(audit.RunRecord{
			Timestamp:       time.Now(),
			Enqueued:        result.Enqueued,
			Success:         result.Success,
			Failed:          result.Failed,
			PermanentFailed: result.PermanentFailed,
			HitMaxDownloads: result.HitMaxDownloads,
			Elapsed:         result.Elapsed,
			UserID:          s.Config.UserID,
			Restrict:        string(s.Config.Restrict),
			MaxDownloads:    maxDownloads,
		})
	}
	return result, nil
}

func (s *Scheduler) scan(ctx context.Context, maxDownloads int, result *RoundResult) error {
	switch s.Config.Mode {
	case config.ModeBookmarks, config.ModeBoth:
		res, err := s.Scanner.ScanBookmarks(ctx, maxDownloads)
		if err != nil {
			classifyScanErr(err, result)
			return fmt.Errorf("scheduler: scan bookmarks: %w", err)
		}
		result.Enqueued += res.Enqueued
		result.HitMaxDownloads = result.HitMaxDownloads || res.HitMaxDownloads
	}
	switch s.Config.Mode {
	case config.ModeFollowing, config.ModeBoth:
		remaining := maxDownloads
		if remaining > 0 {
			remaining -= result.Enqueued
		}
		res, err := s.Scanner.ScanFollowing(ctx, remaining)
		if err != nil {
			classifyScanErr(err, result)
			return fmt.Errorf("scheduler: scan following: %w", err)
		}
		result.Enqueued += res.Enqueued
		result.HitMaxDownloads = result.HitMaxDownloads || res.HitMaxDownloads
	}
	return nil
}

// classifyScanErr routes a scan-phase transport error through the same
// classifier drain() uses for per-item download failures, so a rate-limit
// or auth error hit while listing bookmarks/following cools the round down
// exactly as one hit while downloading would (crawler.py's
// _scan_bookmarks/_scan_following both call _is_rate_limit_error on their
// own request errors, not just on download errors).
func classifyScanErr(err error, result *RoundResult) {
	cat := classify.Classify(err)
	if cat == model.CategoryRateLimit {
		result.RateLimited = true
		return
	}
	result.RoundFatal = &model.QueueError{Category: cat, Message: err.Error()}
}

// drain claims and downloads queue items until the queue has no
// immediately-eligible work left, the round hard cap is reached, a
// round-fatal error occurs, or ctx is cancelled.
func (s *Scheduler) drain(ctx context.Context, roundStart time.Time, result *RoundResult) {
	s.Queue.ConfigurePacing(
		s.Config.HighSpeedQueueSize,
		time.Duration(s.Config.LowSpeedIntervalSeconds*float64(time.Second)),
		s.Config.IntervalJitterMillis,
	)

	consecutiveNetworkFailures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if time.Since(roundStart) > roundHardCap {
			s.Logger.Warn("round hard cap reached, forcing cooldown")
			result.RoundFatal = &model.QueueError{Category: model.CategoryUnknown, Message: "round hard cap exceeded"}
			return
		}

		item, pacingDelay := s.Queue.ClaimNext(time.Now())
		if item == nil {
			return
		}
		if pacingDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pacingDelay):
			}
		}

		token, err := s.Session.EnsureFresh(ctx)
		if err != nil {
			s.Logger.Error("ensure fresh token failed", slog.Any("err", err))
			result.RoundFatal = &model.QueueError{Category: model.CategoryAuth, Message: err.Error()}
			return
		}

		outcome := s.Downloader.Download(ctx, token, item.Illust)
		if outcome.Success {
			consecutiveNetworkFailures = 0
			result.Success++
			s.Queue.Complete(item.IllustID, queue.Outcome{Success: true})
			continue
		}

		result.Failed++
		s.recordFailure(item.IllustID, outcome.Err)
		s.Queue.Complete(item.IllustID, queue.Outcome{Success: false, Err: outcome.Err})

		switch outcome.Err.Category {
		case model.CategoryAuth:
			if _, err := s.Session.ForceRefresh(ctx); err != nil {
				s.Logger.Error("auth retry: force refresh failed, round-fatal", slog.Any("err", err))
				result.RoundFatal = outcome.Err
				return
			}
			token, err := s.Session.EnsureFresh(ctx)
			if err != nil {
				result.RoundFatal = outcome.Err
				return
			}
			retry := s.Downloader.Download(ctx, token, item.Illust)
			if retry.Success {
				result.Success++
				result.Failed--
				s.Queue.Complete(item.IllustID, queue.Outcome{Success: true})
				continue
			}
			s.Logger.Error("auth retry failed, round-fatal")
			result.RoundFatal = outcome.Err
			return
		case model.CategoryRateLimit:
			result.RateLimited = true
			return
		case model.CategoryFilesystem:
			result.RoundFatal = outcome.Err
			return
		case model.CategoryNetwork:
			consecutiveNetworkFailures++
			if consecutiveNetworkFailures >= consecutiveNetworkFailureThreshold {
				s.Logger.Warn("consecutive network failures exceeded threshold, forcing cooldown")
				result.RoundFatal = outcome.Err
				return
			}
		case model.CategoryInvalid:
			if item.Status == model.StatusPermanentFailed {
				result.PermanentFailed++
			}
		default:
			consecutiveNetworkFailures = 0
		}
	}
}

func (s *Scheduler) recordFailure(illustID uint64, qerr *model.QueueError) {
	if qerr == nil {
		return
	}
	statusErr := model.StatusError{
		Time:     time.Now(),
		IllustID: illustID,
		Action:   "download",
		Message:  qerr.Message,
	}
	if s.StatusPub != nil {
		if err := s.StatusPub.RecordError(statusErr); err != nil {
			s.Logger.Warn("record status error failed", slog.Any("err", err))
		}
	}
	s.Logger.Error("download failed",
		slog.Uint64("illust_id", illustID),
		slog.String("category", string(qerr.Category)),
		slog.String("message", qerr.Message))
}

func (s *Scheduler) publish(state model.SchedulerState, phase, message string, mutators ...func(*model.RuntimeStatus)) error {
	if s.StatusPub == nil {
		return nil
	}
	return s.StatusPub.Update(func(rs *model.RuntimeStatus) {
		rs.State = state
		rs.Phase = phase
		if message != "" {
			rs.Message = message
		}
		if s.Queue != nil {
			rs.Queue = s.Queue.Summary()
		}
		for _, m := range mutators {
			m(rs)
		}
	})
}

func (s *Scheduler) publishStopped() error {
	if err := s.Queue.Save(); err != nil {
		s.Logger.Error("save queue on stop failed", slog.Any("err", err))
	}
	if err := s.Cursors.Save(); err != nil {
		s.Logger.Error("save cursors on stop failed", slog.Any("err", err))
	}
	return s.publish(model.StateStopped, "stopped", "")
}

// ErrAlreadyRunning is returned by acquireLock's caller-visible wrapper
// when another instance already holds the advisory lock.
var ErrAlreadyRunning = errors.New("scheduler: instance already running")
