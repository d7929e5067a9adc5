// Package scanner implements the Scanner (C5): it walks the bookmarks and
// following listing sources, decides what is new, and feeds the Task
// Queue. It is grounded in crawler.py's _scan_bookmarks/_scan_following —
// the pagination-by-next_url loop, the consecutive-known-stop counter, and
// the per-author cursor/anomaly handling — generalized onto the
// app-api-shaped pixivapi.Client this service's richer model needs.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/uheee/pixiv-backup/internal/authsession"
	"github.com/uheee/pixiv-backup/internal/cursor"
	"github.com/uheee/pixiv-backup/internal/logging"
	"github.com/uheee/pixiv-backup/internal/model"
	"github.com/uheee/pixiv-backup/internal/pixivapi"
	"github.com/uheee/pixiv-backup/internal/queue"
	"github.com/uheee/pixiv-backup/internal/store"
)

// ConsecutiveKnownStop is the recommended threshold from spec.md §4.4: an
// incremental bookmarks scan stops once this many already-known works in a
// row have been observed.
const ConsecutiveKnownStop = 50

// Result summarizes one scan pass for the caller and for audit logging.
type Result struct {
	Enqueued        int
	Skipped         int
	PlaceholdersHit int
	HitMaxDownloads bool
}

// Scanner walks both listing sources on behalf of one round.
type Scanner struct {
	client  *pixivapi.Client
	session *authsession.Session
	store   *store.Store
	queue   *queue.Queue
	cursors *cursor.Store
	logger  *slog.Logger

	userID   string
	restrict string
}

// New builds a Scanner wired to this round's dependencies.
func New(client *pixivapi.Client, session *authsession.Session, st *store.Store, q *queue.Queue, cur *cursor.Store, logger *slog.Logger, userID, restrict string) *Scanner {
	return &Scanner{client: client, session: session, store: st, queue: q, cursors: cur, logger: logger, userID: userID, restrict: restrict}
}

// logFetch records one scan-phase external call through the same reserved
// external-action logger name the Downloader uses for its own app-api/
// image-host calls, so both halves of the pipeline are filterable as one
// stream (spec.md §4.8).
func (s *Scanner) logFetch(action string, err error, attrs ...slog.Attr) {
	if s.logger == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	logging.ExternalAction(s.logger, "scan", "app-api", action, status, attrs...)
}

// admit reports whether the scanner may still enqueue more work this
// round, per spec.md §4.4's admission control: enqueued-this-round plus
// queue pending count must stay under maxDownloads. 0 means unlimited.
func (s *Scanner) admit(maxDownloads, enqueuedThisRound int) bool {
	if maxDownloads <= 0 {
		return true
	}
	return enqueuedThisRound+s.queue.PendingCount() < maxDownloads
}

// considerIllust applies the shared per-work decision: placeholder
// detection, terminal-in-queue / already-downloaded short-circuit, then
// enqueue. It returns true if the work was enqueued.
func (s *Scanner) considerIllust(illust model.Illust, provenance model.Provenance) (enqueued bool, placeholder bool, err error) {
	if illust.IsAccessLimited {
		if err := s.store.UpsertIllust(illust); err != nil {
			return false, true, fmt.Errorf("scanner: record placeholder %d: %w", illust.IllustID, err)
		}
		return false, true, nil
	}

	if s.queue.IsTerminal(illust.IllustID) {
		return false, false, nil
	}
	downloaded, err := s.store.IsDownloaded(illust.IllustID)
	if err != nil {
		return false, false, fmt.Errorf("scanner: is downloaded %d: %w", illust.IllustID, err)
	}
	if downloaded {
		return false, false, nil
	}

	if illust.Author.AuthorID != 0 {
		if err := s.store.UpsertAuthor(illust.Author); err != nil {
			return false, false, fmt.Errorf("scanner: upsert author %d: %w", illust.Author.AuthorID, err)
		}
	}
	if err := s.store.UpsertIllust(illust); err != nil {
		return false, false, fmt.Errorf("scanner: upsert illust %d: %w", illust.IllustID, err)
	}
	s.queue.Enqueue(illust, provenance)
	return true, false, nil
}

// ScanBookmarks walks the bookmarks listing per spec.md §4.4. Upstream
// returns works newest-bookmarked-first; on an incremental pass the walk
// stops once ConsecutiveKnownStop already-known works have been seen in a
// row, recording incremental_stopped. bookmark_order is assigned by
// inverting the observed ordinal against the total walked, so a full scan
// gets authoritative values and an incremental scan only assigns order to
// the newly-seen works at the top.
func (s *Scanner) ScanBookmarks(ctx context.Context, maxDownloads int) (Result, error) {
	var res Result
	bc := s.cursors.Bookmarks()
	fullScan := bc.FullScan || bc.LatestSeenIllustID == 0

	token, err := s.session.EnsureFresh(ctx)
	if err != nil {
		return res, fmt.Errorf("scanner: ensure fresh token: %w", err)
	}

	var allIllusts []model.Illust
	consecutiveKnown := 0
	stoppedEarly := false

	page, err := s.client.FetchBookmarks(ctx, token, s.userID, s.restrict, "")
	s.logFetch("fetch_bookmarks", err)
	if err != nil {
		return res, fmt.Errorf("scanner: fetch bookmarks: %w", err)
	}
	for {
		for _, illust := range page.Illusts {
			allIllusts = append(allIllusts, illust)

			if !fullScan {
				known := illust.IllustID <= bc.LatestSeenIllustID
				if known {
					consecutiveKnown++
					if consecutiveKnown >= ConsecutiveKnownStop {
						stoppedEarly = true
						break
					}
				} else {
					consecutiveKnown = 0
				}
			}

			if !s.admit(maxDownloads, res.Enqueued) {
				res.HitMaxDownloads = true
				break
			}
		}
		if stoppedEarly || res.HitMaxDownloads || page.NextURL == "" {
			break
		}
		page, err = s.client.FetchNextPage(ctx, token, page.NextURL)
		s.logFetch("fetch_next_bookmarks_page", err)
		if err != nil {
			return res, fmt.Errorf("scanner: fetch next bookmarks page: %w", err)
		}
	}

	total := len(allIllusts)
	var newestSeen uint64
	var newestSeenDate time.Time
	for i, illust := range allIllusts {
		order := total - i - 1
		if !fullScan && !isNewlySeen(illust.IllustID, bc.LatestSeenIllustID) {
			// Incremental scans only assign authoritative order to newly
			// observed works; previously-ordered works keep whatever value
			// they were given on a prior pass.
		} else {
			v := order
			illust.BookmarkOrder = &v
		}

		if i == 0 {
			newestSeen = illust.IllustID
			newestSeenDate = illust.CreateDate
		}

		if !s.admit(maxDownloads, res.Enqueued) {
			res.HitMaxDownloads = true
			break
		}
		enqueued, placeholder, err := s.considerIllust(illust, model.Provenance{IsBookmarked: true})
		if err != nil {
			return res, err
		}
		if placeholder {
			res.PlaceholdersHit++
			continue
		}
		if enqueued {
			res.Enqueued++
		} else {
			res.Skipped++
		}
	}

	if newestSeen != 0 {
		s.cursors.UpdateBookmarks(model.BookmarksCursor{
			LatestSeenIllustID:   newestSeen,
			LatestSeenCreateDate: newestSeenDate,
			FullScan:             false,
			IncrementalStopped:   stoppedEarly,
		})
	}
	return res, nil
}

func isNewlySeen(illustID, cursorID uint64) bool {
	return illustID > cursorID
}

// ScanFollowing walks the followed-authors list and, per author, their
// work list, per spec.md §4.4.
func (s *Scanner) ScanFollowing(ctx context.Context, maxDownloads int) (Result, error) {
	var res Result
	token, err := s.session.EnsureFresh(ctx)
	if err != nil {
		return res, fmt.Errorf("scanner: ensure fresh token: %w", err)
	}

	authorsPage, err := s.client.FetchFollowingAuthors(ctx, token, s.userID, s.restrict, 0)
	s.logFetch("fetch_following_authors", err)
	if err != nil {
		return res, fmt.Errorf("scanner: fetch following authors: %w", err)
	}
	for {
		for _, author := range authorsPage.Authors {
			if !s.admit(maxDownloads, res.Enqueued) {
				res.HitMaxDownloads = true
				return res, nil
			}
			authorRes, err := s.scanAuthor(ctx, token, author, maxDownloads, res.Enqueued)
			if err != nil {
				return res, err
			}
			res.Enqueued += authorRes.Enqueued
			res.Skipped += authorRes.Skipped
			res.PlaceholdersHit += authorRes.PlaceholdersHit
			if authorRes.HitMaxDownloads {
				res.HitMaxDownloads = true
				return res, nil
			}
		}
		if authorsPage.NextURL == "" {
			break
		}
		authorsPage, err = s.client.FetchFollowingAuthorsNextPage(ctx, token, authorsPage.NextURL)
		s.logFetch("fetch_next_following_authors_page", err)
		if err != nil {
			return res, fmt.Errorf("scanner: fetch next following-authors page: %w", err)
		}
	}
	return res, nil
}

// scanAuthor walks a single followed author's work list. Early-stop: the
// current work's illust_id <= cursor AND its create_date <= cursor's
// create_date. An ordering anomaly (a work older than a later work in the
// same page) discards the cursor, forcing a full walk next time.
func (s *Scanner) scanAuthor(ctx context.Context, token string, author pixivapi.FollowedAuthor, maxDownloads, enqueuedSoFar int) (Result, error) {
	var res Result
	prior, hasCursor := s.cursors.Following(author.AuthorID)

	page, err := s.client.FetchUserIllusts(ctx, token, fmt.Sprintf("%d", author.AuthorID), 0)
	s.logFetch("fetch_user_illusts", err, slog.Uint64("author_id", author.AuthorID))
	if err != nil {
		return res, fmt.Errorf("scanner: fetch user illusts %d: %w", author.AuthorID, err)
	}

	var newest uint64
	var newestDate time.Time
	var prevID uint64
	var prevDate time.Time
	anomaly := false
	stop := false

	offset := 0
	for {
		for i, illust := range page.Illusts {
			if i == 0 && offset == 0 {
				newest = illust.IllustID
				newestDate = illust.CreateDate
			}

			if i > 0 && illust.CreateDate.After(prevDate) && illust.IllustID > prevID {
				anomaly = true
			}
			prevID, prevDate = illust.IllustID, illust.CreateDate

			if hasCursor && illust.IllustID <= prior.LatestSeenIllustID && !illust.CreateDate.After(prior.LatestSeenCreateDate) {
				stop = true
				break
			}

			if !s.admit(maxDownloads, enqueuedSoFar+res.Enqueued) {
				res.HitMaxDownloads = true
				stop = true
				break
			}

			enqueued, placeholder, err := s.considerIllust(illust, model.Provenance{IsFollowingAuthor: true})
			if err != nil {
				return res, err
			}
			if placeholder {
				res.PlaceholdersHit++
				continue
			}
			if enqueued {
				res.Enqueued++
			} else {
				res.Skipped++
			}
		}
		if stop || page.NextURL == "" {
			break
		}
		offset += len(page.Illusts)
		page, err = s.client.FetchNextPage(ctx, token, page.NextURL)
		s.logFetch("fetch_next_user_illusts_page", err, slog.Uint64("author_id", author.AuthorID))
		if err != nil {
			return res, fmt.Errorf("scanner: fetch next user-illusts page %d: %w", author.AuthorID, err)
		}
	}

	if anomaly {
		s.cursors.DiscardFollowing(author.AuthorID)
		return res, nil
	}
	if newest != 0 {
		s.cursors.UpdateFollowing(author.AuthorID, model.FollowingAuthorCursor{
			LatestSeenIllustID:   newest,
			LatestSeenCreateDate: newestDate,
			UpdatedAt:            time.Now(),
		})
	}
	return res, nil
}
