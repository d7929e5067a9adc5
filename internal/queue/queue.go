// Package queue is the durable Task Queue (C4): a single JSON document
// (task_queue.json) holding every QueueItem, with categorized retry backoff
// and the two-tier pacing gate. It follows the teacher's convention of a
// prepared-schema store backing a simple enqueue/claim/complete surface,
// generalized from database/work.go's upsert logic to a full state machine,
// and its persistence shape is ported from crawler.py's
// _load_task_queue/_save_task_queue ({version, updated_at, items[]}).
package queue

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/uheee/pixiv-backup/internal/atomicfile"
	"github.com/uheee/pixiv-backup/internal/model"
)

// backoffPolicy is one row of the category → retry table in spec.md §4.3.
type backoffPolicy struct {
	base       time.Duration
	cap        time.Duration
	maxRetries int
}

var policies = map[model.ErrorCategory]backoffPolicy{
	model.CategoryInvalid:    {base: 0, cap: 0, maxRetries: 0},
	model.CategoryRateLimit:  {base: 300 * time.Second, cap: 3600 * time.Second, maxRetries: 8},
	model.CategoryNetwork:    {base: 30 * time.Second, cap: 1800 * time.Second, maxRetries: 10},
	model.CategoryAuth:       {base: 0, cap: 0, maxRetries: 0},
	model.CategoryFilesystem: {base: 60 * time.Second, cap: 1200 * time.Second, maxRetries: 6},
	model.CategoryConfig:     {base: 60 * time.Second, cap: 1200 * time.Second, maxRetries: 6},
	model.CategoryUnknown:    {base: 60 * time.Second, cap: 1200 * time.Second, maxRetries: 6},
}

// invalidPermanentThreshold is the consecutive-failed-rounds count after
// which an `invalid` item gives up for good, per §4.6 ("after 3 consecutive
// failed_rounds"). §4.3 additionally says invalid items never wait out a
// backoff between those three attempts.
const invalidPermanentThreshold = 3

// Backoff returns the wait duration before retry_count k's item becomes
// eligible again, for category cat.
func Backoff(cat model.ErrorCategory, retryCount int) time.Duration {
	p, ok := policies[cat]
	if !ok {
		p = policies[model.CategoryUnknown]
	}
	if p.base == 0 {
		return 0
	}
	d := p.base
	for i := 0; i < retryCount-1 && i < 32; i++ {
		d *= 2
		if d >= p.cap {
			d = p.cap
			break
		}
	}
	if d > p.cap {
		d = p.cap
	}
	return d
}

// document is the on-disk shape of task_queue.json.
type document struct {
	Version   int                         `json:"version"`
	UpdatedAt time.Time                   `json:"updated_at"`
	Items     map[uint64]*model.QueueItem `json:"items"`
}

// Queue is the in-memory, mutex-guarded view of task_queue.json. The
// scheduler is its sole writer; it flushes explicitly via Save rather than
// on every mutation, per the "batch mutations into one flush per scheduler
// step" guidance.
type Queue struct {
	path string

	mu    sync.Mutex
	items map[uint64]*model.QueueItem
	dirty bool

	// pacing state, reset at the start of every round by ConfigurePacing.
	highSpeedSize   int
	jitterMillis    int
	claimsThisRound int
	limiter         *rate.Limiter
}

// New builds an empty queue for the given path; callers normally call Load
// instead.
func New(path string) *Queue {
	return &Queue{path: path, items: map[uint64]*model.QueueItem{}}
}

// Load reads task_queue.json if present, or returns an empty queue.
func Load(path string) (*Queue, error) {
	q := New(path)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: read %s: %w", path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("queue: decode %s: %w", path, err)
	}
	if doc.Items != nil {
		q.items = doc.Items
	}
	return q, nil
}

// Save flushes the queue to disk if it has unsaved mutations.
func (q *Queue) Save() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.dirty {
		return nil
	}
	doc := document{Version: 1, UpdatedAt: time.Now(), Items: q.items}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: encode: %w", err)
	}
	if err := atomicfile.WriteJSON(q.path, data, 0o644); err != nil {
		return err
	}
	q.dirty = false
	return nil
}

// ConfigurePacing sets the two-tier pacing parameters for the upcoming
// round and resets its claim counter. Once claimsThisRound exceeds
// highSpeedSize, ClaimNext gates further claims through a token-bucket
// limiter admitting one claim every lowSpeedInterval, plus jitter.
func (q *Queue) ConfigurePacing(highSpeedSize int, lowSpeedInterval time.Duration, jitterMillis int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.highSpeedSize = highSpeedSize
	q.jitterMillis = jitterMillis
	q.claimsThisRound = 0
	if lowSpeedInterval > 0 {
		q.limiter = rate.NewLimiter(rate.Every(lowSpeedInterval), 1)
		// Drain the initial burst token so the first low-speed claim still
		// waits a full interval rather than passing through for free.
		q.limiter.ReserveN(time.Now(), 1)
	} else {
		q.limiter = nil
	}
}

// Enqueue inserts a new item, or updates an existing one in place per
// spec.md §4.3: never overwrite a `running` item; reset a `failed`/`done`
// item to `pending` when new provenance information arrives.
func (q *Queue) Enqueue(illust model.Illust, provenance model.Provenance) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	existing, ok := q.items[illust.IllustID]
	if !ok {
		q.items[illust.IllustID] = &model.QueueItem{
			IllustID:   illust.IllustID,
			Status:     model.StatusPending,
			EnqueuedAt: now,
			UpdatedAt:  now,
			Provenance: provenance,
			Illust:     illust,
		}
		q.dirty = true
		return
	}

	if existing.Status == model.StatusRunning {
		return
	}

	newProvenance := (provenance.IsBookmarked && !existing.Provenance.IsBookmarked) ||
		(provenance.IsFollowingAuthor && !existing.Provenance.IsFollowingAuthor)

	existing.Provenance.IsBookmarked = existing.Provenance.IsBookmarked || provenance.IsBookmarked
	existing.Provenance.IsFollowingAuthor = existing.Provenance.IsFollowingAuthor || provenance.IsFollowingAuthor
	existing.Illust = illust
	existing.UpdatedAt = now

	if existing.Status == model.StatusFailed || existing.Status == model.StatusDone {
		if newProvenance || existing.Status == model.StatusDone {
			existing.Status = model.StatusPending
			existing.RetryCount = 0
			existing.FailedRounds = 0
			existing.LastError = nil
			existing.NextRetryAt = time.Time{}
		}
	}
	q.dirty = true
}

// ClaimNext returns and marks `running` the highest-priority eligible item,
// applying the two-tier pacing gate. It reports pacingDelay, the duration
// the caller must sleep before claiming again this round (zero when the
// claim is within the high-speed allowance).
func (q *Queue) ClaimNext(now time.Time) (item *model.QueueItem, pacingDelay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	candidates := make([]*model.QueueItem, 0, len(q.items))
	for _, it := range q.items {
		if it.Ready(now) {
			candidates = append(candidates, it)
		}
	}
	if len(candidates) == 0 {
		return nil, 0
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ai, bi := priorityRank(a), priorityRank(b)
		if ai != bi {
			return ai < bi
		}
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	})

	chosen := candidates[0]
	chosen.Status = model.StatusRunning
	chosen.UpdatedAt = now
	q.dirty = true

	q.claimsThisRound++
	if q.claimsThisRound > q.highSpeedSize && q.highSpeedSize >= 0 && q.limiter != nil {
		delay := q.limiter.ReserveN(now, 1).DelayFrom(now)
		if q.jitterMillis > 0 {
			delay += time.Duration(rand.Intn(q.jitterMillis)) * time.Millisecond
		}
		pacingDelay = delay
	}

	return chosen, pacingDelay
}

// priorityRank implements "prefer provenance=bookmark over following when
// tied": 0 for bookmark-provenance items, 1 otherwise.
func priorityRank(it *model.QueueItem) int {
	if it.Provenance.IsBookmarked {
		return 0
	}
	return 1
}

// Outcome is what the Downloader reports back to Complete.
type Outcome struct {
	Success bool
	Err     *model.QueueError
}

// Complete applies a claimed item's outcome, computing the next backoff or
// permanent-failure transition per spec.md §4.3/§4.6.
func (q *Queue) Complete(illustID uint64, outcome Outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[illustID]
	if !ok {
		return
	}
	now := time.Now()
	q.dirty = true

	if outcome.Success {
		item.Status = model.StatusDone
		item.FailedRounds = 0
		item.LastError = nil
		item.NextRetryAt = time.Time{}
		item.UpdatedAt = now
		return
	}

	item.LastError = outcome.Err
	item.FailedRounds++
	item.UpdatedAt = now

	cat := model.CategoryUnknown
	if outcome.Err != nil {
		cat = outcome.Err.Category
	}

	if cat == model.CategoryInvalid {
		if item.FailedRounds >= invalidPermanentThreshold {
			item.Status = model.StatusPermanentFailed
		} else {
			item.Status = model.StatusFailed
			item.NextRetryAt = now
		}
		return
	}

	item.RetryCount++
	p := policies[cat]
	if p.maxRetries == 0 || item.RetryCount > p.maxRetries {
		item.Status = model.StatusPermanentFailed
		return
	}
	item.Status = model.StatusFailed
	item.NextRetryAt = now.Add(Backoff(cat, item.RetryCount))
}

// ReleaseRunning resets any item left `running` back to `pending`, for
// startup recovery after a kill mid-download (spec.md scenario 6: a queue
// item must never be stuck in `running`).
func (q *Queue) ReleaseRunning() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Status == model.StatusRunning {
			it.Status = model.StatusPending
			it.UpdatedAt = time.Now()
			q.dirty = true
		}
	}
}

// Summary reports the queue-shaped counters published in status.json.
func (q *Queue) Summary() model.QueueSummary {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s model.QueueSummary
	for _, it := range q.items {
		switch it.Status {
		case model.StatusPending:
			s.Pending++
		case model.StatusRunning:
			s.Running++
		case model.StatusDone:
			s.Done++
		case model.StatusFailed:
			s.Failed++
		case model.StatusPermanentFailed:
			s.PermanentFailed++
		}
	}
	return s
}

// PendingCount reports the number of items in pending or running state,
// for the Scanner's admission-control check against max_downloads.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.Status == model.StatusPending || it.Status == model.StatusRunning {
			n++
		}
	}
	return n
}

// Has reports whether illustID already has a queue item, terminal or not.
func (q *Queue) Has(illustID uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[illustID]
	return ok
}

// IsTerminal reports whether illustID's item is done or permanent_failed.
func (q *Queue) IsTerminal(illustID uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[illustID]
	if !ok {
		return false
	}
	return it.Status == model.StatusDone || it.Status == model.StatusPermanentFailed
}

// Purge removes `done` items older than olderThan, for long-running
// daemons that never want task_queue.json to grow without bound.
func (q *Queue) Purge(olderThan time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, it := range q.items {
		if it.Status == model.StatusDone && it.UpdatedAt.Before(cutoff) {
			delete(q.items, id)
			removed++
		}
	}
	if removed > 0 {
		q.dirty = true
	}
	return removed
}
