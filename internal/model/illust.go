// Package model defines the data types shared by every component of the
// backup engine: the upstream illust/author records, the durable queue item,
// the scan cursors, and the runtime status snapshot.
package model

import "time"

// IllustType mirrors the three work shapes the upstream distinguishes.
type IllustType string

const (
	TypeIllust IllustType = "illust"
	TypeManga  IllustType = "manga"
	TypeUgoira IllustType = "ugoira"
)

// Author is the nested creator record embedded in every Illust.
type Author struct {
	AuthorID        uint64 `json:"user_id"`
	Name            string `json:"name"`
	Account         string `json:"account"`
	ProfileImageURL string `json:"profile_image_url"`
}

// Illust is a single Pixiv work, as observed by the Scanner and persisted by
// the Metadata Store.
type Illust struct {
	IllustID           uint64            `json:"illust_id"`
	Title              string            `json:"title"`
	Caption            string            `json:"caption"`
	Author             Author            `json:"user"`
	CreateDate         time.Time         `json:"create_date"`
	PageCount          int               `json:"page_count"`
	Width              int               `json:"width"`
	Height             int               `json:"height"`
	BookmarkCount      int               `json:"bookmark_count"`
	ViewCount          int               `json:"view_count"`
	SanityLevel        int               `json:"sanity_level"`
	XRestrict          int               `json:"x_restrict"`
	Type               IllustType        `json:"type"`
	Tags               []string          `json:"tags"`
	PreviewURLs        map[string]string `json:"image_urls"`
	Tools              []string          `json:"tools"`
	DownloadTime       time.Time         `json:"download_time,omitzero"`
	OriginalURL        string            `json:"original_url"`
	IsBookmarked       bool              `json:"is_bookmarked"`
	IsFollowingAuthor  bool              `json:"is_following_author"`
	BookmarkOrder      *int              `json:"bookmark_order,omitempty"`
	IsAccessLimited    bool              `json:"is_access_limited"`

	// MetaPages/MetaSinglePage/Ugoira hold the artifact-resolution inputs the
	// Downloader needs; they round-trip through the embedded copy stored on
	// a QueueItem but are not part of the persisted metadata document.
	MetaPages      []MetaPage      `json:"-"`
	MetaSinglePage *MetaSinglePage `json:"-"`
	Ugoira         *UgoiraMeta     `json:"-"`
}

// MetaPage is one page of a multi-page illust.
type MetaPage struct {
	ImageURLs map[string]string `json:"image_urls"`
}

// MetaSinglePage is the artifact source for a one-page illust.
type MetaSinglePage struct {
	OriginalImageURL string `json:"original_image_url"`
}

// UgoiraMeta carries the animated-illustration archive location and frame
// timing, round-tripped into metadata documents for ugoira works.
type UgoiraMeta struct {
	ZipURL  string            `json:"zip_url,omitempty"`
	ZipURLs map[string]string `json:"zip_urls,omitempty"`
	Frames  []UgoiraFrame     `json:"frames,omitempty"`
}

// UgoiraFrame is a single animation frame's delay, in milliseconds.
type UgoiraFrame struct {
	File  string `json:"file"`
	Delay int    `json:"delay"`
}

// DownloadRecord is the per-file outcome tied to an Illust.
type DownloadRecord struct {
	IllustID    uint64    `json:"illust_id"`
	LocalPath   string    `json:"local_path"`
	ByteSize    int64     `json:"byte_size"`
	ContentHash string    `json:"content_hash,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Success     bool      `json:"success"`
	ErrorMsg    string    `json:"error_message,omitempty"`
}

// QueueStatus is the lifecycle state of a QueueItem.
type QueueStatus string

const (
	StatusPending         QueueStatus = "pending"
	StatusRunning         QueueStatus = "running"
	StatusDone            QueueStatus = "done"
	StatusFailed          QueueStatus = "failed"
	StatusPermanentFailed QueueStatus = "permanent_failed"
)

// ErrorCategory is C7's classification output.
type ErrorCategory string

const (
	CategoryInvalid    ErrorCategory = "invalid"
	CategoryRateLimit  ErrorCategory = "rate_limit"
	CategoryAuth       ErrorCategory = "auth"
	CategoryNetwork    ErrorCategory = "network"
	CategoryFilesystem ErrorCategory = "filesystem"
	CategoryConfig     ErrorCategory = "config"
	CategoryUnknown    ErrorCategory = "unknown"
)

// QueueError is the structured form of the last failure recorded on a
// QueueItem.
type QueueError struct {
	Category   ErrorCategory `json:"category"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Message    string        `json:"message"`
}

// Provenance records which listing source(s) discovered a work.
type Provenance struct {
	IsBookmarked      bool `json:"is_bookmarked"`
	IsFollowingAuthor bool `json:"is_following_author"`
}

// QueueItem is a unit of work tracked by the Task Queue (C4).
type QueueItem struct {
	IllustID     uint64      `json:"illust_id"`
	Status       QueueStatus `json:"status"`
	RetryCount   int         `json:"retry_count"`
	FailedRounds int         `json:"failed_rounds"`
	LastError    *QueueError `json:"last_error,omitempty"`
	NextRetryAt  time.Time   `json:"next_retry_at,omitzero"`
	EnqueuedAt   time.Time   `json:"enqueued_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Provenance   Provenance  `json:"provenance"`
	Illust       Illust      `json:"illust"`
}

// Ready reports whether the item may be claimed at the given time.
func (q *QueueItem) Ready(now time.Time) bool {
	switch q.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return q.NextRetryAt.IsZero() || !now.Before(q.NextRetryAt)
	default:
		return false
	}
}
