package model

import "time"

// BookmarksCursor is the watermark the Scanner uses to stop an incremental
// bookmarks walk early.
type BookmarksCursor struct {
	LatestSeenIllustID   uint64    `json:"latest_seen_illust_id"`
	LatestSeenCreateDate time.Time `json:"latest_seen_create_date,omitzero"`
	FullScan             bool      `json:"full_scan"`
	IncrementalStopped   bool      `json:"incremental_stopped"`
}

// FollowingAuthorCursor is the per-author watermark used by the following
// scan.
type FollowingAuthorCursor struct {
	LatestSeenIllustID   uint64    `json:"latest_seen_illust_id"`
	LatestSeenCreateDate time.Time `json:"latest_seen_create_date,omitzero"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// ScanCursor is the full persisted cursor document (data/scan_cursor.json).
type ScanCursor struct {
	Version   int                               `json:"version"`
	Bookmarks BookmarksCursor                   `json:"bookmarks"`
	Following map[uint64]*FollowingAuthorCursor  `json:"following"`
	UpdatedAt time.Time                         `json:"updated_at"`
}

// NewScanCursor returns a cursor that forces a full scan of both sources,
// the state used on first run.
func NewScanCursor() *ScanCursor {
	return &ScanCursor{
		Version:   1,
		Bookmarks: BookmarksCursor{FullScan: true},
		Following: make(map[uint64]*FollowingAuthorCursor),
	}
}
