// Package store is the metadata store (C3): users, illusts, and
// download_history tables, grounded in database.py's schema and the
// teacher's database package for the sqlx/go-sqlite3 access pattern
// (prepared named statements opened once, reused for every call).
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/uheee/pixiv-backup/internal/model"
)

const schema = `
create table if not exists users (
    user_id integer not null primary key,
    name text,
    account text,
    profile_image_url text,
    is_premium integer default 0,
    created_at integer,
    updated_at integer
);

create table if not exists illusts (
    illust_id integer not null primary key,
    user_id integer,
    title text,
    caption text,
    create_date integer,
    page_count integer,
    width integer,
    height integer,
    bookmark_count integer,
    view_count integer,
    sanity_level integer,
    x_restrict integer,
    type text,
    image_urls_json text,
    tags_json text,
    downloaded integer default 0,
    download_path text,
    downloaded_at integer,
    created_at integer,
    updated_at integer
);

create index if not exists illusts_user_id_index on illusts (user_id);
create index if not exists illusts_downloaded_index on illusts (downloaded);
create index if not exists illusts_type_index on illusts (type);

create table if not exists download_history (
    id integer not null primary key autoincrement,
    illust_id integer not null,
    download_time integer,
    success integer,
    file_size integer,
    error_message text
);
`

// Store wraps the opened database and its prepared statements.
type Store struct {
	db    *sqlx.DB
	stmts statements
}

type statements struct {
	upsertUser       *sqlx.NamedStmt
	upsertIllust     *sqlx.NamedStmt
	markDownloaded   *sqlx.NamedStmt
	recordSuccess    *sqlx.NamedStmt
	recordError      *sqlx.NamedStmt
	isDownloaded     *sqlx.Stmt
	setBookmarkOrder *sqlx.NamedStmt
}

// Open opens the sqlite database at path, creating it and its schema if
// absent, and runs the non-destructive column migrations this service has
// accumulated over database.py's original shape.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	if err := ensureColumn(db, "download_history", "file_size", "integer default 0"); err != nil {
		return nil, err
	}
	if err := ensureColumn(db, "illusts", "bookmark_order", "integer"); err != nil {
		return nil, err
	}
	if err := ensureColumn(db, "illusts", "is_bookmarked", "integer default 0"); err != nil {
		return nil, err
	}
	if err := ensureColumn(db, "illusts", "is_access_limited", "integer default 0"); err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.prepare(); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureColumn ports database.py's _ensure_column: inspect PRAGMA
// table_info and add the column only if it is missing, so a schema change
// never requires dropping an existing database.
func ensureColumn(db *sqlx.DB, table, column, definition string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("store: table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dfltValue  sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("store: scan table_info: %w", err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil {
		return fmt.Errorf("store: add column %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *Store) prepare() error {
	var err error
	s.stmts.upsertUser, err = s.db.PrepareNamed(`
		insert into users (user_id, name, account, profile_image_url, is_premium, created_at, updated_at)
		values (:user_id, :name, :account, :profile_image_url, :is_premium, :created_at, :updated_at)
		on conflict(user_id) do update set
			name = excluded.name,
			account = excluded.account,
			profile_image_url = excluded.profile_image_url,
			is_premium = excluded.is_premium,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("store: prepare upsertUser: %w", err)
	}

	s.stmts.upsertIllust, err = s.db.PrepareNamed(`
		insert into illusts (
			illust_id, user_id, title, caption, create_date, page_count, width, height,
			bookmark_count, view_count, sanity_level, x_restrict, type, image_urls_json,
			tags_json, is_access_limited, created_at, updated_at
		) values (
			:illust_id, :user_id, :title, :caption, :create_date, :page_count, :width, :height,
			:bookmark_count, :view_count, :sanity_level, :x_restrict, :type, :image_urls_json,
			:tags_json, :is_access_limited, :created_at, :updated_at
		)
		on conflict(illust_id) do update set
			user_id = excluded.user_id,
			title = excluded.title,
			caption = excluded.caption,
			create_date = excluded.create_date,
			page_count = excluded.page_count,
			width = excluded.width,
			height = excluded.height,
			bookmark_count = excluded.bookmark_count,
			view_count = excluded.view_count,
			sanity_level = excluded.sanity_level,
			x_restrict = excluded.x_restrict,
			type = excluded.type,
			image_urls_json = excluded.image_urls_json,
			tags_json = excluded.tags_json,
			is_access_limited = excluded.is_access_limited,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("store: prepare upsertIllust: %w", err)
	}

	s.stmts.markDownloaded, err = s.db.PrepareNamed(`
		update illusts set downloaded = 1, download_path = :download_path,
			downloaded_at = :downloaded_at, updated_at = :downloaded_at
		where illust_id = :illust_id`)
	if err != nil {
		return fmt.Errorf("store: prepare markDownloaded: %w", err)
	}

	s.stmts.recordSuccess, err = s.db.PrepareNamed(`
		insert into download_history (illust_id, download_time, success, file_size, error_message)
		values (:illust_id, :download_time, 1, :file_size, null)`)
	if err != nil {
		return fmt.Errorf("store: prepare recordSuccess: %w", err)
	}

	s.stmts.recordError, err = s.db.PrepareNamed(`
		insert into download_history (illust_id, download_time, success, file_size, error_message)
		values (:illust_id, :download_time, 0, 0, :error_message)`)
	if err != nil {
		return fmt.Errorf("store: prepare recordError: %w", err)
	}

	s.stmts.isDownloaded, err = s.db.Preparex(`select downloaded from illusts where illust_id = ?`)
	if err != nil {
		return fmt.Errorf("store: prepare isDownloaded: %w", err)
	}

	s.stmts.setBookmarkOrder, err = s.db.PrepareNamed(`
		update illusts set bookmark_order = :bookmark_order, is_bookmarked = :is_bookmarked,
			updated_at = :updated_at
		where illust_id = :illust_id`)
	if err != nil {
		return fmt.Errorf("store: prepare setBookmarkOrder: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// UpsertAuthor records or refreshes an author's profile (database.py's
// save_user).
func (s *Store) UpsertAuthor(a model.Author) error {
	now := time.Now().Unix()
	_, err := s.stmts.upsertUser.Exec(map[string]any{
		"user_id":            a.AuthorID,
		"name":               a.Name,
		"account":            a.Account,
		"profile_image_url":  a.ProfileImageURL,
		"is_premium":         false,
		"created_at":         now,
		"updated_at":         now,
	})
	if err != nil {
		return fmt.Errorf("store: upsert author %d: %w", a.AuthorID, err)
	}
	return nil
}

// UpsertIllust records or refreshes an illust's metadata without touching
// its downloaded/download_path columns (database.py's save_illust never
// clears a prior download on re-observation).
func (s *Store) UpsertIllust(illust model.Illust) error {
	imageURLs, err := json.Marshal(illust.PreviewURLs)
	if err != nil {
		return fmt.Errorf("store: marshal image_urls: %w", err)
	}
	tags, err := json.Marshal(illust.Tags)
	if err != nil {
		return fmt.Errorf("store: marshal tags: %w", err)
	}
	now := time.Now().Unix()
	_, err = s.stmts.upsertIllust.Exec(map[string]any{
		"illust_id":         illust.IllustID,
		"user_id":           illust.Author.AuthorID,
		"title":             illust.Title,
		"caption":           illust.Caption,
		"create_date":       illust.CreateDate.Unix(),
		"page_count":        illust.PageCount,
		"width":             illust.Width,
		"height":            illust.Height,
		"bookmark_count":    illust.BookmarkCount,
		"view_count":        illust.ViewCount,
		"sanity_level":      illust.SanityLevel,
		"x_restrict":        illust.XRestrict,
		"type":              string(illust.Type),
		"image_urls_json":   string(imageURLs),
		"tags_json":         string(tags),
		"is_access_limited": illust.IsAccessLimited,
		"created_at":        now,
		"updated_at":        now,
	})
	if err != nil {
		return fmt.Errorf("store: upsert illust %d: %w", illust.IllustID, err)
	}
	return nil
}

// MarkDownloaded records a successful artifact write (database.py's
// mark_as_downloaded): it updates the illust row and appends a history
// entry in the same call.
func (s *Store) MarkDownloaded(illustID uint64, downloadPath string, fileSize int64) error {
	now := time.Now().Unix()
	if _, err := s.stmts.markDownloaded.Exec(map[string]any{
		"illust_id":     illustID,
		"download_path": downloadPath,
		"downloaded_at": now,
	}); err != nil {
		return fmt.Errorf("store: mark downloaded %d: %w", illustID, err)
	}
	if _, err := s.stmts.recordSuccess.Exec(map[string]any{
		"illust_id":     illustID,
		"download_time": now,
		"file_size":     fileSize,
	}); err != nil {
		return fmt.Errorf("store: record success %d: %w", illustID, err)
	}
	return nil
}

// RecordError appends a failed download_history row without touching the
// illust's downloaded flag (database.py's record_download_error).
func (s *Store) RecordError(illustID uint64, message string) error {
	_, err := s.stmts.recordError.Exec(map[string]any{
		"illust_id":      illustID,
		"download_time":  time.Now().Unix(),
		"error_message":  message,
	})
	if err != nil {
		return fmt.Errorf("store: record error %d: %w", illustID, err)
	}
	return nil
}

// IsDownloaded reports whether an illust is already marked downloaded.
func (s *Store) IsDownloaded(illustID uint64) (bool, error) {
	var downloaded int
	err := s.stmts.isDownloaded.Get(&downloaded, illustID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: is downloaded %d: %w", illustID, err)
	}
	return downloaded == 1, nil
}

// BookmarkOrderRow is one illust's current bookmark_order bookkeeping, for
// the repair tool's --check/--apply passes.
type BookmarkOrderRow struct {
	IllustID      uint64 `db:"illust_id"`
	BookmarkOrder *int   `db:"bookmark_order"`
	IsBookmarked  bool   `db:"is_bookmarked"`
}

// BookmarkOrders returns every illust's current bookmark_order state,
// ported from backfill_bookmark_order.py's metadata scan but reading C3's
// store directly instead of walking metadata/*.json files.
func (s *Store) BookmarkOrders() ([]BookmarkOrderRow, error) {
	var rows []BookmarkOrderRow
	if err := s.db.Select(&rows, `select illust_id, bookmark_order, is_bookmarked from illusts`); err != nil {
		return nil, fmt.Errorf("store: bookmark orders: %w", err)
	}
	return rows, nil
}

// SetBookmarkOrder writes a recomputed bookmark_order (nil clears it) and
// is_bookmarked flag for one illust (backfill_bookmark_order.py's
// rewrite_metadata, applied to a store row instead of a JSON file).
func (s *Store) SetBookmarkOrder(illustID uint64, order *int, isBookmarked bool) error {
	_, err := s.stmts.setBookmarkOrder.Exec(map[string]any{
		"illust_id":      illustID,
		"bookmark_order": order,
		"is_bookmarked":  isBookmarked,
		"updated_at":     time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("store: set bookmark order %d: %w", illustID, err)
	}
	return nil
}

// IllustCount returns the total number of illusts ever observed.
func (s *Store) IllustCount() (int, error) {
	var count int
	if err := s.db.Get(&count, `select count(*) from illusts`); err != nil {
		return 0, fmt.Errorf("store: illust count: %w", err)
	}
	return count, nil
}

// RecentDownload is a joined row for the `status` subcommand's recent
// activity table.
type RecentDownload struct {
	IllustID     uint64 `db:"illust_id"`
	Title        string `db:"title"`
	AuthorName   string `db:"name"`
	DownloadedAt int64  `db:"downloaded_at"`
	DownloadPath string `db:"download_path"`
}

// RecentDownloads returns the most recently downloaded illusts, joined
// against their author (database.py's get_recent_downloads).
func (s *Store) RecentDownloads(limit int) ([]RecentDownload, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []RecentDownload
	err := s.db.Select(&rows, `
		select i.illust_id, i.title, u.name, i.downloaded_at, i.download_path
		from illusts i
		left join users u on u.user_id = i.user_id
		where i.downloaded = 1
		order by i.downloaded_at desc
		limit ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent downloads: %w", err)
	}
	return rows, nil
}

// Stats is the aggregate summary used by `status` (database.py's
// get_download_stats).
type Stats struct {
	TotalDownloaded int
	ByType          map[string]int
	LastSevenDays   map[string]int
}

// DownloadStats aggregates by-type and last-7-days counts.
func (s *Store) DownloadStats() (*Stats, error) {
	stats := &Stats{ByType: map[string]int{}, LastSevenDays: map[string]int{}}

	if err := s.db.Get(&stats.TotalDownloaded, `select count(*) from illusts where downloaded = 1`); err != nil {
		return nil, fmt.Errorf("store: total downloaded: %w", err)
	}

	type typeRow struct {
		Type  string `db:"type"`
		Count int    `db:"count"`
	}
	var typeRows []typeRow
	if err := s.db.Select(&typeRows, `select type, count(*) as count from illusts where downloaded = 1 group by type`); err != nil {
		return nil, fmt.Errorf("store: stats by type: %w", err)
	}
	for _, r := range typeRows {
		stats.ByType[r.Type] = r.Count
	}

	cutoff := time.Now().AddDate(0, 0, -7).Unix()
	type dayRow struct {
		Day   string `db:"day"`
		Count int    `db:"count"`
	}
	var dayRows []dayRow
	if err := s.db.Select(&dayRows, `
		select date(downloaded_at, 'unixepoch') as day, count(*) as count
		from illusts
		where downloaded = 1 and downloaded_at >= ?
		group by day`, cutoff); err != nil {
		return nil, fmt.Errorf("store: stats by day: %w", err)
	}
	for _, r := range dayRows {
		stats.LastSevenDays[r.Day] = r.Count
	}

	return stats, nil
}

// CleanupOldRecords drops download_history rows older than the given
// horizon (database.py's cleanup_old_records).
func (s *Store) CleanupOldRecords(olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).Unix()
	res, err := s.db.Exec(`delete from download_history where download_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup old records: %w", err)
	}
	return res.RowsAffected()
}
