// Package downloader is the Downloader (C6): given a claimed QueueItem, it
// resolves the artifact URLs from the embedded illust object, streams each
// to a temp file and renames it into place, then writes the metadata
// document. It is grounded in the teacher's job/download.go (the
// Referer-header request pattern, streaming into the final directory) and
// in downloader.py's save-path and metadata-document logic, with
// avast/retry-go/v4 added underneath for a quick per-artifact retry on a
// transient blip — the queue's own backoff in internal/queue still owns
// the across-round retry decision.
package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"

	"github.com/uheee/pixiv-backup/internal/atomicfile"
	"github.com/uheee/pixiv-backup/internal/classify"
	"github.com/uheee/pixiv-backup/internal/logging"
	"github.com/uheee/pixiv-backup/internal/model"
	"github.com/uheee/pixiv-backup/internal/pixivapi"
	"github.com/uheee/pixiv-backup/internal/store"
)

const imageReferer = "https://app-api.pixiv.net/"

// artifact is one file the Downloader must produce for an illust.
type artifact struct {
	url      string
	filename string
}

// Downloader owns the plain HTTP client used for binary artifact fetches
// (the app-api client in internal/pixivapi is JSON-only) and the
// filesystem roots it writes under.
type Downloader struct {
	HTTP    *http.Client
	API     *pixivapi.Client
	Store   *store.Store
	ImgDir  string
	MetaDir string
	Logger  *slog.Logger
}

// New builds a Downloader.
func New(httpClient *http.Client, api *pixivapi.Client, st *store.Store, imgDir, metaDir string, logger *slog.Logger) *Downloader {
	return &Downloader{HTTP: httpClient, API: api, Store: st, ImgDir: imgDir, MetaDir: metaDir, Logger: logger}
}

// Outcome is the result handed back to the queue.
type Outcome struct {
	Success bool
	Err     *model.QueueError
}

// Download fetches every artifact for item.Illust, writes its metadata
// document, and records the outcome in the store. accessToken is used only
// to resolve ugoira zip metadata (app-api call); artifact bodies themselves
// come from the unauthenticated image host.
func (d *Downloader) Download(ctx context.Context, accessToken string, illust model.Illust) Outcome {
	artifacts, err := d.resolveArtifacts(ctx, accessToken, &illust)
	if err != nil {
		return d.fail(illust.IllustID, "resolve_artifacts", "", err)
	}
	if len(artifacts) == 0 {
		return d.fail(illust.IllustID, "resolve_artifacts", "", fmt.Errorf("no artifact urls for illust %d", illust.IllustID))
	}

	dir := filepath.Join(d.ImgDir, fmt.Sprintf("%d", illust.IllustID))
	var totalSize int64
	for _, a := range artifacts {
		size, err := d.fetchArtifact(ctx, dir, a)
		if err != nil {
			return d.fail(illust.IllustID, "download_artifact", a.url, err)
		}
		totalSize += size
	}

	illust.DownloadTime = time.Now()
	illust.OriginalURL = artifacts[0].url
	if err := d.writeMetadata(illust); err != nil {
		return d.fail(illust.IllustID, "write_metadata", "", err)
	}

	localPath := dir
	if err := d.Store.MarkDownloaded(illust.IllustID, localPath, totalSize); err != nil {
		return d.fail(illust.IllustID, "mark_downloaded", "", err)
	}

	return Outcome{Success: true}
}

func (d *Downloader) fail(illustID uint64, action, artifactURL string, err error) Outcome {
	cat := classify.Classify(err)
	qerr := &model.QueueError{Category: cat, Message: err.Error()}
	if he, ok := err.(*classify.HTTPError); ok {
		qerr.HTTPStatus = he.Status
	}
	_ = d.Store.RecordError(illustID, fmt.Sprintf("%s: %s", action, err.Error()))
	return Outcome{Err: qerr}
}

// resolveArtifacts implements spec.md §4.5's artifact-URL resolution.
func (d *Downloader) resolveArtifacts(ctx context.Context, accessToken string, illust *model.Illust) ([]artifact, error) {
	id := illust.IllustID

	if illust.Type == model.TypeUgoira {
		if illust.Ugoira == nil {
			meta, err := d.API.FetchUgoiraMetadata(ctx, accessToken, id)
			if d.Logger != nil {
				status := "ok"
				if err != nil {
					status = "error"
				}
				logging.ExternalAction(d.Logger, "download", "app-api", "fetch_ugoira_metadata", status, slog.Uint64("illust_id", id))
			}
			if err != nil {
				return nil, fmt.Errorf("fetch ugoira metadata: %w", err)
			}
			illust.Ugoira = meta
		}
		zipURL := illust.Ugoira.ZipURL
		if zipURL == "" {
			for _, candidate := range []string{"original", "large", "medium", "small"} {
				if u, ok := illust.Ugoira.ZipURLs[candidate]; ok && u != "" {
					zipURL = u
					break
				}
			}
		}
		if zipURL == "" {
			return nil, fmt.Errorf("no zip url resolved for ugoira %d", id)
		}
		return []artifact{{url: zipURL, filename: fmt.Sprintf("%d.zip", id)}}, nil
	}

	if len(illust.MetaPages) > 0 {
		artifacts := make([]artifact, 0, len(illust.MetaPages))
		for i, mp := range illust.MetaPages {
			u := preferredImageURL(mp.ImageURLs)
			if u == "" {
				return nil, fmt.Errorf("page %d of illust %d has no original url", i, id)
			}
			artifacts = append(artifacts, artifact{url: u, filename: fmt.Sprintf("%d.p%d.%s", id, i, extractExt(u))})
		}
		return artifacts, nil
	}

	var single string
	if illust.MetaSinglePage != nil {
		single = illust.MetaSinglePage.OriginalImageURL
	}
	if single == "" {
		single = preferredImageURL(illust.PreviewURLs)
	}
	if single == "" {
		return nil, fmt.Errorf("illust %d has no resolvable artifact url", id)
	}
	return []artifact{{url: single, filename: fmt.Sprintf("%d.%s", id, extractExt(single))}}, nil
}

func preferredImageURL(urls map[string]string) string {
	for _, key := range []string{"original", "large", "medium", "square_medium"} {
		if u, ok := urls[key]; ok && u != "" {
			return u
		}
	}
	return ""
}

func extractExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "jpg"
	}
	base := path.Base(u.Path)
	if idx := strings.LastIndex(base, "."); idx >= 0 && idx < len(base)-1 {
		return base[idx+1:]
	}
	return "jpg"
}

// fetchArtifact streams one artifact into dir via a staged temp file,
// retrying a couple of times on a transient failure before giving up to
// the queue's own backoff.
func (d *Downloader) fetchArtifact(ctx context.Context, dir string, a artifact) (int64, error) {
	dst := filepath.Join(dir, a.filename)

	var size int64
	err := retry.Do(
		func() error {
			n, err := d.streamOnce(ctx, dst, a.url)
			if err != nil {
				return err
			}
			size = n
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(5*time.Second),
		retry.RetryIf(func(err error) bool {
			cat := classify.Classify(err)
			return cat == model.CategoryNetwork || cat == model.CategoryRateLimit
		}),
	)
	if d.Logger != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		logging.ExternalAction(d.Logger, "download", "image-host", "fetch_artifact", status, slog.String("url", a.url))
	}
	if err != nil {
		return 0, err
	}
	return size, nil
}

func (d *Downloader) streamOnce(ctx context.Context, dst, rawURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Referer", imageReferer)
	req.Header.Set("User-Agent", "Mozilla/5.0")

	res, err := d.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return 0, &classify.HTTPError{Status: res.StatusCode, Body: string(body)}
	}

	staged, err := atomicfile.CreateStaged(dst)
	if err != nil {
		return 0, fmt.Errorf("create staged file: %w", err)
	}
	n, err := io.Copy(staged.File(), res.Body)
	if err != nil {
		staged.Abort()
		return 0, fmt.Errorf("stream body: %w", err)
	}
	if err := staged.Finish(); err != nil {
		return 0, fmt.Errorf("finish staged file: %w", err)
	}
	return n, nil
}

// metadataDocument is the on-disk shape of metadata/<illust_id>.json,
// matching the field set in spec.md §6.1.
type metadataDocument struct {
	IllustID          uint64            `json:"illust_id"`
	Title             string            `json:"title"`
	Caption           string            `json:"caption"`
	User              metadataUser      `json:"user"`
	CreateDate        time.Time         `json:"create_date"`
	PageCount         int               `json:"page_count"`
	Width             int               `json:"width"`
	Height            int               `json:"height"`
	BookmarkCount     int               `json:"bookmark_count"`
	ViewCount         int               `json:"view_count"`
	SanityLevel       int               `json:"sanity_level"`
	XRestrict         int               `json:"x_restrict"`
	Type              model.IllustType  `json:"type"`
	Tags              []string          `json:"tags"`
	ImageURLs         map[string]string `json:"image_urls"`
	Tools             []string          `json:"tools"`
	DownloadTime      time.Time         `json:"download_time"`
	OriginalURL       string            `json:"original_url"`
	IsBookmarked      bool              `json:"is_bookmarked"`
	IsFollowingAuthor bool              `json:"is_following_author"`
	BookmarkOrder     *int              `json:"bookmark_order,omitempty"`
	IsAccessLimited   bool              `json:"is_access_limited"`
}

type metadataUser struct {
	UserID          uint64 `json:"user_id"`
	Name            string `json:"name"`
	Account         string `json:"account"`
	ProfileImageURL string `json:"profile_image_url"`
}

func (d *Downloader) writeMetadata(illust model.Illust) error {
	doc := metadataDocument{
		IllustID:      illust.IllustID,
		Title:         illust.Title,
		Caption:       illust.Caption,
		User: metadataUser{
			UserID:          illust.Author.AuthorID,
			Name:            illust.Author.Name,
			Account:         illust.Author.Account,
			ProfileImageURL: illust.Author.ProfileImageURL,
		},
		CreateDate:        illust.CreateDate,
		PageCount:         illust.PageCount,
		Width:             illust.Width,
		Height:            illust.Height,
		BookmarkCount:     illust.BookmarkCount,
		ViewCount:         illust.ViewCount,
		SanityLevel:       illust.SanityLevel,
		XRestrict:         illust.XRestrict,
		Type:              illust.Type,
		Tags:              illust.Tags,
		ImageURLs:         illust.PreviewURLs,
		Tools:             illust.Tools,
		DownloadTime:      illust.DownloadTime,
		OriginalURL:       illust.OriginalURL,
		IsBookmarked:      illust.IsBookmarked,
		IsFollowingAuthor: illust.IsFollowingAuthor,
		BookmarkOrder:     illust.BookmarkOrder,
		IsAccessLimited:   illust.IsAccessLimited,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	dst := filepath.Join(d.MetaDir, fmt.Sprintf("%d.json", illust.IllustID))
	return atomicfile.WriteJSON(dst, data, 0o644)
}
