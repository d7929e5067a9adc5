package downloader

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/uheee/pixiv-backup/internal/model"
	"github.com/uheee/pixiv-backup/internal/pixivapi"
	"github.com/uheee/pixiv-backup/internal/store"
)

func newTestDownloader(t *testing.T, imgHandler http.HandlerFunc) (*Downloader, string, string) {
	t.Helper()
	dir := t.TempDir()
	imgDir := filepath.Join(dir, "img")
	metaDir := filepath.Join(dir, "metadata")

	srv := httptest.NewServer(imgHandler)
	t.Cleanup(srv.Close)

	st, err := store.Open(filepath.Join(dir, "pixiv.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(srv.Client(), pixivapi.NewClient(time.Second), st, imgDir, metaDir, logger)
	return d, imgDir, metaDir
}

func TestDownloadSinglePageWritesFileAndMetadata(t *testing.T) {
	var gotReferer string
	d, imgDir, metaDir := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		w.Write([]byte("fake-image-bytes"))
	})

	illust := model.Illust{
		IllustID:       1,
		Title:          "solo",
		Type:           model.TypeIllust,
		MetaSinglePage: &model.MetaSinglePage{OriginalImageURL: "http://placeholder/1.png"},
	}
	if err := d.Store.UpsertIllust(illust); err != nil {
		t.Fatalf("UpsertIllust: %v", err)
	}

	outcome := d.Download(context.Background(), "tok", illust)
	if !outcome.Success {
		t.Fatalf("Download failed: %+v", outcome.Err)
	}
	if gotReferer != imageReferer {
		t.Errorf("Referer = %q, want %q", gotReferer, imageReferer)
	}

	if _, err := os.Stat(filepath.Join(imgDir, "1", "1.png")); err != nil {
		t.Errorf("expected artifact file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(metaDir, "1.json")); err != nil {
		t.Errorf("expected metadata file: %v", err)
	}

	downloaded, err := d.Store.IsDownloaded(1)
	if err != nil {
		t.Fatalf("IsDownloaded: %v", err)
	}
	if !downloaded {
		t.Errorf("expected illust marked downloaded")
	}
}

func TestDownloadMultiPageWritesAllPages(t *testing.T) {
	d, imgDir, _ := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	})

	illust := model.Illust{
		IllustID: 2,
		Title:    "multi",
		Type:     model.TypeIllust,
		MetaPages: []model.MetaPage{
			{ImageURLs: map[string]string{"original": "http://placeholder/2_p0.png"}},
			{ImageURLs: map[string]string{"original": "http://placeholder/2_p1.png"}},
		},
	}
	if err := d.Store.UpsertIllust(illust); err != nil {
		t.Fatalf("UpsertIllust: %v", err)
	}

	outcome := d.Download(context.Background(), "tok", illust)
	if !outcome.Success {
		t.Fatalf("Download failed: %+v", outcome.Err)
	}
	for _, name := range []string{"2.p0.png", "2.p1.png"} {
		if _, err := os.Stat(filepath.Join(imgDir, "2", name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
}

func TestDownloadFailureRecordsErrorWithoutMarkingDownloaded(t *testing.T) {
	d, _, _ := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	illust := model.Illust{
		IllustID:       3,
		Type:           model.TypeIllust,
		MetaSinglePage: &model.MetaSinglePage{OriginalImageURL: "http://placeholder/3.png"},
	}
	if err := d.Store.UpsertIllust(illust); err != nil {
		t.Fatalf("UpsertIllust: %v", err)
	}

	outcome := d.Download(context.Background(), "tok", illust)
	if outcome.Success {
		t.Fatalf("expected failure outcome")
	}
	if outcome.Err.Category != model.CategoryInvalid {
		t.Errorf("category = %v, want invalid for 404", outcome.Err.Category)
	}

	downloaded, err := d.Store.IsDownloaded(3)
	if err != nil {
		t.Fatalf("IsDownloaded: %v", err)
	}
	if downloaded {
		t.Errorf("a failed download must not be marked downloaded")
	}
}
