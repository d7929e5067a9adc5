package pixivapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchBookmarksParsesIllusts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer header")
		}
		w.Write([]byte(`{
			"illusts": [{
				"id": 42,
				"title": "test",
				"type": "illust",
				"visible": true,
				"create_date": "2024-01-02T03:04:05+09:00",
				"page_count": 1,
				"user": {"id": 7, "name": "artist", "account": "artist_acc"},
				"meta_single_page": {"original_image_url": "https://i.pximg.net/img/42_p0.png"}
			}],
			"next_url": "https://app-api.pixiv.net/v1/user/bookmarks/illust?max_bookmark_id=42"
		}`))
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	page, err := c.fetchIllustList(context.Background(), "tok", srv.URL)
	if err != nil {
		t.Fatalf("fetchIllustList: %v", err)
	}
	if len(page.Illusts) != 1 {
		t.Fatalf("got %d illusts, want 1", len(page.Illusts))
	}
	got := page.Illusts[0]
	if got.IllustID != 42 || got.Author.AuthorID != 7 {
		t.Errorf("unexpected illust: %+v", got)
	}
	if got.MetaSinglePage == nil || got.MetaSinglePage.OriginalImageURL == "" {
		t.Errorf("expected meta_single_page to be parsed")
	}
	if page.NextURL == "" {
		t.Errorf("expected next_url to be carried through")
	}
}

func TestFetchBookmarksPropagatesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limit exceeded"))
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	_, err := c.fetchIllustList(context.Background(), "tok", srv.URL)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestFetchBookmarksFlagsPlaceholderWorks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"illusts": [{"id": 99, "visible": false}], "next_url": ""}`))
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	page, err := c.fetchIllustList(context.Background(), "tok", srv.URL)
	if err != nil {
		t.Fatalf("fetchIllustList: %v", err)
	}
	if len(page.Illusts) != 1 || !page.Illusts[0].IsAccessLimited {
		t.Errorf("expected illust 99 to be flagged access-limited, got %+v", page.Illusts)
	}
}
