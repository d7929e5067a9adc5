package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/uheee/pixiv-backup/internal/authsession"
	"github.com/uheee/pixiv-backup/internal/pixivapi"
)

func TestSameOrder(t *testing.T) {
	a, b := 1, 1
	if !sameOrder(&a, &b) {
		t.Error("equal pointers should compare equal")
	}
	if sameOrder(nil, &a) {
		t.Error("nil vs non-nil should differ")
	}
	if !sameOrder(nil, nil) {
		t.Error("nil vs nil should be equal")
	}
	c := 2
	if sameOrder(&a, &c) {
		t.Error("differing values should differ")
	}
}

func TestFormatOrder(t *testing.T) {
	if formatOrder(nil) != "null" {
		t.Errorf("formatOrder(nil) = %q, want null", formatOrder(nil))
	}
	v := 7
	if formatOrder(&v) != "7" {
		t.Errorf("formatOrder(&7) = %q, want 7", formatOrder(&v))
	}
}

func TestBuildOrderMapAssignsOldestZero(t *testing.T) {
	appAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"illusts": [
				{"id": 3, "title": "c", "visible": true, "page_count": 1, "create_date": "2024-01-03T00:00:00+09:00", "user": {"id": 1}, "meta_single_page": {"original_image_url": "https://example/3.png"}},
				{"id": 2, "title": "b", "visible": true, "page_count": 1, "create_date": "2024-01-02T00:00:00+09:00", "user": {"id": 1}, "meta_single_page": {"original_image_url": "https://example/2.png"}},
				{"id": 1, "title": "a", "visible": true, "page_count": 1, "create_date": "2024-01-01T00:00:00+09:00", "user": {"id": 1}, "meta_single_page": {"original_image_url": "https://example/1.png"}}
			],
			"next_url": ""
		}`))
	}))
	defer appAPI.Close()

	client := pixivapi.NewClient(time.Second)
	client.BaseURL = appAPI.URL
	sess := authsession.New(client, "", "seed")
	sess.Seed("test-token", time.Now().Add(time.Hour))

	orderMap, fetched, err := buildOrderMap(context.Background(), client, sess, "u1", "public")
	if err != nil {
		t.Fatalf("buildOrderMap: %v", err)
	}
	if fetched != 3 {
		t.Fatalf("fetched = %d, want 3", fetched)
	}
	if orderMap[1] != 0 {
		t.Errorf("oldest illust order = %d, want 0", orderMap[1])
	}
	if orderMap[3] != 2 {
		t.Errorf("newest illust order = %d, want 2", orderMap[3])
	}
}
