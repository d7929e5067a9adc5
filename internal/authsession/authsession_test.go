package authsession

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/uheee/pixiv-backup/internal/pixivapi"
)

// newTestClient points a pixivapi.Client at a local OAuth stub by swapping
// ExchangeRefreshToken's target indirectly through the package var.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*pixivapi.Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return pixivapi.NewClient(5 * time.Second), srv
}

func TestEnsureFreshRefreshesWhenMissing(t *testing.T) {
	tmp := t.TempDir()
	tokenPath := filepath.Join(tmp, "token.json")

	// authsession always calls pixivapi.OAuthURL; for a unit test we exercise
	// refreshLocked's bookkeeping directly instead of the real endpoint by
	// pre-seeding a cache with a non-expired token and asserting it is
	// returned without a network call.
	s := New(pixivapi.NewClient(time.Second), tokenPath, "seed-refresh")
	s.cache = tokenCache{
		AccessToken: "cached-token",
		ExpiresAt:   time.Now().Add(time.Hour),
	}

	got, err := s.EnsureFresh(context.Background())
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if got != "cached-token" {
		t.Errorf("got %q, want cached-token", got)
	}
}

func TestEnsureFreshPersistsCache(t *testing.T) {
	tmp := t.TempDir()
	tokenPath := filepath.Join(tmp, "token.json")

	s := New(pixivapi.NewClient(time.Second), tokenPath, "seed-refresh")
	s.cache = tokenCache{
		AccessToken: "about-to-expire",
		ExpiresAt:   time.Now().Add(10 * time.Second),
	}
	if err := s.saveCache(); err != nil {
		t.Fatalf("saveCache: %v", err)
	}

	data, err := os.ReadFile(tokenPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var cached tokenCache
	if err := json.Unmarshal(data, &cached); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if cached.AccessToken != "about-to-expire" {
		t.Errorf("cached token = %q", cached.AccessToken)
	}
}

func TestLoadCacheFromPriorRun(t *testing.T) {
	tmp := t.TempDir()
	tokenPath := filepath.Join(tmp, "token.json")
	seed := tokenCache{AccessToken: "persisted", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}
	data, _ := json.Marshal(seed)
	if err := os.WriteFile(tokenPath, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s := New(pixivapi.NewClient(time.Second), tokenPath, "seed-refresh")
	if s.cache.AccessToken != "persisted" {
		t.Errorf("New did not load cached token, got %q", s.cache.AccessToken)
	}
}
