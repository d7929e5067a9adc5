// Package authsession manages the OAuth access/refresh token pair the way
// auth_manager.py's AuthManager did: exchange the long-lived refresh token
// for a short-lived access token, cache it to disk, and refresh it ahead of
// expiry rather than on failure.
package authsession

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/uheee/pixiv-backup/internal/atomicfile"
	"github.com/uheee/pixiv-backup/internal/pixivapi"
)

// refreshMargin mirrors auth_manager.py's refresh_token_if_needed: refresh
// when within this many seconds of the recorded expiry, not only after the
// upstream has already rejected the token.
const refreshMargin = 300 * time.Second

// tokenCache is the on-disk shape of data/token.json.
type tokenCache struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	SavedAt      time.Time `json:"saved_at"`
	UserID       string    `json:"user_id,omitempty"`
}

// Session owns the current access token and refreshes it on demand. One
// Session is built per round from the config snapshot's refresh token; it
// is safe for concurrent use by the Scanner and Downloader.
type Session struct {
	client       *pixivapi.Client
	tokenPath    string
	seedRefresh  string

	mu    sync.Mutex
	cache tokenCache
}

// New builds a Session seeded from the configured refresh token and any
// cached access token already on disk.
func New(client *pixivapi.Client, tokenPath, configuredRefreshToken string) *Session {
	s := &Session{client: client, tokenPath: tokenPath, seedRefresh: configuredRefreshToken}
	if cached, err := loadCache(tokenPath); err == nil {
		s.cache = *cached
	} else {
		s.cache.RefreshToken = configuredRefreshToken
	}
	return s
}

func loadCache(path string) (*tokenCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c tokenCache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("authsession: decode token cache: %w", err)
	}
	return &c, nil
}

func (s *Session) saveCache() error {
	data, err := json.MarshalIndent(s.cache, "", "  ")
	if err != nil {
		return fmt.Errorf("authsession: encode token cache: %w", err)
	}
	return atomicfile.WriteJSON(s.tokenPath, data, 0o600)
}

// Seed preloads a known access token with the given expiry, bypassing the
// OAuth exchange. Used by tests and by the `repair` tool, which never needs
// write access to the token cache.
func (s *Session) Seed(accessToken string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.AccessToken = accessToken
	s.cache.ExpiresAt = expiresAt
}

// EnsureFresh returns a valid access token, refreshing it first if it is
// missing or within refreshMargin of expiry. It is the single entry point
// every pixivapi call should go through.
func (s *Session) EnsureFresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache.AccessToken != "" && time.Now().Add(refreshMargin).Before(s.cache.ExpiresAt) {
		return s.cache.AccessToken, nil
	}
	return s.refreshLocked(ctx)
}

// ForceRefresh discards the current access token and exchanges the refresh
// token again, for the one-retry-then-fatal path after an upstream 401.
func (s *Session) ForceRefresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Session) refreshLocked(ctx context.Context) (string, error) {
	refreshToken := s.cache.RefreshToken
	if refreshToken == "" {
		refreshToken = s.seedRefresh
	}
	if refreshToken == "" {
		return "", fmt.Errorf("authsession: no refresh token available")
	}

	result, err := s.client.ExchangeRefreshToken(ctx, refreshToken)
	if err != nil {
		return "", fmt.Errorf("authsession: exchange refresh token: %w", err)
	}

	now := time.Now()
	s.cache = tokenCache{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(result.ExpiresIn) * time.Second),
		SavedAt:      now,
		UserID:       result.UserID,
	}
	if err := s.saveCache(); err != nil {
		return "", err
	}
	return s.cache.AccessToken, nil
}

// TestConnection performs a single refresh to confirm the configured
// refresh token is still accepted, for the `test` subcommand.
func (s *Session) TestConnection(ctx context.Context) error {
	_, err := s.ForceRefresh(ctx)
	return err
}

// TokenHelp returns the multi-method explanation the original
// token_helper.py printed when no refresh token is configured: browser
// devtools capture, a local OAuth callback server, or a community helper
// script. The daemon itself cannot mint a first refresh token — pixiv
// requires an interactive login for that — so this is informational text
// surfaced by the `token-help` subcommand, not something the service acts
// on automatically.
func TokenHelp() string {
	return `No refresh_token is configured.

A refresh token can be obtained by one of:

  1. Browser devtools capture
     Log into pixiv.net in a browser with network logging enabled,
     trigger a login, and find the "code" query parameter in the
     redirect to the OAuth callback; exchange it once manually.

  2. Local OAuth callback server
     Run a temporary local HTTP server, open the pixiv login URL with
     that server as the OAuth redirect target, and capture the
     resulting code automatically when pixiv redirects back to it.

  3. A community-maintained helper tool
     Several open-source tools automate steps 1-2 end to end and print
     a refresh_token ready to paste into this service's configuration.

Once obtained, set refresh_token in the configuration and restart the
service; it will self-renew from that point on.`
}
