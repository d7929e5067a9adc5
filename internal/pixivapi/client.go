// Package pixivapi is the upstream HTTP client. It knows the shape of the
// AppPixivAPI endpoints pixivpy3 talked to and nothing else — no retry
// policy, no auth refresh, no rate-limit judgment. Those live in
// internal/authsession, internal/classify, and internal/queue respectively,
// the same separation the teacher drew between request.go (transport) and
// job/flow.go (orchestration).
package pixivapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/uheee/pixiv-backup/internal/classify"
	"github.com/uheee/pixiv-backup/internal/model"
)

const (
	AppAPIBase  = "https://app-api.pixiv.net"
	OAuthURL    = "https://oauth.secure.pixiv.net/auth/token"
	userAgent   = "PixivIOSApp/7.13.3 (iOS 14.6; iPhone13,2)"
	appOS       = "ios"
	appOSVer    = "14.6"
	appVersion  = "7.13.3"
	// ClientID and ClientSecret are the long-standing pixivpy3 app
	// credentials every third-party Pixiv client has shipped with since the
	// official API stopped issuing its own.
	ClientID     = "MOBrBDS8blbauoSck0ZfDbtuzpyT"
	ClientSecret = "lsACyCD94FhDUtGTXi3QzcFE2uU1hqtDaKeqHTt"
)

// Client is a thin, stateless wrapper around net/http generalizing the
// teacher's getRawFromHttpReq/getJsonFromHttpReq pair to the richer
// app-api response envelope and to context cancellation.
type Client struct {
	HTTP *http.Client

	// BaseURL defaults to AppAPIBase; tests override it to point at a
	// local httptest.Server.
	BaseURL string
}

// NewClient builds a client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{HTTP: &http.Client{Timeout: timeout}, BaseURL: AppAPIBase}
}

func (c *Client) baseHeaders(accessToken string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("App-OS", appOS)
	h.Set("App-OS-Version", appOSVer)
	h.Set("App-Version", appVersion)
	if accessToken != "" {
		h.Set("Authorization", "Bearer "+accessToken)
	}
	return h
}

// getJSON performs a GET and decodes the body into T, classifying non-2xx
// responses into a *classify.HTTPError the caller can feed to
// classify.Classify.
func getJSON[T any](ctx context.Context, c *Client, rawURL string, accessToken string) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("pixivapi: build request: %w", err)
	}
	req.Header = c.baseHeaders(accessToken)

	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pixivapi: do request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("pixivapi: read body: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &classify.HTTPError{Status: res.StatusCode, Body: string(body)}
	}

	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("pixivapi: decode json: %w", err)
	}
	return &out, nil
}

// postForm performs a POST with an application/x-www-form-urlencoded body,
// used only by the OAuth token exchange.
func postForm[T any](ctx context.Context, c *Client, rawURL string, form url.Values) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("pixivapi: build request: %w", err)
	}
	req.Header = c.baseHeaders("")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pixivapi: do request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("pixivapi: read body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &classify.HTTPError{Status: res.StatusCode, Body: string(body)}
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("pixivapi: decode json: %w", err)
	}
	return &out, nil
}

// TokenResult is the normalized outcome of the OAuth exchange, handed to
// authsession to persist.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	UserID       string
}

// ExchangeRefreshToken trades a refresh token for a fresh access token.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*TokenResult, error) {
	form := url.Values{
		"client_id":     {ClientID},
		"client_secret": {ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"get_secure_url": {"1"},
	}
	resp, err := postForm[authTokenResponseDTO](ctx, c, OAuthURL, form)
	if err != nil {
		return nil, err
	}
	return &TokenResult{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    resp.ExpiresIn,
		UserID:       resp.User.ID,
	}, nil
}

// IllustPage is one page of a bookmark or following listing.
type IllustPage struct {
	Illusts []model.Illust
	NextURL string
}

// FetchBookmarks retrieves one page of a user's bookmarked illusts.
func (c *Client) FetchBookmarks(ctx context.Context, accessToken, userID, restrict, maxBookmarkID string) (*IllustPage, error) {
	q := url.Values{
		"user_id":  {userID},
		"restrict": {restrict},
	}
	if maxBookmarkID != "" {
		q.Set("max_bookmark_id", maxBookmarkID)
	}
	rawURL := c.BaseURL + "/v1/user/bookmarks/illust?" + q.Encode()
	return c.fetchIllustList(ctx, accessToken, rawURL)
}

// FetchFollowingIllusts retrieves one page of the authenticated user's
// following timeline (illusts from every followed author, newest first).
func (c *Client) FetchFollowingIllusts(ctx context.Context, accessToken, restrict string, offset int) (*IllustPage, error) {
	q := url.Values{"restrict": {restrict}}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	rawURL := c.BaseURL + "/v2/illust/follow?" + q.Encode()
	return c.fetchIllustList(ctx, accessToken, rawURL)
}

// FetchNextPage follows the next_url a previous listing response returned,
// without re-deriving query parameters — the app-api embeds a continuation
// token the client must treat opaquely.
func (c *Client) FetchNextPage(ctx context.Context, accessToken, nextURL string) (*IllustPage, error) {
	if nextURL == "" {
		return &IllustPage{}, nil
	}
	return c.fetchIllustList(ctx, accessToken, nextURL)
}

// FollowedAuthor is one entry of the authenticated user's follow list.
type FollowedAuthor struct {
	AuthorID uint64
	Name     string
	Account  string
}

// FollowedAuthorsPage is one page of the follow list.
type FollowedAuthorsPage struct {
	Authors []FollowedAuthor
	NextURL string
}

type followingUserDTO struct {
	User userDTO `json:"user"`
}

type followingListDTO struct {
	UserPreviews []followingUserDTO `json:"user_previews"`
	NextURL      string             `json:"next_url"`
}

// FetchFollowingAuthors retrieves one page of the user_id's follow list —
// the per-author walk the Scanner drives its following-mode cursor from,
// distinct from FetchFollowingIllusts' combined timeline.
func (c *Client) FetchFollowingAuthors(ctx context.Context, accessToken, userID, restrict string, offset int) (*FollowedAuthorsPage, error) {
	q := url.Values{"user_id": {userID}, "restrict": {restrict}}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	return c.fetchFollowingAuthors(ctx, accessToken, c.BaseURL+"/v1/user/following?"+q.Encode())
}

// FetchFollowingAuthorsNextPage follows a previous page's next_url.
func (c *Client) FetchFollowingAuthorsNextPage(ctx context.Context, accessToken, nextURL string) (*FollowedAuthorsPage, error) {
	if nextURL == "" {
		return &FollowedAuthorsPage{}, nil
	}
	return c.fetchFollowingAuthors(ctx, accessToken, nextURL)
}

func (c *Client) fetchFollowingAuthors(ctx context.Context, accessToken, rawURL string) (*FollowedAuthorsPage, error) {
	dto, err := getJSON[followingListDTO](ctx, c, rawURL, accessToken)
	if err != nil {
		return nil, err
	}
	authors := make([]FollowedAuthor, 0, len(dto.UserPreviews))
	for _, p := range dto.UserPreviews {
		authors = append(authors, FollowedAuthor{AuthorID: p.User.ID, Name: p.User.Name, Account: p.User.Account})
	}
	return &FollowedAuthorsPage{Authors: authors, NextURL: dto.NextURL}, nil
}

// FetchUserIllusts retrieves one page of a single author's published
// illusts, newest first.
func (c *Client) FetchUserIllusts(ctx context.Context, accessToken, authorID string, offset int) (*IllustPage, error) {
	q := url.Values{"user_id": {authorID}, "type": {"illust"}}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	rawURL := c.BaseURL + "/v1/user/illusts?" + q.Encode()
	return c.fetchIllustList(ctx, accessToken, rawURL)
}

func (c *Client) fetchIllustList(ctx context.Context, accessToken, rawURL string) (*IllustPage, error) {
	dto, err := getJSON[illustListDTO](ctx, c, rawURL, accessToken)
	if err != nil {
		return nil, err
	}
	illusts := make([]model.Illust, 0, len(dto.Illusts))
	for _, d := range dto.Illusts {
		illusts = append(illusts, fromDTO(d))
	}
	return &IllustPage{Illusts: illusts, NextURL: dto.NextURL}, nil
}

// FetchUgoiraMetadata resolves the zip URL and frame table for an ugoira
// illust; the listing endpoints never embed it.
func (c *Client) FetchUgoiraMetadata(ctx context.Context, accessToken string, illustID uint64) (*model.UgoiraMeta, error) {
	q := url.Values{"illust_id": {strconv.FormatUint(illustID, 10)}}
	rawURL := c.BaseURL + "/v1/ugoira/metadata?" + q.Encode()
	dto, err := getJSON[ugoiraMetadataDTO](ctx, c, rawURL, accessToken)
	if err != nil {
		return nil, err
	}
	frames := make([]model.UgoiraFrame, 0, len(dto.UgoiraMetadata.Frames))
	for _, f := range dto.UgoiraMetadata.Frames {
		frames = append(frames, model.UgoiraFrame{File: f.File, Delay: f.Delay})
	}
	return &model.UgoiraMeta{
		ZipURL:  dto.UgoiraMetadata.ZipURLs.Medium,
		ZipURLs: map[string]string{"medium": dto.UgoiraMetadata.ZipURLs.Medium},
		Frames:  frames,
	}, nil
}

func fromDTO(d illustDTO) model.Illust {
	illustType := model.TypeIllust
	switch strings.ToLower(d.Type) {
	case "manga":
		illustType = model.TypeManga
	case "ugoira":
		illustType = model.TypeUgoira
	}

	createDate, _ := time.Parse(time.RFC3339, d.CreateDate)

	tags := make([]string, 0, len(d.Tags))
	for _, t := range d.Tags {
		tags = append(tags, t.Name)
	}

	metaPages := make([]model.MetaPage, 0, len(d.MetaPages))
	for _, mp := range d.MetaPages {
		metaPages = append(metaPages, model.MetaPage{ImageURLs: imageURLsToMap(mp.ImageURLs)})
	}

	var metaSingle *model.MetaSinglePage
	if d.MetaSinglePage.OriginalImageURL != "" {
		metaSingle = &model.MetaSinglePage{OriginalImageURL: d.MetaSinglePage.OriginalImageURL}
	}

	return model.Illust{
		IllustID:      d.ID,
		Title:         d.Title,
		Type:          illustType,
		Caption:       d.Caption,
		CreateDate:    createDate,
		PageCount:     d.PageCount,
		Width:         d.Width,
		Height:        d.Height,
		BookmarkCount: d.TotalBookmarks,
		ViewCount:     d.TotalView,
		SanityLevel:   d.SanityLevel,
		XRestrict:     d.XRestrict,
		Tags:          tags,
		Tools:         d.Tools,
		PreviewURLs:   imageURLsToMap(d.ImageURLs),
		IsBookmarked:  d.IsBookmarked,
		Author: model.Author{
			AuthorID:        d.User.ID,
			Name:            d.User.Name,
			Account:         d.User.Account,
			ProfileImageURL: d.User.ProfileImageURLs.Medium,
		},
		MetaPages:       metaPages,
		MetaSinglePage:  metaSingle,
		IsAccessLimited: isPlaceholder(d),
	}
}

// isPlaceholder recognizes the structurally-valid, content-less record the
// upstream substitutes for a deleted or restricted work: visible=false, or
// an illust with neither a title nor any page count at all.
func isPlaceholder(d illustDTO) bool {
	if !d.Visible {
		return true
	}
	return d.Title == "" && d.PageCount == 0 && d.MetaSinglePage.OriginalImageURL == "" && len(d.MetaPages) == 0
}

func imageURLsToMap(u imageURLsDTO) map[string]string {
	m := map[string]string{}
	if u.SquareMedium != "" {
		m["square_medium"] = u.SquareMedium
	}
	if u.Medium != "" {
		m["medium"] = u.Medium
	}
	if u.Large != "" {
		m["large"] = u.Large
	}
	if u.Original != "" {
		m["original"] = u.Original
	}
	return m
}
