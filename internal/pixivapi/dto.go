package pixivapi

// These DTOs mirror the AppPixivAPI JSON shapes the Python crawler consumed
// through pixivpy3 — the teacher's BookmarkWorkItem/ImageItem/VideoItem
// covered the legacy AJAX endpoint, which this service no longer talks to,
// so the field set here follows the richer app-api illust object instead.

// illustDTO is the wire shape of a single illust object returned by the
// bookmark/following/detail endpoints.
type illustDTO struct {
	ID            uint64        `json:"id"`
	Title         string        `json:"title"`
	Type          string        `json:"type"`
	Caption       string        `json:"caption"`
	CreateDate    string        `json:"create_date"`
	PageCount     int           `json:"page_count"`
	Width         int           `json:"width"`
	Height        int           `json:"height"`
	TotalBookmarks int          `json:"total_bookmarks"`
	TotalView     int           `json:"total_view"`
	SanityLevel   int           `json:"sanity_level"`
	XRestrict     int           `json:"x_restrict"`
	IsBookmarked  bool          `json:"is_bookmarked"`
	Visible       bool          `json:"visible"`
	User          userDTO       `json:"user"`
	Tags          []tagDTO      `json:"tags"`
	Tools         []string      `json:"tools"`
	MetaSinglePage metaSingleDTO `json:"meta_single_page"`
	MetaPages     []metaPageDTO `json:"meta_pages"`
	ImageURLs     imageURLsDTO  `json:"image_urls"`
}

type userDTO struct {
	ID              uint64 `json:"id"`
	Name            string `json:"name"`
	Account         string `json:"account"`
	ProfileImageURLs struct {
		Medium string `json:"medium"`
	} `json:"profile_image_urls"`
}

type tagDTO struct {
	Name           string `json:"name"`
	TranslatedName string `json:"translated_name"`
}

type imageURLsDTO struct {
	SquareMedium string `json:"square_medium"`
	Medium       string `json:"medium"`
	Large        string `json:"large"`
	Original     string `json:"original"`
}

type metaSingleDTO struct {
	OriginalImageURL string `json:"original_image_url"`
}

type metaPageDTO struct {
	ImageURLs imageURLsDTO `json:"image_urls"`
}

// illustListDTO is the envelope shared by the bookmark listing and the
// following-user illust listing endpoints.
type illustListDTO struct {
	Illusts []illustDTO `json:"illusts"`
	NextURL string      `json:"next_url"`
}

// ugoiraMetadataDTO is the envelope for the ugoira/metadata endpoint.
type ugoiraMetadataDTO struct {
	UgoiraMetadata struct {
		ZipURLs struct {
			Medium string `json:"medium"`
		} `json:"zip_urls"`
		Frames []struct {
			File  string `json:"file"`
			Delay int    `json:"delay"`
		} `json:"frames"`
	} `json:"ugoira_metadata"`
}

// authTokenResponseDTO is the OAuth token endpoint response shape consumed
// by authsession.
type authTokenResponseDTO struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
}
