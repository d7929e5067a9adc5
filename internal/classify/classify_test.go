package classify

import (
	"errors"
	"fmt"
	"testing"

	"github.com/uheee/pixiv-backup/internal/model"
)

func TestClassifyHTTPStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   model.ErrorCategory
	}{
		{404, "", model.CategoryInvalid},
		{401, "", model.CategoryAuth},
		{429, "", model.CategoryRateLimit},
		{500, "", model.CategoryRateLimit},
		{502, "", model.CategoryRateLimit},
		{503, "", model.CategoryRateLimit},
		{504, "", model.CategoryRateLimit},
		{403, "Rate Limit exceeded", model.CategoryRateLimit},
		{403, "forbidden", model.CategoryUnknown},
		{200, "temporarily unavailable", model.CategoryRateLimit},
	}
	for _, c := range cases {
		got := ClassifyHTTP(c.status, c.body)
		if got != c.want {
			t.Errorf("ClassifyHTTP(%d, %q) = %v, want %v", c.status, c.body, got, c.want)
		}
	}
}

func TestClassifyWrappedErrors(t *testing.T) {
	if got := Classify(&NotFoundError{Reason: "deleted"}); got != model.CategoryInvalid {
		t.Errorf("NotFoundError = %v, want invalid", got)
	}
	if got := Classify(&AuthExpiredError{Underlying: errors.New("bad token")}); got != model.CategoryAuth {
		t.Errorf("AuthExpiredError = %v, want auth", got)
	}
	if got := Classify(&HTTPError{Status: 429}); got != model.CategoryRateLimit {
		t.Errorf("HTTPError{429} = %v, want rate_limit", got)
	}
}

func TestClassifyNetworkAndFilesystem(t *testing.T) {
	if got := Classify(fmt.Errorf("dial tcp: connection refused")); got != model.CategoryNetwork {
		t.Errorf("connection refused = %v, want network", got)
	}
	if got := Classify(fmt.Errorf("write img/1/1.jpg: no space left on device")); got != model.CategoryFilesystem {
		t.Errorf("no space left = %v, want filesystem", got)
	}
}

func TestClassifyUnknownFallback(t *testing.T) {
	if got := Classify(errors.New("something weird happened")); got != model.CategoryUnknown {
		t.Errorf("unrecognized error = %v, want unknown", got)
	}
}
