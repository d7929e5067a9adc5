// Package classify implements the Rate-Limit Classifier (C7): a pure
// function from an observed error to the retry taxonomy in spec.md §4.6.
// It performs no I/O and holds no state — every other component consumes
// its output as a value, never a raw error.
package classify

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/uheee/pixiv-backup/internal/model"
)

// rateLimitSubstrings is ported verbatim from crawler.py's
// _is_rate_limit_error keyword list.
var rateLimitSubstrings = []string{
	"rate limit",
	"too many requests",
	"temporarily unavailable",
}

// HTTPError carries the status code of a failed upstream response, when
// one is available. Callers that only have a status code and no Go error
// construct one of these instead of a generic error.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return "http status " + itoa(e.Status)
	}
	return "http status " + itoa(e.Status) + ": " + e.Body
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// NotFoundError marks an upstream "work not found" / placeholder response.
type NotFoundError struct {
	Reason string
}

func (e *NotFoundError) Error() string {
	if e.Reason == "" {
		return "work not found"
	}
	return "work not found: " + e.Reason
}

// AuthExpiredError marks an upstream response that indicates the access
// token is invalid or expired, independent of the HTTP status that carried
// it.
type AuthExpiredError struct{ Underlying error }

func (e *AuthExpiredError) Error() string {
	if e.Underlying == nil {
		return "auth token expired"
	}
	return "auth token expired: " + e.Underlying.Error()
}
func (e *AuthExpiredError) Unwrap() error { return e.Underlying }

// Classify maps an error (optionally paired with an HTTP status) to a
// category per spec.md §4.6.
func Classify(err error) model.ErrorCategory {
	if err == nil {
		return model.CategoryUnknown
	}

	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return model.CategoryInvalid
	}

	var authErr *AuthExpiredError
	if errors.As(err, &authErr) {
		return model.CategoryAuth
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTP(httpErr.Status, httpErr.Body)
	}

	if isNetworkError(err) {
		return model.CategoryNetwork
	}

	if isFilesystemError(err) {
		return model.CategoryFilesystem
	}

	return model.CategoryUnknown
}

// ClassifyHTTP classifies a bare HTTP status + body, for callers that have
// not wrapped one into an *HTTPError.
func ClassifyHTTP(status int, body string) model.ErrorCategory {
	return classifyHTTP(status, body)
}

func classifyHTTP(status int, body string) model.ErrorCategory {
	switch status {
	case 404:
		return model.CategoryInvalid
	case 401:
		return model.CategoryAuth
	case 429:
		return model.CategoryRateLimit
	case 500, 502, 503, 504:
		return model.CategoryRateLimit
	case 403:
		if containsAny(body, rateLimitSubstrings) {
			return model.CategoryRateLimit
		}
		return model.CategoryUnknown
	default:
		if containsAny(body, rateLimitSubstrings) {
			return model.CategoryRateLimit
		}
		return model.CategoryUnknown
	}
}

func containsAny(haystack string, substrings []string) bool {
	lower := strings.ToLower(haystack)
	for _, s := range substrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isNetworkError(urlErr.Err)
	}
	msg := strings.ToLower(err.Error())
	networkMarkers := []string{
		"connection refused",
		"no such host",
		"tls handshake",
		"i/o timeout",
		"eof",
		"connection reset",
		"broken pipe",
		"network is unreachable",
	}
	return containsAny(msg, networkMarkers)
}

func isFilesystemError(err error) bool {
	msg := strings.ToLower(err.Error())
	fsMarkers := []string{
		"no space left on device",
		"input/output error",
		"read-only file system",
		"disk quota exceeded",
	}
	return containsAny(msg, fsMarkers)
}
