package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/resilience"
)

// StatusError is a protocol error carrying the upstream HTTP status.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: GET %s returned %d: %s", apperrors.ErrProtocol, e.Endpoint, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return apperrors.ErrProtocol
}

// IsNotFound reports whether the upstream answered 404.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == 404
}

// IsTransport reports whether err is a network-level failure worth retrying.
// An open circuit is a transport error but is never retried.
func IsTransport(err error) bool {
	return errors.Is(err, apperrors.ErrTransport) && !errors.Is(err, resilience.ErrCircuitOpen)
}

func transportError(endpoint string, params url.Values, err error) error {
	// url.Error repeats the full request URL; keep only the cause so query
	// credentials never reach logs.
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	return fmt.Errorf("%w: GET %s?%s: %v", apperrors.ErrTransport, endpoint, maskParams(params), err)
}

func protocolError(endpoint string, format string, args ...any) error {
	return fmt.Errorf("%w: GET %s: %s", apperrors.ErrProtocol, endpoint, fmt.Sprintf(format, args...))
}

const maxSnippetBytes = 256

// bodySnippet is the start of an upstream body, for error messages.
func bodySnippet(body []byte) string {
	if len(body) > maxSnippetBytes {
		body = body[:maxSnippetBytes]
	}
	return strings.ToValidUTF8(strings.TrimSpace(string(body)), "")
}

var sensitiveParams = map[string]bool{
	"api_key":    true,
	"token":      true,
	"session_id": true,
}

// maskParams renders params for logs with credential values replaced.
func maskParams(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range params[k] {
			v = url.QueryEscape(v)
			if sensitiveParams[strings.ToLower(k)] {
				v = "***"
			}
			parts = append(parts, url.QueryEscape(k)+"="+v)
		}
	}
	return strings.Join(parts, "&")
}
