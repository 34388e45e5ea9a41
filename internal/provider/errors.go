package provider

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrDownloadTooLarge = errors.New("download exceeds size limit")
	ErrMalformedReply   = errors.New("malformed upstream reply")
)

// HTTPStatusError is a non-2xx reply from the upstream API
type HTTPStatusError struct {
	StatusCode int
	Status     string
	Operation  string
	// Wait is the server-requested delay from a Retry-After header
	Wait time.Duration
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "http request failed"
	}
	status := e.Status
	if status == "" {
		status = http.StatusText(e.StatusCode)
	}
	if e.Operation != "" {
		return fmt.Sprintf("%s: %s", e.Operation, status)
	}
	if status != "" {
		return status
	}
	return "http request failed"
}

// RetryAfter returns the server-requested delay
func (e *HTTPStatusError) RetryAfter() time.Duration {
	return e.Wait
}

func statusCode(err error) int {
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		return 0
	}
	return statusErr.StatusCode
}

// IsUnauthorized reports whether the upstream rejected the credentials
func IsUnauthorized(err error) bool {
	code := statusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// IsRateLimited reports whether the upstream throttled the request
func IsRateLimited(err error) bool {
	return statusCode(err) == http.StatusTooManyRequests
}

// IsNotFound reports whether the requested path does not exist upstream
func IsNotFound(err error) bool {
	return statusCode(err) == http.StatusNotFound
}

// IsRetryable reports whether another attempt may succeed. Server errors,
// throttling and transport failures are retryable; other client errors and
// malformed replies are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDownloadTooLarge) || errors.Is(err, ErrMalformedReply) {
		return false
	}
	code := statusCode(err)
	switch {
	case code == 0:
		return true
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
