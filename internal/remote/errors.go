package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// APIError is a non-2xx response from the server of record.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d", e.StatusCode)
}

// IsTransient reports whether err is worth retrying later: the client is
// offline, the call timed out, or the server failed or throttled us.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode >= 500:
			return true
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Transport failures without a typed cause (refused, reset, DNS) land here.
	return true
}

// IsOffline reports whether err means the server could not be reached at all,
// as opposed to reaching it and getting an error back.
func IsOffline(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	return !errors.As(err, &apiErr)
}
