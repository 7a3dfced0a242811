package errors

import (
	"errors"
	"fmt"
	"net"
)

// AuthError represents an authentication failure against the central API
// that persisted after a forced re-login.
type AuthError struct {
	Endpoint string
	Msg      string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.Endpoint, e.Msg)
}

// NewAuthError creates a new authentication error
func NewAuthError(endpoint, msg string) *AuthError {
	return &AuthError{
		Endpoint: endpoint,
		Msg:      msg,
	}
}

// HTTPError represents a non-2xx HTTP response from the central API.
type HTTPError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from %s: %s", e.StatusCode, e.Endpoint, e.Body)
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, endpoint, body string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Endpoint:   endpoint,
		Body:       body,
	}
}

// IsTransient reports whether an API operation error is worth retrying.
// Network-level failures, timeouts, HTTP 5xx and 429 are transient;
// other 4xx responses and authentication failures are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var networkErr *NetworkError
	if errors.As(err, &networkErr) {
		return true
	}

	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}
