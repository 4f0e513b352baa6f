package dataverse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// APIError is returned for failed repository calls. StatusCode is zero when
// the request never produced a response.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: network failures,
// rate limiting and server errors.
func IsTransient(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return true
	case apiErr.StatusCode >= 500:
		return true
	case apiErr.StatusCode == 0:
		if errors.Is(apiErr.Err, context.Canceled) {
			return false
		}
		var netErr net.Error
		return errors.As(apiErr.Err, &netErr) || errors.Is(apiErr.Err, context.DeadlineExceeded)
	}
	return false
}

// IsFatal reports authentication and permission failures. No later call of
// the same run can succeed after one of these.
func IsFatal(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
}

// IsNotFound reports a 404 response
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsAlreadyExists reports a create call rejected because the alias is taken.
func IsAlreadyExists(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Message), "already exists")
}
