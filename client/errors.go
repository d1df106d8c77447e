package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"pkt.systems/folio/api"
)

var (
	// ErrSessionExpired reports that the access token could not be renewed, or
	// that a request was rejected again right after a renewal. The caller must
	// authenticate again.
	ErrSessionExpired = errors.New("folio: session expired")
	// ErrNotAuthenticated is returned when an operation needs a credential and
	// the session holds none.
	ErrNotAuthenticated = errors.New("folio: not authenticated")
)

// maxErrorBody bounds how much of a failed response is kept for diagnostics.
const maxErrorBody = 64 << 10

// APIError describes a non-2xx response from the library backend.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// CorrelationID is the X-Correlation-Id echoed by the server, if any.
	CorrelationID string
}

func (e *APIError) Error() string {
	if e.Response.Message != "" {
		return fmt.Sprintf("folio: status %d (%s)", e.Status, e.Response.Message)
	}
	return fmt.Sprintf("folio: status %d", e.Status)
}

// IsForbidden reports whether err carries a 403 response. The backend uses
// it when the identity lacks the rights for an operation; what to do about it
// is up to the caller.
func IsForbidden(err error) bool {
	return hasStatus(err, http.StatusForbidden)
}

// IsNotFound reports whether err carries a 404 response.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsUnauthorized reports whether err carries a 401 response.
func IsUnauthorized(err error) bool {
	return hasStatus(err, http.StatusUnauthorized)
}

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == status
	}
	return false
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("folio: read error body: %w", err)
	}
	cid := CorrelationIDFromResponse(resp)
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			// leave errResp empty, but keep body for diagnostics
			return &APIError{Status: resp.StatusCode, Body: data, CorrelationID: cid}
		}
	}
	return &APIError{Status: resp.StatusCode, Response: errResp, Body: data, CorrelationID: cid}
}
