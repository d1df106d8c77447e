package api

import (
	"net/url"
	"strconv"
)

// Backend endpoint paths consumed by the client.
const (
	PathLogin        = "/auth/login"
	PathLogout       = "/auth/logout"
	PathRefreshToken = "/auth/refresh-token"
	PathProfile      = "/users/profile"
)

// HeaderCorrelationID carries the correlation identifier of a request. The
// backend echoes it on the response.
const HeaderCorrelationID = "X-Correlation-Id"

// DocumentPath returns the metadata path for document id.
func DocumentPath(id string) string {
	return "/documents/" + url.PathEscape(id)
}

// PreviewPath returns the masked cover preview path for document id.
func PreviewPath(id string) string {
	return DocumentPath(id) + "/preview"
}

// PagePath returns the masked page image path for page n (1-indexed) of
// document id.
func PagePath(id string, n int) string {
	return DocumentPath(id) + "/pages/" + strconv.Itoa(n)
}
