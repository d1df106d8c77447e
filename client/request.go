package client

import (
	"net/http"
	"net/url"

	"pkt.systems/folio/api"
)

// Request is a single logical call against the backend. Each transmission
// works from its own copy, so a retry never mutates what the caller built.
type Request struct {
	// Method is the HTTP method; empty means GET.
	Method string
	// Path is the backend path, for example api.PagePath(id, 3).
	Path string
	// Query holds optional query parameters.
	Query url.Values
	// Body is sent as-is; JSON bodies get a Content-Type when none is set.
	Body []byte
	// Header carries additional request headers.
	Header http.Header
	// Anonymous suppresses the Authorization header.
	Anonymous bool
	// NoRetry disables the renew-and-retry path for this request.
	NoRetry bool

	attempt int
}

// NewRequest builds a request for method and path.
func NewRequest(method, path string, body []byte) *Request {
	return &Request{Method: method, Path: path, Body: body}
}

// Attempt reports how many times this request value has been re-issued.
func (r *Request) Attempt() int {
	if r == nil {
		return 0
	}
	return r.attempt
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// renewable reports whether a 401 for this request may be answered by
// renewing the credential. Login and refresh failures mean what they say.
func (r *Request) renewable() bool {
	if r.NoRetry {
		return false
	}
	switch r.Path {
	case api.PathLogin, api.PathRefreshToken:
		return false
	}
	return true
}

func (r *Request) retry() *Request {
	next := *r
	next.Header = r.Header.Clone()
	if r.Query != nil {
		next.Query = make(url.Values, len(r.Query))
		for k, v := range r.Query {
			next.Query[k] = append([]string(nil), v...)
		}
	}
	next.attempt = r.attempt + 1
	return &next
}
