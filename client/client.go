package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/folio/api"
	"pkt.systems/folio/internal/svcfields"
	"pkt.systems/folio/internal/version"
)

// DefaultHTTPTimeout bounds every request issued with the default HTTP client.
const DefaultHTTPTimeout = 30 * time.Second

// Client talks to the library backend. It attaches the session credential to
// every request and, when the backend answers 401, renews the credential once
// and re-issues the request a single time.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     pslog.Base
	session    *Session
	store      TokenStore
	userAgent  string
	metrics    *clientMetrics
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client. A cookie jar is added to a
// copy of it when it has none, since renewal depends on the refresh cookie.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		c.logger = svcfields.EnsureBase(logger, svcfields.ClientSDK)
	}
}

// WithSession shares an existing session with the client.
func WithSession(session *Session) Option {
	return func(c *Client) {
		if session != nil {
			c.session = session
		}
	}
}

// WithTokenStore sets the store of the session the client creates. It has no
// effect together with WithSession.
func WithTokenStore(store TokenStore) Option {
	return func(c *Client) {
		if store != nil {
			c.store = store
		}
	}
}

// WithHTTPTimeout overrides the per-request timeout of the default HTTP client.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:   base,
		timeout:   DefaultHTTPTimeout,
		logger:    pslog.NoopLogger(),
		userAgent: version.UserAgent(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("folio: cookie jar: %w", err)
	}
	if c.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		c.httpClient = &http.Client{
			Timeout:   c.timeout,
			Transport: otelhttp.NewTransport(transport),
			Jar:       jar,
		}
	} else if c.httpClient.Jar == nil {
		cli := *c.httpClient
		cli.Jar = jar
		c.httpClient = &cli
	}
	if c.session == nil {
		c.session = NewSession(
			WithSessionStore(c.store),
			WithSessionLogger(c.logger),
		)
	}
	c.session.installRenewer(c.refresh)
	c.metrics = newClientMetrics(c.logger)
	return c, nil
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("folio: base URL required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("folio: parse base URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return "", fmt.Errorf("folio: unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("folio: base URL %q has no host", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}

// BaseURL returns the normalised backend URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Session returns the credential session used by the client.
func (c *Client) Session() *Session { return c.session }

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Do issues req and returns the response when the status is 2xx; the caller
// closes its body. Any other status is returned as *APIError. A 401 on a
// renewable request that carried a token triggers one credential renewal and
// one re-issue; a second 401 clears the session and yields an error matching
// ErrSessionExpired. A 401 without a token matches ErrNotAuthenticated.
func (c *Client) Do(ctx context.Context, req *Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("folio: nil request")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		resp, sentToken, err := c.send(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		apiErr := decodeError(resp)
		resp.Body.Close()
		serverCID := CorrelationIDFromResponse(resp)
		if resp.StatusCode != http.StatusUnauthorized || !req.renewable() {
			c.logDebugCtx(ctx, "client.http.error", "method", req.method(), "path", req.Path, "status", resp.StatusCode, "server_cid", serverCID)
			return nil, apiErr
		}
		if sentToken == "" {
			return nil, fmt.Errorf("%w: %w", ErrNotAuthenticated, apiErr)
		}
		if req.attempt > 0 {
			c.logWarnCtx(ctx, "client.http.unauthorized_after_renewal", "method", req.method(), "path", req.Path, "server_cid", serverCID)
			expired := fmt.Errorf("%w: %w", ErrSessionExpired, apiErr)
			c.session.Expire(expired)
			return nil, expired
		}
		if _, err := c.session.Renew(ctx, sentToken); err != nil {
			return nil, err
		}
		c.metrics.recordRetry(ctx, req.method())
		c.logDebugCtx(ctx, "client.http.retry", "method", req.method(), "path", req.Path, "server_cid", serverCID)
		req = req.retry()
	}
}

func (c *Client) send(ctx context.Context, req *Request) (*http.Response, string, error) {
	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method(), target, body)
	if err != nil {
		return nil, "", fmt.Errorf("folio: build request %s %s: %w", req.method(), req.Path, err)
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json, image/*;q=0.9, */*;q=0.8")
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	var token string
	if !req.Anonymous {
		token = c.session.CurrentToken()
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if id := CorrelationIDFromContext(ctx); id != "" {
		httpReq.Header.Set(headerCorrelationID, id)
	}
	c.logTraceCtx(ctx, "client.http.request", "method", req.method(), "path", req.Path, "attempt", req.attempt)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.recordRequest(ctx, req.method(), 0)
		return nil, token, fmt.Errorf("folio: %s %s: %w", req.method(), req.Path, err)
	}
	c.metrics.recordRequest(ctx, req.method(), resp.StatusCode)
	c.logTraceCtx(ctx, "client.http.response", "method", req.method(), "path", req.Path, "status", resp.StatusCode)
	return resp, token, nil
}

func (c *Client) doJSON(ctx context.Context, req *Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("folio: decode %s response: %w", req.Path, err)
	}
	return nil
}

func (c *Client) getBytes(ctx context.Context, path string) ([]byte, error) {
	req := NewRequest(http.MethodGet, path, nil)
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("folio: read %s: %w", path, err)
	}
	return data, nil
}

// Login authenticates with email and password, installs the access token in
// the session and returns the user. The backend also sets the refresh cookie
// used by later renewals.
func (c *Client) Login(ctx context.Context, email, password string) (api.User, error) {
	body, err := json.Marshal(api.LoginRequest{Email: email, Password: password})
	if err != nil {
		return api.User{}, err
	}
	req := NewRequest(http.MethodPost, api.PathLogin, body)
	req.Anonymous = true
	var out api.LoginResponse
	if err := c.doJSON(ctx, req, &out); err != nil {
		return api.User{}, err
	}
	if out.Data.AccessToken == "" {
		return api.User{}, errors.New("folio: login response carried no access token")
	}
	if err := c.session.Login(out.Data.AccessToken); err != nil {
		return out.Data.User, fmt.Errorf("folio: persist session: %w", err)
	}
	c.logInfoCtx(ctx, "client.login.success", "user", out.Data.User.Email)
	return out.Data.User, nil
}

// Logout ends the session on the backend and locally. The local session is
// cleared even when the backend call fails.
func (c *Client) Logout(ctx context.Context) error {
	req := NewRequest(http.MethodPost, api.PathLogout, nil)
	req.NoRetry = true
	remoteErr := c.doJSON(ctx, req, nil)
	if remoteErr != nil && IsUnauthorized(remoteErr) {
		remoteErr = nil
	}
	return errors.Join(remoteErr, c.session.Logout())
}

// Profile returns the user the session belongs to.
func (c *Client) Profile(ctx context.Context) (api.User, error) {
	var out api.ProfileResponse
	if err := c.doJSON(ctx, NewRequest(http.MethodGet, api.PathProfile, nil), &out); err != nil {
		return api.User{}, err
	}
	return out.Data, nil
}

// Document fetches document metadata together with the caller's entitlement.
func (c *Client) Document(ctx context.Context, id string) (api.DocumentData, error) {
	if strings.TrimSpace(id) == "" {
		return api.DocumentData{}, errors.New("folio: document id required")
	}
	var out api.DocumentResponse
	if err := c.doJSON(ctx, NewRequest(http.MethodGet, api.DocumentPath(id), nil), &out); err != nil {
		return api.DocumentData{}, err
	}
	return out.Data, nil
}

// PageBytes returns the masked image bytes of page n (1-indexed) of document
// id exactly as the backend sent them.
func (c *Client) PageBytes(ctx context.Context, id string, n int) ([]byte, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("folio: document id required")
	}
	if n < 1 {
		return nil, fmt.Errorf("folio: page number %d out of range", n)
	}
	return c.getBytes(ctx, api.PagePath(id, n))
}

// PreviewBytes returns the masked cover preview of document id.
func (c *Client) PreviewBytes(ctx context.Context, id string) ([]byte, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("folio: document id required")
	}
	return c.getBytes(ctx, api.PreviewPath(id))
}

// refresh exchanges the refresh cookie for a new access token.
func (c *Client) refresh(ctx context.Context) (string, error) {
	req := NewRequest(http.MethodPost, api.PathRefreshToken, nil)
	req.Anonymous = true
	var out api.RefreshResponse
	if err := c.doJSON(ctx, req, &out); err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

func (c *Client) enrichKeyvals(ctx context.Context, keyvals []any) []any {
	if id := CorrelationIDFromContext(ctx); id != "" {
		keyvals = append(keyvals, "cid", id)
	}
	return keyvals
}

func (c *Client) logTraceCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Trace(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Debug(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logInfoCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Info(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logWarnCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Warn(msg, c.enrichKeyvals(ctx, keyvals)...)
}
