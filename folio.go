package folio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/folio/client"
	"pkt.systems/folio/internal/svcfields"
	"pkt.systems/folio/pagestore"
	"pkt.systems/folio/reader"
)

// App bundles the long-lived pieces of one folio process: the credential
// session, the transport client sharing it and the page store reading
// through the client.
type App struct {
	cfg       Config
	logger    pslog.Base
	session   *client.Session
	client    *client.Client
	pages     *pagestore.Store
	telemetry *telemetry

	mu           sync.Mutex
	readerStores []*pagestore.Store
}

// Option customises Open.
type Option func(*openOptions)

type openOptions struct {
	logger     pslog.Base
	httpClient *http.Client
	tokenStore client.TokenStore
}

// WithLogger supplies the base logger. Subsystem tags are added per package.
func WithLogger(logger pslog.Base) Option {
	return func(o *openOptions) {
		o.logger = logger
	}
}

// WithHTTPClient replaces the HTTP client used for backend requests.
func WithHTTPClient(cli *http.Client) Option {
	return func(o *openOptions) {
		o.httpClient = cli
	}
}

// WithTokenStore overrides the store selected by Config.TokenFile.
func WithTokenStore(store client.TokenStore) Option {
	return func(o *openOptions) {
		o.tokenStore = store
	}
}

// Open validates cfg, starts telemetry and wires a session, client and page
// store. A persisted credential is restored; a damaged token file is logged
// and the session starts anonymous.
func Open(ctx context.Context, cfg Config, opts ...Option) (*App, error) {
	var o openOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	tel, err := setupTelemetry(ctx, cfg, svcfields.EnsureBase(logger, svcfields.Telemetry))
	if err != nil {
		return nil, err
	}

	store := o.tokenStore
	if store == nil {
		if cfg.InMemorySession {
			store = &client.MemoryTokenStore{}
		} else {
			fileStore, err := client.NewFileTokenStore(cfg.TokenFile)
			if err != nil {
				_ = tel.Shutdown(ctx)
				return nil, fmt.Errorf("folio: token store: %w", err)
			}
			store = fileStore
		}
	}
	session := client.NewSession(
		client.WithSessionStore(store),
		client.WithRenewTimeout(cfg.RenewTimeout),
		client.WithSessionLogger(logger),
	)
	if err := session.Restore(); err != nil {
		svcfields.EnsureBase(logger, svcfields.ClientSession).Warn("client.session.restore_failed", "error", err)
	}

	cli, err := client.New(cfg.Server,
		client.WithSession(session),
		client.WithHTTPClient(o.httpClient),
		client.WithHTTPTimeout(cfg.HTTPTimeout),
		client.WithLogger(logger),
	)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	app := &App{
		cfg:       cfg,
		logger:    logger,
		session:   session,
		client:    cli,
		telemetry: tel,
	}
	app.pages = app.newPageStore()
	return app, nil
}

func (a *App) newPageStore() *pagestore.Store {
	return pagestore.New(a.client,
		pagestore.WithMaskKey(a.cfg.MaskKey),
		pagestore.WithLogger(a.logger),
	)
}

// Config returns the validated configuration.
func (a *App) Config() Config { return a.cfg }

// Client returns the transport client.
func (a *App) Client() *client.Client { return a.client }

// Session returns the credential session.
func (a *App) Session() *client.Session { return a.session }

// Pages returns the app's own page store. Readers built by NewReader each
// get a separate store.
func (a *App) Pages() *pagestore.Store { return a.pages }

// MetricsAddr returns the bound Prometheus endpoint address, or "".
func (a *App) MetricsAddr() string { return a.telemetry.MetricsAddr() }

// NewReader builds a reader controller drawing onto surface. Each controller
// reads through a page store of its own, so several readers can be mounted
// at once. The controller follows session expiry and prefetches unless
// Config.DisablePrefetch is set.
func (a *App) NewReader(surface reader.Surface, opts ...reader.Option) *reader.Controller {
	store := a.newPageStore()
	a.mu.Lock()
	a.readerStores = append(a.readerStores, store)
	a.mu.Unlock()
	base := []reader.Option{
		reader.WithExpirySource(a.session),
		reader.WithPrefetch(!a.cfg.DisablePrefetch),
		reader.WithLogger(a.logger),
	}
	return reader.NewController(a.client, store, surface, append(base, opts...)...)
}

// Wait blocks until background prefetches of every page store have settled.
func (a *App) Wait() {
	a.mu.Lock()
	stores := append([]*pagestore.Store{a.pages}, a.readerStores...)
	a.mu.Unlock()
	for _, store := range stores {
		store.Wait()
	}
}

// Follow keeps the session in sync with the token file until ctx ends.
func (a *App) Follow(ctx context.Context) error {
	return a.session.Follow(ctx)
}

// Close cancels outstanding page work, releases connections and flushes
// telemetry.
func (a *App) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	a.pages.Close()
	a.mu.Lock()
	stores := a.readerStores
	a.readerStores = nil
	a.mu.Unlock()
	for _, store := range stores {
		store.Close()
	}
	var errs []error
	if err := a.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
