package reader

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/folio/api"
	"pkt.systems/folio/client"
	"pkt.systems/folio/internal/svcfields"
	"pkt.systems/folio/pagestore"
)

var (
	// ErrNoAccess is the reason of a redirect away from a document the
	// viewer is not entitled to read.
	ErrNoAccess = errors.New("reader: no access to document")
	// ErrLoginRequired is the reason of a redirect to the login screen.
	ErrLoginRequired = errors.New("reader: login required")
	// ErrNotMounted is returned by navigation on an unmounted controller.
	ErrNotMounted = errors.New("reader: not mounted")
	// ErrAlreadyMounted is returned by Mount on a mounted controller.
	ErrAlreadyMounted = errors.New("reader: already mounted")
)

// LoginTarget is where session failures send the viewer.
const LoginTarget = "/login"

// RedirectError tells the caller to leave the reader for Target.
type RedirectError struct {
	Target string
	Reason error
}

func (e *RedirectError) Error() string {
	if e.Reason == nil {
		return "reader: redirect to " + e.Target
	}
	return fmt.Sprintf("reader: redirect to %s: %v", e.Target, e.Reason)
}

func (e *RedirectError) Unwrap() error { return e.Reason }

// DocumentSource resolves document metadata and the viewer's entitlement.
type DocumentSource interface {
	Document(ctx context.Context, id string) (api.DocumentData, error)
}

// Pages is the page cache the controller reads through.
type Pages interface {
	Open(documentID string, pageCount int)
	FetchPage(ctx context.Context, n int) (image.Image, error)
	Prefetch(n int)
	// Detach cancels outstanding fetches and forgets the document.
	Detach()
	Page(n int) pagestore.Page
}

// ExpirySource reports that the credential is gone for good.
type ExpirySource interface {
	OnExpire(fn func(error)) (cancel func())
}

// View is a snapshot of the reader state.
type View struct {
	DocumentID string
	Title      string
	Current    int
	PageCount  int
	State      pagestore.State
	Err        error
	Mounted    bool
}

// Controller drives one reading session: entitlement check, page
// navigation, prefetch and teardown.
type Controller struct {
	docs     DocumentSource
	pages    Pages
	surface  Surface
	guard    *Guard
	expiry   ExpirySource
	logger   pslog.Base
	prefetch bool

	mu           sync.Mutex
	drawMu       sync.Mutex
	mounted      bool
	session      string
	doc          api.Document
	current      int
	state        pagestore.State
	err          error
	seq          uint64
	release      func()
	cancelExpiry func()
	redirects    chan *RedirectError
}

// Option customises a Controller.
type Option func(*Controller)

// WithGuard shares a content-protection guard. By default each controller
// owns one.
func WithGuard(g *Guard) Option {
	return func(c *Controller) {
		if g != nil {
			c.guard = g
		}
	}
}

// WithExpirySource makes the controller leave for the login screen as soon
// as the session expires, even between page loads.
func WithExpirySource(src ExpirySource) Option {
	return func(c *Controller) { c.expiry = src }
}

// WithPrefetch toggles loading the next page in the background. On by default.
func WithPrefetch(enabled bool) Option {
	return func(c *Controller) { c.prefetch = enabled }
}

// WithLogger supplies a logger for reader diagnostics.
func WithLogger(logger pslog.Base) Option {
	return func(c *Controller) {
		c.logger = svcfields.EnsureBase(logger, svcfields.Reader)
	}
}

// NewController wires a controller. surface may be nil for headless use.
func NewController(docs DocumentSource, pages Pages, surface Surface, opts ...Option) *Controller {
	c := &Controller{
		docs:      docs,
		pages:     pages,
		surface:   surface,
		logger:    pslog.NoopLogger(),
		prefetch:  true,
		redirects: make(chan *RedirectError, 1),
	}
	if c.surface == nil {
		c.surface = &MemorySurface{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.guard == nil {
		c.guard = NewGuard(c.logger)
	}
	return c
}

// Guard returns the content-protection guard used while mounted.
func (c *Controller) Guard() *Guard { return c.guard }

// Redirects delivers redirects raised outside a controller call, such as a
// session expiring while the viewer idles.
func (c *Controller) Redirects() <-chan *RedirectError { return c.redirects }

// Mount opens documentID. A viewer without access gets a *RedirectError to
// the document page and no page is ever requested. Otherwise the guard is
// acquired and page 1 is shown; a page 1 failure leaves the reader mounted
// with the page in the Failed state.
func (c *Controller) Mount(ctx context.Context, documentID string) error {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return ErrAlreadyMounted
	}
	c.mu.Unlock()

	data, err := c.docs.Document(ctx, documentID)
	if err != nil {
		if errors.Is(err, client.ErrSessionExpired) || errors.Is(err, client.ErrNotAuthenticated) {
			return loginRedirect(err)
		}
		return fmt.Errorf("reader: load document %s: %w", documentID, err)
	}
	if !data.HasAccess {
		c.logger.Info("reader.mount.denied", "document", documentID)
		return &RedirectError{Target: api.DocumentPath(documentID), Reason: ErrNoAccess}
	}
	if data.Document.ID == "" {
		data.Document.ID = documentID
	}
	if data.Document.TotalPages < 1 {
		return fmt.Errorf("reader: document %s has no pages", documentID)
	}

	release := c.guard.Acquire()
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		release()
		return ErrAlreadyMounted
	}
	c.mounted = true
	c.session = xid.New().String()
	c.doc = data.Document
	c.current = 1
	c.state = pagestore.Loading
	c.err = nil
	c.seq++
	seq, session := c.seq, c.session
	c.release = release
	c.mu.Unlock()

	if c.expiry != nil {
		cancel := c.expiry.OnExpire(c.onExpire)
		c.mu.Lock()
		c.cancelExpiry = cancel
		c.mu.Unlock()
	}
	c.pages.Open(data.Document.ID, data.Document.TotalPages)
	c.logger.Info("reader.mount", "session", session, "document", documentID, "pages", data.Document.TotalPages)

	if err := c.show(ctx, seq, 1); err != nil {
		var redirect *RedirectError
		if errors.As(err, &redirect) {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.Unmount()
			return err
		}
	}
	return nil
}

// Next moves to the following page; on the last page it does nothing.
func (c *Controller) Next(ctx context.Context) error {
	return c.navigate(ctx, func(cur, total int) (int, error) {
		if cur >= total {
			return cur, nil
		}
		return cur + 1, nil
	})
}

// Previous moves to the preceding page; on page 1 it does nothing.
func (c *Controller) Previous(ctx context.Context) error {
	return c.navigate(ctx, func(cur, _ int) (int, error) {
		if cur <= 1 {
			return cur, nil
		}
		return cur - 1, nil
	})
}

// GoTo moves to page n.
func (c *Controller) GoTo(ctx context.Context, n int) error {
	return c.navigate(ctx, func(_, total int) (int, error) {
		if n < 1 || n > total {
			return 0, fmt.Errorf("%w: %d of %d", pagestore.ErrInvalidPage, n, total)
		}
		return n, nil
	})
}

// Retry fetches the current page again after it failed.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return ErrNotMounted
	}
	if c.state != pagestore.Failed {
		c.mu.Unlock()
		return nil
	}
	c.seq++
	seq, n := c.seq, c.current
	c.state, c.err = pagestore.Loading, nil
	c.mu.Unlock()
	return c.show(ctx, seq, n)
}

func (c *Controller) navigate(ctx context.Context, next func(cur, total int) (int, error)) error {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return ErrNotMounted
	}
	target, err := next(c.current, c.doc.TotalPages)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if target == c.current {
		c.mu.Unlock()
		return nil
	}
	c.current = target
	c.state, c.err = pagestore.Loading, nil
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	return c.show(ctx, seq, target)
}

// show loads page n for navigation step seq and draws it if the viewer is
// still there when it arrives.
func (c *Controller) show(ctx context.Context, seq uint64, n int) error {
	img, err := c.pages.FetchPage(ctx, n)
	if errors.Is(err, client.ErrSessionExpired) {
		c.logger.Warn("reader.session.expired", "page", n)
		c.Unmount()
		return loginRedirect(err)
	}

	c.drawMu.Lock()
	c.mu.Lock()
	if !c.mounted || c.seq != seq {
		c.mu.Unlock()
		c.drawMu.Unlock()
		c.logger.Trace("reader.page.superseded", "page", n)
		return nil
	}
	session := c.session
	if err != nil {
		c.state, c.err = pagestore.Failed, err
		c.mu.Unlock()
		c.drawMu.Unlock()
		c.logger.Debug("reader.page.failed", "session", session, "page", n, "error", err)
		return fmt.Errorf("reader: page %d: %w", n, err)
	}
	c.state, c.err = pagestore.Ready, nil
	c.mu.Unlock()
	drawErr := c.surface.Draw(n, img)
	c.drawMu.Unlock()

	if drawErr != nil {
		return fmt.Errorf("reader: draw page %d: %w", n, drawErr)
	}
	c.logger.Trace("reader.page.shown", "session", session, "page", n)
	if c.prefetch {
		// Prefetch does not block; holding mu orders it before a concurrent
		// Unmount's Detach.
		c.mu.Lock()
		if c.mounted && c.seq == seq {
			c.pages.Prefetch(n + 1)
		}
		c.mu.Unlock()
	}
	return nil
}

// HandleEvent runs ev through the guard and then the reader key bindings:
// ArrowLeft, ArrowRight, r (retry) and Escape (close).
func (c *Controller) HandleEvent(ctx context.Context, ev Event) (Action, error) {
	if c.guard.Filter(ev) {
		return ActionSuppressed, nil
	}
	if ev.Kind != EventKeyDown || ev.shortcut() {
		return ActionNone, nil
	}
	switch {
	case ev.keyIs(KeyArrowLeft):
		return ActionPrevious, c.Previous(ctx)
	case ev.keyIs(KeyArrowRight):
		return ActionNext, c.Next(ctx)
	case ev.keyIs(KeyRetry):
		return ActionRetry, c.Retry(ctx)
	case ev.keyIs(KeyEscape):
		c.Unmount()
		return ActionClose, nil
	}
	return ActionNone, nil
}

// Unmount cancels outstanding page work, releases the guard and clears the
// surface. Calling it more than once is harmless.
func (c *Controller) Unmount() {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = false
	c.seq++
	release, cancelExpiry, session := c.release, c.cancelExpiry, c.session
	c.release, c.cancelExpiry = nil, nil
	c.mu.Unlock()

	c.pages.Detach()
	if cancelExpiry != nil {
		cancelExpiry()
	}
	if release != nil {
		release()
	}
	c.drawMu.Lock()
	err := c.surface.Clear()
	c.drawMu.Unlock()
	if err != nil {
		c.logger.Warn("reader.surface.clear_failed", "error", err)
	}
	c.logger.Info("reader.unmount", "session", session)
}

// View returns a snapshot of the reader state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		DocumentID: c.doc.ID,
		Title:      c.doc.Title,
		Current:    c.current,
		PageCount:  c.doc.TotalPages,
		State:      c.state,
		Err:        c.err,
		Mounted:    c.mounted,
	}
}

func (c *Controller) onExpire(err error) {
	c.mu.Lock()
	mounted := c.mounted
	c.mu.Unlock()
	if !mounted {
		return
	}
	c.Unmount()
	select {
	case c.redirects <- loginRedirect(err):
	default:
	}
}

func loginRedirect(cause error) *RedirectError {
	return &RedirectError{Target: LoginTarget, Reason: fmt.Errorf("%w: %w", ErrLoginRequired, cause)}
}
