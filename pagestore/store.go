package pagestore

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"

	"pkt.systems/folio/internal/imaging"
	"pkt.systems/folio/internal/mask"
	"pkt.systems/folio/internal/svcfields"
)

var (
	// ErrTransport wraps failures to obtain page bytes from the backend.
	ErrTransport = errors.New("pagestore: transport failure")
	// ErrDecode wraps failures to turn unmasked bytes into an image.
	ErrDecode = errors.New("pagestore: decode failure")
	// ErrStale is returned to callers whose fetch was overtaken by CancelAll
	// or Open. Its result was discarded.
	ErrStale = errors.New("pagestore: stale fetch discarded")
	// ErrInvalidPage reports a page number outside the open document.
	ErrInvalidPage = errors.New("pagestore: invalid page number")
	// ErrNoDocument reports that no document is open.
	ErrNoDocument = errors.New("pagestore: no document open")
)

// State is the lifecycle state of one page.
type State int

const (
	// Unrequested pages have never been fetched in the current generation.
	Unrequested State = iota
	// Loading pages have a fetch in flight.
	Loading
	// Ready pages hold a decoded bitmap.
	Ready
	// Failed pages hold the error of their last fetch.
	Failed
)

func (s State) String() string {
	switch s {
	case Unrequested:
		return "unrequested"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Page is a snapshot of one cached page.
type Page struct {
	Number int
	State  State
	// Bitmap is set iff State is Ready.
	Bitmap image.Image
	// Err is set iff State is Failed.
	Err error
}

// Fetcher returns the masked bytes of page n of a document.
type Fetcher interface {
	PageBytes(ctx context.Context, documentID string, n int) ([]byte, error)
}

// Decoder turns unmasked page bytes into an image.
type Decoder interface {
	Decode(data []byte) (image.Image, error)
}

type entry struct {
	state  State
	bitmap image.Image
	err    error
}

// Store caches the pages of one open document.
type Store struct {
	fetcher Fetcher
	decoder Decoder
	maskKey byte
	logger  pslog.Base
	metrics *storeMetrics

	mu         sync.Mutex
	documentID string
	pageCount  int
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
	pages      map[int]*entry
	flight     *singleflight.Group

	prefetches sync.WaitGroup
}

// Option customises a Store.
type Option func(*Store)

// WithDecoder replaces the default image decoder.
func WithDecoder(d Decoder) Option {
	return func(s *Store) {
		if d != nil {
			s.decoder = d
		}
	}
}

// WithMaskKey sets the key page bytes are unmasked with.
func WithMaskKey(key byte) Option {
	return func(s *Store) { s.maskKey = key }
}

// WithLogger supplies a logger for store diagnostics.
func WithLogger(logger pslog.Base) Option {
	return func(s *Store) {
		s.logger = svcfields.EnsureBase(logger, svcfields.PageStore)
	}
}

// New returns a store that obtains page bytes from fetcher.
func New(fetcher Fetcher, opts ...Option) *Store {
	s := &Store{
		fetcher: fetcher,
		decoder: imaging.NewDecoder(),
		maskKey: mask.DefaultKey,
		logger:  pslog.NoopLogger(),
		pages:   make(map[int]*entry),
		flight:  new(singleflight.Group),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.metrics = newStoreMetrics(s.logger)
	return s
}

// Open makes documentID the current document and discards everything cached
// or in flight for the previous one. pageCount bounds prefetching; zero
// means unknown.
func (s *Store) Open(documentID string, pageCount int) {
	s.mu.Lock()
	s.resetLocked()
	s.documentID = documentID
	s.pageCount = max(pageCount, 0)
	gen := s.generation
	s.mu.Unlock()
	s.logger.Debug("pagestore.open", "document", documentID, "pages", pageCount, "generation", gen)
}

// CancelAll aborts every in-flight fetch and discards the cache. Fetches that
// complete afterwards are dropped and their callers get ErrStale.
func (s *Store) CancelAll() {
	s.mu.Lock()
	s.resetLocked()
	gen := s.generation
	s.mu.Unlock()
	s.logger.Debug("pagestore.cancel_all", "generation", gen)
}

// Detach cancels everything like CancelAll and forgets the open document.
// Until the next Open, FetchPage fails with ErrNoDocument and Prefetch does
// nothing.
func (s *Store) Detach() {
	s.mu.Lock()
	s.resetLocked()
	s.documentID, s.pageCount = "", 0
	gen := s.generation
	s.mu.Unlock()
	s.logger.Debug("pagestore.detach", "generation", gen)
}

func (s *Store) resetLocked() {
	s.cancel()
	s.generation++
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.pages = make(map[int]*entry)
	s.flight = new(singleflight.Group)
}

// Close detaches the store and waits for background prefetches.
func (s *Store) Close() {
	s.Detach()
	s.Wait()
}

// Wait blocks until background prefetches have settled.
func (s *Store) Wait() {
	s.prefetches.Wait()
}

// DocumentID returns the open document, or "".
func (s *Store) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID
}

// PageCount returns the page count given to Open.
func (s *Store) PageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageCount
}

// State reports the state of page n.
func (s *Store) State(n int) State {
	return s.Page(n).State
}

// Page returns a snapshot of page n.
func (s *Store) Page(n int) Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Page{Number: n}
	if e := s.pages[n]; e != nil {
		p.State, p.Bitmap, p.Err = e.state, e.bitmap, e.err
	}
	return p
}

// FetchPage returns the bitmap of page n, fetching it when it is not cached.
// Callers asking for a page that is already loading share that fetch. ctx
// only bounds how long this caller waits; the fetch itself belongs to the
// store and ends with CancelAll.
func (s *Store) FetchPage(ctx context.Context, n int) (image.Image, error) {
	return s.fetch(ctx, n, 0, false)
}

// fetch implements FetchPage. When pinned is set the call only proceeds in
// generation pin and reports ErrStale otherwise.
func (s *Store) fetch(ctx context.Context, n int, pin uint64, pinned bool) (image.Image, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if pinned && pin != s.generation {
		s.mu.Unlock()
		return nil, ErrStale
	}
	if err := s.checkPageLocked(n); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	e := s.pages[n]
	if e != nil && e.state == Ready {
		bitmap := e.bitmap
		s.mu.Unlock()
		s.metrics.record(ctx, resultHit)
		return bitmap, nil
	}
	joined := e != nil && e.state == Loading
	gen, storeCtx, flight, documentID := s.generation, s.ctx, s.flight, s.documentID
	s.mu.Unlock()

	if joined {
		s.metrics.record(ctx, resultJoined)
	}
	// Loading is set inside the flight so a caller joining a call that has
	// already settled never leaves the page Loading with nothing in flight.
	ch := flight.DoChan(strconv.Itoa(n), func() (any, error) {
		if !s.markLoading(gen, n) {
			return nil, ErrStale
		}
		return s.load(storeCtx, gen, documentID, n)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(image.Image), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Prefetch loads page n in the background. Pages outside the document,
// already cached, or already loading are skipped. Errors are recorded on the
// page but never returned.
func (s *Store) Prefetch(n int) {
	s.mu.Lock()
	if s.checkPageLocked(n) != nil {
		s.mu.Unlock()
		return
	}
	if e := s.pages[n]; e != nil && (e.state == Ready || e.state == Loading) {
		s.mu.Unlock()
		return
	}
	storeCtx, gen := s.ctx, s.generation
	s.prefetches.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.prefetches.Done()
		if _, err := s.fetch(storeCtx, n, gen, true); err != nil && !errors.Is(err, ErrStale) && !errors.Is(err, context.Canceled) {
			s.logger.Debug("pagestore.prefetch.failed", "page", n, "error", err)
		}
	}()
}

func (s *Store) checkPageLocked(n int) error {
	if s.documentID == "" {
		return ErrNoDocument
	}
	if n < 1 || (s.pageCount > 0 && n > s.pageCount) {
		return fmt.Errorf("%w: %d of %d", ErrInvalidPage, n, s.pageCount)
	}
	return nil
}

func (s *Store) load(ctx context.Context, gen uint64, documentID string, n int) (image.Image, error) {
	if bitmap, ok := s.cached(gen, n); ok {
		return bitmap, nil
	}
	s.logger.Trace("pagestore.fetch.start", "document", documentID, "page", n)
	data, err := s.fetcher.PageBytes(ctx, documentID, n)
	if err != nil {
		if s.stale(gen) {
			s.metrics.record(ctx, resultStale)
			return nil, fmt.Errorf("%w: %w", ErrStale, err)
		}
		err = fmt.Errorf("%w: page %d: %w", ErrTransport, n, err)
		return nil, s.fail(ctx, gen, n, err)
	}
	mask.Apply(data, data, s.maskKey)
	bitmap, err := s.decoder.Decode(data)
	if err != nil {
		err = fmt.Errorf("%w: page %d: %w", ErrDecode, n, err)
		return nil, s.fail(ctx, gen, n, err)
	}
	if !s.settle(gen, n, &entry{state: Ready, bitmap: bitmap}) {
		s.metrics.record(ctx, resultStale)
		return nil, ErrStale
	}
	s.metrics.record(ctx, resultLoaded)
	s.logger.Trace("pagestore.fetch.ready", "document", documentID, "page", n)
	return bitmap, nil
}

func (s *Store) fail(ctx context.Context, gen uint64, n int, err error) error {
	if !s.settle(gen, n, &entry{state: Failed, err: err}) {
		s.metrics.record(ctx, resultStale)
		return fmt.Errorf("%w: %w", ErrStale, err)
	}
	s.metrics.record(ctx, resultFailed)
	s.logger.Debug("pagestore.fetch.failed", "page", n, "error", err)
	return err
}

// markLoading flags page n as Loading unless it is already Ready or the
// generation moved on.
func (s *Store) markLoading(gen uint64, n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	if e := s.pages[n]; e == nil || e.state != Ready {
		s.pages[n] = &entry{state: Loading}
	}
	return true
}

// settle writes e into the cache unless the generation moved on.
func (s *Store) settle(gen uint64, n int, e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	s.pages[n] = e
	return true
}

func (s *Store) cached(gen uint64, n int) (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return nil, false
	}
	if e := s.pages[n]; e != nil && e.state == Ready {
		return e.bitmap, true
	}
	return nil, false
}

func (s *Store) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.generation
}
