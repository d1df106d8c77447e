package reader

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"pkt.systems/folio/api"
	"pkt.systems/folio/client"
	"pkt.systems/folio/internal/mask"
	"pkt.systems/folio/pagestore"
)

type stubDocs struct {
	data api.DocumentData
	err  error
}

func (s stubDocs) Document(context.Context, string) (api.DocumentData, error) {
	return s.data, s.err
}

type countingFetcher struct {
	t     *testing.T
	mu    sync.Mutex
	hits  map[int]int
	gates map[int]chan struct{}
	fail  map[int]error
}

func newCountingFetcher(t *testing.T) *countingFetcher {
	return &countingFetcher{t: t, hits: map[int]int{}, gates: map[int]chan struct{}{}, fail: map[int]error{}}
}

func (f *countingFetcher) PageBytes(ctx context.Context, _ string, n int) ([]byte, error) {
	f.mu.Lock()
	f.hits[n]++
	gate := f.gates[n]
	err := f.fail[n]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: uint8(n), A: 0xff})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		f.t.Errorf("encode: %v", err)
	}
	return mask.Encode(buf.Bytes(), mask.DefaultKey), nil
}

func (f *countingFetcher) count(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[n]
}

func (f *countingFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := 0
	for _, v := range f.hits {
		sum += v
	}
	return sum
}

func (f *countingFetcher) hold(n int) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[n] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func document(pages int, access bool) stubDocs {
	return stubDocs{data: api.DocumentData{
		Document:  api.Document{ID: "doc", Title: "Doc", TotalPages: pages},
		HasAccess: access,
	}}
}

func newTestController(t *testing.T, docs DocumentSource, opts ...Option) (*Controller, *pagestore.Store, *countingFetcher, *MemorySurface) {
	t.Helper()
	f := newCountingFetcher(t)
	store := pagestore.New(f)
	surface := &MemorySurface{}
	c := NewController(docs, store, surface, opts...)
	t.Cleanup(func() {
		c.Unmount()
		store.Wait()
	})
	return c, store, f, surface
}

func TestMountPrefetchesAndNavigatesFromCache(t *testing.T) {
	c, store, f, surface := newTestController(t, document(5, true))
	ctx := context.Background()
	if err := c.Mount(ctx, "doc"); err != nil {
		t.Fatalf("mount: %v", err)
	}
	store.Wait()
	if f.count(1) != 1 || f.count(2) != 1 || f.count(3) != 0 {
		t.Fatalf("after mount: hits 1=%d 2=%d 3=%d", f.count(1), f.count(2), f.count(3))
	}
	if frame, ok := surface.Visible(); !ok || frame.Page != 1 {
		t.Fatalf("expected page 1 visible, got %+v (%v)", frame, ok)
	}

	if err := c.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}
	store.Wait()
	if f.count(2) != 1 {
		t.Fatalf("page 2 refetched: %d", f.count(2))
	}
	if f.count(3) != 1 {
		t.Fatalf("expected prefetch of page 3, got %d", f.count(3))
	}
	v := c.View()
	if v.Current != 2 || v.State != pagestore.Ready || v.PageCount != 5 {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestNavigationSaturates(t *testing.T) {
	c, store, f, _ := newTestController(t, document(3, true))
	ctx := context.Background()
	if err := c.Mount(ctx, "doc"); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if err := c.Previous(ctx); err != nil {
		t.Fatalf("previous: %v", err)
	}
	if c.View().Current != 1 {
		t.Fatalf("previous on page 1 moved to %d", c.View().Current)
	}
	if err := c.GoTo(ctx, 3); err != nil {
		t.Fatalf("goto: %v", err)
	}
	store.Wait()
	before := f.total()
	if err := c.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}
	store.Wait()
	if c.View().Current != 3 {
		t.Fatalf("next on last page moved to %d", c.View().Current)
	}
	if f.total() != before {
		t.Fatal("saturated navigation issued a fetch")
	}
	if err := c.GoTo(ctx, 4); !errors.Is(err, pagestore.ErrInvalidPage) {
		t.Fatalf("expected ErrInvalidPage, got %v", err)
	}
}

func TestMountWithoutAccessNeverFetches(t *testing.T) {
	c, store, f, surface := newTestController(t, document(5, false))
	err := c.Mount(context.Background(), "doc")
	var redirect *RedirectError
	if !errors.As(err, &redirect) {
		t.Fatalf("expected RedirectError, got %v", err)
	}
	if redirect.Target != "/documents/doc" || !errors.Is(err, ErrNoAccess) {
		t.Fatalf("unexpected redirect %v", redirect)
	}
	store.Wait()
	if f.total() != 0 {
		t.Fatalf("unentitled viewer triggered %d page fetches", f.total())
	}
	if c.Guard().Active() || c.View().Mounted || len(surface.Frames()) != 0 {
		t.Fatal("reader state leaked for unentitled viewer")
	}
}

func TestMountDocumentError(t *testing.T) {
	c, _, _, _ := newTestController(t, stubDocs{err: &client.APIError{Status: 404}})
	err := c.Mount(context.Background(), "doc")
	if !client.IsNotFound(err) {
		t.Fatalf("expected 404, got %v", err)
	}
	if c.Guard().Active() {
		t.Fatal("guard acquired on failed mount")
	}
}

func TestUnmountTearsDown(t *testing.T) {
	c, store, _, surface := newTestController(t, document(2, true))
	if err := c.Mount(context.Background(), "doc"); err != nil {
		t.Fatalf("mount: %v", err)
	}
	store.Wait()
	if !c.Guard().Active() {
		t.Fatal("guard inactive while mounted")
	}
	c.Unmount()
	c.Unmount()
	if c.Guard().Active() {
		t.Fatal("guard still active after unmount")
	}
	if _, ok := surface.Visible(); ok || surface.Clears() != 1 {
		t.Fatalf("surface not cleared once: clears=%d", surface.Clears())
	}
	if store.State(1) != pagestore.Unrequested {
		t.Fatal("page cache survived unmount")
	}
	if err := c.Next(context.Background()); !errors.Is(err, ErrNotMounted) {
		t.Fatalf("expected ErrNotMounted, got %v", err)
	}
}

func TestSupersededPageIsNotDrawn(t *testing.T) {
	c, store, f, surface := newTestController(t, document(4, true), WithPrefetch(false))
	ctx := context.Background()
	if err := c.Mount(ctx, "doc"); err != nil {
		t.Fatalf("mount: %v", err)
	}
	release := f.hold(3)
	done := make(chan error, 1)
	go func() { done <- c.GoTo(ctx, 3) }()
	deadline := time.Now().Add(5 * time.Second)
	for f.count(3) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("page 3 fetch never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := c.GoTo(ctx, 2); err != nil {
		t.Fatalf("goto 2: %v", err)
	}
	release()
	if err := <-done; err != nil {
		t.Fatalf("superseded navigation: %v", err)
	}
	store.Wait()
	if frame, _ := surface.Visible(); frame.Page != 2 {
		t.Fatalf("expected page 2 visible, got page %d", frame.Page)
	}
	for _, fr := range surface.Frames() {
		if fr.Page == 3 {
			t.Fatal("superseded page 3 was drawn")
		}
	}
	if c.View().Current != 2 {
		t.Fatalf("current page %d, want 2", c.View().Current)
	}
}

func TestFailedPageRetry(t *testing.T) {
	c, _, f, _ := newTestController(t, document(2, true), WithPrefetch(false))
	f.fail[1] = errors.New("connection refused")
	ctx := context.Background()
	if err := c.Mount(ctx, "doc"); err != nil {
		t.Fatalf("mount should survive a page failure: %v", err)
	}
	v := c.View()
	if v.State != pagestore.Failed || !errors.Is(v.Err, pagestore.ErrTransport) {
		t.Fatalf("expected failed page 1, got %+v", v)
	}
	f.mu.Lock()
	delete(f.fail, 1)
	f.mu.Unlock()
	action, err := c.HandleEvent(ctx, KeyDown(KeyRetry, 0))
	if err != nil || action != ActionRetry {
		t.Fatalf("retry: %s, %v", action, err)
	}
	if c.View().State != pagestore.Ready {
		t.Fatalf("retry did not load the page: %+v", c.View())
	}
}

func TestHandleEventKeyBindings(t *testing.T) {
	c, _, _, _ := newTestController(t, document(3, true), WithPrefetch(false))
	ctx := context.Background()
	if err := c.Mount(ctx, "doc"); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if a, err := c.HandleEvent(ctx, Event{Kind: EventContextMenu}); a != ActionSuppressed || err != nil {
		t.Fatalf("context menu: %s, %v", a, err)
	}
	if a, _ := c.HandleEvent(ctx, KeyDown("p", ModCtrl)); a != ActionSuppressed {
		t.Fatalf("ctrl+p: %s", a)
	}
	if a, err := c.HandleEvent(ctx, KeyDown(KeyArrowRight, 0)); a != ActionNext || err != nil {
		t.Fatalf("arrow right: %s, %v", a, err)
	}
	if c.View().Current != 2 {
		t.Fatalf("arrow right did not advance: %d", c.View().Current)
	}
	if a, _ := c.HandleEvent(ctx, KeyDown(KeyArrowLeft, 0)); a != ActionPrevious || c.View().Current != 1 {
		t.Fatalf("arrow left: %s, page %d", a, c.View().Current)
	}
	if a, _ := c.HandleEvent(ctx, KeyDown(KeyEscape, 0)); a != ActionClose || c.View().Mounted {
		t.Fatalf("escape: %s, mounted=%v", a, c.View().Mounted)
	}
	if c.Guard().Filter(KeyDown("c", ModCtrl)) {
		t.Fatal("guard still active after escape")
	}
}

func TestSessionExpiryRedirectsIdleReader(t *testing.T) {
	session := client.NewSession()
	if err := session.Login("tok"); err != nil {
		t.Fatalf("login: %v", err)
	}
	c, _, _, _ := newTestController(t, document(2, true), WithExpirySource(session))
	if err := c.Mount(context.Background(), "doc"); err != nil {
		t.Fatalf("mount: %v", err)
	}
	session.Expire(client.ErrSessionExpired)
	select {
	case redirect := <-c.Redirects():
		if redirect.Target != LoginTarget || !errors.Is(redirect, ErrLoginRequired) {
			t.Fatalf("unexpected redirect %v", redirect)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no redirect after session expiry")
	}
	if c.View().Mounted || c.Guard().Active() {
		t.Fatal("reader still mounted after session expiry")
	}
}

// unmountingSurface closes the reader while page 1 is being drawn.
type unmountingSurface struct {
	MemorySurface
	ctrl      *Controller
	unmount   sync.Once
	unmounted chan struct{}
}

func (s *unmountingSurface) Draw(page int, img image.Image) error {
	if page == 1 {
		s.unmount.Do(func() {
			go func() {
				s.ctrl.Unmount()
				close(s.unmounted)
			}()
			deadline := time.Now().Add(5 * time.Second)
			for s.ctrl.View().Mounted && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
		})
	}
	return s.MemorySurface.Draw(page, img)
}

func TestUnmountDuringDrawSkipsPrefetch(t *testing.T) {
	f := newCountingFetcher(t)
	store := pagestore.New(f)
	surface := &unmountingSurface{unmounted: make(chan struct{})}
	c := NewController(document(3, true), store, surface)
	surface.ctrl = c

	if err := c.Mount(context.Background(), "doc"); err != nil {
		t.Fatalf("mount: %v", err)
	}
	select {
	case <-surface.unmounted:
	case <-time.After(5 * time.Second):
		t.Fatal("unmount did not finish")
	}
	store.Wait()
	if f.count(2) != 0 {
		t.Fatalf("closed reader fetched page 2 %d times", f.count(2))
	}
	if st := store.State(2); st != pagestore.Unrequested {
		t.Fatalf("page 2 cached after teardown: %s", st)
	}
	if store.DocumentID() != "" {
		t.Fatalf("store still holds document %q", store.DocumentID())
	}
	if _, err := store.FetchPage(context.Background(), 1); !errors.Is(err, pagestore.ErrNoDocument) {
		t.Fatalf("expected ErrNoDocument after teardown, got %v", err)
	}
}
