package pagestore

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

	"pkt.systems/folio/internal/mask"
)

func pagePNG(t testing.TB, n int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(n), A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

type stubFetcher struct {
	t    testing.TB
	mu   sync.Mutex
	hits map[int]int
	fail map[int]error
	raw  map[int][]byte
	// gate, when set, holds every fetch until closed. Fetches ignore their
	// context while held so late responses can be simulated.
	gate    chan struct{}
	started chan int
	// docs records the document id of every fetch in order.
	docs []string
}

func newStubFetcher(t testing.TB) *stubFetcher {
	return &stubFetcher{t: t, hits: map[int]int{}, fail: map[int]error{}, raw: map[int][]byte{}}
}

func (f *stubFetcher) PageBytes(ctx context.Context, documentID string, n int) ([]byte, error) {
	f.mu.Lock()
	f.hits[n]++
	f.docs = append(f.docs, documentID)
	gate, started := f.gate, f.started
	err := f.fail[n]
	raw, hasRaw := f.raw[n]
	f.mu.Unlock()
	if started != nil {
		started <- n
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if hasRaw {
		return mask.Encode(raw, mask.DefaultKey), nil
	}
	return mask.Encode(pagePNG(f.t, n), mask.DefaultKey), nil
}

func (f *stubFetcher) count(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[n]
}

func (f *stubFetcher) documents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.docs...)
}

func pageRed(t *testing.T, img image.Image) uint8 {
	t.Helper()
	r, _, _, _ := img.At(0, 0).RGBA()
	return uint8(r >> 8)
}

func TestFetchPageCachesDecodedBitmap(t *testing.T) {
	f := newStubFetcher(t)
	s := New(f)
	s.Open("doc", 3)
	img, err := s.FetchPage(context.Background(), 2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := pageRed(t, img); got != 2 {
		t.Fatalf("expected page 2 colour, got %d", got)
	}
	if s.State(2) != Ready {
		t.Fatalf("expected Ready, got %s", s.State(2))
	}
	again, err := s.FetchPage(context.Background(), 2)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if again != img {
		t.Fatal("expected cached bitmap")
	}
	if f.count(2) != 1 {
		t.Fatalf("expected one network fetch, got %d", f.count(2))
	}
}

func TestConcurrentFetchesShareOneRequest(t *testing.T) {
	f := newStubFetcher(t)
	f.gate = make(chan struct{})
	s := New(f)
	s.Open("doc", 5)

	const callers = 12
	var wg sync.WaitGroup
	imgs := make([]image.Image, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			imgs[i], errs[i] = s.FetchPage(context.Background(), 3)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	if s.State(3) != Loading {
		t.Fatalf("expected Loading while held, got %s", s.State(3))
	}
	close(f.gate)
	wg.Wait()
	for i := range imgs {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if imgs[i] != imgs[0] {
			t.Fatalf("caller %d received a different bitmap", i)
		}
	}
	if f.count(3) != 1 {
		t.Fatalf("expected a single fetch, got %d", f.count(3))
	}
}

func TestFailureIsScopedToOnePage(t *testing.T) {
	f := newStubFetcher(t)
	f.fail[2] = errors.New("connection reset")
	s := New(f)
	s.Open("doc", 3)

	if _, err := s.FetchPage(context.Background(), 2); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	p := s.Page(2)
	if p.State != Failed || p.Err == nil || p.Bitmap != nil {
		t.Fatalf("unexpected failed page %+v", p)
	}
	if _, err := s.FetchPage(context.Background(), 1); err != nil {
		t.Fatalf("page 1 should be unaffected: %v", err)
	}
	if s.State(3) != Unrequested {
		t.Fatalf("page 3 touched: %s", s.State(3))
	}

	f.mu.Lock()
	delete(f.fail, 2)
	f.mu.Unlock()
	if _, err := s.FetchPage(context.Background(), 2); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if f.count(2) != 2 || s.State(2) != Ready {
		t.Fatalf("expected refetch to succeed, hits=%d state=%s", f.count(2), s.State(2))
	}
}

func TestWrongBytesFailAsDecodeError(t *testing.T) {
	f := newStubFetcher(t)
	f.raw[1] = []byte("not an image at all")
	s := New(f)
	s.Open("doc", 1)
	if _, err := s.FetchPage(context.Background(), 1); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if s.State(1) != Failed {
		t.Fatalf("expected Failed, got %s", s.State(1))
	}
}

func TestWrongMaskKeyFailsAsDecodeError(t *testing.T) {
	f := newStubFetcher(t)
	s := New(f, WithMaskKey(mask.DefaultKey+1))
	s.Open("doc", 1)
	if _, err := s.FetchPage(context.Background(), 1); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestCancelAllDiscardsLateResults(t *testing.T) {
	f := newStubFetcher(t)
	f.gate = make(chan struct{})
	f.started = make(chan int, 1)
	s := New(f)
	s.Open("doc", 4)

	done := make(chan error, 1)
	go func() {
		_, err := s.FetchPage(context.Background(), 1)
		done <- err
	}()
	<-f.started
	s.CancelAll()
	close(f.gate)

	if err := <-done; !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if st := s.State(1); st != Unrequested {
		t.Fatalf("late result written into cache: %s", st)
	}
}

func TestOpenResetsCache(t *testing.T) {
	f := newStubFetcher(t)
	s := New(f)
	s.Open("a", 2)
	if _, err := s.FetchPage(context.Background(), 1); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	s.Open("b", 2)
	if s.DocumentID() != "b" || s.State(1) != Unrequested {
		t.Fatalf("open did not reset: doc=%q state=%s", s.DocumentID(), s.State(1))
	}
}

func TestPrefetchBoundsAndDedup(t *testing.T) {
	f := newStubFetcher(t)
	s := New(f)
	s.Open("doc", 2)

	s.Prefetch(0)
	s.Prefetch(3)
	s.Prefetch(2)
	s.Wait()
	if f.count(0) != 0 || f.count(3) != 0 {
		t.Fatal("prefetch fetched a page outside the document")
	}
	if s.State(2) != Ready {
		t.Fatalf("expected prefetched page Ready, got %s", s.State(2))
	}
	s.Prefetch(2)
	s.Wait()
	if f.count(2) != 1 {
		t.Fatalf("prefetch refetched a Ready page: %d", f.count(2))
	}
}

func TestPrefetchSwallowsErrors(t *testing.T) {
	f := newStubFetcher(t)
	f.fail[2] = errors.New("boom")
	s := New(f)
	s.Open("doc", 2)
	s.Prefetch(2)
	s.Wait()
	if s.State(2) != Failed {
		t.Fatalf("expected Failed, got %s", s.State(2))
	}
}

func TestFetchPageValidation(t *testing.T) {
	s := New(newStubFetcher(t))
	if _, err := s.FetchPage(context.Background(), 1); !errors.Is(err, ErrNoDocument) {
		t.Fatalf("expected ErrNoDocument, got %v", err)
	}
	s.Open("doc", 2)
	for _, n := range []int{0, -1, 3} {
		if _, err := s.FetchPage(context.Background(), n); !errors.Is(err, ErrInvalidPage) {
			t.Fatalf("page %d: expected ErrInvalidPage, got %v", n, err)
		}
	}
}

func TestCallerCancellationDoesNotAbortSharedFetch(t *testing.T) {
	f := newStubFetcher(t)
	f.gate = make(chan struct{})
	f.started = make(chan int, 1)
	s := New(f)
	s.Open("doc", 1)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := s.FetchPage(ctx, 1)
		first <- err
	}()
	<-f.started
	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(f.gate)
	if _, err := s.FetchPage(context.Background(), 1); err != nil {
		t.Fatalf("fetch after cancelled waiter: %v", err)
	}
	if f.count(1) != 1 {
		t.Fatalf("expected the abandoned fetch to populate the cache, got %d fetches", f.count(1))
	}
}

func TestOpenDiscardsLateResultOfPreviousDocument(t *testing.T) {
	f := newStubFetcher(t)
	gate := make(chan struct{})
	f.gate = gate
	f.started = make(chan int, 1)
	s := New(f)
	s.Open("a", 4)

	late := make(chan error, 1)
	go func() {
		_, err := s.FetchPage(context.Background(), 3)
		late <- err
	}()
	<-f.started

	f.mu.Lock()
	f.gate, f.started = nil, nil
	f.mu.Unlock()
	s.Open("b", 4)
	img, err := s.FetchPage(context.Background(), 3)
	if err != nil {
		t.Fatalf("fetch page 3 of b: %v", err)
	}
	close(gate)
	if err := <-late; !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale for a, got %v", err)
	}

	p := s.Page(3)
	if p.State != Ready || p.Bitmap != img {
		t.Fatalf("late result of a replaced page 3 of b: %+v", p)
	}
	docs := f.documents()
	if len(docs) != 2 || docs[0] != "a" || docs[1] != "b" {
		t.Fatalf("unexpected fetches %v", docs)
	}
}

func TestFailedPageNeverLeftLoading(t *testing.T) {
	f := newStubFetcher(t)
	f.fail[1] = errors.New("connection reset")
	s := New(f)
	s.Open("doc", 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.FetchPage(context.Background(), 1)
		}()
	}
	wg.Wait()
	if st := s.State(1); st != Failed {
		t.Fatalf("expected Failed once every caller returned, got %s", st)
	}

	f.mu.Lock()
	delete(f.fail, 1)
	f.mu.Unlock()
	s.Prefetch(1)
	s.Wait()
	if st := s.State(1); st != Ready {
		t.Fatalf("prefetch skipped the failed page: %s", st)
	}
}

func TestPinnedFetchFromEarlierGenerationIsStale(t *testing.T) {
	f := newStubFetcher(t)
	s := New(f)
	s.Open("doc", 2)
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()

	s.CancelAll()
	if _, err := s.fetch(context.Background(), 2, gen, true); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if f.count(2) != 0 || s.State(2) != Unrequested {
		t.Fatalf("pinned fetch ran after cancel: hits=%d state=%s", f.count(2), s.State(2))
	}
}

func TestDetachForgetsDocument(t *testing.T) {
	f := newStubFetcher(t)
	s := New(f)
	s.Open("doc", 2)
	if _, err := s.FetchPage(context.Background(), 1); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	s.Detach()
	s.Prefetch(2)
	s.Wait()
	if _, err := s.FetchPage(context.Background(), 1); !errors.Is(err, ErrNoDocument) {
		t.Fatalf("expected ErrNoDocument, got %v", err)
	}
	if f.count(2) != 0 || s.DocumentID() != "" {
		t.Fatalf("detached store still working: hits=%d doc=%q", f.count(2), s.DocumentID())
	}
}
