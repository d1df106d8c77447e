package reader_test

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/folio/client"
	"pkt.systems/folio/internal/fakelibrary"
	"pkt.systems/folio/pagestore"
	"pkt.systems/folio/reader"
)

type backend struct {
	lib    *fakelibrary.Server
	cli    *client.Client
	store  *pagestore.Store
	reader *reader.Controller
}

func newBackend(t *testing.T, opts ...reader.Option) *backend {
	t.Helper()
	lib := fakelibrary.New()
	lib.AddUser("r@example.com", "pw", "R")
	lib.AddDocument(fakelibrary.Document{ID: "book", Title: "Book", Pages: 5, HasAccess: true})
	lib.AddDocument(fakelibrary.Document{ID: "locked", Title: "Locked", Pages: 5})
	ts := lib.Start(t)
	cli, err := client.New(ts.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := cli.Login(context.Background(), "r@example.com", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	store := pagestore.New(cli)
	opts = append([]reader.Option{reader.WithExpirySource(cli.Session())}, opts...)
	ctrl := reader.NewController(cli, store, &reader.MemorySurface{}, opts...)
	t.Cleanup(func() {
		ctrl.Unmount()
		store.Wait()
	})
	return &backend{lib: lib, cli: cli, store: store, reader: ctrl}
}

func TestReaderPrefetchScenario(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	if err := b.reader.Mount(ctx, "book"); err != nil {
		t.Fatalf("mount: %v", err)
	}
	b.store.Wait()
	if b.lib.PageHits("book", 1) != 1 || b.lib.PageHits("book", 2) != 1 {
		t.Fatalf("after mount: page1=%d page2=%d", b.lib.PageHits("book", 1), b.lib.PageHits("book", 2))
	}
	if err := b.reader.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}
	b.store.Wait()
	if b.lib.PageHits("book", 2) != 1 || b.lib.PageHits("book", 3) != 1 {
		t.Fatalf("after next: page2=%d page3=%d", b.lib.PageHits("book", 2), b.lib.PageHits("book", 3))
	}
}

func TestReaderUnentitledScenario(t *testing.T) {
	b := newBackend(t)
	err := b.reader.Mount(context.Background(), "locked")
	if !errors.Is(err, reader.ErrNoAccess) {
		t.Fatalf("expected ErrNoAccess redirect, got %v", err)
	}
	if b.lib.PageRequests() != 0 {
		t.Fatalf("unentitled mount requested %d pages", b.lib.PageRequests())
	}
}

func TestReaderRenewsOnUnauthorizedPage(t *testing.T) {
	b := newBackend(t, reader.WithPrefetch(false))
	ctx := context.Background()
	if err := b.reader.Mount(ctx, "book"); err != nil {
		t.Fatalf("mount: %v", err)
	}
	b.lib.ExpireTokens()
	if err := b.reader.Next(ctx); err != nil {
		t.Fatalf("next after expiry: %v", err)
	}
	if b.lib.RefreshCalls() != 1 {
		t.Fatalf("expected one renewal, got %d", b.lib.RefreshCalls())
	}
	if b.lib.Unauthorized() != 1 || b.lib.PageHits("book", 2) != 1 {
		t.Fatalf("expected one rejected and one served request, got 401s=%d hits=%d", b.lib.Unauthorized(), b.lib.PageHits("book", 2))
	}
	if v := b.reader.View(); v.State != pagestore.Ready || v.Current != 2 {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestReaderRenewalFailureRedirectsToLogin(t *testing.T) {
	b := newBackend(t, reader.WithPrefetch(false))
	ctx := context.Background()
	if err := b.reader.Mount(ctx, "book"); err != nil {
		t.Fatalf("mount: %v", err)
	}
	b.lib.ExpireTokens()
	b.lib.FailRefresh(true)

	err := b.reader.Next(ctx)
	var redirect *reader.RedirectError
	if !errors.As(err, &redirect) || redirect.Target != reader.LoginTarget {
		t.Fatalf("expected login redirect, got %v", err)
	}
	if !errors.Is(err, client.ErrSessionExpired) {
		t.Fatalf("redirect does not carry the session failure: %v", err)
	}
	if b.cli.Session().CurrentToken() != "" {
		t.Fatal("credential not cleared")
	}
	if b.reader.View().Mounted || b.reader.Guard().Active() {
		t.Fatal("reader still mounted after session loss")
	}
}
