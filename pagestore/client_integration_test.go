package pagestore_test

import (
	"context"
	"errors"
	"image/color"
	"testing"

	"pkt.systems/folio/client"
	"pkt.systems/folio/internal/fakelibrary"
	"pkt.systems/folio/pagestore"
)

func TestStoreAgainstBackend(t *testing.T) {
	lib := fakelibrary.New()
	lib.AddUser("r@example.com", "pw", "R")
	lib.AddDocument(fakelibrary.Document{ID: "atlas", Title: "Atlas", Pages: 3, HasAccess: true})
	ts := lib.Start(t)
	cli, err := client.New(ts.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := context.Background()
	if _, err := cli.Login(ctx, "r@example.com", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}

	store := pagestore.New(cli)
	store.Open("atlas", 3)
	img, err := store.FetchPage(ctx, 3)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := lib.PageColor("atlas", 3)
	if got := color.NRGBAModel.Convert(img.At(1, 1)).(color.NRGBA); got != want {
		t.Fatalf("unexpected pixel %v, want %v", got, want)
	}

	lib.CorruptPage("atlas", 2, true)
	if _, err := store.FetchPage(ctx, 2); !errors.Is(err, pagestore.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}

	lib.ExpireTokens()
	lib.FailRefresh(true)
	_, err = store.FetchPage(ctx, 1)
	if !errors.Is(err, pagestore.ErrTransport) || !errors.Is(err, client.ErrSessionExpired) {
		t.Fatalf("expected transport failure carrying session expiry, got %v", err)
	}
}
