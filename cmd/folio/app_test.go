package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/folio"
	"pkt.systems/folio/internal/fakelibrary"
	"pkt.systems/folio/internal/version"
	"pkt.systems/folio/reader"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

type cliLibrary struct {
	lib       *fakelibrary.Server
	url       string
	tokenFile string
	dir       string
}

func newCLILibrary(t *testing.T) *cliLibrary {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("FOLIO_CONFIG_DIR", dir)
	lib := fakelibrary.New()
	lib.AddUser("ada@example.com", "secret", "Ada Lovelace")
	lib.AddDocument(fakelibrary.Document{ID: "atlas", Title: "Atlas", Author: "Mercator", Pages: 3, HasAccess: true})
	lib.AddDocument(fakelibrary.Document{ID: "vault", Title: "Vault", Pages: 2})
	ts := lib.Start(t)
	return &cliLibrary{lib: lib, url: ts.URL, tokenFile: filepath.Join(dir, "session.json"), dir: dir}
}

func (c *cliLibrary) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	full := append([]string{"--server", c.url, "--token-file", c.tokenFile}, args...)
	stdout, _, err := executeRootCommand(t, full...)
	return stdout, err
}

func (c *cliLibrary) login(t *testing.T) {
	t.Helper()
	out, err := c.run(t, "login", "--email", "ada@example.com", "--password", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if out != "logged in as Ada Lovelace <ada@example.com>\n" {
		t.Fatalf("login output %q", out)
	}
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	t.Setenv("FOLIO_CONFIG_DIR", t.TempDir())
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestLoginPersistsSessionAcrossInvocations(t *testing.T) {
	c := newCLILibrary(t)
	c.login(t)
	info, err := os.Stat(c.tokenFile)
	if err != nil {
		t.Fatalf("token file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode %v", info.Mode().Perm())
	}

	out, err := c.run(t, "whoami")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	var who struct {
		User struct {
			Email string `yaml:"email"`
		} `yaml:"user"`
		Token struct {
			Issuer    string `yaml:"issuer"`
			ExpiresIn string `yaml:"expires-in"`
		} `yaml:"token"`
	}
	if err := yaml.Unmarshal([]byte(out), &who); err != nil {
		t.Fatalf("whoami yaml: %v\n%s", err, out)
	}
	if who.User.Email != "ada@example.com" || who.Token.Issuer != "fakelibrary" {
		t.Fatalf("whoami = %+v", who)
	}
	if who.Token.ExpiresIn == "" || who.Token.ExpiresIn == "expired" {
		t.Fatalf("expires-in = %q", who.Token.ExpiresIn)
	}

	out, err = c.run(t, "logout")
	if err != nil || out != "logged out\n" {
		t.Fatalf("logout: %q %v", out, err)
	}
	if _, err := c.run(t, "whoami"); err == nil || !strings.Contains(err.Error(), "not logged in") {
		t.Fatalf("whoami after logout: %v", err)
	}
	out, err = c.run(t, "logout")
	if err != nil || out != "not logged in\n" {
		t.Fatalf("second logout: %q %v", out, err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	c := newCLILibrary(t)
	_, err := c.run(t, "login", "--email", "ada@example.com", "--password", "nope")
	if err == nil || !strings.Contains(err.Error(), "wrong e-mail or password") {
		t.Fatalf("expected credential error, got %v", err)
	}
	if _, err := os.Stat(c.tokenFile); !os.IsNotExist(err) {
		t.Fatalf("token file written after failed login: %v", err)
	}
}

func TestLoginReadsPasswordFromEnv(t *testing.T) {
	c := newCLILibrary(t)
	t.Setenv(envPassword, "secret")
	if _, err := c.run(t, "login", "--email", "ada@example.com"); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func TestDocumentShow(t *testing.T) {
	c := newCLILibrary(t)
	c.login(t)
	out, err := c.run(t, "document", "show", "atlas")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	var doc documentYAML
	if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if doc.ID != "atlas" || doc.Title != "Atlas" || doc.Pages != 3 || !doc.Access {
		t.Fatalf("document = %+v", doc)
	}
	out, err = c.run(t, "doc", "show", "vault")
	if err != nil {
		t.Fatalf("show vault: %v", err)
	}
	if !strings.Contains(out, "access: false") {
		t.Fatalf("vault output %q", out)
	}
	if _, err := c.run(t, "document", "show", "missing"); err == nil || !strings.Contains(err.Error(), "no such document") {
		t.Fatalf("missing document: %v", err)
	}
}

func TestDocumentShowRequiresLogin(t *testing.T) {
	c := newCLILibrary(t)
	_, err := c.run(t, "document", "show", "atlas")
	if err == nil || !strings.Contains(err.Error(), "folio login") {
		t.Fatalf("expected login advice, got %v", err)
	}
}

func TestCommandsSendCorrelationID(t *testing.T) {
	c := newCLILibrary(t)
	t.Setenv("FOLIO_CORRELATION_ID", "cli-run-7")
	c.login(t)
	if _, err := c.run(t, "document", "show", "atlas"); err != nil {
		t.Fatalf("document show: %v", err)
	}
	cids := c.lib.CorrelationIDs()
	if len(cids) != 2 || cids[0] != "cli-run-7" || cids[1] != "cli-run-7" {
		t.Fatalf("unexpected correlation ids %v", cids)
	}

	t.Setenv("FOLIO_CORRELATION_ID", "")
	if _, err := c.run(t, "document", "show", "atlas"); err != nil {
		t.Fatalf("document show: %v", err)
	}
	if _, err := c.run(t, "document", "show", "atlas"); err != nil {
		t.Fatalf("document show: %v", err)
	}
	cids = c.lib.CorrelationIDs()
	if len(cids) != 4 {
		t.Fatalf("expected 4 correlated requests, got %v", cids)
	}
	if cids[2] == "" || cids[2] == cids[3] || cids[2] == "cli-run-7" {
		t.Fatalf("expected a fresh id per invocation, got %v", cids[2:])
	}
}

func TestPreviewWritesImage(t *testing.T) {
	c := newCLILibrary(t)
	c.login(t)
	path := filepath.Join(t.TempDir(), "cover.png")
	out, err := c.run(t, "preview", "atlas", "--out", path)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !strings.HasPrefix(out, "wrote "+path) {
		t.Fatalf("preview output %q", out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("preview file: %v", err)
	}
}

func TestConfigFileSuppliesServer(t *testing.T) {
	c := newCLILibrary(t)
	cfg := "server: " + c.url + "\ntoken-file: " + c.tokenFile + "\n"
	if err := os.WriteFile(filepath.Join(c.dir, folio.DefaultConfigFileName), []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	stdout, _, err := executeRootCommand(t, "login", "--email", "ada@example.com", "--password", "secret")
	if err != nil {
		t.Fatalf("login via config file: %v", err)
	}
	if !strings.Contains(stdout, "logged in") {
		t.Fatalf("stdout %q", stdout)
	}
}

func TestConfigGen(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FOLIO_CONFIG_DIR", dir)
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen --stdout: %v", err)
	}
	var defaults configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &defaults); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if defaults.Server != folio.DefaultServer || defaults.MaskKey != 23 || defaults.Timeout != "30s" {
		t.Fatalf("defaults = %+v", defaults)
	}

	if _, _, err := executeRootCommand(t, "config", "gen"); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, folio.DefaultConfigFileName)); err != nil {
		t.Fatalf("config file: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen"); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
}

func TestInvalidMaskKey(t *testing.T) {
	c := newCLILibrary(t)
	if _, err := c.run(t, "--mask-key", "300", "whoami"); err == nil || !strings.Contains(err.Error(), "mask-key") {
		t.Fatalf("expected mask key error, got %v", err)
	}
}

func TestRunReaderNavigatesAndCloses(t *testing.T) {
	c := newCLILibrary(t)
	ctx := context.Background()
	app, err := folio.Open(ctx, folio.Config{Server: c.url, InMemorySession: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	if _, err := app.Client().Login(ctx, "ada@example.com", "secret"); err != nil {
		t.Fatalf("login: %v", err)
	}
	surface := &reader.MemorySurface{}
	ctrl := app.NewReader(surface)
	keys := make(chan reader.Event, 4)
	keys <- reader.KeyDown(reader.KeyArrowRight, 0)
	keys <- reader.KeyDown("c", reader.ModCtrl)
	keys <- reader.KeyDown(reader.KeyEscape, 0)
	var out bytes.Buffer
	if err := runReader(ctx, ctrl, "atlas", keys, &out); err != nil {
		t.Fatalf("run reader: %v", err)
	}
	frames := surface.Frames()
	if len(frames) != 2 || frames[0].Page != 1 || frames[1].Page != 2 {
		t.Fatalf("frames = %+v", frames)
	}
	if _, visible := surface.Visible(); visible {
		t.Fatalf("surface not cleared on close")
	}
	if ctrl.Guard().Suppressed() != 1 {
		t.Fatalf("suppressed = %d", ctrl.Guard().Suppressed())
	}
}

func TestRunReaderWithoutAccess(t *testing.T) {
	c := newCLILibrary(t)
	ctx := context.Background()
	app, err := folio.Open(ctx, folio.Config{Server: c.url, InMemorySession: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	if _, err := app.Client().Login(ctx, "ada@example.com", "secret"); err != nil {
		t.Fatalf("login: %v", err)
	}
	keys := make(chan reader.Event)
	err = runReader(ctx, app.NewReader(&reader.MemorySurface{}), "vault", keys, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "do not have access") {
		t.Fatalf("expected access error, got %v", err)
	}
}

func TestDescribeToken(t *testing.T) {
	lib := fakelibrary.New()
	lib.AddUser("ada@example.com", "secret", "Ada")
	raw, err := lib.AccessToken("ada@example.com")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	now := time.Now()
	got := describeToken(raw, now)
	if got == nil || got.Issuer != "fakelibrary" || got.ExpiresIn == "expired" {
		t.Fatalf("describe = %+v", got)
	}
	if expired := describeToken(raw, now.Add(2*time.Hour)); expired.ExpiresIn != "expired" {
		t.Fatalf("expected expired, got %+v", expired)
	}
	if describeToken("opaque", now) != nil || describeToken("", now) != nil {
		t.Fatalf("opaque tokens must yield nil")
	}
}
