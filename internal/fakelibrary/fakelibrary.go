// Package fakelibrary is an in-process stand-in for the library backend. It
// issues HS256 access tokens, keeps the refresh credential in an httpOnly
// cookie and serves masked PNG pages, with knobs for expiring tokens,
// failing renewals and holding page responses.
package fakelibrary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/xid"

	"pkt.systems/folio/api"
	"pkt.systems/folio/internal/mask"
)

// RefreshCookie is the name of the cookie carrying the refresh credential.
const RefreshCookie = "refreshToken"

const (
	claimGeneration = "gen"
	claimKind       = "kind"
	kindAccess      = "access"
	kindRefresh     = "refresh"
)

// Document is a document served by the fake backend.
type Document struct {
	ID        string
	Title     string
	Author    string
	Pages     int
	HasAccess bool
}

type user struct {
	password string
	profile  api.User
}

type pageKey struct {
	doc  string
	page int
}

// Server is the fake backend. The zero value is not usable; call New.
type Server struct {
	secret    []byte
	maskKey   byte
	accessTTL time.Duration
	pageW     int
	pageH     int

	mu          sync.Mutex
	users       map[string]*user
	docs        map[string]Document
	generation  int
	failRefresh bool
	rejectAll   bool
	pageDelay   time.Duration
	refreshWait time.Duration
	gate        *pageGate
	corrupt     map[pageKey]bool
	failing     map[pageKey]int
	hits        map[pageKey]int
	cids        []string

	refreshCalls atomic.Int64
	unauthorized atomic.Int64
	pageRequests atomic.Int64
}

// Option customises the fake backend.
type Option func(*Server)

// WithMaskKey sets the key pages are masked with.
func WithMaskKey(key byte) Option {
	return func(s *Server) { s.maskKey = key }
}

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.accessTTL = d
		}
	}
}

// WithPageSize sets the pixel size of generated pages.
func WithPageSize(w, h int) Option {
	return func(s *Server) {
		if w > 0 && h > 0 {
			s.pageW, s.pageH = w, h
		}
	}
}

// New returns an empty fake backend.
func New(opts ...Option) *Server {
	s := &Server{
		secret:    []byte("folio-fake-library-" + xid.New().String()),
		maskKey:   mask.DefaultKey,
		accessTTL: time.Hour,
		pageW:     24,
		pageH:     32,
		users:     make(map[string]*user),
		docs:      make(map[string]Document),
		corrupt:   make(map[pageKey]bool),
		failing:   make(map[pageKey]int),
		hits:      make(map[pageKey]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start serves the backend on a loopback listener closed at the end of the test.
func (s *Server) Start(tb testing.TB) *httptest.Server {
	tb.Helper()
	ts := httptest.NewServer(s.Handler())
	tb.Cleanup(func() {
		s.releaseGate()
		ts.Close()
	})
	return ts
}

// Handler returns the HTTP routes of the backend.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.correlate)
	r.Post(api.PathLogin, s.login)
	r.Post(api.PathRefreshToken, s.refresh)
	r.Post(api.PathLogout, s.logout)
	r.With(s.requireAccess).Get(api.PathProfile, s.profile)
	r.Route("/documents/{id}", func(r chi.Router) {
		r.Use(s.requireAccess)
		r.Get("/", s.document)
		r.Get("/preview", s.preview)
		r.Get("/pages/{page}", s.page)
	})
	return r
}

// CorrelationIDs returns the X-Correlation-Id of every request that carried
// one, in arrival order.
func (s *Server) CorrelationIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cids...)
}

func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(api.HeaderCorrelationID); id != "" {
			s.mu.Lock()
			s.cids = append(s.cids, id)
			s.mu.Unlock()
			w.Header().Set(api.HeaderCorrelationID, id)
		}
		next.ServeHTTP(w, r)
	})
}

// AddUser registers a user that can log in with email and password.
func (s *Server) AddUser(email, password, name string) api.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile := api.User{ID: xid.New().String(), Name: name, Email: email, Role: "user"}
	s.users[email] = &user{password: password, profile: profile}
	return profile
}

// AddDocument registers or replaces a document.
func (s *Server) AddDocument(doc Document) {
	s.mu.Lock()
	s.docs[doc.ID] = doc
	s.mu.Unlock()
}

// ExpireTokens invalidates every access token issued so far. Refresh cookies
// stay valid.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
}

// FailRefresh makes the refresh endpoint answer 401 while enabled.
func (s *Server) FailRefresh(enabled bool) {
	s.mu.Lock()
	s.failRefresh = enabled
	s.mu.Unlock()
}

// RejectAll makes every authenticated endpoint answer 401 regardless of the
// token presented, including freshly renewed ones.
func (s *Server) RejectAll(enabled bool) {
	s.mu.Lock()
	s.rejectAll = enabled
	s.mu.Unlock()
}

// SetRefreshDelay delays refresh responses, widening the window in which
// concurrent requests pile up behind one renewal.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	s.refreshWait = d
	s.mu.Unlock()
}

// SetPageDelay delays page responses.
func (s *Server) SetPageDelay(d time.Duration) {
	s.mu.Lock()
	s.pageDelay = d
	s.mu.Unlock()
}

// HoldPages makes page responses wait until the returned release function is
// called. Requests whose context ends first are abandoned.
func (s *Server) HoldPages() (release func()) {
	gate := &pageGate{ch: make(chan struct{})}
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if s.gate == gate {
			s.gate = nil
		}
		s.mu.Unlock()
		gate.open()
	}
}

func (s *Server) releaseGate() {
	s.mu.Lock()
	gate := s.gate
	s.gate = nil
	s.mu.Unlock()
	if gate != nil {
		gate.open()
	}
}

type pageGate struct {
	ch   chan struct{}
	once sync.Once
}

func (g *pageGate) open() {
	g.once.Do(func() { close(g.ch) })
}

// CorruptPage makes page n of doc serve bytes that do not decode as an image.
func (s *Server) CorruptPage(doc string, n int, enabled bool) {
	s.mu.Lock()
	s.corrupt[pageKey{doc, n}] = enabled
	s.mu.Unlock()
}

// FailPage makes page n of doc answer with status. Zero restores it.
func (s *Server) FailPage(doc string, n int, status int) {
	s.mu.Lock()
	if status == 0 {
		delete(s.failing, pageKey{doc, n})
	} else {
		s.failing[pageKey{doc, n}] = status
	}
	s.mu.Unlock()
}

// PageHits counts requests for page n of doc that passed authentication.
func (s *Server) PageHits(doc string, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[pageKey{doc, n}]
}

// PageRequests counts all authenticated page requests.
func (s *Server) PageRequests() int { return int(s.pageRequests.Load()) }

// RefreshCalls counts calls to the refresh endpoint.
func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }

// Unauthorized counts 401 responses sent.
func (s *Server) Unauthorized() int { return int(s.unauthorized.Load()) }

// PagePNG renders the unmasked image served as page n. Tests compare decoded
// pages against it.
func (s *Server) PagePNG(doc string, n int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, s.pageW, s.pageH))
	fill := color.NRGBA{R: uint8(n), G: uint8(len(doc)), B: 0x80, A: 0xff}
	for y := 0; y < s.pageH; y++ {
		for x := 0; x < s.pageW; x++ {
			img.SetNRGBA(x, y, fill)
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

// PageColor is the fill colour of page n, as rendered by PagePNG.
func (s *Server) PageColor(doc string, n int) color.NRGBA {
	return color.NRGBA{R: uint8(n), G: uint8(len(doc)), B: 0x80, A: 0xff}
}

// AccessToken issues an access token for email outside the login flow.
func (s *Server) AccessToken(email string) (string, error) {
	s.mu.Lock()
	u, ok := s.users[email]
	gen := s.generation
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("fakelibrary: unknown user %q", email)
	}
	return s.sign(u.profile.ID, kindAccess, gen, s.accessTTL)
}

func (s *Server) sign(subject, kind string, gen int, ttl time.Duration) (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Issuer("fakelibrary").
		Subject(subject).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		JwtID(xid.New().String()).
		Claim(claimKind, kind).
		Claim(claimGeneration, strconv.Itoa(gen)).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func (s *Server) verify(raw, kind string, checkGeneration bool) (string, error) {
	tok, err := jwt.ParseString(raw,
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return "", err
	}
	gotKind, _ := tok.Get(claimKind)
	if k, _ := gotKind.(string); k != kind {
		return "", errors.New("wrong token kind")
	}
	if checkGeneration {
		gotGen, _ := tok.Get(claimGeneration)
		s.mu.Lock()
		current := strconv.Itoa(s.generation)
		s.mu.Unlock()
		if g, _ := gotGen.(string); g != current {
			return "", errors.New("token expired")
		}
	}
	return tok.Subject(), nil
}

type subjectKey struct{}

func (s *Server) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		reject := s.rejectAll
		s.mu.Unlock()
		auth := r.Header.Get("Authorization")
		if reject || !strings.HasPrefix(auth, "Bearer ") {
			s.writeUnauthorized(w, "Unauthorized")
			return
		}
		subject, err := s.verify(strings.TrimSpace(auth[len("Bearer "):]), kindAccess, true)
		if err != nil {
			s.writeUnauthorized(w, "Access token expired")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, subject)))
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.mu.Lock()
	u, ok := s.users[req.Email]
	gen := s.generation
	s.mu.Unlock()
	if !ok || u.password != req.Password {
		s.writeUnauthorized(w, "Invalid email or password")
		return
	}
	access, err := s.sign(u.profile.ID, kindAccess, gen, s.accessTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	refresh, err := s.sign(u.profile.ID, kindRefresh, gen, 7*24*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: refresh, Path: "/", HttpOnly: true, SameSite: http.SameSiteStrictMode})
	writeJSON(w, http.StatusOK, api.LoginResponse{
		Message: "Login successful",
		Data:    api.LoginData{User: u.profile, AccessToken: access},
	})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)
	s.mu.Lock()
	fail := s.failRefresh
	wait := s.refreshWait
	gen := s.generation
	s.mu.Unlock()
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-r.Context().Done():
			return
		}
	}
	if fail {
		s.writeUnauthorized(w, "Refresh token expired")
		return
	}
	cookie, err := r.Cookie(RefreshCookie)
	if err != nil {
		s.writeUnauthorized(w, "Refresh token missing")
		return
	}
	subject, err := s.verify(cookie.Value, kindRefresh, false)
	if err != nil {
		s.writeUnauthorized(w, "Refresh token invalid")
		return
	}
	access, err := s.sign(subject, kindAccess, gen, s.accessTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, api.RefreshResponse{AccessToken: access})
}

func (s *Server) logout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	subject, _ := r.Context().Value(subjectKey{}).(string)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.profile.ID == subject {
			writeJSON(w, http.StatusOK, api.ProfileResponse{Data: u.profile})
			return
		}
	}
	writeError(w, http.StatusNotFound, "User not found")
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (Document, bool) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	doc, ok := s.docs[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Document not found")
	}
	return doc, ok
}

func (s *Server) document(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, api.DocumentResponse{
		Data: api.DocumentData{
			Document: api.Document{
				ID:              doc.ID,
				Title:           doc.Title,
				Author:          doc.Author,
				TotalPages:      doc.Pages,
				TotalCopies:     1,
				AvailableCopies: 1,
				CopyrightStatus: api.CopyrightPublicDomain,
			},
			HasAccess: doc.HasAccess,
		},
	})
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeMasked(w, mask.Encode(s.PagePNG(doc.ID, 0), s.maskKey))
}

func (s *Server) page(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.lookup(w, r)
	if !ok {
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || n < 1 || n > doc.Pages {
		writeError(w, http.StatusNotFound, "Page not found")
		return
	}
	if !doc.HasAccess {
		writeError(w, http.StatusForbidden, "You do not have access to this document")
		return
	}
	key := pageKey{doc.ID, n}
	s.pageRequests.Add(1)
	s.mu.Lock()
	s.hits[key]++
	delay := s.pageDelay
	gate := s.gate
	corrupt := s.corrupt[key]
	failStatus := s.failing[key]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate.ch:
		case <-r.Context().Done():
			return
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if failStatus != 0 {
		writeError(w, failStatus, "Page unavailable")
		return
	}
	if corrupt {
		writeMasked(w, []byte("definitely not an image"))
		return
	}
	writeMasked(w, mask.Encode(s.PagePNG(doc.ID, n), s.maskKey))
}

func (s *Server) writeUnauthorized(w http.ResponseWriter, msg string) {
	s.unauthorized.Add(1)
	writeError(w, http.StatusUnauthorized, msg)
}

func writeMasked(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
