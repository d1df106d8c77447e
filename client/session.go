package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/folio/internal/svcfields"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	// SessionAnonymous holds no access token.
	SessionAnonymous SessionState = iota
	// SessionAuthenticated holds a token believed to be valid.
	SessionAuthenticated
	// SessionRenewing has exactly one renewal in flight.
	SessionRenewing
)

func (s SessionState) String() string {
	switch s {
	case SessionAnonymous:
		return "anonymous"
	case SessionAuthenticated:
		return "authenticated"
	case SessionRenewing:
		return "renewing"
	default:
		return "unknown"
	}
}

// DefaultRenewTimeout bounds a single renewal round-trip.
const DefaultRenewTimeout = 30 * time.Second

// Renewer exchanges the refresh credential for a fresh access token.
type Renewer func(ctx context.Context) (string, error)

type renewal struct {
	done  chan struct{}
	token string
	err   error
}

// Session owns the access token and coordinates its renewal. However many
// requests observe an expired token at the same time, at most one renewal is
// in flight and every waiter receives its outcome.
type Session struct {
	mu        sync.Mutex
	token     string
	state     SessionState
	epoch     uint64
	inflight  *renewal
	renewer   Renewer
	store     TokenStore
	timeout   time.Duration
	logger    pslog.Base
	metrics   *clientMetrics
	listeners map[uint64]func(error)
	nextID    uint64
}

// SessionOption customises a Session.
type SessionOption func(*Session)

// WithRenewer sets the function used to obtain a new access token. Clients
// install their refresh call when the session has none.
func WithRenewer(fn Renewer) SessionOption {
	return func(s *Session) {
		s.renewer = fn
	}
}

// WithSessionStore persists the token through store.
func WithSessionStore(store TokenStore) SessionOption {
	return func(s *Session) {
		if store != nil {
			s.store = store
		}
	}
}

// WithRenewTimeout bounds each renewal. Non-positive values keep the default.
func WithRenewTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSessionLogger supplies a logger for session diagnostics.
func WithSessionLogger(logger pslog.Base) SessionOption {
	return func(s *Session) {
		s.logger = svcfields.EnsureBase(logger, svcfields.ClientSession)
	}
}

// NewSession returns an anonymous session. Call Restore to pick up a token
// persisted by an earlier run.
func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		store:     &MemoryTokenStore{},
		timeout:   DefaultRenewTimeout,
		logger:    pslog.NoopLogger(),
		listeners: make(map[uint64]func(error)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.metrics = newClientMetrics(s.logger)
	return s
}

// Restore loads the persisted token, if any, and marks the session
// authenticated. The token is not validated; the first request does that.
func (s *Session) Restore() error {
	token, err := s.store.Load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionRenewing {
		return nil
	}
	s.setTokenLocked(token)
	if token != "" {
		s.logger.Debug("client.session.restored")
	}
	return nil
}

// CurrentToken returns the token currently held, or "" when anonymous. It
// never blocks on a renewal.
func (s *Session) CurrentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// State reports the session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Login installs token as the current credential and persists it. A renewal
// still in flight is superseded.
func (s *Session) Login(token string) error {
	if token == "" {
		return errors.New("folio: empty access token")
	}
	s.mu.Lock()
	s.epoch++
	s.setTokenLocked(token)
	s.mu.Unlock()
	s.logger.Info("client.session.login")
	return s.store.Save(token)
}

// Logout drops the credential and clears the store.
func (s *Session) Logout() error {
	s.mu.Lock()
	s.epoch++
	s.setTokenLocked("")
	s.mu.Unlock()
	s.logger.Info("client.session.logout")
	return s.store.Clear()
}

// Expire clears the session after the server rejected a freshly renewed
// token and notifies OnExpire listeners with cause.
func (s *Session) Expire(cause error) {
	s.mu.Lock()
	s.epoch++
	s.setTokenLocked("")
	listeners := s.listenersLocked()
	s.mu.Unlock()
	s.finishExpiry(cause, listeners)
}

// OnExpire registers fn to be called whenever the session is lost and the
// user has to authenticate again. The returned function unregisters fn.
func (s *Session) OnExpire(fn func(error)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// EnsureFreshToken returns the current token, waiting for an in-flight
// renewal when there is one. An anonymous session fails with an error that
// matches both ErrSessionExpired and ErrNotAuthenticated.
func (s *Session) EnsureFreshToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	switch s.state {
	case SessionAuthenticated:
		token := s.token
		s.mu.Unlock()
		return token, nil
	case SessionRenewing:
		r := s.inflight
		s.mu.Unlock()
		return r.wait(ctx)
	default:
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %w", ErrSessionExpired, ErrNotAuthenticated)
	}
}

// Renew obtains a token newer than stale. When another caller already
// replaced stale the current token is returned immediately, and when the
// session dropped stale without a replacement ErrSessionExpired is returned.
// When a renewal is in flight the caller joins it. Otherwise a renewal is
// started.
//
// The renewal itself is detached from ctx so one caller giving up does not
// fail the others; ctx only bounds how long this caller waits.
func (s *Session) Renew(ctx context.Context, stale string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.token != stale {
		switch s.state {
		case SessionAuthenticated:
			token := s.token
			s.mu.Unlock()
			return token, nil
		case SessionAnonymous:
			// the credential was dropped after the caller used it
			s.mu.Unlock()
			return "", fmt.Errorf("%w: credential discarded", ErrSessionExpired)
		}
	}
	r := s.inflight
	if r == nil {
		if s.renewer == nil {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: no renewer configured", ErrSessionExpired)
		}
		r = &renewal{done: make(chan struct{})}
		s.inflight = r
		s.state = SessionRenewing
		go s.runRenewal(context.WithoutCancel(ctx), r, s.epoch, s.renewer)
	} else {
		s.logger.Trace("client.session.renew.join")
	}
	s.mu.Unlock()
	return r.wait(ctx)
}

func (s *Session) runRenewal(ctx context.Context, r *renewal, epoch uint64, renew Renewer) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	s.logger.Debug("client.session.renew.start")
	token, err := renew(ctx)
	if err == nil && token == "" {
		err = errors.New("folio: refresh returned an empty access token")
	}
	s.metrics.recordRenewal(ctx, err == nil)

	s.mu.Lock()
	s.inflight = nil
	var listeners []func(error)
	switch {
	case epoch != s.epoch:
		// login or logout happened meanwhile; their state wins
		r.token = s.token
		if r.token == "" {
			r.err = fmt.Errorf("%w: session ended during renewal", ErrSessionExpired)
		}
		err = nil
	case err != nil:
		s.epoch++
		s.setTokenLocked("")
		r.err = fmt.Errorf("%w: %w", ErrSessionExpired, err)
		listeners = s.listenersLocked()
	default:
		s.setTokenLocked(token)
		r.token = token
	}
	s.mu.Unlock()
	close(r.done)

	if err != nil {
		s.logger.Warn("client.session.renew.failed", "error", err, "elapsed", time.Since(start))
		s.finishExpiry(r.err, listeners)
		return
	}
	if r.err == nil && epoch == s.currentEpoch() {
		s.logger.Debug("client.session.renew.success", "elapsed", time.Since(start))
		if saveErr := s.store.Save(token); saveErr != nil {
			s.logger.Warn("client.session.store.save_failed", "error", saveErr)
		}
	}
}

// Follow keeps the session in sync with a store that other processes may
// change, such as a token file shared between CLI invocations. It returns
// immediately when the store cannot be watched and otherwise runs until ctx
// is cancelled.
func (s *Session) Follow(ctx context.Context) error {
	watcher, ok := s.store.(TokenWatcher)
	if !ok {
		return nil
	}
	sub, err := watcher.Watch()
	if err != nil {
		return err
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub.Events():
			if !ok {
				return nil
			}
			s.reload()
		}
	}
}

func (s *Session) reload() {
	token, err := s.store.Load()
	if err != nil {
		s.logger.Warn("client.session.store.load_failed", "error", err)
		return
	}
	s.mu.Lock()
	if s.state == SessionRenewing || token == s.token {
		s.mu.Unlock()
		return
	}
	s.epoch++
	s.setTokenLocked(token)
	s.mu.Unlock()
	s.logger.Debug("client.session.store.changed", "authenticated", token != "")
}

func (s *Session) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Session) setTokenLocked(token string) {
	s.token = token
	if token == "" {
		s.state = SessionAnonymous
		return
	}
	s.state = SessionAuthenticated
}

func (s *Session) listenersLocked() []func(error) {
	out := make([]func(error), 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}

func (s *Session) finishExpiry(cause error, listeners []func(error)) {
	if cause == nil {
		cause = ErrSessionExpired
	}
	if err := s.store.Clear(); err != nil {
		s.logger.Warn("client.session.store.clear_failed", "error", err)
	}
	for _, fn := range listeners {
		fn(cause)
	}
}

func (r *renewal) wait(ctx context.Context) (string, error) {
	select {
	case <-r.done:
		return r.token, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Session) installRenewer(fn Renewer) {
	s.mu.Lock()
	if s.renewer == nil {
		s.renewer = fn
	}
	s.mu.Unlock()
}
