// Package session owns the shared browser session: cookie lifecycle, login
// single-flight, and the exclusive lock that serializes every interaction
// with the automation backend.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"xhs-toolkit/internal/cookiestore"
)

// Login action and mode labels surfaced to callers.
const (
	ActionAutoLogin = "mcp_auto_login"
	ActionSkipped   = "skipped"
	ActionQuickSkip = "quick_skip"

	ModeAuto  = "mcp_auto"
	ModeQuick = "mcp_quick"

	StatusValid   = "valid"
	StatusInvalid = "invalid"
)

// ErrLoginFailed wraps backend login failures.
var ErrLoginFailed = errors.New("login failed")

// Backend is the slice of the automation backend the session manager needs.
type Backend interface {
	// Login drives a full interactive login and returns the resulting
	// cookie jar.
	Login(ctx context.Context) (cookiestore.Jar, error)
	// CheckSession verifies whether the jar still represents a logged-in
	// session on the remote side.
	CheckSession(ctx context.Context, jar cookiestore.Jar) (bool, error)
}

// LoginOptions controls a login attempt.
type LoginOptions struct {
	ForceRelogin bool
	QuickMode    bool
}

// LoginOutcome reports what a login attempt did.
type LoginOutcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Action  string `json:"action"`
	Status  string `json:"status"`
	Mode    string `json:"mode"`
}

// State is a read-only snapshot of the cached session.
type State struct {
	LoggedIn       bool       `json:"logged_in"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
}

// Manager guards the single browser session. All backend interaction in the
// process funnels through its lock, and concurrent login requests collapse
// into one in-flight attempt.
type Manager struct {
	backend Backend
	store   cookiestore.Store
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger

	lock chan struct{}

	mu             sync.Mutex
	loggedIn       bool
	lastVerifiedAt time.Time
	jar            cookiestore.Jar

	flightMu sync.Mutex
	flight   *flight

	now func() time.Time
}

type flight struct {
	done    chan struct{}
	outcome LoginOutcome
	err     error
}

// Options configures a Manager.
type Options struct {
	Backend      Backend
	Store        cookiestore.Store
	SessionTTL   time.Duration
	LoginTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// NewManager constructs a session manager.
func NewManager(opts Options) *Manager {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 12 * time.Hour
	}
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		backend: opts.Backend,
		store:   opts.Store,
		ttl:     opts.SessionTTL,
		timeout: opts.LoginTimeout,
		logger:  opts.Logger,
		lock:    make(chan struct{}, 1),
		now:     opts.Now,
	}
}

// Acquire takes the exclusive session lock, blocking until it is free or the
// context ends. Every code path that talks to the automation backend must
// hold this lock.
func (m *Manager) Acquire(ctx context.Context) error {
	select {
	case m.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the session lock. It must pair with a successful Acquire.
func (m *Manager) Release() {
	select {
	case <-m.lock:
	default:
	}
}

// Snapshot returns the current cached session state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := State{LoggedIn: m.loggedIn, UserID: m.jar.UserID}
	if !m.lastVerifiedAt.IsZero() {
		verified := m.lastVerifiedAt
		st.LastVerifiedAt = &verified
	}
	return st
}

// Login ensures a usable session per the requested options. Concurrent
// callers while an attempt is in flight all receive that attempt's outcome.
// Login acquires the session lock itself; callers must not hold it.
func (m *Manager) Login(ctx context.Context, opts LoginOptions) (LoginOutcome, error) {
	m.flightMu.Lock()
	if f := m.flight; f != nil {
		m.flightMu.Unlock()
		select {
		case <-f.done:
			return f.outcome, f.err
		case <-ctx.Done():
			return LoginOutcome{}, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	m.flight = f
	m.flightMu.Unlock()

	f.outcome, f.err = m.login(ctx, opts)
	close(f.done)

	m.flightMu.Lock()
	m.flight = nil
	m.flightMu.Unlock()
	return f.outcome, f.err
}

func (m *Manager) login(ctx context.Context, opts LoginOptions) (LoginOutcome, error) {
	mode := ModeAuto
	if opts.QuickMode {
		mode = ModeQuick
	}

	if opts.ForceRelogin {
		m.reset(ctx)
	} else {
		if outcome, ok := m.trySkip(ctx, opts, mode); ok {
			return outcome, nil
		}
	}

	if err := m.Acquire(ctx); err != nil {
		return LoginOutcome{}, err
	}
	defer m.Release()

	// Revalidate under the lock: another holder may have logged in while
	// we waited.
	if !opts.ForceRelogin && m.validCached() {
		return LoginOutcome{
			Success: true,
			Message: "session already valid",
			Action:  ActionSkipped,
			Status:  StatusValid,
			Mode:    mode,
		}, nil
	}

	loginCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	jar, err := m.backend.Login(loginCtx)
	if err != nil {
		m.logger.Error("login failed", "mode", mode, "error", err)
		return LoginOutcome{
			Success: false,
			Message: err.Error(),
			Action:  ActionAutoLogin,
			Status:  StatusInvalid,
			Mode:    mode,
		}, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	jar.SavedAt = m.now()
	if m.store != nil {
		if err := m.store.Save(ctx, jar); err != nil {
			m.logger.Warn("cookie persistence failed", "error", err)
		}
	}

	m.mu.Lock()
	m.jar = jar
	m.loggedIn = true
	m.lastVerifiedAt = m.now()
	m.mu.Unlock()

	m.logger.Info("login completed", "mode", mode, "cookies", len(jar.Cookies))
	return LoginOutcome{
		Success: true,
		Message: "login completed",
		Action:  ActionAutoLogin,
		Status:  StatusValid,
		Mode:    mode,
	}, nil
}

// trySkip resolves the no-remote-interaction fast paths. Quick mode trusts
// any unexpired persisted jar without a round trip; default mode only skips
// when the in-memory session was verified within the TTL.
func (m *Manager) trySkip(ctx context.Context, opts LoginOptions, mode string) (LoginOutcome, bool) {
	if m.validCached() {
		action := ActionSkipped
		if opts.QuickMode {
			action = ActionQuickSkip
		}
		return LoginOutcome{
			Success: true,
			Message: "session already valid",
			Action:  action,
			Status:  StatusValid,
			Mode:    mode,
		}, true
	}

	if !opts.QuickMode || m.store == nil {
		return LoginOutcome{}, false
	}
	jar, found, err := m.store.Load(ctx)
	if err != nil || !found || jar.Empty() {
		return LoginOutcome{}, false
	}
	if jar.Age(m.now()) > m.ttl {
		return LoginOutcome{}, false
	}

	m.mu.Lock()
	m.jar = jar
	m.loggedIn = true
	m.lastVerifiedAt = jar.SavedAt
	m.mu.Unlock()

	return LoginOutcome{
		Success: true,
		Message: "persisted session accepted without verification",
		Action:  ActionQuickSkip,
		Status:  StatusValid,
		Mode:    mode,
	}, true
}

func (m *Manager) validCached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loggedIn && m.now().Sub(m.lastVerifiedAt) <= m.ttl
}

func (m *Manager) reset(ctx context.Context) {
	m.mu.Lock()
	m.loggedIn = false
	m.lastVerifiedAt = time.Time{}
	m.jar = cookiestore.Jar{}
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.Remove(ctx); err != nil {
			m.logger.Warn("cookie removal failed", "error", err)
		}
	}
}

// EnsureSession makes sure a valid session backs upcoming backend work. The
// caller must already hold the session lock; this is the path the publish
// worker uses between Acquire and its upload sequence.
func (m *Manager) EnsureSession(ctx context.Context) error {
	if m.validCached() {
		return nil
	}

	// Fall back to the persisted jar, verifying it against the backend
	// since we cannot know how stale it is.
	if m.store != nil {
		jar, found, err := m.store.Load(ctx)
		if err == nil && found && !jar.Empty() {
			ok, checkErr := m.backend.CheckSession(ctx, jar)
			if checkErr == nil && ok {
				m.mu.Lock()
				m.jar = jar
				m.loggedIn = true
				m.lastVerifiedAt = m.now()
				m.mu.Unlock()
				return nil
			}
		}
	}

	loginCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	jar, err := m.backend.Login(loginCtx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	jar.SavedAt = m.now()
	if m.store != nil {
		if err := m.store.Save(ctx, jar); err != nil {
			m.logger.Warn("cookie persistence failed", "error", err)
		}
	}
	m.mu.Lock()
	m.jar = jar
	m.loggedIn = true
	m.lastVerifiedAt = m.now()
	m.mu.Unlock()
	return nil
}

// Jar returns a copy of the current cookie jar.
func (m *Manager) Jar() cookiestore.Jar {
	m.mu.Lock()
	defer m.mu.Unlock()
	jar := m.jar
	jar.Cookies = append([]cookiestore.Cookie(nil), m.jar.Cookies...)
	return jar
}

// Invalidate drops the in-memory session so the next caller re-verifies.
// Used after backend errors that look like an expired login.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.loggedIn = false
	m.lastVerifiedAt = time.Time{}
	m.mu.Unlock()
}
