package auth

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/marketloop/providerkit/internal/provider"
	"github.com/marketloop/providerkit/internal/securestore"
	"github.com/marketloop/providerkit/pkg/logger"
)

// Manager owns the authenticated-session state machine:
//
//	Loading -> {Authenticated, Unauthenticated}
//	Authenticated -> Refreshing -> {Authenticated, Unauthenticated}
//	any -> Unauthenticated on Logout
//
// All mutable state lives on the instance; Initialize and Dispose bound its
// lifetime. At most one refresh timer is armed at any time.
type Manager struct {
	backend Backend
	store   securestore.Store
	cfg     Config
	log     *logger.Logger

	mu       sync.Mutex
	status   Status
	session  *Session
	timer    *time.Timer
	ready    bool
	disposed bool

	listeners provider.Listeners[*User]

	// afterFunc is swapped in tests to observe scheduled delays.
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewManager creates a session manager. It is inert until Initialize.
func NewManager(backend Backend, store securestore.Store, cfg Config, log *logger.Logger) *Manager {
	if cfg.SafetyMargin == 0 {
		cfg.SafetyMargin = 300 * time.Second
	}
	if cfg.MinRefreshDelay == 0 {
		cfg.MinRefreshDelay = 60 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Manager{
		backend:   backend,
		store:     store,
		cfg:       cfg,
		log:       log,
		status:    StatusLoading,
		afterFunc: time.AfterFunc,
	}
}

// Initialize loads any persisted session, validates it against the backend,
// falls back to one refresh attempt when validation fails, and otherwise
// clears the stale session. It always ends with the manager ready and the
// current state replayed to listeners.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	m.status = StatusLoading
	m.disposed = false
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.ready = true
		user := m.currentUserLocked()
		m.mu.Unlock()
		m.listeners.Notify(user)
	}()

	access, err := m.store.Get(ctx, KeyAccessToken)
	if err != nil {
		// Absence of the access-token key is the sole "no session" signal.
		m.setUnauthenticated()
		return nil
	}

	session := &Session{Tokens: Tokens{Access: string(access)}}
	if refresh, err := m.store.Get(ctx, KeyRefreshToken); err == nil {
		session.Tokens.Refresh = string(refresh)
	}
	if rawUser, err := m.store.Get(ctx, KeyUserProfile); err == nil {
		var user User
		if json.Unmarshal(rawUser, &user) == nil {
			session.User = &user
		}
	}

	user, err := m.backend.GetCurrentUser(ctx, session.Tokens.Access)
	if err == nil {
		session.User = user
		session.Tokens.ExpiresIn = expiryFromJWT(session.Tokens.Access)
		m.adopt(ctx, session)
		m.log.WithField("user_id", user.ID).Info("session restored")
		return nil
	}

	// Stored token no longer valid; one refresh attempt before giving up.
	if session.Tokens.Refresh != "" {
		if refreshErr := m.refreshWith(ctx, session.Tokens.Refresh); refreshErr == nil {
			m.log.Info("session restored via refresh")
			return nil
		}
	}

	m.clearPersisted(ctx)
	m.setUnauthenticated()
	m.log.WithError(err).Info("persisted session invalid, cleared")
	return nil
}

// IsReady reports whether Initialize has completed since construction or
// the last Dispose.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Dispose cancels the refresh timer, destroys the in-memory session, and
// marks the manager not ready. Persisted tokens stay so the next
// Initialize can restore the session. It is idempotent and never fails.
func (m *Manager) Dispose() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelTimerLocked()
	m.session = nil
	m.status = StatusUnauthenticated
	m.ready = false
	m.disposed = true
	return nil
}

// Login authenticates with credentials. On failure the prior session state
// is left untouched.
func (m *Manager) Login(ctx context.Context, creds Credentials) (*Session, error) {
	raw, err := m.backend.Login(ctx, creds)
	if err != nil {
		return nil, err
	}
	return m.adoptRaw(ctx, raw)
}

// Register creates an account and adopts the returned session.
func (m *Manager) Register(ctx context.Context, reg Registration) (*Session, error) {
	raw, err := m.backend.Register(ctx, reg)
	if err != nil {
		return nil, err
	}
	return m.adoptRaw(ctx, raw)
}

// SocialLogin authenticates with a third-party identity. Backends without
// the capability return NOT_SUPPORTED.
func (m *Manager) SocialLogin(ctx context.Context, creds SocialCredentials) (*Session, error) {
	raw, err := m.backend.SocialLogin(ctx, creds)
	if err != nil {
		return nil, err
	}
	return m.adoptRaw(ctx, raw)
}

// RefreshToken exchanges the refresh token for new tokens. A missing
// refresh token fails locally with NO_REFRESH_TOKEN; a backend failure is
// fatal for the session and forces Logout.
func (m *Manager) RefreshToken(ctx context.Context) error {
	m.mu.Lock()
	var refresh string
	if m.session != nil {
		refresh = m.session.Tokens.Refresh
	}
	m.mu.Unlock()

	if refresh == "" {
		return provider.NewError(provider.CodeNoRefreshToken, "no refresh token available")
	}

	if err := m.refreshWith(ctx, refresh); err != nil {
		m.log.WithError(err).Warn("token refresh failed, logging out")
		_ = m.Logout(ctx)
		return err
	}
	return nil
}

func (m *Manager) refreshWith(ctx context.Context, refresh string) error {
	raw, err := m.backend.RefreshToken(ctx, refresh)
	if err != nil {
		return err
	}

	session, err := normalizeSession(raw)
	if err != nil {
		return err
	}
	// Refresh responses may omit the user; keep the one we have. Some also
	// omit a rotated refresh token, meaning the old one stays valid.
	m.mu.Lock()
	if session.User == nil && m.session != nil {
		session.User = m.session.User
	}
	if session.Tokens.Refresh == "" {
		session.Tokens.Refresh = refresh
	}
	m.mu.Unlock()

	m.adopt(ctx, session)
	return nil
}

// Logout invalidates the session remotely on a best-effort basis, then
// unconditionally clears local and persisted state and notifies listeners.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	var access string
	if m.session != nil {
		access = m.session.Tokens.Access
	}
	m.mu.Unlock()

	if access != "" {
		if err := m.backend.Logout(ctx, access); err != nil {
			m.log.WithError(err).Debug("remote logout failed, clearing locally anyway")
		}
	}

	m.mu.Lock()
	m.cancelTimerLocked()
	m.session = nil
	m.status = StatusUnauthenticated
	m.mu.Unlock()

	m.clearPersisted(ctx)
	m.listeners.Notify(nil)
	return nil
}

// OnAuthStateChange registers a listener and synchronously invokes it once
// with the current user (or nil) before returning.
func (m *Manager) OnAuthStateChange(fn func(*User)) provider.Unsubscribe {
	m.mu.Lock()
	current := m.currentUserLocked()
	m.mu.Unlock()
	return m.listeners.AddWithReplay(fn, current)
}

// AuthStatus returns the current state. It never blocks.
func (m *Manager) AuthStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsAuthenticated reports whether a session is active. It never blocks.
func (m *Manager) IsAuthenticated() bool {
	return m.AuthStatus() == StatusAuthenticated
}

// CurrentUser returns the authenticated user, or nil.
func (m *Manager) CurrentUser() *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentUserLocked()
}

// AccessToken returns the current access token, or empty.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.Tokens.Access
}

// RequestPasswordReset asks the backend to start a password reset.
func (m *Manager) RequestPasswordReset(ctx context.Context, email string) error {
	return m.backend.RequestPasswordReset(ctx, email)
}

// RequestEmailVerification asks the backend to re-send verification mail.
func (m *Manager) RequestEmailVerification(ctx context.Context, email string) error {
	return m.backend.RequestEmailVerification(ctx, email)
}

func (m *Manager) adoptRaw(ctx context.Context, raw []byte) (*Session, error) {
	session, err := normalizeSession(raw)
	if err != nil {
		return nil, provider.WrapError(provider.CodeAPIError, "malformed auth response", err)
	}
	m.adopt(ctx, session)
	return session, nil
}

// adopt atomically installs a session: state, persistence, refresh
// scheduling, listener notification. The most recent successful response
// always wins; overlapping auth calls are not coalesced.
func (m *Manager) adopt(ctx context.Context, session *Session) {
	m.mu.Lock()
	m.session = session
	m.status = StatusAuthenticated
	m.scheduleRefreshLocked(session.Tokens.ExpiresIn)
	user := session.User
	m.mu.Unlock()

	m.persist(ctx, session)
	m.listeners.Notify(user)
}

// scheduleRefreshLocked arms exactly one timer:
// delay = max(expiresIn - SafetyMargin, MinRefreshDelay). Arming cancels
// any previously armed timer first.
func (m *Manager) scheduleRefreshLocked(expiresIn int64) {
	m.cancelTimerLocked()
	if expiresIn <= 0 || m.disposed {
		return
	}

	delay := time.Duration(expiresIn)*time.Second - m.cfg.SafetyMargin
	if delay < m.cfg.MinRefreshDelay {
		delay = m.cfg.MinRefreshDelay
	}

	m.timer = m.afterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.RefreshToken(ctx); err != nil {
			m.log.WithError(err).Warn("scheduled refresh failed")
		}
	})
	m.log.WithField("delay", delay.String()).Debug("refresh scheduled")
}

func (m *Manager) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setUnauthenticated() {
	m.mu.Lock()
	m.cancelTimerLocked()
	m.session = nil
	m.status = StatusUnauthenticated
	m.mu.Unlock()
}

func (m *Manager) currentUserLocked() *User {
	if m.status != StatusAuthenticated || m.session == nil {
		return nil
	}
	return m.session.User
}

func (m *Manager) persist(ctx context.Context, session *Session) {
	if err := m.store.Set(ctx, KeyAccessToken, []byte(session.Tokens.Access)); err != nil {
		m.log.WithError(err).Warn("persist access token")
	}
	if session.Tokens.Refresh != "" {
		if err := m.store.Set(ctx, KeyRefreshToken, []byte(session.Tokens.Refresh)); err != nil {
			m.log.WithError(err).Warn("persist refresh token")
		}
	}
	if session.User != nil {
		if raw, err := json.Marshal(session.User); err == nil {
			if err := m.store.Set(ctx, KeyUserProfile, raw); err != nil {
				m.log.WithError(err).Warn("persist user profile")
			}
		}
	}
}

func (m *Manager) clearPersisted(ctx context.Context) {
	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyUserProfile} {
		if err := m.store.Delete(ctx, key); err != nil {
			m.log.WithError(err).WithField("key", key).Warn("clear persisted session")
		}
	}
}
