// Package session manages the access/refresh token pair and the rolling
// session window.
//
// A session stays valid for SessionWindow after login regardless of the
// access token's own lifetime, so a cashier working offline is not logged
// out when a short-lived token lapses. The window is enforced on this
// device only; the server still rejects stale access tokens.
//
// Refresh is single-flight: concurrent requests that hit an auth rejection
// share one refresh call and all retry with its result.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// SessionWindow is how long a login stays valid, measured from login time.
const SessionWindow = 7 * 24 * time.Hour

// refreshTimeout bounds a shared token refresh once it no longer follows
// the caller that started it.
const refreshTimeout = 30 * time.Second

// Credential store keys.
const (
	keyTokens = "auth_tokens"
	keyUser   = "user_data"
)

var (
	// ErrNotAuthenticated means no session is stored.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrSessionExpired means the rolling window elapsed; the stored
	// credentials have been wiped and the user must log in again.
	ErrSessionExpired = errors.New("session expired")

	// ErrRefreshFailed means a refresh failed inside the window. Tokens are
	// kept so a later refresh can recover without a new login.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// Tokens is the persisted token state.
type Tokens struct {
	Access         string     `json:"access"`
	Refresh        string     `json:"refresh"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	LoginTimestamp time.Time  `json:"loginTimestamp"`
	LastRefresh    time.Time  `json:"lastRefresh"`
}

// User is the cached profile of the logged-in salesperson.
type User struct {
	ID        string `json:"user_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Username  string `json:"username,omitempty"`
	StoreID   string `json:"store_id,omitempty"`
	StoreName string `json:"store_name,omitempty"`
	Role      string `json:"role"`
}

// DisplayName returns the name printed on invoices.
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

// IsOwner reports whether the user may edit the catalog.
func (u User) IsOwner() bool {
	return u.Role == "owner"
}

// TokenPair is what the server returns from login and refresh.
type TokenPair struct {
	Access  string
	Refresh string
	// ExpiresIn is the access token lifetime, zero when unknown.
	ExpiresIn time.Duration
}

func expiry(now time.Time, pair TokenPair) *time.Time {
	if pair.ExpiresIn <= 0 {
		return nil
	}
	t := now.Add(pair.ExpiresIn)
	return &t
}

// Authenticator is the part of the remote API the manager needs.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (User, TokenPair, error)
	RefreshToken(ctx context.Context, refresh string) (TokenPair, error)
}

// Manager owns the session state. It is safe for concurrent use.
type Manager struct {
	store  CredentialStore
	auth   Authenticator
	logger *log.Logger
	now    func() time.Time
	window time.Duration

	mu     sync.RWMutex
	tokens *Tokens
	user   *User

	refreshGroup singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithWindow overrides SessionWindow.
func WithWindow(d time.Duration) Option {
	return func(m *Manager) { m.window = d }
}

// NewManager creates a Manager. Call Load to restore a stored session.
func NewManager(store CredentialStore, auth Authenticator, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		auth:   auth,
		logger: log.New(os.Stderr, "[session] ", log.LstdFlags),
		now:    time.Now,
		window: SessionWindow,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Login authenticates and persists a new session.
func (m *Manager) Login(ctx context.Context, email, password string) (*User, error) {
	user, pair, err := m.auth.Authenticate(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	now := m.now()
	tokens := &Tokens{
		Access:         pair.Access,
		Refresh:        pair.Refresh,
		ExpiresAt:      expiry(now, pair),
		LoginTimestamp: now,
		LastRefresh:    now,
	}
	if err := m.persist(tokens, &user); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.tokens = tokens
	m.user = &user
	m.mu.Unlock()

	m.logger.Printf("Logged in as %s", user.Email)
	return &user, nil
}

// Load restores the stored session. Missing tokens or user data, or an
// elapsed window, wipe the store.
func (m *Manager) Load(ctx context.Context) error {
	var (
		tokens Tokens
		user   User
	)
	if err := m.read(keyTokens, &tokens); err != nil {
		m.wipe()
		return err
	}
	if err := m.read(keyUser, &user); err != nil {
		m.wipe()
		return err
	}

	if m.expired(&tokens) {
		m.logger.Printf("Session for %s expired (login %s)", user.Email, tokens.LoginTimestamp.Format(time.RFC3339))
		m.wipe()
		return ErrSessionExpired
	}

	m.mu.Lock()
	m.tokens = &tokens
	m.user = &user
	m.mu.Unlock()
	return nil
}

func (m *Manager) read(key string, dst interface{}) error {
	raw, err := m.store.Get(key)
	if errors.Is(err, ErrNotFound) {
		return ErrNotAuthenticated
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (m *Manager) persist(tokens *Tokens, user *User) error {
	raw, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}
	if err := m.store.Put(keyTokens, raw); err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}
	if user == nil {
		return nil
	}
	raw, err = json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}
	if err := m.store.Put(keyUser, raw); err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}
	return nil
}

// wipe clears memory and the credential store.
func (m *Manager) wipe() {
	m.mu.Lock()
	m.tokens = nil
	m.user = nil
	m.mu.Unlock()

	for _, key := range []string{keyTokens, keyUser} {
		if err := m.store.Delete(key); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Printf("WARNING: failed to delete %s: %v", key, err)
		}
	}
}

func (m *Manager) expired(t *Tokens) bool {
	return m.now().Sub(t.LoginTimestamp) > m.window
}

// EnsureSession loads the session if needed and checks the window.
func (m *Manager) EnsureSession(ctx context.Context) error {
	m.mu.RLock()
	tokens := m.tokens
	m.mu.RUnlock()

	if tokens == nil {
		return m.Load(ctx)
	}
	if m.expired(tokens) {
		m.wipe()
		return ErrSessionExpired
	}
	return nil
}

// IsAuthenticated reports whether a valid session exists.
func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	return m.EnsureSession(ctx) == nil
}

// AccessToken returns the current access token.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	if err := m.EnsureSession(ctx); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tokens == nil {
		return "", ErrNotAuthenticated
	}
	return m.tokens.Access, nil
}

// Refresh obtains a new access token after stale was rejected.
//
// If stale has already been replaced by another caller's refresh, the
// current token is returned without a new request. Concurrent callers share
// one in-flight refresh; a caller whose ctx ends stops waiting but the
// refresh itself runs on for the others, bounded by refreshTimeout.
func (m *Manager) Refresh(ctx context.Context, stale string) (string, error) {
	m.mu.RLock()
	tokens := m.tokens
	m.mu.RUnlock()
	if tokens == nil {
		return "", ErrNotAuthenticated
	}
	if stale != "" && tokens.Access != stale {
		return tokens.Access, nil
	}

	ch := m.refreshGroup.DoChan("refresh", func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.doRefresh(rctx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	m.mu.RLock()
	var current Tokens
	if m.tokens != nil {
		current = *m.tokens
	}
	m.mu.RUnlock()
	if current.Refresh == "" {
		return "", ErrNotAuthenticated
	}

	pair, err := m.auth.RefreshToken(ctx, current.Refresh)
	if err != nil {
		if m.expired(&current) {
			m.logger.Printf("Refresh failed after session window, logging out: %v", err)
			m.wipe()
			return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		m.logger.Printf("WARNING: refresh failed, keeping tokens until %s: %v",
			current.LoginTimestamp.Add(m.window).Format(time.RFC3339), err)
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	current.Access = pair.Access
	if pair.Refresh != "" {
		current.Refresh = pair.Refresh
	}
	current.LastRefresh = m.now()
	current.ExpiresAt = expiry(current.LastRefresh, pair)

	if err := m.persist(&current, nil); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.tokens = &current
	m.mu.Unlock()
	return current.Access, nil
}

// Logout wipes the stored session.
func (m *Manager) Logout(ctx context.Context) error {
	m.wipe()
	m.logger.Println("Logged out")
	return nil
}

// User returns the logged-in user, or nil.
func (m *Manager) User() *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// Snapshot returns a copy of the token state, or nil.
func (m *Manager) Snapshot() *Tokens {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tokens == nil {
		return nil
	}
	t := *m.tokens
	return &t
}

// ExpiresAt returns the end of the session window.
func (m *Manager) ExpiresAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tokens == nil {
		return time.Time{}
	}
	return m.tokens.LoginTimestamp.Add(m.window)
}
