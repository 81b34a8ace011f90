// Package session owns the login/logout/refresh lifecycle and is the single
// source of truth for "who is logged in". It is the only writer of the token
// store; every other component observes it.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"socialclient/domain"
	"socialclient/infrastructure/persistence"
	"socialclient/infrastructure/transport"
	apperrors "socialclient/pkg/errors"
)

// State is the session lifecycle state.
type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateRefreshPending State = "refresh_pending"
)

// LoginResult is returned by a successful login.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	User         domain.UserRecord
}

// tokenPair mirrors the auth collaborator's login response.
type tokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Manager keeps the session alive without user-visible interruption.
type Manager struct {
	pipeline *transport.Pipeline
	store    persistence.TokenStore
	logger   *zap.Logger

	mu              sync.RWMutex
	refreshInterval time.Duration
	state           State
	user            *domain.UserRecord
	onChange        []func(State)

	// All concurrent refresh callers share one in-flight exchange; a
	// second caller awaits the first's result rather than issuing a
	// duplicate that would race on refresh-token replay.
	flight singleflight.Group
}

// NewManager creates a session manager in the Anonymous state.
func NewManager(pipeline *transport.Pipeline, store persistence.TokenStore, refreshInterval time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		pipeline:        pipeline,
		store:           store,
		refreshInterval: refreshInterval,
		logger:          logger,
		state:           StateAnonymous,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CurrentUser returns the signed-in user, or nil when anonymous.
func (m *Manager) CurrentUser() *domain.UserRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// OnStateChange registers a callback invoked after every state transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Hydrate restores the session at boot. A cached user record is used
// immediately; with only an access token one /auth/me fetch is attempted.
// Every failure is silent, unauthenticated is simply the fallback.
func (m *Manager) Hydrate(ctx context.Context) {
	if user, err := m.store.User(); err == nil && user != nil {
		m.setAuthenticated(user)
		return
	}

	access, err := m.store.AccessToken()
	if err != nil || access == "" {
		return
	}

	if tokenExpired(access) {
		if _, err := m.Refresh(ctx); err != nil {
			return
		}
	}

	user, err := m.fetchMe(ctx)
	if err != nil {
		m.logger.Debug("Silent hydration failed", zap.Error(err))
		return
	}
	m.setAuthenticated(user)
}

// Login authenticates with the auth collaborator, stores both tokens, then
// fetches and normalizes the current user. Invalid credentials surface as an
// auth error carrying the server's message verbatim.
func (m *Manager) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	if identifier == "" || password == "" {
		return nil, apperrors.NewValidationError("identifier and password are required")
	}

	m.setState(StateAuthenticating)

	resp, err := m.pipeline.Post(ctx, "/auth/login", map[string]string{
		"identifier": identifier,
		"password":   password,
	})
	if err != nil {
		m.setState(StateAnonymous)
		return nil, err
	}

	var tokens tokenPair
	if err := transport.DecodeJSON(resp, &tokens); err != nil {
		m.setState(StateAnonymous)
		return nil, err
	}

	if err := m.store.SetTokens(tokens.Access, tokens.Refresh); err != nil {
		m.setState(StateAnonymous)
		return nil, err
	}

	user, err := m.fetchMe(ctx)
	if err != nil {
		// Half a session is worse than none: roll the stored tokens
		// back and report the failure.
		_ = m.store.Clear()
		m.setState(StateAnonymous)
		return nil, err
	}

	m.setAuthenticated(user)
	m.logger.Info("Logged in", zap.String("username", user.Username))

	return &LoginResult{
		AccessToken:  tokens.Access,
		RefreshToken: tokens.Refresh,
		User:         *user,
	}, nil
}

// Logout invalidates the refresh token server-side on a best-effort basis,
// then unconditionally clears local state. Logout never fails locally.
func (m *Manager) Logout(ctx context.Context) {
	if refresh, err := m.store.RefreshToken(); err == nil && refresh != "" {
		if _, err := m.pipeline.Post(ctx, "/auth/logout", map[string]string{"refresh": refresh}); err != nil {
			m.logger.Debug("Server-side logout failed, clearing locally anyway", zap.Error(err))
		}
	}

	if err := m.store.Clear(); err != nil {
		m.logger.Warn("Failed to clear token store on logout", zap.Error(err))
	}

	m.mu.Lock()
	m.user = nil
	m.mu.Unlock()
	m.setState(StateAnonymous)
}

// Refresh exchanges the stored refresh token for a new access token. All
// concurrent callers receive the same token or the same failure. Rejection of
// the refresh token itself is unrecoverable and forces Anonymous.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	token, err, _ := m.flight.Do("refresh", func() (interface{}, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// UpdateProfile applies a partial profile update and re-normalizes the full
// record the server returns.
func (m *Manager) UpdateProfile(ctx context.Context, patch map[string]interface{}) (*domain.UserRecord, error) {
	resp, err := m.pipeline.Patch(ctx, "/auth/me", patch)
	if err != nil {
		return nil, err
	}

	var raw domain.RawUser
	if err := transport.DecodeJSON(resp, &raw); err != nil {
		return nil, err
	}

	user := domain.NormalizeUser(raw)
	if err := m.store.SetUser(&user); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.user = &user
	m.mu.Unlock()
	return &user, nil
}

// Run drives the proactive refresh loop: one exchange per interval while a
// refresh token is present. Failures wait for the next interval rather than
// retrying in a tight loop. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval()):
			refresh, err := m.store.RefreshToken()
			if err != nil || refresh == "" {
				continue
			}
			if _, err := m.Refresh(ctx); err != nil {
				m.logger.Debug("Proactive refresh failed", zap.Error(err))
			}
		}
	}
}

// SetRefreshInterval adjusts the proactive refresh pacing, e.g. from a
// configuration override. Takes effect on the next wait.
func (m *Manager) SetRefreshInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.refreshInterval = d
	m.mu.Unlock()
}

func (m *Manager) interval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refreshInterval
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	refresh, err := m.store.RefreshToken()
	if err != nil {
		return "", err
	}
	if refresh == "" {
		return "", apperrors.NewAuthError("no refresh token")
	}

	wasAuthenticated := m.State() == StateAuthenticated
	if wasAuthenticated {
		m.setState(StateRefreshPending)
	}

	resp, err := m.pipeline.Post(ctx, "/auth/token/refresh", map[string]string{"refresh": refresh})
	if err != nil {
		if apperrors.IsAuth(err) {
			// The refresh token itself was rejected; the session
			// cannot be recovered.
			m.forceAnonymous()
			return "", err
		}
		if wasAuthenticated {
			m.setState(StateAuthenticated)
		}
		return "", err
	}

	var tokens tokenPair
	if err := transport.DecodeJSON(resp, &tokens); err != nil {
		if wasAuthenticated {
			m.setState(StateAuthenticated)
		}
		return "", err
	}

	if err := m.store.SetAccessToken(tokens.Access); err != nil {
		if wasAuthenticated {
			m.setState(StateAuthenticated)
		}
		return "", err
	}

	if wasAuthenticated {
		m.setState(StateAuthenticated)
	}
	return tokens.Access, nil
}

func (m *Manager) fetchMe(ctx context.Context) (*domain.UserRecord, error) {
	resp, err := m.pipeline.Get(ctx, "/auth/me", nil)
	if err != nil {
		return nil, err
	}

	var raw domain.RawUser
	if err := transport.DecodeJSON(resp, &raw); err != nil {
		return nil, err
	}

	user := domain.NormalizeUser(raw)
	if err := m.store.SetUser(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (m *Manager) setAuthenticated(user *domain.UserRecord) {
	m.mu.Lock()
	m.user = user
	m.mu.Unlock()
	m.setState(StateAuthenticated)
}

func (m *Manager) forceAnonymous() {
	if err := m.store.Clear(); err != nil {
		m.logger.Warn("Failed to clear token store", zap.Error(err))
	}
	m.mu.Lock()
	m.user = nil
	m.mu.Unlock()
	m.setState(StateAnonymous)
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	callbacks := make([]func(State), len(m.onChange))
	copy(callbacks, m.onChange)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(next)
	}
}

// tokenExpired reports whether the access token's exp claim has passed. The
// signature is not verified here, expiry is the only claim of interest and
// the server re-validates everything anyway.
func tokenExpired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < 30*time.Second
}
