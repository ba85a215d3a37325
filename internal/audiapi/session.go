package audiapi

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/micro-ha/audiconnect/addon/internal/model"
	"github.com/micro-ha/audiconnect/addon/internal/region"
)

const (
	defaultRefreshMargin = 60 * time.Second
	defaultTokenLifetime = time.Hour
	renewKey             = "renew"
)

// TokenStore persists refresh material between restarts. Passwords and PINs
// are never handed to it.
type TokenStore interface {
	LoadToken(ctx context.Context, account string) (model.StoredToken, bool, error)
	SaveToken(ctx context.Context, token model.StoredToken) error
}

// SessionManager owns the session of one account. Renewals are serialized:
// concurrent callers that find an expired session wait for a single renewal
// and all receive its result.
type SessionManager struct {
	creds     model.Credentials
	endpoints region.EndpointSet
	transport *transport
	logger    *slog.Logger
	store     TokenStore
	now       func() time.Time
	margin    time.Duration
	onRenew   func(kind string, err error)

	group    singleflight.Group
	loadOnce sync.Once

	mu              sync.RWMutex
	session         model.Session
	identityExpires time.Time

	logins    atomic.Int64
	refreshes atomic.Int64
}

type SessionOption func(*SessionManager)

func WithTokenStore(store TokenStore) SessionOption {
	return func(m *SessionManager) { m.store = store }
}

func WithSessionClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithRefreshMargin(margin time.Duration) SessionOption {
	return func(m *SessionManager) {
		if margin >= 0 {
			m.margin = margin
		}
	}
}

// WithRenewHook is called after every network renewal with kind "login" or "refresh".
func WithRenewHook(fn func(kind string, err error)) SessionOption {
	return func(m *SessionManager) { m.onRenew = fn }
}

func newSessionManager(creds model.Credentials, endpoints region.EndpointSet, t *transport, logger *slog.Logger, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		creds:     creds,
		endpoints: endpoints,
		transport: t,
		logger:    logger.With("component", "session"),
		now:       time.Now,
		margin:    defaultRefreshMargin,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the held session and whether it is usable right now.
func (m *SessionManager) Current() (model.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session, m.session.Valid(m.now(), m.margin)
}

// Logins and Refreshes count network renewals.
func (m *SessionManager) Logins() int64    { return m.logins.Load() }
func (m *SessionManager) Refreshes() int64 { return m.refreshes.Load() }

// Authenticate performs the full login handshake and replaces the session.
// It shares the renewal flight with EnsureValid, so a caller arriving while a
// refresh is in flight receives that refreshed session instead of a second one.
func (m *SessionManager) Authenticate(ctx context.Context) (model.Session, error) {
	return m.coalesce(ctx, renewKey, func(ctx context.Context) (model.Session, error) {
		return m.login(ctx)
	})
}

// EnsureValid returns the current session, renewing it first when it is
// missing, expired or inside the refresh margin.
func (m *SessionManager) EnsureValid(ctx context.Context) (model.Session, error) {
	m.loadOnce.Do(func() { m.restore(ctx) })

	if s, ok := m.Current(); ok {
		return s, nil
	}
	return m.coalesce(ctx, renewKey, m.renew)
}

// Invalidate marks session as expired if it is still the current one. A
// session that was already replaced by a concurrent renewal is left alone.
func (m *SessionManager) Invalidate(s model.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.AccessToken == "" || m.session.AccessToken != s.AccessToken {
		return
	}
	m.session.ExpiresAt = time.Time{}
	m.logger.Info("session invalidated")
}

func (m *SessionManager) coalesce(ctx context.Context, key string, fn func(context.Context) (model.Session, error)) (model.Session, error) {
	// The renewal outlives any single waiter; the transport timeout bounds it.
	ch := m.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return model.Session{}, ctxError("session renewal", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return model.Session{}, res.Err
		}
		return res.Val.(model.Session), nil
	}
}

func (m *SessionManager) renew(ctx context.Context) (model.Session, error) {
	// A renewal that finished while this one was queued already did the work.
	if s, ok := m.Current(); ok {
		return s, nil
	}

	m.mu.RLock()
	refreshToken := m.session.RefreshToken
	identityValid := m.now().Before(m.identityExpires)
	m.mu.RUnlock()

	if refreshToken != "" && identityValid {
		s, err := m.refresh(ctx, refreshToken)
		if err == nil {
			return s, nil
		}
		if !IsAuth(err) {
			return model.Session{}, err
		}
		m.logger.Info("refresh token rejected, falling back to login")
	}
	return m.login(ctx)
}

func (m *SessionManager) login(ctx context.Context) (model.Session, error) {
	m.logins.Add(1)
	s, err := m.doLogin(ctx)
	m.notify("login", err)
	if err != nil {
		m.logger.Warn("vendor login failed", "error", err)
		return model.Session{}, err
	}
	m.persist(ctx, s)
	m.logger.Info("vendor login succeeded", "expires_at", s.ExpiresAt)
	return s, nil
}

func (m *SessionManager) refresh(ctx context.Context, refreshToken string) (model.Session, error) {
	m.refreshes.Add(1)
	s, err := m.doRefresh(ctx, refreshToken)
	m.notify("refresh", err)
	if err != nil {
		return model.Session{}, err
	}
	m.persist(ctx, s)
	m.logger.Debug("session refreshed", "expires_at", s.ExpiresAt)
	return s, nil
}

func (m *SessionManager) notify(kind string, err error) {
	if m.onRenew != nil {
		m.onRenew(kind, err)
	}
}

type identityTokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type mbbTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (m *SessionManager) doLogin(ctx context.Context) (model.Session, error) {
	issued := m.now()

	identityForm := url.Values{
		"client_id":     {m.endpoints.ClientID},
		"scope":         {m.endpoints.Scope},
		"response_type": {"token id_token"},
		"grant_type":    {"password"},
		"username":      {m.creds.Username},
		"password":      {m.creds.Password},
	}
	resp, err := m.transport.do(ctx, formRequest(m.endpoints.IdentityTokenURL, identityForm))
	if err != nil {
		return model.Session{}, loginError(err)
	}
	var identity identityTokenResponse
	endpoint := endpointName(m.endpoints.IdentityTokenURL)
	if err := decodeJSON(endpoint, resp.body, &identity); err != nil {
		return model.Session{}, err
	}
	if identity.IDToken == "" {
		return model.Session{}, &SchemaMismatchError{Endpoint: endpoint, Detail: "id_token missing"}
	}
	identityToken := identity.AccessToken
	if identityToken == "" {
		identityToken = identity.IDToken
	}
	identityExpires := tokenExpiry(issued, identity.ExpiresIn, identity.IDToken)

	mbb, err := m.exchange(ctx, url.Values{
		"grant_type": {"id_token"},
		"token":      {identity.IDToken},
		"scope":      {m.endpoints.MBBScope},
	})
	if err != nil {
		return model.Session{}, loginError(err)
	}

	s := model.Session{
		IdentityToken: identityToken,
		AccessToken:   mbb.AccessToken,
		RefreshToken:  mbb.RefreshToken,
		IssuedAt:      issued,
		ExpiresAt:     tokenExpiry(issued, mbb.ExpiresIn, mbb.AccessToken),
	}
	m.replace(s, identityExpires)
	return s, nil
}

func (m *SessionManager) doRefresh(ctx context.Context, refreshToken string) (model.Session, error) {
	issued := m.now()
	mbb, err := m.exchange(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"scope":         {m.endpoints.MBBScope},
	})
	if err != nil {
		return model.Session{}, err
	}
	if mbb.RefreshToken == "" {
		mbb.RefreshToken = refreshToken
	}

	m.mu.Lock()
	s := model.Session{
		IdentityToken: m.session.IdentityToken,
		AccessToken:   mbb.AccessToken,
		RefreshToken:  mbb.RefreshToken,
		IssuedAt:      issued,
		ExpiresAt:     tokenExpiry(issued, mbb.ExpiresIn, mbb.AccessToken),
	}
	m.session = s
	m.mu.Unlock()
	return s, nil
}

func (m *SessionManager) exchange(ctx context.Context, form url.Values) (mbbTokenResponse, error) {
	req := formRequest(m.endpoints.MBBTokenURL, form)
	req.header = map[string][]string{"X-Client-Id": {m.endpoints.XClientID}}

	resp, err := m.transport.do(ctx, req)
	if err != nil {
		return mbbTokenResponse{}, err
	}
	var out mbbTokenResponse
	endpoint := endpointName(m.endpoints.MBBTokenURL)
	if err := decodeJSON(endpoint, resp.body, &out); err != nil {
		return mbbTokenResponse{}, err
	}
	if out.AccessToken == "" {
		return mbbTokenResponse{}, &SchemaMismatchError{Endpoint: endpoint, Detail: "access_token missing"}
	}
	return out, nil
}

func (m *SessionManager) replace(s model.Session, identityExpires time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
	m.identityExpires = identityExpires
}

func (m *SessionManager) restore(ctx context.Context) {
	if m.store == nil {
		return
	}
	token, ok, err := m.store.LoadToken(ctx, m.creds.Username)
	if err != nil {
		m.logger.Warn("load stored token failed", "error", err)
		return
	}
	if !ok || token.RefreshToken == "" {
		return
	}

	identityExpires := tokenExpiry(token.UpdatedAt, 0, token.IdentityToken)
	m.mu.Lock()
	if m.session.IsZero() {
		m.session = model.Session{
			IdentityToken: token.IdentityToken,
			AccessToken:   token.AccessToken,
			RefreshToken:  token.RefreshToken,
			IssuedAt:      token.UpdatedAt,
			ExpiresAt:     token.ExpiresAt,
		}
		m.identityExpires = identityExpires
	}
	m.mu.Unlock()
	m.logger.Info("restored stored session", "expires_at", token.ExpiresAt)
}

// persist saves the refresh material; failures only cost a login on restart.
func (m *SessionManager) persist(ctx context.Context, s model.Session) {
	if m.store == nil {
		return
	}
	err := m.store.SaveToken(ctx, model.StoredToken{
		Account:       m.creds.Username,
		IdentityToken: s.IdentityToken,
		AccessToken:   s.AccessToken,
		RefreshToken:  s.RefreshToken,
		ExpiresAt:     s.ExpiresAt,
		UpdatedAt:     s.IssuedAt,
	})
	if err != nil {
		m.logger.Warn("persist token failed", "error", err)
	}
}

// loginError maps credential rejections on the token endpoints to AuthError.
func loginError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == 400 {
		return &AuthError{Endpoint: apiErr.Endpoint, StatusCode: apiErr.StatusCode, Detail: apiErr.Detail}
	}
	var permErr *PermissionError
	if errors.As(err, &permErr) {
		return &AuthError{Endpoint: permErr.Endpoint, StatusCode: permErr.StatusCode, Detail: permErr.Detail}
	}
	return err
}

// tokenExpiry prefers expires_in, then the JWT exp claim, then a fixed lifetime.
func tokenExpiry(issued time.Time, expiresIn int64, token string) time.Time {
	if expiresIn > 0 {
		return issued.Add(time.Duration(expiresIn) * time.Second)
	}
	if exp, ok := jwtExpiry(token); ok {
		return exp
	}
	return issued.Add(defaultTokenLifetime)
}

func jwtExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
