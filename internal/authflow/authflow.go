// Package authflow drives the Authorization Code flow: it builds the
// provider redirect, exchanges the returned code for tokens, refreshes
// them on request and ends the session.
//
// Navigation is never performed here. Operations that would move the
// user elsewhere return the target URL and leave the navigation to the
// caller.
package authflow

//go:generate mockgen -source=authflow.go -destination=mock_deps_test.go -package=authflow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	apperrors "github.com/alexjbarnes/oidc-session/internal/errors"
	"github.com/alexjbarnes/oidc-session/internal/models"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// CallbackPath is where the provider sends the browser back to.
const CallbackPath = "/auth/callback"

// scopes requested on every login, in the order they appear in the URL.
var scopes = []string{oidc.ScopeOpenID, "profile", "email"}

// ConfigSource supplies provider configuration.
type ConfigSource interface {
	FetchConfig(ctx context.Context) (*models.AuthConfig, error)
}

// TokenAPI exchanges codes and refresh tokens for new grants.
type TokenAPI interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (*models.TokenGrant, error)
	RefreshToken(ctx context.Context, refreshToken string) (*models.TokenGrant, error)
}

// TokenStore persists the current token record.
type TokenStore interface {
	Write(grant models.TokenGrant) (*models.TokenRecord, error)
	Read() (*models.TokenRecord, error)
	Clear() error
	IsExpired() bool
}

// SessionResetter is told when the local session has ended, either by
// logout or by a failed refresh.
type SessionResetter interface {
	Reset()
}

// Options configures a Controller.
type Options struct {
	// Origin is the application origin, e.g. https://app.example.com.
	Origin string

	Config  ConfigSource
	Tokens  TokenAPI
	Store   TokenStore
	Session SessionResetter
	Logger  *slog.Logger
}

// Controller implements the login, callback, refresh and logout steps.
type Controller struct {
	origin  string
	config  ConfigSource
	tokens  TokenAPI
	store   TokenStore
	session SessionResetter
	logger  *slog.Logger

	// refreshes collapses concurrent Refresh calls into one exchange so
	// two callers never spend the same refresh token twice.
	refreshes singleflight.Group

	// mu serializes store writes against endSession. epoch changes on
	// every sign-in and sign-out; a refresh that straddles a change
	// drops its result.
	mu    sync.Mutex
	epoch uint64
}

// New validates opts and returns a Controller.
func New(opts Options) (*Controller, error) {
	origin, err := normalizeOrigin(opts.Origin)
	if err != nil {
		return nil, err
	}

	if opts.Config == nil || opts.Tokens == nil || opts.Store == nil {
		return nil, fmt.Errorf("authflow: config source, token API and store are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		origin:  origin,
		config:  opts.Config,
		tokens:  opts.Tokens,
		store:   opts.Store,
		session: opts.Session,
		logger:  logger,
	}, nil
}

func normalizeOrigin(raw string) (string, error) {
	raw = strings.TrimRight(raw, "/")

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("authflow: invalid origin %q", raw)
	}

	return raw, nil
}

// Origin returns the normalized application origin.
func (c *Controller) Origin() string {
	return c.origin
}

// RedirectURI is the fixed callback URL sent with both the authorization
// request and the code exchange.
func (c *Controller) RedirectURI() string {
	return c.origin + CallbackPath
}

// BuildAuthorizationURL returns the provider URL to send the user to.
// Nothing is stored; the flow resumes at the callback with a code.
func (c *Controller) BuildAuthorizationURL(ctx context.Context) (string, error) {
	cfg, err := c.config.FetchConfig(ctx)
	if err != nil {
		return "", err
	}

	if cfg.AuthorizationURL == "" || cfg.ClientID == "" {
		c.logger.Error("auth config missing fields",
			slog.Bool("has_auth_url", cfg.AuthorizationURL != ""),
			slog.Bool("has_client_id", cfg.ClientID != ""),
		)

		return "", apperrors.ErrInvalidAuthConfig
	}

	oc := &oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: c.RedirectURI(),
		Scopes:      scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthorizationURL},
	}

	return oc.AuthCodeURL(""), nil
}

// ExchangeCode trades the callback code for tokens and stores them. On
// failure the store is left untouched.
func (c *Controller) ExchangeCode(ctx context.Context, code string) (*models.TokenRecord, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: empty authorization code", apperrors.ErrExchangeFailed)
	}

	grant, err := c.tokens.ExchangeCode(ctx, code, c.RedirectURI())
	if err != nil {
		c.logger.Warn("code exchange failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", apperrors.ErrExchangeFailed, err)
	}

	c.mu.Lock()
	rec, err := c.store.Write(*grant)
	if err == nil {
		c.epoch++
	}
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrExchangeFailed, err)
	}

	// The previous user's profile must not outlive their tokens.
	if c.session != nil {
		c.session.Reset()
	}

	c.logger.Info("signed in", slog.Time("expires_at", rec.ExpiresAt), slog.Bool("refreshable", rec.RefreshToken != ""))

	return rec, nil
}

// Refresh obtains a new access token with the stored refresh token.
// Concurrent callers share a single exchange. If the exchange fails the
// store is cleared and the session reset, so a dead refresh token is
// never retried. A refresh overtaken by a logout or a new sign-in is
// dropped without touching the store.
func (c *Controller) Refresh(ctx context.Context) (*models.TokenRecord, error) {
	ch := c.refreshes.DoChan("refresh", func() (any, error) {
		// The shared exchange must not die with whichever caller
		// happened to start it.
		return c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		rec := *res.Val.(*models.TokenRecord)

		return &rec, nil
	}
}

func (c *Controller) refresh(ctx context.Context) (*models.TokenRecord, error) {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	current, err := c.store.Read()
	if err != nil {
		return nil, err
	}

	if current == nil || current.RefreshToken == "" {
		return nil, apperrors.ErrNoRefreshToken
	}

	grant, err := c.tokens.RefreshToken(ctx, current.RefreshToken)

	c.mu.Lock()
	defer c.mu.Unlock()

	// A logout or a new sign-in while the request was out wins.
	if epoch != c.epoch {
		c.logger.Info("discarding refresh result, session changed during refresh")
		return nil, fmt.Errorf("%w: session changed during refresh", apperrors.ErrRefreshFailed)
	}

	if err != nil {
		c.endSessionLocked("refresh failed")
		return nil, fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, err)
	}

	if grant.RefreshToken == "" {
		grant.RefreshToken = current.RefreshToken
	}

	rec, err := c.store.Write(*grant)
	if err != nil {
		c.endSessionLocked("storing refreshed tokens failed")
		return nil, fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, err)
	}

	c.logger.Info("tokens refreshed", slog.Time("expires_at", rec.ExpiresAt))

	return rec, nil
}

// Logout ends the local session and returns where to send the user. The
// store is cleared before any network call so the session ends even if
// the provider cannot be reached; in that case the target is the
// application root.
func (c *Controller) Logout(ctx context.Context) string {
	c.endSession("logout")

	fallback := c.origin + "/"

	cfg, err := c.config.FetchConfig(ctx)
	if err != nil {
		c.logger.Warn("logout without provider config", slog.String("error", err.Error()))
		return fallback
	}

	if cfg.LogoutURL == "" {
		c.logger.Warn("auth config has no logout URL")
		return fallback
	}

	sep := "?"
	if strings.Contains(cfg.LogoutURL, "?") {
		sep = "&"
	}

	return cfg.LogoutURL + sep + "redirect_uri=" + url.QueryEscape(c.origin)
}

func (c *Controller) endSession(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endSessionLocked(reason)
}

// endSessionLocked must be called with mu held.
func (c *Controller) endSessionLocked(reason string) {
	c.epoch++

	if err := c.store.Clear(); err != nil {
		c.logger.Error("failed to clear tokens", slog.String("reason", reason), slog.String("error", err.Error()))
	}

	if c.session != nil {
		c.session.Reset()
	}

	c.logger.Info("session ended", slog.String("reason", reason))
}

// IsAuthenticated reports whether a non-expired access token is stored.
func (c *Controller) IsAuthenticated() bool {
	rec, err := c.store.Read()
	if err != nil || rec == nil || rec.AccessToken == "" {
		return false
	}

	return !c.store.IsExpired()
}

// TokenSource exposes the stored access token to oauth2 transports. It
// never refreshes; an expired or missing token is ErrNoToken.
func (c *Controller) TokenSource() oauth2.TokenSource {
	return storeTokenSource{store: c.store}
}

// HTTPClient returns a client that attaches the stored bearer token to
// every request, for the application's own API calls. The store is read
// per request, so a logout takes effect immediately. base supplies the
// underlying transport and timeout and may be nil.
func (c *Controller) HTTPClient(base *http.Client) *http.Client {
	client := &http.Client{}
	if base != nil {
		client.Timeout = base.Timeout
		client.CheckRedirect = base.CheckRedirect
	}

	var rt http.RoundTripper
	if base != nil {
		rt = base.Transport
	}

	client.Transport = &oauth2.Transport{Source: c.TokenSource(), Base: rt}

	return client
}

type storeTokenSource struct {
	store TokenStore
}

func (s storeTokenSource) Token() (*oauth2.Token, error) {
	rec, err := s.store.Read()
	if err != nil {
		return nil, err
	}

	if rec == nil || rec.AccessToken == "" || s.store.IsExpired() {
		return nil, apperrors.ErrNoToken
	}

	return rec.OAuth2Token(), nil
}
