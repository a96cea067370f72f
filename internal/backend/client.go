// Package backend talks to the application's backend API, which proxies
// the identity provider: auth configuration, code exchange, token refresh
// and userinfo.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/oidc-session/internal/errors"
	"github.com/alexjbarnes/oidc-session/internal/models"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024

	// defaultExpiresIn is the lifetime the backend assumes when the
	// provider omits expires_in.
	defaultExpiresIn = 3600
)

const (
	authConfigEndpoint   = "/auth/auth-config"
	tokenEndpoint        = "/auth/token"
	refreshTokenEndpoint = "/auth/refresh-token"
	userInfoEndpoint     = "/auth/userinfo"
)

// StatusError is returned when the backend answers with a non-2xx status.
// Detail carries the backend's error message when one could be extracted.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("API %s returned status %d", e.Endpoint, e.StatusCode)
	}

	return fmt.Sprintf("API %s (%d): %s", e.Endpoint, e.StatusCode, e.Detail)
}

func (e *StatusError) Unwrap() error { return apperrors.ErrAPIResponse }

// StatusCode returns the HTTP status carried by err, or 0 when err is not
// a StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}

	return 0
}

// Client talks to the backend REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents bearer tokens from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns the http.Client used for backend calls when the
// caller does not supply one.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = httpClientTimeout
	}

	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// NewClient creates an API client for the backend rooted at baseURL
// (for example http://localhost:8000/api/v1). If httpClient is nil, a
// client with a 30-second timeout and same-host redirect policy is used.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(httpClientTimeout)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		logger:     logger,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// errorDetail pulls a human-readable message out of an error body. The
// backend answers with {"detail": ...}; provider-style bodies use
// error_description or error.
func errorDetail(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	if !gjson.ValidBytes(body) {
		return sanitizeResponseBody(body)
	}

	for _, path := range []string{"detail", "error_description", "error", "message"} {
		r := gjson.GetBytes(body, path)
		if !r.Exists() {
			continue
		}

		// Validation failures carry a list of {loc, msg, type} objects.
		if r.IsArray() {
			if msg := r.Get("0.msg"); msg.Exists() {
				return sanitizeResponseBody([]byte(msg.String()))
			}
		}

		if s := r.String(); s != "" {
			return sanitizeResponseBody([]byte(s))
		}
	}

	return sanitizeResponseBody(body)
}

// do sends a request with an optional JSON body and bearer token, and
// decodes a JSON response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, token *oauth2.Token, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token != nil {
		token.SetAuthHeader(req)
	}

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending request to %s: %w", apperrors.ErrAPIRequest, endpoint, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("backend call",
		slog.String("method", method),
		slog.String("endpoint", endpoint),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", requestID),
		slog.Duration("elapsed", time.Since(start)),
	)

	// Cap response reads at 1MB. Auth responses are small JSON payloads.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %w", apperrors.ErrAPIRequest, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Detail:     errorDetail(respBody),
		}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// FetchConfig returns the provider configuration published by the
// backend. It is fetched on every call; the backend may change it.
func (c *Client) FetchConfig(ctx context.Context) (*models.AuthConfig, error) {
	var cfg models.AuthConfig
	if err := c.do(ctx, http.MethodGet, authConfigEndpoint, nil, nil, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrConfigUnavailable, err)
	}

	return &cfg, nil
}

type exchangeRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        *int64 `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

func (r *tokenResponse) grant(endpoint string) (*models.TokenGrant, error) {
	if r.AccessToken == "" {
		return nil, fmt.Errorf("%w: %s returned no access_token", apperrors.ErrAPIResponse, endpoint)
	}

	g := &models.TokenGrant{
		AccessToken:      r.AccessToken,
		TokenType:        r.TokenType,
		RefreshToken:     r.RefreshToken,
		ExpiresIn:        defaultExpiresIn,
		RefreshExpiresIn: r.RefreshExpiresIn,
	}
	if r.ExpiresIn != nil {
		g.ExpiresIn = *r.ExpiresIn
	}

	return g, nil
}

// ExchangeCode trades an authorization code for tokens. redirectURI must
// match the one used to start the flow.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*models.TokenGrant, error) {
	req := exchangeRequest{Code: code, RedirectURI: redirectURI}

	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, tokenEndpoint, req, nil, &resp); err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	return resp.grant(tokenEndpoint)
}

// RefreshToken obtains a new grant using a refresh token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*models.TokenGrant, error) {
	req := refreshRequest{RefreshToken: refreshToken}

	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, refreshTokenEndpoint, req, nil, &resp); err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	return resp.grant(refreshTokenEndpoint)
}

// userInfoResponse accepts both the OIDC "sub" claim and the backend's
// "subject" spelling.
type userInfoResponse struct {
	Sub               string   `json:"sub"`
	Subject           string   `json:"subject"`
	Name              string   `json:"name"`
	GivenName         string   `json:"given_name"`
	FamilyName        string   `json:"family_name"`
	Email             string   `json:"email"`
	EmailVerified     *bool    `json:"email_verified"`
	PreferredUsername string   `json:"preferred_username"`
	Roles             []string `json:"roles"`
}

// UserInfo returns the principal the bearer token belongs to.
func (c *Client) UserInfo(ctx context.Context, token *oauth2.Token) (*models.Profile, error) {
	var resp userInfoResponse
	if err := c.do(ctx, http.MethodGet, userInfoEndpoint, nil, token, &resp); err != nil {
		return nil, fmt.Errorf("fetching userinfo: %w", err)
	}

	subject := resp.Subject
	if subject == "" {
		subject = resp.Sub
	}

	if subject == "" {
		return nil, fmt.Errorf("%w: userinfo has no subject", apperrors.ErrAPIResponse)
	}

	return &models.Profile{
		Subject:     subject,
		DisplayName:   resp.Name,
		GivenName:     resp.GivenName,
		FamilyName:    resp.FamilyName,
		Email:         resp.Email,
		EmailVerified: resp.EmailVerified,
		Username:      resp.PreferredUsername,
		Roles:         resp.Roles,
	}, nil
}
