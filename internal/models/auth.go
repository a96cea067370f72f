// Package models defines types shared across internal packages.
package models

import (
	"slices"
	"time"

	"golang.org/x/oauth2"
)

// AuthConfig is the provider configuration the backend hands to clients.
// It is fetched fresh for every login and logout and never persisted.
type AuthConfig struct {
	AuthorizationURL string `json:"auth_url"`
	ClientID         string `json:"client_id"`
	LogoutURL        string `json:"logout_url"`
}

// TokenGrant is the token payload returned by the backend for both the
// code exchange and the refresh call.
type TokenGrant struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
}

// TokenRecord is the persisted form of a grant. ExpiresAt is always
// derived from the issue time and ExpiresIn, never set on its own.
type TokenRecord struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// OAuth2Token converts the record for use with golang.org/x/oauth2
// transports and SetAuthHeader.
func (r *TokenRecord) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: r.RefreshToken,
		Expiry:       r.ExpiresAt,
	}
}

// Profile is the authenticated principal as reported by the userinfo
// endpoint. It is replaced wholesale on each fetch. EmailVerified is nil
// when the provider does not say.
type Profile struct {
	Subject       string   `json:"subject"`
	DisplayName   string   `json:"name"`
	GivenName     string   `json:"given_name,omitempty"`
	FamilyName    string   `json:"family_name,omitempty"`
	Email         string   `json:"email"`
	EmailVerified *bool    `json:"email_verified,omitempty"`
	Username      string   `json:"preferred_username"`
	Roles         []string `json:"roles"`
}

// HasRole reports whether role is in the profile's role list. A nil
// profile or an empty role list never matches.
func (p *Profile) HasRole(role string) bool {
	if p == nil || len(p.Roles) == 0 {
		return false
	}

	return slices.Contains(p.Roles, role)
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}

	cp := *p
	cp.Roles = slices.Clone(p.Roles)

	if p.EmailVerified != nil {
		v := *p.EmailVerified
		cp.EmailVerified = &v
	}

	return &cp
}
