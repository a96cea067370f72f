package authflow

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims is a display-only view of a JWT access token.
type AccessClaims struct {
	Subject   string
	Issuer    string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Username  string
}

// Inspect decodes the claims of a JWT access token WITHOUT verifying its
// signature. The result must never be used for an authorization
// decision; the backend verifies tokens. Opaque tokens return an error.
func Inspect(accessToken string) (*AccessClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("decoding access token: %w", err)
	}

	out := &AccessClaims{}
	out.Subject, _ = claims.GetSubject()
	out.Issuer, _ = claims.GetIssuer()

	if aud, err := claims.GetAudience(); err == nil {
		out.Audience = aud
	}

	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}

	if u, ok := claims["preferred_username"].(string); ok {
		out.Username = u
	}

	return out, nil
}
