// Package discovery builds the provider configuration from the issuer's
// OpenID Connect discovery document instead of the backend.
package discovery

import (
	"context"
	"fmt"
	"net/http"

	apperrors "github.com/alexjbarnes/oidc-session/internal/errors"
	"github.com/alexjbarnes/oidc-session/internal/models"
	"github.com/coreos/go-oidc/v3/oidc"
)

// Source fetches AuthConfig by discovery. Like the backend source it does
// not cache: every call re-reads the discovery document.
type Source struct {
	issuer     string
	clientID   string
	httpClient *http.Client
}

// New returns a Source for issuer. clientID is not part of discovery and
// is passed through as configured. A nil httpClient uses the default.
func New(issuer, clientID string, httpClient *http.Client) *Source {
	return &Source{
		issuer:     issuer,
		clientID:   clientID,
		httpClient: httpClient,
	}
}

// providerClaims holds discovery fields go-oidc does not expose directly.
type providerClaims struct {
	EndSessionEndpoint string `json:"end_session_endpoint"`
}

// FetchConfig reads the discovery document and maps it to AuthConfig.
func (s *Source) FetchConfig(ctx context.Context) (*models.AuthConfig, error) {
	if s.httpClient != nil {
		ctx = oidc.ClientContext(ctx, s.httpClient)
	}

	provider, err := oidc.NewProvider(ctx, s.issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: discovering %s: %w", apperrors.ErrConfigUnavailable, s.issuer, err)
	}

	var claims providerClaims
	if err := provider.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decoding discovery document: %w", apperrors.ErrConfigUnavailable, err)
	}

	return &models.AuthConfig{
		AuthorizationURL: provider.Endpoint().AuthURL,
		ClientID:         s.clientID,
		LogoutURL:        claims.EndSessionEndpoint,
	}, nil
}
