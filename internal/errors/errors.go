package errors

import "errors"

// Auth flow errors.
var (
	ErrConfigUnavailable  = errors.New("auth config unavailable")
	ErrInvalidAuthConfig  = errors.New("invalid auth config")
	ErrExchangeFailed     = errors.New("authorization code exchange failed")
	ErrNoRefreshToken     = errors.New("no refresh token available")
	ErrRefreshFailed      = errors.New("token refresh failed")
	ErrNoToken            = errors.New("no access token available")
	ErrProfileFetchFailed = errors.New("profile fetch failed")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
