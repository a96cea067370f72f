// Package backendtest provides an in-process stand-in for the backend
// auth API. Tests program per-endpoint responses and inspect the
// requests the client sent.
package backendtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Endpoint paths relative to BaseURL.
const (
	AuthConfig   = "/auth/auth-config"
	Token        = "/auth/token"
	RefreshToken = "/auth/refresh-token"
	UserInfo     = "/auth/userinfo"
)

// apiPrefix mirrors the backend's versioned mount point.
const apiPrefix = "/api/v1"

// Default values served until a test overrides them.
const (
	DefaultClientID     = "test-client"
	DefaultAccessToken  = "A"
	DefaultRefreshToken = "R"
	DefaultExpiresIn    = 3600
	DefaultSubject      = "user-123"
)

// Request is a captured inbound request.
type Request struct {
	Method string
	Header http.Header
	Body   map[string]any
}

type response struct {
	status int
	body   any
}

// Server is a programmable fake backend.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	responses map[string]response
	calls     map[string]int
	last      map[string]Request
	holds     map[string]chan struct{}
}

// New starts a fake backend with a working default for every endpoint.
// The server is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		responses: make(map[string]response),
		calls:     make(map[string]int),
		last:      make(map[string]Request),
		holds:     make(map[string]chan struct{}),
	}

	mux := http.NewServeMux()
	for _, ep := range []string{AuthConfig, Token, RefreshToken, UserInfo} {
		mux.HandleFunc(apiPrefix+ep, s.handle(ep))
	}

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	s.SetResponse(AuthConfig, http.StatusOK, map[string]any{
		"auth_url":   s.URL + "/idp/auth",
		"client_id":  DefaultClientID,
		"logout_url": s.URL + "/idp/logout",
	})
	s.SetResponse(Token, http.StatusOK, TokenBody(DefaultAccessToken, DefaultRefreshToken, DefaultExpiresIn))
	s.SetResponse(RefreshToken, http.StatusOK, TokenBody("A2", "R2", DefaultExpiresIn))
	s.SetResponse(UserInfo, http.StatusOK, map[string]any{
		"sub":                DefaultSubject,
		"name":               "Test User",
		"email":              "test@example.com",
		"preferred_username": "tester",
		"roles":              []string{"user"},
	})

	return s
}

// TokenBody builds a token endpoint payload. An empty refresh token is
// omitted, as the provider does when it does not rotate.
func TokenBody(access, refresh string, expiresIn int) map[string]any {
	body := map[string]any{
		"access_token":       access,
		"token_type":         "Bearer",
		"expires_in":         expiresIn,
		"refresh_expires_in": 86400,
	}
	if refresh != "" {
		body["refresh_token"] = refresh
	}

	return body
}

// BaseURL returns the URL clients should use as their backend root.
func (s *Server) BaseURL() string {
	return s.URL + apiPrefix
}

// SetResponse programs the status and JSON body returned for endpoint.
func (s *Server) SetResponse(endpoint string, status int, body any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[endpoint] = response{status: status, body: body}
}

// Fail makes endpoint answer with status and a FastAPI-style detail.
func (s *Server) Fail(endpoint string, status int, detail string) {
	s.SetResponse(endpoint, status, map[string]any{"detail": detail})
}

// Calls returns how many requests endpoint has received.
func (s *Server) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

// LastRequest returns the most recent request to endpoint.
func (s *Server) LastRequest(endpoint string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.last[endpoint]
	return r, ok
}

// Hold makes requests to endpoint block after being counted until the
// returned release func is called.
func (s *Server) Hold(endpoint string) (release func()) {
	ch := make(chan struct{})

	s.mu.Lock()
	s.holds[endpoint] = ch
	s.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.holds, endpoint)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Server) handle(endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any

		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &body)
		}

		s.mu.Lock()
		s.calls[endpoint]++
		s.last[endpoint] = Request{Method: r.Method, Header: r.Header.Clone(), Body: body}
		resp := s.responses[endpoint]
		hold := s.holds[endpoint]
		s.mu.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		json.NewEncoder(w).Encode(resp.body)
	}
}
