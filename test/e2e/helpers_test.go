package e2e_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/oidc-session/internal/authflow"
	"github.com/alexjbarnes/oidc-session/internal/backend"
	"github.com/alexjbarnes/oidc-session/internal/backendtest"
	"github.com/alexjbarnes/oidc-session/internal/server"
	"github.com/alexjbarnes/oidc-session/internal/session"
	"github.com/alexjbarnes/oidc-session/internal/state"
	"github.com/stretchr/testify/require"
)

// harness holds the full e2e stack: a fake backend, a real bbolt token
// store, and the callback listener served at the application origin.
type harness struct {
	Backend  *backendtest.Server
	App      *httptest.Server
	Store    *state.TokenStore
	Flow     *authflow.Controller
	Session  *session.State
	Callback *server.Callback
	Browser  *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{Backend: backendtest.New(t)}

	var mux http.Handler = http.NotFoundHandler()
	h.App = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(h.App.Close)

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	h.Store = store

	client := backend.NewClient(h.Backend.BaseURL(), backend.NewHTTPClient(5*time.Second), logger)
	h.Session = session.New(store, client, logger)

	h.Flow, err = authflow.New(authflow.Options{
		Origin:  h.App.URL,
		Config:  client,
		Tokens:  client,
		Store:   store,
		Session: h.Session,
		Logger:  logger,
	})
	require.NoError(t, err)

	h.Callback = server.NewCallback(server.MuxConfig{
		Flow:    h.Flow,
		Session: h.Session,
		Logger:  logger,
		Origin:  h.Flow.Origin(),
	})
	mux = h.Callback.NewMux()

	// The browser follows redirects only up to the provider, which the
	// tests stand in for.
	h.Browser = &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	return h
}

// providerRedirect plays the identity provider: it reads redirect_uri from
// the authorization URL and sends the browser back with extra params.
func (h *harness) providerRedirect(t *testing.T, authURL string, params url.Values) *http.Response {
	t.Helper()

	u, err := url.Parse(authURL)
	require.NoError(t, err)

	redirect := u.Query().Get("redirect_uri")
	require.NotEmpty(t, redirect)

	resp, err := h.Browser.Get(redirect + "?" + params.Encode())
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

// login runs the whole flow and returns the callback result.
func (h *harness) login(t *testing.T) server.Result {
	t.Helper()

	authURL, err := h.Flow.BuildAuthorizationURL(t.Context())
	require.NoError(t, err)

	resp := h.providerRedirect(t, authURL, url.Values{"code": {"the-code"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case res := <-h.Callback.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no callback result")
		return server.Result{}
	}
}
