// Package server provides the loopback HTTP listener that receives the
// provider redirect at the end of a login.
package server

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"

	"github.com/alexjbarnes/oidc-session/internal/authflow"
	"github.com/alexjbarnes/oidc-session/internal/models"
)

// ErrProviderDenied is reported when the provider redirects back with an
// error instead of a code.
var ErrProviderDenied = errors.New("provider returned an error")

// Exchanger completes the code exchange.
type Exchanger interface {
	ExchangeCode(ctx context.Context, code string) (*models.TokenRecord, error)
}

// ProfileLoader loads the signed-in user's profile.
type ProfileLoader interface {
	FetchProfile(ctx context.Context) (*models.Profile, error)
}

// Result is the outcome of one callback.
type Result struct {
	Tokens  *models.TokenRecord
	Profile *models.Profile
	Err     error
}

// MuxConfig holds dependencies for building the callback mux.
type MuxConfig struct {
	Flow    Exchanger
	Session ProfileLoader
	Logger  *slog.Logger

	// Origin is linked from the result pages.
	Origin string
}

var resultPage = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .Origin}}<p><a href="{{.Origin}}/">Continue</a></p>{{end}}
</body>
</html>
`))

type pageData struct {
	Title   string
	Message string
	Origin  string
}

// Callback serves the provider redirect and publishes the first result.
type Callback struct {
	cfg     MuxConfig
	results chan Result
	once    sync.Once
}

// NewCallback returns a Callback whose Results channel receives exactly
// one Result, from the first request to the callback path.
func NewCallback(cfg MuxConfig) *Callback {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Callback{cfg: cfg, results: make(chan Result, 1)}
}

// Results delivers the outcome of the first callback.
func (c *Callback) Results() <-chan Result {
	return c.results
}

// NewMux builds the listener's routes: the callback path and a landing
// page at the root, which is also where logout redirects to.
func (c *Callback) NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+authflow.CallbackPath, c.handleCallback)
	mux.HandleFunc("GET /{$}", c.handleRoot)

	return mux
}

func (c *Callback) handleRoot(w http.ResponseWriter, _ *http.Request) {
	c.render(w, http.StatusOK, pageData{
		Title:   "oidc-session",
		Message: "You can close this window.",
	})
}

func (c *Callback) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		desc := q.Get("error_description")
		c.cfg.Logger.Warn("provider returned error",
			slog.String("error", errCode),
			slog.String("description", desc),
		)

		msg := errCode
		if desc != "" {
			msg = errCode + ": " + desc
		}

		c.publish(Result{Err: fmt.Errorf("%w: %s", ErrProviderDenied, msg)})
		c.render(w, http.StatusBadRequest, pageData{Title: "Sign-in failed", Message: msg, Origin: c.cfg.Origin})

		return
	}

	code := q.Get("code")
	if code == "" {
		c.render(w, http.StatusBadRequest, pageData{Title: "Sign-in failed", Message: "Missing authorization code.", Origin: c.cfg.Origin})
		return
	}

	rec, err := c.cfg.Flow.ExchangeCode(r.Context(), code)
	if err != nil {
		c.publish(Result{Err: err})
		c.render(w, http.StatusBadGateway, pageData{Title: "Sign-in failed", Message: err.Error(), Origin: c.cfg.Origin})

		return
	}

	res := Result{Tokens: rec}

	if c.cfg.Session != nil {
		profile, err := c.cfg.Session.FetchProfile(r.Context())
		if err != nil {
			c.cfg.Logger.Warn("profile fetch after login failed", slog.String("error", err.Error()))
		}
		res.Profile = profile
	}

	c.publish(res)

	msg := "You are signed in. You can close this window."
	if res.Profile != nil && res.Profile.DisplayName != "" {
		msg = "Signed in as " + res.Profile.DisplayName + ". You can close this window."
	}

	c.render(w, http.StatusOK, pageData{Title: "Signed in", Message: msg, Origin: c.cfg.Origin})
}

func (c *Callback) publish(res Result) {
	c.once.Do(func() {
		c.results <- res
	})
}

func (c *Callback) render(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := resultPage.Execute(w, data); err != nil {
		c.cfg.Logger.Error("rendering page", slog.String("error", err.Error()))
	}
}
