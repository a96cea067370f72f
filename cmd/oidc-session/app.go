package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/oidc-session/internal/authflow"
	"github.com/alexjbarnes/oidc-session/internal/backend"
	"github.com/alexjbarnes/oidc-session/internal/config"
	"github.com/alexjbarnes/oidc-session/internal/discovery"
	apperrors "github.com/alexjbarnes/oidc-session/internal/errors"
	"github.com/alexjbarnes/oidc-session/internal/server"
	"github.com/alexjbarnes/oidc-session/internal/session"
	"github.com/alexjbarnes/oidc-session/internal/state"
	"golang.org/x/sync/errgroup"
)

// loginTimeout bounds how long login waits for the provider redirect.
const loginTimeout = 5 * time.Minute

// app wires the token store, backend client, auth flow and session for
// one command invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	out     io.Writer
	http    *http.Client
	store   *state.TokenStore
	backend *backend.Client
	flow    *authflow.Controller
	session *session.State

	// visit presents the authorization URL to the user.
	visit func(ctx context.Context, authURL string) error
}

func newApp(cfg *config.Config, logger *slog.Logger, out io.Writer) (*app, error) {
	store, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	httpClient := backend.NewHTTPClient(cfg.HTTPTimeout)
	client := backend.NewClient(cfg.BackendURL, httpClient, logger.With(slog.String("component", "backend")))

	var source authflow.ConfigSource = client
	if cfg.UseDiscovery() {
		source = discovery.New(cfg.OIDCIssuer, cfg.OIDCClientID, httpClient)
	}

	sess := session.New(store, client, logger.With(slog.String("component", "session")))

	flow, err := authflow.New(authflow.Options{
		Origin:  cfg.AppOrigin,
		Config:  source,
		Tokens:  client,
		Store:   store,
		Session: sess,
		Logger:  logger.With(slog.String("component", "authflow")),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		out:     out,
		http:    httpClient,
		store:   store,
		backend: client,
		flow:    flow,
		session: sess,
	}
	a.visit = a.printURL

	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "login":
		return a.login(ctx)
	case "status":
		return a.status()
	case "whoami":
		return a.whoami(ctx)
	case "refresh":
		return a.refresh(ctx)
	case "token":
		return a.token()
	case "call":
		if len(args) != 1 {
			return fmt.Errorf("%w: call takes one path", errUsage)
		}
		return a.call(ctx, args[0])
	case "logout":
		return a.logout(ctx)
	}

	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func (a *app) printURL(_ context.Context, authURL string) error {
	fmt.Fprintf(a.out, "Open this URL in your browser to sign in:\n\n  %s\n\n", authURL)
	return nil
}

func (a *app) login(ctx context.Context) error {
	authURL, err := a.flow.BuildAuthorizationURL(ctx)
	if err != nil {
		return fmt.Errorf("building authorization URL: %w", err)
	}

	ln, err := net.Listen("tcp", a.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listening for callback on %s: %w", a.cfg.ListenAddr(), err)
	}

	cb := server.NewCallback(server.MuxConfig{
		Flow:    a.flow,
		Session: a.session,
		Logger:  a.logger.With(slog.String("component", "callback")),
		Origin:  a.flow.Origin(),
	})

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServe := context.WithCancel(gctx)

	g.Go(func() error {
		return server.Serve(serveCtx, ln, cb.NewMux(), a.logger)
	})

	var res server.Result
	g.Go(func() error {
		defer stopServe()

		if err := a.visit(gctx, authURL); err != nil {
			return err
		}

		a.logger.Info("waiting for provider redirect", slog.String("redirect_uri", a.flow.RedirectURI()))

		select {
		case <-gctx.Done():
			return fmt.Errorf("waiting for callback: %w", gctx.Err())
		case res = <-cb.Results():
			return res.Err
		}
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if res.Profile != nil {
		fmt.Fprintf(a.out, "Signed in as %s\n", displayName(res.Profile.DisplayName, res.Profile.Username, res.Profile.Subject))
	} else {
		fmt.Fprintln(a.out, "Signed in")
	}

	return nil
}

func (a *app) status() error {
	rec, err := a.store.Read()
	if err != nil {
		return fmt.Errorf("reading tokens: %w", err)
	}

	if rec == nil {
		fmt.Fprintln(a.out, "Not signed in")
		return nil
	}

	validity := "valid"
	if a.store.IsExpired() {
		validity = "expired"
	}

	fmt.Fprintf(a.out, "Access token: %s\n", validity)
	if !rec.ExpiresAt.IsZero() {
		fmt.Fprintf(a.out, "Expires at:   %s\n", rec.ExpiresAt.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(a.out, "Refreshable:  %t\n", rec.RefreshToken != "")

	if claims, err := authflow.Inspect(rec.AccessToken); err == nil {
		fmt.Fprintf(a.out, "Subject:      %s\n", claims.Subject)
		if claims.Issuer != "" {
			fmt.Fprintf(a.out, "Issuer:       %s\n", claims.Issuer)
		}
		if claims.Username != "" {
			fmt.Fprintf(a.out, "Username:     %s\n", claims.Username)
		}
	} else {
		a.logger.Debug("access token is not a readable JWT", slog.String("error", err.Error()))
	}

	return nil
}

func (a *app) whoami(ctx context.Context) error {
	profile, err := a.session.FetchProfile(ctx)
	if errors.Is(err, apperrors.ErrNoToken) {
		return fmt.Errorf("not signed in, run login first")
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")

	return enc.Encode(profile)
}

func (a *app) refresh(ctx context.Context) error {
	rec, err := a.flow.Refresh(ctx)
	if errors.Is(err, apperrors.ErrNoRefreshToken) {
		return fmt.Errorf("no refresh token stored, run login")
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Refreshed; access token expires at %s\n", rec.ExpiresAt.Local().Format(time.RFC3339))

	return nil
}

func (a *app) token() error {
	tok, err := a.flow.TokenSource().Token()
	if err != nil {
		return fmt.Errorf("no usable access token: %w", err)
	}

	fmt.Fprintln(a.out, tok.AccessToken)

	return nil
}

// call performs an authenticated GET against the backend and copies the
// response body to out.
func (a *app) call(ctx context.Context, path string) error {
	target := a.cfg.BackendURL + "/" + strings.TrimLeft(path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.flow.HTTPClient(a.http).Do(req)
	if err != nil {
		if errors.Is(err, apperrors.ErrNoToken) {
			return fmt.Errorf("not signed in or token expired, run login or refresh")
		}
		return fmt.Errorf("%w: %w", apperrors.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(a.out, resp.Body); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &backend.StatusError{Endpoint: path, StatusCode: resp.StatusCode}
	}

	return nil
}

func (a *app) logout(ctx context.Context) error {
	target := a.flow.Logout(ctx)
	fmt.Fprintf(a.out, "Signed out. To end the provider session, open:\n\n  %s\n", target)

	return nil
}

func displayName(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}

	return "unknown user"
}
