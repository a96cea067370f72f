package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/oidc-session/internal/config"
	"github.com/alexjbarnes/oidc-session/internal/logging"
)

var Version = "dev"

const usage = `usage: oidc-session <command> [args]

commands:
  login        sign in through the identity provider
  status       show whether a token is stored and when it expires
  whoami       fetch and print the signed-in user's profile
  refresh      exchange the refresh token for new tokens
  token        print the current access token
  call PATH    GET PATH on the backend with the stored token
  logout       clear tokens and print the provider logout URL
  version      print the version
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: no command", errUsage)
	}

	switch args[0] {
	case "version":
		fmt.Fprintln(out, Version)
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Debug("oidc-session starting",
		slog.String("version", Version),
		slog.String("command", args[0]),
		slog.Bool("discovery", cfg.UseDiscovery()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger, out)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.dispatch(ctx, args[0], args[1:])
}
