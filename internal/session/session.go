// Package session holds the process-wide view of who is signed in. The
// view layer reads it and calls FetchProfile or EnsureProfile; only the
// auth flow resets it.
package session

//go:generate mockgen -source=session.go -destination=mock_deps_test.go -package=session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	apperrors "github.com/alexjbarnes/oidc-session/internal/errors"
	"github.com/alexjbarnes/oidc-session/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Status is the session state machine position.
type Status int

const (
	StatusUnauthenticated Status = iota
	StatusLoading
	StatusAuthenticated
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusLoading:
		return "loading"
	case StatusAuthenticated:
		return "authenticated"
	case StatusError:
		return "error"
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// TokenReader is the read side of the token store.
type TokenReader interface {
	Read() (*models.TokenRecord, error)
	IsExpired() bool
}

// ProfileFetcher calls the userinfo endpoint with a bearer token.
type ProfileFetcher interface {
	UserInfo(ctx context.Context, token *oauth2.Token) (*models.Profile, error)
}

// Snapshot is an immutable copy of the session at one point in time.
type Snapshot struct {
	Status    Status
	Profile   *models.Profile
	LastError error
}

// Loading reports whether a profile fetch is in progress.
func (s Snapshot) Loading() bool {
	return s.Status == StatusLoading
}

// State is the session state machine. It is safe for concurrent use.
type State struct {
	store   TokenReader
	fetcher ProfileFetcher
	logger  *slog.Logger

	mu       sync.RWMutex
	status   Status
	profile  *models.Profile
	lastErr  error
	gen      uint64
	watchers map[chan Snapshot]struct{}

	fetches singleflight.Group
}

// New returns an unauthenticated session. It performs no I/O.
func New(store TokenReader, fetcher ProfileFetcher, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}

	return &State{
		store:    store,
		fetcher:  fetcher,
		logger:   logger,
		status:   StatusUnauthenticated,
		watchers: make(map[chan Snapshot]struct{}),
	}
}

// FetchProfile loads the profile for the stored access token. Without a
// token it fails with ErrNoToken and makes no network call. A failed
// fetch clears the profile and is returned as-is; reacting to it (for
// example by sending the user to login) is the caller's decision.
// Concurrent calls for the same token share one request.
func (s *State) FetchProfile(ctx context.Context) (*models.Profile, error) {
	rec, err := s.store.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrNoToken, err)
	}

	if rec == nil || rec.AccessToken == "" {
		return nil, apperrors.ErrNoToken
	}

	// Keyed by token: a caller holding a newer token must not join a
	// fetch made for an older one.
	ch := s.fetches.DoChan(rec.AccessToken, func() (any, error) {
		return s.fetch(context.WithoutCancel(ctx), rec.OAuth2Token())
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*models.Profile).Clone(), nil
	}
}

func (s *State) fetch(ctx context.Context, token *oauth2.Token) (*models.Profile, error) {
	s.mu.Lock()
	gen := s.gen
	s.status = StatusLoading
	s.lastErr = nil
	s.notifyLocked()
	s.mu.Unlock()

	profile, err := s.fetcher.UserInfo(ctx, token)

	s.mu.Lock()
	defer s.mu.Unlock()

	// A reset while the request was in flight wins over its result.
	if gen != s.gen {
		return nil, fmt.Errorf("%w: session ended during fetch", apperrors.ErrProfileFetchFailed)
	}

	if err != nil {
		err = fmt.Errorf("%w: %w", apperrors.ErrProfileFetchFailed, err)
		s.status = StatusError
		s.profile = nil
		s.lastErr = err
		s.notifyLocked()
		s.logger.Warn("profile fetch failed", slog.String("error", err.Error()))

		return nil, err
	}

	s.status = StatusAuthenticated
	s.profile = profile.Clone()
	s.notifyLocked()
	s.logger.Debug("profile loaded", slog.String("subject", profile.Subject), slog.Int("roles", len(profile.Roles)))

	return profile, nil
}

// EnsureProfile is what a page that needs a session calls on first
// render: it fetches only when no profile is held yet.
func (s *State) EnsureProfile(ctx context.Context) (*models.Profile, error) {
	if p := s.Profile(); p != nil {
		return p, nil
	}

	return s.FetchProfile(ctx)
}

// Reset returns the session to Unauthenticated and discards the result
// of any fetch still in flight. Called by the auth flow on logout and on
// refresh failure.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	s.status = StatusUnauthenticated
	s.profile = nil
	s.lastErr = nil
	s.notifyLocked()
}

// Profile returns a copy of the current profile, or nil.
func (s *State) Profile() *models.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile.Clone()
}

// Status returns the current state machine position.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Snapshot returns a consistent copy of the whole session.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	return Snapshot{
		Status:    s.status,
		Profile:   s.profile.Clone(),
		LastError: s.lastErr,
	}
}

// IsAuthenticated reports whether an unexpired access token is stored.
// It does not depend on the profile having been fetched.
func (s *State) IsAuthenticated() bool {
	rec, err := s.store.Read()
	if err != nil || rec == nil || rec.AccessToken == "" {
		return false
	}

	return !s.store.IsExpired()
}

// HasRole reports whether the current profile carries role.
func (s *State) HasRole(role string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile.HasRole(role)
}

// Watch delivers the current snapshot and then one per transition until
// ctx is done, when the channel is closed. A slow reader only ever sees
// the latest snapshot; intermediate ones are dropped.
func (s *State) Watch(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// notifyLocked must be called with mu held for writing.
func (s *State) notifyLocked() {
	if len(s.watchers) == 0 {
		return
	}

	snap := s.snapshotLocked()
	for ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
