// Package state persists the session's token record in a bbolt database
// so it survives process restarts.
package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/alexjbarnes/oidc-session/internal/config"
	"github.com/alexjbarnes/oidc-session/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.oidc-session/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	authBucket      = []byte("auth")
	accessTokenKey  = []byte("access_token")
	refreshTokenKey = []byte("refresh_token")
	tokenExpiryKey  = []byte("token_expiry")
)

// TokenStore wraps a bbolt database holding the access token, refresh
// token and expiry instant. Writes replace the whole record in a single
// transaction so readers never see a torn mix of old and new values.
type TokenStore struct {
	db  *bolt.DB
	now func() time.Time
}

// Load opens the token database at ~/.oidc-session/state.db, creating it
// if it does not exist.
func Load() (*TokenStore, error) {
	path, err := config.DefaultStatePath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a token database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*TokenStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(authBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &TokenStore{db: db, now: time.Now}, nil
}

// SetClock replaces the time source used for expiry computation.
func (s *TokenStore) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the database.
func (s *TokenStore) Close() error {
	return s.db.Close()
}

// Write persists a grant, computing ExpiresAt as now + ExpiresIn seconds.
// A grant without a refresh token removes any previously stored one.
func (s *TokenStore) Write(grant models.TokenGrant) (*models.TokenRecord, error) {
	if grant.AccessToken == "" {
		return nil, fmt.Errorf("writing tokens: empty access token")
	}

	rec := &models.TokenRecord{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    s.now().Add(time.Duration(grant.ExpiresIn) * time.Second).Truncate(time.Millisecond),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(authBucket)

		if err := b.Put(accessTokenKey, []byte(rec.AccessToken)); err != nil {
			return err
		}

		if rec.RefreshToken != "" {
			if err := b.Put(refreshTokenKey, []byte(rec.RefreshToken)); err != nil {
				return err
			}
		} else if err := b.Delete(refreshTokenKey); err != nil {
			return err
		}

		expiry := strconv.FormatInt(rec.ExpiresAt.UnixMilli(), 10)

		return b.Put(tokenExpiryKey, []byte(expiry))
	})
	if err != nil {
		return nil, fmt.Errorf("writing tokens: %w", err)
	}

	return rec, nil
}

// Read returns the persisted record, or nil if nothing is stored. A
// missing or unparseable expiry yields a zero ExpiresAt.
func (s *TokenStore) Read() (*models.TokenRecord, error) {
	var rec *models.TokenRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(authBucket)

		access := b.Get(accessTokenKey)
		if access == nil {
			return nil
		}

		rec = &models.TokenRecord{
			AccessToken:  string(access),
			RefreshToken: string(b.Get(refreshTokenKey)),
		}

		if ms, ok := parseExpiry(b.Get(tokenExpiryKey)); ok {
			rec.ExpiresAt = time.UnixMilli(ms)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading tokens: %w", err)
	}

	return rec, nil
}

// Clear removes all persisted token fields. Clearing an empty store is
// not an error.
func (s *TokenStore) Clear() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(authBucket)
		for _, k := range [][]byte{accessTokenKey, refreshTokenKey, tokenExpiryKey} {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("clearing tokens: %w", err)
	}

	return nil
}

// IsExpired reports whether the stored token is expired. No stored
// expiry, an unreadable one, or a database error all count as expired.
func (s *TokenStore) IsExpired() bool {
	var (
		ms int64
		ok bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		ms, ok = parseExpiry(tx.Bucket(authBucket).Get(tokenExpiryKey))
		return nil
	})
	if err != nil || !ok {
		return true
	}

	return s.now().UnixMilli() > ms
}

func parseExpiry(v []byte) (int64, bool) {
	if v == nil {
		return 0, false
	}

	ms, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, false
	}

	return ms, true
}
