package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ErrNotAuthenticated is returned when no credential has ever been stored.
var ErrNotAuthenticated = errors.New("not authenticated - run the auth flow first")

// refreshMargin is how long before expiry a token is refreshed, so a
// request is never issued with a credential about to lapse mid-flight.
const refreshMargin = 60 * time.Second

// TokenStore owns the OAuth credential for one Strava account. It persists
// the credential to a JSON file after every exchange or refresh, so a
// process restart never loses a valid session.
type TokenStore struct {
	mu     sync.Mutex
	config *oauth2.Config
	path   string
	token  *oauth2.Token
}

// storedToken is the on-disk credential layout.
type storedToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// NewTokenStore creates a TokenStore persisting to dir/tokens.json.
func NewTokenStore(cfg *oauth2.Config, dir string) *TokenStore {
	return &TokenStore{
		config: cfg,
		path:   filepath.Join(dir, "tokens.json"),
	}
}

// Load reads a previously persisted credential. Missing file is not an
// error; the store simply stays unauthenticated until Exchange is called.
func (s *TokenStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading token file: %w", err)
	}

	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parsing token file: %w", err)
	}

	s.token = &oauth2.Token{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		Expiry:       st.ExpiresAt,
	}
	return nil
}

// Exchange performs the one-time authorization-code exchange and persists
// the resulting credential before returning it.
func (s *TokenStore) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := s.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	if err := s.save(); err != nil {
		return nil, err
	}
	return token, nil
}

// EnsureValid returns the current credential, refreshing it first when it
// has expired or is within the safety margin. A successful refresh is
// persisted before returning. Every call site that talks to the Strava API
// goes through this.
func (s *TokenStore) EnsureValid(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil {
		return nil, ErrNotAuthenticated
	}
	if time.Until(s.token.Expiry) > refreshMargin {
		return s.token, nil
	}

	if s.token.RefreshToken == "" {
		return nil, errors.New("token expired and no refresh token available")
	}

	// oauth2's token source reuses a token until it is within its own
	// 10-second expiry delta. A token inside our wider margin would come
	// back unchanged, so hand the source a copy that is already expired.
	stale := *s.token
	stale.Expiry = time.Now().Add(-time.Minute)

	newToken, err := s.config.TokenSource(ctx, &stale).Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	s.token = newToken
	if err := s.save(); err != nil {
		return nil, err
	}
	return newToken, nil
}

// Authenticated reports whether a credential is present (valid or not).
func (s *TokenStore) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != nil
}

// save persists the credential with a write-then-rename so a crash
// mid-write never leaves a corrupt token file. Caller holds the lock.
func (s *TokenStore) save() error {
	st := storedToken{
		AccessToken:  s.token.AccessToken,
		RefreshToken: s.token.RefreshToken,
		ExpiresAt:    s.token.Expiry,
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding tokens: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("renaming token file: %w", err)
	}
	return nil
}
