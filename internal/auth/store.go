// Package auth holds the chat client's session credentials. It hands out the
// current bearer token, refreshes it when it is close to expiry, and notifies
// subscribers whenever a new credential is stored.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"souk-chat/internal/models"
)

// ErrNoRefreshToken is returned by Refresh when the store has nothing to
// exchange.
var ErrNoRefreshToken = errors.New("no refresh token")

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*models.AuthTokens, error)
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	access  string
	refresh string
	subs    map[int]chan struct{}
	nextSub int

	refreshMu sync.Mutex // serialises refresh round-trips
	refresher Refresher
	skew      time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSkew sets how long before expiry a token is considered stale.
func WithSkew(d time.Duration) StoreOption {
	return func(s *Store) { s.skew = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store. refresher may be nil, in which case the
// store only ever returns the tokens it was given.
func NewStore(refresher Refresher, logger zerolog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		subs:      make(map[int]chan struct{}),
		refresher: refresher,
		skew:      30 * time.Second,
		now:       time.Now,
		logger:    logger.With().Str("component", "auth").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Set stores a new credential pair and notifies subscribers if the access
// token changed.
func (s *Store) Set(tokens models.AuthTokens) {
	s.mu.Lock()
	changed := tokens.AccessToken != "" && tokens.AccessToken != s.access
	if tokens.AccessToken != "" {
		s.access = tokens.AccessToken
	}
	if tokens.RefreshToken != "" {
		s.refresh = tokens.RefreshToken
	}
	targets := make([]chan struct{}, 0, len(s.subs))
	if changed {
		for _, ch := range s.subs {
			targets = append(targets, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- struct{}{}:
		default:
			// a signal is already pending
		}
	}
}

// Token returns the current access token, possibly empty.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// RefreshTokenValue returns the stored refresh token.
func (s *Store) RefreshTokenValue() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// Fresh returns a usable access token: the current one if it is not about to
// expire, otherwise a refreshed one. Refresh failures fall back to whatever is
// currently stored, which may be empty.
func (s *Store) Fresh(ctx context.Context) string {
	current := s.Token()
	if current != "" && !s.expiringSoon(current) {
		return current
	}

	token, err := s.Refresh(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoRefreshToken) {
			s.logger.Warn().Err(err).Msg("token refresh failed, using existing credential")
		}
		return s.Token()
	}
	return token
}

// Refresh forces a refresh round-trip and stores the result.
func (s *Store) Refresh(ctx context.Context) (string, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	refresh := s.RefreshTokenValue()
	if refresh == "" || s.refresher == nil {
		return "", ErrNoRefreshToken
	}

	tokens, err := s.refresher.RefreshToken(ctx, refresh)
	if err != nil {
		return "", err
	}
	s.Set(*tokens)
	s.logger.Debug().Msg("access token refreshed")
	return tokens.AccessToken, nil
}

// Subscribe returns a channel signalled whenever a new access token is
// stored, and a function that cancels the subscription.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) expiringSoon(token string) bool {
	exp, ok := ExpiresAt(token)
	if !ok {
		return false
	}
	return !s.now().Add(s.skew).Before(exp)
}

// ExpiresAt reads the exp claim of a JWT without verifying its signature.
// Opaque or malformed tokens report ok=false.
func ExpiresAt(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
