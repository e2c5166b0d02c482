package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Exchanger talks to the credentials endpoints of the external API.
// marketapi.Client implements it.
type Exchanger interface {
	// AuthUser exchanges configured credentials for a refresh token.
	AuthUser(ctx context.Context) (refreshToken string, err error)

	// AuthRefresh derives a short-lived id token from a refresh token.
	AuthRefresh(ctx context.Context, refreshToken string) (idToken string, expiry time.Time, err error)
}

// DefaultExpiryMargin is how close to expiry an id token may get before the
// cache refreshes it.
const DefaultExpiryMargin = 5 * time.Minute

// Cache serves valid id tokens for one logical identity, refreshing from the
// refresh token on expiry and re-authenticating when the refresh token itself
// is absent or rejected. All methods are concurrency-safe; simultaneous
// callers coalesce into a single refresh.
type Cache struct {
	key    string
	store  Store
	ex     Exchanger
	margin time.Duration

	mu sync.Mutex // serializes refreshes; fast path reads skip stale work under it
}

func NewCache(key string, st Store, ex Exchanger) *Cache {
	return &Cache{key: key, store: st, ex: ex, margin: DefaultExpiryMargin}
}

// SetExpiryMargin overrides the refresh safety margin.
func (c *Cache) SetExpiryMargin(d time.Duration) {
	c.margin = d
}

// IDToken returns a bearer token valid for at least the safety margin.
func (c *Cache) IDToken(ctx context.Context) (string, error) {
	if tok, ok := c.cached(ctx); ok {
		return tok, nil
	}

	// One refresh at a time. Losers of the race re-check the store and
	// find the winner's token.
	c.mu.Lock()
	defer c.mu.Unlock()

	if tok, ok := c.cached(ctx); ok {
		return tok, nil
	}
	return c.refresh(ctx)
}

// Invalidate drops the cached record, forcing full re-authentication on the
// next IDToken call. Workers call this after an auth failure.
func (c *Cache) Invalidate(ctx context.Context) error {
	return c.store.Delete(ctx, c.key)
}

func (c *Cache) cached(ctx context.Context) (string, bool) {
	rec, err := c.store.Get(ctx, c.key)
	if err != nil {
		if !errors.Is(err, ErrNotCached) {
			slog.Warn("token store read failed", "key", c.key, "error", err)
		}
		return "", false
	}
	if rec.IDToken == "" || time.Until(rec.IDTokenExpiry) <= c.margin {
		return "", false
	}
	return rec.IDToken, true
}

// refresh obtains a fresh id token, re-authenticating for a refresh token
// first when none is cached. Caller holds c.mu.
func (c *Cache) refresh(ctx context.Context) (string, error) {
	rec, err := c.store.Get(ctx, c.key)
	if err != nil {
		if !errors.Is(err, ErrNotCached) {
			return "", fmt.Errorf("token store: %w", err)
		}
		rec = &Record{Key: c.key}
	}

	if rec.RefreshToken == "" {
		refresh, err := c.ex.AuthUser(ctx)
		if err != nil {
			return "", fmt.Errorf("credentials exchange: %w", err)
		}
		rec.RefreshToken = refresh
	}

	idToken, expiry, err := c.ex.AuthRefresh(ctx, rec.RefreshToken)
	if err != nil {
		// The refresh token may itself have expired; re-authenticate once.
		refresh, authErr := c.ex.AuthUser(ctx)
		if authErr != nil {
			return "", fmt.Errorf("token refresh: %w", err)
		}
		rec.RefreshToken = refresh
		idToken, expiry, err = c.ex.AuthRefresh(ctx, rec.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("token refresh after reauth: %w", err)
		}
	}

	rec.IDToken = idToken
	rec.IDTokenExpiry = expiry
	if err := c.store.Put(ctx, rec); err != nil {
		slog.Warn("token store write failed", "key", c.key, "error", err)
	}

	slog.Debug("id token refreshed", "key", c.key, "expiry", expiry)
	return idToken, nil
}
