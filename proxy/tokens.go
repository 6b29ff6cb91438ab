package proxy

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MainListActivity/cuckoox-google-sub014/tokens"
)

// TokenManager wraps the token store with the expiry safety margin: a
// token close enough to its expiry is reported as absent so an in-flight
// request never races a dying session. It never initiates a login or a
// refresh; that belongs to the auth collaborator on the client side.
type TokenManager struct {
	store  tokens.Store
	margin time.Duration
	now    func() time.Time
}

func NewTokenManager(store tokens.Store, margin time.Duration) *TokenManager {
	return &TokenManager{store: store, margin: margin, now: time.Now}
}

// SetTokens persists a token set. When the caller does not say how long
// the token lives, the expiry is read from the JWT exp claim; a token
// carrying neither gets a conservative one-hour lifetime.
func (tm *TokenManager) SetTokens(ctx context.Context, access, refresh string, expiresIn time.Duration) error {
	expiresAt := tm.now().Add(time.Hour)
	if expiresIn > 0 {
		expiresAt = tm.now().Add(expiresIn)
	} else if exp, ok := jwtExpiry(access); ok {
		expiresAt = exp
	}

	return tm.store.Save(ctx, &tokens.Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	})
}

// GetTokens returns the stored token set, or nil when nothing is stored
// or the access token is inside the safety margin of its expiry.
func (tm *TokenManager) GetTokens(ctx context.Context) (*tokens.Tokens, error) {
	t, err := tm.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	if !tm.now().Before(t.ExpiresAt.Add(-tm.margin)) {
		return nil, nil
	}
	return t, nil
}

// ClearTokens removes the stored token set.
func (tm *TokenManager) ClearTokens(ctx context.Context) error {
	return tm.store.Clear(ctx)
}

// IsAuthenticated reports whether a usable token is stored.
func (tm *TokenManager) IsAuthenticated(ctx context.Context) bool {
	t, err := tm.GetTokens(ctx)
	return err == nil && t != nil
}

// jwtExpiry extracts the exp claim without verifying the signature; the
// gateway stores tokens on the client's behalf, it does not trust them.
func jwtExpiry(tokenString string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
