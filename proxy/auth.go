package proxy

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MainListActivity/cuckoox-google-sub014/config"
)

// CustomClaims defines the structure of the JWT claims presented by
// registering clients. Scopes carry the opaque write-permission grants
// evaluated by ClientSession.CanWrite.
type CustomClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// JWTValidator handles JWT validation for the client-facing handshake.
// It only verifies signature and standard claims; the remote database is
// the authority on whether the session is still acceptable.
type JWTValidator struct {
	cfg *config.AuthConfig
}

// NewJWTValidator creates a new JWT validator.
func NewJWTValidator(cfg *config.AuthConfig) *JWTValidator {
	return &JWTValidator{cfg: cfg}
}

// ValidateToken parses and validates a JWT string, checking the signature
// and standard claims like expiration.
func (v *JWTValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, fmt.Errorf("could not cast claims to CustomClaims")
	}
	return claims, nil
}
