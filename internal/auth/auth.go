package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/arenalive/relay/internal/protocol"
	"github.com/arenalive/relay/pkg/state"
	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates a client-supplied token and returns the identity it
// vouches for. Implementations wrap whatever the platform's identity service
// speaks; the relay only cares about this contract.
type Verifier interface {
	Verify(ctx context.Context, token string) (*state.Identity, error)
}

// Claims is the token payload the platform issues.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed platform tokens locally.
type JWTVerifier struct {
	secret []byte
}

var _ Verifier = (*JWTVerifier)(nil)

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (*state.Identity, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: no token supplied", protocol.ErrAuthenticationRequired)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: token validation failed: %v", protocol.ErrAuthenticationRequired, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, fmt.Errorf("%w: token missing subject", protocol.ErrAuthenticationRequired)
	}

	return &state.Identity{
		UserID:          claims.Subject,
		AuthenticatedAt: time.Now(),
	}, nil
}
