// Package adminauth gates the executor's administrative operations (spec
// §4.14) when exposed over a network boundary rather than called
// in-process: clearing a cooldown, adding a self-identity string,
// invalidating a cached skill are destructive enough that an
// unauthenticated caller should never reach them. Grounded on the
// teacher's internal/relay JWT issuance and verification shape
// (IssueWingJWT/ValidateWingJWT), adapted from per-connection ES256
// device identity to a single operator-held HMAC bearer token — there is
// one administrator, not a fleet of devices to individually authenticate.
package adminauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims carried by an administrative bearer token.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// Verifier checks administrative bearer tokens against a configured HMAC
// secret. In-process Go callers (the executor's own methods) bypass this
// entirely — it gates only the optional network surface.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier from a shared HMAC secret. An empty secret
// is refused: a verifier that accepts every token is not a verifier.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("adminauth: secret is required")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// IssueToken signs a new administrative bearer token valid for ttl.
func (v *Verifier) IssueToken(subject, scope string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		Scope: scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// Verify checks a bearer token's signature and expiry and returns its
// claims. It does not itself decide whether the claimed scope authorizes
// any particular operation — callers compare Claims.Scope against what
// the requested operation needs.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse admin token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid admin token claims")
	}
	return claims, nil
}
