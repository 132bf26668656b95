// Package auth verifies bearer credentials presented on the websocket
// handshake and HTTP API.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/chatverse/internal/apperr"
)

// Claims carries the participant id in the "id" claim.
type Claims struct {
	ID string `json:"id"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether a signing secret is configured.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify returns the participant id of a valid HS256 token.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", apperr.Authentication("missing token", nil)
	}
	if !v.Enabled() {
		return "", apperr.Authentication("token verification is not configured", nil)
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", apperr.Authentication("token expired", err)
		}
		return "", apperr.Authentication("invalid token", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.ID == "" {
		return "", apperr.Authentication("invalid token claims", nil)
	}
	return claims.ID, nil
}

// Issue signs a token for participantID valid for ttl.
func (v *Verifier) Issue(participantID string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", errors.New("auth: jwt secret is empty")
	}
	now := time.Now()
	claims := Claims{
		ID: participantID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest looks for a credential in the Authorization header, the
// token query parameter and the access_token cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	if cookie, err := r.Cookie("access_token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}
