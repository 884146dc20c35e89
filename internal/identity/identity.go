// Package identity consumes the platform's identity provider: it verifies
// session tokens and exposes the acting user to request handlers. Issuing
// credentials and managing accounts happen elsewhere.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/tutorlink/chat-service/internal/types"
)

const TokenCookieName = "token"

const (
	userIdClaim = "user-id"
	nameClaim   = "display-name"
	emailClaim  = "email"
)

type contextKey string

const userKey contextKey = "current-user"

type Verifier struct {
	signingKey []byte
}

func NewVerifier(signingKey []byte) *Verifier {
	return &Verifier{signingKey: signingKey}
}

// Verify parses a session token issued by the identity provider and
// returns the user it identifies.
func (v *Verifier) Verify(tokenString string) (types.User, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.signingKey, nil
	})
	if err != nil {
		return types.User{}, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return types.User{}, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.User{}, fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		return types.User{}, fmt.Errorf("invalid user id claim")
	}

	user := types.User{Id: userId}
	if name, ok := claims[nameClaim].(string); ok {
		user.DisplayName = name
	}
	if email, ok := claims[emailClaim].(string); ok {
		user.Email = email
	}

	return user, nil
}

func WithUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// CurrentUser returns the acting user placed on the context by the auth
// middleware.
func CurrentUser(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(userKey).(types.User)
	return user, ok
}

// ExpiredCookie overwrites the session cookie so the browser drops it.
func ExpiredCookie() *http.Cookie {
	return &http.Cookie{
		Name:     TokenCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}
