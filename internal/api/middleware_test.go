package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/tutorlink/chat-service/internal/database"
	"github.com/tutorlink/chat-service/internal/identity"
	"github.com/tutorlink/chat-service/internal/profile"
)

func signTestToken(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	assert.NoError(t, err, "expected test token to sign")
	return signed
}

func Test_authMiddleware(t *testing.T) {
	s := newTestServer(t, &database.MockChatRepository{}, &profile.MockStore{})

	t.Run("passes the verified user to the handler", func(t *testing.T) {
		tokenString := signTestToken(t, []byte("secret"), jwt.MapClaims{
			"user-id":      "alice",
			"display-name": "Alice",
			"exp":          time.Now().Add(time.Hour).Unix(),
		})

		var called bool
		handler := s.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
			called = true
			user, ok := identity.CurrentUser(r.Context())
			assert.True(t, ok, "expected user on request context")
			assert.Equal(t, "alice", user.Id, "expected user id from token")
			assert.Equal(t, "Alice", user.DisplayName, "expected display name from token")
			w.WriteHeader(http.StatusOK)
		})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req.AddCookie(&http.Cookie{Name: identity.TokenCookieName, Value: tokenString})
		handler(rr, req)

		assert.True(t, called, "expected handler to be called")
		assert.Equal(t, http.StatusOK, rr.Code, "expected status code to be 200")
		assert.Contains(t, rr.Header().Get("Cache-Control"), "no-store", "expected no-store cache header")
	})

	t.Run("rejects request without cookie", func(t *testing.T) {
		handler := s.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called")
		})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		handler(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected status code to be 401")
	})

	t.Run("rejects invalid token", func(t *testing.T) {
		handler := s.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called")
		})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req.AddCookie(&http.Cookie{Name: identity.TokenCookieName, Value: "not-a-token"})
		handler(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected status code to be 401")
	})

	t.Run("rejects token signed with another key", func(t *testing.T) {
		tokenString := signTestToken(t, []byte("some-other-key"), jwt.MapClaims{
			"user-id": "alice",
			"exp":     time.Now().Add(time.Hour).Unix(),
		})

		handler := s.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called")
		})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req.AddCookie(&http.Cookie{Name: identity.TokenCookieName, Value: tokenString})
		handler(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected status code to be 401")
	})
}

func Test_errorHandler(t *testing.T) {
	s := newTestServer(t, &database.MockChatRepository{}, &profile.MockStore{})

	handler := s.errorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/messages", nil)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code, "expected status code to be 500")
	assert.Equal(t, "close", rr.Header().Get("Connection"), "expected connection close header")
}
