package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoClaimsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil {
			http.Error(w, "no claims", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(claims.Subject))
	})
}

func TestMiddlewareRejectsMissingAuthorizationHeader(t *testing.T) {
	v, _ := newTestValidator(t)
	handler := v.Middleware(echoClaimsHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRejectsNonBearerScheme(t *testing.T) {
	v, _ := newTestValidator(t)
	handler := v.Middleware(echoClaimsHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewarePassesClaimsThroughOnValidToken(t *testing.T) {
	v, priv := newTestValidator(t)
	handler := v.Middleware(echoClaimsHandler())

	tok := signTestToken(t, priv, testIssuer, testAudience, "user-42", nil, time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-42", rec.Body.String())
}

func TestRequireRoleRejectsWrongRole(t *testing.T) {
	v, priv := newTestValidator(t)
	handler := RequireRole(v, "admin")(echoClaimsHandler())

	tok := signTestToken(t, priv, testIssuer, testAudience, "user-1", map[string]interface{}{"role": "viewer"}, time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireRoleAllowsMatchingRole(t *testing.T) {
	v, priv := newTestValidator(t)
	handler := RequireRole(v, "admin")(echoClaimsHandler())

	tok := signTestToken(t, priv, testIssuer, testAudience, "user-1", map[string]interface{}{"role": "admin"}, time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
