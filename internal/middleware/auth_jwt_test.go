package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs-labo46/ec-backend/internal/config"
	"github.com/rs-labo46/ec-backend/internal/middleware"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func validClaims(role string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":  "7",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
}

// 通過したら context の中身を返す
func newAuthServer(mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.GET("/p", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"user_id": c.Get(middleware.CtxUserIDKey),
			"role":    c.Get(middleware.CtxUserRoleKey),
		})
	}, mw...)
	return e
}

func get(e *echo.Echo, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAuthJWT(t *testing.T) {
	cfg := config.Config{JWTSecret: testSecret}
	e := newAuthServer(middleware.AuthJWT(cfg))

	expired := validClaims("USER")
	expired["exp"] = time.Now().Add(-time.Minute).Unix()

	cases := []struct {
		name       string
		authz      string
		wantStatus int
	}{
		{"valid", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("USER")), http.StatusOK},
		{"numeric sub", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"sub": 7, "role": "USER"}), http.StatusOK},
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, jwt.SigningMethodHS256, "other", validClaims("USER")), http.StatusUnauthorized},
		{"other alg", "Bearer " + signToken(t, jwt.SigningMethodHS512, testSecret, validClaims("USER")), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, expired), http.StatusUnauthorized},
		{"no role", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"sub": "7"}), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := get(e, tc.authz)
			assert.Equal(t, tc.wantStatus, rec.Code)
		})
	}
}

func TestAuthJWT_SetsContext(t *testing.T) {
	e := newAuthServer(middleware.AuthJWT(config.Config{JWTSecret: testSecret}))
	rec := get(e, "Bearer "+signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("ADMIN")))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":7,"role":"ADMIN"}`, rec.Body.String())
}

func TestOptionalAuthJWT(t *testing.T) {
	e := newAuthServer(middleware.OptionalAuthJWT(config.Config{JWTSecret: testSecret}))

	// 匿名は通す
	rec := get(e, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":null,"role":null}`, rec.Body.String())

	rec = get(e, "Bearer "+signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("USER")))
	assert.Equal(t, http.StatusOK, rec.Code)

	// 壊れたトークンは匿名に落とさない
	rec = get(e, "Bearer broken")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoleGuard(t *testing.T) {
	cfg := config.Config{JWTSecret: testSecret}
	e := newAuthServer(middleware.AuthJWT(cfg), middleware.AdminRoleGuard())

	rec := get(e, "Bearer "+signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("ADMIN")))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(e, "Bearer "+signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("USER")))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireRole_NoRoleInContext(t *testing.T) {
	// AuthJWTを通していない
	e := newAuthServer(middleware.RequireRole(middleware.RoleAdmin, middleware.RoleUser))
	rec := get(e, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
