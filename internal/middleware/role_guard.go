package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// RequireRole はAuthJWTの後ろに置く。contextのroleがrolesのどれかなら通す
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, _ := c.Get(CtxUserRoleKey).(string)
			if role == "" {
				return c.JSON(http.StatusUnauthorized, errorJSON("unauthorized"))
			}
			if _, ok := allowed[role]; !ok {
				return c.JSON(http.StatusForbidden, errorJSON("forbidden"))
			}
			return next(c)
		}
	}
}

// 管理画面用（注文一覧・ステータス更新・監査ログ）
func AdminRoleGuard() echo.MiddlewareFunc {
	return RequireRole(RoleAdmin)
}
