package handler

import (
	"net/http"
	"strings"

	"github.com/rs-labo46/ec-backend/internal/domain/model"
	"github.com/rs-labo46/ec-backend/internal/middleware"
	"github.com/rs-labo46/ec-backend/internal/usecase"

	"github.com/labstack/echo/v4"
)

// 匿名カートのキー
const sessionKeyHeader = "X-Session-Key"

type ErrorResponse struct {
	Error string `json:"error"`
}

type SuccessResponse struct {
	Message string `json:"message"`
}

func writeError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}
	if he, ok := usecase.AsHTTPError(err); ok {
		return c.JSON(he.Status, ErrorResponse{Error: he.Message})
	}

	//500
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
}

//middleware.AuthJWT が c.Set("user_id", int64) した値を取り出す
func getUserIDFromContext(c echo.Context) (int64, bool) {
	v := c.Get(middleware.CtxUserIDKey)
	if v == nil {
		return 0, false
	}

	id, ok := v.(int64)
	if !ok {
		return 0, false
	}

	return id, true
}

// ログイン中ならユーザー、そうでなければセッションキー
func cartOwnerFromContext(c echo.Context) model.CartOwner {
	if id, ok := getUserIDFromContext(c); ok {
		return model.CartOwner{UserID: id}
	}
	key := strings.TrimSpace(c.Request().Header.Get(sessionKeyHeader))
	if len(key) > 64 {
		return model.CartOwner{}
	}
	return model.CartOwner{SessionKey: key}
}
