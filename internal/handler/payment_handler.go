package handler

import (
	"net/http"

	"github.com/rs-labo46/ec-backend/internal/usecase"

	"github.com/labstack/echo/v4"
)

// /payments の支払い開始と確認
type PaymentHandler struct {
	payments *usecase.PaymentUsecase
	orders   *usecase.OrderUsecase
}

func NewPaymentHandler(payments *usecase.PaymentUsecase, orders *usecase.OrderUsecase) *PaymentHandler {
	return &PaymentHandler{payments: payments, orders: orders}
}

type ChargeRequest struct {
	CartID    int64  `json:"cart_id"`
	Reference string `json:"reference"`
	ReturnURL string `json:"return_url"`
}

type TaskAcceptedResponse struct {
	TaskID string `json:"task_id"`
}

type PaymentCheckResponse struct {
	IsPaid bool `json:"is_paid"`
}

func (h *PaymentHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/payments")

	g.POST("/charge", h.charge)
	g.POST("/charge/async", h.chargeAsync)
	g.GET("/tasks/:id", h.task)
	g.GET("/check/:reference", h.check)
}

func (h *PaymentHandler) charge(c echo.Context) error {
	var req ChargeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid body"})
	}

	out, err := h.payments.Charge(c.Request().Context(), usecase.ChargeInput(req))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// ジョブを積んで202
func (h *PaymentHandler) chargeAsync(c echo.Context) error {
	var req ChargeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid body"})
	}

	id, err := h.payments.SubmitCharge(c.Request().Context(), usecase.ChargeInput(req))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, TaskAcceptedResponse{TaskID: id})
}

func (h *PaymentHandler) task(c echo.Context) error {
	st, err := h.payments.TaskStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *PaymentHandler) check(c echo.Context) error {
	paid, err := h.orders.CheckPayment(c.Request().Context(), c.Param("reference"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, PaymentCheckResponse{IsPaid: paid})
}
