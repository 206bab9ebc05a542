package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs-labo46/ec-backend/internal/domain/model"
	"github.com/rs-labo46/ec-backend/internal/payment"
	repo "github.com/rs-labo46/ec-backend/internal/repository"
	"github.com/rs-labo46/ec-backend/internal/taskqueue"

	"github.com/shopspring/decimal"
)

// TaskQueue は支払い開始をHTTPの外で走らせる先
type TaskQueue interface {
	Submit(ctx context.Context, payload any) (string, error)
	Poll(ctx context.Context, id string) (taskqueue.Status, error)
}

type PaymentUsecase struct {
	tx      repo.TransactionManager
	gateway payment.Gateway
	queue   TaskQueue
	// return_url未指定のときの戻り先
	defaultReturnURL string
	log              *slog.Logger
}

func NewPaymentUsecase(tx repo.TransactionManager, gateway payment.Gateway, queue TaskQueue, defaultReturnURL string, logger *slog.Logger) *PaymentUsecase {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentUsecase{
		tx:               tx,
		gateway:          gateway,
		queue:            queue,
		defaultReturnURL: defaultReturnURL,
		log:              logger,
	}
}

// ChargeInput はカートか既存注文のどちらか一方を指定する
type ChargeInput struct {
	CartID    int64  `json:"cart_id,omitempty"`
	Reference string `json:"reference,omitempty"`
	ReturnURL string `json:"return_url,omitempty"`
}

func (in ChargeInput) validate() error {
	hasCart := in.CartID > 0
	hasRef := strings.TrimSpace(in.Reference) != ""
	if hasCart == hasRef {
		return WrapHTTPError(http.StatusBadRequest, "either cart_id or reference is required", ErrValidation)
	}
	if in.CartID < 0 {
		return WrapHTTPError(http.StatusBadRequest, "invalid cart_id", ErrValidation)
	}
	if len(in.Reference) > maxReferenceLen {
		return WrapHTTPError(http.StatusBadRequest, "reference too long", ErrValidation)
	}
	return nil
}

// Charge は同期で支払いを開始する（クライアントが明示的に選んだときだけ）
func (u *PaymentUsecase) Charge(ctx context.Context, in ChargeInput) (payment.PaymentAttempt, error) {
	if err := in.validate(); err != nil {
		return payment.PaymentAttempt{}, err
	}

	attempt, err := u.initiate(ctx, in)
	if err != nil {
		return payment.PaymentAttempt{}, chargeHTTPError(err)
	}
	return attempt, nil
}

// SubmitCharge はジョブを積んでハンドルだけ返す
func (u *PaymentUsecase) SubmitCharge(ctx context.Context, in ChargeInput) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}

	id, err := u.queue.Submit(ctx, in)
	if err != nil {
		u.log.Error("charge task submit failed", "err", err)
		return "", NewHTTPError(http.StatusInternalServerError, "enqueue failed")
	}
	u.log.Info("charge task submitted", "task_id", id, "cart_id", in.CartID, "reference", in.Reference)
	return id, nil
}

func (u *PaymentUsecase) TaskStatus(ctx context.Context, id string) (taskqueue.Status, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return taskqueue.Status{}, NewHTTPError(http.StatusBadRequest, "invalid task id")
	}

	st, err := u.queue.Poll(ctx, id)
	if errors.Is(err, taskqueue.ErrTaskNotFound) {
		return taskqueue.Status{}, NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return taskqueue.Status{}, NewHTTPError(http.StatusInternalServerError, "task store error")
	}
	return st, nil
}

// RunChargeJob はワーカーで実行される。エラーはClassifyChargeFailureで分類する
func (u *PaymentUsecase) RunChargeJob(ctx context.Context, payload []byte) (any, error) {
	var in ChargeInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("%w: decode charge job: %v", ErrValidation, err)
	}
	return u.initiate(ctx, in)
}

func (u *PaymentUsecase) initiate(ctx context.Context, in ChargeInput) (payment.PaymentAttempt, error) {
	var req payment.ChargeRequest
	var err error
	if in.CartID > 0 {
		req, err = u.cartChargeRequest(ctx, in.CartID)
	} else {
		req, err = u.orderChargeRequest(ctx, strings.TrimSpace(in.Reference))
	}
	if err != nil {
		return payment.PaymentAttempt{}, err
	}

	req.ReturnURL = in.ReturnURL
	if req.ReturnURL == "" {
		req.ReturnURL = u.defaultReturnURL
	}

	attempt, err := u.gateway.InitiateCharge(ctx, req)
	if err != nil {
		return payment.PaymentAttempt{}, err
	}
	u.log.Info("payment initiated",
		"provider", attempt.Provider,
		"reference", attempt.Reference,
		"amount", req.Amount.StringFixed(2),
	)
	return attempt, nil
}

// カートは現在価格で合計し直す
func (u *PaymentUsecase) cartChargeRequest(ctx context.Context, cartID int64) (payment.ChargeRequest, error) {
	var req payment.ChargeRequest

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		cart, err := r.Carts().FindByID(ctx, cartID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrCartNotFound
		}
		if err != nil {
			return fmt.Errorf("find cart: %w", err)
		}

		items, err := r.CartItems().ListByCartID(ctx, cart.ID)
		if err != nil {
			return fmt.Errorf("list cart items: %w", err)
		}
		if len(items) == 0 {
			return ErrEmptyCart
		}

		ids := make([]int64, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ProductID)
		}
		products, err := r.Products().FindByIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("find products: %w", err)
		}

		total, err := priceCart(items, products)
		if err != nil {
			return err
		}

		req = payment.ChargeRequest{
			Amount:    total,
			Reference: CartReference(cart, total),
			CartID:    cart.ID,
		}
		return nil
	})
	return req, err
}

// 既存注文は作成時に固定した合計を使う
func (u *PaymentUsecase) orderChargeRequest(ctx context.Context, reference string) (payment.ChargeRequest, error) {
	var req payment.ChargeRequest

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByReference(ctx, reference)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("find order: %w", err)
		}
		if o.Paid {
			return fmt.Errorf("%w: order already paid", ErrValidation)
		}

		req = payment.ChargeRequest{
			Amount:    o.TotalPrice,
			Reference: o.ReferenceValue(),
		}
		return nil
	})
	return req, err
}

// CartReference はカートからの支払い用reference。
// REF<cartID><userID>T<合計（小数点はP）>
// 合計は末尾の0を落とし、小数部は最低1桁（25 → 25P0、12.50 → 12P5）
func CartReference(cart model.Cart, total decimal.Decimal) string {
	amount := total.String()
	if !strings.Contains(amount, ".") {
		amount += ".0"
	}
	amount = strings.ReplaceAll(amount, ".", "P")
	return "REF" + strconv.FormatInt(cart.ID, 10) + strconv.FormatInt(cart.OwnerUserID(), 10) + "T" + amount
}

// ClassifyChargeFailure はタスクの失敗をクライアント向けのコードにする
func ClassifyChargeFailure(err error) taskqueue.Failure {
	var rejected *payment.RejectedError
	switch {
	case errors.Is(err, ErrCartNotFound):
		return taskqueue.Failure{Code: "cart_not_found", Message: "cart not found"}
	case errors.Is(err, ErrEmptyCart):
		return taskqueue.Failure{Code: "cart_empty", Message: "cart empty"}
	case errors.Is(err, ErrOrderNotFound):
		return taskqueue.Failure{Code: "order_not_found", Message: "order not found"}
	case errors.Is(err, ErrValidation):
		return taskqueue.Failure{Code: "validation", Message: err.Error()}
	case errors.Is(err, payment.ErrInvalidAmount):
		return taskqueue.Failure{Code: "invalid_amount", Message: "invalid amount"}
	case errors.As(err, &rejected):
		return taskqueue.Failure{Code: "gateway_rejected", Message: rejected.Message}
	case errors.Is(err, payment.ErrGatewayRejected):
		return taskqueue.Failure{Code: "gateway_rejected", Message: "payment rejected"}
	case errors.Is(err, payment.ErrGatewayUnavailable):
		return taskqueue.Failure{Code: "gateway_unavailable", Message: "payment gateway unavailable"}
	default:
		return taskqueue.Failure{Code: "internal", Message: "internal error"}
	}
}

func chargeHTTPError(err error) error {
	var rejected *payment.RejectedError
	switch {
	case errors.Is(err, ErrCartNotFound):
		return WrapHTTPError(http.StatusNotFound, "cart not found", err)
	case errors.Is(err, ErrOrderNotFound):
		return WrapHTTPError(http.StatusNotFound, "order not found", err)
	case errors.Is(err, ErrEmptyCart):
		return WrapHTTPError(http.StatusBadRequest, "cart empty", err)
	case errors.Is(err, ErrValidation):
		return WrapHTTPError(http.StatusBadRequest, err.Error(), err)
	case errors.Is(err, payment.ErrInvalidAmount):
		return WrapHTTPError(http.StatusBadRequest, "invalid amount", err)
	case errors.As(err, &rejected):
		return WrapHTTPError(http.StatusBadGateway, "payment rejected: "+rejected.Message, err)
	case errors.Is(err, payment.ErrGatewayRejected):
		return WrapHTTPError(http.StatusBadGateway, "payment rejected", err)
	case errors.Is(err, payment.ErrGatewayUnavailable):
		return WrapHTTPError(http.StatusServiceUnavailable, "payment gateway unavailable", err)
	default:
		return WrapHTTPError(http.StatusInternalServerError, "internal error", err)
	}
}
