package usecase

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rs-labo46/ec-backend/internal/domain/model"
	repo "github.com/rs-labo46/ec-backend/internal/repository"

	"github.com/shopspring/decimal"
)

const maxReferenceLen = 100

type OrderUsecase struct {
	tx       repo.TransactionManager
	pollWait time.Duration
	log      *slog.Logger
}

func NewOrderUsecase(tx repo.TransactionManager, pollWait time.Duration, logger *slog.Logger) *OrderUsecase {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderUsecase{tx: tx, pollWait: pollWait, log: logger}
}

type CreateOrderInput struct {
	UserID int64
	// ログイン前に積んだカート（ユーザーのカートが無いときに使う）
	SessionKey string
	Reference  *string
}

type OrderItemOutput struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Quantity  int64  `json:"quantity"`
}

type OrderOutput struct {
	ID         int64             `json:"id"`
	UserID     int64             `json:"user_id"`
	Status     string            `json:"status"`
	TotalPrice string            `json:"total_price"`
	Paid       bool              `json:"paid"`
	Reference  *string           `json:"reference"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Items      []OrderItemOutput `json:"items"`
}

// CreateOrder はカートを注文に変える。注文作成・明細作成・カート削除は同じTx
func (u *OrderUsecase) CreateOrder(ctx context.Context, in CreateOrderInput) (OrderOutput, error) {
	if in.UserID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	var reference *string
	if in.Reference != nil {
		ref := strings.TrimSpace(*in.Reference)
		if len(ref) > maxReferenceLen {
			return OrderOutput{}, WrapHTTPError(http.StatusBadRequest, "reference too long", ErrValidation)
		}
		if ref != "" {
			reference = &ref
		}
	}

	var out OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		cart, err := u.findCheckoutCart(ctx, r, in.UserID, in.SessionKey)
		if err != nil {
			return err
		}

		cartItems, err := r.CartItems().ListByCartID(ctx, cart.ID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if len(cartItems) == 0 {
			return WrapHTTPError(http.StatusBadRequest, "cart empty", ErrEmptyCart)
		}

		ids := make([]int64, 0, len(cartItems))
		for _, ci := range cartItems {
			ids = append(ids, ci.ProductID)
		}
		products, err := r.Products().FindByIDs(ctx, ids)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		//今の価格と名前を明細に固定する
		orderItems := make([]model.OrderItem, 0, len(cartItems))
		total := decimal.Zero
		for _, ci := range cartItems {
			p, ok := products[ci.ProductID]
			if !ok || !p.IsActive {
				return WrapHTTPError(http.StatusBadRequest, "invalid product", ErrValidation)
			}
			it := model.OrderItem{
				ProductID:           p.ID,
				ProductNameSnapshot: p.Name,
				UnitPrice:           p.Price,
				Quantity:            ci.Quantity,
			}
			orderItems = append(orderItems, it)
			total = total.Add(it.LineTotal())
		}

		if reference != nil {
			_, err := r.Orders().FindByReference(ctx, *reference)
			if err == nil {
				return WrapHTTPError(http.StatusConflict, "reference already used", ErrReferenceConflict)
			}
			if !errors.Is(err, repo.ErrNotFound) {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
		}

		order := model.Order{
			UserID:     in.UserID,
			Status:     model.OrderStatusPending,
			TotalPrice: total,
			Reference:  reference,
		}
		orderID, err := r.Orders().Create(ctx, order)
		if errors.Is(err, repo.ErrDuplicate) {
			//同時に同じreferenceが入った
			return WrapHTTPError(http.StatusConflict, "reference already used", ErrReferenceConflict)
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		order.ID = orderID

		if err := r.OrderItems().CreateBulk(ctx, orderID, orderItems); err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		//カートは使い捨て
		if err := r.Carts().Delete(ctx, cart.ID); err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		created, err := r.Orders().FindByID(ctx, orderID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		out = toOrderOutput(created, orderItems)
		return nil
	})
	if err != nil {
		return OrderOutput{}, err
	}

	u.log.Info("order created", "order_id", out.ID, "user_id", out.UserID, "total", out.TotalPrice)
	return out, nil
}

// ユーザーのカート、無ければセッションのカート
func (u *OrderUsecase) findCheckoutCart(ctx context.Context, r repo.TxRepos, userID int64, sessionKey string) (model.Cart, error) {
	cart, err := r.Carts().FindByOwner(ctx, model.CartOwner{UserID: userID})
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return model.Cart{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	if sessionKey != "" {
		cart, err = r.Carts().FindByOwner(ctx, model.CartOwner{SessionKey: sessionKey})
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return model.Cart{}, NewHTTPError(http.StatusInternalServerError, "db error")
		}
	}
	return model.Cart{}, WrapHTTPError(http.StatusBadRequest, "cart empty", ErrEmptyCart)
}

// MarkPaid は未払いのときだけpaid=trueにする。何度呼んでも結果は同じ
func (u *OrderUsecase) MarkPaid(ctx context.Context, reference string) (model.Order, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return model.Order{}, WrapHTTPError(http.StatusBadRequest, "invalid reference", ErrValidation)
	}

	var out model.Order

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		updated, err := r.Orders().MarkPaidByReference(ctx, reference)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		o, err := r.Orders().FindByReference(ctx, reference)
		if errors.Is(err, repo.ErrNotFound) {
			return WrapHTTPError(http.StatusNotFound, "not found", ErrOrderNotFound)
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		if updated {
			if err := r.AuditLogs().Create(ctx, model.AuditLog{
				ActorUserID:  0,
				Action:       model.AuditActionMarkPaid,
				ResourceType: model.AuditResourceOrder,
				ResourceID:   o.ID,
				BeforeJSON:   `{"paid":false}`,
				AfterJSON:    `{"paid":true}`,
				CreatedAt:    time.Now(),
			}); err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
		}

		out = o
		return nil
	})
	if err != nil {
		return model.Order{}, err
	}
	return out, nil
}

// CheckPayment は未払いなら一度だけ待って読み直す
func (u *OrderUsecase) CheckPayment(ctx context.Context, reference string) (bool, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" || len(reference) > maxReferenceLen {
		return false, WrapHTTPError(http.StatusBadRequest, "invalid reference", ErrValidation)
	}

	o, err := u.findByReference(ctx, reference)
	if err != nil {
		return false, err
	}
	if o.Paid || u.pollWait <= 0 {
		return o.Paid, nil
	}

	t := time.NewTimer(u.pollWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		//クライアントが切断したら待った時点の値を返す
		return false, nil
	case <-t.C:
	}

	o, err = u.findByReference(ctx, reference)
	if err != nil {
		return false, err
	}
	return o.Paid, nil
}

func (u *OrderUsecase) findByReference(ctx context.Context, reference string) (model.Order, error) {
	var out model.Order
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByReference(ctx, reference)
		if errors.Is(err, repo.ErrNotFound) {
			return WrapHTTPError(http.StatusNotFound, "not found", ErrOrderNotFound)
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		out = o
		return nil
	})
	return out, err
}

func (u *OrderUsecase) ListMyOrders(ctx context.Context, userID int64) ([]OrderOutput, error) {
	if userID <= 0 {
		return []OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	//ページングでまずは固定で取る
	var outs []OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		orders, _, err := r.Orders().ListByUserID(ctx, userID, 1, 50)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		outs = make([]OrderOutput, 0, len(orders))
		for _, o := range orders {
			items, err := r.OrderItems().ListByOrderID(ctx, o.ID)
			if err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
			outs = append(outs, toOrderOutput(o, items))
		}
		return nil
	})

	if err != nil {
		return []OrderOutput{}, err
	}
	return outs, nil
}

func (u *OrderUsecase) GetMyOrderDetail(ctx context.Context, userID int64, orderID int64) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var out OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if errors.Is(err, repo.ErrNotFound) {
			return WrapHTTPError(http.StatusNotFound, "not found", ErrOrderNotFound)
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if o.UserID != userID {
			//他人の注文は「存在しない扱い」にする
			return WrapHTTPError(http.StatusNotFound, "not found", ErrOrderNotFound)
		}

		items, err := r.OrderItems().ListByOrderID(ctx, orderID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		out = toOrderOutput(o, items)
		return nil
	})

	if err != nil {
		return OrderOutput{}, err
	}
	return out, nil
}

func toOrderOutput(o model.Order, items []model.OrderItem) OrderOutput {
	outItems := make([]OrderItemOutput, 0, len(items))
	for _, it := range items {
		outItems = append(outItems, OrderItemOutput{
			ProductID: it.ProductID,
			Name:      it.ProductNameSnapshot,
			UnitPrice: it.UnitPrice.StringFixed(2),
			Quantity:  it.Quantity,
		})
	}

	return OrderOutput{
		ID:         o.ID,
		UserID:     o.UserID,
		Status:     string(o.Status),
		TotalPrice: o.TotalPrice.StringFixed(2),
		Paid:       o.Paid,
		Reference:  o.Reference,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
		Items:      outItems,
	}
}
