package usecase_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/rs-labo46/ec-backend/internal/domain/model"
	repo "github.com/rs-labo46/ec-backend/internal/repository"
	"github.com/rs-labo46/ec-backend/internal/usecase"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func assertHTTPStatus(t *testing.T, err error, status int) {
	t.Helper()
	he, ok := usecase.AsHTTPError(err)
	if assert.True(t, ok, "err=%v is not HTTPError", err) {
		assert.Equal(t, status, he.Status)
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func activeProduct(id int64, name, price string) model.Product {
	return model.Product{ID: id, Name: name, Price: dec(price), IsActive: true}
}

// =====================
// CreateOrder
// =====================

func TestOrderUsecase_CreateOrder_TotalFromCurrentPrices(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	userID := int64(7)
	cart := model.Cart{ID: 5, UserID: ptr(userID)}
	f.carts.On("FindByOwner", mock.Anything, model.CartOwner{UserID: userID}).Return(cart, nil)
	f.cartItems.On("ListByCartID", mock.Anything, int64(5)).Return([]model.CartItem{
		{ID: 1, CartID: 5, ProductID: 1, Quantity: 2},
		{ID: 2, CartID: 5, ProductID: 2, Quantity: 1},
	}, nil)
	f.products.On("FindByIDs", mock.Anything, []int64{1, 2}).Return(map[int64]model.Product{
		1: activeProduct(1, "Mug", "10.00"),
		2: activeProduct(2, "Tea", "5.00"),
	}, nil)

	f.orders.On("Create", mock.Anything, mock.MatchedBy(func(o model.Order) bool {
		return o.UserID == userID &&
			o.Status == model.OrderStatusPending &&
			o.TotalPrice.Equal(dec("25.00")) &&
			!o.Paid &&
			o.Reference == nil
	})).Return(int64(100), nil)

	f.orderItems.On("CreateBulk", mock.Anything, int64(100), mock.MatchedBy(func(items []model.OrderItem) bool {
		return len(items) == 2 &&
			items[0].UnitPrice.Equal(dec("10.00")) && items[0].Quantity == 2 && items[0].ProductNameSnapshot == "Mug" &&
			items[1].UnitPrice.Equal(dec("5.00")) && items[1].Quantity == 1
	})).Return(nil)
	f.carts.On("Delete", mock.Anything, int64(5)).Return(nil)
	f.orders.On("FindByID", mock.Anything, int64(100)).Return(model.Order{
		ID: 100, UserID: userID, Status: model.OrderStatusPending, TotalPrice: dec("25.00"),
	}, nil)

	uc := usecase.NewOrderUsecase(f.tx, 0, discardLogger())
	out, err := uc.CreateOrder(ctx, usecase.CreateOrderInput{UserID: userID})
	require.NoError(t, err)

	assert.Equal(t, int64(100), out.ID)
	assert.Equal(t, "25.00", out.TotalPrice)
	assert.Equal(t, "pending", out.Status)
	assert.False(t, out.Paid)
	require.Len(t, out.Items, 2)
	assert.Equal(t, "10.00", out.Items[0].UnitPrice)

	f.tx.AssertNumberOfCalls(t, "WithinTx", 1)
	f.assertExpectations(t)
}

func TestOrderUsecase_CreateOrder_FallsBackToSessionCart(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	f.carts.On("FindByOwner", mock.Anything, model.CartOwner{UserID: 7}).Return(model.Cart{}, repo.ErrNotFound)
	f.carts.On("FindByOwner", mock.Anything, model.CartOwner{SessionKey: "sess-1"}).Return(model.Cart{ID: 9, SessionKey: ptr("sess-1")}, nil)
	f.cartItems.On("ListByCartID", mock.Anything, int64(9)).Return([]model.CartItem{{ProductID: 3, Quantity: 1}}, nil)
	f.products.On("FindByIDs", mock.Anything, []int64{3}).Return(map[int64]model.Product{3: activeProduct(3, "Pen", "1.50")}, nil)
	f.orders.On("FindByReference", mock.Anything, "ORDER-1").Return(model.Order{}, repo.ErrNotFound)
	f.orders.On("Create", mock.Anything, mock.MatchedBy(func(o model.Order) bool {
		return o.UserID == 7 && o.ReferenceValue() == "ORDER-1" && o.TotalPrice.Equal(dec("1.50"))
	})).Return(int64(11), nil)
	f.orderItems.On("CreateBulk", mock.Anything, int64(11), mock.Anything).Return(nil)
	f.carts.On("Delete", mock.Anything, int64(9)).Return(nil)
	f.orders.On("FindByID", mock.Anything, int64(11)).Return(model.Order{ID: 11, UserID: 7, TotalPrice: dec("1.50"), Reference: ptr("ORDER-1")}, nil)

	uc := usecase.NewOrderUsecase(f.tx, 0, discardLogger())
	out, err := uc.CreateOrder(ctx, usecase.CreateOrderInput{UserID: 7, SessionKey: "sess-1", Reference: ptr(" ORDER-1 ")})
	require.NoError(t, err)
	assert.Equal(t, "ORDER-1", *out.Reference)

	f.assertExpectations(t)
}

func TestOrderUsecase_CreateOrder_NoCart(t *testing.T) {
	f := newFixture()
	f.carts.On("FindByOwner", mock.Anything, model.CartOwner{UserID: 7}).Return(model.Cart{}, repo.ErrNotFound)

	uc := usecase.NewOrderUsecase(f.tx, 0, discardLogger())
	_, err := uc.CreateOrder(context.Background(), usecase.CreateOrderInput{UserID: 7})

	assert.ErrorIs(t, err, usecase.ErrEmptyCart)
	assertHTTPStatus(t, err, http.StatusBadRequest)
	f.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestOrderUsecase_CreateOrder_EmptyCart(t *testing.T) {
	f := newFixture()
	f.carts.On("FindByOwner", mock.Anything, model.CartOwner{UserID: 7}).Return(model.Cart{ID: 5}, nil)
	f.cartItems.On("ListByCartID", mock.Anything, int64(5)).Return([]model.CartItem{}, nil)

	uc := usecase.NewOrderUsecase(f.tx, 0, discardLogger())
	_, err := uc.CreateOrder(context.Background(), usecase.CreateOrderInput{UserID: 7})

	assert.ErrorIs(t, err, usecase.ErrEmptyCart)
	f.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.carts.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestOrderUsecase_CreateOrder_InactiveProduct(t *testing.T) {
	f := newFixture()
	f.carts.On("FindByOwner", mock.Anything, model.CartOwner{UserID: 7}).Return(model.Cart{ID: 5}, nil)
	f.cartItems.On("ListByCartID", mock.Anything, int64(5)).Return([]model.CartItem{{ProductID: 1, Quantity: 1}}, nil)
	f.products.On("FindByIDs", mock.Anything, []int64{1}).Return(map[int64]model.Product{
		1: {ID: 1, Name: "Old", Price: dec("3.00"), IsActive: false},
	}, nil)

	uc := usecase.NewOrderUsecase(f.tx, 0, discardLogger())
	_, err := uc.CreateOrder(context.Background(), usecase.CreateOrderInput{UserID: 7})

	assert.ErrorIs(t, err, usecase.ErrValidation)
	assertHTTPStatus(t, err, http.StatusBadRequest)
}

func TestOrderUsecase_CreateOrder_ReferenceAlreadyUsed(t *testing.T) {
	f := newFixture()
	f.carts.On("FindByOwner", mock.Anything, model.CartOwner{UserID: 7}).Return(model.Cart{ID: 5}, nil)
	f.cartItems.On("ListByCartID", mock.Anything, int64(5)).Return([]model.CartItem{{ProductID: 1, Quantity: 1}}, nil)
	f.products.On("FindByIDs", mock.Anything, []int64{1}).Return(map[int64]model.Product{1: activeProduct(1, "Mug", "10.00")}, nil)
	f.orders.On("FindByReference", mock.Anything, "DUP").Return(model.Order{ID: 1, Reference: ptr("DUP")}, nil)

	uc := usecase.NewOrderUsecase(f.tx, 0, discardLogger())
	_, err := uc.CreateOrder(context.Background(), usecase.CreateOrderInput{UserID: 7, Reference: ptr("DUP")})

	assert.ErrorIs(t, err, usecase.ErrReferenceConflict)
	assertHTTPStatus(t, err, http.StatusConflict)
	f.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestOrderUsecase_CreateOrder_ReferenceRaceLostOnInsert(t *testing.T) {
	f := newFixture()
	f.carts.On("FindByOwner", mock.Anything, model.CartOwner{UserID: 7}).Return(model.Cart{ID: 5}, nil)
	f.cartItems.On("ListByCartID", mock.Anything, int64(5)).Return([]model.CartItem{{ProductID: 1, Quantity: 1}}, nil)
	f.products.On("FindByIDs", mock.Anything, []int64{1}).Return(map[int64]model.Product{1: activeProduct(1, "Mug", "10.00")}, nil)
	f.orders.On("FindByReference", mock.Anything, "DUP").Return(model.Order{}, repo.ErrNotFound)
	f.orders.On("Create", mock.Anything, mock.Anything).Return(int64(0), repo.ErrDuplicate)

	uc := usecase.NewOrderUsecase(f.tx, 0, discardLogger())
	_, err := uc.CreateOrder(context.Background(), usecase.CreateOrderInput{UserID: 7, Reference: ptr("DUP")})

	assert.ErrorIs(t, err, usecase.ErrReferenceConflict)
	f.carts.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestOrderUsecase_CreateOrder_Unauthorized(t *testing.T) {
	f := newFixture()
	uc := usecase.NewOrderUsecase(f.tx, 0, discardLogger())

	_, err := uc.CreateOrder(context.Background(), usecase.CreateOrderInput{UserID: 0})
	assertHTTPStatus(t, err, http.StatusUnauthorized)
	f.tx.AssertNotCalled(t, "WithinTx", mock.Anything)
}

// =====================
// MarkPaid
// =====================

func TestOrderUsecase_MarkPaid_FirstDeliveryWritesAudit(t *testing.T) {
	f := newFixture()
	f.orders.On("MarkPaidByReference", mock.Anything, "REF1").Return(true, nil)
	f.orders.On("FindByReference", mock.Anything, "REF1").Return(model.Order{ID: 3, Paid: true, TotalPrice: dec("25.00")}, nil)
	f.audit.On("Create", mock.Anything, mock.MatchedBy(func(l model.AuditLog) bool {
		return l.Action == model.AuditActionMarkPaid && l.ResourceID == 3 && l.ActorUserID == 0
	})).Return(nil)

	uc := usecase.NewOrderUsecase(f.tx, 0, discardLogger())
	o, err := uc.MarkPaid(context.Background(), "REF1")
	require.NoError(t, err)
	assert.True(t, o.Paid)

	f.assertExpectations(t)
}

func TestOrderUsecase_MarkPaid_AlreadyPaidIsNoop(t *testing.T) {
	f := newFixture()
	f.orders.On("MarkPaidByReference", mock.Anything, "REF1").Return(false, nil)
	f.orders.On("FindByReference", mock.Anything, "REF1").Return(model.Order{ID: 3, Paid: true}, nil)

	uc := usecase.NewOrderUsecase(f.tx, 0, discardLogger())
	o, err := uc.MarkPaid(context.Background(), "REF1")
	require.NoError(t, err)
	assert.True(t, o.Paid)

	f.audit.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestOrderUsecase_MarkPaid_UnknownReference(t *testing.T) {
	f := newFixture()
	f.orders.On("MarkPaidByReference", mock.Anything, "NOPE").Return(false, nil)
	f.orders.On("FindByReference", mock.Anything, "NOPE").Return(model.Order{}, repo.ErrNotFound)

	uc := usecase.NewOrderUsecase(f.tx, 0, discardLogger())
	_, err := uc.MarkPaid(context.Background(), "NOPE")

	assert.ErrorIs(t, err, usecase.ErrOrderNotFound)
	assertHTTPStatus(t, err, http.StatusNotFound)
}

func TestOrderUsecase_MarkPaid_StoreError(t *testing.T) {
	f := newFixture()
	f.orders.On("MarkPaidByReference", mock.Anything, "REF1").Return(false, errors.New("conn reset"))

	uc := usecase.NewOrderUsecase(f.tx, 0, discardLogger())
	_, err := uc.MarkPaid(context.Background(), "REF1")
	assertHTTPStatus(t, err, http.StatusInternalServerError)
}

// =====================
// CheckPayment
// =====================

func TestOrderUsecase_CheckPayment_Unknown(t *testing.T) {
	f := newFixture()
	f.orders.On("FindByReference", mock.Anything, "NOPE").Return(model.Order{}, repo.ErrNotFound)

	uc := usecase.NewOrderUsecase(f.tx, 10*time.Millisecond, discardLogger())
	_, err := uc.CheckPayment(context.Background(), "NOPE")

	assert.ErrorIs(t, err, usecase.ErrOrderNotFound)
	assertHTTPStatus(t, err, http.StatusNotFound)
	f.orders.AssertNumberOfCalls(t, "FindByReference", 1)
}

func TestOrderUsecase_CheckPayment_AlreadyPaidDoesNotWait(t *testing.T) {
	f := newFixture()
	f.orders.On("FindByReference", mock.Anything, "REF1").Return(model.Order{Paid: true}, nil)

	uc := usecase.NewOrderUsecase(f.tx, time.Hour, discardLogger())
	paid, err := uc.CheckPayment(context.Background(), "REF1")
	require.NoError(t, err)
	assert.True(t, paid)
	f.orders.AssertNumberOfCalls(t, "FindByReference", 1)
}

func TestOrderUsecase_CheckPayment_PaidDuringWait(t *testing.T) {
	f := newFixture()
	f.orders.On("FindByReference", mock.Anything, "REF1").Return(model.Order{Paid: false}, nil).Once()
	f.orders.On("FindByReference", mock.Anything, "REF1").Return(model.Order{Paid: true}, nil).Once()

	uc := usecase.NewOrderUsecase(f.tx, 10*time.Millisecond, discardLogger())
	paid, err := uc.CheckPayment(context.Background(), "REF1")
	require.NoError(t, err)
	assert.True(t, paid)
	f.orders.AssertNumberOfCalls(t, "FindByReference", 2)
}

func TestOrderUsecase_CheckPayment_StillUnpaid(t *testing.T) {
	f := newFixture()
	f.orders.On("FindByReference", mock.Anything, "REF1").Return(model.Order{Paid: false}, nil)

	uc := usecase.NewOrderUsecase(f.tx, 10*time.Millisecond, discardLogger())
	paid, err := uc.CheckPayment(context.Background(), "REF1")
	require.NoError(t, err)
	assert.False(t, paid)
	f.orders.AssertNumberOfCalls(t, "FindByReference", 2)
}

func TestOrderUsecase_CheckPayment_ClientGone(t *testing.T) {
	f := newFixture()
	f.orders.On("FindByReference", mock.Anything, "REF1").Return(model.Order{Paid: false}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	uc := usecase.NewOrderUsecase(f.tx, time.Hour, discardLogger())
	paid, err := uc.CheckPayment(ctx, "REF1")
	require.NoError(t, err)
	assert.False(t, paid)
	f.orders.AssertNumberOfCalls(t, "FindByReference", 1)
}

// =====================
// My orders
// =====================

func TestOrderUsecase_GetMyOrderDetail_OtherUsersOrderIsNotFound(t *testing.T) {
	f := newFixture()
	f.orders.On("FindByID", mock.Anything, int64(3)).Return(model.Order{ID: 3, UserID: 99}, nil)

	uc := usecase.NewOrderUsecase(f.tx, 0, discardLogger())
	_, err := uc.GetMyOrderDetail(context.Background(), 7, 3)

	assertHTTPStatus(t, err, http.StatusNotFound)
	f.orderItems.AssertNotCalled(t, "ListByOrderID", mock.Anything, mock.Anything)
}

func TestOrderUsecase_ListMyOrders(t *testing.T) {
	f := newFixture()
	f.orders.On("ListByUserID", mock.Anything, int64(7), 1, 50).Return([]model.Order{
		{ID: 2, UserID: 7, TotalPrice: dec("3.5")},
	}, int64(1), nil)
	f.orderItems.On("ListByOrderID", mock.Anything, int64(2)).Return([]model.OrderItem{
		{ProductID: 1, ProductNameSnapshot: "Pen", UnitPrice: dec("1.75"), Quantity: 2},
	}, nil)

	uc := usecase.NewOrderUsecase(f.tx, 0, discardLogger())
	outs, err := uc.ListMyOrders(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, "3.50", outs[0].TotalPrice)
	assert.Equal(t, "1.75", outs[0].Items[0].UnitPrice)
}
