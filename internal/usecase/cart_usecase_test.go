package usecase_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/rs-labo46/ec-backend/internal/domain/model"
	repo "github.com/rs-labo46/ec-backend/internal/repository"
	"github.com/rs-labo46/ec-backend/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newCartUsecase(f *fixture) *usecase.CartUsecase {
	return usecase.NewCartUsecase(f.carts, f.cartItems, f.products)
}

func TestCartUsecase_GetCart_NoCartIsEmpty(t *testing.T) {
	f := newFixture()
	owner := model.CartOwner{SessionKey: "sess-1"}
	f.carts.On("FindByOwner", mock.Anything, owner).Return(model.Cart{}, repo.ErrNotFound)

	got, err := newCartUsecase(f).GetCart(context.Background(), owner)
	require.NoError(t, err)
	assert.Empty(t, got.Items)
	assert.Equal(t, "0.00", got.Total)
}

func TestCartUsecase_GetCart_AnonymousOwnerRequired(t *testing.T) {
	f := newFixture()
	_, err := newCartUsecase(f).GetCart(context.Background(), model.CartOwner{})
	assertHTTPStatus(t, err, http.StatusUnauthorized)
}

func TestCartUsecase_GetCart_TotalUsesCurrentPrices(t *testing.T) {
	f := newFixture()
	owner := model.CartOwner{UserID: 7}
	f.carts.On("FindByOwner", mock.Anything, owner).Return(model.Cart{ID: 5}, nil)
	f.cartItems.On("ListByCartID", mock.Anything, int64(5)).Return([]model.CartItem{
		{ID: 1, ProductID: 1, Quantity: 3},
		{ID: 2, ProductID: 2, Quantity: 1},
	}, nil)
	f.products.On("FindByIDs", mock.Anything, []int64{1, 2}).Return(map[int64]model.Product{
		1: activeProduct(1, "Mug", "1.10"),
		2: {ID: 2, Name: "Hidden", Price: dec("99.00"), IsActive: false},
	}, nil)

	got, err := newCartUsecase(f).GetCart(context.Background(), owner)
	require.NoError(t, err)

	// 非公開商品は表示も合計もしない
	require.Len(t, got.Items, 1)
	assert.Equal(t, "1.10", got.Items[0].Price)
	assert.Equal(t, "3.30", got.Total)
}

func TestCartUsecase_AddToCart(t *testing.T) {
	f := newFixture()
	owner := model.CartOwner{SessionKey: "sess-1"}
	f.products.On("FindByID", mock.Anything, int64(1)).Return(activeProduct(1, "Mug", "10.00"), nil)
	f.carts.On("GetOrCreateByOwner", mock.Anything, owner).Return(model.Cart{ID: 5, SessionKey: ptr("sess-1")}, nil)
	f.cartItems.On("UpsertByCartAndProduct", mock.Anything, int64(5), int64(1), int64(2)).Return(nil)
	f.cartItems.On("ListByCartID", mock.Anything, int64(5)).Return([]model.CartItem{{ID: 1, ProductID: 1, Quantity: 2}}, nil)
	f.products.On("FindByIDs", mock.Anything, []int64{1}).Return(map[int64]model.Product{1: activeProduct(1, "Mug", "10.00")}, nil)

	got, err := newCartUsecase(f).AddToCart(context.Background(), owner, usecase.AddCartInput{ProductID: 1, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.CartID)
	assert.Equal(t, "20.00", got.Total)
	f.assertExpectations(t)
}

func TestCartUsecase_AddToCart_Rejects(t *testing.T) {
	owner := model.CartOwner{UserID: 7}

	t.Run("quantity", func(t *testing.T) {
		f := newFixture()
		for _, q := range []int64{0, -1, 1000} {
			_, err := newCartUsecase(f).AddToCart(context.Background(), owner, usecase.AddCartInput{ProductID: 1, Quantity: q})
			assertHTTPStatus(t, err, http.StatusBadRequest)
		}
		f.products.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything)
	})

	t.Run("inactive product", func(t *testing.T) {
		f := newFixture()
		f.products.On("FindByID", mock.Anything, int64(1)).Return(model.Product{ID: 1, IsActive: false}, nil)

		_, err := newCartUsecase(f).AddToCart(context.Background(), owner, usecase.AddCartInput{ProductID: 1, Quantity: 1})
		assert.ErrorIs(t, err, usecase.ErrValidation)
		f.carts.AssertNotCalled(t, "GetOrCreateByOwner", mock.Anything, mock.Anything)
	})

	t.Run("unknown product", func(t *testing.T) {
		f := newFixture()
		f.products.On("FindByID", mock.Anything, int64(1)).Return(model.Product{}, repo.ErrNotFound)

		_, err := newCartUsecase(f).AddToCart(context.Background(), owner, usecase.AddCartInput{ProductID: 1, Quantity: 1})
		assertHTTPStatus(t, err, http.StatusBadRequest)
	})
}

func TestCartUsecase_UpdateCartItem_OtherCartIsNotFound(t *testing.T) {
	f := newFixture()
	owner := model.CartOwner{UserID: 7}
	f.carts.On("FindByOwner", mock.Anything, owner).Return(model.Cart{ID: 5}, nil)
	f.cartItems.On("UpdateQuantity", mock.Anything, int64(5), int64(99), int64(3)).Return(repo.ErrNotFound)

	_, err := newCartUsecase(f).UpdateCartItem(context.Background(), owner, 99, usecase.UpdateCartItemInput{Quantity: 3})
	assertHTTPStatus(t, err, http.StatusNotFound)
}

func TestCartUsecase_DeleteCartItem_NoCart(t *testing.T) {
	f := newFixture()
	owner := model.CartOwner{UserID: 7}
	f.carts.On("FindByOwner", mock.Anything, owner).Return(model.Cart{}, repo.ErrNotFound)

	_, err := newCartUsecase(f).DeleteCartItem(context.Background(), owner, 1)
	assert.ErrorIs(t, err, usecase.ErrCartNotFound)
	assertHTTPStatus(t, err, http.StatusNotFound)
}

func TestCartUsecase_ClearCart(t *testing.T) {
	f := newFixture()
	owner := model.CartOwner{UserID: 7}
	f.carts.On("FindByOwner", mock.Anything, owner).Return(model.Cart{ID: 5}, nil)
	f.cartItems.On("DeleteByCartID", mock.Anything, int64(5)).Return(nil)

	require.NoError(t, newCartUsecase(f).ClearCart(context.Background(), owner))
	f.assertExpectations(t)

	// カートが無くてもエラーにしない
	f2 := newFixture()
	f2.carts.On("FindByOwner", mock.Anything, owner).Return(model.Cart{}, repo.ErrNotFound)
	require.NoError(t, newCartUsecase(f2).ClearCart(context.Background(), owner))
}
