package repository

import (
	"context"

	"github.com/rs-labo46/ec-backend/internal/domain/model"
)

type CartItemRepository interface {
	ListByCartID(ctx context.Context, cartID int64) ([]model.CartItem, error)
	// 同一商品はプラス
	UpsertByCartAndProduct(ctx context.Context, cartID int64, productID int64, addQty int64) error
	UpdateQuantity(ctx context.Context, cartID int64, cartItemID int64, qty int64) error
	DeleteByID(ctx context.Context, cartID int64, cartItemID int64) error
	DeleteByCartID(ctx context.Context, cartID int64) error
}
