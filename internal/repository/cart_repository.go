package repository

import (
	"context"

	"github.com/rs-labo46/ec-backend/internal/domain/model"
)

type CartRepository interface {
	FindByID(ctx context.Context, cartID int64) (model.Cart, error)
	FindByOwner(ctx context.Context, owner model.CartOwner) (model.Cart, error)
	GetOrCreateByOwner(ctx context.Context, owner model.CartOwner) (model.Cart, error)
	// 明細ごと削除（注文確定後は使い捨て）
	Delete(ctx context.Context, cartID int64) error
}
