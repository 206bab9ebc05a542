package repository

import (
	"context"

	"github.com/rs-labo46/ec-backend/internal/domain/model"
)

// 商品は読み取りのみ（カタログ管理は別）
type ProductRepository interface {
	FindByID(ctx context.Context, id int64) (model.Product, error)
	FindByIDs(ctx context.Context, ids []int64) (map[int64]model.Product, error)
}
