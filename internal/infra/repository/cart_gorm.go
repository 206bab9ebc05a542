package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rs-labo46/ec-backend/internal/domain/model"
	repo "github.com/rs-labo46/ec-backend/internal/repository"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CartGormRepository struct {
	db *gorm.DB
}

// DI
func NewCartGormRepository(db *gorm.DB) *CartGormRepository {
	return &CartGormRepository{db: db}
}

func ownerScope(owner model.CartOwner) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		if owner.UserID > 0 {
			return q.Where("user_id = ?", owner.UserID)
		}
		return q.Where("session_key = ?", owner.SessionKey)
	}
}

func (r *CartGormRepository) FindByID(ctx context.Context, cartID int64) (model.Cart, error) {
	var cart model.Cart
	if err := r.db.WithContext(ctx).Where("id = ?", cartID).First(&cart).Error; err != nil {
		return model.Cart{}, translate(err)
	}
	return cart, nil
}

func (r *CartGormRepository) FindByOwner(ctx context.Context, owner model.CartOwner) (model.Cart, error) {
	if owner.IsZero() {
		return model.Cart{}, repo.ErrNotFound
	}
	var cart model.Cart
	if err := r.db.WithContext(ctx).Scopes(ownerScope(owner)).First(&cart).Error; err != nil {
		return model.Cart{}, translate(err)
	}
	return cart, nil
}

// 持ち主のカートを取得し、無ければ作成
func (r *CartGormRepository) GetOrCreateByOwner(ctx context.Context, owner model.CartOwner) (model.Cart, error) {
	if owner.IsZero() {
		return model.Cart{}, errors.New("cart owner is required")
	}

	var cart model.Cart

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		findErr := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Scopes(ownerScope(owner)).
			First(&cart).Error
		if findErr == nil {
			return nil
		}
		if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}

		// 無ければ作る（user_idかsession_keyのどちらか一方だけ）
		now := time.Now()
		newCart := model.Cart{CreatedAt: now, UpdatedAt: now}
		if owner.UserID > 0 {
			uid := owner.UserID
			newCart.UserID = &uid
		} else {
			key := owner.SessionKey
			newCart.SessionKey = &key
		}

		// SAVEPOINTで囲んで、失敗してもTxを続けられるようにする
		createErr := tx.Transaction(func(sp *gorm.DB) error {
			return sp.Create(&newCart).Error
		})
		if err := createErr; err != nil {
			//同時作成で負けた側は作られた方を返す
			if retryErr := tx.Scopes(ownerScope(owner)).First(&cart).Error; retryErr == nil {
				return nil
			}
			return err
		}

		cart = newCart
		return nil
	})

	if err != nil {
		return model.Cart{}, err
	}
	return cart, nil
}

// 明細ごとカートを削除
func (r *CartGormRepository) Delete(ctx context.Context, cartID int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("cart_id = ?", cartID).Delete(&model.CartItem{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.Cart{}, cartID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return repo.ErrNotFound
		}
		return nil
	})
}

// カート明細を一覧取得
func (r *CartGormRepository) ListByCartID(ctx context.Context, cartID int64) ([]model.CartItem, error) {
	var items []model.CartItem

	if err := r.db.WithContext(ctx).
		Where("cart_id = ?", cartID).
		Order("id asc").
		Find(&items).Error; err != nil {
		return []model.CartItem{}, err
	}

	return items, nil
}

// 同一商品は数量加算
func (r *CartGormRepository) UpsertByCartAndProduct(ctx context.Context, cartID int64, productID int64, addQty int64) error {
	if addQty <= 0 {
		return errors.New("invalid quantity")
	}

	now := time.Now()
	item := model.CartItem{
		CartID:    cartID,
		ProductID: productID,
		Quantity:  addQty,
		CreatedAt: now,
		UpdatedAt: now,
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "cart_id"}, {Name: "product_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"quantity":   gorm.Expr("cart_items.quantity + ?", addQty),
			"updated_at": now,
		}),
	}).Create(&item).Error
}

// 明細の数量を更新（別のカートの明細は見つからない扱い）
func (r *CartGormRepository) UpdateQuantity(ctx context.Context, cartID int64, cartItemID int64, qty int64) error {
	res := r.db.WithContext(ctx).
		Model(&model.CartItem{}).
		Where("id = ? AND cart_id = ?", cartItemID, cartID).
		Update("quantity", qty)

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// 明細を削除
func (r *CartGormRepository) DeleteByID(ctx context.Context, cartID int64, cartItemID int64) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND cart_id = ?", cartItemID, cartID).
		Delete(&model.CartItem{})

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *CartGormRepository) DeleteByCartID(ctx context.Context, cartID int64) error {
	return r.db.WithContext(ctx).Where("cart_id = ?", cartID).Delete(&model.CartItem{}).Error
}
