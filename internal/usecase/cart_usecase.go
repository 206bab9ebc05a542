package usecase

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs-labo46/ec-backend/internal/domain/model"
	repo "github.com/rs-labo46/ec-backend/internal/repository"

	"github.com/shopspring/decimal"
)

const maxCartItemQuantity = 999

// CartUsecase は /cart の業務ロジック。
// カートはログインユーザーか匿名セッションのどちらかが持つ
type CartUsecase struct {
	cartRepo     repo.CartRepository
	cartItemRepo repo.CartItemRepository
	productRepo  repo.ProductRepository
}

func NewCartUsecase(
	cartRepo repo.CartRepository,
	cartItemRepo repo.CartItemRepository,
	productRepo repo.ProductRepository,
) *CartUsecase {
	return &CartUsecase{
		cartRepo:     cartRepo,
		cartItemRepo: cartItemRepo,
		productRepo:  productRepo,
	}
}

// price は商品の現在価格
type CartItemResponse struct {
	ID        int64  `json:"id"`
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Price     string `json:"price"`
	Quantity  int64  `json:"quantity"`
}

type CartResponse struct {
	CartID int64              `json:"cart_id"`
	Items  []CartItemResponse `json:"items"`
	Total  string             `json:"total"`
}

type AddCartInput struct {
	ProductID int64
	Quantity  int64
}

type UpdateCartItemInput struct {
	Quantity int64
}

// GetCart は持ち主のカートを返す。無ければ空
func (u *CartUsecase) GetCart(ctx context.Context, owner model.CartOwner) (CartResponse, error) {
	if owner.IsZero() {
		return CartResponse{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	cart, err := u.cartRepo.FindByOwner(ctx, owner)
	if errors.Is(err, repo.ErrNotFound) {
		return CartResponse{Items: []CartItemResponse{}, Total: decimal.Zero.StringFixed(2)}, nil
	}
	if err != nil {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	return u.buildCartResponse(ctx, cart.ID)
}

// AddToCart はカートに追加（同一商品は数量加算）
func (u *CartUsecase) AddToCart(ctx context.Context, owner model.CartOwner, in AddCartInput) (CartResponse, error) {
	if owner.IsZero() {
		return CartResponse{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if in.ProductID <= 0 {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, "invalid product_id")
	}
	if in.Quantity < 1 || in.Quantity > maxCartItemQuantity {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, "invalid quantity")
	}

	// 商品チェック（公開のみ）
	p, err := u.productRepo.FindByID(ctx, in.ProductID)
	if errors.Is(err, repo.ErrNotFound) {
		return CartResponse{}, WrapHTTPError(http.StatusBadRequest, "invalid product", ErrValidation)
	}
	if err != nil {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	if !p.IsActive {
		return CartResponse{}, WrapHTTPError(http.StatusBadRequest, "invalid product", ErrValidation)
	}

	cart, err := u.cartRepo.GetOrCreateByOwner(ctx, owner)
	if err != nil {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	if err := u.cartItemRepo.UpsertByCartAndProduct(ctx, cart.ID, in.ProductID, in.Quantity); err != nil {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	return u.buildCartResponse(ctx, cart.ID)
}

// 数量変更（他人のカートの明細は404）
func (u *CartUsecase) UpdateCartItem(ctx context.Context, owner model.CartOwner, cartItemID int64, in UpdateCartItemInput) (CartResponse, error) {
	if owner.IsZero() {
		return CartResponse{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if cartItemID <= 0 {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if in.Quantity < 1 || in.Quantity > maxCartItemQuantity {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, "invalid quantity")
	}

	cart, err := u.ownedCart(ctx, owner)
	if err != nil {
		return CartResponse{}, err
	}

	if err := u.cartItemRepo.UpdateQuantity(ctx, cart.ID, cartItemID, in.Quantity); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return CartResponse{}, NewHTTPError(http.StatusNotFound, "not found")
		}
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	return u.buildCartResponse(ctx, cart.ID)
}

// 明細削除
func (u *CartUsecase) DeleteCartItem(ctx context.Context, owner model.CartOwner, cartItemID int64) (CartResponse, error) {
	if owner.IsZero() {
		return CartResponse{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if cartItemID <= 0 {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	cart, err := u.ownedCart(ctx, owner)
	if err != nil {
		return CartResponse{}, err
	}

	if err := u.cartItemRepo.DeleteByID(ctx, cart.ID, cartItemID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return CartResponse{}, NewHTTPError(http.StatusNotFound, "not found")
		}
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	return u.buildCartResponse(ctx, cart.ID)
}

// 明細を全部消す（カート自体は残す）
func (u *CartUsecase) ClearCart(ctx context.Context, owner model.CartOwner) error {
	if owner.IsZero() {
		return NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	cart, err := u.cartRepo.FindByOwner(ctx, owner)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return NewHTTPError(http.StatusInternalServerError, "db error")
	}

	if err := u.cartItemRepo.DeleteByCartID(ctx, cart.ID); err != nil {
		return NewHTTPError(http.StatusInternalServerError, "db error")
	}
	return nil
}

func (u *CartUsecase) ownedCart(ctx context.Context, owner model.CartOwner) (model.Cart, error) {
	cart, err := u.cartRepo.FindByOwner(ctx, owner)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Cart{}, WrapHTTPError(http.StatusNotFound, "not found", ErrCartNotFound)
	}
	if err != nil {
		return model.Cart{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	return cart, nil
}

// cartIDの明細をまとめてCartResponseを作る。合計は現在価格から出す
func (u *CartUsecase) buildCartResponse(ctx context.Context, cartID int64) (CartResponse, error) {
	items, err := u.cartItemRepo.ListByCartID(ctx, cartID)
	if err != nil {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	products, err := u.productRepo.FindByIDs(ctx, ids)
	if err != nil {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	respItems := make([]CartItemResponse, 0, len(items))
	total := decimal.Zero

	for _, it := range items {
		p, ok := products[it.ProductID]
		//非公開になった商品は表示しない
		if !ok || !p.IsActive {
			continue
		}

		respItems = append(respItems, CartItemResponse{
			ID:        it.ID,
			ProductID: it.ProductID,
			Name:      p.Name,
			Price:     p.Price.StringFixed(2),
			Quantity:  it.Quantity,
		})

		total = total.Add(p.Price.Mul(decimal.NewFromInt(it.Quantity)))
	}

	return CartResponse{CartID: cartID, Items: respItems, Total: total.StringFixed(2)}, nil
}

// priceCart は現在価格で合計を出す。買えない商品が混ざっていたらErrValidation
func priceCart(items []model.CartItem, products map[int64]model.Product) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, it := range items {
		p, ok := products[it.ProductID]
		if !ok || !p.IsActive {
			return decimal.Zero, ErrValidation
		}
		total = total.Add(p.Price.Mul(decimal.NewFromInt(it.Quantity)))
	}
	return total, nil
}
