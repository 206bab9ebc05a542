package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusInTransit OrderStatus = "in_transit"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// 列挙値以外はfalse
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusShipped, OrderStatusInTransit, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// Paidとstatusは独立（pendingかつ支払い済みがありえる）
type Order struct {
	ID         int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     int64           `gorm:"not null;index" json:"user_id"`
	Status     OrderStatus     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	TotalPrice decimal.Decimal `gorm:"type:numeric(10,2);not null" json:"total_price"`
	Paid       bool            `gorm:"not null;default:false" json:"paid"`
	// 決済プロバイダとの突き合わせ用。NULL以外はユニーク
	Reference *string   `gorm:"type:varchar(100);uniqueIndex" json:"reference"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

func (o Order) ReferenceValue() string {
	if o.Reference == nil {
		return ""
	}
	return *o.Reference
}
