package model

import "time"

// ログインユーザーか匿名セッションのどちらか一方が持つ
type Cart struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     *int64    `gorm:"uniqueIndex" json:"user_id"`
	SessionKey *string   `gorm:"type:varchar(64);uniqueIndex" json:"-"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// カートの持ち主
type CartOwner struct {
	UserID     int64
	SessionKey string
}

func (o CartOwner) IsZero() bool {
	return o.UserID <= 0 && o.SessionKey == ""
}

func (c Cart) OwnerUserID() int64 {
	if c.UserID == nil {
		return 0
	}
	return *c.UserID
}
