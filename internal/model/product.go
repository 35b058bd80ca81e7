package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product 商品表，由商品目录维护，这里只读
type Product struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string          `gorm:"type:varchar(255);not null" json:"name"`
	Price     decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	Category  string          `gorm:"type:varchar(64);index" json:"category"`
	Available bool            `gorm:"column:in_stock;not null;default:true" json:"available"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (Product) TableName() string {
	return "product"
}
