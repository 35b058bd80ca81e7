package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserBalance 用户余额表
// uid 是首次接触时分配的短编号，给客服和管理员看
type UserBalance struct {
	UserID    int64           `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	UID       int64           `gorm:"column:uid;uniqueIndex;not null" json:"uid"`
	Balance   decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"balance"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (UserBalance) TableName() string {
	return "user_balance"
}

// ============================================================================
// 余额流水
// ============================================================================

const (
	BalanceTxTypePurchase = "PURCHASE" // 余额购买
	BalanceTxTypeRefund   = "REFUND"   // 取消退款
	BalanceTxTypeAdjust   = "ADJUST"   // 管理员加减
	BalanceTxTypeSet      = "SET"      // 管理员覆盖
)

// BalanceTransaction 余额流水表，只追加
type BalanceTransaction struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	UserID        int64           `gorm:"index;not null" json:"user_id"`
	OrderID       *int64          `gorm:"index" json:"order_id,omitempty"`
	Amount        decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"` // 正数入账，负数出账
	Type          string          `gorm:"type:varchar(20);not null" json:"type"`
	BalanceBefore decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"balance_after"`
	Remark        string          `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (BalanceTransaction) TableName() string {
	return "balance_transaction"
}
