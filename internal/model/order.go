package model

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"         // 已创建，未选择支付方式；或余额已扣款待发货
	OrderStatusPendingPayment OrderStatus = "pending_payment" // 等待网关结算
	OrderStatusPaid           OrderStatus = "paid"            // 网关已确认
	OrderStatusCompleted      OrderStatus = "completed"       // 管理员已发货
	OrderStatusCancelled      OrderStatus = "cancelled"       // 已取消
	OrderStatusPaymentFailed  OrderStatus = "payment_failed"  // 网关拒绝
)

// 历史数据中 status 为 NULL 的订单按已完成处理（旧统计把它们计入营收）。
// 只在读取时转换一次，业务代码里不再出现 NULL 判断。
const legacyNullStatus = OrderStatusCompleted

var ValidStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusPendingPayment, OrderStatusCompleted, OrderStatusCancelled},
	OrderStatusPendingPayment: {OrderStatusPendingPayment, OrderStatusPaid, OrderStatusPaymentFailed, OrderStatusCancelled},
	OrderStatusPaid:           {OrderStatusCompleted, OrderStatusCancelled},
}

func CanTransitionTo(current, target OrderStatus) bool {
	for _, s := range ValidStatusTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// IsTerminal 终态订单不再接受任何状态变更
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCancelled, OrderStatusPaymentFailed:
		return true
	}
	return false
}

// IsSettled 网关或管理员已确认收款
func (s OrderStatus) IsSettled() bool {
	return s == OrderStatusPaid || s == OrderStatusCompleted
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPendingPayment, OrderStatusPaid,
		OrderStatusCompleted, OrderStatusCancelled, OrderStatusPaymentFailed:
		return true
	}
	return false
}

func (s *OrderStatus) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*s = legacyNullStatus
	case string:
		*s = OrderStatus(v)
	case []byte:
		*s = OrderStatus(v)
	default:
		return fmt.Errorf("无法解析订单状态: %T", value)
	}
	if *s == "" {
		*s = legacyNullStatus
	}
	return nil
}

func (s OrderStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Order 订单表
// 商品名称和价格在下单时快照，之后不随商品变化
type Order struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          int64           `gorm:"index;not null" json:"user_id"`
	ProductID       int64           `gorm:"not null" json:"product_id"`
	ProductName     string          `gorm:"type:varchar(255);not null" json:"product_name"`
	Price           decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	PickupCode      string          `gorm:"type:varchar(16);not null" json:"pickup_code"`
	ExternalAccount *string         `gorm:"type:varchar(255)" json:"external_account,omitempty"`
	TransactionID   *string         `gorm:"type:varchar(128);uniqueIndex" json:"transaction_id,omitempty"`
	PaidWithBalance bool            `gorm:"not null;default:false" json:"paid_with_balance"`
	Status          OrderStatus     `gorm:"type:varchar(20);index" json:"status"` // 老数据可能为 NULL
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	CreatedAt       time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// AfterFind NULL 列 gorm 直接写零值，不会调用 Scan，这里统一转换
func (o *Order) AfterFind(*gorm.DB) error {
	if o.Status == "" {
		o.Status = legacyNullStatus
	}
	return nil
}

// CapturedFunds 资金是否已经到账（取消时需要退款）
func (o *Order) CapturedFunds() bool {
	if o.Status == OrderStatusPaid {
		return true
	}
	return o.Status == OrderStatusPending && o.PaidWithBalance
}

// PickupCodeVisible 取货码只在确认收款后对买家可见。
// 余额支付的订单没有外部支付环节，下单即可见。
func (o *Order) PickupCodeVisible() bool {
	if o.Status.IsSettled() {
		return true
	}
	return o.Status == OrderStatusPending && o.PaidWithBalance
}
