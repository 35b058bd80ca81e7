package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	NotificationSourceWebhook = "webhook"
	NotificationSourceSweeper = "sweeper"
)

const (
	NotificationResultApplied   = "APPLIED"   // 已推进订单状态
	NotificationResultNoop      = "NOOP"      // 重复或终态，无需处理
	NotificationResultUnmatched = "UNMATCHED" // 找不到订单或金额不符，需要人工跟进
	NotificationResultRejected  = "REJECTED"  // 签名无效
)

// GatewayNotification 网关回调和对账结果的审计记录
type GatewayNotification struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Source         string         `gorm:"type:varchar(16);not null" json:"source"`
	TransactionID  string         `gorm:"type:varchar(128);index" json:"transaction_id"`
	OrderRef       string         `gorm:"type:varchar(64)" json:"order_ref"`
	OrderID        *int64         `gorm:"index" json:"order_id,omitempty"`
	RawStatus      string         `gorm:"type:varchar(32)" json:"raw_status"`
	Outcome        string         `gorm:"type:varchar(16)" json:"outcome"`
	SignatureValid bool           `gorm:"not null;default:false" json:"signature_valid"`
	Bypassed       bool           `gorm:"not null;default:false" json:"bypassed"`
	Result         string         `gorm:"type:varchar(16);index;not null" json:"result"`
	Note           string         `gorm:"type:varchar(256)" json:"note"`
	Payload        datatypes.JSON `json:"payload"`
	CreatedAt      time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

func (GatewayNotification) TableName() string {
	return "gateway_notification"
}
