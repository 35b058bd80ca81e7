package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Outcome 归一化后的支付结果，业务层只认这几个值
type Outcome string

const (
	OutcomePaid     Outcome = "paid"
	OutcomeDeclined Outcome = "declined"
	OutcomePending  Outcome = "pending"
	OutcomeUnknown  Outcome = "unknown"
)

const orderRefPrefix = "order_"

var ErrEmptyPayload = errors.New("回调内容为空")

// Notification 网关回调或主动查询得到的交易状态
type Notification struct {
	TransactionID string
	OrderRef      string
	OrderID       int64 // 解析不出时为 0
	RawStatus     string
	Outcome       Outcome
	Amount        *decimal.Decimal
	Raw           json.RawMessage
}

// 网关在不同版本里用过的字段名
var (
	transactionIDFields = []string{"transactionId", "transaction_id", "id"}
	statusFields        = []string{"status", "state", "paymentStatus", "transactionStatus"}
	orderIDFields       = []string{"orderId", "order_id", "merchantOrderId"}
	amountFields        = []string{"amount", "sum", "total"}
)

// ParseNotification 解析回调 JSON 并把字段名、状态词归一化
func ParseNotification(raw []byte) (*Notification, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyPayload
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]interface{}
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("回调 JSON 解析失败: %w", err)
	}

	n := &Notification{
		TransactionID: pickString(data, transactionIDFields),
		RawStatus:     pickString(data, statusFields),
		OrderRef:      pickString(data, orderIDFields),
		Raw:           json.RawMessage(raw),
	}
	n.Outcome = NormalizeStatus(n.RawStatus)
	n.OrderID, _ = ParseOrderRef(n.OrderRef)

	if s := pickString(data, amountFields); s != "" {
		if amount, err := decimal.NewFromString(s); err == nil {
			n.Amount = &amount
		}
	}
	return n, nil
}

func pickString(data map[string]interface{}, keys []string) string {
	for _, k := range keys {
		v, ok := data[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case json.Number:
			s = val.String()
		case bool:
			s = strconv.FormatBool(val)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// NormalizeStatus 网关状态词 -> Outcome
func NormalizeStatus(status string) Outcome {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid", "success", "succeeded", "completed", "approved", "confirmed":
		return OutcomePaid
	case "declined", "failed", "rejected", "cancelled", "canceled", "error":
		return OutcomeDeclined
	case "pending", "created", "processing":
		return OutcomePending
	default:
		return OutcomeUnknown
	}
}

// ParseOrderRef 解析 "order_123" 或 "123"
func ParseOrderRef(ref string) (int64, bool) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), orderRefPrefix)
	if ref == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// OrderRef 生成提交给网关的订单号
func OrderRef(orderID int64) string {
	return orderRefPrefix + strconv.FormatInt(orderID, 10)
}
