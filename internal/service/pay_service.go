package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"storefront/internal/gateway"
	"storefront/internal/infrastructure/lock"
	"storefront/internal/model"
	"storefront/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PurchaseResult 余额购买结果，Order 带取货码
type PurchaseResult struct {
	Order   *model.Order
	Balance decimal.Decimal
}

// PurchaseWithBalance 余额购买：扣款和建单在同一个事务里。
// 订单停在 pending 并标记 paid_with_balance，取货码立即可见，等管理员发货。
func (s *LifecycleService) PurchaseWithBalance(ctx context.Context, userID, productID int64, externalAccount string) (*PurchaseResult, error) {
	product, err := s.getProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	// 同一用户的购买串行。redis 不可用时仍然依赖数据库的原子扣款保证不超扣。
	purchaseLock := lock.NewPurchaseLock(s.redisClient, userID)
	if err := purchaseLock.Lock(ctx, 50*time.Millisecond, 100); err != nil {
		if errors.Is(err, lock.ErrLockFailed) || ctx.Err() != nil {
			return nil, ErrSystemBusy
		}
		log.Printf("[Lifecycle] 获取购买锁失败，继续执行: user=%d, err=%v", userID, err)
	} else {
		defer func() {
			if err := purchaseLock.Unlock(context.Background()); err != nil {
				log.Printf("[Lifecycle] 释放购买锁失败: key=%s, err=%v", purchaseLock.Key(), err)
			}
		}()
	}

	balance, err := s.ledgerRepo.GetBalance(ctx, userID)
	if err != nil {
		return nil, internalError("查询余额", err)
	}
	if balance.LessThan(product.Price) {
		return nil, newInsufficientFunds(balance, product.Price)
	}
	if _, err := s.ledgerRepo.GetOrCreate(ctx, nil, userID); err != nil {
		return nil, internalError("开户", err)
	}

	order := newOrder(userID, product, externalAccount)
	order.PaidWithBalance = true

	var record *model.BalanceTransaction
	err = repository.WithRetry(ctx, s.cfg.Business.StoreRetryAttempts, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			order.ID = 0
			if err := s.orderRepo.Create(ctx, tx, order); err != nil {
				return fmt.Errorf("创建订单失败: %w", err)
			}

			orderID := order.ID
			rec, err := s.ledgerRepo.AdjustBalance(ctx, tx, userID, product.Price.Neg(), repository.LedgerEntry{
				OrderID: &orderID,
				Type:    model.BalanceTxTypePurchase,
				Remark:  fmt.Sprintf("购买 %s", product.Name),
			})
			if err != nil {
				return err
			}
			record = rec
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotEnough) {
			// 锁失效期间被别的请求抢先扣了款
			current, _ := s.ledgerRepo.GetBalance(ctx, userID)
			return nil, newInsufficientFunds(current, product.Price)
		}
		return nil, internalError("余额购买", err)
	}

	s.accounts.InvalidateBalance(ctx, userID)
	log.Printf("[Lifecycle] 余额购买成功: order=%d, user=%d, price=%s, balance=%s",
		order.ID, userID, order.Price.StringFixed(2), record.BalanceAfter.StringFixed(2))

	s.notifier.NotifyUser(ctx, userID, buyerPaidText(order))
	s.notifier.NotifyAdmins(ctx, adminNewOrderText(order, "余额"), adminOrderActions(order.ID)...)

	return &PurchaseResult{Order: order, Balance: record.BalanceAfter}, nil
}

// RequestPaymentLink 为网关订单申请支付链接。
// 网关失败时订单保持原状态，买家可以直接重试，不会产生重复订单。
func (s *LifecycleService) RequestPaymentLink(ctx context.Context, userID, orderID int64) (*gateway.PaymentLink, error) {
	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderForbidden
	}
	if order.PaidWithBalance ||
		(order.Status != model.OrderStatusPending && order.Status != model.OrderStatusPendingPayment) {
		return nil, ErrOrderStatusInvalid
	}

	description := fmt.Sprintf("订单 #%d: %s", order.ID, order.ProductName)
	link, err := s.gateway.CreatePaymentLink(ctx, order.Price, order.ID, description)
	if err != nil {
		log.Printf("[Lifecycle] 创建支付链接失败: order=%d, err=%v", orderID, err)
		return nil, wrapGatewayError(err)
	}

	if link.ID != "" {
		if err := s.MarkAwaitingPayment(ctx, order.ID, link.ID); err != nil {
			return nil, err
		}
	} else {
		// 没有交易号只能等回调按订单号匹配
		err := s.orderRepo.CompareAndSetStatus(ctx, nil, order.ID, model.OrderStatusPending, model.OrderStatusPendingPayment)
		if err != nil && !errors.Is(err, repository.ErrOrderStatusChanged) {
			return nil, internalError("更新订单状态", err)
		}
	}

	log.Printf("[Lifecycle] 支付链接已发放: order=%d, tx=%s", order.ID, link.ID)
	return link, nil
}

// MarkAwaitingPayment 绑定网关交易号；已结算或已终结的订单状态不变。
// 余额支付的订单已经扣过款，不再绑定网关交易。
func (s *LifecycleService) MarkAwaitingPayment(ctx context.Context, orderID int64, txID string) error {
	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.PaidWithBalance || order.Status.IsTerminal() {
		log.Printf("[Lifecycle] 绑定交易号忽略: order=%d, status=%s, balance=%t", orderID, order.Status, order.PaidWithBalance)
		return nil
	}

	err = repository.WithRetry(ctx, s.cfg.Business.StoreRetryAttempts, func() error {
		return s.orderRepo.SetTransactionID(ctx, nil, orderID, txID)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrOrderNotFound):
		return ErrOrderNotFound
	default:
		return internalError("绑定交易号", err)
	}
}

// TryLockOrder 多实例对账时同一订单只由一个实例查询。redis 故障时放行，靠状态 CAS 兜底。
func (s *LifecycleService) TryLockOrder(ctx context.Context, orderID int64) (unlock func(), ok bool) {
	l := lock.NewOrderLock(s.redisClient, orderID)
	acquired, err := l.TryLock(ctx)
	if err != nil {
		log.Printf("[Lifecycle] 订单锁不可用，无锁继续: order=%d, err=%v", orderID, err)
		return func() {}, true
	}
	if !acquired {
		return nil, false
	}
	return func() {
		if err := l.Unlock(context.Background()); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			log.Printf("[Lifecycle] 释放订单锁失败: order=%d, err=%v", orderID, err)
		}
	}, true
}

// NotificationResult 一次网关通知的处理结果
type NotificationResult struct {
	Result  string            `json:"result"` // model.NotificationResult*
	OrderID int64             `json:"order_id,omitempty"`
	Status  model.OrderStatus `json:"status,omitempty"`
	Note    string            `json:"note,omitempty"`
}

func noop(order *model.Order, note string) *NotificationResult {
	return &NotificationResult{Result: model.NotificationResultNoop, OrderID: order.ID, Status: order.Status, Note: note}
}

func unmatched(order *model.Order, note string) *NotificationResult {
	r := &NotificationResult{Result: model.NotificationResultUnmatched, Note: note}
	if order != nil {
		r.OrderID = order.ID
		r.Status = order.Status
	}
	return r
}

// HandleGatewayNotification 处理网关回调或对账查询结果，幂等。
// 找不到订单、订单已终结、重复通知都不是错误；只有数据库故障才返回 error。
func (s *LifecycleService) HandleGatewayNotification(ctx context.Context, n *gateway.Notification) (*NotificationResult, error) {
	order, err := s.findNotificationOrder(ctx, n)
	if errors.Is(err, repository.ErrOrderNotFound) {
		log.Printf("[Lifecycle] 通知找不到订单: tx=%s, ref=%s", n.TransactionID, n.OrderRef)
		return unmatched(nil, "找不到订单"), nil
	}
	if err != nil {
		return nil, internalError("查询通知订单", err)
	}

	if order.Status.IsTerminal() {
		return noop(order, "订单已是终态"), nil
	}

	switch n.Outcome {
	case gateway.OutcomePaid:
		return s.applyPaid(ctx, order, n)
	case gateway.OutcomeDeclined:
		return s.applyDeclined(ctx, order)
	default:
		return noop(order, "支付尚未结算: "+n.RawStatus), nil
	}
}

// 先按交易号找，找不到再按 order_<id> 找
func (s *LifecycleService) findNotificationOrder(ctx context.Context, n *gateway.Notification) (*model.Order, error) {
	if n.TransactionID != "" {
		order, err := s.orderRepo.GetByTransactionID(ctx, n.TransactionID)
		if !errors.Is(err, repository.ErrOrderNotFound) {
			return order, err
		}
	}
	if n.OrderID > 0 {
		return s.orderRepo.Get(ctx, nil, n.OrderID)
	}
	return nil, repository.ErrOrderNotFound
}

func (s *LifecycleService) applyPaid(ctx context.Context, order *model.Order, n *gateway.Notification) (*NotificationResult, error) {
	if order.Status == model.OrderStatusPaid {
		return noop(order, "重复的支付通知"), nil
	}
	if order.Status != model.OrderStatusPendingPayment {
		log.Printf("[Lifecycle] 支付通知与订单状态不符，需人工核对: order=%d, status=%s, tx=%s",
			order.ID, order.Status, n.TransactionID)
		return unmatched(order, "订单未处于待支付状态"), nil
	}
	if n.Amount != nil && !n.Amount.Round(2).Equal(order.Price.Round(2)) {
		log.Printf("[Lifecycle] 支付金额不符，需人工核对: order=%d, expected=%s, got=%s",
			order.ID, order.Price.StringFixed(2), n.Amount.StringFixed(2))
		return unmatched(order, "金额不符"), nil
	}

	err := s.orderRepo.CompareAndSetStatus(ctx, nil, order.ID, model.OrderStatusPendingPayment, model.OrderStatusPaid)
	if errors.Is(err, repository.ErrOrderStatusChanged) {
		// 并发的回调或对账已经处理过
		return noop(order, "订单状态已被并发修改"), nil
	}
	if err != nil {
		return nil, internalError("更新订单为已支付", err)
	}

	order.Status = model.OrderStatusPaid
	log.Printf("[Lifecycle] 订单已支付: order=%d, tx=%s", order.ID, n.TransactionID)

	s.notifier.NotifyUser(ctx, order.UserID, buyerPaidText(order))
	s.notifier.NotifyAdmins(ctx, adminNewOrderText(order, "网关"), adminOrderActions(order.ID)...)

	return &NotificationResult{Result: model.NotificationResultApplied, OrderID: order.ID, Status: order.Status}, nil
}

func (s *LifecycleService) applyDeclined(ctx context.Context, order *model.Order) (*NotificationResult, error) {
	if order.Status != model.OrderStatusPendingPayment {
		return noop(order, "订单未处于待支付状态"), nil
	}

	err := s.orderRepo.CompareAndSetStatus(ctx, nil, order.ID, model.OrderStatusPendingPayment, model.OrderStatusPaymentFailed)
	if errors.Is(err, repository.ErrOrderStatusChanged) {
		return noop(order, "订单状态已被并发修改"), nil
	}
	if err != nil {
		return nil, internalError("更新订单为支付失败", err)
	}

	order.Status = model.OrderStatusPaymentFailed
	log.Printf("[Lifecycle] 订单支付失败: order=%d", order.ID)
	s.notifier.NotifyUser(ctx, order.UserID, buyerDeclinedText(order))

	return &NotificationResult{Result: model.NotificationResultApplied, OrderID: order.ID, Status: order.Status}, nil
}

// NotificationAudit 写审计记录需要的上下文
type NotificationAudit struct {
	Source         string
	SignatureValid bool
	Bypassed       bool
}

// RecordNotification 记录每一次网关通知，未匹配和被拒的通知留给人工跟进。写失败只记日志。
func (s *LifecycleService) RecordNotification(ctx context.Context, audit NotificationAudit, n *gateway.Notification, raw []byte, result *NotificationResult) {
	record := &model.GatewayNotification{
		Source:         audit.Source,
		SignatureValid: audit.SignatureValid,
		Bypassed:       audit.Bypassed,
		Result:         result.Result,
		Note:           truncate(result.Note, 256),
	}
	if n != nil {
		record.TransactionID = n.TransactionID
		record.OrderRef = n.OrderRef
		record.RawStatus = n.RawStatus
		record.Outcome = string(n.Outcome)
	}
	if result.OrderID > 0 {
		orderID := result.OrderID
		record.OrderID = &orderID
	}
	record.Payload = auditPayload(raw)

	if err := s.notificationRepo.Create(ctx, record); err != nil {
		log.Printf("[Lifecycle] 写入通知审计失败: tx=%s, err=%v", record.TransactionID, err)
	}
}

const maxAuditRawBytes = 4096

// auditPayload 合法 JSON 原样保存；无法解析的报文截断后存成 JSON 字符串
func auditPayload(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return datatypes.JSON(raw)
	}
	if len(raw) > maxAuditRawBytes {
		raw = raw[:maxAuditRawBytes]
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return datatypes.JSON(quoted)
}

// UnmatchedNotifications 需要人工跟进的通知：找不到订单、金额不符、签名无效或报文无法解析
func (s *LifecycleService) UnmatchedNotifications(ctx context.Context, limit int) ([]*model.GatewayNotification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.notificationRepo.ListByResult(ctx, limit, model.NotificationResultUnmatched, model.NotificationResultRejected)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
