package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"storefront/internal/model"
	"storefront/internal/repository"

	"gorm.io/gorm"
)

// CancelOrder 取消订单，返回是否发生了退款。
// 已扣款的订单（paid，或余额支付的 pending）按下单价格原路退回余额，
// 状态变更和退款在同一个事务里；pending_payment 没有收到钱，直接取消。
// 终态订单不做任何事。
func (s *LifecycleService) CancelOrder(ctx context.Context, orderID int64) (bool, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		order, err := s.getOrder(ctx, orderID)
		if err != nil {
			return false, err
		}
		if !model.CanTransitionTo(order.Status, model.OrderStatusCancelled) {
			log.Printf("[Lifecycle] 取消订单忽略: order=%d, status=%s", orderID, order.Status)
			return false, nil
		}

		refund := order.CapturedFunds()
		if refund {
			// 网关支付的买家可能还没有账户，先在事务外开户
			if _, err := s.ledgerRepo.GetOrCreate(ctx, nil, order.UserID); err != nil {
				return false, internalError("开户", err)
			}
		}
		err = repository.WithRetry(ctx, s.cfg.Business.StoreRetryAttempts, func() error {
			return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				if err := s.orderRepo.CompareAndSetStatus(ctx, tx, order.ID, order.Status, model.OrderStatusCancelled); err != nil {
					return err
				}
				if !refund {
					return nil
				}

				_, err := s.ledgerRepo.AdjustBalance(ctx, tx, order.UserID, order.Price, repository.LedgerEntry{
					OrderID: &order.ID,
					Type:    model.BalanceTxTypeRefund,
					Remark:  fmt.Sprintf("取消订单 #%d 退款", order.ID),
				})
				return err
			})
		})
		if errors.Is(err, repository.ErrOrderStatusChanged) {
			continue
		}
		if err != nil {
			return false, internalError("取消订单", err)
		}

		if refund {
			s.accounts.InvalidateBalance(ctx, order.UserID)
		}
		log.Printf("[Lifecycle] 订单已取消: order=%d, from=%s, refunded=%v, amount=%s",
			order.ID, order.Status, refund, order.Price.StringFixed(2))

		s.notifier.NotifyUser(ctx, order.UserID, buyerCancelledText(order, refund))
		return refund, nil
	}
	return false, fmt.Errorf("%w: 订单 %d 状态频繁变化", ErrSystemBusy, orderID)
}
