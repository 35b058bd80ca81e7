package service

import (
	"context"
	"fmt"
	"log"

	"storefront/internal/config"
	"storefront/internal/model"
	"storefront/internal/repository"

	"gorm.io/gorm"
)

// Notifier 给买家和管理员发消息。发送失败只记日志，不影响调用方。
type Notifier interface {
	NotifyUser(ctx context.Context, userID int64, text string)
	NotifyAdmins(ctx context.Context, text string, actions ...model.NotifyAction)
}

// OutboxNotifier 把消息写进 outbox 表，由 OutboxSender 异步投递到 Kafka，
// 再由机器人进程消费后发给 Telegram
type OutboxNotifier struct {
	outboxRepo *repository.OutboxRepository
	userTopic  string
	adminTopic string
	adminIDs   []int64
}

func NewOutboxNotifier(db *gorm.DB, cfg *config.Config) *OutboxNotifier {
	return &OutboxNotifier{
		outboxRepo: repository.NewOutboxRepository(db),
		userTopic:  cfg.Kafka.Topic.NotifyUser,
		adminTopic: cfg.Kafka.Topic.NotifyAdmin,
		adminIDs:   cfg.Telegram.AdminIDs,
	}
}

func (n *OutboxNotifier) NotifyUser(ctx context.Context, userID int64, text string) {
	payload := model.NotifyPayload{ChatID: userID, Text: text}
	if err := n.outboxRepo.Enqueue(ctx, nil, n.userTopic, "user", payload); err != nil {
		log.Printf("[Notifier] 买家消息写入 outbox 失败: user=%d, err=%v", userID, err)
	}
}

func (n *OutboxNotifier) NotifyAdmins(ctx context.Context, text string, actions ...model.NotifyAction) {
	if len(n.adminIDs) == 0 {
		log.Printf("[Notifier] 未配置管理员，消息丢弃: %s", text)
		return
	}
	for _, adminID := range n.adminIDs {
		payload := model.NotifyPayload{ChatID: adminID, Text: text, Actions: actions}
		if err := n.outboxRepo.Enqueue(ctx, nil, n.adminTopic, "admin", payload); err != nil {
			log.Printf("[Notifier] 管理员消息写入 outbox 失败: admin=%d, err=%v", adminID, err)
		}
	}
}

// ----------------------------------------------------------------------------
// 消息模板
// ----------------------------------------------------------------------------

func adminOrderActions(orderID int64) []model.NotifyAction {
	return []model.NotifyAction{
		{Text: "✅ 确认发货", CallbackData: fmt.Sprintf("admin_confirm_order_%d", orderID)},
		{Text: "❌ 取消订单", CallbackData: fmt.Sprintf("admin_cancel_order_%d", orderID)},
	}
}

func accountLine(order *model.Order) string {
	if order.ExternalAccount == nil || *order.ExternalAccount == "" {
		return ""
	}
	return fmt.Sprintf("\n账号: %s", *order.ExternalAccount)
}

func buyerPaidText(order *model.Order) string {
	return fmt.Sprintf("✅ 支付成功\n\n商品: %s\n取货码: %s\n\n管理员会尽快处理您的订单。",
		order.ProductName, order.PickupCode)
}

func adminNewOrderText(order *model.Order, method string) string {
	return fmt.Sprintf("🛒 新订单 #%d\n\n用户: %d\n商品: %s\n金额: %s\n支付方式: %s\n取货码: %s%s",
		order.ID, order.UserID, order.ProductName, order.Price.StringFixed(2), method, order.PickupCode, accountLine(order))
}

func buyerDeclinedText(order *model.Order) string {
	return fmt.Sprintf("❌ 订单 #%d 支付失败，请重新下单或联系客服。", order.ID)
}

func buyerCompletedText(order *model.Order) string {
	return fmt.Sprintf("🎉 订单 #%d 已完成\n\n商品: %s", order.ID, order.ProductName)
}

func buyerCancelledText(order *model.Order, refunded bool) string {
	if refunded {
		return fmt.Sprintf("订单 #%d 已取消，%s 已退回余额。", order.ID, order.Price.StringFixed(2))
	}
	return fmt.Sprintf("订单 #%d 已取消。", order.ID)
}
