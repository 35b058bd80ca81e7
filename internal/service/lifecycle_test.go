package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"storefront/internal/gateway"
	"storefront/internal/model"
	"storefront/pkg/pickup"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paidNotification(txID string, amount int64) *gateway.Notification {
	a := decimal.NewFromInt(amount)
	return &gateway.Notification{TransactionID: txID, RawStatus: "Paid", Outcome: gateway.OutcomePaid, Amount: &a}
}

func TestScenarioA_PurchaseWithBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Brawl Pass", 300)
	env.seedBalance(t, 100, 500)

	// 先把余额读进缓存，购买后必须读到新值
	requireDecimal(t, 500, env.balance(t, 100))

	result, err := env.lifecycle.PurchaseWithBalance(ctx, 100, product.ID, "player@example.com")
	require.NoError(t, err)

	requireDecimal(t, 200, result.Balance)
	requireDecimal(t, 200, env.balance(t, 100))

	order := env.order(t, result.Order.ID)
	assert.Equal(t, model.OrderStatusPending, order.Status)
	assert.True(t, order.PaidWithBalance)
	assert.True(t, pickup.Valid(order.PickupCode))
	require.NotNil(t, order.ExternalAccount)
	assert.Equal(t, "player@example.com", *order.ExternalAccount)
	assert.Equal(t, order.PickupCode, NewOrderView(order).PickupCode)

	assert.Equal(t, 1, env.notifier.userCount())
	assert.Contains(t, env.notifier.users[0].Text, order.PickupCode)
	require.Equal(t, 1, env.notifier.adminCount())
	assert.Equal(t, adminOrderActions(order.ID), env.notifier.admins[0].Actions)
}

func TestScenarioB_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Gems", 300)
	env.seedBalance(t, 100, 100)

	_, err := env.lifecycle.PurchaseWithBalance(ctx, 100, product.ID, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	var fundsErr *InsufficientFundsError
	require.True(t, errors.As(err, &fundsErr))
	requireDecimal(t, 200, fundsErr.Shortfall)
	requireDecimal(t, 100, fundsErr.Balance)
	requireDecimal(t, 300, fundsErr.Price)

	requireDecimal(t, 100, env.balance(t, 100))
	views, total, err := env.lifecycle.UserOrders(ctx, 100, 1, 20)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, views)
	assert.Zero(t, env.notifier.userCount())
}

func TestScenarioC_GatewayFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Pass", 300)

	order, err := env.lifecycle.CreateOrderForGatewayPayment(ctx, 100, product.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, order.Status)
	assert.Empty(t, NewOrderView(order).PickupCode)
	requireDecimal(t, 0, env.balance(t, 100))

	link, err := env.lifecycle.RequestPaymentLink(ctx, 100, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/tx-1", link.URL)

	stored := env.order(t, order.ID)
	assert.Equal(t, model.OrderStatusPendingPayment, stored.Status)
	require.NotNil(t, stored.TransactionID)
	assert.Equal(t, "tx-1", *stored.TransactionID)
	view, err := env.lifecycle.GetOrderView(ctx, 100, order.ID)
	require.NoError(t, err)
	assert.Empty(t, view.PickupCode)

	res, err := env.lifecycle.HandleGatewayNotification(ctx, paidNotification("tx-1", 300))
	require.NoError(t, err)
	assert.Equal(t, model.NotificationResultApplied, res.Result)

	stored = env.order(t, order.ID)
	assert.Equal(t, model.OrderStatusPaid, stored.Status)
	assert.NotNil(t, stored.PaidAt)
	view, err = env.lifecycle.GetOrderView(ctx, 100, order.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.PickupCode, view.PickupCode)

	// 重复回调
	res, err = env.lifecycle.HandleGatewayNotification(ctx, paidNotification("tx-1", 300))
	require.NoError(t, err)
	assert.Equal(t, model.NotificationResultNoop, res.Result)
	assert.Equal(t, model.OrderStatusPaid, env.order(t, order.ID).Status)

	assert.Equal(t, 1, env.notifier.userCount())
	assert.Equal(t, 1, env.notifier.adminCount())
	requireDecimal(t, 0, env.balance(t, 100))
}

func TestScenarioD_CancelPendingPaymentNoRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Pass", 300)
	env.seedBalance(t, 100, 50)

	order, err := env.lifecycle.CreateOrderForGatewayPayment(ctx, 100, product.ID, "")
	require.NoError(t, err)
	_, err = env.lifecycle.RequestPaymentLink(ctx, 100, order.ID)
	require.NoError(t, err)

	refunded, err := env.lifecycle.CancelOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, refunded)
	assert.Equal(t, model.OrderStatusCancelled, env.order(t, order.ID).Status)
	requireDecimal(t, 50, env.balance(t, 100))
}

func TestScenarioE_CancelPaidRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Pass", 300)
	env.seedBalance(t, 100, 20)

	order, err := env.lifecycle.CreateOrderForGatewayPayment(ctx, 100, product.ID, "")
	require.NoError(t, err)
	_, err = env.lifecycle.RequestPaymentLink(ctx, 100, order.ID)
	require.NoError(t, err)
	_, err = env.lifecycle.HandleGatewayNotification(ctx, paidNotification("tx-1", 300))
	require.NoError(t, err)

	requireDecimal(t, 20, env.balance(t, 100))

	refunded, err := env.lifecycle.CancelOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, refunded)
	assert.Equal(t, model.OrderStatusCancelled, env.order(t, order.ID).Status)
	requireDecimal(t, 320, env.balance(t, 100))

	// 再次取消不会重复退款
	refunded, err = env.lifecycle.CancelOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, refunded)
	requireDecimal(t, 320, env.balance(t, 100))
}

func TestCancelPaidOrderRefundsBuyerWithoutAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Pass", 300)

	order, err := env.lifecycle.CreateOrderForGatewayPayment(ctx, 200, product.ID, "")
	require.NoError(t, err)
	_, err = env.lifecycle.RequestPaymentLink(ctx, 200, order.ID)
	require.NoError(t, err)
	_, err = env.lifecycle.HandleGatewayNotification(ctx, paidNotification("tx-1", 300))
	require.NoError(t, err)

	var accounts int64
	require.NoError(t, env.db.Model(&model.UserBalance{}).Where("user_id = ?", 200).Count(&accounts).Error)
	require.Zero(t, accounts)

	refunded, err := env.lifecycle.CancelOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, refunded)
	requireDecimal(t, 300, env.balance(t, 200))

	var account model.UserBalance
	require.NoError(t, env.db.Where("user_id = ?", 200).First(&account).Error)
	assert.Equal(t, int64(1), account.UID)
}

func TestPurchaseWithBalanceConcurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Pass", 300)
	env.seedBalance(t, 100, 1000)

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		short     int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.lifecycle.PurchaseWithBalance(ctx, 100, product.ID, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientFunds):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, workers-3, short)
	requireDecimal(t, 100, env.balance(t, 100))

	_, total, err := env.lifecycle.UserOrders(ctx, 100, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestConfirmOrderIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Pass", 300)

	order, err := env.lifecycle.CreateOrderForGatewayPayment(ctx, 100, product.ID, "")
	require.NoError(t, err)
	_, err = env.lifecycle.RequestPaymentLink(ctx, 100, order.ID)
	require.NoError(t, err)
	_, err = env.lifecycle.HandleGatewayNotification(ctx, paidNotification("tx-1", 300))
	require.NoError(t, err)

	changed, err := env.lifecycle.ConfirmOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.OrderStatusCompleted, env.order(t, order.ID).Status)

	changed, err = env.lifecycle.ConfirmOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	refunded, err := env.lifecycle.CancelOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, refunded)
	assert.Equal(t, model.OrderStatusCompleted, env.order(t, order.ID).Status)

	_, err = env.lifecycle.ConfirmOrder(ctx, 999)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestConfirmPendingPaymentIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Pass", 300)

	order, err := env.lifecycle.CreateOrderForGatewayPayment(ctx, 100, product.ID, "")
	require.NoError(t, err)
	_, err = env.lifecycle.RequestPaymentLink(ctx, 100, order.ID)
	require.NoError(t, err)

	changed, err := env.lifecycle.ConfirmOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.OrderStatusPendingPayment, env.order(t, order.ID).Status)
}

func TestCancelOrderTerminalNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Pass", 300)
	env.seedBalance(t, 100, 500)

	result, err := env.lifecycle.PurchaseWithBalance(ctx, 100, product.ID, "")
	require.NoError(t, err)
	requireDecimal(t, 200, env.balance(t, 100))

	refunded, err := env.lifecycle.CancelOrder(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.True(t, refunded)
	requireDecimal(t, 500, env.balance(t, 100))

	refunded, err = env.lifecycle.CancelOrder(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.False(t, refunded)
	requireDecimal(t, 500, env.balance(t, 100))

	changed, err := env.lifecycle.ConfirmOrder(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.OrderStatusCancelled, env.order(t, result.Order.ID).Status)
}

func TestUserOrdersHidePickupCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Pass", 300)
	env.seedBalance(t, 100, 300)

	gatewayOrder, err := env.lifecycle.CreateOrderForGatewayPayment(ctx, 100, product.ID, "")
	require.NoError(t, err)
	balanceOrder, err := env.lifecycle.PurchaseWithBalance(ctx, 100, product.ID, "")
	require.NoError(t, err)

	views, total, err := env.lifecycle.UserOrders(ctx, 100, 1, 20)
	require.NoError(t, err)
	require.Equal(t, int64(2), total)

	byID := map[int64]*OrderView{}
	for _, v := range views {
		byID[v.ID] = v
	}
	assert.Empty(t, byID[gatewayOrder.ID].PickupCode)
	assert.Equal(t, balanceOrder.Order.PickupCode, byID[balanceOrder.Order.ID].PickupCode)

	_, err = env.lifecycle.GetOrderView(ctx, 200, gatewayOrder.ID)
	assert.ErrorIs(t, err, ErrOrderForbidden)
}

func TestRequestPaymentLinkFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Pass", 300)

	order, err := env.lifecycle.CreateOrderForGatewayPayment(ctx, 100, product.ID, "")
	require.NoError(t, err)

	_, err = env.lifecycle.RequestPaymentLink(ctx, 200, order.ID)
	assert.ErrorIs(t, err, ErrOrderForbidden)

	_, err = env.lifecycle.RequestPaymentLink(ctx, 100, 999)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	env.gateway.err = &gateway.Error{Kind: gateway.KindUnavailable, Message: "请求超时"}
	_, err = env.lifecycle.RequestPaymentLink(ctx, 100, order.ID)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.ErrorIs(t, err, gateway.ErrUnavailable)
	assert.Equal(t, model.OrderStatusPending, env.order(t, order.ID).Status)

	env.gateway.err = &gateway.Error{Kind: gateway.KindMalformed, StatusCode: 400, Message: "amount too small"}
	_, err = env.lifecycle.RequestPaymentLink(ctx, 100, order.ID)
	assert.ErrorIs(t, err, ErrGatewayRejected)
	var gwErr *gateway.Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, "amount too small", gwErr.Message)
	assert.Equal(t, model.OrderStatusPending, env.order(t, order.ID).Status)

	// 重试成功，不产生新订单
	env.gateway.err = nil
	_, err = env.lifecycle.RequestPaymentLink(ctx, 100, order.ID)
	require.NoError(t, err)
	_, total, err := env.lifecycle.UserOrders(ctx, 100, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestRequestPaymentLinkRejectsBalanceOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Pass", 300)
	env.seedBalance(t, 100, 300)

	result, err := env.lifecycle.PurchaseWithBalance(ctx, 100, product.ID, "")
	require.NoError(t, err)

	_, err = env.lifecycle.RequestPaymentLink(ctx, 100, result.Order.ID)
	assert.ErrorIs(t, err, ErrOrderStatusInvalid)
	assert.Zero(t, env.gateway.calls)
}

func TestMarkAwaitingPaymentKeepsCapturedAndTerminalOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Pass", 300)
	env.seedBalance(t, 100, 500)

	// 余额支付的订单绑定交易号后仍然按已扣款处理，取消时全额退回
	result, err := env.lifecycle.PurchaseWithBalance(ctx, 100, product.ID, "")
	require.NoError(t, err)
	require.NoError(t, env.lifecycle.MarkAwaitingPayment(ctx, result.Order.ID, "tx-late"))

	got := env.order(t, result.Order.ID)
	assert.Equal(t, model.OrderStatusPending, got.Status)
	assert.Nil(t, got.TransactionID)

	refunded, err := env.lifecycle.CancelOrder(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.True(t, refunded)
	requireDecimal(t, 500, env.balance(t, 100))

	// 支付失败是终态，不会被重新打开
	order, err := env.lifecycle.CreateOrderForGatewayPayment(ctx, 100, product.ID, "")
	require.NoError(t, err)
	_, err = env.lifecycle.RequestPaymentLink(ctx, 100, order.ID)
	require.NoError(t, err)
	_, err = env.lifecycle.HandleGatewayNotification(ctx, &gateway.Notification{
		TransactionID: "tx-1", RawStatus: "Declined", Outcome: gateway.OutcomeDeclined,
	})
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusPaymentFailed, env.order(t, order.ID).Status)

	require.NoError(t, env.lifecycle.MarkAwaitingPayment(ctx, order.ID, "tx-retry"))
	got = env.order(t, order.ID)
	assert.Equal(t, model.OrderStatusPaymentFailed, got.Status)
	assert.Equal(t, "tx-1", *got.TransactionID)

	assert.ErrorIs(t, env.lifecycle.MarkAwaitingPayment(ctx, 9999, "tx-x"), ErrOrderNotFound)
}

func TestRequestPaymentLinkWithoutTransactionID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Pass", 300)
	env.gateway.link = &gateway.PaymentLink{URL: "https://pay.example/anon"}

	order, err := env.lifecycle.CreateOrderForGatewayPayment(ctx, 100, product.ID, "")
	require.NoError(t, err)
	_, err = env.lifecycle.RequestPaymentLink(ctx, 100, order.ID)
	require.NoError(t, err)

	stored := env.order(t, order.ID)
	assert.Equal(t, model.OrderStatusPendingPayment, stored.Status)
	assert.Nil(t, stored.TransactionID)

	// 回调只能按订单号匹配
	n := paidNotification("wata-777", 300)
	n.OrderRef = gateway.OrderRef(order.ID)
	n.OrderID = order.ID
	res, err := env.lifecycle.HandleGatewayNotification(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationResultApplied, res.Result)
	assert.Equal(t, model.OrderStatusPaid, env.order(t, order.ID).Status)
}

func TestHandleGatewayNotificationEdgeCases(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Pass", 300)

	res, err := env.lifecycle.HandleGatewayNotification(ctx, paidNotification("unknown", 300))
	require.NoError(t, err)
	assert.Equal(t, model.NotificationResultUnmatched, res.Result)

	order, err := env.lifecycle.CreateOrderForGatewayPayment(ctx, 100, product.ID, "")
	require.NoError(t, err)

	// 还没申请支付链接就收到支付通知，留给人工核对
	n := paidNotification("", 300)
	n.OrderID = order.ID
	res, err = env.lifecycle.HandleGatewayNotification(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationResultUnmatched, res.Result)
	assert.Equal(t, model.OrderStatusPending, env.order(t, order.ID).Status)

	_, err = env.lifecycle.RequestPaymentLink(ctx, 100, order.ID)
	require.NoError(t, err)

	// 金额不符
	res, err = env.lifecycle.HandleGatewayNotification(ctx, paidNotification("tx-1", 1))
	require.NoError(t, err)
	assert.Equal(t, model.NotificationResultUnmatched, res.Result)
	assert.Equal(t, model.OrderStatusPendingPayment, env.order(t, order.ID).Status)

	// 未结算
	res, err = env.lifecycle.HandleGatewayNotification(ctx, &gateway.Notification{TransactionID: "tx-1", Outcome: gateway.OutcomePending})
	require.NoError(t, err)
	assert.Equal(t, model.NotificationResultNoop, res.Result)

	declined := &gateway.Notification{TransactionID: "tx-1", RawStatus: "Declined", Outcome: gateway.OutcomeDeclined}
	res, err = env.lifecycle.HandleGatewayNotification(ctx, declined)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationResultApplied, res.Result)
	assert.Equal(t, model.OrderStatusPaymentFailed, env.order(t, order.ID).Status)

	// 终态后迟到的支付通知
	res, err = env.lifecycle.HandleGatewayNotification(ctx, paidNotification("tx-1", 300))
	require.NoError(t, err)
	assert.Equal(t, model.NotificationResultNoop, res.Result)
	assert.Equal(t, model.OrderStatusPaymentFailed, env.order(t, order.ID).Status)

	// 只通知过一次失败
	assert.Equal(t, 1, env.notifier.userCount())
}

func TestPurchaseUnavailableProduct(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedBalance(t, 100, 1000)

	product := &model.Product{Name: "Old", Price: decimal.NewFromInt(10), Available: true}
	require.NoError(t, env.db.Create(product).Error)
	require.NoError(t, env.db.Model(product).Update("in_stock", false).Error)

	_, err := env.lifecycle.PurchaseWithBalance(ctx, 100, product.ID, "")
	assert.ErrorIs(t, err, ErrProductNotFound)

	_, err = env.lifecycle.CreateOrderForGatewayPayment(ctx, 100, 12345, "")
	assert.ErrorIs(t, err, ErrProductNotFound)
	requireDecimal(t, 1000, env.balance(t, 100))
}

func TestProductSnapshotNotRetroactive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	product := env.seedProduct(t, "Pass", 300)

	order, err := env.lifecycle.CreateOrderForGatewayPayment(ctx, 100, product.ID, "")
	require.NoError(t, err)

	require.NoError(t, env.db.Model(product).Update("price", decimal.NewFromInt(999)).Error)
	env.lifecycle.InvalidateProduct(ctx, product.ID)

	requireDecimal(t, 300, env.order(t, order.ID).Price)

	next, err := env.lifecycle.CreateOrderForGatewayPayment(ctx, 100, product.ID, "")
	require.NoError(t, err)
	requireDecimal(t, 999, next.Price)
}

func TestRecordNotification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	raw := []byte(`{"transactionId":"tx-x","status":"Paid","orderId":"order_5"}`)
	n, err := gateway.ParseNotification(raw)
	require.NoError(t, err)

	res, err := env.lifecycle.HandleGatewayNotification(ctx, n)
	require.NoError(t, err)
	env.lifecycle.RecordNotification(ctx, NotificationAudit{Source: model.NotificationSourceWebhook, SignatureValid: true}, n, raw, res)

	records, err := env.lifecycle.UnmatchedNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "tx-x", records[0].TransactionID)
	assert.Equal(t, "order_5", records[0].OrderRef)
	assert.Equal(t, string(gateway.OutcomePaid), records[0].Outcome)
	assert.True(t, records[0].SignatureValid)
	assert.JSONEq(t, string(raw), string(records[0].Payload))
}

func TestRecordNotificationKeepsUnparsedPayload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	raw := []byte("status=paid&id=tx-9")
	env.lifecycle.RecordNotification(ctx, NotificationAudit{Source: model.NotificationSourceWebhook, SignatureValid: true}, nil, raw,
		&NotificationResult{Result: model.NotificationResultRejected, Note: "报文无法解析"})

	records, err := env.lifecycle.UnmatchedNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.NotificationResultRejected, records[0].Result)
	assert.JSONEq(t, `"status=paid&id=tx-9"`, string(records[0].Payload))
}
