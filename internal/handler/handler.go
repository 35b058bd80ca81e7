package handler

import (
	"context"
	"errors"
	"log"
	"strconv"

	"storefront/internal/config"
	"storefront/internal/gateway"
	"storefront/internal/job"
	"storefront/internal/service"
	"storefront/pkg/response"

	"github.com/gin-gonic/gin"
)

// GatewayClient 回调验签和诊断信息
type GatewayClient interface {
	VerifySignature(ctx context.Context, body []byte, signature string) (bool, error)
	Status() gateway.Diagnostics
}

// Reconciler 手动触发一轮对账
type Reconciler interface {
	SweepOnce(ctx context.Context) (*job.SweepReport, error)
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	cfg        *config.Config
	accounts   *service.AccountService
	lifecycle  *service.LifecycleService
	gateway    GatewayClient
	reconciler Reconciler
}

func NewHandler(cfg *config.Config, accounts *service.AccountService, lifecycle *service.LifecycleService,
	gw GatewayClient, reconciler Reconciler) *Handler {
	return &Handler{
		cfg:        cfg,
		accounts:   accounts,
		lifecycle:  lifecycle,
		gateway:    gw,
		reconciler: reconciler,
	}
}

// handleServiceError 把业务错误翻译成响应码
func (h *Handler) handleServiceError(c *gin.Context, err error) {
	var fundsErr *service.InsufficientFundsError
	if errors.As(err, &fundsErr) {
		response.ErrorWithData(c, response.CodeBalanceNotEnough, "余额不足", gin.H{
			"balance":   fundsErr.Balance.StringFixed(2),
			"price":     fundsErr.Price.StringFixed(2),
			"shortfall": fundsErr.Shortfall.StringFixed(2),
		})
		return
	}

	switch {
	case errors.Is(err, service.ErrOrderForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, service.ErrProductNotFound):
		response.BusinessError(c, response.CodeProductNotFound, err.Error())
	case errors.Is(err, service.ErrOrderNotFound):
		response.BusinessError(c, response.CodeOrderNotFound, err.Error())
	case errors.Is(err, service.ErrOrderStatusInvalid):
		response.BusinessError(c, response.CodeOrderStatusInvalid, err.Error())
	case errors.Is(err, service.ErrInvalidAmount):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrGatewayRejected):
		msg := service.ErrGatewayRejected.Error()
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) && gwErr.Message != "" {
			msg = msg + ": " + gwErr.Message
		}
		response.BusinessError(c, response.CodeGatewayRejected, msg)
	case errors.Is(err, service.ErrGatewayUnavailable):
		response.BusinessError(c, response.CodeGatewayUnavailable, service.ErrGatewayUnavailable.Error())
	case errors.Is(err, service.ErrSystemBusy):
		response.BusinessError(c, response.CodeBusinessError, service.ErrSystemBusy.Error())
	default:
		log.Printf("[HTTP] 请求处理失败: request_id=%s, path=%s, err=%v", requestID(c), c.FullPath(), err)
		response.ServerError(c, "系统内部错误")
	}
}

// ============================================================
// 小程序接口，用户身份来自 initData
// ============================================================

// pathUserID 路径里的用户必须是 initData 里的用户
func pathUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.ParamError(c, "用户 ID 参数错误")
		return 0, false
	}
	if userID != currentUserID(c) {
		response.Forbidden(c, "无权访问其他用户的数据")
		return 0, false
	}
	return userID, true
}

// GetUser 用户信息和余额
// GET /api/user/:id
func (h *Handler) GetUser(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	account, err := h.accounts.GetAccount(ctx, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	balance, err := h.accounts.GetBalance(ctx, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	transactions, err := h.accounts.RecentTransactions(ctx, userID, 10)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id":      account.UserID,
		"uid":          account.UID,
		"balance":      balance.StringFixed(2),
		"transactions": transactions,
	})
}

// GetUserOrders 用户订单列表，未确认收款的订单不返回取货码
// GET /api/user/:id/orders?page=1&page_size=20
func (h *Handler) GetUserOrders(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	orders, total, err := h.lifecycle.UserOrders(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetOrder 单个订单
// GET /api/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.ParamError(c, "订单 ID 参数错误")
		return
	}

	view, err := h.lifecycle.GetOrderView(c.Request.Context(), currentUserID(c), orderID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	response.Success(c, view)
}

// PurchaseRequest 下单请求，supercell_id 是买家的游戏账号
type PurchaseRequest struct {
	UserID      int64  `json:"user_id" binding:"required"`
	ProductID   int64  `json:"product_id" binding:"required"`
	SupercellID string `json:"supercell_id" binding:"max=255"`
}

func (h *Handler) bindPurchase(c *gin.Context) (*PurchaseRequest, bool) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return nil, false
	}
	if req.UserID != currentUserID(c) {
		log.Printf("[SECURITY] 请求体用户与 initData 不一致: body=%d, token=%d, ip=%s", req.UserID, currentUserID(c), c.ClientIP())
		response.Forbidden(c, "用户身份不匹配")
		return nil, false
	}
	return &req, true
}

// Purchase 创建走网关支付的订单
// POST /api/purchase
func (h *Handler) Purchase(c *gin.Context) {
	req, ok := h.bindPurchase(c)
	if !ok {
		return
	}

	order, err := h.lifecycle.CreateOrderForGatewayPayment(c.Request.Context(), req.UserID, req.ProductID, req.SupercellID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"order_id": order.ID,
		"order":    service.NewOrderView(order),
	})
}

// PurchaseWithBalance 余额购买
// POST /api/purchase-balance
func (h *Handler) PurchaseWithBalance(c *gin.Context) {
	req, ok := h.bindPurchase(c)
	if !ok {
		return
	}

	result, err := h.lifecycle.PurchaseWithBalance(c.Request.Context(), req.UserID, req.ProductID, req.SupercellID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"order_id":    result.Order.ID,
		"order":       service.NewOrderView(result.Order),
		"pickup_code": result.Order.PickupCode,
		"balance":     result.Balance.StringFixed(2),
	})
}

// CreatePaymentRequest 申请支付链接
type CreatePaymentRequest struct {
	OrderID int64 `json:"order_id" binding:"required"`
	UserID  int64 `json:"user_id" binding:"required"`
}

// CreateSbpPayment 为订单申请网关支付链接（SBP）
// POST /api/create-sbp-payment
func (h *Handler) CreateSbpPayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if req.UserID != currentUserID(c) {
		log.Printf("[SECURITY] 请求体用户与 initData 不一致: body=%d, token=%d, ip=%s", req.UserID, currentUserID(c), c.ClientIP())
		response.Forbidden(c, "用户身份不匹配")
		return
	}

	link, err := h.lifecycle.RequestPaymentLink(c.Request.Context(), req.UserID, req.OrderID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"order_id":       req.OrderID,
		"payment_url":    link.URL,
		"transaction_id": link.ID,
	})
}

// WataStatus 网关配置自检，不返回密钥
// GET /api/wata-status
func (h *Handler) WataStatus(c *gin.Context) {
	status := h.gateway.Status()
	response.Success(c, gin.H{
		"gateway":          status,
		"payment_checker":  h.cfg.Business.EnablePaymentChecker,
		"production":       h.cfg.Server.Production,
		"unsigned_allowed": h.allowUnsignedWebhooks(),
	})
}

const paymentPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>%s</title></head>
<body style="font-family:sans-serif;text-align:center;padding-top:20vh"><h2>%s</h2><p>%s</p></body></html>`

// PaymentSuccess 网关支付完成后的跳转页。只展示提示，订单状态以回调为准。
// GET /payment/success
func (h *Handler) PaymentSuccess(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(200, paymentPage, "支付成功", "✅ 支付成功", "请返回 Telegram，确认到账后会收到取货码。")
}

// PaymentFail GET /payment/fail
func (h *Handler) PaymentFail(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(200, paymentPage, "支付失败", "❌ 支付未完成", "请返回 Telegram 重新发起支付。")
}
