package handler

import (
	"errors"
	"strconv"

	"storefront/internal/job"
	"storefront/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// ============================================================
// 管理员接口，由 AdminAuthMiddleware 保护
// ============================================================

func orderIDParam(c *gin.Context) (int64, bool) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || orderID <= 0 {
		response.ParamError(c, "订单 ID 参数错误")
		return 0, false
	}
	return orderID, true
}

// ListOpenOrders 待处理订单（pending / pending_payment / paid）
// GET /api/admin/orders/open
func (h *Handler) ListOpenOrders(c *gin.Context) {
	orders, err := h.lifecycle.ListOpenOrders(c.Request.Context())
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"list": orders, "total": len(orders)})
}

// ConfirmOrder 确认收款并完成订单，重复确认不报错
// POST /api/admin/orders/:id/confirm
func (h *Handler) ConfirmOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	changed, err := h.lifecycle.ConfirmOrder(c.Request.Context(), orderID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"order_id": orderID, "changed": changed, "admin_id": currentAdminID(c)})
}

// CancelOrder 取消订单，已扣款的退回余额
// POST /api/admin/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	changed, err := h.lifecycle.CancelOrder(c.Request.Context(), orderID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"order_id": orderID, "changed": changed, "admin_id": currentAdminID(c)})
}

// SetBalanceRequest amount 是目标余额
type SetBalanceRequest struct {
	UserID int64           `json:"user_id" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
	Remark string          `json:"remark" binding:"max=255"`
}

// AdjustBalanceRequest delta 为正加款，为负扣款
type AdjustBalanceRequest struct {
	UserID int64           `json:"user_id" binding:"required"`
	Delta  decimal.Decimal `json:"delta"`
	Remark string          `json:"remark" binding:"max=255"`
}

// SetBalance POST /api/admin/balance/set
func (h *Handler) SetBalance(c *gin.Context) {
	var req SetBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	entry, err := h.accounts.SetBalance(c.Request.Context(), req.UserID, req.Amount, adminRemark(c, req.Remark))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"user_id": req.UserID, "balance": entry.BalanceAfter.StringFixed(2), "transaction": entry})
}

// AdjustBalance POST /api/admin/balance/adjust
func (h *Handler) AdjustBalance(c *gin.Context) {
	var req AdjustBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	entry, err := h.accounts.AdjustBalance(c.Request.Context(), req.UserID, req.Delta, adminRemark(c, req.Remark))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"user_id": req.UserID, "balance": entry.BalanceAfter.StringFixed(2), "transaction": entry})
}

func adminRemark(c *gin.Context, remark string) string {
	if remark == "" {
		remark = "管理员操作"
	}
	return remark + " (admin " + strconv.FormatInt(currentAdminID(c), 10) + ")"
}

// Reconcile 立即跑一轮对账。部分订单失败时仍返回报告
// POST /api/admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.reconciler.SweepOnce(c.Request.Context())
	if errors.Is(err, job.ErrSweepInProgress) {
		response.BusinessError(c, response.CodeBusinessError, err.Error())
		return
	}

	data := gin.H{"report": report}
	if err != nil {
		data["error"] = err.Error()
	}
	response.Success(c, data)
}

// UnmatchedNotifications 需要人工跟进的网关通知
// GET /api/admin/notifications/unmatched?limit=50
func (h *Handler) UnmatchedNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	list, err := h.lifecycle.UnmatchedNotifications(c.Request.Context(), limit)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"list": list, "total": len(list)})
}

// InvalidateProduct 商品改价或下架后清掉缓存，新订单立即按新价格下单
// POST /api/admin/products/:id/invalidate
func (h *Handler) InvalidateProduct(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || productID <= 0 {
		response.ParamError(c, "商品 ID 参数错误")
		return
	}
	h.lifecycle.InvalidateProduct(c.Request.Context(), productID)
	response.Success(c, gin.H{"product_id": productID})
}
