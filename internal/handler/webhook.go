package handler

import (
	"io"
	"log"
	"net/http"

	"storefront/internal/gateway"
	"storefront/internal/model"
	"storefront/internal/service"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// allowUnsignedWebhooks 只有非生产环境且显式打开时才放行未签名回调
func (h *Handler) allowUnsignedWebhooks() bool {
	return !h.cfg.Server.Production && h.cfg.Gateway.AllowUnsignedWebhooks
}

// WataWebhook 网关异步回调
// POST /webhook/wata
//
// 响应码决定网关是否重试：验签失败 401，数据库故障 500（网关稍后重试），
// 其余包括找不到订单、报文无法解析一律 200，并留下审计记录。
func (h *Handler) WataWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "read body failed"})
		return
	}

	audit := service.NotificationAudit{Source: model.NotificationSourceWebhook}

	signature := c.GetHeader(gateway.SignatureHeader)
	valid, err := h.gateway.VerifySignature(ctx, body, signature)
	if err != nil {
		log.Printf("[Webhook] 验签失败: request_id=%s, err=%v", requestID(c), err)
		valid = false
	}
	audit.SignatureValid = valid

	if !valid {
		if !h.allowUnsignedWebhooks() {
			log.Printf("[SECURITY] 拒绝签名无效的网关回调: ip=%s, has_signature=%t", c.ClientIP(), signature != "")
			n, _ := gateway.ParseNotification(body)
			h.lifecycle.RecordNotification(ctx, audit, n, body,
				&service.NotificationResult{Result: model.NotificationResultRejected, Note: "签名无效"})
			c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "invalid signature"})
			return
		}
		audit.Bypassed = true
		log.Printf("[SECURITY] !!! 非生产环境放行签名无效的网关回调 !!! ip=%s, has_signature=%t", c.ClientIP(), signature != "")
	}

	n, err := gateway.ParseNotification(body)
	if err != nil {
		// 应答 200 避免网关反复重投，原始报文留给人工跟进
		log.Printf("[Webhook] 回调报文无法解析: request_id=%s, err=%v", requestID(c), err)
		rejected := &service.NotificationResult{Result: model.NotificationResultRejected, Note: "报文无法解析: " + err.Error()}
		h.lifecycle.RecordNotification(ctx, audit, nil, body, rejected)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "result": rejected.Result, "note": rejected.Note})
		return
	}

	result, err := h.lifecycle.HandleGatewayNotification(ctx, n)
	if err != nil {
		log.Printf("[Webhook] 处理回调失败: tx=%s, err=%v", n.TransactionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "temporarily unavailable"})
		return
	}

	h.lifecycle.RecordNotification(ctx, audit, n, body, result)
	log.Printf("[Webhook] 回调已处理: tx=%s, status=%s, result=%s, order=%d",
		n.TransactionID, n.RawStatus, result.Result, result.OrderID)

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"result": result.Result,
		"note":   result.Note,
	})
}
