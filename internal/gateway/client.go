package gateway

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"storefront/internal/config"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const (
	ProductionBaseURL = "https://api.wata.pro"
	SandboxBaseURL    = "https://api-sandbox.wata.pro"

	defaultCurrency = "RUB"
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 1 << 20
)

// PaymentLink 网关返回的支付链接
type PaymentLink struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Diagnostics 配置自检，不包含任何密钥
type Diagnostics struct {
	TokenConfigured bool   `json:"token_configured"`
	Sandbox         bool   `json:"sandbox_mode"`
	APIBase         string `json:"api_base"`
	ReturnBaseURL   string `json:"webhook_base_url"`
}

// Client wata.pro H2H 接口
type Client struct {
	baseURL       string
	token         string
	sandbox       bool
	returnBaseURL string
	httpClient    *http.Client

	keyGroup  singleflight.Group
	keyMu     sync.RWMutex
	publicKey *rsa.PublicKey
}

func NewClient(cfg config.GatewayConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = ProductionBaseURL
		if cfg.Sandbox {
			baseURL = SandboxBaseURL
		}
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         cfg.APIToken,
		sandbox:       cfg.Sandbox,
		returnBaseURL: strings.TrimRight(cfg.ReturnBaseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Status() Diagnostics {
	return Diagnostics{
		TokenConfigured: len(c.token) > 20,
		Sandbox:         c.sandbox,
		APIBase:         c.baseURL,
		ReturnBaseURL:   c.returnBaseURL,
	}
}

type createLinkRequest struct {
	Amount             json.Number `json:"amount"`
	Currency           string      `json:"currency"`
	Description        string      `json:"description"`
	OrderID            string      `json:"orderId"`
	SuccessRedirectURL string      `json:"successRedirectUrl,omitempty"`
	FailRedirectURL    string      `json:"failRedirectUrl,omitempty"`
}

type createLinkResponse struct {
	ID         string `json:"id"`
	LinkID     string `json:"linkId"`
	URL        string `json:"url"`
	PaymentURL string `json:"paymentUrl"`
	Link       string `json:"link"`
}

// CreatePaymentLink 创建支付链接。任何失败都以 *Error 返回。
func (c *Client) CreatePaymentLink(ctx context.Context, amount decimal.Decimal, orderID int64, description string) (*PaymentLink, error) {
	if c.token == "" {
		return nil, &Error{Kind: KindUnauthorized, Message: "未配置 API 令牌"}
	}
	if !amount.IsPositive() {
		return nil, &Error{Kind: KindMalformed, Message: "金额必须大于 0"}
	}

	payload := createLinkRequest{
		Amount:      json.Number(amount.StringFixed(2)),
		Currency:    defaultCurrency,
		Description: description,
		OrderID:     OrderRef(orderID),
	}
	if c.returnBaseURL != "" {
		payload.SuccessRedirectURL = c.returnBaseURL + "/payment/success"
		payload.FailRedirectURL = c.returnBaseURL + "/payment/fail"
	}

	body, err := c.do(ctx, http.MethodPost, "/api/h2h/links", payload)
	if err != nil {
		return nil, err
	}

	var resp createLinkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: KindMalformed, Message: "响应不是合法 JSON", Err: err}
	}

	link := &PaymentLink{
		ID:  firstNonEmpty(resp.ID, resp.LinkID),
		URL: firstNonEmpty(resp.URL, resp.PaymentURL, resp.Link),
	}
	if link.URL == "" {
		return nil, &Error{Kind: KindMalformed, Message: "响应中没有支付链接"}
	}

	log.Printf("[Gateway] 支付链接已创建: order=%d, link=%s", orderID, link.ID)
	return link, nil
}

// GetTransactionStatus 主动查询交易状态，对账任务使用
func (c *Client) GetTransactionStatus(ctx context.Context, txID string) (*Notification, error) {
	if txID == "" {
		return nil, &Error{Kind: KindMalformed, Message: "交易号为空"}
	}
	body, err := c.do(ctx, http.MethodGet, "/api/h2h/transactions/"+url.PathEscape(txID), nil)
	if err != nil {
		return nil, err
	}

	n, err := ParseNotification(body)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Message: "交易状态响应无法解析", Err: err}
	}
	if n.TransactionID == "" {
		n.TransactionID = txID
	}
	return n, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, &Error{Kind: KindMalformed, Message: "请求序列化失败", Err: err}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Message: "构造请求失败", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &Error{Kind: KindUnavailable, Message: "请求超时", Err: err}
		}
		return nil, &Error{Kind: KindUnavailable, Message: "网络错误", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Message: "读取响应失败", Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &Error{Kind: KindUnauthorized, StatusCode: resp.StatusCode, Message: "API 令牌无效或已过期"}
	case resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: KindUnauthorized, StatusCode: resp.StatusCode, Message: "没有访问权限"}
	case resp.StatusCode == http.StatusBadRequest:
		return nil, &Error{Kind: KindMalformed, StatusCode: resp.StatusCode, Message: providerMessage(body)}
	default:
		return nil, &Error{Kind: KindUnavailable, StatusCode: resp.StatusCode, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
}

func providerMessage(body []byte) string {
	var data struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &data); err == nil {
		if msg := firstNonEmpty(data.Message, data.Error); msg != "" {
			return msg
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return strings.TrimSpace(string(body))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
