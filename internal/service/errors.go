package service

import (
	"errors"
	"fmt"

	"storefront/internal/gateway"

	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound    = errors.New("商品不存在或已下架")
	ErrOrderNotFound      = errors.New("订单不存在")
	ErrOrderForbidden     = errors.New("无权操作该订单")
	ErrOrderStatusInvalid = errors.New("订单当前状态不允许该操作")
	ErrInvalidAmount      = errors.New("金额无效")
	ErrGatewayUnavailable = errors.New("支付网关暂不可用，请稍后重试")
	ErrGatewayRejected    = errors.New("支付网关拒绝了请求")
	ErrSystemBusy         = errors.New("系统繁忙，请稍后重试")
	ErrInternal           = errors.New("系统内部错误")
	ErrInsufficientFunds  = errors.New("余额不足")
)

// InsufficientFundsError 余额不足，带上差额给前端展示
type InsufficientFundsError struct {
	Balance   decimal.Decimal
	Price     decimal.Decimal
	Shortfall decimal.Decimal
}

func newInsufficientFunds(balance, price decimal.Decimal) *InsufficientFundsError {
	return &InsufficientFundsError{
		Balance:   balance,
		Price:     price,
		Shortfall: price.Sub(balance),
	}
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("余额不足: 余额 %s, 需要 %s, 还差 %s",
		e.Balance.StringFixed(2), e.Price.StringFixed(2), e.Shortfall.StringFixed(2))
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// 网关错误统一包装：超时和 5xx 可以重试，401/403/400 是请求或配置问题
func wrapGatewayError(err error) error {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) && gwErr.Kind != gateway.KindUnavailable {
		return fmt.Errorf("%w: %w", ErrGatewayRejected, err)
	}
	return fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
}

func internalError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}
