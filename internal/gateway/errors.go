package gateway

import (
	"errors"
	"fmt"
)

// Kind 网关错误分类，调用方据此决定提示文案和是否可以重试
type Kind int

const (
	KindUnavailable  Kind = iota // 超时、网络错误、5xx：稍后重试
	KindUnauthorized             // 401/403：令牌无效，需要运维处理
	KindMalformed                // 400 或响应缺字段：请求本身有问题
)

var (
	ErrUnavailable  = errors.New("支付网关暂不可用")
	ErrUnauthorized = errors.New("支付网关鉴权失败")
	ErrMalformed    = errors.New("支付网关请求无效")
)

// Error 网关调用失败，errors.Is 可以匹配上面三个哨兵错误
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.sentinel(), e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.sentinel(), msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.sentinel()
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindUnauthorized:
		return ErrUnauthorized
	case KindMalformed:
		return ErrMalformed
	default:
		return ErrUnavailable
	}
}
