package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// HeaderInitData 小程序把 Telegram WebApp 的 initData 原样放在这个请求头里
const HeaderInitData = "X-Telegram-Init-Data"

var (
	ErrMissingInitData = errors.New("缺少 initData")
	ErrMissingHash     = errors.New("initData 中没有 hash")
	ErrInvalidHash     = errors.New("initData 签名无效")
	ErrExpired         = errors.New("initData 已过期")
	ErrNoUser          = errors.New("initData 中没有用户信息")
)

// TelegramUser initData 里的 user 字段
type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Validator 校验 Telegram WebApp initData
type Validator struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewValidator maxAge <= 0 时不检查 auth_date
func NewValidator(botToken string, maxAge time.Duration) *Validator {
	return &Validator{
		secret: secretKey(botToken),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// secret_key = HMAC_SHA256(key="WebAppData", msg=bot_token)
func secretKey(botToken string) []byte {
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(botToken))
	return mac.Sum(nil)
}

// Validate 校验签名和有效期，返回 initData 中的用户
func (v *Validator) Validate(initData string) (*TelegramUser, error) {
	if strings.TrimSpace(initData) == "" {
		return nil, ErrMissingInitData
	}

	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("initData 格式错误: %w", err)
	}

	received := values.Get("hash")
	if received == "" {
		return nil, ErrMissingHash
	}

	expected := v.sign(values)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(received))) {
		return nil, ErrInvalidHash
	}

	if v.maxAge > 0 {
		authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil {
			return nil, ErrExpired
		}
		if v.now().Sub(time.Unix(authDate, 0)) > v.maxAge {
			return nil, ErrExpired
		}
	}

	raw := values.Get("user")
	if raw == "" {
		return nil, ErrNoUser
	}
	var user TelegramUser
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, fmt.Errorf("解析用户信息失败: %w", err)
	}
	if user.ID == 0 {
		return nil, ErrNoUser
	}
	return &user, nil
}

// Sign 计算 initData 的 hash，values 中已有的 hash 字段会被忽略
func (v *Validator) Sign(values url.Values) string {
	return v.sign(values)
}

func (v *Validator) sign(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values.Get(k))
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}
