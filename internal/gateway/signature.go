package gateway

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
)

// SignatureHeader 网关回调签名所在的请求头
const SignatureHeader = "X-Signature"

var ErrInvalidPublicKey = errors.New("网关公钥格式错误")

// VerifySignature 校验回调签名：RSA PKCS#1 v1.5 + SHA-512，签名对原始请求体计算。
// 返回 false, nil 表示签名无效；error 表示拿不到公钥，无法判断。
func (c *Client) VerifySignature(ctx context.Context, body []byte, signature string) (bool, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false, nil
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		if sig, err = base64.RawStdEncoding.DecodeString(signature); err != nil {
			return false, nil
		}
	}

	key, err := c.PublicKey(ctx)
	if err != nil {
		return false, err
	}

	digest := sha512.Sum512(body)
	return rsa.VerifyPKCS1v15(key, crypto.SHA512, digest[:], sig) == nil, nil
}

// PublicKey 首次使用时从网关拉取，进程内缓存；拉取失败不缓存，下次重试
func (c *Client) PublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	c.keyMu.RLock()
	key := c.publicKey
	c.keyMu.RUnlock()
	if key != nil {
		return key, nil
	}

	v, err, _ := c.keyGroup.Do("public-key", func() (interface{}, error) {
		body, err := c.do(ctx, http.MethodGet, "/api/h2h/public-key", nil)
		if err != nil {
			return nil, err
		}

		var resp struct {
			Value     string `json:"value"`
			PublicKey string `json:"publicKey"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}

		key, err := ParsePublicKey(firstNonEmpty(resp.Value, resp.PublicKey))
		if err != nil {
			return nil, err
		}

		c.keyMu.Lock()
		c.publicKey = key
		c.keyMu.Unlock()
		log.Println("[Gateway] 已获取回调验签公钥")
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*rsa.PublicKey), nil
}

// ParsePublicKey 支持 PEM（PKIX / PKCS#1）和不带头尾的 base64 DER
func ParsePublicKey(value string) (*rsa.PublicKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrInvalidPublicKey
	}

	var der []byte
	if block, _ := pem.Decode([]byte(value)); block != nil {
		der = block.Bytes
	} else {
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		der = raw
	}

	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		if rsaKey, ok := pub.(*rsa.PublicKey); ok {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("%w: 不是 RSA 公钥", ErrInvalidPublicKey)
	}
	if rsaKey, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return rsaKey, nil
	}
	return nil, ErrInvalidPublicKey
}
