// Package pickup 生成取货码。
//
// 取货码不是安全凭证，真正的安全边界是"确认收款之后才展示"，
// 所以生成时不做唯一性校验，(36^3)^3 的空间足够避免碰撞。
package pickup

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

const (
	alphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	groups      = 3
	groupLength = 3
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{3}-[A-Z0-9]{3}-[A-Z0-9]{3}$`)

// Generate 生成形如 A1B-2C3-D4E 的取货码
func Generate() string {
	max := big.NewInt(int64(len(alphabet)))
	parts := make([]string, groups)
	for i := range parts {
		var b strings.Builder
		for j := 0; j < groupLength; j++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				panic("pickup: 随机源不可用: " + err.Error())
			}
			b.WriteByte(alphabet[n.Int64()])
		}
		parts[i] = b.String()
	}
	return strings.Join(parts, "-")
}

// Valid 校验取货码格式
func Valid(code string) bool {
	return codePattern.MatchString(code)
}
