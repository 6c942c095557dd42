package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// localPartBytes 随机本地部分的字节数，16 个十六进制字符。
const localPartBytes = 8

// GenerateAddress 在指定域名下生成一个随机邮箱地址。
//
// 本地部分来自 crypto/rand，地址空间 2^64，不做与现有绑定的
// 碰撞检查（碰撞概率可忽略）。
func GenerateAddress(domain string) (string, error) {
	buf := make([]byte, localPartBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate address: %w", err)
	}
	return fmt.Sprintf("%s@%s", hex.EncodeToString(buf), strings.ToLower(domain)), nil
}
