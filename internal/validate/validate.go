// Package validate 提供标识符格式校验
//
// 三种标识符形状:
//   - 对象 ID / 账户地址: 0x 前缀 + 64 位十六进制 (两者共用同一形状)
//   - 交易摘要: base58 字符串, 长度 43-44
//
// 所有函数均为纯函数, 无副作用, 永不 panic。
package validate

import "regexp"

var (
	// objectIDPattern 对象 ID 与账户地址共用的形状 (保持单一定义, 避免漂移)
	objectIDPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

	// txDigestPattern base58 字母表 (Bitcoin 风格, 不含 0 O I l)
	txDigestPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{43,44}$`)
)

// IsObjectID 校验链上对象 ID 格式
func IsObjectID(s string) bool {
	return objectIDPattern.MatchString(s)
}

// IsAddress 校验账户地址格式 (与对象 ID 同形状)
func IsAddress(s string) bool {
	return objectIDPattern.MatchString(s)
}

// IsTransactionDigest 校验交易摘要格式
func IsTransactionDigest(s string) bool {
	return txDigestPattern.MatchString(s)
}
