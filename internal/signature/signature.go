// Package signature 提供报价接受与完成回执的签名与校验。
//
// 默认实现是基于共享密钥的 HMAC-SHA256；Ethereum 实现使用 secp256k1
// 非对称签名，二者都满足 Codec 接口，可在不改动生命周期逻辑的情况下替换。
package signature

import (
	"strings"
	"time"
)

// Codec 是签名原语的能力接口。
type Codec interface {
	// Name 返回实现名称，用于配置与日志。
	Name() string
	// Sign 使用 key 对 message 签名，返回十六进制编码的签名。
	Sign(message string, key []byte) (string, error)
	// Verify 校验签名，任何格式错误都返回 false。
	Verify(message, signature string, key []byte) bool
}

// TimestampLayout 是签名消息中时间戳的固定格式。
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTimestamp 以 UTC 纳秒精度格式化时间戳，保证签名方与校验方得到相同字符串。
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampLayout)
}

// ReceiptMessage 返回完成回执的签名原文：job_id|output_ref|timestamp。
func ReceiptMessage(jobID, outputRef string, ts time.Time) string {
	return strings.Join([]string{jobID, outputRef, FormatTimestamp(ts)}, "|")
}

// AcceptanceMessage 返回客户端接受报价的签名原文：job_id|terms_hash|timestamp。
func AcceptanceMessage(jobID, termsHash string, ts time.Time) string {
	return strings.Join([]string{jobID, termsHash, FormatTimestamp(ts)}, "|")
}

// New 根据名称返回 Codec，未知名称回落到 HMAC。
func New(name string) Codec {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ethereum", "secp256k1", "ecdsa":
		return Ethereum{}
	default:
		return HMAC{}
	}
}
