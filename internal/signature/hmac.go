package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// HMAC 使用共享密钥生成 HMAC-SHA256 签名。
type HMAC struct{}

// Name 实现 Codec。
func (HMAC) Name() string { return "hmac" }

// Sign 实现 Codec。
func (HMAC) Sign(message string, key []byte) (string, error) {
	if len(key) == 0 {
		return "", errors.New("签名密钥不能为空")
	}
	return hex.EncodeToString(mac(message, key)), nil
}

// Verify 实现 Codec，使用常量时间比较。
func (HMAC) Verify(message, signature string, key []byte) bool {
	if len(key) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, mac(message, key)) == 1
}

func mac(message string, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return h.Sum(nil)
}

var _ Codec = HMAC{}
