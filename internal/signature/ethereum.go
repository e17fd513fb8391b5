package signature

import (
	"crypto/ecdsa"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Ethereum 使用 secp256k1 对 EIP-191 文本摘要签名。
// 签名密钥为私钥（32 字节原文或十六进制文本），校验密钥为地址或公钥。
type Ethereum struct{}

// Name 实现 Codec。
func (Ethereum) Name() string { return "ethereum" }

// Sign 实现 Codec。
func (Ethereum) Sign(message string, key []byte) (string, error) {
	priv, err := parsePrivateKey(key)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), priv)
	if err != nil {
		return "", fmt.Errorf("secp256k1 签名失败: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// Verify 实现 Codec，通过恢复签名者地址与校验密钥比对。
func (Ethereum) Verify(message, signature string, key []byte) bool {
	expected, ok := parseIdentity(key)
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return false
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return false
	}
	got := crypto.PubkeyToAddress(*pub)
	return subtle.ConstantTimeCompare(got.Bytes(), expected.Bytes()) == 1
}

// PublicIdentity 返回私钥对应的地址，供工具方在报价中公布。
func PublicIdentity(privateKey []byte) (string, error) {
	priv, err := parsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(priv.PublicKey).Hex(), nil
}

func parsePrivateKey(key []byte) (*ecdsa.PrivateKey, error) {
	if len(key) == 0 {
		return nil, errors.New("签名密钥不能为空")
	}
	if len(key) == 32 {
		return crypto.ToECDSA(key)
	}
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(string(key)), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return priv, nil
}

func parseIdentity(key []byte) (common.Address, bool) {
	switch len(key) {
	case 0:
		return common.Address{}, false
	case common.AddressLength:
		return common.BytesToAddress(key), true
	case 33:
		pub, err := crypto.DecompressPubkey(key)
		if err != nil {
			return common.Address{}, false
		}
		return crypto.PubkeyToAddress(*pub), true
	case 65:
		pub, err := crypto.UnmarshalPubkey(key)
		if err != nil {
			return common.Address{}, false
		}
		return crypto.PubkeyToAddress(*pub), true
	}
	text := strings.TrimSpace(string(key))
	if common.IsHexAddress(text) {
		return common.HexToAddress(text), true
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(text, "0x"))
	if err != nil || (len(raw) != 33 && len(raw) != 65) {
		return common.Address{}, false
	}
	return parseIdentity(raw)
}

var _ Codec = Ethereum{}
