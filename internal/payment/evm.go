package payment

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/web3"
	"AgentMarket/internal/web3/ethereum"
	"AgentMarket/pkg/logger"
)

// EVMRail 通过 EVM 链的原生转账完成结算。付款方必须是已登记私钥的钱包。
type EVMRail struct {
	client web3.Client
	keys   map[string]*ecdsa.PrivateKey
}

// NewEVMRail 使用链客户端和十六进制私钥列表创建结算通道。
func NewEVMRail(client web3.Client, hexKeys ...string) (*EVMRail, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "EVM 结算通道缺少链客户端")
	}
	rail := &EVMRail{client: client, keys: make(map[string]*ecdsa.PrivateKey, len(hexKeys))}
	for _, hexKey := range hexKeys {
		if strings.TrimSpace(hexKey) == "" {
			continue
		}
		if _, err := rail.AddKey(hexKey); err != nil {
			return nil, err
		}
	}
	return rail, nil
}

// AddKey 登记钱包私钥并返回对应地址。
func (r *EVMRail) AddKey(hexKey string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析钱包私钥失败")
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	r.keys[strings.ToLower(address)] = key
	return address, nil
}

// Name 实现 Rail。
func (r *EVMRail) Name() string { return "evm" }

// Balance 实现 Rail。
func (r *EVMRail) Balance(ctx context.Context, party string) (*big.Int, error) {
	balance, err := r.client.BalanceAt(ctx, party)
	if err != nil {
		return nil, xerrors.Wrap(CodeTransport, err, "查询链上余额失败")
	}
	return balance, nil
}

// Transfer 实现 Rail。memo 仅记录在审计日志中。
func (r *EVMRail) Transfer(ctx context.Context, from, to string, amount *big.Int, memo string) (string, error) {
	key, ok := r.keys[strings.ToLower(strings.TrimSpace(from))]
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未登记付款钱包 %s 的私钥", from))
	}
	receipt, err := r.client.Transfer(ctx, key, to, amount)
	if err != nil {
		if errors.Is(err, ethereum.ErrInsufficientBalance) {
			return "", xerrors.Wrap(CodeInsufficientFunds, err, "链上余额不足")
		}
		return receipt.TxHash, xerrors.Wrap(CodeTransport, err, "链上转账失败")
	}
	logger.Audit().Info("链上转账", "tx", receipt.TxHash, "from", from, "to", to,
		"amount", amount.String(), "block", receipt.BlockNumber, "memo", memo)
	return receipt.TxHash, nil
}

// Confirm 实现 Rail，按交易哈希查询链上转账。链上没有 memo，忽略该参数。
func (r *EVMRail) Confirm(ctx context.Context, tx, from, to string, amount *big.Int, _ string) error {
	record, err := r.client.LookupTransfer(ctx, tx)
	if err != nil {
		if errors.Is(err, ethereum.ErrTransferNotFound) {
			return xerrors.Wrap(CodeUnconfirmed, err, "链上未找到交易")
		}
		return xerrors.Wrap(CodeTransport, err, "查询链上交易失败")
	}
	switch {
	case !record.Success:
		return xerrors.Wrap(CodeUnconfirmed, ErrUnconfirmed, fmt.Sprintf("交易 %s 执行失败", tx))
	case !strings.EqualFold(record.From, strings.TrimSpace(from)) || !strings.EqualFold(record.To, strings.TrimSpace(to)):
		return xerrors.Wrap(CodeUnconfirmed, ErrUnconfirmed, fmt.Sprintf("交易 %s 的收付款方不符", tx))
	case amount != nil && record.Value.Cmp(amount) < 0:
		return xerrors.Wrap(CodeUnconfirmed, ErrUnconfirmed, fmt.Sprintf("交易 %s 金额 %s 不足", tx, record.Value))
	}
	return nil
}

var _ Rail = (*EVMRail)(nil)
