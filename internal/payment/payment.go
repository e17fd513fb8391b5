// Package payment 提供结算通道：余额查询、转账，以及尽力而为的余额补足。
// 结算路径只使用整数最小单位，浮点数仅用于展示。
package payment

import (
	"context"
	"fmt"
	"math/big"
	"time"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/pkg/logger"
)

const (
	CodeInsufficientFunds xerrors.Code = "PAYMENT_INSUFFICIENT_FUNDS"
	CodeTransport         xerrors.Code = "PAYMENT_TRANSPORT"
	CodeUnconfirmed       xerrors.Code = "PAYMENT_UNCONFIRMED"
)

var (
	// ErrInsufficientFunds 表示付款方余额不足。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")
	// ErrTransport 表示结算后端不可达或返回异常。
	ErrTransport = xerrors.New(CodeTransport, "payment backend failure")
	// ErrUnconfirmed 表示声称的转账在通道上不存在或与预期不符。
	ErrUnconfirmed = xerrors.New(CodeUnconfirmed, "transfer not confirmed")
)

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:  "insufficient funds",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeTransport, xerrors.Attributes{
		Message:   "payment backend failure",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeUnconfirmed, xerrors.Attributes{
		Message:  "transfer not confirmed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Rail 抽象结算通道。
type Rail interface {
	// Name 返回通道名称，用于日志与指标。
	Name() string
	Balance(ctx context.Context, party string) (*big.Int, error)
	// Transfer 从 from 向 to 转账 amount，返回交易标识。
	// 余额不足返回 ErrInsufficientFunds，后端故障返回 ErrTransport。
	Transfer(ctx context.Context, from, to string, amount *big.Int, memo string) (string, error)
	// Confirm 核对交易 tx 确实由 from 向 to 转出不少于 amount。
	// 通道能记录 memo 时还要求 memo 一致。核对不通过返回 ErrUnconfirmed。
	Confirm(ctx context.Context, tx, from, to string, amount *big.Int, memo string) error
}

// Faucet 为测试网地址申请资金。
type Faucet interface {
	Request(ctx context.Context, address string, amount *big.Int) error
}

var displayUnit = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// FormatAmount 以 testFET 展示金额，仅用于日志与界面。
func FormatAmount(amount *big.Int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), displayUnit).Float64()
	return fmt.Sprintf("%.4f testFET", value)
}

// FormatInt64 是 FormatAmount 的便捷形式。
func FormatInt64(amount int64) string {
	return FormatAmount(big.NewInt(amount))
}

// EnsureMinimumBalance 检查 party 余额是否达到 target，不足时向水龙头申请一次，
// 等待 wait 后再检查一次。任何失败都只记录日志并返回 false。
func EnsureMinimumBalance(ctx context.Context, rail Rail, faucet Faucet, party string, target *big.Int, wait time.Duration) bool {
	log := logger.Named("payment").With("party", party, "target", FormatAmount(target))
	if rail == nil {
		log.Warn("未配置结算通道，跳过余额检查")
		return false
	}

	balance, err := rail.Balance(ctx, party)
	if err != nil {
		log.Warn("查询余额失败", "error", err)
		return false
	}
	if balance.Cmp(target) >= 0 {
		log.Debug("余额充足", "balance", FormatAmount(balance))
		return true
	}
	if faucet == nil {
		log.Warn("余额不足且未配置水龙头", "balance", FormatAmount(balance))
		return false
	}

	missing := new(big.Int).Sub(target, balance)
	log.Info("余额不足，向水龙头申请资金", "balance", FormatAmount(balance), "missing", FormatAmount(missing))
	if err := faucet.Request(ctx, party, missing); err != nil {
		log.Warn("水龙头申请失败", "error", err)
		return false
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			log.Warn("等待到账时上下文已取消", "error", ctx.Err())
			return false
		case <-timer.C:
		}
	}

	balance, err = rail.Balance(ctx, party)
	if err != nil {
		log.Warn("复查余额失败", "error", err)
		return false
	}
	ok := balance.Cmp(target) >= 0
	if !ok {
		log.Warn("补足后余额仍不足", "balance", FormatAmount(balance))
	} else {
		log.Info("余额已补足", "balance", FormatAmount(balance))
	}
	return ok
}
