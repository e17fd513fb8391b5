package payment

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/pkg/logger"
)

// SimulatedTxPrefix 标记模拟付款生成的交易标识。
const SimulatedTxPrefix = "SIMULATED-"

// SimulatedRail 仅用于测试和演示：底层转账失败时返回带前缀的伪交易标识。
// 配置项 payment.simulate 默认关闭。
type SimulatedRail struct {
	inner Rail
}

// NewSimulatedRail 包装 inner；inner 为空时所有转账都被模拟。
func NewSimulatedRail(inner Rail) *SimulatedRail {
	return &SimulatedRail{inner: inner}
}

// Name 实现 Rail。
func (s *SimulatedRail) Name() string {
	if s.inner == nil {
		return "simulate"
	}
	return "simulate+" + s.inner.Name()
}

// Balance 实现 Rail。
func (s *SimulatedRail) Balance(ctx context.Context, party string) (*big.Int, error) {
	if s.inner == nil {
		return new(big.Int), nil
	}
	return s.inner.Balance(ctx, party)
}

// Transfer 实现 Rail。
func (s *SimulatedRail) Transfer(ctx context.Context, from, to string, amount *big.Int, memo string) (string, error) {
	if s.inner != nil {
		tx, err := s.inner.Transfer(ctx, from, to, amount, memo)
		if err == nil {
			return tx, nil
		}
		logger.Named("payment").Warn("真实转账失败，使用模拟付款（仅限测试）", "error", err, "to", to)
	}
	tx := SimulatedTxPrefix + uuid.NewString()
	logger.Audit().Warn("模拟付款", "tx", tx, "from", from, "to", to, "amount", amount.String(), "memo", memo)
	return tx, nil
}

// Confirm 实现 Rail。带模拟前缀的交易视为已确认，其余交给底层通道核对。
func (s *SimulatedRail) Confirm(ctx context.Context, tx, from, to string, amount *big.Int, memo string) error {
	if strings.HasPrefix(tx, SimulatedTxPrefix) {
		logger.Audit().Warn("接受模拟交易", "tx", tx, "from", from, "to", to, "memo", memo)
		return nil
	}
	if s.inner == nil {
		return xerrors.Wrap(CodeUnconfirmed, ErrUnconfirmed, fmt.Sprintf("无法核对交易 %q", tx))
	}
	return s.inner.Confirm(ctx, tx, from, to, amount, memo)
}

var _ Rail = (*SimulatedRail)(nil)
