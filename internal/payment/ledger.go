package payment

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/google/uuid"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/pkg/logger"
)

// LedgerTransfer 记录账本中的一次转账。
type LedgerTransfer struct {
	TxID   string
	From   string
	To     string
	Amount *big.Int
	Memo   string
}

// LedgerRail 是进程内账本，适用于单机演示和测试。它同时实现 Faucet。
type LedgerRail struct {
	mu        sync.Mutex
	balances  map[string]*big.Int
	transfers []LedgerTransfer
}

// NewLedgerRail 使用初始余额创建账本。
func NewLedgerRail(initial map[string]*big.Int) *LedgerRail {
	l := &LedgerRail{balances: make(map[string]*big.Int, len(initial))}
	for party, amount := range initial {
		if amount != nil {
			l.balances[party] = new(big.Int).Set(amount)
		}
	}
	return l
}

// Name 实现 Rail。
func (l *LedgerRail) Name() string { return "ledger" }

// Balance 实现 Rail。未知账户余额为零。
func (l *LedgerRail) Balance(_ context.Context, party string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[party]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// Transfer 实现 Rail。
func (l *LedgerRail) Transfer(_ context.Context, from, to string, amount *big.Int, memo string) (string, error) {
	if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "转账双方地址不能为空")
	}
	if amount == nil || amount.Sign() < 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "转账金额无效")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balances[from]
	if balance == nil {
		balance = new(big.Int)
	}
	if balance.Cmp(amount) < 0 {
		return "", xerrors.Wrap(CodeInsufficientFunds, ErrInsufficientFunds,
			fmt.Sprintf("账户 %s 余额 %s 不足以支付 %s", from, FormatAmount(balance), FormatAmount(amount)))
	}

	l.balances[from] = new(big.Int).Sub(balance, amount)
	dest := l.balances[to]
	if dest == nil {
		dest = new(big.Int)
	}
	l.balances[to] = new(big.Int).Add(dest, amount)

	txID := "ledger-" + uuid.NewString()
	l.transfers = append(l.transfers, LedgerTransfer{TxID: txID, From: from, To: to, Amount: new(big.Int).Set(amount), Memo: memo})
	logger.Audit().Info("账本转账", "tx", txID, "from", from, "to", to, "amount", amount.String(), "memo", memo)
	return txID, nil
}

// Confirm 实现 Rail，在已记录的转账中查找 tx。
func (l *LedgerRail) Confirm(_ context.Context, tx, from, to string, amount *big.Int, memo string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.transfers {
		if t.TxID != tx {
			continue
		}
		switch {
		case t.From != from || t.To != to:
			return xerrors.Wrap(CodeUnconfirmed, ErrUnconfirmed, fmt.Sprintf("交易 %s 的收付款方不符", tx))
		case amount != nil && t.Amount.Cmp(amount) < 0:
			return xerrors.Wrap(CodeUnconfirmed, ErrUnconfirmed, fmt.Sprintf("交易 %s 金额 %s 不足", tx, FormatAmount(t.Amount)))
		case memo != "" && t.Memo != memo:
			return xerrors.Wrap(CodeUnconfirmed, ErrUnconfirmed, fmt.Sprintf("交易 %s 的用途不符", tx))
		}
		return nil
	}
	return xerrors.Wrap(CodeUnconfirmed, ErrUnconfirmed, fmt.Sprintf("账本中不存在交易 %q", tx))
}

// Request 实现 Faucet，直接为地址增发资金。
func (l *LedgerRail) Request(_ context.Context, address string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.balances[address]
	if current == nil {
		current = new(big.Int)
	}
	l.balances[address] = new(big.Int).Add(current, amount)
	return nil
}

// Transfers 返回已记录的转账副本。
func (l *LedgerRail) Transfers() []LedgerTransfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LedgerTransfer, len(l.transfers))
	copy(out, l.transfers)
	return out
}

var (
	_ Rail   = (*LedgerRail)(nil)
	_ Faucet = (*LedgerRail)(nil)
)
