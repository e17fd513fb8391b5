package web3

import (
	"context"
	"crypto/ecdsa"
	"math/big"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// TransferReceipt captures the outcome of a native value transfer.
type TransferReceipt struct {
	TxHash      string
	Nonce       uint64
	BlockNumber uint64
}

// TransferRecord describes a mined native value transfer looked up by hash.
type TransferRecord struct {
	TxHash      string
	From        string
	To          string
	Value       *big.Int
	BlockNumber uint64
	Success     bool
}

// Client defines the chain operations the payment rail depends on.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	BalanceAt(ctx context.Context, address string) (*big.Int, error)
	Transfer(ctx context.Context, key *ecdsa.PrivateKey, to string, amount *big.Int) (TransferReceipt, error)
	LookupTransfer(ctx context.Context, txHash string) (TransferRecord, error)
	Close()
}
