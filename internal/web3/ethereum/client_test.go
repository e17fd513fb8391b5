package ethereum

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

var oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func TestClientTransferMovesValue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	backend := simulated.NewBackend(types.GenesisAlloc{
		from: {Balance: new(big.Int).Mul(big.NewInt(10), oneEther)},
	})
	t.Cleanup(func() { _ = backend.Close() })
	client := NewSimulatedClient("simulated", backend)
	t.Cleanup(client.Close)

	recipientKey, _ := crypto.GenerateKey()
	recipient := crypto.PubkeyToAddress(recipientKey.PublicKey).Hex()

	receipt, err := client.Transfer(ctx, key, recipient, oneEther)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if receipt.TxHash == "" {
		t.Fatal("expected tx hash")
	}
	if receipt.BlockNumber == 0 {
		t.Fatal("expected transfer to be mined")
	}

	balance, err := client.BalanceAt(ctx, recipient)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(oneEther) != 0 {
		t.Fatalf("unexpected recipient balance %s", balance)
	}

	record, err := client.LookupTransfer(ctx, receipt.TxHash)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !record.Success || record.From != from.Hex() || record.To != recipient || record.Value.Cmp(oneEther) != 0 {
		t.Fatalf("unexpected transfer record %+v", record)
	}
	missing := "0x" + strings.Repeat("ab", 32)
	if _, err := client.LookupTransfer(ctx, missing); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound, got %v", err)
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}
	if snapshot.BlockNumber == "0x0" {
		t.Fatal("expected block number to advance after transfer")
	}
}

func TestClientTransferInsufficientBalance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, _ := crypto.GenerateKey()
	from := crypto.PubkeyToAddress(key.PublicKey)
	backend := simulated.NewBackend(types.GenesisAlloc{
		from: {Balance: big.NewInt(1000)},
	})
	t.Cleanup(func() { _ = backend.Close() })
	client := NewSimulatedClient("simulated", backend)
	t.Cleanup(client.Close)

	recipientKey, _ := crypto.GenerateKey()
	_, err := client.Transfer(ctx, key, crypto.PubkeyToAddress(recipientKey.PublicKey).Hex(), oneEther)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestClientRejectsInvalidAddress(t *testing.T) {
	key, _ := crypto.GenerateKey()
	backend := simulated.NewBackend(types.GenesisAlloc{})
	t.Cleanup(func() { _ = backend.Close() })
	client := NewSimulatedClient("simulated", backend)

	if _, err := client.BalanceAt(context.Background(), "not-an-address"); err == nil {
		t.Fatal("expected error for invalid address")
	}
	if _, err := client.Transfer(context.Background(), key, "0x123", big.NewInt(1)); err == nil {
		t.Fatal("expected error for invalid recipient")
	}
}
