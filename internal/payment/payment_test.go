package payment

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/web3/ethereum"
)

func wei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestFormatAmount(t *testing.T) {
	cases := map[string]*big.Int{
		"5.0000 testFET": wei(5),
		"0.5000 testFET": big.NewInt(500_000_000_000_000_000),
		"0.0000 testFET": nil,
	}
	for want, amount := range cases {
		if got := FormatAmount(amount); got != want {
			t.Fatalf("FormatAmount(%v) = %q, want %q", amount, got, want)
		}
	}
}

func TestLedgerTransfer(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedgerRail(map[string]*big.Int{"client": big.NewInt(10)})

	tx, err := ledger.Transfer(ctx, "client", "tool", big.NewInt(7), "job_1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !strings.HasPrefix(tx, "ledger-") {
		t.Fatalf("unexpected tx id %s", tx)
	}
	clientBalance, _ := ledger.Balance(ctx, "client")
	toolBalance, _ := ledger.Balance(ctx, "tool")
	if clientBalance.Int64() != 3 || toolBalance.Int64() != 7 {
		t.Fatalf("unexpected balances client=%s tool=%s", clientBalance, toolBalance)
	}

	_, err = ledger.Transfer(ctx, "client", "tool", big.NewInt(4), "job_2")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if !xerrors.IsCode(err, CodeInsufficientFunds) {
		t.Fatalf("expected insufficient funds code, got %s", xerrors.CodeOf(err))
	}
	if len(ledger.Transfers()) != 1 {
		t.Fatalf("failed transfer must not be recorded")
	}
}

func TestLedgerConfirmMatchesRecordedTransfer(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedgerRail(map[string]*big.Int{"client": big.NewInt(10)})
	tx, err := ledger.Transfer(ctx, "client", "tool", big.NewInt(7), "payment:job_1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := ledger.Confirm(ctx, tx, "client", "tool", big.NewInt(7), "payment:job_1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	cases := map[string]struct {
		tx, from, to, memo string
		amount             int64
	}{
		"unknown tx":    {"never-happened", "client", "tool", "payment:job_1", 7},
		"wrong payer":   {tx, "mallory", "tool", "payment:job_1", 7},
		"wrong payee":   {tx, "client", "mallory", "payment:job_1", 7},
		"short amount":  {tx, "client", "tool", "payment:job_1", 8},
		"reused on job": {tx, "client", "tool", "payment:job_2", 7},
	}
	for name, tc := range cases {
		err := ledger.Confirm(ctx, tc.tx, tc.from, tc.to, big.NewInt(tc.amount), tc.memo)
		if !errors.Is(err, ErrUnconfirmed) || !xerrors.IsCode(err, CodeUnconfirmed) {
			t.Fatalf("%s: expected ErrUnconfirmed, got %v", name, err)
		}
	}
}

func TestEnsureMinimumBalanceUsesFaucetOnce(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedgerRail(map[string]*big.Int{"client": big.NewInt(2)})

	if !EnsureMinimumBalance(ctx, ledger, ledger, "client", big.NewInt(10), 0) {
		t.Fatal("expected top-up to satisfy target")
	}
	balance, _ := ledger.Balance(ctx, "client")
	if balance.Int64() != 10 {
		t.Fatalf("unexpected balance %s", balance)
	}

	if !EnsureMinimumBalance(ctx, ledger, nil, "client", big.NewInt(5), 0) {
		t.Fatal("sufficient balance should not need a faucet")
	}
	if EnsureMinimumBalance(ctx, ledger, nil, "client", big.NewInt(50), 0) {
		t.Fatal("expected false without faucet")
	}
}

type failingFaucet struct{ calls int }

func (f *failingFaucet) Request(context.Context, string, *big.Int) error {
	f.calls++
	return errors.New("faucet down")
}

func TestEnsureMinimumBalanceNeverErrors(t *testing.T) {
	faucet := &failingFaucet{}
	ledger := NewLedgerRail(nil)
	if EnsureMinimumBalance(context.Background(), ledger, faucet, "client", big.NewInt(1), time.Millisecond) {
		t.Fatal("expected false when faucet fails")
	}
	if faucet.calls != 1 {
		t.Fatalf("expected exactly one faucet call, got %d", faucet.calls)
	}
	if EnsureMinimumBalance(context.Background(), nil, faucet, "client", big.NewInt(1), 0) {
		t.Fatal("expected false without rail")
	}
}

func TestHTTPFaucet(t *testing.T) {
	var got faucetRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	faucet := NewHTTPFaucet(server.URL, time.Second)
	if err := faucet.Request(context.Background(), "fetch1abc", big.NewInt(42)); err != nil {
		t.Fatalf("request: %v", err)
	}
	if got.Address != "fetch1abc" || got.Amount != "42" {
		t.Fatalf("unexpected faucet request %+v", got)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer failing.Close()
	if err := NewHTTPFaucet(failing.URL, time.Second).Request(context.Background(), "a", big.NewInt(1)); err == nil {
		t.Fatal("expected error for failing faucet")
	}
}

type brokenRail struct{}

func (brokenRail) Name() string { return "broken" }
func (brokenRail) Balance(context.Context, string) (*big.Int, error) {
	return nil, ErrTransport
}
func (brokenRail) Transfer(context.Context, string, string, *big.Int, string) (string, error) {
	return "", ErrTransport
}
func (brokenRail) Confirm(context.Context, string, string, string, *big.Int, string) error {
	return ErrTransport
}

func TestSimulatedRailFallsBack(t *testing.T) {
	rail := NewSimulatedRail(brokenRail{})
	tx, err := rail.Transfer(context.Background(), "client", "tool", big.NewInt(1), "job_1")
	if err != nil {
		t.Fatalf("simulated transfer: %v", err)
	}
	if !strings.HasPrefix(tx, SimulatedTxPrefix) {
		t.Fatalf("simulated tx must be labeled, got %s", tx)
	}
	if rail.Name() != "simulate+broken" {
		t.Fatalf("unexpected name %s", rail.Name())
	}

	ledger := NewLedgerRail(map[string]*big.Int{"client": big.NewInt(5)})
	sim := NewSimulatedRail(ledger)
	innerTx, err := sim.Transfer(context.Background(), "client", "tool", big.NewInt(1), "job_2")
	if err != nil || strings.HasPrefix(innerTx, SimulatedTxPrefix) {
		t.Fatalf("successful inner transfer must be returned as-is: %s, %v", innerTx, err)
	}

	if err := sim.Confirm(context.Background(), tx, "client", "tool", big.NewInt(1), "job_1"); err != nil {
		t.Fatalf("simulated tx must confirm: %v", err)
	}
	if err := sim.Confirm(context.Background(), innerTx, "client", "tool", big.NewInt(1), "job_2"); err != nil {
		t.Fatalf("inner tx must confirm: %v", err)
	}
	if err := sim.Confirm(context.Background(), "never-happened", "client", "tool", big.NewInt(1), ""); !errors.Is(err, ErrUnconfirmed) {
		t.Fatalf("unknown tx must be delegated and rejected, got %v", err)
	}
}

func TestEVMRailTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payer := crypto.PubkeyToAddress(key.PublicKey)
	backend := simulated.NewBackend(types.GenesisAlloc{payer: {Balance: wei(100)}})
	t.Cleanup(func() { _ = backend.Close() })

	client := ethereum.NewSimulatedClient("simulated", backend)
	rail, err := NewEVMRail(client, "0x"+hex.EncodeToString(crypto.FromECDSA(key)))
	if err != nil {
		t.Fatalf("new rail: %v", err)
	}

	payeeKey, _ := crypto.GenerateKey()
	payee := crypto.PubkeyToAddress(payeeKey.PublicKey).Hex()

	tx, err := rail.Transfer(ctx, payer.Hex(), payee, wei(5), "job_1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !strings.HasPrefix(tx, "0x") {
		t.Fatalf("unexpected tx hash %s", tx)
	}
	balance, err := rail.Balance(ctx, payee)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(wei(5)) != 0 {
		t.Fatalf("unexpected payee balance %s", balance)
	}

	if err := rail.Confirm(ctx, tx, payer.Hex(), payee, wei(5), "job_1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := rail.Confirm(ctx, tx, payer.Hex(), payee, wei(6), "job_1"); !errors.Is(err, ErrUnconfirmed) {
		t.Fatalf("short amount must not confirm, got %v", err)
	}
	if err := rail.Confirm(ctx, tx, payee, payer.Hex(), wei(5), "job_1"); !errors.Is(err, ErrUnconfirmed) {
		t.Fatalf("swapped parties must not confirm, got %v", err)
	}
	if err := rail.Confirm(ctx, "0x"+strings.Repeat("cd", 32), payer.Hex(), payee, wei(5), ""); !xerrors.IsCode(err, CodeUnconfirmed) {
		t.Fatalf("unknown tx must not confirm, got %v", err)
	}

	_, err = rail.Transfer(ctx, payer.Hex(), payee, wei(1000), "job_2")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	if _, err := rail.Transfer(ctx, payee, payer.Hex(), big.NewInt(1), "job_3"); err == nil {
		t.Fatal("expected error for unknown payer key")
	}
}
