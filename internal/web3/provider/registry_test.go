package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"AgentMarket/internal/web3"
	"AgentMarket/internal/web3/ethereum"
)

func TestStaticRegistryDefaultsToFirstChain(t *testing.T) {
	backend := simulated.NewBackend(types.GenesisAlloc{})
	t.Cleanup(func() { _ = backend.Close() })

	registry, err := NewStaticRegistry("", map[string]web3.Client{
		"local": ethereum.NewSimulatedClient("local", backend),
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer registry.Close()

	client, err := registry.DefaultClient()
	if err != nil || client == nil {
		t.Fatalf("default client: %v", err)
	}
	snapshots := registry.Snapshots(context.Background())
	if len(snapshots) != 1 || snapshots[0].Name != "local" {
		t.Fatalf("unexpected snapshots: %+v", snapshots)
	}
}

func TestStaticRegistryRejectsUnknownDefault(t *testing.T) {
	backend := simulated.NewBackend(types.GenesisAlloc{})
	t.Cleanup(func() { _ = backend.Close() })

	_, err := NewStaticRegistry("missing", map[string]web3.Client{
		"local": ethereum.NewSimulatedClient("local", backend),
	})
	if err == nil {
		t.Fatal("expected error for unknown default chain")
	}
}

func TestNewRegistryRequiresEndpoint(t *testing.T) {
	if _, err := NewRegistry(context.Background(), Options{}); err == nil {
		t.Fatal("expected error without endpoints")
	}
}

func TestLoadChainDefinitionsValidatesRPC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := "chains:\n  dev:\n    type: evm\n    chain_id: 1337\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}
	if _, err := NewRegistry(context.Background(), Options{ChainConfig: path}); err == nil {
		t.Fatal("expected error for chain without rpc_url")
	}
}
