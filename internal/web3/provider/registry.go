package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"AgentMarket/internal/web3"
	"AgentMarket/internal/web3/ethereum"
)

// Options 描述链客户端注册表的来源。
type Options struct {
	// ChainConfig 指向 YAML 链定义文件，可为空。
	ChainConfig  string
	RPCURL       string
	DefaultChain string
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
	defs         map[string]web3.ChainDefinition
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, opts Options) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(opts.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:           name,
				RPCURL:         chain.RPCURL,
				GasLimit:       chain.GasLimit,
				ConfirmTimeout: chain.ConfirmTimeout,
				Notes:          chain.Description,
			})
			if err != nil {
				closeAll(clients)
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			closeAll(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	defaultChain := opts.DefaultChain
	if len(clients) == 0 && strings.TrimSpace(opts.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: opts.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if defaultChain == "" {
			defaultChain = "default"
		}
	}

	return newRegistry(defaultChain, clients, defs.Chains)
}

// NewStaticRegistry wraps pre-built clients, mainly for tests and simulated chains.
func NewStaticRegistry(defaultChain string, clients map[string]web3.Client) (*Registry, error) {
	return newRegistry(defaultChain, clients, nil)
}

func newRegistry(defaultChain string, clients map[string]web3.Client, defs map[string]web3.ChainDefinition) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll(clients)
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	if defs == nil {
		defs = map[string]web3.ChainDefinition{}
	}
	return &Registry{defaultChain: defaultChain, clients: clients, defs: defs}, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// FaucetURL returns the faucet endpoint declared for the named chain.
func (r *Registry) FaucetURL(name string) string {
	if r == nil {
		return ""
	}
	if name == "" {
		name = r.defaultChain
	}
	return r.defs[name].FaucetURL
}

// Snapshots collects metadata from every registered chain. Unreachable chains
// are reported through the Notes field instead of failing the whole call.
func (r *Registry) Snapshots(ctx context.Context) []web3.ChainSnapshot {
	if r == nil {
		return nil
	}
	snapshots := make([]web3.ChainSnapshot, 0, len(r.clients))
	for _, name := range r.Chains() {
		snapshot, err := r.clients[name].FetchChainSnapshot(ctx)
		if err != nil {
			snapshot = web3.ChainSnapshot{Name: name, Notes: err.Error()}
		}
		if snapshot.Name == "" {
			snapshot.Name = name
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeAll(clients map[string]web3.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}
