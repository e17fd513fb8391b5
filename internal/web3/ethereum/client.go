package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"AgentMarket/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const (
	defaultGasLimit     = 21_000
	receiptPollInterval = 200 * time.Millisecond
)

// ErrInsufficientBalance is returned when the sender cannot cover amount plus gas.
var ErrInsufficientBalance = errors.New("余额不足")

// ErrTransferNotFound is returned when a transaction is unknown or not yet mined.
var ErrTransferNotFound = errors.New("交易不存在或尚未上链")

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name           string
	RPCURL         string
	GasLimit       uint64
	ConfirmTimeout time.Duration
	Notes          string
}

// backend is the subset of go-ethereum client methods needed for value transfers.
// Both *ethclient.Client and simulated.Client satisfy it.
type backend interface {
	gethcore.ChainIDReader
	gethcore.BlockNumberReader
	gethcore.GasPricer
	gethcore.TransactionSender
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name           string
	notes          string
	gasLimit       uint64
	confirmTimeout time.Duration
	rpcClient      *gethrpc.Client
	eth            backend
	commit         func()
	chainID        *big.Int
	mu             sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	return &Client{
		name:           cfg.Name,
		notes:          cfg.Notes,
		gasLimit:       cfg.GasLimit,
		confirmTimeout: cfg.ConfirmTimeout,
		rpcClient:      rpcClient,
		eth:            ethclient.NewClient(rpcClient),
	}, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
// Every transfer is mined immediately.
func NewSimulatedClient(name string, sim *simulated.Backend) *Client {
	return &Client{
		name:           name,
		notes:          "simulated backend",
		eth:            sim.Client(),
		commit:         func() { sim.Commit() },
		confirmTimeout: 5 * time.Second,
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.eth == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.chainIDOf(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// BalanceAt returns the latest balance of address in wei.
func (c *Client) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	balance, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// Transfer signs and broadcasts a legacy value transfer from key's address to to.
// When a confirm timeout is configured the call waits for a successful receipt.
func (c *Client) Transfer(ctx context.Context, key *ecdsa.PrivateKey, to string, amount *big.Int) (web3.TransferReceipt, error) {
	if c == nil || c.eth == nil {
		return web3.TransferReceipt{}, errors.New("未初始化的以太坊客户端")
	}
	if key == nil {
		return web3.TransferReceipt{}, errors.New("未提供交易签名私钥")
	}
	if amount == nil || amount.Sign() < 0 {
		return web3.TransferReceipt{}, errors.New("转账金额无效")
	}
	recipient, err := parseAddress(to)
	if err != nil {
		return web3.TransferReceipt{}, err
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	chainID, err := c.chainIDOf(ctx)
	if err != nil {
		return web3.TransferReceipt{}, err
	}
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return web3.TransferReceipt{}, fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return web3.TransferReceipt{}, fmt.Errorf("获取 gas 价格失败: %w", err)
	}
	gasLimit := c.gasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}

	balance, err := c.eth.BalanceAt(ctx, from, nil)
	if err != nil {
		return web3.TransferReceipt{}, fmt.Errorf("查询余额失败: %w", err)
	}
	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	cost.Add(cost, amount)
	if balance.Cmp(cost) < 0 {
		return web3.TransferReceipt{}, fmt.Errorf("%w: 需要 %s，当前 %s", ErrInsufficientBalance, cost, balance)
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &recipient,
		Value:    new(big.Int).Set(amount),
		Gas:      gasLimit,
		GasPrice: gasPrice,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return web3.TransferReceipt{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return web3.TransferReceipt{}, fmt.Errorf("发送交易失败: %w", err)
	}
	if c.commit != nil {
		c.commit()
	}

	result := web3.TransferReceipt{TxHash: signed.Hash().Hex(), Nonce: nonce}
	if c.confirmTimeout <= 0 {
		return result, nil
	}
	receipt, err := c.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return result, err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return result, fmt.Errorf("交易 %s 执行失败", result.TxHash)
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return result, nil
}

// LookupTransfer resolves a mined transaction into its sender, recipient and value.
// Pending or unknown transactions return ErrTransferNotFound.
func (c *Client) LookupTransfer(ctx context.Context, txHash string) (web3.TransferRecord, error) {
	if c == nil || c.eth == nil {
		return web3.TransferRecord{}, errors.New("未初始化的以太坊客户端")
	}
	hash := common.HexToHash(strings.TrimSpace(txHash))
	if hash == (common.Hash{}) {
		return web3.TransferRecord{}, fmt.Errorf("%w: %q", ErrTransferNotFound, txHash)
	}
	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return web3.TransferRecord{}, fmt.Errorf("%w: %s", ErrTransferNotFound, hash.Hex())
		}
		return web3.TransferRecord{}, fmt.Errorf("查询交易失败: %w", err)
	}
	if pending || tx.To() == nil {
		return web3.TransferRecord{}, fmt.Errorf("%w: %s", ErrTransferNotFound, hash.Hex())
	}
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return web3.TransferRecord{}, fmt.Errorf("%w: %s", ErrTransferNotFound, hash.Hex())
		}
		return web3.TransferRecord{}, fmt.Errorf("查询交易回执失败: %w", err)
	}
	chainID, err := c.chainIDOf(ctx)
	if err != nil {
		return web3.TransferRecord{}, err
	}
	from, err := coretypes.Sender(coretypes.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return web3.TransferRecord{}, fmt.Errorf("恢复交易发送方失败: %w", err)
	}
	record := web3.TransferRecord{
		TxHash:  hash.Hex(),
		From:    from.Hex(),
		To:      tx.To().Hex(),
		Value:   new(big.Int).Set(tx.Value()),
		Success: receipt.Status == coretypes.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		record.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return record, nil
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(waitCtx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("等待交易 %s 确认超时: %w", hash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) chainIDOf(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = chainID
	c.mu.Unlock()
	return chainID, nil
}

func parseAddress(address string) (common.Address, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("无效的以太坊地址: %q", address)
	}
	return common.HexToAddress(address), nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
