package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"Vincent/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// registryABI 描述权限注册表合约中运行时依赖的函数。
const registryABI = `[
  {"name":"validateAbilityExecutionAndGetPolicies","type":"function","stateMutability":"view",
   "inputs":[{"name":"delegatee","type":"address"},{"name":"delegator","type":"address"},{"name":"abilityIpfsCid","type":"string"}],
   "outputs":[{"name":"isPermitted","type":"bool"},{"name":"appId","type":"uint256"},{"name":"appVersion","type":"uint256"},
     {"name":"policies","type":"tuple[]","components":[{"name":"policyIpfsCid","type":"string"},{"name":"parameters","type":"string"}]}]},
  {"name":"agentWalletOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"delegator","type":"address"}],
   "outputs":[{"name":"ethAddress","type":"address"},{"name":"publicKey","type":"string"},{"name":"tokenId","type":"uint256"}]},
  {"name":"recordSpend","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"delegator","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

// receiptPollInterval 是等待交易回执时的轮询间隔。
const receiptPollInterval = 500 * time.Millisecond

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name            string
	RPCURL          string
	WSURL           string
	RegistryAddress string
	Notes           string
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name         string
	notes        string
	rpcClient    *gethrpc.Client
	eth          *ethclient.Client
	backend      bind.ContractBackend
	registry     *bind.BoundContract
	registryAddr common.Address

	mu      sync.Mutex
	chainID *big.Int
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

	eth := ethclient.NewClient(rpcClient)

	c := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
	}
	if err := c.bindRegistry(cfg.RegistryAddress); err != nil {
		rpcClient.Close()
		return nil, err
	}
	return c, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
func NewSimulatedClient(name string, chainID *big.Int, backend *backends.SimulatedBackend, registryAddress string) (*Client, error) {
	c := &Client{
		name:    name,
		backend: backend,
		chainID: new(big.Int).Set(chainID),
		notes:   "simulated backend",
	}
	if err := c.bindRegistry(registryAddress); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) bindRegistry(address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil
	}
	if !common.IsHexAddress(address) {
		return fmt.Errorf("非法的注册表合约地址: %s", address)
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return fmt.Errorf("解析注册表 ABI 失败: %w", err)
	}
	c.registryAddr = common.HexToAddress(address)
	c.registry = bind.NewBoundContract(c.registryAddr, parsed, c.backend, c.backend, c.backend)
	return nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// ChainID 返回链标识，并缓存首次查询结果。
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	if c.eth == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// BalanceAt 查询原生代币余额。
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	backend, ok := c.backend.(interface {
		BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error)
	})
	if !ok {
		return nil, errors.New("当前客户端不支持余额查询")
	}
	balance, err := backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// CallContract 执行只读合约调用。
func (c *Client) CallContract(ctx context.Context, call gethcore.CallMsg) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, call, nil)
	if err != nil {
		return nil, fmt.Errorf("合约调用失败: %w", err)
	}
	return out, nil
}

// EstimateGas 估算一次调用所需的 Gas。
func (c *Client) EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error) {
	gas, err := c.backend.EstimateGas(ctx, call)
	if err != nil {
		return 0, fmt.Errorf("估算 Gas 失败: %w", err)
	}
	return gas, nil
}

// SuggestGasPrice 返回建议的 Gas 价格。
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 Gas 价格失败: %w", err)
	}
	return price, nil
}

// PendingNonceAt 返回地址的待定 nonce。
func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("查询交易计数失败: %w", err)
	}
	return nonce, nil
}

// SendTransaction 广播已签名的交易。
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("发送交易失败: %w", err)
	}
	if sim, ok := c.backend.(*backends.SimulatedBackend); ok {
		sim.Commit()
	}
	return nil
}

// WaitForConfirmation 轮询等待交易回执。上层通过 ctx 控制整体超时。
func (c *Client) WaitForConfirmation(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	reader, ok := c.backend.(interface {
		TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error)
	})
	if !ok {
		return nil, errors.New("当前客户端不支持回执查询")
	}
	for {
		receipt, err := reader.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
}

// ReadPermissionRegistry 查询权限注册表并解码策略参数。
func (c *Client) ReadPermissionRegistry(ctx context.Context, delegatee, delegator common.Address, abilityCID string) (web3.PermissionRecord, error) {
	if c.registry == nil {
		return web3.PermissionRecord{}, errors.New("未配置权限注册表合约")
	}

	var out []any
	err := c.registry.Call(&bind.CallOpts{Context: ctx}, &out, "validateAbilityExecutionAndGetPolicies", delegatee, delegator, abilityCID)
	if err != nil {
		return web3.PermissionRecord{}, fmt.Errorf("查询权限注册表失败: %w", err)
	}
	if len(out) != 4 {
		return web3.PermissionRecord{}, fmt.Errorf("注册表返回值数量异常: %d", len(out))
	}

	record := web3.PermissionRecord{
		IsPermitted: *abi.ConvertType(out[0], new(bool)).(*bool),
		AppID:       abi.ConvertType(out[1], new(big.Int)).(*big.Int).Uint64(),
		AppVersion:  abi.ConvertType(out[2], new(big.Int)).(*big.Int).Uint64(),
	}

	type rawGrant struct {
		PolicyIpfsCid string
		Parameters    string
	}
	grants := *abi.ConvertType(out[3], new([]rawGrant)).(*[]rawGrant)
	record.Policies = make([]web3.PolicyGrant, 0, len(grants))
	for _, grant := range grants {
		params, err := decodePolicyParameters(grant.Parameters)
		if err != nil {
			return web3.PermissionRecord{}, fmt.Errorf("解码策略 %s 参数失败: %w", grant.PolicyIpfsCid, err)
		}
		record.Policies = append(record.Policies, web3.PolicyGrant{
			PolicyCID:  grant.PolicyIpfsCid,
			Parameters: params,
		})
	}
	return record, nil
}

// ResolveAgentWallet 返回委托人代理钱包的 PKP 信息。
func (c *Client) ResolveAgentWallet(ctx context.Context, delegator common.Address) (web3.PKPInfo, error) {
	if c.registry == nil {
		return web3.PKPInfo{}, errors.New("未配置权限注册表合约")
	}

	var out []any
	err := c.registry.Call(&bind.CallOpts{Context: ctx}, &out, "agentWalletOf", delegator)
	if err != nil {
		return web3.PKPInfo{}, fmt.Errorf("查询代理钱包失败: %w", err)
	}
	if len(out) != 3 {
		return web3.PKPInfo{}, fmt.Errorf("代理钱包返回值数量异常: %d", len(out))
	}
	return web3.PKPInfo{
		EthAddress: *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		PublicKey:  *abi.ConvertType(out[1], new(string)).(*string),
		TokenID:    abi.ConvertType(out[2], new(big.Int)).(*big.Int),
	}, nil
}

// RecordSpend 通过注册表合约记录消费，返回交易哈希。
func (c *Client) RecordSpend(ctx context.Context, auth *bind.TransactOpts, delegator common.Address, amount *big.Int) (common.Hash, error) {
	if c.registry == nil {
		return common.Hash{}, errors.New("未配置权限注册表合约")
	}
	if auth == nil {
		return common.Hash{}, errors.New("未提供交易签名器")
	}
	if amount == nil || amount.Sign() < 0 {
		return common.Hash{}, errors.New("消费金额必须为非负数")
	}

	originalCtx := auth.Context
	auth.Context = ctx
	defer func() { auth.Context = originalCtx }()

	tx, err := c.registry.Transact(auth, "recordSpend", delegator, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("提交消费记录失败: %w", err)
	}
	if sim, ok := c.backend.(*backends.SimulatedBackend); ok {
		sim.Commit()
	}
	return tx.Hash(), nil
}

// decodePolicyParameters 将链上 JSON 编码的策略参数解码为字符串映射。
func decodePolicyParameters(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]string{}, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, err
	}
	params := make(map[string]string, len(decoded))
	for key, value := range decoded {
		switch v := value.(type) {
		case string:
			params[key] = v
		case float64:
			params[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			params[key] = strconv.FormatBool(v)
		case nil:
			params[key] = ""
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			params[key] = string(encoded)
		}
	}
	return params, nil
}

var _ web3.Client = (*Client)(nil)
