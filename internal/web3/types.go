package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// PolicyGrant 描述注册表中某个策略的授权参数。
type PolicyGrant struct {
	// PolicyCID 是策略包的内容寻址标识。
	PolicyCID string
	// Parameters 是链上为该 (ability, policy, delegator) 组合记录的参数，
	// 以参数名到字符串值的映射形式解码。
	Parameters map[string]string
}

// PermissionRecord 是一次 validateAbilityExecutionAndGetPolicies 调用的结果。
type PermissionRecord struct {
	IsPermitted bool
	AppID       uint64
	AppVersion  uint64
	// Policies 按声明顺序排列，策略评估必须遵循该顺序。
	Policies []PolicyGrant
}

// PKPInfo 描述委托人代理钱包的签名身份。
type PKPInfo struct {
	EthAddress common.Address
	PublicKey  string
	TokenID    *big.Int
}

// Client 定义能力运行时需要的链上读写能力。所有实现都应当是并发安全的。
type Client interface {
	// ChainID 返回链标识。
	ChainID(ctx context.Context) (*big.Int, error)
	// BalanceAt 返回地址的原生代币余额。
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	// CallContract 执行只读合约调用。
	CallContract(ctx context.Context, call gethcore.CallMsg) ([]byte, error)
	// EstimateGas 估算一次调用所需的 Gas。
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	// SuggestGasPrice 返回建议的 Gas 价格。
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	// PendingNonceAt 返回地址的待定 nonce。
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	// SendTransaction 广播已签名的交易。
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	// WaitForConfirmation 阻塞等待交易回执。调用方通过 ctx 控制超时，
	// 客户端自身不设置内部超时。
	WaitForConfirmation(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	// ReadPermissionRegistry 查询 (delegatee, delegator, ability) 三元组
	// 的授权状态及其策略参数。
	ReadPermissionRegistry(ctx context.Context, delegatee, delegator common.Address, abilityCID string) (PermissionRecord, error)
	// ResolveAgentWallet 返回委托人代理钱包的 PKP 信息。
	ResolveAgentWallet(ctx context.Context, delegator common.Address) (PKPInfo, error)
	// RecordSpend 通过注册表合约记录一笔以 USD 计价的消费，返回交易哈希。
	RecordSpend(ctx context.Context, auth *bind.TransactOpts, delegator common.Address, amount *big.Int) (common.Hash, error)
	// Close 释放底层连接。
	Close()
}
