package erc20transfer

import (
	"context"
	"math/big"
	"time"

	"Vincent/internal/ability"
	xerrors "Vincent/internal/errors"
	"Vincent/internal/web3"
	"Vincent/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

const (
	// PackageName 是 ERC-20 转账能力的包名标识。
	PackageName = "vincent-ability-erc20-transfer"
	// CID 是该版本能力的内容寻址标识。
	CID = "QmVincentAbilityErc20TransferV1"
)

// Ability 执行 ERC-20 代币转账。预检验证地址、金额、余额与 Gas，
// 执行提交 transfer 交易并等待确认。
type Ability struct{}

// New 构造 ERC-20 转账能力。
func New() *Ability { return &Ability{} }

// PackageName 返回能力包名。
func (a *Ability) PackageName() string { return PackageName }

// CID 返回能力的内容寻址标识。
func (a *Ability) CID() string { return CID }

// Description 返回能力描述。
func (a *Ability) Description() string {
	return "以代理钱包身份执行 ERC-20 代币转账"
}

// Schema 返回入参契约。
func (a *Ability) Schema() ability.Schema {
	return ability.Schema{Fields: []ability.Field{
		{Name: "to", Kind: ability.FieldAddress, Required: true},
		{Name: "amount", Kind: ability.FieldAmount, Required: true},
		{Name: "tokenAddress", Kind: ability.FieldAddress, Required: true},
	}}
}

// Precheck 只读验证转账可行性：代币精度、代理钱包余额、
// Gas 估算与原生代币余额。
func (a *Ability) Precheck(ctx context.Context, exec *ability.ExecutionContext) (map[string]any, error) {
	token := common.HexToAddress(exec.Params["tokenAddress"])
	to := common.HexToAddress(exec.Params["to"])
	from := exec.Delegation.AgentWallet.EthAddress

	decimals, err := readDecimals(ctx, exec, token)
	if err != nil {
		return nil, err
	}
	amount, err := ability.ParseTokenAmount(exec.Params["amount"], decimals)
	if err != nil {
		return nil, err
	}

	balanceCall, err := web3.PackBalanceOf(from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "编码余额查询失败")
	}
	output, err := ability.ReadContract(ctx, exec, token, balanceCall)
	if err != nil {
		return nil, err
	}
	balance, err := web3.UnpackUint256(output)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解码余额失败")
	}
	if balance.Cmp(amount) < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代币余额不足",
			xerrors.WithMetadata("balance", balance.String()),
			xerrors.WithMetadata("amount", amount.String()),
		)
	}

	transferData, err := web3.PackTransfer(to, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "编码转账调用失败")
	}
	estimatedGas, err := estimateGas(ctx, exec, token, transferData)
	if err != nil {
		return nil, err
	}

	nativeBalance, err := exec.Chain.BalanceAt(ctx, from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询原生余额失败")
	}
	gasPrice, err := exec.Chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询 Gas 价格失败")
	}
	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(estimatedGas))
	if nativeBalance.Cmp(gasCost) < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "原生代币不足以支付 Gas",
			xerrors.WithMetadata("balance", nativeBalance.String()),
			xerrors.WithMetadata("gas_cost", gasCost.String()),
		)
	}

	return map[string]any{
		"addressValid":      true,
		"amountValid":       true,
		"tokenAddressValid": true,
		"userBalance":       balance.String(),
		"estimatedGas":      estimatedGas,
	}, nil
}

// Execute 提交 transfer 交易并等待确认。
func (a *Ability) Execute(ctx context.Context, exec *ability.ExecutionContext) (map[string]any, error) {
	token := common.HexToAddress(exec.Params["tokenAddress"])
	to := common.HexToAddress(exec.Params["to"])

	decimals, err := readDecimals(ctx, exec, token)
	if err != nil {
		return nil, err
	}
	amount, err := ability.ParseTokenAmount(exec.Params["amount"], decimals)
	if err != nil {
		return nil, err
	}

	transferData, err := web3.PackTransfer(to, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "编码转账调用失败")
	}

	hash, _, err := ability.SubmitTransaction(ctx, exec, token, transferData, nil)
	if err != nil {
		return nil, err
	}

	logger.Audit().Info("ERC-20 转账已确认",
		"invocation_id", exec.InvocationID,
		"tx_hash", hash.Hex(),
		"to", to.Hex(),
		"token", token.Hex(),
	)

	return map[string]any{
		"txHash":       hash.Hex(),
		"to":           to.Hex(),
		"amount":       exec.Params["amount"],
		"tokenAddress": token.Hex(),
		"timestamp":    time.Now().Unix(),
	}, nil
}

func readDecimals(ctx context.Context, exec *ability.ExecutionContext, token common.Address) (uint8, error) {
	call, err := web3.PackDecimals()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "编码精度查询失败")
	}
	output, err := ability.ReadContract(ctx, exec, token, call)
	if err != nil {
		return 0, err
	}
	decimals, err := web3.UnpackUint8(output)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "解码代币精度失败")
	}
	return decimals, nil
}

func estimateGas(ctx context.Context, exec *ability.ExecutionContext, token common.Address, data []byte) (uint64, error) {
	gas, err := exec.Chain.EstimateGas(ctx, gethcore.CallMsg{
		From: exec.Delegation.AgentWallet.EthAddress,
		To:   &token,
		Data: data,
	})
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "估算 Gas 失败")
	}
	return gas, nil
}

var _ ability.Ability = (*Ability)(nil)
