package erc20approval

import (
	"context"
	"math/big"
	"time"

	"Vincent/internal/ability"
	xerrors "Vincent/internal/errors"
	"Vincent/internal/web3"
	"Vincent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// PackageName 是 ERC-20 授权额度能力的包名标识。
	PackageName = "vincent-ability-erc20-approval"
	// CID 是该版本能力的内容寻址标识。
	CID = "QmVincentAbilityErc20ApprovalV1"
)

// Ability 管理 ERC-20 的 approve 额度。目标额度与当前额度一致时
// 不发交易，尤其是把额度设为 0 而链上本就没有授权的情况。
type Ability struct{}

// New 构造 ERC-20 授权额度能力。
func New() *Ability { return &Ability{} }

// PackageName 返回能力包名。
func (a *Ability) PackageName() string { return PackageName }

// CID 返回能力的内容寻址标识。
func (a *Ability) CID() string { return CID }

// Description 返回能力描述。
func (a *Ability) Description() string {
	return "以代理钱包身份设置 ERC-20 授权额度"
}

// Schema 返回入参契约。tokenAmount 允许为零，置零即撤销授权。
func (a *Ability) Schema() ability.Schema {
	return ability.Schema{Fields: []ability.Field{
		{Name: "spender", Kind: ability.FieldAddress, Required: true},
		{Name: "tokenAmount", Kind: ability.FieldAmountOrZero, Required: true},
		{Name: "tokenAddress", Kind: ability.FieldAddress, Required: true},
	}}
}

// Precheck 只读比对当前额度与目标额度。
func (a *Ability) Precheck(ctx context.Context, exec *ability.ExecutionContext) (map[string]any, error) {
	token := common.HexToAddress(exec.Params["tokenAddress"])
	spender := common.HexToAddress(exec.Params["spender"])

	decimals, target, current, err := a.readState(ctx, exec, token, spender)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"addressValid":      true,
		"amountValid":       true,
		"tokenAddressValid": true,
		"currentAllowance":  current.String(),
		"targetAllowance":   target.String(),
		"decimals":          decimals,
		"noop":              current.Cmp(target) == 0,
	}, nil
}

// Execute 把授权额度设置为目标值。目标与现状一致时直接返回
// 成功，不产生交易哈希。
func (a *Ability) Execute(ctx context.Context, exec *ability.ExecutionContext) (map[string]any, error) {
	token := common.HexToAddress(exec.Params["tokenAddress"])
	spender := common.HexToAddress(exec.Params["spender"])

	_, target, current, err := a.readState(ctx, exec, token, spender)
	if err != nil {
		return nil, err
	}

	if current.Cmp(target) == 0 {
		logger.L().Info("授权额度已是目标值，跳过交易",
			"invocation_id", exec.InvocationID,
			"spender", spender.Hex(),
			"token", token.Hex(),
		)
		return map[string]any{
			"approvedAmount": target.String(),
			"spender":        spender.Hex(),
			"tokenAddress":   token.Hex(),
			"timestamp":      time.Now().Unix(),
		}, nil
	}

	approveData, err := web3.PackApprove(spender, target)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "编码授权调用失败")
	}

	hash, _, err := ability.SubmitTransaction(ctx, exec, token, approveData, nil)
	if err != nil {
		return nil, err
	}

	logger.Audit().Info("ERC-20 授权已确认",
		"invocation_id", exec.InvocationID,
		"tx_hash", hash.Hex(),
		"spender", spender.Hex(),
		"token", token.Hex(),
	)

	return map[string]any{
		"approvalTxHash": hash.Hex(),
		"approvedAmount": target.String(),
		"spender":        spender.Hex(),
		"tokenAddress":   token.Hex(),
		"timestamp":      time.Now().Unix(),
	}, nil
}

func (a *Ability) readState(ctx context.Context, exec *ability.ExecutionContext, token, spender common.Address) (decimals uint8, target, current *big.Int, err error) {
	decimalsCall, err := web3.PackDecimals()
	if err != nil {
		return 0, nil, nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "编码精度查询失败")
	}
	output, err := ability.ReadContract(ctx, exec, token, decimalsCall)
	if err != nil {
		return 0, nil, nil, err
	}
	decimals, err = web3.UnpackUint8(output)
	if err != nil {
		return 0, nil, nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解码代币精度失败")
	}

	target, err = ability.ParseTokenAmount(exec.Params["tokenAmount"], decimals)
	if err != nil {
		return 0, nil, nil, err
	}

	allowanceCall, err := web3.PackAllowance(exec.Delegation.AgentWallet.EthAddress, spender)
	if err != nil {
		return 0, nil, nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "编码额度查询失败")
	}
	output, err = ability.ReadContract(ctx, exec, token, allowanceCall)
	if err != nil {
		return 0, nil, nil, err
	}
	current, err = web3.UnpackUint256(output)
	if err != nil {
		return 0, nil, nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解码当前额度失败")
	}
	return decimals, target, current, nil
}

var _ ability.Ability = (*Ability)(nil)
