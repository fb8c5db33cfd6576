package swap

import (
	"context"
	"math/big"
	"strconv"
	"time"

	"Vincent/internal/ability"
	xerrors "Vincent/internal/errors"
	"Vincent/internal/web3"
	"Vincent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// PackageName 是代币兑换能力的包名标识。
	PackageName = "vincent-ability-uniswap-swap"
	// CID 是该版本能力的内容寻址标识。
	CID = "QmVincentAbilityUniswapSwapV1"
)

const defaultSlippageBps = 100

// Config 描述兑换能力依赖的链上设施。
type Config struct {
	// RouterAddress 是 Uniswap V2 风格路由合约地址。
	RouterAddress common.Address
	// UsdToken 是用于折算美元价值的稳定币地址。
	UsdToken common.Address
	// UsdTokenDecimals 是稳定币精度。
	UsdTokenDecimals uint8
}

// Ability 通过路由合约执行两种代币间的兑换。卖出金额经稳定币
// 路径折算成美元后交给限额策略评估。
type Ability struct {
	cfg Config
}

// New 构造兑换能力。
func New(cfg Config) *Ability { return &Ability{cfg: cfg} }

// PackageName 返回能力包名。
func (a *Ability) PackageName() string { return PackageName }

// CID 返回能力的内容寻址标识。
func (a *Ability) CID() string { return CID }

// Description 返回能力描述。
func (a *Ability) Description() string {
	return "以代理钱包身份通过路由合约执行代币兑换"
}

// Schema 返回入参契约。
func (a *Ability) Schema() ability.Schema {
	return ability.Schema{Fields: []ability.Field{
		{Name: "tokenInAddress", Kind: ability.FieldAddress, Required: true},
		{Name: "tokenOutAddress", Kind: ability.FieldAddress, Required: true},
		{Name: "amountIn", Kind: ability.FieldAmount, Required: true},
		{Name: "slippageBps", Kind: ability.FieldUint, Required: false},
	}}
}

// Precheck 只读报价兑换路径并检查余额与路由额度。
func (a *Ability) Precheck(ctx context.Context, exec *ability.ExecutionContext) (map[string]any, error) {
	tokenIn := common.HexToAddress(exec.Params["tokenInAddress"])
	tokenOut := common.HexToAddress(exec.Params["tokenOutAddress"])

	amountIn, err := a.readAmountIn(ctx, exec, tokenIn)
	if err != nil {
		return nil, err
	}

	path := []common.Address{tokenIn, tokenOut}
	amounts, err := a.quote(ctx, exec, amountIn, path)
	if err != nil {
		return nil, err
	}

	balance, err := a.readBalance(ctx, exec, tokenIn)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(amountIn) < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "卖出代币余额不足",
			xerrors.WithMetadata("balance", balance.String()),
			xerrors.WithMetadata("amount_in", amountIn.String()),
		)
	}

	allowance, err := a.readAllowance(ctx, exec, tokenIn)
	if err != nil {
		return nil, err
	}

	route := make([]string, 0, len(path))
	for _, hop := range path {
		route = append(route, hop.Hex())
	}

	return map[string]any{
		"addressValid":      true,
		"amountValid":       true,
		"tokenAddressValid": true,
		"route":             route,
		"amountOut":         amounts[len(amounts)-1].String(),
		"routerAllowance":   allowance.String(),
		"allowanceOk":       allowance.Cmp(amountIn) >= 0,
	}, nil
}

// Execute 提交兑换交易并等待确认。限额策略在提交阶段产出的
// spendTxHash 由运行时合入返回结果。
func (a *Ability) Execute(ctx context.Context, exec *ability.ExecutionContext) (map[string]any, error) {
	tokenIn := common.HexToAddress(exec.Params["tokenInAddress"])
	tokenOut := common.HexToAddress(exec.Params["tokenOutAddress"])

	amountIn, err := a.readAmountIn(ctx, exec, tokenIn)
	if err != nil {
		return nil, err
	}

	path := []common.Address{tokenIn, tokenOut}
	amounts, err := a.quote(ctx, exec, amountIn, path)
	if err != nil {
		return nil, err
	}
	quoteOut := amounts[len(amounts)-1]

	slippage := int64(defaultSlippageBps)
	if raw, ok := exec.Params["slippageBps"]; ok && raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 || parsed > 10000 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "滑点基点必须在 0 到 10000 之间: "+raw,
				xerrors.WithMetadata("slippage_bps", raw),
			)
		}
		slippage = parsed
	}
	minOut := new(big.Int).Mul(quoteOut, big.NewInt(10000-slippage))
	minOut.Div(minOut, big.NewInt(10000))

	deadline := big.NewInt(time.Now().Add(10 * time.Minute).Unix())
	swapData, err := web3.PackSwapExactTokensForTokens(amountIn, minOut, path, exec.Delegation.AgentWallet.EthAddress, deadline)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "编码兑换调用失败")
	}

	hash, _, err := ability.SubmitTransaction(ctx, exec, a.cfg.RouterAddress, swapData, nil)
	if err != nil {
		return nil, err
	}

	logger.Audit().Info("代币兑换已确认",
		"invocation_id", exec.InvocationID,
		"tx_hash", hash.Hex(),
		"token_in", tokenIn.Hex(),
		"token_out", tokenOut.Hex(),
	)

	return map[string]any{
		"swapTxHash":      hash.Hex(),
		"tokenInAddress":  tokenIn.Hex(),
		"tokenOutAddress": tokenOut.Hex(),
		"amountIn":        amountIn.String(),
		"amountOutMin":    minOut.String(),
		"timestamp":       time.Now().Unix(),
	}, nil
}

// EstimateSpendUsdCents 经稳定币路径把卖出金额折算成美元，
// 美分放大 8 位小数。卖出的就是稳定币时直接换算。
func (a *Ability) EstimateSpendUsdCents(ctx context.Context, exec *ability.ExecutionContext) (*big.Int, error) {
	tokenIn := common.HexToAddress(exec.Params["tokenInAddress"])

	amountIn, err := a.readAmountIn(ctx, exec, tokenIn)
	if err != nil {
		return nil, err
	}

	usdAmount := amountIn
	if tokenIn != a.cfg.UsdToken {
		amounts, err := a.quote(ctx, exec, amountIn, []common.Address{tokenIn, a.cfg.UsdToken})
		if err != nil {
			return nil, err
		}
		usdAmount = amounts[len(amounts)-1]
	}
	return toUsdCents8(usdAmount, a.cfg.UsdTokenDecimals), nil
}

// toUsdCents8 把稳定币最小单位金额换算为放大 8 位小数的美分。
func toUsdCents8(amount *big.Int, decimals uint8) *big.Int {
	// 美分 ×10^8 相当于美元 ×10^10。
	if decimals <= 10 {
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(10-decimals)), nil)
		return new(big.Int).Mul(amount, factor)
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-10)), nil)
	return new(big.Int).Div(amount, divisor)
}

func (a *Ability) readAmountIn(ctx context.Context, exec *ability.ExecutionContext, tokenIn common.Address) (*big.Int, error) {
	decimals, err := a.readDecimals(ctx, exec, tokenIn)
	if err != nil {
		return nil, err
	}
	return ability.ParseTokenAmount(exec.Params["amountIn"], decimals)
}

func (a *Ability) readDecimals(ctx context.Context, exec *ability.ExecutionContext, token common.Address) (uint8, error) {
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

func (a *Ability) readBalance(ctx context.Context, exec *ability.ExecutionContext, token common.Address) (*big.Int, error) {
	call, err := web3.PackBalanceOf(exec.Delegation.AgentWallet.EthAddress)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "编码余额查询失败")
	}
	output, err := ability.ReadContract(ctx, exec, token, call)
	if err != nil {
		return nil, err
	}
	balance, err := web3.UnpackUint256(output)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解码余额失败")
	}
	return balance, nil
}

func (a *Ability) readAllowance(ctx context.Context, exec *ability.ExecutionContext, token common.Address) (*big.Int, error) {
	call, err := web3.PackAllowance(exec.Delegation.AgentWallet.EthAddress, a.cfg.RouterAddress)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "编码额度查询失败")
	}
	output, err := ability.ReadContract(ctx, exec, token, call)
	if err != nil {
		return nil, err
	}
	allowance, err := web3.UnpackUint256(output)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解码额度失败")
	}
	return allowance, nil
}

func (a *Ability) quote(ctx context.Context, exec *ability.ExecutionContext, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	call, err := web3.PackGetAmountsOut(amountIn, path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "编码报价调用失败")
	}
	output, err := ability.ReadContract(ctx, exec, a.cfg.RouterAddress, call)
	if err != nil {
		return nil, err
	}
	amounts, err := web3.UnpackAmountsOut(output)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解码报价失败")
	}
	if len(amounts) == 0 {
		return nil, xerrors.New(xerrors.CodeChainFailure, "报价返回为空")
	}
	return amounts, nil
}

var (
	_ ability.Ability        = (*Ability)(nil)
	_ ability.SpendEstimator = (*Ability)(nil)
)
