package ability

import (
	"context"
	"math/big"
	"strings"

	xerrors "Vincent/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ReadContract 以代理钱包身份做一次只读合约调用。
func ReadContract(ctx context.Context, exec *ExecutionContext, to common.Address, data []byte) ([]byte, error) {
	output, err := exec.Chain.CallContract(ctx, gethcore.CallMsg{
		From: exec.Delegation.AgentWallet.EthAddress,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "合约读取失败")
	}
	return output, nil
}

// SubmitTransaction 以代理钱包身份构造、签名并广播一笔合约调用，
// 然后阻塞等待确认。提交前的失败与提交后的确认失败用不同错误码
// 区分，后者意味着交易可能仍会落块，需要人工核对。
func SubmitTransaction(ctx context.Context, exec *ExecutionContext, to common.Address, data []byte, value *big.Int) (common.Hash, *types.Receipt, error) {
	from := exec.Delegation.AgentWallet.EthAddress
	if value == nil {
		value = big.NewInt(0)
	}

	chainID, err := exec.Chain.ChainID(ctx)
	if err != nil {
		return common.Hash{}, nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询链 ID 失败")
	}
	nonce, err := exec.Chain.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询 nonce 失败")
	}
	gasPrice, err := exec.Chain.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询 Gas 价格失败")
	}
	gasLimit, err := exec.Chain.EstimateGas(ctx, gethcore.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return common.Hash{}, nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "估算 Gas 失败")
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signed, err := exec.Signer.SignTx(ctx, tx, chainID)
	if err != nil {
		return common.Hash{}, nil, err
	}

	if err := exec.Chain.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "广播交易失败")
	}

	hash := signed.Hash()
	receipt, err := exec.Chain.WaitForConfirmation(ctx, hash)
	if err != nil {
		return hash, nil, xerrors.Wrap(xerrors.CodeConfirmationFailure, err, "等待交易确认失败")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, receipt, xerrors.New(xerrors.CodeConfirmationFailure, "交易执行回滚",
			xerrors.WithMetadata("tx_hash", hash.Hex()),
		)
	}
	return hash, receipt, nil
}

// ParseTokenAmount 把十进制数字串按代币精度换算为最小单位整数。
// 小数位超过代币精度时判为非法入参。
func ParseTokenAmount(raw string, decimals uint8) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if !amountPattern.MatchString(raw) {
		return nil, xerrors.New(xerrors.CodeSchemaValidation, "不是合法的十进制数字: "+raw)
	}

	whole, frac, _ := strings.Cut(raw, ".")
	frac = strings.TrimRight(frac, "0")
	if len(frac) > int(decimals) {
		return nil, xerrors.New(xerrors.CodeSchemaValidation, "小数位超过代币精度: "+raw)
	}

	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	value, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeSchemaValidation, "数值解析失败: "+raw)
	}
	return value, nil
}
