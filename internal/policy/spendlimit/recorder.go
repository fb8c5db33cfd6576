package spendlimit

import (
	"context"
	"math/big"

	xerrors "Vincent/internal/errors"
	"Vincent/internal/signer"
	"Vincent/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainRecorder 通过权限注册表合约的 recordSpend 把花费记到链上，
// 并等待交易确认后才返回哈希。
type ChainRecorder struct {
	chain  web3.Client
	signer signer.Signer
}

// NewChainRecorder 构造链上花费记录器。
func NewChainRecorder(chain web3.Client, sig signer.Signer) *ChainRecorder {
	return &ChainRecorder{chain: chain, signer: sig}
}

// RecordSpend 提交 recordSpend 交易并等待确认。
func (r *ChainRecorder) RecordSpend(ctx context.Context, delegator common.Address, amount *big.Int) (common.Hash, error) {
	chainID, err := r.chain.ChainID(ctx)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询链 ID 失败")
	}
	auth, err := r.signer.TransactOpts(chainID)
	if err != nil {
		return common.Hash{}, err
	}

	hash, err := r.chain.RecordSpend(ctx, auth, delegator, amount)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "提交花费记录交易失败")
	}

	receipt, err := r.chain.WaitForConfirmation(ctx, hash)
	if err != nil {
		return hash, xerrors.Wrap(xerrors.CodeConfirmationFailure, err, "等待花费记录确认失败")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, xerrors.New(xerrors.CodeConfirmationFailure, "花费记录交易回滚",
			xerrors.WithMetadata("tx_hash", hash.Hex()),
		)
	}
	return hash, nil
}

var _ SpendRecorder = (*ChainRecorder)(nil)
