package erc20transfer

import (
	"context"
	"math/big"
	"testing"
	"time"

	"Vincent/internal/ability"
	"Vincent/internal/delegation"
	xerrors "Vincent/internal/errors"
	"Vincent/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

var (
	testAgent     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testRecipient = common.HexToAddress("0x8888888888888888888888888888888888888888")
	testToken     = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

// tokenChain 应答精度与余额查询，原生余额与 Gas 可配置。
type tokenChain struct {
	decimals      uint8
	balance       *big.Int
	nativeBalance *big.Int
	sentTx        *coretypes.Transaction

	selDecimals  string
	selBalanceOf string
}

func newTokenChain(t *testing.T) *tokenChain {
	t.Helper()
	decimalsCall, err := web3.PackDecimals()
	if err != nil {
		t.Fatalf("编码精度查询失败: %v", err)
	}
	balanceCall, err := web3.PackBalanceOf(testAgent)
	if err != nil {
		t.Fatalf("编码余额查询失败: %v", err)
	}
	return &tokenChain{
		decimals:      6,
		balance:       big.NewInt(0),
		nativeBalance: big.NewInt(1e18),
		selDecimals:   string(decimalsCall[:4]),
		selBalanceOf:  string(balanceCall[:4]),
	}
}

func (c *tokenChain) CallContract(_ context.Context, msg gethcore.CallMsg) ([]byte, error) {
	switch string(msg.Data[:4]) {
	case c.selDecimals:
		return word(big.NewInt(int64(c.decimals))), nil
	case c.selBalanceOf:
		return word(c.balance), nil
	}
	return nil, nil
}

func (c *tokenChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(11155111), nil }

func (c *tokenChain) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return c.nativeBalance, nil
}

func (c *tokenChain) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 52000, nil
}

func (c *tokenChain) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(2), nil }

func (c *tokenChain) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }

func (c *tokenChain) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	c.sentTx = tx
	return nil
}

func (c *tokenChain) WaitForConfirmation(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful}, nil
}

func (c *tokenChain) ReadPermissionRegistry(context.Context, common.Address, common.Address, string) (web3.PermissionRecord, error) {
	return web3.PermissionRecord{}, nil
}

func (c *tokenChain) ResolveAgentWallet(context.Context, common.Address) (web3.PKPInfo, error) {
	return web3.PKPInfo{EthAddress: testAgent}, nil
}

func (c *tokenChain) RecordSpend(context.Context, *bind.TransactOpts, common.Address, *big.Int) (common.Hash, error) {
	return common.Hash{}, nil
}

func (c *tokenChain) Close() {}

type passSigner struct{}

func (passSigner) Address() common.Address { return testAgent }

func (passSigner) SignMessage(context.Context, []byte) ([]byte, error) { return nil, nil }

func (passSigner) SignTx(_ context.Context, tx *coretypes.Transaction, _ *big.Int) (*coretypes.Transaction, error) {
	return tx, nil
}

func (passSigner) TransactOpts(*big.Int) (*bind.TransactOpts, error) {
	return &bind.TransactOpts{}, nil
}

func (passSigner) Sponsored() bool { return false }

func newExec(chain *tokenChain, amount string) *ability.ExecutionContext {
	return &ability.ExecutionContext{
		InvocationID: "inv-transfer-test",
		Params: map[string]string{
			"to":           testRecipient.Hex(),
			"amount":       amount,
			"tokenAddress": testToken.Hex(),
		},
		Delegation: &delegation.Delegation{
			AgentWallet: web3.PKPInfo{EthAddress: testAgent},
		},
		Chain:     chain,
		Signer:    passSigner{},
		StartedAt: time.Now(),
	}
}

func TestPrecheckReportsBalanceAndGas(t *testing.T) {
	chain := newTokenChain(t)
	chain.balance = big.NewInt(30_000_000)

	facts, err := New().Precheck(context.Background(), newExec(chain, "25"))
	if err != nil {
		t.Fatalf("预检失败: %v", err)
	}
	if facts["userBalance"] != "30000000" {
		t.Fatalf("余额不符: %v", facts["userBalance"])
	}
	if facts["estimatedGas"] != uint64(52000) {
		t.Fatalf("Gas 估算不符: %v", facts["estimatedGas"])
	}
}

func TestPrecheckRejectsInsufficientTokenBalance(t *testing.T) {
	chain := newTokenChain(t)
	chain.balance = big.NewInt(1_000_000)

	_, err := New().Precheck(context.Background(), newExec(chain, "25"))
	if err == nil {
		t.Fatal("余额不足应当拒绝")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("错误码不符: %v", xerrors.CodeOf(err))
	}
}

func TestPrecheckRejectsInsufficientNativeBalance(t *testing.T) {
	chain := newTokenChain(t)
	chain.balance = big.NewInt(30_000_000)
	chain.nativeBalance = big.NewInt(1)

	_, err := New().Precheck(context.Background(), newExec(chain, "25"))
	if err == nil {
		t.Fatal("原生代币不足以支付 Gas 时应当拒绝")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("错误码不符: %v", xerrors.CodeOf(err))
	}
}

func TestExecuteBroadcastsTransfer(t *testing.T) {
	chain := newTokenChain(t)
	chain.balance = big.NewInt(30_000_000)

	result, err := New().Execute(context.Background(), newExec(chain, "25"))
	if err != nil {
		t.Fatalf("转账执行失败: %v", err)
	}
	if chain.sentTx == nil {
		t.Fatal("未广播转账交易")
	}
	if to := chain.sentTx.To(); to == nil || *to != testToken {
		t.Fatalf("交易目标应为代币合约: %v", chain.sentTx.To())
	}
	if result["txHash"] != chain.sentTx.Hash().Hex() {
		t.Fatalf("返回的交易哈希不符: %v", result["txHash"])
	}
	if result["amount"] != "25" {
		t.Fatalf("返回金额应保留原始入参: %v", result["amount"])
	}
}
