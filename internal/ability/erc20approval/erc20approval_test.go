package erc20approval

import (
	"context"
	"math/big"
	"testing"
	"time"

	"Vincent/internal/ability"
	"Vincent/internal/delegation"
	"Vincent/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

var (
	testAgent   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testSpender = common.HexToAddress("0x7777777777777777777777777777777777777777")
	testToken   = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

// allowanceChain 应答精度与额度的只读查询，并记录广播的交易。
type allowanceChain struct {
	decimals  uint8
	allowance *big.Int
	sentTx    *coretypes.Transaction

	selDecimals  string
	selAllowance string
}

func newAllowanceChain(t *testing.T) *allowanceChain {
	t.Helper()
	decimalsCall, err := web3.PackDecimals()
	if err != nil {
		t.Fatalf("编码精度查询失败: %v", err)
	}
	allowanceCall, err := web3.PackAllowance(testAgent, testSpender)
	if err != nil {
		t.Fatalf("编码额度查询失败: %v", err)
	}
	return &allowanceChain{
		decimals:     6,
		allowance:    big.NewInt(0),
		selDecimals:  string(decimalsCall[:4]),
		selAllowance: string(allowanceCall[:4]),
	}
}

func (c *allowanceChain) CallContract(_ context.Context, msg gethcore.CallMsg) ([]byte, error) {
	switch string(msg.Data[:4]) {
	case c.selDecimals:
		return word(big.NewInt(int64(c.decimals))), nil
	case c.selAllowance:
		return word(c.allowance), nil
	}
	return nil, nil
}

func (c *allowanceChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(11155111), nil }

func (c *allowanceChain) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

func (c *allowanceChain) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 60000, nil
}

func (c *allowanceChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (c *allowanceChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (c *allowanceChain) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	c.sentTx = tx
	return nil
}

func (c *allowanceChain) WaitForConfirmation(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful}, nil
}

func (c *allowanceChain) ReadPermissionRegistry(context.Context, common.Address, common.Address, string) (web3.PermissionRecord, error) {
	return web3.PermissionRecord{}, nil
}

func (c *allowanceChain) ResolveAgentWallet(context.Context, common.Address) (web3.PKPInfo, error) {
	return web3.PKPInfo{EthAddress: testAgent}, nil
}

func (c *allowanceChain) RecordSpend(context.Context, *bind.TransactOpts, common.Address, *big.Int) (common.Hash, error) {
	return common.Hash{}, nil
}

func (c *allowanceChain) Close() {}

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

func newExec(chain *allowanceChain, amount string) *ability.ExecutionContext {
	return &ability.ExecutionContext{
		InvocationID: "inv-approval-test",
		Params: map[string]string{
			"spender":      testSpender.Hex(),
			"tokenAmount":  amount,
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

func TestExecuteSkipsTransactionWhenAllowanceMatches(t *testing.T) {
	chain := newAllowanceChain(t)
	chain.allowance = big.NewInt(25_000_000)

	result, err := New().Execute(context.Background(), newExec(chain, "25"))
	if err != nil {
		t.Fatalf("授权执行失败: %v", err)
	}
	if chain.sentTx != nil {
		t.Fatal("目标额度与现状一致时不应发交易")
	}
	if _, ok := result["approvalTxHash"]; ok {
		t.Fatalf("无交易时不应返回交易哈希: %v", result["approvalTxHash"])
	}
	if result["approvedAmount"] != "25000000" {
		t.Fatalf("授权金额不符: %v", result["approvedAmount"])
	}
}

func TestExecuteRevokeWithoutExistingAllowanceIsNoop(t *testing.T) {
	chain := newAllowanceChain(t)

	result, err := New().Execute(context.Background(), newExec(chain, "0"))
	if err != nil {
		t.Fatalf("撤销授权失败: %v", err)
	}
	if chain.sentTx != nil {
		t.Fatal("链上本无授权时置零不应发交易")
	}
	if result["approvedAmount"] != "0" {
		t.Fatalf("授权金额不符: %v", result["approvedAmount"])
	}
}

func TestExecuteSubmitsApproveWhenAllowanceDiffers(t *testing.T) {
	chain := newAllowanceChain(t)
	chain.allowance = big.NewInt(1)

	result, err := New().Execute(context.Background(), newExec(chain, "25"))
	if err != nil {
		t.Fatalf("授权执行失败: %v", err)
	}
	if chain.sentTx == nil {
		t.Fatal("额度不一致时应当发交易")
	}
	if to := chain.sentTx.To(); to == nil || *to != testToken {
		t.Fatalf("交易目标应为代币合约: %v", chain.sentTx.To())
	}
	if result["approvalTxHash"] != chain.sentTx.Hash().Hex() {
		t.Fatalf("返回的交易哈希不符: %v", result["approvalTxHash"])
	}
}

func TestPrecheckReportsNoop(t *testing.T) {
	chain := newAllowanceChain(t)
	chain.allowance = big.NewInt(25_000_000)

	facts, err := New().Precheck(context.Background(), newExec(chain, "25"))
	if err != nil {
		t.Fatalf("预检失败: %v", err)
	}
	if facts["noop"] != true {
		t.Fatalf("额度一致时 noop 应为 true: %v", facts["noop"])
	}
	if facts["currentAllowance"] != "25000000" {
		t.Fatalf("当前额度不符: %v", facts["currentAllowance"])
	}
}
