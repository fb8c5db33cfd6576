package delegation

import (
	"context"
	"errors"
	"math/big"
	"testing"

	xerrors "Vincent/internal/errors"
	"Vincent/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

type registryClient struct {
	record  web3.PermissionRecord
	readErr error
	wallet  web3.PKPInfo
}

func (c *registryClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (c *registryClient) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (c *registryClient) CallContract(context.Context, gethcore.CallMsg) ([]byte, error) {
	return nil, nil
}

func (c *registryClient) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 0, nil
}

func (c *registryClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (c *registryClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (c *registryClient) SendTransaction(context.Context, *coretypes.Transaction) error { return nil }

func (c *registryClient) WaitForConfirmation(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return nil, nil
}

func (c *registryClient) ReadPermissionRegistry(context.Context, common.Address, common.Address, string) (web3.PermissionRecord, error) {
	if c.readErr != nil {
		return web3.PermissionRecord{}, c.readErr
	}
	return c.record, nil
}

func (c *registryClient) ResolveAgentWallet(context.Context, common.Address) (web3.PKPInfo, error) {
	return c.wallet, nil
}

func (c *registryClient) RecordSpend(context.Context, *bind.TransactOpts, common.Address, *big.Int) (common.Hash, error) {
	return common.Hash{}, nil
}

func (c *registryClient) Close() {}

var (
	delegatee = common.HexToAddress("0x1111111111111111111111111111111111111111")
	delegator = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestResolvePermittedDelegation(t *testing.T) {
	client := &registryClient{
		record: web3.PermissionRecord{
			IsPermitted: true,
			AppID:       42,
			AppVersion:  3,
			Policies: []web3.PolicyGrant{
				{PolicyCID: "QmA", Parameters: map[string]string{"maxSends": "2"}},
				{PolicyCID: "QmB"},
			},
		},
		wallet: web3.PKPInfo{EthAddress: delegator, TokenID: big.NewInt(7)},
	}

	deleg, err := NewResolver(client).Resolve(context.Background(), delegatee, delegator, "QmAbility")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if deleg.AppID != 42 || deleg.AppVersion != 3 {
		t.Fatalf("unexpected app identity: %d/%d", deleg.AppID, deleg.AppVersion)
	}
	if len(deleg.Policies) != 2 || deleg.Policies[0].PolicyCID != "QmA" {
		t.Fatalf("策略应当保持登记顺序: %+v", deleg.Policies)
	}
	if deleg.AgentWallet.EthAddress != delegator {
		t.Fatalf("unexpected agent wallet: %s", deleg.AgentWallet.EthAddress)
	}
}

func TestResolveUnpermittedDelegation(t *testing.T) {
	client := &registryClient{record: web3.PermissionRecord{IsPermitted: false}}

	_, err := NewResolver(client).Resolve(context.Background(), delegatee, delegator, "QmAbility")
	if err == nil {
		t.Fatal("expected permission denial")
	}
	if xerrors.CodeOf(err) != xerrors.CodePermissionDenied {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
}

func TestResolveRegistryFailure(t *testing.T) {
	client := &registryClient{readErr: errors.New("rpc down")}

	_, err := NewResolver(client).Resolve(context.Background(), delegatee, delegator, "QmAbility")
	if err == nil {
		t.Fatal("expected error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeChainFailure {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
}

func TestResolveRejectsEmptyInput(t *testing.T) {
	resolver := NewResolver(&registryClient{})
	if _, err := resolver.Resolve(context.Background(), delegatee, delegator, ""); err == nil {
		t.Fatal("空 CID 应当报错")
	}
	if _, err := resolver.Resolve(context.Background(), common.Address{}, delegator, "QmAbility"); err == nil {
		t.Fatal("空地址应当报错")
	}
}
