package delegation

import (
	"context"
	"strings"

	xerrors "Vincent/internal/errors"
	"Vincent/internal/web3"
	"Vincent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Delegation 描述一次授权关系的解析结果：执行方、授权方的代理钱包，
// 以及链上许可记录中声明的策略集合。
type Delegation struct {
	// DelegateeAddress 是持有执行凭证的地址。
	DelegateeAddress common.Address
	// DelegatorAddress 是发起授权的用户地址。
	DelegatorAddress common.Address
	// AgentWallet 是授权方的代理钱包信息。
	AgentWallet web3.PKPInfo
	// AppID 与 AppVersion 标识许可所属的应用版本。
	AppID      uint64
	AppVersion uint64
	// Policies 是链上许可中登记的策略授权，保持登记顺序。
	Policies []web3.PolicyGrant
}

// Resolver 将执行凭证解析为授权上下文。解析失败与策略拒绝是两类
// 结果：前者表示授权关系不存在，后者表示授权存在但本次请求越界。
type Resolver struct {
	client web3.Client
}

// NewResolver 构造授权解析器。
func NewResolver(client web3.Client) *Resolver {
	return &Resolver{client: client}
}

// Resolve 查询链上许可注册表，确认 delegatee 是否被 delegator 授权
// 执行指定能力，并返回授权上下文。未被授权时返回
// CodePermissionDenied，调用方据此与策略拒绝区分。
func (r *Resolver) Resolve(ctx context.Context, delegatee, delegator common.Address, abilityCID string) (*Delegation, error) {
	if r == nil || r.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "授权解析器未初始化")
	}
	if strings.TrimSpace(abilityCID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "能力 CID 不能为空")
	}
	if delegatee == (common.Address{}) || delegator == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "授权双方地址不能为空")
	}

	record, err := r.client.ReadPermissionRegistry(ctx, delegatee, delegator, abilityCID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取许可注册表失败")
	}
	if !record.IsPermitted {
		logger.Audit().Warn("授权校验未通过",
			"delegatee", delegatee.Hex(),
			"delegator", delegator.Hex(),
			"ability_cid", abilityCID,
		)
		return nil, xerrors.New(xerrors.CodePermissionDenied, "该能力未获得授权",
			xerrors.WithMetadata("delegatee", delegatee.Hex()),
			xerrors.WithMetadata("delegator", delegator.Hex()),
			xerrors.WithMetadata("ability_cid", abilityCID),
		)
	}

	wallet, err := r.client.ResolveAgentWallet(ctx, delegator)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解析代理钱包失败")
	}

	return &Delegation{
		DelegateeAddress: delegatee,
		DelegatorAddress: delegator,
		AgentWallet:      wallet,
		AppID:            record.AppID,
		AppVersion:       record.AppVersion,
		Policies:         record.Policies,
	}, nil
}
