package spendlimit

import (
	"context"
	"math/big"
	"strconv"
	"strings"

	xerrors "Vincent/internal/errors"
	"Vincent/internal/policy"
	"Vincent/internal/policy/counter"
	"Vincent/internal/web3"
	"Vincent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// PackageName 是限额策略的包名标识。
const PackageName = "vincent-policy-spending-limit"

// CID 是该版本策略的内容寻址标识。
const CID = "QmVincentPolicySpendingLimitV1"

const secondsPerDay = 86400

// SpendRecorder 把已放行的花费记到链上账本。注入与否由接入方
// 决定，未注入时花费只落在计数器后端。
type SpendRecorder interface {
	RecordSpend(ctx context.Context, delegator common.Address, amount *big.Int) (common.Hash, error)
}

// Policy 限制单日累计花费。金额一律使用美分放大 8 位小数的定点
// 整数，避免浮点漂移。日窗口按 UTC 零点切分。
//
// 边界约定：累计花费恰好等于限额时默认放行，许可参数
// limitExclusive=true 时改为拒绝。
type Policy struct {
	store    counter.Store
	recorder SpendRecorder
}

// Option 配置限额策略的可选能力。
type Option func(*Policy)

// WithRecorder 注入链上花费记录器。
func WithRecorder(recorder SpendRecorder) Option {
	return func(p *Policy) { p.recorder = recorder }
}

// New 构造限额策略。
func New(store counter.Store, opts ...Option) *Policy {
	p := &Policy{store: store}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PackageName 返回策略包名。
func (p *Policy) PackageName() string { return PackageName }

// Evaluate 判定本次花费是否仍在当日限额内。评估只投影
// "若放行累计会变成多少"，不写入任何状态。
func (p *Policy) Evaluate(ctx context.Context, grant web3.PolicyGrant, action policy.Action) (policy.Decision, error) {
	limit, exclusive, err := parseParams(grant.Parameters)
	if err != nil {
		return policy.Decision{}, err
	}
	if action.SpendUsdCents == nil {
		return policy.Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "动作缺少花费金额，无法评估限额策略")
	}
	if action.SpendUsdCents.Sign() < 0 {
		return policy.Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "花费金额不能为负")
	}

	now := action.Timestamp.Unix()
	windowStart := now - now%secondsPerDay

	key := counter.Key(grant.PolicyCID, action.Delegator)
	spent, err := p.store.Count(ctx, key, windowStart)
	if err != nil {
		return policy.Decision{}, err
	}

	projected := new(big.Int).Add(spent, action.SpendUsdCents)
	cmp := projected.Cmp(limit)
	denied := cmp > 0
	if exclusive && cmp == 0 {
		denied = true
	}

	if denied {
		return policy.Denied("当日花费将超出限额", map[string]any{
			"maxSpendingLimitInUsd": limit.String(),
			"buyAmountInUsd":        action.SpendUsdCents.String(),
			"spentTodayInUsd":       spent.String(),
		}), nil
	}

	return policy.Allowed(map[string]any{
		"maxSpendingLimitInUsd": limit.String(),
		"buyAmountInUsd":        action.SpendUsdCents.String(),
		"spentTodayInUsd":       spent.String(),
		"windowStart":           windowStart,
	}), nil
}

// Commit 把已放行的花费计入评估时所在的日窗口，配置了链上记录器
// 时同时发出 recordSpend 交易并返回其哈希。
func (p *Policy) Commit(ctx context.Context, grant web3.PolicyGrant, action policy.Action, result map[string]any) (map[string]any, error) {
	windowStart, ok := int64Field(result, "windowStart")
	if !ok {
		return nil, xerrors.New(xerrors.CodeCommitFailure, "评估结果缺少 windowStart")
	}
	rawAmount, _ := result["buyAmountInUsd"].(string)
	amount, parsed := new(big.Int).SetString(rawAmount, 10)
	if !parsed {
		return nil, xerrors.New(xerrors.CodeCommitFailure, "评估结果缺少花费金额")
	}

	key := counter.Key(grant.PolicyCID, action.Delegator)
	newTotal, err := p.store.Commit(ctx, key, windowStart, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCommitFailure, err, "记录花费失败")
	}

	commitResult := map[string]any{
		"spentTodayInUsd": newTotal.String(),
		"windowStart":     windowStart,
	}

	if p.recorder != nil {
		txHash, err := p.recorder.RecordSpend(ctx, action.Delegator, amount)
		if err != nil {
			logger.Audit().Error("链上花费记录失败，计数器已更新",
				"invocation_id", action.InvocationID,
				"delegator", action.Delegator.Hex(),
				"error", err.Error(),
			)
			return commitResult, xerrors.Wrap(xerrors.CodeCommitFailure, err, "链上花费记录失败")
		}
		commitResult["spendTxHash"] = txHash.Hex()
	}
	return commitResult, nil
}

func parseParams(params map[string]string) (limit *big.Int, exclusive bool, err error) {
	raw, ok := params["maxDailySpendingLimitInUsdCents"]
	if !ok {
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "限额策略缺少 maxDailySpendingLimitInUsdCents")
	}
	limit, parsed := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !parsed || limit.Sign() < 0 {
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "非法的限额: "+raw)
	}

	if rawExclusive, ok := params["limitExclusive"]; ok {
		exclusive, err = strconv.ParseBool(rawExclusive)
		if err != nil {
			return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "非法的 limitExclusive: "+rawExclusive)
		}
	}
	return limit, exclusive, nil
}

func int64Field(result map[string]any, field string) (int64, bool) {
	switch v := result[field].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

var (
	_ policy.Evaluator = (*Policy)(nil)
	_ policy.Committer = (*Policy)(nil)
)
