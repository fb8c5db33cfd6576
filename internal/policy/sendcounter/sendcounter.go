package sendcounter

import (
	"context"
	"math/big"
	"strconv"

	xerrors "Vincent/internal/errors"
	"Vincent/internal/policy"
	"Vincent/internal/policy/counter"
	"Vincent/internal/web3"
)

// PackageName 是限次策略的包名标识。
const PackageName = "vincent-policy-send-counter-limit"

// CID 是该版本策略的内容寻址标识。
const CID = "QmVincentPolicySendCounterLimitV1"

const (
	defaultMaxSends   = 2
	defaultWindowSecs = 60
)

// Policy 限制固定时间窗口内的发送次数。窗口按纪元对齐切分，
// 窗口切换后计数归零。评估只读当前计数，提交才自增。
type Policy struct {
	store counter.Store
}

// New 构造限次策略。
func New(store counter.Store) *Policy {
	return &Policy{store: store}
}

// PackageName 返回策略包名。
func (p *Policy) PackageName() string { return PackageName }

// Evaluate 判定本次发送是否仍在窗口配额内。拒绝时携带
// currentCount/maxSends/secondsUntilReset，全部为结构化字段。
func (p *Policy) Evaluate(ctx context.Context, grant web3.PolicyGrant, action policy.Action) (policy.Decision, error) {
	maxSends, windowSecs, err := parseParams(grant.Parameters)
	if err != nil {
		return policy.Decision{}, err
	}

	now := action.Timestamp.Unix()
	windowStart := now - now%windowSecs
	secondsUntilReset := windowStart + windowSecs - now
	if secondsUntilReset < 0 {
		secondsUntilReset = 0
	}

	key := counter.Key(grant.PolicyCID, action.Delegator)
	current, err := p.store.Count(ctx, key, windowStart)
	if err != nil {
		return policy.Decision{}, err
	}
	currentCount := current.Int64()

	if currentCount+1 > maxSends {
		return policy.Denied("发送次数已达窗口上限", map[string]any{
			"currentCount":      currentCount,
			"maxSends":          maxSends,
			"secondsUntilReset": secondsUntilReset,
		}), nil
	}

	return policy.Allowed(map[string]any{
		"currentCount":      currentCount,
		"maxSends":          maxSends,
		"windowStart":       windowStart,
		"secondsUntilReset": secondsUntilReset,
	}), nil
}

// Commit 把已放行的发送计入评估时所在的窗口。窗口起点取自评估
// 结果而非当前时刻，链上确认跨越窗口边界时计数仍落在原窗口。
func (p *Policy) Commit(ctx context.Context, grant web3.PolicyGrant, action policy.Action, result map[string]any) (map[string]any, error) {
	windowStart, ok := int64Field(result, "windowStart")
	if !ok {
		return nil, xerrors.New(xerrors.CodeCommitFailure, "评估结果缺少 windowStart")
	}

	key := counter.Key(grant.PolicyCID, action.Delegator)
	newCount, err := p.store.Commit(ctx, key, windowStart, big.NewInt(1))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCommitFailure, err, "发送计数自增失败")
	}
	return map[string]any{
		"newCount":    newCount.Int64(),
		"windowStart": windowStart,
	}, nil
}

func parseParams(params map[string]string) (maxSends, windowSecs int64, err error) {
	maxSends = defaultMaxSends
	windowSecs = defaultWindowSecs

	if raw, ok := params["maxSends"]; ok {
		maxSends, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || maxSends <= 0 {
			return 0, 0, xerrors.New(xerrors.CodeInvalidArgument, "非法的 maxSends: "+raw)
		}
	}
	if raw, ok := params["timeWindowSeconds"]; ok {
		windowSecs, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || windowSecs <= 0 {
			return 0, 0, xerrors.New(xerrors.CodeInvalidArgument, "非法的 timeWindowSeconds: "+raw)
		}
	}
	return maxSends, windowSecs, nil
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
