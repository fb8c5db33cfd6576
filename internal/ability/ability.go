package ability

import (
	"context"
	"math/big"
	"time"

	"Vincent/internal/delegation"
	"Vincent/internal/policy"
	"Vincent/internal/signer"
	"Vincent/internal/web3"
)

// Ability 是一个内容寻址的可执行能力。实现负责预检阶段的只读
// 事实收集与执行阶段的链上提交，策略评估与提交由运行时编排。
type Ability interface {
	// PackageName 返回能力的包名标识。
	PackageName() string
	// CID 返回能力的内容寻址标识。一个版本一个身份，发布后不变。
	CID() string
	// Description 返回能力的一句话描述。
	Description() string
	// Schema 返回入参契约。
	Schema() Schema
	// Precheck 只做链上读操作，判断执行是否会成功。
	// 不得改动链上状态，也不得改动策略计数。
	Precheck(ctx context.Context, exec *ExecutionContext) (map[string]any, error)
	// Execute 提交链上交易并等待确认，返回效果事实。
	Execute(ctx context.Context, exec *ExecutionContext) (map[string]any, error)
}

// SpendEstimator 由产生美元花费的能力实现，限额策略的评估依赖
// 这里折算出的定点金额。
type SpendEstimator interface {
	// EstimateSpendUsdCents 估算本次动作折算的美元花费，
	// 美分放大 8 位小数。
	EstimateSpendUsdCents(ctx context.Context, exec *ExecutionContext) (*big.Int, error)
}

// ExecutionContext 是一次调用的瞬态上下文，只服务这一次调用，
// 跨调用复用是错误。
type ExecutionContext struct {
	// InvocationID 是本次调用的唯一标识。
	InvocationID string
	// Params 是通过入参契约校验后的参数。
	Params map[string]string
	// Delegation 是解析好的授权关系，链上写入用其中的代理钱包身份。
	Delegation *delegation.Delegation
	// Policies 是本次调用的策略评估汇总。
	Policies *policy.PoliciesContext
	// Chain 是链访问能力。
	Chain web3.Client
	// Signer 是代理钱包的签名通道。
	Signer signer.Signer
	// StartedAt 是调用开始时刻。
	StartedAt time.Time
}
