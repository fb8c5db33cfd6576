package policy

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	xerrors "Vincent/internal/errors"
	"Vincent/internal/web3"
	"Vincent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Action 描述一次待策略评估的动作。由能力运行时在调用前填好，
// 策略只读取，不修改。
type Action struct {
	// InvocationID 是本次调用的唯一标识。
	InvocationID string
	// AbilityCID 是被调用能力的内容寻址标识。
	AbilityCID string
	// Delegatee 是发起执行的地址，Delegator 是被代理的用户地址。
	Delegatee common.Address
	Delegator common.Address
	// Params 是按声明映射后的策略入参。
	Params map[string]string
	// SpendUsdCents 是本次动作折算的美元花费，8 位小数定点。
	// 与花费无关的动作为 nil。
	SpendUsdCents *big.Int
	// Timestamp 是评估时刻，窗口计算以它为准。
	Timestamp time.Time
}

// Evaluator 判定单个策略实例的允许与否。评估必须是只读投影：
// 可以读取计数器推算"若放行后计数会变成什么"，但不得持久化该投影。
type Evaluator interface {
	// PackageName 返回策略的包名标识。
	PackageName() string
	// Evaluate 对动作做出允许或拒绝的判定。返回 error 表示策略
	// 自身运行失败，与业务拒绝是两类结果。
	Evaluate(ctx context.Context, grant web3.PolicyGrant, action Action) (Decision, error)
}

// Committer 由带副作用状态的策略实现，在链上效果确认后把
// 已放行动作的影响持久化(计数自增、记录花费)。
type Committer interface {
	// Commit 持久化评估结果对应的副作用，入参是 Evaluate 允许时
	// 返回的 Result。
	Commit(ctx context.Context, grant web3.PolicyGrant, action Action, result map[string]any) (map[string]any, error)
}

// Evaluation 是单个策略通过评估后的留存：评估结果，以及一个
// 绑定了该结果的提交回调。回调至多执行一次。
type Evaluation struct {
	CID         string         `json:"cid"`
	PackageName string         `json:"packageName"`
	Result      map[string]any `json:"result,omitempty"`

	mu        sync.Mutex
	committed bool
	commit    func(ctx context.Context) (map[string]any, error)
}

// Committable 报告该策略是否声明了提交逻辑。
func (e *Evaluation) Committable() bool {
	return e != nil && e.commit != nil
}

// DeniedPolicy 记录首个拒绝的策略及其结构化拒绝原因。
type DeniedPolicy struct {
	CID         string  `json:"cid"`
	PackageName string  `json:"packageName"`
	Denial      *Denial `json:"result"`
}

// PoliciesContext 汇总一次调用的所有策略评估结果。
// EvaluatedPolicies 按评估顺序记录，首个拒绝即短路，
// 其后的策略不会出现在其中。
type PoliciesContext struct {
	Allow             bool                   `json:"allow"`
	EvaluatedPolicies []string               `json:"evaluatedPolicies"`
	DeniedPolicy      *DeniedPolicy          `json:"deniedPolicy,omitempty"`
	AllowedPolicies   map[string]*Evaluation `json:"allowedPolicies"`

	order []string
}

// CommitOutcome 记录单个策略提交的结局。Err 非空表示提交失败，
// 链上效果不可回滚，失败只记录不中断。
type CommitOutcome struct {
	CID         string         `json:"cid"`
	PackageName string         `json:"packageName"`
	Result      map[string]any `json:"result,omitempty"`
	Skipped     bool           `json:"skipped,omitempty"`
	Err         string         `json:"error,omitempty"`
}

// Engine 按声明顺序组合策略评估。策略实现按 CID 注册，
// 链上许可中出现未注册的 CID 视为运行失败而非放行。
type Engine struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

// NewEngine 构造空的策略引擎。
func NewEngine() *Engine {
	return &Engine{evaluators: make(map[string]Evaluator)}
}

// Register 按 CID 注册策略实现。重复注册以后者为准。
func (e *Engine) Register(cid string, evaluator Evaluator) {
	if e == nil || cid == "" || evaluator == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evaluators[cid] = evaluator
}

// Lookup 返回指定 CID 的策略实现。
func (e *Engine) Lookup(cid string) (Evaluator, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	evaluator, ok := e.evaluators[cid]
	return evaluator, ok
}

// Evaluate 依声明顺序评估许可中的全部策略。首个拒绝立即短路：
// EvaluatedPolicies 只包含到拒绝者为止的策略，其后的不再评估。
// 全部通过时每个策略的评估结果连同提交回调留存在 AllowedPolicies。
func (e *Engine) Evaluate(ctx context.Context, grants []web3.PolicyGrant, action Action) (*PoliciesContext, error) {
	pc := &PoliciesContext{
		Allow:             true,
		EvaluatedPolicies: make([]string, 0, len(grants)),
		AllowedPolicies:   make(map[string]*Evaluation, len(grants)),
	}

	for _, grant := range grants {
		evaluator, ok := e.Lookup(grant.PolicyCID)
		if !ok {
			return nil, xerrors.New(xerrors.CodeNotFound, "策略实现未注册: "+grant.PolicyCID,
				xerrors.WithMetadata("policy_cid", grant.PolicyCID),
			)
		}

		pc.EvaluatedPolicies = append(pc.EvaluatedPolicies, grant.PolicyCID)

		decision, err := e.safeEvaluate(ctx, evaluator, grant, action)
		if err != nil {
			return nil, err
		}

		if !decision.Allow {
			pc.Allow = false
			pc.DeniedPolicy = &DeniedPolicy{
				CID:         grant.PolicyCID,
				PackageName: evaluator.PackageName(),
				Denial:      decision.Denial,
			}
			logger.L().Info("策略拒绝执行",
				"invocation_id", action.InvocationID,
				"policy", evaluator.PackageName(),
				"reason", decision.Denial.Reason,
			)
			return pc, nil
		}

		eval := &Evaluation{
			CID:         grant.PolicyCID,
			PackageName: evaluator.PackageName(),
			Result:      decision.Result,
		}
		if committer, ok := evaluator.(Committer); ok {
			boundGrant := grant
			boundResult := decision.Result
			eval.commit = func(ctx context.Context) (map[string]any, error) {
				return committer.Commit(ctx, boundGrant, action, boundResult)
			}
		}
		pc.AllowedPolicies[grant.PolicyCID] = eval
		pc.order = append(pc.order, grant.PolicyCID)
	}

	return pc, nil
}

// safeEvaluate 把策略实现中的 panic 收敛为运行失败。
func (e *Engine) safeEvaluate(ctx context.Context, evaluator Evaluator, grant web3.PolicyGrant, action Action) (decision Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("策略 %s 评估时 panic: %v", evaluator.PackageName(), r))
		}
	}()
	return evaluator.Evaluate(ctx, grant, action)
}

// CommitAllowed 在链上效果确认后，按评估顺序依次执行各策略的提交。
// 单个策略提交失败只记入该策略的结局，不中断其余策略，也不回滚
// 已确认的链上效果。缺少提交逻辑或评估结果为空的条目跳过并记日志。
// 对同一评估结果的提交至多执行一次。
func (pc *PoliciesContext) CommitAllowed(ctx context.Context, abilityLabel string) []CommitOutcome {
	if pc == nil || !pc.Allow {
		return nil
	}

	outcomes := make([]CommitOutcome, 0, len(pc.order))
	for _, cid := range pc.order {
		eval := pc.AllowedPolicies[cid]
		if eval == nil {
			continue
		}
		outcome := CommitOutcome{CID: eval.CID, PackageName: eval.PackageName}

		if eval.commit == nil || len(eval.Result) == 0 {
			outcome.Skipped = true
			logger.L().Debug("策略无提交逻辑,跳过",
				"ability", abilityLabel,
				"policy", eval.PackageName,
			)
			outcomes = append(outcomes, outcome)
			continue
		}

		result, err := eval.runCommit(ctx)
		if err != nil {
			outcome.Err = err.Error()
			logger.Audit().Error("策略提交失败,链上效果已确认,需人工对账",
				"ability", abilityLabel,
				"policy", eval.PackageName,
				"error", err.Error(),
			)
		} else {
			outcome.Result = result
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// runCommit 保证对同一评估结果的提交至多执行一次，并把 panic
// 收敛为提交失败。
func (e *Evaluation) runCommit(ctx context.Context) (result map[string]any, err error) {
	e.mu.Lock()
	if e.committed {
		e.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeConflict, "该评估结果已提交过")
	}
	e.committed = true
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeCommitFailure, fmt.Sprintf("策略 %s 提交时 panic: %v", e.PackageName, r))
		}
	}()
	return e.commit(ctx)
}
