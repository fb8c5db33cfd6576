package ability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"Vincent/internal/delegation"
	xerrors "Vincent/internal/errors"
	"Vincent/internal/invocation"
	"Vincent/internal/observability/alerting"
	"Vincent/internal/observability/metrics"
	"Vincent/internal/policy"
	"Vincent/internal/signer"
	"Vincent/internal/web3"
	"Vincent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Request 是调用方提交的执行请求。地址以十六进制字符串传入，
// 进入任何链交互前先做格式校验。
type Request struct {
	Delegatee string            `json:"delegatee"`
	Delegator string            `json:"delegatorPkpEthAddress"`
	Params    map[string]string `json:"params"`
}

// ResultContext 附在每个响应上的调用上下文。policiesContext
// 无论成败都在场，调用方不必执行也能看到会被哪条策略拦下。
type ResultContext struct {
	PoliciesContext *policy.PoliciesContext `json:"policiesContext"`
	CommitOutcomes  []policy.CommitOutcome  `json:"commitOutcomes,omitempty"`
}

// Result 是预检与执行共用的响应信封。预期内的失败都以
// Success=false 返回，RuntimeError 仅在运行时自身出错时为真。
type Result struct {
	InvocationID string         `json:"invocationId"`
	Success      bool           `json:"success"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	RuntimeError bool           `json:"runtimeError,omitempty"`
	Context      *ResultContext `json:"context"`
}

// Runtime 编排能力调用的完整生命周期：入参校验、授权解析、
// 策略评估、链上提交与确认、策略提交。每次调用独立推进，
// 运行时不做跨调用的排序或加锁，共享计数的并发竞争交给
// 计数器后端与链共识解决。
type Runtime struct {
	mu        sync.RWMutex
	abilities map[string]Ability

	engine   *policy.Engine
	resolver *delegation.Resolver
	chain    web3.Client
	signer   signer.Signer

	store     invocation.Store
	reconcile invocation.Producer
	alerts    alerting.Dispatcher
}

// Option 配置运行时的可选能力。
type Option func(*Runtime)

// WithStore 注入调用审计存储。
func WithStore(store invocation.Store) Option {
	return func(r *Runtime) { r.store = store }
}

// WithReconcileQueue 注入提交失败对账队列。
func WithReconcileQueue(queue invocation.Producer) Option {
	return func(r *Runtime) { r.reconcile = queue }
}

// WithAlerts 注入告警分发器。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(r *Runtime) { r.alerts = dispatcher }
}

// NewRuntime 构造能力运行时。
func NewRuntime(engine *policy.Engine, resolver *delegation.Resolver, chain web3.Client, sig signer.Signer, opts ...Option) *Runtime {
	r := &Runtime{
		abilities: make(map[string]Ability),
		engine:    engine,
		resolver:  resolver,
		chain:     chain,
		signer:    sig,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAbility 按包名注册能力。
func (r *Runtime) RegisterAbility(ab Ability) {
	if r == nil || ab == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abilities[ab.PackageName()] = ab
}

// Ability 返回指定包名的能力。
func (r *Runtime) Ability(name string) (Ability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ab, ok := r.abilities[name]
	return ab, ok
}

// Abilities 返回已注册的能力列表。
func (r *Runtime) Abilities() []Ability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Ability, 0, len(r.abilities))
	for _, ab := range r.abilities {
		list = append(list, ab)
	}
	return list
}

// Precheck 运行只读预检：入参校验、授权解析、策略评估与能力级
// 只读检查。不发出任何链上交易，也不改动策略计数。
func (r *Runtime) Precheck(ctx context.Context, abilityName string, req Request) (res *Result) {
	started := time.Now()
	invocationID := uuid.NewString()

	defer func() {
		if rec := recover(); rec != nil {
			res = r.runtimePanic(invocationID, abilityName, rec)
		}
		r.observe(abilityName, invocation.ModePrecheck, res, started)
	}()

	ab, ok := r.Ability(abilityName)
	if !ok {
		return failure(invocationID, xerrors.New(xerrors.CodeNotFound, "能力未注册: "+abilityName), nil)
	}

	record := r.newRecord(ctx, invocationID, ab, invocation.ModePrecheck, req)

	exec, failResult := r.prepare(ctx, ab, record, req, started)
	if failResult != nil {
		return failResult
	}

	r.savePhase(ctx, record, invocation.PhasePrechecking)

	pc, failResult := r.evaluatePolicies(ctx, ab, record, exec)
	if failResult != nil {
		return failResult
	}
	exec.Policies = pc

	facts, err := ab.Precheck(ctx, exec)
	if err != nil {
		r.finishRecord(ctx, record, invocation.PhaseFailed, pc, nil, err)
		return failure(invocationID, err, pc)
	}

	r.finishRecord(ctx, record, invocation.PhasePassed, pc, facts, nil)
	if !pc.Allow {
		metrics.ObservePolicyDenial(ab.PackageName(), deniedPolicyName(pc))
	}

	return &Result{
		InvocationID: invocationID,
		Success:      true,
		Result:       facts,
		Context:      &ResultContext{PoliciesContext: pc},
	}
}

// Execute 运行执行通道：策略在执行时重新评估而不是信任过期的
// 预检结论，放行后提交链上交易、等待确认，确认成功才逐个执行
// 策略提交。提交失败不回滚链上效果，只记录、告警并投递对账。
func (r *Runtime) Execute(ctx context.Context, abilityName string, req Request) (res *Result) {
	started := time.Now()
	invocationID := uuid.NewString()

	defer func() {
		if rec := recover(); rec != nil {
			res = r.runtimePanic(invocationID, abilityName, rec)
		}
		r.observe(abilityName, invocation.ModeExecute, res, started)
	}()

	ab, ok := r.Ability(abilityName)
	if !ok {
		return failure(invocationID, xerrors.New(xerrors.CodeNotFound, "能力未注册: "+abilityName), nil)
	}

	record := r.newRecord(ctx, invocationID, ab, invocation.ModeExecute, req)

	exec, failResult := r.prepare(ctx, ab, record, req, started)
	if failResult != nil {
		return failResult
	}

	r.savePhase(ctx, record, invocation.PhasePolicyEvaluating)

	pc, failResult := r.evaluatePolicies(ctx, ab, record, exec)
	if failResult != nil {
		return failResult
	}
	exec.Policies = pc

	if !pc.Allow {
		r.finishRecord(ctx, record, invocation.PhaseDenied, pc, nil, nil)
		metrics.ObservePolicyDenial(ab.PackageName(), deniedPolicyName(pc))
		denied := xerrors.New(xerrors.CodePolicyDenied, deniedReason(pc))
		return failure(invocationID, denied, pc)
	}

	record.Phase = invocation.PhaseApproved
	r.savePhase(ctx, record, invocation.PhaseChainSubmitting)

	effect, err := ab.Execute(ctx, exec)
	if err != nil {
		phase := invocation.PhaseFailed
		if xerrors.CodeOf(err) == xerrors.CodeConfirmationFailure {
			// 交易已提交但未确认，可能仍会落块，需要人工核对。
			phase = invocation.PhaseReverted
		}
		r.finishRecord(ctx, record, phase, pc, nil, err)
		r.alert(ctx, alerting.Event{
			Code:         xerrors.CodeOf(err),
			Message:      err.Error(),
			Severity:     xerrors.SeverityOf(err),
			InvocationID: invocationID,
			Ability:      ab.PackageName(),
			OccurredAt:   time.Now(),
		})
		return failure(invocationID, err, pc)
	}

	record.Phase = invocation.PhaseConfirmed
	r.savePhase(ctx, record, invocation.PhaseCommitting)

	outcomes := pc.CommitAllowed(ctx, ab.PackageName())
	r.handleCommitFailures(ctx, ab, exec, outcomes)
	mergeCommitResults(effect, outcomes)

	record.CommitsJSON = marshalJSON(outcomes)
	r.finishRecord(ctx, record, invocation.PhaseDone, pc, effect, nil)

	return &Result{
		InvocationID: invocationID,
		Success:      true,
		Result:       effect,
		Context: &ResultContext{
			PoliciesContext: pc,
			CommitOutcomes:  outcomes,
		},
	}
}

// prepare 完成入参校验与授权解析，构造执行上下文。失败时返回
// 已填好的失败信封。入参校验不通过时不会发生任何链交互。
func (r *Runtime) prepare(ctx context.Context, ab Ability, record *invocation.Record, req Request, started time.Time) (*ExecutionContext, *Result) {
	r.savePhase(ctx, record, invocation.PhaseValidating)

	if !ValidAddress(req.Delegatee) {
		err := xerrors.New(xerrors.CodeSchemaValidation, "delegatee 不是合法的以太坊地址")
		r.finishRecord(ctx, record, invocation.PhaseFailed, nil, nil, err)
		return nil, failure(record.ID, err, nil)
	}
	if !ValidAddress(req.Delegator) {
		err := xerrors.New(xerrors.CodeSchemaValidation, "delegatorPkpEthAddress 不是合法的以太坊地址")
		r.finishRecord(ctx, record, invocation.PhaseFailed, nil, nil, err)
		return nil, failure(record.ID, err, nil)
	}
	if err := ab.Schema().Validate(req.Params); err != nil {
		r.finishRecord(ctx, record, invocation.PhaseFailed, nil, nil, err)
		return nil, failure(record.ID, err, nil)
	}

	deleg, err := r.resolver.Resolve(ctx, common.HexToAddress(req.Delegatee), common.HexToAddress(req.Delegator), ab.CID())
	if err != nil {
		r.finishRecord(ctx, record, invocation.PhaseFailed, nil, nil, err)
		return nil, failure(record.ID, err, nil)
	}

	return &ExecutionContext{
		InvocationID: record.ID,
		Params:       req.Params,
		Delegation:   deleg,
		Chain:        r.chain,
		Signer:       r.signer,
		StartedAt:    started,
	}, nil
}

// evaluatePolicies 按许可声明顺序评估全部策略。
func (r *Runtime) evaluatePolicies(ctx context.Context, ab Ability, record *invocation.Record, exec *ExecutionContext) (*policy.PoliciesContext, *Result) {
	action := policy.Action{
		InvocationID: exec.InvocationID,
		AbilityCID:   ab.CID(),
		Delegatee:    exec.Delegation.DelegateeAddress,
		Delegator:    exec.Delegation.DelegatorAddress,
		Params:       exec.Params,
		Timestamp:    time.Now(),
	}

	if estimator, ok := ab.(SpendEstimator); ok {
		spend, err := estimator.EstimateSpendUsdCents(ctx, exec)
		if err != nil {
			r.finishRecord(ctx, record, invocation.PhaseFailed, nil, nil, err)
			return nil, failure(exec.InvocationID, err, nil)
		}
		action.SpendUsdCents = spend
	}

	pc, err := r.engine.Evaluate(ctx, exec.Delegation.Policies, action)
	if err != nil {
		r.finishRecord(ctx, record, invocation.PhaseFailed, nil, nil, err)
		return nil, failure(exec.InvocationID, err, nil)
	}
	return pc, nil
}

// handleCommitFailures 把提交失败投递到对账队列并触发告警。
func (r *Runtime) handleCommitFailures(ctx context.Context, ab Ability, exec *ExecutionContext, outcomes []policy.CommitOutcome) {
	for _, outcome := range outcomes {
		if outcome.Err == "" {
			continue
		}
		metrics.ObserveCommitFailure(ab.PackageName(), outcome.PackageName)

		if r.reconcile != nil {
			msg := invocation.ReconcileMessage{
				InvocationID: exec.InvocationID,
				Ability:      ab.PackageName(),
				PolicyCID:    outcome.CID,
				PackageName:  outcome.PackageName,
				Delegator:    exec.Delegation.DelegatorAddress.Hex(),
				Error:        outcome.Err,
				OccurredAt:   time.Now().Unix(),
			}
			if err := r.reconcile.Publish(ctx, msg); err != nil {
				logger.Audit().Error("对账消息投递失败",
					"invocation_id", exec.InvocationID,
					"policy", outcome.PackageName,
					"error", err.Error(),
				)
			}
		}

		r.alert(ctx, alerting.Event{
			Code:         xerrors.CodeCommitFailure,
			Message:      outcome.Err,
			Severity:     xerrors.SeverityCritical,
			InvocationID: exec.InvocationID,
			Ability:      ab.PackageName(),
			Policy:       outcome.PackageName,
			OccurredAt:   time.Now(),
		})
	}
}

func (r *Runtime) alert(ctx context.Context, event alerting.Event) {
	if r.alerts == nil {
		return
	}
	if err := r.alerts.Notify(ctx, event); err != nil {
		logger.L().Warn("告警发送失败", "code", string(event.Code), "error", err.Error())
	}
}

func (r *Runtime) observe(abilityName string, mode invocation.Mode, res *Result, started time.Time) {
	outcome := "success"
	if res == nil {
		outcome = "unknown"
	} else if !res.Success {
		switch res.ErrorCode {
		case string(xerrors.CodeSchemaValidation):
			outcome = "schema_rejected"
		case string(xerrors.CodePermissionDenied):
			outcome = "not_permitted"
		case string(xerrors.CodePolicyDenied):
			outcome = "policy_denied"
		default:
			outcome = "failed"
		}
	}
	metrics.ObserveInvocation(abilityName, string(mode), outcome, time.Since(started))
}

func (r *Runtime) runtimePanic(invocationID, abilityName string, recovered any) *Result {
	logger.L().Error("能力调用发生 panic",
		"invocation_id", invocationID,
		"ability", abilityName,
		"panic", fmt.Sprint(recovered),
	)
	res := failure(invocationID, xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("运行时异常: %v", recovered)), nil)
	res.RuntimeError = true
	return res
}

// newRecord 创建审计记录。存储失败只记日志，不影响调用本身。
func (r *Runtime) newRecord(ctx context.Context, id string, ab Ability, mode invocation.Mode, req Request) *invocation.Record {
	record := &invocation.Record{
		ID:         id,
		Ability:    ab.PackageName(),
		AbilityCID: ab.CID(),
		Mode:       mode,
		Delegatee:  req.Delegatee,
		Delegator:  req.Delegator,
		Phase:      invocation.PhaseCreated,
	}
	if r.store != nil {
		if err := r.store.Create(ctx, record); err != nil {
			logger.L().Warn("调用记录写入失败", "invocation_id", id, "error", err.Error())
		}
	}
	return record
}

func (r *Runtime) savePhase(ctx context.Context, record *invocation.Record, phase invocation.Phase) {
	record.Phase = phase
	if r.store == nil {
		return
	}
	if err := r.store.Update(ctx, record); err != nil {
		logger.L().Warn("调用记录更新失败", "invocation_id", record.ID, "error", err.Error())
	}
}

func (r *Runtime) finishRecord(ctx context.Context, record *invocation.Record, phase invocation.Phase, pc *policy.PoliciesContext, result map[string]any, failureErr error) {
	record.Phase = phase
	if pc != nil {
		record.Allow = pc.Allow
		record.PoliciesJSON = marshalJSON(pc)
	}
	if result != nil {
		record.ResultJSON = marshalJSON(result)
	}
	if failureErr != nil {
		record.ErrorCode = string(xerrors.CodeOf(failureErr))
		record.LastError = failureErr.Error()
	}
	if r.store == nil {
		return
	}
	if err := r.store.Update(ctx, record); err != nil {
		logger.L().Warn("调用记录更新失败", "invocation_id", record.ID, "error", err.Error())
	}
}

// failure 构造失败信封。policiesContext 即使尚未评估也保持在场。
func failure(invocationID string, err error, pc *policy.PoliciesContext) *Result {
	if pc == nil {
		pc = &policy.PoliciesContext{
			Allow:             false,
			EvaluatedPolicies: []string{},
			AllowedPolicies:   map[string]*policy.Evaluation{},
		}
	}
	return &Result{
		InvocationID: invocationID,
		Success:      false,
		Error:        err.Error(),
		ErrorCode:    string(xerrors.CodeOf(err)),
		Context:      &ResultContext{PoliciesContext: pc},
	}
}

// mergeCommitResults 把策略提交产出的事实合入执行结果，
// 例如限额策略的 spendTxHash。已有键不覆盖。
func mergeCommitResults(effect map[string]any, outcomes []policy.CommitOutcome) {
	if effect == nil {
		return
	}
	for _, outcome := range outcomes {
		for key, value := range outcome.Result {
			if _, exists := effect[key]; !exists && key != "windowStart" {
				effect[key] = value
			}
		}
	}
}

func deniedPolicyName(pc *policy.PoliciesContext) string {
	if pc == nil || pc.DeniedPolicy == nil {
		return ""
	}
	return pc.DeniedPolicy.PackageName
}

func deniedReason(pc *policy.PoliciesContext) string {
	if pc == nil || pc.DeniedPolicy == nil || pc.DeniedPolicy.Denial == nil {
		return "策略拒绝执行"
	}
	return strings.TrimSpace(pc.DeniedPolicy.PackageName + ": " + pc.DeniedPolicy.Denial.Reason)
}

func marshalJSON(value any) string {
	payload, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(payload)
}
