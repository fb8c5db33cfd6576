package invocation

import (
	xerrors "Vincent/internal/errors"
)

// Mode 区分一次调用处于预检还是执行通道。
type Mode string

const (
	ModePrecheck Mode = "precheck"
	ModeExecute  Mode = "execute"
)

// Phase 表示调用在生命周期中的阶段。预检通道止于 passed/failed，
// 执行通道经策略评估、链上提交、确认与策略提交后到达 done。
type Phase string

const (
	PhaseCreated          Phase = "created"
	PhaseValidating       Phase = "validating"
	PhasePrechecking      Phase = "prechecking"
	PhasePassed           Phase = "passed"
	PhaseExecuting        Phase = "executing"
	PhasePolicyEvaluating Phase = "policy_evaluating"
	PhaseDenied           Phase = "denied"
	PhaseApproved         Phase = "approved"
	PhaseChainSubmitting  Phase = "chain_submitting"
	PhaseConfirmed        Phase = "confirmed"
	PhaseCommitting       Phase = "committing"
	PhaseDone             Phase = "done"
	PhaseReverted         Phase = "reverted"
	PhaseFailed           Phase = "failed"
)

// Record 是一次能力调用的审计留底。策略上下文与提交结局以
// JSON 文本冗余存储，避免因策略结构演进而迁移表结构。
type Record struct {
	ID           string `json:"id"`
	Ability      string `json:"ability"`
	AbilityCID   string `json:"ability_cid"`
	Mode         Mode   `json:"mode"`
	Delegatee    string `json:"delegatee"`
	Delegator    string `json:"delegator"`
	Phase        Phase  `json:"phase"`
	Allow        bool   `json:"allow"`
	ErrorCode    string `json:"error_code,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	ResultJSON   string `json:"result_json,omitempty"`
	PoliciesJSON string `json:"policies_json,omitempty"`
	CommitsJSON  string `json:"commits_json,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

var (
	// ErrNotFound 表示指定的调用记录不存在。
	ErrNotFound = xerrors.New(CodeInvocationNotFound, "invocation not found")
	// ErrConflict 表示调用 ID 已存在。
	ErrConflict = xerrors.New(CodeInvocationConflict, "invocation conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeInvocationNotFound xerrors.Code = "INVOCATION_NOT_FOUND"
	CodeInvocationConflict xerrors.Code = "INVOCATION_CONFLICT"
	CodeReconcilePublish   xerrors.Code = "RECONCILE_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeInvocationNotFound, xerrors.Attributes{
		Message:   "invocation not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvocationConflict, xerrors.Attributes{
		Message:   "invocation conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeReconcilePublish, xerrors.Attributes{
		Message:   "failed to publish reconcile message",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidPhase 检查给定的阶段是否为支持的枚举值。
func IsValidPhase(phase Phase) bool {
	switch phase {
	case PhaseCreated, PhaseValidating, PhasePrechecking, PhasePassed,
		PhaseExecuting, PhasePolicyEvaluating, PhaseDenied, PhaseApproved,
		PhaseChainSubmitting, PhaseConfirmed, PhaseCommitting, PhaseDone,
		PhaseReverted, PhaseFailed:
		return true
	default:
		return false
	}
}
