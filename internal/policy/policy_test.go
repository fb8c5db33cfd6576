package policy

import (
	"context"
	"testing"
	"time"

	xerrors "Vincent/internal/errors"
	"Vincent/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

type fakePolicy struct {
	name    string
	allow   bool
	reason  string
	commits int
	evals   int
	failErr error
}

func (f *fakePolicy) PackageName() string { return f.name }

func (f *fakePolicy) Evaluate(ctx context.Context, grant web3.PolicyGrant, action Action) (Decision, error) {
	f.evals++
	if f.failErr != nil {
		return Decision{}, f.failErr
	}
	if !f.allow {
		return Denied(f.reason, map[string]any{"policy": f.name}), nil
	}
	return Allowed(map[string]any{"policy": f.name}), nil
}

func (f *fakePolicy) Commit(ctx context.Context, grant web3.PolicyGrant, action Action, result map[string]any) (map[string]any, error) {
	f.commits++
	return map[string]any{"committed": f.name}, nil
}

type evalOnlyPolicy struct {
	name string
}

func (p *evalOnlyPolicy) PackageName() string { return p.name }

func (p *evalOnlyPolicy) Evaluate(ctx context.Context, grant web3.PolicyGrant, action Action) (Decision, error) {
	return Allowed(map[string]any{"policy": p.name}), nil
}

func testAction() Action {
	return Action{
		InvocationID: "inv-test",
		AbilityCID:   "QmAbility",
		Delegatee:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Delegator:    common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Timestamp:    time.Now(),
	}
}

func TestEvaluateAllAllowed(t *testing.T) {
	engine := NewEngine()
	first := &fakePolicy{name: "policy-a", allow: true}
	second := &fakePolicy{name: "policy-b", allow: true}
	engine.Register("QmA", first)
	engine.Register("QmB", second)

	grants := []web3.PolicyGrant{{PolicyCID: "QmA"}, {PolicyCID: "QmB"}}
	pc, err := engine.Evaluate(context.Background(), grants, testAction())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !pc.Allow {
		t.Fatal("expected allow=true")
	}
	if len(pc.EvaluatedPolicies) != 2 {
		t.Fatalf("expected 2 evaluated policies, got %d", len(pc.EvaluatedPolicies))
	}
	if len(pc.AllowedPolicies) != 2 {
		t.Fatalf("expected 2 allowed policies, got %d", len(pc.AllowedPolicies))
	}
	if !pc.AllowedPolicies["QmA"].Committable() {
		t.Fatal("expected QmA to carry a commit callback")
	}
}

func TestEvaluateFirstDenialShortCircuits(t *testing.T) {
	engine := NewEngine()
	first := &fakePolicy{name: "policy-a", allow: false, reason: "超出配额"}
	second := &fakePolicy{name: "policy-b", allow: true}
	engine.Register("QmA", first)
	engine.Register("QmB", second)

	grants := []web3.PolicyGrant{{PolicyCID: "QmA"}, {PolicyCID: "QmB"}}
	pc, err := engine.Evaluate(context.Background(), grants, testAction())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if pc.Allow {
		t.Fatal("expected allow=false")
	}
	if second.evals != 0 {
		t.Fatalf("后续策略不应被评估，实际评估 %d 次", second.evals)
	}
	if len(pc.EvaluatedPolicies) != 1 || pc.EvaluatedPolicies[0] != "QmA" {
		t.Fatalf("unexpected evaluated list: %v", pc.EvaluatedPolicies)
	}
	if pc.DeniedPolicy == nil || pc.DeniedPolicy.CID != "QmA" {
		t.Fatalf("unexpected denied policy: %+v", pc.DeniedPolicy)
	}
	if pc.DeniedPolicy.Denial.Reason != "超出配额" {
		t.Fatalf("unexpected denial reason: %s", pc.DeniedPolicy.Denial.Reason)
	}
}

func TestEvaluateUnregisteredPolicyFails(t *testing.T) {
	engine := NewEngine()
	grants := []web3.PolicyGrant{{PolicyCID: "QmUnknown"}}

	_, err := engine.Evaluate(context.Background(), grants, testAction())
	if err == nil {
		t.Fatal("expected error for unregistered policy")
	}
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
}

func TestEvaluatePanicBecomesFailure(t *testing.T) {
	engine := NewEngine()
	engine.Register("QmPanic", panicPolicy{})

	grants := []web3.PolicyGrant{{PolicyCID: "QmPanic"}}
	_, err := engine.Evaluate(context.Background(), grants, testAction())
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}
}

type panicPolicy struct{}

func (panicPolicy) PackageName() string { return "panic-policy" }
func (panicPolicy) Evaluate(context.Context, web3.PolicyGrant, Action) (Decision, error) {
	panic("boom")
}

func TestCommitAllowedRunsInOrder(t *testing.T) {
	engine := NewEngine()
	first := &fakePolicy{name: "policy-a", allow: true}
	second := &fakePolicy{name: "policy-b", allow: true}
	engine.Register("QmA", first)
	engine.Register("QmB", second)

	grants := []web3.PolicyGrant{{PolicyCID: "QmA"}, {PolicyCID: "QmB"}}
	pc, err := engine.Evaluate(context.Background(), grants, testAction())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	outcomes := pc.CommitAllowed(context.Background(), "test-ability")
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].CID != "QmA" || outcomes[1].CID != "QmB" {
		t.Fatalf("commits out of order: %+v", outcomes)
	}
	if first.commits != 1 || second.commits != 1 {
		t.Fatalf("expected one commit each, got %d/%d", first.commits, second.commits)
	}
}

func TestCommitAllowedAtMostOnce(t *testing.T) {
	engine := NewEngine()
	policy := &fakePolicy{name: "policy-a", allow: true}
	engine.Register("QmA", policy)

	grants := []web3.PolicyGrant{{PolicyCID: "QmA"}}
	pc, err := engine.Evaluate(context.Background(), grants, testAction())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	firstPass := pc.CommitAllowed(context.Background(), "test-ability")
	if firstPass[0].Err != "" {
		t.Fatalf("first commit failed: %s", firstPass[0].Err)
	}

	secondPass := pc.CommitAllowed(context.Background(), "test-ability")
	if secondPass[0].Err == "" {
		t.Fatal("重复提交应当失败")
	}
	if policy.commits != 1 {
		t.Fatalf("提交应当至多执行一次，实际 %d 次", policy.commits)
	}
}

func TestCommitAllowedSkipsEvalOnlyPolicies(t *testing.T) {
	engine := NewEngine()
	engine.Register("QmA", &evalOnlyPolicy{name: "eval-only"})

	grants := []web3.PolicyGrant{{PolicyCID: "QmA"}}
	pc, err := engine.Evaluate(context.Background(), grants, testAction())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	outcomes := pc.CommitAllowed(context.Background(), "test-ability")
	if len(outcomes) != 1 || !outcomes[0].Skipped {
		t.Fatalf("expected skipped outcome, got %+v", outcomes)
	}
}

func TestCommitAllowedDeniedContextIsNoop(t *testing.T) {
	pc := &PoliciesContext{Allow: false}
	if outcomes := pc.CommitAllowed(context.Background(), "test-ability"); outcomes != nil {
		t.Fatalf("denied context should not commit, got %+v", outcomes)
	}
}
