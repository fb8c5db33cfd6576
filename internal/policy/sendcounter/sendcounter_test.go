package sendcounter

import (
	"context"
	"testing"
	"time"

	"Vincent/internal/policy"
	"Vincent/internal/policy/counter"
	"Vincent/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

var testDelegator = common.HexToAddress("0x2222222222222222222222222222222222222222")

func testGrant(params map[string]string) web3.PolicyGrant {
	return web3.PolicyGrant{PolicyCID: CID, Parameters: params}
}

func actionAt(ts time.Time) policy.Action {
	return policy.Action{
		InvocationID: "inv-test",
		Delegator:    testDelegator,
		Timestamp:    ts,
	}
}

func commitOnce(t *testing.T, p *Policy, grant web3.PolicyGrant, action policy.Action) {
	t.Helper()
	decision, err := p.Evaluate(context.Background(), grant, action)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.Allow {
		t.Fatalf("expected allow, denied with %+v", decision.Denial)
	}
	if _, err := p.Commit(context.Background(), grant, action, decision.Result); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestQuotaExhaustedWithinWindow(t *testing.T) {
	p := New(counter.NewMemoryStore())
	grant := testGrant(map[string]string{"maxSends": "2", "timeWindowSeconds": "60"})
	now := time.Unix(1700000000, 0)

	commitOnce(t, p, grant, actionAt(now))
	commitOnce(t, p, grant, actionAt(now.Add(5*time.Second)))

	decision, err := p.Evaluate(context.Background(), grant, actionAt(now.Add(10*time.Second)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Allow {
		t.Fatal("第三次发送应当被拒绝")
	}
	if decision.Denial.Detail["currentCount"].(int64) != 2 {
		t.Fatalf("unexpected currentCount: %v", decision.Denial.Detail["currentCount"])
	}
	if decision.Denial.Detail["maxSends"].(int64) != 2 {
		t.Fatalf("unexpected maxSends: %v", decision.Denial.Detail["maxSends"])
	}
	reset := decision.Denial.Detail["secondsUntilReset"].(int64)
	if reset <= 0 || reset > 60 {
		t.Fatalf("unexpected secondsUntilReset: %d", reset)
	}
}

func TestCounterResetsOnWindowBoundary(t *testing.T) {
	p := New(counter.NewMemoryStore())
	grant := testGrant(map[string]string{"maxSends": "1", "timeWindowSeconds": "60"})

	// 1700000050 落在窗口 [1700000040, 1700000100)，窗口按纪元对齐。
	now := time.Unix(1700000050, 0)
	commitOnce(t, p, grant, actionAt(now))

	denied, err := p.Evaluate(context.Background(), grant, actionAt(now.Add(5*time.Second)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if denied.Allow {
		t.Fatal("同窗口内第二次发送应当被拒绝")
	}

	nextWindow, err := p.Evaluate(context.Background(), grant, actionAt(time.Unix(1700000100, 0)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !nextWindow.Allow {
		t.Fatal("新窗口应当从零计数")
	}
}

func TestCommitUsesEvaluationWindow(t *testing.T) {
	store := counter.NewMemoryStore()
	p := New(store)
	grant := testGrant(map[string]string{"maxSends": "2", "timeWindowSeconds": "60"})

	evalTime := time.Unix(1700000050, 0)
	decision, err := p.Evaluate(context.Background(), grant, actionAt(evalTime))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	// 链上确认可能跨越窗口边界，提交仍应落在评估时的窗口。
	result, err := p.Commit(context.Background(), grant, actionAt(evalTime.Add(30*time.Second)), decision.Result)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if result["windowStart"].(int64) != 1700000040 {
		t.Fatalf("unexpected windowStart: %v", result["windowStart"])
	}

	key := counter.Key(CID, testDelegator)
	count, err := store.Count(context.Background(), key, 1700000040)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count.Int64() != 1 {
		t.Fatalf("expected count 1 in evaluation window, got %s", count)
	}
}

func TestDefaultsApplyWhenParamsMissing(t *testing.T) {
	p := New(counter.NewMemoryStore())
	grant := testGrant(nil)
	now := time.Unix(1700000000, 0)

	commitOnce(t, p, grant, actionAt(now))
	commitOnce(t, p, grant, actionAt(now.Add(time.Second)))

	decision, err := p.Evaluate(context.Background(), grant, actionAt(now.Add(2*time.Second)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Allow {
		t.Fatal("默认配额为 2，第三次应当被拒绝")
	}
}

func TestInvalidParamsRejected(t *testing.T) {
	p := New(counter.NewMemoryStore())
	cases := map[string]string{
		"maxSends":          "0",
		"timeWindowSeconds": "-5",
	}
	for param, value := range cases {
		grant := testGrant(map[string]string{param: value})
		if _, err := p.Evaluate(context.Background(), grant, actionAt(time.Now())); err == nil {
			t.Fatalf("expected error for %s=%s", param, value)
		}
	}
}
