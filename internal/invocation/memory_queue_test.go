package invocation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryQueueDeliversMessages(t *testing.T) {
	queue := NewMemoryQueue(16)
	defer queue.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var received atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Consume(ctx, 4, func(ctx context.Context, msg ReconcileMessage) error {
			if received.Add(1) == 10 {
				cancel()
			}
			return nil
		})
	}()

	for i := 0; i < 10; i++ {
		msg := ReconcileMessage{
			InvocationID: "inv-1",
			Ability:      "erc20-transfer",
			PolicyCID:    "QmPolicy",
			Error:        "boom",
			OccurredAt:   time.Now().Unix(),
		}
		if err := queue.Publish(ctx, msg); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("消费超时")
	}
	if received.Load() != 10 {
		t.Fatalf("expected 10 messages, got %d", received.Load())
	}
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Publish(context.Background(), ReconcileMessage{InvocationID: "inv-1"}); err == nil {
		t.Fatal("关闭后投递应当失败")
	}
}

func TestReconcileMessageRoundTrip(t *testing.T) {
	msg := ReconcileMessage{
		InvocationID: "inv-1",
		Ability:      "uniswap-swap",
		PolicyCID:    "QmPolicy",
		PackageName:  "vincent-policy-spending-limit",
		Delegator:    "0x2222222222222222222222222222222222222222",
		Error:        "链上花费记录失败",
		OccurredAt:   1700000000,
	}

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeReconcileMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != msg {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestDecodeReconcileMessageRejectsGarbage(t *testing.T) {
	if _, err := DecodeReconcileMessage("not json"); err == nil {
		t.Fatal("expected decode error")
	}
}
