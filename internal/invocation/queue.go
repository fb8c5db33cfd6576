package invocation

import (
	"context"
	"encoding/json"
	"strings"

	"Vincent/internal/config"
	xerrors "Vincent/internal/errors"
)

// ReconcileMessage 描述一次需要人工或后台对账的策略提交失败。
// 链上效果已经确认，计数器却没有跟上，两边的差值要靠这条消息
// 找回来。
type ReconcileMessage struct {
	InvocationID string `json:"invocation_id"`
	Ability      string `json:"ability"`
	PolicyCID    string `json:"policy_cid"`
	PackageName  string `json:"package_name"`
	Delegator    string `json:"delegator"`
	Error        string `json:"error"`
	OccurredAt   int64  `json:"occurred_at"`
}

// Encode 把消息编码为队列载荷。
func (m ReconcileMessage) Encode() (string, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return "", xerrors.Wrap(CodeReconcilePublish, err, "编码对账消息失败")
	}
	return string(payload), nil
}

// DecodeReconcileMessage 解析队列载荷。
func DecodeReconcileMessage(payload string) (ReconcileMessage, error) {
	var msg ReconcileMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return ReconcileMessage{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析对账消息失败")
	}
	return msg, nil
}

// Handler 处理一条对账消息。返回错误时消息不会被丢弃。
type Handler func(ctx context.Context, msg ReconcileMessage) error

// Producer 负责向对账队列投递消息。
type Producer interface {
	Publish(ctx context.Context, msg ReconcileMessage) error
	Close() error
}

// Consumer 负责从对账队列消费消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// QueueFromConfig 根据配置构造对账队列。
func QueueFromConfig(cfg config.ReconcileConfig) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryQueue(0), nil
	case "redis":
		return NewRedisQueue(cfg.Redis)
	case "rabbitmq":
		return NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的对账队列驱动: "+cfg.Driver)
	}
}
