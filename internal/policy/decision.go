package policy

// Decision 是一次策略评估的结果。允许与拒绝是互斥的两种形态，
// 拒绝时 Denial 必须携带结构化的原因字段，禁止只给一段文本。
type Decision struct {
	Allow bool `json:"allow"`
	// Result 在允许时携带策略评估得到的事实，提交阶段会原样回传。
	Result map[string]any `json:"result,omitempty"`
	// Denial 在拒绝时携带结构化的拒绝原因。
	Denial *Denial `json:"denial,omitempty"`
}

// Denial 是策略拒绝的结构化描述。Detail 中的字段因策略而异，
// 例如限次策略给出 currentCount/maxSends/secondsUntilReset。
type Denial struct {
	Reason string         `json:"reason"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Allowed 构造允许结果。
func Allowed(result map[string]any) Decision {
	return Decision{Allow: true, Result: result}
}

// Denied 构造拒绝结果。
func Denied(reason string, detail map[string]any) Decision {
	return Decision{Allow: false, Denial: &Denial{Reason: reason, Detail: detail}}
}
