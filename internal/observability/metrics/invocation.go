package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type invocationKey struct {
	ability string
	mode    string
	outcome string
}

type denialKey struct {
	ability string
	policy  string
}

type invocationCollector struct {
	mu          sync.Mutex
	invocations map[invocationKey]uint64
	denials     map[denialKey]uint64
	commitFails map[denialKey]uint64
	latency     map[invocationKey]*histogram
}

var abilityCollector = &invocationCollector{
	invocations: make(map[invocationKey]uint64),
	denials:     make(map[denialKey]uint64),
	commitFails: make(map[denialKey]uint64),
	latency:     make(map[invocationKey]*histogram),
}

// ObserveInvocation records the outcome and duration of one ability invocation.
func ObserveInvocation(ability, mode, outcome string, duration time.Duration) {
	abilityCollector.observe(ability, mode, outcome, duration)
}

// ObservePolicyDenial records a policy denial for an ability.
func ObservePolicyDenial(ability, policy string) {
	abilityCollector.mu.Lock()
	abilityCollector.denials[denialKey{ability: ability, policy: policy}]++
	abilityCollector.mu.Unlock()
}

// ObserveCommitFailure records a failed policy commit after a confirmed chain effect.
func ObserveCommitFailure(ability, policy string) {
	abilityCollector.mu.Lock()
	abilityCollector.commitFails[denialKey{ability: ability, policy: policy}]++
	abilityCollector.mu.Unlock()
}

func (c *invocationCollector) observe(ability, mode, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := invocationKey{ability: ability, mode: mode, outcome: outcome}
	c.invocations[key]++

	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram()
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *invocationCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type invocationMetric struct {
		invocationKey
		value uint64
	}
	type denialMetric struct {
		denialKey
		value uint64
	}

	invs := make([]invocationMetric, 0, len(c.invocations))
	for key, value := range c.invocations {
		invs = append(invs, invocationMetric{invocationKey: key, value: value})
	}
	dens := make([]denialMetric, 0, len(c.denials))
	for key, value := range c.denials {
		dens = append(dens, denialMetric{denialKey: key, value: value})
	}
	fails := make([]denialMetric, 0, len(c.commitFails))
	for key, value := range c.commitFails {
		fails = append(fails, denialMetric{denialKey: key, value: value})
	}

	sort.Slice(invs, func(i, j int) bool {
		if invs[i].ability == invs[j].ability {
			if invs[i].mode == invs[j].mode {
				return invs[i].outcome < invs[j].outcome
			}
			return invs[i].mode < invs[j].mode
		}
		return invs[i].ability < invs[j].ability
	})
	sortDenials := func(metrics []denialMetric) {
		sort.Slice(metrics, func(i, j int) bool {
			if metrics[i].ability == metrics[j].ability {
				return metrics[i].policy < metrics[j].policy
			}
			return metrics[i].ability < metrics[j].ability
		})
	}
	sortDenials(dens)
	sortDenials(fails)

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP vincent_ability_invocations_total Total number of ability invocations processed.\n")
	builder.WriteString("# TYPE vincent_ability_invocations_total counter\n")
	for _, metric := range invs {
		builder.WriteString(fmt.Sprintf("vincent_ability_invocations_total{ability=\"%s\",mode=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.ability), escape(metric.mode), escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP vincent_policy_denials_total Total number of policy denials.\n")
	builder.WriteString("# TYPE vincent_policy_denials_total counter\n")
	for _, metric := range dens {
		builder.WriteString(fmt.Sprintf("vincent_policy_denials_total{ability=\"%s\",policy=\"%s\"} %d\n",
			escape(metric.ability), escape(metric.policy), metric.value))
	}

	builder.WriteString("# HELP vincent_policy_commit_failures_total Total number of failed policy commits after a confirmed chain effect.\n")
	builder.WriteString("# TYPE vincent_policy_commit_failures_total counter\n")
	for _, metric := range fails {
		builder.WriteString(fmt.Sprintf("vincent_policy_commit_failures_total{ability=\"%s\",policy=\"%s\"} %d\n",
			escape(metric.ability), escape(metric.policy), metric.value))
	}

	return builder.String()
}
