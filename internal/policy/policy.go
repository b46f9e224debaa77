// Package policy decides what happens to a task after each provider call:
// accept the result, escalate to another provider, or fail the task.
package policy

import (
	"fmt"
	"slices"

	"github.com/sells-group/ai-orchestrator/internal/model"
)

// Action is the outcome of a policy decision.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionEscalate Action = "escalate"
	ActionFail     Action = "fail"
)

// Decision is what the policy wants done with a task. Target and Reason are
// only set for ActionEscalate; Rule names the configured rule that chose the
// target, if any.
type Decision struct {
	Action Action
	Target *model.Provider
	Reason model.EscalationReason
	Rule   string
	Detail string
}

// Policy is an immutable, deterministic escalation policy.
type Policy struct {
	threshold float64
	max       int
	rules     []Rule
}

// New validates cfg and returns a Policy. Values are taken as given: a zero
// threshold accepts any success and a zero cap disables automatic escalation.
func New(cfg Config) (*Policy, error) {
	if cfg.AcceptThreshold < 0 || cfg.AcceptThreshold > 100 {
		return nil, model.Invalidf("policy: accept threshold must be between 0 and 100, got %v", cfg.AcceptThreshold)
	}
	if cfg.MaxEscalations < 0 {
		return nil, model.Invalidf("policy: max escalations must be >= 0, got %d", cfg.MaxEscalations)
	}
	if err := validateRules(cfg.Rules); err != nil {
		return nil, err
	}
	rules := slices.Clone(cfg.Rules)
	sortRules(rules)
	return &Policy{threshold: cfg.AcceptThreshold, max: cfg.MaxEscalations, rules: rules}, nil
}

// Threshold returns the acceptance threshold.
func (p *Policy) Threshold() float64 { return p.threshold }

// MaxEscalations returns the automatic escalation cap.
func (p *Policy) MaxEscalations() int { return p.max }

// Rules returns the configured rules in evaluation order.
func (p *Policy) Rules() []Rule { return slices.Clone(p.rules) }

// Decide evaluates the latest outcome of task against the provider chain.
// tried lists the providers already attempted for this task; they are never
// chosen again. The decision depends only on its arguments.
func (p *Policy) Decide(task *model.TaskExecution, out model.Outcome, chain []model.Provider, tried []string) Decision {
	if out.Succeeded() && out.Result.Confidence >= p.threshold {
		return Decision{Action: ActionAccept}
	}

	var trigger model.EscalationReason
	var detail string
	if out.Succeeded() {
		trigger = model.ReasonLowConfidence
		detail = fmt.Sprintf("confidence %.1f below threshold %.1f", out.Result.Confidence, p.threshold)
	} else {
		trigger = model.ReasonProviderError
		detail = out.Failure.Error()
		if out.Failure.Kind == model.FailureCancelled {
			return Decision{Action: ActionFail, Detail: detail}
		}
	}

	if task.EscalationCount >= p.max {
		return p.settle(out, fmt.Sprintf("%s; escalation limit %d reached", detail, p.max))
	}

	ordered := slices.Clone(chain)
	model.SortProviders(ordered)

	current := out.Provider
	if current == "" {
		current = task.CurrentProvider
	}
	eligible := func(c model.Provider) bool {
		return c.Active() &&
			c.Name != current &&
			!slices.Contains(tried, c.Name) &&
			c.Accepts(task.TaskType, task.Complexity)
	}

	for _, r := range p.rules {
		if !r.applies(trigger, current) {
			continue
		}
		i := slices.IndexFunc(ordered, func(c model.Provider) bool { return c.Name == r.To })
		if i < 0 || !eligible(ordered[i]) {
			continue
		}
		target := ordered[i]
		return Decision{Action: ActionEscalate, Target: &target, Reason: trigger, Rule: r.Name, Detail: detail}
	}

	start := 0
	if i := slices.IndexFunc(ordered, func(c model.Provider) bool { return c.Name == current }); i >= 0 {
		start = i + 1
	}
	for _, c := range ordered[start:] {
		if eligible(c) {
			target := c
			return Decision{Action: ActionEscalate, Target: &target, Reason: trigger, Detail: detail}
		}
	}

	return p.settle(out, detail+"; no further provider can serve this task")
}

// settle ends the loop: a success is accepted as the best available answer
// and a failure fails the task.
func (p *Policy) settle(out model.Outcome, detail string) Decision {
	if out.Succeeded() {
		return Decision{Action: ActionAccept, Detail: detail}
	}
	return Decision{Action: ActionFail, Detail: detail}
}
