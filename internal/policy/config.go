package policy

import (
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ai-orchestrator/internal/config"
	"github.com/sells-group/ai-orchestrator/internal/model"
)

// Defaults matching the policy section's configured defaults.
const (
	DefaultAcceptThreshold = 70.0
	DefaultMaxEscalations  = 3
)

// Config holds the acceptance threshold, the escalation cap and the named
// escalation rules.
type Config struct {
	AcceptThreshold float64
	MaxEscalations  int
	Rules           []Rule
}

// DefaultConfig returns the default threshold and cap with no rules.
func DefaultConfig() Config {
	return Config{AcceptThreshold: DefaultAcceptThreshold, MaxEscalations: DefaultMaxEscalations}
}

// Rule routes a triggered escalation to a specific provider. From restricts
// the rule to tasks currently on that provider; empty matches any.
type Rule struct {
	Name     string                 `yaml:"name"`
	Trigger  model.EscalationReason `yaml:"trigger"`
	From     string                 `yaml:"from,omitempty"`
	To       string                 `yaml:"to"`
	Priority int                    `yaml:"priority"`
}

func (r Rule) applies(trigger model.EscalationReason, current string) bool {
	return r.Trigger == trigger && (r.From == "" || r.From == current)
}

// LoadRules reads escalation rules from a YAML file with a top-level
// "rules" list.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "policy: read rules %s", path)
	}

	var wrapper struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "policy: parse rules")
	}
	if err := validateRules(wrapper.Rules); err != nil {
		return nil, err
	}
	return wrapper.Rules, nil
}

func validateRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if strings.TrimSpace(r.Name) == "" {
			return eris.Errorf("policy: rule #%d has no name", i+1)
		}
		if seen[r.Name] {
			return eris.Errorf("policy: duplicate rule %s", r.Name)
		}
		seen[r.Name] = true
		// Manual overrides never go through the policy.
		if r.Trigger != model.ReasonProviderError && r.Trigger != model.ReasonLowConfidence {
			return eris.Errorf("policy: rule %s: unsupported trigger %q", r.Name, r.Trigger)
		}
		if r.To == "" {
			return eris.Errorf("policy: rule %s: target provider is required", r.Name)
		}
		if r.To == r.From {
			return eris.Errorf("policy: rule %s: target equals source %s", r.Name, r.From)
		}
	}
	return nil
}

// sortRules orders rules by priority descending, then name.
func sortRules(rules []Rule) {
	slices.SortStableFunc(rules, func(a, b Rule) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return strings.Compare(a.Name, b.Name)
	})
}

// FromConfig builds a Policy from the policy section, loading the rules file
// when one is configured.
func FromConfig(cfg config.PolicyConfig) (*Policy, error) {
	pc := Config{
		AcceptThreshold: cfg.AcceptThreshold,
		MaxEscalations:  cfg.MaxEscalations,
	}
	if cfg.RulesFile != "" {
		rules, err := LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		pc.Rules = rules
	}
	return New(pc)
}
