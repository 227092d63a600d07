package monitoring

import (
	"time"

	"github.com/knowflow-io/knowflow/config"
	"github.com/knowflow-io/knowflow/types"
)

// Severity grades how urgent a fired alert is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Operator is one comparison of the closed rule grammar.
type Operator string

const (
	OpGT Operator = "gt"
	OpGE Operator = "ge"
	OpLT Operator = "lt"
	OpLE Operator = "le"
	OpEQ Operator = "eq"
	OpNE Operator = "ne"
)

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	switch o {
	case OpGT, OpGE, OpLT, OpLE, OpEQ, OpNE:
		return true
	}
	return false
}

// Compare applies the operator to a sample and a threshold. Unknown
// operators never match; they are rejected at parse time anyway.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGT:
		return value > threshold
	case OpGE:
		return value >= threshold
	case OpLT:
		return value < threshold
	case OpLE:
		return value <= threshold
	case OpEQ:
		return value == threshold
	case OpNE:
		return value != threshold
	}
	return false
}

// Rule is one validated comparison rule: fire when
// `metric <operator> threshold` holds for an observed sample.
type Rule struct {
	Name        string
	Metric      string
	Operator    Operator
	Threshold   float64
	Severity    Severity
	Cooldown    time.Duration
	Labels      map[string]string
	Description string
}

// ParseRules converts raw rule configs into validated rules. Any rule
// with an empty name or metric, an unknown operator or severity, or a
// name already taken fails the whole parse; broken alerting should be
// caught at startup, not discovered during an incident.
func ParseRules(cfg config.MonitoringConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfg.Rules))
	seen := make(map[string]bool, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		rule, err := parseRule(rc, cfg.DefaultCooldown)
		if err != nil {
			return nil, err
		}
		if seen[rule.Name] {
			return nil, types.NewValidationError("duplicate alert rule %q", rule.Name)
		}
		seen[rule.Name] = true
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseRule(rc config.AlertRuleConfig, defaultCooldown time.Duration) (Rule, error) {
	if rc.Name == "" {
		return Rule{}, types.NewValidationError("alert rule missing name")
	}
	if rc.Metric == "" {
		return Rule{}, types.NewValidationError("alert rule %q missing metric", rc.Name)
	}
	op := Operator(rc.Operator)
	if !op.Valid() {
		return Rule{}, types.NewValidationError("alert rule %q has unknown operator %q", rc.Name, rc.Operator)
	}
	sev := Severity(rc.Severity)
	if sev == "" {
		sev = SeverityWarning
	}
	if !sev.Valid() {
		return Rule{}, types.NewValidationError("alert rule %q has unknown severity %q", rc.Name, rc.Severity)
	}
	cooldown := rc.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}

	var labels map[string]string
	if len(rc.Labels) > 0 {
		labels = make(map[string]string, len(rc.Labels))
		for k, v := range rc.Labels {
			labels[k] = v
		}
	}

	return Rule{
		Name:        rc.Name,
		Metric:      rc.Metric,
		Operator:    op,
		Threshold:   rc.Threshold,
		Severity:    sev,
		Cooldown:    cooldown,
		Labels:      labels,
		Description: rc.Description,
	}, nil
}
