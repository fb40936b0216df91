package detector

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"decoynet/internal/schema"
)

// SignatureRule describes a known-attack pattern. Pattern is matched
// case-insensitively as a substring unless Regex is set, in which case it
// is compiled and matched as a regular expression.
type SignatureRule struct {
	Pattern     string          `yaml:"pattern"`
	Regex       bool            `yaml:"regex"`
	Description string          `yaml:"description"`
	Severity    schema.Severity `yaml:"severity"`

	compiled *regexp.Regexp
}

// DefaultSignatureRules returns the built-in attack signatures.
func DefaultSignatureRules() []SignatureRule {
	return []SignatureRule{
		{Pattern: "failed password", Description: "SSH brute-force attempt", Severity: schema.SeverityHigh},
		{Pattern: "sql injection", Description: "SQL injection attempt", Severity: schema.SeverityHigh},
		{Pattern: `(?i)(union\s+select|'\s*or\s+1\s*=\s*1)`, Regex: true, Description: "SQL injection attempt", Severity: schema.SeverityHigh},
		{Pattern: "nmap scan", Description: "Port scan against decoy", Severity: schema.SeverityMedium},
		{Pattern: "authentication failure", Description: "Repeated authentication failure", Severity: schema.SeverityMedium},
	}
}

// SignatureDetector matches event raw text against an ordered rule set.
// First matching rule wins; ties break on registration order, so output is
// deterministic for a fixed rule set.
type SignatureDetector struct {
	rules []SignatureRule
}

// NewSignatureDetector compiles the rule set. Rules with an invalid regular
// expression are rejected.
func NewSignatureDetector(rules []SignatureRule) (*SignatureDetector, error) {
	compiled := make([]SignatureRule, 0, len(rules))
	for i, rule := range rules {
		if rule.Pattern == "" {
			return nil, fmt.Errorf("signature rule %d: empty pattern", i)
		}
		if !rule.Severity.IsValid() {
			rule.Severity = schema.SeverityMedium
		}
		if rule.Regex {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("signature rule %d: %w", i, err)
			}
			rule.compiled = re
		}
		compiled = append(compiled, rule)
	}
	return &SignatureDetector{rules: compiled}, nil
}

func (d *SignatureDetector) Name() schema.DetectorType {
	return schema.DetectorSignature
}

// Analyze returns a finding for the first rule whose pattern matches the
// event's raw text, or nil when no rule matches.
func (d *SignatureDetector) Analyze(ctx context.Context, event *schema.Event) (*schema.Finding, error) {
	raw := strings.ToLower(event.Raw)
	for _, rule := range d.rules {
		var matched bool
		if rule.compiled != nil {
			matched = rule.compiled.MatchString(event.Raw)
		} else {
			matched = strings.Contains(raw, strings.ToLower(rule.Pattern))
		}
		if matched {
			return schema.NewFinding(event, schema.DetectorSignature, rule.Severity, rule.Description), nil
		}
	}
	return nil, nil
}

// RuleCount returns the number of loaded signature rules.
func (d *SignatureDetector) RuleCount() int {
	return len(d.rules)
}
