package config

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/transport"
)

// FaultInjectionConfig configures faults injected in front of the HTTP
// transport, e.g. to rehearse a regional outage.
type FaultInjectionConfig struct {
	Enabled bool              `yaml:"enabled"`
	Rules   []FaultRuleConfig `yaml:"rules"`
}

// FaultRuleConfig is the file form of transport.FaultRule
type FaultRuleConfig struct {
	ID          string        `yaml:"id"`
	Endpoint    string        `yaml:"endpoint"`
	Operations  []string      `yaml:"operations"`
	LinkPrefix  string        `yaml:"link_prefix"`
	StatusCode  int           `yaml:"status_code"`
	SubStatus   int           `yaml:"sub_status"`
	RetryAfter  time.Duration `yaml:"retry_after"`
	Delay       time.Duration `yaml:"delay"`
	HitLimit    int           `yaml:"hit_limit"`
	Probability float64       `yaml:"probability"`
	Duration    time.Duration `yaml:"duration"`
}

func (f *FaultInjectionConfig) validate() error {
	if !f.Enabled {
		return nil
	}
	ids := make(map[string]bool)
	for i, r := range f.Rules {
		if r.ID == "" {
			return fmt.Errorf("fault_injection.rules[%d]: id is required", i)
		}
		if ids[r.ID] {
			return fmt.Errorf("fault_injection.rules: duplicate id '%s'", r.ID)
		}
		ids[r.ID] = true
		if r.StatusCode == 0 && r.Delay <= 0 {
			return fmt.Errorf("fault rule %s: needs a status code or a delay", r.ID)
		}
		if r.Probability < 0 || r.Probability > 1 {
			return fmt.Errorf("fault rule %s: probability must be within [0, 1]", r.ID)
		}
		for _, name := range r.Operations {
			if _, ok := domain.ParseOperationType(name); !ok {
				return fmt.Errorf("fault rule %s: unknown operation '%s'", r.ID, name)
			}
		}
	}
	return nil
}

// ToFaultRules converts the configured rules. Rules with a duration expire
// that long after now.
func (f *FaultInjectionConfig) ToFaultRules(now time.Time) []transport.FaultRule {
	rules := make([]transport.FaultRule, 0, len(f.Rules))
	for _, r := range f.Rules {
		rule := transport.FaultRule{
			ID:          r.ID,
			Endpoint:    r.Endpoint,
			LinkPrefix:  r.LinkPrefix,
			StatusCode:  r.StatusCode,
			SubStatus:   r.SubStatus,
			Delay:       r.Delay,
			HitLimit:    r.HitLimit,
			Probability: r.Probability,
		}
		for _, name := range r.Operations {
			if op, ok := domain.ParseOperationType(name); ok {
				rule.Operations = append(rule.Operations, op)
			}
		}
		if r.RetryAfter > 0 {
			rule.Header = http.Header{}
			rule.Header.Set(domain.HeaderRetryAfterMs, fmt.Sprint(r.RetryAfter.Milliseconds()))
		}
		if r.Duration > 0 {
			rule.StartAt = now
			rule.EndAt = now.Add(r.Duration)
		}
		rules = append(rules, rule)
	}
	return rules
}
