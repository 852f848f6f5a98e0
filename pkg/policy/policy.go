// Package policy loads command allow/deny rules from YAML and compiles them
// into a dispatcher policy.
package policy

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/morezero/hostbridge/pkg/dispatcher"
	"github.com/morezero/hostbridge/pkg/registry"
)

const logPrefix = "policy:policy"

// Default decisions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Rules is the YAML document:
//
//	default: allow
//	deny: ["execute_*"]
//	allow: ["get_*", "ping"]
//	require:
//	  download_asset: [url]
//
// Deny patterns win over allow patterns. Commands matching neither get the
// default decision. Patterns use path.Match syntax.
type Rules struct {
	Default string              `yaml:"default"`
	Allow   []string            `yaml:"allow"`
	Deny    []string            `yaml:"deny"`
	Require map[string][]string `yaml:"require"`
}

// Parse decodes and validates rules.
func Parse(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%s - failed to parse rules: %w", logPrefix, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadFile reads rules from a YAML file.
func LoadFile(p string) (*Rules, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read %s: %w", logPrefix, p, err)
	}
	return Parse(b)
}

// Validate checks the default decision and every pattern.
func (r *Rules) Validate() error {
	switch strings.ToLower(r.Default) {
	case "", DecisionAllow, DecisionDeny:
	default:
		return fmt.Errorf("%s - default must be %q or %q, got %q", logPrefix, DecisionAllow, DecisionDeny, r.Default)
	}

	patterns := append(append([]string{}, r.Allow...), r.Deny...)
	for p := range r.Require {
		patterns = append(patterns, p)
	}
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("%s - bad pattern %q: %w", logPrefix, p, err)
		}
	}
	return nil
}

// Evaluate returns a denial reason, or "" when the command may run.
func (r *Rules) Evaluate(commandType string, params registry.Params) string {
	if matchAny(r.Deny, commandType) {
		return fmt.Sprintf("command %s is denied by policy", commandType)
	}
	if !matchAny(r.Allow, commandType) && strings.EqualFold(r.Default, DecisionDeny) {
		return fmt.Sprintf("command %s is not allowed by policy", commandType)
	}

	patterns := make([]string, 0, len(r.Require))
	for p := range r.Require {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	for _, p := range patterns {
		if ok, _ := path.Match(p, commandType); !ok {
			continue
		}
		for _, name := range r.Require[p] {
			if _, present := params[name]; !present {
				return fmt.Sprintf("command %s requires param %q", commandType, name)
			}
		}
	}
	return ""
}

// Func compiles the rules into a dispatcher policy.
func (r *Rules) Func() dispatcher.PolicyFunc {
	return func(_ context.Context, commandType string, params registry.Params) (string, error) {
		return r.Evaluate(commandType, params), nil
	}
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}
