package policy

import (
	"errors"
	"strings"

	"github.com/rzbill/courier/internal/event"
)

// Predicate selects the events a rule applies to.
type Predicate func(category event.Category, scope string) bool

// Rule pairs a predicate with the policy it selects.
type Rule struct {
	Name   string
	Match  Predicate
	Policy Policy
}

// Table resolves a category to exactly one policy: the first matching rule,
// or the default.
type Table struct {
	rules []Rule
	def   Policy
}

// NewTable builds a table. The default policy is mandatory.
func NewTable(def Policy, rules ...Rule) (*Table, error) {
	if def == nil {
		return nil, errors.New("policy: default policy required")
	}
	for _, r := range rules {
		if r.Match == nil || r.Policy == nil {
			return nil, errors.New("policy: rule " + r.Name + " needs a predicate and a policy")
		}
	}
	return &Table{rules: append([]Rule(nil), rules...), def: def}, nil
}

// Resolve returns the policy for category within scope.
func (t *Table) Resolve(category event.Category, scope string) Policy {
	p, _ := t.ResolveRule(category, scope)
	return p
}

// ResolveRule is Resolve plus the matched rule name ("default" on fallback).
func (t *Table) ResolveRule(category event.Category, scope string) (Policy, string) {
	for _, r := range t.rules {
		if r.Match(category, scope) {
			return r.Policy, r.Name
		}
	}
	return t.def, "default"
}

// Rules returns a copy of the configured rules.
func (t *Table) Rules() []Rule { return append([]Rule(nil), t.rules...) }

// Default returns the fallback policy.
func (t *Table) Default() Policy { return t.def }

// CategoryIn matches any of the listed categories.
func CategoryIn(categories ...event.Category) Predicate {
	set := make(map[event.Category]struct{}, len(categories))
	for _, c := range categories {
		set[c] = struct{}{}
	}
	return func(c event.Category, _ string) bool {
		_, ok := set[c]
		return ok
	}
}

// CategoryPrefix matches categories starting with prefix ("voice." for all voice events).
func CategoryPrefix(prefix string) Predicate {
	return func(c event.Category, _ string) bool {
		return strings.HasPrefix(string(c), prefix)
	}
}

// All combines predicates; every one must match.
func All(preds ...Predicate) Predicate {
	return func(c event.Category, scope string) bool {
		for _, p := range preds {
			if !p(c, scope) {
				return false
			}
		}
		return true
	}
}
