package invalidation

import (
	"fmt"
	"strings"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/invalidation/condition"
	"github.com/tongvtdan/apillis-mfg-sub009/types/change"
)

// TargetKind selects how a target resolves to cache keys.
type TargetKind string

const (
	// WholeCache removes every entry.
	WholeCache TargetKind = "whole_cache"
	// KeyPattern removes keys matching Pattern. Patterns containing *, ? or [ are globs,
	// anything else matches as a substring.
	KeyPattern TargetKind = "key_pattern"
	// EntityTarget removes every cached query of the entity named by Pattern, or of the
	// trigger table when Pattern is empty.
	EntityTarget TargetKind = "entity"
)

// Strategy controls when a target is applied.
type Strategy string

const (
	Immediate Strategy = "immediate"
	// Debounced coalesces repeated triggers for the same target inside the debounce window.
	Debounced Strategy = "debounced"
)

// Priority orders rule evaluation and breaks strategy conflicts.
type Priority string

const (
	Low    Priority = "low"
	Medium Priority = "medium"
	High   Priority = "high"
)

func (p Priority) rank() int {
	switch p {
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}

// Trigger decides which changes a rule reacts to.
type Trigger struct {
	Table      string                `json:"table"`
	Operation  change.Operation      `json:"operation"`
	Conditions []condition.Condition `json:"conditions,omitempty"`
}

// Target names the cache entries a matching rule removes.
type Target struct {
	Kind TargetKind `json:"type"`
	// Pattern may reference {table}, {record_id}, {new.<field>} and {old.<field>}.
	//
	// For key_pattern targets a pattern with *, ? or [ is a glob over the whole key, with
	// no separator semantics. A pattern without them matches any key containing it:
	// "project" also removes project_sub_stages keys. Use "project:*" to stay within
	// one entity. For entity targets Pattern is the entity name.
	Pattern string `json:"pattern,omitempty"`
}

// Rule is one invalidation rule.
type Rule struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Trigger     Trigger  `json:"trigger"`
	Targets     []Target `json:"targets"`
	Strategy    Strategy `json:"strategy,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
}

// Normalize fills defaults: operation *, strategy immediate, priority medium and
// the trigger table as entity pattern.
func (r Rule) Normalize() Rule {
	if r.Trigger.Operation == "" {
		r.Trigger.Operation = change.Any
	} else {
		r.Trigger.Operation = change.Operation(strings.ToUpper(string(r.Trigger.Operation)))
	}
	if r.Strategy == "" {
		r.Strategy = Immediate
	}
	if r.Priority == "" {
		r.Priority = Medium
	}
	targets := make([]Target, len(r.Targets))
	for i, t := range r.Targets {
		if t.Kind == EntityTarget && t.Pattern == "" {
			t.Pattern = r.Trigger.Table
		}
		targets[i] = t
	}
	r.Targets = targets
	return r
}

// Validate checks a normalized rule.
func (r Rule) Validate() error {
	invalid := func(msg string) error {
		return errors.WrapInvalid(errors.ErrInvalidRule, "Rule", "Validate", msg)
	}

	if r.Trigger.Table == "" {
		return invalid(fmt.Sprintf("rule %q: trigger table is required", r.ID))
	}
	if _, err := change.ParseOperation(string(r.Trigger.Operation)); err != nil {
		return invalid(fmt.Sprintf("rule %q: operation %q", r.ID, r.Trigger.Operation))
	}
	switch r.Strategy {
	case Immediate, Debounced:
	default:
		return invalid(fmt.Sprintf("rule %q: unknown strategy %q", r.ID, r.Strategy))
	}
	if r.Priority.rank() == 0 {
		return invalid(fmt.Sprintf("rule %q: unknown priority %q", r.ID, r.Priority))
	}
	if len(r.Targets) == 0 {
		return invalid(fmt.Sprintf("rule %q: at least one target is required", r.ID))
	}
	for i, t := range r.Targets {
		switch t.Kind {
		case WholeCache:
		case KeyPattern, EntityTarget:
			if t.Pattern == "" {
				return invalid(fmt.Sprintf("rule %q: target %d (%s) needs a pattern", r.ID, i, t.Kind))
			}
		default:
			return invalid(fmt.Sprintf("rule %q: target %d has unknown type %q", r.ID, i, t.Kind))
		}
	}
	for _, c := range r.Trigger.Conditions {
		if c.Field == "" {
			return invalid(fmt.Sprintf("rule %q: condition without field", r.ID))
		}
	}
	return nil
}

// unknownOperators lists condition operators the evaluator does not recognize.
func (r Rule) unknownOperators() []string {
	var names []string
	for _, c := range r.Trigger.Conditions {
		if c.Operator == condition.OpUnknown {
			names = append(names, c.OperatorName)
		}
	}
	return names
}

// Matches reports whether the rule's table and operation accept ch.
// Conditions are evaluated separately by the engine.
func (r Rule) Matches(ch change.Change) bool {
	return r.Trigger.Table == ch.Table && r.Trigger.Operation.Matches(ch.Operation)
}
