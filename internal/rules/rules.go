// Package rules implements the business-rule evaluator that gates workflow
// step entry. Rules are plain functions registered by id; a step declares
// the ids it requires and every one must pass.
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/gtsbahamas/taxflow/internal/workflow/domain"
)

// Rule validates one aspect of a transition. A non-nil error is a rule
// violation; its message is surfaced on the workflow history.
type Rule func(ctx context.Context, rc domain.RuleContext) error

// Evaluator is an in-memory rule registry implementing the workflow
// engine's RuleEvaluator dependency.
type Evaluator struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

func NewEvaluator() *Evaluator {
	return &Evaluator{rules: make(map[string]Rule)}
}

// Register binds a rule to an id, replacing any previous binding.
func (e *Evaluator) Register(id string, rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[id] = rule
}

// EvaluateRules runs every rule named in the context. A missing rule
// counts as a failure: a gate that cannot be checked must not open.
func (e *Evaluator) EvaluateRules(ctx context.Context, rc domain.RuleContext) domain.RuleResult {
	var errs []string
	for _, id := range rc.RuleIDs {
		e.mu.RLock()
		rule, ok := e.rules[id]
		e.mu.RUnlock()
		if !ok {
			errs = append(errs, fmt.Sprintf("rule %q not registered", id))
			continue
		}
		if err := rule(ctx, rc); err != nil {
			errs = append(errs, fmt.Sprintf("rule %q: %s", id, err.Error()))
		}
	}
	return domain.RuleResult{Passed: len(errs) == 0, Errors: errs}
}
