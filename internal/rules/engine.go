package rules

import (
	"context"
	"fmt"

	"billing-validation-pipeline/internal/logging"
	"billing-validation-pipeline/internal/models"
)

// Rule is an independent, pluggable validator over one run's records.
// Rules must not depend on each other; no evaluation order is promised.
type Rule interface {
	Name() string
	Category() string
	Evaluate(ctx context.Context, records []models.BillingRecord) ([]models.ValidationResult, error)
}

// Engine holds the active rule set and applies it with per-rule fault
// isolation: one broken rule never blanks out results from the others.
type Engine struct {
	rules    []Rule
	disabled map[string]bool
}

func NewEngine() *Engine {
	return &Engine{disabled: make(map[string]bool)}
}

// Register adds a rule to the active set.
func (e *Engine) Register(rule Rule) {
	if rule == nil {
		return
	}
	e.rules = append(e.rules, rule)
}

// SetEnabled toggles a rule by name without removing it from the registry.
func (e *Engine) SetEnabled(name string, enabled bool) {
	e.disabled[name] = !enabled
}

// Evaluate runs every enabled rule against the record set. A rule that
// returns an error or panics contributes exactly one synthetic system-error
// violation naming the rule, and evaluation continues.
func (e *Engine) Evaluate(ctx context.Context, runID string, records []models.BillingRecord) []models.ValidationResult {
	var out []models.ValidationResult
	for _, rule := range e.rules {
		if e.disabled[rule.Name()] {
			continue
		}
		violations, err := e.evaluateOne(ctx, rule, records)
		if err != nil {
			logging.L().Errorw("rule evaluation failed", "rule", rule.Name(), "run_id", runID, "error", err)
			out = append(out, models.ValidationResult{
				RunID:    runID,
				RuleName: rule.Name(),
				Severity: models.SeverityError,
				Category: "system",
				Message:  fmt.Sprintf("rule %s failed to evaluate: %v", rule.Name(), err),
			})
			continue
		}
		for i := range violations {
			violations[i].RunID = runID
			if violations[i].RuleName == "" {
				violations[i].RuleName = rule.Name()
			}
			if violations[i].Category == "" {
				violations[i].Category = rule.Category()
			}
		}
		out = append(out, violations...)
	}
	return out
}

func (e *Engine) evaluateOne(ctx context.Context, rule Rule, records []models.BillingRecord) (violations []models.ValidationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			violations = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return rule.Evaluate(ctx, records)
}
