package services

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
)

const checkCostLimit = 100000

type compiledCheck struct {
	id      string
	message string
	program cel.Program
}

// matches evaluates the check against the claim. True means the claim is flagged.
func (c compiledCheck) matches(claim *entities.Claim) (bool, error) {
	out, _, err := c.program.Eval(map[string]any{"claim": claim.Facts()})
	if err != nil {
		return false, fmt.Errorf("custom check %s: %w", c.id, err)
	}
	flagged, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("custom check %s returned %T, want bool", c.id, out.Value())
	}
	return flagged, nil
}

type cachedChecks struct {
	version string
	checks  []compiledCheck
}

// CheckCompiler compiles custom technical checks written in CEL. Claim
// fields are available under the "claim" variable. Compiled programs are
// kept for the latest rule set version of each tenant.
type CheckCompiler struct {
	env   *cel.Env
	mu    sync.Mutex
	cache map[string]cachedChecks
}

// NewCheckCompiler creates the CEL environment for custom checks
func NewCheckCompiler() (*CheckCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("claim", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CheckCompiler{env: env, cache: make(map[string]cachedChecks)}, nil
}

// Compile type checks and plans every check. The first failing check is
// reported by id.
func (c *CheckCompiler) Compile(checks []entities.CustomCheck) ([]compiledCheck, error) {
	compiled := make([]compiledCheck, 0, len(checks))
	for i, check := range checks {
		id := check.ID
		if id == "" {
			id = fmt.Sprintf("check_%d", i+1)
		}
		if check.Expression == "" {
			return nil, fmt.Errorf("custom check %s has no expression", id)
		}

		ast, issues := c.env.Compile(check.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("custom check %s: compile error: %w", id, issues.Err())
		}
		if !ast.OutputType().IsAssignableType(cel.BoolType) {
			return nil, fmt.Errorf("custom check %s must evaluate to bool, got %s", id, ast.OutputType())
		}

		prog, err := c.env.Program(ast, cel.CostLimit(checkCostLimit))
		if err != nil {
			return nil, fmt.Errorf("custom check %s: program creation error: %w", id, err)
		}

		message := check.Message
		if message == "" {
			message = fmt.Sprintf("Custom check %s failed", id)
		}
		compiled = append(compiled, compiledCheck{id: id, message: message, program: prog})
	}
	return compiled, nil
}

// ForRuleSet returns the compiled checks of a technical rule set, compiling
// at most once per tenant and version.
func (c *CheckCompiler) ForRuleSet(ruleSet *entities.RuleSet) ([]compiledCheck, error) {
	if ruleSet == nil || ruleSet.Technical == nil || len(ruleSet.Technical.CustomChecks) == 0 {
		return nil, nil
	}
	if ruleSet.Version == "" {
		return c.Compile(ruleSet.Technical.CustomChecks)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.cache[ruleSet.TenantID]; ok && cached.version == ruleSet.Version {
		return cached.checks, nil
	}
	checks, err := c.Compile(ruleSet.Technical.CustomChecks)
	if err != nil {
		return nil, err
	}
	c.cache[ruleSet.TenantID] = cachedChecks{version: ruleSet.Version, checks: checks}
	return checks, nil
}
