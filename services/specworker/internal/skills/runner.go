package skills

import (
	"context"
	"errors"
	"fmt"
	"log"

	"specd/services/specworker/internal/workspace"
)

// Runner executes stages according to policy decisions.
type Runner struct {
	policy   *Policy
	registry *Registry
	logger   *log.Logger
}

// NewRunner wires a Runner.
func NewRunner(policy *Policy, registry *Registry, logger *log.Logger) (*Runner, error) {
	if policy == nil {
		return nil, errors.New("policy is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Runner{policy: policy, registry: registry, logger: logger}, nil
}

// Run executes one stage. The routing contract:
//   - decision says direct: run the direct path (path direct_only).
//   - decision says skill but no adapter is registered: hard configuration
//     error, the stage does not run.
//   - skill succeeds: path skill.
//   - skill fails with fallback enabled: run the direct path; if it
//     succeeds the path is direct_fallback and the skill error is recorded
//     in the outcome, not returned.
//   - skill fails with fallback disabled: the *AdapterError is returned.
//
// Shadow mode is observability only: the decision is logged and stamped on
// the outcome, routing is untouched.
func (r *Runner) Run(ctx context.Context, runID, stage, override string, direct StageFunc) (Outcome, error) {
	decision, err := r.policy.Decide(runID, stage, override)
	if err != nil {
		return Outcome{}, &workspace.ConfigurationError{Msg: err.Error()}
	}

	if decision.ShadowMode {
		r.logger.Printf("level=info msg=\"shadow mode decision\" run=%q stage=%q skill=%q use_skill=%t bucket=%d",
			runID, stage, decision.Skill, decision.UseSkill, decision.CanaryBucket)
	}

	if !decision.UseSkill {
		if err := direct(ctx); err != nil {
			return Outcome{Path: PathDirectOnly, ShadowMode: decision.ShadowMode}, err
		}
		return Outcome{Path: PathDirectOnly, ShadowMode: decision.ShadowMode}, nil
	}

	adapter, ok := r.registry.Lookup(decision.Skill)
	if !ok {
		return Outcome{}, &workspace.ConfigurationError{
			Msg: fmt.Sprintf("skill %q routed for stage %q has no registered adapter", decision.Skill, stage),
		}
	}

	r.logger.Printf("level=info msg=\"stage routed through skill\" run=%q stage=%q skill=%q adapter=%q bucket=%d",
		runID, stage, decision.Skill, adapter.ID(), decision.CanaryBucket)

	skillErr := adapter.Execute(ctx, stage, direct)
	if skillErr == nil {
		return Outcome{Path: PathSkill, Skill: decision.Skill, ShadowMode: decision.ShadowMode}, nil
	}

	wrapped := &AdapterError{Skill: decision.Skill, Err: skillErr}
	if !r.policy.Fallback {
		return Outcome{Path: PathSkill, Skill: decision.Skill, SkillErr: wrapped, ShadowMode: decision.ShadowMode}, wrapped
	}

	r.logger.Printf("level=warn msg=\"skill failed, falling back to direct path\" run=%q stage=%q skill=%q error=%q",
		runID, stage, decision.Skill, skillErr)
	if err := direct(ctx); err != nil {
		return Outcome{Path: PathDirectFallback, Skill: decision.Skill, SkillErr: wrapped, ShadowMode: decision.ShadowMode}, err
	}
	return Outcome{Path: PathDirectFallback, Skill: decision.Skill, SkillErr: wrapped, ShadowMode: decision.ShadowMode}, nil
}
