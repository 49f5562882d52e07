// Package skills decides whether a pipeline stage runs through a named skill
// adapter or the direct agent path, and executes the chosen route with an
// optional fallback.
package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// ExecutionPath is the route a stage execution took.
type ExecutionPath string

const (
	// PathDirectOnly means skills were never in play for this stage.
	PathDirectOnly ExecutionPath = "direct_only"
	// PathSkill means the stage ran through its skill adapter.
	PathSkill ExecutionPath = "skill"
	// PathDirectFallback means the skill failed and the direct path
	// completed the stage.
	PathDirectFallback ExecutionPath = "direct_fallback"
)

// Decision is the routing verdict for one stage of one run.
type Decision struct {
	UseSkill     bool
	Skill        string
	CanaryBucket int
	Reason       string
	ShadowMode   bool
}

// Outcome records how a stage execution went.
type Outcome struct {
	Path       ExecutionPath
	Skill      string
	SkillErr   error
	ShadowMode bool
}

// AdapterError wraps a skill adapter failure so callers can distinguish it
// from direct-path failures.
type AdapterError struct {
	Skill string
	Err   error
}

func (e *AdapterError) Error() string { return fmt.Sprintf("skill %q: %v", e.Skill, e.Err) }
func (e *AdapterError) Unwrap() error { return e.Err }

// CanaryBucket maps a run and stage to a stable bucket in [0, 100). The
// bucket is the first 8 hex digits of SHA-256("{runID}:{stage}") mod 100, so
// a run keeps its verdict across retries while different stages of the same
// run can land on different sides of the rollout.
func CanaryBucket(runID, stage string) int {
	sum := sha256.Sum256([]byte(runID + ":" + stage))
	n, err := strconv.ParseUint(hex.EncodeToString(sum[:4]), 16, 64)
	if err != nil {
		// Unreachable: the input is always 8 hex digits.
		return 0
	}
	return int(n % 100)
}

// PolicyMode controls how stage skills are resolved.
type PolicyMode string

const (
	// PolicyPermissive routes any configured or default skill.
	PolicyPermissive PolicyMode = "permissive"
	// PolicyAllowlist routes only skills on the allow list; an unlisted
	// selection is replaced with the default skill, which is always
	// permitted.
	PolicyAllowlist PolicyMode = "allowlist"
)

// Policy decides skill routing per stage.
type Policy struct {
	Enabled       bool
	CanaryPercent int
	DefaultSkill  string
	Mode          PolicyMode
	StageSkills   map[string]string
	AllowedSkills map[string]struct{}
	Fallback      bool
	ShadowMode    bool
}

// NewPolicy validates and builds a Policy. allowedSkills only constrains
// routing in allowlist mode.
func NewPolicy(enabled bool, canaryPercent int, defaultSkill string, mode PolicyMode, stageSkills map[string]string, allowedSkills []string, fallback, shadowMode bool) (*Policy, error) {
	if canaryPercent < 0 || canaryPercent > 100 {
		return nil, fmt.Errorf("canary percent must be in [0, 100], got %d", canaryPercent)
	}
	switch mode {
	case PolicyPermissive, PolicyAllowlist:
	default:
		return nil, fmt.Errorf("unknown policy mode %q", mode)
	}
	allowed := make(map[string]struct{}, len(allowedSkills))
	for _, s := range allowedSkills {
		allowed[s] = struct{}{}
	}
	return &Policy{
		Enabled:       enabled,
		CanaryPercent: canaryPercent,
		DefaultSkill:  defaultSkill,
		Mode:          mode,
		StageSkills:   stageSkills,
		AllowedSkills: allowed,
		Fallback:      fallback,
		ShadowMode:    shadowMode,
	}, nil
}

// Decide resolves the route for a stage. Resolution order for the skill
// name: explicit override, per-stage mapping, default skill. In allowlist
// mode a resolved skill missing from the allow list falls back to the
// default skill, which is always permitted; an empty resolution routes
// direct.
func (p *Policy) Decide(runID, stage, override string) (Decision, error) {
	bucket := CanaryBucket(runID, stage)
	d := Decision{CanaryBucket: bucket, ShadowMode: p.ShadowMode}

	if !p.Enabled {
		d.Reason = "skills disabled"
		return d, nil
	}

	skill := override
	switch {
	case skill != "":
	case p.StageSkills[stage] != "":
		skill = p.StageSkills[stage]
	default:
		skill = p.DefaultSkill
	}
	if skill == "" {
		d.Reason = "no skill configured for stage"
		return d, nil
	}

	if p.Mode == PolicyAllowlist && skill != p.DefaultSkill {
		if _, ok := p.AllowedSkills[skill]; !ok {
			skill = p.DefaultSkill
			if skill == "" {
				d.Reason = "skill not on the allow list and no default configured"
				return d, nil
			}
		}
	}

	if bucket >= p.CanaryPercent {
		d.Reason = fmt.Sprintf("canary bucket %d outside rollout %d%%", bucket, p.CanaryPercent)
		return d, nil
	}

	d.UseSkill = true
	d.Skill = skill
	d.Reason = fmt.Sprintf("canary bucket %d within rollout %d%%", bucket, p.CanaryPercent)
	return d, nil
}
