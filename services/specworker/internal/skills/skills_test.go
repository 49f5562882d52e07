package skills

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"

	"specd/services/specworker/internal/workspace"
)

func TestCanaryBucketDeterministicAndBounded(t *testing.T) {
	first := CanaryBucket("run-1", "implement_tasks")
	for i := 0; i < 10; i++ {
		if got := CanaryBucket("run-1", "implement_tasks"); got != first {
			t.Fatalf("bucket changed between calls: %d != %d", got, first)
		}
	}
	// Stages hash independently; identical buckets across many stages for
	// one run would mean the stage is not part of the input.
	varies := false
	for _, stage := range []string{"specify", "plan", "implement_tasks", "commit_push", "cleanup", "git_clone"} {
		if CanaryBucket("run-1", stage) != first {
			varies = true
			break
		}
	}
	if !varies {
		t.Error("buckets should vary by stage")
	}
	for i := 0; i < 1000; i++ {
		b := CanaryBucket(fmt.Sprintf("run-%d", i), "plan")
		if b < 0 || b > 99 {
			t.Fatalf("bucket %d out of range", b)
		}
	}
}

func TestCanaryBucketDistributionIsRoughlyUniform(t *testing.T) {
	inside := 0
	const n = 2000
	for i := 0; i < n; i++ {
		if CanaryBucket(fmt.Sprintf("run-%d", i), "plan") < 50 {
			inside++
		}
	}
	// Loose bounds; this guards against a constant or heavily skewed hash.
	if inside < n*35/100 || inside > n*65/100 {
		t.Fatalf("50%% rollout admitted %d of %d runs", inside, n)
	}
}

func newTestPolicy(t *testing.T, enabled bool, percent int, mode PolicyMode, fallback bool) *Policy {
	t.Helper()
	p, err := NewPolicy(enabled, percent, "speckit", mode,
		map[string]string{"plan": "planner"},
		[]string{"speckit", "planner"}, fallback, false)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	return p
}

func TestNewPolicyValidation(t *testing.T) {
	if _, err := NewPolicy(true, 101, "s", PolicyPermissive, nil, nil, true, false); err == nil {
		t.Error("canary > 100 should be rejected")
	}
	if _, err := NewPolicy(true, -1, "s", PolicyPermissive, nil, nil, true, false); err == nil {
		t.Error("negative canary should be rejected")
	}
	if _, err := NewPolicy(true, 50, "s", "open", nil, nil, true, false); err == nil {
		t.Error("unknown mode should be rejected")
	}
}

func TestDecideDisabledRoutesDirect(t *testing.T) {
	p := newTestPolicy(t, false, 100, PolicyPermissive, true)
	d, err := p.Decide("run-1", "specify", "")
	if err != nil {
		t.Fatal(err)
	}
	if d.UseSkill {
		t.Error("disabled policy must route direct")
	}
}

func TestDecideSkillResolutionOrder(t *testing.T) {
	p := newTestPolicy(t, true, 100, PolicyPermissive, true)

	d, err := p.Decide("run-1", "plan", "")
	if err != nil || !d.UseSkill || d.Skill != "planner" {
		t.Fatalf("stage mapping: %+v, %v", d, err)
	}

	d, err = p.Decide("run-1", "specify", "")
	if err != nil || !d.UseSkill || d.Skill != "speckit" {
		t.Fatalf("default skill: %+v, %v", d, err)
	}

	d, err = p.Decide("run-1", "plan", "speckit")
	if err != nil || d.Skill != "speckit" {
		t.Fatalf("override should win: %+v, %v", d, err)
	}
}

func TestDecideAllowlistMode(t *testing.T) {
	p := newTestPolicy(t, true, 100, PolicyAllowlist, true)

	// An unlisted selection falls back to the default skill.
	d, err := p.Decide("run-1", "specify", "rogue")
	if err != nil || !d.UseSkill || d.Skill != "speckit" {
		t.Fatalf("unlisted skill should resolve to the default: %+v, %v", d, err)
	}

	d, err = p.Decide("run-1", "specify", "planner")
	if err != nil || d.Skill != "planner" {
		t.Fatalf("listed skill: %+v, %v", d, err)
	}
}

func TestDecideAllowlistDefaultAlwaysPermitted(t *testing.T) {
	// The default skill routes even when the allow list is empty.
	p, err := NewPolicy(true, 100, "speckit", PolicyAllowlist, nil, nil, true, false)
	if err != nil {
		t.Fatal(err)
	}
	d, err := p.Decide("run-1", "specify", "")
	if err != nil || !d.UseSkill || d.Skill != "speckit" {
		t.Fatalf("default skill must bypass the allow list: %+v, %v", d, err)
	}

	// No default configured: an unlisted selection routes direct.
	p, err = NewPolicy(true, 100, "", PolicyAllowlist, nil, nil, true, false)
	if err != nil {
		t.Fatal(err)
	}
	d, err = p.Decide("run-1", "specify", "rogue")
	if err != nil || d.UseSkill {
		t.Fatalf("no default should route direct: %+v, %v", d, err)
	}
}

func TestDecideCanaryGate(t *testing.T) {
	full := newTestPolicy(t, true, 100, PolicyPermissive, true)
	none := newTestPolicy(t, true, 0, PolicyPermissive, true)

	d, _ := full.Decide("run-1", "specify", "")
	if !d.UseSkill {
		t.Error("100% rollout should route every run through the skill")
	}
	d, _ = none.Decide("run-1", "specify", "")
	if d.UseSkill {
		t.Error("0% rollout should route no run through the skill")
	}
}

type fakeAdapter struct {
	id    string
	err   error
	calls int
}

func (a *fakeAdapter) ID() string { return a.id }

func (a *fakeAdapter) Execute(ctx context.Context, _ string, direct StageFunc) error {
	a.calls++
	if a.err != nil {
		return a.err
	}
	return direct(ctx)
}

func newTestRunner(t *testing.T, policy *Policy, adapter Adapter) *Runner {
	t.Helper()
	reg := NewRegistry()
	if adapter != nil {
		if err := reg.Register("speckit", adapter); err != nil {
			t.Fatal(err)
		}
	}
	r, err := NewRunner(policy, reg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestRunnerDirectOnly(t *testing.T) {
	r := newTestRunner(t, newTestPolicy(t, false, 100, PolicyPermissive, true), nil)
	ran := false
	out, err := r.Run(context.Background(), "run-1", "specify", "", func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil || out.Path != PathDirectOnly || !ran {
		t.Fatalf("out = %+v, err = %v, ran = %v", out, err, ran)
	}
}

func TestRunnerSkillPath(t *testing.T) {
	adapter := &fakeAdapter{id: "speckit-v1"}
	r := newTestRunner(t, newTestPolicy(t, true, 100, PolicyPermissive, true), adapter)
	out, err := r.Run(context.Background(), "run-1", "specify", "", func(context.Context) error { return nil })
	if err != nil || out.Path != PathSkill || out.Skill != "speckit" {
		t.Fatalf("out = %+v, err = %v", out, err)
	}
	if adapter.calls != 1 {
		t.Errorf("adapter calls = %d", adapter.calls)
	}
}

func TestRunnerMissingAdapterIsConfigError(t *testing.T) {
	r := newTestRunner(t, newTestPolicy(t, true, 100, PolicyPermissive, true), nil)
	_, err := r.Run(context.Background(), "run-1", "specify", "", func(context.Context) error { return nil })
	var cfgErr *workspace.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("got %v, want ConfigurationError", err)
	}
}

func TestRunnerFallback(t *testing.T) {
	skillErr := errors.New("adapter crashed")
	adapter := &fakeAdapter{id: "speckit-v1", err: skillErr}
	r := newTestRunner(t, newTestPolicy(t, true, 100, PolicyPermissive, true), adapter)

	directCalls := 0
	out, err := r.Run(context.Background(), "run-1", "specify", "", func(context.Context) error {
		directCalls++
		return nil
	})
	if err != nil {
		t.Fatalf("fallback success should not return the skill error: %v", err)
	}
	if out.Path != PathDirectFallback || directCalls != 1 {
		t.Fatalf("out = %+v, directCalls = %d", out, directCalls)
	}
	var adapterErr *AdapterError
	if !errors.As(out.SkillErr, &adapterErr) || !errors.Is(out.SkillErr, skillErr) {
		t.Fatalf("SkillErr = %v", out.SkillErr)
	}
}

func TestRunnerFallbackDisabled(t *testing.T) {
	adapter := &fakeAdapter{id: "speckit-v1", err: errors.New("adapter crashed")}
	r := newTestRunner(t, newTestPolicy(t, true, 100, PolicyPermissive, false), adapter)

	directCalls := 0
	_, err := r.Run(context.Background(), "run-1", "specify", "", func(context.Context) error {
		directCalls++
		return nil
	})
	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) {
		t.Fatalf("got %v, want AdapterError", err)
	}
	if directCalls != 0 {
		t.Error("direct path must not run when fallback is disabled")
	}
}

func TestRunnerShadowModeDoesNotChangeRouting(t *testing.T) {
	policy, err := NewPolicy(true, 100, "speckit", PolicyPermissive, nil, nil, true, true)
	if err != nil {
		t.Fatal(err)
	}
	adapter := &fakeAdapter{id: "speckit-v1"}
	r := newTestRunner(t, policy, adapter)

	out, err := r.Run(context.Background(), "run-1", "specify", "", func(context.Context) error { return nil })
	if err != nil || out.Path != PathSkill {
		t.Fatalf("shadow mode must not reroute: %+v, %v", out, err)
	}
	if adapter.calls != 1 {
		t.Errorf("adapter calls = %d, want 1", adapter.calls)
	}
	if !out.ShadowMode {
		t.Error("outcome should record shadow mode")
	}

	// Outside the rollout the stage still runs direct, shadow recorded.
	policy, err = NewPolicy(true, 0, "speckit", PolicyPermissive, nil, nil, true, true)
	if err != nil {
		t.Fatal(err)
	}
	r = newTestRunner(t, policy, adapter)
	out, err = r.Run(context.Background(), "run-1", "specify", "", func(context.Context) error { return nil })
	if err != nil || out.Path != PathDirectOnly || !out.ShadowMode {
		t.Fatalf("out = %+v, err = %v", out, err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := DefaultRegistry()
	if _, ok := reg.Lookup("speckit"); !ok {
		t.Fatal("default registry should bind speckit")
	}
	if err := reg.Register("speckit", speckitAdapter{}); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := reg.Register("", speckitAdapter{}); err == nil {
		t.Error("empty skill name should fail")
	}
}
