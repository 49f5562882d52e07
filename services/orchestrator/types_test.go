package orchestrator

import "testing"

func TestRunStatusTerminal(t *testing.T) {
	terminal := []RunStatus{
		RunStatusSucceeded, RunStatusFailed, RunStatusRolledBack,
		RunStatusNoChanges, RunStatusCancelled,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []RunStatus{RunStatusQueued, RunStatusRunning, RunStatusAwaitingApproval}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPhasesOrdering(t *testing.T) {
	want := []Phase{
		PhasePrepareJob, PhaseStartJobContainer, PhaseGitClone,
		PhaseSpecify, PhasePlan, PhaseImplementTasks,
		PhaseCommitPush, PhaseOpenReviewRequest, PhaseCleanup,
	}
	if len(Phases) != len(want) {
		t.Fatalf("Phases has %d entries, want %d", len(Phases), len(want))
	}
	for i, p := range want {
		if Phases[i] != p {
			t.Errorf("Phases[%d] = %s, want %s", i, Phases[i], p)
		}
	}
}

func TestPlanStepNameValid(t *testing.T) {
	for _, s := range []PlanStepName{
		PlanStepAnalyze, PlanStepPatch, PlanStepBuild,
		PlanStepRestart, PlanStepVerify, PlanStepRollback,
	} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if PlanStepName("deploy").Valid() {
		t.Error("deploy should not be a valid plan step")
	}
}

func TestArtifactTypeValid(t *testing.T) {
	if !ArtifactStdoutLog.Valid() || !ArtifactPlanSnapshot.Valid() {
		t.Error("known artifact types should validate")
	}
	if ArtifactType("screenshot").Valid() {
		t.Error("screenshot should not be a valid artifact type")
	}
}

func TestActionPlanHasStep(t *testing.T) {
	var nilPlan *ActionPlan
	if nilPlan.HasStep(PlanStepRollback) {
		t.Error("nil plan should have no steps")
	}
	plan := &ActionPlan{Steps: []PlanStep{
		{Position: 0, Step: PlanStepAnalyze},
		{Position: 1, Step: PlanStepPatch},
		{Position: 2, Step: PlanStepRollback},
	}}
	if !plan.HasStep(PlanStepRollback) {
		t.Error("plan should declare rollback")
	}
	if plan.HasStep(PlanStepRestart) {
		t.Error("plan should not declare restart")
	}
}
