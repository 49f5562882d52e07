package orchestrator

import "github.com/google/uuid"

// RunStatus is the lifecycle state of a spec automation run.
type RunStatus string

const (
	RunStatusQueued           RunStatus = "queued"
	RunStatusRunning          RunStatus = "running"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusSucceeded        RunStatus = "succeeded"
	RunStatusFailed           RunStatus = "failed"
	RunStatusRolledBack       RunStatus = "rolled_back"
	RunStatusNoChanges        RunStatus = "no_changes"
	RunStatusCancelled        RunStatus = "cancelled"
)

// Terminal reports whether no further phase may execute for this status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusRolledBack, RunStatusNoChanges, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// RunPriority orders dispatching of queued runs.
type RunPriority string

const (
	RunPriorityNormal RunPriority = "normal"
	RunPriorityHigh   RunPriority = "high"
)

// Phase is one fixed stage of the instruction-to-pull-request pipeline.
type Phase string

const (
	PhasePrepareJob        Phase = "prepare_job"
	PhaseStartJobContainer Phase = "start_job_container"
	PhaseGitClone          Phase = "git_clone"
	PhaseSpecify           Phase = "specify"
	PhasePlan              Phase = "plan"
	PhaseImplementTasks    Phase = "implement_tasks"
	PhaseCommitPush        Phase = "commit_push"
	PhaseOpenReviewRequest Phase = "open_review_request"
	PhaseCleanup           Phase = "cleanup"
)

// Phases lists every pipeline phase in execution order. The order is fixed;
// only the routing of each phase (skill vs. direct) is dynamic.
var Phases = []Phase{
	PhasePrepareJob,
	PhaseStartJobContainer,
	PhaseGitClone,
	PhaseSpecify,
	PhasePlan,
	PhaseImplementTasks,
	PhaseCommitPush,
	PhaseOpenReviewRequest,
	PhaseCleanup,
}

// AttemptStatus tracks one execution attempt of a phase.
type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusRunning   AttemptStatus = "running"
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusSkipped   AttemptStatus = "skipped"
	AttemptStatusRetrying  AttemptStatus = "retrying"
)

// PlanStepName is one of the fixed operations an action plan may contain.
type PlanStepName string

const (
	PlanStepAnalyze  PlanStepName = "analyze"
	PlanStepPatch    PlanStepName = "patch"
	PlanStepBuild    PlanStepName = "build"
	PlanStepRestart  PlanStepName = "restart"
	PlanStepVerify   PlanStepName = "verify"
	PlanStepRollback PlanStepName = "rollback"
)

func (s PlanStepName) Valid() bool {
	switch s {
	case PlanStepAnalyze, PlanStepPatch, PlanStepBuild, PlanStepRestart, PlanStepVerify, PlanStepRollback:
		return true
	default:
		return false
	}
}

// PlanStepStatus tracks execution of a single plan step.
type PlanStepStatus string

const (
	PlanStepStatusPending    PlanStepStatus = "pending"
	PlanStepStatusInProgress PlanStepStatus = "in_progress"
	PlanStepStatusSucceeded  PlanStepStatus = "succeeded"
	PlanStepStatusFailed     PlanStepStatus = "failed"
	PlanStepStatusSkipped    PlanStepStatus = "skipped"
)

// PlanOrigin records who authored an action plan.
type PlanOrigin string

const (
	PlanOriginOperator PlanOrigin = "operator"
	PlanOriginLLM      PlanOrigin = "llm"
	PlanOriginSystem   PlanOrigin = "system"
)

// ApprovalRequirement says which run transition an approval gate blocks.
type ApprovalRequirement string

const (
	ApprovalRequirementNone      ApprovalRequirement = "none"
	ApprovalRequirementPreRun    ApprovalRequirement = "pre-run"
	ApprovalRequirementPreVerify ApprovalRequirement = "pre-verify"
)

// ArtifactType classifies a typed file produced by a pipeline phase.
type ArtifactType string

const (
	ArtifactStdoutLog       ArtifactType = "stdout_log"
	ArtifactStderrLog       ArtifactType = "stderr_log"
	ArtifactDiffSummary     ArtifactType = "diff_summary"
	ArtifactCommitStatus    ArtifactType = "commit_status"
	ArtifactMetricsSnapshot ArtifactType = "metrics_snapshot"
	ArtifactEnvironmentInfo ArtifactType = "environment_info"
	ArtifactPlanSnapshot    ArtifactType = "plan_snapshot"
	ArtifactPatchDiff       ArtifactType = "patch_diff"
	ArtifactBuildLog        ArtifactType = "build_log"
	ArtifactVerifyLog       ArtifactType = "verify_log"
	ArtifactRollbackLog     ArtifactType = "rollback_log"
)

func (t ArtifactType) Valid() bool {
	switch t {
	case ArtifactStdoutLog, ArtifactStderrLog, ArtifactDiffSummary, ArtifactCommitStatus,
		ArtifactMetricsSnapshot, ArtifactEnvironmentInfo, ArtifactPlanSnapshot,
		ArtifactPatchDiff, ArtifactBuildLog, ArtifactVerifyLog, ArtifactRollbackLog:
		return true
	default:
		return false
	}
}

// Lifecycle event subjects published on the bus.
const (
	RunStartedSubject  = "specd.runs.started"
	RunFinishedSubject = "specd.runs.finished"
)

// RunDispatch is the payload received on the dispatch subject; one message
// assigns one run to one worker.
type RunDispatch struct {
	RunID uuid.UUID `json:"run_id"`
}

// RunLifecycleEvent announces run start/finish transitions.
type RunLifecycleEvent struct {
	RunID  uuid.UUID `json:"run_id"`
	Status RunStatus `json:"status"`
	Worker string    `json:"worker,omitempty"`
}
