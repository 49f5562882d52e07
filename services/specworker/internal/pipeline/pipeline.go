// Package pipeline executes the fixed phase sequence that turns a queued run
// into a pushed branch and review request.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"specd/pkg/config"
	"specd/services/orchestrator"
	"specd/services/specworker/internal/agentconfig"
	"specd/services/specworker/internal/archive"
	"specd/services/specworker/internal/gitops"
	"specd/services/specworker/internal/jobcontainer"
	"specd/services/specworker/internal/secrets"
	"specd/services/specworker/internal/skills"
	"specd/services/specworker/internal/workspace"
)

// containerWorkspaceDir is where the run workspace is mounted inside the job
// container.
const containerWorkspaceDir = "/workspace"

// store is the slice of the orchestrator store the executor uses.
type store interface {
	GetRun(ctx context.Context, id uuid.UUID) (*orchestrator.Run, error)
	SetRunStatus(ctx context.Context, id uuid.UUID, status orchestrator.RunStatus) error
	UpdateRun(ctx context.Context, id uuid.UUID, updates map[string]any) error
	CreateTaskAttempt(ctx context.Context, runID uuid.UUID, phase orchestrator.Phase) (*orchestrator.TaskAttempt, error)
	FinishTaskAttempt(ctx context.Context, id uuid.UUID, status orchestrator.AttemptStatus, payload map[string]any) error
	LatestAttempt(ctx context.Context, runID uuid.UUID, phase orchestrator.Phase) (*orchestrator.TaskAttempt, error)
	RecordArtifact(ctx context.Context, a *orchestrator.Artifact) error
	AttachPlan(ctx context.Context, runID uuid.UUID, origin orchestrator.PlanOrigin, steps []orchestrator.PlanStepName, planCtx map[string]any) (*orchestrator.ActionPlan, error)
	SetPlanStepStatus(ctx context.Context, planID uuid.UUID, step orchestrator.PlanStepName, status orchestrator.PlanStepStatus) error
	UpsertAgentConfiguration(ctx context.Context, cfg *orchestrator.AgentConfiguration) error
}

// gateLookup is the approval gate cache surface the executor uses.
type gateLookup interface {
	Lookup(serviceName string) *orchestrator.ApprovalGate
}

// gitService is satisfied by *gitops.Pusher.
type gitService interface {
	Clone(ctx context.Context, repoURL, baseBranch, branch, destDir string) error
	Commit(ctx context.Context, repoDir, message string) (bool, error)
	Push(ctx context.Context, repoDir, branch string, force bool) (string, error)
	OpenReviewRequest(ctx context.Context, repoDir, baseBranch, branch, title, body string) (string, error)
}

// archiver is satisfied by *archive.Archiver; nil means archiving is off.
type archiver interface {
	Archive(ctx context.Context, runID, artifactsDir string) (*archive.Result, error)
}

// bodyRenderer is satisfied by *render.Engine; nil falls back to the raw
// instruction as the review request body.
type bodyRenderer interface {
	Render(name string, data any) (string, error)
}

// Executor drives one run through the phase sequence.
type Executor struct {
	cfg        config.Workflow
	store      store
	workspaces *workspace.Manager
	containers *jobcontainer.Manager
	git        gitService
	selector   *agentconfig.Selector
	skills     *skills.Runner
	gates      gateLookup
	archiver   archiver
	renderer   bodyRenderer
	metrics    *orchestrator.Metrics
	collector  *secrets.Collector
	hostname   string
	logger     *log.Logger
}

// Params wires an Executor.
type Params struct {
	Config     config.Workflow
	Store      store
	Workspaces *workspace.Manager
	Containers *jobcontainer.Manager
	Git        gitService
	Selector   *agentconfig.Selector
	Skills     *skills.Runner
	Gates      gateLookup
	Archiver   archiver
	Renderer   bodyRenderer
	Metrics    *orchestrator.Metrics
	Collector  *secrets.Collector
	Hostname   string
	Logger     *log.Logger
}

// NewExecutor validates required dependencies. Gates and Archiver are
// optional.
func NewExecutor(p Params) (*Executor, error) {
	if p.Store == nil {
		return nil, errors.New("store is required")
	}
	if p.Workspaces == nil {
		return nil, errors.New("workspace manager is required")
	}
	if p.Containers == nil {
		return nil, errors.New("container manager is required")
	}
	if p.Git == nil {
		return nil, errors.New("git pusher is required")
	}
	if p.Selector == nil {
		return nil, errors.New("agent selector is required")
	}
	if p.Skills == nil {
		return nil, errors.New("skills runner is required")
	}
	if p.Metrics == nil {
		return nil, errors.New("metrics are required")
	}
	if p.Collector == nil {
		return nil, errors.New("secret collector is required")
	}
	if p.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Executor{
		cfg:        p.Config,
		store:      p.Store,
		workspaces: p.Workspaces,
		containers: p.Containers,
		git:        p.Git,
		selector:   p.Selector,
		skills:     p.Skills,
		gates:      p.Gates,
		archiver:   p.Archiver,
		renderer:   p.Renderer,
		metrics:    p.Metrics,
		collector:  p.Collector,
		hostname:   p.Hostname,
		logger:     p.Logger,
	}, nil
}

// runState carries in-flight values between phases of one execution.
type runState struct {
	run           *orchestrator.Run
	runID         string
	branch        string
	container     *jobcontainer.Container
	containerRoot string
	selection     *agentconfig.Selection
	noChanges     bool
}

// payloadMap converts a typed phase payload to the JSON map shape stored on
// task attempts.
func payloadMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"marshal_error": err.Error()}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"marshal_error": err.Error()}
	}
	return out
}

type preparePayload struct {
	Branch    string `json:"branch"`
	Workspace string `json:"workspace"`
}

type containerPayload struct {
	ContainerID string `json:"container_id"`
	Backend     string `json:"backend"`
	Version     string `json:"version"`
}

type clonePayload struct {
	Repository string `json:"repository"`
	BaseBranch string `json:"base_branch"`
	Branch     string `json:"branch"`
}

type agentStagePayload struct {
	Path      skills.ExecutionPath `json:"path"`
	Skill     string               `json:"skill,omitempty"`
	SkillErr  string               `json:"skill_error,omitempty"`
	ExitCode  int                  `json:"exit_code"`
	LogPath   string               `json:"log_path,omitempty"`
	DurationS float64              `json:"duration_seconds"`
}

type commitPushPayload struct {
	Committed bool   `json:"committed"`
	PushedRef string `json:"pushed_ref,omitempty"`
}

type reviewPayload struct {
	URL string `json:"url"`
}

type cleanupPayload struct {
	ArchiveKey      string `json:"archive_key,omitempty"`
	ArchiveChecksum string `json:"archive_checksum,omitempty"`
	ArchiveBytes    int64  `json:"archive_bytes,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// ExecuteRun drives a run to a terminal status or to awaiting_approval.
// Redelivery of a terminal run is a no-op; a resumed run skips phases whose
// latest attempt already succeeded, except the idempotent workspace and
// container phases which always re-run.
func (e *Executor) ExecuteRun(ctx context.Context, runID uuid.UUID) (orchestrator.RunStatus, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status.Terminal() {
		e.logger.Printf("level=info msg=\"run already terminal, ignoring dispatch\" run=%q status=%q", runID, run.Status)
		return run.Status, nil
	}

	if blocked, reason := e.approvalBlocked(run, orchestrator.ApprovalRequirementPreRun); blocked {
		return e.pause(ctx, runID, nil, reason)
	}

	if err := e.store.SetRunStatus(ctx, runID, orchestrator.RunStatusRunning); err != nil {
		return "", err
	}
	if err := e.store.UpdateRun(ctx, runID, map[string]any{"worker_hostname": e.hostname}); err != nil {
		return "", err
	}
	e.metrics.RunsStarted.Inc()

	state := &runState{run: run, runID: runID.String()}
	if run.BranchName != "" {
		state.branch = run.BranchName
	}

	for _, phase := range orchestrator.Phases {
		if err := ctx.Err(); err != nil {
			return e.finish(context.WithoutCancel(ctx), state, orchestrator.RunStatusCancelled)
		}

		// A caller can cancel between phases by setting a terminal status;
		// honor it before starting the next phase.
		if current, err := e.store.GetRun(ctx, runID); err != nil {
			e.logger.Printf("level=warn msg=\"status re-check failed\" run=%q error=%q", runID, err)
		} else if current.Status.Terminal() {
			e.logger.Printf("level=info msg=\"run finalized externally, stopping\" run=%q status=%q", runID, current.Status)
			finCtx := context.WithoutCancel(ctx)
			e.teardownContainer(finCtx, state)
			e.cleanupWorkspace(state)
			e.metrics.RunsFinished.WithLabelValues(string(current.Status)).Inc()
			return current.Status, nil
		}

		if e.phaseDone(ctx, runID, phase) {
			continue
		}

		if state.noChanges && (phase == orchestrator.PhaseCommitPush || phase == orchestrator.PhaseOpenReviewRequest) {
			if err := e.skipPhase(ctx, runID, phase); err != nil {
				return "", err
			}
			continue
		}

		if phase == orchestrator.PhaseOpenReviewRequest {
			if blocked, reason := e.approvalBlocked(state.run, orchestrator.ApprovalRequirementPreVerify); blocked {
				return e.pause(ctx, runID, state, reason)
			}
		}

		attempt, err := e.store.CreateTaskAttempt(ctx, runID, phase)
		if err != nil {
			return "", err
		}
		started := time.Now()
		payload, phaseErr := e.runPhase(ctx, state, phase, attempt.Attempt)
		e.metrics.PhaseDuration.WithLabelValues(string(phase), attemptLabel(phaseErr)).
			Observe(time.Since(started).Seconds())

		if phaseErr != nil {
			finCtx := context.WithoutCancel(ctx)
			_ = e.store.FinishTaskAttempt(finCtx, attempt.ID, orchestrator.AttemptStatusFailed,
				payloadMap(errorPayload{Error: phaseErr.Error()}))
			e.logger.Printf("level=error msg=\"phase failed\" run=%q phase=%q attempt=%d error=%q",
				runID, phase, attempt.Attempt, phaseErr)
			return e.fail(finCtx, state, phase)
		}

		if err := e.store.FinishTaskAttempt(ctx, attempt.ID, orchestrator.AttemptStatusSucceeded, payload); err != nil {
			return "", err
		}
	}

	final := orchestrator.RunStatusSucceeded
	if state.noChanges {
		final = orchestrator.RunStatusNoChanges
	}
	return e.finish(ctx, state, final)
}

func attemptLabel(err error) string {
	if err != nil {
		return string(orchestrator.AttemptStatusFailed)
	}
	return string(orchestrator.AttemptStatusSucceeded)
}

// phaseDone reports whether a phase can be skipped on resume. The workspace
// and container phases are idempotent and always re-run because their side
// effects do not survive a pause.
func (e *Executor) phaseDone(ctx context.Context, runID uuid.UUID, phase orchestrator.Phase) bool {
	switch phase {
	case orchestrator.PhasePrepareJob, orchestrator.PhaseStartJobContainer, orchestrator.PhaseCleanup:
		return false
	}
	latest, err := e.store.LatestAttempt(ctx, runID, phase)
	if err != nil {
		return false
	}
	return latest.Status == orchestrator.AttemptStatusSucceeded || latest.Status == orchestrator.AttemptStatusSkipped
}

func (e *Executor) skipPhase(ctx context.Context, runID uuid.UUID, phase orchestrator.Phase) error {
	attempt, err := e.store.CreateTaskAttempt(ctx, runID, phase)
	if err != nil {
		return err
	}
	return e.store.FinishTaskAttempt(ctx, attempt.ID, orchestrator.AttemptStatusSkipped,
		map[string]any{"reason": "no changes produced"})
}

// approvalBlocked checks the gate for the run's repository against the given
// requirement.
func (e *Executor) approvalBlocked(run *orchestrator.Run, req orchestrator.ApprovalRequirement) (bool, string) {
	if e.gates == nil {
		return false, ""
	}
	gate := e.gates.Lookup(run.Repository)
	if gate == nil || gate.Requirement != req {
		return false, ""
	}
	decision := orchestrator.ValidateApprovalToken(gate, run.ApprovalToken, run.QueuedAt, run.ApprovalExpiresAt, time.Now().UTC())
	if decision.Allowed {
		return false, ""
	}
	return true, decision.Reason
}

// pause stops the run at awaiting_approval, tearing down the container but
// keeping the workspace so the run can resume.
func (e *Executor) pause(ctx context.Context, runID uuid.UUID, state *runState, reason string) (orchestrator.RunStatus, error) {
	e.logger.Printf("level=info msg=\"run paused for approval\" run=%q reason=%q", runID, reason)
	e.metrics.ApprovalBlocks.Inc()
	if state != nil {
		e.teardownContainer(ctx, state)
	}
	if err := e.store.SetRunStatus(ctx, runID, orchestrator.RunStatusAwaitingApproval); err != nil {
		return "", err
	}
	return orchestrator.RunStatusAwaitingApproval, nil
}

func (e *Executor) teardownContainer(ctx context.Context, state *runState) {
	if state.container == nil {
		return
	}
	if err := state.container.Stop(ctx, e.cfg.Container.StopTimeout); err != nil {
		e.logger.Printf("level=warn msg=\"container teardown failed\" run=%q error=%q", state.runID, err)
	}
	state.container = nil
}

// fail tears down and decides between failed and rolled_back: a run whose
// plan declares a rollback step rolls back when a phase at or after the
// clone has touched the checkout.
func (e *Executor) fail(ctx context.Context, state *runState, failedPhase orchestrator.Phase) (orchestrator.RunStatus, error) {
	e.teardownContainer(ctx, state)

	status := orchestrator.RunStatusFailed
	if state.run.ActionPlan.HasStep(orchestrator.PlanStepRollback) && phaseAtOrAfter(failedPhase, orchestrator.PhaseGitClone) {
		if err := e.rollback(ctx, state); err != nil {
			e.logger.Printf("level=error msg=\"rollback failed\" run=%q error=%q", state.runID, err)
		} else {
			status = orchestrator.RunStatusRolledBack
		}
	}
	return e.finish(ctx, state, status)
}

func phaseAtOrAfter(p, boundary orchestrator.Phase) bool {
	pi, bi := -1, -1
	for i, candidate := range orchestrator.Phases {
		if candidate == p {
			pi = i
		}
		if candidate == boundary {
			bi = i
		}
	}
	return pi >= 0 && bi >= 0 && pi >= bi
}

// rollback discards the checkout and isolated home, keeping artifacts for
// diagnosis, and marks the plan's rollback step.
func (e *Executor) rollback(ctx context.Context, state *runState) error {
	if err := e.workspaces.CleanupWorkspace(state.runID, false); err != nil {
		return err
	}
	if state.run.ActionPlanID != nil {
		if err := e.store.SetPlanStepStatus(ctx, *state.run.ActionPlanID, orchestrator.PlanStepRollback, orchestrator.PlanStepStatusSucceeded); err != nil {
			e.logger.Printf("level=warn msg=\"rollback step update failed\" run=%q error=%q", state.runID, err)
		}
	}
	return nil
}

func (e *Executor) finish(ctx context.Context, state *runState, status orchestrator.RunStatus) (orchestrator.RunStatus, error) {
	e.teardownContainer(ctx, state)
	switch status {
	case orchestrator.RunStatusFailed, orchestrator.RunStatusCancelled, orchestrator.RunStatusRolledBack:
		e.cleanupWorkspace(state)
	}
	if err := e.store.SetRunStatus(ctx, state.run.ID, status); err != nil {
		return "", err
	}
	e.metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	e.logger.Printf("level=info msg=\"run finished\" run=%q status=%q", state.runID, status)
	return status, nil
}

// cleanupWorkspace prunes the run's repo and home on terminal paths, keeping
// artifacts for diagnosis. Best effort: missing directories are not errors.
func (e *Executor) cleanupWorkspace(state *runState) {
	if err := e.workspaces.CleanupWorkspace(state.runID, false); err != nil {
		e.logger.Printf("level=warn msg=\"workspace cleanup failed\" run=%q error=%q", state.runID, err)
	}
}

func (e *Executor) runPhase(ctx context.Context, state *runState, phase orchestrator.Phase, attemptNum int) (map[string]any, error) {
	switch phase {
	case orchestrator.PhasePrepareJob:
		return e.prepareJob(ctx, state, attemptNum)
	case orchestrator.PhaseStartJobContainer:
		return e.startJobContainer(ctx, state)
	case orchestrator.PhaseGitClone:
		return e.gitClone(ctx, state)
	case orchestrator.PhaseSpecify, orchestrator.PhaseImplementTasks:
		return e.agentStage(ctx, state, phase)
	case orchestrator.PhasePlan:
		return e.planStage(ctx, state)
	case orchestrator.PhaseCommitPush:
		return e.commitPush(ctx, state)
	case orchestrator.PhaseOpenReviewRequest:
		return e.openReviewRequest(ctx, state)
	case orchestrator.PhaseCleanup:
		return e.cleanup(ctx, state)
	}
	return nil, fmt.Errorf("unknown phase %q", phase)
}

func (e *Executor) prepareJob(ctx context.Context, state *runState, attemptNum int) (map[string]any, error) {
	root, err := e.workspaces.EnsureWorkspace(state.runID)
	if err != nil {
		return nil, err
	}
	if state.branch == "" {
		state.branch = gitops.DeriveBranchName(state.run.FeatureKey, time.Now(), state.runID, attemptNum)
	}
	err = e.store.UpdateRun(ctx, state.run.ID, map[string]any{
		"branch_name":   state.branch,
		"artifact_root": e.workspaces.ArtifactsPath(state.runID),
	})
	if err != nil {
		return nil, err
	}
	state.run.BranchName = state.branch
	return payloadMap(preparePayload{Branch: state.branch, Workspace: root}), nil
}

func (e *Executor) startJobContainer(ctx context.Context, state *runState) (map[string]any, error) {
	sel, err := e.selector.Select(agentconfig.Overrides{})
	if err != nil {
		return nil, err
	}
	state.selection = sel
	if err := agentconfig.Persist(ctx, e.store, state.run.ID, sel); err != nil {
		return nil, err
	}

	env, err := e.workspaces.BuildJobEnvironment(workspace.JobEnvironmentParams{
		RunID:       state.runID,
		Repository:  state.run.Repository,
		BaseBranch:  state.run.BaseBranch,
		FeatureKey:  state.run.FeatureKey,
		BranchName:  state.branch,
		Instruction: state.run.Instruction,
	})
	if err != nil {
		return nil, err
	}
	for k, v := range e.collector.Collect(nil) {
		env[k] = v
	}
	for k, v := range sel.RuntimeEnv {
		env[k] = v
	}
	params := jobcontainer.StartParams{
		RunID:            state.runID,
		Image:            e.cfg.Container.Image,
		WorkspaceHostDir: e.workspaces.RunRoot(state.runID),
		WorkspaceDest:    containerWorkspaceDir,
		CredentialVolume: e.cfg.Container.CredentialVolume,
		Network:          e.cfg.Container.Network,
		Env:              env,
	}
	state.containerRoot = containerWorkspaceDir
	if vol := e.cfg.Container.WorkspaceVolume; vol != "" {
		// The shared named volume holds every run workspace, so the run's
		// directory sits one level below the mount point.
		params.WorkspaceVolume = vol
		params.WorkspaceHostDir = ""
		state.containerRoot = containerWorkspaceDir + "/" + state.runID
	}
	// Inside the container the workspace is mounted under
	// containerWorkspaceDir, so the path variables are rewritten
	// container-relative.
	env["SPEC_WORKSPACE_ROOT"] = state.containerRoot
	env["SPEC_REPO_PATH"] = state.containerRoot + "/repo"
	env["SPEC_ARTIFACTS_PATH"] = state.containerRoot + "/artifacts"
	env["HOME"] = state.containerRoot + "/home"

	c, err := e.containers.Start(ctx, params)
	if err != nil {
		return nil, err
	}
	state.container = c
	if err := e.store.UpdateRun(ctx, state.run.ID, map[string]any{"job_container_id": c.ID}); err != nil {
		return nil, err
	}
	return payloadMap(containerPayload{ContainerID: c.ID, Backend: sel.Backend, Version: sel.Version}), nil
}

func (e *Executor) gitClone(ctx context.Context, state *runState) (map[string]any, error) {
	repoDir := e.workspaces.RepoPath(state.runID)
	if err := e.git.Clone(ctx, state.run.Repository, state.run.BaseBranch, state.branch, repoDir); err != nil {
		return nil, err
	}
	return payloadMap(clonePayload{
		Repository: state.run.Repository,
		BaseBranch: state.run.BaseBranch,
		Branch:     state.branch,
	}), nil
}

// planStage runs the plan phase and attaches a system plan when the run has
// none, so every run carries rollback semantics downstream phases can read.
func (e *Executor) planStage(ctx context.Context, state *runState) (map[string]any, error) {
	if state.run.ActionPlanID == nil {
		plan, err := e.store.AttachPlan(ctx, state.run.ID, orchestrator.PlanOriginSystem,
			[]orchestrator.PlanStepName{
				orchestrator.PlanStepAnalyze,
				orchestrator.PlanStepPatch,
				orchestrator.PlanStepVerify,
				orchestrator.PlanStepRollback,
			},
			map[string]any{"instruction": state.run.Instruction})
		if err != nil {
			return nil, err
		}
		state.run.ActionPlanID = &plan.ID
		state.run.ActionPlan = plan
	}
	return e.agentStage(ctx, state, orchestrator.PhasePlan)
}

// agentStage routes one agent phase through the skills runner. The direct
// path execs the selected backend inside the job container.
func (e *Executor) agentStage(ctx context.Context, state *runState, phase orchestrator.Phase) (map[string]any, error) {
	if state.container == nil || state.selection == nil {
		return nil, errors.New("agent stage requires a running job container")
	}
	stage := string(phase)

	var result *jobcontainer.ExecResult
	direct := func(ctx context.Context) error {
		res, err := state.container.Exec(ctx, state.containerRoot+"/repo", state.selection.RuntimeEnv,
			state.selection.Backend, "run", "--stage", stage, "--instruction", state.run.Instruction)
		if err != nil {
			return err
		}
		result = res
		if res.ExitCode != 0 {
			return fmt.Errorf("%s stage exited %d: %s", stage, res.ExitCode, tail(res.Stderr, 512))
		}
		return nil
	}

	outcome, err := e.skills.Run(ctx, state.runID, stage, "", direct)
	if outcome.Path == skills.PathDirectFallback {
		e.metrics.SkillFallbacks.WithLabelValues(stage).Inc()
	}
	if err != nil {
		return nil, err
	}

	payload := agentStagePayload{Path: outcome.Path, Skill: outcome.Skill}
	if outcome.SkillErr != nil {
		payload.SkillErr = outcome.SkillErr.Error()
	}
	if result != nil {
		payload.ExitCode = result.ExitCode
		payload.DurationS = result.Duration().Seconds()
		if logPath, err := e.writeStageLog(ctx, state, phase, result); err != nil {
			e.logger.Printf("level=warn msg=\"stage log capture failed\" run=%q phase=%q error=%q", state.runID, phase, err)
		} else {
			payload.LogPath = logPath
		}
	}
	return payloadMap(payload), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func (e *Executor) commitPush(ctx context.Context, state *runState) (map[string]any, error) {
	repoDir := e.workspaces.RepoPath(state.runID)
	message := fmt.Sprintf("%s: %s", state.run.FeatureKey, firstLine(state.run.Instruction))
	committed, err := e.git.Commit(ctx, repoDir, message)
	if err != nil {
		return nil, err
	}
	if !committed {
		state.noChanges = true
		e.logger.Printf("level=info msg=\"no changes produced, skipping push\" run=%q", state.runID)
		return payloadMap(commitPushPayload{Committed: false}), nil
	}
	// Retry attempts push fresh branch names, so the push is never forced.
	ref, err := e.git.Push(ctx, repoDir, state.branch, false)
	if err != nil {
		return nil, err
	}
	return payloadMap(commitPushPayload{Committed: true, PushedRef: ref}), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if len(s) > 72 {
		s = s[:72]
	}
	return s
}

func (e *Executor) openReviewRequest(ctx context.Context, state *runState) (map[string]any, error) {
	repoDir := e.workspaces.RepoPath(state.runID)
	title := fmt.Sprintf("%s: %s", state.run.FeatureKey, firstLine(state.run.Instruction))
	body := state.run.Instruction
	if e.renderer != nil {
		rendered, err := e.renderer.Render("review_body.tmpl", map[string]any{
			"Instruction": state.run.Instruction,
			"FeatureKey":  state.run.FeatureKey,
			"RunID":       state.runID,
			"Branch":      state.branch,
			"BaseBranch":  state.run.BaseBranch,
		})
		if err != nil {
			e.logger.Printf("level=warn msg=\"render review body\" run=%q error=%q", state.runID, err)
		} else {
			body = rendered
		}
	}
	url, err := e.git.OpenReviewRequest(ctx, repoDir, state.run.BaseBranch, state.branch, title, body)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateRun(ctx, state.run.ID, map[string]any{"pull_request_url": url}); err != nil {
		return nil, err
	}
	return payloadMap(reviewPayload{URL: url}), nil
}

func (e *Executor) cleanup(ctx context.Context, state *runState) (map[string]any, error) {
	e.teardownContainer(ctx, state)

	payload := cleanupPayload{}
	if e.archiver != nil {
		res, err := e.archiver.Archive(ctx, state.runID, e.workspaces.ArtifactsPath(state.runID))
		switch {
		case err != nil:
			e.logger.Printf("level=warn msg=\"artifact archive failed\" run=%q error=%q", state.runID, err)
		default:
			payload.ArchiveKey = res.Key
			payload.ArchiveChecksum = res.Checksum
			payload.ArchiveBytes = res.SizeBytes
			err = e.store.UpdateRun(ctx, state.run.ID, map[string]any{
				"archive_url":      res.URL,
				"archive_checksum": res.Checksum,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	if err := e.workspaces.CleanupWorkspace(state.runID, false); err != nil {
		return nil, err
	}
	return payloadMap(payload), nil
}

// writeStageLog stores a stage's output streams under the run's artifacts
// directory and records each as a typed artifact. Stderr gets its own file
// and artifact so stdout logs stay a clean transcript of the agent output.
func (e *Executor) writeStageLog(ctx context.Context, state *runState, phase orchestrator.Phase, res *jobcontainer.ExecResult) (string, error) {
	stdoutType := orchestrator.ArtifactStdoutLog
	if phase == orchestrator.PhasePlan {
		stdoutType = orchestrator.ArtifactPlanSnapshot
	}
	path, err := e.writeStageArtifact(ctx, state, string(phase)+".log", res.Stdout, stdoutType)
	if err != nil {
		return "", err
	}
	if res.Stderr != "" {
		if _, err := e.writeStageArtifact(ctx, state, string(phase)+".stderr.log", res.Stderr, orchestrator.ArtifactStderrLog); err != nil {
			return "", err
		}
	}
	return path, nil
}

func (e *Executor) writeStageArtifact(ctx context.Context, state *runState, rel, content string, typ orchestrator.ArtifactType) (string, error) {
	path, err := e.workspaces.EnsureArtifactFile(state.runID, rel)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	size := int64(len(content))
	err = e.store.RecordArtifact(ctx, &orchestrator.Artifact{
		RunID:       state.run.ID,
		Type:        typ,
		StoragePath: path,
		SizeBytes:   &size,
		ExpiresAt:   time.Now().UTC().Add(e.cfg.Workspace.Retention),
	})
	if err != nil {
		return "", err
	}
	return path, nil
}
