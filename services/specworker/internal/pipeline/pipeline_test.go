package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/datatypes"

	"specd/pkg/config"
	"specd/services/orchestrator"
	"specd/services/specworker/internal/agentconfig"
	"specd/services/specworker/internal/jobcontainer"
	"specd/services/specworker/internal/secrets"
	"specd/services/specworker/internal/skills"
	"specd/services/specworker/internal/workspace"
)

type memStore struct {
	mu        sync.Mutex
	runs      map[uuid.UUID]*orchestrator.Run
	attempts  []*orchestrator.TaskAttempt
	plans     map[uuid.UUID]*orchestrator.ActionPlan
	artifacts []*orchestrator.Artifact
	agentCfgs map[uuid.UUID]*orchestrator.AgentConfiguration
	statuses  []orchestrator.RunStatus

	// cancelAfter simulates an external caller cancelling the run once the
	// named phase has completed.
	cancelAfter orchestrator.Phase
}

func newMemStore() *memStore {
	return &memStore{
		runs:      map[uuid.UUID]*orchestrator.Run{},
		plans:     map[uuid.UUID]*orchestrator.ActionPlan{},
		agentCfgs: map[uuid.UUID]*orchestrator.AgentConfiguration{},
	}
}

func (m *memStore) addRun(run *orchestrator.Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
}

func (m *memStore) GetRun(_ context.Context, id uuid.UUID) (*orchestrator.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, orchestrator.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (m *memStore) SetRunStatus(_ context.Context, id uuid.UUID, status orchestrator.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return orchestrator.ErrNotFound
	}
	run.Status = status
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *memStore) UpdateRun(_ context.Context, id uuid.UUID, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return orchestrator.ErrNotFound
	}
	for col, v := range updates {
		switch col {
		case "worker_hostname":
			run.WorkerHostname = v.(string)
		case "branch_name":
			run.BranchName = v.(string)
		case "artifact_root":
			run.ArtifactRoot = v.(string)
		case "job_container_id":
			run.JobContainerID = v.(string)
		case "pull_request_url":
			run.PullRequestURL = v.(string)
		case "archive_url":
			run.ArchiveURL = v.(string)
		case "archive_checksum":
			run.ArchiveChecksum = v.(string)
		case "action_plan_id":
			id := v.(uuid.UUID)
			run.ActionPlanID = &id
		default:
			return fmt.Errorf("unexpected update column %q", col)
		}
	}
	return nil
}

func (m *memStore) CreateTaskAttempt(_ context.Context, runID uuid.UUID, phase orchestrator.Phase) (*orchestrator.TaskAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, a := range m.attempts {
		if a.RunID == runID && a.Phase == phase && a.Attempt > max {
			max = a.Attempt
		}
	}
	now := time.Now().UTC()
	attempt := &orchestrator.TaskAttempt{
		ID:        uuid.New(),
		RunID:     runID,
		Phase:     phase,
		Attempt:   max + 1,
		Status:    orchestrator.AttemptStatusRunning,
		StartedAt: &now,
	}
	m.attempts = append(m.attempts, attempt)
	return attempt, nil
}

func (m *memStore) FinishTaskAttempt(_ context.Context, id uuid.UUID, status orchestrator.AttemptStatus, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.ID == id {
			now := time.Now().UTC()
			a.Status = status
			a.CompletedAt = &now
			a.Payload = datatypes.JSONMap(payload)
			if m.cancelAfter != "" && a.Phase == m.cancelAfter && status == orchestrator.AttemptStatusSucceeded {
				if run, ok := m.runs[a.RunID]; ok {
					run.Status = orchestrator.RunStatusCancelled
				}
			}
			return nil
		}
	}
	return orchestrator.ErrNotFound
}

func (m *memStore) LatestAttempt(_ context.Context, runID uuid.UUID, phase orchestrator.Phase) (*orchestrator.TaskAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *orchestrator.TaskAttempt
	for _, a := range m.attempts {
		if a.RunID == runID && a.Phase == phase && (latest == nil || a.Attempt > latest.Attempt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, orchestrator.ErrNotFound
	}
	return latest, nil
}

func (m *memStore) RecordArtifact(_ context.Context, a *orchestrator.Artifact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts = append(m.artifacts, a)
	return nil
}

func (m *memStore) AttachPlan(_ context.Context, runID uuid.UUID, origin orchestrator.PlanOrigin, steps []orchestrator.PlanStepName, planCtx map[string]any) (*orchestrator.ActionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, orchestrator.ErrNotFound
	}
	plan := &orchestrator.ActionPlan{ID: uuid.New(), Origin: origin, Context: datatypes.JSONMap(planCtx)}
	for i, s := range steps {
		plan.Steps = append(plan.Steps, orchestrator.PlanStep{
			ID: uuid.New(), ActionPlanID: plan.ID, Position: i,
			Step: s, Status: orchestrator.PlanStepStatusPending,
		})
	}
	m.plans[plan.ID] = plan
	run.ActionPlanID = &plan.ID
	run.ActionPlan = plan
	return plan, nil
}

func (m *memStore) SetPlanStepStatus(_ context.Context, planID uuid.UUID, step orchestrator.PlanStepName, status orchestrator.PlanStepStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[planID]
	if !ok {
		return orchestrator.ErrNotFound
	}
	for i := range plan.Steps {
		if plan.Steps[i].Step == step {
			plan.Steps[i].Status = status
			return nil
		}
	}
	return orchestrator.ErrNotFound
}

func (m *memStore) UpsertAgentConfiguration(_ context.Context, cfg *orchestrator.AgentConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentCfgs[cfg.RunID] = cfg
	return nil
}

func (m *memStore) attemptStatus(runID uuid.UUID, phase orchestrator.Phase) orchestrator.AttemptStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *orchestrator.TaskAttempt
	for _, a := range m.attempts {
		if a.RunID == runID && a.Phase == phase && (latest == nil || a.Attempt > latest.Attempt) {
			latest = a
		}
	}
	if latest == nil {
		return ""
	}
	return latest.Status
}

type fakeGit struct {
	commitResult bool
	pushErr      error
	pushed       []string
	pushForced   []bool
	reviewBody   string
}

func (f *fakeGit) Clone(context.Context, string, string, string, string) error { return nil }

func (f *fakeGit) Commit(context.Context, string, string) (bool, error) {
	return f.commitResult, nil
}

func (f *fakeGit) Push(_ context.Context, _, branch string, force bool) (string, error) {
	if f.pushErr != nil {
		return "", f.pushErr
	}
	f.pushed = append(f.pushed, branch)
	f.pushForced = append(f.pushForced, force)
	return "origin/" + branch, nil
}

func (f *fakeGit) OpenReviewRequest(_ context.Context, _, _, branch, _, body string) (string, error) {
	f.reviewBody = body
	return "https://example.invalid/pulls/" + branch, nil
}

type fakeGates struct {
	gate *orchestrator.ApprovalGate
}

func (f *fakeGates) Lookup(string) *orchestrator.ApprovalGate { return f.gate }

type testHarness struct {
	store    *memStore
	git      *fakeGit
	gates    *fakeGates
	executor *Executor
	run      *orchestrator.Run
	ws       *workspace.Manager
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	store := newMemStore()
	ws, err := workspace.NewManager(t.TempDir(), "runs", logger)
	if err != nil {
		t.Fatal(err)
	}
	containers, err := jobcontainer.NewManager("docker", true, logger)
	if err != nil {
		t.Fatal(err)
	}
	selector, err := agentconfig.NewSelector(agentconfig.Params{
		DefaultBackend:  "codex",
		Version:         "1.0.0",
		AllowedBackends: []string{"codex"},
	})
	if err != nil {
		t.Fatal(err)
	}
	policy, err := skills.NewPolicy(true, 100, "speckit", skills.PolicyPermissive, nil, nil, true, false)
	if err != nil {
		t.Fatal(err)
	}
	runner, err := skills.NewRunner(policy, skills.DefaultRegistry(), logger)
	if err != nil {
		t.Fatal(err)
	}

	git := &fakeGit{commitResult: true}
	gates := &fakeGates{}
	executor, err := NewExecutor(Params{
		Config: config.Workflow{
			Workspace: config.Workspace{Retention: 24 * time.Hour},
			Container: config.Container{Image: "spec-runner:latest", StopTimeout: time.Second},
		},
		Store:      store,
		Workspaces: ws,
		Containers: containers,
		Git:        git,
		Selector:   selector,
		Skills:     runner,
		Gates:      gates,
		Metrics:    orchestrator.NewMetrics(prometheus.NewRegistry()),
		Collector: secrets.NewCollector(
			secrets.WithLookup(func(string) (string, bool) { return "", false }),
			secrets.WithEnviron(func() []string { return nil }),
		),
		Hostname: "worker-1",
		Logger:   logger,
	})
	if err != nil {
		t.Fatal(err)
	}

	run := &orchestrator.Run{
		ID:          uuid.New(),
		Repository:  "git@example.com:org/app.git",
		BaseBranch:  "main",
		FeatureKey:  "fr-1",
		Priority:    orchestrator.RunPriorityNormal,
		Status:      orchestrator.RunStatusQueued,
		Instruction: "add structured logging to the ingest service",
		QueuedAt:    time.Now().UTC(),
	}
	store.addRun(run)

	return &testHarness{store: store, git: git, gates: gates, executor: executor, run: run, ws: ws}
}

func TestExecuteRunHappyPath(t *testing.T) {
	h := newHarness(t)

	status, err := h.executor.ExecuteRun(context.Background(), h.run.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if status != orchestrator.RunStatusSucceeded {
		t.Fatalf("status = %q", status)
	}

	for _, phase := range orchestrator.Phases {
		if got := h.store.attemptStatus(h.run.ID, phase); got != orchestrator.AttemptStatusSucceeded {
			t.Errorf("phase %s attempt = %q, want succeeded", phase, got)
		}
	}

	run, _ := h.store.GetRun(context.Background(), h.run.ID)
	if run.BranchName == "" || run.WorkerHostname != "worker-1" {
		t.Errorf("run fields not stamped: %+v", run)
	}
	if run.PullRequestURL != "https://example.invalid/pulls/"+run.BranchName {
		t.Errorf("pull request url = %q", run.PullRequestURL)
	}
	if run.ActionPlanID == nil {
		t.Error("a system plan should be attached during the plan phase")
	}
	if len(h.git.pushed) != 1 || h.git.pushed[0] != run.BranchName {
		t.Errorf("pushed = %v", h.git.pushed)
	}
	if len(h.git.pushForced) != 1 || h.git.pushForced[0] {
		t.Errorf("pipeline pushes must not force: %v", h.git.pushForced)
	}
	if _, ok := h.store.agentCfgs[h.run.ID]; !ok {
		t.Error("agent configuration should be persisted")
	}
}

func TestExecuteRunNoChanges(t *testing.T) {
	h := newHarness(t)
	h.git.commitResult = false

	status, err := h.executor.ExecuteRun(context.Background(), h.run.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if status != orchestrator.RunStatusNoChanges {
		t.Fatalf("status = %q", status)
	}
	if got := h.store.attemptStatus(h.run.ID, orchestrator.PhaseOpenReviewRequest); got != orchestrator.AttemptStatusSkipped {
		t.Errorf("open_review_request = %q, want skipped", got)
	}
	if got := h.store.attemptStatus(h.run.ID, orchestrator.PhaseCleanup); got != orchestrator.AttemptStatusSucceeded {
		t.Errorf("cleanup = %q, want succeeded", got)
	}
	if len(h.git.pushed) != 0 {
		t.Error("nothing should be pushed without a commit")
	}
}

func TestExecuteRunPushFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.git.pushErr = errors.New("remote rejected")

	status, err := h.executor.ExecuteRun(context.Background(), h.run.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	// The system plan declares a rollback step and the failure happened
	// after the clone, so the run rolls back instead of plain failing.
	if status != orchestrator.RunStatusRolledBack {
		t.Fatalf("status = %q", status)
	}
	if got := h.store.attemptStatus(h.run.ID, orchestrator.PhaseCommitPush); got != orchestrator.AttemptStatusFailed {
		t.Errorf("commit_push = %q, want failed", got)
	}

	run, _ := h.store.GetRun(context.Background(), h.run.ID)
	plan := h.store.plans[*run.ActionPlanID]
	for _, step := range plan.Steps {
		if step.Step == orchestrator.PlanStepRollback && step.Status != orchestrator.PlanStepStatusSucceeded {
			t.Errorf("rollback step = %q, want succeeded", step.Status)
		}
	}
}

func TestExecuteRunHonorsExternalCancellation(t *testing.T) {
	h := newHarness(t)
	h.store.cancelAfter = orchestrator.PhaseGitClone

	status, err := h.executor.ExecuteRun(context.Background(), h.run.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if status != orchestrator.RunStatusCancelled {
		t.Fatalf("status = %q", status)
	}
	if got := h.store.attemptStatus(h.run.ID, orchestrator.PhaseSpecify); got != "" {
		t.Errorf("specify ran after cancellation: %q", got)
	}

	// The cancellation path prunes repo and home but keeps artifacts.
	runID := h.run.ID.String()
	if _, err := os.Stat(h.ws.RepoPath(runID)); !os.IsNotExist(err) {
		t.Error("repo dir should be removed on the cancellation path")
	}
	if _, err := os.Stat(h.ws.ArtifactsPath(runID)); err != nil {
		t.Errorf("artifacts dir should survive cleanup: %v", err)
	}
}

func TestExecuteRunFailureCleansWorkspace(t *testing.T) {
	h := newHarness(t)
	h.git.pushErr = errors.New("remote rejected")

	if _, err := h.executor.ExecuteRun(context.Background(), h.run.ID); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	runID := h.run.ID.String()
	if _, err := os.Stat(h.ws.RepoPath(runID)); !os.IsNotExist(err) {
		t.Error("repo dir should be removed on the failure path")
	}
	if _, err := os.Stat(h.ws.ArtifactsPath(runID)); err != nil {
		t.Errorf("artifacts dir should survive cleanup: %v", err)
	}
}

func TestWriteStageLogSeparatesStreams(t *testing.T) {
	h := newHarness(t)
	state := &runState{run: h.run, runID: h.run.ID.String()}
	res := &jobcontainer.ExecResult{
		Stdout: "applied 3 patches\n",
		Stderr: "warn: lockfile drift\n",
	}

	path, err := h.executor.writeStageLog(context.Background(), state, orchestrator.PhaseImplementTasks, res)
	if err != nil {
		t.Fatalf("writeStageLog: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != res.Stdout {
		t.Errorf("stdout log = %q, must not carry stderr", data)
	}

	byType := map[orchestrator.ArtifactType]*orchestrator.Artifact{}
	for _, a := range h.store.artifacts {
		byType[a.Type] = a
	}
	if byType[orchestrator.ArtifactStdoutLog] == nil {
		t.Fatal("stdout_log artifact not recorded")
	}
	stderrArt := byType[orchestrator.ArtifactStderrLog]
	if stderrArt == nil {
		t.Fatal("stderr_log artifact not recorded")
	}
	data, err = os.ReadFile(stderrArt.StoragePath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != res.Stderr {
		t.Errorf("stderr log = %q", data)
	}
}

func TestWriteStageLogSkipsEmptyStderr(t *testing.T) {
	h := newHarness(t)
	state := &runState{run: h.run, runID: h.run.ID.String()}

	_, err := h.executor.writeStageLog(context.Background(), state, orchestrator.PhaseSpecify,
		&jobcontainer.ExecResult{Stdout: "ok\n"})
	if err != nil {
		t.Fatalf("writeStageLog: %v", err)
	}
	for _, a := range h.store.artifacts {
		if a.Type == orchestrator.ArtifactStderrLog {
			t.Error("no stderr_log artifact expected for a quiet stage")
		}
	}
}

func TestExecuteRunPreRunApprovalBlocks(t *testing.T) {
	h := newHarness(t)
	h.gates.gate = &orchestrator.ApprovalGate{
		ServiceName:     h.run.Repository,
		Requirement:     orchestrator.ApprovalRequirementPreRun,
		ApproverRoles:   datatypes.JSONSlice[string]{"sre"},
		ValidForMinutes: 30,
	}

	status, err := h.executor.ExecuteRun(context.Background(), h.run.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if status != orchestrator.RunStatusAwaitingApproval {
		t.Fatalf("status = %q", status)
	}
	if len(h.store.attempts) != 0 {
		t.Error("no phase should run before pre-run approval")
	}
}

func TestExecuteRunPreVerifyApprovalPausesThenResumes(t *testing.T) {
	h := newHarness(t)
	h.gates.gate = &orchestrator.ApprovalGate{
		ServiceName:     h.run.Repository,
		Requirement:     orchestrator.ApprovalRequirementPreVerify,
		ApproverRoles:   datatypes.JSONSlice[string]{"sre"},
		ValidForMinutes: 30,
	}

	status, err := h.executor.ExecuteRun(context.Background(), h.run.ID)
	if err != nil {
		t.Fatalf("first execution: %v", err)
	}
	if status != orchestrator.RunStatusAwaitingApproval {
		t.Fatalf("status = %q", status)
	}
	if got := h.store.attemptStatus(h.run.ID, orchestrator.PhaseCommitPush); got != orchestrator.AttemptStatusSucceeded {
		t.Fatalf("commit_push before pause = %q", got)
	}
	if got := h.store.attemptStatus(h.run.ID, orchestrator.PhaseOpenReviewRequest); got != "" {
		t.Fatalf("open_review_request should not have run, got %q", got)
	}

	// Approve and redeliver.
	token := "approved-by-sre"
	h.store.mu.Lock()
	h.store.runs[h.run.ID].ApprovalToken = &token
	h.store.mu.Unlock()

	specifyBefore := h.countAttempts(orchestrator.PhaseSpecify)
	status, err = h.executor.ExecuteRun(context.Background(), h.run.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if status != orchestrator.RunStatusSucceeded {
		t.Fatalf("resumed status = %q", status)
	}
	if got := h.countAttempts(orchestrator.PhaseSpecify); got != specifyBefore {
		t.Errorf("specify re-ran on resume: %d attempts, had %d", got, specifyBefore)
	}
	run, _ := h.store.GetRun(context.Background(), h.run.ID)
	if run.PullRequestURL == "" {
		t.Error("resumed run should open the review request")
	}
}

func (h *testHarness) countAttempts(phase orchestrator.Phase) int {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	n := 0
	for _, a := range h.store.attempts {
		if a.Phase == phase {
			n++
		}
	}
	return n
}

func TestExecuteRunTerminalRedeliveryIsNoop(t *testing.T) {
	h := newHarness(t)
	h.store.mu.Lock()
	h.store.runs[h.run.ID].Status = orchestrator.RunStatusSucceeded
	h.store.mu.Unlock()

	status, err := h.executor.ExecuteRun(context.Background(), h.run.ID)
	if err != nil || status != orchestrator.RunStatusSucceeded {
		t.Fatalf("(%q, %v)", status, err)
	}
	if len(h.store.attempts) != 0 {
		t.Error("terminal run must not execute phases")
	}
}

func TestExecuteRunCancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	status, err := h.executor.ExecuteRun(ctx, h.run.ID)
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if status != orchestrator.RunStatusCancelled {
		t.Fatalf("status = %q", status)
	}
}

type renderFunc func(name string, data any) (string, error)

func (f renderFunc) Render(name string, data any) (string, error) { return f(name, data) }

func TestReviewBodyUsesRenderer(t *testing.T) {
	h := newHarness(t)
	h.executor.renderer = renderFunc(func(name string, data any) (string, error) {
		if name != "review_body.tmpl" {
			t.Errorf("template = %q", name)
		}
		fields := data.(map[string]any)
		return "rendered body for " + fields["FeatureKey"].(string), nil
	})

	if _, err := h.executor.ExecuteRun(context.Background(), h.run.ID); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if h.git.reviewBody != "rendered body for fr-1" {
		t.Fatalf("review body = %q", h.git.reviewBody)
	}
}

func TestReviewBodyFallsBackWithoutRenderer(t *testing.T) {
	h := newHarness(t)

	if _, err := h.executor.ExecuteRun(context.Background(), h.run.ID); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if h.git.reviewBody != h.run.Instruction {
		t.Fatalf("review body = %q, want raw instruction", h.git.reviewBody)
	}
}
