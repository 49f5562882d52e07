package api

import (
	"time"

	"github.com/google/uuid"

	"specd/services/orchestrator"
)

// RunView is the external representation of a run.
type RunView struct {
	ID             uuid.UUID                `json:"id"`
	Repository     string                   `json:"repository"`
	BaseBranch     string                   `json:"base_branch"`
	FeatureKey     string                   `json:"feature_key"`
	BranchName     string                   `json:"branch_name,omitempty"`
	Priority       orchestrator.RunPriority `json:"priority"`
	Status         orchestrator.RunStatus   `json:"status"`
	PullRequestURL string                   `json:"pull_request_url,omitempty"`
	WorkerHostname string                   `json:"worker_hostname,omitempty"`
	ArchiveURL     string                   `json:"archive_url,omitempty"`
	PlanSteps      []PlanStepView           `json:"plan_steps,omitempty"`
	QueuedAt       time.Time                `json:"queued_at"`
	StartedAt      *time.Time               `json:"started_at,omitempty"`
	CompletedAt    *time.Time               `json:"completed_at,omitempty"`
}

// PlanStepView is the external representation of one plan step.
type PlanStepView struct {
	Position int                         `json:"position"`
	Step     orchestrator.PlanStepName   `json:"step"`
	Status   orchestrator.PlanStepStatus `json:"status"`
}

func runView(run *orchestrator.Run) RunView {
	view := RunView{
		ID:             run.ID,
		Repository:     run.Repository,
		BaseBranch:     run.BaseBranch,
		FeatureKey:     run.FeatureKey,
		BranchName:     run.BranchName,
		Priority:       run.Priority,
		Status:         run.Status,
		PullRequestURL: run.PullRequestURL,
		WorkerHostname: run.WorkerHostname,
		ArchiveURL:     run.ArchiveURL,
		QueuedAt:       run.QueuedAt,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
	}
	if run.ActionPlan != nil {
		for _, step := range run.ActionPlan.Steps {
			view.PlanSteps = append(view.PlanSteps, PlanStepView{
				Position: step.Position,
				Step:     step.Step,
				Status:   step.Status,
			})
		}
	}
	return view
}
