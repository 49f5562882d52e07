package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Run is the persisted record for one end-to-end execution of the
// instruction-to-pull-request pipeline.
type Run struct {
	ID                uuid.UUID     `gorm:"type:uuid;primaryKey"`
	Repository        string        `gorm:"type:text;not null;index"`
	BaseBranch        string        `gorm:"type:text;not null"`
	FeatureKey        string        `gorm:"type:text;not null;index"`
	BranchName        string        `gorm:"type:text"`
	Priority          RunPriority   `gorm:"type:text;not null"`
	Status            RunStatus     `gorm:"type:text;not null;index"`
	Instruction       string        `gorm:"type:text;not null"`
	PullRequestURL    string        `gorm:"type:text"`
	WorkerHostname    string        `gorm:"type:text"`
	JobContainerID    string        `gorm:"type:text"`
	ArtifactRoot      string        `gorm:"type:text"`
	ArchiveURL        string        `gorm:"type:text"`
	ArchiveChecksum   string        `gorm:"type:text"`
	ActionPlanID      *uuid.UUID    `gorm:"type:uuid"`
	ApprovalGateID    *uuid.UUID    `gorm:"type:uuid"`
	ApprovalToken     *string       `gorm:"type:text"`
	ApprovalExpiresAt *time.Time    `gorm:"type:timestamptz"`
	QueuedAt          time.Time     `gorm:"type:timestamptz;not null;default:now()"`
	StartedAt         *time.Time    `gorm:"type:timestamptz"`
	CompletedAt       *time.Time    `gorm:"type:timestamptz"`
	ActionPlan        *ActionPlan   `gorm:"foreignKey:ActionPlanID;references:ID"`
	ApprovalGate      *ApprovalGate `gorm:"foreignKey:ApprovalGateID;references:ID"`
}

func (Run) TableName() string { return "runs" }

// ActionPlan holds the ordered steps a run executes. Immutable once attached
// to a run.
type ActionPlan struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Origin    PlanOrigin        `gorm:"type:text;not null"`
	Context   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Steps     []PlanStep        `gorm:"foreignKey:ActionPlanID;references:ID"`
}

func (ActionPlan) TableName() string { return "action_plans" }

// HasStep reports whether the plan declares the named step.
func (p *ActionPlan) HasStep(name PlanStepName) bool {
	if p == nil {
		return false
	}
	for _, step := range p.Steps {
		if step.Step == name {
			return true
		}
	}
	return false
}

// PlanStep is one ordered operation within an action plan.
type PlanStep struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	ActionPlanID uuid.UUID      `gorm:"type:uuid;not null"`
	Position     int            `gorm:"not null"`
	Step         PlanStepName   `gorm:"type:text;not null"`
	Status       PlanStepStatus `gorm:"type:text;not null"`
}

func (PlanStep) TableName() string { return "plan_steps" }

// ApprovalGate requires human sign-off before specific run transitions for a
// target service.
type ApprovalGate struct {
	ID              uuid.UUID                   `gorm:"type:uuid;primaryKey"`
	ServiceName     string                      `gorm:"type:text;uniqueIndex;not null"`
	Requirement     ApprovalRequirement         `gorm:"type:text;not null"`
	ApproverRoles   datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	ValidForMinutes int                         `gorm:"not null"`
	CreatedAt       time.Time                   `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (ApprovalGate) TableName() string { return "approval_gates" }

const minGateValidityMinutes = 5

// Validate enforces the gate invariants before persistence.
func (g *ApprovalGate) Validate() error {
	switch g.Requirement {
	case ApprovalRequirementNone:
		return nil
	case ApprovalRequirementPreRun, ApprovalRequirementPreVerify:
	default:
		return fmt.Errorf("unknown approval requirement %q", g.Requirement)
	}
	if len(g.ApproverRoles) == 0 {
		return errors.New("approval gate requires at least one approver role")
	}
	if g.ValidForMinutes < minGateValidityMinutes {
		return fmt.Errorf("approval validity window must be at least %d minutes, got %d",
			minGateValidityMinutes, g.ValidForMinutes)
	}
	return nil
}

// TaskAttempt is one execution attempt of a phase within a run. Retries
// create new attempts rather than mutating prior ones.
type TaskAttempt struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	RunID       uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:uq_task_attempt"`
	Phase       Phase             `gorm:"type:text;not null;uniqueIndex:uq_task_attempt"`
	Attempt     int               `gorm:"not null;uniqueIndex:uq_task_attempt"`
	Status      AttemptStatus     `gorm:"type:text;not null"`
	StartedAt   *time.Time        `gorm:"type:timestamptz"`
	CompletedAt *time.Time        `gorm:"type:timestamptz"`
	Payload     datatypes.JSONMap `gorm:"type:jsonb"`
}

func (TaskAttempt) TableName() string { return "task_attempts" }

// Artifact is a typed file produced by a phase, owned by a run and optionally
// scoped to one task attempt.
type Artifact struct {
	ID            uuid.UUID    `gorm:"type:uuid;primaryKey"`
	RunID         uuid.UUID    `gorm:"type:uuid;not null;uniqueIndex:uq_artifact_path"`
	TaskAttemptID *uuid.UUID   `gorm:"type:uuid"`
	Type          ArtifactType `gorm:"type:text;not null;uniqueIndex:uq_artifact_path"`
	StoragePath   string       `gorm:"type:text;not null;uniqueIndex:uq_artifact_path"`
	Checksum      *string      `gorm:"type:text"`
	SizeBytes     *int64       `gorm:""`
	ExpiresAt     time.Time    `gorm:"type:timestamptz;not null;index"`
	CreatedAt     time.Time    `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Artifact) TableName() string { return "artifacts" }

// Validate enforces the artifact invariants before persistence.
func (a *Artifact) Validate() error {
	if !a.Type.Valid() {
		return fmt.Errorf("unknown artifact type %q", a.Type)
	}
	if a.StoragePath == "" {
		return errors.New("artifact storage path must not be empty")
	}
	if a.SizeBytes != nil && *a.SizeBytes < 0 {
		return fmt.Errorf("artifact size must not be negative, got %d", *a.SizeBytes)
	}
	if a.ExpiresAt.IsZero() {
		return errors.New("artifact expiry is required for garbage collection")
	}
	return nil
}

// AgentConfiguration snapshots the backend, version, prompt pack, and
// redacted runtime environment resolved for a run.
type AgentConfiguration struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey"`
	RunID             uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex"`
	Backend           string            `gorm:"type:text;not null"`
	Version           string            `gorm:"type:text;not null"`
	PromptPackVersion *string           `gorm:"type:text"`
	RuntimeEnv        datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt         time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt         time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (AgentConfiguration) TableName() string { return "agent_configurations" }
