package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"specd/pkg/db"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store persists runs, plans, attempts, artifacts, and agent configurations.
type Store struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
}

// NewStore wires a Store over the shared ORM handle and pgx pool.
func NewStore(orm *gorm.DB, pool *pgxpool.Pool) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm handle is required")
	}
	if pool == nil {
		return nil, errors.New("pgx pool is required")
	}
	return &Store{orm: orm, pool: pool}, nil
}

// NewRunParams carries the operator-supplied fields for run creation.
type NewRunParams struct {
	Repository  string
	BaseBranch  string
	FeatureKey  string
	Instruction string
	Priority    RunPriority
}

// CreateRun inserts a new run in the queued state.
func (s *Store) CreateRun(ctx context.Context, p NewRunParams) (*Run, error) {
	if p.Repository == "" {
		return nil, errors.New("repository is required")
	}
	if p.BaseBranch == "" {
		return nil, errors.New("base branch is required")
	}
	if p.FeatureKey == "" {
		return nil, errors.New("feature key is required")
	}
	if p.Instruction == "" {
		return nil, errors.New("instruction is required")
	}
	if p.Priority == "" {
		p.Priority = RunPriorityNormal
	}
	run := &Run{
		ID:          uuid.New(),
		Repository:  p.Repository,
		BaseBranch:  p.BaseBranch,
		FeatureKey:  p.FeatureKey,
		Priority:    p.Priority,
		Status:      RunStatusQueued,
		Instruction: p.Instruction,
		QueuedAt:    time.Now().UTC(),
	}
	if err := s.orm.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// GetRun loads a run with its plan (and plan steps) preloaded.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	var run Run
	err := s.orm.WithContext(ctx).
		Preload("ActionPlan.Steps").
		Preload("ApprovalGate").
		First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &run, nil
}

// SetRunStatus transitions a run and stamps the lifecycle timestamps that
// belong to the new status.
func (s *Store) SetRunStatus(ctx context.Context, id uuid.UUID, status RunStatus) error {
	updates := map[string]any{"status": status}
	now := time.Now().UTC()
	switch status {
	case RunStatusRunning:
		updates["started_at"] = &now
	case RunStatusSucceeded, RunStatusFailed, RunStatusRolledBack, RunStatusNoChanges, RunStatusCancelled:
		updates["completed_at"] = &now
	}
	res := s.orm.WithContext(ctx).Model(&Run{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("set run %s status %s: %w", id, status, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRun applies arbitrary column updates to a run. Callers pass column
// names, not struct fields.
func (s *Store) UpdateRun(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	res := s.orm.WithContext(ctx).Model(&Run{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update run %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachPlan persists a plan with its steps and links it to the run. Steps
// are renumbered from zero in the order given.
func (s *Store) AttachPlan(ctx context.Context, runID uuid.UUID, origin PlanOrigin, steps []PlanStepName, planCtx map[string]any) (*ActionPlan, error) {
	if len(steps) == 0 {
		return nil, errors.New("plan requires at least one step")
	}
	for _, name := range steps {
		if !name.Valid() {
			return nil, fmt.Errorf("unknown plan step %q", name)
		}
	}
	plan := &ActionPlan{
		ID:      uuid.New(),
		Origin:  origin,
		Context: datatypes.JSONMap(planCtx),
	}
	for i, name := range steps {
		plan.Steps = append(plan.Steps, PlanStep{
			ID:           uuid.New(),
			ActionPlanID: plan.ID,
			Position:     i,
			Step:         name,
			Status:       PlanStepStatusPending,
		})
	}
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(plan).Error; err != nil {
			return err
		}
		res := tx.Model(&Run{}).Where("id = ?", runID).Update("action_plan_id", plan.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("attach plan to run %s: %w", runID, err)
	}
	return plan, nil
}

// SetPlanStepStatus updates one step of an attached plan.
func (s *Store) SetPlanStepStatus(ctx context.Context, planID uuid.UUID, step PlanStepName, status PlanStepStatus) error {
	res := s.orm.WithContext(ctx).Model(&PlanStep{}).
		Where("action_plan_id = ? AND step = ?", planID, step).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("set plan step %s/%s: %w", planID, step, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateTaskAttempt opens a new attempt for a phase. The attempt number is
// one past the highest existing attempt for that run and phase.
func (s *Store) CreateTaskAttempt(ctx context.Context, runID uuid.UUID, phase Phase) (*TaskAttempt, error) {
	now := time.Now().UTC()
	attempt := &TaskAttempt{
		ID:        uuid.New(),
		RunID:     runID,
		Phase:     phase,
		Status:    AttemptStatusRunning,
		StartedAt: &now,
	}
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var max int
		err := tx.Model(&TaskAttempt{}).
			Where("run_id = ? AND phase = ?", runID, phase).
			Select("COALESCE(MAX(attempt), 0)").
			Scan(&max).Error
		if err != nil {
			return err
		}
		attempt.Attempt = max + 1
		return tx.Create(attempt).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create attempt for run %s phase %s: %w", runID, phase, err)
	}
	return attempt, nil
}

// FinishTaskAttempt closes an attempt with its final status and payload.
func (s *Store) FinishTaskAttempt(ctx context.Context, id uuid.UUID, status AttemptStatus, payload map[string]any) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":       status,
		"completed_at": &now,
	}
	if payload != nil {
		updates["payload"] = datatypes.JSONMap(payload)
	}
	res := s.orm.WithContext(ctx).Model(&TaskAttempt{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("finish attempt %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestAttempt returns the most recent attempt for a run and phase, or
// ErrNotFound when the phase has never been attempted.
func (s *Store) LatestAttempt(ctx context.Context, runID uuid.UUID, phase Phase) (*TaskAttempt, error) {
	var attempt TaskAttempt
	err := s.orm.WithContext(ctx).
		Where("run_id = ? AND phase = ?", runID, phase).
		Order("attempt DESC").
		First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest attempt for run %s phase %s: %w", runID, phase, err)
	}
	return &attempt, nil
}

// RecordArtifact validates and inserts an artifact row. Duplicate paths for
// the same run and type are rejected by the unique index.
func (s *Store) RecordArtifact(ctx context.Context, a *Artifact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if err := s.orm.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("record artifact %s for run %s: %w", a.Type, a.RunID, err)
	}
	return nil
}

// ListArtifacts returns all artifacts for a run, oldest first.
func (s *Store) ListArtifacts(ctx context.Context, runID uuid.UUID) ([]Artifact, error) {
	var out []Artifact
	err := s.orm.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list artifacts for run %s: %w", runID, err)
	}
	return out, nil
}

// UpsertAgentConfiguration stores the resolved agent configuration for a run,
// replacing any previous snapshot.
func (s *Store) UpsertAgentConfiguration(ctx context.Context, cfg *AgentConfiguration) error {
	if cfg.RunID == uuid.Nil {
		return errors.New("agent configuration requires a run id")
	}
	if cfg.Backend == "" {
		return errors.New("agent configuration requires a backend")
	}
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing AgentConfiguration
		err := tx.Where("run_id = ?", cfg.RunID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if cfg.ID == uuid.Nil {
				cfg.ID = uuid.New()
			}
			return tx.Create(cfg).Error
		case err != nil:
			return err
		}
		return tx.Model(&existing).Updates(map[string]any{
			"backend":             cfg.Backend,
			"version":             cfg.Version,
			"prompt_pack_version": cfg.PromptPackVersion,
			"runtime_env":         cfg.RuntimeEnv,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("upsert agent configuration for run %s: %w", cfg.RunID, err)
	}
	return nil
}

// GetApprovalGate finds the gate for a target service, or nil when none is
// configured.
func (s *Store) GetApprovalGate(ctx context.Context, serviceName string) (*ApprovalGate, error) {
	var gate ApprovalGate
	err := s.orm.WithContext(ctx).Where("service_name = ?", serviceName).First(&gate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get approval gate %q: %w", serviceName, err)
	}
	return &gate, nil
}

// ListApprovalGates returns all configured gates.
func (s *Store) ListApprovalGates(ctx context.Context) ([]ApprovalGate, error) {
	var out []ApprovalGate
	if err := s.orm.WithContext(ctx).Order("service_name ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list approval gates: %w", err)
	}
	return out, nil
}

// SaveApprovalGate validates and upserts a gate keyed by service name.
func (s *Store) SaveApprovalGate(ctx context.Context, gate *ApprovalGate) error {
	if gate.ServiceName == "" {
		return errors.New("approval gate requires a service name")
	}
	if err := gate.Validate(); err != nil {
		return err
	}
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ApprovalGate
		err := tx.Where("service_name = ?", gate.ServiceName).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if gate.ID == uuid.Nil {
				gate.ID = uuid.New()
			}
			return tx.Create(gate).Error
		case err != nil:
			return err
		}
		return tx.Model(&existing).Updates(map[string]any{
			"requirement":       gate.Requirement,
			"approver_roles":    gate.ApproverRoles,
			"valid_for_minutes": gate.ValidForMinutes,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("save approval gate %q: %w", gate.ServiceName, err)
	}
	return nil
}

// RunSummary is the flat row shape used by status listings.
type RunSummary struct {
	ID          uuid.UUID  `db:"id"`
	Repository  string     `db:"repository"`
	FeatureKey  string     `db:"feature_key"`
	BranchName  string     `db:"branch_name"`
	Status      RunStatus  `db:"status"`
	QueuedAt    time.Time  `db:"queued_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// ListRunsByStatus returns summaries for runs in the given status, newest
// queued first.
func (s *Store) ListRunsByStatus(ctx context.Context, status RunStatus, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()
	var out []RunSummary
	err := pgxscan.Select(ctx, s.pool, &out, `
		SELECT id, repository, feature_key, branch_name, status, queued_at, started_at, completed_at
		FROM runs
		WHERE status = $1
		ORDER BY queued_at DESC
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs with status %s: %w", status, err)
	}
	return out, nil
}

// ExpiredArtifacts returns artifact rows whose expiry has passed, oldest
// first, capped at limit.
func (s *Store) ExpiredArtifacts(ctx context.Context, now time.Time, limit int) ([]Artifact, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Artifact
	err := s.orm.WithContext(ctx).
		Where("expires_at < ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list expired artifacts: %w", err)
	}
	return out, nil
}

// DeleteArtifact removes an artifact row after its file has been purged.
func (s *Store) DeleteArtifact(ctx context.Context, id uuid.UUID) error {
	res := s.orm.WithContext(ctx).Delete(&Artifact{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete artifact %s: %w", id, res.Error)
	}
	return nil
}
