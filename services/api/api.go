// Package api exposes the control-plane HTTP surface for submitting runs,
// inspecting their progress, and administering approval gates.
package api

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"specd/services/orchestrator"
)

const defaultListLimit = 50

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// DispatchSubject is the queue subject workers consume run
	// assignments from.
	DispatchSubject string
	// ListLimit caps GET /v1/runs responses. Zero applies the default.
	ListLimit int
}

// runStore is the persistence surface the handlers need. *orchestrator.Store
// satisfies it.
type runStore interface {
	CreateRun(ctx context.Context, p orchestrator.NewRunParams) (*orchestrator.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (*orchestrator.Run, error)
	SetRunStatus(ctx context.Context, id uuid.UUID, status orchestrator.RunStatus) error
	UpdateRun(ctx context.Context, id uuid.UUID, updates map[string]any) error
	ListRunsByStatus(ctx context.Context, status orchestrator.RunStatus, limit int) ([]orchestrator.RunSummary, error)
	AttachPlan(ctx context.Context, runID uuid.UUID, origin orchestrator.PlanOrigin, steps []orchestrator.PlanStepName, planCtx map[string]any) (*orchestrator.ActionPlan, error)
	ListArtifacts(ctx context.Context, runID uuid.UUID) ([]orchestrator.Artifact, error)
	GetApprovalGate(ctx context.Context, serviceName string) (*orchestrator.ApprovalGate, error)
	ListApprovalGates(ctx context.Context) ([]orchestrator.ApprovalGate, error)
	SaveApprovalGate(ctx context.Context, gate *orchestrator.ApprovalGate) error
}

// publisher is the queue surface used to hand runs to workers. *bus.Bus
// satisfies it.
type publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// API wires dependencies and configuration for the HTTP handlers.
type API struct {
	store  runStore
	queue  publisher
	config Config
	logger *log.Logger
	now    func() time.Time
}

// New initialises the API layer with defaults applied to the provided
// configuration.
func New(store runStore, queue publisher, cfg Config, logger *log.Logger) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	if cfg.DispatchSubject == "" {
		return nil, errors.New("dispatch subject is required")
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = defaultListLimit
	}
	if logger == nil {
		logger = log.Default()
	}

	return &API{
		store:  store,
		queue:  queue,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// dispatch enqueues the run for a worker to pick up.
func (a *API) dispatch(ctx context.Context, runID uuid.UUID) error {
	return a.queue.Publish(ctx, a.config.DispatchSubject, orchestrator.RunDispatch{RunID: runID})
}
