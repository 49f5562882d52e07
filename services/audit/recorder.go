// Package audit records run lifecycle transitions into an append-only audit
// trail, consumed from the bus rather than the write path so the worker never
// blocks on audit persistence.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"specd/pkg/bus"
	"specd/pkg/db"
	"specd/services/orchestrator"
)

const (
	actorWorker = "specworker"

	actionRunStarted  = "run_started"
	actionRunFinished = "run_finished"
)

// Recorder subscribes to run lifecycle subjects and appends one audit row per
// transition, including the previously observed status for the run.
type Recorder struct {
	pool *pgxpool.Pool
	bus  *bus.Bus
	log  zerolog.Logger

	subMu sync.Mutex
	subs  []io.Closer
}

// NewRecorder constructs a Recorder for the provided dependencies.
func NewRecorder(pool *pgxpool.Pool, b *bus.Bus, log zerolog.Logger) (*Recorder, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if b == nil {
		return nil, errors.New("bus is required")
	}
	return &Recorder{pool: pool, bus: b, log: log}, nil
}

// Start subscribes to lifecycle events and processes them until ctx is
// cancelled.
func (r *Recorder) Start(ctx context.Context) error {
	if r == nil {
		return errors.New("nil recorder")
	}

	subjects := map[string]string{
		orchestrator.RunStartedSubject:  actionRunStarted,
		orchestrator.RunFinishedSubject: actionRunFinished,
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()
	for subject, action := range subjects {
		action := action
		sub, err := r.bus.Subscribe(ctx, subject, "audit-"+action, func(msgCtx context.Context, data []byte) error {
			return r.handleEvent(msgCtx, action, data)
		})
		if err != nil {
			return err
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

// Close stops the underlying subscriptions.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.subMu.Lock()
	defer r.subMu.Unlock()

	var firstErr error
	for _, sub := range r.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.subs = nil
	return firstErr
}

func (r *Recorder) handleEvent(ctx context.Context, action string, data []byte) error {
	evt, err := parseEvent(data)
	if err != nil {
		// Malformed events are dropped; redelivery cannot fix them.
		r.log.Warn().Err(err).Str("action", action).Msg("dropping malformed lifecycle event")
		return nil
	}

	previous, err := r.previousStatus(ctx, evt.RunID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	details := buildDetails(evt, previous)
	if err := r.insert(ctx, evt.RunID, action, details); err != nil {
		r.log.Error().Err(err).Stringer("run_id", evt.RunID).Msg("audit insert failed")
		return err
	}

	r.log.Info().
		Stringer("run_id", evt.RunID).
		Str("action", action).
		Str("status", string(evt.Status)).
		Msg("run transition recorded")
	return nil
}

func parseEvent(data []byte) (orchestrator.RunLifecycleEvent, error) {
	var evt orchestrator.RunLifecycleEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return evt, err
	}
	if evt.RunID == uuid.Nil {
		return evt, errors.New("run_id missing from event")
	}
	if evt.Status == "" {
		return evt, errors.New("status missing from event")
	}
	return evt, nil
}

// buildDetails captures the transition the event describes. The previous
// status comes from the newest audit row for the run, so out-of-order
// delivery shows up as an inverted transition rather than being lost.
func buildDetails(evt orchestrator.RunLifecycleEvent, previous string) map[string]any {
	details := map[string]any{
		"status": string(evt.Status),
	}
	if previous != "" && previous != string(evt.Status) {
		details["previous_status"] = previous
	}
	if evt.Worker != "" {
		details["worker"] = evt.Worker
	}
	return details
}

func (r *Recorder) previousStatus(ctx context.Context, runID uuid.UUID) (string, error) {
	var status string
	err := db.Get(ctx, r.pool, &status, `
SELECT details->>'status'
FROM run_audits
WHERE run_id = $1
ORDER BY at DESC, id DESC
LIMIT 1
`, runID)
	if err != nil {
		return "", err
	}
	return status, nil
}

func (r *Recorder) insert(ctx context.Context, runID uuid.UUID, action string, details map[string]any) error {
	detailsBytes, err := json.Marshal(details)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, r.pool, `
INSERT INTO run_audits (run_id, actor, action, details, at)
VALUES ($1, $2, $3, $4::jsonb, $5)
`, runID, actorWorker, action, detailsBytes, time.Now().UTC())
	return err
}
